package backend

import (
	"net/http"

	"github.com/smallbiznis/genbroker/internal/backend/domain"
	"github.com/smallbiznis/genbroker/internal/backend/replicate"
	"github.com/smallbiznis/genbroker/internal/backend/timelapse"
	"github.com/smallbiznis/genbroker/internal/config"
	"github.com/smallbiznis/genbroker/internal/observability/tracing"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("backend",
	fx.Provide(NewRegistryFromConfig),
)

type Params struct {
	fx.In

	Config config.Config
	Log    *zap.Logger
}

func NewRegistryFromConfig(p Params) *Registry {
	httpClient := tracing.WrapHTTPClient(&http.Client{Timeout: p.Config.Backends.RequestTimeout})
	log := p.Log.Named("backend")

	var dispatchers []domain.Dispatcher
	dispatchers = append(dispatchers, replicate.New(replicate.Config{
		BaseURL:       p.Config.Backends.ReplicateBaseURL,
		APIToken:      p.Config.Backends.ReplicateAPIToken,
		PreferWait:    p.Config.Backends.ReplicateWait,
		WebhookSecret: p.Config.Webhooks.BackendSecret,
	}, httpClient, log))
	dispatchers = append(dispatchers, timelapse.New(timelapse.Config{
		BaseURL:       p.Config.Backends.TimelapseBaseURL,
		APIKey:        p.Config.Backends.TimelapseAPIKey,
		WebhookSecret: p.Config.Webhooks.BackendSecret,
	}, httpClient, log))

	return NewRegistry(dispatchers...)
}
