package backend

import (
	"strings"

	"github.com/smallbiznis/genbroker/internal/backend/domain"
	resolverdomain "github.com/smallbiznis/genbroker/internal/resolver/domain"
)

const (
	ProviderReplicate = "replicate"
	ProviderTimelapse = "timelapse"
)

type Registry struct {
	dispatchers map[string]domain.Dispatcher
}

func NewRegistry(dispatchers ...domain.Dispatcher) *Registry {
	registry := &Registry{dispatchers: map[string]domain.Dispatcher{}}
	for _, d := range dispatchers {
		if d == nil {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(d.Name()))
		if name == "" {
			continue
		}
		registry.dispatchers[name] = d
	}
	return registry
}

func (r *Registry) Get(name string) (domain.Dispatcher, error) {
	if r == nil {
		return nil, domain.ErrUnknownBackend
	}
	d, ok := r.dispatchers[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, domain.ErrUnknownBackend
	}
	return d, nil
}

// ProviderFor names the dispatcher that serves a backend family.
func ProviderFor(family resolverdomain.Family) string {
	if family == resolverdomain.FamilyVideoPipeline {
		return ProviderTimelapse
	}
	return ProviderReplicate
}

func (r *Registry) ForFamily(family resolverdomain.Family) (domain.Dispatcher, error) {
	return r.Get(ProviderFor(family))
}
