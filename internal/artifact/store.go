package artifact

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
)

var ErrInvalidArtifactURL = errors.New("invalid_artifact_url")

// Store persists a backend output and returns the URL clients should use.
type Store interface {
	Persist(ctx context.Context, jobID snowflake.ID, sourceURL string) (string, error)
}

var Module = fx.Module("artifact",
	fx.Provide(NewPassthroughStore),
)

// PassthroughStore keeps the backend-hosted URL as the artifact.
type PassthroughStore struct{}

func NewPassthroughStore() Store {
	return PassthroughStore{}
}

func (PassthroughStore) Persist(ctx context.Context, jobID snowflake.ID, sourceURL string) (string, error) {
	sourceURL = strings.TrimSpace(sourceURL)
	parsed, err := url.Parse(sourceURL)
	if err != nil || parsed.Host == "" {
		return "", ErrInvalidArtifactURL
	}
	switch parsed.Scheme {
	case "http", "https":
		return sourceURL, nil
	default:
		return "", ErrInvalidArtifactURL
	}
}
