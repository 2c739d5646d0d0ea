// Package app assembles the fx graphs shared by the binaries.
package app

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/genbroker/internal/artifact"
	"github.com/smallbiznis/genbroker/internal/backend"
	"github.com/smallbiznis/genbroker/internal/clock"
	"github.com/smallbiznis/genbroker/internal/config"
	"github.com/smallbiznis/genbroker/internal/credit"
	"github.com/smallbiznis/genbroker/internal/generation"
	"github.com/smallbiznis/genbroker/internal/jobstatus"
	"github.com/smallbiznis/genbroker/internal/migration"
	"github.com/smallbiznis/genbroker/internal/observability"
	"github.com/smallbiznis/genbroker/internal/ratelimit"
	"github.com/smallbiznis/genbroker/internal/resolver"
	"github.com/smallbiznis/genbroker/internal/server"
	"github.com/smallbiznis/genbroker/internal/sweeper"
	"github.com/smallbiznis/genbroker/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

// Infrastructure is config, logging, telemetry and the database.
func Infrastructure() fx.Option {
	return fx.Options(
		config.Module,
		observability.Module,
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
	)
}

// Core is every domain service. Migrations run before anything starts.
func Core() fx.Option {
	return fx.Options(
		Infrastructure(),
		migration.Module,
		ratelimit.Module,
		credit.Module,
		resolver.Module,
		backend.Module,
		artifact.Module,
		generation.Module,
		jobstatus.Module,
	)
}

// API serves HTTP.
func API() fx.Option {
	return server.Module
}

// Workers polls backends and sweeps abandoned jobs.
func Workers() fx.Option {
	return fx.Options(
		jobstatus.PollerModule,
		sweeper.Module,
	)
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", cfg.NodeID, err)
	}
	return node, nil
}
