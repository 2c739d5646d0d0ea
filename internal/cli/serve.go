package cli

import (
	"context"
	"time"

	"github.com/smallbiznis/genbroker/internal/app"
	"github.com/smallbiznis/genbroker/internal/config"
	"github.com/smallbiznis/genbroker/internal/migration"
	"github.com/smallbiznis/genbroker/internal/observability"
	"github.com/smallbiznis/genbroker/pkg/db"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

var serveWithWorkers bool

func init() {
	serveCmd.Flags().BoolVar(&serveWithWorkers, "with-workers", true, "Also run the backend poller and sweeper in this process")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := []fx.Option{app.Core(), app.API()}
		if serveWithWorkers {
			opts = append(opts, app.Workers())
		}
		fx.New(opts...).Run()
		return nil
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the backend poller and sweeper without the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		fx.New(app.Core(), app.Workers()).Run()
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		migrator := fx.New(
			config.Module,
			observability.Module,
			fx.NopLogger,
			db.Module,
			migration.Module,
		)

		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
		defer cancel()
		if err := migrator.Start(ctx); err != nil {
			return err
		}
		return migrator.Stop(ctx)
	},
}
