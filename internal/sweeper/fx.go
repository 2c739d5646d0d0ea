package sweeper

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("sweeper",
	fx.Provide(New),
	fx.Invoke(StartSweeper),
)

func StartSweeper(lc fx.Lifecycle, sweeper *Sweeper) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			runner, err := sweeper.Start()
			if err != nil {
				return err
			}

			lc.Append(fx.Hook{
				OnStop: func(ctx context.Context) error {
					select {
					case <-runner.Stop().Done():
					case <-ctx.Done():
					}
					return nil
				},
			})

			return nil
		},
	})
}
