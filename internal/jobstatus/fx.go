package jobstatus

import (
	"context"

	"go.uber.org/fx"
)

// Module serves snapshots and subscriptions. Every process that applies
// transitions needs it for the event publisher.
var Module = fx.Module("jobstatus",
	fx.Provide(NewHub),
	fx.Provide(NewBridge),
	fx.Provide(NewPublisher),
	fx.Provide(NewService),
)

// PollerModule runs the background poller.
var PollerModule = fx.Module("jobstatus.poller",
	fx.Provide(NewPoller),
	fx.Invoke(StartPoller),
)

func StartPoller(lc fx.Lifecycle, poller *Poller) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan struct{})

			go func() {
				defer close(done)
				poller.Run(ctx)
			}()

			lc.Append(fx.Hook{
				OnStop: func(stopCtx context.Context) error {
					cancel()
					select {
					case <-done:
					case <-stopCtx.Done():
					}
					return nil
				},
			})
			return nil
		},
	})
}
