package followup

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("followup",
	fx.Provide(NewStore),
	fx.Provide(NewResumer),
	fx.Provide(NewSweeper),
	fx.Invoke(runSweeper),
)

func runSweeper(lc fx.Lifecycle, sweeper *Sweeper) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go sweeper.RunForever(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}
