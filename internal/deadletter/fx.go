package deadletter

import "go.uber.org/fx"

var Module = fx.Module("deadletter.store",
	fx.Provide(NewStore),
)
