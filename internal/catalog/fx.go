package catalog

import "go.uber.org/fx"

var Module = fx.Module("catalog.reader",
	fx.Provide(NewReader),
)
