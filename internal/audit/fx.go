package audit

import "go.uber.org/fx"

var Module = fx.Module("audit.trail",
	fx.Provide(NewTrail),
)
