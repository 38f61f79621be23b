package event

import "go.uber.org/fx"

var Module = fx.Module("event.ledger",
	fx.Provide(NewLedger),
)
