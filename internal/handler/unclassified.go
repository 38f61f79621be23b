package handler

import (
	"time"

	"github.com/ai-rio/QuoteKit-sub003/internal/subscription"
	"go.uber.org/zap"
)

// Unclassified accepts event types no other handler is registered for. The
// event stays in the ledger and the audit trail records it as logged but
// not actionable; nothing is ever dropped silently.
type Unclassified struct {
	log *zap.Logger
}

func NewUnclassified(log *zap.Logger) *Unclassified {
	return &Unclassified{log: log.Named("handler.unclassified")}
}

func (h *Unclassified) Name() string { return "unclassified" }

func (h *Unclassified) Handle(snap *subscription.Snapshot, ev Event, now time.Time) (Result, error) {
	h.log.Info("unclassified event accepted",
		zap.String("event_id", ev.EventID),
		zap.String("event_type", ev.Type),
	)
	return Result{}, nil
}
