package handler

import (
	"strings"
	"time"

	"github.com/ai-rio/QuoteKit-sub003/internal/subscription"
)

const EventPlanChanged = "subscription.plan_changed"

// PlanChange records a plan switch with its provider-computed proration.
// The before/after amounts are kept for analytics; no money is computed
// locally.
type PlanChange struct{}

func NewPlanChange() *PlanChange { return &PlanChange{} }

func (h *PlanChange) Name() string { return "plan_change" }

func (h *PlanChange) Handle(snap *subscription.Snapshot, ev Event, now time.Time) (Result, error) {
	payload, err := decode[PlanChangePayload](ev)
	if err != nil {
		return Result{}, err
	}
	newRef := strings.TrimSpace(payload.NewPriceReference)
	if newRef == "" {
		return Result{}, Permanent(errUnknownPlanChange)
	}
	if isStale(snap, ev.OccurredAt) {
		return Result{Stale: true}, nil
	}

	direction := "lateral"
	switch {
	case payload.NewAmount > payload.PreviousAmount:
		direction = "upgrade"
	case payload.NewAmount < payload.PreviousAmount:
		direction = "downgrade"
	}

	result := Result{
		Notifications: []NotificationIntent{{
			UserID:  userIDFor(snap, payload.UserID),
			Type:    "plan_changed",
			Message: "Your plan has been updated.",
			Metadata: map[string]any{
				"previous_price":  payload.PreviousPriceReference,
				"new_price":       newRef,
				"direction":       direction,
				"prorated_amount": payload.ProratedAmount,
				"currency":        payload.Currency,
			},
		}},
	}

	if snap != nil {
		result.Change = &subscription.Change{
			UserID:                 snap.UserID,
			ExternalSubscriptionID: snap.ExternalSubscriptionID,
			ExternalCustomerID:     snap.ExternalCustomerID,
			PriceReference:         newRef,
			Status:                 snap.Status,
			CurrentPeriodStart:     snap.CurrentPeriodStart,
			CurrentPeriodEnd:       snap.CurrentPeriodEnd,
			CancelAtPeriodEnd:      snap.CancelAtPeriodEnd,
			TrialStart:             snap.TrialStart,
			TrialEnd:               snap.TrialEnd,
			EventTime:              ev.OccurredAt,
			Metadata: map[string]any{
				"last_plan_change": map[string]any{
					"previous_price":  payload.PreviousPriceReference,
					"new_price":       newRef,
					"direction":       direction,
					"prorated_amount": payload.ProratedAmount,
					"currency":        payload.Currency,
					"changed_at":      ev.OccurredAt.Format(time.RFC3339),
				},
			},
		}
	}

	return result, nil
}
