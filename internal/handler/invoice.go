package handler

import (
	"strings"
	"time"

	"github.com/ai-rio/QuoteKit-sub003/internal/subscription"
)

const (
	EventInvoicePaid          = "invoice.paid"
	EventInvoicePaymentFailed = "invoice.payment_failed"
)

// Invoice reconciles invoice settlement outcomes. A paid invoice confirms
// the current period; a failed payment proposes past_due and tells the user
// what to do about it.
type Invoice struct{}

func NewInvoice() *Invoice { return &Invoice{} }

func (h *Invoice) Name() string { return "invoice_payment" }

func (h *Invoice) Handle(snap *subscription.Snapshot, ev Event, now time.Time) (Result, error) {
	payload, err := decode[InvoicePayload](ev)
	if err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(payload.InvoiceID) == "" {
		return Result{}, Permanent(errMissingInvoiceID)
	}
	if isStale(snap, ev.OccurredAt) {
		return Result{Stale: true}, nil
	}

	switch ev.Type {
	case EventInvoicePaid:
		return h.handlePaid(snap, payload, ev)
	case EventInvoicePaymentFailed:
		return h.handleFailed(snap, payload, ev)
	default:
		return Result{}, nil
	}
}

func (h *Invoice) handlePaid(snap *subscription.Snapshot, payload InvoicePayload, ev Event) (Result, error) {
	result := Result{
		Notifications: []NotificationIntent{{
			UserID:  userIDFor(snap, payload.UserID),
			Type:    "invoice_paid",
			Message: "Your payment was received. Thanks!",
			Metadata: map[string]any{
				"invoice_id": payload.InvoiceID,
				"amount_due": payload.AmountDue,
				"currency":   payload.Currency,
			},
		}},
	}

	// A paid invoice on a past_due or unpaid subscription restores active
	// and rolls the period forward to the invoice's billing window.
	if snap != nil && (snap.Status == subscription.StatusPastDue || snap.Status == subscription.StatusUnpaid) {
		result.Change = &subscription.Change{
			UserID:                 snap.UserID,
			ExternalSubscriptionID: snap.ExternalSubscriptionID,
			ExternalCustomerID:     snap.ExternalCustomerID,
			PriceReference:         snap.PriceReference,
			Status:                 subscription.StatusActive,
			CurrentPeriodStart:     coalesceTime(payload.PeriodStart, snap.CurrentPeriodStart),
			CurrentPeriodEnd:       coalesceTime(payload.PeriodEnd, snap.CurrentPeriodEnd),
			CancelAtPeriodEnd:      snap.CancelAtPeriodEnd,
			TrialStart:             snap.TrialStart,
			TrialEnd:               snap.TrialEnd,
			EventTime:              ev.OccurredAt,
		}
	}
	return result, nil
}

func (h *Invoice) handleFailed(snap *subscription.Snapshot, payload InvoicePayload, ev Event) (Result, error) {
	userID := userIDFor(snap, payload.UserID)
	result := Result{
		Notifications: []NotificationIntent{{
			UserID:  userID,
			Type:    "invoice_payment_failed",
			Message: "We could not collect your latest payment. Please update your payment method.",
			Metadata: map[string]any{
				"invoice_id":    payload.InvoiceID,
				"attempt_count": payload.AttemptCount,
			},
		}},
	}

	if snap != nil && (snap.Status == subscription.StatusActive || snap.Status == subscription.StatusTrialing) {
		result.Change = &subscription.Change{
			UserID:                 snap.UserID,
			ExternalSubscriptionID: snap.ExternalSubscriptionID,
			ExternalCustomerID:     snap.ExternalCustomerID,
			PriceReference:         snap.PriceReference,
			Status:                 subscription.StatusPastDue,
			CurrentPeriodStart:     snap.CurrentPeriodStart,
			CurrentPeriodEnd:       snap.CurrentPeriodEnd,
			CancelAtPeriodEnd:      snap.CancelAtPeriodEnd,
			TrialStart:             snap.TrialStart,
			TrialEnd:               snap.TrialEnd,
			EventTime:              ev.OccurredAt,
		}
	}

	// The provider will retry the charge; check back after its next
	// scheduled attempt so the user is nudged again if it failed too.
	if payload.NextPaymentAttempt != nil {
		result.FollowUps = append(result.FollowUps, FollowUpIntent{
			NextSteps: []string{"recheck_invoice_payment"},
			After:     24 * time.Hour,
		})
	}
	return result, nil
}

func userIDFor(snap *subscription.Snapshot, payloadUserID string) string {
	userID := strings.TrimSpace(payloadUserID)
	if userID == "" && snap != nil {
		userID = snap.UserID
	}
	return userID
}

func coalesceTime(preferred, fallback *time.Time) *time.Time {
	if preferred != nil {
		return preferred
	}
	return fallback
}
