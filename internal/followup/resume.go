package followup

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ai-rio/QuoteKit-sub003/internal/event"
	"github.com/ai-rio/QuoteKit-sub003/internal/handler"
	"github.com/ai-rio/QuoteKit-sub003/internal/notify"
	"github.com/ai-rio/QuoteKit-sub003/internal/subscription"
	"go.uber.org/zap"
)

// Action tags handlers may defer on.
const (
	ActionRetryPaymentMethodNotification = "retry_payment_method_notification"
	ActionRecheckInvoicePayment          = "recheck_invoice_payment"
	ActionRecheckDisputeEvidence         = "recheck_dispute_evidence"
)

// Resumer re-runs a follow-up's deferred action. Every step must succeed
// for the item to be completed; partial progress is retried whole on the
// next sweep.
type Resumer struct {
	ledger   *event.Ledger
	subs     *subscription.Store
	notifier *notify.Notifier
	log      *zap.Logger
}

func NewResumer(ledger *event.Ledger, subs *subscription.Store, notifier *notify.Notifier, log *zap.Logger) *Resumer {
	return &Resumer{
		ledger:   ledger,
		subs:     subs,
		notifier: notifier,
		log:      log.Named("followup.resume"),
	}
}

// Resume executes each of the follow-up's next steps in order.
func (r *Resumer) Resume(ctx context.Context, fu FollowUp, now time.Time) error {
	ev, err := r.ledger.Find(ctx, fu.SourceEventID)
	if err != nil {
		return err
	}
	for _, step := range fu.NextSteps {
		if err := r.resumeStep(ctx, step, ev, now); err != nil {
			return fmt.Errorf("resume %s: %w", step, err)
		}
	}
	return nil
}

func (r *Resumer) resumeStep(ctx context.Context, step string, ev *event.ExternalEvent, now time.Time) error {
	switch step {
	case ActionRetryPaymentMethodNotification:
		return r.retryPaymentMethodNotification(ctx, ev)
	case ActionRecheckInvoicePayment:
		return r.recheckInvoicePayment(ctx, ev)
	case ActionRecheckDisputeEvidence:
		return r.recheckDisputeEvidence(ctx, ev, now)
	default:
		// Unknown tags are accepted and logged, mirroring how the
		// classifier treats unknown event types.
		r.log.Warn("unknown follow-up action", zap.String("action", step), zap.String("event_id", ev.EventID))
		return nil
	}
}

func (r *Resumer) retryPaymentMethodNotification(ctx context.Context, ev *event.ExternalEvent) error {
	var payload handler.PaymentMethodPayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return err
	}
	class, _ := handler.ClassifyFailure(payload.FailureCode)
	return r.notifier.Notify(ctx, ev.EventID, handler.NotificationIntent{
		UserID:  payload.UserID,
		Type:    "payment_method_failed",
		Message: "We still could not verify your payment method. Please check it.",
		Metadata: map[string]any{
			"failure_class": string(class),
			"failure_code":  payload.FailureCode,
		},
	})
}

func (r *Resumer) recheckInvoicePayment(ctx context.Context, ev *event.ExternalEvent) error {
	var payload handler.InvoicePayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return err
	}
	snap, err := r.subs.SnapshotByUserID(ctx, payload.UserID)
	if err != nil {
		return err
	}
	// Settled in the meantime: nothing left to do.
	if snap == nil || (snap.Status != subscription.StatusPastDue && snap.Status != subscription.StatusUnpaid) {
		return nil
	}
	return r.notifier.Notify(ctx, ev.EventID+":recheck", handler.NotificationIntent{
		UserID:  payload.UserID,
		Type:    "invoice_payment_failed",
		Message: "Your payment is still outstanding. Please update your payment method to keep your subscription.",
		Metadata: map[string]any{
			"invoice_id": payload.InvoiceID,
		},
	})
}

func (r *Resumer) recheckDisputeEvidence(ctx context.Context, ev *event.ExternalEvent, now time.Time) error {
	var payload handler.DisputePayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return err
	}
	snap, err := r.subs.SnapshotByUserID(ctx, payload.UserID)
	if err != nil {
		return err
	}
	if snap == nil || snap.Metadata == nil {
		return nil
	}
	recorded, _ := snap.Metadata["dispute:"+payload.DisputeID].(string)
	if recorded != handler.DisputeNeedsResponse {
		return nil
	}
	if payload.EvidenceDueBy != nil && payload.EvidenceDueBy.Before(now) {
		// Deadline passed; the provider will deliver the outcome event.
		return nil
	}
	return r.notifier.Alert(ctx, ev.EventID, handler.AlertIntent{
		Severity: handler.SeverityHigh,
		Type:     "dispute_needs_response",
		Message:  fmt.Sprintf("Dispute %s still needs a response.", payload.DisputeID),
		Metadata: map[string]any{
			"dispute_id": payload.DisputeID,
		},
	}, now)
}
