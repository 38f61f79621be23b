package handler

import (
	"strings"
	"time"

	"github.com/ai-rio/QuoteKit-sub003/internal/subscription"
)

const (
	EventPaymentMethodAttached = "payment_method.attached"
	EventPaymentMethodFailed   = "payment_method.failed"
)

// FailureClass buckets payment-method failures.
type FailureClass string

const (
	FailureExpired         FailureClass = "expired"
	FailureDeclined        FailureClass = "declined"
	FailureInvalid         FailureClass = "invalid"
	FailureAuthRequired    FailureClass = "authentication_required"
	FailureProcessingError FailureClass = "processing_error"
)

// PaymentMethod handles payment-method attachment and failure events. It
// never mutates the subscription: the provider's own dunning drives status
// changes through invoice events.
type PaymentMethod struct{}

func NewPaymentMethod() *PaymentMethod { return &PaymentMethod{} }

func (h *PaymentMethod) Name() string { return "payment_method" }

func (h *PaymentMethod) Handle(snap *subscription.Snapshot, ev Event, now time.Time) (Result, error) {
	payload, err := decode[PaymentMethodPayload](ev)
	if err != nil {
		return Result{}, err
	}
	userID := userIDFor(snap, payload.UserID)
	if userID == "" {
		return Result{}, Permanent(errMissingUser)
	}

	switch ev.Type {
	case EventPaymentMethodAttached:
		return Result{
			Notifications: []NotificationIntent{{
				UserID:  userID,
				Type:    "payment_method_attached",
				Message: "A new payment method was added to your account.",
				Metadata: map[string]any{
					"method_type": payload.MethodType,
					"last4":       payload.Last4,
				},
			}},
		}, nil
	case EventPaymentMethodFailed:
		return h.handleFailure(userID, payload), nil
	default:
		return Result{}, nil
	}
}

func (h *PaymentMethod) handleFailure(userID string, payload PaymentMethodPayload) Result {
	class, retryable := ClassifyFailure(payload.FailureCode)
	if payload.Retryable != nil {
		retryable = *payload.Retryable
	}

	metadata := map[string]any{
		"failure_class": string(class),
		"failure_code":  payload.FailureCode,
		"retryable":     retryable,
	}

	if retryable {
		// Transient at the provider; hold the user-facing message and
		// re-attempt notification on the next sweep instead.
		return Result{
			FollowUps: []FollowUpIntent{{
				NextSteps: []string{"retry_payment_method_notification"},
				After:     time.Hour,
			}},
		}
	}

	return Result{
		Notifications: []NotificationIntent{{
			UserID:   userID,
			Type:     "payment_method_failed",
			Message:  failureMessage(class),
			Metadata: metadata,
		}},
	}
}

// ClassifyFailure maps a provider failure code onto the closed failure set
// and reports whether the failure is worth retrying automatically.
func ClassifyFailure(code string) (FailureClass, bool) {
	switch strings.ToLower(strings.TrimSpace(code)) {
	case "expired_card", "expired":
		return FailureExpired, false
	case "card_declined", "declined", "insufficient_funds":
		return FailureDeclined, false
	case "invalid_number", "invalid_cvc", "invalid":
		return FailureInvalid, false
	case "authentication_required", "requires_action":
		return FailureAuthRequired, true
	default:
		return FailureProcessingError, true
	}
}

func failureMessage(class FailureClass) string {
	switch class {
	case FailureExpired:
		return "Your card has expired. Please update your payment method."
	case FailureDeclined:
		return "Your card was declined. Please update your payment method."
	case FailureInvalid:
		return "Your payment details look invalid. Please re-enter your payment method."
	default:
		return "We had trouble charging your payment method. Please check it."
	}
}
