package handler

import (
	"testing"
	"time"
)

func TestPaymentMethodDeclinedNotifiesWithoutChange(t *testing.T) {
	h := NewPaymentMethod()
	now := time.Now().UTC()

	ev := mustEvent(t, EventPaymentMethodFailed, now, PaymentMethodPayload{
		UserID:      "user_1",
		FailureCode: "card_declined",
	})

	result, err := h.Handle(nil, ev, now)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if result.Change != nil {
		t.Fatal("payment method events must never mutate the subscription")
	}
	if len(result.Notifications) != 1 {
		t.Fatalf("expected one notification, got %d", len(result.Notifications))
	}
	if result.Notifications[0].Type != "payment_method_failed" {
		t.Errorf("notification type = %s", result.Notifications[0].Type)
	}
	if len(result.FollowUps) != 0 {
		t.Fatal("non-retryable failures should not defer")
	}
}

func TestPaymentMethodRetryableFailureDefersNotification(t *testing.T) {
	h := NewPaymentMethod()
	now := time.Now().UTC()

	ev := mustEvent(t, EventPaymentMethodFailed, now, PaymentMethodPayload{
		UserID:      "user_1",
		FailureCode: "authentication_required",
	})

	result, err := h.Handle(nil, ev, now)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(result.Notifications) != 0 {
		t.Fatal("retryable failures hold the user-facing message")
	}
	if len(result.FollowUps) != 1 || result.FollowUps[0].NextSteps[0] != "retry_payment_method_notification" {
		t.Fatalf("expected deferred retry, got %+v", result.FollowUps)
	}
}

func TestPaymentMethodPayloadRetryableOverride(t *testing.T) {
	h := NewPaymentMethod()
	now := time.Now().UTC()
	notRetryable := false

	ev := mustEvent(t, EventPaymentMethodFailed, now, PaymentMethodPayload{
		UserID:      "user_1",
		FailureCode: "processing_error",
		Retryable:   &notRetryable,
	})

	result, err := h.Handle(nil, ev, now)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(result.Notifications) != 1 {
		t.Fatal("provider override should force the immediate notification")
	}
}

func TestPaymentMethodAttachedNotifies(t *testing.T) {
	h := NewPaymentMethod()
	now := time.Now().UTC()

	ev := mustEvent(t, EventPaymentMethodAttached, now, PaymentMethodPayload{
		UserID:     "user_1",
		MethodType: "card",
		Last4:      "4242",
	})

	result, err := h.Handle(nil, ev, now)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(result.Notifications) != 1 || result.Notifications[0].Type != "payment_method_attached" {
		t.Fatalf("expected attached notification, got %+v", result.Notifications)
	}
}

func TestClassifyFailure(t *testing.T) {
	cases := []struct {
		code      string
		class     FailureClass
		retryable bool
	}{
		{"expired_card", FailureExpired, false},
		{"card_declined", FailureDeclined, false},
		{"insufficient_funds", FailureDeclined, false},
		{"invalid_cvc", FailureInvalid, false},
		{"authentication_required", FailureAuthRequired, true},
		{"requires_action", FailureAuthRequired, true},
		{"some_new_code", FailureProcessingError, true},
		{"", FailureProcessingError, true},
	}
	for _, tc := range cases {
		class, retryable := ClassifyFailure(tc.code)
		if class != tc.class || retryable != tc.retryable {
			t.Errorf("ClassifyFailure(%q) = (%s, %v), want (%s, %v)",
				tc.code, class, retryable, tc.class, tc.retryable)
		}
	}
}
