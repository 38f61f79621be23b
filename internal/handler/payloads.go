package handler

import "time"

// The payload variants below are a closed set, one per event category, so
// the compiler enforces exhaustive handling instead of runtime fallthrough
// over free-form JSON.

// SubscriptionPayload carries subscription lifecycle fields.
type SubscriptionPayload struct {
	UserID                 string     `json:"user_id"`
	ExternalSubscriptionID string     `json:"external_subscription_id"`
	ExternalCustomerID     string     `json:"external_customer_id"`
	PriceReference         string     `json:"price_reference"`
	Status                 string     `json:"status"`
	CurrentPeriodStart     *time.Time `json:"current_period_start"`
	CurrentPeriodEnd       *time.Time `json:"current_period_end"`
	CancelAtPeriodEnd      bool       `json:"cancel_at_period_end"`
	CanceledAt             *time.Time `json:"canceled_at"`
	TrialStart             *time.Time `json:"trial_start"`
	TrialEnd               *time.Time `json:"trial_end"`
}

// InvoicePayload carries invoice settlement outcomes.
type InvoicePayload struct {
	UserID                 string     `json:"user_id"`
	ExternalSubscriptionID string     `json:"external_subscription_id"`
	InvoiceID              string     `json:"invoice_id"`
	AmountDue              int64      `json:"amount_due"`
	Currency               string     `json:"currency"`
	PeriodStart            *time.Time `json:"period_start"`
	PeriodEnd              *time.Time `json:"period_end"`
	AttemptCount           int        `json:"attempt_count"`
	NextPaymentAttempt     *time.Time `json:"next_payment_attempt"`
}

// PaymentMethodPayload carries payment-method attachment and failure facts.
type PaymentMethodPayload struct {
	UserID             string `json:"user_id"`
	ExternalCustomerID string `json:"external_customer_id"`
	MethodType         string `json:"method_type"`
	Last4              string `json:"last4"`
	FailureCode        string `json:"failure_code"`
	FailureMessage     string `json:"failure_message"`
	Retryable          *bool  `json:"retryable"`
}

// DisputePayload carries the provider's authoritative dispute terms.
type DisputePayload struct {
	UserID                 string     `json:"user_id"`
	ExternalSubscriptionID string     `json:"external_subscription_id"`
	DisputeID              string     `json:"dispute_id"`
	Amount                 int64      `json:"amount"`
	Currency               string     `json:"currency"`
	Reason                 string     `json:"reason"`
	Status                 string     `json:"status"`
	EvidenceDueBy          *time.Time `json:"evidence_due_by"`
}

// PlanChangePayload carries before/after pricing for a plan change. The
// provider's proration amount is authoritative; this engine never computes
// money itself.
type PlanChangePayload struct {
	UserID                 string `json:"user_id"`
	ExternalSubscriptionID string `json:"external_subscription_id"`
	PreviousPriceReference string `json:"previous_price_reference"`
	NewPriceReference      string `json:"new_price_reference"`
	PreviousAmount         int64  `json:"previous_amount"`
	NewAmount              int64  `json:"new_amount"`
	ProratedAmount         int64  `json:"prorated_amount"`
	Currency               string `json:"currency"`
}
