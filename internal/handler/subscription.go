package handler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ai-rio/QuoteKit-sub003/internal/subscription"
)

const (
	EventSubscriptionCreated = "subscription.created"
	EventSubscriptionUpdated = "subscription.updated"
	EventSubscriptionDeleted = "subscription.canceled"
)

var (
	errMissingUser       = errors.New("missing_user_id")
	errUnknownStatus     = errors.New("unknown_subscription_status")
	errUnpairedExternal  = errors.New("unpaired_external_ids")
	errMissingExternal   = errors.New("missing_external_ids")
	errInvalidPeriod     = errors.New("invalid_billing_period")
	errFreeWithExternal  = errors.New("free_subscription_with_external_ids")
	errMissingPriceRef   = errors.New("missing_price_reference")
	errMissingDisputeID  = errors.New("missing_dispute_id")
	errUnknownDispute    = errors.New("unknown_dispute_status")
	errMissingInvoiceID  = errors.New("missing_invoice_id")
	errUnknownPlanChange = errors.New("missing_price_references")
)

// SubscriptionLifecycle reconciles subscription created/updated/canceled
// events into a proposed local state.
type SubscriptionLifecycle struct{}

func NewSubscriptionLifecycle() *SubscriptionLifecycle { return &SubscriptionLifecycle{} }

func (h *SubscriptionLifecycle) Name() string { return "subscription_lifecycle" }

func (h *SubscriptionLifecycle) Handle(snap *subscription.Snapshot, ev Event, now time.Time) (Result, error) {
	payload, err := decode[SubscriptionPayload](ev)
	if err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(payload.UserID) == "" && snap == nil {
		return Result{}, Permanent(errMissingUser)
	}
	if isStale(snap, ev.OccurredAt) {
		return Result{Stale: true}, nil
	}

	status := subscription.Status(strings.TrimSpace(payload.Status))
	if ev.Type == EventSubscriptionDeleted {
		status = subscription.StatusCanceled
	}
	if !status.IsValid() {
		return Result{}, Permanent(fmt.Errorf("%w: %q", errUnknownStatus, payload.Status))
	}

	change, err := h.buildChange(snap, payload, status, ev.OccurredAt)
	if err != nil {
		return Result{}, err
	}

	result := Result{Change: change}
	if status == subscription.StatusCanceled && !change.CancelAtPeriodEnd {
		result.Notifications = append(result.Notifications, NotificationIntent{
			UserID:  change.UserID,
			Type:    "subscription_canceled",
			Message: "Your subscription has been canceled.",
		})
	}
	return result, nil
}

func (h *SubscriptionLifecycle) buildChange(
	snap *subscription.Snapshot,
	payload SubscriptionPayload,
	status subscription.Status,
	eventTime time.Time,
) (*subscription.Change, error) {
	externalSub := strings.TrimSpace(payload.ExternalSubscriptionID)
	externalCus := strings.TrimSpace(payload.ExternalCustomerID)
	if snap != nil {
		if externalSub == "" && snap.ExternalSubscriptionID != nil {
			externalSub = *snap.ExternalSubscriptionID
		}
		if externalCus == "" && snap.ExternalCustomerID != nil {
			externalCus = *snap.ExternalCustomerID
		}
	}

	// Free-vs-paid consistency: both external IDs present or both absent.
	if (externalSub == "") != (externalCus == "") {
		return nil, Permanent(errUnpairedExternal)
	}
	if status == subscription.StatusFree && externalSub != "" {
		return nil, Permanent(errFreeWithExternal)
	}
	if (status == subscription.StatusActive || status == subscription.StatusTrialing) && externalSub == "" {
		return nil, Permanent(errMissingExternal)
	}

	if payload.CurrentPeriodStart != nil && payload.CurrentPeriodEnd != nil &&
		!payload.CurrentPeriodEnd.After(*payload.CurrentPeriodStart) {
		return nil, Permanent(errInvalidPeriod)
	}

	userID := strings.TrimSpace(payload.UserID)
	if userID == "" {
		userID = snap.UserID
	}
	priceRef := strings.TrimSpace(payload.PriceReference)
	if priceRef == "" && snap != nil {
		priceRef = snap.PriceReference
	}

	change := &subscription.Change{
		UserID:             userID,
		PriceReference:     priceRef,
		Status:             status,
		CurrentPeriodStart: payload.CurrentPeriodStart,
		CurrentPeriodEnd:   payload.CurrentPeriodEnd,
		CancelAtPeriodEnd:  payload.CancelAtPeriodEnd,
		CanceledAt:         payload.CanceledAt,
		TrialStart:         payload.TrialStart,
		TrialEnd:           payload.TrialEnd,
		EventTime:          eventTime,
	}
	if externalSub != "" {
		change.ExternalSubscriptionID = &externalSub
		change.ExternalCustomerID = &externalCus
	}
	if status == subscription.StatusCanceled && change.CanceledAt == nil {
		at := eventTime
		change.CanceledAt = &at
	}
	return change, nil
}
