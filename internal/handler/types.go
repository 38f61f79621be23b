package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ai-rio/QuoteKit-sub003/internal/subscription"
)

// Event is the decoded envelope a handler receives. OccurredAt is the
// provider-declared time, not the local receipt time.
type Event struct {
	EventID    string
	Type       string
	OccurredAt time.Time
	Payload    []byte
}

// Severity grades admin alerts.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// NotificationIntent is a user-facing message a handler wants sent.
type NotificationIntent struct {
	UserID   string
	Type     string
	Message  string
	Metadata map[string]any
}

// AlertIntent is an operator-facing message a handler wants raised.
type AlertIntent struct {
	Severity Severity
	Type     string
	Message  string
	Metadata map[string]any
}

// FollowUpIntent defers work to a later sweep. NextSteps is an ordered list
// of action tags the sweeper dispatches on.
type FollowUpIntent struct {
	NextSteps []string
	After     time.Duration
}

// Result is everything a handler proposes. Handlers are pure: Result is
// intent only, and all durable effects happen downstream.
type Result struct {
	// Change is the proposed subscription state; nil means no state change.
	Change *subscription.Change
	// Stale marks the event as older than the last applied update; the
	// pipeline records it and drops the proposal.
	Stale         bool
	Notifications []NotificationIntent
	Alerts        []AlertIntent
	FollowUps     []FollowUpIntent
}

// Handler maps one event category onto local state intent.
type Handler interface {
	Name() string
	Handle(snap *subscription.Snapshot, ev Event, now time.Time) (Result, error)
}

// PermanentError marks a failure no retry will fix (malformed payload,
// structurally invalid proposed state). The pipeline dead-letters these
// immediately instead of burning the retry budget.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err is marked non-retryable.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Subject identifies which subscription an event refers to.
type Subject struct {
	UserID                 string `json:"user_id"`
	ExternalSubscriptionID string `json:"external_subscription_id"`
}

// SubjectOf extracts the subscription reference every payload variant
// carries at its top level.
func SubjectOf(ev Event) (Subject, error) {
	var subject Subject
	if err := json.Unmarshal(ev.Payload, &subject); err != nil {
		return Subject{}, Permanent(fmt.Errorf("decode subject: %w", err))
	}
	subject.UserID = strings.TrimSpace(subject.UserID)
	subject.ExternalSubscriptionID = strings.TrimSpace(subject.ExternalSubscriptionID)
	return subject, nil
}

// isStale applies last-writer-wins by provider event time: an event at or
// before the snapshot's last applied update must not change state.
func isStale(snap *subscription.Snapshot, eventTime time.Time) bool {
	if snap == nil || snap.LastEventAt == nil {
		return false
	}
	return !eventTime.After(*snap.LastEventAt)
}

func decode[T any](ev Event) (T, error) {
	var payload T
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return payload, Permanent(fmt.Errorf("decode %s payload: %w", ev.Type, err))
	}
	return payload, nil
}
