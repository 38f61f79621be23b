package subscription

// Status is the local subscription lifecycle state. Transitions are driven
// only by reconciled lifecycle events.
type Status string

const (
	StatusIncomplete        Status = "incomplete"
	StatusIncompleteExpired Status = "incomplete_expired"
	StatusTrialing          Status = "trialing"
	StatusActive            Status = "active"
	StatusPastDue           Status = "past_due"
	StatusCanceled          Status = "canceled"
	StatusUnpaid            Status = "unpaid"
	StatusPaused            Status = "paused"

	// StatusFree marks a locally created, non-provider-billed subscription.
	// It never carries external IDs and never transitions via webhooks.
	StatusFree Status = "free"
)

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	return s == StatusIncompleteExpired || s == StatusCanceled
}

// IsValid reports whether s is a known status value.
func (s Status) IsValid() bool {
	switch s {
	case StatusIncomplete, StatusIncompleteExpired, StatusTrialing, StatusActive,
		StatusPastDue, StatusCanceled, StatusUnpaid, StatusPaused, StatusFree:
		return true
	}
	return false
}

// transitions is the allowed-successor table. A status absent from the map
// accepts nothing (terminal).
var transitions = map[Status][]Status{
	StatusFree:       {StatusIncomplete, StatusTrialing, StatusActive},
	StatusIncomplete: {StatusIncompleteExpired, StatusTrialing, StatusActive, StatusCanceled},
	StatusTrialing:   {StatusActive, StatusPastDue, StatusCanceled, StatusPaused, StatusUnpaid},
	StatusActive:     {StatusPastDue, StatusCanceled, StatusPaused, StatusUnpaid, StatusTrialing},
	StatusPastDue:    {StatusActive, StatusCanceled, StatusUnpaid, StatusPaused},
	StatusUnpaid:     {StatusActive, StatusCanceled, StatusPastDue},
	StatusPaused:     {StatusActive, StatusCanceled, StatusPastDue},
}

// CanTransition reports whether the state machine permits from -> to.
// Re-asserting the current status is always allowed; reconciliation of a
// repeated provider snapshot must be a no-op, not a violation.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	if from.IsTerminal() {
		return false
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
