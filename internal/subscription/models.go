package subscription

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Subscription is the reconciled billing relationship for one user. Rows
// are created on signup (free tier) or on first paid-event reconciliation
// and are only ever mutated by the Reconciler; terminal statuses stand in
// for deletion.
//
// Invariants, enforced on every write:
//   - ExternalSubscriptionID and ExternalCustomerID are both nil or both set.
//   - CurrentPeriodEnd is after CurrentPeriodStart when a period is present.
type Subscription struct {
	ID                     snowflake.ID      `gorm:"primaryKey"`
	UserID                 string            `gorm:"type:text;not null;uniqueIndex:ux_subscriptions_user"`
	ExternalSubscriptionID *string           `gorm:"type:text"`
	ExternalCustomerID     *string           `gorm:"type:text"`
	PriceReference         string            `gorm:"type:text;not null;default:''"`
	Status                 Status            `gorm:"type:text;not null"`
	CurrentPeriodStart     *time.Time        `gorm:"column:current_period_start"`
	CurrentPeriodEnd       *time.Time        `gorm:"column:current_period_end"`
	CancelAtPeriodEnd      bool              `gorm:"not null;default:false"`
	CanceledAt             *time.Time        `gorm:"column:canceled_at"`
	TrialStart             *time.Time        `gorm:"column:trial_start"`
	TrialEnd               *time.Time        `gorm:"column:trial_end"`
	LastEventAt            *time.Time        `gorm:"column:last_event_at"`
	Metadata               datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'"`
	CreatedAt              time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt              time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// IsFree reports whether the subscription is locally billed only.
func (s *Subscription) IsFree() bool {
	return s.ExternalSubscriptionID == nil && s.ExternalCustomerID == nil
}

// Snapshot is the read-only view handlers receive. Handlers never touch
// storage; they reason over this copy and return intent.
type Snapshot struct {
	UserID                 string
	ExternalSubscriptionID *string
	ExternalCustomerID     *string
	PriceReference         string
	Status                 Status
	CurrentPeriodStart     *time.Time
	CurrentPeriodEnd       *time.Time
	CancelAtPeriodEnd      bool
	TrialStart             *time.Time
	TrialEnd               *time.Time
	LastEventAt            *time.Time
	Metadata               map[string]any
}

// SnapshotOf copies the handler-visible fields of a subscription.
func SnapshotOf(s *Subscription) *Snapshot {
	if s == nil {
		return nil
	}
	return &Snapshot{
		UserID:                 s.UserID,
		ExternalSubscriptionID: s.ExternalSubscriptionID,
		ExternalCustomerID:     s.ExternalCustomerID,
		PriceReference:         s.PriceReference,
		Status:                 s.Status,
		CurrentPeriodStart:     s.CurrentPeriodStart,
		CurrentPeriodEnd:       s.CurrentPeriodEnd,
		CancelAtPeriodEnd:      s.CancelAtPeriodEnd,
		TrialStart:             s.TrialStart,
		TrialEnd:               s.TrialEnd,
		LastEventAt:            s.LastEventAt,
		Metadata:               map[string]any(s.Metadata),
	}
}

// Change is a handler's proposed new subscription state. EventTime is the
// provider-declared time and drives last-writer-wins conflict resolution.
type Change struct {
	UserID                 string
	ExternalSubscriptionID *string
	ExternalCustomerID     *string
	PriceReference         string
	Status                 Status
	CurrentPeriodStart     *time.Time
	CurrentPeriodEnd       *time.Time
	CancelAtPeriodEnd      bool
	CanceledAt             *time.Time
	TrialStart             *time.Time
	TrialEnd               *time.Time
	EventTime              time.Time
	Metadata               map[string]any
	// MetadataOnly merges Metadata into the existing row and leaves
	// status, periods, and last_event_at untouched. Used for state that
	// orders on its own timeline (disputes) rather than the
	// subscription's, so last-writer-wins never discards it.
	MetadataOnly bool
}
