package deadletter

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Reason classifies why an event was parked.
type Reason string

const (
	ReasonRetriesExhausted   Reason = "retries_exhausted"
	ReasonInvariantViolation Reason = "invariant_violation"
	ReasonInvalidPayload     Reason = "invalid_payload"
	ReasonUnclassifiedError  Reason = "unclassified_error"
)

// Entry is a parked failure with undetermined financial impact. Entries are
// never auto-expired while unresolved; resolution is a manual, recorded act.
type Entry struct {
	ID                   snowflake.ID `gorm:"primaryKey"`
	EventID              string       `gorm:"type:text;not null;uniqueIndex:ux_dead_letter_event"`
	FailureReason        Reason       `gorm:"type:text;not null"`
	ErrorDetail          *string      `gorm:"type:text"`
	FailureCount         int          `gorm:"not null;default:1"`
	RequiresManualReview bool         `gorm:"not null;default:false"`
	Resolved             bool         `gorm:"not null;default:false"`
	ResolutionNotes      *string      `gorm:"type:text"`
	ResolvedBy           *string      `gorm:"type:text"`
	ResolvedAt           *time.Time   `gorm:"column:resolved_at"`
	FirstFailedAt        time.Time    `gorm:"not null"`
	LastFailedAt         time.Time    `gorm:"not null"`
}

// TableName sets the database table name.
func (Entry) TableName() string { return "dead_letter_entries" }
