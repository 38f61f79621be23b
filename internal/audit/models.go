package audit

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Stage marks how far the pipeline got with an event.
type Stage string

const (
	StageReceived  Stage = "received"
	StageValidated Stage = "validated"
	StageHandled   Stage = "handled"
	StagePersisted Stage = "persisted"
)

// Status is the outcome of one processing attempt.
type Status string

const (
	StatusStarted          Status = "started"
	StatusSucceeded        Status = "succeeded"
	StatusFailed           Status = "failed"
	StatusTimedOut         Status = "timed_out"
	StatusRetrying         Status = "retrying"
	StatusSkippedDuplicate Status = "skipped_duplicate"
	StatusSkippedStale     Status = "skipped_stale"
	StatusUnclassified     Status = "unclassified"
	StatusDeadLettered     Status = "dead_lettered"
)

// ProcessingAttempt is one append-only audit row. Every event accepted by
// the ledger produces at least one; the final row's status records the
// event's resolved fate.
type ProcessingAttempt struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	EventID     string       `gorm:"type:text;not null;index:ix_processing_attempts_event"`
	Stage       Stage        `gorm:"type:text;not null"`
	Status      Status       `gorm:"type:text;not null;index:ix_processing_attempts_status"`
	HandlerName string       `gorm:"type:text;not null;default:''"`
	RetryNumber int          `gorm:"not null;default:0"`
	DurationMS  int64        `gorm:"column:duration_ms;not null;default:0"`
	ErrorDetail *string      `gorm:"type:text"`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (ProcessingAttempt) TableName() string { return "processing_attempts" }
