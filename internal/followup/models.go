package followup

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// FollowUp is a deferred action a handler requested. It is consumed by the
// sweep worker and marked completed idempotently; an item is only complete
// once its resumed action has actually succeeded.
type FollowUp struct {
	ID             snowflake.ID                `gorm:"primaryKey"`
	SourceEventID  string                      `gorm:"type:text;not null;index"`
	HandlerName    string                      `gorm:"type:text;not null"`
	NextSteps      datatypes.JSONSlice[string] `gorm:"type:jsonb;not null"`
	ScheduledFor   time.Time                   `gorm:"not null;index:ix_follow_ups_due"`
	LeaseExpiresAt *time.Time                  `gorm:"column:lease_expires_at"`
	Completed      bool                        `gorm:"not null;default:false;index:ix_follow_ups_due"`
	CompletedAt    *time.Time                  `gorm:"column:completed_at"`
	CreatedAt      time.Time                   `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (FollowUp) TableName() string { return "follow_ups" }
