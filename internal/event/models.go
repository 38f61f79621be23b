package event

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// ExternalEvent is the immutable record of a provider notification. Exactly
// one row ever exists per provider event ID; the unique constraint on
// EventID doubles as the idempotency claim.
type ExternalEvent struct {
	ID         snowflake.ID   `gorm:"primaryKey"`
	EventID    string         `gorm:"type:text;not null;uniqueIndex:ux_external_events_event_id"`
	EventType  string         `gorm:"type:text;not null"`
	Payload    datatypes.JSON `gorm:"type:jsonb;not null;default:'{}'"`
	OccurredAt time.Time      `gorm:"not null"`
	ReceivedAt time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (ExternalEvent) TableName() string { return "external_events" }
