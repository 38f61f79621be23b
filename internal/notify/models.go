package notify

import (
	"time"

	"github.com/ai-rio/QuoteKit-sub003/internal/handler"
	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Notification is a user-facing message derived from a handler outcome.
// Mutated only to mark read.
type Notification struct {
	ID        snowflake.ID      `gorm:"primaryKey"`
	UserID    string            `gorm:"type:text;not null;index:ix_notifications_user"`
	Type      string            `gorm:"type:text;not null"`
	Message   string            `gorm:"type:text;not null"`
	Read      bool              `gorm:"not null;default:false"`
	DedupeKey *string           `gorm:"type:text;uniqueIndex:ux_notifications_dedupe"`
	Metadata  datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'"`
	CreatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Notification) TableName() string { return "notifications" }

// AdminAlert is an operator-facing message. Mutated only to mark resolved.
type AdminAlert struct {
	ID         snowflake.ID      `gorm:"primaryKey"`
	Severity   handler.Severity  `gorm:"type:text;not null"`
	Type       string            `gorm:"type:text;not null"`
	Message    string            `gorm:"type:text;not null"`
	Resolved   bool              `gorm:"not null;default:false"`
	ResolvedAt *time.Time        `gorm:"column:resolved_at"`
	DedupeKey  *string           `gorm:"type:text;uniqueIndex:ux_admin_alerts_dedupe"`
	Metadata   datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'"`
	CreatedAt  time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (AdminAlert) TableName() string { return "admin_alerts" }
