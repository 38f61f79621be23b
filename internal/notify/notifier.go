package notify

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ai-rio/QuoteKit-sub003/internal/handler"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrMissingTransaction = errors.New("missing_transaction")
	ErrAlertNotFound      = errors.New("alert_not_found")
)

// Sink receives high and critical alerts after the processing transaction
// commits. The default sink logs; deployments swap in pagers or chat.
type Sink interface {
	Deliver(ctx context.Context, alert AdminAlert) error
}

// LogSink writes alert fan-out to the process log.
type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log.Named("notify.sink")}
}

func (s *LogSink) Deliver(ctx context.Context, alert AdminAlert) error {
	s.log.Warn("admin alert",
		zap.String("severity", string(alert.Severity)),
		zap.String("type", alert.Type),
		zap.String("message", alert.Message),
	)
	return nil
}

// Notifier persists notifications and alerts. Writes ride the processing
// transaction so a rolled-back state change never leaves a message behind;
// severity high and above additionally fans out, strictly after commit.
type Notifier struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	sink  Sink
}

func NewNotifier(db *gorm.DB, log *zap.Logger, genID *snowflake.Node, sink Sink) *Notifier {
	return &Notifier{db: db, log: log.Named("notify.service"), genID: genID, sink: sink}
}

// NotifyTx inserts a user notification inside tx, deduped per event and
// type so redelivered events cannot double-message a user.
func (n *Notifier) NotifyTx(ctx context.Context, tx *gorm.DB, eventID string, intent handler.NotificationIntent) error {
	if tx == nil {
		return ErrMissingTransaction
	}
	userID := strings.TrimSpace(intent.UserID)
	if userID == "" {
		n.log.Warn("dropping notification without user", zap.String("event_id", eventID))
		return nil
	}
	dedupe := eventID + ":" + intent.Type
	return tx.WithContext(ctx).Exec(
		`INSERT INTO notifications (id, user_id, type, message, read, dedupe_key, metadata, created_at)
		 VALUES (?, ?, ?, ?, FALSE, ?, ?, ?)
		 ON CONFLICT (dedupe_key) DO NOTHING`,
		n.genID.Generate(),
		userID,
		intent.Type,
		intent.Message,
		dedupe,
		datatypes.JSONMap(intent.Metadata),
		time.Now().UTC(),
	).Error
}

// AlertTx inserts an admin alert inside tx and returns the pending fan-out
// when the severity warrants one. Fan-out must run only after tx commits.
func (n *Notifier) AlertTx(ctx context.Context, tx *gorm.DB, eventID string, intent handler.AlertIntent) (*AdminAlert, error) {
	if tx == nil {
		return nil, ErrMissingTransaction
	}
	dedupe := eventID + ":" + intent.Type
	alert := AdminAlert{
		ID:        n.genID.Generate(),
		Severity:  intent.Severity,
		Type:      intent.Type,
		Message:   intent.Message,
		DedupeKey: &dedupe,
		Metadata:  datatypes.JSONMap(intent.Metadata),
		CreatedAt: time.Now().UTC(),
	}
	err := tx.WithContext(ctx).Exec(
		`INSERT INTO admin_alerts (id, severity, type, message, resolved, dedupe_key, metadata, created_at)
		 VALUES (?, ?, ?, ?, FALSE, ?, ?, ?)
		 ON CONFLICT (dedupe_key) DO NOTHING`,
		alert.ID,
		alert.Severity,
		alert.Type,
		alert.Message,
		dedupe,
		alert.Metadata,
		alert.CreatedAt,
	).Error
	if err != nil {
		return nil, err
	}
	if intent.Severity == handler.SeverityHigh || intent.Severity == handler.SeverityCritical {
		return &alert, nil
	}
	return nil, nil
}

// FanOut delivers committed high/critical alerts. Failures are logged, not
// returned: the alert row is already durable and visible to operators.
func (n *Notifier) FanOut(ctx context.Context, alerts []AdminAlert) {
	for _, alert := range alerts {
		if err := n.sink.Deliver(ctx, alert); err != nil {
			n.log.Warn("alert fan-out failed",
				zap.String("alert_type", alert.Type),
				zap.Error(err),
			)
		}
	}
}

// Notify inserts a notification outside any pipeline transaction, used by
// follow-up resumes.
func (n *Notifier) Notify(ctx context.Context, eventID string, intent handler.NotificationIntent) error {
	return n.NotifyTx(ctx, n.db.WithContext(ctx), eventID, intent)
}

// Alert raises an alert outside a pipeline transaction and fans out
// immediately when the severity warrants it. Re-alerts for the same event
// are deduped per day, not forever: a still-burning problem should page
// again tomorrow.
func (n *Notifier) Alert(ctx context.Context, eventID string, intent handler.AlertIntent, now time.Time) error {
	dedupe := eventID + ":" + intent.Type + ":" + now.Format("2006-01-02")
	alert := AdminAlert{
		ID:        n.genID.Generate(),
		Severity:  intent.Severity,
		Type:      intent.Type,
		Message:   intent.Message,
		DedupeKey: &dedupe,
		Metadata:  datatypes.JSONMap(intent.Metadata),
		CreatedAt: now,
	}
	err := n.db.WithContext(ctx).Exec(
		`INSERT INTO admin_alerts (id, severity, type, message, resolved, dedupe_key, metadata, created_at)
		 VALUES (?, ?, ?, ?, FALSE, ?, ?, ?)
		 ON CONFLICT (dedupe_key) DO NOTHING`,
		alert.ID,
		alert.Severity,
		alert.Type,
		alert.Message,
		dedupe,
		alert.Metadata,
		alert.CreatedAt,
	).Error
	if err != nil {
		return err
	}
	if intent.Severity == handler.SeverityHigh || intent.Severity == handler.SeverityCritical {
		n.FanOut(ctx, []AdminAlert{alert})
	}
	return nil
}

// ListNotifications returns a user's notifications, newest first.
func (n *Notifier) ListNotifications(ctx context.Context, userID string, limit int) ([]Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var rows []Notification
	err := n.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ListOpenAlerts returns unresolved alerts, most severe window first.
func (n *Notifier) ListOpenAlerts(ctx context.Context, limit int) ([]AdminAlert, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var rows []AdminAlert
	err := n.db.WithContext(ctx).
		Where("resolved = ?", false).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ResolveAlert marks an alert handled.
func (n *Notifier) ResolveAlert(ctx context.Context, alertID snowflake.ID, now time.Time) error {
	result := n.db.WithContext(ctx).
		Model(&AdminAlert{}).
		Where("id = ? AND resolved = ?", alertID, false).
		Updates(map[string]any{"resolved": true, "resolved_at": now})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAlertNotFound
	}
	return nil
}

// MarkRead marks a notification as read.
func (n *Notifier) MarkRead(ctx context.Context, notificationID snowflake.ID) error {
	return n.db.WithContext(ctx).
		Model(&Notification{}).
		Where("id = ?", notificationID).
		Update("read", true).Error
}
