package audit

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Trail appends ProcessingAttempt rows. Audit writes must never abort a
// processing decision that already happened, so Record degrades to a logged
// warning on storage failure; RecordTx participates in the caller's
// transaction and does surface errors, because there the audit row and the
// state change commit or roll back together.
type Trail struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
}

func NewTrail(db *gorm.DB, log *zap.Logger, genID *snowflake.Node) *Trail {
	return &Trail{db: db, log: log.Named("audit.trail"), genID: genID}
}

// Record appends an attempt row outside any transaction.
func (t *Trail) Record(ctx context.Context, attempt ProcessingAttempt) {
	if err := t.insert(ctx, t.db, &attempt); err != nil {
		t.log.Warn("audit write failed",
			zap.String("event_id", attempt.EventID),
			zap.String("stage", string(attempt.Stage)),
			zap.Error(err),
		)
	}
}

// RecordTx appends an attempt row inside the caller's transaction.
func (t *Trail) RecordTx(ctx context.Context, tx *gorm.DB, attempt ProcessingAttempt) error {
	return t.insert(ctx, tx, &attempt)
}

func (t *Trail) insert(ctx context.Context, db *gorm.DB, attempt *ProcessingAttempt) error {
	if attempt.ID == 0 {
		attempt.ID = t.genID.Generate()
	}
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now().UTC()
	}
	return db.WithContext(ctx).Create(attempt).Error
}

// List returns the attempts for one event, oldest first.
func (t *Trail) List(ctx context.Context, eventID string) ([]ProcessingAttempt, error) {
	var attempts []ProcessingAttempt
	err := t.db.WithContext(ctx).
		Where("event_id = ?", eventID).
		Order("created_at ASC, id ASC").
		Find(&attempts).Error
	if err != nil {
		return nil, err
	}
	return attempts, nil
}

// TypeSummary aggregates terminal outcomes for one event type.
type TypeSummary struct {
	EventType    string  `gorm:"column:event_type" json:"event_type"`
	Processed    int64   `gorm:"column:processed" json:"processed"`
	DeadLettered int64   `gorm:"column:dead_lettered" json:"dead_lettered"`
	Duplicates   int64   `gorm:"column:duplicates" json:"duplicates"`
	ErrorRate    float64 `gorm:"-" json:"error_rate"`
}

// Summarize computes per-event-type success and error counts since the
// given time. The external traffic controller consumes this to decide on
// rollbacks; this engine only exposes the numbers.
func (t *Trail) Summarize(ctx context.Context, since time.Time) ([]TypeSummary, error) {
	var rows []TypeSummary
	err := t.db.WithContext(ctx).Raw(
		`SELECT e.event_type,
		        COUNT(*) FILTER (WHERE a.status = ?) AS processed,
		        COUNT(*) FILTER (WHERE a.status IN (?, ?)) AS dead_lettered,
		        COUNT(*) FILTER (WHERE a.status = ?) AS duplicates
		 FROM processing_attempts a
		 JOIN external_events e ON e.event_id = a.event_id
		 WHERE a.created_at >= ?
		 GROUP BY e.event_type
		 ORDER BY e.event_type`,
		StatusSucceeded,
		StatusDeadLettered,
		StatusFailed,
		StatusSkippedDuplicate,
		since,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for i := range rows {
		total := rows[i].Processed + rows[i].DeadLettered
		if total > 0 {
			rows[i].ErrorRate = float64(rows[i].DeadLettered) / float64(total)
		}
	}
	return rows, nil
}

func errDetail(err error) *string {
	if err == nil {
		return nil
	}
	detail := strings.TrimSpace(err.Error())
	if detail == "" {
		return nil
	}
	return &detail
}

// Detail converts an error into a nullable audit column value.
func Detail(err error) *string { return errDetail(err) }
