package deadletter

import (
	"context"
	"errors"
	"strings"
	"time"

	pkgdb "github.com/ai-rio/QuoteKit-sub003/pkg/db"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrEntryNotFound   = errors.New("dead_letter_not_found")
	ErrAlreadyResolved = errors.New("dead_letter_already_resolved")
)

// ListFilter narrows ListUnresolved.
type ListFilter struct {
	Reason         Reason
	RequiresReview *bool
	Limit          int
}

// Store owns the dead_letter_entries table.
type Store struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
}

func NewStore(db *gorm.DB, log *zap.Logger, genID *snowflake.Node) *Store {
	return &Store{db: db, log: log.Named("deadletter.store"), genID: genID}
}

// Park records an exhausted or structurally failed event. The first park
// creates the entry with FailureCount=1; parking the same event again
// increments the count instead of inserting a second row. A recurrence
// after resolution reopens the entry rather than vanishing without trace;
// the original resolution notes survive as history.
func (s *Store) Park(ctx context.Context, eventID string, reason Reason, detail *string, now time.Time) error {
	// Only a cleanly classified payload fault skips review; an error that
	// survived the retry budget, violated an invariant, or resisted
	// classification needs an operator before the event can move again.
	requiresReview := reason != ReasonInvalidPayload
	return s.db.WithContext(ctx).Exec(
		`INSERT INTO dead_letter_entries (
			id, event_id, failure_reason, error_detail, failure_count,
			requires_manual_review, resolved, first_failed_at, last_failed_at
		) VALUES (?, ?, ?, ?, 1, ?, FALSE, ?, ?)
		ON CONFLICT (event_id) DO UPDATE SET
			failure_count = dead_letter_entries.failure_count + 1,
			failure_reason = EXCLUDED.failure_reason,
			error_detail = EXCLUDED.error_detail,
			requires_manual_review = dead_letter_entries.requires_manual_review OR EXCLUDED.requires_manual_review,
			resolved = FALSE,
			last_failed_at = EXCLUDED.last_failed_at`,
		s.genID.Generate(),
		eventID,
		reason,
		detail,
		requiresReview,
		now,
		now,
	).Error
}

// Find loads an entry by primary key.
func (s *Store) Find(ctx context.Context, entryID snowflake.ID) (*Entry, error) {
	var entry Entry
	err := s.db.WithContext(ctx).Where("id = ?", entryID).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// FindUnresolved returns the open entry for an event, or nil.
func (s *Store) FindUnresolved(ctx context.Context, eventID string) (*Entry, error) {
	var entry Entry
	err := s.db.WithContext(ctx).
		Where("event_id = ? AND resolved = ?", eventID, false).
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// RecordRedelivery bumps the failure count when a dead-lettered event is
// delivered again before an operator resolves it.
func (s *Store) RecordRedelivery(ctx context.Context, eventID string, now time.Time) (bool, error) {
	result := s.db.WithContext(ctx).Exec(
		`UPDATE dead_letter_entries
		 SET failure_count = failure_count + 1, last_failed_at = ?
		 WHERE event_id = ? AND resolved = FALSE`,
		now,
		eventID,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ListUnresolved returns open entries, oldest failure first.
func (s *Store) ListUnresolved(ctx context.Context, filter ListFilter) ([]Entry, error) {
	query := s.db.WithContext(ctx).Where("resolved = ?", false)
	if filter.Reason != "" {
		query = query.Where("failure_reason = ?", filter.Reason)
	}
	if filter.RequiresReview != nil {
		query = query.Where("requires_manual_review = ?", *filter.RequiresReview)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var entries []Entry
	err := query.Order("first_failed_at ASC, id ASC").Limit(limit).Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Resolve closes an entry with operator notes. Resolution is explicit and
// idempotent at the API level: resolving twice reports ErrAlreadyResolved.
func (s *Store) Resolve(ctx context.Context, entryID snowflake.ID, notes, resolvedBy string, now time.Time) (*Entry, error) {
	notes = strings.TrimSpace(notes)
	resolvedBy = strings.TrimSpace(resolvedBy)

	var entry Entry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := pkgdb.ForUpdate(tx.WithContext(ctx)).
			Where("id = ?", entryID).
			First(&entry).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrEntryNotFound
			}
			return err
		}
		if entry.Resolved {
			return ErrAlreadyResolved
		}
		entry.Resolved = true
		entry.ResolutionNotes = &notes
		entry.ResolvedBy = &resolvedBy
		entry.ResolvedAt = &now
		return tx.WithContext(ctx).
			Model(&Entry{}).
			Where("id = ?", entryID).
			Updates(map[string]any{
				"resolved":         true,
				"resolution_notes": notes,
				"resolved_by":      resolvedBy,
				"resolved_at":      now,
			}).Error
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("dead letter resolved",
		zap.String("event_id", entry.EventID),
		zap.String("resolved_by", resolvedBy),
	)
	return &entry, nil
}
