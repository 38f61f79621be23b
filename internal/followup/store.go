package followup

import (
	"context"
	"errors"
	"time"

	pkgdb "github.com/ai-rio/QuoteKit-sub003/pkg/db"
	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var ErrMissingTransaction = errors.New("missing_transaction")

// Store owns the follow_ups table.
type Store struct {
	db    *gorm.DB
	genID *snowflake.Node
}

func NewStore(db *gorm.DB, genID *snowflake.Node) *Store {
	return &Store{db: db, genID: genID}
}

// ScheduleTx inserts a follow-up inside the processing transaction so the
// deferred action commits or rolls back with the state change it came from.
func (s *Store) ScheduleTx(ctx context.Context, tx *gorm.DB, fu *FollowUp) error {
	if tx == nil {
		return ErrMissingTransaction
	}
	if fu.ID == 0 {
		fu.ID = s.genID.Generate()
	}
	if fu.CreatedAt.IsZero() {
		fu.CreatedAt = time.Now().UTC()
	}
	return tx.WithContext(ctx).Create(fu).Error
}

// Schedule inserts a follow-up outside a pipeline transaction.
func (s *Store) Schedule(ctx context.Context, fu *FollowUp) error {
	return s.ScheduleTx(ctx, s.db.WithContext(ctx), fu)
}

// LeaseDue claims up to limit due, unleased items and stamps each with a
// lease. Concurrent sweepers cannot double-claim: the rows are taken with
// FOR UPDATE SKIP LOCKED and the lease is written before the transaction
// ends. A crashed sweeper's items become eligible again at lease expiry.
func (s *Store) LeaseDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]FollowUp, error) {
	if limit <= 0 {
		limit = 50
	}
	var claimed []FollowUp
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var due []FollowUp
		if err := tx.WithContext(ctx).Raw(
			`SELECT id, source_event_id, handler_name, next_steps, scheduled_for,
			        lease_expires_at, completed, completed_at, created_at
			 FROM follow_ups
			 WHERE completed = FALSE
			   AND scheduled_for <= ?
			   AND (lease_expires_at IS NULL OR lease_expires_at <= ?)
			 ORDER BY scheduled_for ASC, id ASC
			 LIMIT ?`+pkgdb.SkipLockedSuffix(tx),
			now,
			now,
			limit,
		).Scan(&due).Error; err != nil {
			return err
		}
		if len(due) == 0 {
			return nil
		}

		leaseUntil := now.Add(lease)
		ids := make([]snowflake.ID, 0, len(due))
		for _, fu := range due {
			ids = append(ids, fu.ID)
		}
		if err := tx.WithContext(ctx).Exec(
			`UPDATE follow_ups SET lease_expires_at = ? WHERE id IN ?`,
			leaseUntil,
			ids,
		).Error; err != nil {
			return err
		}
		for i := range due {
			due[i].LeaseExpiresAt = &leaseUntil
		}
		claimed = due
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Complete marks an item done. Completing twice is harmless.
func (s *Store) Complete(ctx context.Context, id snowflake.ID, now time.Time) error {
	return s.db.WithContext(ctx).Exec(
		`UPDATE follow_ups
		 SET completed = TRUE, completed_at = COALESCE(completed_at, ?), lease_expires_at = NULL
		 WHERE id = ?`,
		now,
		id,
	).Error
}

// Release drops the lease without completing, so the next sweep retries.
func (s *Store) Release(ctx context.Context, id snowflake.ID) error {
	return s.db.WithContext(ctx).Exec(
		`UPDATE follow_ups SET lease_expires_at = NULL WHERE id = ? AND completed = FALSE`,
		id,
	).Error
}

// PendingForEvent reports whether an uncompleted follow-up exists for an
// event, used by tests and the admin surface.
func (s *Store) PendingForEvent(ctx context.Context, eventID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&FollowUp{}).
		Where("source_event_id = ? AND completed = ?", eventID, false).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
