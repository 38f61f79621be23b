package subscription

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"
)

var ErrNotFound = errors.New("subscription_not_found")

// Store provides read access to subscriptions. All writes go through the
// Reconciler; nothing else in the engine mutates these rows.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// SnapshotByExternalID returns the handler-visible view of the subscription
// with the given provider subscription ID, or nil when none exists yet.
func (s *Store) SnapshotByExternalID(ctx context.Context, externalSubscriptionID string) (*Snapshot, error) {
	externalSubscriptionID = strings.TrimSpace(externalSubscriptionID)
	if externalSubscriptionID == "" {
		return nil, nil
	}
	var sub Subscription
	err := s.db.WithContext(ctx).
		Where("external_subscription_id = ?", externalSubscriptionID).
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return SnapshotOf(&sub), nil
}

// SnapshotByUserID returns the view keyed by local user, or nil.
func (s *Store) SnapshotByUserID(ctx context.Context, userID string) (*Snapshot, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, nil
	}
	var sub Subscription
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return SnapshotOf(&sub), nil
}

// FindByUserID loads the full row for the admin read surface.
func (s *Store) FindByUserID(ctx context.Context, userID string) (*Subscription, error) {
	var sub Subscription
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}
