package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ai-rio/QuoteKit-sub003/internal/catalog"
	"github.com/ai-rio/QuoteKit-sub003/internal/subscription"
	"github.com/ai-rio/QuoteKit-sub003/pkg/db"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	// ErrStaleUpdate marks a proposal older than the last applied event.
	// The write is skipped; this is an expected outcome, not a failure.
	ErrStaleUpdate = errors.New("stale_update")
	// ErrInvariantViolation marks a structurally invalid proposal. The
	// pipeline dead-letters these immediately; retrying cannot fix them.
	ErrInvariantViolation = errors.New("invariant_violation")
	// ErrUnknownPrice marks a price reference absent from the catalog.
	ErrUnknownPrice = errors.New("unknown_price_reference")
)

// Reconciler is the sole writer of subscription rows. ApplyTx runs inside
// a caller-owned transaction so the state change, its audit row, and any
// scheduled side effects commit together or not at all.
type Reconciler struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	catalog *catalog.Reader
}

func NewReconciler(db *gorm.DB, log *zap.Logger, genID *snowflake.Node, catalog *catalog.Reader) *Reconciler {
	return &Reconciler{
		db:      db,
		log:     log.Named("reconcile.service"),
		genID:   genID,
		catalog: catalog,
	}
}

// Validate checks the structural invariants of a proposed change before
// any transaction is opened. Violations are permanent.
func (r *Reconciler) Validate(ctx context.Context, change *subscription.Change) error {
	if change.UserID == "" {
		return fmt.Errorf("%w: missing user id", ErrInvariantViolation)
	}
	if !change.Status.IsValid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvariantViolation, change.Status)
	}
	if (change.ExternalSubscriptionID == nil) != (change.ExternalCustomerID == nil) {
		return fmt.Errorf("%w: external ids must be both set or both null", ErrInvariantViolation)
	}
	if change.CurrentPeriodStart != nil && change.CurrentPeriodEnd != nil &&
		!change.CurrentPeriodEnd.After(*change.CurrentPeriodStart) {
		return fmt.Errorf("%w: current_period_end must be after current_period_start", ErrInvariantViolation)
	}
	// A provider webhook about a subscription with no external identity is
	// itself a violation: free-tier subscriptions never see webhooks.
	if (change.Status == subscription.StatusActive || change.Status == subscription.StatusTrialing) &&
		change.ExternalSubscriptionID == nil {
		return fmt.Errorf("%w: %s requires external ids", ErrInvariantViolation, change.Status)
	}
	if change.PriceReference != "" && r.catalog != nil {
		if _, ok, err := r.catalog.Resolve(ctx, change.PriceReference); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownPrice, change.PriceReference)
		}
	}
	return nil
}

// ApplyTx locks the subject row, re-checks staleness and the status
// transition under the lock, and writes the change. It returns
// ErrStaleUpdate when last-writer-wins discards the proposal and
// ErrInvariantViolation on an illegal transition; any other error is a
// storage fault. The caller owns the transaction and its rollback.
func (r *Reconciler) ApplyTx(ctx context.Context, tx *gorm.DB, change *subscription.Change, now time.Time) error {
	existing, err := r.lockByUser(ctx, tx, change.UserID)
	if err != nil {
		return err
	}

	if existing == nil {
		return r.insert(ctx, tx, change, now)
	}

	// Metadata-only changes carry state with its own ordering (dispute
	// status keyed by dispute ID); they merge under the lock without the
	// staleness or transition checks and never advance last_event_at.
	if change.MetadataOnly {
		return r.mergeMetadata(ctx, tx, existing, change, now)
	}

	// Re-check under the row lock: a concurrent event for the same
	// subscription may have advanced LastEventAt since the handler read
	// its snapshot.
	if existing.LastEventAt != nil && !change.EventTime.After(*existing.LastEventAt) {
		return ErrStaleUpdate
	}
	if !subscription.CanTransition(existing.Status, change.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvariantViolation, existing.Status, change.Status)
	}
	return r.update(ctx, tx, existing, change, now)
}

func (r *Reconciler) lockByUser(ctx context.Context, tx *gorm.DB, userID string) (*subscription.Subscription, error) {
	var sub subscription.Subscription
	err := db.ForUpdate(tx.WithContext(ctx)).
		Where("user_id = ?", userID).
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *Reconciler) insert(ctx context.Context, tx *gorm.DB, change *subscription.Change, now time.Time) error {
	sub := subscription.Subscription{
		ID:                     r.genID.Generate(),
		UserID:                 change.UserID,
		ExternalSubscriptionID: change.ExternalSubscriptionID,
		ExternalCustomerID:     change.ExternalCustomerID,
		PriceReference:         change.PriceReference,
		Status:                 change.Status,
		CurrentPeriodStart:     change.CurrentPeriodStart,
		CurrentPeriodEnd:       change.CurrentPeriodEnd,
		CancelAtPeriodEnd:      change.CancelAtPeriodEnd,
		CanceledAt:             change.CanceledAt,
		TrialStart:             change.TrialStart,
		TrialEnd:               change.TrialEnd,
		LastEventAt:            &change.EventTime,
		Metadata:               datatypes.JSONMap(change.Metadata),
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if sub.Metadata == nil {
		sub.Metadata = datatypes.JSONMap{}
	}
	if err := tx.WithContext(ctx).Create(&sub).Error; err != nil {
		return err
	}
	r.log.Info("subscription created",
		zap.String("user_id", change.UserID),
		zap.String("status", string(change.Status)),
	)
	return nil
}

func (r *Reconciler) mergeMetadata(ctx context.Context, tx *gorm.DB, existing *subscription.Subscription, change *subscription.Change, now time.Time) error {
	metadata := existing.Metadata
	if metadata == nil {
		metadata = datatypes.JSONMap{}
	}
	for key, value := range change.Metadata {
		metadata[key] = value
	}
	return tx.WithContext(ctx).
		Model(&subscription.Subscription{}).
		Where("id = ?", existing.ID).
		Updates(map[string]any{
			"metadata":   metadata,
			"updated_at": now,
		}).Error
}

func (r *Reconciler) update(ctx context.Context, tx *gorm.DB, existing *subscription.Subscription, change *subscription.Change, now time.Time) error {
	metadata := existing.Metadata
	if metadata == nil {
		metadata = datatypes.JSONMap{}
	}
	for key, value := range change.Metadata {
		metadata[key] = value
	}

	err := tx.WithContext(ctx).
		Model(&subscription.Subscription{}).
		Where("id = ?", existing.ID).
		Updates(map[string]any{
			"external_subscription_id": change.ExternalSubscriptionID,
			"external_customer_id":     change.ExternalCustomerID,
			"price_reference":          change.PriceReference,
			"status":                   change.Status,
			"current_period_start":     change.CurrentPeriodStart,
			"current_period_end":       change.CurrentPeriodEnd,
			"cancel_at_period_end":     change.CancelAtPeriodEnd,
			"canceled_at":              change.CanceledAt,
			"trial_start":              change.TrialStart,
			"trial_end":                change.TrialEnd,
			"last_event_at":            change.EventTime,
			"metadata":                 metadata,
			"updated_at":               now,
		}).Error
	if err != nil {
		return err
	}
	r.log.Info("subscription reconciled",
		zap.String("user_id", change.UserID),
		zap.String("from", string(existing.Status)),
		zap.String("to", string(change.Status)),
	)
	return nil
}
