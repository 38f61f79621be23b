package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ai-rio/QuoteKit-sub003/internal/audit"
	"github.com/ai-rio/QuoteKit-sub003/internal/authorization"
	"github.com/ai-rio/QuoteKit-sub003/internal/catalog"
	"github.com/ai-rio/QuoteKit-sub003/internal/clock"
	"github.com/ai-rio/QuoteKit-sub003/internal/config"
	"github.com/ai-rio/QuoteKit-sub003/internal/deadletter"
	"github.com/ai-rio/QuoteKit-sub003/internal/event"
	"github.com/ai-rio/QuoteKit-sub003/internal/followup"
	"github.com/ai-rio/QuoteKit-sub003/internal/handler"
	"github.com/ai-rio/QuoteKit-sub003/internal/notify"
	"github.com/ai-rio/QuoteKit-sub003/internal/reconcile"
	"github.com/ai-rio/QuoteKit-sub003/internal/subscription"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupPipelineTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	err = db.AutoMigrate(
		&event.ExternalEvent{},
		&subscription.Subscription{},
		&catalog.Price{},
		&audit.ProcessingAttempt{},
		&deadletter.Entry{},
		&followup.FollowUp{},
		&notify.Notification{},
		&notify.AdminAlert{},
	)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func pipelineTestNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(5)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return node
}

// newTestPipeline wires a pipeline over real stores. A nil classifier gets
// the full handler registry.
func newTestPipeline(t *testing.T, db *gorm.DB, classifier *Classifier) *Pipeline {
	t.Helper()
	log := zap.NewNop()
	node := pipelineTestNode(t)
	if classifier == nil {
		classifier = NewClassifier(
			handler.NewSubscriptionLifecycle(),
			handler.NewInvoice(),
			handler.NewPaymentMethod(),
			handler.NewDispute(72*time.Hour),
			handler.NewPlanChange(),
			handler.NewUnclassified(log),
		)
	}
	reader := catalog.NewReader(db, config.Config{})
	return New(Params{
		DB:          db,
		Log:         log,
		Clock:       clock.SystemClock{},
		Authorizer:  authorization.NewAuthorizer(log),
		Ledger:      event.NewLedger(db, log, node),
		Classifier:  classifier,
		Subs:        subscription.NewStore(db),
		Reconciler:  reconcile.NewReconciler(db, log, node, reader),
		Trail:       audit.NewTrail(db, log, node),
		DeadLetters: deadletter.NewStore(db, log, node),
		FollowUps:   followup.NewStore(db, node),
		Notifier:    notify.NewNotifier(db, log, node, notify.NewLogSink(log)),
		Policy: RetryPolicy{
			MaxAttempts:  5,
			InitialDelay: time.Millisecond,
			MaxDelay:     2 * time.Millisecond,
		},
		Timeout: 5 * time.Second,
	})
}

func seedCatalogPrice(t *testing.T, db *gorm.DB, reference string) {
	t.Helper()
	price := catalog.Price{
		ID:        pipelineTestNode(t).Generate(),
		Reference: reference,
		Name:      "Pro",
		Amount:    2900,
		Currency:  "usd",
		Interval:  "month",
		Active:    true,
	}
	if err := db.Create(&price).Error; err != nil {
		t.Fatalf("seed price: %v", err)
	}
}

func inbound(t *testing.T, eventID, eventType string, occurredAt time.Time, payload any) Inbound {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return Inbound{
		EventID:    eventID,
		EventType:  eventType,
		OccurredAt: occurredAt,
		Payload:    raw,
	}
}

func attemptsFor(t *testing.T, db *gorm.DB, eventID string) []audit.ProcessingAttempt {
	t.Helper()
	var rows []audit.ProcessingAttempt
	if err := db.Where("event_id = ?", eventID).Order("id ASC").Find(&rows).Error; err != nil {
		t.Fatalf("load attempts: %v", err)
	}
	return rows
}

// stubHandler lets a test script an arbitrary handler outcome behind a
// synthetic event type.
type stubHandler struct {
	name   string
	handle func(snap *subscription.Snapshot, ev handler.Event, now time.Time) (handler.Result, error)
}

func (h *stubHandler) Name() string { return h.name }

func (h *stubHandler) Handle(snap *subscription.Snapshot, ev handler.Event, now time.Time) (handler.Result, error) {
	return h.handle(snap, ev, now)
}

func stubClassifier(eventType string, h handler.Handler) *Classifier {
	return &Classifier{
		byType:   map[string]handler.Handler{eventType: h},
		fallback: handler.NewUnclassified(zap.NewNop()),
	}
}

func TestProcessSubscriptionCreated(t *testing.T) {
	db := setupPipelineTestDB(t)
	seedCatalogPrice(t, db, "price_pro_monthly")
	p := newTestPipeline(t, db, nil)
	ctx := context.Background()

	now := time.Now().UTC()
	periodEnd := now.Add(30 * 24 * time.Hour)
	outcome, err := p.Process(ctx, inbound(t, "evt_1", handler.EventSubscriptionCreated, now, handler.SubscriptionPayload{
		UserID:                 "user_1",
		ExternalSubscriptionID: "sub_ext_1",
		ExternalCustomerID:     "cus_ext_1",
		PriceReference:         "price_pro_monthly",
		Status:                 "active",
		CurrentPeriodStart:     &now,
		CurrentPeriodEnd:       &periodEnd,
	}))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if outcome != OutcomeProcessed {
		t.Fatalf("outcome = %s, want %s", outcome, OutcomeProcessed)
	}

	var sub subscription.Subscription
	if err := db.Where("user_id = ?", "user_1").First(&sub).Error; err != nil {
		t.Fatalf("load subscription: %v", err)
	}
	if sub.Status != subscription.StatusActive {
		t.Fatalf("status = %s, want active", sub.Status)
	}
	if sub.ExternalSubscriptionID == nil || *sub.ExternalSubscriptionID != "sub_ext_1" {
		t.Fatalf("external subscription id = %v", sub.ExternalSubscriptionID)
	}

	rows := attemptsFor(t, db, "evt_1")
	if len(rows) != 1 {
		t.Fatalf("attempts = %d, want 1", len(rows))
	}
	if rows[0].Stage != audit.StagePersisted || rows[0].Status != audit.StatusSucceeded {
		t.Fatalf("final row = %s/%s", rows[0].Stage, rows[0].Status)
	}
}

func TestDuplicateDeliverySkipped(t *testing.T) {
	db := setupPipelineTestDB(t)
	seedCatalogPrice(t, db, "price_pro_monthly")
	p := newTestPipeline(t, db, nil)
	ctx := context.Background()

	now := time.Now().UTC()
	in := inbound(t, "evt_dup", handler.EventSubscriptionCreated, now, handler.SubscriptionPayload{
		UserID:                 "user_1",
		ExternalSubscriptionID: "sub_ext_1",
		ExternalCustomerID:     "cus_ext_1",
		PriceReference:         "price_pro_monthly",
		Status:                 "active",
	})
	if _, err := p.Process(ctx, in); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	outcome, err := p.Process(ctx, in)
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if outcome != OutcomeDuplicate {
		t.Fatalf("outcome = %s, want %s", outcome, OutcomeDuplicate)
	}

	var events int64
	_ = db.Model(&event.ExternalEvent{}).Where("event_id = ?", "evt_dup").Count(&events).Error
	if events != 1 {
		t.Fatalf("ledger rows = %d, want 1", events)
	}

	var skipped int64
	_ = db.Model(&audit.ProcessingAttempt{}).
		Where("event_id = ? AND status = ?", "evt_dup", audit.StatusSkippedDuplicate).
		Count(&skipped).Error
	if skipped != 1 {
		t.Fatalf("skipped_duplicate rows = %d, want 1", skipped)
	}
}

func TestDeclinedPaymentMethodIsTerminal(t *testing.T) {
	db := setupPipelineTestDB(t)
	p := newTestPipeline(t, db, nil)
	ctx := context.Background()

	outcome, err := p.Process(ctx, inbound(t, "evt_pm", handler.EventPaymentMethodFailed, time.Now().UTC(), handler.PaymentMethodPayload{
		UserID:      "user_1",
		FailureCode: "card_declined",
	}))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if outcome != OutcomeProcessed {
		t.Fatalf("outcome = %s, want %s", outcome, OutcomeProcessed)
	}

	var notifications, subs, followUps, parked int64
	_ = db.Model(&notify.Notification{}).Count(&notifications).Error
	_ = db.Model(&subscription.Subscription{}).Count(&subs).Error
	_ = db.Model(&followup.FollowUp{}).Count(&followUps).Error
	_ = db.Model(&deadletter.Entry{}).Count(&parked).Error
	if notifications != 1 {
		t.Fatalf("notifications = %d, want 1", notifications)
	}
	if subs != 0 || followUps != 0 || parked != 0 {
		t.Fatalf("declined card must leave no state: subs=%d followups=%d parked=%d", subs, followUps, parked)
	}
}

func TestRetriesExhaustedDeadLetters(t *testing.T) {
	db := setupPipelineTestDB(t)
	flaky := &stubHandler{
		name: "flaky",
		handle: func(*subscription.Snapshot, handler.Event, time.Time) (handler.Result, error) {
			return handler.Result{}, errors.New("transient handler failure")
		},
	}
	p := newTestPipeline(t, db, stubClassifier("stub.flaky", flaky))
	ctx := context.Background()

	outcome, err := p.Process(ctx, inbound(t, "evt_flaky", "stub.flaky", time.Now().UTC(), map[string]any{"user_id": "user_1"}))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if outcome != OutcomeDeadLettered {
		t.Fatalf("outcome = %s, want %s", outcome, OutcomeDeadLettered)
	}

	rows := attemptsFor(t, db, "evt_flaky")
	if len(rows) != 5 {
		t.Fatalf("attempts = %d, want 5", len(rows))
	}
	for i, row := range rows {
		want := audit.StatusRetrying
		if i == len(rows)-1 {
			want = audit.StatusFailed
		}
		if row.Status != want {
			t.Fatalf("attempt %d status = %s, want %s", i, row.Status, want)
		}
		if row.RetryNumber != i {
			t.Fatalf("attempt %d retry number = %d", i, row.RetryNumber)
		}
	}

	var entry deadletter.Entry
	if err := db.Where("event_id = ?", "evt_flaky").First(&entry).Error; err != nil {
		t.Fatalf("load entry: %v", err)
	}
	if entry.FailureReason != deadletter.ReasonRetriesExhausted {
		t.Fatalf("reason = %s", entry.FailureReason)
	}
	if entry.FailureCount != 1 {
		t.Fatalf("failure count = %d, want 1", entry.FailureCount)
	}
	if !entry.RequiresManualReview {
		t.Fatal("exhausted retries must require manual review")
	}

	var alert notify.AdminAlert
	if err := db.Where("type = ?", "event_dead_lettered").First(&alert).Error; err != nil {
		t.Fatalf("load alert: %v", err)
	}
	if alert.Severity != handler.SeverityMedium {
		t.Fatalf("alert severity = %s, want medium", alert.Severity)
	}
}

func TestResubmitBumpsFailureCount(t *testing.T) {
	db := setupPipelineTestDB(t)
	flaky := &stubHandler{
		name: "flaky",
		handle: func(*subscription.Snapshot, handler.Event, time.Time) (handler.Result, error) {
			return handler.Result{}, errors.New("still failing")
		},
	}
	p := newTestPipeline(t, db, stubClassifier("stub.flaky", flaky))
	ctx := context.Background()

	if _, err := p.Process(ctx, inbound(t, "evt_again", "stub.flaky", time.Now().UTC(), map[string]any{"user_id": "user_1"})); err != nil {
		t.Fatalf("process: %v", err)
	}

	outcome, err := p.Resubmit(ctx, "evt_again")
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if outcome != OutcomeDeadLettered {
		t.Fatalf("outcome = %s, want %s", outcome, OutcomeDeadLettered)
	}

	var entry deadletter.Entry
	if err := db.Where("event_id = ?", "evt_again").First(&entry).Error; err != nil {
		t.Fatalf("load entry: %v", err)
	}
	if entry.FailureCount != 2 {
		t.Fatalf("failure count = %d, want 2", entry.FailureCount)
	}

	if _, err := p.Resubmit(ctx, "evt_missing"); !errors.Is(err, event.ErrEventNotFound) {
		t.Fatalf("resubmit unknown event err = %v", err)
	}
}

func TestPermanentFailureParksImmediately(t *testing.T) {
	db := setupPipelineTestDB(t)
	broken := &stubHandler{
		name: "broken",
		handle: func(*subscription.Snapshot, handler.Event, time.Time) (handler.Result, error) {
			return handler.Result{}, handler.Permanent(errors.New("unusable payload"))
		},
	}
	p := newTestPipeline(t, db, stubClassifier("stub.broken", broken))
	ctx := context.Background()

	outcome, err := p.Process(ctx, inbound(t, "evt_perm", "stub.broken", time.Now().UTC(), map[string]any{"user_id": "user_1"}))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if outcome != OutcomeDeadLettered {
		t.Fatalf("outcome = %s, want %s", outcome, OutcomeDeadLettered)
	}

	rows := attemptsFor(t, db, "evt_perm")
	if len(rows) != 1 || rows[0].Status != audit.StatusDeadLettered {
		t.Fatalf("permanent failure must park without retries, rows = %+v", rows)
	}

	var entry deadletter.Entry
	if err := db.Where("event_id = ?", "evt_perm").First(&entry).Error; err != nil {
		t.Fatalf("load entry: %v", err)
	}
	if entry.FailureReason != deadletter.ReasonInvalidPayload {
		t.Fatalf("reason = %s", entry.FailureReason)
	}
}

func TestInvariantViolationRequiresReview(t *testing.T) {
	db := setupPipelineTestDB(t)
	seedCatalogPrice(t, db, "price_pro_monthly")
	p := newTestPipeline(t, db, nil)
	ctx := context.Background()

	canceledAt := time.Now().UTC().Add(-time.Hour)
	sub := subscription.Subscription{
		ID:         pipelineTestNode(t).Generate(),
		UserID:     "user_1",
		Status:     subscription.StatusCanceled,
		CanceledAt: &canceledAt,
		Metadata:   datatypes.JSONMap{},
	}
	if err := db.Create(&sub).Error; err != nil {
		t.Fatalf("seed subscription: %v", err)
	}

	outcome, err := p.Process(ctx, inbound(t, "evt_inv", handler.EventSubscriptionUpdated, time.Now().UTC(), handler.SubscriptionPayload{
		UserID:                 "user_1",
		ExternalSubscriptionID: "sub_ext_1",
		ExternalCustomerID:     "cus_ext_1",
		PriceReference:         "price_pro_monthly",
		Status:                 "active",
	}))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if outcome != OutcomeDeadLettered {
		t.Fatalf("outcome = %s, want %s", outcome, OutcomeDeadLettered)
	}

	var entry deadletter.Entry
	if err := db.Where("event_id = ?", "evt_inv").First(&entry).Error; err != nil {
		t.Fatalf("load entry: %v", err)
	}
	if entry.FailureReason != deadletter.ReasonInvariantViolation {
		t.Fatalf("reason = %s", entry.FailureReason)
	}
	if !entry.RequiresManualReview {
		t.Fatal("invariant violations need manual review")
	}

	var reloaded subscription.Subscription
	_ = db.Where("user_id = ?", "user_1").First(&reloaded).Error
	if reloaded.Status != subscription.StatusCanceled {
		t.Fatalf("canceled subscription must stay canceled, got %s", reloaded.Status)
	}

	var alert notify.AdminAlert
	if err := db.Where("type = ?", "event_dead_lettered").First(&alert).Error; err != nil {
		t.Fatalf("load alert: %v", err)
	}
	if alert.Severity != handler.SeverityHigh {
		t.Fatalf("alert severity = %s, want high", alert.Severity)
	}
}

func TestStaleEventSkipped(t *testing.T) {
	db := setupPipelineTestDB(t)
	seedCatalogPrice(t, db, "price_pro_monthly")
	p := newTestPipeline(t, db, nil)
	ctx := context.Background()

	now := time.Now().UTC()
	extSub, extCus := "sub_ext_1", "cus_ext_1"
	sub := subscription.Subscription{
		ID:                     pipelineTestNode(t).Generate(),
		UserID:                 "user_1",
		ExternalSubscriptionID: &extSub,
		ExternalCustomerID:     &extCus,
		PriceReference:         "price_pro_monthly",
		Status:                 subscription.StatusActive,
		LastEventAt:            &now,
		Metadata:               datatypes.JSONMap{},
	}
	if err := db.Create(&sub).Error; err != nil {
		t.Fatalf("seed subscription: %v", err)
	}

	outcome, err := p.Process(ctx, inbound(t, "evt_old", handler.EventSubscriptionUpdated, now.Add(-time.Hour), handler.SubscriptionPayload{
		UserID:                 "user_1",
		ExternalSubscriptionID: extSub,
		ExternalCustomerID:     extCus,
		Status:                 "past_due",
	}))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if outcome != OutcomeStale {
		t.Fatalf("outcome = %s, want %s", outcome, OutcomeStale)
	}

	rows := attemptsFor(t, db, "evt_old")
	if len(rows) != 1 || rows[0].Status != audit.StatusSkippedStale {
		t.Fatalf("stale event rows = %+v", rows)
	}

	var reloaded subscription.Subscription
	_ = db.Where("user_id = ?", "user_1").First(&reloaded).Error
	if reloaded.Status != subscription.StatusActive {
		t.Fatalf("stale event must not change state, got %s", reloaded.Status)
	}
}

func TestDisputeWithOlderTimestampStillRecorded(t *testing.T) {
	db := setupPipelineTestDB(t)
	seedCatalogPrice(t, db, "price_pro_monthly")
	p := newTestPipeline(t, db, nil)
	ctx := context.Background()

	now := time.Now().UTC()
	extSub, extCus := "sub_ext_1", "cus_ext_1"
	sub := subscription.Subscription{
		ID:                     pipelineTestNode(t).Generate(),
		UserID:                 "user_1",
		ExternalSubscriptionID: &extSub,
		ExternalCustomerID:     &extCus,
		PriceReference:         "price_pro_monthly",
		Status:                 subscription.StatusActive,
		LastEventAt:            &now,
		Metadata:               datatypes.JSONMap{},
	}
	if err := db.Create(&sub).Error; err != nil {
		t.Fatalf("seed subscription: %v", err)
	}

	// Provider dispute timestamps lag the subscription stream; an older
	// occurred_at must not cost us the dispute record or its alert.
	outcome, err := p.Process(ctx, inbound(t, "evt_dispute_late", handler.EventDisputeOpened, now.Add(-time.Minute), handler.DisputePayload{
		UserID:                 "user_1",
		ExternalSubscriptionID: extSub,
		DisputeID:              "dp_late",
		Amount:                 2900,
		Currency:               "usd",
		Reason:                 "fraudulent",
		Status:                 handler.DisputeNeedsResponse,
	}))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if outcome != OutcomeProcessed {
		t.Fatalf("outcome = %s, want %s", outcome, OutcomeProcessed)
	}

	var alert notify.AdminAlert
	if err := db.Where("type = ?", "dispute_needs_response").First(&alert).Error; err != nil {
		t.Fatalf("load alert: %v", err)
	}

	var reloaded subscription.Subscription
	_ = db.Where("user_id = ?", "user_1").First(&reloaded).Error
	if reloaded.Metadata["dispute:dp_late"] != handler.DisputeNeedsResponse {
		t.Error("dispute status must be recorded in subscription metadata")
	}
	if reloaded.Status != subscription.StatusActive {
		t.Fatalf("dispute must not change subscription state, got %s", reloaded.Status)
	}
	if reloaded.LastEventAt == nil || !reloaded.LastEventAt.Equal(now) {
		t.Error("dispute must not advance last_event_at")
	}
}

func TestUnclassifiedEventRecorded(t *testing.T) {
	db := setupPipelineTestDB(t)
	p := newTestPipeline(t, db, nil)
	ctx := context.Background()

	outcome, err := p.Process(ctx, inbound(t, "evt_odd", "payout.created", time.Now().UTC(), map[string]any{"amount": 100}))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if outcome != OutcomeUnclassified {
		t.Fatalf("outcome = %s, want %s", outcome, OutcomeUnclassified)
	}

	// The delivery stays in the ledger and the trail; nothing is dropped.
	var events int64
	_ = db.Model(&event.ExternalEvent{}).Where("event_id = ?", "evt_odd").Count(&events).Error
	if events != 1 {
		t.Fatalf("ledger rows = %d, want 1", events)
	}
	rows := attemptsFor(t, db, "evt_odd")
	if len(rows) != 1 || rows[0].Status != audit.StatusUnclassified {
		t.Fatalf("unclassified rows = %+v", rows)
	}

	var parked int64
	_ = db.Model(&deadletter.Entry{}).Count(&parked).Error
	if parked != 0 {
		t.Fatal("unclassified events are not failures")
	}
}
