package audit

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ai-rio/QuoteKit-sub003/internal/event"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupTrailTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&ProcessingAttempt{}, &event.ExternalEvent{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func testTrail(t *testing.T, db *gorm.DB) *Trail {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake: %v", err)
	}
	return NewTrail(db, zap.NewNop(), node)
}

func seedEvent(t *testing.T, db *gorm.DB, node *snowflake.Node, eventID, eventType string, at time.Time) {
	t.Helper()
	ev := event.ExternalEvent{
		ID:         node.Generate(),
		EventID:    eventID,
		EventType:  eventType,
		Payload:    []byte(`{}`),
		OccurredAt: at,
		ReceivedAt: at,
	}
	if err := db.Create(&ev).Error; err != nil {
		t.Fatalf("seed event: %v", err)
	}
}

func TestRecordAndListOrdersAttempts(t *testing.T) {
	db := setupTrailTestDB(t)
	trail := testTrail(t, db)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, status := range []Status{StatusRetrying, StatusRetrying, StatusFailed} {
		trail.Record(ctx, ProcessingAttempt{
			EventID:     "evt_1",
			Stage:       StageHandled,
			Status:      status,
			HandlerName: "invoice_payment",
			RetryNumber: i,
			ErrorDetail: Detail(errors.New("boom")),
			CreatedAt:   now.Add(time.Duration(i) * time.Second),
		})
	}

	attempts, err := trail.List(ctx, "evt_1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(attempts) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(attempts))
	}
	if attempts[0].RetryNumber != 0 || attempts[2].Status != StatusFailed {
		t.Errorf("attempts out of order: %+v", attempts)
	}
	if attempts[0].ErrorDetail == nil || *attempts[0].ErrorDetail != "boom" {
		t.Error("error detail should round-trip")
	}
}

func TestRecordTxRollsBackWithTransaction(t *testing.T) {
	db := setupTrailTestDB(t)
	trail := testTrail(t, db)
	ctx := context.Background()

	err := db.Transaction(func(tx *gorm.DB) error {
		if err := trail.RecordTx(ctx, tx, ProcessingAttempt{
			EventID: "evt_2",
			Stage:   StagePersisted,
			Status:  StatusSucceeded,
		}); err != nil {
			return err
		}
		return errors.New("force rollback")
	})
	if err == nil {
		t.Fatal("transaction should have failed")
	}

	attempts, _ := trail.List(ctx, "evt_2")
	if len(attempts) != 0 {
		t.Fatal("audit row must roll back with the transaction")
	}
}

func TestSummarizeComputesErrorRate(t *testing.T) {
	db := setupTrailTestDB(t)
	trail := testTrail(t, db)
	ctx := context.Background()
	now := time.Now().UTC()
	node, _ := snowflake.NewNode(2)

	seedEvent(t, db, node, "evt_a", "invoice.paid", now)
	seedEvent(t, db, node, "evt_b", "invoice.paid", now)
	seedEvent(t, db, node, "evt_c", "invoice.paid", now)
	seedEvent(t, db, node, "evt_d", "dispute.opened", now)

	trail.Record(ctx, ProcessingAttempt{EventID: "evt_a", Stage: StagePersisted, Status: StatusSucceeded, CreatedAt: now})
	trail.Record(ctx, ProcessingAttempt{EventID: "evt_b", Stage: StagePersisted, Status: StatusSucceeded, CreatedAt: now})
	trail.Record(ctx, ProcessingAttempt{EventID: "evt_b", Stage: StageReceived, Status: StatusSkippedDuplicate, CreatedAt: now})
	trail.Record(ctx, ProcessingAttempt{EventID: "evt_c", Stage: StageHandled, Status: StatusRetrying, CreatedAt: now})
	trail.Record(ctx, ProcessingAttempt{EventID: "evt_c", Stage: StageHandled, Status: StatusFailed, CreatedAt: now})
	trail.Record(ctx, ProcessingAttempt{EventID: "evt_d", Stage: StagePersisted, Status: StatusSucceeded, CreatedAt: now})

	rows, err := trail.Summarize(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 event types, got %d", len(rows))
	}

	invoice := rows[1]
	if invoice.EventType != "invoice.paid" {
		invoice = rows[0]
	}
	if invoice.Processed != 2 || invoice.DeadLettered != 1 || invoice.Duplicates != 1 {
		t.Fatalf("unexpected invoice summary: %+v", invoice)
	}
	want := 1.0 / 3.0
	if invoice.ErrorRate < want-0.001 || invoice.ErrorRate > want+0.001 {
		t.Errorf("error rate = %f, want %f", invoice.ErrorRate, want)
	}
}
