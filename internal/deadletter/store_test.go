package deadletter

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupDeadLetterTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func testStore(t *testing.T, db *gorm.DB) *Store {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake: %v", err)
	}
	return NewStore(db, zap.NewNop(), node)
}

func TestParkCreatesThenIncrements(t *testing.T) {
	db := setupDeadLetterTestDB(t)
	store := testStore(t, db)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := store.Park(ctx, "evt_1", ReasonRetriesExhausted, nil, now); err != nil {
		t.Fatalf("park: %v", err)
	}
	entry, err := store.FindUnresolved(ctx, "evt_1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if entry == nil || entry.FailureCount != 1 {
		t.Fatalf("expected failure_count 1, got %+v", entry)
	}
	if !entry.RequiresManualReview {
		t.Error("retries_exhausted must require manual review")
	}

	if err := store.Park(ctx, "evt_1", ReasonRetriesExhausted, nil, now.Add(time.Minute)); err != nil {
		t.Fatalf("park again: %v", err)
	}
	entry, err = store.FindUnresolved(ctx, "evt_1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if entry.FailureCount != 2 {
		t.Fatalf("expected failure_count 2, got %d", entry.FailureCount)
	}
}

func TestParkInvariantViolationRequiresReview(t *testing.T) {
	db := setupDeadLetterTestDB(t)
	store := testStore(t, db)
	ctx := context.Background()

	detail := "status transition canceled -> active"
	if err := store.Park(ctx, "evt_2", ReasonInvariantViolation, &detail, time.Now().UTC()); err != nil {
		t.Fatalf("park: %v", err)
	}
	entry, err := store.FindUnresolved(ctx, "evt_2")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if !entry.RequiresManualReview {
		t.Fatal("invariant violations must require manual review")
	}
}

func TestRecordRedeliveryBumpsOpenEntryOnly(t *testing.T) {
	db := setupDeadLetterTestDB(t)
	store := testStore(t, db)
	ctx := context.Background()
	now := time.Now().UTC()

	bumped, err := store.RecordRedelivery(ctx, "evt_3", now)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if bumped {
		t.Fatal("no entry to bump yet")
	}

	if err := store.Park(ctx, "evt_3", ReasonUnclassifiedError, nil, now); err != nil {
		t.Fatalf("park: %v", err)
	}
	bumped, err = store.RecordRedelivery(ctx, "evt_3", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if !bumped {
		t.Fatal("open entry should be bumped")
	}
	entry, _ := store.FindUnresolved(ctx, "evt_3")
	if entry.FailureCount != 2 {
		t.Fatalf("failure_count = %d, want 2", entry.FailureCount)
	}
}

func TestResolveClosesOnce(t *testing.T) {
	db := setupDeadLetterTestDB(t)
	store := testStore(t, db)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := store.Park(ctx, "evt_4", ReasonInvalidPayload, nil, now); err != nil {
		t.Fatalf("park: %v", err)
	}
	entry, _ := store.FindUnresolved(ctx, "evt_4")

	resolved, err := store.Resolve(ctx, entry.ID, "payload fixed upstream", "ops@example.com", now)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !resolved.Resolved || resolved.ResolvedBy == nil {
		t.Fatal("entry should be closed with attribution")
	}

	if _, err := store.Resolve(ctx, entry.ID, "again", "ops@example.com", now); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}

	open, err := store.FindUnresolved(ctx, "evt_4")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if open != nil {
		t.Fatal("resolved entries must not be redeliverable")
	}

	if _, err := store.Resolve(ctx, snowflake.ID(999999), "", "", now); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}
}

func TestParkReopensResolvedEntry(t *testing.T) {
	db := setupDeadLetterTestDB(t)
	store := testStore(t, db)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := store.Park(ctx, "evt_5", ReasonRetriesExhausted, nil, now); err != nil {
		t.Fatalf("park: %v", err)
	}
	entry, _ := store.FindUnresolved(ctx, "evt_5")
	if _, err := store.Resolve(ctx, entry.ID, "provider incident, replayed", "ops@example.com", now); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if err := store.Park(ctx, "evt_5", ReasonRetriesExhausted, nil, now.Add(time.Hour)); err != nil {
		t.Fatalf("park after resolve: %v", err)
	}
	reopened, err := store.FindUnresolved(ctx, "evt_5")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if reopened == nil {
		t.Fatal("recurrence after resolution must reopen the entry")
	}
	if reopened.FailureCount != 2 {
		t.Fatalf("failure_count = %d, want 2", reopened.FailureCount)
	}
	if reopened.ResolutionNotes == nil {
		t.Error("reopening must keep the earlier resolution notes as history")
	}
}

func TestListUnresolvedFilters(t *testing.T) {
	db := setupDeadLetterTestDB(t)
	store := testStore(t, db)
	ctx := context.Background()
	now := time.Now().UTC()

	_ = store.Park(ctx, "evt_a", ReasonRetriesExhausted, nil, now)
	_ = store.Park(ctx, "evt_b", ReasonInvariantViolation, nil, now.Add(time.Second))
	_ = store.Park(ctx, "evt_c", ReasonUnclassifiedError, nil, now.Add(2*time.Second))

	all, err := store.ListUnresolved(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(all))
	}
	if all[0].EventID != "evt_a" {
		t.Error("oldest failure should sort first")
	}

	review := true
	flagged, err := store.ListUnresolved(ctx, ListFilter{RequiresReview: &review})
	if err != nil {
		t.Fatalf("list flagged: %v", err)
	}
	if len(flagged) != 2 {
		t.Fatalf("expected 2 review entries, got %d", len(flagged))
	}

	byReason, err := store.ListUnresolved(ctx, ListFilter{Reason: ReasonInvariantViolation})
	if err != nil {
		t.Fatalf("list by reason: %v", err)
	}
	if len(byReason) != 1 || byReason[0].EventID != "evt_b" {
		t.Fatalf("unexpected reason filter result: %+v", byReason)
	}
}
