package event

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrEventNotFound = errors.New("event_not_found")

// Ledger is the durable record of every event ID ever accepted. Claim is
// the single synchronization point of the pipeline: whoever inserts the row
// owns processing, everyone else skips.
type Ledger struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
}

func NewLedger(db *gorm.DB, log *zap.Logger, genID *snowflake.Node) *Ledger {
	return &Ledger{db: db, log: log.Named("event.ledger"), genID: genID}
}

// Claim attempts to record ev as seen. It is a single atomic insert, never
// read-then-write, so concurrent duplicate deliveries race safely: exactly
// one caller observes claimed=true.
func (l *Ledger) Claim(ctx context.Context, ev *ExternalEvent) (bool, error) {
	if ev.ID == 0 {
		ev.ID = l.genID.Generate()
	}
	result := l.db.WithContext(ctx).Exec(
		`INSERT INTO external_events (id, event_id, event_type, payload, occurred_at, received_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (event_id) DO NOTHING`,
		ev.ID,
		ev.EventID,
		ev.EventType,
		ev.Payload,
		ev.OccurredAt,
		ev.ReceivedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// Find loads a previously claimed event, used by the dead-letter
// resubmission path.
func (l *Ledger) Find(ctx context.Context, eventID string) (*ExternalEvent, error) {
	var ev ExternalEvent
	err := l.db.WithContext(ctx).
		Where("event_id = ?", eventID).
		First(&ev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}
