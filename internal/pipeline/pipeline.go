package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ai-rio/QuoteKit-sub003/internal/audit"
	"github.com/ai-rio/QuoteKit-sub003/internal/authorization"
	"github.com/ai-rio/QuoteKit-sub003/internal/clock"
	"github.com/ai-rio/QuoteKit-sub003/internal/deadletter"
	"github.com/ai-rio/QuoteKit-sub003/internal/event"
	"github.com/ai-rio/QuoteKit-sub003/internal/followup"
	"github.com/ai-rio/QuoteKit-sub003/internal/handler"
	"github.com/ai-rio/QuoteKit-sub003/internal/notify"
	obscontext "github.com/ai-rio/QuoteKit-sub003/internal/observability/context"
	"github.com/ai-rio/QuoteKit-sub003/internal/observability/metrics"
	"github.com/ai-rio/QuoteKit-sub003/internal/reconcile"
	"github.com/ai-rio/QuoteKit-sub003/internal/subscription"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Outcome is the resolved fate of one delivery.
type Outcome string

const (
	OutcomeProcessed    Outcome = "processed"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeStale        Outcome = "stale"
	OutcomeUnclassified Outcome = "unclassified"
	OutcomeDeadLettered Outcome = "dead_lettered"
)

// Inbound is one verified provider delivery, exactly as received.
type Inbound struct {
	EventID    string
	EventType  string
	OccurredAt time.Time
	Payload    []byte
}

// Pipeline drives an event from claim to its terminal audit row. Handlers
// stay pure; every durable effect of an attempt commits in one transaction
// here, and high-severity alert fan-out runs strictly after that commit.
type Pipeline struct {
	db          *gorm.DB
	log         *zap.Logger
	clock       clock.Clock
	authz       *authorization.Authorizer
	ledger      *event.Ledger
	classifier  *Classifier
	subs        *subscription.Store
	reconciler  *reconcile.Reconciler
	trail       *audit.Trail
	deadLetters *deadletter.Store
	followUps   *followup.Store
	notifier    *notify.Notifier
	metrics     *metrics.PipelineMetrics
	policy      RetryPolicy
	timeout     time.Duration
}

type Params struct {
	DB          *gorm.DB
	Log         *zap.Logger
	Clock       clock.Clock
	Authorizer  *authorization.Authorizer
	Ledger      *event.Ledger
	Classifier  *Classifier
	Subs        *subscription.Store
	Reconciler  *reconcile.Reconciler
	Trail       *audit.Trail
	DeadLetters *deadletter.Store
	FollowUps   *followup.Store
	Notifier    *notify.Notifier
	Metrics     *metrics.PipelineMetrics
	Policy      RetryPolicy
	Timeout     time.Duration
}

func New(p Params) *Pipeline {
	if p.Policy.MaxAttempts <= 0 {
		p.Policy.MaxAttempts = 5
	}
	if p.Timeout <= 0 {
		p.Timeout = 30 * time.Second
	}
	return &Pipeline{
		db:          p.DB,
		log:         p.Log.Named("pipeline.service"),
		clock:       p.Clock,
		authz:       p.Authorizer,
		ledger:      p.Ledger,
		classifier:  p.Classifier,
		subs:        p.Subs,
		reconciler:  p.Reconciler,
		trail:       p.Trail,
		deadLetters: p.DeadLetters,
		followUps:   p.FollowUps,
		notifier:    p.Notifier,
		metrics:     p.Metrics,
		policy:      p.Policy,
		timeout:     p.Timeout,
	}
}

// Process accepts one delivery. The atomic ledger claim decides ownership:
// a losing claim is recorded as a duplicate and never reaches a handler.
// Errors returned here are infrastructure faults only; every domain-level
// failure resolves internally to an Outcome.
func (p *Pipeline) Process(ctx context.Context, in Inbound) (Outcome, error) {
	started := p.clock.Now()

	ev := &event.ExternalEvent{
		EventID:    in.EventID,
		EventType:  in.EventType,
		Payload:    datatypes.JSON(in.Payload),
		OccurredAt: in.OccurredAt.UTC(),
		ReceivedAt: started,
	}
	claimed, err := p.ledger.Claim(ctx, ev)
	if err != nil {
		return "", err
	}
	if !claimed {
		return p.skipDuplicate(ctx, in, started)
	}

	outcome, err := p.run(ctx, in, started)
	if err != nil {
		return "", err
	}
	p.metrics.ObserveOutcome(in.EventType, string(outcome), p.clock.Now().Sub(started))
	return outcome, nil
}

// Resubmit reprocesses an already claimed event on operator request. A
// repeat failure parks again, which bumps the dead-letter failure count.
func (p *Pipeline) Resubmit(ctx context.Context, eventID string) (Outcome, error) {
	ev, err := p.ledger.Find(ctx, eventID)
	if err != nil {
		return "", err
	}
	in := Inbound{
		EventID:    ev.EventID,
		EventType:  ev.EventType,
		OccurredAt: ev.OccurredAt,
		Payload:    []byte(ev.Payload),
	}
	started := p.clock.Now()
	outcome, err := p.run(ctx, in, started)
	if err != nil {
		return "", err
	}
	p.metrics.ObserveOutcome(in.EventType, string(outcome), p.clock.Now().Sub(started))
	return outcome, nil
}

func (p *Pipeline) skipDuplicate(ctx context.Context, in Inbound, started time.Time) (Outcome, error) {
	redelivered, err := p.deadLetters.RecordRedelivery(ctx, in.EventID, started)
	if err != nil {
		return "", err
	}
	var detail *string
	if redelivered {
		detail = audit.Detail(errors.New("redelivery of dead-lettered event"))
	}
	p.trail.Record(ctx, audit.ProcessingAttempt{
		EventID:     in.EventID,
		Stage:       audit.StageReceived,
		Status:      audit.StatusSkippedDuplicate,
		DurationMS:  p.clock.Now().Sub(started).Milliseconds(),
		ErrorDetail: detail,
		CreatedAt:   p.clock.Now(),
	})
	p.log.Info("duplicate delivery skipped",
		zap.String("event_id", in.EventID),
		zap.String("event_type", in.EventType),
		zap.Bool("dead_lettered", redelivered),
	)
	p.metrics.ObserveOutcome(in.EventType, string(OutcomeDuplicate), p.clock.Now().Sub(started))
	return OutcomeDuplicate, nil
}

func (p *Pipeline) run(ctx context.Context, in Inbound, started time.Time) (Outcome, error) {
	actor := authorization.Actor(obscontext.ActorFromContext(ctx))
	if actor == "" {
		actor = authorization.ActorProvider
	}
	h, classified := p.classifier.Classify(in.EventType)
	if err := p.authz.Authorize(ctx, actor, "handler", "invoke"); err != nil {
		return "", err
	}

	hev := handler.Event{
		EventID:    in.EventID,
		Type:       in.EventType,
		OccurredAt: in.OccurredAt.UTC(),
		Payload:    in.Payload,
	}

	if !classified {
		return p.runUnclassified(ctx, h, hev, started)
	}

	subject, err := handler.SubjectOf(hev)
	if err != nil {
		return p.park(ctx, in.EventID, h.Name(), deadletter.ReasonInvalidPayload, err, 0, started)
	}

	bo := p.policy.newBackOff()
	attempt := 1
	for {
		outcome, err := p.runAttempt(ctx, h, hev, subject, attempt, started)
		if err == nil {
			return outcome, nil
		}

		switch classify(err) {
		case failurePermanent:
			return p.park(ctx, hev.EventID, h.Name(), parkReason(err), err, attempt-1, started)
		case failureInfra:
			// Storage faults never consume the retry budget and never
			// dead-letter. Keep waiting and trying until the caller gives
			// up; the event stays claimed and resubmittable.
			p.recordAttempt(ctx, hev.EventID, h.Name(), audit.StageHandled, audit.StatusRetrying, err, attempt-1, started)
			p.log.Warn("storage fault, retrying",
				zap.String("event_id", hev.EventID),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			if werr := wait(ctx, bo); werr != nil {
				return "", err
			}
		default:
			status := audit.StatusRetrying
			if errors.Is(err, context.DeadlineExceeded) {
				status = audit.StatusTimedOut
			}
			if attempt >= p.policy.MaxAttempts {
				p.recordAttempt(ctx, hev.EventID, h.Name(), audit.StageHandled, audit.StatusFailed, err, attempt-1, started)
				return p.parkExhausted(ctx, hev.EventID, h.Name(), err, attempt-1, started)
			}
			p.recordAttempt(ctx, hev.EventID, h.Name(), audit.StageHandled, status, err, attempt-1, started)
			attempt++
			if werr := wait(ctx, bo); werr != nil {
				return "", err
			}
		}
	}
}

// failureClass separates what retries can fix from what they cannot.
type failureClass int

const (
	failureRetryable failureClass = iota
	failurePermanent
	failureInfra
)

// infraError tags a storage fault so the retry loop leaves the budget
// alone.
type infraError struct{ err error }

func (e *infraError) Error() string { return e.err.Error() }
func (e *infraError) Unwrap() error { return e.err }

func classify(err error) failureClass {
	var infra *infraError
	if errors.As(err, &infra) {
		return failureInfra
	}
	if handler.IsPermanent(err) ||
		errors.Is(err, reconcile.ErrInvariantViolation) ||
		errors.Is(err, reconcile.ErrUnknownPrice) {
		return failurePermanent
	}
	return failureRetryable
}

func parkReason(err error) deadletter.Reason {
	if errors.Is(err, reconcile.ErrInvariantViolation) {
		return deadletter.ReasonInvariantViolation
	}
	return deadletter.ReasonInvalidPayload
}

// runAttempt performs one handle-and-commit cycle under the per-attempt
// timeout. Success, staleness, and duplicates resolve here; everything
// else returns an error for the retry loop to classify.
func (p *Pipeline) runAttempt(ctx context.Context, h handler.Handler, hev handler.Event, subject handler.Subject, attempt int, started time.Time) (Outcome, error) {
	actx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	snap, err := p.snapshot(actx, subject)
	if err != nil {
		return "", &infraError{err: err}
	}

	now := p.clock.Now()
	result, err := h.Handle(snap, hev, now)
	if err != nil {
		return "", err
	}

	if result.Stale {
		p.recordAttempt(ctx, hev.EventID, h.Name(), audit.StageHandled, audit.StatusSkippedStale, nil, attempt-1, started)
		p.log.Info("stale event skipped",
			zap.String("event_id", hev.EventID),
			zap.String("event_type", hev.Type),
		)
		return OutcomeStale, nil
	}

	if result.Change != nil {
		if err := p.reconciler.Validate(actx, result.Change); err != nil {
			return "", err
		}
	}

	var pending []notify.AdminAlert
	err = p.db.WithContext(actx).Transaction(func(tx *gorm.DB) error {
		if result.Change != nil {
			if err := p.reconciler.ApplyTx(actx, tx, result.Change, now); err != nil {
				return err
			}
		}
		for _, intent := range result.Notifications {
			if err := p.notifier.NotifyTx(actx, tx, hev.EventID, intent); err != nil {
				return err
			}
		}
		for _, intent := range result.Alerts {
			alert, err := p.notifier.AlertTx(actx, tx, hev.EventID, intent)
			if err != nil {
				return err
			}
			if alert != nil {
				pending = append(pending, *alert)
			}
		}
		for _, intent := range result.FollowUps {
			fu := followup.FollowUp{
				SourceEventID: hev.EventID,
				HandlerName:   h.Name(),
				NextSteps:     intent.NextSteps,
				ScheduledFor:  now.Add(intent.After),
			}
			if err := p.followUps.ScheduleTx(actx, tx, &fu); err != nil {
				return err
			}
		}
		return p.trail.RecordTx(actx, tx, audit.ProcessingAttempt{
			EventID:     hev.EventID,
			Stage:       audit.StagePersisted,
			Status:      audit.StatusSucceeded,
			HandlerName: h.Name(),
			RetryNumber: attempt - 1,
			DurationMS:  p.clock.Now().Sub(started).Milliseconds(),
			CreatedAt:   p.clock.Now(),
		})
	})
	if err != nil {
		if errors.Is(err, reconcile.ErrStaleUpdate) {
			// Lost the last-writer-wins race under the row lock.
			p.recordAttempt(ctx, hev.EventID, h.Name(), audit.StagePersisted, audit.StatusSkippedStale, nil, attempt-1, started)
			return OutcomeStale, nil
		}
		if errors.Is(err, reconcile.ErrInvariantViolation) {
			return "", err
		}
		if actx.Err() != nil {
			return "", context.DeadlineExceeded
		}
		return "", &infraError{err: err}
	}

	p.notifier.FanOut(ctx, pending)
	return OutcomeProcessed, nil
}

func (p *Pipeline) snapshot(ctx context.Context, subject handler.Subject) (*subscription.Snapshot, error) {
	if subject.ExternalSubscriptionID != "" {
		snap, err := p.subs.SnapshotByExternalID(ctx, subject.ExternalSubscriptionID)
		if err != nil && !errors.Is(err, subscription.ErrNotFound) {
			return nil, err
		}
		if snap != nil {
			return snap, nil
		}
	}
	if subject.UserID == "" {
		return nil, nil
	}
	snap, err := p.subs.SnapshotByUserID(ctx, subject.UserID)
	if err != nil && !errors.Is(err, subscription.ErrNotFound) {
		return nil, err
	}
	return snap, nil
}

func (p *Pipeline) runUnclassified(ctx context.Context, h handler.Handler, hev handler.Event, started time.Time) (Outcome, error) {
	if _, err := h.Handle(nil, hev, p.clock.Now()); err != nil {
		return p.park(ctx, hev.EventID, h.Name(), deadletter.ReasonUnclassifiedError, err, 0, started)
	}
	p.recordAttempt(ctx, hev.EventID, h.Name(), audit.StageHandled, audit.StatusUnclassified, nil, 0, started)
	return OutcomeUnclassified, nil
}

func (p *Pipeline) park(ctx context.Context, eventID, handlerName string, reason deadletter.Reason, cause error, retry int, started time.Time) (Outcome, error) {
	now := p.clock.Now()
	p.recordAttempt(ctx, eventID, handlerName, audit.StageHandled, audit.StatusDeadLettered, cause, retry, started)
	if err := p.deadLetters.Park(ctx, eventID, reason, audit.Detail(cause), now); err != nil {
		return "", err
	}
	p.metrics.ObserveDeadLetter(string(reason))
	p.alertParked(ctx, eventID, reason, cause, now)
	p.log.Warn("event dead-lettered",
		zap.String("event_id", eventID),
		zap.String("reason", string(reason)),
		zap.Error(cause),
	)
	return OutcomeDeadLettered, nil
}

// parkExhausted differs from park only in not appending another audit row:
// the final retry already recorded its failure.
func (p *Pipeline) parkExhausted(ctx context.Context, eventID, handlerName string, cause error, retry int, started time.Time) (Outcome, error) {
	now := p.clock.Now()
	if err := p.deadLetters.Park(ctx, eventID, deadletter.ReasonRetriesExhausted, audit.Detail(cause), now); err != nil {
		return "", err
	}
	p.metrics.ObserveDeadLetter(string(deadletter.ReasonRetriesExhausted))
	p.alertParked(ctx, eventID, deadletter.ReasonRetriesExhausted, cause, now)
	p.log.Warn("event dead-lettered",
		zap.String("event_id", eventID),
		zap.String("handler", handlerName),
		zap.String("reason", string(deadletter.ReasonRetriesExhausted)),
		zap.Int("retries", retry),
		zap.Error(cause),
	)
	return OutcomeDeadLettered, nil
}

func (p *Pipeline) alertParked(ctx context.Context, eventID string, reason deadletter.Reason, cause error, now time.Time) {
	severity := handler.SeverityMedium
	if reason == deadletter.ReasonInvariantViolation || reason == deadletter.ReasonUnclassifiedError {
		severity = handler.SeverityHigh
	}
	intent := handler.AlertIntent{
		Severity: severity,
		Type:     "event_dead_lettered",
		Message:  fmt.Sprintf("event %s dead-lettered: %s", eventID, reason),
		Metadata: map[string]any{"event_id": eventID, "reason": string(reason)},
	}
	if err := p.notifier.Alert(ctx, eventID, intent, now); err != nil {
		p.log.Warn("dead-letter alert failed", zap.String("event_id", eventID), zap.Error(err))
	}
}

func (p *Pipeline) recordAttempt(ctx context.Context, eventID, handlerName string, stage audit.Stage, status audit.Status, cause error, retry int, started time.Time) {
	p.trail.Record(ctx, audit.ProcessingAttempt{
		EventID:     eventID,
		Stage:       stage,
		Status:      status,
		HandlerName: handlerName,
		RetryNumber: retry,
		DurationMS:  p.clock.Now().Sub(started).Milliseconds(),
		ErrorDetail: audit.Detail(cause),
		CreatedAt:   p.clock.Now(),
	})
}
