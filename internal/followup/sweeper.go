package followup

import (
	"context"
	"time"

	"github.com/ai-rio/QuoteKit-sub003/internal/clock"
	"github.com/ai-rio/QuoteKit-sub003/internal/config"
	"github.com/ai-rio/QuoteKit-sub003/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type SweeperParams struct {
	fx.In

	Store   *Store
	Resumer *Resumer
	Clock   clock.Clock
	Log     *zap.Logger
	Cfg     config.Config
	Metrics *metrics.PipelineMetrics `optional:"true"`
}

// Sweeper periodically leases due follow-ups and resumes them. Each shard
// runs one sweep loop; the per-item lease keeps concurrent instances from
// double-executing.
type Sweeper struct {
	store    *Store
	resumer  *Resumer
	clock    clock.Clock
	log      *zap.Logger
	metrics  *metrics.PipelineMetrics
	interval time.Duration
	batch    int
	lease    time.Duration
}

func NewSweeper(p SweeperParams) *Sweeper {
	return &Sweeper{
		store:    p.Store,
		resumer:  p.Resumer,
		clock:    p.Clock,
		log:      p.Log.Named("followup.sweeper"),
		metrics:  p.Metrics,
		interval: p.Cfg.SweepInterval,
		batch:    p.Cfg.SweepBatchSize,
		lease:    p.Cfg.FollowUpLease,
	}
}

func (s *Sweeper) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil {
			s.log.Warn("follow-up sweep failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce leases one batch of due items and resumes each. An item is
// completed only after its resume succeeded; failures release the lease so
// the next sweep picks the item up again.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	now := s.clock.Now()
	due, err := s.store.LeaseDue(ctx, now, s.lease, s.batch)
	if err != nil {
		return 0, err
	}

	completed := 0
	for _, fu := range due {
		if err := s.resumer.Resume(ctx, fu, now); err != nil {
			s.log.Warn("follow-up resume failed",
				zap.String("event_id", fu.SourceEventID),
				zap.String("handler", fu.HandlerName),
				zap.Error(err),
			)
			if releaseErr := s.store.Release(ctx, fu.ID); releaseErr != nil {
				s.log.Warn("follow-up release failed", zap.Error(releaseErr))
			}
			continue
		}
		if err := s.store.Complete(ctx, fu.ID, s.clock.Now()); err != nil {
			// Leave the lease in place; expiry re-exposes the item and
			// Complete is idempotent on the retry.
			s.log.Warn("follow-up completion failed", zap.Error(err))
			continue
		}
		completed++
	}
	if completed > 0 && s.metrics != nil {
		s.metrics.ObserveFollowUpsCompleted(completed)
	}
	return completed, nil
}
