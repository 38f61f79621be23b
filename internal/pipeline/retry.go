package pipeline

import (
	"context"
	"time"

	"github.com/ai-rio/QuoteKit-sub003/internal/config"
	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds handler retries. Handler failures consume attempts;
// infrastructure failures do not, they only wait and go again.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func PolicyFromConfig(cfg config.Config) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  cfg.RetryMaxAttempts,
		InitialDelay: cfg.RetryInitialDelay,
		MaxDelay:     cfg.RetryMaxDelay,
	}
}

func (p RetryPolicy) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialDelay
	bo.MaxInterval = p.MaxDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// wait sleeps for the next backoff interval, or returns early when ctx is
// canceled.
func wait(ctx context.Context, bo backoff.BackOff) error {
	delay := bo.NextBackOff()
	if delay == backoff.Stop {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
