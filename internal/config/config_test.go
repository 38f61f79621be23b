package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Environment != "development" {
		t.Fatalf("environment = %q, want development", cfg.Environment)
	}
	if cfg.ServiceName != "quotekit-reconciler" {
		t.Fatalf("service name = %q", cfg.ServiceName)
	}
	if cfg.RetryMaxAttempts != 5 {
		t.Fatalf("retry max attempts = %d, want 5", cfg.RetryMaxAttempts)
	}
	if cfg.RetryInitialDelay != time.Second || cfg.RetryMaxDelay != 5*time.Minute {
		t.Fatalf("retry delays = %v / %v", cfg.RetryInitialDelay, cfg.RetryMaxDelay)
	}
	if cfg.AttemptTimeout != 30*time.Second {
		t.Fatalf("attempt timeout = %v", cfg.AttemptTimeout)
	}
	if cfg.SweepBatchSize != 50 || cfg.FollowUpLease != 2*time.Minute {
		t.Fatalf("sweep config = %d / %v", cfg.SweepBatchSize, cfg.FollowUpLease)
	}
	if cfg.IsProduction() {
		t.Fatal("development must not report production")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("RETRY_MAX_ATTEMPTS", "3")
	t.Setenv("RETRY_INITIAL_DELAY", "250ms")
	t.Setenv("WEBHOOK_RATE_LIMIT", "120")
	t.Setenv("WEBHOOK_SECRET", "whsec_abc")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.IsProduction() {
		t.Fatal("APP_ENV=production must report production")
	}
	if cfg.RetryMaxAttempts != 3 {
		t.Fatalf("retry max attempts = %d, want 3", cfg.RetryMaxAttempts)
	}
	if cfg.RetryInitialDelay != 250*time.Millisecond {
		t.Fatalf("retry initial delay = %v", cfg.RetryInitialDelay)
	}
	if cfg.RateLimitPerMinute != 120 {
		t.Fatalf("rate limit = %d", cfg.RateLimitPerMinute)
	}
	if cfg.WebhookSecret != "whsec_abc" {
		t.Fatalf("webhook secret = %q", cfg.WebhookSecret)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("RETRY_MAX_ATTEMPTS", "-2")
	t.Setenv("ATTEMPT_TIMEOUT", "soon")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RetryMaxAttempts != 5 {
		t.Fatalf("invalid int must fall back, got %d", cfg.RetryMaxAttempts)
	}
	if cfg.AttemptTimeout != 30*time.Second {
		t.Fatalf("invalid duration must fall back, got %v", cfg.AttemptTimeout)
	}
}
