package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config carries every runtime knob for the reconciliation engine. All
// pipeline behavior is injected here at construction time; nothing reads
// ambient global state.
type Config struct {
	Environment string
	ServiceName string
	HTTPAddr    string

	DatabaseURL string

	// WebhookSecret signs inbound provider payloads (HMAC-SHA256).
	WebhookSecret string
	// AdminToken authorizes the operator endpoints.
	AdminToken string

	// Handler retry policy.
	RetryMaxAttempts  int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
	AttemptTimeout    time.Duration

	// Follow-up sweep.
	SweepInterval  time.Duration
	SweepBatchSize int
	FollowUpLease  time.Duration

	// Disputes with evidence due inside this window raise a high alert.
	DisputeAlertWindow time.Duration

	CatalogCacheTTL time.Duration

	RateLimitPerMinute int

	// AlertWebhookURL receives high and critical alert fan-out; empty means
	// alerts only go to the process log.
	AlertWebhookURL string

	OTLPEndpoint string
	OTLPProtocol string
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// Load builds a Config from environment variables. Outside production a
// .env file is read first so local runs need no exported shell state.
func Load() (Config, error) {
	env := getenv("APP_ENV", "development")
	if !strings.EqualFold(env, "production") {
		_ = godotenv.Load()
		env = getenv("APP_ENV", env)
	}

	cfg := Config{
		Environment: env,
		ServiceName: getenv("SERVICE_NAME", "quotekit-reconciler"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		DatabaseURL: getenv("DATABASE_URL", ""),

		WebhookSecret: getenv("WEBHOOK_SECRET", ""),
		AdminToken:    getenv("ADMIN_TOKEN", ""),

		RetryMaxAttempts:  getint("RETRY_MAX_ATTEMPTS", 5),
		RetryInitialDelay: getduration("RETRY_INITIAL_DELAY", time.Second),
		RetryMaxDelay:     getduration("RETRY_MAX_DELAY", 5*time.Minute),
		AttemptTimeout:    getduration("ATTEMPT_TIMEOUT", 30*time.Second),

		SweepInterval:  getduration("FOLLOWUP_SWEEP_INTERVAL", 15*time.Second),
		SweepBatchSize: getint("FOLLOWUP_SWEEP_BATCH", 50),
		FollowUpLease:  getduration("FOLLOWUP_LEASE", 2*time.Minute),

		DisputeAlertWindow: getduration("DISPUTE_ALERT_WINDOW", 72*time.Hour),

		CatalogCacheTTL: getduration("CATALOG_CACHE_TTL", 5*time.Minute),

		RateLimitPerMinute: getint("WEBHOOK_RATE_LIMIT", 600),

		AlertWebhookURL: getenv("ALERT_WEBHOOK_URL", ""),

		OTLPEndpoint: getenv("OTLP_ENDPOINT", ""),
		OTLPProtocol: getenv("OTLP_PROTOCOL", "grpc"),
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func getint(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func getduration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
