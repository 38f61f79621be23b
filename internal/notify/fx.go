package notify

import (
	"time"

	"github.com/ai-rio/QuoteKit-sub003/internal/config"
	"github.com/ai-rio/QuoteKit-sub003/internal/observability/tracing"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("notify.service",
	fx.Provide(newSink),
	fx.Provide(NewNotifier),
)

func newSink(cfg config.Config, log *zap.Logger) Sink {
	if cfg.AlertWebhookURL != "" {
		return NewWebhookSink(cfg.AlertWebhookURL, tracing.NewHTTPClient(10*time.Second), log)
	}
	return NewLogSink(log)
}
