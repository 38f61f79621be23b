package observability

import (
	"github.com/ai-rio/QuoteKit-sub003/internal/config"
	"github.com/ai-rio/QuoteKit-sub003/internal/observability/logger"
	"github.com/ai-rio/QuoteKit-sub003/internal/observability/metrics"
	"github.com/ai-rio/QuoteKit-sub003/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
)

// Module wires logging, tracing, and metrics from the service Config.
var Module = fx.Module("observability",
	logger.Module,
	fx.Provide(func(cfg config.Config) tracing.Config {
		return tracing.Config{
			Enabled:          cfg.OTLPEndpoint != "",
			ServiceName:      cfg.ServiceName,
			Environment:      cfg.Environment,
			ExporterEndpoint: cfg.OTLPEndpoint,
			ExporterProtocol: cfg.OTLPProtocol,
			SamplingRatio:    0.1,
		}
	}),
	fx.Provide(tracing.NewProvider),
	// fx builds providers lazily; nothing injects the tracer provider,
	// so force construction or the global stays noop.
	fx.Invoke(func(*sdktrace.TracerProvider) {}),
	fx.Provide(func(cfg config.Config) metrics.Config {
		return metrics.Config{ServiceName: cfg.ServiceName, Environment: cfg.Environment}
	}),
	fx.Provide(metrics.NewHTTPMetrics),
	fx.Provide(metrics.PipelineWithConfig),
)
