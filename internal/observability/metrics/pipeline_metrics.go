package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics tracks event processing outcomes. The aggregate
// success/error rates here feed the external traffic controller.
type PipelineMetrics struct {
	attempts       *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	deadLettered   *prometheus.CounterVec
	followUpsSwept prometheus.Counter
}

var (
	pipelineMetricsOnce sync.Once
	pipelineMetrics     *PipelineMetrics
)

// Pipeline returns the process-wide pipeline metrics.
func Pipeline() *PipelineMetrics {
	return PipelineWithConfig(Config{})
}

// PipelineWithConfig initializes the process-wide pipeline metrics once.
func PipelineWithConfig(cfg Config) *PipelineMetrics {
	pipelineMetricsOnce.Do(func() {
		pipelineMetrics = newPipelineMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return pipelineMetrics
}

// ResetPipelineMetricsForTest clears the singleton between tests.
func ResetPipelineMetricsForTest() {
	pipelineMetricsOnce = sync.Once{}
	pipelineMetrics = nil
}

func newPipelineMetrics(registerer prometheus.Registerer, cfg Config) *PipelineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "quotekit-reconciler"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}

	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	m := &PipelineMetrics{
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "billing_pipeline_events_total",
				Help:        "Processed billing events by type and outcome.",
				ConstLabels: constLabels,
			},
			[]string{"event_type", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "billing_pipeline_duration_seconds",
				Help:        "End-to-end processing duration per event.",
				ConstLabels: constLabels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"event_type"},
		),
		deadLettered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "billing_pipeline_dead_lettered_total",
				Help:        "Events parked in the dead-letter store by reason.",
				ConstLabels: constLabels,
			},
			[]string{"reason"},
		),
		followUpsSwept: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name:        "billing_followups_completed_total",
				Help:        "Follow-ups completed by the sweep worker.",
				ConstLabels: constLabels,
			},
		),
	}

	registerer.MustRegister(m.attempts, m.duration, m.deadLettered, m.followUpsSwept)
	return m
}

// ObserveOutcome records one finished event.
func (m *PipelineMetrics) ObserveOutcome(eventType, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(eventType, outcome).Inc()
	m.duration.WithLabelValues(eventType).Observe(duration.Seconds())
}

// ObserveDeadLetter records one parked event.
func (m *PipelineMetrics) ObserveDeadLetter(reason string) {
	if m == nil {
		return
	}
	m.deadLettered.WithLabelValues(reason).Inc()
}

// ObserveFollowUpsCompleted records a sweep's completions.
func (m *PipelineMetrics) ObserveFollowUpsCompleted(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.followUpsSwept.Add(float64(count))
}
