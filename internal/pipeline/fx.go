package pipeline

import (
	"github.com/ai-rio/QuoteKit-sub003/internal/audit"
	"github.com/ai-rio/QuoteKit-sub003/internal/authorization"
	"github.com/ai-rio/QuoteKit-sub003/internal/clock"
	"github.com/ai-rio/QuoteKit-sub003/internal/config"
	"github.com/ai-rio/QuoteKit-sub003/internal/deadletter"
	"github.com/ai-rio/QuoteKit-sub003/internal/event"
	"github.com/ai-rio/QuoteKit-sub003/internal/followup"
	"github.com/ai-rio/QuoteKit-sub003/internal/handler"
	"github.com/ai-rio/QuoteKit-sub003/internal/notify"
	"github.com/ai-rio/QuoteKit-sub003/internal/observability/metrics"
	"github.com/ai-rio/QuoteKit-sub003/internal/reconcile"
	"github.com/ai-rio/QuoteKit-sub003/internal/subscription"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Module wires the handler registry and the processing pipeline.
var Module = fx.Module("pipeline",
	fx.Provide(
		handler.NewSubscriptionLifecycle,
		handler.NewInvoice,
		handler.NewPaymentMethod,
		newDispute,
		handler.NewPlanChange,
		handler.NewUnclassified,
		NewClassifier,
		newPipeline,
	),
)

func newDispute(cfg config.Config) *handler.Dispute {
	return handler.NewDispute(cfg.DisputeAlertWindow)
}

type PipelineParams struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	Clock       clock.Clock
	Config      config.Config
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
}

func newPipeline(p PipelineParams) *Pipeline {
	return New(Params{
		DB:          p.DB,
		Log:         p.Log,
		Clock:       p.Clock,
		Authorizer:  p.Authorizer,
		Ledger:      p.Ledger,
		Classifier:  p.Classifier,
		Subs:        p.Subs,
		Reconciler:  p.Reconciler,
		Trail:       p.Trail,
		DeadLetters: p.DeadLetters,
		FollowUps:   p.FollowUps,
		Notifier:    p.Notifier,
		Metrics:     p.Metrics,
		Policy:      PolicyFromConfig(p.Config),
		Timeout:     p.Config.AttemptTimeout,
	})
}
