package server

import (
	"time"

	"github.com/ai-rio/QuoteKit-sub003/internal/audit"
	"github.com/ai-rio/QuoteKit-sub003/internal/authorization"
	"github.com/ai-rio/QuoteKit-sub003/internal/clock"
	"github.com/ai-rio/QuoteKit-sub003/internal/config"
	"github.com/ai-rio/QuoteKit-sub003/internal/deadletter"
	"github.com/ai-rio/QuoteKit-sub003/internal/notify"
	"github.com/ai-rio/QuoteKit-sub003/internal/pipeline"
	"github.com/ai-rio/QuoteKit-sub003/internal/subscription"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Server exposes the webhook intake and the operator API.
type Server struct {
	cfg         config.Config
	log         *zap.Logger
	clock       clock.Clock
	authz       *authorization.Authorizer
	pipeline    *pipeline.Pipeline
	trail       *audit.Trail
	deadLetters *deadletter.Store
	subs        *subscription.Store
	notifier    *notify.Notifier
	engine      *gin.Engine
	limiter     *rateLimiter
}

type ServerParams struct {
	fx.In

	Config      config.Config
	Log         *zap.Logger
	Clock       clock.Clock
	Authorizer  *authorization.Authorizer
	Pipeline    *pipeline.Pipeline
	Trail       *audit.Trail
	DeadLetters *deadletter.Store
	Subs        *subscription.Store
	Notifier    *notify.Notifier
	Engine      *gin.Engine
}

func NewServer(p ServerParams) *Server {
	return &Server{
		cfg:         p.Config,
		log:         p.Log.Named("server"),
		clock:       p.Clock,
		authz:       p.Authorizer,
		pipeline:    p.Pipeline,
		trail:       p.Trail,
		deadLetters: p.DeadLetters,
		subs:        p.Subs,
		notifier:    p.Notifier,
		engine:      p.Engine,
		limiter:     newRateLimiter(p.Config.RateLimitPerMinute, time.Minute),
	}
}

// RegisterAPIRoutes attaches every route to the engine.
func (s *Server) RegisterAPIRoutes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.engine.POST("/webhooks/events", s.HandleWebhook)

	admin := s.engine.Group("/admin", s.adminAuth())
	{
		admin.GET("/dead-letters", s.ListDeadLetters)
		admin.POST("/dead-letters/:id/resolve", s.ResolveDeadLetter)
		admin.GET("/alerts", s.ListAlerts)
		admin.POST("/alerts/:id/resolve", s.ResolveAlert)
		admin.GET("/subscriptions/:user_id", s.GetSubscription)
		admin.GET("/events/:event_id/attempts", s.ListAttempts)
		admin.GET("/summary", s.Summary)
	}
}
