package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/ai-rio/QuoteKit-sub003/internal/authorization"
	"github.com/ai-rio/QuoteKit-sub003/internal/deadletter"
	obscontext "github.com/ai-rio/QuoteKit-sub003/internal/observability/context"
	"github.com/ai-rio/QuoteKit-sub003/internal/pipeline"
	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

// adminAuth verifies the bearer token and stamps the admin actor onto the
// request context. Per-route grants are still checked in each handler.
func (s *Server) adminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
		if !authorization.VerifyToken(token, s.cfg.AdminToken) {
			AbortWithError(c, unauthorizedError())
			return
		}
		ctx := obscontext.WithActor(c.Request.Context(), string(authorization.ActorAdmin))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (s *Server) authorize(c *gin.Context, object, action string) bool {
	if err := s.authz.Authorize(c.Request.Context(), authorization.ActorAdmin, object, action); err != nil {
		AbortWithError(c, err)
		return false
	}
	return true
}

func (s *Server) ListDeadLetters(c *gin.Context) {
	if !s.authorize(c, "dead_letter", "list") {
		return
	}
	var query struct {
		Reason         string `form:"reason"`
		RequiresReview *bool  `form:"requires_review"`
		Limit          int    `form:"limit"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	entries, err := s.deadLetters.ListUnresolved(c.Request.Context(), deadletter.ListFilter{
		Reason:         deadletter.Reason(query.Reason),
		RequiresReview: query.RequiresReview,
		Limit:          query.Limit,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": entries})
}

type resolveDeadLetterRequest struct {
	Notes      string `json:"notes"`
	ResolvedBy string `json:"resolved_by"`
	Resubmit   bool   `json:"resubmit"`
}

// ResolveDeadLetter closes an entry, optionally reprocessing the original
// event first. A resubmission that fails again leaves the entry open with
// its failure count bumped; only a clean outcome resolves it.
func (s *Server) ResolveDeadLetter(c *gin.Context) {
	if !s.authorize(c, "dead_letter", "resolve") {
		return
	}
	entryID, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	var req resolveDeadLetterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.ResolvedBy == "" {
		req.ResolvedBy = obscontext.ActorFromGin(c)
	}

	ctx := c.Request.Context()
	if req.Resubmit {
		if !s.authorize(c, "dead_letter", "resubmit") {
			return
		}
		entry, err := s.deadLetters.Find(ctx, entryID)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		if entry.Resolved {
			AbortWithError(c, deadletter.ErrAlreadyResolved)
			return
		}
		outcome, err := s.pipeline.Resubmit(ctx, entry.EventID)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		if outcome == pipeline.OutcomeDeadLettered {
			fresh, err := s.deadLetters.Find(ctx, entryID)
			if err != nil {
				AbortWithError(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"data": fresh, "outcome": outcome})
			return
		}
	}

	entry, err := s.deadLetters.Resolve(ctx, entryID, req.Notes, req.ResolvedBy, s.clock.Now())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": entry})
}

func (s *Server) ListAlerts(c *gin.Context) {
	if !s.authorize(c, "alert", "list") {
		return
	}
	var query struct {
		Limit int `form:"limit"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	alerts, err := s.notifier.ListOpenAlerts(c.Request.Context(), query.Limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": alerts})
}

func (s *Server) ResolveAlert(c *gin.Context) {
	if !s.authorize(c, "alert", "resolve") {
		return
	}
	alertID, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if err := s.notifier.ResolveAlert(c.Request.Context(), alertID, s.clock.Now()); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"resolved": true}})
}

func (s *Server) GetSubscription(c *gin.Context) {
	if !s.authorize(c, "subscription", "read") {
		return
	}
	sub, err := s.subs.FindByUserID(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": sub})
}

func (s *Server) ListAttempts(c *gin.Context) {
	if !s.authorize(c, "audit", "read") {
		return
	}
	attempts, err := s.trail.List(c.Request.Context(), c.Param("event_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": attempts})
}

// Summary reports per-event-type terminal outcomes since a given time,
// default the last 24 hours.
func (s *Server) Summary(c *gin.Context) {
	if !s.authorize(c, "audit", "read") {
		return
	}
	since := s.clock.Now().Add(-24 * time.Hour)
	if raw := strings.TrimSpace(c.Query("since")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
		since = parsed
	}
	rows, err := s.trail.Summarize(c.Request.Context(), since)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rows, "since": since})
}
