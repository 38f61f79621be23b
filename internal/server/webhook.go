package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	obscontext "github.com/ai-rio/QuoteKit-sub003/internal/observability/context"
	"github.com/ai-rio/QuoteKit-sub003/internal/pipeline"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Webhook-Signature"

type webhookEnvelope struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// HandleWebhook is the single provider intake. Signature verification runs
// before anything touches storage; only a verified envelope may claim an
// event ID. A 5xx tells the provider to redeliver, so storage faults map
// there and every domain-level outcome maps to 200.
func (s *Server) HandleWebhook(c *gin.Context) {
	if !s.limiter.Allow(c.ClientIP()) {
		AbortWithError(c, rateLimitedError())
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	if !s.verifySignature(body, c.GetHeader(SignatureHeader)) {
		AbortWithError(c, signatureError())
		return
	}

	var envelope webhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	envelope.EventID = strings.TrimSpace(envelope.EventID)
	envelope.EventType = strings.TrimSpace(envelope.EventType)
	if envelope.EventID == "" || envelope.EventType == "" || envelope.OccurredAt.IsZero() {
		AbortWithError(c, invalidRequestError())
		return
	}
	payload := []byte(envelope.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	outcome, err := s.pipeline.Process(c.Request.Context(), pipeline.Inbound{
		EventID:    envelope.EventID,
		EventType:  envelope.EventType,
		OccurredAt: envelope.OccurredAt,
		Payload:    payload,
	})
	if err != nil {
		s.log.Error("webhook processing failed",
			zap.String("event_id", envelope.EventID),
			zap.String("request_id", obscontext.RequestIDFromGin(c)),
			zap.Error(err),
		)
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"event_id": envelope.EventID,
		"outcome":  outcome,
	})
}

func (s *Server) verifySignature(body []byte, presented string) bool {
	if s.cfg.WebhookSecret == "" {
		// No secret configured means intake is open, which only makes
		// sense in local development.
		return !s.cfg.IsProduction()
	}
	presented = strings.TrimSpace(presented)
	if presented == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(s.cfg.WebhookSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(presented)))
}
