package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// WebhookSink delivers alert fan-out to an operator endpoint (pager bridge,
// chat relay). Delivery failures are the caller's to log; the alert row is
// already committed, so a lost delivery is re-raised by the next dedupe
// window at worst.
type WebhookSink struct {
	url    string
	client *http.Client
	log    *zap.Logger
}

func NewWebhookSink(url string, client *http.Client, log *zap.Logger) *WebhookSink {
	return &WebhookSink{url: url, client: client, log: log.Named("notify.webhook_sink")}
}

func (s *WebhookSink) Deliver(ctx context.Context, alert AdminAlert) error {
	body, err := json.Marshal(map[string]any{
		"id":       alert.ID.String(),
		"severity": alert.Severity,
		"type":     alert.Type,
		"message":  alert.Message,
		"metadata": alert.Metadata,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("alert webhook responded %d", resp.StatusCode)
	}

	s.log.Info("alert delivered",
		zap.String("type", alert.Type),
		zap.String("severity", string(alert.Severity)),
	)
	return nil
}
