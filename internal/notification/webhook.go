package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// WebhookNotifier POSTs alerts as JSON to a generic HTTP endpoint. The
// payload carries the alert fields plus a preformatted "text" line, which is
// what Slack and Mattermost incoming webhooks render.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

type webhookPayload struct {
	Alert
	Text string `json:"text"`
}

// NewWebhookNotifier creates a webhook notifier.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	if alert.TS.IsZero() {
		alert.TS = time.Now().UTC()
	}
	body, err := json.Marshal(webhookPayload{Alert: alert, Text: plainText(alert)})
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("webhook: status %d: %s", resp.StatusCode, bytes.TrimSpace(excerpt))
	}
	slog.Debug("webhook alert sent", "title", alert.Title, "level", alert.Level)
	return nil
}

func plainText(a Alert) string {
	s := fmt.Sprintf("[%s] %s", a.Level, a.Title)
	if a.Symbol != "" {
		s += " (" + a.Symbol + ")"
	}
	if a.Message != "" {
		s += ": " + a.Message
	}
	return s
}
