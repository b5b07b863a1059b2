package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/DaniilMusin/btc-technical/internal/model"
	"github.com/DaniilMusin/btc-technical/internal/resilience"
)

// TelegramNotifier sends alerts via Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	client   *http.Client
	baseURL  string
	attempts int
	backoff  resilience.Backoff
}

// NewTelegramNotifier creates a Telegram notifier.
// botToken: Bot API token from @BotFather
// chatID: Target chat/group/channel ID
func NewTelegramNotifier(botToken, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		client:   &http.Client{Timeout: 3 * time.Second},
		baseURL:  "https://api.telegram.org",
		attempts: 3,
		backoff:  resilience.Backoff{Base: time.Second, Max: 4 * time.Second},
	}
}

// Send posts the alert as MarkdownV2. Info alerts are delivered silently.
// Failed posts are retried a few times.
func (t *TelegramNotifier) Send(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(map[string]interface{}{
		"chat_id":              t.chatID,
		"text":                 FormatTelegram(alert),
		"parse_mode":           "MarkdownV2",
		"disable_notification": alert.Level == "" || alert.Level == model.SeverityInfo,
	})
	if err != nil {
		return fmt.Errorf("telegram: marshal: %w", err)
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)

	var lastErr error
	for attempt := 0; attempt < t.attempts; attempt++ {
		if attempt > 0 {
			if err := t.backoff.Sleep(ctx, attempt-1); err != nil {
				return fmt.Errorf("telegram: %w (last error: %v)", err, lastErr)
			}
		}
		if lastErr = t.post(ctx, url, body); lastErr == nil {
			slog.Debug("telegram alert sent", "title", alert.Title)
			return nil
		}
	}
	return lastErr
}

func (t *TelegramNotifier) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// FormatTelegram renders an alert as a MarkdownV2 message.
func FormatTelegram(alert Alert) string {
	emoji := "ℹ️"
	switch alert.Level {
	case model.SeverityWarning:
		emoji = "⚠️"
	case model.SeverityCritical:
		emoji = "🚨"
	}
	title := alert.Title
	if alert.Symbol != "" {
		title = alert.Symbol + " " + title
	}
	return fmt.Sprintf("%s *%s*\n\n%s", emoji, escapeMarkdown(title), escapeMarkdown(alert.Message))
}

// escapeMarkdown escapes special characters for Telegram MarkdownV2.
func escapeMarkdown(s string) string {
	const specials = "_*[]()~`>#+-=|{}.!\\"
	var buf bytes.Buffer
	for i := 0; i < len(s); i++ {
		if bytes.IndexByte([]byte(specials), s[i]) >= 0 {
			buf.WriteByte('\\')
		}
		buf.WriteByte(s[i])
	}
	return buf.String()
}
