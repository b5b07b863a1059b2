// Package notification delivers alerts to operators (log, Telegram, webhook)
// and turns the decision stream's domain events into those alerts.
package notification

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/DaniilMusin/btc-technical/internal/model"
)

// Alert represents a notification to be sent.
type Alert struct {
	Level   model.Severity `json:"level"`
	Symbol  string         `json:"symbol,omitempty"`
	Title   string         `json:"title"`
	Message string         `json:"message"`
	TS      time.Time      `json:"ts"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct {
	log *slog.Logger
}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{log: slog.Default().With("component", "notify")}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	level := slog.LevelInfo
	switch alert.Level {
	case model.SeverityWarning:
		level = slog.LevelWarn
	case model.SeverityCritical:
		level = slog.LevelError
	}
	n.log.Log(ctx, level, alert.Title, "symbol", alert.Symbol, "message", alert.Message)
	return nil
}

// Multi sends every alert to all notifiers.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
