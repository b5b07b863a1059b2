package model

import "time"

// EventKind identifies a lifecycle event emitted by the decision stream.
type EventKind string

const (
	EventTradeOpened  EventKind = "trade_opened"
	EventTradeClosed  EventKind = "trade_closed"
	EventStopAdjusted EventKind = "stop_adjusted"
	EventAlert        EventKind = "alert"
)

// Severity of an alert event.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Event is a domain event. Only the fields relevant to Kind are set.
type Event struct {
	Kind   EventKind `json:"kind"`
	Symbol string    `json:"symbol"`
	TS     time.Time `json:"ts"`

	// trade_opened / trade_closed / stop_adjusted
	Side       Side    `json:"side,omitempty"`
	EntryPrice float64 `json:"entry_price,omitempty"`
	ExitPrice  float64 `json:"exit_price,omitempty"`
	Size       float64 `json:"size,omitempty"`
	PnL        float64 `json:"pnl,omitempty"`
	Fee        float64 `json:"fee,omitempty"`
	StopPrice  float64 `json:"stop_price,omitempty"`

	// trade_closed carries the journal record
	Trade *TradeRecord `json:"trade,omitempty"`

	// alert
	Severity Severity `json:"severity,omitempty"`
	Message  string   `json:"message,omitempty"`
}

// AlertEvent builds an alert event.
func AlertEvent(symbol string, sev Severity, msg string, ts time.Time) Event {
	return Event{Kind: EventAlert, Symbol: symbol, TS: ts, Severity: sev, Message: msg}
}
