package model

import "time"

// IntentKind is the kind of order intent produced by the strategy.
type IntentKind string

const (
	IntentOpen       IntentKind = "open"
	IntentClose      IntentKind = "close"
	IntentAdjustStop IntentKind = "adjust_stop"
)

// OrderIntent is a transient instruction from the state machine to the broker.
// ClientID is reused on retries so the exchange can deduplicate.
type OrderIntent struct {
	ClientID      string     `json:"client_id"`
	Kind          IntentKind `json:"kind"`
	Symbol        string     `json:"symbol"`
	Side          Side       `json:"side"` // position side the intent refers to
	RequestedSize float64    `json:"requested_size"`
	PriceHint     float64    `json:"price_hint"`
	StopPrice     float64    `json:"stop_price,omitempty"`
	TakeProfit    float64    `json:"take_profit,omitempty"`
	Leverage      float64    `json:"leverage,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	TS            time.Time  `json:"ts"` // decision time (bar timestamp)
}

// FillStatus is the terminal (or partial) status of a submitted order.
type FillStatus string

const (
	FillFilled          FillStatus = "filled"
	FillPartiallyFilled FillStatus = "partially_filled"
	FillRejected        FillStatus = "rejected"
	FillCancelled       FillStatus = "cancelled"
)

// Terminal reports whether no further updates are expected for the order.
func (s FillStatus) Terminal() bool {
	return s == FillFilled || s == FillRejected || s == FillCancelled
}

// Fill is the broker's report for a submitted intent. It is the only source
// of truth for whether a position changed.
type Fill struct {
	OrderID     string     `json:"order_id"`
	ClientID    string     `json:"client_id"`
	Kind        IntentKind `json:"kind"`
	FilledSize  float64    `json:"filled_size"`
	FilledPrice float64    `json:"filled_price"`
	Fee         float64    `json:"fee"`
	TS          time.Time  `json:"ts"`
	Status      FillStatus `json:"status"`
	Reason      string     `json:"reason,omitempty"`
}

// Order is an exchange-side order as reported by an open-orders query.
type Order struct {
	OrderID   string    `json:"order_id"`
	ClientID  string    `json:"client_id"`
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"` // BUY, SELL
	Type      string    `json:"type"` // MARKET, LIMIT, STOP_MARKET
	Qty       float64   `json:"qty"`
	FilledQty float64   `json:"filled_qty"`
	Price     float64   `json:"price"`
	StopPrice float64   `json:"stop_price"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// RiskParameters are read once per decision cycle.
type RiskParameters struct {
	Balance          float64 `json:"balance"`
	BaseRiskPerTrade float64 `json:"base_risk_per_trade"`
	MaxLeverage      float64 `json:"max_leverage"`
	MinTradeInterval int     `json:"min_trade_interval"` // bars
}
