package model

import "time"

// Side is the direction of a position or order.
type Side string

const (
	SideFlat  Side = "flat"
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Sign returns +1 for long, -1 for short and 0 for flat.
func (s Side) Sign() float64 {
	switch s {
	case SideLong:
		return 1
	case SideShort:
		return -1
	default:
		return 0
	}
}

// Opposite returns the closing side for s.
func (s Side) Opposite() Side {
	switch s {
	case SideLong:
		return SideShort
	case SideShort:
		return SideLong
	default:
		return SideFlat
	}
}

// Position is the single open position for a symbol.
// Size is in base units (e.g. BTC).
type Position struct {
	Symbol               string    `json:"symbol"`
	Side                 Side      `json:"side"`
	EntryPrice           float64   `json:"entry_price"`
	Size                 float64   `json:"size"`
	Leverage             float64   `json:"leverage"`
	StopPrice            float64   `json:"stop_price"`
	TakeProfit           float64   `json:"take_profit"`
	TrailingTriggerPrice float64   `json:"trailing_trigger_price"`
	EntryFee             float64   `json:"entry_fee"`
	OpenedAt             time.Time `json:"opened_at"`
	OpenedBar            int64     `json:"opened_bar"`
}

// Notional returns size × entry price.
func (p *Position) Notional() float64 {
	return p.Size * p.EntryPrice
}

// UnrealizedPnL returns gross profit/loss at the given mark price.
func (p *Position) UnrealizedPnL(mark float64) float64 {
	return (mark - p.EntryPrice) * p.Size * p.Side.Sign()
}

// StopHit reports whether a bar with the given extremes touched the stop.
func (p *Position) StopHit(high, low float64) bool {
	switch p.Side {
	case SideLong:
		return low <= p.StopPrice
	case SideShort:
		return high >= p.StopPrice
	}
	return false
}

// TakeProfitHit reports whether a bar with the given extremes touched the take-profit.
func (p *Position) TakeProfitHit(high, low float64) bool {
	if p.TakeProfit <= 0 {
		return false
	}
	switch p.Side {
	case SideLong:
		return high >= p.TakeProfit
	case SideShort:
		return low <= p.TakeProfit
	}
	return false
}
