package model

import "time"

// DefaultFeeRate is the single-side taker fee (round trip ≈ 0.07%).
const DefaultFeeRate = 0.00035

// EntryFee returns the fee charged when opening size at price.
func EntryFee(size, price, rate float64) float64 {
	return size * price * rate
}

// ExitFee returns the fee charged when closing size at price.
func ExitFee(size, price, rate float64) float64 {
	return size * price * rate
}

// RealizedPnL returns net profit for a round trip:
// (exit − entry) × size × sign(side) − entry fee − exit fee.
func RealizedPnL(side Side, entry, exit, size, rate float64) float64 {
	gross := (exit - entry) * size * side.Sign()
	return gross - EntryFee(size, entry, rate) - ExitFee(size, exit, rate)
}

// TradeRecord is a finalized round trip handed to the journal.
type TradeRecord struct {
	ID         int64     `json:"id"`
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Size       float64   `json:"size"`
	Leverage   float64   `json:"leverage"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	EntryTime  time.Time `json:"entry_time"`
	ExitTime   time.Time `json:"exit_time"`
	PnL        float64   `json:"pnl"`
	Fee        float64   `json:"fee"` // entry + exit
	Reason     string    `json:"reason"`
}

// Stats is the aggregate view served by the journal.
type Stats struct {
	Trades        int     `json:"trades"`
	Wins          int     `json:"wins"`
	WinRate       float64 `json:"win_rate"` // percent
	CumulativePnL float64 `json:"cumulative_pnl"`
}
