package model

import (
	"encoding/json"
	"time"
)

// Candle represents one closed OHLCV bar for a symbol/interval.
// Candles are immutable once closed and unique per (Symbol, Interval, TS).
type Candle struct {
	Symbol   string    `json:"symbol"`
	Interval string    `json:"interval"` // e.g. "1m", "15m", "1h"
	TS       time.Time `json:"ts"`       // bar open time (UTC)
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// Key returns the series key for this candle: "symbol:interval".
func (c *Candle) Key() string {
	return c.Symbol + ":" + c.Interval
}

// JSON returns the JSON-encoded candle (ignoring errors for hot-path usage).
func (c *Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}

// IntervalDuration parses exchange interval notation ("1m", "4h", "1d", "1w").
// Returns 0 for unknown notation.
func IntervalDuration(interval string) time.Duration {
	if len(interval) < 2 {
		return 0
	}
	n := 0
	for _, ch := range interval[:len(interval)-1] {
		if ch < '0' || ch > '9' {
			return 0
		}
		n = n*10 + int(ch-'0')
	}
	switch interval[len(interval)-1] {
	case 'm':
		return time.Duration(n) * time.Minute
	case 'h':
		return time.Duration(n) * time.Hour
	case 'd':
		return time.Duration(n) * 24 * time.Hour
	case 'w':
		return time.Duration(n) * 7 * 24 * time.Hour
	default:
		return 0
	}
}
