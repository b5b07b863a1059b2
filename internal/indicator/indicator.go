// Package indicator provides technical indicator calculations over candle data.
//
// Indicators are streaming: each Update folds one closed candle into O(1)
// state. The Engine builds fresh instances and replays a candle window, so a
// snapshot depends only on the candles it was given.
package indicator

import (
	"errors"

	"github.com/DaniilMusin/btc-technical/internal/model"
)

// ErrNotReady is returned for indicators that have not seen enough history.
var ErrNotReady = errors.New("indicator not ready")

// Indicator is the interface for single-output technical indicators.
type Indicator interface {
	// Name returns the indicator name (e.g., "EMA_FAST", "RSI").
	Name() string

	// Update feeds a new closed candle and recalculates.
	Update(candle model.Candle)

	// Value returns the current calculated value. Returns 0 if not enough data.
	Value() float64

	// Ready returns true when enough data has been accumulated.
	Ready() bool
}

// Source extracts the input series from a candle.
type Source func(c model.Candle) float64

// CloseSource is the default source.
func CloseSource(c model.Candle) float64 { return c.Close }

// VolumeSource feeds candle volume.
func VolumeSource(c model.Candle) float64 { return c.Volume }
