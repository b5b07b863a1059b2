// Package closedetector decides when a kline has closed. Exchanges stream
// the forming bar repeatedly; a bar is final once an update for a later bar
// arrives, or once the bar end plus a grace period passes with no update.
package closedetector

import (
	"log/slog"
	"time"

	"github.com/DaniilMusin/btc-technical/internal/model"
)

// BarCloser folds forming-bar updates and releases closed bars.
// Not safe for concurrent use.
type BarCloser struct {
	pending model.Candle
	has     bool

	// Grace is how long after the bar end to wait for the next bar before
	// releasing the pending one anyway. Default: 5 seconds.
	Grace time.Duration
}

// New creates a BarCloser.
func New() *BarCloser {
	return &BarCloser{Grace: 5 * time.Second}
}

// Observe records an update for the forming bar. When u belongs to a later
// bar than the pending one, the pending bar is returned as closed.
// Updates for bars older than the pending one are ignored.
func (b *BarCloser) Observe(u model.Candle) (model.Candle, bool) {
	if !b.has {
		b.pending, b.has = u, true
		return model.Candle{}, false
	}

	switch {
	case u.TS.Equal(b.pending.TS):
		// latest snapshot of the same bar wins
		b.pending = u
		return model.Candle{}, false
	case u.TS.After(b.pending.TS):
		closed := b.pending
		b.pending = u
		return closed, true
	default:
		slog.Debug("stale kline update ignored", "ts", u.TS, "pending", b.pending.TS)
		return model.Candle{}, false
	}
}

// Expire releases the pending bar if its end plus Grace has passed at now.
func (b *BarCloser) Expire(now time.Time) (model.Candle, bool) {
	if !b.has {
		return model.Candle{}, false
	}
	end := b.pending.TS.Add(model.IntervalDuration(b.pending.Interval))
	if now.Before(end.Add(b.Grace)) {
		return model.Candle{}, false
	}
	closed := b.pending
	b.has = false
	return closed, true
}

// Pending returns the forming bar, if any.
func (b *BarCloser) Pending() (model.Candle, bool) {
	return b.pending, b.has
}
