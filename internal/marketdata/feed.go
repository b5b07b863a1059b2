// Package marketdata defines the closed-candle feed contract shared by the
// live websocket feed and the backtest replay.
package marketdata

import (
	"context"

	"github.com/DaniilMusin/btc-technical/internal/model"
)

// Feed delivers closed candles for one symbol/interval in strictly increasing
// timestamp order. Next returns io.EOF when the feed is exhausted or closed.
type Feed interface {
	Next(ctx context.Context) (model.Candle, error)
	Close() error
}

// GapReporter is implemented by feeds that can detect missing bars.
// Gap returns how many bars were missed immediately before the candle most
// recently returned by Next.
type GapReporter interface {
	Gap() int
}

// MissedBars returns the number of whole intervals skipped between prev and
// next. Zero when next directly follows prev or either is unset.
func MissedBars(prev, next model.Candle) int {
	step := model.IntervalDuration(next.Interval)
	if step <= 0 || prev.TS.IsZero() || !next.TS.After(prev.TS) {
		return 0
	}
	n := int(next.TS.Sub(prev.TS)/step) - 1
	if n < 0 {
		return 0
	}
	return n
}
