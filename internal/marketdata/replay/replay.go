// Package replay feeds historical candles through the same decision stream
// the live agent uses, for backtests.
package replay

import (
	"context"
	"io"
	"log/slog"

	"github.com/DaniilMusin/btc-technical/internal/marketdata"
	"github.com/DaniilMusin/btc-technical/internal/model"
)

// Feed replays a fixed candle slice in order. It also reports gaps so the
// orchestrator handles holes in historical data the same way as live ones.
type Feed struct {
	candles []model.Candle
	pos     int
	gap     int
	closed  bool
}

// New creates a replay feed. The slice is not copied and must not be
// modified while replaying.
func New(candles []model.Candle) *Feed {
	return &Feed{candles: candles}
}

// Next returns the next candle, or io.EOF when the slice is exhausted.
func (f *Feed) Next(ctx context.Context) (model.Candle, error) {
	if err := ctx.Err(); err != nil {
		return model.Candle{}, err
	}
	if f.closed || f.pos >= len(f.candles) {
		return model.Candle{}, io.EOF
	}
	c := f.candles[f.pos]
	f.gap = 0
	if f.pos > 0 {
		f.gap = marketdata.MissedBars(f.candles[f.pos-1], c)
	}
	f.pos++
	return c, nil
}

// Gap returns the bars missed right before the last candle from Next.
func (f *Feed) Gap() int { return f.gap }

// Remaining returns the number of candles not yet replayed.
func (f *Feed) Remaining() int { return len(f.candles) - f.pos }

// Close ends the replay early.
func (f *Feed) Close() error {
	if !f.closed {
		slog.Debug("replay closed", "replayed", f.pos, "total", len(f.candles))
	}
	f.closed = true
	return nil
}

// LoadArchive reads archived candles from a CandleReader (the SQLite archive)
// starting at fromUnix, oldest first.
func LoadArchive(ctx context.Context, r model.CandleReader, symbol, interval string, fromUnix int64) ([]model.Candle, error) {
	candles, err := r.ReadCandles(ctx, symbol, interval, fromUnix)
	if err != nil {
		return nil, err
	}
	slog.Info("replay: loaded archive", "symbol", symbol, "interval", interval, "candles", len(candles))
	return candles, nil
}

var (
	_ marketdata.Feed        = (*Feed)(nil)
	_ marketdata.GapReporter = (*Feed)(nil)
)
