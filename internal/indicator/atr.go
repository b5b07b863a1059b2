package indicator

import (
	"math"

	"github.com/DaniilMusin/btc-technical/internal/model"
)

// trueRange tracks the previous close needed for true-range calculation.
type trueRange struct {
	prevClose float64
	seen      bool
}

// next returns max(high−low, |high−prevClose|, |low−prevClose|).
// The first candle has no previous close and yields high−low.
func (t *trueRange) next(c model.Candle) float64 {
	tr := c.High - c.Low
	if t.seen {
		tr = math.Max(tr, math.Abs(c.High-t.prevClose))
		tr = math.Max(tr, math.Abs(c.Low-t.prevClose))
	}
	t.prevClose = c.Close
	t.seen = true
	return tr
}

// ATR is the Average True Range: a rolling mean of true range.
type ATR struct {
	name string
	tr   trueRange
	avg  *SMA
}

// NewATR creates an ATR with the given period (typically 14).
func NewATR(name string, period int) *ATR {
	return &ATR{name: name, avg: NewSMAOf(name, period, nil)}
}

func (a *ATR) Name() string { return a.name }

func (a *ATR) Update(candle model.Candle) {
	a.avg.Add(a.tr.next(candle))
}

func (a *ATR) Value() float64 { return a.avg.Value() }
func (a *ATR) Ready() bool    { return a.avg.Ready() }
