package indicator

import "github.com/DaniilMusin/btc-technical/internal/model"

// EMA calculates Exponential Moving Average, seeded with the SMA of the
// first period values. O(1) per update.
type EMA struct {
	name       string
	src        Source
	period     int
	multiplier float64
	current    float64
	count      int
	sum        float64
}

// NewEMA creates a close-price EMA with the given period.
func NewEMA(name string, period int) *EMA {
	if period < 1 {
		period = 1
	}
	return &EMA{
		name:       name,
		src:        CloseSource,
		period:     period,
		multiplier: 2.0 / float64(period+1),
	}
}

func (e *EMA) Name() string { return e.name }

func (e *EMA) Update(candle model.Candle) {
	e.Add(e.src(candle))
}

// Add folds a raw value (used by MACD's signal line).
func (e *EMA) Add(price float64) {
	e.count++

	if e.count <= e.period {
		// Accumulate for initial SMA seed
		e.sum += price
		if e.count == e.period {
			e.current = e.sum / float64(e.period)
		}
		return
	}

	// EMA = (Price * multiplier) + (EMA_prev * (1 - multiplier))
	e.current = (price * e.multiplier) + (e.current * (1 - e.multiplier))
}

func (e *EMA) Value() float64 { return e.current }
func (e *EMA) Ready() bool    { return e.count >= e.period }
