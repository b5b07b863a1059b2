package indicator

import (
	"math"

	"github.com/DaniilMusin/btc-technical/internal/model"
)

// Bollinger computes Bollinger Bands: SMA ± k × sample standard deviation.
type Bollinger struct {
	mid *SMA
	k   float64

	upper float64
	lower float64
}

// NewBollinger creates bands over period with k standard deviations.
func NewBollinger(period int, k float64) *Bollinger {
	return &Bollinger{mid: NewSMA("BB_MIDDLE", period), k: k}
}

func (b *Bollinger) Name() string { return "BB" }

func (b *Bollinger) Update(c model.Candle) {
	b.mid.Update(c)
	if !b.mid.Ready() {
		return
	}
	win := b.mid.window()
	mean := b.mid.Value()
	var ss float64
	for _, v := range win {
		d := v - mean
		ss += d * d
	}
	std := 0.0
	if len(win) > 1 {
		std = math.Sqrt(ss / float64(len(win)-1))
	}
	b.upper = mean + b.k*std
	b.lower = mean - b.k*std
}

func (b *Bollinger) Value() float64 { return b.mid.Value() }
func (b *Bollinger) Upper() float64 { return b.upper }
func (b *Bollinger) Lower() float64 { return b.lower }
func (b *Bollinger) Ready() bool    { return b.mid.Ready() }
