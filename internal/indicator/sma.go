package indicator

import "github.com/DaniilMusin/btc-technical/internal/model"

// SMA calculates Simple Moving Average over a rolling window.
// Uses a preallocated circular buffer for zero-allocation hot path.
type SMA struct {
	name    string
	src     Source
	period  int
	buf     []float64 // preallocated circular buffer
	idx     int       // current write position
	count   int       // total values received
	sum     float64
	current float64
}

// NewSMA creates a close-price SMA with the given period.
func NewSMA(name string, period int) *SMA {
	return NewSMAOf(name, period, CloseSource)
}

// NewSMAOf creates an SMA over an arbitrary candle source.
func NewSMAOf(name string, period int, src Source) *SMA {
	if period < 1 {
		period = 1
	}
	return &SMA{
		name:   name,
		src:    src,
		period: period,
		buf:    make([]float64, period),
	}
}

func (s *SMA) Name() string { return s.name }

func (s *SMA) Update(candle model.Candle) {
	s.Add(s.src(candle))
}

// Add folds a raw value into the window. Used when the input is itself a
// derived series (ATR, DX).
func (s *SMA) Add(v float64) {
	if s.count >= s.period {
		// Subtract the oldest value being overwritten
		s.sum -= s.buf[s.idx]
	}

	s.buf[s.idx] = v
	s.sum += v
	s.idx = (s.idx + 1) % s.period
	s.count++

	if s.count >= s.period {
		s.current = s.sum / float64(s.period)
	}
}

func (s *SMA) Value() float64 { return s.current }
func (s *SMA) Ready() bool    { return s.count >= s.period }

// window returns the values currently in the window, oldest first.
func (s *SMA) window() []float64 {
	n := s.count
	if n > s.period {
		n = s.period
	}
	out := make([]float64, n)
	start := (s.idx - n + s.period) % s.period
	for i := 0; i < n; i++ {
		out[i] = s.buf[(start+i)%s.period]
	}
	return out
}
