package indicator

import "github.com/DaniilMusin/btc-technical/internal/model"

// MACD computes the MACD line (fast EMA − slow EMA), its signal EMA and the
// histogram.
type MACD struct {
	fast   *EMA
	slow   *EMA
	signal *EMA
	line   float64
}

// NewMACD creates a MACD (typically 12, 26, 9).
func NewMACD(fast, slow, signal int) *MACD {
	return &MACD{
		fast:   NewEMA("MACD_FAST", fast),
		slow:   NewEMA("MACD_SLOW", slow),
		signal: NewEMA("MACD_SIGNAL", signal),
	}
}

func (m *MACD) Name() string { return "MACD" }

func (m *MACD) Update(c model.Candle) {
	m.fast.Update(c)
	m.slow.Update(c)
	if !m.fast.Ready() || !m.slow.Ready() {
		return
	}
	m.line = m.fast.Value() - m.slow.Value()
	m.signal.Add(m.line)
}

func (m *MACD) Value() float64  { return m.line }
func (m *MACD) Signal() float64 { return m.signal.Value() }
func (m *MACD) Hist() float64   { return m.line - m.signal.Value() }
func (m *MACD) Ready() bool     { return m.signal.Ready() }
