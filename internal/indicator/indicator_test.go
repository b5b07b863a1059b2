package indicator

import (
	"math"
	"testing"
	"time"

	"github.com/DaniilMusin/btc-technical/internal/model"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func closeAt(i int, price float64) model.Candle {
	return model.Candle{
		Symbol:   "BTC-USDT",
		Interval: "1m",
		TS:       t0.Add(time.Duration(i) * time.Minute),
		Open:     price,
		High:     price,
		Low:      price,
		Close:    price,
		Volume:   10,
	}
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestSMA(t *testing.T) {
	s := NewSMA("SMA", 3)
	for i, p := range []float64{1, 2, 3} {
		s.Update(closeAt(i, p))
	}
	if !s.Ready() || !near(s.Value(), 2) {
		t.Fatalf("SMA(1,2,3): expected 2 ready, got %.4f ready=%v", s.Value(), s.Ready())
	}
	s.Update(closeAt(3, 10))
	if !near(s.Value(), 5) {
		t.Fatalf("SMA(2,3,10): expected 5, got %.4f", s.Value())
	}
}

func TestEMA(t *testing.T) {
	e := NewEMA("EMA", 3)
	for i, p := range []float64{2, 4, 6} {
		e.Update(closeAt(i, p))
	}
	if !e.Ready() || !near(e.Value(), 4) {
		t.Fatalf("EMA seed: expected 4, got %.4f", e.Value())
	}
	// k = 0.5 → 8*0.5 + 4*0.5 = 6
	e.Update(closeAt(3, 8))
	if !near(e.Value(), 6) {
		t.Fatalf("EMA: expected 6, got %.4f", e.Value())
	}
}

func TestRSI(t *testing.T) {
	r := NewRSI("RSI", 2)
	// deltas: +1, -1 → avgGain 0.5, avgLoss 0.5 → RSI 50
	for i, p := range []float64{10, 11, 10} {
		r.Update(closeAt(i, p))
	}
	if !r.Ready() || !near(r.Value(), 50) {
		t.Fatalf("RSI: expected 50, got %.4f ready=%v", r.Value(), r.Ready())
	}
	// +2: avgGain (0.5+2)/2 = 1.25, avgLoss 0.25 → rs 5 → 83.333
	r.Update(closeAt(3, 12))
	if math.Abs(r.Value()-83.3333333) > 1e-6 {
		t.Fatalf("RSI: expected 83.33, got %.6f", r.Value())
	}
}

func TestRSI_AllGains(t *testing.T) {
	r := NewRSI("RSI", 3)
	for i := 0; i < 5; i++ {
		r.Update(closeAt(i, float64(100+i)))
	}
	if r.Value() != 100 {
		t.Fatalf("expected RSI 100 on monotonic rise, got %.4f", r.Value())
	}
}

func TestATR(t *testing.T) {
	a := NewATR("ATR", 2)
	a.Update(model.Candle{High: 12, Low: 10, Close: 11})
	if a.Ready() {
		t.Fatal("ATR(2) should not be ready after one candle")
	}
	// TR = max(3, |14-11|, |11-11|) = 3 → (2+3)/2
	a.Update(model.Candle{High: 14, Low: 11, Close: 13})
	if !a.Ready() || !near(a.Value(), 2.5) {
		t.Fatalf("ATR: expected 2.5, got %.4f", a.Value())
	}
}

func TestBollinger(t *testing.T) {
	b := NewBollinger(4, 2)
	for i, p := range []float64{2, 4, 4, 6} {
		b.Update(closeAt(i, p))
	}
	// mean 4, sample var (4+0+0+4)/3 → std 1.63299
	std := math.Sqrt(8.0 / 3.0)
	if !near(b.Value(), 4) || !near(b.Upper(), 4+2*std) || !near(b.Lower(), 4-2*std) {
		t.Fatalf("bands: mid=%.4f upper=%.4f lower=%.4f", b.Value(), b.Upper(), b.Lower())
	}
}

func TestMACD_ReadyAfterSignalSeed(t *testing.T) {
	m := NewMACD(3, 5, 2)
	for i := 0; i < 5; i++ {
		m.Update(closeAt(i, float64(100+i)))
	}
	if m.Ready() {
		t.Fatal("MACD signal should need one more value after the slow EMA seeds")
	}
	m.Update(closeAt(5, 105))
	if !m.Ready() {
		t.Fatal("MACD should be ready")
	}
	if m.Value() <= 0 {
		t.Fatalf("rising series should give positive MACD, got %.4f", m.Value())
	}
}

func TestADX_TrendingUp(t *testing.T) {
	a := NewADX(5)
	for i := 0; i < 30; i++ {
		p := 100 + float64(i)
		a.Update(model.Candle{High: p + 1, Low: p - 1, Close: p})
	}
	if !a.Ready() {
		t.Fatal("ADX should be ready after 30 bars")
	}
	if a.PlusDI() <= a.MinusDI() {
		t.Fatalf("uptrend: +DI %.2f should exceed -DI %.2f", a.PlusDI(), a.MinusDI())
	}
	if a.Value() < 90 {
		t.Fatalf("pure uptrend should have ADX near 100, got %.2f", a.Value())
	}
}
