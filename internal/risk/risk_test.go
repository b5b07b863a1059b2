package risk

import (
	"errors"
	"math"
	"testing"

	"github.com/DaniilMusin/btc-technical/internal/model"
)

func TestSizePosition_RiskBudget(t *testing.T) {
	m := NewManager(DefaultLimits(), 1000)

	// risk 2% of 1000 = 20; stop 500 away → 0.04 BTC
	size, err := m.SizePosition(1000, 0.02, 500, 30000, 3)
	if err != nil {
		t.Fatalf("SizePosition: %v", err)
	}
	if math.Abs(size-0.04) > 1e-12 {
		t.Fatalf("expected size 0.04, got %.8f", size)
	}
	if loss := size * 500; loss > 1000*0.02+1e-9 {
		t.Fatalf("stop-out loss %.4f exceeds budget", loss)
	}
}

func TestSizePosition_CappedByLeverage(t *testing.T) {
	m := NewManager(DefaultLimits(), 1000)

	// tight stop would ask for 20 BTC; leverage caps notional at 3000
	size, err := m.SizePosition(1000, 0.02, 1, 30000, 3)
	if err != nil {
		t.Fatalf("SizePosition: %v", err)
	}
	if size*30000 > 1000*3+1e-9 {
		t.Fatalf("notional %.2f exceeds balance × max leverage", size*30000)
	}
}

func TestSizePosition_Invalid(t *testing.T) {
	m := NewManager(DefaultLimits(), 1000)
	cases := []struct {
		name                              string
		balance, risk, stop, entry, lever float64
	}{
		{"zero stop", 1000, 0.02, 0, 100, 2},
		{"negative stop", 1000, 0.02, -1, 100, 2},
		{"leverage above max", 1000, 0.02, 1, 100, 5},
		{"zero entry", 1000, 0.02, 1, 0, 2},
		{"no balance", 0, 0.02, 1, 100, 2},
	}
	for _, tc := range cases {
		_, err := m.SizePosition(tc.balance, tc.risk, tc.stop, tc.entry, tc.lever)
		if !errors.Is(err, ErrInvalidRisk) {
			t.Errorf("%s: expected ErrInvalidRisk, got %v", tc.name, err)
		}
		if !errors.Is(err, ErrRiskViolation) {
			t.Errorf("%s: expected a risk violation", tc.name)
		}
	}
}

func TestCheckInterval(t *testing.T) {
	m := NewManager(DefaultLimits(), 1000)

	if err := m.CheckInterval("BTC-USDT", 5); err != nil {
		t.Fatalf("first trade should be allowed: %v", err)
	}
	m.RecordTrade("BTC-USDT", 5)

	if err := m.CheckInterval("BTC-USDT", 16); !errors.Is(err, ErrTooSoon) {
		t.Fatalf("expected ErrTooSoon after 11 bars, got %v", err)
	}
	if err := m.CheckInterval("BTC-USDT", 17); err != nil {
		t.Fatalf("12 bars should be enough: %v", err)
	}
	if err := m.CheckInterval("ETH-USDT", 6); err != nil {
		t.Fatalf("other symbol must not be throttled: %v", err)
	}
}

func TestCanOpen_Drawdown(t *testing.T) {
	m := NewManager(Limits{MaxLeverage: 3, MaxDrawdownPct: 10}, 1000)
	m.RecordPnL(100) // peak 1100
	m.RecordPnL(-100)
	if err := m.CanOpen(); err != nil {
		t.Fatalf("9%% drawdown should pass: %v", err)
	}
	m.RecordPnL(-20)
	if err := m.CanOpen(); !errors.Is(err, ErrMaxDrawdown) {
		t.Fatalf("expected ErrMaxDrawdown, got %v", err)
	}
	if st := m.Status(); st.PeakEquity != 1100 || st.Equity != 980 {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestCanOpen_DailyLoss(t *testing.T) {
	m := NewManager(Limits{MaxLeverage: 3, MaxDailyLoss: 50}, 1000)
	m.RecordPnL(-60)
	if err := m.CanOpen(); !errors.Is(err, ErrMaxDailyLoss) {
		t.Fatalf("expected ErrMaxDailyLoss, got %v", err)
	}
	m.ResetDaily()
	if err := m.CanOpen(); err != nil {
		t.Fatalf("after reset: %v", err)
	}
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

func TestExitLevels(t *testing.T) {
	v := Volatility{ATR: 100, ATRMA: 100}

	stop, tp := ExitLevels(model.SideLong, 30000, v)
	if !near(stop, 30000-230) || !near(tp, 30000+650) {
		t.Fatalf("normal regime long: stop=%.2f tp=%.2f", stop, tp)
	}

	stop, tp = ExitLevels(model.SideShort, 30000, Volatility{ATR: 100, ATRMA: 200})
	if !near(stop, 30000+180) || !near(tp, 30000-550) {
		t.Fatalf("low-vol short: stop=%.2f tp=%.2f", stop, tp)
	}

	stop, tp = ExitLevels(model.SideLong, 30000, Volatility{ATR: 200, ATRMA: 100})
	if (tp-30000)/(30000-stop) < MinRewardRisk {
		t.Fatalf("reward:risk below minimum: stop=%.2f tp=%.2f", stop, tp)
	}
}

func TestOptimalLeverage(t *testing.T) {
	cases := []struct {
		name string
		side model.Side
		v    Volatility
		want float64
	}{
		{"neutral", model.SideLong, Volatility{ATR: 1, ATRMA: 1, ADX: 20}, 2},
		{"high vol", model.SideLong, Volatility{ATR: 2, ATRMA: 1, ADX: 20}, 1.4},
		{"low vol capped", model.SideLong, Volatility{ATR: 0.5, ATRMA: 1, ADX: 40, PlusDI: 30, MinusDI: 10}, 3},
		{"strong trend against", model.SideShort, Volatility{ATR: 1, ATRMA: 1, ADX: 40, PlusDI: 30, MinusDI: 10}, 1.4},
		{"floored", model.SideShort, Volatility{ATR: 2, ATRMA: 1, ADX: 40, PlusDI: 30, MinusDI: 10}, 1},
	}
	for _, tc := range cases {
		if got := OptimalLeverage(tc.side, tc.v, 3); math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("%s: expected %.2f, got %.4f", tc.name, tc.want, got)
		}
	}
}

func TestAdaptiveRisk(t *testing.T) {
	losing := []float64{-1, -1, -1, 1, -1, -1, -1, -1, 1, -1}
	if got := AdaptiveRisk(0.02, losing); math.Abs(got-0.016) > 1e-12 {
		t.Fatalf("losing streak: expected 0.016, got %.4f", got)
	}
	winning := []float64{1, 1, 1, 1, -1, 1, 1}
	if got := AdaptiveRisk(0.02, winning); math.Abs(got-0.024) > 1e-12 {
		t.Fatalf("winning streak: expected 0.024, got %.4f", got)
	}
	if got := AdaptiveRisk(0.02, nil); got != 0.02 {
		t.Fatalf("no history should not adapt, got %.4f", got)
	}
}

func TestEquityCurve(t *testing.T) {
	e := NewEquityCurve(1000)
	e.Record(200)  // 1200 peak
	e.Record(-300) // 900 → 25%
	e.Record(500)  // 1400

	if math.Abs(e.MaxDrawdown()-0.25) > 1e-12 {
		t.Fatalf("expected 25%% drawdown, got %.4f", e.MaxDrawdown())
	}
	if e.Realized() != 400 {
		t.Fatalf("expected realized 400, got %.2f", e.Realized())
	}
	if pts := e.Points(); len(pts) != 4 || pts[3] != 1400 {
		t.Fatalf("unexpected points %v", pts)
	}
}
