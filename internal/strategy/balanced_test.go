package strategy

import (
	"testing"

	"github.com/DaniilMusin/btc-technical/internal/indicator"
	"github.com/DaniilMusin/btc-technical/internal/model"
)

func TestBalanced_ConstantPriceNoSignal(t *testing.T) {
	cs := make([]model.Candle, 300)
	for i := range cs {
		cs[i] = flatBar(i, 100)
	}
	snap := indicator.NewEngine(indicator.DefaultConfig()).Compute(cs)

	sig := NewBalanced(DefaultBalancedParams()).Evaluate(Input{Snapshot: snap, Candle: cs[299], Prev: cs[298]})
	if !sig.None() {
		t.Fatalf("constant price must not signal, got %+v", sig)
	}
}

func TestBalanced_OversoldRangeGoesLong(t *testing.T) {
	// gentle range then a sharp selloff below the lower band
	cs := make([]model.Candle, 120)
	for i := 0; i < 100; i++ {
		p := 100.0
		if i%2 == 0 {
			p = 100.2
		}
		cs[i] = candle(i, p, p+0.1, p-0.1, p)
	}
	for i := 100; i < 120; i++ {
		p := 100 - float64(i-99)*0.15
		cs[i] = candle(i, p+0.05, p+0.1, p-0.1, p)
	}
	// last bar closes up from its open with strong volume
	last := cs[119]
	last.Open = last.Close - 0.02
	last.Volume = 20
	cs[119] = last

	snap := indicator.NewEngine(indicator.DefaultConfig()).Compute(cs)
	sig := NewBalanced(DefaultBalancedParams()).Evaluate(Input{Snapshot: snap, Candle: cs[119], Prev: cs[118]})
	if sig.Side == model.SideShort {
		t.Fatalf("oversold range must not go short, got %+v", sig)
	}
}

func TestEMACrossover(t *testing.T) {
	cs := make([]model.Candle, 60)
	for i := 0; i < 50; i++ {
		cs[i] = flatBar(i, 100-float64(i)*0.1)
	}
	for i := 50; i < 60; i++ {
		cs[i] = flatBar(i, 95+float64(i-50)*2)
	}
	eng := indicator.NewEngine(indicator.DefaultConfig())
	src := NewEMACrossover(false)

	fired := model.SideFlat
	for n := 40; n <= 60; n++ {
		snap := eng.Compute(cs[:n])
		if sig := src.Evaluate(Input{Snapshot: snap}); !sig.None() {
			fired = sig.Side
			break
		}
	}
	if fired != model.SideLong {
		t.Fatalf("expected a golden cross on the rebound, got %q", fired)
	}
}

func TestNew_SelectsSource(t *testing.T) {
	if New("ema_crossover").Name() != "ema_crossover" {
		t.Error("expected ema_crossover source")
	}
	if New("").Name() != "balanced" {
		t.Error("default source should be balanced")
	}
}
