package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/DaniilMusin/btc-technical/internal/model"
	"github.com/DaniilMusin/btc-technical/internal/resilience"
)

func openIntent(side model.Side, size, price float64) model.OrderIntent {
	return model.OrderIntent{
		ClientID: "c-open", Kind: model.IntentOpen, Symbol: "BTC-USDT",
		Side: side, RequestedSize: size, PriceHint: price, StopPrice: price * 0.95, Leverage: 2,
	}
}

func closeIntent(side model.Side, size, price float64) model.OrderIntent {
	return model.OrderIntent{
		ClientID: "c-close", Kind: model.IntentClose, Symbol: "BTC-USDT",
		Side: side, RequestedSize: size, PriceHint: price,
	}
}

func TestSimBroker_RoundTripLedger(t *testing.T) {
	ctx := context.Background()
	b := NewSimBroker(SimConfig{InitialBalance: 1000, FeeRate: 0.00035})

	f, err := b.Submit(ctx, openIntent(model.SideLong, 1, 100))
	if err != nil || f.Status != model.FillFilled {
		t.Fatalf("open: %+v %v", f, err)
	}
	if f.ClientID != "c-open" || f.FilledPrice != 100 {
		t.Fatalf("unexpected open fill %+v", f)
	}
	if pos, _ := b.Position(ctx, "BTC-USDT"); pos == nil || pos.Size != 1 {
		t.Fatalf("expected open position, got %+v", pos)
	}

	f, err = b.Submit(ctx, closeIntent(model.SideLong, 1, 110))
	if err != nil || f.Status != model.FillFilled {
		t.Fatalf("close: %+v %v", f, err)
	}
	bal, _ := b.AccountBalance(ctx)
	if math.Abs(bal-1009.9265) > 1e-9 {
		t.Fatalf("expected balance 1009.9265, got %.10f", bal)
	}
	if pos, _ := b.Position(ctx, "BTC-USDT"); pos != nil {
		t.Fatalf("expected flat after close, got %+v", pos)
	}
	if n := len(b.Fills()); n != 2 {
		t.Fatalf("expected 2 fills, got %d", n)
	}
}

func TestSimBroker_ShortWithSlippage(t *testing.T) {
	ctx := context.Background()
	b := NewSimBroker(SimConfig{InitialBalance: 1000, SlippageBps: 10})

	f, _ := b.Submit(ctx, openIntent(model.SideShort, 1, 100))
	if math.Abs(f.FilledPrice-99.9) > 1e-9 {
		t.Fatalf("short entry sells lower: expected 99.9, got %.4f", f.FilledPrice)
	}
	f, _ = b.Submit(ctx, closeIntent(model.SideShort, 1, 90))
	if math.Abs(f.FilledPrice-90.09) > 1e-9 {
		t.Fatalf("short exit buys higher: expected 90.09, got %.4f", f.FilledPrice)
	}
}

func TestSimBroker_Rejections(t *testing.T) {
	ctx := context.Background()
	b := NewSimBroker(SimConfig{InitialBalance: 100, MaxLeverage: 3})

	if f, _ := b.Submit(ctx, openIntent(model.SideLong, 10, 100)); f.Status != model.FillRejected {
		t.Fatalf("notional 1000 > 300 should be rejected, got %s", f.Status)
	}
	if f, _ := b.Submit(ctx, closeIntent(model.SideLong, 1, 100)); f.Status != model.FillRejected {
		t.Fatalf("close without position should be rejected, got %s", f.Status)
	}
	b.Submit(ctx, openIntent(model.SideLong, 1, 100))
	if f, _ := b.Submit(ctx, openIntent(model.SideLong, 1, 100)); f.Status != model.FillRejected {
		t.Fatalf("second open should be rejected, got %s", f.Status)
	}
	if bal, _ := b.AccountBalance(ctx); math.Abs(bal-(100-0.035)) > 1e-9 {
		t.Fatalf("only the accepted open may touch the ledger, balance=%.6f", bal)
	}
}

func TestSimBroker_AdjustStop(t *testing.T) {
	ctx := context.Background()
	b := NewDryRun(SimConfig{InitialBalance: 1000})
	if b.Name() != "dryrun" {
		t.Fatalf("expected dryrun name, got %s", b.Name())
	}
	b.Submit(ctx, openIntent(model.SideLong, 1, 100))

	f, _ := b.Submit(ctx, model.OrderIntent{ClientID: "adj", Kind: model.IntentAdjustStop, StopPrice: 99})
	if f.Status != model.FillFilled {
		t.Fatalf("adjust_stop: %+v", f)
	}
	pos, _ := b.Position(ctx, "")
	if pos.StopPrice != 99 {
		t.Fatalf("expected stop 99, got %.2f", pos.StopPrice)
	}
}

func TestSimBroker_UsesIntentTime(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	in := openIntent(model.SideLong, 1, 100)
	in.TS = ts
	f, _ := NewSimBroker(SimConfig{InitialBalance: 1000}).Submit(context.Background(), in)
	if !f.TS.Equal(ts) {
		t.Fatalf("expected fill ts %v, got %v", ts, f.TS)
	}
}

// flaky fails the first n calls with err.
type flaky struct {
	*SimBroker
	fails int
	err   error
	calls int
}

func (f *flaky) Submit(ctx context.Context, in model.OrderIntent) (model.Fill, error) {
	f.calls++
	if f.calls <= f.fails {
		return model.Fill{}, f.err
	}
	return model.Fill{ClientID: in.ClientID, Status: model.FillFilled}, nil
}

var fastBackoff = resilience.Backoff{Base: time.Millisecond, Max: time.Millisecond}

func TestRetrying_TransientThenSuccess(t *testing.T) {
	fb := &flaky{SimBroker: NewSimBroker(SimConfig{}), fails: 2, err: fmt.Errorf("%w: 502", ErrExchangeUnavailable)}
	r := NewRetrying(fb, 4, fastBackoff)

	f, err := r.Submit(context.Background(), openIntent(model.SideLong, 1, 100))
	if err != nil || f.Status != model.FillFilled {
		t.Fatalf("expected success after retries, got %+v %v", f, err)
	}
	if fb.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", fb.calls)
	}
}

func TestRetrying_BoundedAttempts(t *testing.T) {
	fb := &flaky{SimBroker: NewSimBroker(SimConfig{}), fails: 100, err: ErrExchangeUnavailable}
	r := NewRetrying(fb, 3, fastBackoff)

	_, err := r.Submit(context.Background(), openIntent(model.SideLong, 1, 100))
	if !errors.Is(err, ErrExchangeUnavailable) {
		t.Fatalf("expected ErrExchangeUnavailable, got %v", err)
	}
	if fb.calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", fb.calls)
	}
}

func TestRetrying_NoRetryOnRejectOrAuth(t *testing.T) {
	for _, e := range []error{ErrOrderRejected, ErrAuth} {
		fb := &flaky{SimBroker: NewSimBroker(SimConfig{}), fails: 100, err: e}
		r := NewRetrying(fb, 5, fastBackoff)
		if _, err := r.Submit(context.Background(), openIntent(model.SideLong, 1, 100)); !errors.Is(err, e) {
			t.Fatalf("expected %v, got %v", e, err)
		}
		if fb.calls != 1 {
			t.Fatalf("%v must not be retried, got %d calls", e, fb.calls)
		}
	}
}

func TestGuarded_OpensOnTransientFailures(t *testing.T) {
	fb := &flaky{SimBroker: NewSimBroker(SimConfig{}), fails: 100, err: ErrExchangeUnavailable}
	g := NewGuarded(fb, 2, time.Minute, nil)
	ctx := context.Background()

	g.Submit(ctx, openIntent(model.SideLong, 1, 100))
	g.Submit(ctx, openIntent(model.SideLong, 1, 100))
	if g.State() != resilience.StateOpen {
		t.Fatalf("expected open breaker, got %v", g.State())
	}

	_, err := g.Submit(ctx, openIntent(model.SideLong, 1, 100))
	if !errors.Is(err, ErrExchangeUnavailable) || !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("expected fast-fail unavailable, got %v", err)
	}
	if fb.calls != 2 {
		t.Fatalf("open breaker must not reach the broker, calls=%d", fb.calls)
	}
}

func TestGuarded_RejectionsDoNotTrip(t *testing.T) {
	fb := &flaky{SimBroker: NewSimBroker(SimConfig{}), fails: 100, err: ErrOrderRejected}
	g := NewGuarded(fb, 1, time.Minute, nil)
	g.Submit(context.Background(), openIntent(model.SideLong, 1, 100))
	if g.State() != resilience.StateClosed {
		t.Fatal("rejections must not trip the breaker")
	}
}

func TestRejectedFill(t *testing.T) {
	in := openIntent(model.SideLong, 1, 100)
	f := RejectedFill(in, ErrOrderRejected)
	if f.Status != model.FillRejected || f.ClientID != in.ClientID {
		t.Fatalf("unexpected fill %+v", f)
	}
}
