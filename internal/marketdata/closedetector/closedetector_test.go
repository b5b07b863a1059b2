package closedetector

import (
	"testing"
	"time"

	"github.com/DaniilMusin/btc-technical/internal/model"
)

var t0 = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

func update(minute int, close float64) model.Candle {
	return model.Candle{
		Symbol: "BTC-USDT", Interval: "1m",
		TS:    t0.Add(time.Duration(minute) * time.Minute),
		Open:  100, High: close, Low: 100, Close: close, Volume: 1,
	}
}

func TestBarCloser_ReleasesOnNextBar(t *testing.T) {
	b := New()

	if _, ok := b.Observe(update(0, 101)); ok {
		t.Fatal("first update must not close a bar")
	}
	if _, ok := b.Observe(update(0, 102)); ok {
		t.Fatal("same-bar update must not close a bar")
	}

	closed, ok := b.Observe(update(1, 99))
	if !ok {
		t.Fatal("expected bar 0 to close when bar 1 arrives")
	}
	if !closed.TS.Equal(t0) || closed.Close != 102 {
		t.Fatalf("expected last snapshot of bar 0 (close 102), got %+v", closed)
	}
}

func TestBarCloser_IgnoresStaleUpdate(t *testing.T) {
	b := New()
	b.Observe(update(5, 100))
	if _, ok := b.Observe(update(4, 200)); ok {
		t.Fatal("older update must not close anything")
	}
	p, _ := b.Pending()
	if p.Close != 100 {
		t.Fatalf("stale update must not overwrite pending, got %.0f", p.Close)
	}
}

func TestBarCloser_ExpireAfterGrace(t *testing.T) {
	b := New()
	b.Grace = 3 * time.Second
	b.Observe(update(0, 101))

	if _, ok := b.Expire(t0.Add(time.Minute + time.Second)); ok {
		t.Fatal("should wait for grace after bar end")
	}
	closed, ok := b.Expire(t0.Add(time.Minute + 3*time.Second))
	if !ok || closed.Close != 101 {
		t.Fatalf("expected pending bar released after grace, got ok=%v %+v", ok, closed)
	}
	if _, ok := b.Pending(); ok {
		t.Fatal("expired bar must leave nothing pending")
	}
}
