package archive

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"github.com/DaniilMusin/btc-technical/internal/model"
	"github.com/DaniilMusin/btc-technical/internal/resilience"
)

var t0 = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

func candle(min int, close float64) model.Candle {
	return model.Candle{
		Symbol: "BTC-USDT", Interval: "1m",
		TS:   t0.Add(time.Duration(min) * time.Minute),
		Open: close, High: close + 1, Low: close - 1, Close: close, Volume: 2,
	}
}

func openSQLite(t *testing.T, months int) *SQLite {
	t.Helper()
	s, err := OpenSQLite(SQLiteConfig{
		Path:            filepath.Join(t.TempDir(), "candles.db"),
		RetentionMonths: months,
		FlushDelay:      time.Hour, // flush explicitly in tests
	})
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLite_ArchiveAndRead(t *testing.T) {
	s := openSQLite(t, 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.Archive(ctx, candle(i, float64(100+i))); err != nil {
			t.Fatalf("archive: %v", err)
		}
	}
	// re-archiving the same bar replaces it
	s.Archive(ctx, candle(2, 200))

	got, err := s.ReadCandles(ctx, "BTC-USDT", "1m", t0.Add(time.Minute).Unix())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 candles from minute 1, got %d", len(got))
	}
	if got[1].Close != 200 || !got[1].TS.Equal(t0.Add(2*time.Minute)) {
		t.Fatalf("unexpected last candle %+v", got[1])
	}
}

func TestSQLite_FlushesWhenBatchFull(t *testing.T) {
	s := openSQLite(t, 0)
	s.cfg.BatchSize = 2
	ctx := context.Background()
	s.Archive(ctx, candle(0, 1))
	s.Archive(ctx, candle(1, 2))

	var n int
	if err := s.DB().QueryRow(`SELECT COUNT(*) FROM candles`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected batch committed at size 2, got %d rows", n)
	}
}

func TestSQLite_RetentionPrune(t *testing.T) {
	s := openSQLite(t, 3)
	ctx := context.Background()
	s.now = func() time.Time { return t0.AddDate(0, 4, 0) }

	old := candle(0, 1)
	recent := candle(0, 2)
	recent.TS = t0.AddDate(0, 2, 0)
	s.Archive(ctx, old)
	s.Archive(ctx, recent)
	if err := s.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	got, err := s.ReadCandles(ctx, "BTC-USDT", "1m", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Close != 2 {
		t.Fatalf("expected only the recent candle to survive, got %+v", got)
	}
}

type fakeArchiver struct {
	err    error
	got    int
	closed bool
}

func (f *fakeArchiver) Archive(context.Context, model.Candle) error { f.got++; return f.err }
func (f *fakeArchiver) Close() error                                { f.closed = true; return nil }

func TestMulti_AttemptsAll(t *testing.T) {
	boom := errors.New("boom")
	a, b := &fakeArchiver{err: boom}, &fakeArchiver{}
	m := Multi{a, b}

	if err := m.Archive(context.Background(), candle(0, 1)); !errors.Is(err, boom) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if b.got != 1 {
		t.Fatal("second archiver must still receive the candle")
	}
	m.Close()
	if !a.closed || !b.closed {
		t.Fatal("expected all archivers closed")
	}
}

func TestRedis_BuffersWhileDown(t *testing.T) {
	client := goredis.NewClient(&goredis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	r := newRedis(client, RedisConfig{MaxFailures: 2, ResetTimeout: time.Hour, BufferSize: 10})
	defer r.Close()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := r.Archive(ctx, candle(i, 1)); err == nil {
			t.Fatalf("write %d: expected error while redis is down", i)
		}
	}
	if r.BreakerState() != resilience.StateOpen {
		t.Fatalf("expected open circuit, got %s", r.BreakerState())
	}
	if err := r.Publish(ctx, model.AlertEvent("BTC-USDT", model.SeverityInfo, "hi", t0)); err != nil {
		t.Fatalf("open circuit should buffer silently, got %v", err)
	}
	if r.PendingCount() != 3 {
		t.Fatalf("expected 3 buffered writes, got %d", r.PendingCount())
	}
}

func TestRedis_Live(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	r, err := NewRedis(ctx, RedisConfig{Addr: addr})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer r.Close()

	c := candle(0, 42)
	c.Symbol = "TEST-" + time.Now().Format("150405.000")
	if err := r.Archive(ctx, c); err != nil {
		t.Fatalf("archive: %v", err)
	}
	stream := CandleStream(c.Symbol, c.Interval)
	defer r.Client().Del(ctx, stream, "candle:latest:"+c.Symbol+":"+c.Interval)

	n, err := r.Client().XLen(ctx, stream).Result()
	if err != nil || n != 1 {
		t.Fatalf("expected 1 stream entry, got %d err=%v", n, err)
	}
}
