package backtest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/DaniilMusin/btc-technical/internal/engine"
	"github.com/DaniilMusin/btc-technical/internal/execution"
	"github.com/DaniilMusin/btc-technical/internal/indicator"
	"github.com/DaniilMusin/btc-technical/internal/marketdata/replay"
	"github.com/DaniilMusin/btc-technical/internal/model"
	"github.com/DaniilMusin/btc-technical/internal/risk"
	"github.com/DaniilMusin/btc-technical/internal/strategy"
)

var t0 = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

func testConfig() Config {
	cfg := DefaultConfig("BTC-USDT", "1m")
	cfg.Strategy = "ema_crossover"
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return cfg
}

// swings produces slow cycles with some bar-to-bar noise so crossovers fire.
func swings(n int) []model.Candle {
	out := make([]model.Candle, n)
	prev := 100.0
	for i := range out {
		p := 100 + 8*math.Sin(float64(i)/15) + 0.4*math.Sin(float64(i)*1.7)
		out[i] = model.Candle{
			Symbol: "BTC-USDT", Interval: "1m",
			TS:   t0.Add(time.Duration(i) * time.Minute),
			Open: prev, High: math.Max(prev, p) + 0.3, Low: math.Min(prev, p) - 0.3, Close: p,
			Volume: 10 + float64(i%7),
		}
		prev = p
	}
	return out
}

func TestRun_TooFewRowsIsEmpty(t *testing.T) {
	res, err := Run(context.Background(), swings(150), testConfig())
	if err != nil {
		t.Fatalf("too few rows must not be an error: %v", err)
	}
	if !res.Empty() || len(res.Trades) != 0 {
		t.Fatalf("expected empty result, got %+v", res)
	}
}

func TestRun_BadPricesIsEmpty(t *testing.T) {
	candles := swings(300)
	candles[10].Low = -1
	res, err := Run(context.Background(), candles, testConfig())
	if err != nil || !res.Empty() {
		t.Fatalf("expected empty result without error, got %+v, %v", res, err)
	}
}

func TestRunCSV_MissingColumnIsEmpty(t *testing.T) {
	csv := "timestamp,open,high,low,close\n1700000000,1,1,1,1\n"
	res, err := RunCSV(context.Background(), strings.NewReader(csv), testConfig())
	if err != nil || !res.Empty() {
		t.Fatalf("expected empty result without error, got %+v, %v", res, err)
	}
}

func TestRunCSV_CaseInsensitiveColumns(t *testing.T) {
	var b strings.Builder
	b.WriteString("Timestamp,OPEN,High,low,Close,VOLUME\n")
	for _, c := range swings(250) {
		fmt.Fprintf(&b, "%d,%f,%f,%f,%f,%f\n", c.TS.Unix(), c.Open, c.High, c.Low, c.Close, c.Volume)
	}
	res, err := RunCSV(context.Background(), strings.NewReader(b.String()), testConfig())
	if err != nil {
		t.Fatalf("RunCSV: %v", err)
	}
	if res.Bars != 250 {
		t.Fatalf("expected 250 bars replayed, got %d", res.Bars)
	}
}

func TestRun_Deterministic(t *testing.T) {
	candles := swings(800)
	a, err := Run(context.Background(), candles, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	b, err := Run(context.Background(), candles, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	if a.Stats.Trades == 0 {
		t.Fatal("dataset should produce trades")
	}
	if !reflect.DeepEqual(a.Trades, b.Trades) || a.FinalBalance != b.FinalBalance {
		t.Fatalf("runs differ: %d trades/%.8f vs %d trades/%.8f",
			len(a.Trades), a.FinalBalance, len(b.Trades), b.FinalBalance)
	}
}

func TestRun_LedgerMatchesFeeModel(t *testing.T) {
	cfg := testConfig()
	res, err := Run(context.Background(), swings(800), cfg)
	if err != nil {
		t.Fatal(err)
	}

	var sum float64
	for i, tr := range res.Trades {
		want := model.RealizedPnL(tr.Side, tr.EntryPrice, tr.ExitPrice, tr.Size, cfg.FeeRate)
		if math.Abs(tr.PnL-want) > 1e-9 {
			t.Fatalf("trade %d pnl %.10f, fee model gives %.10f", tr.ID, tr.PnL, want)
		}
		// balance at entry is the equity after the previous trade
		if limit := res.Equity[i] * cfg.Machine.MaxLeverage; tr.Size*tr.EntryPrice > limit*(1+1e-9) {
			t.Fatalf("trade %d notional %.2f exceeds balance × max leverage %.2f", tr.ID, tr.Size*tr.EntryPrice, limit)
		}
		sum += tr.PnL
	}

	want := res.InitialBalance + sum
	if res.OpenPosition != nil {
		want -= res.OpenPosition.EntryFee
	}
	if math.Abs(res.FinalBalance-want) > 1e-6 {
		t.Fatalf("ledger %.8f, trades imply %.8f", res.FinalBalance, want)
	}
	if res.MaxDrawdown < 0 || res.MaxDrawdown >= 1 {
		t.Fatalf("drawdown out of range: %f", res.MaxDrawdown)
	}
	if len(res.Equity) != len(res.Trades)+1 {
		t.Fatalf("equity curve should have one point per trade plus start, got %d", len(res.Equity))
	}
}

// The dry-run broker drives the same runner a live session uses; fed the
// same candles it must reach the same outcome as the backtest.
func TestRun_ParityWithDryRun(t *testing.T) {
	candles := swings(800)
	cfg := testConfig()
	bt, err := Run(context.Background(), candles, cfg)
	if err != nil {
		t.Fatal(err)
	}

	mcfg := cfg.Machine
	mcfg.Symbol, mcfg.FeeRate = cfg.Symbol, cfg.FeeRate
	limits := cfg.Limits
	limits.MaxLeverage, limits.BaseRiskPerTrade = mcfg.MaxLeverage, mcfg.BaseRiskPerTrade
	rm := risk.NewManager(limits, cfg.InitialBalance)
	broker := execution.NewDryRun(execution.SimConfig{
		InitialBalance: cfg.InitialBalance, FeeRate: cfg.FeeRate, MaxLeverage: mcfg.MaxLeverage,
	})
	rec := newRecorder(cfg.InitialBalance)
	r := engine.New(engine.Config{
		Symbol: cfg.Symbol, Interval: cfg.Interval, WarmupCandles: cfg.WarmupCandles,
		MaxGapBars: cfg.MaxGapBars, FillMode: cfg.FillMode,
	}, engine.Deps{
		Feed:       replay.New(candles),
		Broker:     broker,
		Machine:    strategy.NewMachine(mcfg, strategy.New(cfg.Strategy), rm, cfg.Logger),
		Indicators: indicator.NewEngine(cfg.Indicators),
		Risk:       rm,
		Events:     rec,
		Logger:     cfg.Logger,
	})
	if err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	dry := rec.result()
	if !reflect.DeepEqual(bt.Trades, dry.Trades) {
		t.Fatalf("dry run diverged from backtest: %d vs %d trades", len(dry.Trades), len(bt.Trades))
	}
	bal, _ := broker.AccountBalance(context.Background())
	if bal != bt.FinalBalance {
		t.Fatalf("balances differ: dry %.8f backtest %.8f", bal, bt.FinalBalance)
	}
}
