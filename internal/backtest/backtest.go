// Package backtest replays a static candle dataset through the live decision
// stream (engine.Runner) against the simulated broker.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/DaniilMusin/btc-technical/internal/engine"
	"github.com/DaniilMusin/btc-technical/internal/execution"
	"github.com/DaniilMusin/btc-technical/internal/indicator"
	"github.com/DaniilMusin/btc-technical/internal/marketdata/replay"
	"github.com/DaniilMusin/btc-technical/internal/model"
	"github.com/DaniilMusin/btc-technical/internal/risk"
	"github.com/DaniilMusin/btc-technical/internal/strategy"
)

// Config for a backtest run.
type Config struct {
	Symbol         string
	Interval       string
	InitialBalance float64
	FeeRate        float64
	SlippageBps    float64
	FillMode       string
	Strategy       string // signal source name, see strategy.New
	WarmupCandles  int
	MaxGapBars     int

	Machine    strategy.Config
	Limits     risk.Limits
	Indicators indicator.Config

	Logger *slog.Logger
}

// DefaultConfig returns the live defaults for symbol/interval.
func DefaultConfig(symbol, interval string) Config {
	return Config{
		Symbol:         symbol,
		Interval:       interval,
		InitialBalance: 1000,
		FeeRate:        model.DefaultFeeRate,
		FillMode:       engine.FillNextOpen,
		Strategy:       "balanced",
		WarmupCandles:  300,
		MaxGapBars:     3,
		Machine:        strategy.DefaultConfig(symbol),
		Limits:         risk.DefaultLimits(),
		Indicators:     indicator.DefaultConfig(),
	}
}

// Result summarises a run. A dataset that fails validation yields the zero
// Result.
type Result struct {
	Symbol         string              `json:"symbol"`
	Interval       string              `json:"interval"`
	Bars           int64               `json:"bars"`
	Trades         []model.TradeRecord `json:"trades"`
	Stats          model.Stats         `json:"stats"`
	InitialBalance float64             `json:"initial_balance"`
	FinalBalance   float64             `json:"final_balance"`
	MaxDrawdown    float64             `json:"max_drawdown"` // fraction of peak equity
	Equity         []float64           `json:"equity"`
	Halted         bool                `json:"halted"`
	HaltReason     string              `json:"halt_reason,omitempty"`

	// OpenPosition is still open when the data ran out; its entry fee is
	// already charged to FinalBalance.
	OpenPosition *model.Position `json:"open_position,omitempty"`
}

// Empty reports whether the run produced nothing (invalid input).
func (r Result) Empty() bool { return r.Bars == 0 }

// ReturnPct is the final balance change in percent.
func (r Result) ReturnPct() float64 {
	if r.InitialBalance <= 0 {
		return 0
	}
	return (r.FinalBalance - r.InitialBalance) / r.InitialBalance * 100
}

// Run backtests candles. Too few rows or malformed candles give an empty
// Result and a nil error.
func Run(ctx context.Context, candles []model.Candle, cfg Config) (Result, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if err := validate(candles); err != nil {
		log.Warn("backtest input rejected", "error", err)
		return Result{}, nil
	}

	cfg.Machine.Symbol = cfg.Symbol
	cfg.Machine.FeeRate = cfg.FeeRate
	cfg.Limits.MaxLeverage = cfg.Machine.MaxLeverage
	cfg.Limits.BaseRiskPerTrade = cfg.Machine.BaseRiskPerTrade

	broker := execution.NewSimBroker(execution.SimConfig{
		InitialBalance: cfg.InitialBalance,
		FeeRate:        cfg.FeeRate,
		SlippageBps:    cfg.SlippageBps,
		MaxLeverage:    cfg.Machine.MaxLeverage,
	})
	rm := risk.NewManager(cfg.Limits, cfg.InitialBalance)
	machine := strategy.NewMachine(cfg.Machine, strategy.New(cfg.Strategy), rm, log)
	rec := newRecorder(cfg.InitialBalance)

	runner := engine.New(engine.Config{
		Symbol:        cfg.Symbol,
		Interval:      cfg.Interval,
		WarmupCandles: cfg.WarmupCandles,
		MaxGapBars:    cfg.MaxGapBars,
		FillMode:      cfg.FillMode,
	}, engine.Deps{
		Feed:       replay.New(candles),
		Broker:     broker,
		Machine:    machine,
		Indicators: indicator.NewEngine(cfg.Indicators),
		Risk:       rm,
		Events:     rec,
		Logger:     log,
	})
	if err := runner.Run(ctx); err != nil {
		return Result{}, fmt.Errorf("backtest: %w", err)
	}

	final, err := broker.AccountBalance(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("backtest: balance: %w", err)
	}
	res := rec.result()
	res.Symbol, res.Interval = cfg.Symbol, cfg.Interval
	res.Bars = runner.Bars()
	res.InitialBalance = cfg.InitialBalance
	res.FinalBalance = final
	res.Halted = machine.Halted()
	res.HaltReason = machine.HaltReason()
	res.OpenPosition = machine.Position()

	log.Info("backtest complete",
		"bars", res.Bars, "trades", res.Stats.Trades, "win_rate", res.Stats.WinRate,
		"pnl", res.Stats.CumulativePnL, "final_balance", final, "max_drawdown", res.MaxDrawdown)
	return res, nil
}

// RunCSV loads a CSV dataset and backtests it.
func RunCSV(ctx context.Context, r io.Reader, cfg Config) (Result, error) {
	candles, err := replay.LoadCSV(r, cfg.Symbol, cfg.Interval)
	if errors.Is(err, replay.ErrInvalidData) {
		if cfg.Logger != nil {
			cfg.Logger.Warn("backtest input rejected", "error", err)
		} else {
			slog.Warn("backtest input rejected", "error", err)
		}
		return Result{}, nil
	}
	if err != nil {
		return Result{}, err
	}
	return Run(ctx, candles, cfg)
}

func validate(candles []model.Candle) error {
	if len(candles) < replay.MinRows {
		return fmt.Errorf("%w: have %d, need %d", replay.ErrTooFewRows, len(candles), replay.MinRows)
	}
	for i, c := range candles {
		if c.Open <= 0 || c.High <= 0 || c.Low <= 0 || c.Close <= 0 || c.High < c.Low || c.Volume < 0 {
			return fmt.Errorf("%w: bad prices in row %d", replay.ErrInvalidData, i)
		}
	}
	return nil
}

// recorder collects closed trades from the decision stream.
type recorder struct {
	trades []model.TradeRecord
	curve  *risk.EquityCurve
}

func newRecorder(start float64) *recorder {
	return &recorder{curve: risk.NewEquityCurve(start)}
}

func (r *recorder) Dispatch(events ...model.Event) {
	for _, ev := range events {
		if ev.Kind != model.EventTradeClosed || ev.Trade == nil {
			continue
		}
		t := *ev.Trade
		t.ID = int64(len(r.trades) + 1)
		r.trades = append(r.trades, t)
		r.curve.Record(t.PnL)
	}
}

func (r *recorder) result() Result {
	var st model.Stats
	for _, t := range r.trades {
		st.Trades++
		if t.PnL > 0 {
			st.Wins++
		}
		st.CumulativePnL += t.PnL
	}
	if st.Trades > 0 {
		st.WinRate = float64(st.Wins) / float64(st.Trades) * 100
	}
	return Result{
		Trades:      r.trades,
		Stats:       st,
		MaxDrawdown: r.curve.MaxDrawdown(),
		Equity:      r.curve.Points(),
	}
}
