// Package engine runs the decision stream: one goroutine that takes closed
// candles from a feed, keeps the candle store and indicator snapshot, drives
// the strategy state machine and submits its intents to a broker.
//
// The same Runner serves live trading, dry runs and backtests; only the feed
// and the broker differ.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/DaniilMusin/btc-technical/internal/candlestore"
	"github.com/DaniilMusin/btc-technical/internal/execution"
	"github.com/DaniilMusin/btc-technical/internal/indicator"
	"github.com/DaniilMusin/btc-technical/internal/logger"
	"github.com/DaniilMusin/btc-technical/internal/marketdata"
	"github.com/DaniilMusin/btc-technical/internal/metrics"
	"github.com/DaniilMusin/btc-technical/internal/model"
	"github.com/DaniilMusin/btc-technical/internal/risk"
	"github.com/DaniilMusin/btc-technical/internal/strategy"
)

// ErrReconciliation means the exchange state could not be established after
// a submit timeout. Trading halts.
var ErrReconciliation = errors.New("reconciliation failed")

// Fill modes.
const (
	// FillNextOpen defers entries to the open of the following bar.
	FillNextOpen = "next_open"
	// FillClose submits entries at the close of the signal bar.
	FillClose = "close"
)

// Config for a Runner.
type Config struct {
	Symbol   string
	Interval string

	// WarmupCandles is the candle store capacity.
	WarmupCandles int
	// MaxGapBars is the largest hole the indicators are computed across.
	// A bigger gap resets the store and forces a new warm-up.
	MaxGapBars int

	FillMode      string
	SubmitTimeout time.Duration

	// Live enables wall-clock lag tracking and health updates meant for a
	// real-time feed.
	Live bool
}

func (c *Config) defaults() {
	if c.WarmupCandles <= 0 {
		c.WarmupCandles = 300
	}
	if c.FillMode == "" {
		c.FillMode = FillClose
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 30 * time.Second
	}
}

// EventSink receives the domain events produced by each decision cycle.
// notification.Dispatcher implements it.
type EventSink interface {
	Dispatch(events ...model.Event)
}

// Deps are the Runner's collaborators. Archiver, Events, Risk, Metrics and
// Health are optional.
type Deps struct {
	Feed       marketdata.Feed
	Broker     execution.Broker
	Machine    *strategy.Machine
	Indicators *indicator.Engine
	Risk       *risk.Manager
	Archiver   model.CandleArchiver
	Events     EventSink
	Metrics    *metrics.Metrics
	Health     *metrics.HealthStatus
	Logger     *slog.Logger
}

// Runner is the orchestrator. Run must be called at most once.
type Runner struct {
	cfg     Config
	feed    marketdata.Feed
	broker  execution.Broker
	machine *strategy.Machine
	ind     *indicator.Engine
	risk    *risk.Manager
	archive model.CandleArchiver
	events  EventSink
	prom    *metrics.Metrics
	health  *metrics.HealthStatus
	log     *slog.Logger
	now     func() time.Time

	store    *candlestore.Store
	bar      int64
	balance  float64
	day      int
	deferred []model.OrderIntent // entries waiting for the next open

	bg sync.WaitGroup // stop adjustments in flight
}

// New wires a Runner.
func New(cfg Config, d Deps) *Runner {
	cfg.defaults()
	if d.Indicators == nil {
		d.Indicators = indicator.NewEngine(indicator.DefaultConfig())
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New(prometheus.NewRegistry())
	}
	if d.Health == nil {
		d.Health = metrics.NewHealthStatus()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Runner{
		cfg:     cfg,
		feed:    d.Feed,
		broker:  d.Broker,
		machine: d.Machine,
		ind:     d.Indicators,
		risk:    d.Risk,
		archive: d.Archiver,
		events:  d.Events,
		prom:    d.Metrics,
		health:  d.Health,
		log:     d.Logger.With("component", "engine", "symbol", cfg.Symbol, "broker", d.Broker.Name()),
		now:     time.Now,
		store:   candlestore.New(cfg.Symbol, cfg.Interval, cfg.WarmupCandles),
		day:     -1,
	}
}

// Preload seeds the candle store with history (REST backfill or archive)
// without trading on it.
func (r *Runner) Preload(candles []model.Candle) int {
	n := 0
	for _, c := range candles {
		if err := r.store.Append(c); err != nil {
			continue
		}
		r.bar++
		n++
	}
	r.log.Info("candle store preloaded", "candles", n, "retained", r.store.Len())
	return n
}

// Balance returns the balance read in the latest cycle.
func (r *Runner) Balance() float64 { return r.balance }

// Bars returns the number of candles accepted so far.
func (r *Runner) Bars() int64 { return r.bar }

// Run consumes the feed until it is exhausted or ctx is cancelled. A
// cancelled context is a clean shutdown and returns nil.
func (r *Runner) Run(ctx context.Context) error {
	defer r.shutdown(ctx)

	if b, err := r.broker.AccountBalance(ctx); err == nil {
		r.balance = b
	} else {
		r.log.Warn("initial balance unavailable", "error", err)
	}
	r.syncStartup(ctx)
	r.log.Info("decision stream started",
		"interval", r.cfg.Interval, "fill_mode", r.cfg.FillMode, "warmup", r.cfg.WarmupCandles)

	for {
		c, err := r.feed.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("feed: %w", err)
		}
		r.process(ctx, c)
	}
}

// syncStartup adopts the position the exchange already holds and cancels
// orders left working by an earlier run, so a restart never stacks a second
// position on top of the first. Without a position answer trading halts.
func (r *Runner) syncStartup(ctx context.Context) {
	qctx, cancel := context.WithTimeout(ctx, r.cfg.SubmitTimeout)
	defer cancel()

	pos, err := r.broker.Position(qctx, r.cfg.Symbol)
	if err != nil {
		r.halt(ctx, fmt.Sprintf("startup position check failed: %v", err))
		return
	}
	if pos != nil && pos.Size > 0 {
		d := r.machine.Resync(pos)
		r.emit(d.Events)
		r.log.Warn("exchange position adopted at startup",
			"side", pos.Side, "size", pos.Size, "entry", pos.EntryPrice)
	}

	orders, err := r.broker.OpenOrders(qctx, r.cfg.Symbol)
	if err != nil {
		r.log.Warn("startup open orders unavailable", "error", err)
		return
	}
	for _, o := range orders {
		if err := r.broker.CancelOrder(qctx, r.cfg.Symbol, o.OrderID); err != nil {
			r.log.Warn("stale order cancel failed", "order_id", o.OrderID, "type", o.Type, "error", err)
			continue
		}
		r.log.Info("stale order cancelled", "order_id", o.OrderID, "type", o.Type, "client_id", o.ClientID)
	}
}

// shutdown drops entries that never reached the broker, waits for stop
// adjustments, and closes the feed.
func (r *Runner) shutdown(ctx context.Context) {
	if len(r.deferred) > 0 {
		r.cancelDeferred(context.WithoutCancel(ctx), "shutdown")
	}
	r.bg.Wait()
	if err := r.feed.Close(); err != nil {
		r.log.Warn("feed close", "error", err)
	}
	r.log.Info("decision stream stopped",
		"bars", r.bar, "state", r.machine.State(), "balance", r.balance)
}

// process runs one decision cycle for a closed candle.
func (r *Runner) process(ctx context.Context, c model.Candle) {
	start := r.now()
	ctx = logger.WithCycleID(ctx, logger.NewCycleID(c.Symbol, c.TS))

	gap := 0
	if g, ok := r.feed.(marketdata.GapReporter); ok {
		gap = g.Gap()
	}
	if gap > 0 {
		r.onGap(ctx, c, gap)
	}

	if err := r.store.Append(c); err != nil {
		r.prom.CandlesRejected.Inc()
		r.logc(ctx, slog.LevelWarn, "candle rejected", "ts", c.TS, "error", err)
		return
	}
	r.bar++
	r.prom.CandlesTotal.Inc()
	r.health.SetLastCandleTime(c.TS)
	if r.cfg.Live {
		r.prom.CandleLag.Set(start.Sub(c.TS.Add(model.IntervalDuration(c.Interval))).Seconds())
	}

	if r.archive != nil {
		if err := r.archive.Archive(ctx, c); err != nil {
			r.prom.ArchiveErrors.Inc()
			r.logc(ctx, slog.LevelWarn, "archive failed", "error", err)
		}
	}

	r.rollDay(c.TS)
	r.readBalance(ctx)

	// deferred entries execute at this bar's open, before the bar is judged
	if len(r.deferred) > 0 {
		r.submitDeferred(ctx, c)
	}

	snap := r.ind.Compute(r.store.All())
	if snap.Ready() {
		r.prom.IndicatorsWarming.Set(0)
	} else {
		r.prom.IndicatorsWarming.Set(1)
		r.logc(ctx, slog.LevelDebug, "indicators warming up", "have", r.store.Len(), "need", r.ind.WarmupBars())
	}

	d := r.machine.OnBar(r.bar, c, snap, r.balance)
	r.emit(d.Events)
	r.execute(ctx, c, d.Intents)

	r.publishState()
	r.prom.DecisionDur.Observe(r.now().Sub(start).Seconds())
}

func (r *Runner) onGap(ctx context.Context, c model.Candle, gap int) {
	r.prom.GapsTotal.Inc()
	r.prom.MissedBars.Add(float64(gap))
	if gap <= r.cfg.MaxGapBars {
		r.logc(ctx, slog.LevelWarn, "gap in candle stream", "missed_bars", gap, "ts", c.TS)
		return
	}
	r.logc(ctx, slog.LevelWarn, "gap too large, restarting warm-up",
		"missed_bars", gap, "max_gap_bars", r.cfg.MaxGapBars, "ts", c.TS)
	r.store.Reset()
	r.prom.WarmupResets.Inc()
	if len(r.deferred) > 0 {
		r.cancelDeferred(ctx, fmt.Sprintf("gap of %d bars", gap))
	}
}

// rollDay resets the daily loss counter on the first bar of a UTC day.
func (r *Runner) rollDay(ts time.Time) {
	day := ts.UTC().YearDay() + 1000*ts.UTC().Year()
	if day == r.day {
		return
	}
	if r.day != -1 && r.risk != nil {
		st := r.risk.Status()
		r.log.Info("daily risk reset", "daily_pnl", st.DailyPnL, "equity", st.Equity, "drawdown_pct", st.DrawdownPct)
		r.risk.ResetDaily()
	}
	r.day = day
}

func (r *Runner) readBalance(ctx context.Context) {
	b, err := r.broker.AccountBalance(ctx)
	if err != nil {
		r.logc(ctx, slog.LevelWarn, "balance unavailable, using last known", "balance", r.balance, "error", err)
		return
	}
	r.balance = b
	r.prom.Balance.Set(b)
	if r.risk != nil {
		r.risk.SyncEquity(b)
	}
}

// execute submits intents in order. open and close block until the broker
// reports; the machine's follow-up intents (retries, remainders) are
// submitted in the same cycle.
func (r *Runner) execute(ctx context.Context, c model.Candle, intents []model.OrderIntent) {
	queue := append([]model.OrderIntent(nil), intents...)
	for len(queue) > 0 {
		in := queue[0]
		queue = queue[1:]
		in.TS = c.TS

		switch {
		case in.Kind == model.IntentAdjustStop:
			r.adjustStop(ctx, in)
			continue
		case in.Kind == model.IntentOpen && r.cfg.FillMode == FillNextOpen:
			r.deferred = append(r.deferred, in)
			r.logc(ctx, slog.LevelInfo, "entry deferred to next open", "client_id", in.ClientID)
			continue
		}
		queue = append(queue, r.submit(ctx, in)...)
	}
}

func (r *Runner) submitDeferred(ctx context.Context, c model.Candle) {
	pending := r.deferred
	r.deferred = nil
	for _, in := range pending {
		in.TS = c.TS
		in.PriceHint = c.Open
		follow := r.submit(ctx, in)
		r.execute(ctx, c, follow)
	}
}

func (r *Runner) cancelDeferred(ctx context.Context, reason string) {
	pending := r.deferred
	r.deferred = nil
	for _, in := range pending {
		f := model.Fill{ClientID: in.ClientID, Kind: in.Kind, TS: in.TS, Status: model.FillCancelled, Reason: reason}
		r.logc(ctx, slog.LevelWarn, "deferred entry cancelled", "client_id", in.ClientID, "reason", reason)
		d := r.machine.OnFill(f)
		r.emit(d.Events)
	}
}

// submit sends one blocking intent and feeds the outcome to the machine.
// It returns the intents the machine produced in response.
func (r *Runner) submit(ctx context.Context, in model.OrderIntent) []model.OrderIntent {
	r.prom.IntentsTotal.WithLabelValues(string(in.Kind)).Inc()
	l := []any{"kind", in.Kind, "side", in.Side, "size", in.RequestedSize, "price_hint", in.PriceHint, "client_id", in.ClientID}
	r.logc(ctx, slog.LevelInfo, "submitting intent", l...)

	// stop adjustments land before the next open or close
	r.bg.Wait()

	// an in-flight order outlives shutdown, bounded by the submit timeout
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.SubmitTimeout)
	start := r.now()
	fill, err := r.broker.Submit(sctx, in)
	cancel()
	r.prom.SubmitLatency.Observe(r.now().Sub(start).Seconds())

	if err != nil {
		r.prom.SubmitErrors.WithLabelValues(errClass(err)).Inc()
		switch {
		case errors.Is(err, execution.ErrAuth):
			r.logc(ctx, slog.LevelError, "broker authentication failed", append(l, "error", err)...)
			r.halt(ctx, fmt.Sprintf("broker authentication failed: %v", err))
			return nil
		case errors.Is(err, execution.ErrSubmitTimeout):
			r.logc(ctx, slog.LevelWarn, "submit timed out, reconciling", append(l, "error", err)...)
			follow, rerr := r.reconcile(ctx, in)
			if rerr != nil {
				r.logc(ctx, slog.LevelError, "reconciliation failed", "error", rerr)
				r.halt(ctx, rerr.Error())
			}
			return follow
		}
		r.logc(ctx, slog.LevelWarn, "submit failed", append(l, "error", err)...)
		fill = execution.RejectedFill(in, err)
	}

	r.prom.FillsTotal.WithLabelValues(string(in.Kind), string(fill.Status)).Inc()
	r.logc(ctx, slog.LevelInfo, "fill",
		"kind", in.Kind, "status", fill.Status, "filled_size", fill.FilledSize,
		"filled_price", fill.FilledPrice, "fee", fill.Fee, "reason", fill.Reason, "client_id", in.ClientID)

	d := r.machine.OnFill(fill)
	r.emit(d.Events)
	if r.machine.Halted() {
		r.markHalted()
	}
	return d.Intents
}

// adjustStop is fire-and-forget on a live feed: the machine already moved
// its stop, the exchange-side order follows. Replays apply it inline so the
// simulated book sees orders in decision order.
func (r *Runner) adjustStop(ctx context.Context, in model.OrderIntent) {
	r.prom.IntentsTotal.WithLabelValues(string(in.Kind)).Inc()
	base := context.WithoutCancel(ctx)
	if !r.cfg.Live {
		r.applyStop(base, in)
		return
	}
	r.bg.Add(1)
	go func() {
		defer r.bg.Done()
		r.applyStop(base, in)
	}()
}

func (r *Runner) applyStop(ctx context.Context, in model.OrderIntent) {
	sctx, cancel := context.WithTimeout(ctx, r.cfg.SubmitTimeout)
	defer cancel()
	fill, err := r.broker.Submit(sctx, in)
	if err != nil {
		r.prom.SubmitErrors.WithLabelValues(errClass(err)).Inc()
		r.logc(ctx, slog.LevelWarn, "stop adjustment failed", "stop", in.StopPrice, "error", err)
		return
	}
	r.prom.FillsTotal.WithLabelValues(string(in.Kind), string(fill.Status)).Inc()
	if fill.Status != model.FillFilled {
		r.logc(ctx, slog.LevelWarn, "stop adjustment not accepted", "stop", in.StopPrice, "status", fill.Status, "reason", fill.Reason)
		return
	}
	r.logc(ctx, slog.LevelDebug, "stop adjusted", "stop", in.StopPrice)
}

// reconcile establishes the exchange truth after a submit timeout and
// resyncs the machine with it. It returns the machine's follow-up intents.
func (r *Runner) reconcile(ctx context.Context, in model.OrderIntent) ([]model.OrderIntent, error) {
	qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.SubmitTimeout)
	defer cancel()

	orders, err := r.broker.OpenOrders(qctx, r.cfg.Symbol)
	if err != nil {
		return nil, fmt.Errorf("%w: open orders: %v", ErrReconciliation, err)
	}
	for _, o := range orders {
		if o.ClientID == in.ClientID {
			return nil, fmt.Errorf("%w: order %s still working after timeout", ErrReconciliation, o.OrderID)
		}
	}
	pos, err := r.broker.Position(qctx, r.cfg.Symbol)
	if err != nil {
		return nil, fmt.Errorf("%w: position: %v", ErrReconciliation, err)
	}

	d := r.machine.Resync(pos)
	side := model.SideFlat
	if pos != nil {
		side = pos.Side
	}
	msg := fmt.Sprintf("%s intent timed out; exchange reports %s", in.Kind, side)
	r.logc(ctx, slog.LevelWarn, "reconciled with exchange", "state", r.machine.State(), "exchange_side", side)
	r.emit(append([]model.Event{model.AlertEvent(r.cfg.Symbol, model.SeverityWarning, msg, in.TS)}, d.Events...))
	if r.machine.Halted() {
		r.markHalted()
	}
	return d.Intents, nil
}

func (r *Runner) halt(ctx context.Context, reason string) {
	d := r.machine.Halt(reason)
	r.emit(d.Events)
	r.markHalted()
	r.logc(ctx, slog.LevelError, "trading halted", "reason", reason)
}

func (r *Runner) markHalted() {
	r.prom.Halted.Set(1)
	r.health.SetHalted(r.machine.HaltReason())
}

// emit updates trade metrics and forwards events to the sink.
func (r *Runner) emit(events []model.Event) {
	if len(events) == 0 {
		return
	}
	for _, ev := range events {
		if ev.Kind != model.EventTradeClosed {
			continue
		}
		r.prom.CumulativePnL.Add(ev.PnL)
		result := "loss"
		if ev.PnL > 0 {
			result = "win"
		}
		r.prom.TradesTotal.WithLabelValues(result).Inc()
	}
	if r.events != nil {
		r.events.Dispatch(events...)
	}
}

func (r *Runner) publishState() {
	state := r.machine.State()
	r.health.SetState(string(state))
	r.prom.PositionState.Set(stateValue(state))
}

func (r *Runner) logc(ctx context.Context, level slog.Level, msg string, args ...any) {
	r.log.Log(ctx, level, msg, append(logger.LogWithCycle(ctx), args...)...)
}

func stateValue(s strategy.State) float64 {
	switch s {
	case strategy.StateEntering:
		return 1
	case strategy.StateOpen:
		return 2
	case strategy.StateExiting:
		return 3
	}
	return 0
}

func errClass(err error) string {
	switch {
	case errors.Is(err, execution.ErrAuth):
		return "auth"
	case errors.Is(err, execution.ErrSubmitTimeout):
		return "timeout"
	case errors.Is(err, execution.ErrOrderRejected):
		return "rejected"
	case errors.Is(err, execution.ErrExchangeUnavailable):
		return "unavailable"
	}
	return "other"
}
