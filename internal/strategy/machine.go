package strategy

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/DaniilMusin/btc-technical/internal/indicator"
	"github.com/DaniilMusin/btc-technical/internal/model"
	"github.com/DaniilMusin/btc-technical/internal/risk"
)

// State of the position state machine.
type State string

const (
	StateFlat     State = "FLAT"
	StateEntering State = "ENTERING"
	StateOpen     State = "OPEN"
	StateExiting  State = "EXITING"
)

// Config for a Machine.
type Config struct {
	Symbol string

	FeeRate          float64
	BaseRiskPerTrade float64
	MaxLeverage      float64

	// Trailing stop: once price moves TrailTrigger (fraction) past entry the
	// stop follows at TrailDistance (fraction) behind the close.
	TrailTriggerLong  float64
	TrailTriggerShort float64
	TrailLong         float64
	TrailShort        float64

	MaxCloseRetries int

	// ExitOnReversal closes an open position when the signal source fires
	// in the opposite direction.
	ExitOnReversal bool

	// NewID generates client order IDs. Defaults to uuid.NewString.
	NewID func() string
}

// DefaultConfig returns the tuned defaults for symbol.
func DefaultConfig(symbol string) Config {
	return Config{
		Symbol:            symbol,
		FeeRate:           model.DefaultFeeRate,
		BaseRiskPerTrade:  0.02,
		MaxLeverage:       3,
		TrailTriggerLong:  0.04,
		TrailTriggerShort: 0.04,
		TrailLong:         0.02,
		TrailShort:        0.02,
		MaxCloseRetries:   3,
		ExitOnReversal:    true,
	}
}

// Decision is the output of one machine step. The caller submits Intents in
// order and forwards Events to the dispatcher.
type Decision struct {
	Intents []model.OrderIntent
	Events  []model.Event
}

func (d *Decision) intent(i model.OrderIntent) { d.Intents = append(d.Intents, i) }
func (d *Decision) event(e model.Event)        { d.Events = append(d.Events, e) }

const recentPnLWindow = 20

// Machine is the per-symbol position state machine:
// FLAT → ENTERING → OPEN → EXITING → FLAT.
//
// It is driven by a single goroutine (the decision stream) and is not safe
// for concurrent use.
type Machine struct {
	cfg     Config
	signals SignalSource
	risk    *risk.Manager
	log     *slog.Logger

	state   State
	pos     *model.Position
	pending *model.OrderIntent

	bar      int64
	lastBar  model.Candle
	haveLast bool

	closeRetries int
	closeReason  string
	closedSize   float64
	closedValue  float64 // Σ size × price of partial close fills

	recentPnL []float64

	vol     risk.Volatility // from the latest warm snapshot
	haveVol bool

	halted     bool
	haltReason string
}

// NewMachine creates a machine in FLAT state.
func NewMachine(cfg Config, signals SignalSource, rm *risk.Manager, log *slog.Logger) *Machine {
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.FeeRate <= 0 {
		cfg.FeeRate = model.DefaultFeeRate
	}
	if log == nil {
		log = slog.Default()
	}
	return &Machine{
		cfg:     cfg,
		signals: signals,
		risk:    rm,
		log:     log.With("component", "strategy", "symbol", cfg.Symbol),
		state:   StateFlat,
	}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Position returns a copy of the open position, or nil when flat.
func (m *Machine) Position() *model.Position {
	if m.pos == nil {
		return nil
	}
	p := *m.pos
	return &p
}

// Pending returns the in-flight open/close intent, if any.
func (m *Machine) Pending() *model.OrderIntent { return m.pending }

// Halted reports whether trading is stopped after a fatal condition.
func (m *Machine) Halted() bool { return m.halted }

// HaltReason returns why the machine halted.
func (m *Machine) HaltReason() string { return m.haltReason }

// SeedRecentPnL primes the adaptive-risk history, oldest first.
func (m *Machine) SeedRecentPnL(pnl []float64) {
	m.recentPnL = append(m.recentPnL[:0], pnl...)
	if len(m.recentPnL) > recentPnLWindow {
		m.recentPnL = m.recentPnL[len(m.recentPnL)-recentPnLWindow:]
	}
}

// OnBar evaluates one closed candle. bar is the monotonically increasing
// index of the candle in the decision stream.
func (m *Machine) OnBar(bar int64, c model.Candle, snap indicator.Snapshot, balance float64) Decision {
	var d Decision
	prev, havePrev := m.lastBar, m.haveLast
	m.bar = bar
	m.lastBar, m.haveLast = c, true
	if snap.Ready() {
		m.vol, m.haveVol = volatility(snap), true
	}

	if m.halted {
		return d
	}

	switch m.state {
	case StateEntering, StateExiting:
		m.log.Warn("bar while intent in flight, skipping",
			"state", m.state, "client_id", m.pending.ClientID)
		return d
	case StateOpen:
		m.onOpenBar(&d, c, snap, prev, havePrev)
		return d
	}

	if !havePrev || !snap.Ready() {
		return d
	}
	sig := m.signals.Evaluate(Input{Snapshot: snap, Candle: c, Prev: prev})
	if sig.None() {
		return d
	}
	m.tryOpen(&d, c, snap, sig, balance)
	return d
}

func (m *Machine) tryOpen(d *Decision, c model.Candle, snap indicator.Snapshot, sig Signal, balance float64) {
	l := m.log.With("side", sig.Side, "weight", sig.Weight)

	if err := m.risk.CanOpen(); err != nil {
		l.Info("entry rejected by risk", "error", err)
		return
	}
	if err := m.risk.CheckInterval(m.cfg.Symbol, m.bar); err != nil {
		l.Debug("entry rejected by risk", "error", err)
		return
	}

	vol := volatility(snap)
	entry := c.Close
	stop, tp := risk.ExitLevels(sig.Side, entry, vol)
	lev := risk.OptimalLeverage(sig.Side, vol, m.cfg.MaxLeverage)
	riskPct := risk.AdaptiveRisk(m.cfg.BaseRiskPerTrade, m.recentPnL)

	size, err := m.risk.SizePosition(balance, riskPct, math.Abs(entry-stop), entry, lev)
	if err != nil {
		l.Info("entry rejected by risk", "error", err)
		return
	}

	intent := model.OrderIntent{
		ClientID:      m.cfg.NewID(),
		Kind:          model.IntentOpen,
		Symbol:        m.cfg.Symbol,
		Side:          sig.Side,
		RequestedSize: size,
		PriceHint:     entry,
		StopPrice:     stop,
		TakeProfit:    tp,
		Leverage:      lev,
		Reason:        fmt.Sprint(sig.Reasons),
	}
	m.pending = &intent
	m.state = StateEntering
	d.intent(intent)

	l.Info("entry signal",
		"client_id", intent.ClientID, "size", size, "entry", entry,
		"stop", stop, "take_profit", tp, "leverage", lev, "risk_pct", riskPct,
		"reasons", sig.Reasons)
}

func (m *Machine) onOpenBar(d *Decision, c model.Candle, snap indicator.Snapshot, prev model.Candle, havePrev bool) {
	p := m.pos

	// exits first: a close always beats a new entry on the same bar
	switch {
	case p.StopHit(c.High, c.Low):
		m.beginClose(d, exitPrice(p.Side, p.StopPrice, c.Open, true), "stop_loss")
		return
	case p.TakeProfitHit(c.High, c.Low):
		m.beginClose(d, exitPrice(p.Side, p.TakeProfit, c.Open, false), "take_profit")
		return
	}
	if m.cfg.ExitOnReversal && havePrev && snap.Ready() {
		sig := m.signals.Evaluate(Input{Snapshot: snap, Candle: c, Prev: prev})
		if sig.Side == p.Side.Opposite() {
			m.beginClose(d, c.Close, "reversal")
			return
		}
	}

	m.trail(d, c)
}

// exitPrice is the level a stop or take-profit executes at, or the open when
// the bar gapped through it.
func exitPrice(side model.Side, level, open float64, isStop bool) float64 {
	gapped := false
	switch {
	case side == model.SideLong && isStop:
		gapped = open < level
	case side == model.SideLong:
		gapped = open > level
	case side == model.SideShort && isStop:
		gapped = open > level
	case side == model.SideShort:
		gapped = open < level
	}
	if gapped {
		return open
	}
	return level
}

// trail tightens the stop once price has passed the trailing trigger.
// The stop never loosens.
func (m *Machine) trail(d *Decision, c model.Candle) {
	p := m.pos
	var next float64
	switch p.Side {
	case model.SideLong:
		if c.Close <= p.TrailingTriggerPrice {
			return
		}
		next = c.Close * (1 - m.cfg.TrailLong)
		if next <= p.StopPrice {
			return
		}
	case model.SideShort:
		if c.Close >= p.TrailingTriggerPrice {
			return
		}
		next = c.Close * (1 + m.cfg.TrailShort)
		if next >= p.StopPrice {
			return
		}
	default:
		return
	}

	m.log.Info("trailing stop tightened", "side", p.Side, "from", p.StopPrice, "to", next)
	p.StopPrice = next
	d.intent(model.OrderIntent{
		ClientID:      m.cfg.NewID(),
		Kind:          model.IntentAdjustStop,
		Symbol:        p.Symbol,
		Side:          p.Side,
		RequestedSize: p.Size,
		PriceHint:     c.Close,
		StopPrice:     next,
		Reason:        "trailing",
	})
	d.event(model.Event{
		Kind:       model.EventStopAdjusted,
		Symbol:     p.Symbol,
		TS:         c.TS,
		Side:       p.Side,
		EntryPrice: p.EntryPrice,
		Size:       p.Size,
		StopPrice:  next,
	})
}

func (m *Machine) beginClose(d *Decision, price float64, reason string) {
	m.closeReason = reason
	m.closeRetries = 0
	m.closedSize, m.closedValue = 0, 0
	m.emitClose(d, price)
	m.log.Info("exit signal", "reason", reason, "price_hint", price)
}

func (m *Machine) emitClose(d *Decision, price float64) {
	p := m.pos
	intent := model.OrderIntent{
		ClientID:      m.cfg.NewID(),
		Kind:          model.IntentClose,
		Symbol:        p.Symbol,
		Side:          p.Side,
		RequestedSize: p.Size,
		PriceHint:     price,
		Reason:        m.closeReason,
	}
	m.pending = &intent
	m.state = StateExiting
	d.intent(intent)
}

// OnFill advances the machine with a broker report for the pending intent.
// Fills for any other client ID are ignored.
func (m *Machine) OnFill(f model.Fill) Decision {
	var d Decision
	if m.pending == nil || f.ClientID != m.pending.ClientID {
		m.log.Warn("fill for unknown intent ignored", "client_id", f.ClientID, "status", f.Status)
		return d
	}

	switch m.state {
	case StateEntering:
		m.onOpenFill(&d, f)
	case StateExiting:
		m.onCloseFill(&d, f)
	}
	return d
}

func (m *Machine) onOpenFill(d *Decision, f model.Fill) {
	intent := m.pending
	filled := f.Status == model.FillFilled ||
		(f.Status == model.FillPartiallyFilled && f.FilledSize > 0)
	if !filled || f.FilledSize <= 0 {
		m.pending = nil
		m.state = StateFlat
		m.log.Warn("open intent not filled", "status", f.Status, "reason", f.Reason)
		d.event(model.AlertEvent(m.cfg.Symbol, model.SeverityWarning,
			fmt.Sprintf("open %s %s: %s", intent.Side, f.Status, f.Reason), f.TS))
		return
	}

	trigger := f.FilledPrice * (1 + m.cfg.TrailTriggerLong)
	if intent.Side == model.SideShort {
		trigger = f.FilledPrice * (1 - m.cfg.TrailTriggerShort)
	}
	// shift stop/take-profit by the slippage between hint and fill
	shift := f.FilledPrice - intent.PriceHint
	m.pos = &model.Position{
		Symbol:               m.cfg.Symbol,
		Side:                 intent.Side,
		EntryPrice:           f.FilledPrice,
		Size:                 f.FilledSize,
		Leverage:             intent.Leverage,
		StopPrice:            intent.StopPrice + shift,
		TakeProfit:           intent.TakeProfit + shift,
		TrailingTriggerPrice: trigger,
		EntryFee:             model.EntryFee(f.FilledSize, f.FilledPrice, m.cfg.FeeRate),
		OpenedAt:             f.TS,
		OpenedBar:            m.bar,
	}
	m.pending = nil
	m.state = StateOpen
	m.risk.RecordTrade(m.cfg.Symbol, m.bar)

	m.log.Info("position opened",
		"side", m.pos.Side, "entry", m.pos.EntryPrice, "size", m.pos.Size,
		"stop", m.pos.StopPrice, "take_profit", m.pos.TakeProfit)
	d.event(model.Event{
		Kind:       model.EventTradeOpened,
		Symbol:     m.cfg.Symbol,
		TS:         f.TS,
		Side:       m.pos.Side,
		EntryPrice: m.pos.EntryPrice,
		Size:       m.pos.Size,
		StopPrice:  m.pos.StopPrice,
		Fee:        m.pos.EntryFee,
	})
}

func (m *Machine) onCloseFill(d *Decision, f model.Fill) {
	p := m.pos
	switch f.Status {
	case model.FillRejected, model.FillCancelled:
		m.closeRetries++
		if m.closeRetries > m.cfg.MaxCloseRetries {
			m.pending = nil
			m.state = StateOpen
			msg := fmt.Sprintf("close %s failed after %d retries (%s): position may be stuck open",
				p.Side, m.cfg.MaxCloseRetries, f.Reason)
			m.halt(d, msg, f.TS)
			return
		}
		m.log.Warn("close not filled, retrying",
			"status", f.Status, "reason", f.Reason, "attempt", m.closeRetries)
		m.state = StateOpen
		m.emitClose(d, m.pending.PriceHint)
		return
	}

	if f.FilledSize <= 0 {
		return
	}
	size := math.Min(f.FilledSize, p.Size)
	m.closedSize += size
	m.closedValue += size * f.FilledPrice
	p.Size -= size

	if f.Status == model.FillPartiallyFilled && p.Size > 1e-12 {
		m.log.Warn("close partially filled", "filled", size, "remaining", p.Size)
		m.emitClose(d, f.FilledPrice)
		return
	}

	m.finishClose(d, f.TS)
}

// finishClose books the accumulated close fills as a completed trade.
func (m *Machine) finishClose(d *Decision, ts time.Time) {
	p := m.pos
	exit := m.closedValue / m.closedSize
	total := m.closedSize
	pnl := model.RealizedPnL(p.Side, p.EntryPrice, exit, total, m.cfg.FeeRate)
	fee := model.EntryFee(total, p.EntryPrice, m.cfg.FeeRate) + model.ExitFee(total, exit, m.cfg.FeeRate)

	rec := &model.TradeRecord{
		Symbol:     p.Symbol,
		Side:       p.Side,
		Size:       total,
		Leverage:   p.Leverage,
		EntryPrice: p.EntryPrice,
		ExitPrice:  exit,
		EntryTime:  p.OpenedAt,
		ExitTime:   ts,
		PnL:        pnl,
		Fee:        fee,
		Reason:     m.closeReason,
	}

	m.recentPnL = append(m.recentPnL, pnl)
	if len(m.recentPnL) > recentPnLWindow {
		m.recentPnL = m.recentPnL[1:]
	}
	m.risk.RecordPnL(pnl)

	m.pos = nil
	m.pending = nil
	m.state = StateFlat
	m.closedSize, m.closedValue = 0, 0

	m.log.Info("position closed",
		"side", rec.Side, "exit", exit, "size", total, "pnl", pnl, "reason", rec.Reason)
	d.event(model.Event{
		Kind:       model.EventTradeClosed,
		Symbol:     rec.Symbol,
		TS:         ts,
		Side:       rec.Side,
		EntryPrice: rec.EntryPrice,
		ExitPrice:  exit,
		Size:       total,
		PnL:        pnl,
		Fee:        fee,
		Trade:      rec,
	})
}

// Halt stops trading and emits a critical alert. Bars are still consumed
// so the process stays observable.
func (m *Machine) Halt(reason string) Decision {
	var d Decision
	m.halt(&d, reason, m.lastBar.TS)
	return d
}

func (m *Machine) halt(d *Decision, reason string, ts time.Time) {
	if m.halted {
		return
	}
	if ts.IsZero() {
		ts = m.lastBar.TS
	}
	m.halted = true
	m.haltReason = reason
	m.log.Error("trading halted", "reason", reason, "state", m.state)
	d.event(model.AlertEvent(m.cfg.Symbol, model.SeverityCritical, reason, ts))
}

// adoptATR is the ATR assumed, as a fraction of entry, when exit levels are
// needed for an adopted position before any warm snapshot.
const adoptATR = 0.01

// Resync replaces the machine's view of the position with exchange truth.
// A nil position means flat. Any in-flight intent is dropped: a close the
// exchange already completed is booked as a trade, and a position the machine
// was not managing is adopted with exit levels and booked as opened.
func (m *Machine) Resync(pos *model.Position) Decision {
	var d Decision
	pending, prev := m.pending, m.state
	m.pending = nil
	ts := m.lastBar.TS
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	if pos == nil || pos.Side == model.SideFlat || pos.Size <= 0 {
		if prev == StateExiting && m.pos != nil {
			price := m.lastBar.Close
			if pending != nil && pending.PriceHint > 0 {
				price = pending.PriceHint
			}
			m.log.Warn("resynced: close completed on exchange", "exit_hint", price, "size", m.pos.Size)
			m.closedSize += m.pos.Size
			m.closedValue += m.pos.Size * price
			m.pos.Size = 0
			m.finishClose(&d, ts)
			return d
		}
		m.pos = nil
		m.state = StateFlat
		m.closedSize, m.closedValue = 0, 0
		m.log.Info("resynced: flat")
		return d
	}

	m.closedSize, m.closedValue = 0, 0
	p := *pos
	if p.Symbol == "" {
		p.Symbol = m.cfg.Symbol
	}
	known := m.pos != nil && m.pos.Side == p.Side
	entered := !known && prev == StateEntering && pending != nil &&
		pending.Kind == model.IntentOpen && pending.Side == p.Side
	switch {
	case known:
		// keep locally managed levels the exchange does not report
		if p.StopPrice == 0 {
			p.StopPrice = m.pos.StopPrice
		}
		if p.TakeProfit == 0 {
			p.TakeProfit = m.pos.TakeProfit
		}
		if p.TrailingTriggerPrice == 0 {
			p.TrailingTriggerPrice = m.pos.TrailingTriggerPrice
		}
		if p.OpenedAt.IsZero() {
			p.OpenedAt = m.pos.OpenedAt
		}
		if p.OpenedBar == 0 {
			p.OpenedBar = m.pos.OpenedBar
		}
		if p.EntryFee == 0 {
			p.EntryFee = m.pos.EntryFee
		}
	case entered:
		// the open filled but its report was lost
		shift := p.EntryPrice - pending.PriceHint
		if p.StopPrice == 0 {
			p.StopPrice = pending.StopPrice + shift
		}
		if p.TakeProfit == 0 {
			p.TakeProfit = pending.TakeProfit + shift
		}
		if p.Leverage == 0 {
			p.Leverage = pending.Leverage
		}
	default:
		stop, tp := m.adoptLevels(p.Side, p.EntryPrice)
		if p.StopPrice == 0 {
			p.StopPrice = stop
		}
		if p.TakeProfit == 0 {
			p.TakeProfit = tp
		}
	}
	if p.TrailingTriggerPrice == 0 {
		p.TrailingTriggerPrice = p.EntryPrice * (1 + m.cfg.TrailTriggerLong)
		if p.Side == model.SideShort {
			p.TrailingTriggerPrice = p.EntryPrice * (1 - m.cfg.TrailTriggerShort)
		}
	}
	m.pos = &p
	m.state = StateOpen
	if known {
		m.log.Info("resynced: open", "side", p.Side, "size", p.Size, "entry", p.EntryPrice)
		return d
	}

	if p.OpenedAt.IsZero() {
		p.OpenedAt = ts
	}
	p.OpenedBar = m.bar
	if p.EntryFee == 0 {
		p.EntryFee = model.EntryFee(p.Size, p.EntryPrice, m.cfg.FeeRate)
	}
	m.risk.RecordTrade(m.cfg.Symbol, m.bar)
	m.log.Warn("resynced: position adopted",
		"side", p.Side, "size", p.Size, "entry", p.EntryPrice,
		"stop", p.StopPrice, "take_profit", p.TakeProfit, "from_pending", entered)
	if !entered {
		d.event(model.AlertEvent(m.cfg.Symbol, model.SeverityWarning,
			fmt.Sprintf("adopted exchange position %s %.8f @ %.2f, stop %.2f",
				p.Side, p.Size, p.EntryPrice, p.StopPrice), ts))
	}
	d.event(model.Event{
		Kind:       model.EventTradeOpened,
		Symbol:     p.Symbol,
		TS:         p.OpenedAt,
		Side:       p.Side,
		EntryPrice: p.EntryPrice,
		Size:       p.Size,
		StopPrice:  p.StopPrice,
		Fee:        p.EntryFee,
	})
	return d
}

// adoptLevels derives stop and take-profit from the latest warm snapshot.
func (m *Machine) adoptLevels(side model.Side, entry float64) (stop, takeProfit float64) {
	v := m.vol
	if !m.haveVol || v.ATR <= 0 {
		v = risk.Volatility{ATR: entry * adoptATR}
	}
	return risk.ExitLevels(side, entry, v)
}

func volatility(s indicator.Snapshot) risk.Volatility {
	return risk.Volatility{
		ATR:     s.Must(indicator.ATRName),
		ATRMA:   s.Must(indicator.ATRMA),
		ADX:     s.Must(indicator.ADXName),
		PlusDI:  s.Must(indicator.PlusDI),
		MinusDI: s.Must(indicator.MinusDI),
	}
}
