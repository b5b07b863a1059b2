// Package risk sizes positions, picks leverage and exit levels, and guards
// against over-trading and drawdown. All rejections wrap ErrRiskViolation and
// are recoverable: the intent is dropped for the cycle.
package risk

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
)

var (
	ErrRiskViolation = errors.New("risk violation")

	ErrInvalidRisk  = fmt.Errorf("%w: invalid risk", ErrRiskViolation)
	ErrTooSoon      = fmt.Errorf("%w: too soon", ErrRiskViolation)
	ErrMaxDrawdown  = fmt.Errorf("%w: max drawdown exceeded", ErrRiskViolation)
	ErrMaxDailyLoss = fmt.Errorf("%w: max daily loss reached", ErrRiskViolation)
)

// Limits defines configurable risk thresholds.
type Limits struct {
	BaseRiskPerTrade float64 `json:"base_risk_per_trade"` // fraction of balance lost at stop
	MaxLeverage      float64 `json:"max_leverage"`
	MinTradeInterval int     `json:"min_trade_interval"` // bars between trades
	MaxDrawdownPct   float64 `json:"max_drawdown_pct"`   // 0 disables
	MaxDailyLoss     float64 `json:"max_daily_loss"`     // quote currency, 0 disables
}

// DefaultLimits returns the limits the balanced strategy runs with.
func DefaultLimits() Limits {
	return Limits{
		BaseRiskPerTrade: 0.02,
		MaxLeverage:      3,
		MinTradeInterval: 12,
		MaxDrawdownPct:   25,
	}
}

// Manager validates trades against risk limits and tracks equity.
// Mutated only by the decision stream; the mutex makes Status safe for readers.
type Manager struct {
	mu     sync.RWMutex
	limits Limits

	lastTradeBar map[string]int64

	dailyPnL   float64
	equity     float64
	peakEquity float64
}

// NewManager creates a Manager with the given limits and starting equity.
func NewManager(limits Limits, initialEquity float64) *Manager {
	return &Manager{
		limits:       limits,
		lastTradeBar: make(map[string]int64),
		equity:       initialEquity,
		peakEquity:   initialEquity,
	}
}

// Limits returns the configured limits.
func (m *Manager) Limits() Limits { return m.limits }

// SizePosition returns the base-unit size such that a stop hit loses at most
// balance × riskPerTrade, capped so that size × entryPrice ≤ balance × leverage.
func (m *Manager) SizePosition(balance, riskPerTrade, stopDistance, entryPrice, leverage float64) (float64, error) {
	switch {
	case stopDistance <= 0 || math.IsNaN(stopDistance):
		return 0, fmt.Errorf("%w: stop distance %.8f", ErrInvalidRisk, stopDistance)
	case entryPrice <= 0:
		return 0, fmt.Errorf("%w: entry price %.8f", ErrInvalidRisk, entryPrice)
	case balance <= 0:
		return 0, fmt.Errorf("%w: balance %.2f", ErrInvalidRisk, balance)
	case riskPerTrade <= 0:
		return 0, fmt.Errorf("%w: risk per trade %.4f", ErrInvalidRisk, riskPerTrade)
	case leverage <= 0 || leverage > m.limits.MaxLeverage:
		return 0, fmt.Errorf("%w: leverage %.2f exceeds max %.2f", ErrInvalidRisk, leverage, m.limits.MaxLeverage)
	}

	size := balance * riskPerTrade / stopDistance
	maxSize := balance * leverage / entryPrice
	if size > maxSize {
		size = maxSize
	}
	return size, nil
}

// CheckInterval rejects a new open when fewer than MinTradeInterval bars have
// elapsed since the last trade on symbol.
func (m *Manager) CheckInterval(symbol string, bar int64) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	last, ok := m.lastTradeBar[symbol]
	if !ok {
		return nil
	}
	if elapsed := bar - last; elapsed < int64(m.limits.MinTradeInterval) {
		return fmt.Errorf("%w: %d bars since last trade, need %d", ErrTooSoon, elapsed, m.limits.MinTradeInterval)
	}
	return nil
}

// RecordTrade marks bar as the latest trade on symbol.
func (m *Manager) RecordTrade(symbol string, bar int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastTradeBar[symbol] = bar
}

// CanOpen runs the account-level guards: daily loss and drawdown.
func (m *Manager) CanOpen() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.limits.MaxDailyLoss > 0 && m.dailyPnL < -m.limits.MaxDailyLoss {
		return fmt.Errorf("%w: daily pnl %.2f", ErrMaxDailyLoss, m.dailyPnL)
	}
	if m.limits.MaxDrawdownPct > 0 {
		if dd := m.drawdownPct(); dd > m.limits.MaxDrawdownPct {
			return fmt.Errorf("%w: %.2f%%", ErrMaxDrawdown, dd)
		}
	}
	return nil
}

// RecordPnL updates daily P&L and equity tracking.
func (m *Manager) RecordPnL(pnl float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.dailyPnL += pnl
	m.equity += pnl
	if m.equity > m.peakEquity {
		m.peakEquity = m.equity
	}

	slog.Debug("risk equity update",
		"daily_pnl", m.dailyPnL, "equity", m.equity, "peak", m.peakEquity)
}

// SyncEquity replaces the tracked equity with an authoritative balance.
func (m *Manager) SyncEquity(balance float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.equity = balance
	if balance > m.peakEquity {
		m.peakEquity = balance
	}
}

// ResetDaily resets the daily P&L counter (call at UTC day rollover).
func (m *Manager) ResetDaily() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dailyPnL = 0
}

func (m *Manager) drawdownPct() float64 {
	if m.peakEquity <= 0 {
		return 0
	}
	return (m.peakEquity - m.equity) / m.peakEquity * 100
}

// Status is a point-in-time view of the risk state.
type Status struct {
	DailyPnL    float64 `json:"daily_pnl"`
	Equity      float64 `json:"equity"`
	PeakEquity  float64 `json:"peak_equity"`
	DrawdownPct float64 `json:"drawdown_pct"`
	Limits      Limits  `json:"limits"`
}

// Status returns current risk status.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Status{
		DailyPnL:    m.dailyPnL,
		Equity:      m.equity,
		PeakEquity:  m.peakEquity,
		DrawdownPct: m.drawdownPct(),
		Limits:      m.limits,
	}
}
