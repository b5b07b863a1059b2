package risk

import "sync"

// EquityCurve tracks realized equity per closed trade and the worst
// peak-to-trough drawdown.
type EquityCurve struct {
	mu sync.RWMutex

	points      []float64
	peak        float64
	maxDrawdown float64 // fraction of peak
	realized    float64
}

// NewEquityCurve starts a curve at the given balance.
func NewEquityCurve(start float64) *EquityCurve {
	return &EquityCurve{
		points: append(make([]float64, 0, 256), start),
		peak:   start,
	}
}

// Record adds a realized trade result.
func (e *EquityCurve) Record(pnl float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.realized += pnl
	eq := e.points[len(e.points)-1] + pnl
	e.points = append(e.points, eq)
	if eq > e.peak {
		e.peak = eq
	}
	if e.peak > 0 {
		if dd := (e.peak - eq) / e.peak; dd > e.maxDrawdown {
			e.maxDrawdown = dd
		}
	}
}

// MaxDrawdown returns the worst drawdown as a fraction of the running peak.
func (e *EquityCurve) MaxDrawdown() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.maxDrawdown
}

// Realized returns the summed trade results.
func (e *EquityCurve) Realized() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.realized
}

// Points returns a copy of the curve.
func (e *EquityCurve) Points() []float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cp := make([]float64, len(e.points))
	copy(cp, e.points)
	return cp
}
