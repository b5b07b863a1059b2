package indicator

import "github.com/DaniilMusin/btc-technical/internal/model"

// ADX computes the Average Directional Index with +DI/−DI using rolling
// means of true range and directional movement.
type ADX struct {
	tr      trueRange
	atr     *SMA
	plusDM  *SMA
	minusDM *SMA
	dx      *SMA

	prevHigh float64
	prevLow  float64
	seen     bool

	plusDI  float64
	minusDI float64
}

// NewADX creates an ADX with the given period (typically 14).
func NewADX(period int) *ADX {
	return &ADX{
		atr:     NewSMAOf("ADX_TR", period, nil),
		plusDM:  NewSMAOf("ADX_PDM", period, nil),
		minusDM: NewSMAOf("ADX_MDM", period, nil),
		dx:      NewSMAOf("ADX", period, nil),
	}
}

func (a *ADX) Name() string { return "ADX" }

func (a *ADX) Update(c model.Candle) {
	tr := a.tr.next(c)
	if !a.seen {
		a.prevHigh, a.prevLow, a.seen = c.High, c.Low, true
		a.atr.Add(tr)
		a.plusDM.Add(0)
		a.minusDM.Add(0)
		return
	}

	up := c.High - a.prevHigh
	down := a.prevLow - c.Low
	a.prevHigh, a.prevLow = c.High, c.Low

	pdm, mdm := 0.0, 0.0
	if up > down && up > 0 {
		pdm = up
	}
	if down > up && down > 0 {
		mdm = down
	}
	a.atr.Add(tr)
	a.plusDM.Add(pdm)
	a.minusDM.Add(mdm)

	if !a.atr.Ready() {
		return
	}
	atr := a.atr.Value()
	if atr == 0 {
		atr = 1e-10
	}
	a.plusDI = 100 * a.plusDM.Value() / atr
	a.minusDI = 100 * a.minusDM.Value() / atr

	sum := a.plusDI + a.minusDI
	if sum == 0 {
		sum = 1e-10
	}
	diff := a.plusDI - a.minusDI
	if diff < 0 {
		diff = -diff
	}
	a.dx.Add(100 * diff / sum)
}

func (a *ADX) Value() float64   { return a.dx.Value() }
func (a *ADX) Ready() bool      { return a.dx.Ready() }
func (a *ADX) PlusDI() float64  { return a.plusDI }
func (a *ADX) MinusDI() float64 { return a.minusDI }
func (a *ADX) DIReady() bool    { return a.atr.Ready() }
