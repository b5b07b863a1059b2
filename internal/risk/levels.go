package risk

import "github.com/DaniilMusin/btc-technical/internal/model"

// Volatility is the indicator input to leverage and exit-level selection.
type Volatility struct {
	ATR     float64
	ATRMA   float64
	ADX     float64
	PlusDI  float64
	MinusDI float64
}

// Ratio returns ATR / ATR_MA, or 1 when the average is unavailable.
func (v Volatility) Ratio() float64 {
	if v.ATRMA <= 0 {
		return 1
	}
	return v.ATR / v.ATRMA
}

// MinRewardRisk is the minimum take-profit to stop distance ratio.
const MinRewardRisk = 2.0

// ExitLevels returns stop-loss and take-profit prices for a new position.
// ATR multipliers widen with the volatility regime.
func ExitLevels(side model.Side, entry float64, v Volatility) (stop, takeProfit float64) {
	slMult, tpMult := 2.3, 6.5
	switch r := v.Ratio(); {
	case r < 0.8:
		slMult, tpMult = 1.8, 5.5
	case r >= 1.5:
		slMult, tpMult = 3.0, 8.0
	}

	slDist := v.ATR * slMult
	tpDist := v.ATR * tpMult
	if tpDist < slDist*MinRewardRisk {
		tpDist = slDist * MinRewardRisk
	}

	if side == model.SideShort {
		return entry + slDist, entry - tpDist
	}
	return entry - slDist, entry + tpDist
}

// OptimalLeverage scales a base leverage of 2 by volatility regime and trend
// strength, capped at maxLeverage and floored at 1.
func OptimalLeverage(side model.Side, v Volatility, maxLeverage float64) float64 {
	lev := 2.0

	switch r := v.Ratio(); {
	case r > 1.5:
		lev *= 0.7
	case r < 0.8:
		lev *= 1.3
	}

	if v.ADX > 35 {
		aligned := (side == model.SideLong && v.PlusDI > v.MinusDI) ||
			(side == model.SideShort && v.MinusDI > v.PlusDI)
		if aligned {
			lev *= 1.2
		} else {
			lev *= 0.7
		}
	}

	if lev > maxLeverage {
		lev = maxLeverage
	}
	if lev < 1 {
		lev = 1
	}
	return lev
}

// AdaptiveRisk scales base risk by the recent win rate: ×0.8 below 40%,
// ×1.2 above 60%. No history leaves it unchanged.
func AdaptiveRisk(base float64, recentPnL []float64) float64 {
	if len(recentPnL) == 0 {
		return base
	}
	wins := 0
	for _, p := range recentPnL {
		if p > 0 {
			wins++
		}
	}
	wr := float64(wins) / float64(len(recentPnL))
	switch {
	case wr < 0.4:
		return base * 0.8
	case wr > 0.6:
		return base * 1.2
	}
	return base
}
