package strategy

import (
	"math"

	"github.com/DaniilMusin/btc-technical/internal/indicator"
	"github.com/DaniilMusin/btc-technical/internal/model"
)

// BalancedParams tunes the balanced strategy.
type BalancedParams struct {
	EntryThreshold  float64 // minimum averaged weight to act
	ADXMin          float64 // trend weight is 0 at or below
	ADXMax          float64 // trend weight is 1 at or above
	TrendRegime     float64 // trend weight above which trend signals apply
	RangeWeightMin  float64 // range weight above which mean-reversion signals apply
	RSIOversold     float64
	RSIOverbought   float64
	VolumeThreshold float64 // volume/volume MA ratio that boosts weights
}

// DefaultBalancedParams returns the tuned defaults.
func DefaultBalancedParams() BalancedParams {
	return BalancedParams{
		EntryThreshold:  0.65,
		ADXMin:          15,
		ADXMax:          35,
		TrendRegime:     0.5,
		RangeWeightMin:  0.5,
		RSIOversold:     30,
		RSIOverbought:   70,
		VolumeThreshold: 1.4,
	}
}

// Balanced weighs trend-following signals in trending markets and
// mean-reversion signals in ranging ones. Each fired signal contributes a
// weight; per side the weights are averaged, filtered, and compared with
// EntryThreshold.
type Balanced struct {
	p BalancedParams
}

// NewBalanced creates the balanced strategy.
func NewBalanced(p BalancedParams) *Balanced {
	return &Balanced{p: p}
}

func (b *Balanced) Name() string { return "balanced" }

type vote struct {
	reason string
	weight float64
}

func (b *Balanced) Evaluate(in Input) Signal {
	s := in.Snapshot
	cur, prev := in.Candle, in.Prev

	adx := s.Must(indicator.ADXName)
	plusDI, minusDI := s.Must(indicator.PlusDI), s.Must(indicator.MinusDI)
	prevPlusDI, prevMinusDI := s.MustPrev(indicator.PlusDI), s.MustPrev(indicator.MinusDI)
	emaF, emaS := s.Must(indicator.EMAFast), s.Must(indicator.EMASlow)
	prevEmaF, prevEmaS := s.MustPrev(indicator.EMAFast), s.MustPrev(indicator.EMASlow)
	macd, macdSig, hist := s.Must(indicator.MACDLine), s.Must(indicator.MACDSignal), s.Must(indicator.MACDHist)
	prevMacd, prevMacdSig, prevHist := s.MustPrev(indicator.MACDLine), s.MustPrev(indicator.MACDSignal), s.MustPrev(indicator.MACDHist)
	rsi := s.Must(indicator.RSIName)
	bbUp, bbLow := s.Must(indicator.BBUpper), s.Must(indicator.BBLower)
	volMA := s.Must(indicator.VolumeMA)
	atr, atrMA := s.Must(indicator.ATRName), s.Must(indicator.ATRMA)

	trendW := math.Min(1, math.Max(0, (adx-b.p.ADXMin)/(b.p.ADXMax-b.p.ADXMin)))
	rangeW := 1 - trendW

	volRatio := 1.0
	if volMA > 0 {
		volRatio = cur.Volume / volMA
	}

	var longs, shorts []vote

	if trendW > b.p.TrendRegime {
		if prevEmaF < prevEmaS && emaF >= emaS {
			longs = append(longs, vote{"EMA crossover", trendW * 1.2})
		}
		if prevEmaF > prevEmaS && emaF <= emaS {
			shorts = append(shorts, vote{"EMA crossover", trendW * 1.2})
		}
		if prevMacd <= prevMacdSig && macd > macdSig && hist > 0 && hist > prevHist {
			longs = append(longs, vote{"MACD bullish cross", trendW * 1.3})
		}
		if prevMacd >= prevMacdSig && macd < macdSig && hist < 0 && hist < prevHist {
			shorts = append(shorts, vote{"MACD bearish cross", trendW * 1.3})
		}
		bullish := cur.Close > prev.Close && plusDI > minusDI*1.2
		wasBullish := prevPlusDI > prevMinusDI*1.2
		if bullish && !wasBullish {
			longs = append(longs, vote{"strong bullish trend", trendW * 1.5})
		}
		bearish := cur.Close < prev.Close && minusDI > plusDI*1.2
		wasBearish := prevMinusDI > prevPlusDI*1.2
		if bearish && !wasBearish {
			shorts = append(shorts, vote{"strong bearish trend", trendW * 1.5})
		}
		if volRatio > 1.3 && cur.Close > prev.High*1.001 && plusDI > minusDI {
			longs = append(longs, vote{"volume breakout", trendW * 1.4})
		}
		if volRatio > 1.3 && cur.Close < prev.Low*0.999 && minusDI > plusDI {
			shorts = append(shorts, vote{"volume breakdown", trendW * 1.4})
		}
	} else if rangeW > b.p.RangeWeightMin {
		if rsi < b.p.RSIOversold && cur.Close < bbLow*1.01 {
			longs = append(longs, vote{"RSI oversold at lower band", rangeW * 1.3})
		}
		if rsi > b.p.RSIOverbought && cur.Close > bbUp*0.99 {
			shorts = append(shorts, vote{"RSI overbought at upper band", rangeW * 1.3})
		}
		if cur.Close > cur.Open && prev.Close < prev.Open &&
			cur.Low > prev.Low*0.998 && cur.Volume > prev.Volume*1.2 {
			longs = append(longs, vote{"support bounce", rangeW * 1.2})
		}
		if cur.Close < cur.Open && prev.Close > prev.Open &&
			cur.High < prev.High*1.002 && cur.Volume > prev.Volume*1.2 {
			shorts = append(shorts, vote{"resistance rejection", rangeW * 1.2})
		}
	}

	volMult := 1.0
	if volRatio > b.p.VolumeThreshold {
		volMult = math.Min(2, volRatio/b.p.VolumeThreshold)
	}
	longW := average(longs) * volMult
	shortW := average(shorts) * volMult

	// volatility and candle-direction filters
	if atrMA > 0 && atr/atrMA > 1.5 {
		longW *= 0.7
		shortW *= 0.7
	}
	if cur.Close > cur.Open {
		longW *= 1.1
		shortW *= 0.9
	} else {
		longW *= 0.9
		shortW *= 1.1
	}

	switch {
	case longW >= b.p.EntryThreshold && longW > shortW:
		return Signal{Side: model.SideLong, Weight: longW, Reasons: reasons(longs)}
	case shortW >= b.p.EntryThreshold && shortW > longW:
		return Signal{Side: model.SideShort, Weight: shortW, Reasons: reasons(shorts)}
	}
	return Signal{Side: model.SideFlat}
}

func average(vs []vote) float64 {
	if len(vs) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vs {
		sum += v.weight
	}
	return sum / float64(len(vs))
}

func reasons(vs []vote) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.reason
	}
	return out
}
