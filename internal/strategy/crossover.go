package strategy

import (
	"log/slog"

	"github.com/DaniilMusin/btc-technical/internal/indicator"
	"github.com/DaniilMusin/btc-technical/internal/model"
)

// EMACrossover implements a simple fast/slow EMA crossover strategy.
//
// Long signal: fast EMA crosses above slow EMA (golden cross)
// Short signal: fast EMA crosses below slow EMA (death cross)
//
// Optional RSI filter prevents buying when overbought (>70)
// or selling when oversold (<30).
type EMACrossover struct {
	name       string
	rsiEnabled bool
}

// NewEMACrossover creates a crossover strategy over the engine's EMA_FAST/EMA_SLOW.
func NewEMACrossover(enableRSI bool) *EMACrossover {
	return &EMACrossover{name: "ema_crossover", rsiEnabled: enableRSI}
}

func (s *EMACrossover) Name() string {
	return s.name
}

func (s *EMACrossover) Evaluate(in Input) Signal {
	snap := in.Snapshot
	fast, slow := snap.Must(indicator.EMAFast), snap.Must(indicator.EMASlow)
	prevFast, prevSlow := snap.MustPrev(indicator.EMAFast), snap.MustPrev(indicator.EMASlow)
	rsi := snap.Must(indicator.RSIName)

	// Golden cross: fast crosses above slow
	if prevFast <= prevSlow && fast > slow {
		if s.rsiEnabled && rsi > 70 {
			slog.Debug("golden cross filtered by RSI", "strategy", s.name, "rsi", rsi)
			return Signal{Side: model.SideFlat}
		}
		return Signal{Side: model.SideLong, Weight: 1, Reasons: []string{"EMA golden cross"}}
	}

	// Death cross: fast crosses below slow
	if prevFast >= prevSlow && fast < slow {
		if s.rsiEnabled && rsi < 30 {
			slog.Debug("death cross filtered by RSI", "strategy", s.name, "rsi", rsi)
			return Signal{Side: model.SideFlat}
		}
		return Signal{Side: model.SideShort, Weight: 1, Reasons: []string{"EMA death cross"}}
	}

	return Signal{Side: model.SideFlat}
}
