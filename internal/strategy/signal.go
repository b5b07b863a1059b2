// Package strategy holds the position state machine and the entry/exit
// signal sources it consults.
//
// A SignalSource reads an indicator snapshot and scores long/short bias.
// The Machine owns the single Position for its symbol, turns signals into
// order intents, and advances only on broker fills.
package strategy

import (
	"github.com/DaniilMusin/btc-technical/internal/indicator"
	"github.com/DaniilMusin/btc-technical/internal/model"
)

// Signal is the outcome of one evaluation. Side is SideFlat when nothing fired.
type Signal struct {
	Side    model.Side `json:"side"`
	Weight  float64    `json:"weight"`
	Reasons []string   `json:"reasons,omitempty"`
}

// None reports whether the signal asks for no action.
func (s Signal) None() bool { return s.Side == model.SideFlat || s.Side == "" }

// Input is what a SignalSource sees for one closed bar.
type Input struct {
	Snapshot indicator.Snapshot
	Candle   model.Candle
	Prev     model.Candle
}

// SignalSource is the interface that all entry strategies must implement.
type SignalSource interface {
	// Name returns the unique name of the strategy.
	Name() string

	// Evaluate scores the bar. Called only with a ready snapshot.
	Evaluate(in Input) Signal
}

// New returns the signal source registered under name.
// Unknown names fall back to the balanced strategy.
func New(name string) SignalSource {
	switch name {
	case "ema_crossover", "crossover":
		return NewEMACrossover(true)
	default:
		return NewBalanced(DefaultBalancedParams())
	}
}
