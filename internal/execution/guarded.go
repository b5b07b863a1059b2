package execution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/DaniilMusin/btc-technical/internal/model"
	"github.com/DaniilMusin/btc-technical/internal/resilience"
)

// Guarded puts a circuit breaker in front of a Broker. Only transient
// failures count; while open every call fails fast with
// ErrExchangeUnavailable.
type Guarded struct {
	Broker
	cb *resilience.Breaker
}

// NewGuarded wraps b with a breaker that opens after maxFailures consecutive
// transient failures and probes again after resetTimeout.
func NewGuarded(b Broker, maxFailures int, resetTimeout time.Duration, onChange func(from, to resilience.State)) *Guarded {
	cb := resilience.NewBreaker(maxFailures, resetTimeout)
	cb.Counts = IsTransient
	cb.OnStateChange = func(from, to resilience.State) {
		slog.Warn("broker circuit breaker state change",
			"broker", b.Name(), "from", from.String(), "to", to.String())
		if onChange != nil {
			onChange(from, to)
		}
	}
	return &Guarded{Broker: b, cb: cb}
}

// State returns the breaker state.
func (g *Guarded) State() resilience.State { return g.cb.CurrentState() }

func guard[T any](g *Guarded, fn func() (T, error)) (T, error) {
	var v T
	err := g.cb.Execute(func() error {
		var err error
		v, err = fn()
		return err
	})
	if err == resilience.ErrCircuitOpen {
		return v, fmt.Errorf("%w: %w", ErrExchangeUnavailable, err)
	}
	return v, err
}

func (g *Guarded) Submit(ctx context.Context, in model.OrderIntent) (model.Fill, error) {
	return guard(g, func() (model.Fill, error) { return g.Broker.Submit(ctx, in) })
}

func (g *Guarded) AccountBalance(ctx context.Context) (float64, error) {
	return guard(g, func() (float64, error) { return g.Broker.AccountBalance(ctx) })
}

func (g *Guarded) OpenOrders(ctx context.Context, symbol string) ([]model.Order, error) {
	return guard(g, func() ([]model.Order, error) { return g.Broker.OpenOrders(ctx, symbol) })
}

func (g *Guarded) CancelOrder(ctx context.Context, symbol, orderID string) error {
	_, err := guard(g, func() (struct{}, error) { return struct{}{}, g.Broker.CancelOrder(ctx, symbol, orderID) })
	return err
}

func (g *Guarded) Position(ctx context.Context, symbol string) (*model.Position, error) {
	return guard(g, func() (*model.Position, error) { return g.Broker.Position(ctx, symbol) })
}
