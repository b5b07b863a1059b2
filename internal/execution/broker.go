// Package execution translates order intents into exchange orders (or
// simulated fills) and reports the outcome as model.Fill.
//
// Broker is the single capability set the orchestrator depends on. Variants:
// SimBroker (backtest and dry run) and the live BingX adapter in
// execution/bingx. Retrying and Guarded decorate any Broker.
package execution

import (
	"context"
	"errors"
	"fmt"

	"github.com/DaniilMusin/btc-technical/internal/model"
)

// ErrExecution is the class of broker failures.
var ErrExecution = errors.New("execution error")

var (
	// ErrExchangeUnavailable is transient: retry with backoff. A Submit
	// returning it did not place an order; an outcome the broker cannot
	// confirm is reported as ErrSubmitTimeout instead.
	ErrExchangeUnavailable = fmt.Errorf("%w: exchange unavailable", ErrExecution)
	// ErrOrderRejected means the exchange refused the order; re-evaluate
	// sizing instead of retrying blindly.
	ErrOrderRejected = fmt.Errorf("%w: order rejected", ErrExecution)
	// ErrAuth is fatal: credentials are wrong or revoked.
	ErrAuth = fmt.Errorf("%w: authentication failed", ErrExecution)
	// ErrSubmitTimeout means no terminal status was observed in time. The
	// order may or may not exist; reconcile before acting again.
	ErrSubmitTimeout = fmt.Errorf("%w: submit timeout", ErrExecution)
)

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrExchangeUnavailable)
}

// Broker places orders and reports account state.
type Broker interface {
	// Name identifies the variant ("sim", "dryrun", "bingx").
	Name() string

	// Submit places the intent and blocks until a terminal status or the
	// context/submit timeout. adjust_stop intents may return as soon as the
	// exchange accepted them.
	Submit(ctx context.Context, intent model.OrderIntent) (model.Fill, error)

	// AccountBalance returns authoritative account equity in quote currency.
	AccountBalance(ctx context.Context) (float64, error)

	// OpenOrders lists working orders for symbol.
	OpenOrders(ctx context.Context, symbol string) ([]model.Order, error)

	// Position returns the exchange's view of the open position for symbol,
	// or nil when flat.
	Position(ctx context.Context, symbol string) (*model.Position, error)

	// CancelOrder cancels a working order by exchange order ID.
	CancelOrder(ctx context.Context, symbol, orderID string) error
}

// RejectedFill builds the fill reported to the state machine when a submit
// failed without a broker-side fill.
func RejectedFill(intent model.OrderIntent, err error) model.Fill {
	return model.Fill{
		ClientID: intent.ClientID,
		Kind:     intent.Kind,
		TS:       intent.TS,
		Status:   model.FillRejected,
		Reason:   err.Error(),
	}
}
