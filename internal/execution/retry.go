package execution

import (
	"context"
	"log/slog"

	"github.com/DaniilMusin/btc-technical/internal/model"
	"github.com/DaniilMusin/btc-technical/internal/resilience"
)

// Retrying retries transient failures (ErrExchangeUnavailable) with bounded
// exponential backoff. Rejections and auth errors pass through untouched.
// Submit retries reuse the intent's ClientID so the exchange can deduplicate;
// brokers report placements they cannot confirm as ErrSubmitTimeout, which is
// never retried here.
type Retrying struct {
	Broker
	attempts int
	backoff  resilience.Backoff
	log      *slog.Logger
}

// NewRetrying wraps b. attempts is the total number of tries (minimum 1).
func NewRetrying(b Broker, attempts int, backoff resilience.Backoff) *Retrying {
	if attempts < 1 {
		attempts = 1
	}
	return &Retrying{
		Broker:   b,
		attempts: attempts,
		backoff:  backoff,
		log:      slog.Default().With("component", "broker", "broker", b.Name()),
	}
}

func retry[T any](ctx context.Context, r *Retrying, op string, fn func() (T, error)) (T, error) {
	var (
		v   T
		err error
	)
	for attempt := 0; attempt < r.attempts; attempt++ {
		v, err = fn()
		if err == nil || !IsTransient(err) {
			return v, err
		}
		if attempt == r.attempts-1 {
			break
		}
		r.log.Warn("transient broker error, backing off",
			"op", op, "attempt", attempt+1, "delay", r.backoff.Delay(attempt), "error", err)
		if serr := r.backoff.Sleep(ctx, attempt); serr != nil {
			return v, err
		}
	}
	return v, err
}

func (r *Retrying) Submit(ctx context.Context, in model.OrderIntent) (model.Fill, error) {
	return retry(ctx, r, "submit", func() (model.Fill, error) { return r.Broker.Submit(ctx, in) })
}

func (r *Retrying) AccountBalance(ctx context.Context) (float64, error) {
	return retry(ctx, r, "balance", func() (float64, error) { return r.Broker.AccountBalance(ctx) })
}

func (r *Retrying) OpenOrders(ctx context.Context, symbol string) ([]model.Order, error) {
	return retry(ctx, r, "open_orders", func() ([]model.Order, error) { return r.Broker.OpenOrders(ctx, symbol) })
}

func (r *Retrying) CancelOrder(ctx context.Context, symbol, orderID string) error {
	_, err := retry(ctx, r, "cancel", func() (struct{}, error) {
		return struct{}{}, r.Broker.CancelOrder(ctx, symbol, orderID)
	})
	return err
}

func (r *Retrying) Position(ctx context.Context, symbol string) (*model.Position, error) {
	return retry(ctx, r, "position", func() (*model.Position, error) { return r.Broker.Position(ctx, symbol) })
}
