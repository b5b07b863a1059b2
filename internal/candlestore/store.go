// Package candlestore holds the in-memory working set of closed candles for a
// single symbol/interval. It is append-only, strictly ordered by timestamp, and
// retains only the trailing warm-up window. Long-term retention belongs to the
// archive collaborator.
package candlestore

import (
	"errors"
	"fmt"

	"github.com/DaniilMusin/btc-technical/internal/model"
	"github.com/DaniilMusin/btc-technical/internal/ringbuf"
)

// ErrData is the class of recoverable data errors. Callers treat it as
// "not ready", never as fatal.
var ErrData = errors.New("data error")

var (
	ErrOutOfOrderCandle    = fmt.Errorf("%w: out-of-order candle", ErrData)
	ErrInsufficientHistory = fmt.Errorf("%w: insufficient history", ErrData)
	ErrWrongSeries         = fmt.Errorf("%w: candle for another series", ErrData)
)

// Store is the ordered candle series for one (symbol, interval).
// Not safe for concurrent use.
type Store struct {
	symbol   string
	interval string
	ring     *ringbuf.Ring
}

// New creates a Store retaining at most capacity candles.
func New(symbol, interval string, capacity int) *Store {
	return &Store{
		symbol:   symbol,
		interval: interval,
		ring:     ringbuf.New(capacity),
	}
}

// Append stores c. Fails with ErrOutOfOrderCandle if c is not strictly newer
// than the last stored candle.
func (s *Store) Append(c model.Candle) error {
	if c.Symbol != s.symbol || c.Interval != s.interval {
		return fmt.Errorf("%w: got %s, store is %s:%s", ErrWrongSeries, c.Key(), s.symbol, s.interval)
	}
	if last, ok := s.ring.Last(); ok && !c.TS.After(last.TS) {
		return fmt.Errorf("%w: %s <= last %s", ErrOutOfOrderCandle,
			c.TS.Format("2006-01-02T15:04:05Z07:00"), last.TS.Format("2006-01-02T15:04:05Z07:00"))
	}
	s.ring.Push(c)
	return nil
}

// Latest returns the most recent n candles in chronological order.
func (s *Store) Latest(n int) ([]model.Candle, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: n=%d", ErrInsufficientHistory, n)
	}
	if s.ring.Len() < n {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientHistory, s.ring.Len(), n)
	}
	return s.ring.Tail(n), nil
}

// All returns every retained candle in chronological order.
func (s *Store) All() []model.Candle {
	return s.ring.Tail(s.ring.Len())
}

// Last returns the newest candle.
func (s *Store) Last() (model.Candle, bool) {
	return s.ring.Last()
}

// Len returns the number of retained candles.
func (s *Store) Len() int { return s.ring.Len() }

// Capacity returns the retention window.
func (s *Store) Capacity() int { return s.ring.Cap() }

// Reset drops the working set, forcing a fresh warm-up.
func (s *Store) Reset() { s.ring.Reset() }
