// Package ringbuf provides a fixed-capacity ring of model.Candle that
// overwrites the oldest element once full. It backs the in-memory candle
// working set, which only ever needs the trailing warm-up window.
//
// Ring is not safe for concurrent use; the decision stream is its only writer.
package ringbuf

import "github.com/DaniilMusin/btc-technical/internal/model"

// Ring is an overwrite-oldest circular buffer of candles.
type Ring struct {
	buf   []model.Candle
	head  int // next write position
	count int

	// evicted counts candles overwritten after the ring filled up
	evicted uint64
}

// New creates a ring holding at most capacity candles. Minimum capacity is 1.
func New(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{buf: make([]model.Candle, capacity)}
}

// Push appends c, evicting the oldest candle when the ring is full.
// Returns true if a candle was evicted.
func (r *Ring) Push(c model.Candle) bool {
	r.buf[r.head] = c
	r.head = (r.head + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
		return false
	}
	r.evicted++
	return true
}

// Last returns the newest candle.
func (r *Ring) Last() (model.Candle, bool) {
	if r.count == 0 {
		return model.Candle{}, false
	}
	idx := (r.head - 1 + len(r.buf)) % len(r.buf)
	return r.buf[idx], true
}

// Tail copies the newest n candles in chronological order.
// n is clamped to Len().
func (r *Ring) Tail(n int) []model.Candle {
	if n > r.count {
		n = r.count
	}
	if n <= 0 {
		return nil
	}
	out := make([]model.Candle, n)
	start := (r.head - n + len(r.buf)) % len(r.buf)
	for i := 0; i < n; i++ {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}
	return out
}

// Reset drops all candles.
func (r *Ring) Reset() {
	r.head = 0
	r.count = 0
	for i := range r.buf {
		r.buf[i] = model.Candle{}
	}
}

// Len returns the current number of candles held.
func (r *Ring) Len() int { return r.count }

// Cap returns the ring capacity.
func (r *Ring) Cap() int { return len(r.buf) }

// Evicted returns the total number of candles overwritten.
func (r *Ring) Evicted() uint64 { return r.evicted }
