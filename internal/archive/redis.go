package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"github.com/DaniilMusin/btc-technical/internal/model"
	"github.com/DaniilMusin/btc-technical/internal/resilience"
)

const (
	defaultStreamMaxLen = 10000
	eventStreamMaxLen   = 1000
	latestTTL           = 30 * time.Minute
)

// RedisConfig configures the Redis archive.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// MaxLen caps the candle stream (approximate trimming). Size it to the
	// retention window.
	MaxLen int64

	// BufferSize bounds writes held locally while Redis is down.
	BufferSize   int
	MaxFailures  int
	ResetTimeout time.Duration
}

// entry is one stream write, also published on "pub:"+stream.
type entry struct {
	Stream string `json:"stream"`
	MaxLen int64  `json:"max_len"`
	Data   string `json:"data"`
	Latest string `json:"latest,omitempty"` // optional key holding the newest payload
}

// Redis writes candles and domain events to Redis Streams through a circuit
// breaker. While the circuit is open, writes are buffered locally (oldest
// dropped when full) and replayed once it closes.
type Redis struct {
	client *goredis.Client
	cb     *resilience.Breaker
	maxLen int64

	mu     sync.Mutex
	buffer []entry
	maxBuf int

	// Callbacks
	OnBuffer func()                      // a write was buffered
	OnFlush  func(count int)             // buffered writes were replayed
	OnState  func(to resilience.State) // breaker transitions
}

// NewRedis connects and pings the server.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	slog.Info("redis connected", "addr", cfg.Addr)
	return newRedis(client, cfg), nil
}

func newRedis(client *goredis.Client, cfg RedisConfig) *Redis {
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = defaultStreamMaxLen
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 10000
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 10 * time.Second
	}
	r := &Redis{
		client: client,
		cb:     resilience.NewBreaker(cfg.MaxFailures, cfg.ResetTimeout),
		maxLen: cfg.MaxLen,
		buffer: make([]entry, 0, 256),
		maxBuf: cfg.BufferSize,
	}
	r.cb.OnStateChange = func(from, to resilience.State) {
		slog.Warn("redis circuit breaker", "from", from.String(), "to", to.String())
		if r.OnState != nil {
			r.OnState(to)
		}
		if to == resilience.StateClosed {
			go r.flush()
		}
	}
	return r
}

// Client returns the underlying client for health checks.
func (r *Redis) Client() *goredis.Client { return r.client }

// Ping checks Redis liveness.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// CandleStream is the stream key for a symbol/interval.
func CandleStream(symbol, interval string) string {
	return "candles:" + symbol + ":" + interval
}

// EventStream is the stream key for a symbol's domain events.
func EventStream(symbol string) string {
	return "events:" + symbol
}

// Archive implements model.CandleArchiver.
func (r *Redis) Archive(ctx context.Context, c model.Candle) error {
	stream := CandleStream(c.Symbol, c.Interval)
	return r.write(ctx, entry{
		Stream: stream,
		MaxLen: r.maxLen,
		Data:   string(c.JSON()),
		Latest: "candle:latest:" + c.Symbol + ":" + c.Interval,
	})
}

// Publish implements model.EventPublisher.
func (r *Redis) Publish(ctx context.Context, ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return r.write(ctx, entry{Stream: EventStream(ev.Symbol), MaxLen: eventStreamMaxLen, Data: string(data)})
}

func (r *Redis) write(ctx context.Context, e entry) error {
	err := r.cb.Execute(func() error { return r.exec(ctx, e) })
	switch {
	case err == nil:
		return nil
	case errors.Is(err, resilience.ErrCircuitOpen):
		r.bufferWrite(e)
		return nil // buffered, not lost
	default:
		r.bufferWrite(e)
		return fmt.Errorf("redis write %s: %w", e.Stream, err)
	}
}

// exec performs XADD + optional SET latest + PUBLISH in one pipeline.
func (r *Redis) exec(ctx context.Context, e entry) error {
	pipe := r.client.Pipeline()
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: e.Stream,
		MaxLen: e.MaxLen,
		Approx: true,
		Values: map[string]interface{}{"data": e.Data},
	})
	if e.Latest != "" {
		pipe.Set(ctx, e.Latest, e.Data, latestTTL)
	}
	pipe.Publish(ctx, "pub:"+e.Stream, e.Data)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *Redis) bufferWrite(e entry) {
	r.mu.Lock()
	if len(r.buffer) >= r.maxBuf {
		// full, drop oldest
		r.buffer = r.buffer[1:]
	}
	r.buffer = append(r.buffer, e)
	r.mu.Unlock()

	if r.OnBuffer != nil {
		r.OnBuffer()
	}
}

// flush replays buffered writes. Writes that fail again go back to the buffer.
func (r *Redis) flush() {
	r.mu.Lock()
	if len(r.buffer) == 0 {
		r.mu.Unlock()
		return
	}
	toFlush := r.buffer
	r.buffer = make([]entry, 0, 256)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	flushed := 0
	for i, e := range toFlush {
		if err := r.exec(ctx, e); err != nil {
			slog.Warn("redis flush interrupted", "error", err, "remaining", len(toFlush)-i)
			for _, rest := range toFlush[i:] {
				r.bufferWrite(rest)
			}
			break
		}
		flushed++
	}

	slog.Info("redis flushed buffered writes", "count", flushed)
	if r.OnFlush != nil {
		r.OnFlush(flushed)
	}
}

// PendingCount returns the number of buffered writes waiting to be flushed.
func (r *Redis) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffer)
}

// BreakerState reports the circuit state for health checks.
func (r *Redis) BreakerState() resilience.State { return r.cb.CurrentState() }

// Close closes the Redis client. Buffered writes are dropped.
func (r *Redis) Close() error {
	if n := r.PendingCount(); n > 0 {
		slog.Warn("redis closing with buffered writes", "pending", n)
	}
	return r.client.Close()
}

var (
	_ model.CandleArchiver = (*Redis)(nil)
	_ model.EventPublisher = (*Redis)(nil)
)
