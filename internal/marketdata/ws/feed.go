// Package ws is the live market data feed: BingX perpetual-swap klines over
// websocket, folded into closed candles.
//
// The exchange pushes gzip-compressed frames and a "Ping" keepalive that must
// be answered with "Pong". The feed reconnects with exponential backoff and
// resubscribes; candles at or before the last delivered timestamp are never
// delivered again.
package ws

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/DaniilMusin/btc-technical/internal/marketdata"
	"github.com/DaniilMusin/btc-technical/internal/marketdata/closedetector"
	"github.com/DaniilMusin/btc-technical/internal/model"
	"github.com/DaniilMusin/btc-technical/internal/resilience"
)

// DefaultURL is the BingX swap market stream.
const DefaultURL = "wss://open-api-swap.bingx.com/swap-market"

// Config holds the live feed configuration.
type Config struct {
	URL      string
	Symbol   string // e.g. "BTC-USDT"
	Interval string // e.g. "1m"

	// REST host for Backfill. Defaults to the BingX production host.
	RESTURL string

	Backoff     resilience.Backoff
	ReadTimeout time.Duration // no frame within this window → reconnect
	Buffer      int           // closed candles queued for the decision stream
}

func (c *Config) defaults() {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.RESTURL == "" {
		c.RESTURL = "https://open-api.bingx.com"
	}
	if c.Backoff.Base <= 0 {
		c.Backoff = resilience.DefaultBackoff
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.Buffer <= 0 {
		c.Buffer = 64
	}
}

type item struct {
	c   model.Candle
	gap int
}

// Feed implements marketdata.Feed and marketdata.GapReporter.
type Feed struct {
	cfg    Config
	log    *slog.Logger
	closer *closedetector.BarCloser
	now    func() time.Time

	items     chan item
	done      chan struct{}
	closeOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu   sync.Mutex
	last model.Candle // newest delivered candle

	connected atomic.Bool

	// owned by the consumer calling Next
	gap int

	// Optional metrics hooks
	OnReconnect func()
	OnGap       func(missed int)
	OnConnState func(up bool)
}

// New creates a feed. Call Start to connect.
func New(cfg Config) *Feed {
	cfg.defaults()
	return &Feed{
		cfg:    cfg,
		log:    slog.Default().With("component", "feed", "symbol", cfg.Symbol, "interval", cfg.Interval),
		closer: closedetector.New(),
		now:    time.Now,
		items:  make(chan item, cfg.Buffer),
		done:   make(chan struct{}),
	}
}

// Start launches the connection loop. It returns immediately.
func (f *Feed) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.run(ctx)
	}()
}

// Next blocks until a closed candle is available.
func (f *Feed) Next(ctx context.Context) (model.Candle, error) {
	select {
	case it := <-f.items:
		f.gap = it.gap
		return it.c, nil
	case <-f.done:
		return model.Candle{}, io.EOF
	case <-ctx.Done():
		return model.Candle{}, ctx.Err()
	}
}

// Gap returns the bars missed right before the last candle from Next.
func (f *Feed) Gap() int { return f.gap }

// Connected reports whether a websocket session is currently up.
func (f *Feed) Connected() bool { return f.connected.Load() }

// Close stops the connection loop and makes Next return io.EOF.
func (f *Feed) Close() error {
	f.closeOnce.Do(func() {
		if f.cancel != nil {
			f.cancel()
		}
		close(f.done)
	})
	f.wg.Wait()
	return nil
}

func (f *Feed) topic() string {
	return f.cfg.Symbol + "@kline_" + f.cfg.Interval
}

func (f *Feed) run(ctx context.Context) {
	attempt := 0
	for {
		received, err := f.session(ctx)
		f.setConnected(false)
		if ctx.Err() != nil {
			return
		}
		if received {
			attempt = 0
		}
		f.log.Warn("websocket disconnected, reconnecting", "error", err, "delay", f.cfg.Backoff.Delay(attempt))
		if f.OnReconnect != nil {
			f.OnReconnect()
		}
		if err := f.cfg.Backoff.Sleep(ctx, attempt); err != nil {
			return
		}
		attempt++
	}
}

// session runs one connection until it fails. received reports whether any
// frame arrived, which resets the backoff.
func (f *Feed) session(ctx context.Context) (received bool, err error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
				time.Now().Add(time.Second))
			conn.Close()
		case <-stop:
		}
	}()

	sub := map[string]string{"id": uuid.NewString(), "reqType": "sub", "dataType": f.topic()}
	if err := conn.WriteJSON(sub); err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}
	f.setConnected(true)
	f.log.Info("websocket subscribed", "topic", f.topic())

	for {
		conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
		mt, raw, err := conn.ReadMessage()
		if err != nil {
			return received, err
		}
		received = true

		payload, err := decode(mt, raw)
		if err != nil {
			f.log.Warn("undecodable frame", "error", err)
			continue
		}
		if bytes.Equal(payload, []byte("Ping")) {
			if err := conn.WriteMessage(websocket.TextMessage, []byte("Pong")); err != nil {
				return received, fmt.Errorf("pong: %w", err)
			}
			continue
		}

		updates, err := parseKlines(payload, f.cfg.Symbol, f.cfg.Interval)
		if err != nil {
			f.log.Warn("kline parse error", "error", err)
			continue
		}
		for _, u := range updates {
			if closed, ok := f.closer.Observe(u); ok {
				f.emit(ctx, closed)
			}
		}
		if closed, ok := f.closer.Expire(f.now()); ok {
			f.emit(ctx, closed)
		}
	}
}

func (f *Feed) setConnected(up bool) {
	if f.connected.Swap(up) != up && f.OnConnState != nil {
		f.OnConnState(up)
	}
}

// emit delivers c unless it is at or before the last delivered candle.
func (f *Feed) emit(ctx context.Context, c model.Candle) {
	f.mu.Lock()
	last := f.last
	if !last.TS.IsZero() && !c.TS.After(last.TS) {
		f.mu.Unlock()
		f.log.Debug("duplicate candle dropped", "ts", c.TS)
		return
	}
	gap := marketdata.MissedBars(last, c)
	f.last = c
	f.mu.Unlock()

	if gap > 0 {
		f.log.Warn("candle gap detected", "missed_bars", gap, "from", last.TS, "to", c.TS)
		if f.OnGap != nil {
			f.OnGap(gap)
		}
	}

	select {
	case f.items <- item{c: c, gap: gap}:
	case <-ctx.Done():
	}
}

// decode gunzips binary frames; text frames pass through.
func decode(mt int, raw []byte) ([]byte, error) {
	if mt != websocket.BinaryMessage || len(raw) < 2 || raw[0] != 0x1f || raw[1] != 0x8b {
		return raw, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

type klineMsg struct {
	Code     int    `json:"code"`
	DataType string `json:"dataType"`
	Data     []struct {
		Open   string `json:"o"`
		High   string `json:"h"`
		Low    string `json:"l"`
		Close  string `json:"c"`
		Volume string `json:"v"`
		TS     int64  `json:"T"`
	} `json:"data"`
}

var errNotKline = errors.New("not a kline message")

func parseKlines(payload []byte, symbol, interval string) ([]model.Candle, error) {
	var m klineMsg
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, err
	}
	if len(m.Data) == 0 {
		// subscription acks and heartbeats
		return nil, nil
	}
	if m.Code != 0 {
		return nil, fmt.Errorf("%w: code %d", errNotKline, m.Code)
	}

	out := make([]model.Candle, 0, len(m.Data))
	for _, k := range m.Data {
		c := model.Candle{
			Symbol:   symbol,
			Interval: interval,
			TS:       time.UnixMilli(k.TS).UTC(),
		}
		var err error
		for _, f := range []struct {
			dst *float64
			src string
		}{{&c.Open, k.Open}, {&c.High, k.High}, {&c.Low, k.Low}, {&c.Close, k.Close}, {&c.Volume, k.Volume}} {
			if *f.dst, err = strconv.ParseFloat(f.src, 64); err != nil {
				return nil, fmt.Errorf("kline %d: %w", k.TS, err)
			}
		}
		out = append(out, c)
	}
	return out, nil
}

var (
	_ marketdata.Feed        = (*Feed)(nil)
	_ marketdata.GapReporter = (*Feed)(nil)
)
