// Package bingx is the live Broker for BingX perpetual swaps (REST v2).
//
// Requests are signed with HMAC-SHA256 over the key-sorted query string plus
// a millisecond timestamp; the API key travels in X-BX-APIKEY. Quantities
// and prices are cut to the contract precision with shopspring/decimal.
package bingx

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/DaniilMusin/btc-technical/internal/execution"
)

// DefaultBaseURL is the production REST host.
const DefaultBaseURL = "https://open-api.bingx.com"

// Config for the BingX client.
type Config struct {
	BaseURL    string
	APIKey     string
	Secret     string
	MarginMode string // "isolated" or "crossed"

	HTTPClient    *http.Client
	PollInterval  time.Duration // order status polling
	SubmitTimeout time.Duration // max wait for a terminal status

	// RateLimitRetries bounds immediate retries on HTTP 429.
	RateLimitRetries int
	RateLimitWait    time.Duration
}

func (c *Config) defaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.MarginMode == "" {
		c.MarginMode = "isolated"
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 15 * time.Second
	}
	if c.RateLimitRetries <= 0 {
		c.RateLimitRetries = 5
	}
	if c.RateLimitWait <= 0 {
		c.RateLimitWait = 250 * time.Millisecond
	}
}

// Precision of one contract.
type Precision struct {
	Qty   int32
	Price int32
}

// Client talks to the BingX swap REST API. Safe for concurrent use: stop
// adjustments run alongside the decision stream's submits.
type Client struct {
	cfg Config
	now func() time.Time
	log *slog.Logger

	mu         sync.Mutex
	precision  map[string]Precision
	leverage   map[string]int // last leverage set per symbol:side
	marginSet  map[string]bool
	stopOrders map[string]string // symbol → working STOP_MARKET order id
}

// New creates a client.
func New(cfg Config) *Client {
	cfg.defaults()
	return &Client{
		cfg:        cfg,
		now:        time.Now,
		log:        slog.Default().With("component", "broker", "broker", "bingx"),
		precision:  make(map[string]Precision),
		leverage:   make(map[string]int),
		marginSet:  make(map[string]bool),
		stopOrders: make(map[string]string),
	}
}

func (c *Client) Name() string { return "bingx" }

// envelope is the common BingX response wrapper.
type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// Auth-related API codes (bad signature, bad key, IP not whitelisted, ...).
var authCodes = map[int]bool{100001: true, 100413: true, 100419: true, 100004: true}

// Sign returns the hex HMAC-SHA256 of the query built from params sorted by key.
func Sign(secret string, params map[string]string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(canonical(params)))
	return hex.EncodeToString(mac.Sum(nil))
}

func canonical(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	return b.String()
}

// call performs a request and decodes the envelope's data into out.
func (c *Client) call(ctx context.Context, method, path string, params map[string]string, signed bool, out any) error {
	q := make(map[string]string, len(params)+2)
	for k, v := range params {
		q[k] = v
	}
	if signed {
		q["timestamp"] = strconv.FormatInt(c.now().UnixMilli(), 10)
	}
	query := canonical(q)
	if signed {
		query += "&signature=" + Sign(c.cfg.Secret, q)
	}
	url := c.cfg.BaseURL + path
	if query != "" {
		url += "?" + query
	}

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, url, nil)
		if err != nil {
			return fmt.Errorf("bingx request: %w", err)
		}
		if signed {
			req.Header.Set("X-BX-APIKEY", c.cfg.APIKey)
		}

		resp, err := c.cfg.HTTPClient.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %s %s: %v", execution.ErrExchangeUnavailable, method, path, err)
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("%w: read %s: %v", execution.ErrExchangeUnavailable, path, err)
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			if attempt >= c.cfg.RateLimitRetries {
				return fmt.Errorf("%w: rate limited on %s", execution.ErrExchangeUnavailable, path)
			}
			c.log.Warn("rate limited, waiting", "path", path, "attempt", attempt+1)
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", execution.ErrExchangeUnavailable, ctx.Err())
			case <-time.After(c.cfg.RateLimitWait):
			}
			continue
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return fmt.Errorf("%w: http %d on %s", execution.ErrAuth, resp.StatusCode, path)
		case resp.StatusCode >= 500:
			return fmt.Errorf("%w: http %d on %s", execution.ErrExchangeUnavailable, resp.StatusCode, path)
		case resp.StatusCode >= 400:
			return fmt.Errorf("%w: http %d on %s: %s", execution.ErrOrderRejected, resp.StatusCode, path, truncate(body))
		}

		var env envelope
		if err := json.Unmarshal(body, &env); err != nil {
			return fmt.Errorf("%w: decode %s: %v", execution.ErrExchangeUnavailable, path, err)
		}
		if env.Code != 0 {
			if authCodes[env.Code] {
				return fmt.Errorf("%w: code %d: %s", execution.ErrAuth, env.Code, env.Msg)
			}
			return &APIError{Code: env.Code, Msg: env.Msg}
		}
		if out == nil || len(env.Data) == 0 {
			return nil
		}
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("bingx decode %s data: %w", path, err)
		}
		return nil
	}
}

// APIError is a non-zero BingX response code. It classifies as an order
// rejection.
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string { return fmt.Sprintf("bingx code %d: %s", e.Code, e.Msg) }

func (e *APIError) Unwrap() error { return execution.ErrOrderRejected }

// IsAPICode reports whether err is an APIError with the given code.
func IsAPICode(err error, code int) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Code == code
}

func truncate(b []byte) string {
	if len(b) > 256 {
		b = b[:256]
	}
	return string(b)
}

// LoadPrecision fetches quantity/price precision for symbol from the public
// contracts endpoint. Falls back to 3/1 decimals on failure.
func (c *Client) LoadPrecision(ctx context.Context, symbol string) (Precision, error) {
	var contracts []struct {
		Symbol            string `json:"symbol"`
		QuantityPrecision int32  `json:"quantityPrecision"`
		PricePrecision    int32  `json:"pricePrecision"`
	}
	p := Precision{Qty: 3, Price: 1}
	err := c.call(ctx, http.MethodGet, "/openApi/swap/v2/quote/contracts", nil, false, &contracts)
	if err == nil {
		for _, ct := range contracts {
			if strings.EqualFold(ct.Symbol, symbol) {
				p = Precision{Qty: ct.QuantityPrecision, Price: ct.PricePrecision}
				break
			}
		}
	}
	c.mu.Lock()
	c.precision[symbol] = p
	c.mu.Unlock()
	if err != nil {
		return p, fmt.Errorf("load precision: %w", err)
	}
	return p, nil
}

func (c *Client) precisionFor(symbol string) Precision {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.precision[symbol]; ok {
		return p
	}
	return Precision{Qty: 3, Price: 1}
}

// FormatQty truncates qty to the contract precision so the exchange never
// receives more size than was risk-approved.
func (p Precision) FormatQty(qty float64) string {
	return decimal.NewFromFloat(qty).Truncate(p.Qty).StringFixed(p.Qty)
}

// FormatPrice rounds price to the contract precision.
func (p Precision) FormatPrice(price float64) string {
	return decimal.NewFromFloat(price).Round(p.Price).StringFixed(p.Price)
}
