package bingx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DaniilMusin/btc-technical/internal/execution"
	"github.com/DaniilMusin/btc-technical/internal/model"
	"github.com/DaniilMusin/btc-technical/internal/resilience"
)

func TestSign_KnownVector(t *testing.T) {
	secret := "mheO6dR8ovSsxZQCOYEFCtelpuxcWGTfHw7te326y6jOwq5WpvFQ9JNljoTwBXZGv5It07m9RXSPpDQEK2w"
	params := map[string]string{
		"timestamp":        "1696751141337",
		"subAccountString": "abc12345",
		"recvWindow":       "0",
	}
	got := strings.ToUpper(Sign(secret, params))
	want := "8D0D3EA9B592BE3678C33332AB13E9102E093E67255921E15A581146C87C272F"
	if got != want {
		t.Fatalf("signature mismatch:\n got  %s\n want %s", got, want)
	}
}

func TestPrecision_Format(t *testing.T) {
	p := Precision{Qty: 3, Price: 1}
	if got := p.FormatQty(0.12399); got != "0.123" {
		t.Errorf("qty must truncate, got %s", got)
	}
	if got := p.FormatPrice(42000.06); got != "42000.1" {
		t.Errorf("price must round, got %s", got)
	}
}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := New(Config{
		BaseURL:       srv.URL,
		APIKey:        "key",
		Secret:        "secret",
		PollInterval:  5 * time.Millisecond,
		SubmitTimeout: 200 * time.Millisecond,
		RateLimitWait: time.Millisecond,
	})
	return c
}

func TestCall_SignsRequest(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-BX-APIKEY") != "key" {
			t.Errorf("missing api key header")
		}
		q := r.URL.Query()
		sig := q.Get("signature")
		params := map[string]string{}
		for k := range q {
			if k != "signature" {
				params[k] = q.Get(k)
			}
		}
		if sig != Sign("secret", params) {
			t.Errorf("bad signature %s", sig)
		}
		fmt.Fprint(w, `{"code":0,"data":{"balance":{"equity":"1234.5"}}}`)
	})
	bal, err := c.AccountBalance(context.Background())
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal != 1234.5 {
		t.Fatalf("expected 1234.5, got %v", bal)
	}
}

func TestCall_RateLimitThenOK(t *testing.T) {
	var n int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&n, 1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"code":0,"data":{"balance":{"balance":"10"}}}`)
	})
	bal, err := c.AccountBalance(context.Background())
	if err != nil || bal != 10 {
		t.Fatalf("expected 10 after rate limit, got %v err=%v", bal, err)
	}
	if atomic.LoadInt32(&n) != 3 {
		t.Fatalf("expected 3 requests, got %d", n)
	}
}

func TestCall_ErrorClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, "", execution.ErrAuth},
		{"server error", http.StatusBadGateway, "", execution.ErrExchangeUnavailable},
		{"bad request", http.StatusBadRequest, "nope", execution.ErrOrderRejected},
		{"api code", http.StatusOK, `{"code":101204,"msg":"insufficient margin"}`, execution.ErrOrderRejected},
		{"auth code", http.StatusOK, `{"code":100001,"msg":"signature verification failed"}`, execution.ErrAuth},
		{"garbage", http.StatusOK, `<html>`, execution.ErrExchangeUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				fmt.Fprint(w, tc.body)
			})
			_, err := c.AccountBalance(context.Background())
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestCall_APICode(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":101204,"msg":"insufficient margin"}`)
	})
	_, err := c.AccountBalance(context.Background())
	if !IsAPICode(err, 101204) {
		t.Fatalf("expected api code 101204, got %v", err)
	}
	if execution.IsTransient(err) {
		t.Fatal("api rejection must not be transient")
	}
}

// exchange is a tiny fake of the order endpoints.
type exchange struct {
	status   string // returned by order queries
	canceled int32

	mu     sync.Mutex
	placed []string
}

func (e *exchange) orders() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.placed...)
}

func (e *exchange) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch {
		case r.URL.Path == "/openApi/swap/v2/trade/marginType",
			r.URL.Path == "/openApi/swap/v2/trade/leverage":
			fmt.Fprint(w, `{"code":0,"data":{}}`)
		case r.URL.Path == "/openApi/swap/v2/trade/order" && r.Method == http.MethodPost:
			e.mu.Lock()
			e.placed = append(e.placed, q.Get("type")+":"+q.Get("side")+":"+q.Get("positionSide")+":"+q.Get("quantity"))
			e.mu.Unlock()
			fmt.Fprint(w, `{"code":0,"data":{"order":{"orderId":1729,"status":"NEW"}}}`)
		case r.URL.Path == "/openApi/swap/v2/trade/order" && r.Method == http.MethodGet:
			fmt.Fprintf(w, `{"code":0,"data":{"order":{"orderId":1729,"status":%q,"executedQty":"0.015","avgPrice":"42000.5","commission":"-0.22","time":1705314600000}}}`, e.status)
		case r.URL.Path == "/openApi/swap/v2/trade/order" && r.Method == http.MethodDelete:
			atomic.AddInt32(&e.canceled, 1)
			fmt.Fprint(w, `{"code":0,"data":{}}`)
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func TestSubmit_OpenPollsUntilFilled(t *testing.T) {
	ex := &exchange{status: "FILLED"}
	c := newTestClient(t, ex.handler(t))

	fill, err := c.Submit(context.Background(), model.OrderIntent{
		ClientID: "c1", Kind: model.IntentOpen, Symbol: "BTC-USDT",
		Side: model.SideShort, RequestedSize: 0.01599, Leverage: 2,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if fill.Status != model.FillFilled || fill.FilledSize != 0.015 || fill.FilledPrice != 42000.5 {
		t.Fatalf("unexpected fill: %+v", fill)
	}
	if fill.Fee != 0.22 || fill.ClientID != "c1" || fill.OrderID != "1729" {
		t.Fatalf("unexpected fill fields: %+v", fill)
	}
	if got := ex.orders(); len(got) != 1 || got[0] != "MARKET:SELL:SHORT:0.015" {
		t.Fatalf("unexpected orders: %v", got)
	}
}

func TestSubmit_TimeoutWithoutTerminalStatus(t *testing.T) {
	ex := &exchange{status: "NEW"}
	c := newTestClient(t, ex.handler(t))

	_, err := c.Submit(context.Background(), model.OrderIntent{
		ClientID: "c2", Kind: model.IntentClose, Symbol: "BTC-USDT",
		Side: model.SideLong, RequestedSize: 0.01,
	})
	if !errors.Is(err, execution.ErrSubmitTimeout) {
		t.Fatalf("expected ErrSubmitTimeout, got %v", err)
	}
	if execution.IsTransient(err) {
		t.Fatal("submit timeout must not be retried blindly")
	}
}

func TestSubmit_AdjustStopReplacesWorkingStop(t *testing.T) {
	ex := &exchange{status: "FILLED"}
	c := newTestClient(t, ex.handler(t))
	ctx := context.Background()

	for _, stop := range []float64{41000, 41500} {
		fill, err := c.Submit(ctx, model.OrderIntent{
			Kind: model.IntentAdjustStop, Symbol: "BTC-USDT",
			Side: model.SideLong, RequestedSize: 0.01, StopPrice: stop,
		})
		if err != nil || fill.Status != model.FillFilled {
			t.Fatalf("adjust stop: %+v %v", fill, err)
		}
	}
	if got := atomic.LoadInt32(&ex.canceled); got != 1 {
		t.Fatalf("expected the first stop to be canceled once, got %d", got)
	}
	if got := ex.orders(); got[0] != "STOP_MARKET:SELL:LONG:0.010" {
		t.Fatalf("unexpected stop order %s", got[0])
	}
}

func TestSubmit_BelowPrecisionRejected(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":0,"data":{}}`)
	})
	fill, err := c.Submit(context.Background(), model.OrderIntent{
		Kind: model.IntentClose, Symbol: "BTC-USDT", Side: model.SideLong, RequestedSize: 0.0004,
	})
	if !errors.Is(err, execution.ErrOrderRejected) || fill.Status != model.FillRejected {
		t.Fatalf("expected rejection, got %+v %v", fill, err)
	}
}

func TestPosition_Parsing(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":0,"data":[
			{"symbol":"BTC-USDT","positionSide":"LONG","positionAmt":"0","avgPrice":"0","leverage":2},
			{"symbol":"BTC-USDT","positionSide":"SHORT","positionAmt":"0.02","avgPrice":"43000","leverage":3}
		]}`)
	})
	p, err := c.Position(context.Background(), "BTC-USDT")
	if err != nil {
		t.Fatal(err)
	}
	if p == nil || p.Side != model.SideShort || p.Size != 0.02 || p.EntryPrice != 43000 || p.Leverage != 3 {
		t.Fatalf("unexpected position %+v", p)
	}
}

// flakyExchange fails order placement in configurable ways and answers
// client-ID lookups from the orders it actually accepted.
type flakyExchange struct {
	postFail   []int  // per POST attempt: HTTP status to fail with, 0 = accept
	dupMsg     string // when set, POSTs after the first accepted one fail with this API error
	lookupDown bool   // client-ID lookups fail with 502

	mu       sync.Mutex
	posts    int
	accepted []string // client IDs live on the exchange
}

func (e *flakyExchange) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		e.mu.Lock()
		defer e.mu.Unlock()
		switch {
		case r.URL.Path == "/openApi/swap/v2/trade/marginType",
			r.URL.Path == "/openApi/swap/v2/trade/leverage":
			fmt.Fprint(w, `{"code":0,"data":{}}`)
		case r.URL.Path == "/openApi/swap/v2/trade/order" && r.Method == http.MethodPost:
			attempt := e.posts
			e.posts++
			if e.dupMsg != "" && len(e.accepted) > 0 {
				fmt.Fprintf(w, `{"code":80001,"msg":%q}`, e.dupMsg)
				return
			}
			if attempt < len(e.postFail) && e.postFail[attempt] != 0 {
				if e.postFail[attempt] == http.StatusGatewayTimeout {
					// the order landed, the response did not
					e.accepted = append(e.accepted, q.Get("clientOrderID"))
				}
				w.WriteHeader(e.postFail[attempt])
				return
			}
			e.accepted = append(e.accepted, q.Get("clientOrderID"))
			fmt.Fprint(w, `{"code":0,"data":{"order":{"orderId":1729,"status":"NEW"}}}`)
		case r.URL.Path == "/openApi/swap/v2/trade/order" && r.Method == http.MethodGet:
			if id := q.Get("clientOrderID"); id != "" {
				if e.lookupDown {
					w.WriteHeader(http.StatusBadGateway)
					return
				}
				for _, a := range e.accepted {
					if a == id {
						fmt.Fprintf(w, `{"code":0,"data":{"order":{"orderId":1729,"clientOrderId":%q,"status":"NEW"}}}`, id)
						return
					}
				}
				fmt.Fprint(w, `{"code":109414,"msg":"order not exist"}`)
				return
			}
			fmt.Fprint(w, `{"code":0,"data":{"order":{"orderId":1729,"status":"FILLED","executedQty":"0.010","avgPrice":"42000","time":1705314600000}}}`)
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func (e *flakyExchange) counts() (posts, live int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.posts, len(e.accepted)
}

func retrying(c *Client) *execution.Retrying {
	return execution.NewRetrying(c, 3, resilience.Backoff{Base: time.Millisecond, Max: time.Millisecond})
}

var openIntent = model.OrderIntent{
	ClientID: "cid-1", Kind: model.IntentOpen, Symbol: "BTC-USDT",
	Side: model.SideLong, RequestedSize: 0.01, Leverage: 2,
}

func TestSubmit_LostResponseFindsOrderByClientID(t *testing.T) {
	ex := &flakyExchange{postFail: []int{http.StatusGatewayTimeout}}
	c := newTestClient(t, ex.handler(t))

	fill, err := retrying(c).Submit(context.Background(), openIntent)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if fill.Status != model.FillFilled || fill.FilledSize != 0.01 {
		t.Fatalf("expected the placed order's fill, got %+v", fill)
	}
	if posts, live := ex.counts(); posts != 1 || live != 1 {
		t.Fatalf("expected one POST and one live order, got %d posts, %d live", posts, live)
	}
}

func TestSubmit_DuplicateClientIDResolvesToPlacedOrder(t *testing.T) {
	// first POST is placed but reported as 502; the retry hits the duplicate check
	ex := &flakyExchange{postFail: []int{http.StatusGatewayTimeout}, dupMsg: "duplicate clientOrderID"}
	c := newTestClient(t, ex.handler(t))

	ex.lookupDown = true // the first lookup fails too, so the broker cannot confirm
	_, err := retrying(c).Submit(context.Background(), openIntent)
	if !errors.Is(err, execution.ErrSubmitTimeout) {
		t.Fatalf("unconfirmed placement must be a submit timeout, got %v", err)
	}
	if posts, _ := ex.counts(); posts != 1 {
		t.Fatalf("an unconfirmed order must not be re-posted, got %d posts", posts)
	}

	ex.mu.Lock()
	ex.lookupDown = false
	ex.mu.Unlock()
	fill, err := c.Submit(context.Background(), openIntent)
	if err != nil || fill.Status != model.FillFilled {
		t.Fatalf("duplicate rejection should resolve to the live order, got %+v %v", fill, err)
	}
	if _, live := ex.counts(); live != 1 {
		t.Fatalf("expected exactly one live order, got %d", live)
	}
}

func TestSubmit_NotPlacedIsRetried(t *testing.T) {
	ex := &flakyExchange{postFail: []int{http.StatusBadGateway}}
	c := newTestClient(t, ex.handler(t))

	fill, err := retrying(c).Submit(context.Background(), openIntent)
	if err != nil || fill.Status != model.FillFilled {
		t.Fatalf("expected fill after retry, got %+v %v", fill, err)
	}
	if posts, live := ex.counts(); posts != 2 || live != 1 {
		t.Fatalf("expected 2 posts and 1 live order, got %d, %d", posts, live)
	}
}

func TestCancelOrder_ForgetsTrackedStop(t *testing.T) {
	ex := &exchange{status: "FILLED"}
	c := newTestClient(t, ex.handler(t))
	ctx := context.Background()
	adjust := model.OrderIntent{
		Kind: model.IntentAdjustStop, Symbol: "BTC-USDT",
		Side: model.SideLong, RequestedSize: 0.01, StopPrice: 41000,
	}

	if _, err := c.Submit(ctx, adjust); err != nil {
		t.Fatalf("adjust stop: %v", err)
	}
	if err := c.CancelOrder(ctx, "BTC-USDT", "1729"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := c.Submit(ctx, adjust); err != nil {
		t.Fatalf("adjust stop: %v", err)
	}
	if got := atomic.LoadInt32(&ex.canceled); got != 1 {
		t.Fatalf("a cancelled stop must not be cancelled again, got %d deletes", got)
	}
}
