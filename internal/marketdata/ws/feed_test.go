package ws

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/DaniilMusin/btc-technical/internal/resilience"
)

var t0 = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

func gz(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write([]byte(s))
	zw.Close()
	return buf.Bytes()
}

func kline(minute int, close float64) string {
	ts := t0.Add(time.Duration(minute) * time.Minute).UnixMilli()
	return fmt.Sprintf(`{"code":0,"dataType":"BTC-USDT@kline_1m","s":"BTC-USDT","data":[{"o":"100","h":"%[1]g","l":"99","c":"%[1]g","v":"3.5","T":%[2]d}]}`, close, ts)
}

// script is served per connection; the last script keeps its connection open.
func wsServer(t *testing.T, scripts [][]string, pongs *int32) *httptest.Server {
	t.Helper()
	var conns int32
	up := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		_, sub, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req map[string]string
		json.Unmarshal(sub, &req)
		if req["reqType"] != "sub" || req["dataType"] != "BTC-USDT@kline_1m" {
			t.Errorf("unexpected subscription %s", sub)
		}

		conn.WriteMessage(websocket.BinaryMessage, gz(t, "Ping"))
		if _, msg, err := conn.ReadMessage(); err == nil && string(msg) == "Pong" {
			atomic.AddInt32(pongs, 1)
		}

		n := int(atomic.AddInt32(&conns, 1)) - 1
		if n >= len(scripts) {
			n = len(scripts) - 1
		}
		for _, m := range scripts[n] {
			conn.WriteMessage(websocket.BinaryMessage, gz(t, m))
		}
		if n < len(scripts)-1 {
			return // drop the connection
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func newTestFeed(srvURL string) *Feed {
	f := New(Config{
		URL:      "ws" + strings.TrimPrefix(srvURL, "http"),
		Symbol:   "BTC-USDT",
		Interval: "1m",
		Backoff:  resilience.Backoff{Base: time.Millisecond, Max: 10 * time.Millisecond},
	})
	f.now = func() time.Time { return t0 } // nothing expires by grace
	return f
}

func TestFeed_ReconnectWithoutDuplicates(t *testing.T) {
	var pongs int32
	srv := wsServer(t, [][]string{
		{kline(0, 101), kline(0, 102), kline(1, 103), kline(2, 104)},
		{kline(1, 103), kline(2, 104), kline(3, 105), kline(4, 106), kline(6, 107), kline(7, 108)},
	}, &pongs)
	defer srv.Close()

	f := newTestFeed(srv.URL)
	var reconnects int32
	f.OnReconnect = func() { atomic.AddInt32(&reconnects, 1) }
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	f.Start(ctx)
	defer f.Close()

	wantMinutes := []int{0, 1, 2, 3, 4, 6}
	for i, m := range wantMinutes {
		c, err := f.Next(ctx)
		if err != nil {
			t.Fatalf("candle %d: %v", i, err)
		}
		if want := t0.Add(time.Duration(m) * time.Minute); !c.TS.Equal(want) {
			t.Fatalf("candle %d: expected ts %v, got %v", i, want, c.TS)
		}
		if m == 0 && c.Close != 102 {
			t.Fatalf("bar 0 should carry the last update (102), got %.0f", c.Close)
		}
		wantGap := 0
		if m == 6 {
			wantGap = 1
		}
		if f.Gap() != wantGap {
			t.Fatalf("candle %d: expected gap %d, got %d", i, wantGap, f.Gap())
		}
	}
	if atomic.LoadInt32(&reconnects) < 1 {
		t.Fatal("expected at least one reconnect")
	}
	if atomic.LoadInt32(&pongs) < 2 {
		t.Fatalf("expected a Pong per session, got %d", pongs)
	}
}

func TestFeed_CloseReturnsEOF(t *testing.T) {
	var pongs int32
	srv := wsServer(t, [][]string{{}}, &pongs)
	defer srv.Close()

	f := newTestFeed(srv.URL)
	f.Start(context.Background())
	f.Close()

	if _, err := f.Next(context.Background()); err != io.EOF {
		t.Fatalf("expected io.EOF after Close, got %v", err)
	}
}

func TestBackfill_DropsFormingBarAndSetsWatermark(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/openApi/swap/v3/quote/klines" || r.URL.Query().Get("symbol") != "BTC-USDT" {
			t.Errorf("unexpected request %s", r.URL)
		}
		// newest first, last one still forming
		fmt.Fprintf(w, `{"code":0,"data":[
			{"open":"1","high":"2","low":"0.5","close":"1.5","volume":"10","time":%d},
			{"open":"1","high":"2","low":"0.5","close":"1.4","volume":"10","time":%d},
			{"open":"1","high":"2","low":"0.5","close":"1.3","volume":"10","time":%d}
		]}`, t0.Add(2*time.Minute).UnixMilli(), t0.Add(time.Minute).UnixMilli(), t0.UnixMilli())
	}))
	defer srv.Close()

	f := New(Config{RESTURL: srv.URL, Symbol: "BTC-USDT", Interval: "1m"})
	f.now = func() time.Time { return t0.Add(2*time.Minute + 30*time.Second) }

	got, err := f.Backfill(context.Background(), srv.Client(), 3)
	if err != nil {
		t.Fatalf("backfill: %v", err)
	}
	if len(got) != 2 || !got[0].TS.Equal(t0) || got[1].Close != 1.4 {
		t.Fatalf("expected two closed bars oldest first, got %+v", got)
	}

	// the live stream must not re-deliver the watermark bar
	f.emit(context.Background(), got[1])
	select {
	case it := <-f.items:
		t.Fatalf("duplicate delivered: %+v", it.c)
	default:
	}
}
