package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/DaniilMusin/btc-technical/internal/model"
)

// Backfill loads up to limit recent closed candles over REST so the decision
// stream can warm up without waiting for live bars. The newest returned
// candle becomes the dedupe watermark: the live stream will not deliver it
// or anything older. Call before Start.
func (f *Feed) Backfill(ctx context.Context, client *http.Client, limit int) ([]model.Candle, error) {
	if client == nil {
		client = http.DefaultClient
	}
	q := url.Values{}
	q.Set("symbol", f.cfg.Symbol)
	q.Set("interval", f.cfg.Interval)
	q.Set("limit", strconv.Itoa(limit))
	u := f.cfg.RESTURL + "/openApi/swap/v3/quote/klines?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("backfill request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backfill: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("backfill: http %d", resp.StatusCode)
	}

	var body struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data []struct {
			Open   string `json:"open"`
			High   string `json:"high"`
			Low    string `json:"low"`
			Close  string `json:"close"`
			Volume string `json:"volume"`
			Time   int64  `json:"time"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("backfill decode: %w", err)
	}
	if body.Code != 0 {
		return nil, fmt.Errorf("backfill: code %d: %s", body.Code, body.Msg)
	}

	step := model.IntervalDuration(f.cfg.Interval)
	now := f.now()
	out := make([]model.Candle, 0, len(body.Data))
	for _, k := range body.Data {
		c := model.Candle{
			Symbol:   f.cfg.Symbol,
			Interval: f.cfg.Interval,
			TS:       time.UnixMilli(k.Time).UTC(),
		}
		// the forming bar is still open
		if c.TS.Add(step).After(now) {
			continue
		}
		var perr error
		parse := func(s string) float64 {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil && perr == nil {
				perr = err
			}
			return v
		}
		c.Open, c.High, c.Low, c.Close, c.Volume = parse(k.Open), parse(k.High), parse(k.Low), parse(k.Close), parse(k.Volume)
		if perr != nil {
			return nil, fmt.Errorf("backfill kline %d: %w", k.Time, perr)
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TS.Before(out[j].TS) })

	// drop duplicates the endpoint may return
	dedup := out[:0]
	for _, c := range out {
		if len(dedup) > 0 && !c.TS.After(dedup[len(dedup)-1].TS) {
			continue
		}
		dedup = append(dedup, c)
	}

	if n := len(dedup); n > 0 {
		f.mu.Lock()
		if dedup[n-1].TS.After(f.last.TS) {
			f.last = dedup[n-1]
		}
		f.mu.Unlock()
	}
	f.log.Info("backfill loaded", "candles", len(dedup))
	return dedup, nil
}
