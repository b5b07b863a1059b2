package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
)

func TestMetrics_RegisterAndExpose(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.CandlesTotal.Add(3)
	m.FillsTotal.WithLabelValues("open", "filled").Inc()
	m.Halted.Set(1)

	srv := NewServer(":0", reg, NewHealthStatus())
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{
		"agent_candles_total 3",
		`agent_fills_total{kind="open",status="filled"} 1`,
		"agent_halted 1",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestHealth_Status(t *testing.T) {
	h := NewHealthStatus()
	now := time.Date(2024, 1, 15, 10, 31, 0, 0, time.UTC)
	h.now = func() time.Time { return now }
	h.StartedAt = now.Add(-time.Hour)

	rep, code := h.report()
	if code != http.StatusServiceUnavailable || rep.Status != "degraded" {
		t.Fatalf("disconnected feed must be degraded, got %s/%d", rep.Status, code)
	}

	h.SetWSConnected(true)
	h.SetLastCandleTime(now.Add(-30 * time.Second))
	rep, code = h.report()
	if code != http.StatusOK || rep.Status != "healthy" || rep.CandleAge != "30s" {
		t.Fatalf("expected healthy with 30s candle age, got %+v/%d", rep, code)
	}
	if rep.RedisConnected != nil {
		t.Fatal("unprobed redis must be omitted")
	}

	h.SetHalted("auth failure")
	rep, code = h.report()
	if code != http.StatusServiceUnavailable || rep.Status != "halted" || rep.HaltReason != "auth failure" {
		t.Fatalf("expected halted, got %+v/%d", rep, code)
	}
}

func TestHealth_SQLiteProbe(t *testing.T) {
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "h.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	h := NewHealthStatus()
	h.SetWSConnected(true)
	h.CheckSQLite(context.Background(), db)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	var got map[string]interface{}
	json.NewDecoder(rec.Body).Decode(&got)
	if rec.Code != http.StatusOK || got["sqlite_ok"] != true {
		t.Fatalf("expected healthy sqlite, got %d %v", rec.Code, got)
	}

	db.Close()
	h.CheckSQLite(context.Background(), db)
	if _, code := h.report(); code != http.StatusServiceUnavailable {
		t.Fatal("closed database must degrade health")
	}
}
