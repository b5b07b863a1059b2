// Package journal persists closed trades to SQLite. The strategy reads recent
// PnL back on restart so adaptive risk sizing survives a redeploy.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/DaniilMusin/btc-technical/internal/model"
)

// Journal is a SQLite-backed model.TradeJournal.
type Journal struct {
	mu  sync.Mutex
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the journal database at path. Use ":memory:" for
// an ephemeral journal.
func Open(path string) (*Journal, error) {
	dsn := path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	if path == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("journal open: %w", err)
	}
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS trades (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol      TEXT    NOT NULL,
		side        TEXT    NOT NULL,
		size        REAL    NOT NULL,
		leverage    REAL    NOT NULL DEFAULT 1,
		entry_price REAL    NOT NULL,
		exit_price  REAL    NOT NULL,
		entry_time  INTEGER NOT NULL,
		exit_time   INTEGER NOT NULL,
		pnl         REAL    NOT NULL,
		fee         REAL    NOT NULL DEFAULT 0,
		reason      TEXT    NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_trades_exit_time ON trades(exit_time);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal schema: %w", err)
	}

	slog.Info("trade journal opened", "path", path)
	return &Journal{db: db, now: time.Now}, nil
}

// Append stores a closed trade and returns its row id.
func (j *Journal) Append(ctx context.Context, rec model.TradeRecord) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	res, err := j.db.ExecContext(ctx,
		`INSERT INTO trades (symbol, side, size, leverage, entry_price, exit_price, entry_time, exit_time, pnl, fee, reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Symbol, string(rec.Side), rec.Size, rec.Leverage, rec.EntryPrice, rec.ExitPrice,
		rec.EntryTime.UnixMilli(), rec.ExitTime.UnixMilli(), rec.PnL, rec.Fee, rec.Reason,
	)
	if err != nil {
		return 0, fmt.Errorf("journal append: %w", err)
	}
	return res.LastInsertId()
}

// Stats aggregates all journaled trades. Win rate is a percentage.
func (j *Journal) Stats(ctx context.Context) (model.Stats, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var (
		s   model.Stats
		sum sql.NullFloat64
	)
	err := j.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN pnl > 0 THEN 1 ELSE 0 END), 0), SUM(pnl) FROM trades`,
	).Scan(&s.Trades, &s.Wins, &sum)
	if err != nil {
		return model.Stats{}, fmt.Errorf("journal stats: %w", err)
	}
	s.CumulativePnL = sum.Float64
	if s.Trades > 0 {
		s.WinRate = float64(s.Wins) / float64(s.Trades) * 100
	}
	return s, nil
}

// LastNPnL returns the PnL of the n most recent trades, oldest first.
func (j *Journal) LastNPnL(ctx context.Context, n int) ([]float64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.QueryContext(ctx,
		`SELECT pnl FROM (SELECT id, pnl FROM trades ORDER BY id DESC LIMIT ?) ORDER BY id ASC`, n)
	if err != nil {
		return nil, fmt.Errorf("journal last pnl: %w", err)
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var p float64
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("journal scan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// TodayPnL sums PnL of trades closed since UTC midnight.
func (j *Journal) TodayPnL(ctx context.Context) (float64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	midnight := j.now().UTC().Truncate(24 * time.Hour)
	var sum sql.NullFloat64
	if err := j.db.QueryRowContext(ctx,
		`SELECT SUM(pnl) FROM trades WHERE exit_time >= ?`, midnight.UnixMilli(),
	).Scan(&sum); err != nil {
		return 0, fmt.Errorf("journal today pnl: %w", err)
	}
	return sum.Float64, nil
}

// Recent returns the last n trades, newest first.
func (j *Journal) Recent(ctx context.Context, n int) ([]model.TradeRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.QueryContext(ctx,
		`SELECT id, symbol, side, size, leverage, entry_price, exit_price, entry_time, exit_time, pnl, fee, reason
		 FROM trades ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("journal recent: %w", err)
	}
	defer rows.Close()

	var trades []model.TradeRecord
	for rows.Next() {
		var (
			t           model.TradeRecord
			side        string
			entry, exit int64
		)
		if err := rows.Scan(&t.ID, &t.Symbol, &side, &t.Size, &t.Leverage, &t.EntryPrice, &t.ExitPrice,
			&entry, &exit, &t.PnL, &t.Fee, &t.Reason); err != nil {
			return nil, fmt.Errorf("journal scan: %w", err)
		}
		t.Side = model.Side(side)
		t.EntryTime = time.UnixMilli(entry).UTC()
		t.ExitTime = time.UnixMilli(exit).UTC()
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// DB exposes the handle for liveness probes.
func (j *Journal) DB() *sql.DB { return j.db }

// Ping checks the database is reachable.
func (j *Journal) Ping(ctx context.Context) error {
	return j.db.PingContext(ctx)
}

// Close closes the journal database.
func (j *Journal) Close() error {
	return j.db.Close()
}

var _ model.TradeJournal = (*Journal)(nil)
