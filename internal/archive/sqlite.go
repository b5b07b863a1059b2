package archive

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

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 2 * time.Second
	pruneEvery        = time.Hour
)

// SQLiteConfig configures the SQLite archive.
type SQLiteConfig struct {
	Path            string // e.g. "data/candles.db"
	RetentionMonths int    // 0 keeps everything
	BatchSize       int
	FlushDelay      time.Duration
}

// SQLite batches candle inserts into transactions and prunes rows older than
// the retention window. Archive only queues; rows are committed every
// BatchSize candles or FlushDelay, whichever comes first.
type SQLite struct {
	cfg SQLiteConfig
	db  *sql.DB
	now func() time.Time

	mu        sync.Mutex
	batch     []model.Candle
	lastPrune time.Time

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// OpenSQLite opens (or creates) the archive and starts the flush timer.
func OpenSQLite(cfg SQLiteConfig) (*SQLite, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushDelay <= 0 {
		cfg.FlushDelay = defaultFlushDelay
	}
	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS candles (
			symbol   TEXT    NOT NULL,
			interval TEXT    NOT NULL,
			ts       INTEGER NOT NULL,
			open     REAL    NOT NULL,
			high     REAL    NOT NULL,
			low      REAL    NOT NULL,
			close    REAL    NOT NULL,
			volume   REAL    NOT NULL,
			PRIMARY KEY (symbol, interval, ts)
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	s := &SQLite{
		cfg:   cfg,
		db:    db,
		now:   time.Now,
		batch: make([]model.Candle, 0, cfg.BatchSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go s.loop()
	slog.Info("sqlite archive opened", "path", cfg.Path, "retention_months", cfg.RetentionMonths)
	return s, nil
}

// DB returns the underlying sql.DB for health checks.
func (s *SQLite) DB() *sql.DB { return s.db }

// Archive queues c for the next batch.
func (s *SQLite) Archive(ctx context.Context, c model.Candle) error {
	s.mu.Lock()
	s.batch = append(s.batch, c)
	full := len(s.batch) >= s.cfg.BatchSize
	s.mu.Unlock()
	if full {
		return s.Flush(ctx)
	}
	return nil
}

func (s *SQLite) loop() {
	defer close(s.done)
	t := time.NewTicker(s.cfg.FlushDelay)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			if err := s.Flush(context.Background()); err != nil {
				slog.Warn("sqlite archive flush failed", "error", err)
			}
		}
	}
}

// Flush commits queued candles in one transaction and prunes expired rows.
func (s *SQLite) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.batch) > 0 {
		start := time.Now()
		if err := s.insertBatch(ctx, s.batch); err != nil {
			return fmt.Errorf("sqlite archive insert: %w", err)
		}
		slog.Debug("sqlite archive committed", "candles", len(s.batch), "took", time.Since(start))
		s.batch = s.batch[:0]
	}
	if s.cfg.RetentionMonths > 0 && s.now().Sub(s.lastPrune) >= pruneEvery {
		if _, err := s.prune(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) insertBatch(ctx context.Context, candles []model.Candle) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO candles (symbol, interval, ts, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, c := range candles {
		if _, err := stmt.ExecContext(ctx, c.Symbol, c.Interval, c.TS.Unix(), c.Open, c.High, c.Low, c.Close, c.Volume); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// prune deletes candles older than the retention window. Caller holds mu.
func (s *SQLite) prune(ctx context.Context) (int64, error) {
	cutoff := s.now().AddDate(0, -s.cfg.RetentionMonths, 0)
	res, err := s.db.ExecContext(ctx, `DELETE FROM candles WHERE ts < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("sqlite archive prune: %w", err)
	}
	s.lastPrune = s.now()
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("sqlite archive pruned", "rows", n, "before", cutoff.Format(time.RFC3339))
	}
	return n, nil
}

// ReadCandles implements model.CandleReader for replay.
func (s *SQLite) ReadCandles(ctx context.Context, symbol, interval string, fromUnix int64) ([]model.Candle, error) {
	if err := s.Flush(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, open, high, low, close, volume
		FROM candles
		WHERE symbol = ? AND interval = ? AND ts >= ?
		ORDER BY ts ASC
	`, symbol, interval, fromUnix)
	if err != nil {
		return nil, fmt.Errorf("sqlite query candles: %w", err)
	}
	defer rows.Close()

	var out []model.Candle
	for rows.Next() {
		c := model.Candle{Symbol: symbol, Interval: interval}
		var ts int64
		if err := rows.Scan(&ts, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("sqlite scan candles: %w", err)
		}
		c.TS = time.Unix(ts, 0).UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

// Close flushes pending candles and closes the database.
func (s *SQLite) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.done
		err = s.Flush(context.Background())
		if cerr := s.db.Close(); err == nil {
			err = cerr
		}
	})
	return err
}

var (
	_ model.CandleArchiver = (*SQLite)(nil)
	_ model.CandleReader   = (*SQLite)(nil)
)
