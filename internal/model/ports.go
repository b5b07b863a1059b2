package model

import "context"

// ── Collaborator Port Interfaces ──
// These decouple the decision stream from concrete storage and delivery
// (SQLite, Redis, Telegram). Implementations live under internal/.

// CandleArchiver receives every closed candle when archiving is enabled.
// Retention and deletion are owned by the implementation.
type CandleArchiver interface {
	Archive(ctx context.Context, c Candle) error
	Close() error
}

// CandleReader loads archived candles for replay.
type CandleReader interface {
	// ReadCandles returns candles for symbol/interval with TS >= fromUnix, oldest first.
	ReadCandles(ctx context.Context, symbol, interval string, fromUnix int64) ([]Candle, error)
}

// TradeJournal persists finalized trade records and serves aggregate stats.
type TradeJournal interface {
	Append(ctx context.Context, rec TradeRecord) (int64, error)
	Stats(ctx context.Context) (Stats, error)
	LastNPnL(ctx context.Context, n int) ([]float64, error)
}

// EventPublisher forwards domain events to an external stream.
type EventPublisher interface {
	Publish(ctx context.Context, ev Event) error
}
