// cmd/agent runs the trading agent against the live BingX candle stream.
// With USE_TESTNET=true (the default) orders go to the dry-run broker.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/DaniilMusin/btc-technical/config"
	"github.com/DaniilMusin/btc-technical/internal/archive"
	"github.com/DaniilMusin/btc-technical/internal/engine"
	"github.com/DaniilMusin/btc-technical/internal/execution"
	"github.com/DaniilMusin/btc-technical/internal/execution/bingx"
	"github.com/DaniilMusin/btc-technical/internal/indicator"
	"github.com/DaniilMusin/btc-technical/internal/journal"
	"github.com/DaniilMusin/btc-technical/internal/logger"
	"github.com/DaniilMusin/btc-technical/internal/marketdata/ws"
	"github.com/DaniilMusin/btc-technical/internal/metrics"
	"github.com/DaniilMusin/btc-technical/internal/model"
	"github.com/DaniilMusin/btc-technical/internal/notification"
	"github.com/DaniilMusin/btc-technical/internal/resilience"
	"github.com/DaniilMusin/btc-technical/internal/risk"
	"github.com/DaniilMusin/btc-technical/internal/strategy"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "agent: %v\n", err)
		os.Exit(1)
	}
	log := logger.Init("agent", logger.ParseLevel(cfg.LogLevel))
	log.Info("starting", "config", cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("agent stopped", "error", err)
		os.Exit(1)
	}
	log.Info("agent stopped")
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	// ---- Metrics & health ----
	prom := metrics.New(prometheus.DefaultRegisterer)
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, prometheus.DefaultGatherer, health)
	metricsSrv.Start()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsSrv.Stop(sctx)
	}()

	// ---- Trade journal ----
	if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
		return fmt.Errorf("data dir: %w", err)
	}
	jr, err := journal.Open(cfg.SQLitePath)
	if err != nil {
		return err
	}
	defer jr.Close()
	if st, err := jr.Stats(ctx); err == nil {
		log.Info("journal ready", "trades", st.Trades, "win_rate", st.WinRate, "pnl", st.CumulativePnL)
	}

	// ---- Candle archives (best effort) ----
	var archives archive.Multi
	if cfg.ArchiveEnabled {
		sq, err := archive.OpenSQLite(archive.SQLiteConfig{
			Path:            cfg.ArchivePath,
			RetentionMonths: cfg.ArchiveMonths,
		})
		if err != nil {
			log.Warn("sqlite archive unavailable, continuing without it", "error", err)
		} else {
			archives = append(archives, sq)
		}
	}

	var (
		rds       *archive.Redis
		publisher model.EventPublisher
		rdb       *redis.Client
	)
	if cfg.RedisAddr != "" {
		rds, err = archive.NewRedis(ctx, archive.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			MaxLen:   streamLen(cfg),
		})
		if err != nil {
			log.Warn("redis unavailable, continuing without it", "error", err)
		} else {
			rds.OnBuffer = prom.RedisBufferedWrites.Inc
			rds.OnState = func(to resilience.State) { prom.RedisCircuitState.Set(float64(to)) }
			archives = append(archives, rds)
			publisher = rds
			rdb = rds.Client()
		}
	}
	defer func() {
		if err := archives.Close(); err != nil {
			log.Warn("archive close", "error", err)
		}
	}()
	health.StartLivenessChecker(ctx, rdb, jr.DB(), 10*time.Second)

	// ---- Notifications ----
	notifiers := notification.Multi{notification.NewLogNotifier()}
	if cfg.TelegramToken != "" {
		notifiers = append(notifiers, notification.NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChatID))
	}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, notification.NewWebhookNotifier(cfg.WebhookURL))
	}
	dispatcher := notification.NewDispatcher(notifiers, jr, publisher, 256)
	dispatcher.OnDrop = func(model.EventKind) { prom.EventsDropped.Inc() }
	dispatcher.Start(ctx)
	defer dispatcher.Close()

	// ---- Broker ----
	broker, err := newBroker(ctx, cfg, prom)
	if err != nil {
		return err
	}
	log.Info("broker ready", "broker", broker.Name(), "live", cfg.Live())

	// ---- Risk & strategy ----
	rm := risk.NewManager(risk.Limits{
		BaseRiskPerTrade: cfg.BaseRiskPerTrade,
		MaxLeverage:      cfg.MaxLeverage,
		MinTradeInterval: cfg.MinTradeInterval,
		MaxDrawdownPct:   cfg.MaxDrawdownPct,
		MaxDailyLoss:     cfg.MaxDailyLoss,
	}, cfg.InitialBalance)
	if today, err := jr.TodayPnL(ctx); err != nil {
		log.Warn("could not read today's pnl", "error", err)
	} else if today != 0 {
		rm.RecordPnL(today)
	}

	mcfg := strategy.DefaultConfig(cfg.Symbol)
	mcfg.FeeRate = cfg.FeeRate
	mcfg.BaseRiskPerTrade = cfg.BaseRiskPerTrade
	mcfg.MaxLeverage = cfg.MaxLeverage
	mcfg.TrailTriggerLong, mcfg.TrailTriggerShort = cfg.TrailTriggerLong, cfg.TrailTriggerShort
	mcfg.TrailLong, mcfg.TrailShort = cfg.TrailSLLong, cfg.TrailSLShort
	mcfg.MaxCloseRetries = cfg.MaxCloseRetries
	mcfg.ExitOnReversal = cfg.ExitOnReversal
	machine := strategy.NewMachine(mcfg, strategy.New("balanced"), rm, log)
	if recent, err := jr.LastNPnL(ctx, 20); err == nil {
		machine.SeedRecentPnL(recent)
	}

	// ---- Market data ----
	feed := ws.New(ws.Config{
		URL:      cfg.BingXWSURL,
		Symbol:   cfg.Symbol,
		Interval: cfg.Interval,
		RESTURL:  cfg.BingXBaseURL,
	})
	feed.OnReconnect = prom.WSReconnects.Inc
	feed.OnConnState = health.SetWSConnected

	runner := engine.New(engine.Config{
		Symbol:        cfg.Symbol,
		Interval:      cfg.Interval,
		WarmupCandles: cfg.WarmupCandles,
		MaxGapBars:    cfg.MaxGapBars,
		FillMode:      cfg.FillMode,
		SubmitTimeout: cfg.SubmitTimeout,
		Live:          true,
	}, engine.Deps{
		Feed:       feed,
		Broker:     broker,
		Machine:    machine,
		Indicators: indicator.NewEngine(indicator.DefaultConfig()),
		Risk:       rm,
		Archiver:   archives,
		Events:     dispatcher,
		Metrics:    prom,
		Health:     health,
		Logger:     log,
	})

	history, err := feed.Backfill(ctx, &http.Client{Timeout: 15 * time.Second}, cfg.WarmupCandles)
	if err != nil {
		log.Warn("backfill failed, warming up from the live stream", "error", err)
	} else {
		log.Info("backfill loaded", "candles", runner.Preload(history))
	}

	feed.Start(ctx)
	log.Info("agent running", "symbol", cfg.Symbol, "interval", cfg.Interval)
	return runner.Run(ctx)
}

// newBroker builds the dry-run broker, or the live BingX client behind retry
// and circuit-breaker decorators.
func newBroker(ctx context.Context, cfg *config.Config, prom *metrics.Metrics) (execution.Broker, error) {
	if !cfg.Live() {
		return execution.NewDryRun(execution.SimConfig{
			InitialBalance: cfg.InitialBalance,
			FeeRate:        cfg.FeeRate,
			MaxLeverage:    cfg.MaxLeverage,
		}), nil
	}

	client := bingx.New(bingx.Config{
		BaseURL:       cfg.BingXBaseURL,
		APIKey:        cfg.BingXAPIKey,
		Secret:        cfg.BingXSecret,
		MarginMode:    cfg.MarginMode,
		SubmitTimeout: cfg.SubmitTimeout,
	})
	pctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if _, err := client.LoadPrecision(pctx, cfg.Symbol); err != nil {
		return nil, fmt.Errorf("load precision: %w", err)
	}

	guarded := execution.NewGuarded(client, 5, 30*time.Second, func(_, to resilience.State) {
		prom.BrokerCircuitState.Set(float64(to))
	})
	return execution.NewRetrying(guarded, 3, resilience.DefaultBackoff), nil
}

// streamLen sizes the Redis candle stream to the archive retention window.
func streamLen(cfg *config.Config) int64 {
	months := cfg.ArchiveMonths
	if months <= 0 {
		return 0
	}
	d := model.IntervalDuration(cfg.Interval)
	if d <= 0 {
		return 0
	}
	return int64(time.Duration(months) * 30 * 24 * time.Hour / d)
}
