// cmd/backtest replays historical candles from a CSV file or the SQLite
// candle archive through the live decision stream against the simulated
// broker, and prints a summary.
//
// Usage:
//
//	go run ./cmd/backtest --csv=data/BTC-USDT_15m.csv --strategy=balanced
//	go run ./cmd/backtest --db=data/candles.db --interval=1h --from=1700000000 --json
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/DaniilMusin/btc-technical/internal/archive"
	"github.com/DaniilMusin/btc-technical/internal/backtest"
	"github.com/DaniilMusin/btc-technical/internal/logger"
	"github.com/DaniilMusin/btc-technical/internal/marketdata/replay"
	"github.com/DaniilMusin/btc-technical/internal/model"
)

func main() {
	csvPath := flag.String("csv", "", "CSV file with timestamp,open,high,low,close,volume columns")
	dbPath := flag.String("db", "", "SQLite candle archive (used when --csv is empty)")
	symbol := flag.String("symbol", "BTC-USDT", "Symbol")
	interval := flag.String("interval", "15m", "Candle interval")
	fromTS := flag.Int64("from", 0, "Unix timestamp to start from when reading the archive (0=all)")
	strat := flag.String("strategy", "balanced", "Signal source: balanced or ema_crossover")
	fill := flag.String("fill", "next_open", "Fill mode: next_open or close")
	balance := flag.Float64("balance", 1000, "Initial balance")
	fee := flag.Float64("fee", model.DefaultFeeRate, "Fee rate per side")
	slippage := flag.Float64("slippage-bps", 0, "Adverse slippage in basis points")
	asJSON := flag.Bool("json", false, "Print the full result as JSON")
	level := flag.String("log-level", "warn", "Log level")
	flag.Parse()

	log := logger.Init("backtest", logger.ParseLevel(*level))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	candles, err := load(ctx, *csvPath, *dbPath, *symbol, *interval, *fromTS)
	if err != nil {
		fmt.Fprintf(os.Stderr, "backtest: %v\n", err)
		os.Exit(1)
	}

	cfg := backtest.DefaultConfig(*symbol, *interval)
	cfg.Strategy = *strat
	cfg.FillMode = *fill
	cfg.InitialBalance = *balance
	cfg.FeeRate = *fee
	cfg.SlippageBps = *slippage
	cfg.Logger = log

	res, err := backtest.Run(ctx, candles, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "backtest: %v\n", err)
		os.Exit(1)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			fmt.Fprintf(os.Stderr, "backtest: %v\n", err)
			os.Exit(1)
		}
		return
	}
	printSummary(res, *strat)
}

// load reads candles from the CSV file when given, otherwise from the archive.
// Invalid CSV data is reported by backtest.Run as an empty result, so only
// I/O failures are returned here.
func load(ctx context.Context, csvPath, dbPath, symbol, interval string, from int64) ([]model.Candle, error) {
	switch {
	case csvPath != "":
		candles, err := replay.LoadCSVFile(csvPath, symbol, interval)
		if errors.Is(err, replay.ErrInvalidData) {
			fmt.Fprintf(os.Stderr, "backtest: %v\n", err)
			return nil, nil
		}
		return candles, err
	case dbPath != "":
		db, err := archive.OpenSQLite(archive.SQLiteConfig{Path: dbPath})
		if err != nil {
			return nil, err
		}
		defer db.Close()
		return replay.LoadArchive(ctx, db, symbol, interval, from)
	default:
		return nil, errors.New("one of --csv or --db is required")
	}
}

func printSummary(r backtest.Result, strat string) {
	fmt.Println()
	fmt.Println("╔══════════════════════════════════════╗")
	fmt.Println("║        BACKTEST COMPLETE             ║")
	fmt.Println("╠══════════════════════════════════════╣")
	if r.Empty() {
		fmt.Println("║  No usable data                      ║")
		fmt.Println("╚══════════════════════════════════════╝")
		return
	}
	fmt.Printf("║  Series:        %-20s ║\n", r.Symbol+" "+r.Interval)
	fmt.Printf("║  Strategy:      %-20s ║\n", strat)
	fmt.Printf("║  Bars:          %-20d ║\n", r.Bars)
	fmt.Printf("║  Trades:        %-20d ║\n", r.Stats.Trades)
	fmt.Printf("║  Win rate:      %-20s ║\n", fmt.Sprintf("%.1f%%", r.Stats.WinRate))
	fmt.Printf("║  PnL:           %-20.4f ║\n", r.Stats.CumulativePnL)
	fmt.Printf("║  Final balance: %-20.4f ║\n", r.FinalBalance)
	fmt.Printf("║  Return:        %-20s ║\n", fmt.Sprintf("%.2f%%", r.ReturnPct()))
	fmt.Printf("║  Max drawdown:  %-20s ║\n", fmt.Sprintf("%.2f%%", r.MaxDrawdown*100))
	if r.OpenPosition != nil {
		fmt.Printf("║  Open position: %-20s ║\n", string(r.OpenPosition.Side))
	}
	if r.Halted {
		fmt.Printf("║  Halted:        %-20s ║\n", r.HaltReason)
	}
	fmt.Println("╚══════════════════════════════════════╝")
}
