package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/DaniilMusin/btc-technical/internal/model"
)

// Fill modes for simulated execution.
const (
	FillNextOpen = "next_open"
	FillClose    = "close"
)

// Config holds all application configuration. Values come from defaults, an
// optional YAML file named by CONFIG_FILE, then environment variables, in
// that order of precedence (env wins). Treat a loaded Config as read-only.
type Config struct {
	// Market
	Symbol        string `yaml:"symbol"`
	Interval      string `yaml:"interval"`
	WarmupCandles int    `yaml:"warmup_candles"`
	MaxGapBars    int    `yaml:"max_gap_bars"`

	// Risk and strategy
	InitialBalance    float64 `yaml:"initial_balance"`
	BaseRiskPerTrade  float64 `yaml:"base_risk_per_trade"`
	MaxLeverage       float64 `yaml:"max_leverage"`
	MinTradeInterval  int     `yaml:"min_trade_interval"`
	MaxDrawdownPct    float64 `yaml:"max_drawdown_pct"`
	MaxDailyLoss      float64 `yaml:"max_daily_loss"`
	TrailTriggerLong  float64 `yaml:"trail_trigger_long"`
	TrailTriggerShort float64 `yaml:"trail_trigger_short"`
	TrailSLLong       float64 `yaml:"trail_sl_long"`
	TrailSLShort      float64 `yaml:"trail_sl_short"`
	ExitOnReversal    bool    `yaml:"exit_on_reversal"`

	// Execution
	UseTestnet      bool          `yaml:"use_testnet"`
	FeeRate         float64       `yaml:"fee_rate"`
	FillMode        string        `yaml:"fill_mode"`
	MaxCloseRetries int           `yaml:"max_close_retries"`
	SubmitTimeout   time.Duration `yaml:"submit_timeout"`
	MarginMode      string        `yaml:"margin_mode"`
	BingXAPIKey     string        `yaml:"bingx_api_key"`
	BingXSecret     string        `yaml:"bingx_secret"`
	BingXBaseURL    string        `yaml:"bingx_base_url"`
	BingXWSURL      string        `yaml:"bingx_ws_url"`

	// Infrastructure
	SQLitePath     string `yaml:"sqlite_path"`
	ArchivePath    string `yaml:"archive_path"`
	ArchiveEnabled bool   `yaml:"archive_enabled"`
	ArchiveMonths  int    `yaml:"archive_months"`
	RedisAddr      string `yaml:"redis_addr"`
	RedisPassword  string `yaml:"redis_password"`
	MetricsAddr    string `yaml:"metrics_addr"`
	LogLevel       string `yaml:"log_level"`

	// Notifications
	TelegramToken  string `yaml:"telegram_token"`
	TelegramChatID string `yaml:"telegram_chat_id"`
	WebhookURL     string `yaml:"webhook_url"`
}

// Default returns the configuration the agent runs with when nothing is set.
func Default() Config {
	return Config{
		Symbol:        "BTC-USDT",
		Interval:      "15m",
		WarmupCandles: 300,
		MaxGapBars:    3,

		InitialBalance:    1000,
		BaseRiskPerTrade:  0.02,
		MaxLeverage:       3,
		MinTradeInterval:  12,
		MaxDrawdownPct:    25,
		TrailTriggerLong:  0.04,
		TrailTriggerShort: 0.04,
		TrailSLLong:       0.02,
		TrailSLShort:      0.02,
		ExitOnReversal:    true,

		UseTestnet:      true,
		FeeRate:         model.DefaultFeeRate,
		FillMode:        FillNextOpen,
		MaxCloseRetries: 3,
		SubmitTimeout:   30 * time.Second,
		MarginMode:      "isolated",

		SQLitePath:     "data/trades.db",
		ArchivePath:    "data/candles.db",
		ArchiveEnabled: true,
		ArchiveMonths:  6,
		MetricsAddr:    ":9090",
		LogLevel:       "info",
	}
}

// Load reads configuration from CONFIG_FILE (if set) and the environment,
// then validates it.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.overrideWithEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) overrideWithEnv() error {
	var p envParser

	c.Symbol = getEnv("SYMBOL", getEnv("DEFAULT_SYMBOL", c.Symbol))
	c.Interval = getEnv("INTERVAL", getEnv("DEFAULT_INTERVAL", c.Interval))
	p.int("WARMUP_CANDLES", &c.WarmupCandles)
	p.int("MAX_GAP_BARS", &c.MaxGapBars)

	p.float("INITIAL_BALANCE", &c.InitialBalance)
	p.float("BASE_RISK_PER_TRADE", &c.BaseRiskPerTrade)
	p.float("MAX_LEVERAGE", &c.MaxLeverage)
	p.int("MIN_TRADE_INTERVAL", &c.MinTradeInterval)
	p.float("MAX_DRAWDOWN_PCT", &c.MaxDrawdownPct)
	p.float("MAX_DAILY_LOSS", &c.MaxDailyLoss)
	p.float("TRAIL_TRIGGER_LONG", &c.TrailTriggerLong)
	p.float("TRAIL_TRIGGER_SHORT", &c.TrailTriggerShort)
	p.float("TRAIL_SL_LONG", &c.TrailSLLong)
	p.float("TRAIL_SL_SHORT", &c.TrailSLShort)
	p.bool("EXIT_ON_REVERSAL", &c.ExitOnReversal)

	p.bool("USE_TESTNET", &c.UseTestnet)
	p.float("FEE_RATE", &c.FeeRate)
	c.FillMode = getEnv("FILL_MODE", c.FillMode)
	p.int("MAX_CLOSE_RETRIES", &c.MaxCloseRetries)
	p.duration("SUBMIT_TIMEOUT", &c.SubmitTimeout)
	c.MarginMode = getEnv("MARGIN_MODE", getEnv("BINGX_MARGIN_MODE", c.MarginMode))
	if os.Getenv("MAX_LEVERAGE") == "" {
		p.float("BINGX_LEVERAGE", &c.MaxLeverage)
	}
	c.BingXAPIKey = getEnv("BINGX_API_KEY", c.BingXAPIKey)
	c.BingXSecret = getEnv("BINGX_API_SECRET", getEnv("BINGX_SECRET", c.BingXSecret))
	c.BingXBaseURL = getEnv("BINGX_BASE_URL", c.BingXBaseURL)
	c.BingXWSURL = getEnv("BINGX_WS_URL", c.BingXWSURL)

	c.SQLitePath = getEnv("SQLITE_PATH", c.SQLitePath)
	c.ArchivePath = getEnv("ARCHIVE_PATH", c.ArchivePath)
	if os.Getenv("ARCHIVE_ENABLED") != "" {
		p.bool("ARCHIVE_ENABLED", &c.ArchiveEnabled)
	} else {
		p.bool("ARCHIVE_CSV", &c.ArchiveEnabled)
	}
	p.int("ARCHIVE_MONTHS", &c.ArchiveMonths)
	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = getEnv("REDIS_PASSWORD", c.RedisPassword)
	c.MetricsAddr = getEnv("METRICS_ADDR", c.MetricsAddr)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)

	c.TelegramToken = getEnv("TELEGRAM_TOKEN", getEnv("TG_BOT_TOKEN", c.TelegramToken))
	c.TelegramChatID = getEnv("TELEGRAM_CHAT_ID", getEnv("TG_CHAT_ID", c.TelegramChatID))
	c.WebhookURL = getEnv("WEBHOOK_URL", c.WebhookURL)

	return p.err()
}

// Validate checks ranges and cross-field requirements. All problems are
// reported at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Symbol != "", "symbol is required")
	check(model.IntervalDuration(c.Interval) > 0, "unsupported interval %q", c.Interval)
	check(c.WarmupCandles >= 50, "warmup_candles must be >= 50, got %d", c.WarmupCandles)
	check(c.MaxGapBars >= 0, "max_gap_bars must be >= 0, got %d", c.MaxGapBars)

	check(c.InitialBalance > 0, "initial_balance must be positive, got %g", c.InitialBalance)
	check(c.BaseRiskPerTrade > 0 && c.BaseRiskPerTrade <= 0.1,
		"base_risk_per_trade must be in (0, 0.1], got %g", c.BaseRiskPerTrade)
	check(c.MaxLeverage >= 1 && c.MaxLeverage <= 125, "max_leverage must be in [1, 125], got %g", c.MaxLeverage)
	check(c.MinTradeInterval >= 0, "min_trade_interval must be >= 0, got %d", c.MinTradeInterval)
	check(c.MaxDrawdownPct >= 0 && c.MaxDrawdownPct < 100, "max_drawdown_pct must be in [0, 100), got %g", c.MaxDrawdownPct)
	check(c.MaxDailyLoss >= 0, "max_daily_loss must be >= 0, got %g", c.MaxDailyLoss)
	for name, v := range map[string]float64{
		"trail_trigger_long":  c.TrailTriggerLong,
		"trail_trigger_short": c.TrailTriggerShort,
		"trail_sl_long":       c.TrailSLLong,
		"trail_sl_short":      c.TrailSLShort,
	} {
		check(v > 0 && v < 1, "%s must be in (0, 1), got %g", name, v)
	}

	check(c.FeeRate >= 0 && c.FeeRate < 0.01, "fee_rate must be in [0, 0.01), got %g", c.FeeRate)
	check(c.FillMode == FillNextOpen || c.FillMode == FillClose,
		"fill_mode must be %q or %q, got %q", FillNextOpen, FillClose, c.FillMode)
	check(c.MaxCloseRetries >= 1, "max_close_retries must be >= 1, got %d", c.MaxCloseRetries)
	check(c.SubmitTimeout > 0, "submit_timeout must be positive")
	check(c.MarginMode == "isolated" || c.MarginMode == "crossed",
		"margin_mode must be isolated or crossed, got %q", c.MarginMode)
	if !c.UseTestnet {
		check(c.BingXAPIKey != "" && c.BingXSecret != "", "BINGX_API_KEY and BINGX_API_SECRET are required when use_testnet=false")
	}

	check(c.ArchiveMonths >= 0, "archive_months must be >= 0, got %d", c.ArchiveMonths)
	check((c.TelegramToken == "") == (c.TelegramChatID == ""), "telegram token and chat id must be set together")

	return errors.Join(errs...)
}

// Live reports whether orders go to the real exchange.
func (c *Config) Live() bool { return !c.UseTestnet }

// String renders the config for startup logs with secrets masked.
func (c *Config) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "symbol=%s interval=%s testnet=%t fill=%s balance=%g risk=%g lev=%g",
		c.Symbol, c.Interval, c.UseTestnet, c.FillMode, c.InitialBalance, c.BaseRiskPerTrade, c.MaxLeverage)
	fmt.Fprintf(&b, " api_key=%s redis=%s telegram=%t", mask(c.BingXAPIKey), c.RedisAddr, c.TelegramToken != "")
	return b.String()
}

func mask(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-4)
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

// envParser collects parse failures so one bad variable does not hide another.
type envParser struct {
	errs []error
}

func (p *envParser) int(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = n
}

func (p *envParser) float(key string, dst *float64) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = f
}

func (p *envParser) bool(key string, dst *bool) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = b
}

// duration accepts Go durations ("45s") or a bare number of seconds.
func (p *envParser) duration(key string, dst *time.Duration) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	if secs, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(secs) * time.Second
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = d
}

func (p *envParser) err() error {
	if len(p.errs) == 0 {
		return nil
	}
	return fmt.Errorf("environment: %w", errors.Join(p.errs...))
}
