// Package metrics exposes Prometheus metrics and the /healthz endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the trading agent.
type Metrics struct {
	CandlesTotal      prometheus.Counter
	CandlesRejected   prometheus.Counter // out-of-order / wrong series
	GapsTotal         prometheus.Counter
	MissedBars        prometheus.Counter
	WarmupResets      prometheus.Counter
	WSReconnects      prometheus.Counter
	CandleLag         prometheus.Gauge
	DecisionDur       prometheus.Histogram
	ArchiveErrors     prometheus.Counter
	EventsDropped     prometheus.Counter
	IndicatorsWarming prometheus.Gauge // 1 until the snapshot is ready

	// Execution
	IntentsTotal  *prometheus.CounterVec // labels: kind
	FillsTotal    *prometheus.CounterVec // labels: kind, status
	SubmitErrors  *prometheus.CounterVec // labels: class
	SubmitLatency prometheus.Histogram

	// Account and state machine
	Balance       prometheus.Gauge
	PositionState prometheus.Gauge // 0=FLAT, 1=ENTERING, 2=OPEN, 3=EXITING
	Halted        prometheus.Gauge
	CumulativePnL prometheus.Gauge
	TradesTotal   *prometheus.CounterVec // labels: result=win|loss

	// Circuit breakers
	BrokerCircuitState  prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitState   prometheus.Gauge
	RedisBufferedWrites prometheus.Counter
}

// New creates the metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in the binaries and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CandlesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_candles_total",
			Help: "Closed candles processed by the decision stream",
		}),
		CandlesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_candles_rejected_total",
			Help: "Candles rejected by the candle store (out of order or wrong series)",
		}),
		GapsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_feed_gaps_total",
			Help: "Gaps detected in the candle stream",
		}),
		MissedBars: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_feed_missed_bars_total",
			Help: "Bars missing from the candle stream",
		}),
		WarmupResets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_warmup_resets_total",
			Help: "Candle store resets forced by large gaps",
		}),
		WSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_ws_reconnects_total",
			Help: "WebSocket reconnection attempts",
		}),
		CandleLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_candle_lag_seconds",
			Help: "Delay between a candle's close time and its processing",
		}),
		DecisionDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agent_decision_duration_seconds",
			Help:    "Time from candle arrival to the end of its decision cycle",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15},
		}),
		ArchiveErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_archive_errors_total",
			Help: "Failed candle archive writes",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_events_dropped_total",
			Help: "Domain events dropped because the dispatcher queue was full",
		}),
		IndicatorsWarming: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_indicators_warming",
			Help: "1 while the indicator snapshot is not ready",
		}),

		IntentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_intents_total",
			Help: "Order intents submitted, by kind",
		}, []string{"kind"}),
		FillsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_fills_total",
			Help: "Broker fills, by intent kind and status",
		}, []string{"kind", "status"}),
		SubmitErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_submit_errors_total",
			Help: "Submit failures by error class",
		}, []string{"class"}),
		SubmitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agent_submit_latency_seconds",
			Help:    "Broker submit latency until a fill report",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15},
		}),

		Balance: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_balance_usdt",
			Help: "Account balance read at the start of the decision cycle",
		}),
		PositionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_position_state",
			Help: "State machine state (0=FLAT, 1=ENTERING, 2=OPEN, 3=EXITING)",
		}),
		Halted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_halted",
			Help: "1 when trading is halted",
		}),
		CumulativePnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_cumulative_pnl_usdt",
			Help: "Realized PnL since start",
		}),
		TradesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_trades_total",
			Help: "Closed trades by result",
		}, []string{"result"}),

		BrokerCircuitState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_broker_circuit_breaker_state",
			Help: "Exchange circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisBufferedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_redis_buffered_writes_total",
			Help: "Writes buffered locally while the Redis circuit was open",
		}),
	}

	reg.MustRegister(
		m.CandlesTotal,
		m.CandlesRejected,
		m.GapsTotal,
		m.MissedBars,
		m.WarmupResets,
		m.WSReconnects,
		m.CandleLag,
		m.DecisionDur,
		m.ArchiveErrors,
		m.EventsDropped,
		m.IndicatorsWarming,
		m.IntentsTotal,
		m.FillsTotal,
		m.SubmitErrors,
		m.SubmitLatency,
		m.Balance,
		m.PositionState,
		m.Halted,
		m.CumulativePnL,
		m.TradesTotal,
		m.BrokerCircuitState,
		m.RedisCircuitState,
		m.RedisBufferedWrites,
	)
	return m
}
