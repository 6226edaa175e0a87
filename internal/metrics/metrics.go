package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the trading engine.
type Metrics struct {
	// Ingestion
	TicksEnqueued prometheus.Counter
	IntakeDrops   prometheus.Counter
	LaneDrops     prometheus.Counter // drop-oldest evictions
	StaleDrops    prometheus.Counter
	Rejects       *prometheus.CounterVec // labels: reason=session|duplicate|late|decode
	LanePanics    prometheus.Counter
	ActiveLanes   prometheus.Gauge

	// Persistence
	BatchesFlushed prometheus.Counter
	FlushErrors    prometheus.Counter
	FlushDur       prometheus.Histogram

	// Bars and signals
	CandlesSealed     prometheus.Counter
	SignalsEmitted    *prometheus.CounterVec // labels: type
	SignalsSuppressed *prometheus.CounterVec // labels: reason

	// Orders and exits
	OrdersPlaced   prometheus.Counter
	OrdersFilled   prometheus.Counter
	OrdersUnfilled prometheus.Counter
	Exits          *prometheus.CounterVec // labels: reason
	OpenPositions  prometheus.Gauge

	// Outbound publishing
	FanoutDropsTotal         *prometheus.CounterVec // labels: subscriber
	RedisCircuitBreakerState prometheus.Gauge       // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	RedisBufferedWrites      prometheus.Counter
	KafkaWriteErrors         prometheus.Counter

	// Feed and session
	WSReconnects       prometheus.Counter
	MarketState        prometheus.Gauge       // 0=closed, 1=open
	SessionTransitions *prometheus.CounterVec // labels: type=open|close|ws_disconnect
}

// NewMetrics registers and returns all Prometheus metrics on the default
// registry. Call it once per process.
func NewMetrics() *Metrics {
	return New(prometheus.DefaultRegisterer)
}

// Discard returns unregistered metrics, for tests and tools that do not
// expose /metrics.
func Discard() *Metrics {
	return New(nil)
}

// New builds the metrics and registers them on reg when reg is not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TicksEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optiontrader_ticks_enqueued_total",
			Help: "Ticks accepted into the intake buffer",
		}),
		IntakeDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optiontrader_intake_drops_total",
			Help: "Ticks rejected because the intake buffer was full",
		}),
		LaneDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optiontrader_lane_drops_total",
			Help: "Buffered ticks evicted from a full lane (drop-oldest)",
		}),
		StaleDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optiontrader_stale_drops_total",
			Help: "Ticks dropped because receipt delay exceeded the staleness threshold",
		}),
		Rejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "optiontrader_tick_rejects_total",
			Help: "Ticks rejected at decode or by a data-quality check",
		}, []string{"reason"}),
		LanePanics: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optiontrader_lane_panics_total",
			Help: "Recovered panics while processing a tick",
		}),
		ActiveLanes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "optiontrader_active_lanes",
			Help: "Per-instrument lanes started",
		}),

		BatchesFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optiontrader_batches_flushed_total",
			Help: "Tick batches written to the store",
		}),
		FlushErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optiontrader_flush_errors_total",
			Help: "Tick batch writes that failed",
		}),
		FlushDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "optiontrader_flush_duration_seconds",
			Help:    "Tick batch write latency",
			Buckets: prometheus.DefBuckets,
		}),

		CandlesSealed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optiontrader_candles_sealed_total",
			Help: "Bars sealed by the aggregator",
		}),
		SignalsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "optiontrader_signals_emitted_total",
			Help: "Signals that passed every gate",
		}, []string{"type"}),
		SignalsSuppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "optiontrader_signals_suppressed_total",
			Help: "Signals suppressed by the debounce or position gates",
		}, []string{"reason"}),

		OrdersPlaced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optiontrader_orders_placed_total",
			Help: "Simulated orders placed",
		}),
		OrdersFilled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optiontrader_orders_filled_total",
			Help: "Simulated orders filled",
		}),
		OrdersUnfilled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optiontrader_orders_unfilled_total",
			Help: "Simulated orders with no fill inside the wait window",
		}),
		Exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "optiontrader_exits_total",
			Help: "Closed simulated positions by exit reason",
		}, []string{"reason"}),
		OpenPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "optiontrader_open_positions",
			Help: "Simulated positions currently open",
		}),

		FanoutDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "optiontrader_fanout_drops_total",
			Help: "Events dropped by the bus per subscriber",
		}, []string{"subscriber"}),
		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "optiontrader_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optiontrader_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		RedisBufferedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optiontrader_redis_buffered_writes_total",
			Help: "Events buffered locally while the Redis circuit breaker was open",
		}),
		KafkaWriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optiontrader_kafka_write_errors_total",
			Help: "Kafka event writes that failed",
		}),

		WSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optiontrader_ws_reconnects_total",
			Help: "Feed WebSocket reconnection attempts",
		}),
		MarketState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "optiontrader_market_state",
			Help: "Market session state (0=closed, 1=open)",
		}),
		SessionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "optiontrader_session_transitions_total",
			Help: "Market session transitions (open, close, ws_disconnect)",
		}, []string{"type"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.TicksEnqueued,
			m.IntakeDrops,
			m.LaneDrops,
			m.StaleDrops,
			m.Rejects,
			m.LanePanics,
			m.ActiveLanes,
			m.BatchesFlushed,
			m.FlushErrors,
			m.FlushDur,
			m.CandlesSealed,
			m.SignalsEmitted,
			m.SignalsSuppressed,
			m.OrdersPlaced,
			m.OrdersFilled,
			m.OrdersUnfilled,
			m.Exits,
			m.OpenPositions,
			m.FanoutDropsTotal,
			m.RedisCircuitBreakerState,
			m.RedisCircuitBreakerTrips,
			m.RedisBufferedWrites,
			m.KafkaWriteErrors,
			m.WSReconnects,
			m.MarketState,
			m.SessionTransitions,
		)
	}

	return m
}
