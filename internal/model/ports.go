package model

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ── Storage Port Interfaces ──
// These interfaces decouple the engine from concrete storage implementations
// (SQLite, Redis, Kafka). Each implementation satisfies one or more of them.

// TickWriter appends batches of ticks.
type TickWriter interface {
	// WriteTicks inserts the batch in a single transaction.
	WriteTicks(ctx context.Context, ticks []Tick) error
}

// TickReader serves historical tick reads for fills and replay.
type TickReader interface {
	// FirstTickAfter returns the first tick for token strictly after t.
	// Returns nil, nil when there is none.
	FirstTickAfter(ctx context.Context, token uint32, t time.Time) (*Tick, error)

	// StreamTicks calls fn for every tick of the token set in [from, to)
	// in ascending trade time. A non-nil error from fn stops the scan.
	StreamTicks(ctx context.Context, tokens []uint32, from, to time.Time, fn func(Tick) error) error
}

// CandleWriter upserts sealed bars keyed by (token, interval, time).
type CandleWriter interface {
	UpsertCandle(ctx context.Context, c StoredCandle) error
}

// CandleReader serves historical bar reads.
type CandleReader interface {
	// Candles returns stored bars for token at interval in [from, to), ascending.
	Candles(ctx context.Context, token uint32, intervalMinutes int, from, to time.Time) ([]Candle, error)

	// AggregatedCandle builds the bar of tfMinutes covering t from stored
	// ticks. Returns nil, nil when no tick falls in the bucket.
	AggregatedCandle(ctx context.Context, token uint32, tfMinutes int, t time.Time) (*Candle, error)

	// AggregatedCandles builds tfMinutes bars from stored ticks in [from, to).
	AggregatedCandles(ctx context.Context, token uint32, tfMinutes int, from, to time.Time) ([]Candle, error)
}

// SignalWriter records emitted signals.
type SignalWriter interface {
	InsertSignal(ctx context.Context, replayID uuid.UUID, s Signal) error
}

// TradeStore persists simulated trades.
type TradeStore interface {
	// InsertSimTrade stores a new trade and returns its row id.
	InsertSimTrade(ctx context.Context, t *SimTrade) (int64, error)

	// UpdateSimTradeExit records exit price/time/pnl/reason on an existing row.
	UpdateSimTradeExit(ctx context.Context, t *SimTrade) error

	// LastOpenSimTrade returns the latest filled, not yet exited trade for
	// (replayID, token). Returns nil, nil if none.
	LastOpenSimTrade(ctx context.Context, replayID uuid.UUID, token uint32) (*SimTrade, error)

	// SimTrades lists trades of a replay run (uuid.Nil for live), ascending.
	SimTrades(ctx context.Context, replayID uuid.UUID) ([]SimTrade, error)
}

// SnapshotStore reads and writes engine state snapshots as raw JSON.
type SnapshotStore interface {
	// SaveSnapshotJSON persists a JSON-encoded engine snapshot.
	SaveSnapshotJSON(ctx context.Context, data []byte) error

	// ReadLatestSnapshotJSON loads the most recent snapshot as raw JSON.
	// Returns nil, nil if no snapshot exists.
	ReadLatestSnapshotJSON(ctx context.Context) ([]byte, error)
}

// EventSink receives engine events for out-of-process consumers
// (Redis, Kafka). Implementations must not block the caller for long.
type EventSink interface {
	Publish(ctx context.Context, ev Event) error
}
