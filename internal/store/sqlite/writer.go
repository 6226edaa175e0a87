package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"optiontrader/internal/model"
)

// WriterConfig configures the SQLite writer.
type WriterConfig struct {
	DBPath string // path to SQLite database file, e.g. "data/optiontrader.db"
}

// Writer is the single-connection SQLite writer. Batches go through one
// transaction with a prepared statement.
type Writer struct {
	db *sql.DB
}

// DB returns the underlying sql.DB for health checks.
func (w *Writer) DB() *sql.DB { return w.db }

// New creates a Writer, opening the database in WAL mode and creating the
// schema.
func New(cfg WriterConfig) (*Writer, error) {
	db, err := open(cfg.DBPath, 1)
	if err != nil {
		return nil, err
	}
	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", cfg.DBPath)
	return &Writer{db: db}, nil
}

// WriteTicks inserts a batch of ticks in a single transaction.
func (w *Writer) WriteTicks(ctx context.Context, ticks []model.Tick) error {
	if len(ticks) == 0 {
		return nil
	}
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite begin: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO ticks (token, name, ltp, last_qty, volume, avg_price, open, high, low, close,
			oi, oi_change, bid, bid_qty, ask, ask_qty, tick_time, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("sqlite prepare ticks: %w", err)
	}
	defer stmt.Close()

	for _, t := range ticks {
		_, err := stmt.ExecContext(ctx, t.Token, t.Name, t.LastPrice, t.LastQuantity, t.Volume, t.AveragePrice,
			t.OpenPrice, t.HighPrice, t.LowPrice, t.ClosePrice, t.OI, t.OIChange,
			t.BidPrice, t.BidQty, t.AskPrice, t.AskQty, nanos(t.TickTime), nullNanos(t.ReceivedAt))
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlite insert tick: %w", err)
		}
	}
	return tx.Commit()
}

// UpsertCandle stores a sealed bar, replacing any bar with the same key.
func (w *Writer) UpsertCandle(ctx context.Context, c model.StoredCandle) error {
	_, err := w.db.ExecContext(ctx, `
		INSERT INTO candles (token, name, interval, ts, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (token, interval, ts) DO UPDATE SET
			name = excluded.name, open = excluded.open, high = excluded.high,
			low = excluded.low, close = excluded.close, volume = excluded.volume
	`, c.Token, c.Name, c.IntervalMinutes, nanos(c.Time), c.Open, c.High, c.Low, c.Close, c.Volume)
	if err != nil {
		return fmt.Errorf("sqlite upsert candle: %w", err)
	}
	return nil
}

// InsertSignal records a signal. Re-inserting the same signal id for the
// same run is a no-op.
func (w *Writer) InsertSignal(ctx context.Context, replayID uuid.UUID, s model.Signal) error {
	var meta []byte
	if len(s.Meta) > 0 {
		var err error
		if meta, err = json.Marshal(s.Meta); err != nil {
			return fmt.Errorf("marshal signal meta: %w", err)
		}
	}
	_, err := w.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO signals (id, replay_id, token, type, price, ts, note, meta)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID.String(), replayID.String(), s.Token, s.Type.String(), s.Price, nanos(s.Time), s.Note, string(meta))
	if err != nil {
		return fmt.Errorf("sqlite insert signal: %w", err)
	}
	return nil
}

// InsertSimTrade stores a new trade and returns its row id. A trade with
// the same run, instrument and entry time returns the existing row.
func (w *Writer) InsertSimTrade(ctx context.Context, t *model.SimTrade) (int64, error) {
	_, err := w.db.ExecContext(ctx, `
		INSERT INTO sim_trades (replay_id, instrument_token, instrument_name, underlying_token, underlying_price,
			side, quantity_lots, entry_time, entry_price, exit_time, exit_price, pnl, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (replay_id, instrument_token, entry_time) DO NOTHING
	`, t.ReplayID.String(), t.InstrumentToken, t.InstrumentName, t.UnderlyingToken, t.UnderlyingPrice,
		string(t.Side), t.QuantityLots, nanos(t.EntryTime), t.EntryPrice,
		nullNanos(t.ExitTime), t.ExitPrice, t.PnL, t.Reason)
	if err != nil {
		return 0, fmt.Errorf("sqlite insert sim trade: %w", err)
	}

	var id int64
	err = w.db.QueryRowContext(ctx, `
		SELECT id FROM sim_trades WHERE replay_id = ? AND instrument_token = ? AND entry_time = ?
	`, t.ReplayID.String(), t.InstrumentToken, nanos(t.EntryTime)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("sqlite sim trade id: %w", err)
	}
	t.ID = id
	return id, nil
}

// UpdateSimTradeExit records the exit of trade t.ID.
func (w *Writer) UpdateSimTradeExit(ctx context.Context, t *model.SimTrade) error {
	res, err := w.db.ExecContext(ctx, `
		UPDATE sim_trades SET exit_time = ?, exit_price = ?, pnl = ?, reason = ? WHERE id = ?
	`, nullNanos(t.ExitTime), t.ExitPrice, t.PnL, t.Reason, t.ID)
	if err != nil {
		return fmt.Errorf("sqlite update sim trade: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite update sim trade: no row %d", t.ID)
	}
	return nil
}

// SaveSnapshotJSON stores an engine snapshot, keeping the newest few.
func (w *Writer) SaveSnapshotJSON(ctx context.Context, data []byte) error {
	_, err := w.db.ExecContext(ctx, `INSERT INTO engine_snapshots (data, created_at) VALUES (?, ?)`,
		string(data), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite insert snapshot: %w", err)
	}

	_, err = w.db.ExecContext(ctx, `
		DELETE FROM engine_snapshots WHERE id NOT IN (
			SELECT id FROM engine_snapshots ORDER BY id DESC LIMIT ?
		)`, snapshotsKept)
	if err != nil {
		log.Printf("[sqlite] prune snapshots warning: %v", err)
	}
	return nil
}

// Close closes the database.
func (w *Writer) Close() error {
	return w.db.Close()
}
