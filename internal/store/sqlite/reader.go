package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"optiontrader/internal/markethours"
	"optiontrader/internal/model"
)

// istOffset shifts Unix time onto the IST wall clock for bucketing.
const istOffset = int64(5*time.Hour + 30*time.Minute)

// Reader serves fills, replay streams, seeds and snapshot restore.
type Reader struct {
	db *sql.DB
}

// NewReader opens a SQLite connection for reading.
func NewReader(dbPath string) (*Reader, error) {
	db, err := open(dbPath, 2)
	if err != nil {
		return nil, err
	}
	log.Printf("[sqlite-reader] opened %s", dbPath)
	return &Reader{db: db}, nil
}

const tickColumns = `token, name, ltp, last_qty, volume, avg_price, open, high, low, close,
	oi, oi_change, bid, bid_qty, ask, ask_qty, tick_time, received_at`

func scanTick(sc interface{ Scan(...any) error }) (model.Tick, error) {
	var (
		t        model.Tick
		name     sql.NullString
		tickNs   int64
		received sql.NullInt64
	)
	err := sc.Scan(&t.Token, &name, &t.LastPrice, &t.LastQuantity, &t.Volume, &t.AveragePrice,
		&t.OpenPrice, &t.HighPrice, &t.LowPrice, &t.ClosePrice, &t.OI, &t.OIChange,
		&t.BidPrice, &t.BidQty, &t.AskPrice, &t.AskQty, &tickNs, &received)
	if err != nil {
		return t, err
	}
	t.Name = name.String
	t.TickTime = fromNanos(tickNs)
	if received.Valid {
		t.ReceivedAt = fromNanos(received.Int64)
	}
	return t, nil
}

// FirstTickAfter returns the first tick for token strictly after t, or nil.
func (r *Reader) FirstTickAfter(ctx context.Context, token uint32, t time.Time) (*model.Tick, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+tickColumns+` FROM ticks
		WHERE token = ? AND tick_time > ?
		ORDER BY tick_time ASC, id ASC
		LIMIT 1
	`, token, nanos(t))
	tick, err := scanTick(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite first tick after: %w", err)
	}
	return &tick, nil
}

// StreamTicks calls fn for every tick of tokens in [from, to), ordered by
// trade time then insertion. An empty token set streams every token.
func (r *Reader) StreamTicks(ctx context.Context, tokens []uint32, from, to time.Time, fn func(model.Tick) error) error {
	q := `SELECT ` + tickColumns + ` FROM ticks WHERE tick_time >= ? AND tick_time < ?`
	args := []any{nanos(from), nanos(to)}
	if len(tokens) > 0 {
		q += ` AND token IN (?` + strings.Repeat(",?", len(tokens)-1) + `)`
		for _, tk := range tokens {
			args = append(args, tk)
		}
	}
	q += ` ORDER BY tick_time ASC, id ASC`

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("sqlite stream ticks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		t, err := scanTick(rows)
		if err != nil {
			return fmt.Errorf("sqlite scan tick: %w", err)
		}
		t.IsReplay = true
		if err := fn(t); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Tokens lists the distinct tokens with ticks in [from, to).
func (r *Reader) Tokens(ctx context.Context, from, to time.Time) ([]uint32, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT token FROM ticks WHERE tick_time >= ? AND tick_time < ? ORDER BY token
	`, nanos(from), nanos(to))
	if err != nil {
		return nil, fmt.Errorf("sqlite tokens: %w", err)
	}
	defer rows.Close()

	var out []uint32
	for rows.Next() {
		var tk uint32
		if err := rows.Scan(&tk); err != nil {
			return nil, fmt.Errorf("sqlite scan token: %w", err)
		}
		out = append(out, tk)
	}
	return out, rows.Err()
}

// Candles returns stored bars for token at interval in [from, to), ascending.
func (r *Reader) Candles(ctx context.Context, token uint32, intervalMinutes int, from, to time.Time) ([]model.Candle, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT ts, open, high, low, close, volume FROM candles
		WHERE token = ? AND interval = ? AND ts >= ? AND ts < ?
		ORDER BY ts ASC
	`, token, intervalMinutes, nanos(from), nanos(to))
	if err != nil {
		return nil, fmt.Errorf("sqlite query candles: %w", err)
	}
	defer rows.Close()

	var out []model.Candle
	for rows.Next() {
		var (
			c   model.Candle
			ts  int64
			vol sql.NullFloat64
		)
		if err := rows.Scan(&ts, &c.Open, &c.High, &c.Low, &c.Close, &vol); err != nil {
			return nil, fmt.Errorf("sqlite scan candle: %w", err)
		}
		c.Time = fromNanos(ts)
		c.Volume = vol.Float64
		out = append(out, c)
	}
	return out, rows.Err()
}

// AggregatedCandle builds the tfMinutes bar covering t from stored ticks.
func (r *Reader) AggregatedCandle(ctx context.Context, token uint32, tfMinutes int, t time.Time) (*model.Candle, error) {
	d := time.Duration(tfMinutes) * time.Minute
	start := markethours.FloorToBucket(t, d)
	bars, err := r.AggregatedCandles(ctx, token, tfMinutes, start, start.Add(d))
	if err != nil || len(bars) == 0 {
		return nil, err
	}
	return &bars[0], nil
}

// AggregatedCandles builds tfMinutes bars from stored ticks in [from, to).
// Buckets follow the IST wall clock; open and close are the first and last
// tick by trade time, and volume is the rise of cumulative day volume.
func (r *Reader) AggregatedCandles(ctx context.Context, token uint32, tfMinutes int, from, to time.Time) ([]model.Candle, error) {
	if tfMinutes <= 0 {
		return nil, fmt.Errorf("sqlite aggregate: bad timeframe %d", tfMinutes)
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT bucket, MIN(o), MAX(ltp), MIN(ltp), MIN(c), MAX(volume) - MIN(volume)
		FROM (
			SELECT ((tick_time + :off) / :d) * :d - :off AS bucket, ltp, volume,
				FIRST_VALUE(ltp) OVER w AS o,
				LAST_VALUE(ltp) OVER w AS c
			FROM ticks
			WHERE token = :token AND tick_time >= :from AND tick_time < :to
			WINDOW w AS (
				PARTITION BY (tick_time + :off) / :d
				ORDER BY tick_time, id
				ROWS BETWEEN UNBOUNDED PRECEDING AND UNBOUNDED FOLLOWING
			)
		)
		GROUP BY bucket
		ORDER BY bucket ASC
	`,
		sql.Named("off", istOffset),
		sql.Named("d", int64(time.Duration(tfMinutes)*time.Minute)),
		sql.Named("token", token),
		sql.Named("from", nanos(from)),
		sql.Named("to", nanos(to)),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite aggregate candles: %w", err)
	}
	defer rows.Close()

	var out []model.Candle
	for rows.Next() {
		var (
			c      model.Candle
			bucket int64
			vol    sql.NullInt64
		)
		if err := rows.Scan(&bucket, &c.Open, &c.High, &c.Low, &c.Close, &vol); err != nil {
			return nil, fmt.Errorf("sqlite scan aggregate: %w", err)
		}
		c.Time = fromNanos(bucket)
		c.Volume = float64(vol.Int64)
		out = append(out, c)
	}
	return out, rows.Err()
}

const tradeColumns = `id, replay_id, instrument_token, instrument_name, underlying_token, underlying_price,
	side, quantity_lots, entry_time, entry_price, exit_time, exit_price, pnl, reason`

func scanTrade(sc interface{ Scan(...any) error }) (model.SimTrade, error) {
	var (
		t        model.SimTrade
		replayID string
		name     sql.NullString
		side     string
		entryNs  int64
		exitNs   sql.NullInt64
		exitPx   sql.NullFloat64
		pnl      sql.NullFloat64
		reason   sql.NullString
		under    sql.NullInt64
		underPx  sql.NullFloat64
	)
	err := sc.Scan(&t.ID, &replayID, &t.InstrumentToken, &name, &under, &underPx,
		&side, &t.QuantityLots, &entryNs, &t.EntryPrice, &exitNs, &exitPx, &pnl, &reason)
	if err != nil {
		return t, err
	}
	if t.ReplayID, err = uuid.Parse(replayID); err != nil {
		return t, fmt.Errorf("replay id %q: %w", replayID, err)
	}
	t.InstrumentName = name.String
	t.UnderlyingToken = uint32(under.Int64)
	t.UnderlyingPrice = underPx.Float64
	t.Side = model.Side(side)
	t.EntryTime = fromNanos(entryNs)
	if exitNs.Valid {
		t.ExitTime = fromNanos(exitNs.Int64)
	}
	t.ExitPrice = exitPx.Float64
	t.PnL = pnl.Float64
	t.Reason = reason.String
	return t, nil
}

// LastOpenSimTrade returns the latest filled, not yet exited trade for
// (replayID, token), or nil.
func (r *Reader) LastOpenSimTrade(ctx context.Context, replayID uuid.UUID, token uint32) (*model.SimTrade, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+tradeColumns+` FROM sim_trades
		WHERE replay_id = ? AND instrument_token = ? AND entry_price > 0 AND exit_time IS NULL
		ORDER BY id DESC
		LIMIT 1
	`, replayID.String(), token)
	t, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite last open trade: %w", err)
	}
	return &t, nil
}

// SimTrades lists the trades of a run in insertion order.
func (r *Reader) SimTrades(ctx context.Context, replayID uuid.UUID) ([]model.SimTrade, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+tradeColumns+` FROM sim_trades WHERE replay_id = ? ORDER BY id ASC
	`, replayID.String())
	if err != nil {
		return nil, fmt.Errorf("sqlite query trades: %w", err)
	}
	defer rows.Close()

	var out []model.SimTrade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite scan trade: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Signals lists the signals of a run by time.
func (r *Reader) Signals(ctx context.Context, replayID uuid.UUID) ([]model.Signal, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, token, type, price, ts, note FROM signals WHERE replay_id = ? ORDER BY ts ASC, id ASC
	`, replayID.String())
	if err != nil {
		return nil, fmt.Errorf("sqlite query signals: %w", err)
	}
	defer rows.Close()

	var out []model.Signal
	for rows.Next() {
		var (
			s    model.Signal
			id   string
			typ  string
			ts   int64
			note sql.NullString
		)
		if err := rows.Scan(&id, &s.Token, &typ, &s.Price, &ts, &note); err != nil {
			return nil, fmt.Errorf("sqlite scan signal: %w", err)
		}
		if s.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("signal id %q: %w", id, err)
		}
		if typ == model.Sell.String() {
			s.Type = model.Sell
		}
		s.Time = fromNanos(ts)
		s.Note = note.String
		out = append(out, s)
	}
	return out, rows.Err()
}

// ReadLatestSnapshotJSON loads the most recent engine snapshot, or nil.
func (r *Reader) ReadLatestSnapshotJSON(ctx context.Context) ([]byte, error) {
	var data string
	err := r.db.QueryRowContext(ctx, `SELECT data FROM engine_snapshots ORDER BY id DESC LIMIT 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite read snapshot: %w", err)
	}
	return []byte(data), nil
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.db.Close()
}
