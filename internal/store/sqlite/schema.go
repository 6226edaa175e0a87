// Package sqlite is the durable store: ticks, candles, signals, simulated
// trades and engine snapshots in one WAL-mode SQLite file.
//
// Times are stored as Unix nanoseconds and read back in IST.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"optiontrader/internal/markethours"
)

const dsnOptions = "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"

// snapshotsKept bounds the engine_snapshots table.
const snapshotsKept = 10

func open(path string, conns int) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+dsnOptions)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(conns)
	db.SetMaxIdleConns(conns)
	return db, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS ticks (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			token        INTEGER NOT NULL,
			name         TEXT,
			ltp          REAL    NOT NULL,
			last_qty     INTEGER,
			volume       INTEGER,
			avg_price    REAL,
			open         REAL,
			high         REAL,
			low          REAL,
			close        REAL,
			oi           INTEGER,
			oi_change    INTEGER,
			bid          REAL,
			bid_qty      INTEGER,
			ask          REAL,
			ask_qty      INTEGER,
			tick_time    INTEGER NOT NULL,
			received_at  INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_ticks_token_time ON ticks (token, tick_time);
		CREATE INDEX IF NOT EXISTS idx_ticks_time ON ticks (tick_time);

		CREATE TABLE IF NOT EXISTS candles (
			token      INTEGER NOT NULL,
			name       TEXT,
			interval   INTEGER NOT NULL,
			ts         INTEGER NOT NULL,
			open       REAL    NOT NULL,
			high       REAL    NOT NULL,
			low        REAL    NOT NULL,
			close      REAL    NOT NULL,
			volume     REAL,
			PRIMARY KEY (token, interval, ts)
		);

		CREATE TABLE IF NOT EXISTS signals (
			id         TEXT    NOT NULL,
			replay_id  TEXT    NOT NULL,
			token      INTEGER NOT NULL,
			type       TEXT    NOT NULL,
			price      REAL    NOT NULL,
			ts         INTEGER NOT NULL,
			note       TEXT,
			meta       TEXT,
			PRIMARY KEY (replay_id, id)
		);

		CREATE TABLE IF NOT EXISTS sim_trades (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			replay_id        TEXT    NOT NULL,
			instrument_token INTEGER NOT NULL,
			instrument_name  TEXT,
			underlying_token INTEGER,
			underlying_price REAL,
			side             TEXT    NOT NULL,
			quantity_lots    INTEGER NOT NULL,
			entry_time       INTEGER NOT NULL,
			entry_price      REAL    NOT NULL,
			exit_time        INTEGER,
			exit_price       REAL,
			pnl              REAL,
			reason           TEXT,
			UNIQUE (replay_id, instrument_token, entry_time)
		);

		CREATE TABLE IF NOT EXISTS engine_snapshots (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			data       TEXT    NOT NULL,
			created_at INTEGER NOT NULL
		);
	`)
	return err
}

func nanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(ns int64) time.Time {
	return time.Unix(0, ns).In(markethours.IST)
}

func nullNanos(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

// Store is a Writer and Reader over the same database file.
type Store struct {
	*Writer
	*Reader
}

// Open opens path for reading and writing, creating the schema.
func Open(path string) (*Store, error) {
	w, err := New(WriterConfig{DBPath: path})
	if err != nil {
		return nil, err
	}
	r, err := NewReader(path)
	if err != nil {
		w.Close()
		return nil, err
	}
	return &Store{Writer: w, Reader: r}, nil
}

// Close closes both connections.
func (s *Store) Close() error {
	return errors.Join(s.Reader.Close(), s.Writer.Close())
}
