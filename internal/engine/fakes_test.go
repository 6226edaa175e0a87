package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"optiontrader/internal/markethours"
	"optiontrader/internal/model"
)

// memStore implements every storage port the engine touches.
type memStore struct {
	mu        sync.Mutex
	ticks     map[uint32][]model.Tick
	trades    []model.SimTrade
	signals   []model.Signal
	candles   []model.StoredCandle
	snapshots [][]byte
}

func newMemStore() *memStore {
	return &memStore{ticks: make(map[uint32][]model.Tick)}
}

func (s *memStore) addTick(token uint32, price float64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks[token] = append(s.ticks[token], model.Tick{Token: token, LastPrice: price, TickTime: at})
	sort.Slice(s.ticks[token], func(i, j int) bool {
		return s.ticks[token][i].TickTime.Before(s.ticks[token][j].TickTime)
	})
}

func (s *memStore) FirstTickAfter(_ context.Context, token uint32, t time.Time) (*model.Tick, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tk := range s.ticks[token] {
		if tk.TickTime.After(t) {
			tk := tk
			return &tk, nil
		}
	}
	return nil, nil
}

func (s *memStore) StreamTicks(context.Context, []uint32, time.Time, time.Time, func(model.Tick) error) error {
	return nil
}

func (s *memStore) Candles(context.Context, uint32, int, time.Time, time.Time) ([]model.Candle, error) {
	return nil, nil
}

func (s *memStore) AggregatedCandle(context.Context, uint32, int, time.Time) (*model.Candle, error) {
	return nil, nil
}

func (s *memStore) AggregatedCandles(context.Context, uint32, int, time.Time, time.Time) ([]model.Candle, error) {
	return nil, nil
}

func (s *memStore) InsertSimTrade(_ context.Context, t *model.SimTrade) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.ID = int64(len(s.trades) + 1)
	s.trades = append(s.trades, *t)
	return t.ID, nil
}

func (s *memStore) UpdateSimTradeExit(_ context.Context, t *model.SimTrade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.trades {
		if s.trades[i].ID == t.ID {
			s.trades[i] = *t
		}
	}
	return nil
}

func (s *memStore) LastOpenSimTrade(_ context.Context, replayID uuid.UUID, token uint32) (*model.SimTrade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.trades) - 1; i >= 0; i-- {
		t := s.trades[i]
		if t.ReplayID == replayID && t.InstrumentToken == token && t.IsOpen() {
			return &t, nil
		}
	}
	return nil, nil
}

func (s *memStore) SimTrades(_ context.Context, replayID uuid.UUID) ([]model.SimTrade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.SimTrade
	for _, t := range s.trades {
		if t.ReplayID == replayID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *memStore) InsertSignal(_ context.Context, _ uuid.UUID, sig model.Signal) error {
	s.mu.Lock()
	s.signals = append(s.signals, sig)
	s.mu.Unlock()
	return nil
}

func (s *memStore) UpsertCandle(_ context.Context, c model.StoredCandle) error {
	s.mu.Lock()
	s.candles = append(s.candles, c)
	s.mu.Unlock()
	return nil
}

func (s *memStore) SaveSnapshotJSON(_ context.Context, data []byte) error {
	s.mu.Lock()
	s.snapshots = append(s.snapshots, data)
	s.mu.Unlock()
	return nil
}

func (s *memStore) ReadLatestSnapshotJSON(context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.snapshots) == 0 {
		return nil, nil
	}
	return s.snapshots[len(s.snapshots)-1], nil
}

// recordSink keeps every published event.
type recordSink struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *recordSink) Publish(_ context.Context, ev model.Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *recordSink) kinds(kind model.EventKind) []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

var day = time.Date(2026, 3, 2, 9, 15, 0, 0, markethours.IST)

func at(h, m, s int) time.Time {
	return time.Date(2026, 3, 2, h, m, s, 0, markethours.IST)
}
