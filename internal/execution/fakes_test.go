package execution

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"optiontrader/internal/markethours"
	"optiontrader/internal/model"
)

// memStore is an in-memory TickReader, CandleReader and TradeStore.
type memStore struct {
	mu      sync.Mutex
	ticks   map[uint32][]model.Tick
	candles map[uint32][]model.Candle // pre-aggregated, keyed by token
	trades  []model.SimTrade
}

func newMemStore() *memStore {
	return &memStore{
		ticks:   make(map[uint32][]model.Tick),
		candles: make(map[uint32][]model.Candle),
	}
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

func (s *memStore) StreamTicks(_ context.Context, tokens []uint32, from, to time.Time, fn func(model.Tick) error) error {
	return nil
}

func (s *memStore) Candles(context.Context, uint32, int, time.Time, time.Time) ([]model.Candle, error) {
	return nil, nil
}

func (s *memStore) AggregatedCandle(_ context.Context, token uint32, tf int, t time.Time) (*model.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := markethours.FloorToBucket(t, time.Duration(tf)*time.Minute)
	for _, c := range s.candles[token] {
		if c.Time.Equal(bucket) {
			c := c
			return &c, nil
		}
	}
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

func ist(h, m, sec int) time.Time {
	return time.Date(2024, 11, 14, h, m, sec, 0, markethours.IST)
}
