package execution

import (
	"sync"

	"optiontrader/internal/indicator"
	"optiontrader/internal/model"
)

// DefaultUnderlyingBars bounds the per-underlying bar cache.
const DefaultUnderlyingBars = 5000

// UnderlyingCache keeps sealed underlying bars for exit sizing. Bars are
// written by the underlying's lane and read by option lanes.
type UnderlyingCache struct {
	mu    sync.RWMutex
	bars  map[uint32][]model.Candle
	limit int
}

// NewUnderlyingCache creates a cache holding at most limit bars per token.
func NewUnderlyingCache(limit int) *UnderlyingCache {
	if limit <= 0 {
		limit = DefaultUnderlyingBars
	}
	return &UnderlyingCache{
		bars:  make(map[uint32][]model.Candle),
		limit: limit,
	}
}

// Put appends a sealed bar. A bar with the same time as the newest cached
// bar replaces it.
func (c *UnderlyingCache) Put(token uint32, bar model.Candle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	bars := c.bars[token]
	if n := len(bars); n > 0 && bars[n-1].Time.Equal(bar.Time) {
		bars[n-1] = bar
		return
	}
	bars = append(bars, bar)
	if len(bars) > c.limit {
		bars = append(bars[:0:0], bars[len(bars)-c.limit:]...)
	}
	c.bars[token] = bars
}

// Seed replaces the cached history for token.
func (c *UnderlyingCache) Seed(token uint32, bars []model.Candle) {
	if len(bars) > c.limit {
		bars = bars[len(bars)-c.limit:]
	}
	cp := make([]model.Candle, len(bars))
	copy(cp, bars)

	c.mu.Lock()
	c.bars[token] = cp
	c.mu.Unlock()
}

// ATR returns the ATR of the newest cached bar. It needs period+2 bars and
// returns 0 otherwise.
func (c *UnderlyingCache) ATR(token uint32, period int) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	bars := c.bars[token]
	if period <= 0 || len(bars) < period+2 {
		return 0
	}
	return indicator.ATR(bars, period, len(bars)-1)
}

// Last returns the newest cached bar.
func (c *UnderlyingCache) Last(token uint32) (model.Candle, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	bars := c.bars[token]
	if len(bars) == 0 {
		return model.Candle{}, false
	}
	return bars[len(bars)-1], true
}

// Len returns the number of cached bars for token.
func (c *UnderlyingCache) Len(token uint32) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.bars[token])
}
