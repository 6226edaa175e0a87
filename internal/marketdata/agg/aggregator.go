// Package agg folds ticks into fixed-interval OHLC bars, one InstrumentContext
// per instrument.
package agg

import (
	"log"
	"sync"
	"time"

	"optiontrader/internal/markethours"
	"optiontrader/internal/model"
)

// DefaultMaxHistory bounds the sealed bar history kept per instrument.
const DefaultMaxHistory = 1000

// InstrumentContext owns one instrument's open bar and its sealed history.
// It is not safe for concurrent use: every call for a given instrument must
// come from that instrument's lane.
type InstrumentContext struct {
	Token     uint32
	Name      string
	Timeframe time.Duration

	maxHistory int
	bars       []model.Candle

	open    bool
	current model.Candle
}

// NewInstrumentContext creates a context with an optional seed history
// (ascending, already sealed) so indicators do not need to warm up again.
func NewInstrumentContext(token uint32, name string, timeframe time.Duration, maxHistory int, seed []model.Candle) *InstrumentContext {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	c := &InstrumentContext{
		Token:      token,
		Name:       name,
		Timeframe:  timeframe,
		maxHistory: maxHistory,
		bars:       make([]model.Candle, 0, min(maxHistory, 1024)),
	}
	c.bars = append(c.bars, seed...)
	c.trim()
	return c
}

// ProcessTick folds one tick into the open bar. When the tick's bucket is
// newer than the open bar's, the open bar is sealed, appended to history and
// returned with ok=true, and a new bar is opened at the tick price with zero
// volume. A late tick (see Accepts) is dropped.
func (c *InstrumentContext) ProcessTick(price float64, tickTime time.Time) (closed model.Candle, ok bool) {
	bucket := markethours.FloorToBucket(tickTime, c.Timeframe)
	if !c.accepts(bucket) {
		log.Printf("[agg] token=%d dropping late tick %v (bucket %v)", c.Token, tickTime, bucket)
		return model.Candle{}, false
	}

	if !c.open || !bucket.Equal(c.current.Time) {
		if c.open {
			closed, ok = c.seal()
		}
		c.current = model.Candle{Time: bucket, Open: price, High: price, Low: price, Close: price}
		c.open = true
		return closed, ok
	}

	cur := &c.current
	cur.Close = price
	if price > cur.High {
		cur.High = price
	}
	if price < cur.Low {
		cur.Low = price
	}
	return model.Candle{}, false
}

// Accepts reports whether a tick at tickTime can still be folded in: its
// bucket is not older than the open bar's, and not at or before the newest
// sealed bar's when no bar is open.
func (c *InstrumentContext) Accepts(tickTime time.Time) bool {
	return c.accepts(markethours.FloorToBucket(tickTime, c.Timeframe))
}

func (c *InstrumentContext) accepts(bucket time.Time) bool {
	if c.open {
		return !bucket.Before(c.current.Time)
	}
	if n := len(c.bars); n > 0 {
		return bucket.After(c.bars[n-1].Time)
	}
	return true
}

// AppendSealed appends an already sealed bar (candle-level replay). Any open
// bar is discarded first since it can no longer be completed in order.
func (c *InstrumentContext) AppendSealed(bar model.Candle) {
	c.open = false
	c.current = model.Candle{}
	c.bars = append(c.bars, bar)
	c.trim()
}

func (c *InstrumentContext) seal() (model.Candle, bool) {
	bar := c.current
	c.bars = append(c.bars, bar)
	c.trim()
	c.open = false
	return bar, true
}

func (c *InstrumentContext) trim() {
	if over := len(c.bars) - c.maxHistory; over > 0 {
		// Copy down so the backing array does not grow without bound.
		n := copy(c.bars, c.bars[over:])
		c.bars = c.bars[:n]
	}
}

// Bars returns a copy of the sealed history, oldest first.
func (c *InstrumentContext) Bars() []model.Candle {
	out := make([]model.Candle, len(c.bars))
	copy(out, c.bars)
	return out
}

// Len is the number of sealed bars.
func (c *InstrumentContext) Len() int { return len(c.bars) }

// Forming returns the open bar, if any.
func (c *InstrumentContext) Forming() (model.Candle, bool) {
	return c.current, c.open
}

// Registry hands out one InstrumentContext per token, created lazily.
// Creation is synchronized; the contexts themselves are not.
type Registry struct {
	mu         sync.Mutex
	contexts   map[uint32]*InstrumentContext
	timeframe  time.Duration
	maxHistory int

	// Seed, if set, supplies the initial history for a new context.
	Seed func(token uint32) []model.Candle
	// Name, if set, resolves the display name of a new context.
	Name func(token uint32) string
}

// NewRegistry creates an empty registry.
func NewRegistry(timeframe time.Duration, maxHistory int) *Registry {
	return &Registry{
		contexts:   make(map[uint32]*InstrumentContext),
		timeframe:  timeframe,
		maxHistory: maxHistory,
	}
}

// Get returns the context for token, creating it on first use.
func (r *Registry) Get(token uint32) *InstrumentContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.contexts[token]; ok {
		return c
	}
	var seed []model.Candle
	if r.Seed != nil {
		seed = r.Seed(token)
	}
	name := ""
	if r.Name != nil {
		name = r.Name(token)
	}
	c := NewInstrumentContext(token, name, r.timeframe, r.maxHistory, seed)
	r.contexts[token] = c
	if len(seed) > 0 {
		log.Printf("[agg] token=%d seeded with %d bars", token, len(seed))
	}
	return c
}

// Len returns the number of contexts created so far.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.contexts)
}
