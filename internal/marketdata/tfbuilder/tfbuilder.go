// Package tfbuilder rolls stored 1-minute candles up into the trading
// timeframe. Buckets are floored in IST wall-clock time, the same way the
// live aggregator floors ticks, so a roll-up of 1m bars and a live
// aggregation of the same ticks agree on bar boundaries.
package tfbuilder

import (
	"log"
	"time"

	"optiontrader/internal/markethours"
	"optiontrader/internal/model"
)

// formingBar is the bar being built for one token.
type formingBar struct {
	bucket time.Time
	bar    model.Candle
	count  int
}

// Builder merges short bars into timeframe bars per token.
// Not safe for concurrent use.
type Builder struct {
	tf     time.Duration
	states map[uint32]*formingBar

	// StaleTolerance rejects an input whose bucket is behind the forming
	// bucket by more than this. Zero disables the check.
	StaleTolerance time.Duration

	// OnBar is called for every finalized bar (optional).
	OnBar func(token uint32, c model.Candle)
	// OnStale is called when an input is rejected as stale (optional).
	OnStale func(token uint32, c model.Candle)
}

// New creates a builder for the given timeframe.
func New(tf time.Duration) *Builder {
	return &Builder{
		tf:     tf,
		states: make(map[uint32]*formingBar, 16),
	}
}

// Timeframe returns the output bar length.
func (b *Builder) Timeframe() time.Duration { return b.tf }

// Add merges c (a bar starting at c.Time) into the forming bar of token.
// When c falls in a later bucket, the previous bar is finalized and
// returned with ok = true.
func (b *Builder) Add(token uint32, c model.Candle) (closed model.Candle, ok bool) {
	bucket := markethours.FloorToBucket(c.Time, b.tf)
	st, exists := b.states[token]

	if exists && bucket.Before(st.bucket) {
		if b.StaleTolerance > 0 && st.bucket.Sub(bucket) > b.StaleTolerance {
			if b.OnStale != nil {
				b.OnStale(token, c)
			}
			log.Printf("[tfbuilder] token=%d stale bar %s behind forming %s", token,
				c.Time.Format(time.TimeOnly), st.bucket.Format(time.TimeOnly))
			return model.Candle{}, false
		}
		// Late but tolerated: merge into the current bar.
		b.merge(st, c)
		return model.Candle{}, false
	}

	if exists && bucket.After(st.bucket) {
		closed, ok = st.bar, true
		b.finalize(token, closed)
		exists = false
	}

	if !exists {
		b.states[token] = &formingBar{
			bucket: bucket,
			count:  1,
			bar: model.Candle{
				Time:   bucket,
				Open:   c.Open,
				High:   c.High,
				Low:    c.Low,
				Close:  c.Close,
				Volume: c.Volume,
			},
		}
		return closed, ok
	}

	b.merge(st, c)
	return closed, ok
}

func (b *Builder) merge(st *formingBar, c model.Candle) {
	if c.High > st.bar.High {
		st.bar.High = c.High
	}
	if c.Low < st.bar.Low {
		st.bar.Low = c.Low
	}
	st.bar.Close = c.Close
	st.bar.Volume += c.Volume
	st.count++
}

func (b *Builder) finalize(token uint32, c model.Candle) {
	if b.OnBar != nil {
		b.OnBar(token, c)
	}
}

// Forming returns the bar in progress for token.
func (b *Builder) Forming(token uint32) (model.Candle, bool) {
	st, ok := b.states[token]
	if !ok {
		return model.Candle{}, false
	}
	return st.bar, true
}

// Flush finalizes the forming bar of token, if any.
func (b *Builder) Flush(token uint32) (model.Candle, bool) {
	st, ok := b.states[token]
	if !ok {
		return model.Candle{}, false
	}
	delete(b.states, token)
	b.finalize(token, st.bar)
	return st.bar, true
}

// FlushAll finalizes every forming bar.
func (b *Builder) FlushAll() map[uint32]model.Candle {
	out := make(map[uint32]model.Candle, len(b.states))
	for token := range b.states {
		if c, ok := b.Flush(token); ok {
			out[token] = c
		}
	}
	return out
}

// Rollup converts ascending bars of one token into tf bars, including
// the trailing partial bar.
func Rollup(bars []model.Candle, tf time.Duration) []model.Candle {
	b := New(tf)
	out := make([]model.Candle, 0, len(bars)/max(1, int(tf/time.Minute))+1)
	for _, c := range bars {
		if closed, ok := b.Add(0, c); ok {
			out = append(out, closed)
		}
	}
	if last, ok := b.Flush(0); ok {
		out = append(out, last)
	}
	return out
}
