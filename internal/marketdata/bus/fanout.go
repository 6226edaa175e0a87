// Package bus fans engine events out to in-process subscribers such as the
// browser gateway. Publishing never blocks: a subscriber whose buffer is
// full misses the event and its drop counter is bumped.
package bus

import (
	"context"
	"log"
	"sync"
	"sync/atomic"

	"optiontrader/internal/model"
)

type subscriber struct {
	name  string
	ch    chan model.Event
	kinds map[model.EventKind]bool // nil = all
	drops atomic.Uint64
}

// FanOut broadcasts events to N subscriber channels.
type FanOut struct {
	mu      sync.RWMutex
	subs    []*subscriber
	bufSize int
	closed  bool

	// OnDrop is called when an event is dropped for a subscriber.
	OnDrop func(subscriber string)
}

// New creates a FanOut with the given buffer size for subscriber channels.
func New(outputBufferSize int) *FanOut {
	if outputBufferSize <= 0 {
		outputBufferSize = 256
	}
	return &FanOut{
		bufSize: outputBufferSize,
	}
}

// Subscribe creates a named subscriber channel receiving the given event
// kinds, or every kind when none are given.
func (f *FanOut) Subscribe(name string, kinds ...model.EventKind) <-chan model.Event {
	s := &subscriber{name: name, ch: make(chan model.Event, f.bufSize)}
	if len(kinds) > 0 {
		s.kinds = make(map[model.EventKind]bool, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = true
		}
	}
	f.mu.Lock()
	if f.closed {
		close(s.ch)
	} else {
		f.subs = append(f.subs, s)
	}
	f.mu.Unlock()
	return s.ch
}

// Publish delivers ev to every interested subscriber without blocking.
// It satisfies model.EventSink and never returns an error.
func (f *FanOut) Publish(_ context.Context, ev model.Event) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return nil
	}
	for _, s := range f.subs {
		if s.kinds != nil && !s.kinds[ev.Kind] {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			if s.drops.Add(1) == 1 || f.OnDrop == nil {
				log.Printf("[bus] subscriber %s full, dropping %s event", s.name, ev.Kind)
			}
			if f.OnDrop != nil {
				f.OnDrop(s.name)
			}
		}
	}
	return nil
}

// Status publishes a status text event.
func (f *FanOut) Status(ctx context.Context, text string) {
	f.Publish(ctx, model.Event{Kind: model.EventStatus, Text: text})
}

// Close closes every subscriber channel. Later publishes are ignored.
func (f *FanOut) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for _, s := range f.subs {
		close(s.ch)
	}
}

// ChannelStat reports one subscriber's buffer occupancy and drops.
type ChannelStat struct {
	Name  string
	Len   int
	Cap   int
	Drops uint64
}

// ChannelStats returns the stats of each subscriber.
func (f *FanOut) ChannelStats() []ChannelStat {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := make([]ChannelStat, len(f.subs))
	for i, s := range f.subs {
		stats[i] = ChannelStat{Name: s.name, Len: len(s.ch), Cap: cap(s.ch), Drops: s.drops.Load()}
	}
	return stats
}
