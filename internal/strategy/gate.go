package strategy

import (
	"sync"
	"time"

	"optiontrader/internal/model"
)

// SignalGate suppresses a signal when the previous emitted signal for the same
// underlying had the same direction and is closer than the debounce window.
type SignalGate struct {
	mu     sync.Mutex
	window time.Duration
	last   map[uint32]gateEntry
}

type gateEntry struct {
	typ  model.SignalType
	when time.Time
}

// NewSignalGate creates a gate with window = timeframe x max(1, debounceCandles).
func NewSignalGate(timeframe time.Duration, debounceCandles int) *SignalGate {
	return &SignalGate{
		window: timeframe * time.Duration(max(1, debounceCandles)),
		last:   make(map[uint32]gateEntry),
	}
}

// Window returns the debounce window.
func (g *SignalGate) Window() time.Duration { return g.window }

// ShouldEmit records and admits the signal, or rejects it without recording.
func (g *SignalGate) ShouldEmit(underlying uint32, typ model.SignalType, when time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	prev, ok := g.last[underlying]
	if ok && prev.typ == typ && when.Sub(prev.when) < g.window {
		return false
	}
	g.last[underlying] = gateEntry{typ: typ, when: when}
	return true
}

// Reset forgets all history (new replay run).
func (g *SignalGate) Reset() {
	g.mu.Lock()
	g.last = make(map[uint32]gateEntry)
	g.mu.Unlock()
}
