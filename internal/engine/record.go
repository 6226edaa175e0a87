package engine

import (
	"sync"

	"optiontrader/internal/markethours"
	"optiontrader/internal/model"
)

// Tick rejection reasons, used as metric labels.
const (
	rejectSession   = "session"
	rejectDuplicate = "duplicate"
	rejectLate      = "late"
)

// recordGate decides whether a live tick is worth processing and storing.
// Ticks outside the session are rejected, as are ticks that repeat the
// previous price and volume without a traded quantity.
type recordGate struct {
	mu   sync.Mutex
	last map[uint32]lastSeen
}

type lastSeen struct {
	price  float64
	volume int64
}

func newRecordGate() *recordGate {
	return &recordGate{last: make(map[uint32]lastSeen)}
}

// accept reports whether t passes, with the rejection reason otherwise.
// The last-seen state only moves on accepted ticks.
func (g *recordGate) accept(t model.Tick) (bool, string) {
	if !markethours.InSession(t.TickTime) {
		return false, rejectSession
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if prev, ok := g.last[t.Token]; ok &&
		prev.price == t.LastPrice && prev.volume == t.Volume && t.LastQuantity <= 0 {
		return false, rejectDuplicate
	}
	g.last[t.Token] = lastSeen{price: t.LastPrice, volume: t.Volume}
	return true, ""
}
