// Package portfolio tracks per-instrument position state, gates new entries
// (one-at-a-time, per-group caps, cooldown after exit) and keeps realized P&L.
package portfolio

import (
	"sort"
	"sync"
	"time"

	"optiontrader/internal/model"
)

// Manager owns one PositionInfo per instrument token, created on first access.
// Entry checks span instruments, so state is guarded by a mutex.
type Manager struct {
	mu        sync.RWMutex
	rules     Rules
	positions map[uint32]*model.PositionInfo
}

// New creates a Manager with the given entry rules.
func New(rules Rules) *Manager {
	return &Manager{
		rules:     rules,
		positions: make(map[uint32]*model.PositionInfo),
	}
}

// get returns the position for token, creating it. Caller holds mu.
func (m *Manager) get(token uint32) *model.PositionInfo {
	p, ok := m.positions[token]
	if !ok {
		p = &model.PositionInfo{Token: token}
		m.positions[token] = p
	}
	return p
}

// Get returns a copy of the position for token.
func (m *Manager) Get(token uint32) model.PositionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.get(token)
}

// SetGroup tags token with a group (e.g. "NIFTY-24NOV").
func (m *Manager) SetGroup(token uint32, group string) {
	m.mu.Lock()
	m.get(token).Group = group
	m.mu.Unlock()
}

// EnterLong moves token Flat->Long at price with an initial trailing stop of
// price - atr*trailMult. Returns the stop.
func (m *Manager) EnterLong(token uint32, price, atr float64, at time.Time) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.get(token)
	p.State = model.Long
	p.EntryPrice = price
	p.EntryTime = at
	p.TrailStop = price - atr*m.rules.TrailMult
	return p.TrailStop
}

// Ratchet raises the trailing stop to price - atr*trailMult if that is
// tighter. The stop never loosens. Returns the current stop; 0 if Flat.
func (m *Manager) Ratchet(token uint32, price, atr float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.get(token)
	if p.State != model.Long {
		return 0
	}
	if next := price - atr*m.rules.TrailMult; next > p.TrailStop {
		p.TrailStop = next
	}
	return p.TrailStop
}

// ShouldExit reports whether a Long position must exit: price at or below
// the trailing stop, or the directional regime has flipped.
func (m *Manager) ShouldExit(token uint32, price float64, regimeFlipped bool) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[token]
	if !ok || p.State != model.Long {
		return false
	}
	return regimeFlipped || price <= p.TrailStop
}

// ExitToFlat moves token Long->Flat and starts the cooldown at at.
func (m *Manager) ExitToFlat(token uint32, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.get(token)
	if p.State != model.Long {
		return
	}
	p.State = model.Flat
	p.LastExitTime = at
}

// MarkExit starts the cooldown for token at at without touching its state.
// The engine records option exits against their underlying this way.
func (m *Manager) MarkExit(token uint32, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.get(token)
	if at.After(p.LastExitTime) {
		p.LastExitTime = at
	}
}

// Positions returns copies of every tracked position, sorted by token.
func (m *Manager) Positions() []model.PositionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.PositionInfo, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out
}

// OpenCount returns the number of Long positions.
func (m *Manager) OpenCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, p := range m.positions {
		if p.State == model.Long {
			n++
		}
	}
	return n
}

// Restore replaces state from a snapshot.
func (m *Manager) Restore(positions []model.PositionInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions = make(map[uint32]*model.PositionInfo, len(positions))
	for i := range positions {
		p := positions[i]
		m.positions[p.Token] = &p
	}
}
