package portfolio

import (
	"sync"

	"optiontrader/internal/model"
)

// PnLTracker accumulates realized P&L from closed simulated trades.
type PnLTracker struct {
	mu     sync.RWMutex
	trades []model.SimTrade

	realizedPnL float64
	wins        int
	losses      int
	unfilled    int
	byReason    map[string]int
}

// NewPnLTracker creates a new P&L tracker.
func NewPnLTracker() *PnLTracker {
	return &PnLTracker{
		trades:   make([]model.SimTrade, 0, 64),
		byReason: make(map[string]int),
	}
}

// RecordClose records a closed trade and returns its P&L.
func (p *PnLTracker) RecordClose(t model.SimTrade) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.trades = append(p.trades, t)
	p.realizedPnL += t.PnL
	switch {
	case t.PnL > 0:
		p.wins++
	case t.PnL < 0:
		p.losses++
	}
	p.byReason[t.Reason]++
	return t.PnL
}

// RecordUnfilled counts an order that never filled.
func (p *PnLTracker) RecordUnfilled() {
	p.mu.Lock()
	p.unfilled++
	p.mu.Unlock()
}

// GetRealizedPnL returns total realized P&L.
func (p *PnLTracker) GetRealizedPnL() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.realizedPnL
}

// GetTrades returns a snapshot of all closed trades.
func (p *PnLTracker) GetTrades() []model.SimTrade {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cp := make([]model.SimTrade, len(p.trades))
	copy(cp, p.trades)
	return cp
}

// PnLSummary is a run-level P&L summary.
type PnLSummary struct {
	RealizedPnL  float64        `json:"realized_pnl"`
	ClosedTrades int            `json:"closed_trades"`
	Wins         int            `json:"wins"`
	Losses       int            `json:"losses"`
	Unfilled     int            `json:"unfilled"`
	WinRate      float64        `json:"win_rate"`
	ExitReasons  map[string]int `json:"exit_reasons"`
}

// GetSummary returns the current P&L summary.
func (p *PnLTracker) GetSummary() PnLSummary {
	p.mu.RLock()
	defer p.mu.RUnlock()

	reasons := make(map[string]int, len(p.byReason))
	for k, v := range p.byReason {
		reasons[k] = v
	}
	s := PnLSummary{
		RealizedPnL:  p.realizedPnL,
		ClosedTrades: len(p.trades),
		Wins:         p.wins,
		Losses:       p.losses,
		Unfilled:     p.unfilled,
		ExitReasons:  reasons,
	}
	if n := len(p.trades); n > 0 {
		s.WinRate = float64(p.wins) / float64(n) * 100
	}
	return s
}
