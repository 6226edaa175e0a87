package engine

import (
	"context"
	"log"
	"time"

	"optiontrader/internal/model"
)

// pendingFill is a live order waiting for the first option tick after its
// placement time.
type pendingFill struct {
	order    model.OrderRecord
	sim      model.SimOrder
	atr      float64 // underlying ATR at the signal
	deadline time.Time
}

func (e *Engine) addPending(p pendingFill) {
	e.pendingMu.Lock()
	e.pending[p.order.InstrumentToken] = append(e.pending[p.order.InstrumentToken], p)
	e.pendingMu.Unlock()
}

// PendingCount is the number of live orders still waiting for a fill.
func (e *Engine) PendingCount() int {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	n := 0
	for _, ps := range e.pending {
		n += len(ps)
	}
	return n
}

// fillPending completes the orders on t's token placed before t.
func (e *Engine) fillPending(ctx context.Context, t model.Tick) {
	e.pendingMu.Lock()
	list := e.pending[t.Token]
	if len(list) == 0 {
		e.pendingMu.Unlock()
		return
	}
	var due, keep []pendingFill
	for _, p := range list {
		if t.TickTime.After(p.sim.PlacedAt) {
			due = append(due, p)
		} else {
			keep = append(keep, p)
		}
	}
	if len(keep) == 0 {
		delete(e.pending, t.Token)
	} else {
		e.pending[t.Token] = keep
	}
	e.pendingMu.Unlock()

	for _, p := range due {
		tick := t
		e.completePending(ctx, p, &tick)
	}
}

// expirePending records every order whose wait window ended before now as
// unfilled.
func (e *Engine) expirePending(ctx context.Context, now time.Time) {
	e.takePending(ctx, func(p pendingFill) bool { return now.After(p.deadline) })
}

func (e *Engine) expireAllPending(ctx context.Context) {
	e.takePending(ctx, func(pendingFill) bool { return true })
}

func (e *Engine) takePending(ctx context.Context, expired func(pendingFill) bool) {
	e.pendingMu.Lock()
	if len(e.pending) == 0 {
		e.pendingMu.Unlock()
		return
	}
	var due []pendingFill
	for token, list := range e.pending {
		keep := list[:0]
		for _, p := range list {
			if expired(p) {
				due = append(due, p)
			} else {
				keep = append(keep, p)
			}
		}
		if len(keep) == 0 {
			delete(e.pending, token)
		} else {
			e.pending[token] = keep
		}
	}
	e.pendingMu.Unlock()

	for _, p := range due {
		e.completePending(ctx, p, nil)
	}
}

func (e *Engine) completePending(ctx context.Context, p pendingFill, t *model.Tick) {
	trade, err := e.sim.FillFromTick(ctx, p.sim, t)
	if err != nil {
		log.Printf("[engine] record fill %s: %v", p.order.InstrumentName, err)
	}
	e.attach(ctx, p.order, trade, p.atr)
}
