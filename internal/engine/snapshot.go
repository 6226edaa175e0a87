package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"optiontrader/internal/execution"
	"optiontrader/internal/model"
	"optiontrader/internal/portfolio"
)

const snapshotVersion = 1

// Snapshot is the restart state of a live engine: portfolio positions and
// the open simulated orders with their favorable prices.
type Snapshot struct {
	Version   int                  `json:"version"`
	TakenAt   time.Time            `json:"taken_at"`
	Reason    string               `json:"reason"`
	ReplayID  uuid.UUID            `json:"replay_id"`
	Positions []model.PositionInfo `json:"positions"`
	Orders    []OpenOrder          `json:"orders"`
	PnL       portfolio.PnLSummary `json:"pnl"`
}

// OpenOrder is an open order plus its exit-tracking state.
type OpenOrder struct {
	model.OrderRecord
	Favorable float64 `json:"favorable"`
}

// Snapshot captures the current state.
func (e *Engine) Snapshot(reason string) Snapshot {
	snap := Snapshot{
		Version:   snapshotVersion,
		TakenAt:   time.Now(),
		Reason:    reason,
		ReplayID:  e.replayID,
		Positions: e.positions.Positions(),
		PnL:       e.pnl.GetSummary(),
	}
	for _, rec := range e.exits.Open() {
		fav, _ := e.orders.FavorablePrice(rec.OrderID)
		snap.Orders = append(snap.Orders, OpenOrder{OrderRecord: rec, Favorable: fav})
	}
	return snap
}

// SaveSnapshot writes a snapshot to every store. All stores are attempted.
func (e *Engine) SaveSnapshot(ctx context.Context, reason string, stores ...model.SnapshotStore) error {
	data, err := json.Marshal(e.Snapshot(reason))
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	var errs []error
	for _, s := range stores {
		if s == nil {
			continue
		}
		if err := s.SaveSnapshotJSON(ctx, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RestoreSnapshot loads the newest snapshot from the first store that has
// one and re-arms its positions and open orders. It reports whether a
// snapshot was applied.
func (e *Engine) RestoreSnapshot(ctx context.Context, stores ...model.SnapshotStore) (bool, error) {
	for _, s := range stores {
		if s == nil {
			continue
		}
		data, err := s.ReadLatestSnapshotJSON(ctx)
		if err != nil {
			log.Printf("[engine] snapshot read: %v", err)
			continue
		}
		if data == nil {
			continue
		}
		var snap Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return false, fmt.Errorf("decode snapshot: %w", err)
		}
		if snap.Version != snapshotVersion {
			return false, fmt.Errorf("snapshot version %d, want %d", snap.Version, snapshotVersion)
		}
		e.restore(snap)
		log.Printf("[engine] restored snapshot from %s: %d positions, %d open orders",
			snap.TakenAt.Format(time.RFC3339), len(snap.Positions), len(snap.Orders))
		return true, nil
	}
	return false, nil
}

func (e *Engine) restore(snap Snapshot) {
	e.positions.Restore(snap.Positions)
	for _, o := range snap.Orders {
		if o.Status != model.StatusOpen {
			continue
		}
		e.orders.Restore(o.OrderRecord, o.Favorable)
		e.exits.Track(o.OrderRecord)
	}
}

// SnapshotLoop saves a snapshot every interval until ctx is done, then
// saves a final one.
func (e *Engine) SnapshotLoop(ctx context.Context, every time.Duration, stores ...model.SnapshotStore) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			if err := e.SaveSnapshot(shutCtx, "shutdown", stores...); err != nil {
				log.Printf("[engine] final snapshot: %v", err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := e.SaveSnapshot(ctx, "periodic", stores...); err != nil {
				log.Printf("[engine] snapshot: %v", err)
			}
		}
	}
}

// Orders lists every order of the run.
func (e *Engine) Orders() []model.OrderRecord { return e.orders.Orders() }

// OpenPositions lists the positions under exit tracking.
func (e *Engine) OpenPositions() []model.OrderRecord { return e.exits.Open() }

// Positions lists the portfolio state per option token.
func (e *Engine) Positions() []model.PositionInfo { return e.positions.Positions() }

// PnL returns the realized P&L summary.
func (e *Engine) PnL() portfolio.PnLSummary { return e.pnl.GetSummary() }

// Trades lists the closed trades in exit order.
func (e *Engine) Trades() []model.SimTrade { return e.pnl.GetTrades() }

// Levels returns the current exit levels of an open order.
func (e *Engine) Levels(rec model.OrderRecord) (execution.Levels, bool) { return e.exits.Levels(rec) }
