// Package execution simulates order fills against recorded market data and
// manages open simulated positions until they exit.
//
// No broker is involved. A Simulator fills an order at the first recorded
// tick after the signal, an OrderManager keeps the engine-side order
// registry, and an ExitManager watches option prices for ATR stop, trail
// and end-of-day exits.
package execution

import (
	"context"
	"time"

	"github.com/google/uuid"

	"optiontrader/internal/model"
)

// Executor places simulated entries and closes them.
type Executor interface {
	// PlaceOrderNextTick fills o at the first tick after o.PlacedAt and
	// persists the resulting trade. An unfilled order returns a trade with
	// EntryPrice 0 and Reason "Unfilled".
	PlaceOrderNextTick(ctx context.Context, o model.SimOrder) (model.SimTrade, error)

	// CloseSimTrade records an exit on the last open trade for
	// (replayID, token). It returns nil, nil when no trade is open.
	CloseSimTrade(ctx context.Context, replayID uuid.UUID, token uint32, price float64, at time.Time, reason string) (*model.SimTrade, error)
}
