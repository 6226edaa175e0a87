package model

import (
	"time"

	"github.com/google/uuid"
)

// OrderStatus is the lifecycle state of a simulated order.
type OrderStatus string

const (
	StatusPlaced    OrderStatus = "PLACED"
	StatusOpen      OrderStatus = "OPEN"
	StatusClosed    OrderStatus = "CLOSED"
	StatusUnfilled  OrderStatus = "UNFILLED"
	StatusCancelled OrderStatus = "CANCELLED"
)

// Side is the transaction side of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Exit reasons recorded on closed orders and trades.
const (
	ReasonEOD        = "EOD"
	ReasonATRStop    = "ATR Stop"
	ReasonATRTrail   = "ATR Trail"
	ReasonRegimeFlip = "Regime Flip"
	ReasonUnfilled   = "Unfilled"
)

// OrderRecord is the engine-side view of a simulated position.
// ReplayID is uuid.Nil for live runs.
type OrderRecord struct {
	OrderID                 uuid.UUID   `json:"order_id"`
	SignalID                uuid.UUID   `json:"signal_id"`
	ReplayID                uuid.UUID   `json:"replay_id"`
	InstrumentToken         uint32      `json:"instrument_token"`
	InstrumentName          string      `json:"instrument_name"`
	UnderlyingToken         uint32      `json:"underlying_token"`
	UnderlyingPriceAtSignal float64     `json:"underlying_price_at_signal"`
	Side                    Side        `json:"side"`
	QuantityLots            int         `json:"quantity_lots"`
	FilledLots              int         `json:"filled_lots"`
	Status                  OrderStatus `json:"status"`
	EntryPrice              float64     `json:"entry_price"`
	EntryTime               time.Time   `json:"entry_time"`
	ExitPrice               float64     `json:"exit_price"`
	ExitTime                time.Time   `json:"exit_time"`
	ExitReason              string      `json:"exit_reason,omitempty"`
	PnL                     float64     `json:"pnl"`
	PlacedAt                time.Time   `json:"placed_at"`
}

// RealizedPnL computes (exit-entry)*lots for BUY and (entry-exit)*lots for SELL.
func RealizedPnL(side Side, entry, exit float64, lots int) float64 {
	if side == SideSell {
		return (entry - exit) * float64(lots)
	}
	return (exit - entry) * float64(lots)
}

// SimOrder is a simulated order request handed to the fill simulator.
type SimOrder struct {
	ReplayID        uuid.UUID `json:"replay_id"`
	InstrumentToken uint32    `json:"instrument_token"`
	InstrumentName  string    `json:"instrument_name"`
	UnderlyingToken uint32    `json:"underlying_token"`
	UnderlyingPrice float64   `json:"underlying_price"`
	Side            Side      `json:"side"`
	QuantityLots    int       `json:"quantity_lots"`
	PlacedAt        time.Time `json:"placed_at"`
	Reason          string    `json:"reason"`
}

// SimTrade is the persisted fill/exit record of a simulated position.
// EntryPrice is 0 for an unfilled order. ExitTime is zero while open.
type SimTrade struct {
	ID              int64     `json:"id"`
	ReplayID        uuid.UUID `json:"replay_id"`
	InstrumentToken uint32    `json:"instrument_token"`
	InstrumentName  string    `json:"instrument_name"`
	UnderlyingToken uint32    `json:"underlying_token"`
	UnderlyingPrice float64   `json:"underlying_price"`
	Side            Side      `json:"side"`
	QuantityLots    int       `json:"quantity_lots"`
	EntryTime       time.Time `json:"entry_time"`
	EntryPrice      float64   `json:"entry_price"`
	ExitTime        time.Time `json:"exit_time"`
	ExitPrice       float64   `json:"exit_price"`
	PnL             float64   `json:"pnl"`
	Reason          string    `json:"reason"`
}

// IsOpen reports whether the trade was filled and has not exited yet.
func (t *SimTrade) IsOpen() bool {
	return t.EntryPrice > 0 && t.ExitTime.IsZero()
}
