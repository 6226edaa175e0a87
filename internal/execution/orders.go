package execution

import (
	"encoding/binary"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"optiontrader/internal/model"
)

var orderNamespace = uuid.MustParse("b8a2f0c4-51d7-4b0e-8f36-2d9e7c1a4e55")

// OrderID derives a stable order id from the signal id and the option
// token, so replaying a run reproduces the same ids.
func OrderID(signalID uuid.UUID, instrumentToken uint32) uuid.UUID {
	var b [20]byte
	copy(b[:16], signalID[:])
	binary.BigEndian.PutUint32(b[16:], instrumentToken)
	return uuid.NewSHA1(orderNamespace, b[:])
}

// OrderManager is the registry of simulated orders shared by all lanes.
//
// Records are stored as values and replaced on every update, so readers
// never observe a half-written record. Each key is written only by the lane
// (or exit path) that owns the order.
type OrderManager struct {
	orders    sync.Map // uuid.UUID -> model.OrderRecord
	favorable sync.Map // uuid.UUID -> float64
}

// NewOrderManager creates an empty registry.
func NewOrderManager() *OrderManager {
	return &OrderManager{}
}

// OrderSpec describes a new order for CreateOrder.
type OrderSpec struct {
	SignalID        uuid.UUID
	ReplayID        uuid.UUID
	InstrumentToken uint32
	InstrumentName  string
	UnderlyingToken uint32
	UnderlyingPrice float64
	Side            model.Side
	QuantityLots    int
	PlacedAt        time.Time
}

// CreateOrder registers a new order in Placed state.
func (m *OrderManager) CreateOrder(spec OrderSpec) model.OrderRecord {
	rec := model.OrderRecord{
		OrderID:                 OrderID(spec.SignalID, spec.InstrumentToken),
		SignalID:                spec.SignalID,
		ReplayID:                spec.ReplayID,
		InstrumentToken:         spec.InstrumentToken,
		InstrumentName:          spec.InstrumentName,
		UnderlyingToken:         spec.UnderlyingToken,
		UnderlyingPriceAtSignal: spec.UnderlyingPrice,
		Side:                    spec.Side,
		QuantityLots:            spec.QuantityLots,
		Status:                  model.StatusPlaced,
		PlacedAt:                spec.PlacedAt,
	}
	m.orders.Store(rec.OrderID, rec)
	return rec
}

// SimOrderFor builds the simulator request for a registered order.
func SimOrderFor(rec model.OrderRecord, reason string) model.SimOrder {
	return model.SimOrder{
		ReplayID:        rec.ReplayID,
		InstrumentToken: rec.InstrumentToken,
		InstrumentName:  rec.InstrumentName,
		UnderlyingToken: rec.UnderlyingToken,
		UnderlyingPrice: rec.UnderlyingPriceAtSignal,
		Side:            rec.Side,
		QuantityLots:    rec.QuantityLots,
		PlacedAt:        rec.PlacedAt,
		Reason:          reason,
	}
}

// AttachFill applies a simulator result. A trade with no entry price marks
// the order Unfilled; otherwise the order becomes Open and its favorable
// price starts at the entry.
func (m *OrderManager) AttachFill(orderID uuid.UUID, trade model.SimTrade) (model.OrderRecord, bool) {
	rec, ok := m.Get(orderID)
	if !ok {
		return rec, false
	}
	if trade.EntryPrice <= 0 {
		rec.Status = model.StatusUnfilled
		rec.ExitReason = model.ReasonUnfilled
		m.orders.Store(orderID, rec)
		return rec, true
	}
	rec.Status = model.StatusOpen
	rec.EntryPrice = trade.EntryPrice
	rec.EntryTime = trade.EntryTime
	rec.FilledLots = rec.QuantityLots
	m.orders.Store(orderID, rec)
	m.favorable.Store(orderID, trade.EntryPrice)
	return rec, true
}

// MarkClosed finalizes an open order with its exit and realized P&L.
// It reports false if the order is unknown or not open.
func (m *OrderManager) MarkClosed(orderID uuid.UUID, price float64, at time.Time, reason string) (model.OrderRecord, bool) {
	rec, ok := m.Get(orderID)
	if !ok || rec.Status != model.StatusOpen {
		return rec, false
	}
	rec.Status = model.StatusClosed
	rec.ExitPrice = price
	rec.ExitTime = at
	rec.ExitReason = reason
	rec.PnL = model.RealizedPnL(rec.Side, rec.EntryPrice, price, rec.FilledLots)
	m.orders.Store(orderID, rec)
	m.favorable.Delete(orderID)
	return rec, true
}

// Cancel marks a placed order Cancelled, for orders that never reached the
// simulator.
func (m *OrderManager) Cancel(orderID uuid.UUID) {
	rec, ok := m.Get(orderID)
	if !ok || rec.Status != model.StatusPlaced {
		return
	}
	rec.Status = model.StatusCancelled
	m.orders.Store(orderID, rec)
}

// Get returns a copy of the order.
func (m *OrderManager) Get(orderID uuid.UUID) (model.OrderRecord, bool) {
	v, ok := m.orders.Load(orderID)
	if !ok {
		return model.OrderRecord{}, false
	}
	return v.(model.OrderRecord), true
}

// HasOpenPositionForUnderlying reports whether any order on the underlying
// is placed or open.
func (m *OrderManager) HasOpenPositionForUnderlying(underlying uint32) bool {
	found := false
	m.orders.Range(func(_, v any) bool {
		rec := v.(model.OrderRecord)
		if rec.UnderlyingToken == underlying &&
			(rec.Status == model.StatusOpen || rec.Status == model.StatusPlaced) {
			found = true
			return false
		}
		return true
	})
	return found
}

// FavorablePrice returns the most favorable price seen since entry.
func (m *OrderManager) FavorablePrice(orderID uuid.UUID) (float64, bool) {
	v, ok := m.favorable.Load(orderID)
	if !ok {
		return 0, false
	}
	return v.(float64), true
}

// UpdateFavorable moves the favorable price to price if it improves on it
// (higher for BUY, lower for SELL) and returns the resulting value.
func (m *OrderManager) UpdateFavorable(orderID uuid.UUID, side model.Side, price float64) float64 {
	cur, ok := m.FavorablePrice(orderID)
	if !ok {
		return 0
	}
	if (side == model.SideBuy && price > cur) || (side == model.SideSell && price < cur) {
		m.favorable.Store(orderID, price)
		return price
	}
	return cur
}

// Restore re-registers an order from a snapshot. Open orders get their
// favorable price back, or the entry when favorable is not positive.
func (m *OrderManager) Restore(rec model.OrderRecord, favorable float64) {
	m.orders.Store(rec.OrderID, rec)
	if rec.Status != model.StatusOpen {
		return
	}
	if favorable <= 0 {
		favorable = rec.EntryPrice
	}
	m.favorable.Store(rec.OrderID, favorable)
}

// Orders returns all orders sorted by placement time.
func (m *OrderManager) Orders() []model.OrderRecord {
	return m.collect(func(model.OrderRecord) bool { return true })
}

// OpenOrders returns orders in Open state sorted by placement time.
func (m *OrderManager) OpenOrders() []model.OrderRecord {
	return m.collect(func(r model.OrderRecord) bool { return r.Status == model.StatusOpen })
}

func (m *OrderManager) collect(keep func(model.OrderRecord) bool) []model.OrderRecord {
	var out []model.OrderRecord
	m.orders.Range(func(_, v any) bool {
		if rec := v.(model.OrderRecord); keep(rec) {
			out = append(out, rec)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].PlacedAt.Equal(out[j].PlacedAt) {
			return out[i].InstrumentToken < out[j].InstrumentToken
		}
		return out[i].PlacedAt.Before(out[j].PlacedAt)
	})
	return out
}
