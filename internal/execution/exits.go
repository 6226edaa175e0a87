package execution

import (
	"context"
	"log"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"optiontrader/internal/markethours"
	"optiontrader/internal/metrics"
	"optiontrader/internal/model"
)

// ExitConfig sizes stop and trail distances. Distances are expressed in
// option price: underlying ATR x multiplier x delta.
type ExitConfig struct {
	ATRPeriod int
	StopMult  float64
	TrailMult float64

	// Fixed delta proxies per order side.
	BuyDelta  float64
	SellDelta float64

	// UseEmpiricalDelta prefers a DeltaEstimator estimate when one exists.
	UseEmpiricalDelta bool

	// EODExit is the end-of-day exit as an offset from IST midnight.
	EODExit time.Duration
}

// DefaultExitConfig returns the stock exit sizing.
func DefaultExitConfig() ExitConfig {
	return ExitConfig{
		ATRPeriod: 14,
		StopMult:  1.5,
		TrailMult: 2.0,
		BuyDelta:  0.30,
		SellDelta: 0.35,
		EODExit:   15*time.Hour + 15*time.Minute,
	}
}

// Exit is a closed position. Trade is nil when no persisted trade was open
// for the order.
type Exit struct {
	Order model.OrderRecord
	Trade *model.SimTrade
}

// Levels are the exit levels of an open position at one moment.
type Levels struct {
	ATR       float64
	Delta     float64
	Favorable float64
	Stop      float64
	Trail     float64
	Trigger   float64
}

// ExitManager watches open simulated positions and closes them on ATR
// stop, ATR trail or end of day.
type ExitManager struct {
	cfg     ExitConfig
	orders  *OrderManager
	exec    Executor
	cache   *UnderlyingCache
	deltas  *DeltaEstimator
	metrics *metrics.Metrics

	open      sync.Map // uuid.UUID -> model.OrderRecord
	openCount atomic.Int64
	lastPrice sync.Map // option token -> float64

	mu      sync.RWMutex
	onClose []func(context.Context, Exit)
}

// NewExitManager creates an exit manager. deltas may be nil.
func NewExitManager(cfg ExitConfig, orders *OrderManager, exec Executor, cache *UnderlyingCache, deltas *DeltaEstimator, m *metrics.Metrics) *ExitManager {
	if m == nil {
		m = metrics.Discard()
	}
	return &ExitManager{
		cfg:     cfg,
		orders:  orders,
		exec:    exec,
		cache:   cache,
		deltas:  deltas,
		metrics: m,
	}
}

// OnClose registers a hook called after every exit.
func (m *ExitManager) OnClose(fn func(context.Context, Exit)) {
	m.mu.Lock()
	m.onClose = append(m.onClose, fn)
	m.mu.Unlock()
}

// Track starts watching an open order. Orders in any other state are
// ignored.
func (m *ExitManager) Track(rec model.OrderRecord) bool {
	if rec.Status != model.StatusOpen {
		return false
	}
	if _, loaded := m.open.LoadOrStore(rec.OrderID, rec); loaded {
		return false
	}
	m.openCount.Add(1)
	m.metrics.OpenPositions.Set(float64(m.openCount.Load()))
	return true
}

// OpenCount returns the number of tracked positions.
func (m *ExitManager) OpenCount() int {
	return int(m.openCount.Load())
}

// Open returns the tracked positions sorted by placement time.
func (m *ExitManager) Open() []model.OrderRecord {
	return m.openWhere(func(model.OrderRecord) bool { return true })
}

// LastPrice returns the last option price observed for token.
func (m *ExitManager) LastPrice(token uint32) (float64, bool) {
	v, ok := m.lastPrice.Load(token)
	if !ok {
		return 0, false
	}
	return v.(float64), true
}

func (m *ExitManager) openWhere(keep func(model.OrderRecord) bool) []model.OrderRecord {
	var out []model.OrderRecord
	m.open.Range(func(_, v any) bool {
		if rec := v.(model.OrderRecord); keep(rec) {
			out = append(out, rec)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].PlacedAt.Before(out[j].PlacedAt) })
	return out
}

// OnOptionTick checks every open position on the option token against
// price and returns the positions it closed.
func (m *ExitManager) OnOptionTick(ctx context.Context, token uint32, price float64, at time.Time) []Exit {
	if price <= 0 {
		return nil
	}
	m.lastPrice.Store(token, price)

	var exits []Exit
	for _, rec := range m.openWhere(func(r model.OrderRecord) bool { return r.InstrumentToken == token }) {
		if ex := m.check(ctx, rec, price, at); ex != nil {
			exits = append(exits, *ex)
		}
	}
	return exits
}

func (m *ExitManager) check(ctx context.Context, rec model.OrderRecord, price float64, at time.Time) *Exit {
	if markethours.TimeOfDay(at) >= m.cfg.EODExit {
		ex, _ := m.Close(ctx, rec.OrderID, price, at, model.ReasonEOD)
		return ex
	}

	lv, ok := m.Levels(rec)
	if !ok {
		return nil
	}

	var hit, stopHit bool
	if rec.Side == model.SideSell {
		hit, stopHit = price >= lv.Trigger, price >= lv.Stop
	} else {
		hit, stopHit = price <= lv.Trigger, price <= lv.Stop
	}
	if !hit {
		m.orders.UpdateFavorable(rec.OrderID, rec.Side, price)
		return nil
	}

	reason := model.ReasonATRTrail
	if stopHit {
		reason = model.ReasonATRStop
	}
	ex, _ := m.Close(ctx, rec.OrderID, price, at, reason)
	return ex
}

// Levels computes the current stop, trail and trigger for an open order.
// It reports false while the underlying ATR is not yet available.
func (m *ExitManager) Levels(rec model.OrderRecord) (Levels, bool) {
	atr := m.cache.ATR(rec.UnderlyingToken, m.cfg.ATRPeriod)
	if atr <= 0 {
		return Levels{}, false
	}
	fav, ok := m.orders.FavorablePrice(rec.OrderID)
	if !ok {
		fav = rec.EntryPrice
	}

	delta := m.delta(rec)
	stopDist := atr * m.cfg.StopMult * delta
	trailDist := atr * m.cfg.TrailMult * delta

	lv := Levels{ATR: atr, Delta: delta, Favorable: fav}
	if rec.Side == model.SideSell {
		lv.Stop = rec.EntryPrice + stopDist
		lv.Trail = fav + trailDist
		lv.Trigger = math.Min(lv.Stop, lv.Trail)
	} else {
		lv.Stop = rec.EntryPrice - stopDist
		lv.Trail = fav - trailDist
		lv.Trigger = math.Max(lv.Stop, lv.Trail)
	}
	return lv, true
}

func (m *ExitManager) delta(rec model.OrderRecord) float64 {
	if m.cfg.UseEmpiricalDelta && m.deltas != nil {
		if est, ok := m.deltas.Estimate(rec.InstrumentToken); ok && est != 0 {
			return math.Abs(est)
		}
	}
	if rec.Side == model.SideSell {
		return m.cfg.SellDelta
	}
	return m.cfg.BuyDelta
}

// Close exits a tracked position at price. Only the first close of an
// order has any effect; later calls return nil, nil.
func (m *ExitManager) Close(ctx context.Context, orderID uuid.UUID, price float64, at time.Time, reason string) (*Exit, error) {
	v, ok := m.open.LoadAndDelete(orderID)
	if !ok {
		return nil, nil
	}
	m.openCount.Add(-1)
	m.metrics.OpenPositions.Set(float64(m.openCount.Load()))

	rec := v.(model.OrderRecord)
	trade, err := m.exec.CloseSimTrade(ctx, rec.ReplayID, rec.InstrumentToken, price, at, reason)
	if err != nil {
		log.Printf("[exit] close trade %s: %v", rec.InstrumentName, err)
	}
	if closed, ok := m.orders.MarkClosed(orderID, price, at, reason); ok {
		rec = closed
	}
	m.metrics.Exits.WithLabelValues(reason).Inc()

	log.Printf("[exit] %s %s entry=%.2f exit=%.2f pnl=%.2f reason=%s",
		rec.Side, rec.InstrumentName, rec.EntryPrice, price, rec.PnL, reason)

	ex := Exit{Order: rec, Trade: trade}
	m.mu.RLock()
	hooks := m.onClose
	m.mu.RUnlock()
	for _, fn := range hooks {
		fn(ctx, ex)
	}
	return &ex, err
}

// CloseInstrument closes every open position on the option token at its
// last observed price, or at entry when no price has been seen.
func (m *ExitManager) CloseInstrument(ctx context.Context, token uint32, at time.Time, reason string) []Exit {
	return m.closeWhere(ctx, at, reason, func(r model.OrderRecord) bool { return r.InstrumentToken == token })
}

// CloseAll closes every open position, as CloseInstrument does.
func (m *ExitManager) CloseAll(ctx context.Context, at time.Time, reason string) []Exit {
	return m.closeWhere(ctx, at, reason, func(model.OrderRecord) bool { return true })
}

func (m *ExitManager) closeWhere(ctx context.Context, at time.Time, reason string, keep func(model.OrderRecord) bool) []Exit {
	var exits []Exit
	for _, rec := range m.openWhere(keep) {
		price, ok := m.LastPrice(rec.InstrumentToken)
		if !ok {
			price = rec.EntryPrice
		}
		if ex, _ := m.Close(ctx, rec.OrderID, price, at, reason); ex != nil {
			exits = append(exits, *ex)
		}
	}
	return exits
}
