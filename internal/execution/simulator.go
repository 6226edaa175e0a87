package execution

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"optiontrader/internal/metrics"
	"optiontrader/internal/model"
)

// DefaultMaxFillWait bounds how long after a signal a fill may occur.
const DefaultMaxFillWait = 5 * time.Minute

// Simulator fills simulated orders from recorded ticks, falling back to
// aggregated candles during replay.
type Simulator struct {
	ticks     model.TickReader
	candles   model.CandleReader
	trades    model.TradeStore
	maxWait   time.Duration
	timeframe int // minutes, for the candle fallback
	metrics   *metrics.Metrics
}

// NewSimulator creates a fill simulator. candles may be nil, which disables
// the replay candle fallback.
func NewSimulator(ticks model.TickReader, candles model.CandleReader, trades model.TradeStore, maxWait time.Duration, timeframeMinutes int, m *metrics.Metrics) *Simulator {
	if maxWait <= 0 {
		maxWait = DefaultMaxFillWait
	}
	if timeframeMinutes <= 0 {
		timeframeMinutes = 1
	}
	if m == nil {
		m = metrics.Discard()
	}
	return &Simulator{
		ticks:     ticks,
		candles:   candles,
		trades:    trades,
		maxWait:   maxWait,
		timeframe: timeframeMinutes,
		metrics:   m,
	}
}

var _ Executor = (*Simulator)(nil)

// PlaceOrderNextTick implements Executor. Orders with a non-nil ReplayID
// are treated as replay orders and may fill from a candle.
func (s *Simulator) PlaceOrderNextTick(ctx context.Context, o model.SimOrder) (model.SimTrade, error) {
	s.metrics.OrdersPlaced.Inc()
	price, at, source, err := s.findFill(ctx, o)
	if err != nil {
		return newTrade(o), err
	}
	return s.record(ctx, o, price, at, source)
}

// FillFromTick records o against a tick observed after placement, as the
// live engine does when the next tick has not been stored yet. A nil tick,
// or one outside the wait window, records the order as unfilled.
func (s *Simulator) FillFromTick(ctx context.Context, o model.SimOrder, t *model.Tick) (model.SimTrade, error) {
	s.metrics.OrdersPlaced.Inc()
	if t == nil || t.LastPrice <= 0 || !t.TickTime.After(o.PlacedAt) || t.TickTime.After(o.PlacedAt.Add(s.maxWait)) {
		return s.record(ctx, o, 0, time.Time{}, "")
	}
	return s.record(ctx, o, t.LastPrice, t.TickTime, "live")
}

// MaxWait is the fill window after placement.
func (s *Simulator) MaxWait() time.Duration { return s.maxWait }

func newTrade(o model.SimOrder) model.SimTrade {
	return model.SimTrade{
		ReplayID:        o.ReplayID,
		InstrumentToken: o.InstrumentToken,
		InstrumentName:  o.InstrumentName,
		UnderlyingToken: o.UnderlyingToken,
		UnderlyingPrice: o.UnderlyingPrice,
		Side:            o.Side,
		QuantityLots:    o.QuantityLots,
		EntryTime:       o.PlacedAt,
		Reason:          o.Reason,
	}
}

func (s *Simulator) record(ctx context.Context, o model.SimOrder, price float64, at time.Time, source string) (model.SimTrade, error) {
	trade := newTrade(o)
	if source == "" {
		trade.Reason = model.ReasonUnfilled
		s.metrics.OrdersUnfilled.Inc()
		log.Printf("[sim] unfilled %s token=%d placed=%s (no tick within %s)",
			o.InstrumentName, o.InstrumentToken, o.PlacedAt.Format(time.RFC3339), s.maxWait)
	} else {
		trade.EntryPrice = price
		trade.EntryTime = at
		s.metrics.OrdersFilled.Inc()
		log.Printf("[sim] filled %s %s lots=%d @ %.2f at %s (%s)",
			o.Side, o.InstrumentName, o.QuantityLots, price, at.Format(time.RFC3339), source)
	}

	id, err := s.trades.InsertSimTrade(ctx, &trade)
	if err != nil {
		return trade, fmt.Errorf("execution insert trade: %w", err)
	}
	trade.ID = id
	return trade, nil
}

// findFill returns the fill price/time and the source it came from
// ("tick" or "candle"), or an empty source when the order cannot fill.
func (s *Simulator) findFill(ctx context.Context, o model.SimOrder) (float64, time.Time, string, error) {
	deadline := o.PlacedAt.Add(s.maxWait)

	tick, err := s.ticks.FirstTickAfter(ctx, o.InstrumentToken, o.PlacedAt)
	if err != nil {
		return 0, time.Time{}, "", fmt.Errorf("execution first tick: %w", err)
	}
	if tick != nil && tick.LastPrice > 0 && !tick.TickTime.After(deadline) {
		return tick.LastPrice, tick.TickTime, "tick", nil
	}

	if o.ReplayID == uuid.Nil || s.candles == nil {
		return 0, time.Time{}, "", nil
	}
	c, err := s.candles.AggregatedCandle(ctx, o.InstrumentToken, s.timeframe, o.PlacedAt)
	if err != nil {
		return 0, time.Time{}, "", fmt.Errorf("execution aggregated candle: %w", err)
	}
	if c == nil || c.Time.After(deadline) {
		return 0, time.Time{}, "", nil
	}

	// Fill at whichever edge of the bar is nearer the signal.
	end := c.Time.Add(time.Duration(s.timeframe) * time.Minute)
	if absDur(c.Time.Sub(o.PlacedAt)) < absDur(end.Sub(o.PlacedAt)) {
		if c.Open <= 0 {
			return 0, time.Time{}, "", nil
		}
		return c.Open, c.Time, "candle", nil
	}
	if c.Close <= 0 {
		return 0, time.Time{}, "", nil
	}
	return c.Close, end, "candle", nil
}

// CloseSimTrade implements Executor.
func (s *Simulator) CloseSimTrade(ctx context.Context, replayID uuid.UUID, token uint32, price float64, at time.Time, reason string) (*model.SimTrade, error) {
	t, err := s.trades.LastOpenSimTrade(ctx, replayID, token)
	if err != nil {
		return nil, fmt.Errorf("execution last open trade: %w", err)
	}
	if t == nil {
		return nil, nil
	}

	t.ExitPrice = price
	t.ExitTime = at
	t.PnL = model.RealizedPnL(t.Side, t.EntryPrice, price, t.QuantityLots)
	t.Reason = reason

	if err := s.trades.UpdateSimTradeExit(ctx, t); err != nil {
		return t, fmt.Errorf("execution update trade exit: %w", err)
	}
	return t, nil
}

func absDur(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
