package engine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optiontrader/config"
	"optiontrader/internal/execution"
	"optiontrader/internal/instruments"
	"optiontrader/internal/markethours"
	"optiontrader/internal/metrics"
	"optiontrader/internal/model"
)

const (
	underToken = 256265
	callToken  = 9001
	putToken   = 9002
)

var runID = uuid.MustParse("4b1c2d3e-0000-4000-8000-000000000001")

func testInstruments() *instruments.Mapper {
	expiry := time.Date(2026, 3, 5, 0, 0, 0, 0, markethours.IST)
	opt := func(token uint32, symbol string, strike float64, right string) model.Instrument {
		return model.Instrument{
			Token: token, TradingSymbol: symbol, Name: "NIFTY", Expiry: expiry,
			Strike: strike, LotSize: 75, InstrumentType: right,
			Segment: instruments.OptionSegment, Exchange: "NFO",
		}
	}
	return instruments.New([]model.Instrument{
		{Token: underToken, TradingSymbol: "NIFTY 50", Name: "NIFTY 50", Segment: "INDICES"},
		opt(callToken, "NIFTY26MAR100CE", 100, "CE"),
		opt(putToken, "NIFTY26MAR100PE", 100, "PE"),
		opt(9003, "NIFTY26MAR150CE", 150, "CE"),
		opt(9004, "NIFTY26MAR50PE", 50, "PE"),
	})
}

type harness struct {
	e     *Engine
	store *memStore
	sink  *recordSink
	m     *metrics.Metrics
}

func newHarness(t *testing.T, replayID uuid.UUID, mutate func(*config.TradingSettings)) *harness {
	t.Helper()
	s := config.DefaultSettings().Trading
	if mutate != nil {
		mutate(&s)
	}
	store := newMemStore()
	sink := &recordSink{}
	m := metrics.New(prometheus.NewRegistry())
	sim := execution.NewSimulator(store, store, store, s.FillWait(), s.TimeframeMinutes, m)

	e, err := New(Deps{
		Settings:    s,
		ReplayID:    replayID,
		Instruments: testInstruments(),
		Simulator:   sim,
		Candles:     store,
		Signals:     store,
		Sinks:       []model.EventSink{sink},
		Metrics:     m,
	})
	require.NoError(t, err)
	return &harness{e: e, store: store, sink: sink, m: m}
}

// flat returns n one-minute bars at 100 with a 99..101 range from 09:15.
func flat(n int) []model.Candle {
	out := make([]model.Candle, n)
	for i := range out {
		out[i] = model.Candle{Time: day.Add(time.Duration(i) * time.Minute), Open: 100, High: 101, Low: 99, Close: 100}
	}
	return out
}

// breakout seeds 200 flat bars and feeds the breakout bar at 12:35. The
// signal fires at the bar close, 12:36.
func (h *harness) breakout(t *testing.T) {
	t.Helper()
	h.e.Seed(underToken, flat(200))
	h.e.ProcessCandle(context.Background(), underToken,
		model.Candle{Time: at(12, 35, 0), Open: 100, High: 105.5, Low: 99.8, Close: 105})
}

func TestBreakoutEntersATMCall(t *testing.T) {
	h := newHarness(t, runID, nil)
	h.store.addTick(callToken, 50, at(12, 36, 5))
	h.breakout(t)

	require.Len(t, h.store.signals, 1)
	sig := h.store.signals[0]
	assert.Equal(t, model.Buy, sig.Type)
	assert.Equal(t, 105.0, sig.Price)
	assert.True(t, sig.Time.Equal(at(12, 36, 0)))

	orders := h.e.Orders()
	require.Len(t, orders, 1)
	o := orders[0]
	assert.Equal(t, model.StatusOpen, o.Status)
	assert.Equal(t, uint32(callToken), o.InstrumentToken)
	assert.Equal(t, "NIFTY26MAR100CE", o.InstrumentName)
	assert.Equal(t, model.SideBuy, o.Side)
	assert.Equal(t, 50.0, o.EntryPrice)
	assert.Equal(t, execution.OrderID(sig.ID, callToken), o.OrderID)

	require.Len(t, h.e.OpenPositions(), 1)
	pos := h.e.positions.Get(callToken)
	assert.Equal(t, model.Long, pos.State)
	assert.Equal(t, "NIFTY-26MAR", pos.Group)
	assert.Less(t, pos.TrailStop, 50.0)

	assert.Len(t, h.sink.kinds(model.EventSignal), 1)
	assert.Len(t, h.sink.kinds(model.EventTrade), 1)
	assert.Len(t, h.sink.kinds(model.EventCandleClosed), 1)
	assert.Empty(t, h.store.candles, "replay does not persist candles")
}

func TestSecondBreakoutWithinDebounceIsSuppressed(t *testing.T) {
	h := newHarness(t, runID, nil)
	h.breakout(t)
	h.e.ProcessCandle(context.Background(), underToken,
		model.Candle{Time: at(12, 36, 0), Open: 105, High: 110.5, Low: 104.9, Close: 110})

	assert.Len(t, h.store.signals, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.m.SignalsSuppressed.WithLabelValues("debounced")))
}

func TestUnfilledOrderFreesTheSlot(t *testing.T) {
	h := newHarness(t, runID, nil)
	h.breakout(t)

	orders := h.e.Orders()
	require.Len(t, orders, 1)
	assert.Equal(t, model.StatusUnfilled, orders[0].Status)
	assert.Empty(t, h.e.OpenPositions())
	assert.Equal(t, 1, h.e.PnL().Unfilled)
	require.Len(t, h.store.trades, 1)
	assert.Equal(t, model.ReasonUnfilled, h.store.trades[0].Reason)
	assert.False(t, h.e.orders.HasOpenPositionForUnderlying(underToken))
}

func TestOptionTickHitsStop(t *testing.T) {
	h := newHarness(t, runID, nil)
	h.store.addTick(callToken, 50, at(12, 36, 5))
	h.breakout(t)
	ctx := context.Background()

	assert.True(t, h.e.ProcessTick(ctx, model.Tick{Token: callToken, LastPrice: 49.5, TickTime: at(12, 36, 30)}, false))
	require.Len(t, h.e.OpenPositions(), 1, "49.5 is above the stop")

	h.e.ProcessTick(ctx, model.Tick{Token: callToken, LastPrice: 45, TickTime: at(12, 37, 0)}, false)
	assert.Empty(t, h.e.OpenPositions())

	trades := h.e.Trades()
	require.Len(t, trades, 1)
	assert.Equal(t, model.ReasonATRStop, trades[0].Reason)
	assert.InDelta(t, -5.0, trades[0].PnL, 1e-9)
	assert.Equal(t, model.Flat, h.e.positions.Get(callToken).State)

	ok, why := h.e.positions.CanEnter(callToken, at(12, 40, 0))
	assert.False(t, ok)
	assert.Equal(t, "cooldown", why)
}

func TestOptionTickTrails(t *testing.T) {
	h := newHarness(t, runID, nil)
	h.store.addTick(callToken, 50, at(12, 36, 5))
	h.breakout(t)
	ctx := context.Background()

	h.e.ProcessTick(ctx, model.Tick{Token: callToken, LastPrice: 60, TickTime: at(12, 37, 0)}, false)
	require.Len(t, h.e.OpenPositions(), 1)
	h.e.ProcessTick(ctx, model.Tick{Token: callToken, LastPrice: 58, TickTime: at(12, 38, 0)}, false)

	trades := h.e.Trades()
	require.Len(t, trades, 1)
	assert.Equal(t, model.ReasonATRTrail, trades[0].Reason)
	assert.InDelta(t, 8.0, trades[0].PnL, 1e-9)
}

func TestEODExit(t *testing.T) {
	h := newHarness(t, runID, nil)
	h.store.addTick(callToken, 50, at(12, 36, 5))
	h.breakout(t)

	h.e.ProcessTick(context.Background(), model.Tick{Token: callToken, LastPrice: 50.5, TickTime: at(15, 16, 0)}, false)
	trades := h.e.Trades()
	require.Len(t, trades, 1)
	assert.Equal(t, model.ReasonEOD, trades[0].Reason)
}

func TestNoEntryAfterEOD(t *testing.T) {
	h := newHarness(t, runID, func(s *config.TradingSettings) { s.EodExit = "12:30" })
	h.breakout(t)

	assert.Len(t, h.store.signals, 1, "the signal is still recorded")
	assert.Empty(t, h.e.Orders())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.m.SignalsSuppressed.WithLabelValues(SuppressEOD)))
}

func TestRegimeFlipExits(t *testing.T) {
	h := newHarness(t, runID, nil)
	h.store.addTick(callToken, 50, at(12, 36, 5))
	h.breakout(t)
	ctx := context.Background()

	for i := 0; i < 6 && len(h.e.Trades()) == 0; i++ {
		h.e.ProcessCandle(ctx, underToken, model.Candle{
			Time: at(12, 36+i, 0), Open: 99.2, High: 99.5, Low: 98.8, Close: 99,
		})
	}
	trades := h.e.Trades()
	require.Len(t, trades, 1)
	assert.Equal(t, model.ReasonRegimeFlip, trades[0].Reason)
	assert.Equal(t, 50.0, trades[0].ExitPrice, "no option tick seen, exit at entry")
}

func TestOpenPositionBlocksNewEntry(t *testing.T) {
	h := newHarness(t, runID, func(s *config.TradingSettings) { s.DebounceCandles = 0 })
	h.store.addTick(callToken, 50, at(12, 36, 5))
	h.breakout(t)
	// Debounce window is one candle, so a signal two bars later passes the gate.
	ctx := context.Background()
	h.e.ProcessCandle(ctx, underToken, model.Candle{Time: at(12, 36, 0), Open: 105, High: 105.4, Low: 104.6, Close: 105})
	h.e.ProcessCandle(ctx, underToken, model.Candle{Time: at(12, 37, 0), Open: 105, High: 111, Low: 104.9, Close: 110.5})

	assert.Len(t, h.store.signals, 2)
	assert.Len(t, h.e.Orders(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.m.SignalsSuppressed.WithLabelValues(SuppressOpenPosition)))
}

func TestCooldownCoversEveryStrikeOfTheUnderlying(t *testing.T) {
	h := newHarness(t, runID, nil)
	h.store.addTick(callToken, 50, at(12, 36, 5))
	h.store.addTick(9003, 40, at(12, 41, 5))
	h.store.addTick(9003, 42, at(12, 49, 5))
	h.breakout(t)
	ctx := context.Background()

	h.e.ProcessTick(ctx, model.Tick{Token: callToken, LastPrice: 45, TickTime: at(12, 37, 0)}, false)
	require.Len(t, h.e.Trades(), 1)

	// ATM moves to the 150 strike; the underlying exited four minutes ago.
	h.e.ProcessCandle(ctx, underToken, model.Candle{Time: at(12, 40, 0), Open: 105, High: 150.5, Low: 104.9, Close: 150})
	assert.Len(t, h.store.signals, 2)
	assert.Len(t, h.e.Orders(), 1)
	assert.Empty(t, h.e.OpenPositions())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.m.SignalsSuppressed.WithLabelValues("cooldown")))

	h.e.ProcessCandle(ctx, underToken, model.Candle{Time: at(12, 48, 0), Open: 150, High: 171, Low: 149.9, Close: 170})
	require.Len(t, h.store.signals, 3)
	open := h.e.OpenPositions()
	require.Len(t, open, 1, "cooldown elapsed at 12:47")
	assert.Equal(t, "NIFTY26MAR150CE", open[0].InstrumentName)
	assert.Equal(t, 42.0, open[0].EntryPrice)
}

func TestNoContract(t *testing.T) {
	s := config.DefaultSettings().Trading
	store := newMemStore()
	m := metrics.New(prometheus.NewRegistry())
	e, err := New(Deps{
		Settings:  s,
		ReplayID:  runID,
		Simulator: execution.NewSimulator(store, store, store, 0, 1, m),
		Signals:   store,
		Metrics:   m,
	})
	require.NoError(t, err)

	e.Seed(underToken, flat(200))
	e.ProcessCandle(context.Background(), underToken,
		model.Candle{Time: at(12, 35, 0), Open: 100, High: 105.5, Low: 99.8, Close: 105})
	assert.Len(t, store.signals, 1)
	assert.Empty(t, e.Orders())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SignalsSuppressed.WithLabelValues(SuppressNoContract)))
}

func TestReplayIsDeterministic(t *testing.T) {
	run := func() ([]model.Signal, []model.OrderRecord, []model.SimTrade) {
		h := newHarness(t, runID, nil)
		h.store.addTick(callToken, 50, at(12, 36, 5))
		h.breakout(t)
		h.e.ProcessTick(context.Background(), model.Tick{Token: callToken, LastPrice: 60, TickTime: at(12, 37, 0)}, false)
		h.e.ProcessTick(context.Background(), model.Tick{Token: callToken, LastPrice: 57, TickTime: at(12, 38, 0)}, false)
		return h.store.signals, h.e.Orders(), h.e.Trades()
	}
	sigA, ordA, trA := run()
	sigB, ordB, trB := run()

	require.NotEmpty(t, sigA)
	assert.Equal(t, sigA, sigB)
	assert.Equal(t, ordA, ordB)
	assert.Equal(t, trA, trB)
}

func TestLiveOrderFillsOnNextOptionTick(t *testing.T) {
	h := newHarness(t, uuid.Nil, nil)
	h.breakout(t)
	require.Equal(t, 1, h.e.PendingCount())
	require.Equal(t, model.StatusPlaced, h.e.Orders()[0].Status)

	ctx := context.Background()
	h.e.ProcessTick(ctx, model.Tick{Token: callToken, LastPrice: 51, LastQuantity: 75, TickTime: at(12, 36, 3)}, true)

	assert.Zero(t, h.e.PendingCount())
	o := h.e.Orders()[0]
	assert.Equal(t, model.StatusOpen, o.Status)
	assert.Equal(t, 51.0, o.EntryPrice)
	assert.Len(t, h.e.OpenPositions(), 1)
}

func TestLiveOrderExpiresUnfilled(t *testing.T) {
	h := newHarness(t, uuid.Nil, nil)
	h.breakout(t)

	h.e.ProcessTick(context.Background(), model.Tick{Token: underToken, LastPrice: 105, Volume: 1, TickTime: at(12, 41, 30)}, true)
	assert.Zero(t, h.e.PendingCount())
	assert.Equal(t, model.StatusUnfilled, h.e.Orders()[0].Status)
	assert.Equal(t, 1, h.e.PnL().Unfilled)
}

func TestLiveBarsArePersisted(t *testing.T) {
	h := newHarness(t, uuid.Nil, nil)
	ctx := context.Background()
	h.e.ProcessTick(ctx, model.Tick{Token: underToken, LastPrice: 100, Volume: 1, TickTime: at(10, 0, 1)}, true)
	h.e.ProcessTick(ctx, model.Tick{Token: underToken, LastPrice: 101, Volume: 2, TickTime: at(10, 0, 30)}, true)
	h.e.ProcessTick(ctx, model.Tick{Token: underToken, LastPrice: 102, Volume: 3, TickTime: at(10, 1, 0)}, true)

	require.Len(t, h.store.candles, 1)
	c := h.store.candles[0]
	assert.Equal(t, 1, c.IntervalMinutes)
	assert.True(t, c.Time.Equal(at(10, 0, 0)))
	assert.Equal(t, 100.0, c.Open)
	assert.Equal(t, 101.0, c.Close)
	assert.Equal(t, "NIFTY 50", c.Name)
}

func TestLateTickIsRejected(t *testing.T) {
	h := newHarness(t, uuid.Nil, nil)
	ctx := context.Background()
	assert.True(t, h.e.ProcessTick(ctx, model.Tick{Token: underToken, LastPrice: 100, Volume: 1, TickTime: at(10, 0, 10)}, true))
	assert.True(t, h.e.ProcessTick(ctx, model.Tick{Token: underToken, LastPrice: 101, Volume: 2, TickTime: at(10, 1, 5)}, true))

	assert.False(t, h.e.ProcessTick(ctx, model.Tick{Token: underToken, LastPrice: 99, Volume: 3, TickTime: at(10, 0, 59)}, true))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.m.Rejects.WithLabelValues("late")))

	h.e.ProcessTick(ctx, model.Tick{Token: underToken, LastPrice: 102, Volume: 4, TickTime: at(10, 1, 30)}, true)
	h.e.ProcessTick(ctx, model.Tick{Token: underToken, LastPrice: 103, Volume: 5, TickTime: at(10, 2, 0)}, true)

	require.Len(t, h.store.candles, 2)
	assert.True(t, h.store.candles[0].Time.Equal(at(10, 0, 0)))
	assert.True(t, h.store.candles[1].Time.Equal(at(10, 1, 0)))
	assert.Equal(t, 102.0, h.store.candles[1].Close)
	assert.Len(t, h.sink.kinds(model.EventCandleClosed), 2)
}

func TestFinishClosesEverything(t *testing.T) {
	h := newHarness(t, runID, nil)
	h.store.addTick(callToken, 50, at(12, 36, 5))
	h.breakout(t)

	exits := h.e.Finish(context.Background(), at(15, 30, 0))
	require.Len(t, exits, 1)
	assert.Equal(t, model.ReasonEOD, exits[0].Order.ExitReason)
	assert.Empty(t, h.e.OpenPositions())
}
