package execution

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optiontrader/internal/model"
)

const optToken = 12345

func order(replayID uuid.UUID, placed time.Time) model.SimOrder {
	return model.SimOrder{
		ReplayID:        replayID,
		InstrumentToken: optToken,
		InstrumentName:  "NIFTY24NOV24000CE",
		UnderlyingToken: 256265,
		UnderlyingPrice: 24010,
		Side:            model.SideBuy,
		QuantityLots:    2,
		PlacedAt:        placed,
		Reason:          "BUY",
	}
}

func TestPlaceOrderNextTickFillsAtFirstTickAfterSignal(t *testing.T) {
	store := newMemStore()
	store.addTick(optToken, 118, ist(9, 59, 59))
	store.addTick(optToken, 120, ist(10, 0, 30))
	store.addTick(optToken, 125, ist(10, 1, 0))
	sim := NewSimulator(store, store, store, 5*time.Minute, 1, nil)

	trade, err := sim.PlaceOrderNextTick(context.Background(), order(uuid.Nil, ist(10, 0, 0)))
	require.NoError(t, err)
	assert.Equal(t, 120.0, trade.EntryPrice)
	assert.True(t, trade.EntryTime.Equal(ist(10, 0, 30)))
	assert.Equal(t, int64(1), trade.ID)
	assert.True(t, trade.IsOpen())
	require.Len(t, store.trades, 1)
}

func TestPlaceOrderNextTickUnfilledWithoutTick(t *testing.T) {
	store := newMemStore()
	sim := NewSimulator(store, store, store, 5*time.Minute, 1, nil)

	trade, err := sim.PlaceOrderNextTick(context.Background(), order(uuid.Nil, ist(10, 0, 0)))
	require.NoError(t, err)
	assert.Zero(t, trade.EntryPrice)
	assert.Equal(t, model.ReasonUnfilled, trade.Reason)
	assert.False(t, trade.IsOpen())
	require.Len(t, store.trades, 1, "unfilled orders are still recorded")
}

func TestPlaceOrderNextTickIgnoresTickPastWaitWindow(t *testing.T) {
	store := newMemStore()
	store.addTick(optToken, 120, ist(10, 5, 1))
	sim := NewSimulator(store, store, store, 5*time.Minute, 1, nil)

	trade, err := sim.PlaceOrderNextTick(context.Background(), order(uuid.Nil, ist(10, 0, 0)))
	require.NoError(t, err)
	assert.Zero(t, trade.EntryPrice)
	assert.Equal(t, model.ReasonUnfilled, trade.Reason)
}

func TestPlaceOrderNextTickReplayCandleFallback(t *testing.T) {
	store := newMemStore()
	store.candles[optToken] = []model.Candle{
		{Time: ist(10, 0, 0), Open: 80, High: 84, Low: 79, Close: 82},
	}
	sim := NewSimulator(store, store, store, 5*time.Minute, 1, nil)
	replay := uuid.New()

	// 10s after the bar start: open is nearer.
	trade, err := sim.PlaceOrderNextTick(context.Background(), order(replay, ist(10, 0, 10)))
	require.NoError(t, err)
	assert.Equal(t, 80.0, trade.EntryPrice)
	assert.True(t, trade.EntryTime.Equal(ist(10, 0, 0)))

	// 10s before the bar end: close is nearer.
	trade, err = sim.PlaceOrderNextTick(context.Background(), order(replay, ist(10, 0, 50)))
	require.NoError(t, err)
	assert.Equal(t, 82.0, trade.EntryPrice)
	assert.True(t, trade.EntryTime.Equal(ist(10, 1, 0)))
}

func TestPlaceOrderNextTickNoCandleFallbackLive(t *testing.T) {
	store := newMemStore()
	store.candles[optToken] = []model.Candle{{Time: ist(10, 0, 0), Open: 80, Close: 82}}
	sim := NewSimulator(store, store, store, 5*time.Minute, 1, nil)

	trade, err := sim.PlaceOrderNextTick(context.Background(), order(uuid.Nil, ist(10, 0, 10)))
	require.NoError(t, err)
	assert.Zero(t, trade.EntryPrice)
}

func TestCloseSimTrade(t *testing.T) {
	store := newMemStore()
	store.addTick(optToken, 120, ist(10, 0, 30))
	sim := NewSimulator(store, store, store, 5*time.Minute, 1, nil)
	ctx := context.Background()

	_, err := sim.PlaceOrderNextTick(ctx, order(uuid.Nil, ist(10, 0, 0)))
	require.NoError(t, err)

	closed, err := sim.CloseSimTrade(ctx, uuid.Nil, optToken, 130, ist(10, 20, 0), model.ReasonATRTrail)
	require.NoError(t, err)
	require.NotNil(t, closed)
	assert.Equal(t, 20.0, closed.PnL, "(130-120) x 2 lots")
	assert.Equal(t, model.ReasonATRTrail, closed.Reason)
	assert.Equal(t, 130.0, store.trades[0].ExitPrice)

	again, err := sim.CloseSimTrade(ctx, uuid.Nil, optToken, 140, ist(10, 21, 0), model.ReasonEOD)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestFillFromTick(t *testing.T) {
	store := newMemStore()
	sim := NewSimulator(store, store, store, 5*time.Minute, 1, nil)
	ctx := context.Background()
	o := order(uuid.Nil, ist(10, 0, 0))

	trade, err := sim.FillFromTick(ctx, o, &model.Tick{Token: optToken, LastPrice: 121, TickTime: ist(10, 0, 2)})
	require.NoError(t, err)
	assert.Equal(t, 121.0, trade.EntryPrice)
	assert.True(t, trade.IsOpen())

	late, err := sim.FillFromTick(ctx, o, &model.Tick{Token: optToken, LastPrice: 121, TickTime: ist(10, 6, 0)})
	require.NoError(t, err)
	assert.Equal(t, model.ReasonUnfilled, late.Reason)

	none, err := sim.FillFromTick(ctx, o, nil)
	require.NoError(t, err)
	assert.Zero(t, none.EntryPrice)
	assert.Len(t, store.trades, 3)
}
