package engine

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"optiontrader/internal/model"
)

func TestRecordGate(t *testing.T) {
	g := newRecordGate()
	tick := func(price float64, vol, qty int64, h, m int) model.Tick {
		return model.Tick{Token: 1, LastPrice: price, Volume: vol, LastQuantity: qty, TickTime: at(h, m, 0)}
	}

	ok, why := g.accept(tick(100, 10, 0, 9, 0))
	assert.False(t, ok)
	assert.Equal(t, rejectSession, why)

	ok, _ = g.accept(tick(100, 10, 0, 9, 20))
	assert.True(t, ok)

	ok, why = g.accept(tick(100, 10, 0, 9, 21))
	assert.False(t, ok, "price and volume unchanged with no traded quantity")
	assert.Equal(t, rejectDuplicate, why)

	ok, _ = g.accept(tick(100, 10, 5, 9, 21))
	assert.True(t, ok, "a traded quantity passes")

	ok, _ = g.accept(tick(100.05, 10, 0, 9, 22))
	assert.True(t, ok)

	ok, _ = g.accept(tick(101, 11, 0, 15, 31))
	assert.False(t, ok)
	ok, _ = g.accept(tick(100.05, 10, 0, 15, 30))
	assert.False(t, ok, "rejected session tick did not move the last-seen state")
}

func TestProcessTickGatesLiveOnly(t *testing.T) {
	h := newHarness(t, uuid.Nil, nil)
	ctx := context.Background()
	early := model.Tick{Token: underToken, LastPrice: 100, TickTime: at(8, 59, 0)}

	assert.False(t, h.e.ProcessTick(ctx, early, true))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.m.Rejects.WithLabelValues(rejectSession)))
	assert.Empty(t, h.sink.kinds(model.EventLTP))

	assert.True(t, h.e.ProcessTick(ctx, early, false), "replay ticks skip the gate")
	assert.Len(t, h.sink.kinds(model.EventLTP), 1)
}
