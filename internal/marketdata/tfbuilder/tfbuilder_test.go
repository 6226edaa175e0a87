package tfbuilder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optiontrader/internal/markethours"
	"optiontrader/internal/model"
)

var open = time.Date(2026, 3, 2, 9, 15, 0, 0, markethours.IST)

func minuteBar(i int, o, h, l, c, v float64) model.Candle {
	return model.Candle{Time: open.Add(time.Duration(i) * time.Minute), Open: o, High: h, Low: l, Close: c, Volume: v}
}

func TestBuilderFiveMinuteRollup(t *testing.T) {
	b := New(5 * time.Minute)
	var finalized []model.Candle
	b.OnBar = func(_ uint32, c model.Candle) { finalized = append(finalized, c) }

	for i := 0; i < 5; i++ {
		_, ok := b.Add(1, minuteBar(i, 100+float64(i), 102+float64(i), 99, 101+float64(i), 10))
		require.False(t, ok, "bar %d must stay in the first bucket", i)
	}

	closed, ok := b.Add(1, minuteBar(5, 200, 201, 199, 200, 1))
	require.True(t, ok)
	assert.Equal(t, open, closed.Time)
	assert.Equal(t, 100.0, closed.Open)
	assert.Equal(t, 106.0, closed.High)
	assert.Equal(t, 99.0, closed.Low)
	assert.Equal(t, 105.0, closed.Close)
	assert.Equal(t, 50.0, closed.Volume)
	assert.Len(t, finalized, 1)

	forming, ok := b.Forming(1)
	require.True(t, ok)
	assert.Equal(t, open.Add(5*time.Minute), forming.Time)
}

func TestBuilderTokensAreIndependent(t *testing.T) {
	b := New(5 * time.Minute)
	b.Add(1, minuteBar(0, 100, 100, 100, 100, 1))
	b.Add(2, minuteBar(0, 50, 50, 50, 50, 1))

	_, ok := b.Add(1, minuteBar(5, 101, 101, 101, 101, 1))
	assert.True(t, ok)

	forming, ok := b.Forming(2)
	require.True(t, ok)
	assert.Equal(t, 50.0, forming.Close)
}

func TestBuilderStaleBarRejected(t *testing.T) {
	b := New(time.Minute)
	b.StaleTolerance = 2 * time.Minute
	stale := 0
	b.OnStale = func(uint32, model.Candle) { stale++ }

	b.Add(1, minuteBar(10, 100, 100, 100, 100, 1))
	b.Add(1, minuteBar(9, 1, 1, 1, 1, 1)) // within tolerance, merged
	b.Add(1, minuteBar(2, 1, 1, 1, 1, 1)) // 8 minutes behind

	assert.Equal(t, 1, stale)
	forming, _ := b.Forming(1)
	assert.Equal(t, 1.0, forming.Close, "tolerated late bar is merged")
	assert.Equal(t, 2.0, forming.Volume)
}

func TestBuilderStaleToleranceDisabled(t *testing.T) {
	b := New(time.Minute)
	stale := 0
	b.OnStale = func(uint32, model.Candle) { stale++ }

	b.Add(1, minuteBar(30, 100, 100, 100, 100, 1))
	b.Add(1, minuteBar(0, 1, 1, 1, 1, 1))
	assert.Zero(t, stale)
}

func TestRollupIncludesPartialBar(t *testing.T) {
	var bars []model.Candle
	for i := 0; i < 12; i++ {
		bars = append(bars, minuteBar(i, float64(i), float64(i)+1, float64(i)-1, float64(i)+0.5, 1))
	}

	out := Rollup(bars, 5*time.Minute)
	require.Len(t, out, 3)
	assert.Equal(t, 0.0, out[0].Open)
	assert.Equal(t, 4.5, out[0].Close)
	assert.Equal(t, 5.0, out[0].Volume)
	assert.Equal(t, open.Add(10*time.Minute), out[2].Time)
	assert.Equal(t, 2.0, out[2].Volume)
}

func TestFlushAll(t *testing.T) {
	b := New(5 * time.Minute)
	b.Add(1, minuteBar(0, 1, 1, 1, 1, 1))
	b.Add(2, minuteBar(1, 2, 2, 2, 2, 1))

	out := b.FlushAll()
	assert.Len(t, out, 2)
	_, ok := b.Forming(1)
	assert.False(t, ok)
}
