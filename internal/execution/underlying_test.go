package execution

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"optiontrader/internal/model"
)

func TestUnderlyingCacheATRNeedsPeriodPlusTwo(t *testing.T) {
	c := NewUnderlyingCache(0)
	for i := 0; i < 4; i++ {
		c.Put(1, model.Candle{Time: ist(9, 15+i, 0), High: 102, Low: 98, Close: 100})
	}
	assert.Zero(t, c.ATR(1, 3))

	c.Put(1, model.Candle{Time: ist(9, 19, 0), High: 102, Low: 98, Close: 100})
	assert.InDelta(t, 4.0, c.ATR(1, 3), 1e-9)
}

func TestUnderlyingCacheReplacesSameBarAndTrims(t *testing.T) {
	c := NewUnderlyingCache(3)
	c.Put(1, model.Candle{Time: ist(9, 15, 0), Close: 1})
	c.Put(1, model.Candle{Time: ist(9, 15, 0), Close: 2})
	assert.Equal(t, 1, c.Len(1))
	last, ok := c.Last(1)
	assert.True(t, ok)
	assert.Equal(t, 2.0, last.Close)

	for i := 1; i <= 5; i++ {
		c.Put(1, model.Candle{Time: ist(9, 15+i, 0), Close: float64(i)})
	}
	assert.Equal(t, 3, c.Len(1))
	last, _ = c.Last(1)
	assert.Equal(t, 5.0, last.Close)
}

func TestDeltaEstimatorMedian(t *testing.T) {
	d := NewDeltaEstimator()
	d.Observe(7, 100, 20000)
	d.Observe(7, 101, 20000) // no spot move: skipped
	d.Observe(7, 106, 20010)
	d.Observe(7, 112, 20020)
	_, ok := d.Estimate(7)
	assert.False(t, ok, "two samples are not enough")

	d.Observe(7, 120, 20030)
	est, ok := d.Estimate(7)
	assert.True(t, ok)
	// ratios 0.5, 0.6, 0.8
	assert.InDelta(t, 0.6, est, 1e-9)

	d.Forget(7)
	_, ok = d.Estimate(7)
	assert.False(t, ok)
}
