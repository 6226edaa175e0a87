package indicator

import "optiontrader/internal/model"

// EMA returns the exponential moving average of closes at idx.
//
// The seed is the simple average of the period closes ending at idx; the
// recurrence ema = price*k + ema*(1-k), k = 2/(period+1), is then applied
// across that same window. Returns 0 when fewer than period closes exist.
func EMA(bars []model.Candle, period, idx int) float64 {
	start, ok := window(len(bars), period, idx)
	if !ok {
		return 0
	}
	var sum float64
	for i := start; i <= idx; i++ {
		sum += bars[i].Close
	}
	ema := sum / float64(period)
	k := 2.0 / float64(period+1)
	for i := start; i <= idx; i++ {
		ema = bars[i].Close*k + ema*(1-k)
	}
	return ema
}
