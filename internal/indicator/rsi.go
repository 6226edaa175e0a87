package indicator

import "optiontrader/internal/model"

// RSI returns the relative strength index of closes at idx over the trailing
// period close-to-close changes. 100 when the loss sum is zero; RSINeutral
// when fewer than period+1 closes exist.
func RSI(bars []model.Candle, period, idx int) float64 {
	if period <= 0 || idx < period || idx >= len(bars) {
		return RSINeutral
	}
	var gain, loss float64
	for i := idx - period + 1; i <= idx; i++ {
		change := bars[i].Close - bars[i-1].Close
		if change > 0 {
			gain += change
		} else {
			loss -= change
		}
	}
	if loss == 0 {
		return 100
	}
	rs := (gain / float64(period)) / (loss / float64(period))
	return 100 - 100/(1+rs)
}
