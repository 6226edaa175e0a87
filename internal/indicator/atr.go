package indicator

import (
	"math"

	"optiontrader/internal/model"
)

// TrueRange is max(H-L, |H-prevClose|, |L-prevClose|).
func TrueRange(bar model.Candle, prevClose float64) float64 {
	return math.Max(bar.High-bar.Low,
		math.Max(math.Abs(bar.High-prevClose), math.Abs(bar.Low-prevClose)))
}

// ATR returns the average true range over the trailing period bars ending at
// idx. Each bar needs its predecessor, so 0 is returned unless idx >= period.
func ATR(bars []model.Candle, period, idx int) float64 {
	if period <= 0 || idx < period || idx >= len(bars) {
		return 0
	}
	var sum float64
	for i := idx - period + 1; i <= idx; i++ {
		sum += TrueRange(bars[i], bars[i-1].Close)
	}
	return sum / float64(period)
}
