package indicator

import "optiontrader/internal/model"

// SMA returns the simple average of the trailing period values ending at idx,
// or 0 when fewer than period values exist.
func SMA(values []float64, period, idx int) float64 {
	start, ok := window(len(values), period, idx)
	if !ok {
		return 0
	}
	var sum float64
	for i := start; i <= idx; i++ {
		sum += values[i]
	}
	return sum / float64(period)
}

// CloseSMA is SMA over bar closes.
func CloseSMA(bars []model.Candle, period, idx int) float64 {
	start, ok := window(len(bars), period, idx)
	if !ok {
		return 0
	}
	var sum float64
	for i := start; i <= idx; i++ {
		sum += bars[i].Close
	}
	return sum / float64(period)
}

// VWAP returns the volume-weighted average close over the trailing period bars
// ending at idx. 0 when history is short or the window traded no volume.
func VWAP(bars []model.Candle, period, idx int) float64 {
	start, ok := window(len(bars), period, idx)
	if !ok {
		return 0
	}
	var pv, vol float64
	for i := start; i <= idx; i++ {
		pv += bars[i].Close * bars[i].Volume
		vol += bars[i].Volume
	}
	if vol == 0 {
		return 0
	}
	return pv / vol
}

// AverageVolume returns the mean bar volume over the trailing period bars
// ending at idx, or 0 when history is short.
func AverageVolume(bars []model.Candle, period, idx int) float64 {
	start, ok := window(len(bars), period, idx)
	if !ok {
		return 0
	}
	var sum float64
	for i := start; i <= idx; i++ {
		sum += bars[i].Volume
	}
	return sum / float64(period)
}
