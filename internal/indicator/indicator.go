// Package indicator provides technical indicator calculations over bar history.
//
// Every function is pure and evaluated at an explicit history index so that
// live and replay paths compute identical values for the same bars. Short
// history never errors: functions return a neutral sentinel (0, or 50 for
// RSI) and callers gate on it.
package indicator

import "optiontrader/internal/model"

// RSINeutral is returned by RSI when there is not enough history.
const RSINeutral = 50.0

// window reports the inclusive start of the trailing window of n samples
// ending at idx, and whether that window fits inside a series of length size.
func window(size, n, idx int) (int, bool) {
	if n <= 0 || idx < 0 || idx >= size {
		return 0, false
	}
	start := idx - n + 1
	if start < 0 {
		return 0, false
	}
	return start, true
}

// Closes extracts the close series.
func Closes(bars []model.Candle) []float64 {
	out := make([]float64, len(bars))
	for i := range bars {
		out[i] = bars[i].Close
	}
	return out
}
