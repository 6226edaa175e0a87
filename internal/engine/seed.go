package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"optiontrader/internal/model"
)

// sessionMinutes is one NSE session, 09:15 to 15:30.
const sessionMinutes = 375

// Seed installs warm-up history for token. It must run before the token's
// first tick or candle; later calls only refresh the exit ATR cache.
func (e *Engine) Seed(token uint32, bars []model.Candle) {
	if len(bars) == 0 {
		return
	}
	e.seedMu.Lock()
	e.seeds[token] = bars
	e.seedMu.Unlock()
	if token == e.underlying {
		e.cache.Seed(token, bars)
	}
}

func (e *Engine) seedFor(token uint32) []model.Candle {
	e.seedMu.Lock()
	defer e.seedMu.Unlock()
	bars := e.seeds[token]
	delete(e.seeds, token)
	return bars
}

// LoadSeed reads the n most recent bars of tfMinutes ending before start.
// Stored bars are preferred; when there are too few, bars are aggregated
// from stored ticks.
func LoadSeed(ctx context.Context, r model.CandleReader, token uint32, n, tfMinutes int, start time.Time) ([]model.Candle, error) {
	if n <= 0 || r == nil {
		return nil, nil
	}
	// Calendar lookback covering n bars with weekends and holidays to spare.
	days := n*tfMinutes/sessionMinutes + 1
	from := start.AddDate(0, 0, -(days*2 + 4))

	bars, err := r.Candles(ctx, token, tfMinutes, from, start)
	if err != nil {
		return nil, fmt.Errorf("seed candles: %w", err)
	}
	if len(bars) < n {
		agg, err := r.AggregatedCandles(ctx, token, tfMinutes, from, start)
		if err != nil {
			return nil, fmt.Errorf("seed aggregated candles: %w", err)
		}
		if len(agg) > len(bars) {
			bars = agg
		}
	}
	if len(bars) > n {
		bars = bars[len(bars)-n:]
	}
	log.Printf("[engine] seed token=%d bars=%d/%d before %s", token, len(bars), n, start.Format(time.RFC3339))
	return bars, nil
}
