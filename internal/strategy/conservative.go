package strategy

import (
	"fmt"
	"time"

	"optiontrader/internal/indicator"
	"optiontrader/internal/model"
)

// Params configures ConservativeBreakout.
type Params struct {
	Timeframe        time.Duration
	FastEMA          int
	SlowEMA          int
	RSIPeriod        int
	ATRPeriod        int
	RSIBuyThreshold  float64
	RSISellThreshold float64
	MinBodyPct       float64
	MinRangeATR      float64
}

// ConservativeBreakout fires on a trend-aligned, momentum-confirmed bar that
// closes beyond the prior bar's extreme, after volatility and body filters.
//
// Buy:  fastEMA > slowEMA, RSI >= buy threshold, close > open, close > prev high.
// Sell: fastEMA < slowEMA, RSI <= sell threshold, close < open, close < prev low.
type ConservativeBreakout struct {
	p Params
}

// NewConservativeBreakout creates the evaluator.
func NewConservativeBreakout(p Params) *ConservativeBreakout {
	return &ConservativeBreakout{p: p}
}

func (s *ConservativeBreakout) Name() string { return "ConservativeA" }

// MinBars is the history required before any signal: max(slow, rsi, atr) + 2.
func (s *ConservativeBreakout) MinBars() int {
	return max(s.p.SlowEMA, s.p.RSIPeriod, s.p.ATRPeriod) + 2
}

// Evaluate implements Strategy.
func (s *ConservativeBreakout) Evaluate(token uint32, bars []model.Candle) (*model.Signal, string) {
	if len(bars) < s.MinBars() {
		return nil, RejectWarmup
	}
	idx := len(bars) - 1
	bar := bars[idx]
	prev := bars[idx-1]

	fast := indicator.EMA(bars, s.p.FastEMA, idx)
	slow := indicator.EMA(bars, s.p.SlowEMA, idx)
	rsi := indicator.RSI(bars, s.p.RSIPeriod, idx)
	atr := indicator.ATR(bars, s.p.ATRPeriod, idx)

	if atr <= 0 {
		return nil, RejectATR
	}
	bodyPct := bar.BodyPct()
	if bodyPct < s.p.MinBodyPct {
		return nil, RejectBody
	}
	rng := bar.Range()
	if rng < s.p.MinRangeATR*atr {
		return nil, RejectRange
	}

	var typ model.SignalType
	switch {
	case fast > slow && rsi >= s.p.RSIBuyThreshold && bar.Close > bar.Open && bar.Close > prev.High:
		typ = model.Buy
	case fast < slow && rsi <= s.p.RSISellThreshold && bar.Close < bar.Open && bar.Close < prev.Low:
		typ = model.Sell
	default:
		return nil, RejectNoSetup
	}

	return &model.Signal{
		ID:    SignalID(token, bar.Time, typ),
		Token: token,
		Type:  typ,
		Price: bar.Close,
		Time:  bar.Time.Add(s.p.Timeframe),
		Note:  fmt.Sprintf("%s %s fast=%.2f slow=%.2f rsi=%.1f atr=%.2f", s.Name(), typ, fast, slow, rsi, atr),
		Meta: map[string]float64{
			"fast_ema": fast,
			"slow_ema": slow,
			"rsi":      rsi,
			"atr":      atr,
			"body_pct": bodyPct,
			"range":    rng,
			"prev_hi":  prev.High,
			"prev_lo":  prev.Low,
		},
	}, ""
}

// RegimeUp reports fastEMA > slowEMA at the newest bar. ok is false while
// history is too short for the slow average.
func (s *ConservativeBreakout) RegimeUp(bars []model.Candle) (up bool, ok bool) {
	if len(bars) < s.p.SlowEMA {
		return false, false
	}
	idx := len(bars) - 1
	return indicator.EMA(bars, s.p.FastEMA, idx) > indicator.EMA(bars, s.p.SlowEMA, idx), true
}

// ATR returns the configured ATR at the newest bar.
func (s *ConservativeBreakout) ATR(bars []model.Candle) float64 {
	return indicator.ATR(bars, s.p.ATRPeriod, len(bars)-1)
}
