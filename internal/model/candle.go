package model

import (
	"encoding/json"
	"time"
)

// Candle is an OHLCV bar for one instrument over one fixed bucket.
// Time is the bucket start in IST. A candle handed out by the aggregator
// is sealed and must not be mutated.
type Candle struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Range returns High-Low.
func (c *Candle) Range() float64 {
	return c.High - c.Low
}

// BodyPct returns |close-open| as a percentage of close. Zero for a zero close.
func (c *Candle) BodyPct() float64 {
	if c.Close == 0 {
		return 0
	}
	body := c.Close - c.Open
	if body < 0 {
		body = -body
	}
	return body / c.Close * 100
}

// JSON returns the JSON-encoded candle (ignoring errors for hot-path usage).
func (c *Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}

// StoredCandle is a candle row as persisted: the bar plus its instrument and
// interval key.
type StoredCandle struct {
	Token           uint32 `json:"token"`
	Name            string `json:"name"`
	IntervalMinutes int    `json:"interval_minutes"`
	Candle
}
