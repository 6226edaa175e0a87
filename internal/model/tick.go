package model

import "time"

// Tick represents a single market update for one instrument as delivered by
// the live feed or read back from the tick store. Prices are in rupees.
// A Tick is immutable once constructed.
type Tick struct {
	Token        uint32    `json:"token"`
	Name         string    `json:"name,omitempty"`
	LastPrice    float64   `json:"last_price"`
	LastQuantity int64     `json:"last_quantity"`
	Volume       int64     `json:"volume"` // cumulative day volume
	AveragePrice float64   `json:"average_price"`
	OpenPrice    float64   `json:"open_price"`
	HighPrice    float64   `json:"high_price"`
	LowPrice     float64   `json:"low_price"`
	ClosePrice   float64   `json:"close_price"`
	OI           int64     `json:"oi"`
	OIChange     int64     `json:"oi_change"`
	BidPrice     float64   `json:"bid_price"`
	BidQty       int64     `json:"bid_qty"`
	AskPrice     float64   `json:"ask_price"`
	AskQty       int64     `json:"ask_qty"`
	TickTime     time.Time `json:"tick_time"`   // exchange trade time
	ReceivedAt   time.Time `json:"received_at"` // local receipt time
	IsReplay     bool      `json:"is_replay,omitempty"`
}

// Delay is the receipt latency relative to the exchange trade time.
// Zero when either timestamp is missing.
func (t *Tick) Delay() time.Duration {
	if t.ReceivedAt.IsZero() || t.TickTime.IsZero() {
		return 0
	}
	return t.ReceivedAt.Sub(t.TickTime)
}
