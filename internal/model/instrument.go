package model

import "time"

// Instrument is one row of the vendor instrument master.
type Instrument struct {
	Token          uint32    `json:"token"`
	ExchangeToken  uint32    `json:"exchange_token"`
	TradingSymbol  string    `json:"trading_symbol"`
	Name           string    `json:"name"`
	LastPrice      float64   `json:"last_price"`
	Expiry         time.Time `json:"expiry"` // zero for non-derivatives
	Strike         float64   `json:"strike"`
	TickSize       float64   `json:"tick_size"`
	LotSize        int       `json:"lot_size"`
	InstrumentType string    `json:"instrument_type"` // EQ, FUT, CE, PE
	Segment        string    `json:"segment"`         // NFO-OPT, NSE, INDICES
	Exchange       string    `json:"exchange"`
}

// IsOption reports whether the instrument is a CE/PE contract.
func (i *Instrument) IsOption() bool {
	return i.InstrumentType == "CE" || i.InstrumentType == "PE"
}
