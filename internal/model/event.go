package model

import (
	"encoding/json"
	"time"
)

// EventKind identifies one of the outbound event streams.
type EventKind string

const (
	EventStatus       EventKind = "status"
	EventLTP          EventKind = "ltp"
	EventCandleClosed EventKind = "candle"
	EventSignal       EventKind = "signal"
	EventTrade        EventKind = "trade"
)

// Event is a one-way notification emitted by the engine.
type Event struct {
	Kind   EventKind `json:"kind"`
	Token  uint32    `json:"token,omitempty"`
	Name   string    `json:"name,omitempty"`
	Time   time.Time `json:"time"`
	Text   string    `json:"text,omitempty"`   // status
	Price  float64   `json:"price,omitempty"`  // ltp
	Volume int64     `json:"volume,omitempty"` // ltp
	Candle *Candle   `json:"candle,omitempty"`
	Signal *Signal   `json:"signal,omitempty"`
	Trade  *SimTrade `json:"trade,omitempty"`
}

// JSON returns the JSON-encoded event.
func (e *Event) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}
