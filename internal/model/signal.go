package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SignalType is the direction of a signal.
type SignalType int

const (
	Buy SignalType = iota
	Sell
)

func (s SignalType) String() string {
	if s == Sell {
		return "SELL"
	}
	return "BUY"
}

// MarshalJSON encodes the direction as "BUY" / "SELL".
func (s SignalType) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts "BUY" / "SELL".
func (s *SignalType) UnmarshalJSON(b []byte) error {
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch v {
	case "BUY":
		*s = Buy
	case "SELL":
		*s = Sell
	default:
		return fmt.Errorf("model: unknown signal type %q", v)
	}
	return nil
}

// OptionRight is the option type a signal direction maps to.
func (s SignalType) OptionRight() string {
	if s == Sell {
		return "PE"
	}
	return "CE"
}

// Signal is the immutable result of evaluating one freshly sealed bar.
type Signal struct {
	ID    uuid.UUID          `json:"id"`
	Token uint32             `json:"token"`
	Type  SignalType         `json:"type"`
	Price float64            `json:"price"`
	Time  time.Time          `json:"time"`
	Note  string             `json:"note,omitempty"`
	Meta  map[string]float64 `json:"meta,omitempty"`
}
