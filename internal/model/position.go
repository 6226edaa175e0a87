package model

import "time"

// PositionState is the per-instrument position state.
type PositionState int

const (
	Flat PositionState = iota
	Long
)

func (s PositionState) String() string {
	if s == Long {
		return "LONG"
	}
	return "FLAT"
}

// PositionInfo tracks one instrument's position. Owned and mutated only by
// the portfolio manager.
type PositionInfo struct {
	Token        uint32        `json:"token"`
	State        PositionState `json:"state"`
	EntryPrice   float64       `json:"entry_price"`
	EntryTime    time.Time     `json:"entry_time"`
	TrailStop    float64       `json:"trail_stop"`
	LastExitTime time.Time     `json:"last_exit_time"`
	Group        string        `json:"group,omitempty"`
}
