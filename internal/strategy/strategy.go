// Package strategy evaluates sealed bars into directional signals and
// debounces repeated signals per underlying.
//
// A Strategy sees the full sealed history of one instrument after each bar
// close and returns at most one Signal for the newest bar.
package strategy

import (
	"encoding/binary"
	"time"

	"github.com/google/uuid"

	"optiontrader/internal/model"
)

// Strategy is the interface that all signal evaluators must implement.
type Strategy interface {
	// Name returns the unique name of the strategy.
	Name() string

	// Evaluate inspects bars (oldest first, last = just sealed) and returns a
	// signal for the last bar, or nil with a short rejection reason.
	Evaluate(token uint32, bars []model.Candle) (*model.Signal, string)
}

// Rejection reasons reported by Evaluate.
const (
	RejectWarmup    = "warmup"
	RejectATR       = "atr"
	RejectBody      = "body"
	RejectRange     = "range"
	RejectNoSetup   = "no_setup"
	RejectDebounced = "debounced"
)

var signalNamespace = uuid.MustParse("6f1d4b7e-2a0c-4e55-9a8e-4c1f3d2b9a10")

// SignalID derives a stable id from (token, bar time, direction) so that
// replaying the same history yields the same ids.
func SignalID(token uint32, barTime time.Time, typ model.SignalType) uuid.UUID {
	var b [13]byte
	binary.BigEndian.PutUint32(b[0:4], token)
	binary.BigEndian.PutUint64(b[4:12], uint64(barTime.UnixNano()))
	b[12] = byte(typ)
	return uuid.NewSHA1(signalNamespace, b[:13])
}
