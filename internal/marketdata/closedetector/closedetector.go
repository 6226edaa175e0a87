// Package closedetector decides when a live session is over. After the
// session close the underlying keeps printing for a while; once its price
// has been unchanged for StableFor (or MaxGrace has passed) the closing
// price is considered captured and the engine can shut down.
package closedetector

import (
	"log"
	"sync"
	"time"

	"optiontrader/internal/markethours"
)

// Reason says why the detector fired.
type Reason string

const (
	ReasonStable   Reason = "price stable"
	ReasonDeadline Reason = "hard deadline"
)

// Detector watches underlying prices around the session close.
// Safe for concurrent use; once fired it stays fired.
type Detector struct {
	mu          sync.Mutex
	closeTime   time.Time
	lastPrice   float64
	stableSince time.Time
	fired       Reason

	// StableFor is how long the price must stay unchanged after close.
	StableFor time.Duration
	// MaxGrace is the hard deadline after close.
	MaxGrace time.Duration
}

// New creates a Detector for closeTime.
func New(closeTime time.Time) *Detector {
	return &Detector{
		closeTime: closeTime,
		StableFor: 30 * time.Second,
		MaxGrace:  5 * time.Minute,
	}
}

// ForDay creates a Detector for the session close of the day containing t.
func ForDay(t time.Time) *Detector {
	return New(markethours.TodayClose(t))
}

// IsPostClose reports whether now is past the close.
func (d *Detector) IsPostClose(now time.Time) bool {
	return now.After(d.closeTime)
}

// Deadline is the time after which Observe always fires.
func (d *Detector) Deadline() time.Time {
	return d.closeTime.Add(d.MaxGrace)
}

// Observe records an underlying price seen at now and reports whether the
// session should end.
func (d *Detector) Observe(price float64, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.fired != "" {
		return true
	}
	if now.After(d.Deadline()) {
		d.fire(ReasonDeadline)
		return true
	}
	if !d.IsPostClose(now) {
		d.lastPrice = price
		return false
	}

	if price != d.lastPrice || d.stableSince.IsZero() {
		if price != d.lastPrice {
			d.lastPrice = price
		}
		d.stableSince = now
		return false
	}

	if now.Sub(d.stableSince) >= d.StableFor {
		d.fire(ReasonStable)
		return true
	}
	return false
}

// Tick is Observe for callers without a new price, such as a timer
// during a quiet feed. It only enforces the hard deadline.
func (d *Detector) Tick(now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fired == "" && now.After(d.Deadline()) {
		d.fire(ReasonDeadline)
	}
	return d.fired != ""
}

func (d *Detector) fire(r Reason) {
	d.fired = r
	log.Printf("[closedetector] session over (%s), closing price %.2f", r, d.lastPrice)
}

// Fired returns the reason the detector fired, or "" if it has not.
func (d *Detector) Fired() Reason {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fired
}

// ClosingPrice returns the last observed price.
func (d *Detector) ClosingPrice() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastPrice
}
