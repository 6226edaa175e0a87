// Package markethours holds the exchange session clock: the IST zone, the
// 09:15-15:30 session window, time-of-day parsing for the EOD exit, and the
// bucket floor used by candle aggregation.
package markethours

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// IST is the Indian Standard Time location (UTC+5:30). A fixed zone: no DST.
var IST = time.FixedZone("IST", 5*3600+30*60)

// Session hours in IST
const (
	OpenHour    = 9
	OpenMinute  = 15
	CloseHour   = 15
	CloseMinute = 30
)

// SessionOpen and SessionClose are the session bounds as offsets from midnight.
const (
	SessionOpen  = OpenHour*time.Hour + OpenMinute*time.Minute
	SessionClose = CloseHour*time.Hour + CloseMinute*time.Minute
)

// TimeOfDay returns the IST wall-clock offset of t from midnight.
func TimeOfDay(t time.Time) time.Duration {
	ist := t.In(IST)
	return time.Duration(ist.Hour())*time.Hour +
		time.Duration(ist.Minute())*time.Minute +
		time.Duration(ist.Second())*time.Second +
		time.Duration(ist.Nanosecond())
}

// InSession reports whether t's IST time of day lies in [09:15, 15:30].
// Weekdays and holidays are not consulted.
func InSession(t time.Time) bool {
	tod := TimeOfDay(t)
	return tod >= SessionOpen && tod <= SessionClose
}

// IsMarketOpen returns true if t falls within trading hours on a trading day
// (Mon-Fri, excluding holidays).
func IsMarketOpen(t time.Time) bool {
	if !IsTradingDay(t) {
		return false
	}
	tod := TimeOfDay(t)
	return tod >= SessionOpen && tod < SessionClose
}

// IsTradingDay returns true if t is a weekday and not a holiday.
func IsTradingDay(t time.Time) bool {
	ist := t.In(IST)
	wd := ist.Weekday()
	return wd >= time.Monday && wd <= time.Friday && !IsHoliday(ist)
}

// TodayOpen returns the session open (09:15 IST) on t's IST date.
func TodayOpen(t time.Time) time.Time {
	ist := t.In(IST)
	return time.Date(ist.Year(), ist.Month(), ist.Day(), OpenHour, OpenMinute, 0, 0, IST)
}

// TodayClose returns the session close (15:30 IST) on t's IST date.
func TodayClose(t time.Time) time.Time {
	ist := t.In(IST)
	return time.Date(ist.Year(), ist.Month(), ist.Day(), CloseHour, CloseMinute, 0, 0, IST)
}

// ParseClock parses "HH:MM" or "HH:MM:SS" into an offset from midnight.
func ParseClock(s string) (time.Duration, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("markethours: bad clock %q", s)
	}
	var v [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("markethours: bad clock %q", s)
		}
		v[i] = n
	}
	if v[0] > 23 || v[1] > 59 || v[2] > 59 {
		return 0, fmt.Errorf("markethours: bad clock %q", s)
	}
	return time.Duration(v[0])*time.Hour + time.Duration(v[1])*time.Minute + time.Duration(v[2])*time.Second, nil
}

// FloorToBucket floors t to the start of its bucket of size d, computed on the
// IST wall clock: floor(ticks/bucket)*bucket where ticks count from the zero
// civil time. The result is in IST.
func FloorToBucket(t time.Time, d time.Duration) time.Time {
	ist := t.In(IST)
	if d <= 0 {
		return ist
	}
	// Wall-clock instant expressed as if it were UTC, so the zone offset does
	// not shift bucket edges.
	wall := time.Date(ist.Year(), ist.Month(), ist.Day(), ist.Hour(), ist.Minute(), ist.Second(), ist.Nanosecond(), time.UTC)
	floored := wall.Truncate(d)
	return time.Date(floored.Year(), floored.Month(), floored.Day(), floored.Hour(), floored.Minute(), floored.Second(), floored.Nanosecond(), IST)
}

// StatusString returns a human-readable market status.
func StatusString(t time.Time) string {
	if IsMarketOpen(t) {
		return fmt.Sprintf("Market Open, closes in %s", fmtDur(TodayClose(t).Sub(t)))
	}
	if name := HolidayName(t); name != "" {
		return "Market Closed (" + name + ")"
	}
	return "Market Closed"
}

func fmtDur(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
