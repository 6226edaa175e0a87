// Package instruments loads the vendor instrument master and maps a
// directional call on an underlying to a concrete option contract.
package instruments

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"optiontrader/internal/markethours"
	"optiontrader/internal/model"
)

var (
	// ErrNoMatch is returned when no contract matches the request.
	ErrNoMatch = errors.New("instruments: no matching contract")

	// ErrBadHeader is returned for a CSV whose header is not the vendor layout.
	ErrBadHeader = errors.New("instruments: unexpected csv header")
)

// OptionSegment is the segment of index and stock options.
const OptionSegment = "NFO-OPT"

var header = []string{
	"instrument_token", "exchange_token", "tradingsymbol", "name", "last_price", "expiry",
	"strike", "tick_size", "lot_size", "instrument_type", "segment", "exchange",
}

// Mapper is a read-only index over the instrument master.
type Mapper struct {
	all     []model.Instrument
	byToken map[uint32]int
}

// New indexes an instrument list.
func New(list []model.Instrument) *Mapper {
	m := &Mapper{
		all:     list,
		byToken: make(map[uint32]int, len(list)),
	}
	for i := range list {
		m.byToken[list[i].Token] = i
	}
	return m
}

// Load reads the instrument CSV at path.
func Load(path string) (*Mapper, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("instruments open: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads the 12-column vendor CSV. The header must match; data rows
// that are short or fail to parse a token are skipped.
func Parse(r io.Reader) (*Mapper, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	first, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadHeader, err)
	}
	if len(first) < len(header) {
		return nil, fmt.Errorf("%w: %d columns", ErrBadHeader, len(first))
	}
	for i, col := range header {
		if !strings.EqualFold(strings.TrimSpace(first[i]), col) {
			return nil, fmt.Errorf("%w: column %d is %q, want %q", ErrBadHeader, i, first[i], col)
		}
	}

	var list []model.Instrument
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("instruments read: %w", err)
		}
		if len(rec) < len(header) {
			continue
		}
		inst, ok := parseRow(rec)
		if ok {
			list = append(list, inst)
		}
	}
	return New(list), nil
}

func parseRow(p []string) (model.Instrument, bool) {
	token, err := strconv.ParseUint(strings.TrimSpace(p[0]), 10, 32)
	if err != nil {
		return model.Instrument{}, false
	}
	exch, _ := strconv.ParseUint(strings.TrimSpace(p[1]), 10, 32)
	lot, _ := strconv.Atoi(strings.TrimSpace(p[8]))
	return model.Instrument{
		Token:          uint32(token),
		ExchangeToken:  uint32(exch),
		TradingSymbol:  p[2],
		Name:           p[3],
		LastPrice:      parseFloat(p[4]),
		Expiry:         parseDate(p[5]),
		Strike:         parseFloat(p[6]),
		TickSize:       parseFloat(p[7]),
		LotSize:        lot,
		InstrumentType: p[9],
		Segment:        p[10],
		Exchange:       p[11],
	}, true
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}

// parseDate accepts "2006-01-02" with an optional time part and returns
// the date at IST midnight.
func parseDate(s string) time.Time {
	s = strings.TrimSpace(s)
	if len(s) < 10 {
		return time.Time{}
	}
	d, err := time.ParseInLocation("2006-01-02", s[:10], markethours.IST)
	if err != nil {
		return time.Time{}
	}
	return d
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.In(markethours.IST).Date()
	by, bm, bd := b.In(markethours.IST).Date()
	return ay == by && am == bm && ad == bd
}

func dateOf(t time.Time) time.Time {
	y, m, d := t.In(markethours.IST).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, markethours.IST)
}

// StrikeStep is the strike spacing of symbol's option chain.
func StrikeStep(symbol string) float64 {
	if strings.Contains(strings.ToUpper(symbol), "BANK") {
		return 100
	}
	return 50
}

// ATMStrike rounds spot to the nearest strike.
func ATMStrike(symbol string, spot float64) float64 {
	step := StrikeStep(symbol)
	return math.Round(spot/step) * step
}

// ChooseATMOption returns the at-the-money contract on symbol for expiry
// and right ("CE" or "PE").
func (m *Mapper) ChooseATMOption(symbol string, spot float64, expiry time.Time, right string) (model.Instrument, error) {
	return m.Option(symbol, spot, expiry, 0, right)
}

// Option returns the contract offset strikes away from ATM.
func (m *Mapper) Option(symbol string, spot float64, expiry time.Time, offset int, right string) (model.Instrument, error) {
	strike := ATMStrike(symbol, spot) + float64(offset)*StrikeStep(symbol)
	for _, inst := range m.all {
		if inst.Name == symbol &&
			inst.Segment == OptionSegment &&
			!inst.Expiry.IsZero() && sameDate(inst.Expiry, expiry) &&
			inst.Strike == strike &&
			strings.EqualFold(inst.InstrumentType, right) {
			return inst, nil
		}
	}
	return model.Instrument{}, fmt.Errorf("%w: %s %s %.0f%s", ErrNoMatch, symbol, expiry.Format("2006-01-02"), strike, right)
}

// AvailableExpiries lists symbol's option expiry dates, ascending.
func (m *Mapper) AvailableExpiries(symbol string) []time.Time {
	seen := make(map[time.Time]struct{})
	var out []time.Time
	for _, inst := range m.all {
		if inst.Name != symbol || inst.Segment != OptionSegment || inst.Expiry.IsZero() {
			continue
		}
		d := dateOf(inst.Expiry)
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// NearestExpiry returns the first expiry on or after today's date.
func (m *Mapper) NearestExpiry(symbol string, today time.Time) (time.Time, bool) {
	day := dateOf(today)
	for _, d := range m.AvailableExpiries(symbol) {
		if !d.Before(day) {
			return d, true
		}
	}
	return time.Time{}, false
}

// Instrument looks up a token.
func (m *Mapper) Instrument(token uint32) (model.Instrument, bool) {
	i, ok := m.byToken[token]
	if !ok {
		return model.Instrument{}, false
	}
	return m.all[i], true
}

// Resolve returns the display name of token: its trading symbol, else its
// name, else the token number.
func (m *Mapper) Resolve(token uint32) string {
	if inst, ok := m.Instrument(token); ok {
		if strings.TrimSpace(inst.TradingSymbol) != "" {
			return inst.TradingSymbol
		}
		if inst.Name != "" {
			return inst.Name
		}
	}
	return strconv.FormatUint(uint64(token), 10)
}

// Len returns the number of instruments.
func (m *Mapper) Len() int { return len(m.all) }

// GroupName derives the position group of an option trading symbol: the
// underlying and the expiry, so "NIFTY24NOV24000CE" groups as "NIFTY-24NOV".
// The right is stripped, the leading letters are split from the rest, and
// the strike digits after the expiry's last letter are dropped. An expiry
// code with no letter is kept whole.
func GroupName(tradingSymbol string) string {
	s := strings.ToUpper(strings.TrimSpace(tradingSymbol))
	if strings.HasSuffix(s, "CE") || strings.HasSuffix(s, "PE") {
		s = s[:len(s)-2]
	}
	i := strings.IndexFunc(s, unicode.IsDigit)
	if i <= 0 {
		return s
	}
	underlying, rest := s[:i], s[i:]
	if j := strings.LastIndexFunc(rest, unicode.IsLetter); j >= 0 {
		rest = rest[:j+1]
	}
	return underlying + "-" + rest
}
