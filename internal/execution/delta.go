package execution

import (
	"sort"
	"sync"
)

const (
	deltaWindow     = 50
	deltaMinSamples = 3
)

// DeltaEstimator estimates an option's delta empirically from co-moving
// option and underlying prices.
type DeltaEstimator struct {
	mu     sync.Mutex
	series map[uint32]*deltaSeries
}

type deltaSeries struct {
	lastOption float64
	lastSpot   float64
	ratios     []float64
}

// NewDeltaEstimator creates an empty estimator.
func NewDeltaEstimator() *DeltaEstimator {
	return &DeltaEstimator{series: make(map[uint32]*deltaSeries)}
}

// Observe records an option price alongside the current underlying price.
// A sample is the ratio of the option move to the spot move since the
// previous observation. Observations with no spot move are skipped.
func (d *DeltaEstimator) Observe(token uint32, optionPrice, spot float64) {
	if optionPrice <= 0 || spot <= 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.series[token]
	if !ok {
		d.series[token] = &deltaSeries{lastOption: optionPrice, lastSpot: spot}
		return
	}
	dSpot := spot - s.lastSpot
	if dSpot != 0 {
		s.ratios = append(s.ratios, (optionPrice-s.lastOption)/dSpot)
		if len(s.ratios) > deltaWindow {
			s.ratios = s.ratios[len(s.ratios)-deltaWindow:]
		}
	}
	s.lastOption = optionPrice
	s.lastSpot = spot
}

// Estimate returns the median ratio once enough samples exist.
func (d *DeltaEstimator) Estimate(token uint32) (float64, bool) {
	d.mu.Lock()
	s, ok := d.series[token]
	var ratios []float64
	if ok {
		ratios = append(ratios, s.ratios...)
	}
	d.mu.Unlock()

	if len(ratios) < deltaMinSamples {
		return 0, false
	}
	sort.Float64s(ratios)
	n := len(ratios)
	if n%2 == 1 {
		return ratios[n/2], true
	}
	return (ratios[n/2-1] + ratios[n/2]) / 2, true
}

// Forget drops the samples for token.
func (d *DeltaEstimator) Forget(token uint32) {
	d.mu.Lock()
	delete(d.series, token)
	d.mu.Unlock()
}
