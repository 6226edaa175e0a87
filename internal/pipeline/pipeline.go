// Package pipeline routes ticks from a feed callback to per-instrument
// lanes.
//
// A single dispatcher drains the shared intake buffer and hands each tick to
// its instrument's lane. Every lane has exactly one consumer, so ticks of one
// instrument are processed strictly in arrival order and per-instrument
// state needs no locking. Lanes also batch ticks for the store.
package pipeline

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"optiontrader/internal/metrics"
	"optiontrader/internal/model"
)

// Handler processes one tick on its instrument's lane and reports whether
// the tick should be persisted.
type Handler func(ctx context.Context, t model.Tick) bool

// Config sizes the pipeline.
type Config struct {
	IntakeCapacity int
	LaneCapacity   int
	Staleness      time.Duration // receipt delay past trade time that drops a tick
	BatchSize      int
	FlushInterval  time.Duration
	FlushTimeout   time.Duration // per store write

	// Resolve names a token for tick persistence. Optional.
	Resolve func(token uint32) string
}

// DefaultConfig returns the stock sizing.
func DefaultConfig() Config {
	return Config{
		IntakeCapacity: 65536,
		LaneCapacity:   4096,
		Staleness:      8 * time.Second,
		BatchSize:      1000,
		FlushInterval:  2 * time.Second,
		FlushTimeout:   10 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.IntakeCapacity <= 0 {
		c.IntakeCapacity = d.IntakeCapacity
	}
	if c.LaneCapacity <= 0 {
		c.LaneCapacity = d.LaneCapacity
	}
	if c.Staleness <= 0 {
		c.Staleness = d.Staleness
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = d.FlushTimeout
	}
}

// Pipeline is the intake buffer, dispatcher and lane set.
type Pipeline struct {
	cfg     Config
	handle  Handler
	store   model.TickWriter
	metrics *metrics.Metrics

	intake chan model.Tick
	// mu orders Enqueue against Stop so no tick lands after the final drain.
	mu      sync.RWMutex
	stopped bool
	done    chan struct{} // closed by Stop

	lanes     map[uint32]*lane // dispatcher only
	laneCount atomic.Int64
	laneStop  chan struct{}

	startOnce  sync.Once
	stopOnce   sync.Once
	dispatchWG sync.WaitGroup
	laneWG     sync.WaitGroup
	flushWG    sync.WaitGroup
}

// New creates a pipeline. store may be nil, which disables persistence.
func New(cfg Config, handle Handler, store model.TickWriter, m *metrics.Metrics) *Pipeline {
	cfg.applyDefaults()
	if m == nil {
		m = metrics.Discard()
	}
	return &Pipeline{
		cfg:      cfg,
		handle:   handle,
		store:    store,
		metrics:  m,
		intake:   make(chan model.Tick, cfg.IntakeCapacity),
		done:     make(chan struct{}),
		lanes:    make(map[uint32]*lane),
		laneStop: make(chan struct{}),
	}
}

// Start launches the dispatcher. Lanes start lazily on their first tick.
// Cancelling ctx stops dispatching as Stop does, without the final wait.
func (p *Pipeline) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		p.dispatchWG.Add(1)
		go p.dispatch(ctx)
		log.Printf("[pipeline] started (intake=%d lane=%d batch=%d flush=%s stale=%s)",
			p.cfg.IntakeCapacity, p.cfg.LaneCapacity, p.cfg.BatchSize, p.cfg.FlushInterval, p.cfg.Staleness)
	})
}

// Enqueue submits a tick without blocking. It returns false, counting a
// drop, when the intake buffer is full or the pipeline is stopped. Safe for
// concurrent callers.
func (p *Pipeline) Enqueue(t model.Tick) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		p.metrics.IntakeDrops.Inc()
		return false
	}
	select {
	case p.intake <- t:
		p.metrics.TicksEnqueued.Inc()
		return true
	default:
		p.metrics.IntakeDrops.Inc()
		return false
	}
}

// Lanes returns the number of lanes started.
func (p *Pipeline) Lanes() int {
	return int(p.laneCount.Load())
}

// Stop drains the intake buffer into the lanes, lets every lane process
// what it holds, performs the final synchronous flushes and waits for
// in-flight flushes. Safe to call more than once.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		p.mu.Unlock()
		close(p.done)
		p.dispatchWG.Wait()

		close(p.laneStop)
		p.laneWG.Wait()
		p.flushWG.Wait()
		log.Printf("[pipeline] stopped (%d lanes)", p.Lanes())
	})
}

func (p *Pipeline) dispatch(ctx context.Context) {
	defer p.dispatchWG.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			p.drainIntake(ctx)
			return
		case t := <-p.intake:
			p.route(ctx, t)
		}
	}
}

func (p *Pipeline) drainIntake(ctx context.Context) {
	for {
		select {
		case t := <-p.intake:
			p.route(ctx, t)
		default:
			return
		}
	}
}

func (p *Pipeline) route(ctx context.Context, t model.Tick) {
	l, ok := p.lanes[t.Token]
	if !ok {
		l = newLane(p, t.Token)
		p.lanes[t.Token] = l
		p.laneCount.Add(1)
		p.metrics.ActiveLanes.Inc()
		p.laneWG.Add(1)
		go l.run(ctx)
	}
	if l.ring.Push(t) {
		p.metrics.LaneDrops.Inc()
	}
}

// flushAsync writes batch without blocking the lane.
func (p *Pipeline) flushAsync(token uint32, batch []model.Tick) {
	if p.store == nil || len(batch) == 0 {
		return
	}
	p.flushWG.Add(1)
	go func() {
		defer p.flushWG.Done()
		p.flush(token, batch)
	}()
}

func (p *Pipeline) flush(token uint32, batch []model.Tick) {
	if p.store == nil || len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.FlushTimeout)
	defer cancel()

	start := time.Now()
	err := p.store.WriteTicks(ctx, batch)
	p.metrics.FlushDur.Observe(time.Since(start).Seconds())
	if err != nil {
		p.metrics.FlushErrors.Inc()
		log.Printf("[pipeline] token=%d flush of %d ticks failed: %v", token, len(batch), err)
		return
	}
	p.metrics.BatchesFlushed.Inc()
}
