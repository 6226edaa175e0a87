package redis

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"optiontrader/internal/metrics"
	"optiontrader/internal/model"
	"optiontrader/internal/ringbuf"
)

// BufferedPublisher wraps an event sink with a circuit breaker. While the
// breaker is open, events are kept in a bounded drop-oldest ring and
// replayed once a call succeeds again.
type BufferedPublisher struct {
	sink    model.EventSink
	cb      *CircuitBreaker
	buf     *ringbuf.Ring[model.Event]
	timeout time.Duration
	m       *metrics.Metrics

	flushMu sync.Mutex
	wg      sync.WaitGroup

	// OnFlush is called after buffered events were replayed.
	OnFlush func(count int)
}

// BufferConfig sizes the breaker and the backlog.
type BufferConfig struct {
	MaxFailures int           // consecutive failures before opening, default 5
	CoolDown    time.Duration // open duration before a probe, default 10s
	Capacity    int           // backlog size, default 10000
	Timeout     time.Duration // per-publish timeout, default 2s
}

// NewBufferedPublisher wraps sink. A nil m disables metrics.
func NewBufferedPublisher(sink model.EventSink, cfg BufferConfig, m *metrics.Metrics) *BufferedPublisher {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = 10 * time.Second
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 10000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if m == nil {
		m = metrics.Discard()
	}

	bp := &BufferedPublisher{
		sink:    sink,
		cb:      NewCircuitBreaker(cfg.MaxFailures, cfg.CoolDown),
		buf:     ringbuf.New[model.Event](cfg.Capacity),
		timeout: cfg.Timeout,
		m:       m,
	}
	bp.cb.OnStateChange = func(from, to State) {
		m.RedisCircuitBreakerState.Set(float64(to))
		log.Printf("[redis] circuit breaker %s -> %s", from, to)
		if to == StateOpen {
			m.RedisCircuitBreakerTrips.Inc()
		}
		if to == StateClosed {
			bp.wg.Add(1)
			go func() {
				defer bp.wg.Done()
				bp.flush()
			}()
		}
	}
	return bp
}

// Publish implements model.EventSink. Events rejected by an open breaker
// are buffered and nil is returned.
func (bp *BufferedPublisher) Publish(ctx context.Context, ev model.Event) error {
	err := bp.send(ctx, ev)
	if errors.Is(err, ErrCircuitOpen) {
		bp.buffer(ev)
		return nil
	}
	if err != nil {
		// Failed while closed: keep it for the replay too.
		bp.buffer(ev)
		return err
	}
	if bp.buf.Len() > 0 {
		bp.wg.Add(1)
		go func() {
			defer bp.wg.Done()
			bp.flush()
		}()
	}
	return nil
}

func (bp *BufferedPublisher) send(ctx context.Context, ev model.Event) error {
	return bp.cb.Execute(func() error {
		ctx, cancel := context.WithTimeout(ctx, bp.timeout)
		defer cancel()
		return bp.sink.Publish(ctx, ev)
	})
}

func (bp *BufferedPublisher) buffer(ev model.Event) {
	if bp.buf.Push(ev) {
		log.Printf("[redis] backlog full, dropped oldest buffered event")
	}
	bp.m.RedisBufferedWrites.Inc()
}

// flush replays the backlog until it is empty or a send fails.
func (bp *BufferedPublisher) flush() {
	bp.flushMu.Lock()
	defer bp.flushMu.Unlock()

	flushed := 0
	for {
		ev, ok := bp.buf.Pop()
		if !ok {
			break
		}
		if err := bp.send(context.Background(), ev); err != nil {
			bp.buf.Push(ev)
			log.Printf("[redis] backlog flush stopped after %d events: %v", flushed, err)
			break
		}
		flushed++
	}
	if flushed > 0 {
		log.Printf("[redis] flushed %d buffered events", flushed)
		if bp.OnFlush != nil {
			bp.OnFlush(flushed)
		}
	}
}

// PendingCount is the backlog size.
func (bp *BufferedPublisher) PendingCount() int {
	return bp.buf.Len()
}

// State returns the breaker state.
func (bp *BufferedPublisher) State() State {
	return bp.cb.CurrentState()
}

// Close waits for in-flight flushes.
func (bp *BufferedPublisher) Close() error {
	bp.wg.Wait()
	return nil
}
