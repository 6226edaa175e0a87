package pipeline

import (
	"context"
	"log"
	"runtime/debug"
	"time"

	"optiontrader/internal/model"
	"optiontrader/internal/ringbuf"
)

// lane is one instrument's bounded queue and its single consumer.
type lane struct {
	p     *Pipeline
	token uint32
	name  string
	ring  *ringbuf.Ring[model.Tick]
	batch []model.Tick
}

func newLane(p *Pipeline, token uint32) *lane {
	l := &lane{
		p:     p,
		token: token,
		ring:  ringbuf.New[model.Tick](p.cfg.LaneCapacity),
		batch: make([]model.Tick, 0, p.cfg.BatchSize),
	}
	if p.cfg.Resolve != nil {
		l.name = p.cfg.Resolve(token)
	}
	return l
}

func (l *lane) run(ctx context.Context) {
	defer l.p.laneWG.Done()

	ticker := time.NewTicker(l.p.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ring.Ready():
			l.drain(ctx)
		case <-ticker.C:
			l.flushAsync()
		case <-l.p.laneStop:
			l.drain(ctx)
			l.p.flush(l.token, l.batch)
			l.batch = nil
			return
		case <-ctx.Done():
			l.p.flush(l.token, l.batch)
			l.batch = nil
			return
		}
	}
}

func (l *lane) drain(ctx context.Context) {
	for {
		t, ok := l.ring.Pop()
		if !ok {
			return
		}
		l.process(ctx, t)
	}
}

func (l *lane) process(ctx context.Context, t model.Tick) {
	if !t.IsReplay && !t.ReceivedAt.IsZero() && t.Delay() > l.p.cfg.Staleness {
		l.p.metrics.StaleDrops.Inc()
		return
	}
	if t.Name == "" {
		t.Name = l.name
	}
	if !l.safeHandle(ctx, t) {
		return
	}
	l.batch = append(l.batch, t)
	if len(l.batch) >= l.p.cfg.BatchSize {
		l.flushAsync()
	}
}

// safeHandle runs the handler, recovering a panic so one bad tick cannot
// take the lane down. A panicking tick is not persisted.
func (l *lane) safeHandle(ctx context.Context, t model.Tick) (record bool) {
	defer func() {
		if r := recover(); r != nil {
			l.p.metrics.LanePanics.Inc()
			log.Printf("[pipeline] token=%d panic processing tick at %s: %v\n%s",
				l.token, t.TickTime.Format(time.RFC3339Nano), r, debug.Stack())
			record = false
		}
	}()
	return l.p.handle(ctx, t)
}

func (l *lane) flushAsync() {
	if len(l.batch) == 0 {
		return
	}
	out := l.batch
	l.batch = make([]model.Tick, 0, l.p.cfg.BatchSize)
	l.p.flushAsync(l.token, out)
}
