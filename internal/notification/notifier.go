// Package notification provides alert delivery to external channels
// (Telegram, webhooks) for trading events.
package notification

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"optiontrader/internal/model"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert represents a notification to be sent.
type Alert struct {
	Level   AlertLevel `json:"level"`
	Title   string     `json:"title"`
	Message string     `json:"message"`
	Time    time.Time  `json:"time,omitempty"` // event time, zero for process alerts
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier is a simple notifier that logs alerts (useful for development).
type LogNotifier struct{}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	log.Printf("[notify] [%s] %s: %s", alert.Level, alert.Title, alert.Message)
	return nil
}

// Multi sends every alert to each backend and joins their errors.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Async queues alerts and delivers them from one goroutine so a slow
// backend never blocks the caller. Alerts are dropped when the queue is full.
type Async struct {
	next    Notifier
	queue   chan Alert
	timeout time.Duration
	wg      sync.WaitGroup
	once    sync.Once
}

// NewAsync starts a delivery goroutine in front of next.
func NewAsync(next Notifier, queueSize int, timeout time.Duration) *Async {
	if queueSize <= 0 {
		queueSize = 64
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	a := &Async{next: next, queue: make(chan Alert, queueSize), timeout: timeout}
	a.wg.Add(1)
	go a.run()
	return a
}

func (a *Async) run() {
	defer a.wg.Done()
	for alert := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.next.Send(ctx, alert); err != nil {
			log.Printf("[notify] delivery failed for %q: %v", alert.Title, err)
		}
		cancel()
	}
}

// Send enqueues the alert.
func (a *Async) Send(_ context.Context, alert Alert) error {
	select {
	case a.queue <- alert:
		return nil
	default:
		return fmt.Errorf("notify: queue full, dropped %q", alert.Title)
	}
}

// Close delivers queued alerts and stops the goroutine. Send must not be
// called after Close.
func (a *Async) Close() {
	a.once.Do(func() {
		close(a.queue)
		a.wg.Wait()
	})
}

// SignalAlert describes an emitted signal and the contract it maps to.
func SignalAlert(sig model.Signal, underlying, option string) Alert {
	return Alert{
		Level: AlertInfo,
		Title: fmt.Sprintf("%s signal on %s", sig.Type, underlying),
		Message: fmt.Sprintf("price %.2f at %s, contract %s",
			sig.Price, sig.Time.Format("2006-01-02 15:04"), option),
		Time: sig.Time,
	}
}

// ExitAlert describes a closed simulated position.
func ExitAlert(o model.OrderRecord) Alert {
	level := AlertInfo
	if o.PnL < 0 {
		level = AlertWarning
	}
	return Alert{
		Level: level,
		Title: fmt.Sprintf("Exit %s (%s)", o.InstrumentName, o.ExitReason),
		Message: fmt.Sprintf("entry %.2f exit %.2f lots %d pnl %.2f",
			o.EntryPrice, o.ExitPrice, o.FilledLots, o.PnL),
		Time: o.ExitTime,
	}
}
