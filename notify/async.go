package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tenderguard/metrics"
)

// ErrQueueFull is returned when the async queue cannot take another event.
var ErrQueueFull = errors.New("notify: queue full")

// Async decouples callers from delivery latency: Notify only enqueues, and a
// background worker delivers to the wrapped notifier.
type Async struct {
	next    Notifier
	queue   chan Event
	log     *logrus.Entry
	metrics *metrics.Collector
	timeout time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

func NewAsync(next Notifier, size int, log *logrus.Entry, m *metrics.Collector) *Async {
	if size <= 0 {
		size = 256
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	a := &Async{
		next:    next,
		queue:   make(chan Event, size),
		log:     log.WithField("component", "notify"),
		metrics: m,
		timeout: 5 * time.Second,
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) Notify(_ context.Context, ev Event) error {
	select {
	case a.queue <- ev:
		return nil
	default:
		a.metrics.NotifyDropped()
		return ErrQueueFull
	}
}

func (a *Async) run() {
	defer close(a.done)
	for ev := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.next.Notify(ctx, ev); err != nil {
			a.metrics.NotifyDropped()
			a.log.WithError(err).WithField("topic", ev.Topic).Warn("notification delivery failed")
		}
		cancel()
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
// Notify must not be called after Close.
func (a *Async) Close() {
	a.closeOnce.Do(func() {
		close(a.queue)
		<-a.done
	})
}
