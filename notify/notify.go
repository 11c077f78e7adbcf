// Package notify delivers fire-and-forget notifications after committed
// transitions. Delivery failures are logged and never undo the transition.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	TopicTenderStageChanged = "tender.stage_changed"
	TopicMilestoneReleased  = "escrow.milestone_released"
	TopicMilestoneRefunded  = "escrow.milestone_refunded"
	TopicDisputeFiled       = "dispute.filed"
	TopicDisputeResolved    = "dispute.resolved"
)

// Event is what collaborators receive.
type Event struct {
	Topic     string         `json:"topic"`
	EntityRef string         `json:"entity_ref"`
	Actor     string         `json:"actor"`
	AuditSeq  uint64         `json:"audit_seq"`
	At        time.Time      `json:"at"`
	Payload   map[string]any `json:"payload,omitempty"`
}

type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Fire hands ev to n and logs instead of returning any failure.
func Fire(ctx context.Context, n Notifier, log *logrus.Entry, ev Event) {
	if n == nil {
		return
	}
	if err := n.Notify(ctx, ev); err != nil && log != nil {
		log.WithError(err).WithFields(logrus.Fields{
			"topic":  ev.Topic,
			"entity": ev.EntityRef,
		}).Warn("notification not delivered")
	}
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes events to a logrus entry.
type LogNotifier struct {
	Log *logrus.Entry
}

func (l LogNotifier) Notify(_ context.Context, ev Event) error {
	l.Log.WithFields(logrus.Fields{
		"topic":     ev.Topic,
		"entity":    ev.EntityRef,
		"actor":     ev.Actor,
		"audit_seq": ev.AuditSeq,
	}).Info("notification")
	return nil
}
