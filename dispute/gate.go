// Package dispute tracks challenges against tenders and blocks award
// confirmation and escrow releases while any of them is unresolved.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tenderguard/audit"
	"tenderguard/escrow"
	"tenderguard/failure"
	"tenderguard/lockset"
	"tenderguard/metrics"
	"tenderguard/notify"
	"tenderguard/tender"
)

const (
	ActionDisputeFiled         = "DisputeFiled"
	ActionDisputeReviewStarted = "DisputeReviewStarted"
	ActionDisputeResolved      = "DisputeResolved"
)

// Tenders is the part of the lifecycle the gate depends on.
type Tenders interface {
	Guard(ctx context.Context, tenderID string, fn func(tender.Tender) error) error
	ReopenForDispute(ctx context.Context, actor, tenderID, disputeID string, record func(facts map[string]any) (audit.Entry, error)) (tender.Tender, error)
}

// Milestones looks up escrow milestones for execution disputes.
type Milestones interface {
	Milestone(id string) (escrow.Milestone, error)
}

type Options struct {
	Chain    *audit.Chain
	Logger   *logrus.Entry
	Metrics  *metrics.Collector
	Notifier notify.Notifier
}

// Gate is safe for concurrent use. Resolution of a dispute may reopen its
// tender, so the lock order is dispute, then tender; gate.mu is a leaf.
type Gate struct {
	chain      *audit.Chain
	tenders    Tenders
	milestones Milestones
	log        *logrus.Entry
	metrics    *metrics.Collector
	notifier   notify.Notifier
	locks      *lockset.Set

	mu       sync.RWMutex
	disputes map[string]*Dispute
	byTender map[string][]string
}

func NewGate(opts Options) *Gate {
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	return &Gate{
		chain:    opts.Chain,
		log:      opts.Logger.WithField("component", "dispute"),
		metrics:  opts.Metrics,
		notifier: opts.Notifier,
		locks:    lockset.New(),
		disputes: make(map[string]*Dispute),
		byTender: make(map[string][]string),
	}
}

// Bind completes the wiring once the lifecycle and ledger exist, both of
// which consult the gate. It must be called before the gate serves any
// command; milestones may be nil when execution disputes are not linked to
// escrow.
func (g *Gate) Bind(t Tenders, milestones Milestones) {
	g.tenders = t
	g.milestones = milestones
}

// FileDispute challenges a tender during its standstill. Filing in any other
// stage fails with a closed window.
func (g *Gate) FileDispute(ctx context.Context, filer, tenderID, reason string) (Dispute, error) {
	if filer == "" || reason == "" {
		return Dispute{}, fmt.Errorf("dispute: filer and reason required: %w", failure.ErrInvalidInput)
	}
	var out Dispute
	err := g.tenders.Guard(ctx, tenderID, func(t tender.Tender) error {
		if t.Stage != tender.StageNoticeToAward {
			return fmt.Errorf("dispute: challenge window of %s is not open in stage %s: %w", tenderID, t.Stage, failure.ErrWindowClosed)
		}
		d, err := g.file(ctx, Dispute{TenderID: tenderID, Kind: KindAward, Filer: filer, Reason: reason})
		out = d
		return err
	})
	return out, err
}

// FileExecutionDispute raises a dispute about a milestone of an active
// tender. Until resolved it blocks every release of that tender.
func (g *Gate) FileExecutionDispute(ctx context.Context, filer, tenderID, milestoneID, reason string) (Dispute, error) {
	if filer == "" || reason == "" || milestoneID == "" {
		return Dispute{}, fmt.Errorf("dispute: filer, milestone and reason required: %w", failure.ErrInvalidInput)
	}
	var out Dispute
	err := g.tenders.Guard(ctx, tenderID, func(t tender.Tender) error {
		if t.Stage != tender.StageActive {
			return fmt.Errorf("dispute: tender %s is not in execution (stage %s): %w", tenderID, t.Stage, failure.ErrWindowClosed)
		}
		if g.milestones != nil {
			m, err := g.milestones.Milestone(milestoneID)
			if err != nil {
				return err
			}
			if m.TenderID != tenderID {
				return fmt.Errorf("dispute: milestone %s belongs to another tender: %w", milestoneID, failure.ErrInvalidInput)
			}
		}
		d, err := g.file(ctx, Dispute{TenderID: tenderID, Kind: KindExecution, MilestoneID: milestoneID, Filer: filer, Reason: reason})
		out = d
		return err
	})
	return out, err
}

func (g *Gate) file(ctx context.Context, d Dispute) (Dispute, error) {
	d.ID = uuid.NewString()
	d.Status = StatusPending
	d.Version = 1

	entry, err := g.chain.Append(ctx, audit.Record{
		Actor:     d.Filer,
		Action:    ActionDisputeFiled,
		EntityRef: audit.Ref("dispute", d.ID),
		Payload: map[string]any{
			"tender_id":    d.TenderID,
			"kind":         d.Kind,
			"milestone_id": d.MilestoneID,
			"reason":       d.Reason,
		},
	})
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: file against %s: %w", d.TenderID, err)
	}
	d.FiledAt = entry.Timestamp

	g.mu.Lock()
	stored := d.clone()
	g.disputes[d.ID] = &stored
	g.byTender[d.TenderID] = append(g.byTender[d.TenderID], d.ID)
	g.mu.Unlock()

	g.metrics.Dispute(string(d.Status))
	g.log.WithFields(logrus.Fields{"dispute_id": d.ID, "tender_id": d.TenderID, "kind": d.Kind, "seq": entry.Sequence}).Info("dispute filed")
	notify.Fire(ctx, g.notifier, g.log, notify.Event{
		Topic:     notify.TopicDisputeFiled,
		EntityRef: entry.EntityRef,
		Actor:     d.Filer,
		AuditSeq:  entry.Sequence,
		At:        entry.Timestamp,
		Payload:   map[string]any{"tender_id": d.TenderID, "kind": string(d.Kind)},
	})
	return d, nil
}

// BeginReview moves a pending dispute under review.
func (g *Gate) BeginReview(ctx context.Context, actor, disputeID string) (Dispute, error) {
	unlock := g.locks.Lock(disputeID)
	defer unlock()

	d, err := g.get(disputeID)
	if err != nil {
		return Dispute{}, err
	}
	if d.Status != StatusPending {
		return Dispute{}, fmt.Errorf("dispute: review %s in status %s: %w", disputeID, d.Status, failure.ErrStageViolation)
	}
	entry, err := g.chain.Append(ctx, audit.Record{
		Actor:     actor,
		Action:    ActionDisputeReviewStarted,
		EntityRef: audit.Ref("dispute", disputeID),
		Payload:   map[string]any{"tender_id": d.TenderID},
	})
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: review %s: %w", disputeID, err)
	}
	at := entry.Timestamp
	d.Status = StatusUnderReview
	d.ReviewStartedAt = &at
	d.Version++
	g.put(d)
	g.metrics.Dispute(string(d.Status))
	g.log.WithFields(logrus.Fields{"dispute_id": disputeID, "seq": entry.Sequence}).Info("dispute under review")
	return d, nil
}

// Resolve closes an open dispute. An upheld award dispute sends a tender
// still in its standstill back to evaluation. The reopen and the decision
// are committed by one audit entry appended under the tender lock, so the
// dispute never stops blocking a tender left in NoticeToAward.
func (g *Gate) Resolve(ctx context.Context, actor, disputeID string, decision Decision) (Dispute, error) {
	if _, err := ParseDecision(string(decision)); err != nil {
		return Dispute{}, err
	}
	unlock := g.locks.Lock(disputeID)
	defer unlock()

	d, err := g.get(disputeID)
	if err != nil {
		return Dispute{}, err
	}
	if !d.Status.Open() {
		return Dispute{}, fmt.Errorf("dispute: %s already %s: %w", disputeID, d.Status, failure.ErrStageViolation)
	}

	var (
		entry    audit.Entry
		reopened bool
		appended bool
	)
	if decision == DecisionUpheld && d.Kind == KindAward {
		_, err := g.tenders.ReopenForDispute(ctx, actor, d.TenderID, d.ID, func(facts map[string]any) (audit.Entry, error) {
			appended = true
			e, err := g.appendResolved(ctx, actor, d, decision, facts)
			entry = e
			return e, err
		})
		switch {
		case err == nil:
			reopened = true
		case !appended && errors.Is(err, failure.ErrStageViolation):
			// already left the standstill, e.g. reopened by another dispute
		default:
			return Dispute{}, err
		}
	}
	if !reopened {
		entry, err = g.appendResolved(ctx, actor, d, decision, nil)
		if err != nil {
			return Dispute{}, err
		}
	}

	at := entry.Timestamp
	d.Status = decision.status()
	d.Decision = decision
	d.ResolvedAt = &at
	d.ResolvedBy = actor
	d.Reopened = reopened
	d.Version++
	g.put(d)

	g.metrics.Dispute(string(d.Status))
	g.log.WithFields(logrus.Fields{
		"dispute_id": disputeID,
		"tender_id":  d.TenderID,
		"decision":   decision,
		"reopened":   reopened,
		"seq":        entry.Sequence,
	}).Info("dispute resolved")
	notify.Fire(ctx, g.notifier, g.log, notify.Event{
		Topic:     notify.TopicDisputeResolved,
		EntityRef: entry.EntityRef,
		Actor:     actor,
		AuditSeq:  entry.Sequence,
		At:        at,
		Payload:   map[string]any{"tender_id": d.TenderID, "decision": string(decision), "reopened": reopened},
	})
	return d, nil
}

// appendResolved records the decision. reopen carries the facts of a tender
// reopened by it, nil otherwise.
func (g *Gate) appendResolved(ctx context.Context, actor string, d Dispute, decision Decision, reopen map[string]any) (audit.Entry, error) {
	payload := map[string]any{
		"tender_id": d.TenderID,
		"decision":  decision,
		"reopened":  reopen != nil,
	}
	if reopen != nil {
		payload["reopen"] = reopen
	}
	entry, err := g.chain.Append(ctx, audit.Record{
		Actor:     actor,
		Action:    ActionDisputeResolved,
		EntityRef: audit.Ref("dispute", d.ID),
		Payload:   payload,
	})
	if err != nil {
		return audit.Entry{}, fmt.Errorf("dispute: resolve %s: %w", d.ID, err)
	}
	return entry, nil
}

// IsBlocked reports whether any dispute of the tender is pending or under
// review.
func (g *Gate) IsBlocked(_ context.Context, tenderID string) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, id := range g.byTender[tenderID] {
		if g.disputes[id].Status.Open() {
			return true, nil
		}
	}
	return false, nil
}

// Outcome reports how a dispute stands, for escrow releases linked to it.
func (g *Gate) Outcome(_ context.Context, disputeID string) (escrow.Outcome, error) {
	d, err := g.get(disputeID)
	if err != nil {
		return escrow.Outcome{}, err
	}
	return escrow.Outcome{
		TenderID: d.TenderID,
		Resolved: !d.Status.Open(),
		Upheld:   d.Status == StatusResolvedUpheld,
	}, nil
}

func (g *Gate) Get(disputeID string) (Dispute, error) {
	return g.get(disputeID)
}

// List returns matching disputes in filing order.
func (g *Gate) List(f Filter) []Dispute {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Dispute, 0, 8)
	for _, d := range g.disputes {
		if f.matches(d) {
			out = append(out, d.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FiledAt.Equal(out[j].FiledAt) {
			return out[i].FiledAt.Before(out[j].FiledAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (g *Gate) get(disputeID string) (Dispute, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.disputes[disputeID]
	if !ok {
		return Dispute{}, fmt.Errorf("dispute: %s: %w", disputeID, failure.ErrNotFound)
	}
	return d.clone(), nil
}

func (g *Gate) put(d Dispute) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d = d.clone()
	g.disputes[d.ID] = &d
}
