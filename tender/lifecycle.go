// Package tender drives a tender from draft to closure. Every command is
// validated against the stage allow-list, recorded in the audit chain and
// only then applied, all under the tender's lock.
package tender

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tenderguard/audit"
	"tenderguard/calendar"
	"tenderguard/commitment"
	"tenderguard/escrow"
	"tenderguard/failure"
	"tenderguard/lockset"
	"tenderguard/metrics"
	"tenderguard/notify"
)

const DefaultStandstillDays = 10

const (
	ActionTenderCreated             = "TenderCreated"
	ActionTenderPublished           = "TenderPublished"
	ActionSubmissionsClosed         = "SubmissionsClosed"
	ActionTechnicalEvaluationLocked = "TechnicalEvaluationLocked"
	ActionPreferredBidderSet        = "PreferredBidderSet"
	ActionAwardConfirmed            = "AwardConfirmed"
	ActionTenderActivated           = "TenderActivated"
	ActionTenderClosed              = "TenderClosed"
	ActionTenderReopened            = "TenderReopened"
	ActionBidSubmitted              = "BidSubmitted"
	ActionBidWithdrawn              = "BidWithdrawn"
	ActionClarificationRequested    = "ClarificationRequested"
	ActionTechnicalScored           = "TechnicalScored"
)

// DisputeChecker reports whether unresolved disputes block a tender.
type DisputeChecker interface {
	IsBlocked(ctx context.Context, tenderID string) (bool, error)
}

type Options struct {
	Chain          *audit.Chain
	Commitments    *commitment.Store
	Ledger         *escrow.Ledger
	Disputes       DisputeChecker
	Calendar       *calendar.Calendar
	Clock          calendar.Clock
	StandstillDays int
	Logger         *logrus.Entry
	Metrics        *metrics.Collector
	Notifier       notify.Notifier
}

type Lifecycle struct {
	chain      *audit.Chain
	commits    *commitment.Store
	ledger     *escrow.Ledger
	disputes   DisputeChecker
	cal        *calendar.Calendar
	clock      calendar.Clock
	standstill int
	log        *logrus.Entry
	metrics    *metrics.Collector
	notifier   notify.Notifier
	locks      *lockset.Set

	mu             sync.RWMutex
	tenders        map[string]*Tender
	clarifications map[string][]Clarification
}

func NewLifecycle(opts Options) *Lifecycle {
	if opts.Commitments == nil {
		opts.Commitments = commitment.NewStore()
	}
	if opts.Calendar == nil {
		opts.Calendar = calendar.New()
	}
	if opts.Clock == nil {
		opts.Clock = calendar.SystemClock()
	}
	if opts.StandstillDays <= 0 {
		opts.StandstillDays = DefaultStandstillDays
	}
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	return &Lifecycle{
		chain:          opts.Chain,
		commits:        opts.Commitments,
		ledger:         opts.Ledger,
		disputes:       opts.Disputes,
		cal:            opts.Calendar,
		clock:          opts.Clock,
		standstill:     opts.StandstillDays,
		log:            opts.Logger.WithField("component", "tender"),
		metrics:        opts.Metrics,
		notifier:       opts.Notifier,
		locks:          lockset.New(),
		tenders:        make(map[string]*Tender),
		clarifications: make(map[string][]Clarification),
	}
}

// Create registers a draft tender.
func (l *Lifecycle) Create(ctx context.Context, actor string, d Draft) (Tender, error) {
	if err := d.validate(); err != nil {
		return Tender{}, err
	}
	now := l.clock.Now()
	t := Tender{
		ID:                    uuid.NewString(),
		Title:                 d.Title,
		OwnerRef:              d.OwnerRef,
		Stage:                 StageDraft,
		CreatedAt:             now,
		ClosingAt:             d.ClosingAt.UTC(),
		ClarificationCutoffAt: d.ClarificationCutoffAt.UTC(),
		Version:               1,
	}
	unlock := l.locks.Lock(t.ID)
	defer unlock()

	entry, err := l.record(ctx, actor, ActionTenderCreated, t.ID, map[string]any{
		"title":                   t.Title,
		"owner_ref":               t.OwnerRef,
		"closing_at":              t.ClosingAt,
		"clarification_cutoff_at": t.ClarificationCutoffAt,
	})
	if err != nil {
		return Tender{}, err
	}
	l.put(t)
	l.log.WithFields(logrus.Fields{"tender_id": t.ID, "actor": actor, "seq": entry.Sequence}).Info("tender created")
	return t, nil
}

// Publish opens a draft for submissions.
func (l *Lifecycle) Publish(ctx context.Context, actor, tenderID string) (Tender, error) {
	unlock := l.locks.Lock(tenderID)
	defer unlock()

	t, next, err := l.load(tenderID, EventPublish)
	if err != nil {
		return Tender{}, err
	}
	now := l.clock.Now()
	if !t.ClosingAt.After(now) {
		return Tender{}, fmt.Errorf("tender: publish %s: closing time %s already passed: %w", tenderID, t.ClosingAt.Format(time.RFC3339), failure.ErrInvalidInput)
	}
	if !t.ClarificationCutoffAt.Before(t.ClosingAt) {
		return Tender{}, fmt.Errorf("tender: publish %s: clarification cutoff must precede closing: %w", tenderID, failure.ErrInvalidInput)
	}

	entry, err := l.record(ctx, actor, ActionTenderPublished, tenderID, map[string]any{
		"posted_at":               now,
		"closing_at":              t.ClosingAt,
		"clarification_cutoff_at": t.ClarificationCutoffAt,
	})
	if err != nil {
		return Tender{}, err
	}
	from := t.Stage
	t.Stage = next
	t.PostedAt = &now
	return l.commit(ctx, actor, from, t, entry), nil
}

// CloseSubmissions moves an open tender to evaluation once closing time has
// been reached.
func (l *Lifecycle) CloseSubmissions(ctx context.Context, actor, tenderID string) (Tender, error) {
	unlock := l.locks.Lock(tenderID)
	defer unlock()

	t, next, err := l.load(tenderID, EventCloseSubmissions)
	if err != nil {
		return Tender{}, err
	}
	now := l.clock.Now()
	if now.Before(t.ClosingAt) {
		return Tender{}, fmt.Errorf("tender: close %s before %s: %w", tenderID, t.ClosingAt.Format(time.RFC3339), failure.ErrStageViolation)
	}

	active := 0
	for _, sub := range l.commits.ListByTender(tenderID) {
		if sub.Active() {
			active++
		}
	}
	entry, err := l.record(ctx, actor, ActionSubmissionsClosed, tenderID, map[string]any{"submissions": active})
	if err != nil {
		return Tender{}, err
	}
	from := t.Stage
	t.Stage = next
	return l.commit(ctx, actor, from, t, entry), nil
}

// LockTechnicalEvaluation makes technical scores final. Calling it again
// once locked returns the tender unchanged.
func (l *Lifecycle) LockTechnicalEvaluation(ctx context.Context, actor, tenderID string) (Tender, error) {
	unlock := l.locks.Lock(tenderID)
	defer unlock()

	t, err := l.get(tenderID)
	if err != nil {
		return Tender{}, err
	}
	if t.TechnicalLocked {
		return t, nil
	}
	if t.Stage != StageEvaluation {
		return Tender{}, fmt.Errorf("tender: lock technical evaluation in stage %s: %w", t.Stage, failure.ErrStageViolation)
	}

	entry, err := l.record(ctx, actor, ActionTechnicalEvaluationLocked, tenderID, map[string]any{
		"scores": l.scores(tenderID),
	})
	if err != nil {
		return Tender{}, err
	}
	l.commits.LockTechnical(tenderID)
	t.TechnicalLocked = true
	t.Version++
	l.put(t)
	l.log.WithFields(logrus.Fields{"tender_id": tenderID, "actor": actor, "seq": entry.Sequence}).Info("technical evaluation locked")
	return t, nil
}

func (l *Lifecycle) scores(tenderID string) map[string]float64 {
	out := make(map[string]float64)
	for _, sub := range l.commits.ListByTender(tenderID) {
		if sub.Active() && sub.TechnicalScore != nil {
			out[sub.ID] = *sub.TechnicalScore
		}
	}
	return out
}

// SetPreferredBidder names the preferred submission, unseals the financial
// envelopes of every submission still in the competition and starts the
// standstill period.
func (l *Lifecycle) SetPreferredBidder(ctx context.Context, actor, tenderID, submissionID string) (Tender, error) {
	unlock := l.locks.Lock(tenderID)
	defer unlock()

	t, next, err := l.load(tenderID, EventSetPreferred)
	if err != nil {
		return Tender{}, err
	}
	if !t.TechnicalLocked {
		return Tender{}, fmt.Errorf("tender: preferred bidder for %s before technical lock: %w", tenderID, failure.ErrSealViolation)
	}
	preferred, err := l.commits.Get(submissionID)
	if err != nil {
		return Tender{}, err
	}
	if preferred.TenderID != tenderID {
		return Tender{}, fmt.Errorf("tender: submission %s is not a bid for %s: %w", submissionID, tenderID, failure.ErrInvalidInput)
	}
	if !preferred.Active() {
		return Tender{}, fmt.Errorf("tender: submission %s was withdrawn: %w", submissionID, failure.ErrStageViolation)
	}

	var unseal []string
	for _, sub := range l.commits.ListByTender(tenderID) {
		if sub.Active() && sub.FinancialSealed {
			unseal = append(unseal, sub.ID)
		}
	}
	if err := l.commits.CheckUnseal(unseal...); err != nil {
		return Tender{}, err
	}

	now := l.clock.Now()
	end := l.cal.AddBusinessDays(now, l.standstill)
	entry, err := l.record(ctx, actor, ActionPreferredBidderSet, tenderID, map[string]any{
		"submission_id":     submissionID,
		"unsealed":          unseal,
		"notice_at":         now,
		"standstill_end_at": end,
		"standstill_days":   l.standstill,
	})
	if err != nil {
		return Tender{}, err
	}
	if err := l.commits.Unseal(now, unseal...); err != nil {
		l.log.WithError(err).WithField("tender_id", tenderID).Error("unseal after commit")
		return Tender{}, err
	}
	from := t.Stage
	t.Stage = next
	t.PreferredSubmissionID = submissionID
	t.NoticeAt = &now
	t.StandstillEndAt = &end
	return l.commit(ctx, actor, from, t, entry), nil
}

// ConfirmAward ends the standstill. It fails while any dispute of the tender
// is unresolved or before the standstill end; when both hold the error
// matches both kinds.
func (l *Lifecycle) ConfirmAward(ctx context.Context, actor, tenderID string) (Tender, error) {
	unlock := l.locks.Lock(tenderID)
	defer unlock()

	t, next, err := l.load(tenderID, EventConfirmAward)
	if err != nil {
		return Tender{}, err
	}
	now := l.clock.Now()

	var gates []error
	if l.disputes != nil {
		blocked, err := l.disputes.IsBlocked(ctx, tenderID)
		if err != nil {
			return Tender{}, fmt.Errorf("tender: dispute check for %s: %w", tenderID, err)
		}
		if blocked {
			gates = append(gates, fmt.Errorf("tender: confirm award %s: %w", tenderID, failure.ErrDisputeBlocking))
		}
	}
	if t.StandstillEndAt == nil || now.Before(*t.StandstillEndAt) {
		gates = append(gates, fmt.Errorf("tender: confirm award %s before %s: %w", tenderID, formatTime(t.StandstillEndAt), failure.ErrStandstillNotElapsed))
	}
	if len(gates) > 0 {
		return Tender{}, errors.Join(gates...)
	}

	entry, err := l.record(ctx, actor, ActionAwardConfirmed, tenderID, map[string]any{
		"submission_id": t.PreferredSubmissionID,
		"awarded_at":    now,
	})
	if err != nil {
		return Tender{}, err
	}
	from := t.Stage
	t.Stage = next
	t.AwardedAt = &now
	return l.commit(ctx, actor, from, t, entry), nil
}

// Activate starts contract execution and opens the escrow account with the
// given milestones.
func (l *Lifecycle) Activate(ctx context.Context, actor, tenderID string, milestones []escrow.MilestoneSpec) (Tender, error) {
	unlock := l.locks.Lock(tenderID)
	defer unlock()

	t, next, err := l.load(tenderID, EventActivate)
	if err != nil {
		return Tender{}, err
	}
	if l.ledger == nil {
		return Tender{}, fmt.Errorf("tender: no escrow ledger configured: %w", failure.ErrInvalidInput)
	}
	now := l.clock.Now()
	plan, err := l.ledger.PrepareAccount(tenderID, milestones, now)
	if err != nil {
		return Tender{}, err
	}

	entry, err := l.record(ctx, actor, ActionTenderActivated, tenderID, map[string]any{
		"milestones": plan.Milestones,
	})
	if err != nil {
		return Tender{}, err
	}
	if err := l.ledger.OpenAccount(plan); err != nil {
		l.log.WithError(err).WithField("tender_id", tenderID).Error("open escrow after commit")
		return Tender{}, err
	}
	from := t.Stage
	t.Stage = next
	return l.commit(ctx, actor, from, t, entry), nil
}

// CompleteMilestone reports the work of a milestone as done, which holds its
// amount in escrow pending signatures.
func (l *Lifecycle) CompleteMilestone(ctx context.Context, actor, tenderID string, index int) (escrow.Milestone, error) {
	unlock := l.locks.Lock(tenderID)
	defer unlock()

	t, err := l.get(tenderID)
	if err != nil {
		return escrow.Milestone{}, err
	}
	if t.Stage != StageActive {
		return escrow.Milestone{}, fmt.Errorf("tender: complete milestone in stage %s: %w", t.Stage, failure.ErrStageViolation)
	}
	return l.ledger.HoldByIndex(ctx, actor, tenderID, index)
}

// CloseTender closes an active tender once every milestone is released or
// refunded, and seals its escrow account.
func (l *Lifecycle) CloseTender(ctx context.Context, actor, tenderID string) (Tender, error) {
	unlock := l.locks.Lock(tenderID)
	defer unlock()

	t, next, err := l.load(tenderID, EventClose)
	if err != nil {
		return Tender{}, err
	}
	now := l.clock.Now()
	var entry audit.Entry
	_, err = l.ledger.Seal(tenderID, now, func(acct escrow.Account) error {
		var err error
		entry, err = l.record(ctx, actor, ActionTenderClosed, tenderID, map[string]any{
			"committed": acct.Committed,
			"released":  acct.Released,
			"refunded":  acct.Refunded,
			"returned":  acct.Returned,
		})
		return err
	})
	if err != nil {
		return Tender{}, err
	}
	from := t.Stage
	t.Stage = next
	t.CompletedAt = &now
	return l.commit(ctx, actor, from, t, entry), nil
}

// ReopenForDispute returns a tender in its standstill to evaluation after a
// dispute against it was upheld. The notice and standstill are cleared.
//
// record, when given, appends the one audit entry that commits the reopen
// together with the caller's own change; it receives the facts of the
// reopen to carry in that entry. It runs under the tender lock, and nothing
// is mutated when it fails. A nil record audits the reopen on its own.
func (l *Lifecycle) ReopenForDispute(ctx context.Context, actor, tenderID, disputeID string, record func(facts map[string]any) (audit.Entry, error)) (Tender, error) {
	unlock := l.locks.Lock(tenderID)
	defer unlock()

	t, next, err := l.load(tenderID, EventReopen)
	if err != nil {
		return Tender{}, err
	}
	facts := map[string]any{
		"dispute_id":              disputeID,
		"previous_submission_id":  t.PreferredSubmissionID,
		"previous_notice_at":      t.NoticeAt,
		"previous_standstill_end": t.StandstillEndAt,
	}
	var entry audit.Entry
	if record == nil {
		entry, err = l.record(ctx, actor, ActionTenderReopened, tenderID, facts)
	} else {
		entry, err = record(facts)
	}
	if err != nil {
		return Tender{}, err
	}
	from := t.Stage
	t.Stage = next
	t.NoticeAt = nil
	t.StandstillEndAt = nil
	t.PreferredSubmissionID = ""
	return l.commit(ctx, actor, from, t, entry), nil
}

// Guard runs fn with the tender locked, so fn observes a stage that cannot
// change until it returns. fn must not call back into the lifecycle for the
// same tender.
func (l *Lifecycle) Guard(ctx context.Context, tenderID string, fn func(Tender) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := l.locks.Lock(tenderID)
	defer unlock()
	t, err := l.get(tenderID)
	if err != nil {
		return err
	}
	return fn(t)
}

func (l *Lifecycle) Get(tenderID string) (Tender, error) {
	return l.get(tenderID)
}

// List returns matching tenders, oldest first.
func (l *Lifecycle) List(f Filter) []Tender {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Tender, 0, len(l.tenders))
	for _, t := range l.tenders {
		if f.matches(t) {
			out = append(out, t.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// SubStage reports the clarification state of an open tender right now.
func (l *Lifecycle) SubStage(tenderID string) (SubStage, error) {
	t, err := l.get(tenderID)
	if err != nil {
		return SubStageNone, err
	}
	return t.SubStage(l.clock.Now()), nil
}

func (l *Lifecycle) Now() time.Time { return l.clock.Now() }

// load fetches the tender and resolves the transition for ev.
func (l *Lifecycle) load(tenderID string, ev Event) (Tender, Stage, error) {
	t, err := l.get(tenderID)
	if err != nil {
		return Tender{}, "", err
	}
	next, err := Next(t.Stage, ev)
	if err != nil {
		return Tender{}, "", err
	}
	return t, next, nil
}

func (l *Lifecycle) get(tenderID string) (Tender, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.tenders[tenderID]
	if !ok {
		return Tender{}, fmt.Errorf("tender: %s: %w", tenderID, failure.ErrNotFound)
	}
	return t.clone(), nil
}

func (l *Lifecycle) put(t Tender) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t = t.clone()
	l.tenders[t.ID] = &t
}

func (l *Lifecycle) record(ctx context.Context, actor, action, tenderID string, payload map[string]any) (audit.Entry, error) {
	entry, err := l.chain.Append(ctx, audit.Record{
		Actor:     actor,
		Action:    action,
		EntityRef: audit.Ref("tender", tenderID),
		Payload:   payload,
	})
	if err != nil {
		return audit.Entry{}, fmt.Errorf("tender: %s %s: %w", action, tenderID, err)
	}
	return entry, nil
}

// commit stores t after a stage change that entry already recorded.
func (l *Lifecycle) commit(ctx context.Context, actor string, from Stage, t Tender, entry audit.Entry) Tender {
	t.Version++
	l.put(t)
	l.metrics.Transition(string(from), string(t.Stage))
	l.log.WithFields(logrus.Fields{
		"tender_id": t.ID,
		"from":      from,
		"to":        t.Stage,
		"actor":     actor,
		"seq":       entry.Sequence,
	}).Info("tender transition")
	notify.Fire(ctx, l.notifier, l.log, notify.Event{
		Topic:     notify.TopicTenderStageChanged,
		EntityRef: entry.EntityRef,
		Actor:     actor,
		AuditSeq:  entry.Sequence,
		At:        entry.Timestamp,
		Payload:   map[string]any{"from": string(from), "to": string(t.Stage), "action": entry.Action},
	})
	return t
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "unset"
	}
	return t.Format(time.RFC3339)
}
