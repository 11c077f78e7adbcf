// Package escrow holds milestone-scoped funds for active tenders and releases
// them once enough authorized parties have signed.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tenderguard/audit"
	"tenderguard/failure"
	"tenderguard/lockset"
	"tenderguard/metrics"
	"tenderguard/notify"
)

const (
	ActionFundsDeposited    = "FundsDeposited"
	ActionMilestoneHeld     = "MilestoneHeld"
	ActionSignatureAdded    = "SignatureAdded"
	ActionMilestoneReleased = "MilestoneReleased"
	ActionMilestoneRefunded = "MilestoneRefunded"
	ActionMilestoneDisputed = "MilestoneDisputed"
)

// Outcome is the state of a dispute as far as escrow cares.
type Outcome struct {
	TenderID string
	Resolved bool
	Upheld   bool
}

// DisputeGate answers whether releases of a tender are blocked and how a
// linked dispute ended.
type DisputeGate interface {
	IsBlocked(ctx context.Context, tenderID string) (bool, error)
	Outcome(ctx context.Context, disputeID string) (Outcome, error)
}

type Options struct {
	Chain    *audit.Chain
	Gate     DisputeGate
	Logger   *logrus.Entry
	Metrics  *metrics.Collector
	Notifier notify.Notifier
}

// Ledger serializes mutations per milestone and per account. Lock order is
// milestone before account; the gate is only consulted, never locked.
type Ledger struct {
	chain    *audit.Chain
	gate     DisputeGate
	log      *logrus.Entry
	metrics  *metrics.Collector
	notifier notify.Notifier
	locks    *lockset.Set

	mu         sync.RWMutex
	accounts   map[string]*Account
	milestones map[string]*Milestone
	byTender   map[string][]string
}

func NewLedger(opts Options) *Ledger {
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	return &Ledger{
		chain:      opts.Chain,
		gate:       opts.Gate,
		log:        opts.Logger.WithField("component", "escrow"),
		metrics:    opts.Metrics,
		notifier:   opts.Notifier,
		locks:      lockset.New(),
		accounts:   make(map[string]*Account),
		milestones: make(map[string]*Milestone),
		byTender:   make(map[string][]string),
	}
}

func accountKey(tenderID string) string { return "account:" + tenderID }
func milestoneKey(id string) string     { return "milestone:" + id }

// PrepareAccount validates an account plan without installing it, so the
// tender lifecycle can audit activation before the account exists.
func (l *Ledger) PrepareAccount(tenderID string, specs []MilestoneSpec, at time.Time) (Opening, error) {
	if tenderID == "" {
		return Opening{}, fmt.Errorf("escrow: tender id required: %w", failure.ErrInvalidInput)
	}
	if len(specs) == 0 {
		return Opening{}, fmt.Errorf("escrow: at least one milestone required: %w", failure.ErrInvalidInput)
	}
	l.mu.RLock()
	_, exists := l.accounts[tenderID]
	l.mu.RUnlock()
	if exists {
		return Opening{}, fmt.Errorf("escrow: account for tender %s already open: %w", tenderID, failure.ErrStageViolation)
	}

	op := Opening{Account: Account{TenderID: tenderID, OpenedAt: at, Version: 1}}
	for i, spec := range specs {
		if err := spec.validate(); err != nil {
			return Opening{}, fmt.Errorf("milestone %d: %w", i, err)
		}
		op.Milestones = append(op.Milestones, Milestone{
			ID:          uuid.NewString(),
			TenderID:    tenderID,
			Index:       i,
			Description: spec.Description,
			Amount:      spec.Amount,
			Required:    spec.Required,
			Signers:     append([]string(nil), spec.Signers...),
			Status:      MilestonePending,
			Version:     1,
		})
	}
	return op, nil
}

// OpenAccount installs a prepared plan.
func (l *Ledger) OpenAccount(op Opening) error {
	unlock := l.locks.Lock(accountKey(op.Account.TenderID))
	defer unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.accounts[op.Account.TenderID]; exists {
		return fmt.Errorf("escrow: account for tender %s already open: %w", op.Account.TenderID, failure.ErrStageViolation)
	}
	acct := op.Account
	l.accounts[acct.TenderID] = &acct
	ids := make([]string, 0, len(op.Milestones))
	for _, m := range op.Milestones {
		m := m.clone()
		l.milestones[m.ID] = &m
		ids = append(ids, m.ID)
	}
	l.byTender[acct.TenderID] = ids
	return nil
}

// CheckSeal reports whether every milestone of the tender is resolved.
func (l *Ledger) CheckSeal(tenderID string) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	acct, ok := l.accounts[tenderID]
	if !ok {
		return fmt.Errorf("escrow: no account for tender %s: %w", tenderID, failure.ErrNotFound)
	}
	if acct.Sealed() {
		return fmt.Errorf("escrow: account for tender %s sealed: %w", tenderID, failure.ErrStageViolation)
	}
	for _, id := range l.byTender[tenderID] {
		if m := l.milestones[id]; !m.Status.Resolved() {
			return fmt.Errorf("escrow: milestone %d is %s: %w", m.Index, m.Status, failure.ErrStageViolation)
		}
	}
	return nil
}

// Seal closes the account to further deposits. Funds never allocated to a
// paid milestone are returned, so a sealed account holds nothing available:
// committed = released + refunded. record is handed the final account and
// must persist it; the account is only replaced when record succeeds.
func (l *Ledger) Seal(tenderID string, at time.Time, record func(final Account) error) (Account, error) {
	unlock := l.locks.Lock(accountKey(tenderID))
	defer unlock()

	if err := l.CheckSeal(tenderID); err != nil {
		return Account{}, err
	}
	acct, err := l.account(tenderID)
	if err != nil {
		return Account{}, err
	}
	acct.Returned = acct.Available
	acct.Refunded += acct.Available
	acct.Available = 0
	acct.SealedAt = &at
	acct.Version++
	if record != nil {
		if err := record(acct); err != nil {
			return Account{}, err
		}
	}
	l.putAccount(acct)
	if acct.Returned > 0 {
		l.log.WithFields(logrus.Fields{"tender_id": tenderID, "returned": acct.Returned}).Info("unallocated funds returned")
	}
	return acct, nil
}

// Deposit adds funds to an open account.
func (l *Ledger) Deposit(ctx context.Context, actor, tenderID string, amount int64) (Account, error) {
	if amount <= 0 {
		return Account{}, fmt.Errorf("escrow: deposit must be positive: %w", failure.ErrInvalidInput)
	}
	unlock := l.locks.Lock(accountKey(tenderID))
	defer unlock()

	acct, err := l.openAccount(tenderID)
	if err != nil {
		return Account{}, err
	}
	if acct.Committed > math.MaxInt64-amount {
		return Account{}, fmt.Errorf("escrow: deposit overflows account: %w", failure.ErrInvalidInput)
	}

	entry, err := l.chain.Append(ctx, audit.Record{
		Actor:     actor,
		Action:    ActionFundsDeposited,
		EntityRef: audit.Ref("escrow", tenderID),
		Payload:   map[string]any{"amount": amount, "committed": acct.Committed + amount},
	})
	if err != nil {
		return Account{}, fmt.Errorf("escrow: deposit %s: %w", tenderID, err)
	}

	acct.Committed += amount
	acct.Available += amount
	acct.Version++
	l.putAccount(acct)
	l.log.WithFields(logrus.Fields{"tender_id": tenderID, "amount": amount, "seq": entry.Sequence}).Info("funds deposited")
	return acct, nil
}

// Hold earmarks a pending milestone's amount once its work is submitted.
func (l *Ledger) Hold(ctx context.Context, actor, milestoneID string) (Milestone, error) {
	unlockM := l.locks.Lock(milestoneKey(milestoneID))
	defer unlockM()

	m, err := l.milestone(milestoneID)
	if err != nil {
		return Milestone{}, err
	}
	if m.Status != MilestonePending {
		return Milestone{}, fmt.Errorf("escrow: hold milestone in status %s: %w", m.Status, failure.ErrStageViolation)
	}

	unlockA := l.locks.Lock(accountKey(m.TenderID))
	defer unlockA()
	acct, err := l.openAccount(m.TenderID)
	if err != nil {
		return Milestone{}, err
	}
	if acct.Available < m.Amount {
		return Milestone{}, fmt.Errorf("escrow: hold %d with %d available: %w", m.Amount, acct.Available, failure.ErrInsufficientFunds)
	}

	entry, err := l.chain.Append(ctx, audit.Record{
		Actor:     actor,
		Action:    ActionMilestoneHeld,
		EntityRef: audit.Ref("milestone", m.ID),
		Payload:   map[string]any{"tender_id": m.TenderID, "index": m.Index, "amount": m.Amount},
	})
	if err != nil {
		return Milestone{}, fmt.Errorf("escrow: hold %s: %w", m.ID, err)
	}

	now := entry.Timestamp
	m.Status = MilestoneHeld
	m.HeldAt = &now
	m.Version++
	acct.Available -= m.Amount
	acct.Held += m.Amount
	acct.Version++
	l.put(m, &acct)
	l.log.WithFields(logrus.Fields{"milestone_id": m.ID, "tender_id": m.TenderID, "seq": entry.Sequence}).Info("milestone held")
	return m.clone(), nil
}

// HoldByIndex holds the milestone at index of the tender's plan.
func (l *Ledger) HoldByIndex(ctx context.Context, actor, tenderID string, index int) (Milestone, error) {
	m, err := l.MilestoneByIndex(tenderID, index)
	if err != nil {
		return Milestone{}, err
	}
	return l.Hold(ctx, actor, m.ID)
}

// AddSignature records signer's approval and releases the milestone in the
// same critical section once quorum is reached and no dispute blocks it.
// Repeated signatures by the same party, or signatures on an already
// released milestone, change nothing and are not errors.
//
// Release is only attempted by the signature that is recorded. A milestone
// that reached quorum while blocked (SignatureResult.Blocked) stays Held
// after the dispute resolves until someone calls Release.
func (l *Ledger) AddSignature(ctx context.Context, milestoneID, signer string) (SignatureResult, error) {
	if signer == "" {
		return SignatureResult{}, fmt.Errorf("escrow: signer required: %w", failure.ErrInvalidInput)
	}
	unlockM := l.locks.Lock(milestoneKey(milestoneID))
	defer unlockM()

	m, err := l.milestone(milestoneID)
	if err != nil {
		return SignatureResult{}, err
	}
	switch m.Status {
	case MilestoneReleased:
		return l.signatureResult(m, false, false, false), nil
	case MilestoneHeld, MilestoneDisputed:
	default:
		return SignatureResult{}, fmt.Errorf("escrow: sign milestone in status %s: %w", m.Status, failure.ErrStageViolation)
	}
	if !m.maySign(signer) {
		return SignatureResult{}, fmt.Errorf("escrow: %s may not sign milestone %s: %w", signer, m.ID, failure.ErrUnauthorized)
	}
	if m.signedBy(signer) {
		return l.signatureResult(m, false, false, false), nil
	}

	entry, err := l.chain.Append(ctx, audit.Record{
		Actor:     signer,
		Action:    ActionSignatureAdded,
		EntityRef: audit.Ref("milestone", m.ID),
		Payload:   map[string]any{"tender_id": m.TenderID, "signatures": len(m.Signatures) + 1, "required": m.Required},
	})
	if err != nil {
		return SignatureResult{}, fmt.Errorf("escrow: sign %s: %w", m.ID, err)
	}
	m.Signatures = append(m.Signatures, Signature{Signer: signer, SignedAt: entry.Timestamp})
	m.Version++
	l.put(m, nil)
	l.metrics.Signature()
	l.log.WithFields(logrus.Fields{"milestone_id": m.ID, "signer": signer, "seq": entry.Sequence}).Info("signature added")

	if !m.QuorumMet() {
		return l.signatureResult(m, true, false, false), nil
	}
	if err := l.releasable(ctx, m); err != nil {
		if errors.Is(err, failure.ErrDisputeBlocking) {
			return l.signatureResult(m, true, false, true), nil
		}
		return l.signatureResult(m, true, false, false), err
	}
	released, err := l.release(ctx, signer, m)
	if err != nil {
		return l.signatureResult(m, true, false, false), err
	}
	return l.signatureResult(released, true, true, false), nil
}

func (l *Ledger) signatureResult(m Milestone, recorded, released, blocked bool) SignatureResult {
	missing := m.Required - len(m.Signatures)
	if missing < 0 || m.Status == MilestoneReleased {
		missing = 0
	}
	return SignatureResult{Milestone: m.clone(), Recorded: recorded, Released: released, Blocked: blocked, Missing: missing}
}

// Release pays out a held milestone that has reached quorum. Releasing an
// already released milestone returns it unchanged.
func (l *Ledger) Release(ctx context.Context, actor, milestoneID string) (Milestone, error) {
	unlockM := l.locks.Lock(milestoneKey(milestoneID))
	defer unlockM()

	m, err := l.milestone(milestoneID)
	if err != nil {
		return Milestone{}, err
	}
	if m.Status == MilestoneReleased {
		return m.clone(), nil
	}
	if !m.QuorumMet() {
		return Milestone{}, fmt.Errorf("escrow: release %s with %d of %d signatures: %w", m.ID, len(m.Signatures), m.Required, failure.ErrQuorumNotMet)
	}
	if err := l.releasable(ctx, m); err != nil {
		return Milestone{}, err
	}
	return l.release(ctx, actor, m)
}

// releasable checks everything except quorum.
func (l *Ledger) releasable(ctx context.Context, m Milestone) error {
	switch m.Status {
	case MilestoneHeld:
	case MilestoneDisputed:
		if l.gate == nil {
			return fmt.Errorf("escrow: milestone %s disputed: %w", m.ID, failure.ErrDisputeBlocking)
		}
		out, err := l.gate.Outcome(ctx, m.DisputeID)
		if err != nil {
			return fmt.Errorf("escrow: linked dispute of %s: %w", m.ID, err)
		}
		if !out.Resolved {
			return fmt.Errorf("escrow: milestone %s awaits dispute %s: %w", m.ID, m.DisputeID, failure.ErrDisputeBlocking)
		}
		if out.Upheld {
			return fmt.Errorf("escrow: dispute %s upheld against milestone %s, refund instead: %w", m.DisputeID, m.ID, failure.ErrStageViolation)
		}
	default:
		return fmt.Errorf("escrow: release milestone in status %s: %w", m.Status, failure.ErrStageViolation)
	}
	if l.gate != nil {
		blocked, err := l.gate.IsBlocked(ctx, m.TenderID)
		if err != nil {
			return fmt.Errorf("escrow: dispute check for %s: %w", m.TenderID, err)
		}
		if blocked {
			return fmt.Errorf("escrow: tender %s has open disputes: %w", m.TenderID, failure.ErrDisputeBlocking)
		}
	}
	return nil
}

// release must run under the milestone lock with m already validated.
func (l *Ledger) release(ctx context.Context, actor string, m Milestone) (Milestone, error) {
	unlockA := l.locks.Lock(accountKey(m.TenderID))
	defer unlockA()
	acct, err := l.account(m.TenderID)
	if err != nil {
		return Milestone{}, err
	}

	signers := make([]string, 0, len(m.Signatures))
	for _, s := range m.Signatures {
		signers = append(signers, s.Signer)
	}
	entry, err := l.chain.Append(ctx, audit.Record{
		Actor:     actor,
		Action:    ActionMilestoneReleased,
		EntityRef: audit.Ref("milestone", m.ID),
		Payload:   map[string]any{"tender_id": m.TenderID, "amount": m.Amount, "signers": signers},
	})
	if err != nil {
		return Milestone{}, fmt.Errorf("escrow: release %s: %w", m.ID, err)
	}

	now := entry.Timestamp
	m.Status = MilestoneReleased
	m.ResolvedAt = &now
	m.Version++
	acct.Held -= m.Amount
	acct.Released += m.Amount
	acct.Version++
	l.put(m, &acct)
	l.metrics.Release()
	l.log.WithFields(logrus.Fields{"milestone_id": m.ID, "tender_id": m.TenderID, "amount": m.Amount, "seq": entry.Sequence}).Info("milestone released")
	notify.Fire(ctx, l.notifier, l.log, notify.Event{
		Topic:     notify.TopicMilestoneReleased,
		EntityRef: entry.EntityRef,
		Actor:     actor,
		AuditSeq:  entry.Sequence,
		At:        now,
		Payload:   map[string]any{"tender_id": m.TenderID, "amount": m.Amount},
	})
	return m.clone(), nil
}

// Refund closes a milestone without paying it out. Held funds move to the
// refunded bucket; a pending milestone never held anything. Refunding an
// already refunded milestone returns it unchanged.
func (l *Ledger) Refund(ctx context.Context, actor, milestoneID, reason string) (Milestone, error) {
	if reason == "" {
		return Milestone{}, fmt.Errorf("escrow: refund reason required: %w", failure.ErrInvalidInput)
	}
	unlockM := l.locks.Lock(milestoneKey(milestoneID))
	defer unlockM()

	m, err := l.milestone(milestoneID)
	if err != nil {
		return Milestone{}, err
	}
	switch m.Status {
	case MilestoneRefunded:
		return m.clone(), nil
	case MilestonePending, MilestoneHeld, MilestoneDisputed:
	default:
		return Milestone{}, fmt.Errorf("escrow: refund milestone in status %s: %w", m.Status, failure.ErrStageViolation)
	}

	unlockA := l.locks.Lock(accountKey(m.TenderID))
	defer unlockA()
	acct, err := l.account(m.TenderID)
	if err != nil {
		return Milestone{}, err
	}
	var moved int64
	if m.Status != MilestonePending {
		moved = m.Amount
	}

	entry, err := l.chain.Append(ctx, audit.Record{
		Actor:     actor,
		Action:    ActionMilestoneRefunded,
		EntityRef: audit.Ref("milestone", m.ID),
		Payload:   map[string]any{"tender_id": m.TenderID, "amount": moved, "reason": reason, "from": string(m.Status)},
	})
	if err != nil {
		return Milestone{}, fmt.Errorf("escrow: refund %s: %w", m.ID, err)
	}

	now := entry.Timestamp
	m.Status = MilestoneRefunded
	m.RefundReason = reason
	m.ResolvedAt = &now
	m.Version++
	if moved > 0 {
		acct.Held -= moved
		acct.Refunded += moved
		acct.Version++
	}
	l.put(m, &acct)
	l.metrics.Refund()
	l.log.WithFields(logrus.Fields{"milestone_id": m.ID, "reason": reason, "seq": entry.Sequence}).Info("milestone refunded")
	notify.Fire(ctx, l.notifier, l.log, notify.Event{
		Topic:     notify.TopicMilestoneRefunded,
		EntityRef: entry.EntityRef,
		Actor:     actor,
		AuditSeq:  entry.Sequence,
		At:        now,
		Payload:   map[string]any{"tender_id": m.TenderID, "amount": moved, "reason": reason},
	})
	return m.clone(), nil
}

// Dispute links a held milestone to an open dispute of the same tender.
// The milestone cannot be released until that dispute is resolved.
func (l *Ledger) Dispute(ctx context.Context, actor, milestoneID, disputeID string) (Milestone, error) {
	if disputeID == "" {
		return Milestone{}, fmt.Errorf("escrow: dispute id required: %w", failure.ErrInvalidInput)
	}
	unlockM := l.locks.Lock(milestoneKey(milestoneID))
	defer unlockM()

	m, err := l.milestone(milestoneID)
	if err != nil {
		return Milestone{}, err
	}
	if m.Status == MilestoneDisputed && m.DisputeID == disputeID {
		return m.clone(), nil
	}
	if m.Status != MilestoneHeld {
		return Milestone{}, fmt.Errorf("escrow: dispute milestone in status %s: %w", m.Status, failure.ErrStageViolation)
	}
	if l.gate == nil {
		return Milestone{}, fmt.Errorf("escrow: no dispute gate: %w", failure.ErrNotFound)
	}
	out, err := l.gate.Outcome(ctx, disputeID)
	if err != nil {
		return Milestone{}, fmt.Errorf("escrow: dispute %s: %w", disputeID, err)
	}
	if out.TenderID != m.TenderID {
		return Milestone{}, fmt.Errorf("escrow: dispute %s belongs to another tender: %w", disputeID, failure.ErrInvalidInput)
	}
	if out.Resolved {
		return Milestone{}, fmt.Errorf("escrow: dispute %s already resolved: %w", disputeID, failure.ErrStageViolation)
	}

	entry, err := l.chain.Append(ctx, audit.Record{
		Actor:     actor,
		Action:    ActionMilestoneDisputed,
		EntityRef: audit.Ref("milestone", m.ID),
		Payload:   map[string]any{"tender_id": m.TenderID, "dispute_id": disputeID},
	})
	if err != nil {
		return Milestone{}, fmt.Errorf("escrow: dispute %s: %w", m.ID, err)
	}
	m.Status = MilestoneDisputed
	m.DisputeID = disputeID
	m.Version++
	l.put(m, nil)
	l.log.WithFields(logrus.Fields{"milestone_id": m.ID, "dispute_id": disputeID, "seq": entry.Sequence}).Info("milestone disputed")
	return m.clone(), nil
}

func (l *Ledger) Account(tenderID string) (Account, error) {
	return l.account(tenderID)
}

func (l *Ledger) Milestone(id string) (Milestone, error) {
	m, err := l.milestone(id)
	if err != nil {
		return Milestone{}, err
	}
	return m.clone(), nil
}

// Milestones lists a tender's milestones by index.
func (l *Ledger) Milestones(tenderID string) []Milestone {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Milestone, 0, len(l.byTender[tenderID]))
	for _, id := range l.byTender[tenderID] {
		out = append(out, l.milestones[id].clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

func (l *Ledger) MilestoneByIndex(tenderID string, index int) (Milestone, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, id := range l.byTender[tenderID] {
		if m := l.milestones[id]; m.Index == index {
			return m.clone(), nil
		}
	}
	return Milestone{}, fmt.Errorf("escrow: tender %s has no milestone %d: %w", tenderID, index, failure.ErrNotFound)
}

func (l *Ledger) Accounts() []Account {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Account, 0, len(l.accounts))
	for _, a := range l.accounts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenderID < out[j].TenderID })
	return out
}

func (l *Ledger) account(tenderID string) (Account, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	acct, ok := l.accounts[tenderID]
	if !ok {
		return Account{}, fmt.Errorf("escrow: no account for tender %s: %w", tenderID, failure.ErrNotFound)
	}
	return *acct, nil
}

// openAccount is account for mutations: a tender without an account is not
// active yet, and a sealed account takes no more funds.
func (l *Ledger) openAccount(tenderID string) (Account, error) {
	acct, err := l.account(tenderID)
	if err != nil {
		return Account{}, fmt.Errorf("escrow: tender %s is not active: %w", tenderID, failure.ErrStageViolation)
	}
	if acct.Sealed() {
		return Account{}, fmt.Errorf("escrow: account for tender %s sealed: %w", tenderID, failure.ErrStageViolation)
	}
	return acct, nil
}

func (l *Ledger) milestone(id string) (Milestone, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	m, ok := l.milestones[id]
	if !ok {
		return Milestone{}, fmt.Errorf("escrow: milestone %s: %w", id, failure.ErrNotFound)
	}
	return m.clone(), nil
}

// put swaps in new versions of a milestone and, optionally, its account.
func (l *Ledger) put(m Milestone, acct *Account) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m = m.clone()
	l.milestones[m.ID] = &m
	if acct != nil {
		a := *acct
		l.accounts[a.TenderID] = &a
	}
}

func (l *Ledger) putAccount(acct Account) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[acct.TenderID] = &acct
}
