package tender

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tenderguard/audit"
	"tenderguard/commitment"
	"tenderguard/failure"
)

// Bid carries the two commitments of a submission. Only digests cross this
// boundary; sealed content never does.
type Bid struct {
	Party         string `json:"party"`
	TechnicalHash string `json:"technical_hash"`
	FinancialHash string `json:"financial_hash"`
}

// Submit records a sealed bid while the tender is open and before closing.
func (l *Lifecycle) Submit(ctx context.Context, tenderID string, bid Bid) (commitment.Submission, error) {
	if bid.Party == "" {
		return commitment.Submission{}, fmt.Errorf("tender: submitting party required: %w", failure.ErrInvalidInput)
	}
	technical, err := commitment.ParseDigest(bid.TechnicalHash)
	if err != nil {
		return commitment.Submission{}, err
	}
	financial, err := commitment.ParseDigest(bid.FinancialHash)
	if err != nil {
		return commitment.Submission{}, err
	}

	unlock := l.locks.Lock(tenderID)
	defer unlock()

	t, err := l.get(tenderID)
	if err != nil {
		return commitment.Submission{}, err
	}
	if err := l.submissionWindow(t, "submit"); err != nil {
		return commitment.Submission{}, err
	}
	for _, sub := range l.commits.ListByTender(tenderID) {
		if sub.Party == bid.Party && sub.Active() {
			return commitment.Submission{}, fmt.Errorf("tender: %s already has bid %s for %s: %w", bid.Party, sub.ID, tenderID, failure.ErrDuplicateCommitment)
		}
	}

	id := uuid.NewString()
	now := l.clock.Now()
	entry, err := l.chain.Append(ctx, audit.Record{
		Actor:     bid.Party,
		Action:    ActionBidSubmitted,
		EntityRef: audit.Ref("submission", id),
		Payload: map[string]any{
			"tender_id":      tenderID,
			"technical_hash": technical,
			"financial_hash": financial,
		},
	})
	if err != nil {
		return commitment.Submission{}, fmt.Errorf("tender: submit to %s: %w", tenderID, err)
	}

	if _, err := l.commits.Create(id, tenderID, bid.Party, now); err != nil {
		return commitment.Submission{}, l.afterCommit(err, tenderID)
	}
	if err := l.commits.Commit(id, commitment.KindTechnical, technical, now); err != nil {
		return commitment.Submission{}, l.afterCommit(err, tenderID)
	}
	if err := l.commits.Commit(id, commitment.KindFinancial, financial, now); err != nil {
		return commitment.Submission{}, l.afterCommit(err, tenderID)
	}
	l.log.WithFields(logrus.Fields{"tender_id": tenderID, "submission_id": id, "party": bid.Party, "seq": entry.Sequence}).Info("bid submitted")
	return l.commits.Get(id)
}

// Withdraw takes a bid out of the competition while submissions are open.
// Only the submitting party may withdraw.
func (l *Lifecycle) Withdraw(ctx context.Context, actor, submissionID string) (commitment.Submission, error) {
	sub, err := l.commits.Get(submissionID)
	if err != nil {
		return commitment.Submission{}, err
	}
	unlock := l.locks.Lock(sub.TenderID)
	defer unlock()

	t, err := l.get(sub.TenderID)
	if err != nil {
		return commitment.Submission{}, err
	}
	if err := l.submissionWindow(t, "withdraw"); err != nil {
		return commitment.Submission{}, err
	}
	if actor != sub.Party {
		return commitment.Submission{}, fmt.Errorf("tender: %s may not withdraw bid of %s: %w", actor, sub.Party, failure.ErrUnauthorized)
	}
	if !sub.Active() {
		return commitment.Submission{}, fmt.Errorf("tender: bid %s already withdrawn: %w", submissionID, failure.ErrStageViolation)
	}

	now := l.clock.Now()
	entry, err := l.chain.Append(ctx, audit.Record{
		Actor:     actor,
		Action:    ActionBidWithdrawn,
		EntityRef: audit.Ref("submission", submissionID),
		Payload:   map[string]any{"tender_id": sub.TenderID},
	})
	if err != nil {
		return commitment.Submission{}, fmt.Errorf("tender: withdraw %s: %w", submissionID, err)
	}
	if err := l.commits.Withdraw(submissionID, now); err != nil {
		return commitment.Submission{}, l.afterCommit(err, sub.TenderID)
	}
	l.log.WithFields(logrus.Fields{"submission_id": submissionID, "seq": entry.Sequence}).Info("bid withdrawn")
	return l.commits.Get(submissionID)
}

func (l *Lifecycle) submissionWindow(t Tender, op string) error {
	if t.Stage != StageOpen {
		return fmt.Errorf("tender: %s in stage %s: %w", op, t.Stage, failure.ErrStageViolation)
	}
	if !l.clock.Now().Before(t.ClosingAt) {
		return fmt.Errorf("tender: %s after closing of %s: %w", op, t.ID, failure.ErrWindowClosed)
	}
	return nil
}

// RequestClarification records a bidder question before the clarification
// cutoff.
func (l *Lifecycle) RequestClarification(ctx context.Context, party, tenderID, question string) (Clarification, error) {
	if party == "" || question == "" {
		return Clarification{}, fmt.Errorf("tender: party and question required: %w", failure.ErrInvalidInput)
	}
	unlock := l.locks.Lock(tenderID)
	defer unlock()

	t, err := l.get(tenderID)
	if err != nil {
		return Clarification{}, err
	}
	if t.Stage != StageOpen {
		return Clarification{}, fmt.Errorf("tender: clarification in stage %s: %w", t.Stage, failure.ErrStageViolation)
	}
	now := l.clock.Now()
	if t.SubStage(now) != SubStageClarificationOpen {
		return Clarification{}, fmt.Errorf("tender: clarification period of %s ended: %w", tenderID, failure.ErrWindowClosed)
	}

	c := Clarification{ID: uuid.NewString(), TenderID: tenderID, Party: party, Question: question, AskedAt: now}
	entry, err := l.chain.Append(ctx, audit.Record{
		Actor:     party,
		Action:    ActionClarificationRequested,
		EntityRef: audit.Ref("tender", tenderID),
		Payload:   map[string]any{"clarification_id": c.ID, "question": question},
	})
	if err != nil {
		return Clarification{}, fmt.Errorf("tender: clarification for %s: %w", tenderID, err)
	}
	l.mu.Lock()
	l.clarifications[tenderID] = append(l.clarifications[tenderID], c)
	l.mu.Unlock()
	l.log.WithFields(logrus.Fields{"tender_id": tenderID, "seq": entry.Sequence}).Info("clarification requested")
	return c, nil
}

// ScoreTechnical records an evaluator's technical score before the lock.
func (l *Lifecycle) ScoreTechnical(ctx context.Context, actor, submissionID string, score float64) (commitment.Submission, error) {
	if score < 0 {
		return commitment.Submission{}, fmt.Errorf("tender: negative score: %w", failure.ErrInvalidInput)
	}
	sub, err := l.commits.Get(submissionID)
	if err != nil {
		return commitment.Submission{}, err
	}
	unlock := l.locks.Lock(sub.TenderID)
	defer unlock()

	t, err := l.get(sub.TenderID)
	if err != nil {
		return commitment.Submission{}, err
	}
	if t.Stage != StageEvaluation {
		return commitment.Submission{}, fmt.Errorf("tender: score in stage %s: %w", t.Stage, failure.ErrStageViolation)
	}
	if err := l.commits.CheckScore(submissionID); err != nil {
		return commitment.Submission{}, err
	}

	entry, err := l.chain.Append(ctx, audit.Record{
		Actor:     actor,
		Action:    ActionTechnicalScored,
		EntityRef: audit.Ref("submission", submissionID),
		Payload:   map[string]any{"tender_id": sub.TenderID, "score": score},
	})
	if err != nil {
		return commitment.Submission{}, fmt.Errorf("tender: score %s: %w", submissionID, err)
	}
	if err := l.commits.SetScore(submissionID, score); err != nil {
		return commitment.Submission{}, l.afterCommit(err, sub.TenderID)
	}
	l.log.WithFields(logrus.Fields{"submission_id": submissionID, "score": score, "seq": entry.Sequence}).Info("technical score recorded")
	return l.commits.Get(submissionID)
}

// Submissions lists bid metadata of a tender.
func (l *Lifecycle) Submissions(tenderID string) ([]commitment.Submission, error) {
	if _, err := l.get(tenderID); err != nil {
		return nil, err
	}
	return l.commits.ListByTender(tenderID), nil
}

func (l *Lifecycle) Clarifications(tenderID string) []Clarification {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Clarification(nil), l.clarifications[tenderID]...)
}

// afterCommit reports a store failure that happened after the audit entry
// was written. Validation runs first, so this indicates a bug.
func (l *Lifecycle) afterCommit(err error, tenderID string) error {
	l.log.WithError(err).WithField("tender_id", tenderID).Error("commitment store rejected an audited change")
	return err
}
