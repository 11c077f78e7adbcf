package dispute

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tenderguard/audit"
	"tenderguard/calendar"
	"tenderguard/commitment"
	"tenderguard/escrow"
	"tenderguard/failure"
	"tenderguard/tender"
)

func day(n int) time.Time {
	return time.Date(2026, 6, 5+n, 9, 0, 0, 0, time.UTC)
}

type world struct {
	gate   *Gate
	lc     *tender.Lifecycle
	ledger *escrow.Ledger
	chain  *audit.Chain
	clock  *calendar.ManualClock
}

// failingStore rejects appends of one action while failing is set.
type failingStore struct {
	audit.Store
	action  string
	failing atomic.Bool
}

func (s *failingStore) Append(ctx context.Context, e audit.Entry) error {
	if s.failing.Load() && e.Action == s.action {
		return errors.New("disk full")
	}
	return s.Store.Append(ctx, e)
}

func newWorld(t *testing.T) *world {
	t.Helper()
	return newWorldOn(t, audit.NewMemoryStore())
}

func newWorldOn(t *testing.T, store audit.Store) *world {
	t.Helper()
	clock := calendar.NewManualClock(day(1))
	chain, err := audit.NewChain(context.Background(), store, audit.Options{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(chain.Close)

	gate := NewGate(Options{Chain: chain})
	ledger := escrow.NewLedger(escrow.Options{Chain: chain, Gate: gate})
	lc := tender.NewLifecycle(tender.Options{
		Chain:    chain,
		Ledger:   ledger,
		Disputes: gate,
		Clock:    clock,
	})
	gate.Bind(lc, ledger)
	return &world{gate: gate, lc: lc, ledger: ledger, chain: chain, clock: clock}
}

// inNotice drives a tender with two bids to NoticeToAward on day 10.
func (w *world) inNotice(t *testing.T) tender.Tender {
	t.Helper()
	ctx := context.Background()
	tn, err := w.lc.Create(ctx, "officer", tender.Draft{
		Title:                 "School catering",
		OwnerRef:              "org-edu",
		ClosingAt:             day(10),
		ClarificationCutoffAt: day(3),
	})
	require.NoError(t, err)
	_, err = w.lc.Publish(ctx, "officer", tn.ID)
	require.NoError(t, err)

	var first string
	for _, party := range []string{"acme", "globex"} {
		sub, err := w.lc.Submit(ctx, tn.ID, tender.Bid{
			Party:         party,
			TechnicalHash: commitment.Digest([]byte(party + " tech")),
			FinancialHash: commitment.Digest([]byte(party + " price")),
		})
		require.NoError(t, err)
		if first == "" {
			first = sub.ID
		}
	}
	w.clock.Set(day(10))
	_, err = w.lc.CloseSubmissions(ctx, "officer", tn.ID)
	require.NoError(t, err)
	_, err = w.lc.LockTechnicalEvaluation(ctx, "officer", tn.ID)
	require.NoError(t, err)
	tn, err = w.lc.SetPreferredBidder(ctx, "officer", tn.ID, first)
	require.NoError(t, err)
	return tn
}

func TestFileDispute_OnlyDuringStandstill(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	tn, err := w.lc.Create(ctx, "officer", tender.Draft{Title: "x", OwnerRef: "o", ClosingAt: day(10), ClarificationCutoffAt: day(3)})
	require.NoError(t, err)

	_, err = w.gate.FileDispute(ctx, "globex", tn.ID, "unfair criteria")
	require.ErrorIs(t, err, failure.ErrWindowClosed)
	_, err = w.gate.FileDispute(ctx, "globex", "missing", "x")
	require.ErrorIs(t, err, failure.ErrNotFound)
	_, err = w.gate.FileDispute(ctx, "globex", tn.ID, "")
	require.ErrorIs(t, err, failure.ErrInvalidInput)
	require.Empty(t, w.gate.List(Filter{}))
}

func TestPendingDisputeBlocksAward(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	tn := w.inNotice(t)

	w.clock.Set(day(15))
	d, err := w.gate.FileDispute(ctx, "globex", tn.ID, "scoring error")
	require.NoError(t, err)
	require.Equal(t, StatusPending, d.Status)

	blocked, err := w.gate.IsBlocked(ctx, tn.ID)
	require.NoError(t, err)
	require.True(t, blocked)

	w.clock.Set(day(60))
	_, err = w.lc.ConfirmAward(ctx, "officer", tn.ID)
	require.ErrorIs(t, err, failure.ErrDisputeBlocking)

	d, err = w.gate.BeginReview(ctx, "adjudicator", d.ID)
	require.NoError(t, err)
	require.Equal(t, StatusUnderReview, d.Status)
	_, err = w.gate.BeginReview(ctx, "adjudicator", d.ID)
	require.ErrorIs(t, err, failure.ErrStageViolation)

	d, err = w.gate.Resolve(ctx, "adjudicator", d.ID, DecisionRejected)
	require.NoError(t, err)
	require.Equal(t, StatusResolvedRejected, d.Status)
	require.False(t, d.Reopened)
	_, err = w.gate.Resolve(ctx, "adjudicator", d.ID, DecisionUpheld)
	require.ErrorIs(t, err, failure.ErrStageViolation)

	got, err := w.lc.ConfirmAward(ctx, "officer", tn.ID)
	require.NoError(t, err)
	require.Equal(t, tender.StageAwarded, got.Stage)
}

func TestUpheldDisputeReopensEvaluation(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	tn := w.inNotice(t)

	d1, err := w.gate.FileDispute(ctx, "globex", tn.ID, "scoring error")
	require.NoError(t, err)
	d2, err := w.gate.FileDispute(ctx, "initech", tn.ID, "conflict of interest")
	require.NoError(t, err)

	d1, err = w.gate.Resolve(ctx, "adjudicator", d1.ID, DecisionUpheld)
	require.NoError(t, err)
	require.True(t, d1.Reopened)

	got, err := w.lc.Get(tn.ID)
	require.NoError(t, err)
	require.Equal(t, tender.StageEvaluation, got.Stage)
	require.Nil(t, got.StandstillEndAt)

	d2, err = w.gate.Resolve(ctx, "adjudicator", d2.ID, DecisionUpheld)
	require.NoError(t, err)
	require.False(t, d2.Reopened)
	require.Equal(t, StatusResolvedUpheld, d2.Status)

	resolved, err := w.chain.Query(ctx, audit.Filter{Action: ActionDisputeResolved})
	require.NoError(t, err)
	require.Len(t, resolved, 2)
	require.Contains(t, string(resolved[0].Payload), `"reopened":true`)
	require.Contains(t, string(resolved[0].Payload), `"previous_submission_id"`)
	require.Contains(t, string(resolved[1].Payload), `"reopened":false`)
	separate, err := w.chain.Query(ctx, audit.Filter{Action: tender.ActionTenderReopened})
	require.NoError(t, err)
	require.Empty(t, separate)

	_, err = w.gate.FileDispute(ctx, "globex", tn.ID, "again")
	require.ErrorIs(t, err, failure.ErrWindowClosed)
}

func TestUpheldResolve_FailedAppendKeepsTenderInStandstill(t *testing.T) {
	store := &failingStore{Store: audit.NewMemoryStore(), action: ActionDisputeResolved}
	w := newWorldOn(t, store)
	ctx := context.Background()
	tn := w.inNotice(t)

	d, err := w.gate.FileDispute(ctx, "globex", tn.ID, "scoring error")
	require.NoError(t, err)

	store.failing.Store(true)
	_, err = w.gate.Resolve(ctx, "adjudicator", d.ID, DecisionUpheld)
	require.ErrorIs(t, err, failure.ErrPersistence)

	got, err := w.lc.Get(tn.ID)
	require.NoError(t, err)
	require.Equal(t, tender.StageNoticeToAward, got.Stage)
	require.NotNil(t, got.StandstillEndAt)
	require.Equal(t, tn.PreferredSubmissionID, got.PreferredSubmissionID)
	d, err = w.gate.Get(d.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, d.Status)
	blocked, err := w.gate.IsBlocked(ctx, tn.ID)
	require.NoError(t, err)
	require.True(t, blocked)

	store.failing.Store(false)
	d, err = w.gate.Resolve(ctx, "adjudicator", d.ID, DecisionUpheld)
	require.NoError(t, err)
	require.True(t, d.Reopened)
	got, err = w.lc.Get(tn.ID)
	require.NoError(t, err)
	require.Equal(t, tender.StageEvaluation, got.Stage)

	bad, err := w.chain.Verify(ctx, 0, 0)
	require.NoError(t, err)
	require.Zero(t, bad)
}

func TestResolve_RejectsUnknownDecision(t *testing.T) {
	w := newWorld(t)
	tn := w.inNotice(t)
	d, err := w.gate.FileDispute(context.Background(), "globex", tn.ID, "x")
	require.NoError(t, err)
	_, err = w.gate.Resolve(context.Background(), "adjudicator", d.ID, Decision("maybe"))
	require.ErrorIs(t, err, failure.ErrInvalidInput)
}

func TestExecutionDisputeBlocksRelease(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	tn := w.inNotice(t)
	w.clock.Set(day(24))
	_, err := w.lc.ConfirmAward(ctx, "officer", tn.ID)
	require.NoError(t, err)

	_, err = w.gate.FileExecutionDispute(ctx, "acme", tn.ID, "m", "late payment")
	require.ErrorIs(t, err, failure.ErrWindowClosed)

	_, err = w.lc.Activate(ctx, "officer", tn.ID, []escrow.MilestoneSpec{{Amount: 100, Required: 1}})
	require.NoError(t, err)
	_, err = w.ledger.Deposit(ctx, "treasury", tn.ID, 100)
	require.NoError(t, err)
	m, err := w.lc.CompleteMilestone(ctx, "acme", tn.ID, 0)
	require.NoError(t, err)

	_, err = w.gate.FileExecutionDispute(ctx, "treasury", tn.ID, "other-milestone", "x")
	require.ErrorIs(t, err, failure.ErrNotFound)
	d, err := w.gate.FileExecutionDispute(ctx, "treasury", tn.ID, m.ID, "works incomplete")
	require.NoError(t, err)
	require.Equal(t, KindExecution, d.Kind)

	_, err = w.ledger.Dispute(ctx, "treasury", m.ID, d.ID)
	require.NoError(t, err)
	res, err := w.ledger.AddSignature(ctx, m.ID, "engineer")
	require.NoError(t, err)
	require.True(t, res.Blocked)

	out, err := w.gate.Outcome(ctx, d.ID)
	require.NoError(t, err)
	require.False(t, out.Resolved)

	_, err = w.gate.Resolve(ctx, "adjudicator", d.ID, DecisionRejected)
	require.NoError(t, err)
	released, err := w.ledger.Release(ctx, "engineer", m.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.MilestoneReleased, released.Status)

	got, err := w.lc.Get(tn.ID)
	require.NoError(t, err)
	require.Equal(t, tender.StageActive, got.Stage, "execution disputes never reopen a tender")
}

func TestList_Filters(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	tn := w.inNotice(t)
	d1, err := w.gate.FileDispute(ctx, "globex", tn.ID, "a")
	require.NoError(t, err)
	_, err = w.gate.FileDispute(ctx, "initech", tn.ID, "b")
	require.NoError(t, err)
	_, err = w.gate.Resolve(ctx, "adjudicator", d1.ID, DecisionRejected)
	require.NoError(t, err)

	require.Len(t, w.gate.List(Filter{TenderID: tn.ID}), 2)
	pending := w.gate.List(Filter{Status: StatusPending})
	require.Len(t, pending, 1)
	require.Equal(t, "initech", pending[0].Filer)
}
