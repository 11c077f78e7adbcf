package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"tenderguard/audit"
	"tenderguard/calendar"
	"tenderguard/commitment"
	"tenderguard/config"
	"tenderguard/dispute"
	"tenderguard/engine"
	"tenderguard/escrow"
	"tenderguard/failure"
	"tenderguard/tender"
)

// day(10) is Monday 2026-06-15.
func day(n int) time.Time {
	return time.Date(2026, 6, 5+n, 9, 0, 0, 0, time.UTC)
}

// tamperStore rewrites one entry on the way out, as an attacker with write
// access to the storage would.
type tamperStore struct {
	*audit.MemoryStore
	mu     sync.Mutex
	target uint64
}

func (s *tamperStore) Range(ctx context.Context, from, to uint64) ([]audit.Entry, error) {
	entries, err := s.MemoryStore.Range(ctx, from, to)
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range entries {
		if entries[i].Sequence == s.target {
			entries[i].Actor = "someone-else"
		}
	}
	return entries, err
}

func (s *tamperStore) corrupt(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.target = seq
}

type fixture struct {
	e     *engine.Engine
	clock *calendar.ManualClock
	store *tamperStore
}

func newFixture(t *testing.T, mutate ...func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.Default()
	for _, m := range mutate {
		m(&cfg)
	}
	clock := calendar.NewManualClock(day(1))
	store := &tamperStore{MemoryStore: audit.NewMemoryStore()}
	e, err := engine.New(context.Background(), cfg, engine.Deps{
		Clock:  clock,
		Store:  store,
		Logger: engine.Discard(),
	})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return &fixture{e: e, clock: clock, store: store}
}

// noticed runs a tender through bidding to NoticeToAward on day 10 and
// returns it with the preferred and the losing submission.
func (f *fixture) noticed(t *testing.T) (tender.Tender, string, string) {
	t.Helper()
	ctx := context.Background()
	f.clock.Set(day(1))
	tn, err := f.e.Tenders.Create(ctx, "officer", tender.Draft{
		Title:                 "T1 water mains",
		OwnerRef:              "org-water",
		ClosingAt:             day(10),
		ClarificationCutoffAt: day(3),
	})
	require.NoError(t, err)
	_, err = f.e.Tenders.Publish(ctx, "officer", tn.ID)
	require.NoError(t, err)

	f.clock.Set(day(5))
	s1, err := f.e.Tenders.Submit(ctx, tn.ID, tender.Bid{
		Party:         "acme",
		TechnicalHash: commitment.Digest([]byte("acme technical")),
		FinancialHash: commitment.Digest([]byte("acme 1000")),
	})
	require.NoError(t, err)
	s2, err := f.e.Tenders.Submit(ctx, tn.ID, tender.Bid{
		Party:         "globex",
		TechnicalHash: commitment.Digest([]byte("globex technical")),
		FinancialHash: commitment.Digest([]byte("globex 900")),
	})
	require.NoError(t, err)

	f.clock.Set(day(10))
	_, err = f.e.Tenders.CloseSubmissions(ctx, "officer", tn.ID)
	require.NoError(t, err)
	_, err = f.e.Tenders.ScoreTechnical(ctx, "evaluator", s1.ID, 88)
	require.NoError(t, err)
	_, err = f.e.Tenders.ScoreTechnical(ctx, "evaluator", s2.ID, 71)
	require.NoError(t, err)
	_, err = f.e.Tenders.LockTechnicalEvaluation(ctx, "officer", tn.ID)
	require.NoError(t, err)
	tn, err = f.e.Tenders.SetPreferredBidder(ctx, "officer", tn.ID, s1.ID)
	require.NoError(t, err)
	return tn, s1.ID, s2.ID
}

func TestScenario_AwardThroughClose(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tn, _, s2 := f.noticed(t)
	require.Equal(t, tender.StageNoticeToAward, tn.Stage)
	standstillEnd := time.Date(2026, 6, 29, 9, 0, 0, 0, time.UTC)
	require.Equal(t, standstillEnd, *tn.StandstillEndAt)

	ok, err := f.e.Commitments.VerifyReveal(s2, commitment.KindFinancial, []byte("globex 900"))
	require.NoError(t, err)
	require.True(t, ok)

	f.clock.Set(day(15))
	d, err := f.e.Disputes.FileDispute(ctx, "globex", tn.ID, "scoring error")
	require.NoError(t, err)

	f.clock.Set(standstillEnd)
	_, err = f.e.Tenders.ConfirmAward(ctx, "officer", tn.ID)
	require.ErrorIs(t, err, failure.ErrDisputeBlocking)

	_, err = f.e.Disputes.BeginReview(ctx, "adjudicator", d.ID)
	require.NoError(t, err)
	_, err = f.e.Disputes.Resolve(ctx, "adjudicator", d.ID, dispute.DecisionRejected)
	require.NoError(t, err)

	tn, err = f.e.Tenders.ConfirmAward(ctx, "officer", tn.ID)
	require.NoError(t, err)
	require.Equal(t, tender.StageAwarded, tn.Stage)

	tn, err = f.e.Tenders.Activate(ctx, "officer", tn.ID, []escrow.MilestoneSpec{
		{Description: "trenching", Amount: 600, Required: 2, Signers: []string{"eng-1", "eng-2", "eng-3"}},
		{Description: "commissioning", Amount: 400, Required: 1},
	})
	require.NoError(t, err)
	require.Equal(t, tender.StageActive, tn.Stage)
	_, err = f.e.Escrow.Deposit(ctx, "treasury", tn.ID, 1000)
	require.NoError(t, err)

	m0, err := f.e.Tenders.CompleteMilestone(ctx, "acme", tn.ID, 0)
	require.NoError(t, err)
	res, err := f.e.Escrow.AddSignature(ctx, m0.ID, "eng-1")
	require.NoError(t, err)
	require.False(t, res.Released)
	require.Equal(t, 1, res.Missing)
	res, err = f.e.Escrow.AddSignature(ctx, m0.ID, "eng-2")
	require.NoError(t, err)
	require.True(t, res.Released)

	m1, err := f.e.Escrow.MilestoneByIndex(tn.ID, 1)
	require.NoError(t, err)
	_, err = f.e.Escrow.Refund(ctx, "officer", m1.ID, "scope cut")
	require.NoError(t, err)

	tn, err = f.e.Tenders.CloseTender(ctx, "officer", tn.ID)
	require.NoError(t, err)
	require.Equal(t, tender.StageClosed, tn.Stage)

	acct, err := f.e.Escrow.Account(tn.ID)
	require.NoError(t, err)
	require.True(t, acct.Balanced())
	require.True(t, acct.Settled())
	require.True(t, acct.Sealed())
	require.EqualValues(t, 600, acct.Released)
	require.EqualValues(t, 400, acct.Refunded)
	require.EqualValues(t, 400, acct.Returned)

	bad, err := f.e.Chain.Verify(ctx, 0, 0)
	require.NoError(t, err)
	require.Zero(t, bad)

	entries, err := f.e.Chain.Query(ctx, audit.Filter{EntityRef: audit.Ref("tender", tn.ID)})
	require.NoError(t, err)
	var actions []string
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	require.Equal(t, []string{
		tender.ActionTenderCreated,
		tender.ActionTenderPublished,
		tender.ActionSubmissionsClosed,
		tender.ActionTechnicalEvaluationLocked,
		tender.ActionPreferredBidderSet,
		tender.ActionAwardConfirmed,
		tender.ActionTenderActivated,
		tender.ActionTenderClosed,
	}, actions)
}

func TestScenario_TamperHaltsWrites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tn, _, _ := f.noticed(t)

	head, _ := f.e.Chain.Head()
	require.Greater(t, head, uint64(5))
	f.store.corrupt(3)

	bad, err := f.e.Chain.Verify(ctx, 0, 0)
	require.ErrorIs(t, err, failure.ErrChainIntegrity)
	require.Equal(t, uint64(3), bad)

	_, err = f.e.Disputes.FileDispute(ctx, "globex", tn.ID, "late")
	require.ErrorIs(t, err, failure.ErrChainIntegrity)
	require.Empty(t, f.e.Disputes.List(dispute.Filter{TenderID: tn.ID}))
}

func TestVerifyEvery_DetectsTamper(t *testing.T) {
	f := newFixture(t)
	f.noticed(t)
	f.store.corrupt(2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.e.VerifyEvery(ctx, 5*time.Millisecond)
	}()
	require.Eventually(t, func() bool { return f.e.Chain.Halted() == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestNew_HolidaysShiftStandstill(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Procurement.Holidays = []string{"2026-06-22"}
	})
	tn, _, _ := f.noticed(t)
	require.Equal(t, time.Date(2026, 6, 30, 9, 0, 0, 0, time.UTC), *tn.StandstillEndAt)
}

func TestNew_RejectsBadConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Procurement.Holidays = []string{"15/06/2026"}
	_, err := engine.New(context.Background(), cfg, engine.Deps{Logger: engine.Discard()})
	require.ErrorIs(t, err, failure.ErrInvalidInput)

	cfg = config.Default()
	cfg.Procurement.StandstillBusinessDays = 0
	_, err = engine.New(context.Background(), cfg, engine.Deps{Logger: engine.Discard()})
	require.ErrorIs(t, err, failure.ErrInvalidInput)
}

// A dispute filed at the same moment as the award confirmation either lands
// first and blocks the award, or arrives after the window closed.
func TestRace_FileDisputeVersusConfirmAward(t *testing.T) {
	for i := 0; i < 25; i++ {
		f := newFixture(t)
		ctx := context.Background()
		tn, _, _ := f.noticed(t)
		f.clock.Set(day(24))

		var filed, confirmed error
		var g errgroup.Group
		g.Go(func() error {
			_, filed = f.e.Disputes.FileDispute(ctx, "globex", tn.ID, "bias")
			return nil
		})
		g.Go(func() error {
			_, confirmed = f.e.Tenders.ConfirmAward(ctx, "officer", tn.ID)
			return nil
		})
		require.NoError(t, g.Wait())

		got, err := f.e.Tenders.Get(tn.ID)
		require.NoError(t, err)
		if filed == nil {
			require.ErrorIs(t, confirmed, failure.ErrDisputeBlocking)
			require.Equal(t, tender.StageNoticeToAward, got.Stage)
		} else {
			require.ErrorIs(t, filed, failure.ErrWindowClosed)
			require.NoError(t, confirmed)
			require.Equal(t, tender.StageAwarded, got.Stage)
		}
	}
}

// Upholding a dispute while the award is being confirmed never leaves the
// tender awarded.
func TestRace_UpheldResolveVersusConfirmAward(t *testing.T) {
	for i := 0; i < 25; i++ {
		f := newFixture(t)
		ctx := context.Background()
		tn, _, _ := f.noticed(t)
		f.clock.Set(day(12))
		d, err := f.e.Disputes.FileDispute(ctx, "globex", tn.ID, "bias")
		require.NoError(t, err)
		f.clock.Set(day(24))

		var g errgroup.Group
		g.Go(func() error {
			_, err := f.e.Disputes.Resolve(ctx, "adjudicator", d.ID, dispute.DecisionUpheld)
			return err
		})
		g.Go(func() error {
			_, err := f.e.Tenders.ConfirmAward(ctx, "officer", tn.ID)
			if err == nil {
				return failure.ErrStageViolation
			}
			return nil
		})
		require.NoError(t, g.Wait())

		got, err := f.e.Tenders.Get(tn.ID)
		require.NoError(t, err)
		require.Equal(t, tender.StageEvaluation, got.Stage)
		require.Empty(t, got.PreferredSubmissionID)
	}
}

func TestConcurrentSigners_ReleaseOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tn, _, _ := f.noticed(t)
	f.clock.Set(day(30))
	_, err := f.e.Tenders.ConfirmAward(ctx, "officer", tn.ID)
	require.NoError(t, err)
	signers := []string{"s1", "s2", "s3", "s4", "s5", "s6"}
	_, err = f.e.Tenders.Activate(ctx, "officer", tn.ID, []escrow.MilestoneSpec{{Amount: 500, Required: 3, Signers: signers}})
	require.NoError(t, err)
	_, err = f.e.Escrow.Deposit(ctx, "treasury", tn.ID, 500)
	require.NoError(t, err)
	m, err := f.e.Tenders.CompleteMilestone(ctx, "acme", tn.ID, 0)
	require.NoError(t, err)

	var g errgroup.Group
	for _, s := range signers {
		s := s
		g.Go(func() error {
			_, err := f.e.Escrow.AddSignature(ctx, m.ID, s)
			return err
		})
	}
	require.NoError(t, g.Wait())

	released, err := f.e.Chain.Query(ctx, audit.Filter{Action: escrow.ActionMilestoneReleased})
	require.NoError(t, err)
	require.Len(t, released, 1)
	acct, err := f.e.Escrow.Account(tn.ID)
	require.NoError(t, err)
	require.EqualValues(t, 500, acct.Released)
	require.True(t, acct.Balanced())
}
