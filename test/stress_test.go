package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"tenderguard/audit"
	"tenderguard/calendar"
	"tenderguard/commitment"
	"tenderguard/config"
	"tenderguard/engine"
	"tenderguard/escrow"
	"tenderguard/tender"
	"tenderguard/test/actors"
	"tenderguard/test/chaos"
	"tenderguard/test/infra"
	"tenderguard/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 3*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 4, "number of signers and contractors")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flPostgres    = flag.Bool("postgres", false, "persist the audit chain in PostgreSQL (container or "+infra.DSNEnv+")")
	flChaos       = flag.Int("chaos", 5, "percent of audit appends that fail")
)

const milestones = 12

func TestEngineConcurrency(t *testing.T) {
	seed := *flSeed
	t.Logf("seed=%d", seed)

	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	var pool *pgxpool.Pool
	var base audit.Store = audit.NewMemoryStore()
	cfg := config.Default()
	if *flPostgres || os.Getenv(infra.DSNEnv) != "" {
		pool = infra.NewPool(t)
		base = audit.NewPostgresStore(pool)
		cfg.Notify.Outbox = true
		cfg.Database.URL = "postgres://provided-by-test"
	}
	store := chaos.NewFlakyStore(base, *flChaos, seed)

	clock := calendar.NewManualClock(time.Date(2026, 6, 6, 9, 0, 0, 0, time.UTC))
	e, err := engine.New(ctx, cfg, engine.Deps{
		Clock:  clock,
		Store:  store,
		Pool:   pool,
		Logger: engine.Discard(),
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	defer e.Close()

	tenderID := mustActivate(t, ctx, e, clock)

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})
	for i := 0; i < *flConcurrency; i++ {
		i := i
		g.Go(func() error { return actors.Contractor(ctx2, e, tenderID, milestones, seed+int64(i), stop) })
		g.Go(func() error {
			return actors.Signer(ctx2, e, fmt.Sprintf("signer-%d", i), tenderID, seed+100+int64(i), stop)
		})
	}
	g.Go(func() error { return actors.Treasury(ctx2, e, tenderID, seed+200, stop) })
	g.Go(func() error { return actors.Officer(ctx2, e, tenderID, seed+300, stop) })
	g.Go(func() error { return actors.Disputer(ctx2, e, tenderID, seed+400, stop) })
	if pool != nil {
		g.Go(func() error { return actors.OutboxWorker(ctx2, pool, seed+500, stop) })
	}

	checks := oracles.Engine(e)
	if pool != nil {
		checks = append(checks, oracles.SQL(pool)...)
	}

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx2.Done():
			break loop
		case <-ticker.C:
			name, detail, err := oracles.Run(ctx2, checks)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle %s error: %v", name, err)
			}
			if name != "" {
				close(stop)
				_ = g.Wait()
				t.Fatalf("oracle %s failed: %s (seed=%d)", name, detail, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("actors errored: %v (seed=%d)", err, seed)
	}

	final := append(oracles.Engine(e), oracles.Quiescent(e)...)
	if name, detail, err := oracles.Run(ctx, final); err != nil || name != "" {
		t.Fatalf("final oracle %s: %s %v (seed=%d)", name, detail, err, seed)
	}
	head, _ := e.Chain.Head()
	t.Logf("audit head=%d injected failures=%d", head, store.Injected.Load())
}

// mustActivate drives a single-bid tender into execution with an escrow plan
// of equal milestones. It retries steps that hit an injected failure.
func mustActivate(t *testing.T, ctx context.Context, e *engine.Engine, clock *calendar.ManualClock) string {
	t.Helper()
	retry := func(what string, fn func() error) {
		t.Helper()
		var err error
		for attempt := 0; attempt < 20; attempt++ {
			if err = fn(); err == nil || !errors.Is(err, chaos.ErrInjected) {
				break
			}
		}
		if err != nil {
			t.Fatalf("%s: %v", what, err)
		}
	}

	var tn tender.Tender
	retry("create", func() (err error) {
		tn, err = e.Tenders.Create(ctx, "officer", tender.Draft{
			Title:                 "Stress works",
			OwnerRef:              "org-stress",
			ClosingAt:             clock.Now().Add(72 * time.Hour),
			ClarificationCutoffAt: clock.Now().Add(24 * time.Hour),
		})
		return err
	})
	retry("publish", func() error { _, err := e.Tenders.Publish(ctx, "officer", tn.ID); return err })
	var sub commitment.Submission
	retry("submit", func() (err error) {
		sub, err = e.Tenders.Submit(ctx, tn.ID, tender.Bid{
			Party:         "contractor",
			TechnicalHash: commitment.Digest([]byte("method statement")),
			FinancialHash: commitment.Digest([]byte("price")),
		})
		return err
	})
	clock.Advance(96 * time.Hour)
	retry("close", func() error { _, err := e.Tenders.CloseSubmissions(ctx, "officer", tn.ID); return err })
	retry("lock", func() error { _, err := e.Tenders.LockTechnicalEvaluation(ctx, "officer", tn.ID); return err })
	retry("prefer", func() error { _, err := e.Tenders.SetPreferredBidder(ctx, "officer", tn.ID, sub.ID); return err })
	clock.Advance(30 * 24 * time.Hour)
	retry("award", func() error { _, err := e.Tenders.ConfirmAward(ctx, "officer", tn.ID); return err })

	signers := make([]string, *flConcurrency)
	for i := range signers {
		signers[i] = fmt.Sprintf("signer-%d", i)
	}
	required := min(2, len(signers))
	specs := make([]escrow.MilestoneSpec, milestones)
	for i := range specs {
		specs[i] = escrow.MilestoneSpec{Description: fmt.Sprintf("phase %d", i+1), Amount: 100, Required: required, Signers: signers}
	}
	retry("activate", func() error { _, err := e.Tenders.Activate(ctx, "officer", tn.ID, specs); return err })
	retry("deposit", func() error { _, err := e.Escrow.Deposit(ctx, "treasury", tn.ID, 400); return err })
	return tn.ID
}
