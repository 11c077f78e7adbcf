// Package actors holds the concurrent participants of the stress test. Each
// actor loops until stop closes, tolerating every rejection the engine is
// allowed to give and returning on anything else.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"tenderguard/dispute"
	"tenderguard/engine"
	"tenderguard/escrow"
	"tenderguard/failure"
)

// tolerate swallows expected domain rejections. Persistence failures are
// expected while chaos is injected.
func tolerate(who string, err error) error {
	if err == nil {
		return nil
	}
	switch failure.KindOf(err) {
	case failure.KindUnknown, failure.KindChainIntegrity:
		return fmt.Errorf("%s: %w", who, err)
	}
	return nil
}

func stopped(ctx context.Context, stop <-chan struct{}) (bool, error) {
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-stop:
		return true, nil
	default:
		return false, nil
	}
}

func pause(rng *rand.Rand, base, jitter int) {
	time.Sleep(time.Duration(base+rng.Intn(jitter)) * time.Millisecond)
}

func pick(rng *rand.Rand, ms []escrow.Milestone) (escrow.Milestone, bool) {
	if len(ms) == 0 {
		return escrow.Milestone{}, false
	}
	return ms[rng.Intn(len(ms))], true
}

// Contractor reports random milestones as complete, holding their amounts.
func Contractor(ctx context.Context, e *engine.Engine, tenderID string, milestones int, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		_, err := e.Tenders.CompleteMilestone(ctx, "contractor", tenderID, rng.Intn(milestones))
		if err := tolerate("contractor", err); err != nil {
			return err
		}
		pause(rng, 5, 15)
	}
}

// Signer keeps signing held milestones; the last signature needed releases.
func Signer(ctx context.Context, e *engine.Engine, name, tenderID string, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		if m, ok := pick(rng, e.Escrow.Milestones(tenderID)); ok {
			_, err := e.Escrow.AddSignature(ctx, m.ID, name)
			if err := tolerate("signer "+name, err); err != nil {
				return err
			}
		}
		pause(rng, 2, 10)
	}
}

// Treasury tops up the account and retries releases that signatures alone
// could not complete, e.g. while a dispute blocked them.
func Treasury(ctx context.Context, e *engine.Engine, tenderID string, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		if rng.Intn(4) == 0 {
			_, err := e.Escrow.Deposit(ctx, "treasury", tenderID, int64(50+rng.Intn(200)))
			if err := tolerate("treasury deposit", err); err != nil {
				return err
			}
		}
		if m, ok := pick(rng, e.Escrow.Milestones(tenderID)); ok {
			_, err := e.Escrow.Release(ctx, "treasury", m.ID)
			if err := tolerate("treasury release", err); err != nil {
				return err
			}
		}
		pause(rng, 10, 20)
	}
}

// Officer occasionally refunds a milestone that never started.
func Officer(ctx context.Context, e *engine.Engine, tenderID string, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		if m, ok := pick(rng, e.Escrow.Milestones(tenderID)); ok && m.Status == escrow.MilestonePending && rng.Intn(6) == 0 {
			_, err := e.Escrow.Refund(ctx, "officer", m.ID, "descoped")
			if err := tolerate("officer refund", err); err != nil {
				return err
			}
		}
		pause(rng, 40, 40)
	}
}

// Disputer raises execution disputes against held milestones and has them
// resolved shortly after, mostly rejected.
func Disputer(ctx context.Context, e *engine.Engine, tenderID string, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		m, ok := pick(rng, e.Escrow.Milestones(tenderID))
		if !ok || m.Status != escrow.MilestoneHeld {
			pause(rng, 10, 20)
			continue
		}
		d, err := e.Disputes.FileExecutionDispute(ctx, "contractor", tenderID, m.ID, "quality")
		if err != nil {
			if err := tolerate("disputer file", err); err != nil {
				return err
			}
			continue
		}
		_, err = e.Escrow.Dispute(ctx, "contractor", m.ID, d.ID)
		if err := tolerate("disputer link", err); err != nil {
			return err
		}
		pause(rng, 10, 30)

		decision := dispute.DecisionRejected
		if rng.Intn(4) == 0 {
			decision = dispute.DecisionUpheld
		}
		for {
			_, err = e.Disputes.Resolve(ctx, "adjudicator", d.ID, decision)
			if !errors.Is(err, failure.ErrPersistence) {
				break
			}
			if done, serr := stopped(ctx, stop); done {
				return serr
			}
		}
		if err := tolerate("disputer resolve", err); err != nil {
			return err
		}
		if decision == dispute.DecisionUpheld {
			_, err = e.Escrow.Refund(ctx, "officer", m.ID, "dispute upheld")
			if err := tolerate("disputer refund", err); err != nil {
				return err
			}
		}
		pause(rng, 20, 40)
	}
}

// OutboxWorker drains pending outbox rows with SKIP LOCKED, marking a few as
// failed attempts first.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			pause(rng, 50, 50)
			continue
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			pause(rng, 50, 50)
			continue
		}
		ids := make([]int64, 0, 10)
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err == nil {
				ids = append(ids, id)
			}
		}
		rows.Close()
		for _, id := range ids {
			if rng.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1 WHERE id = $1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status = 'processed', attempts = attempts + 1 WHERE id = $1`, id)
		}
		_ = tx.Commit(ctx)
		pause(rng, 50, 50)
	}
}
