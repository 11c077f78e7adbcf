// Package oracles checks the invariants the stress test must never break,
// against the engine's own state and, when present, the database.
package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"tenderguard/audit"
	"tenderguard/engine"
	"tenderguard/escrow"
)

type Oracle struct {
	Name string
	// Check returns a description of the first violation, or "".
	Check func(ctx context.Context) (string, error)
}

// Engine returns the oracles over in-process state that hold at any instant.
func Engine(e *engine.Engine) []Oracle {
	return []Oracle{
		{Name: "O1_escrow_conservation", Check: func(context.Context) (string, error) {
			for _, a := range e.Escrow.Accounts() {
				if !a.Balanced() || a.Available < 0 || a.Held < 0 || (a.Sealed() && !a.Settled()) {
					return fmt.Sprintf("%+v", a), nil
				}
			}
			return "", nil
		}},
		{Name: "O2_single_release", Check: func(ctx context.Context) (string, error) {
			entries, err := e.Chain.Query(ctx, audit.Filter{Action: escrow.ActionMilestoneReleased})
			if err != nil {
				return "", err
			}
			seen := make(map[string]uint64, len(entries))
			for _, en := range entries {
				if prev, dup := seen[en.EntityRef]; dup {
					return fmt.Sprintf("%s released at %d and %d", en.EntityRef, prev, en.Sequence), nil
				}
				seen[en.EntityRef] = en.Sequence
			}
			return "", nil
		}},
		{Name: "O3_chain_verifies", Check: func(ctx context.Context) (string, error) {
			bad, err := e.Chain.Verify(ctx, 0, 0)
			if bad != 0 {
				return fmt.Sprintf("first bad entry %d: %v", bad, err), nil
			}
			return "", err
		}},
	}
}

// Quiescent returns the oracles that compare several entities and therefore
// need the actors stopped.
func Quiescent(e *engine.Engine) []Oracle {
	return []Oracle{
		{Name: "Q1_released_matches_milestones", Check: func(context.Context) (string, error) {
			for _, a := range e.Escrow.Accounts() {
				var released, held int64
				for _, m := range e.Escrow.Milestones(a.TenderID) {
					switch m.Status {
					case escrow.MilestoneReleased:
						released += m.Amount
					case escrow.MilestoneHeld, escrow.MilestoneDisputed:
						held += m.Amount
					}
				}
				if released != a.Released || held != a.Held {
					return fmt.Sprintf("tender %s: milestones released=%d held=%d, account %+v", a.TenderID, released, held, a), nil
				}
			}
			return "", nil
		}},
	}
}

// SQL returns the oracles over the PostgreSQL audit and outbox tables.
func SQL(pool *pgxpool.Pool) []Oracle {
	queries := []struct{ name, sql string }{
		{
			name: "S1_seq_gapless",
			sql: `WITH seqs AS (
                      SELECT seq, LAG(seq) OVER (ORDER BY seq) AS prev FROM audit_entries)
                  SELECT seq, prev FROM seqs WHERE prev IS NOT NULL AND seq <> prev + 1`,
		},
		{
			name: "S2_links_intact",
			sql: `SELECT a.seq FROM audit_entries a
                  JOIN audit_entries b ON b.seq = a.seq - 1
                  WHERE a.previous_hash <> b.hash`,
		},
		{
			name: "S3_append_only_trigger",
			sql: `SELECT 'missing_audit_entries_no_mutation' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'audit_entries_no_mutation')`,
		},
		{
			name: "S4_outbox_not_stale",
			sql: `SELECT id, topic FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
	}
	out := make([]Oracle, 0, len(queries))
	for _, q := range queries {
		q := q
		out = append(out, Oracle{Name: q.name, Check: func(ctx context.Context) (string, error) {
			rows, err := pool.Query(ctx, q.sql)
			if err != nil {
				return "", fmt.Errorf("oracle %s: %w", q.name, err)
			}
			defer rows.Close()
			if !rows.Next() {
				return "", rows.Err()
			}
			vals, err := rows.Values()
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%v", vals), nil
		}})
	}
	return out
}

// Run executes the oracles in order and returns the first failure (name and
// detail) or an empty name if all pass.
func Run(ctx context.Context, all []Oracle) (string, string, error) {
	for _, o := range all {
		detail, err := o.Check(ctx)
		if err != nil {
			return o.Name, "", err
		}
		if detail != "" {
			return o.Name, detail, nil
		}
	}
	return "", "", nil
}
