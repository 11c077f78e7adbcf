package escrow

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"tenderguard/audit"
	"tenderguard/calendar"
)

type ledgerOp struct {
	Kind      int
	Milestone int
	Amount    int64
	Signer    int
}

func genOp() gopter.Gen {
	return gopter.CombineGens(
		gen.IntRange(0, 4),
		gen.IntRange(0, 3),
		gen.Int64Range(1, 500),
		gen.IntRange(0, 3),
	).Map(func(v []any) ledgerOp {
		return ledgerOp{Kind: v[0].(int), Milestone: v[1].(int), Amount: v[2].(int64), Signer: v[3].(int)}
	})
}

// Whatever mix of deposits, holds, signatures and refunds is applied, and
// whichever of them fail, every account stays balanced.
func TestEscrowConservationProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 60
	properties := gopter.NewProperties(parameters)

	properties.Property("committed equals available+held+released+refunded", prop.ForAll(
		func(ops []ledgerOp) bool {
			ctx := context.Background()
			chain, err := audit.NewChain(ctx, audit.NewMemoryStore(), audit.Options{Clock: calendar.NewManualClock(t0)})
			if err != nil {
				return false
			}
			defer chain.Close()
			l := NewLedger(Options{Chain: chain})

			specs := []MilestoneSpec{
				{Amount: 100, Required: 1},
				{Amount: 250, Required: 2},
				{Amount: 400, Required: 2},
				{Amount: 75, Required: 3},
			}
			plan, err := l.PrepareAccount("t1", specs, t0)
			if err != nil || l.OpenAccount(plan) != nil {
				return false
			}
			ms := l.Milestones("t1")

			for _, op := range ops {
				m := ms[op.Milestone]
				switch op.Kind {
				case 0:
					_, _ = l.Deposit(ctx, "buyer", "t1", op.Amount)
				case 1:
					_, _ = l.Hold(ctx, "buyer", m.ID)
				case 2:
					_, _ = l.AddSignature(ctx, m.ID, fmt.Sprintf("signer-%d", op.Signer))
				case 3:
					_, _ = l.Refund(ctx, "buyer", m.ID, "cancelled")
				case 4:
					_, _ = l.Release(ctx, "buyer", m.ID)
				}
				acct, err := l.Account("t1")
				if err != nil || !acct.Balanced() || acct.Available < 0 || acct.Held < 0 {
					return false
				}
			}

			var held, released int64
			for _, m := range l.Milestones("t1") {
				switch m.Status {
				case MilestoneHeld, MilestoneDisputed:
					held += m.Amount
				case MilestoneReleased:
					released += m.Amount
				}
			}
			acct, _ := l.Account("t1")
			return acct.Held == held && acct.Released == released
		},
		gen.SliceOf(genOp()),
	))

	properties.TestingRun(t)
}
