package audit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tenderguard/calendar"
	"tenderguard/failure"
	"tenderguard/test/infra"
)

func TestPostgresStore_Integration(t *testing.T) {
	pool := infra.NewPool(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	store := NewPostgresStore(pool)
	clock := calendar.NewManualClock(time.Date(2026, 6, 15, 9, 0, 0, 123456789, time.UTC))
	c, err := NewChain(ctx, store, Options{Clock: clock})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		_, err := c.Append(ctx, Record{
			Actor:     "officer-1",
			Action:    "TenderPublished",
			EntityRef: Ref("tender", fmt.Sprintf("t%d", i%2)),
			Payload:   map[string]any{"title": "Road works", "i": i},
		})
		require.NoError(t, err)
	}
	c.Close()

	// a fresh chain resumes from the stored head and the stored bytes verify
	c, err = NewChain(ctx, store, Options{Clock: clock})
	require.NoError(t, err)
	defer c.Close()
	seq, _ := c.Head()
	require.Equal(t, uint64(5), seq)

	bad, err := c.Verify(ctx, 0, 0)
	require.NoError(t, err)
	require.Zero(t, bad)

	got, err := c.Query(ctx, Filter{EntityRef: Ref("tender", "t0")})
	require.NoError(t, err)
	require.Len(t, got, 3)

	// a second writer cannot fork the chain
	err = store.Append(ctx, Entry{Sequence: 3, Timestamp: clock.Now(), Actor: "x", Action: "y", EntityRef: "z", Payload: []byte("{}")})
	require.ErrorIs(t, err, ErrSequenceConflict)

	// the table rejects in-place mutation
	_, err = pool.Exec(ctx, `UPDATE audit_entries SET actor = 'intruder' WHERE seq = 2`)
	require.Error(t, err)

	// out-of-band tampering with the trigger disabled is detected
	_, err = pool.Exec(ctx, `ALTER TABLE audit_entries DISABLE TRIGGER audit_entries_no_mutation`)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `UPDATE audit_entries SET payload = convert_to('{"title":"Forged"}', 'UTF8') WHERE seq = 4`)
	require.NoError(t, err)

	bad, err = c.Verify(ctx, 0, 0)
	require.ErrorIs(t, err, failure.ErrChainIntegrity)
	require.Equal(t, uint64(4), bad)
}
