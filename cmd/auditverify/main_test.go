package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"tenderguard/audit"
)

// corruptingStore serves a rewritten payload for one entry.
type corruptingStore struct {
	*audit.MemoryStore
	seq uint64
}

func (s corruptingStore) Range(ctx context.Context, from, to uint64) ([]audit.Entry, error) {
	entries, err := s.MemoryStore.Range(ctx, from, to)
	for i := range entries {
		if entries[i].Sequence == s.seq {
			entries[i].Payload = []byte(`{"amount":1}`)
		}
	}
	return entries, err
}

func seed(t *testing.T, n int) *audit.MemoryStore {
	t.Helper()
	store := audit.NewMemoryStore()
	chain, err := audit.NewChain(context.Background(), store, audit.Options{})
	require.NoError(t, err)
	defer chain.Close()
	for i := 0; i < n; i++ {
		_, err := chain.Append(context.Background(), audit.Record{
			Actor:     "treasury",
			Action:    "FundsDeposited",
			EntityRef: audit.Ref("escrow", "t1"),
			Payload:   map[string]any{"amount": 100 + i},
		})
		require.NoError(t, err)
	}
	return store
}

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(&bytes.Buffer{})
	return logrus.NewEntry(l)
}

func TestVerify_Intact(t *testing.T) {
	var out bytes.Buffer
	code := verify(context.Background(), seed(t, 4), 0, 0, quietLog(), &out)
	require.Equal(t, exitOK, code)
	require.True(t, strings.HasPrefix(out.String(), "ok: entries 1..4"), out.String())
}

func TestVerify_ReportsFirstBadEntry(t *testing.T) {
	var out bytes.Buffer
	store := corruptingStore{MemoryStore: seed(t, 5), seq: 3}
	code := verify(context.Background(), store, 0, 0, quietLog(), &out)
	require.Equal(t, exitBroken, code)
	require.Contains(t, out.String(), "BROKEN at entry 3")

	out.Reset()
	require.Equal(t, exitOK, verify(context.Background(), store, 4, 5, quietLog(), &out))
}

func TestRun_NeedsDatabase(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"-config", "missing.yaml"}, &stdout, &stderr)
	require.Equal(t, exitError, code)
	require.Contains(t, stderr.String(), "no database configured")
}
