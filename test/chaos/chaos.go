// Package chaos injects storage failures under the audit chain while the
// stress actors run.
package chaos

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"tenderguard/audit"
)

var ErrInjected = errors.New("chaos: injected append failure")

// FlakyStore fails a fraction of appends before they reach the wrapped store.
// Half of the injected failures happen after the entry was written, which is
// how a dropped connection looks to the writer.
type FlakyStore struct {
	audit.Store

	mu       sync.Mutex
	rng      *rand.Rand
	percent  int
	Injected atomic.Int64
}

func NewFlakyStore(next audit.Store, percent int, seed int64) *FlakyStore {
	return &FlakyStore{Store: next, percent: percent, rng: rand.New(rand.NewSource(seed))}
}

func (f *FlakyStore) roll() (fail, after bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rng.Intn(100) >= f.percent {
		return false, false
	}
	return true, f.rng.Intn(2) == 0
}

func (f *FlakyStore) Append(ctx context.Context, e audit.Entry) error {
	fail, after := f.roll()
	if !fail {
		return f.Store.Append(ctx, e)
	}
	f.Injected.Add(1)
	if after {
		if err := f.Store.Append(ctx, e); err != nil {
			return err
		}
	}
	return ErrInjected
}

// TerminateRandomBackend kills a random server backend of the current
// database every few seconds, returning how many it terminated.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, every time.Duration, stop <-chan struct{}) int {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	killed := 0
	for {
		select {
		case <-ctx.Done():
			return killed
		case <-stop:
			return killed
		case <-ticker.C:
			if rand.Intn(3) != 0 {
				continue
			}
			var ok bool
			err := pool.QueryRow(ctx, `SELECT COALESCE(bool_or(pg_terminate_backend(pid)), false) FROM (
                    SELECT pid FROM pg_stat_activity
                    WHERE datname = current_database() AND pid <> pg_backend_pid()
                    ORDER BY random() LIMIT 1) victims`).Scan(&ok)
			if err == nil && ok {
				killed++
			}
		}
	}
}
