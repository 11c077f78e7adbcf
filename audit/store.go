package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrSequenceConflict is returned by a Store when an entry does not extend the
// stored tail exactly by one.
var ErrSequenceConflict = errors.New("audit: sequence conflict")

// Store persists entries. Implementations never update or delete.
type Store interface {
	Append(ctx context.Context, e Entry) error
	// Last returns the tail entry; ok is false for an empty store.
	Last(ctx context.Context) (e Entry, ok bool, err error)
	// Range returns entries with from <= sequence <= to in order.
	Range(ctx context.Context, from, to uint64) ([]Entry, error)
	Query(ctx context.Context, f Filter) ([]Entry, error)
}

// MemoryStore keeps the chain in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if want := uint64(len(s.entries)) + 1; e.Sequence != want {
		return fmt.Errorf("%w: got %d want %d", ErrSequenceConflict, e.Sequence, want)
	}
	e.Payload = append([]byte(nil), e.Payload...)
	s.entries = append(s.entries, e)
	return nil
}

func (s *MemoryStore) Last(_ context.Context) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return Entry{}, false, nil
	}
	return s.entries[len(s.entries)-1], true, nil
}

func (s *MemoryStore) Range(_ context.Context, from, to uint64) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if from == 0 {
		from = 1
	}
	if to > uint64(len(s.entries)) {
		to = uint64(len(s.entries))
	}
	if from > to {
		return nil, nil
	}
	out := make([]Entry, 0, to-from+1)
	out = append(out, s.entries[from-1:to]...)
	return out, nil
}

func (s *MemoryStore) Query(_ context.Context, f Filter) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, 16)
	for _, e := range s.entries {
		if !f.Matches(e) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}
