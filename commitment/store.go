// Package commitment records hash commitments for sealed bids and verifies
// reveals against them. Financial commitments stay sealed until the owning
// tender's technical evaluation is locked and the lifecycle unseals them.
package commitment

import (
	"crypto/subtle"
	"fmt"
	"sort"
	"sync"
	"time"

	"tenderguard/failure"
)

// Store is safe for concurrent use. The tender lifecycle is its only writer
// and serializes writes per tender.
type Store struct {
	mu          sync.RWMutex
	submissions map[string]*Submission
	byTender    map[string][]string
	locked      map[string]bool
}

func NewStore() *Store {
	return &Store{
		submissions: make(map[string]*Submission),
		byTender:    make(map[string][]string),
		locked:      make(map[string]bool),
	}
}

// Create registers an empty submission. Commitments are added with Commit.
func (s *Store) Create(id, tenderID, party string, at time.Time) (Submission, error) {
	if id == "" || tenderID == "" || party == "" {
		return Submission{}, fmt.Errorf("commitment: id, tender and party are required: %w", failure.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.submissions[id]; ok {
		return Submission{}, fmt.Errorf("commitment: submission %s exists: %w", id, failure.ErrDuplicateCommitment)
	}
	if s.locked[tenderID] {
		return Submission{}, fmt.Errorf("commitment: tender %s is technically locked: %w", tenderID, failure.ErrStageViolation)
	}
	sub := &Submission{
		ID:              id,
		TenderID:        tenderID,
		Party:           party,
		FinancialSealed: true,
		SubmittedAt:     at,
		Version:         1,
	}
	s.submissions[id] = sub
	s.byTender[tenderID] = append(s.byTender[tenderID], id)
	return sub.clone(), nil
}

// Commit records hash for the (submission, kind) slot.
func (s *Store) Commit(submissionID string, kind DocumentKind, hash string, at time.Time) error {
	if !kind.Valid() {
		return fmt.Errorf("commitment: unknown document kind %q: %w", kind, failure.ErrInvalidInput)
	}
	digest, err := ParseDigest(hash)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.submissions[submissionID]
	if !ok {
		return fmt.Errorf("commitment: submission %s: %w", submissionID, failure.ErrNotFound)
	}
	slot := &sub.Technical
	if kind == KindFinancial {
		slot = &sub.Financial
	}
	if *slot != nil {
		return fmt.Errorf("commitment: %s commitment of %s already set: %w", kind, submissionID, failure.ErrDuplicateCommitment)
	}
	*slot = &Commitment{Hash: digest, CommittedAt: at}
	sub.Version++
	return nil
}

// VerifyReveal reports whether content matches the stored commitment. The
// content is hashed and discarded. Financial reveals are refused while sealed.
func (s *Store) VerifyReveal(submissionID string, kind DocumentKind, content []byte) (bool, error) {
	if !kind.Valid() {
		return false, fmt.Errorf("commitment: unknown document kind %q: %w", kind, failure.ErrInvalidInput)
	}
	s.mu.RLock()
	sub, ok := s.submissions[submissionID]
	var c *Commitment
	sealed := false
	if ok {
		c = sub.Technical
		if kind == KindFinancial {
			c = sub.Financial
			sealed = sub.FinancialSealed
		}
	}
	s.mu.RUnlock()

	if !ok {
		return false, fmt.Errorf("commitment: submission %s: %w", submissionID, failure.ErrNotFound)
	}
	if sealed {
		return false, fmt.Errorf("commitment: financial envelope of %s is sealed: %w", submissionID, failure.ErrSealViolation)
	}
	if c == nil {
		return false, fmt.Errorf("commitment: no %s commitment for %s: %w", kind, submissionID, failure.ErrNotFound)
	}
	got := Digest(content)
	return subtle.ConstantTimeCompare([]byte(got), []byte(c.Hash)) == 1, nil
}

// LockTechnical freezes technical scores of every submission of tenderID and
// makes their financial envelopes eligible for unsealing. Repeated calls are
// no-ops.
func (s *Store) LockTechnical(tenderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked[tenderID] {
		return
	}
	s.locked[tenderID] = true
	for _, id := range s.byTender[tenderID] {
		sub := s.submissions[id]
		sub.TechnicalLocked = true
		sub.Version++
	}
}

// TechnicallyLocked reports whether LockTechnical ran for tenderID.
func (s *Store) TechnicallyLocked(tenderID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.locked[tenderID]
}

// CheckUnseal reports the error Unseal would return for ids without
// mutating anything.
func (s *Store) CheckUnseal(ids ...string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkUnsealLocked(ids)
}

func (s *Store) checkUnsealLocked(ids []string) error {
	for _, id := range ids {
		sub, ok := s.submissions[id]
		if !ok {
			return fmt.Errorf("commitment: submission %s: %w", id, failure.ErrNotFound)
		}
		if !sub.TechnicalLocked {
			return fmt.Errorf("commitment: unseal %s before technical lock: %w", id, failure.ErrSealViolation)
		}
	}
	return nil
}

// Unseal opens the financial envelopes of ids. Either every id is unsealed or
// none is. Already unsealed envelopes are left as they are.
func (s *Store) Unseal(at time.Time, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkUnsealLocked(ids); err != nil {
		return err
	}
	for _, id := range ids {
		sub := s.submissions[id]
		if !sub.FinancialSealed {
			continue
		}
		sub.FinancialSealed = false
		ts := at
		sub.UnsealedAt = &ts
		sub.Version++
	}
	return nil
}

// CheckScore reports whether a technical score may still be recorded.
func (s *Store) CheckScore(submissionID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkScoreLocked(submissionID)
}

func (s *Store) checkScoreLocked(submissionID string) error {
	sub, ok := s.submissions[submissionID]
	if !ok {
		return fmt.Errorf("commitment: submission %s: %w", submissionID, failure.ErrNotFound)
	}
	if sub.TechnicalLocked {
		return fmt.Errorf("commitment: technical scores of %s are final: %w", submissionID, failure.ErrStageViolation)
	}
	if !sub.Active() {
		return fmt.Errorf("commitment: submission %s was withdrawn: %w", submissionID, failure.ErrStageViolation)
	}
	return nil
}

// SetScore records the technical score of a submission before the lock.
func (s *Store) SetScore(submissionID string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkScoreLocked(submissionID); err != nil {
		return err
	}
	sub := s.submissions[submissionID]
	sub.TechnicalScore = &score
	sub.Version++
	return nil
}

// Withdraw marks a submission as withdrawn.
func (s *Store) Withdraw(submissionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.submissions[submissionID]
	if !ok {
		return fmt.Errorf("commitment: submission %s: %w", submissionID, failure.ErrNotFound)
	}
	if !sub.Active() {
		return fmt.Errorf("commitment: submission %s already withdrawn: %w", submissionID, failure.ErrStageViolation)
	}
	ts := at
	sub.WithdrawnAt = &ts
	sub.Version++
	return nil
}

func (s *Store) Get(submissionID string) (Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.submissions[submissionID]
	if !ok {
		return Submission{}, fmt.Errorf("commitment: submission %s: %w", submissionID, failure.ErrNotFound)
	}
	return sub.clone(), nil
}

// ListByTender returns the submissions of tenderID ordered by submission time.
func (s *Store) ListByTender(tenderID string) []Submission {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byTender[tenderID]
	out := make([]Submission, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.submissions[id].clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out
}
