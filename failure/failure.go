// Package failure defines the error kinds shared by every component of the
// procurement engine. Components wrap these sentinels with %w so callers can
// branch on errors.Is regardless of how deep the failure originated.
package failure

import "errors"

var (
	// ErrStageViolation signals a transition that is not on the allow-list
	// for the entity's current stage or status.
	ErrStageViolation = errors.New("stage violation")
	// ErrSealViolation signals an attempt to unseal or read sealed content
	// before the technical lock.
	ErrSealViolation = errors.New("seal violation")
	// ErrDuplicateCommitment signals a second commitment for an already
	// committed document slot.
	ErrDuplicateCommitment = errors.New("duplicate commitment")
	// ErrStandstillNotElapsed signals an award confirmation before the end of
	// the standstill period.
	ErrStandstillNotElapsed = errors.New("standstill not elapsed")
	// ErrWindowClosed signals an action attempted outside its time window.
	ErrWindowClosed = errors.New("window closed")
	// ErrDisputeBlocking signals that unresolved disputes block the action.
	ErrDisputeBlocking = errors.New("dispute blocking")
	// ErrQuorumNotMet signals that fewer signatures than required were collected.
	ErrQuorumNotMet = errors.New("quorum not met")
	// ErrChainIntegrity signals tampering or corruption of the audit chain.
	// It is the only kind that cannot be cured by retrying.
	ErrChainIntegrity = errors.New("chain integrity failure")

	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrPersistence       = errors.New("persistence failure")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// Kind names an error class for transports and logs.
type Kind string

const (
	KindUnknown              Kind = "unknown"
	KindStageViolation       Kind = "stage_violation"
	KindSealViolation        Kind = "seal_violation"
	KindDuplicateCommitment  Kind = "duplicate_commitment"
	KindStandstillNotElapsed Kind = "standstill_not_elapsed"
	KindWindowClosed         Kind = "window_closed"
	KindDisputeBlocking      Kind = "dispute_blocking"
	KindQuorumNotMet         Kind = "quorum_not_met"
	KindChainIntegrity       Kind = "chain_integrity_failure"
	KindNotFound             Kind = "not_found"
	KindInvalidInput         Kind = "invalid_input"
	KindPersistence          Kind = "persistence_failure"
	KindUnauthorized         Kind = "unauthorized"
	KindInsufficientFunds    Kind = "insufficient_funds"
)

// ordered by precedence: when an error joins several kinds, the earliest wins.
var kinds = []struct {
	kind Kind
	err  error
}{
	{KindChainIntegrity, ErrChainIntegrity},
	{KindPersistence, ErrPersistence},
	{KindDisputeBlocking, ErrDisputeBlocking},
	{KindStandstillNotElapsed, ErrStandstillNotElapsed},
	{KindWindowClosed, ErrWindowClosed},
	{KindSealViolation, ErrSealViolation},
	{KindDuplicateCommitment, ErrDuplicateCommitment},
	{KindQuorumNotMet, ErrQuorumNotMet},
	{KindInsufficientFunds, ErrInsufficientFunds},
	{KindUnauthorized, ErrUnauthorized},
	{KindStageViolation, ErrStageViolation},
	{KindNotFound, ErrNotFound},
	{KindInvalidInput, ErrInvalidInput},
}

// KindOf reports the kind of err, or KindUnknown for errors that do not wrap
// any sentinel of this package.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindUnknown
}

// Retryable reports whether the caller may succeed by retrying later once
// preconditions hold. Chain integrity failures and closed windows are final.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindChainIntegrity, KindWindowClosed, KindDuplicateCommitment, KindInvalidInput, KindUnauthorized:
		return false
	default:
		return true
	}
}
