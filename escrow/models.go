package escrow

import (
	"fmt"
	"time"

	"tenderguard/failure"
)

// MilestoneStatus is a closed set; ParseMilestoneStatus rejects anything else.
type MilestoneStatus string

const (
	MilestonePending  MilestoneStatus = "pending"
	MilestoneHeld     MilestoneStatus = "held"
	MilestoneReleased MilestoneStatus = "released"
	MilestoneRefunded MilestoneStatus = "refunded"
	MilestoneDisputed MilestoneStatus = "disputed"
)

func ParseMilestoneStatus(s string) (MilestoneStatus, error) {
	switch st := MilestoneStatus(s); st {
	case MilestonePending, MilestoneHeld, MilestoneReleased, MilestoneRefunded, MilestoneDisputed:
		return st, nil
	}
	return "", fmt.Errorf("escrow: unknown milestone status %q: %w", s, failure.ErrInvalidInput)
}

// Resolved reports whether the milestone reached a terminal status.
func (s MilestoneStatus) Resolved() bool {
	return s == MilestoneReleased || s == MilestoneRefunded
}

// Account tracks the funds of one tender in minor currency units.
// Committed always equals Available + Held + Released + Refunded. Returned
// is the part of Refunded swept from Available when the account was sealed.
type Account struct {
	TenderID  string     `json:"tender_id"`
	Committed int64      `json:"committed"`
	Available int64      `json:"available"`
	Held      int64      `json:"held"`
	Released  int64      `json:"released"`
	Refunded  int64      `json:"refunded"`
	Returned  int64      `json:"returned,omitempty"`
	OpenedAt  time.Time  `json:"opened_at"`
	SealedAt  *time.Time `json:"sealed_at,omitempty"`
	Version   uint64     `json:"version"`
}

func (a Account) Balanced() bool {
	return a.Committed == a.Available+a.Held+a.Released+a.Refunded
}

// Settled reports committed == released + held + refunded, which holds
// once every deposited unit is allocated and always holds after sealing.
func (a Account) Settled() bool {
	return a.Available == 0 && a.Committed == a.Held+a.Released+a.Refunded
}

func (a Account) Sealed() bool { return a.SealedAt != nil }

type Signature struct {
	Signer   string    `json:"signer"`
	SignedAt time.Time `json:"signed_at"`
}

type Milestone struct {
	ID          string `json:"id"`
	TenderID    string `json:"tender_id"`
	Index       int    `json:"index"`
	Description string `json:"description,omitempty"`
	Amount      int64  `json:"amount"`
	Required    int    `json:"required_signatures"`
	// Signers, when set, is the allow-list of parties that may sign.
	Signers      []string        `json:"signers,omitempty"`
	Signatures   []Signature     `json:"signatures"`
	Status       MilestoneStatus `json:"status"`
	DisputeID    string          `json:"dispute_id,omitempty"`
	RefundReason string          `json:"refund_reason,omitempty"`
	HeldAt       *time.Time      `json:"held_at,omitempty"`
	ResolvedAt   *time.Time      `json:"resolved_at,omitempty"`
	Version      uint64          `json:"version"`
}

func (m Milestone) signedBy(signer string) bool {
	for _, s := range m.Signatures {
		if s.Signer == signer {
			return true
		}
	}
	return false
}

func (m Milestone) maySign(signer string) bool {
	if len(m.Signers) == 0 {
		return true
	}
	for _, s := range m.Signers {
		if s == signer {
			return true
		}
	}
	return false
}

func (m Milestone) QuorumMet() bool {
	return len(m.Signatures) >= m.Required
}

func (m Milestone) clone() Milestone {
	out := m
	out.Signers = append([]string(nil), m.Signers...)
	out.Signatures = append([]Signature(nil), m.Signatures...)
	return out
}

// MilestoneSpec describes a milestone when the account is opened.
type MilestoneSpec struct {
	Description string   `json:"description"`
	Amount      int64    `json:"amount"`
	Required    int      `json:"required_signatures"`
	Signers     []string `json:"signers,omitempty"`
}

func (s MilestoneSpec) validate() error {
	if s.Amount <= 0 {
		return fmt.Errorf("escrow: milestone amount must be positive: %w", failure.ErrInvalidInput)
	}
	if s.Required < 1 {
		return fmt.Errorf("escrow: milestone needs at least one signature: %w", failure.ErrInvalidInput)
	}
	if len(s.Signers) > 0 {
		seen := make(map[string]struct{}, len(s.Signers))
		for _, signer := range s.Signers {
			if signer == "" {
				return fmt.Errorf("escrow: empty signer: %w", failure.ErrInvalidInput)
			}
			seen[signer] = struct{}{}
		}
		if len(seen) < s.Required {
			return fmt.Errorf("escrow: %d signatures required but only %d signers allowed: %w", s.Required, len(seen), failure.ErrInvalidInput)
		}
	}
	return nil
}

// SignatureResult describes what AddSignature did. A recorded signature
// below quorum is not an error; Missing reports how many are still needed.
type SignatureResult struct {
	Milestone Milestone `json:"milestone"`
	Recorded  bool      `json:"recorded"`
	Released  bool      `json:"released"`
	// Blocked is set when quorum is met but a dispute prevents release.
	// Further signatures do not retry it; once the dispute is resolved the
	// milestone must be paid out with an explicit Release.
	Blocked bool `json:"blocked"`
	Missing int  `json:"missing"`
}

// Opening is a validated account plan, produced by PrepareAccount and
// installed by OpenAccount once the caller has committed it.
type Opening struct {
	Account    Account     `json:"account"`
	Milestones []Milestone `json:"milestones"`
}
