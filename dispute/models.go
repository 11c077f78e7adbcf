package dispute

import (
	"fmt"
	"time"

	"tenderguard/failure"
)

// Status represents the lifecycle of a dispute record.
type Status string

const (
	StatusPending          Status = "pending"
	StatusUnderReview      Status = "under_review"
	StatusResolvedUpheld   Status = "resolved_upheld"
	StatusResolvedRejected Status = "resolved_rejected"
)

// Open reports whether the dispute still blocks its tender.
func (s Status) Open() bool {
	return s == StatusPending || s == StatusUnderReview
}

func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusUnderReview, StatusResolvedUpheld, StatusResolvedRejected:
		return st, nil
	}
	return "", fmt.Errorf("dispute: unknown status %q: %w", s, failure.ErrInvalidInput)
}

type Decision string

const (
	DecisionUpheld   Decision = "upheld"
	DecisionRejected Decision = "rejected"
)

func ParseDecision(s string) (Decision, error) {
	switch d := Decision(s); d {
	case DecisionUpheld, DecisionRejected:
		return d, nil
	}
	return "", fmt.Errorf("dispute: unknown decision %q: %w", s, failure.ErrInvalidInput)
}

func (d Decision) status() Status {
	if d == DecisionUpheld {
		return StatusResolvedUpheld
	}
	return StatusResolvedRejected
}

// Kind separates challenges of the award from disputes raised during
// contract execution.
type Kind string

const (
	KindAward     Kind = "award"
	KindExecution Kind = "execution"
)

type Dispute struct {
	ID              string     `json:"id"`
	TenderID        string     `json:"tender_id"`
	Kind            Kind       `json:"kind"`
	MilestoneID     string     `json:"milestone_id,omitempty"`
	Filer           string     `json:"filer"`
	Reason          string     `json:"reason"`
	Status          Status     `json:"status"`
	FiledAt         time.Time  `json:"filed_at"`
	ReviewStartedAt *time.Time `json:"review_started_at,omitempty"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	Decision        Decision   `json:"decision,omitempty"`
	ResolvedBy      string     `json:"resolved_by,omitempty"`
	// Reopened is set when an upheld award dispute sent the tender back to
	// evaluation.
	Reopened bool   `json:"reopened"`
	Version  uint64 `json:"version"`
}

func (d Dispute) clone() Dispute {
	out := d
	if d.ReviewStartedAt != nil {
		v := *d.ReviewStartedAt
		out.ReviewStartedAt = &v
	}
	if d.ResolvedAt != nil {
		v := *d.ResolvedAt
		out.ResolvedAt = &v
	}
	return out
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	TenderID string
	Status   Status
	Kind     Kind
}

func (f Filter) matches(d *Dispute) bool {
	if f.TenderID != "" && d.TenderID != f.TenderID {
		return false
	}
	if f.Status != "" && d.Status != f.Status {
		return false
	}
	if f.Kind != "" && d.Kind != f.Kind {
		return false
	}
	return true
}
