package commitment

import "time"

// DocumentKind names a committed document slot of a submission.
type DocumentKind string

const (
	KindTechnical DocumentKind = "technical"
	KindFinancial DocumentKind = "financial"
)

func (k DocumentKind) Valid() bool {
	switch k {
	case KindTechnical, KindFinancial:
		return true
	default:
		return false
	}
}

// Commitment is a content digest recorded at a point in time. The content
// itself is never held by the store.
type Commitment struct {
	Hash        string    `json:"hash"`
	CommittedAt time.Time `json:"committed_at"`
}

// Submission is the metadata of one bid. It carries no sealed content.
type Submission struct {
	ID              string      `json:"id"`
	TenderID        string      `json:"tender_id"`
	Party           string      `json:"party"`
	Technical       *Commitment `json:"technical,omitempty"`
	Financial       *Commitment `json:"financial,omitempty"`
	FinancialSealed bool        `json:"financial_sealed"`
	TechnicalLocked bool        `json:"technical_locked"`
	TechnicalScore  *float64    `json:"technical_score,omitempty"`
	SubmittedAt     time.Time   `json:"submitted_at"`
	UnsealedAt      *time.Time  `json:"unsealed_at,omitempty"`
	WithdrawnAt     *time.Time  `json:"withdrawn_at,omitempty"`
	Version         uint64      `json:"version"`
}

// Active reports whether the bid is still in the competition.
func (s Submission) Active() bool {
	return s.WithdrawnAt == nil
}

func (s Submission) clone() Submission {
	out := s
	if s.Technical != nil {
		c := *s.Technical
		out.Technical = &c
	}
	if s.Financial != nil {
		c := *s.Financial
		out.Financial = &c
	}
	if s.TechnicalScore != nil {
		v := *s.TechnicalScore
		out.TechnicalScore = &v
	}
	if s.UnsealedAt != nil {
		v := *s.UnsealedAt
		out.UnsealedAt = &v
	}
	if s.WithdrawnAt != nil {
		v := *s.WithdrawnAt
		out.WithdrawnAt = &v
	}
	return out
}
