package tender

import (
	"fmt"
	"time"

	"tenderguard/failure"
)

type Stage string

const (
	StageDraft         Stage = "draft"
	StageOpen          Stage = "open"
	StageEvaluation    Stage = "evaluation"
	StageNoticeToAward Stage = "notice_to_award"
	StageAwarded       Stage = "awarded"
	StageActive        Stage = "active"
	StageClosed        Stage = "closed"
)

func ParseStage(s string) (Stage, error) {
	switch st := Stage(s); st {
	case StageDraft, StageOpen, StageEvaluation, StageNoticeToAward, StageAwarded, StageActive, StageClosed:
		return st, nil
	}
	return "", fmt.Errorf("tender: unknown stage %q: %w", s, failure.ErrInvalidInput)
}

// SubStage distinguishes the clarification period inside StageOpen.
type SubStage string

const (
	SubStageNone                SubStage = ""
	SubStageClarificationOpen   SubStage = "clarification_open"
	SubStageClarificationClosed SubStage = "clarification_closed"
)

type Tender struct {
	ID                    string     `json:"id"`
	Title                 string     `json:"title"`
	OwnerRef              string     `json:"owner_ref"`
	Stage                 Stage      `json:"stage"`
	CreatedAt             time.Time  `json:"created_at"`
	PostedAt              *time.Time `json:"posted_at,omitempty"`
	ClosingAt             time.Time  `json:"closing_at"`
	ClarificationCutoffAt time.Time  `json:"clarification_cutoff_at"`
	NoticeAt              *time.Time `json:"notice_at,omitempty"`
	// StandstillEndAt is derived from NoticeAt and never set on its own.
	StandstillEndAt       *time.Time `json:"standstill_end_at,omitempty"`
	AwardedAt             *time.Time `json:"awarded_at,omitempty"`
	CompletedAt           *time.Time `json:"completed_at,omitempty"`
	PreferredSubmissionID string     `json:"preferred_submission_id,omitempty"`
	TechnicalLocked       bool       `json:"technical_locked"`
	Version               uint64     `json:"version"`
}

// SubStage reports the clarification state of an open tender at now.
func (t Tender) SubStage(now time.Time) SubStage {
	if t.Stage != StageOpen {
		return SubStageNone
	}
	if now.Before(t.ClarificationCutoffAt) {
		return SubStageClarificationOpen
	}
	return SubStageClarificationClosed
}

func (t Tender) clone() Tender {
	out := t
	for _, p := range []**time.Time{&out.PostedAt, &out.NoticeAt, &out.StandstillEndAt, &out.AwardedAt, &out.CompletedAt} {
		if *p != nil {
			v := **p
			*p = &v
		}
	}
	return out
}

// Draft is the input of Create.
type Draft struct {
	Title                 string    `json:"title"`
	OwnerRef              string    `json:"owner_ref"`
	ClosingAt             time.Time `json:"closing_at"`
	ClarificationCutoffAt time.Time `json:"clarification_cutoff_at"`
}

func (d Draft) validate() error {
	switch {
	case d.Title == "":
		return fmt.Errorf("tender: title required: %w", failure.ErrInvalidInput)
	case d.OwnerRef == "":
		return fmt.Errorf("tender: owner required: %w", failure.ErrInvalidInput)
	case d.ClosingAt.IsZero() || d.ClarificationCutoffAt.IsZero():
		return fmt.Errorf("tender: closing and clarification cutoff required: %w", failure.ErrInvalidInput)
	case !d.ClarificationCutoffAt.Before(d.ClosingAt):
		return fmt.Errorf("tender: clarification cutoff must precede closing: %w", failure.ErrInvalidInput)
	}
	return nil
}

type Clarification struct {
	ID       string    `json:"id"`
	TenderID string    `json:"tender_id"`
	Party    string    `json:"party"`
	Question string    `json:"question"`
	AskedAt  time.Time `json:"asked_at"`
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Stage    Stage
	OwnerRef string
}

func (f Filter) matches(t *Tender) bool {
	if f.Stage != "" && t.Stage != f.Stage {
		return false
	}
	if f.OwnerRef != "" && t.OwnerRef != f.OwnerRef {
		return false
	}
	return true
}
