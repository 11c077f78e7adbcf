package tender

import (
	"fmt"

	"tenderguard/failure"
)

// Event drives a stage transition.
type Event string

const (
	EventPublish          Event = "publish"
	EventCloseSubmissions Event = "close_submissions"
	EventSetPreferred     Event = "set_preferred_bidder"
	EventConfirmAward     Event = "confirm_award"
	EventActivate         Event = "activate"
	EventClose            Event = "close"
	EventReopen           Event = "reopen_for_dispute"
)

// edges is the complete allow-list. NoticeToAward -> Evaluation is the only
// backward edge.
var edges = map[Stage]map[Event]Stage{
	StageDraft:         {EventPublish: StageOpen},
	StageOpen:          {EventCloseSubmissions: StageEvaluation},
	StageEvaluation:    {EventSetPreferred: StageNoticeToAward},
	StageNoticeToAward: {EventConfirmAward: StageAwarded, EventReopen: StageEvaluation},
	StageAwarded:       {EventActivate: StageActive},
	StageActive:        {EventClose: StageClosed},
}

// Next returns the stage reached from `from` on ev, or a stage violation
// when the pair is not on the allow-list.
func Next(from Stage, ev Event) (Stage, error) {
	if to, ok := edges[from][ev]; ok {
		return to, nil
	}
	return "", fmt.Errorf("tender: %s not allowed in stage %s: %w", ev, from, failure.ErrStageViolation)
}

// Edges lists every allowed transition, mostly for documentation endpoints.
func Edges() map[Stage]map[Event]Stage {
	out := make(map[Stage]map[Event]Stage, len(edges))
	for from, evs := range edges {
		m := make(map[Event]Stage, len(evs))
		for ev, to := range evs {
			m[ev] = to
		}
		out[from] = m
	}
	return out
}
