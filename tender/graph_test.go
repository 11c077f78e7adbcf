package tender

import (
	"testing"

	"github.com/stretchr/testify/require"

	"tenderguard/failure"
)

func TestNext_AllowList(t *testing.T) {
	stages := []Stage{StageDraft, StageOpen, StageEvaluation, StageNoticeToAward, StageAwarded, StageActive, StageClosed}
	events := []Event{EventPublish, EventCloseSubmissions, EventSetPreferred, EventConfirmAward, EventActivate, EventClose, EventReopen}

	allowed := 0
	for _, from := range stages {
		for _, ev := range events {
			to, err := Next(from, ev)
			if want, ok := edges[from][ev]; ok {
				allowed++
				require.NoError(t, err)
				require.Equal(t, want, to)
				continue
			}
			require.ErrorIs(t, err, failure.ErrStageViolation, "%s on %s", ev, from)
		}
	}
	require.Equal(t, 7, allowed)
}

func TestNext_OnlyBackEdgeIsReopen(t *testing.T) {
	order := map[Stage]int{}
	for i, s := range []Stage{StageDraft, StageOpen, StageEvaluation, StageNoticeToAward, StageAwarded, StageActive, StageClosed} {
		order[s] = i
	}
	for from, evs := range Edges() {
		for ev, to := range evs {
			if order[to] < order[from] {
				require.Equal(t, EventReopen, ev)
				require.Equal(t, StageNoticeToAward, from)
			}
		}
	}
}

func TestParseStage(t *testing.T) {
	s, err := ParseStage("notice_to_award")
	require.NoError(t, err)
	require.Equal(t, StageNoticeToAward, s)
	_, err = ParseStage("Awarded")
	require.ErrorIs(t, err, failure.ErrInvalidInput)
}
