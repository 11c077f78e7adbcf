package failure

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOf_Wrapped(t *testing.T) {
	err := fmt.Errorf("tender: confirm award t1: %w", ErrStandstillNotElapsed)
	require.Equal(t, KindStandstillNotElapsed, KindOf(err))
	require.Equal(t, KindUnknown, KindOf(errors.New("boom")))
	require.Equal(t, KindUnknown, KindOf(nil))
}

func TestKindOf_JoinedPrefersDisputeBlocking(t *testing.T) {
	err := errors.Join(
		fmt.Errorf("tender: %w", ErrStandstillNotElapsed),
		fmt.Errorf("tender: %w", ErrDisputeBlocking),
	)
	require.ErrorIs(t, err, ErrStandstillNotElapsed)
	require.ErrorIs(t, err, ErrDisputeBlocking)
	require.Equal(t, KindDisputeBlocking, KindOf(err))
}

func TestRetryable(t *testing.T) {
	require.False(t, Retryable(fmt.Errorf("audit: %w", ErrChainIntegrity)))
	require.False(t, Retryable(ErrWindowClosed))
	require.True(t, Retryable(ErrStandstillNotElapsed))
	require.True(t, Retryable(ErrDisputeBlocking))
}
