package transfer

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"pullsend/crypto"
	"pullsend/fileio"
	"pullsend/protocol"
)

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		err       error
		fileLevel bool
		reason    string
	}{
		{fmt.Errorf("chunk 3: %w", crypto.ErrChunkAuthentication), true, "integrity"},
		{fmt.Errorf("chunk 3: %w", errChunkLength), true, "integrity"},
		{fmt.Errorf("finalize: %w", fileio.ErrHashMismatch), true, "hash_mismatch"},
		{fmt.Errorf("chunk 3: %w: %w", errRetriesExhausted, errors.New("timeout")), false, "retries_exhausted"},
		{fmt.Errorf("%w: %w", errStorage, errors.New("disk full")), false, "storage"},
		{ErrCancelled, false, "cancelled"},
		{fmt.Errorf("request chunk 1: %w", protocol.ErrPeerClosed), false, "transport"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.fileLevel, isFileLevel(tc.err), tc.err.Error())
		require.Equal(t, tc.reason, failureReason(tc.err), tc.err.Error())
	}
}

func TestResultErr(t *testing.T) {
	require.NoError(t, Result{Status: StatusCompleted}.Err())
	require.ErrorIs(t, Result{Status: StatusCancelled, Reason: "cancelled by user"}.Err(), ErrCancelled)
	require.ErrorIs(t, Result{Status: StatusRejected}.Err(), ErrOfferRejected)

	err := Result{Status: StatusFailed, Reason: "1 of 2 files failed: a.txt"}.Err()
	require.EqualError(t, err, "1 of 2 files failed: a.txt")
}
