package transactions

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorClass
	}{
		{ErrDocumentNotFound, ErrorClassFailDocNotFound},
		{ErrDocumentExists, ErrorClassFailDocAlreadyExists},
		{ErrCasMismatch, ErrorClassFailCasMismatch},
		{ErrPathNotFound, ErrorClassFailPathNotFound},
		{ErrPathExists, ErrorClassFailPathAlreadyExists},
		{ErrValueTooLarge, ErrorClassFailATRFull},
		{ErrAttemptExpired, ErrorClassFailExpiry},
		{ErrDurabilityAmbiguous, ErrorClassFailAmbiguous},
		{ErrAmbiguous, ErrorClassFailAmbiguous},
		{ErrTimeout, ErrorClassFailTransient},
		{ErrTemporaryFailure, ErrorClassFailTransient},
		{ErrDurabilityImpossible, ErrorClassFailTransient},
		{ErrAuthenticationFailure, ErrorClassFailHard},
		{ErrHard, ErrorClassFailHard},
		{ErrWriteWriteConflict, ErrorClassFailWriteWriteConflict},
		{errors.New("mystery"), ErrorClassFailOther},
		{fmt.Errorf("wrapped: %w", ErrCasMismatch), ErrorClassFailCasMismatch},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, classifyError(tc.err), "for %v", tc.err)
	}
}

func TestOperationFailedFlagCombinations(t *testing.T) {
	// {retry, rollback}
	err := operationFailed(ErrorClassFailTransient, ErrTemporaryFailure).retry()
	assert.True(t, err.Retry())
	assert.True(t, err.Rollback())
	assert.Equal(t, ErrorReasonTransactionFailed, err.ToRaise())

	// {rollback} only
	err = operationFailed(ErrorClassFailDocNotFound, ErrDocumentNotFound)
	assert.False(t, err.Retry())
	assert.True(t, err.Rollback())

	// {commit_ambiguous}
	err = operationFailed(ErrorClassFailAmbiguous, ErrAmbiguous).noRollback().ambiguous()
	assert.False(t, err.Retry())
	assert.False(t, err.Rollback())
	assert.Equal(t, ErrorReasonTransactionCommitAmbiguous, err.ToRaise())

	// {final}
	err = operationFailed(ErrorClassFailHard, ErrHard).noRollback()
	assert.False(t, err.Retry())
	assert.False(t, err.Rollback())
	assert.Equal(t, ErrorReasonTransactionFailed, err.ToRaise())
}

func TestOperationFailedUnwrap(t *testing.T) {
	err := operationFailed(ErrorClassFailCasMismatch, ErrCasMismatch)
	assert.True(t, errors.Is(err, ErrCasMismatch))
	assert.Equal(t, ErrorClassFailCasMismatch, err.ErrorClass())
	assert.Contains(t, err.Error(), "cas mismatch")
}

func TestCreateFinalError(t *testing.T) {
	result := &Result{TransactionID: "t"}

	expired := createFinalError(operationFailed(ErrorClassFailExpiry, ErrAttemptExpired).expired(), result)
	var expErr *TransactionExpiredError
	require.True(t, errors.As(expired, &expErr))
	assert.True(t, errors.Is(expired, ErrAttemptExpired))
	assert.Equal(t, result, expErr.Result())

	ambiguous := createFinalError(operationFailed(ErrorClassFailAmbiguous, ErrAmbiguous).noRollback().ambiguous(), result)
	var ambErr *TransactionCommitAmbiguousError
	require.True(t, errors.As(ambiguous, &ambErr))

	postCommit := createFinalError(operationFailed(ErrorClassFailHard, ErrHard).noRollback().failedPostCommit(), result)
	var pcErr *TransactionFailedPostCommitError
	require.True(t, errors.As(postCommit, &pcErr))

	failed := createFinalError(operationFailed(ErrorClassFailOther, ErrOther), result)
	var fErr *TransactionFailedError
	require.True(t, errors.As(failed, &fErr))
	assert.True(t, errors.Is(failed, ErrOther))

	// Non-protocol errors surface as plain transaction failures.
	plain := createFinalError(errors.New("app error"), result)
	require.True(t, errors.As(plain, &fErr))
}
