package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dotcommander/loopd/internal/models"
)

func TestIsVersionConflict(t *testing.T) {
	require.False(t, IsVersionConflict(nil))
	require.True(t, IsVersionConflict(models.ErrVersionConflict))
	require.True(t, IsVersionConflict(&models.VersionConflictError{Entity: "task", ID: "t", Version: 1}))
	require.True(t, IsVersionConflict(errors.New("wrapped: version conflict while updating")))
	require.False(t, IsVersionConflict(errors.New("database is locked")))
}

func TestRetryWithBackoff_RetriesBusyThenSucceeds(t *testing.T) {
	calls := 0
	err := RetryWithBackoff(func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked (5) (SQLITE_BUSY)")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestRetryWithBackoff_DomainErrorIsPermanent(t *testing.T) {
	calls := 0
	err := RetryWithBackoff(func() error {
		calls++
		return fmt.Errorf("wrapped: %w", &models.InvalidTransitionError{From: models.PhaseStateInactive, Action: "approve"})
	})
	require.ErrorIs(t, err, models.ErrInvalidTransition)
	require.Equal(t, 1, calls)
}

func TestRetryWithBackoff_ConstraintIsPermanent(t *testing.T) {
	calls := 0
	err := RetryWithBackoff(func() error {
		calls++
		return errors.New("UNIQUE constraint failed: executions.task_id")
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}
