package store

import (
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dotcommander/loopd/internal/models"
)

// RetryWithBackoff wraps an operation with exponential backoff retry logic.
// Retries on transient SQLite errors (SQLITE_BUSY, "database is locked").
// Domain errors, version conflicts and constraint violations stop immediately.
func RetryWithBackoff(operation func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 10 * time.Second
	b.RandomizationFactor = 0.1

	return backoff.Retry(func() error {
		err := operation()
		if err == nil {
			return nil
		}

		if isRetryableError(err) {
			return err
		}

		return backoff.Permanent(err)
	}, b)
}

// isRetryableError determines if an error should be retried.
//
// Error detection relies on modernc.org/sqlite error message strings.
// Current baseline: modernc.org/sqlite v1.45+.
func isRetryableError(err error) bool {
	var rec models.RecoverableError
	if errors.As(err, &rec) {
		return false
	}

	errStr := err.Error()
	return strings.Contains(errStr, "database is locked") ||
		strings.Contains(errStr, "SQLITE_BUSY")
}

// IsVersionConflict checks if an error is a version conflict
func IsVersionConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, models.ErrVersionConflict) {
		return true
	}
	return strings.Contains(err.Error(), "version conflict")
}

// isUniqueViolation reports a UNIQUE constraint failure from the driver.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint")
}
