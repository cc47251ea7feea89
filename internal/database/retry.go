package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"whatsbot/internal/constants"
	"whatsbot/internal/retry"
)

var dbBackoff = retry.NewBackoff(retry.BackoffConfig{
	InitialDelay: time.Duration(constants.DefaultBackoffInitialMs) * time.Millisecond,
	MaxDelay:     time.Duration(constants.DefaultBackoffMaxSec) * time.Second,
	Multiplier:   2,
	MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
	Jitter:       true,
})

// withRetry runs operation, retrying transient storage failures.
func withRetry(ctx context.Context, operationName string, operation func() error) error {
	err := dbBackoff.RetryWithPredicate(ctx, operation, isRetryableDBError)
	if err == nil {
		return nil
	}
	if !isRetryableDBError(err) {
		return fmt.Errorf("%s failed (non-retryable): %w", operationName, err)
	}
	return fmt.Errorf("%s failed after %d attempts: %w", operationName, constants.DefaultDatabaseRetryAttempts, err)
}

// isRetryableDBError determines if a database error is worth retrying
func isRetryableDBError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	msg := err.Error()
	for _, transient := range []string{
		"database is locked",
		"disk I/O error",
		"no such host",
		"connection refused",
		"connection reset",
		"bad connection",
		"too many clients",
	} {
		if strings.Contains(msg, transient) {
			return true
		}
	}
	return false
}
