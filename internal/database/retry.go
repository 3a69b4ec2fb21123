package database

import (
	"context"
	"errors"
	"strings"
	"time"

	apperrors "chatsync/internal/errors"
	"chatsync/internal/retry"

	"github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// withRetry runs operation, retrying transient sqlite failures. Errors that
// are already AppErrors (not found, validation) pass through untouched.
func (d *Database) withRetry(ctx context.Context, operationName string, operation func() error) error {
	backoff := retry.NewBackoff(d.backoff).OnRetry(func(attempt int, delay time.Duration, err error) {
		d.logger.WithFields(logrus.Fields{
			"operation": operationName,
			"attempt":   attempt,
			"delay_ms":  delay.Milliseconds(),
		}).WithError(err).Warn("Retrying database operation")
	})

	err := backoff.RetryWithPredicate(ctx, operation, isRetryableDBError)
	if err == nil {
		return nil
	}
	if _, ok := apperrors.As(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return apperrors.NewTimeoutError(operationName, "context deadline").WithContext("cause", err.Error())
	}

	appErr := apperrors.NewDatabaseError(operationName, err)
	appErr.Retryable = isRetryableDBError(err)
	return appErr
}

// isRetryableDBError determines if a database error is worth retrying
func isRetryableDBError(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := apperrors.As(err); ok {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr:
			return true
		default:
			return false
		}
	}

	errStr := err.Error()
	return strings.Contains(errStr, "database is locked") ||
		strings.Contains(errStr, "disk I/O error")
}

// isUniqueViolation reports a UNIQUE constraint failure
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint")
}
