package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// RetryPolicy bounds connection attempts under lock contention. The delay
// before attempt n+1 is Backoff*n.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// DefaultRetryPolicy allows five attempts starting one second apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, Backoff: time.Second}
}

// Delay returns the wait after the given failed attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	return p.Backoff * time.Duration(attempt)
}

// sleep is replaced in tests.
var sleep = func(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs op until it succeeds, fails with an error other than lock
// contention, or the attempt budget is spent. Exhausting the budget returns
// ErrStoreUnavailable.
func (p RetryPolicy) Do(ctx context.Context, logger *slog.Logger, op func(attempt int) error) error {
	if logger == nil {
		logger = slog.Default()
	}
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := op(attempt)
		if err == nil {
			return nil
		}
		if !IsLockError(err) {
			return err
		}
		lastErr = err

		if attempt == attempts {
			break
		}
		delay := p.Delay(attempt)
		logger.Warn("database locked, retrying",
			"attempt", attempt,
			"max_attempts", attempts,
			"delay", delay,
			"error", err)
		if err := sleep(ctx, delay); err != nil {
			return fmt.Errorf("%w: interrupted after %d attempts: %v", ErrStoreUnavailable, attempt, err)
		}
	}
	return fmt.Errorf("%w: database still locked after %d attempts: %v", ErrStoreUnavailable, attempts, lastErr)
}

// IsLockError reports whether err is SQLite lock contention.
func IsLockError(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "locked")
}
