package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	sqlite "modernc.org/sqlite"
)

const (
	busyMaxAttempts = 5
	busyBaseDelay   = 50 * time.Millisecond
)

// isBusy returns true for SQLite result codes that indicate transient lock
// contention.
func isBusy(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xFF {
	case 5: // SQLITE_BUSY
		return true
	case 6: // SQLITE_LOCKED
		return true
	default:
		return false
	}
}

// withRetry executes fn, retrying on busy/locked errors with jittered
// exponential backoff starting at busyBaseDelay.
func withRetry(ctx context.Context, fn func() error) error {
	delay := busyBaseDelay
	var err error
	for attempt := range busyMaxAttempts {
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
		if attempt == busyMaxAttempts-1 {
			break
		}
		jitter := time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}
	return fmt.Errorf("%w: %v", ErrBusy, err)
}
