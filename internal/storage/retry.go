package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	retryAttempts  = 3
	retryBaseDelay = 10 * time.Millisecond
)

// transient reports errors worth retrying: serialization failures,
// deadlocks, lock timeouts and a key expiring mid-check.
func transient(err error) bool {
	if errors.Is(err, errRaced) {
		return true
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01", "55P03":
		return true
	}
	return false
}

// retry runs fn until it succeeds, fails permanently or retryAttempts
// extra attempts are spent, with jittered exponential backoff.
func retry(ctx context.Context, fn func() error) error {
	delay := retryBaseDelay
	err := fn()
	for attempt := 0; attempt < retryAttempts && transient(err); attempt++ {
		jitter := time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter only
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
		err = fn()
	}
	return err
}
