// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offpg

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Retry tuning applied to every store call before a failure surfaces
// to the engine's own queue-and-replay handling.
const (
	retryAttempts = 3
	retryBackoff  = 100 * time.Millisecond
)

// IsRetryable reports whether a Postgres error is transient enough to
// replay the operation on the next drain (serialization failures,
// deadlocks, lock timeouts). Everything else is treated as a rejection.
func IsRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.SQLState() {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03": // lock_not_available (incl. lock_timeout)
		return true
	default:
		return false
	}
}

// RetryTx runs fn, replaying it up to attempts times with a linear
// backoff when the failure is retryable.
func RetryTx(ctx context.Context, attempts int, backoff time.Duration, fn func(ctx context.Context) error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil || !IsRetryable(err) {
			return err
		}
		timer := time.NewTimer(time.Duration(i+1) * backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		timer.Stop()
	}
	return err
}
