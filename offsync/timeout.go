// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"fmt"
	"time"
)

// RunWithTimeout races op against a deadline. When the deadline elapses
// first it returns an error wrapping ErrRemoteTimeout, distinct from any
// error the operation itself produces. The abandoned operation may still
// complete on the remote side; its result is discarded here (the result
// channel is buffered so the goroutine never leaks). This is best-effort
// client-side abandonment, not true cancellation.
func RunWithTimeout[T any](ctx context.Context, deadline time.Duration, label string, op func(context.Context) (T, error)) (T, error) {
	cctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	type outcome struct {
		result T
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := op(cctx)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-cctx.Done():
		var zero T
		if ctx.Err() != nil {
			// Caller's own context ended; not a remote timeout.
			return zero, ctx.Err()
		}
		return zero, fmt.Errorf("%s after %s: %w", label, deadline, ErrRemoteTimeout)
	}
}

// sleepWithContext waits for d or until ctx is done, whichever first.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
