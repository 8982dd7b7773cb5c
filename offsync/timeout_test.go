// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunWithTimeoutReturnsResult(t *testing.T) {
	result, err := RunWithTimeout(context.Background(), time.Second, "fast op", func(ctx context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", result)
}

func TestRunWithTimeoutPropagatesOperationError(t *testing.T) {
	opErr := fmt.Errorf("boom")
	_, err := RunWithTimeout(context.Background(), time.Second, "failing op", func(ctx context.Context) (string, error) {
		return "", opErr
	})
	require.ErrorIs(t, err, opErr)
	require.NotErrorIs(t, err, ErrRemoteTimeout, "operation errors are a distinct kind from timeouts")
}

func TestRunWithTimeoutHangingOperation(t *testing.T) {
	start := time.Now()
	_, err := RunWithTimeout(context.Background(), 50*time.Millisecond, "hanging op", func(ctx context.Context) (string, error) {
		time.Sleep(5 * time.Second)
		return "late", nil
	})
	require.ErrorIs(t, err, ErrRemoteTimeout)
	require.Less(t, time.Since(start), time.Second, "caller observes the timeout, not the hang")
}

func TestRunWithTimeoutLateResultDiscarded(t *testing.T) {
	done := make(chan struct{})
	_, err := RunWithTimeout(context.Background(), 20*time.Millisecond, "late op", func(ctx context.Context) (int, error) {
		defer close(done)
		time.Sleep(100 * time.Millisecond)
		return 42, nil
	})
	require.ErrorIs(t, err, ErrRemoteTimeout)

	// The abandoned goroutine still completes; its result goes nowhere.
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("abandoned operation never completed")
	}
}

func TestRunWithTimeoutCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := RunWithTimeout(ctx, 10*time.Second, "cancelled op", func(ctx context.Context) (string, error) {
		<-ctx.Done()
		time.Sleep(time.Second)
		return "", ctx.Err()
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, context.Canceled), "caller cancellation is not reported as a remote timeout")
}
