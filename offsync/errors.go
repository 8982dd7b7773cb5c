// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import "errors"

// Error kinds surfaced by the engine and its stores. Wrapped errors are
// classified with errors.Is.
var (
	// ErrRemoteUnavailable means no remote attempt was made because the
	// monitor reported offline.
	ErrRemoteUnavailable = errors.New("remote store unavailable")

	// ErrRemoteTimeout means the remote call deadline elapsed before the
	// call completed. The call may still finish on the remote side.
	ErrRemoteTimeout = errors.New("remote call timed out")

	// ErrRemoteRejected means the remote store returned an error for an
	// attempted call.
	ErrRemoteRejected = errors.New("remote store rejected operation")

	// ErrLocalStorageFull means the local persistence write failed even
	// after its single destructive retry.
	ErrLocalStorageFull = errors.New("local storage full")

	// ErrNotFound means a lookup found nothing locally or remotely.
	ErrNotFound = errors.New("record not found")
)
