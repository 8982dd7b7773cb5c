// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import "context"

// UnsyncedRecord pairs an unsynced cached record with the last write
// verb recorded for it, so reconciliation can replay the true
// originating operation instead of guessing.
type UnsyncedRecord struct {
	Record Record
	LastOp OpKind
}

// LocalPersistence is the durable key-value surface owning the
// per-collection record sets, the pending-operation log, and scalar
// convenience values. Implementations must be safe for concurrent use.
//
// Put with OpAdd must check for a KeySpec duplicate: when a record with
// the same key exists the write upgrades to an update-merge (existing
// fields preserved, incoming fields override) instead of duplicating.
// Put with OpDelete removes by key match; absence is not an error.
//
// When the underlying storage is full or unavailable, Put must retry
// once after clearing only the affected collection, accepting
// last-write-wins data loss for that collection rather than failing the
// caller; only a failure of the retry surfaces ErrLocalStorageFull.
type LocalPersistence interface {
	// Get returns the collection's record set.
	Get(ctx context.Context, collection string) ([]Record, error)

	// Put applies one local write to the collection's record set.
	Put(ctx context.Context, collection string, rec Record, kind OpKind) error

	// MarkSynced flags the record with the given key as synced and,
	// when non-empty, records the remote identifier assigned to it.
	MarkSynced(ctx context.Context, collection, key, remoteID string) error

	// Unsynced returns the collection's records still flagged unsynced.
	Unsynced(ctx context.Context, collection string) ([]UnsyncedRecord, error)

	// Pending returns the durable pending-operation log in insertion order.
	Pending(ctx context.Context) ([]PendingOperation, error)

	// PutPending appends one operation to the durable log.
	PutPending(ctx context.Context, op PendingOperation) error

	// RemovePending deletes the listed operations in one batch write.
	RemovePending(ctx context.Context, ids ...string) error

	// GetValue reads a durable scalar ("" when absent).
	GetValue(ctx context.Context, name string) (string, error)

	// SetValue writes a durable scalar.
	SetValue(ctx context.Context, name, value string) error
}
