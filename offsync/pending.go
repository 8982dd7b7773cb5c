// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// PendingOperation is one not-yet-confirmed remote operation in the
// durable replay log. Exactly one of Record and Criteria is set: record
// operations carry the record as captured at write time, filter deletes
// carry the criteria and are resolved against the remote store at drain
// time. Once created an operation is never mutated except for the
// synced flag.
type PendingOperation struct {
	ID         string         `json:"id"`
	Type       OpType         `json:"type"`
	Collection string         `json:"collection"`
	Record     *Record        `json:"record,omitempty"`
	Criteria   map[string]any `json:"criteria,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	Synced     bool           `json:"synced"`
}

// PendingQueue is the durable, ordered log of deferred remote
// operations. Enqueue never deduplicates: the queue cannot know the
// authoritative remote state, so dedup happens at drain time against
// the remote store itself.
type PendingQueue struct {
	local  LocalPersistence
	logger *slog.Logger
}

// NewPendingQueue creates a queue over the given persistence.
func NewPendingQueue(local LocalPersistence, logger *slog.Logger) *PendingQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &PendingQueue{local: local, logger: logger}
}

// Enqueue assigns a unique id and timestamp and appends the operation
// durably. The stored operation is returned.
func (q *PendingQueue) Enqueue(ctx context.Context, op PendingOperation) (PendingOperation, error) {
	op.ID = uuid.New().String()
	op.CreatedAt = time.Now().UTC()
	op.Synced = false
	if err := q.local.PutPending(ctx, op); err != nil {
		return PendingOperation{}, fmt.Errorf("failed to enqueue pending operation: %w", err)
	}
	q.logger.Debug("Queued pending operation",
		"id", op.ID, "type", op.Type, "collection", op.Collection)
	return op, nil
}

// List returns all queued operations in insertion order.
func (q *PendingQueue) List(ctx context.Context) ([]PendingOperation, error) {
	ops, err := q.local.Pending(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending operations: %w", err)
	}
	return ops, nil
}

// Remove deletes the given operations from the durable log in one batch
// write. Called once per drain pass with everything that synced.
func (q *PendingQueue) Remove(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := q.local.RemovePending(ctx, ids...); err != nil {
		return fmt.Errorf("failed to remove pending operations: %w", err)
	}
	return nil
}

// CountUnsynced returns the number of operations still awaiting a
// successful remote replay.
func (q *PendingQueue) CountUnsynced(ctx context.Context) (int, error) {
	ops, err := q.local.Pending(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending operations: %w", err)
	}
	n := 0
	for _, op := range ops {
		if !op.Synced {
			n++
		}
	}
	return n, nil
}
