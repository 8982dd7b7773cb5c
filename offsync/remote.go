// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import "context"

// RemoteStore is the external authoritative store. Calls are assumed to
// fail atomically (no partial writes) and to be idempotent-safe when
// preceded by an existence check, which is why the drain always
// re-queries before writing.
type RemoteStore interface {
	// Create stores a new document and returns its assigned remote id.
	Create(ctx context.Context, collection string, rec Record) (string, error)

	// Get returns the document with the given remote id, or ErrNotFound.
	Get(ctx context.Context, collection, remoteID string) (Record, error)

	// Query returns documents matching all equality filters, up to
	// limit (0 = no limit). A nil filter map matches everything.
	Query(ctx context.Context, collection string, filters map[string]any, limit int) ([]Record, error)

	// Update overwrites the listed fields of an existing document.
	Update(ctx context.Context, collection, remoteID string, fields map[string]any) error

	// Delete removes the document. Deleting an absent id is not an error.
	Delete(ctx context.Context, collection, remoteID string) error
}
