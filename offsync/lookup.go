// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"errors"
	"fmt"
)

// LookupStrategy locates the remote counterpart of a local record. Find
// returns the remote record and true on a hit, false on a clean miss.
type LookupStrategy struct {
	Name string
	Find func(ctx context.Context, remote RemoteStore, collection string, spec KeySpec, rec Record) (Record, bool, error)
}

// LookupStrategies returns the ordered fallback chain used during
// drains: exact remote id, then the full composite natural key, then
// the partial key with the last field dropped. The partial fallback is
// an intentional degraded-matching policy: it can match a record
// sharing the leading key fields across different values of the last
// field (e.g. the same (studentId, date) under another event).
func LookupStrategies() []LookupStrategy {
	return []LookupStrategy{
		{Name: "remote-id", Find: findByRemoteID},
		{Name: "composite-key", Find: findByCompositeKey},
		{Name: "partial-key", Find: findByPartialKey},
	}
}

func findByRemoteID(ctx context.Context, remote RemoteStore, collection string, _ KeySpec, rec Record) (Record, bool, error) {
	if rec.RemoteID == "" {
		return Record{}, false, nil
	}
	found, err := remote.Get(ctx, collection, rec.RemoteID)
	if errors.Is(err, ErrNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return found, true, nil
}

func findByCompositeKey(ctx context.Context, remote RemoteStore, collection string, spec KeySpec, rec Record) (Record, bool, error) {
	return queryOne(ctx, remote, collection, spec.Filters(rec))
}

func findByPartialKey(ctx context.Context, remote RemoteStore, collection string, spec KeySpec, rec Record) (Record, bool, error) {
	filters := spec.PartialFilters(rec)
	if filters == nil {
		return Record{}, false, nil
	}
	return queryOne(ctx, remote, collection, filters)
}

func queryOne(ctx context.Context, remote RemoteStore, collection string, filters map[string]any) (Record, bool, error) {
	if len(filters) == 0 {
		return Record{}, false, nil
	}
	matches, err := remote.Query(ctx, collection, filters, 1)
	if err != nil {
		return Record{}, false, err
	}
	if len(matches) == 0 {
		return Record{}, false, nil
	}
	return matches[0], true, nil
}

// resolveRemote runs the strategy chain, terminating at the first hit.
// A strategy error aborts the chain; a miss falls through.
func resolveRemote(ctx context.Context, remote RemoteStore, collection string, spec KeySpec, rec Record) (Record, bool, error) {
	for _, strategy := range LookupStrategies() {
		found, ok, err := strategy.Find(ctx, remote, collection, spec, rec)
		if err != nil {
			return Record{}, false, fmt.Errorf("%s lookup failed: %w", strategy.Name, err)
		}
		if ok {
			return found, true, nil
		}
	}
	return Record{}, false, nil
}
