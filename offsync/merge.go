// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

// Merge combines a local and a remote record set into one set with no
// duplicate keys. Local records always win on key collision (offline
// edits are assumed authoritative); remote-only records are appended in
// their incoming order. A local record without a remote identifier
// adopts the id of its remote counterpart so later replays update
// instead of re-creating.
//
// The second return value lists the remote records whose key was not
// present locally; callers persist those so subsequent reads are fully
// local-capable.
func Merge(local, remote []Record, spec KeySpec) (merged []Record, remoteOnly []Record) {
	merged = make([]Record, 0, len(local)+len(remote))

	byKey := make(map[string]int, len(local))
	for _, rec := range local {
		key := spec.KeyOf(rec)
		if _, dup := byKey[key]; dup {
			// Local set is expected to be key-unique; keep the first.
			continue
		}
		byKey[key] = len(merged)
		merged = append(merged, rec.Clone())
	}

	for _, rec := range remote {
		key := spec.KeyOf(rec)
		i, ok := byKey[key]
		if !ok && spec.RemoteIDFirst && rec.RemoteID != "" {
			// An id-less local record keys by its natural fields while
			// its remote counterpart keys by id; match on the fallback
			// key so the pair is not treated as two records.
			fallback := rec.Clone()
			fallback.RemoteID = ""
			i, ok = byKey[spec.KeyOf(fallback)]
		}
		if ok {
			if merged[i].RemoteID == "" && rec.RemoteID != "" {
				merged[i].RemoteID = rec.RemoteID
			}
			continue
		}
		byKey[key] = len(merged)
		clone := rec.Clone()
		merged = append(merged, clone)
		remoteOnly = append(remoteOnly, clone)
	}

	return merged, remoteOnly
}
