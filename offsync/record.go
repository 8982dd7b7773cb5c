// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package offsync provides an offline-first synchronization engine that
// keeps a durable local cache eventually consistent with a remote
// authoritative store. Writes are committed locally first, attempted
// remotely when connectivity allows, and durably queued for replay
// otherwise.
package offsync

import (
	"fmt"
	"strings"
)

// Record is one logical entity (student, attendance mark, event,
// setting). Fields is an opaque field map; identity is derived from a
// per-collection KeySpec, not from the remote identifier alone.
type Record struct {
	RemoteID string         `json:"remoteId,omitempty"` // assigned by the remote store on first create
	Synced   bool           `json:"synced"`
	Fields   map[string]any `json:"fields"`
}

// NewRecord creates an unsynced record with the given fields.
func NewRecord(fields map[string]any) Record {
	if fields == nil {
		fields = map[string]any{}
	}
	return Record{Fields: fields}
}

// Field returns the string form of a field value, or "" when absent.
func (r Record) Field(name string) string {
	v, ok := r.Fields[name]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// Clone returns a deep copy of the record's field map.
func (r Record) Clone() Record {
	fields := make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		fields[k] = v
	}
	return Record{RemoteID: r.RemoteID, Synced: r.Synced, Fields: fields}
}

// Matches reports whether every criteria entry equals the corresponding
// record field (string comparison, same coercion as Field).
func (r Record) Matches(criteria map[string]any) bool {
	for name, want := range criteria {
		if r.Field(name) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}

// MergeRecords merges incoming into existing: existing fields are
// preserved, incoming fields override, and the remote identifier is
// set-once (an assigned id is never overwritten by an empty one).
// The incoming synced flag wins; callers that persist remote state pass
// Synced=true, local writes pass Synced=false.
func MergeRecords(existing, incoming Record) Record {
	merged := existing.Clone()
	for k, v := range incoming.Fields {
		merged.Fields[k] = v
	}
	if incoming.RemoteID != "" {
		merged.RemoteID = incoming.RemoteID
	}
	merged.Synced = incoming.Synced
	return merged
}

// keySeparator joins composite key parts. Unit separator keeps natural
// field values from colliding with the joined form.
const keySeparator = "\x1f"

// KeySpec defines the composite natural key of one collection.
type KeySpec struct {
	Collection string
	// Fields lists the natural key fields in order. A record's key is
	// the joined values of these fields.
	Fields []string
	// RemoteIDFirst makes an assigned remote identifier the primary
	// identity, with Fields as the fallback (events behave this way).
	RemoteIDFirst bool
}

// KeyOf derives the record's deduplication key.
func (s KeySpec) KeyOf(r Record) string {
	if s.RemoteIDFirst && r.RemoteID != "" {
		return "id" + keySeparator + r.RemoteID
	}
	parts := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		parts = append(parts, r.Field(f))
	}
	return strings.Join(parts, keySeparator)
}

// Filters returns the equality filter map for a remote lookup by the
// full composite key.
func (s KeySpec) Filters(r Record) map[string]any {
	filters := make(map[string]any, len(s.Fields))
	for _, f := range s.Fields {
		filters[f] = r.Field(f)
	}
	return filters
}

// PartialFilters drops the last key field, producing the looser filter
// used as the final lookup fallback. Returns nil when the key has a
// single field (no meaningful partial form).
func (s KeySpec) PartialFilters(r Record) map[string]any {
	if len(s.Fields) < 2 {
		return nil
	}
	filters := make(map[string]any, len(s.Fields)-1)
	for _, f := range s.Fields[:len(s.Fields)-1] {
		filters[f] = r.Field(f)
	}
	return filters
}

// KeySpecRegistry maps collections to their key specs.
type KeySpecRegistry struct {
	specs map[string]KeySpec
}

// NewKeySpecRegistry returns a registry preloaded with the built-in
// collections:
//
//	students:   studentId
//	attendance: (studentId, date, event)
//	events:     remote id, falling back to name
//	settings:   singleton per setting name
func NewKeySpecRegistry() *KeySpecRegistry {
	r := &KeySpecRegistry{specs: map[string]KeySpec{}}
	r.Register(KeySpec{Collection: CollectionStudents, Fields: []string{"studentId"}})
	r.Register(KeySpec{Collection: CollectionAttendance, Fields: []string{"studentId", "date", "event"}})
	r.Register(KeySpec{Collection: CollectionEvents, Fields: []string{"name"}, RemoteIDFirst: true})
	r.Register(KeySpec{Collection: CollectionSettings, Fields: []string{"name"}})
	return r
}

// Register adds or replaces the spec for its collection.
func (r *KeySpecRegistry) Register(spec KeySpec) {
	r.specs[spec.Collection] = spec
}

// For returns the spec for a collection. Unregistered collections fall
// back to an "id" field key.
func (r *KeySpecRegistry) For(collection string) KeySpec {
	if spec, ok := r.specs[collection]; ok {
		return spec
	}
	return KeySpec{Collection: collection, Fields: []string{"id"}}
}
