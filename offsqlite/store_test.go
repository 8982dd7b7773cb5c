// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsqlite

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-offsync/offsync"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db, nil, nil)
	require.NoError(t, err)
	return store
}

func TestInitializeDatabase(t *testing.T) {
	store := newTestStore(t)

	expectedTables := []string{"_offsync_records", "_offsync_pending", "_offsync_kv"}
	for _, table := range expectedTables {
		var count int
		err := store.DB.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		require.Equal(t, 1, count, "Table %s should exist", table)
	}

	// In-memory databases report "memory" instead of "wal"
	var journalMode string
	err := store.DB.QueryRow("PRAGMA journal_mode").Scan(&journalMode)
	require.NoError(t, err)
	require.Contains(t, []string{"wal", "memory"}, journalMode)
}

func TestPutAddAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := offsync.NewRecord(map[string]any{"studentId": "S1", "name": "Ada"})
	require.NoError(t, store.Put(ctx, offsync.CollectionStudents, rec, offsync.OpAdd))

	records, err := store.Get(ctx, offsync.CollectionStudents)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "Ada", records[0].Field("name"))
	require.False(t, records[0].Synced)
}

func TestPutAddDuplicateUpgradesToMerge(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := offsync.NewRecord(map[string]any{"studentId": "S1", "name": "Ada", "grade": "5"})
	require.NoError(t, store.Put(ctx, offsync.CollectionStudents, first, offsync.OpAdd))

	second := offsync.NewRecord(map[string]any{"studentId": "S1", "name": "Ada Lovelace"})
	require.NoError(t, store.Put(ctx, offsync.CollectionStudents, second, offsync.OpAdd))

	records, err := store.Get(ctx, offsync.CollectionStudents)
	require.NoError(t, err)
	require.Len(t, records, 1, "duplicate key must not create a second record")
	require.Equal(t, "Ada Lovelace", records[0].Field("name"), "incoming fields override")
	require.Equal(t, "5", records[0].Field("grade"), "existing fields preserved")
}

func TestPutBadRecordDoesNotDestroyCollection(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	good := offsync.NewRecord(map[string]any{"studentId": "S1", "name": "Ada"})
	require.NoError(t, store.Put(ctx, offsync.CollectionStudents, good, offsync.OpAdd))

	bad := offsync.NewRecord(map[string]any{"studentId": "S2", "score": math.NaN()})
	err := store.Put(ctx, offsync.CollectionStudents, bad, offsync.OpAdd)
	require.Error(t, err)
	require.NotErrorIs(t, err, offsync.ErrLocalStorageFull,
		"an unmarshalable record is not a storage failure")

	records, err := store.Get(ctx, offsync.CollectionStudents)
	require.NoError(t, err)
	require.Len(t, records, 1, "a bad record must never wipe the cached set")
	require.Equal(t, "Ada", records[0].Field("name"))
}

func TestPutStorageFullClearsOnlyAffectedCollection(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// The page-limit pragma below is per connection.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	store, err := NewStore(db, nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	keep := offsync.NewRecord(map[string]any{"name": "Spring Camp"})
	require.NoError(t, store.Put(ctx, offsync.CollectionEvents, keep, offsync.OpAdd))

	filler := strings.Repeat("x", 32*1024)
	for i := 0; i < 40; i++ {
		rec := offsync.NewRecord(map[string]any{"studentId": fmt.Sprintf("S%03d", i), "blob": filler})
		require.NoError(t, store.Put(ctx, offsync.CollectionStudents, rec, offsync.OpAdd))
	}

	// Cap the database at its current size so the next large write
	// fails with a genuine storage-full error.
	var pages int
	require.NoError(t, db.QueryRow(`PRAGMA page_count`).Scan(&pages))
	_, err = db.Exec(fmt.Sprintf(`PRAGMA max_page_count = %d`, pages))
	require.NoError(t, err)

	big := offsync.NewRecord(map[string]any{"studentId": "S999", "blob": strings.Repeat("y", 128*1024)})
	require.NoError(t, store.Put(ctx, offsync.CollectionStudents, big, offsync.OpAdd),
		"clearing the affected collection must make room for the write")

	records, err := store.Get(ctx, offsync.CollectionStudents)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "S999", records[0].Field("studentId"))

	events, err := store.Get(ctx, offsync.CollectionEvents)
	require.NoError(t, err)
	require.Len(t, events, 1, "other collections are untouched")
}

func TestPutDeleteAbsentIsNotAnError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := offsync.NewRecord(map[string]any{"studentId": "S1"})
	require.NoError(t, store.Put(ctx, offsync.CollectionStudents, rec, offsync.OpDelete))

	require.NoError(t, store.Put(ctx, offsync.CollectionStudents, rec, offsync.OpAdd))
	require.NoError(t, store.Put(ctx, offsync.CollectionStudents, rec, offsync.OpDelete))

	records, err := store.Get(ctx, offsync.CollectionStudents)
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestMarkSyncedRecordsRemoteID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	spec := offsync.NewKeySpecRegistry().For(offsync.CollectionStudents)
	rec := offsync.NewRecord(map[string]any{"studentId": "S1"})
	require.NoError(t, store.Put(ctx, offsync.CollectionStudents, rec, offsync.OpAdd))

	require.NoError(t, store.MarkSynced(ctx, offsync.CollectionStudents, spec.KeyOf(rec), "r-77"))

	records, err := store.Get(ctx, offsync.CollectionStudents)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.True(t, records[0].Synced)
	require.Equal(t, "r-77", records[0].RemoteID)

	// Marking again with an empty id must not clear the assigned one.
	require.NoError(t, store.MarkSynced(ctx, offsync.CollectionStudents, spec.KeyOf(rec), ""))
	records, err = store.Get(ctx, offsync.CollectionStudents)
	require.NoError(t, err)
	require.Equal(t, "r-77", records[0].RemoteID)
}

func TestUnsyncedReportsLastOp(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := offsync.NewRecord(map[string]any{"studentId": "S1", "name": "Ada"})
	require.NoError(t, store.Put(ctx, offsync.CollectionStudents, rec, offsync.OpAdd))

	unsynced, err := store.Unsynced(ctx, offsync.CollectionStudents)
	require.NoError(t, err)
	require.Len(t, unsynced, 1)
	require.Equal(t, offsync.OpAdd, unsynced[0].LastOp)

	update := offsync.NewRecord(map[string]any{"studentId": "S1", "name": "Ada L."})
	require.NoError(t, store.Put(ctx, offsync.CollectionStudents, update, offsync.OpUpdate))

	unsynced, err = store.Unsynced(ctx, offsync.CollectionStudents)
	require.NoError(t, err)
	require.Len(t, unsynced, 1)
	require.Equal(t, offsync.OpUpdate, unsynced[0].LastOp)

	spec := offsync.NewKeySpecRegistry().For(offsync.CollectionStudents)
	require.NoError(t, store.MarkSynced(ctx, offsync.CollectionStudents, spec.KeyOf(rec), "r-1"))
	unsynced, err = store.Unsynced(ctx, offsync.CollectionStudents)
	require.NoError(t, err)
	require.Empty(t, unsynced)
}

func TestEventRecordGainingRemoteIDDoesNotFork(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	event := offsync.NewRecord(map[string]any{"name": "Spring Camp"})
	require.NoError(t, store.Put(ctx, offsync.CollectionEvents, event, offsync.OpAdd))

	// Same event comes back from a fetch, now carrying its remote id.
	confirmed := event.Clone()
	confirmed.RemoteID = "r-9"
	confirmed.Synced = true
	require.NoError(t, store.Put(ctx, offsync.CollectionEvents, confirmed, offsync.OpUpdate))

	records, err := store.Get(ctx, offsync.CollectionEvents)
	require.NoError(t, err)
	require.Len(t, records, 1, "id adoption must not fork the row")
	require.Equal(t, "r-9", records[0].RemoteID)
	require.True(t, records[0].Synced)
}

func TestPendingLogRoundtripAndOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := offsync.NewRecord(map[string]any{"studentId": "S1", "date": "2024-01-01", "event": "E1"})
	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		op := offsync.PendingOperation{
			ID:         "op-" + string(rune('a'+i)),
			Type:       "addAttendance",
			Collection: offsync.CollectionAttendance,
			Record:     &rec,
			CreatedAt:  base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, store.PutPending(ctx, op))
	}

	criteriaOp := offsync.PendingOperation{
		ID:         "op-z",
		Type:       "deleteAttendanceByEvent",
		Collection: offsync.CollectionAttendance,
		Criteria:   map[string]any{"event": "E1"},
		CreatedAt:  base.Add(10 * time.Second),
	}
	require.NoError(t, store.PutPending(ctx, criteriaOp))

	ops, err := store.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 4)
	require.Equal(t, "op-a", ops[0].ID)
	require.Equal(t, "op-z", ops[3].ID)

	require.NotNil(t, ops[0].Record)
	require.Equal(t, "S1", ops[0].Record.Field("studentId"))
	require.Nil(t, ops[0].Criteria)

	require.Nil(t, ops[3].Record)
	require.Equal(t, "E1", ops[3].Criteria["event"])
	require.True(t, ops[3].CreatedAt.Equal(base.Add(10*time.Second)))
}

func TestPendingOrderIsInsertionNotTextual(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := offsync.NewRecord(map[string]any{"studentId": "S1"})
	// "...10:00:00Z" sorts after "...10:00:00.5Z" as text even though it
	// is chronologically earlier and was inserted first.
	first := offsync.PendingOperation{
		ID:         "first",
		Type:       "addStudent",
		Collection: offsync.CollectionStudents,
		Record:     &rec,
		CreatedAt:  time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
	}
	second := first
	second.ID = "second"
	second.CreatedAt = time.Date(2024, 1, 1, 10, 0, 0, 500_000_000, time.UTC)

	require.NoError(t, store.PutPending(ctx, first))
	require.NoError(t, store.PutPending(ctx, second))

	ops, err := store.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	require.Equal(t, "first", ops[0].ID)
	require.Equal(t, "second", ops[1].ID)
}

func TestRemovePendingIsBatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := offsync.NewRecord(map[string]any{"studentId": "S1"})
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.PutPending(ctx, offsync.PendingOperation{
			ID:         id,
			Type:       "addStudent",
			Collection: offsync.CollectionStudents,
			Record:     &rec,
			CreatedAt:  time.Now().UTC(),
		}))
	}

	require.NoError(t, store.RemovePending(ctx, "a", "c"))
	ops, err := store.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.Equal(t, "b", ops[0].ID)

	require.NoError(t, store.RemovePending(ctx))
}

func TestValuesWithLegacyAliases(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	value, err := store.GetValue(ctx, "currentEvent")
	require.NoError(t, err)
	require.Empty(t, value)

	// A database written under the legacy key stays readable.
	_, err = store.DB.ExecContext(ctx, `INSERT INTO _offsync_kv (name, value) VALUES ('selectedEvent', 'E1')`)
	require.NoError(t, err)

	value, err = store.GetValue(ctx, "currentEvent")
	require.NoError(t, err)
	require.Equal(t, "E1", value)

	// The legacy name reads the same data.
	value, err = store.GetValue(ctx, "selectedEvent")
	require.NoError(t, err)
	require.Equal(t, "E1", value)

	require.NoError(t, store.SetValue(ctx, "currentEvent", "E2"))
	value, err = store.GetValue(ctx, "currentEvent")
	require.NoError(t, err)
	require.Equal(t, "E2", value)
}
