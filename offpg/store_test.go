// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offpg

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mobiletoly/go-offsync/offsync"
)

// pgHarness spins up a throwaway PostgreSQL container per test.
type pgHarness struct {
	pool  *pgxpool.Pool
	store *Store
}

func newPgHarness(t *testing.T) *pgHarness {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL integration test in short mode")
	}
	ctx := context.Background()

	container, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		postgres.WithDatabase("offsync_test"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	store, err := NewStore(ctx, pool, logger)
	require.NoError(t, err)

	return &pgHarness{pool: pool, store: store}
}

func TestStoreCreateGetRoundtrip(t *testing.T) {
	h := newPgHarness(t)
	ctx := context.Background()

	rec := offsync.NewRecord(map[string]any{"studentId": "S1", "name": "Ada"})
	id, err := h.store.Create(ctx, offsync.CollectionStudents, rec)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := h.store.Get(ctx, offsync.CollectionStudents, id)
	require.NoError(t, err)
	require.Equal(t, id, got.RemoteID)
	require.True(t, got.Synced)
	require.Equal(t, "Ada", got.Field("name"))

	// Same id in a different collection is a different document.
	_, err = h.store.Get(ctx, offsync.CollectionEvents, id)
	require.ErrorIs(t, err, offsync.ErrNotFound)

	_, err = h.store.Get(ctx, offsync.CollectionStudents, "not-a-uuid")
	require.ErrorIs(t, err, offsync.ErrNotFound)
}

func TestStoreQueryByEqualityFilters(t *testing.T) {
	h := newPgHarness(t)
	ctx := context.Background()

	marks := []map[string]any{
		{"studentId": "S1", "date": "2024-01-01", "event": "E1"},
		{"studentId": "S1", "date": "2024-01-01", "event": "E2"},
		{"studentId": "S2", "date": "2024-01-01", "event": "E1"},
	}
	for _, fields := range marks {
		_, err := h.store.Create(ctx, offsync.CollectionAttendance, offsync.NewRecord(fields))
		require.NoError(t, err)
	}

	full, err := h.store.Query(ctx, offsync.CollectionAttendance,
		map[string]any{"studentId": "S1", "date": "2024-01-01", "event": "E1"}, 0)
	require.NoError(t, err)
	require.Len(t, full, 1)

	partial, err := h.store.Query(ctx, offsync.CollectionAttendance,
		map[string]any{"studentId": "S1"}, 0)
	require.NoError(t, err)
	require.Len(t, partial, 2)

	limited, err := h.store.Query(ctx, offsync.CollectionAttendance, nil, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)

	none, err := h.store.Query(ctx, offsync.CollectionAttendance,
		map[string]any{"studentId": "S9"}, 0)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestStoreQueryCoercesNumericFields(t *testing.T) {
	h := newPgHarness(t)
	ctx := context.Background()

	_, err := h.store.Create(ctx, offsync.CollectionStudents,
		offsync.NewRecord(map[string]any{"studentId": 123, "name": "Ada"}))
	require.NoError(t, err)

	// A numeric payload field must match both its numeric and its
	// string-derived filter form, as key-based drain lookups produce
	// the latter.
	byNumber, err := h.store.Query(ctx, offsync.CollectionStudents, map[string]any{"studentId": 123}, 0)
	require.NoError(t, err)
	require.Len(t, byNumber, 1)
	require.Equal(t, "Ada", byNumber[0].Field("name"))

	byString, err := h.store.Query(ctx, offsync.CollectionStudents, map[string]any{"studentId": "123"}, 0)
	require.NoError(t, err)
	require.Len(t, byString, 1)
}

func TestStoreUpdateIsPartial(t *testing.T) {
	h := newPgHarness(t)
	ctx := context.Background()

	rec := offsync.NewRecord(map[string]any{"name": "Spring Camp", "location": "Hall A"})
	id, err := h.store.Create(ctx, offsync.CollectionEvents, rec)
	require.NoError(t, err)

	require.NoError(t, h.store.Update(ctx, offsync.CollectionEvents, id,
		map[string]any{"location": "Hall B"}))

	got, err := h.store.Get(ctx, offsync.CollectionEvents, id)
	require.NoError(t, err)
	require.Equal(t, "Hall B", got.Field("location"))
	require.Equal(t, "Spring Camp", got.Field("name"), "untouched fields survive the update")

	err = h.store.Update(ctx, offsync.CollectionEvents, "00000000-0000-0000-0000-000000000000",
		map[string]any{"location": "nowhere"})
	require.ErrorIs(t, err, offsync.ErrNotFound)
}

func TestStoreDeleteAbsentIsNotAnError(t *testing.T) {
	h := newPgHarness(t)
	ctx := context.Background()

	rec := offsync.NewRecord(map[string]any{"studentId": "S1"})
	id, err := h.store.Create(ctx, offsync.CollectionStudents, rec)
	require.NoError(t, err)

	require.NoError(t, h.store.Delete(ctx, offsync.CollectionStudents, id))
	_, err = h.store.Get(ctx, offsync.CollectionStudents, id)
	require.ErrorIs(t, err, offsync.ErrNotFound)

	// Second delete of the same id, and a malformed id, both succeed.
	require.NoError(t, h.store.Delete(ctx, offsync.CollectionStudents, id))
	require.NoError(t, h.store.Delete(ctx, offsync.CollectionStudents, "not-a-uuid"))
}
