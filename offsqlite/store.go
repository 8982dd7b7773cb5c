// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package offsqlite provides the durable SQLite-backed LocalPersistence
// for the offsync engine: per-collection record sets, the
// pending-operation log, and scalar convenience values.
package offsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/mattn/go-sqlite3"

	"github.com/mobiletoly/go-offsync/offsync"
)

// Store implements offsync.LocalPersistence on a SQLite database.
type Store struct {
	DB     *sql.DB
	specs  *offsync.KeySpecRegistry
	logger *slog.Logger
	// Serialize write operations to prevent SQLite locking issues
	writeMu sync.Mutex
}

// legacyAliases maps old scalar key names to their canonical names, so
// databases written by earlier versions stay readable.
var legacyAliases = map[string]string{
	"selectedEvent": "currentEvent",
	"current_event": "currentEvent",
}

// NewStore initializes the metadata tables and returns a store. The
// caller owns the database handle.
func NewStore(db *sql.DB, specs *offsync.KeySpecRegistry, logger *slog.Logger) (*Store, error) {
	if specs == nil {
		specs = offsync.NewKeySpecRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return &Store{DB: db, specs: specs, logger: logger}, nil
}

// initializeDatabase creates the offsync metadata tables.
func initializeDatabase(db *sql.DB) error {
	// Enable WAL mode and foreign keys
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		// One row per record, keyed by the collection's composite key
		`CREATE TABLE IF NOT EXISTS _offsync_records (
			collection  TEXT NOT NULL,
			record_key  TEXT NOT NULL,
			remote_id   TEXT NOT NULL DEFAULT '',
			synced      INTEGER NOT NULL DEFAULT 0,
			last_op     TEXT NOT NULL DEFAULT 'add' CHECK (last_op IN ('add','update','delete')),
			payload     TEXT NOT NULL, -- JSON field map
			updated_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			PRIMARY KEY (collection, record_key)
		)`,

		// Durable append log of not-yet-confirmed remote operations
		`CREATE TABLE IF NOT EXISTS _offsync_pending (
			id          TEXT PRIMARY KEY,
			op_type     TEXT NOT NULL,
			collection  TEXT NOT NULL,
			payload     TEXT, -- record JSON (NULL for criteria deletes)
			criteria    TEXT, -- criteria JSON (NULL for record operations)
			created_at  TEXT NOT NULL,
			synced      INTEGER NOT NULL DEFAULT 0
		)`,

		// Durable scalars (current event and friends)
		`CREATE TABLE IF NOT EXISTS _offsync_kv (
			name   TEXT PRIMARY KEY,
			value  TEXT NOT NULL
		)`,
	}

	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create offsync table: %w", err)
		}
	}
	return nil
}

// Get returns the collection's record set in key order.
func (s *Store) Get(ctx context.Context, collection string) ([]offsync.Record, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT remote_id, synced, payload
		FROM _offsync_records
		WHERE collection = ?
		ORDER BY record_key
	`, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var records []offsync.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return records, nil
}

// Unsynced returns records still flagged unsynced, with the last write
// verb recorded for each.
func (s *Store) Unsynced(ctx context.Context, collection string) ([]offsync.UnsyncedRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT remote_id, synced, payload, last_op
		FROM _offsync_records
		WHERE collection = ? AND synced = 0
		ORDER BY record_key
	`, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to query unsynced records: %w", err)
	}
	defer rows.Close()

	var result []offsync.UnsyncedRecord
	for rows.Next() {
		var remoteID, payload, lastOp string
		var synced int
		if err := rows.Scan(&remoteID, &synced, &payload, &lastOp); err != nil {
			return nil, fmt.Errorf("failed to scan unsynced record: %w", err)
		}
		rec, err := decodeRecord(remoteID, synced, payload)
		if err != nil {
			return nil, err
		}
		result = append(result, offsync.UnsyncedRecord{Record: rec, LastOp: offsync.OpKind(lastOp)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating unsynced records: %w", err)
	}
	return result, nil
}

// Put applies one local write. Adds that collide with an existing key
// upgrade to an update-merge instead of duplicating. When the write
// fails because the storage itself is full or unavailable, it is
// retried once after clearing only the affected collection
// (last-write-wins data loss is preferred over failing the caller).
// Any other failure surfaces as-is, without the destructive retry.
func (s *Store) Put(ctx context.Context, collection string, rec offsync.Record, kind offsync.OpKind) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := s.putOnce(ctx, collection, rec, kind)
	if err == nil {
		return nil
	}
	if !isStorageFailure(err) {
		return err
	}

	s.logger.Warn("Record write hit a storage failure; clearing collection and retrying once",
		"collection", collection, "error", err)
	if _, cerr := s.DB.ExecContext(ctx, `DELETE FROM _offsync_records WHERE collection = ?`, collection); cerr != nil {
		return fmt.Errorf("%w: %v", offsync.ErrLocalStorageFull, err)
	}
	if rerr := s.putOnce(ctx, collection, rec, kind); rerr != nil {
		return fmt.Errorf("%w: %v", offsync.ErrLocalStorageFull, rerr)
	}
	return nil
}

// isStorageFailure reports whether a write failed because the storage
// is full or unavailable. Only these failures warrant the destructive
// clear-and-retry; anything else (a bad record, a constraint) must not
// cost the collection its cached data.
func isStorageFailure(err error) bool {
	var serr sqlite3.Error
	if !errors.As(err, &serr) {
		return false
	}
	switch serr.Code {
	case sqlite3.ErrFull, sqlite3.ErrIoErr, sqlite3.ErrNomem:
		return true
	default:
		return false
	}
}

func (s *Store) putOnce(ctx context.Context, collection string, rec offsync.Record, kind offsync.OpKind) error {
	spec := s.specs.For(collection)
	key := spec.KeyOf(rec)

	if kind == offsync.OpDelete {
		// Absence is not an error.
		_, err := s.DB.ExecContext(ctx, `
			DELETE FROM _offsync_records WHERE collection = ? AND record_key = ?
		`, collection, key)
		if err != nil {
			return fmt.Errorf("failed to delete record: %w", err)
		}
		return nil
	}

	existingKey, existing, found, err := s.findExisting(ctx, collection, spec, rec, key)
	if err != nil {
		return err
	}

	if found {
		merged := offsync.MergeRecords(existing, rec)
		payload, err := json.Marshal(merged.Fields)
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}
		// Key may migrate when a remote id was adopted mid-merge.
		_, err = s.DB.ExecContext(ctx, `
			UPDATE _offsync_records
			SET record_key = ?, remote_id = ?, synced = ?, last_op = ?, payload = ?,
			    updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
			WHERE collection = ? AND record_key = ?
		`, spec.KeyOf(merged), merged.RemoteID, boolToInt(merged.Synced), string(offsync.OpUpdate), string(payload),
			collection, existingKey)
		if err != nil {
			return fmt.Errorf("failed to update record: %w", err)
		}
		return nil
	}

	payload, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO _offsync_records (collection, record_key, remote_id, synced, last_op, payload)
		VALUES (?, ?, ?, ?, ?, ?)
	`, collection, key, rec.RemoteID, boolToInt(rec.Synced), string(kind), string(payload))
	if err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}
	return nil
}

// findExisting locates the row a write should land on. For collections
// keyed primarily by remote id it also checks the natural-key fallback,
// so a record that just gained its remote id does not fork into two rows.
func (s *Store) findExisting(ctx context.Context, collection string, spec offsync.KeySpec, rec offsync.Record, key string) (string, offsync.Record, bool, error) {
	keys := []string{key}
	if spec.RemoteIDFirst && rec.RemoteID != "" {
		fallback := rec.Clone()
		fallback.RemoteID = ""
		keys = append(keys, spec.KeyOf(fallback))
	}

	for _, k := range keys {
		row := s.DB.QueryRowContext(ctx, `
			SELECT remote_id, synced, payload
			FROM _offsync_records
			WHERE collection = ? AND record_key = ?
		`, collection, k)
		var remoteID, payload string
		var synced int
		err := row.Scan(&remoteID, &synced, &payload)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return "", offsync.Record{}, false, fmt.Errorf("failed to query existing record: %w", err)
		}
		existing, err := decodeRecord(remoteID, synced, payload)
		if err != nil {
			return "", offsync.Record{}, false, err
		}
		return k, existing, true, nil
	}
	return "", offsync.Record{}, false, nil
}

// MarkSynced flags the record as synced and records its remote id when
// one was assigned. An already-assigned id is never cleared.
func (s *Store) MarkSynced(ctx context.Context, collection, key, remoteID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.DB.ExecContext(ctx, `
		UPDATE _offsync_records
		SET synced = 1,
		    remote_id = CASE WHEN ? = '' THEN remote_id ELSE ? END,
		    updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE collection = ? AND record_key = ?
	`, remoteID, remoteID, collection, key)
	if err != nil {
		return fmt.Errorf("failed to mark record synced: %w", err)
	}
	return nil
}

// Pending returns the operation log in insertion order.
func (s *Store) Pending(ctx context.Context) ([]offsync.PendingOperation, error) {
	// rowid reflects insertion order for this append-only log; sorting
	// the RFC3339 text would misorder timestamps with no fractional part.
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, op_type, collection, payload, criteria, created_at, synced
		FROM _offsync_pending
		ORDER BY rowid
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending operations: %w", err)
	}
	defer rows.Close()

	var ops []offsync.PendingOperation
	for rows.Next() {
		var op offsync.PendingOperation
		var payload, criteria sql.NullString
		var createdAt string
		var synced int
		if err := rows.Scan(&op.ID, &op.Type, &op.Collection, &payload, &criteria, &createdAt, &synced); err != nil {
			return nil, fmt.Errorf("failed to scan pending operation: %w", err)
		}
		if payload.Valid {
			var rec offsync.Record
			if err := json.Unmarshal([]byte(payload.String), &rec); err != nil {
				return nil, fmt.Errorf("failed to decode pending record: %w", err)
			}
			op.Record = &rec
		}
		if criteria.Valid {
			if err := json.Unmarshal([]byte(criteria.String), &op.Criteria); err != nil {
				return nil, fmt.Errorf("failed to decode pending criteria: %w", err)
			}
		}
		if err := op.CreatedAt.UnmarshalText([]byte(createdAt)); err != nil {
			return nil, fmt.Errorf("failed to parse pending timestamp: %w", err)
		}
		op.Synced = synced != 0
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending operations: %w", err)
	}
	return ops, nil
}

// PutPending appends one operation to the durable log.
func (s *Store) PutPending(ctx context.Context, op offsync.PendingOperation) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var payload, criteria sql.NullString
	if op.Record != nil {
		data, err := json.Marshal(op.Record)
		if err != nil {
			return fmt.Errorf("failed to encode pending record: %w", err)
		}
		payload = sql.NullString{String: string(data), Valid: true}
	}
	if op.Criteria != nil {
		data, err := json.Marshal(op.Criteria)
		if err != nil {
			return fmt.Errorf("failed to encode pending criteria: %w", err)
		}
		criteria = sql.NullString{String: string(data), Valid: true}
	}
	createdAt, err := op.CreatedAt.UTC().MarshalText()
	if err != nil {
		return fmt.Errorf("failed to encode pending timestamp: %w", err)
	}

	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO _offsync_pending (id, op_type, collection, payload, criteria, created_at, synced)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, op.ID, string(op.Type), op.Collection, payload, criteria, string(createdAt), boolToInt(op.Synced))
	if err != nil {
		return fmt.Errorf("failed to append pending operation: %w", err)
	}
	return nil
}

// RemovePending deletes the listed operations in one batch statement.
func (s *Store) RemovePending(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.DB.ExecContext(ctx,
		`DELETE FROM _offsync_pending WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("failed to remove pending operations: %w", err)
	}
	return nil
}

// GetValue reads a durable scalar, following legacy key aliases for
// backward readability. A legacy hit is migrated to the canonical name.
func (s *Store) GetValue(ctx context.Context, name string) (string, error) {
	if canonical, ok := legacyAliases[name]; ok {
		name = canonical
	}

	var value string
	err := s.DB.QueryRowContext(ctx, `SELECT value FROM _offsync_kv WHERE name = ?`, name).Scan(&value)
	if err == nil {
		return value, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("failed to read value %q: %w", name, err)
	}

	for legacy, canonical := range legacyAliases {
		if canonical != name {
			continue
		}
		err := s.DB.QueryRowContext(ctx, `SELECT value FROM _offsync_kv WHERE name = ?`, legacy).Scan(&value)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to read legacy value %q: %w", legacy, err)
		}
		if serr := s.SetValue(ctx, name, value); serr != nil {
			return "", serr
		}
		return value, nil
	}
	return "", nil
}

// SetValue writes a durable scalar.
func (s *Store) SetValue(ctx context.Context, name, value string) error {
	if canonical, ok := legacyAliases[name]; ok {
		name = canonical
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO _offsync_kv (name, value) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value
	`, name, value)
	if err != nil {
		return fmt.Errorf("failed to write value %q: %w", name, err)
	}
	return nil
}

type recordScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row recordScanner) (offsync.Record, error) {
	var remoteID, payload string
	var synced int
	if err := row.Scan(&remoteID, &synced, &payload); err != nil {
		return offsync.Record{}, fmt.Errorf("failed to scan record: %w", err)
	}
	return decodeRecord(remoteID, synced, payload)
}

func decodeRecord(remoteID string, synced int, payload string) (offsync.Record, error) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(payload), &fields); err != nil {
		return offsync.Record{}, fmt.Errorf("failed to decode record payload: %w", err)
	}
	return offsync.Record{RemoteID: remoteID, Synced: synced != 0, Fields: fields}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
