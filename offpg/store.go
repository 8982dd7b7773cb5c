// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package offpg provides a PostgreSQL-backed RemoteStore for the
// offsync engine. Documents are schemaless JSONB rows keyed by a server
// assigned uuid, queried with equality filters on payload fields.
package offpg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mobiletoly/go-offsync/offsync"
)

// Store implements offsync.RemoteStore on a pgx connection pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates the documents table if needed and returns a store.
// The caller owns the pool.
func NewStore(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{pool: pool, logger: logger}
	if err := s.initializeSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initializeSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS offsync_documents (
			collection  TEXT NOT NULL,
			id          UUID NOT NULL,
			payload     JSONB NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (collection, id)
		)
	`)
	return err
}

// Create stores a new document and returns its assigned id.
func (s *Store) Create(ctx context.Context, collection string, rec offsync.Record) (string, error) {
	payload, err := json.Marshal(rec.Fields)
	if err != nil {
		return "", fmt.Errorf("failed to encode document: %w", err)
	}
	id := uuid.New()
	err = RetryTx(ctx, retryAttempts, retryBackoff, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO offsync_documents (collection, id, payload) VALUES ($1, $2, $3)
		`, collection, id, payload)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to create document: %w", err)
	}
	return id.String(), nil
}

// Get returns the document with the given id, or offsync.ErrNotFound.
func (s *Store) Get(ctx context.Context, collection, remoteID string) (offsync.Record, error) {
	id, err := uuid.Parse(remoteID)
	if err != nil {
		return offsync.Record{}, fmt.Errorf("invalid document id %q: %w", remoteID, offsync.ErrNotFound)
	}
	var payload []byte
	err = RetryTx(ctx, retryAttempts, retryBackoff, func(ctx context.Context) error {
		return s.pool.QueryRow(ctx, `
			SELECT payload FROM offsync_documents WHERE collection = $1 AND id = $2
		`, collection, id).Scan(&payload)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return offsync.Record{}, offsync.ErrNotFound
	}
	if err != nil {
		return offsync.Record{}, fmt.Errorf("failed to get document: %w", err)
	}
	return decodeDocument(remoteID, payload)
}

// Query returns documents matching every equality filter, up to limit
// (0 = no limit), oldest first. Filter values are compared against the
// text form of the payload field, the same coercion Record.Matches
// applies, so numeric key fields match their string-derived filters.
func (s *Store) Query(ctx context.Context, collection string, filters map[string]any, limit int) ([]offsync.Record, error) {
	query := `
		SELECT id, payload FROM offsync_documents
		WHERE collection = $1
	`
	args := []any{collection}
	for name, value := range filters {
		args = append(args, name, fmt.Sprintf("%v", value))
		query += fmt.Sprintf(` AND payload ->> $%d::text = $%d::text`, len(args)-1, len(args))
	}
	query += ` ORDER BY updated_at, id`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	var records []offsync.Record
	err := RetryTx(ctx, retryAttempts, retryBackoff, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to query documents: %w", err)
		}
		defer rows.Close()

		records = nil
		for rows.Next() {
			var id uuid.UUID
			var payload []byte
			if err := rows.Scan(&id, &payload); err != nil {
				return fmt.Errorf("failed to scan document: %w", err)
			}
			rec, err := decodeDocument(id.String(), payload)
			if err != nil {
				return err
			}
			records = append(records, rec)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("error iterating documents: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Update overwrites the listed fields of an existing document.
func (s *Store) Update(ctx context.Context, collection, remoteID string, fields map[string]any) error {
	id, err := uuid.Parse(remoteID)
	if err != nil {
		return fmt.Errorf("invalid document id %q: %w", remoteID, offsync.ErrNotFound)
	}
	partial, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to encode partial document: %w", err)
	}
	err = RetryTx(ctx, retryAttempts, retryBackoff, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `
			UPDATE offsync_documents
			SET payload = payload || $3::jsonb, updated_at = now()
			WHERE collection = $1 AND id = $2
		`, collection, id, partial)
		if err != nil {
			return fmt.Errorf("failed to update document: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return offsync.ErrNotFound
		}
		return nil
	})
	return err
}

// Delete removes the document. Deleting an absent id is not an error.
func (s *Store) Delete(ctx context.Context, collection, remoteID string) error {
	id, err := uuid.Parse(remoteID)
	if err != nil {
		return nil
	}
	err = RetryTx(ctx, retryAttempts, retryBackoff, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			DELETE FROM offsync_documents WHERE collection = $1 AND id = $2
		`, collection, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return nil
}

func decodeDocument(remoteID string, payload []byte) (offsync.Record, error) {
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return offsync.Record{}, fmt.Errorf("failed to decode document payload: %w", err)
	}
	return offsync.Record{RemoteID: remoteID, Synced: true, Fields: fields}, nil
}
