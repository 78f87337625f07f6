// Copyright 2026 MainListActivity
// SPDX-License-Identifier: Apache-2.0

// Package bisqlite provides the SQLite-backed durable persistence behind
// bisync offline queues, so operations queued while offline survive a process
// restart.
package bisqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/MainListActivity/cuckoox-google-sub003/bisync"
)

// Store implements bisync.QueueStore on top of a SQLite database. Queues are
// stored as one JSON blob per scope key; watermarks live in a sibling table.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the store at path. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue store: %w", err)
	}
	store, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// New wraps an existing database handle and creates the persistence tables.
func New(db *sql.DB) (*Store, error) {
	// WAL keeps persist calls from blocking concurrent scope reads.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS _sync_offline_queue (
			scope_key   TEXT PRIMARY KEY,
			queue       TEXT NOT NULL, -- JSON array of operations, FIFO order
			updated_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,
		`CREATE TABLE IF NOT EXISTS _sync_watermarks (
			scope_key   TEXT PRIMARY KEY,
			pulled_upto INTEGER NOT NULL DEFAULT 0,
			updated_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,
	}
	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return nil, fmt.Errorf("failed to create persistence table: %w", err)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// SaveQueue replaces the persisted queue blob for the scope.
func (s *Store) SaveQueue(ctx context.Context, scopeKey string, ops []*bisync.SyncOperation) error {
	blob, err := json.Marshal(ops)
	if err != nil {
		return fmt.Errorf("failed to marshal queue: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO _sync_offline_queue (scope_key, queue, updated_at)
		VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		ON CONFLICT(scope_key) DO UPDATE SET
			queue = excluded.queue,
			updated_at = excluded.updated_at
	`, scopeKey, string(blob))
	if err != nil {
		return fmt.Errorf("failed to persist queue for %s: %w", scopeKey, err)
	}
	return nil
}

// LoadQueue restores the persisted queue for the scope in its original order.
// A scope with nothing persisted returns nil, nil.
func (s *Store) LoadQueue(ctx context.Context, scopeKey string) ([]*bisync.SyncOperation, error) {
	var blob string
	err := s.db.QueryRowContext(ctx,
		`SELECT queue FROM _sync_offline_queue WHERE scope_key = ?`, scopeKey).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load queue for %s: %w", scopeKey, err)
	}
	var ops []*bisync.SyncOperation
	if err := json.Unmarshal([]byte(blob), &ops); err != nil {
		return nil, fmt.Errorf("failed to unmarshal queue for %s: %w", scopeKey, err)
	}
	return ops, nil
}

// DeleteQueue purges the persisted queue for the scope.
func (s *Store) DeleteQueue(ctx context.Context, scopeKey string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM _sync_offline_queue WHERE scope_key = ?`, scopeKey); err != nil {
		return fmt.Errorf("failed to delete queue for %s: %w", scopeKey, err)
	}
	return nil
}

// SaveWatermark persists the incremental-pull cursor for the scope.
func (s *Store) SaveWatermark(ctx context.Context, scopeKey string, unixNano int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO _sync_watermarks (scope_key, pulled_upto, updated_at)
		VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		ON CONFLICT(scope_key) DO UPDATE SET
			pulled_upto = excluded.pulled_upto,
			updated_at = excluded.updated_at
	`, scopeKey, unixNano)
	if err != nil {
		return fmt.Errorf("failed to persist watermark for %s: %w", scopeKey, err)
	}
	return nil
}

// LoadWatermark returns the persisted cursor, zero when none exists.
func (s *Store) LoadWatermark(ctx context.Context, scopeKey string) (int64, error) {
	var upto int64
	err := s.db.QueryRowContext(ctx,
		`SELECT pulled_upto FROM _sync_watermarks WHERE scope_key = ?`, scopeKey).Scan(&upto)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load watermark for %s: %w", scopeKey, err)
	}
	return upto, nil
}

// ScopeKeys lists every scope key with a persisted queue (operator tooling).
func (s *Store) ScopeKeys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT scope_key FROM _sync_offline_queue ORDER BY scope_key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list scope keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan scope key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
