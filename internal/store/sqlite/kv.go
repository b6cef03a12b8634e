// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Parley Contributors

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/parley-dev/parley/internal/store"
)

// Compile-time interface check.
var _ store.KV = (*KV)(nil)

// KV implements store.KV backed by a single SQLite table. It holds the
// session snapshot and any other small durable state.
type KV struct {
	db *sql.DB
}

// NewKV opens (or creates) a SQLite database at dbPath and initialises
// the kv table.
func NewKV(dbPath string) (*KV, error) {
	db, err := openDB(dbPath)
	if err != nil {
		return nil, err
	}

	const ddl = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	updated_at TEXT NOT NULL
);
`
	if _, err := db.Exec(ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating kv store: %w", err)
	}

	return &KV{db: db}, nil
}

// Close closes the underlying database connection.
func (k *KV) Close() error {
	return k.db.Close()
}

func (k *KV) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := k.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting key %s: %w", key, err)
	}
	return value, nil
}

func (k *KV) Set(ctx context.Context, key string, value []byte) error {
	const query = `INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`

	if _, err := k.db.ExecContext(ctx, query, key, value, formatTime(time.Now())); err != nil {
		return fmt.Errorf("setting key %s: %w", key, err)
	}
	return nil
}

func (k *KV) Delete(ctx context.Context, key string) error {
	if _, err := k.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("deleting key %s: %w", key, err)
	}
	return nil
}
