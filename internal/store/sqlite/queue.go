// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Parley Contributors

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/parley-dev/parley/internal/store"
)

// Compile-time interface check.
var _ store.PendingQueue = (*PendingQueue)(nil)

// PendingQueue implements store.PendingQueue backed by SQLite. The queue is
// the only state in the engine that must survive a process restart.
type PendingQueue struct {
	db *sql.DB
}

// NewPendingQueue opens (or creates) a SQLite database at dbPath and
// initialises the pending_messages table.
func NewPendingQueue(dbPath string) (*PendingQueue, error) {
	db, err := openDB(dbPath)
	if err != nil {
		return nil, err
	}

	const ddl = `
CREATE TABLE IF NOT EXISTS pending_messages (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	message_id  TEXT NOT NULL DEFAULT '',
	content     TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	metadata    TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_pending_created ON pending_messages(created_at);
`
	if _, err := db.Exec(ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating pending queue: %w", err)
	}

	return &PendingQueue{db: db}, nil
}

// Close closes the underlying database connection.
func (q *PendingQueue) Close() error {
	return q.db.Close()
}

func (q *PendingQueue) Append(ctx context.Context, msg *store.PendingOfflineMessage) error {
	metadata, err := json.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("marshalling pending message metadata: %w", err)
	}

	const query = `INSERT INTO pending_messages (id, session_id, message_id, content, created_at, metadata)
VALUES (?, ?, ?, ?, ?, ?)`

	_, err = q.db.ExecContext(ctx, query,
		msg.ID,
		msg.SessionID,
		msg.MessageID,
		msg.Content,
		formatTime(msg.CreatedAt),
		string(metadata),
	)
	if err != nil {
		return fmt.Errorf("appending pending message %s: %w", msg.ID, err)
	}
	return nil
}

func (q *PendingQueue) List(ctx context.Context) ([]*store.PendingOfflineMessage, error) {
	const query = `SELECT id, session_id, message_id, content, created_at, metadata
FROM pending_messages ORDER BY created_at ASC, id ASC`

	rows, err := q.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing pending messages: %w", err)
	}
	defer rows.Close()

	var msgs []*store.PendingOfflineMessage
	for rows.Next() {
		var msg store.PendingOfflineMessage
		var createdAt, metaJSON string
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.MessageID, &msg.Content, &createdAt, &metaJSON); err != nil {
			return nil, fmt.Errorf("scanning pending message row: %w", err)
		}
		msg.CreatedAt = parseTime(createdAt)
		if metaJSON != "" && metaJSON != "{}" && metaJSON != "null" {
			if err := json.Unmarshal([]byte(metaJSON), &msg.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshalling pending message metadata: %w", err)
			}
		}
		msgs = append(msgs, &msg)
	}

	return msgs, rows.Err()
}

func (q *PendingQueue) Remove(ctx context.Context, ids ...string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	query := fmt.Sprintf(`DELETE FROM pending_messages WHERE id IN (%s)`, placeholders)

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	result, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("removing pending messages: %w", err)
	}
	return result.RowsAffected()
}

func (q *PendingQueue) Clear(ctx context.Context) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM pending_messages`); err != nil {
		return fmt.Errorf("clearing pending messages: %w", err)
	}
	return nil
}

func openDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging sqlite db: %w", err)
	}
	return db, nil
}

// formatTime serialises a time.Time to RFC3339 with nanosecond precision.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime deserialises a time string stored in the database.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
