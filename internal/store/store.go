// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Parley Contributors

package store

import "context"

// PendingQueue is the durable offline-message queue. Implementations must
// tolerate concurrent mutation from independent call sites (manual removal
// vs. automatic sync); callers re-read the current snapshot via List before
// acting rather than caching a stale copy.
type PendingQueue interface {
	Append(ctx context.Context, msg *PendingOfflineMessage) error
	List(ctx context.Context) ([]*PendingOfflineMessage, error)
	// Remove deletes the entries with the given IDs and returns how many
	// rows were actually removed. Unknown IDs are skipped, not errors.
	Remove(ctx context.Context, ids ...string) (int64, error)
	Clear(ctx context.Context) error
	Close() error
}

// KV is a small durable key-value surface used for session snapshots that
// should survive a restart.
type KV interface {
	// Get returns the stored value, or nil when the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}
