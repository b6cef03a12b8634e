// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Parley Contributors

package store

import (
	"context"
	"encoding/json"

	parleyerr "github.com/parley-dev/parley/pkg/errors"
)

// snapshotKey is the KV key under which the session snapshot is stored.
const snapshotKey = "sessions/snapshot"

// SaveSnapshot persists the current sessions (messages included) to the KV
// so a restarted process can resume conversations. The snapshot is
// best-effort state; the durable offline queue is persisted separately.
func (s *SessionStore) SaveSnapshot(ctx context.Context, kv KV) error {
	sessions := s.ListSessions()

	data, err := json.Marshal(sessions)
	if err != nil {
		return parleyerr.Wrap(err, parleyerr.CodeStoreSnapshotFailure, "encoding session snapshot")
	}

	if err := kv.Set(ctx, snapshotKey, data); err != nil {
		return parleyerr.Wrap(err, parleyerr.CodeStoreSnapshotFailure, "writing session snapshot")
	}
	return nil
}

// LoadSnapshot restores sessions from a previously saved snapshot. Sessions
// already present in the store win over snapshot entries with the same ID.
// A missing snapshot is not an error.
func (s *SessionStore) LoadSnapshot(ctx context.Context, kv KV) error {
	data, err := kv.Get(ctx, snapshotKey)
	if err != nil {
		return parleyerr.Wrap(err, parleyerr.CodeStoreSnapshotFailure, "reading session snapshot")
	}
	if data == nil {
		return nil
	}

	var sessions []*Session
	if err := json.Unmarshal(data, &sessions); err != nil {
		return parleyerr.Wrap(err, parleyerr.CodeStoreSnapshotFailure, "decoding session snapshot")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range sessions {
		if _, exists := s.sessions[sess.ID]; exists {
			continue
		}
		// Typing state never survives a restart.
		sess.IsTyping = false
		s.sessions[sess.ID] = sess
	}
	return nil
}
