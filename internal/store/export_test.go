// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Parley Contributors

package store

import "time"

// SetLastActivityForTest backdates a session's activity so reaper tests can
// age sessions without sleeping.
func SetLastActivityForTest(s *SessionStore, id string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.LastActivityAt = t
	}
}
