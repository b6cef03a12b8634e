// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Parley Contributors

package store

import (
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	parleyerr "github.com/parley-dev/parley/pkg/errors"
)

// SessionStore is the authoritative in-memory registry of sessions and their
// message sequences. It performs no I/O; durability is layered on separately
// via snapshots. All methods are safe for concurrent use, and every mutation
// happens under the store lock, so each operation is atomic with respect to
// the rest of the engine.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	nowFunc func() time.Time // for testing
}

// NewSessionStore creates an empty session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*Session),
		nowFunc:  time.Now,
	}
}

// CreateSession allocates a new session with an empty message sequence.
// Each call creates a new session; callers are responsible for reuse.
func (s *SessionStore) CreateSession(kind SessionKind, endpoint string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	sess := &Session{
		ID:              uuid.NewString(),
		Kind:            kind,
		WebhookEndpoint: endpoint,
		IsActive:        true,
		LastActivityAt:  now,
		CreatedAt:       now,
		Metadata:        make(map[string]string),
	}
	s.sessions[sess.ID] = sess

	return copySession(sess)
}

// GetSession returns a snapshot of the session, including ended sessions
// that have not been reaped yet (a trailing read is allowed).
func (s *SessionStore) GetSession(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, parleyerr.New(parleyerr.CodeStoreSessionNotFound,
			"session not found", parleyerr.FieldSessionID(id))
	}
	return copySession(sess), nil
}

// ListSessions returns snapshots of all sessions, most recent activity first.
func (s *SessionStore) ListSessions() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, copySession(sess))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	return out
}

// AddMessage appends msg to the session's ordered sequence and returns the
// message ID. It fails when the session is unknown or already ended.
func (s *SessionStore) AddMessage(sessionID string, msg *Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return "", parleyerr.New(parleyerr.CodeStoreSessionNotFound,
			"session not found", parleyerr.FieldSessionID(sessionID))
	}
	if !sess.IsActive {
		return "", parleyerr.New(parleyerr.CodeStoreSessionEnded,
			"session already ended", parleyerr.FieldSessionID(sessionID))
	}

	stored := *msg
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.nowFunc()
	}
	stored.SessionID = sessionID

	sess.Messages = append(sess.Messages, &stored)
	sess.LastActivityAt = s.nowFunc()

	return stored.ID, nil
}

// UpdateMessageStatus transitions the status of an existing message. It is a
// silent no-op when the session or message no longer exists (e.g. already
// pruned by the reaper).
func (s *SessionStore) UpdateMessageStatus(sessionID, messageID string, status MessageStatus, msgErr *MessageError) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	for _, msg := range sess.Messages {
		if msg.ID == messageID {
			msg.Status = status
			msg.Error = msgErr
			return
		}
	}
}

// SetTyping sets the typing indicator observed by presentation layers.
func (s *SessionStore) SetTyping(sessionID string, typing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[sessionID]; ok {
		sess.IsTyping = typing
	}
}

// SetBlocked flags or unflags a session for policy rejection. Sends on a
// blocked session fail immediately without a network call.
func (s *SessionStore) SetBlocked(sessionID string, blocked bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[sessionID]; ok {
		sess.Blocked = blocked
	}
}

// Touch updates the session's last-activity timestamp.
func (s *SessionStore) Touch(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[sessionID]; ok {
		sess.LastActivityAt = s.nowFunc()
	}
}

// EndSession marks the session inactive and eligible for reaping. Messages
// are kept until the reaper runs so callers can do a trailing read.
func (s *SessionStore) EndSession(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return parleyerr.New(parleyerr.CodeStoreSessionNotFound,
			"session not found", parleyerr.FieldSessionID(sessionID))
	}
	sess.IsActive = false
	sess.IsTyping = false
	sess.LastActivityAt = s.nowFunc()
	return nil
}

// CleanupExpiredSessions removes every session whose last activity is older
// than ttl and returns how many were removed. Bounded staleness is fine;
// this runs periodically and on demand, not in real time.
func (s *SessionStore) CleanupExpiredSessions(ttl time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.nowFunc().Add(-ttl)
	removed := 0
	for id, sess := range s.sessions {
		if sess.LastActivityAt.Before(cutoff) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// LastUserMessage returns a snapshot of the most recent user-sent message,
// or nil when the session has none.
func (s *SessionStore) LastUserMessage(sessionID string) *Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	for i := len(sess.Messages) - 1; i >= 0; i-- {
		if sess.Messages[i].Sender == SenderUser {
			return copyMessage(sess.Messages[i])
		}
	}
	return nil
}

func copySession(sess *Session) *Session {
	out := *sess
	out.Metadata = maps.Clone(sess.Metadata)
	out.Messages = make([]*Message, len(sess.Messages))
	for i, msg := range sess.Messages {
		out.Messages[i] = copyMessage(msg)
	}
	return &out
}

func copyMessage(msg *Message) *Message {
	out := *msg
	if msg.Error != nil {
		cp := *msg.Error
		out.Error = &cp
	}
	return &out
}
