// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Parley Contributors

package store_test

import (
	"testing"
	"time"

	"github.com/parley-dev/parley/internal/store"
	parleyerr "github.com/parley-dev/parley/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateSessionAllocatesFresh(t *testing.T) {
	ss := store.NewSessionStore()

	a := ss.CreateSession(store.SessionKindPublic, "https://hooks.example.com/chat")
	b := ss.CreateSession(store.SessionKindPublic, "https://hooks.example.com/chat")

	// Identical (kind, endpoint) still produces distinct sessions.
	assert.NotEqual(t, a.ID, b.ID)
	assert.True(t, a.IsActive)
	assert.Empty(t, a.Messages)
	assert.Equal(t, store.SessionKindPublic, a.Kind)
	assert.False(t, a.CreatedAt.IsZero())
}

func TestAddMessageAppendsInOrder(t *testing.T) {
	ss := store.NewSessionStore()
	sess := ss.CreateSession(store.SessionKindPublic, "https://hooks.example.com/chat")

	for _, content := range []string{"first", "second", "third"} {
		_, err := ss.AddMessage(sess.ID, &store.Message{
			Content: content,
			Sender:  store.SenderUser,
			Status:  store.StatusQueued,
		})
		require.NoError(t, err)
	}

	got, err := ss.GetSession(sess.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 3)
	assert.Equal(t, "first", got.Messages[0].Content)
	assert.Equal(t, "second", got.Messages[1].Content)
	assert.Equal(t, "third", got.Messages[2].Content)
	assert.Equal(t, sess.ID, got.Messages[0].SessionID)
}

func TestAddMessageUnknownSession(t *testing.T) {
	ss := store.NewSessionStore()

	_, err := ss.AddMessage("nope", &store.Message{Content: "hi", Sender: store.SenderUser})
	require.Error(t, err)
	assert.True(t, parleyerr.HasCode(err, parleyerr.CodeStoreSessionNotFound))
}

func TestAddMessageEndedSession(t *testing.T) {
	ss := store.NewSessionStore()
	sess := ss.CreateSession(store.SessionKindPublic, "https://hooks.example.com/chat")
	require.NoError(t, ss.EndSession(sess.ID))

	_, err := ss.AddMessage(sess.ID, &store.Message{Content: "hi", Sender: store.SenderUser})
	require.Error(t, err)
	assert.True(t, parleyerr.HasCode(err, parleyerr.CodeStoreSessionEnded))
}

func TestUpdateMessageStatus(t *testing.T) {
	ss := store.NewSessionStore()
	sess := ss.CreateSession(store.SessionKindPublic, "https://hooks.example.com/chat")

	id, err := ss.AddMessage(sess.ID, &store.Message{
		Content: "hi", Sender: store.SenderUser, Status: store.StatusQueued,
	})
	require.NoError(t, err)

	ss.UpdateMessageStatus(sess.ID, id, store.StatusError, &store.MessageError{
		Kind: "network", Message: "webhook unreachable", Retryable: true,
	})

	got, err := ss.GetSession(sess.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, store.StatusError, got.Messages[0].Status)
	require.NotNil(t, got.Messages[0].Error)
	assert.True(t, got.Messages[0].Error.Retryable)

	// Clearing the error is an in-place transition too.
	ss.UpdateMessageStatus(sess.ID, id, store.StatusDelivered, nil)
	got, err = ss.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusDelivered, got.Messages[0].Status)
	assert.Nil(t, got.Messages[0].Error)
}

func TestUpdateMessageStatusMissingIsNoOp(t *testing.T) {
	ss := store.NewSessionStore()
	sess := ss.CreateSession(store.SessionKindPublic, "https://hooks.example.com/chat")

	// Neither an unknown message nor an unknown session panics or errors.
	ss.UpdateMessageStatus(sess.ID, "missing", store.StatusDelivered, nil)
	ss.UpdateMessageStatus("missing", "missing", store.StatusDelivered, nil)
}

func TestTypingAndBlockedFlags(t *testing.T) {
	ss := store.NewSessionStore()
	sess := ss.CreateSession(store.SessionKindAdmin, "https://hooks.example.com/admin")

	ss.SetTyping(sess.ID, true)
	got, err := ss.GetSession(sess.ID)
	require.NoError(t, err)
	assert.True(t, got.IsTyping)

	ss.SetTyping(sess.ID, false)
	ss.SetBlocked(sess.ID, true)
	got, err = ss.GetSession(sess.ID)
	require.NoError(t, err)
	assert.False(t, got.IsTyping)
	assert.True(t, got.Blocked)
}

func TestEndSessionKeepsMessagesForTrailingRead(t *testing.T) {
	ss := store.NewSessionStore()
	sess := ss.CreateSession(store.SessionKindPublic, "https://hooks.example.com/chat")

	_, err := ss.AddMessage(sess.ID, &store.Message{Content: "bye", Sender: store.SenderUser})
	require.NoError(t, err)
	require.NoError(t, ss.EndSession(sess.ID))

	got, err := ss.GetSession(sess.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	assert.Len(t, got.Messages, 1)

	assert.Error(t, ss.EndSession("missing"))
}

func TestCleanupExpiredSessions(t *testing.T) {
	ss := store.NewSessionStore()
	stale := ss.CreateSession(store.SessionKindPublic, "https://hooks.example.com/chat")
	fresh := ss.CreateSession(store.SessionKindPublic, "https://hooks.example.com/chat")

	// Age the first session past the TTL by backdating its activity.
	store.SetLastActivityForTest(ss, stale.ID, time.Now().Add(-time.Hour))

	removed := ss.CleanupExpiredSessions(30 * time.Minute)
	assert.Equal(t, 1, removed)

	_, err := ss.GetSession(stale.ID)
	assert.True(t, parleyerr.IsNotFound(err))
	_, err = ss.GetSession(fresh.ID)
	assert.NoError(t, err)
}

func TestLastUserMessage(t *testing.T) {
	ss := store.NewSessionStore()
	sess := ss.CreateSession(store.SessionKindPublic, "https://hooks.example.com/chat")

	assert.Nil(t, ss.LastUserMessage(sess.ID))

	_, err := ss.AddMessage(sess.ID, &store.Message{Content: "question", Sender: store.SenderUser})
	require.NoError(t, err)
	_, err = ss.AddMessage(sess.ID, &store.Message{Content: "answer", Sender: store.SenderAgent})
	require.NoError(t, err)

	last := ss.LastUserMessage(sess.ID)
	require.NotNil(t, last)
	assert.Equal(t, "question", last.Content)
}

func TestSnapshotsAreIsolated(t *testing.T) {
	ss := store.NewSessionStore()
	sess := ss.CreateSession(store.SessionKindPublic, "https://hooks.example.com/chat")

	got, err := ss.GetSession(sess.ID)
	require.NoError(t, err)

	// Mutating the returned snapshot must not leak into the store.
	got.Metadata["tampered"] = "yes"
	got.IsActive = false

	again, err := ss.GetSession(sess.ID)
	require.NoError(t, err)
	assert.True(t, again.IsActive)
	assert.NotContains(t, again.Metadata, "tampered")
}
