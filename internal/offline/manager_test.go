// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Parley Contributors

package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-dev/parley/internal/conversation"
	"github.com/parley-dev/parley/internal/delivery"
	"github.com/parley-dev/parley/internal/store"
	parleyerr "github.com/parley-dev/parley/pkg/errors"
)

// memQueue is an in-memory PendingQueue for tests.
type memQueue struct {
	mu    sync.Mutex
	items []*store.PendingOfflineMessage
}

func (q *memQueue) Append(_ context.Context, msg *store.PendingOfflineMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, msg)
	return nil
}

func (q *memQueue) List(_ context.Context) ([]*store.PendingOfflineMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*store.PendingOfflineMessage, len(q.items))
	copy(out, q.items)
	return out, nil
}

func (q *memQueue) Remove(_ context.Context, ids ...string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	var kept []*store.PendingOfflineMessage
	var removed int64
	for _, item := range q.items {
		if drop[item.ID] {
			removed++
			continue
		}
		kept = append(kept, item)
	}
	q.items = kept
	return removed, nil
}

func (q *memQueue) Clear(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	return nil
}

func (q *memQueue) Close() error { return nil }

type testEnv struct {
	manager *Manager
	store   *store.SessionStore
	queue   *memQueue
	signal  *ManualSignal
	session *store.Session
}

func newTestEnv(t *testing.T, online, autoSync bool, handler http.HandlerFunc) *testEnv {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := delivery.NewClient(delivery.Config{
		Endpoints:   map[store.SessionKind]string{store.SessionKindPublic: srv.URL},
		Timeout:     5 * time.Second,
		MaxAttempts: 3,
	}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	st := store.NewSessionStore()
	sess := st.CreateSession(store.SessionKindPublic, srv.URL)

	ctrl, err := conversation.NewController(conversation.Config{
		Store:  st,
		Client: client,
		Logger: slog.New(slog.DiscardHandler),
		SleepFunc: func(ctx context.Context, _ time.Duration) error {
			return ctx.Err()
		},
	})
	require.NoError(t, err)

	queue := &memQueue{}
	signal := NewManualSignal(online)
	mgr, err := NewManager(Config{
		Store:      st,
		Controller: ctrl,
		Queue:      queue,
		Signal:     signal,
		AutoSync:   autoSync,
		Logger:     slog.New(slog.DiscardHandler),
	})
	require.NoError(t, err)
	t.Cleanup(mgr.Close)

	return &testEnv{manager: mgr, store: st, queue: queue, signal: signal, session: sess}
}

func okHandler(w http.ResponseWriter, _ *http.Request) {
	w.Write([]byte(`{"success":true,"data":{"response":"from webhook"}}`))
}

func TestSendMessageOnlineDelegates(t *testing.T) {
	env := newTestEnv(t, true, false, okHandler)

	resp, err := env.manager.SendMessage(context.Background(), env.session.ID, "hello", conversation.SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, "from webhook", resp.ReplyText)

	pending, err := env.manager.PendingMessages(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending, "online sends must not touch the queue")

	sess, err := env.store.GetSession(env.session.ID)
	require.NoError(t, err)
	require.Len(t, sess.Messages, 2)
	assert.False(t, sess.Messages[0].Local)
	assert.False(t, sess.Messages[1].Local)
}

func TestSendMessageOfflineGreetingFallback(t *testing.T) {
	var calls int
	env := newTestEnv(t, false, false, func(w http.ResponseWriter, _ *http.Request) {
		calls++
		okHandler(w, nil)
	})

	resp, err := env.manager.SendMessage(context.Background(), env.session.ID, "oi", conversation.SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, fallbackReplies[CategoryGreeting], resp.ReplyText)
	assert.Zero(t, calls, "offline sends must not reach the webhook")

	pending, err := env.manager.PendingMessages(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1, "exactly one entry is queued per offline send")
	assert.Equal(t, "oi", pending[0].Content)
	assert.Equal(t, env.session.ID, pending[0].SessionID)

	sess, err := env.store.GetSession(env.session.ID)
	require.NoError(t, err)
	require.Len(t, sess.Messages, 2)
	assert.True(t, sess.Messages[0].Local)
	assert.Equal(t, store.SenderUser, sess.Messages[0].Sender)
	assert.True(t, sess.Messages[1].Local)
	assert.Equal(t, store.SenderAgent, sess.Messages[1].Sender)
}

func TestSendMessageOfflineInvalidInputNotQueued(t *testing.T) {
	env := newTestEnv(t, false, false, okHandler)

	_, err := env.manager.SendMessage(context.Background(), env.session.ID, "   ", conversation.SendOptions{})
	require.Error(t, err)
	assert.True(t, parleyerr.HasCode(err, parleyerr.CodeConversationInputInvalid))

	pending, err := env.manager.PendingMessages(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestClassifyFallback(t *testing.T) {
	tests := []struct {
		in   string
		want FallbackCategory
	}{
		{"oi", CategoryGreeting},
		{"Olá, tudo bem?", CategoryGreeting},
		{"hello there", CategoryGreeting},
		{"bom dia", CategoryGreeting},
		{"preciso de ajuda", CategoryHelp},
		{"how do I export data?", CategoryHelp},
		{"I found a bug in the report", CategoryError},
		{"isso não funciona", CategoryError},
		{"what time is it", CategoryGeneral},
		{"", CategoryGeneral},
		// First match wins.
		{"hello, I have a problem", CategoryGreeting},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyFallback(tt.in))
		})
	}
}

func TestSyncReplaysWithoutDuplicatingTranscript(t *testing.T) {
	env := newTestEnv(t, false, false, okHandler)

	_, err := env.manager.SendMessage(context.Background(), env.session.ID,
		"queued while offline", conversation.SendOptions{})
	require.NoError(t, err)

	sess, err := env.store.GetSession(env.session.ID)
	require.NoError(t, err)
	require.Len(t, sess.Messages, 2)

	pending, err := env.manager.PendingMessages(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, sess.Messages[0].ID, pending[0].MessageID,
		"the queue entry references the transcript entry it was composed with")

	env.signal.SetOnline(true)
	result, err := env.manager.Sync(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Success)

	sess, err = env.store.GetSession(env.session.ID)
	require.NoError(t, err)
	require.Len(t, sess.Messages, 3, "user message, fallback reply, webhook reply")

	var userCopies int
	for _, msg := range sess.Messages {
		if msg.Sender == store.SenderUser && msg.Content == "queued while offline" {
			userCopies++
		}
	}
	assert.Equal(t, 1, userCopies, "replay transitions the queued entry instead of appending a copy")
	assert.Equal(t, store.StatusDelivered, sess.Messages[0].Status)
	assert.Equal(t, "from webhook", sess.Messages[2].Content)
}

func TestSyncPartialFailure(t *testing.T) {
	env := newTestEnv(t, true, false, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(body, &req)
		if strings.Contains(req.Message, "fail") {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		okHandler(w, nil)
	})

	contents := []string{"first ok", "second fail", "third ok", "fourth fail", "fifth ok"}
	for i, content := range contents {
		require.NoError(t, env.queue.Append(context.Background(), &store.PendingOfflineMessage{
			ID:        fmt.Sprintf("pending-%d", i),
			SessionID: env.session.ID,
			Content:   content,
			CreatedAt: time.Now().Add(-time.Hour),
		}))
	}

	result, err := env.manager.Sync(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, 3, result.SyncedCount)
	assert.Equal(t, 2, result.ErrorCount)

	pending, err := env.manager.PendingMessages(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 2, "failed entries stay queued for the next pass")
	assert.Equal(t, "second fail", pending[0].Content)
	assert.Equal(t, "fourth fail", pending[1].Content)

	history := env.manager.SyncHistory()
	require.Len(t, history, 1)
	assert.Equal(t, 3, history[0].Synced)
	assert.Equal(t, 2, history[0].Failed)
	assert.NotEmpty(t, history[0].ErrorSummary)
}

func TestSyncTagsReplays(t *testing.T) {
	var mu sync.Mutex
	var metadata map[string]string
	env := newTestEnv(t, true, false, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req struct {
			Metadata map[string]string `json:"metadata"`
		}
		_ = json.Unmarshal(body, &req)
		mu.Lock()
		metadata = req.Metadata
		mu.Unlock()
		okHandler(w, nil)
	})

	created := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	require.NoError(t, env.queue.Append(context.Background(), &store.PendingOfflineMessage{
		ID:        "pending-1",
		SessionID: env.session.ID,
		Content:   "queued while offline",
		CreatedAt: created,
	}))

	result, err := env.manager.Sync(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Success)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "true", metadata[metaSyncReplay])
	assert.Equal(t, created.Format(time.RFC3339Nano), metadata[metaOriginalTimestamp])
}

func TestSyncEmptyQueue(t *testing.T) {
	env := newTestEnv(t, true, false, okHandler)

	result, err := env.manager.Sync(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Zero(t, result.SyncedCount)
	assert.Zero(t, result.ErrorCount)
	assert.Empty(t, env.manager.SyncHistory(), "empty passes are not recorded")
}

func TestSyncHistoryBounded(t *testing.T) {
	env := newTestEnv(t, true, false, okHandler)

	for i := 0; i < maxSyncHistory+5; i++ {
		env.manager.appendHistory(store.SyncRecord{Timestamp: time.Now(), Synced: i})
	}

	history := env.manager.SyncHistory()
	require.Len(t, history, maxSyncHistory)
	assert.Equal(t, maxSyncHistory+4, history[len(history)-1].Synced, "oldest records are evicted first")
}

func TestAutoSyncOnReconnect(t *testing.T) {
	env := newTestEnv(t, false, true, okHandler)

	_, err := env.manager.SendMessage(context.Background(), env.session.ID, "queued offline", conversation.SendOptions{})
	require.NoError(t, err)

	env.signal.SetOnline(true)

	require.Eventually(t, func() bool {
		pending, perr := env.manager.PendingMessages(context.Background())
		return perr == nil && len(pending) == 0
	}, 2*time.Second, 10*time.Millisecond, "reconnect should drain the queue")

	history := env.manager.SyncHistory()
	require.Len(t, history, 1)
	assert.Equal(t, 1, history[0].Synced)
}

func TestRemovePendingMessage(t *testing.T) {
	env := newTestEnv(t, false, false, okHandler)

	_, err := env.manager.SendMessage(context.Background(), env.session.ID, "keep me queued", conversation.SendOptions{})
	require.NoError(t, err)

	pending, err := env.manager.PendingMessages(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, env.manager.RemovePendingMessage(context.Background(), pending[0].ID))

	pending, err = env.manager.PendingMessages(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)

	// The session transcript is untouched by queue edits.
	sess, err := env.store.GetSession(env.session.ID)
	require.NoError(t, err)
	assert.Len(t, sess.Messages, 2)

	err = env.manager.RemovePendingMessage(context.Background(), "no-such-id")
	require.Error(t, err)
	assert.True(t, parleyerr.HasCode(err, parleyerr.CodeOfflineQueueNotFound))
}

func TestClearPendingMessages(t *testing.T) {
	env := newTestEnv(t, false, false, okHandler)

	for _, content := range []string{"one", "two", "three"} {
		_, err := env.manager.SendMessage(context.Background(), env.session.ID, content, conversation.SendOptions{})
		require.NoError(t, err)
	}

	require.NoError(t, env.manager.ClearPendingMessages(context.Background()))

	pending, err := env.manager.PendingMessages(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t, false, false, okHandler)

	_, err := env.manager.SendMessage(context.Background(), env.session.ID, "offline message", conversation.SendOptions{})
	require.NoError(t, err)

	status, err := env.manager.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, status.Online)
	assert.Equal(t, 1, status.PendingCount)
	assert.Empty(t, status.History)

	env.signal.SetOnline(true)
	status, err = env.manager.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Online)
}

func TestManualSignalNotifiesOnChange(t *testing.T) {
	sig := NewManualSignal(false)

	var mu sync.Mutex
	var seen []bool
	unsubscribe := sig.Subscribe(func(online bool) {
		mu.Lock()
		seen = append(seen, online)
		mu.Unlock()
	})

	sig.SetOnline(true)
	sig.SetOnline(true) // no transition, no notification
	sig.SetOnline(false)

	mu.Lock()
	assert.Equal(t, []bool{true, false}, seen)
	mu.Unlock()

	unsubscribe()
	sig.SetOnline(true)
	mu.Lock()
	assert.Len(t, seen, 2, "unsubscribed listeners are not notified")
	mu.Unlock()
}

func TestProberDetectsTransitions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		okHandler(w, nil)
	}))
	client, err := delivery.NewClient(delivery.Config{
		Endpoints: map[store.SessionKind]string{store.SessionKindPublic: srv.URL},
		Timeout:   time.Second,
	}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	prober := NewProber(client, store.SessionKindPublic, time.Hour, slog.New(slog.DiscardHandler))
	assert.False(t, prober.Online(), "prober starts pessimistic")

	var transitions []bool
	prober.Subscribe(func(online bool) { transitions = append(transitions, online) })

	assert.True(t, prober.Probe(context.Background()))
	assert.True(t, prober.Online())

	srv.Close()
	assert.False(t, prober.Probe(context.Background()))
	assert.False(t, prober.Online())

	assert.Equal(t, []bool{true, false}, transitions)
}
