// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Parley Contributors

// Package offline keeps the chat usable with zero connectivity: it queues
// messages durably while offline, answers with canned fallback replies, and
// replays the queue once connectivity returns.
package offline

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parley-dev/parley/internal/conversation"
	"github.com/parley-dev/parley/internal/delivery"
	"github.com/parley-dev/parley/internal/store"
	parleyerr "github.com/parley-dev/parley/pkg/errors"
)

// Metadata keys attached to sync replays so the remote side can deduplicate
// against the original send time.
const (
	metaSyncReplay        = "sync_replay"
	metaOriginalTimestamp = "original_timestamp"
)

// maxSyncHistory bounds the retained sync records.
const maxSyncHistory = 10

// SyncResult summarises one reconciliation pass. Success means every pending
// message was delivered; partial failure leaves the failed entries queued
// for the next pass.
type SyncResult struct {
	Success     bool `json:"success"`
	SyncedCount int  `json:"synced_count"`
	ErrorCount  int  `json:"error_count"`
}

// Status is the offline layer's observable state.
type Status struct {
	Online       bool               `json:"online"`
	PendingCount int                `json:"pending_count"`
	History      []store.SyncRecord `json:"history,omitempty"`
}

// Config holds dependencies for the Manager.
type Config struct {
	Store      *store.SessionStore
	Controller *conversation.Controller
	Queue      store.PendingQueue
	// Signal provides connectivity state. Nil means always online.
	Signal Signal
	// AutoSync replays the queue automatically on offline→online
	// transitions.
	AutoSync bool
	Logger   *slog.Logger
}

// Manager is the offline resilience layer wrapping the conversation
// controller. Online sends pass straight through; offline sends are
// answered locally and queued durably for later replay.
type Manager struct {
	store      *store.SessionStore
	controller *conversation.Controller
	queue      store.PendingQueue
	signal     Signal
	logger     *slog.Logger

	// syncMu serializes reconciliation passes; concurrent Sync calls
	// would race on queue removal.
	syncMu sync.Mutex

	mu      sync.Mutex
	history []store.SyncRecord

	unsubscribe func()
}

// NewManager creates a Manager and, when AutoSync is enabled, subscribes to
// connectivity transitions.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil || cfg.Controller == nil || cfg.Queue == nil {
		return nil, parleyerr.New(parleyerr.CodeConfigValidateInvalidValue,
			"offline manager requires a store, a controller, and a pending queue")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &Manager{
		store:      cfg.Store,
		controller: cfg.Controller,
		queue:      cfg.Queue,
		signal:     cfg.Signal,
		logger:     cfg.Logger,
	}

	if cfg.Signal != nil && cfg.AutoSync {
		m.unsubscribe = cfg.Signal.Subscribe(func(online bool) {
			if !online {
				return
			}
			go func() {
				if _, err := m.Sync(context.Background()); err != nil {
					m.logger.Warn("automatic sync failed", "error", err)
				}
			}()
		})
	}

	return m, nil
}

// Close detaches the connectivity subscription. The queue is owned by the
// caller and is not closed here.
func (m *Manager) Close() {
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
}

// Online reports current connectivity. A nil signal reads as online.
func (m *Manager) Online() bool {
	if m.signal == nil {
		return true
	}
	return m.signal.Online()
}

// SendMessage delegates to the conversation controller when online. When
// offline it validates the input, appends a locally generated exchange to
// the session, and queues the original request durably for later replay.
func (m *Manager) SendMessage(ctx context.Context, sessionID, content string, opts conversation.SendOptions) (*delivery.Response, error) {
	if m.Online() {
		return m.controller.SendMessage(ctx, sessionID, content, opts)
	}

	cleaned, err := conversation.SanitizeContent(content)
	if err != nil {
		return nil, err
	}

	sess, err := m.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Blocked {
		return nil, parleyerr.New(parleyerr.CodeConversationSessionBlocked,
			"session is blocked", parleyerr.FieldSessionID(sessionID))
	}

	msgID, err := m.store.AddMessage(sessionID, &store.Message{
		Content: cleaned,
		Sender:  store.SenderUser,
		Status:  store.StatusQueued,
		Local:   true,
	})
	if err != nil {
		return nil, err
	}

	pending := &store.PendingOfflineMessage{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		MessageID: msgID,
		Content:   cleaned,
		CreatedAt: time.Now(),
		Metadata:  maps.Clone(opts.Metadata),
	}
	if err := m.queue.Append(ctx, pending); err != nil {
		return nil, parleyerr.Wrap(err, parleyerr.CodeOfflineSyncFailure,
			"queueing offline message", parleyerr.FieldSessionID(sessionID))
	}

	category, reply := FallbackReply(cleaned)
	if _, err := m.store.AddMessage(sessionID, &store.Message{
		Content: reply,
		Sender:  store.SenderAgent,
		Status:  store.StatusDelivered,
		Local:   true,
	}); err != nil {
		return nil, err
	}

	m.logger.Debug("offline fallback reply",
		"session_id", sessionID, "category", string(category))

	return &delivery.Response{ReplyText: reply}, nil
}

// Sync replays the pending queue through the conversation controller. Each
// replay carries the ID of the transcript entry queued with it, so the user
// message is transitioned in place rather than appended twice, and is tagged
// with the original timestamp so the remote side can deduplicate. Failures
// are counted independently; a partial failure does not abort the batch, and
// only successfully delivered entries are removed from the queue.
func (m *Manager) Sync(ctx context.Context) (*SyncResult, error) {
	m.syncMu.Lock()
	defer m.syncMu.Unlock()

	pending, err := m.queue.List(ctx)
	if err != nil {
		return nil, parleyerr.Wrap(err, parleyerr.CodeOfflineSyncFailure,
			"listing pending messages")
	}
	if len(pending) == 0 {
		return &SyncResult{Success: true}, nil
	}

	var (
		syncedIDs  []string
		errorCount int
		firstErr   error
	)
	for _, msg := range pending {
		md := maps.Clone(msg.Metadata)
		if md == nil {
			md = make(map[string]string, 2)
		}
		md[metaSyncReplay] = "true"
		md[metaOriginalTimestamp] = msg.CreatedAt.UTC().Format(time.RFC3339Nano)

		_, serr := m.controller.SendMessage(ctx, msg.SessionID, msg.Content,
			conversation.SendOptions{Metadata: md, ReplayMessageID: msg.MessageID})
		if serr != nil {
			errorCount++
			if firstErr == nil {
				firstErr = serr
			}
			m.logger.Warn("sync replay failed",
				"session_id", msg.SessionID, "pending_id", msg.ID, "error", serr)
			continue
		}
		syncedIDs = append(syncedIDs, msg.ID)
	}

	if len(syncedIDs) > 0 {
		if _, rerr := m.queue.Remove(ctx, syncedIDs...); rerr != nil {
			return nil, parleyerr.Wrap(rerr, parleyerr.CodeOfflineSyncFailure,
				"removing synced messages")
		}
	}

	result := &SyncResult{
		Success:     errorCount == 0,
		SyncedCount: len(syncedIDs),
		ErrorCount:  errorCount,
	}

	record := store.SyncRecord{
		Timestamp: time.Now(),
		Synced:    result.SyncedCount,
		Failed:    result.ErrorCount,
	}
	if firstErr != nil {
		record.ErrorSummary, _ = parleyerr.UserFacing(firstErr)
	}
	m.appendHistory(record)

	m.logger.Info("sync completed",
		"synced", result.SyncedCount, "failed", result.ErrorCount)
	return result, nil
}

// PendingMessages returns the current durable queue snapshot.
func (m *Manager) PendingMessages(ctx context.Context) ([]*store.PendingOfflineMessage, error) {
	return m.queue.List(ctx)
}

// RemovePendingMessage discards one queued entry. Messages already
// reflected in the session store are untouched.
func (m *Manager) RemovePendingMessage(ctx context.Context, id string) error {
	removed, err := m.queue.Remove(ctx, id)
	if err != nil {
		return err
	}
	if removed == 0 {
		return parleyerr.New(parleyerr.CodeOfflineQueueNotFound,
			"pending message not found", parleyerr.Field("pending_id", id))
	}
	return nil
}

// ClearPendingMessages discards the entire queue.
func (m *Manager) ClearPendingMessages(ctx context.Context) error {
	return m.queue.Clear(ctx)
}

// SyncHistory returns the bounded record of recent reconciliation passes,
// most recent last.
func (m *Manager) SyncHistory() []store.SyncRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]store.SyncRecord, len(m.history))
	copy(out, m.history)
	return out
}

// Status reports connectivity, queue depth, and sync history.
func (m *Manager) Status(ctx context.Context) (*Status, error) {
	pending, err := m.queue.List(ctx)
	if err != nil {
		return nil, parleyerr.Wrap(err, parleyerr.CodeOfflineSyncFailure,
			"listing pending messages")
	}
	return &Status{
		Online:       m.Online(),
		PendingCount: len(pending),
		History:      m.SyncHistory(),
	}, nil
}

func (m *Manager) appendHistory(record store.SyncRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.history = append(m.history, record)
	if len(m.history) > maxSyncHistory {
		m.history = m.history[len(m.history)-maxSyncHistory:]
	}
}
