// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Parley Contributors

package store

import (
	"time"
)

// --- Session types ---

// SessionKind distinguishes the two conversation surfaces, which may be
// routed to different webhook endpoints.
type SessionKind string

const (
	SessionKindPublic SessionKind = "public"
	SessionKindAdmin  SessionKind = "admin"
)

// Session represents one logical conversation with the remote
// conversation-processing service. Sessions are owned exclusively by the
// session store; other components mutate them only through store operations.
type Session struct {
	ID              string
	Kind            SessionKind
	WebhookEndpoint string
	// Messages is append-only except for in-place status transitions on
	// the most recent user message.
	Messages       []*Message
	IsActive       bool
	IsTyping       bool
	Blocked        bool
	LastActivityAt time.Time
	CreatedAt      time.Time
	Metadata       map[string]string
}

// --- Message types ---

// Sender identifies who produced a message.
type Sender string

const (
	SenderUser  Sender = "user"
	SenderAgent Sender = "agent"
)

// MessageStatus is the delivery state of a message.
//
// Transitions: queued → sending → {sent → delivered} | error. From error, a
// retry returns to sending only while the error is retryable and the retry
// budget is not exhausted. "sent" means accepted by transport; "delivered"
// means a reply was received from the remote side.
type MessageStatus string

const (
	StatusQueued    MessageStatus = "queued"
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusError     MessageStatus = "error"
)

// MessageError is the terminal error attached to a message, reduced to what
// presentation layers need: a short message and whether retry makes sense.
type MessageError struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Message is a single entry in a session's conversation.
type Message struct {
	ID        string
	SessionID string
	Content   string
	Sender    Sender
	CreatedAt time.Time
	Status    MessageStatus
	Error     *MessageError
	// Local marks messages generated without the remote service
	// (offline fallback replies and their triggering user messages).
	Local bool
}

// --- Offline queue types ---

// PendingOfflineMessage is a message composed while disconnected, awaiting
// replay. It lives in durable storage so it survives a process restart.
type PendingOfflineMessage struct {
	ID        string
	SessionID string
	// MessageID names the transcript entry appended when this message was
	// queued. The sync replay transitions that entry instead of appending
	// a second copy.
	MessageID string
	Content   string
	CreatedAt time.Time
	Metadata  map[string]string
}

// SyncRecord summarises one reconciliation pass over the offline queue.
type SyncRecord struct {
	Timestamp    time.Time `json:"timestamp"`
	Synced       int       `json:"synced"`
	Failed       int       `json:"failed"`
	ErrorSummary string    `json:"error_summary,omitempty"`
}
