// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Parley Contributors

package delivery

import (
	"time"

	"github.com/parley-dev/parley/internal/store"
)

// Request is the transient value object sent to the conversation-processing
// webhook. It is never persisted.
type Request struct {
	SessionID string            `json:"sessionId"`
	Message   string            `json:"message"`
	UserType  store.SessionKind `json:"userType"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Action is a structured instruction the remote side may attach to a reply
// (e.g. open a form, hand off to a human).
type Action struct {
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload,omitempty"`
	Description string         `json:"description,omitempty"`
}

// Response is the normalized reply from the webhook. Failure never reaches
// callers through this type; it is always converted to a coded error at the
// client boundary.
type Response struct {
	ReplyText        string
	Actions          []Action
	SessionShouldEnd bool
	// Elapsed is the wall-clock duration of the webhook call, reported to
	// progress sinks as the response time.
	Elapsed time.Duration
}

// wireResponse is the webhook's JSON shape. It is parsed into Response/error
// immediately at the boundary; untyped response objects never travel further
// into the system.
type wireResponse struct {
	Success bool      `json:"success"`
	Data    *wireData `json:"data,omitempty"`
	Error   string    `json:"error,omitempty"`
}

type wireData struct {
	Response        string   `json:"response"`
	Actions         []Action `json:"actions,omitempty"`
	SessionComplete bool     `json:"sessionComplete,omitempty"`
}
