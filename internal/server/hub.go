// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Parley Contributors

package server

import (
	"sync"

	"github.com/parley-dev/parley/internal/conversation"
)

// ProgressEvent is one delivery progress notification as fanned out to SSE
// subscribers.
type ProgressEvent struct {
	Event   conversation.Event        `json:"event"`
	Payload conversation.EventPayload `json:"payload"`
}

// EventHub fans delivery progress events out to per-session subscribers. It
// implements conversation.EventSink, so it can be passed straight into send
// options. Slow subscribers are dropped-from, not blocked-on: a full channel
// silently loses the event rather than stalling the delivery path.
type EventHub struct {
	mu     sync.Mutex
	subs   map[string]map[int]chan ProgressEvent
	nextID int
}

// NewEventHub creates an EventHub.
func NewEventHub() *EventHub {
	return &EventHub{subs: make(map[string]map[int]chan ProgressEvent)}
}

// Handle implements conversation.EventSink.
func (h *EventHub) Handle(event conversation.Event, payload conversation.EventPayload) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.subs[payload.SessionID] {
		select {
		case ch <- ProgressEvent{Event: event, Payload: payload}:
		default:
		}
	}
}

// Subscribe registers a listener for one session's progress events. The
// returned cancel function must be called to release the subscription.
func (h *EventHub) Subscribe(sessionID string) (<-chan ProgressEvent, func()) {
	ch := make(chan ProgressEvent, 16)

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[int]chan ProgressEvent)
	}
	h.subs[sessionID][id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if subs, ok := h.subs[sessionID]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(h.subs, sessionID)
			}
		}
	}
	return ch, cancel
}
