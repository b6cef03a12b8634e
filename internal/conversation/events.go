// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Parley Contributors

package conversation

// Event names the progress stages of one delivery, consumed by an external
// observability collaborator.
type Event string

const (
	EventSending          Event = "sending"
	EventProcessing       Event = "processing"
	EventReceiving        Event = "receiving"
	EventMessageSent      Event = "message_sent"
	EventResponseReceived Event = "response_received"
)

// EventPayload accompanies every progress event.
type EventPayload struct {
	SessionID      string `json:"session_id"`
	MessageID      string `json:"message_id,omitempty"`
	Attempt        int    `json:"attempt,omitempty"`
	ResponseTimeMS int64  `json:"response_time_ms,omitempty"`
}

// EventSink receives progress events. Sinks are injected per call; a nil
// sink disables progress reporting.
type EventSink interface {
	Handle(event Event, payload EventPayload)
}

// EventSinkFunc adapts a function to the EventSink interface.
type EventSinkFunc func(event Event, payload EventPayload)

func (f EventSinkFunc) Handle(event Event, payload EventPayload) {
	f(event, payload)
}

func emit(sink EventSink, event Event, payload EventPayload) {
	if sink != nil {
		sink.Handle(event, payload)
	}
}
