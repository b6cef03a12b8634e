// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Parley Contributors

package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"
)

func (s *Server) registerEventsRoute() {
	s.router.Get("/api/v1/sessions/{id}/events", s.handleSessionEvents)

	// Register the operation in the OpenAPI spec manually. The SSE handler
	// needs raw http.ResponseWriter access, so it cannot use huma's standard
	// handler signature. The chi route above does the actual serving; this
	// entry exists for documentation.
	s.api.OpenAPI().AddOperation(&huma.Operation{
		OperationID: "session-events",
		Method:      http.MethodGet,
		Path:        "/api/v1/sessions/{id}/events",
		Summary:     "Stream delivery progress events via SSE",
		Description: "Subscribe to the session's delivery progress events (sending, processing, receiving, message_sent, response_received) as server-sent events.",
		Tags:        []string{"sessions"},
		Parameters: []*huma.Param{
			{Name: "id", In: "path", Required: true, Schema: &huma.Schema{Type: "string"}},
		},
		Responses: map[string]*huma.Response{
			"200": {
				Description: "Server-sent event stream",
				Content: map[string]*huma.MediaType{
					"text/event-stream": {
						Schema: &huma.Schema{Type: "string", Description: "Server-sent event stream"},
					},
				},
			},
			"404": {Description: "Session not found"},
			"503": {Description: "Engine not running"},
		},
	})
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil || s.engine.Hub == nil {
		http.Error(w, `{"error":"engine not running"}`, http.StatusServiceUnavailable)
		return
	}

	sessionID := chi.URLParam(r, "id")
	if _, err := s.engine.Store.GetSession(sessionID); err != nil {
		http.Error(w, `{"error":"session not found"}`, http.StatusNotFound)
		return
	}

	events, cancel := s.engine.Hub.Subscribe(sessionID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		// httptest.ResponseRecorder has no Flusher; events are still
		// written for testability.
		flusher = nil
	}
	if flusher != nil {
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case event := <-events:
			data, err := json.Marshal(event.Payload)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Event, data); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}
