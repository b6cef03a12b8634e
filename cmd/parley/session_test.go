// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Parley Contributors

package main

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionList(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/sessions", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sessions":[
			{"id":"s-1","kind":"public","active":true,"blocked":false,"message_count":4,"last_activity_at":"2026-08-28T10:00:00Z"},
			{"id":"s-2","kind":"admin","active":false,"blocked":false,"message_count":1,"last_activity_at":"2026-08-28T09:00:00Z"}
		]}`))
	})
	addr := fakeEngine(t, mux)

	root, buf := newTestRoot(t)
	root.SetArgs([]string{"session", "list", "--address", addr})

	err := root.Execute()
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "s-1")
	assert.Contains(t, out, "public")
	assert.Contains(t, out, "active")
	assert.Contains(t, out, "s-2")
	assert.Contains(t, out, "ended")
}

func TestSessionList_Empty(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/sessions", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sessions":[]}`))
	})
	addr := fakeEngine(t, mux)

	root, buf := newTestRoot(t)
	root.SetArgs([]string{"session", "list", "--address", addr})

	err := root.Execute()
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "No sessions found")
}

func TestSessionShow(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/sessions/s-1", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"s-1","kind":"public","active":true,"messages":[
			{"content":"hello","sender":"user","status":"delivered","created_at":"2026-08-28T10:00:00Z"},
			{"content":"hi there","sender":"agent","status":"delivered","created_at":"2026-08-28T10:00:01Z"}
		]}`))
	})
	addr := fakeEngine(t, mux)

	root, buf := newTestRoot(t)
	root.SetArgs([]string{"session", "show", "s-1", "--address", addr})

	err := root.Execute()
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "Session s-1 (public, active=true)")
	assert.Contains(t, out, "user (delivered): hello")
	assert.Contains(t, out, "agent (delivered): hi there")
}

func TestSessionNew(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/sessions", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"s-new"}`))
	})
	addr := fakeEngine(t, mux)

	root, buf := newTestRoot(t)
	root.SetArgs([]string{"session", "new", "--address", addr})

	err := root.Execute()
	require.NoError(t, err)
	assert.Equal(t, "s-new\n", buf.String())
}

func TestSessionEnd(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /api/v1/sessions/s-1", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ended"}`))
	})
	addr := fakeEngine(t, mux)

	root, buf := newTestRoot(t)
	root.SetArgs([]string{"session", "end", "s-1", "--address", addr})

	err := root.Execute()
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Session s-1 ended")
}

func TestSessionEnd_NotRunning(t *testing.T) {
	root, buf := newTestRoot(t)
	// Port 1 on localhost is effectively never listening.
	root.SetArgs([]string{"session", "end", "s-1", "--address", "127.0.0.1:1"})

	err := root.Execute()
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "is not running")
}
