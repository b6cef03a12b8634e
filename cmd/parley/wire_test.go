// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Parley Contributors

package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-dev/parley/internal/config"
)

func testEngineConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Webhooks.Public.Endpoint = "http://127.0.0.1:9/webhook"
	cfg.Delivery.Timeout = time.Second
	cfg.Delivery.MaxAttempts = 3
	cfg.Storage.Backend = "sqlite"
	cfg.Sessions.IdleTTL = 30 * time.Minute
	cfg.Sessions.ReapInterval = 5 * time.Minute
	cfg.Offline.ProbeInterval = time.Minute
	return cfg
}

func TestWireEngine(t *testing.T) {
	dir := t.TempDir()

	engine, err := WireEngine(context.Background(), testEngineConfig(), dir)
	require.NoError(t, err)
	defer func() { _ = engine.Close() }()

	assert.NotNil(t, engine.Server)
	assert.NotNil(t, engine.Sessions)
	assert.NotNil(t, engine.Client)
	assert.NotNil(t, engine.Controller)
	assert.NotNil(t, engine.Offline)
	assert.NotNil(t, engine.Prober)
	assert.NotNil(t, engine.Queue)
	assert.NotNil(t, engine.KV)
}

func TestWireEngine_UnsupportedBackend(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Storage.Backend = "bolt"

	_, err := WireEngine(context.Background(), cfg, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported storage backend")
}

func TestWireEngine_RestoresSnapshot(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	engine, err := WireEngine(ctx, testEngineConfig(), dir)
	require.NoError(t, err)

	session := engine.Sessions.CreateSession("public", "")
	require.NoError(t, engine.Sessions.SaveSnapshot(ctx, engine.KV))
	require.NoError(t, engine.Close())

	// A fresh engine over the same data dir sees the session.
	engine2, err := WireEngine(ctx, testEngineConfig(), dir)
	require.NoError(t, err)
	defer func() { _ = engine2.Close() }()

	restored, err := engine2.Sessions.GetSession(session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.ID, restored.ID)
}

func TestEngine_GracefulShutdown(t *testing.T) {
	engine, err := WireEngine(context.Background(), testEngineConfig(), t.TempDir())
	require.NoError(t, err)
	defer func() { _ = engine.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	// Start and let the context expire — should shut down cleanly.
	err = engine.Start(ctx)
	assert.NoError(t, err)
}

func TestResolveHeaders_PassThrough(t *testing.T) {
	headers := resolveHeaders(map[string]string{
		"Authorization": "Bearer plain-token",
		"X-Custom":      "value",
	})
	assert.Equal(t, "Bearer plain-token", headers["Authorization"])
	assert.Equal(t, "value", headers["X-Custom"])

	assert.Nil(t, resolveHeaders(nil))
}
