// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Parley Contributors

package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/parley-dev/parley/internal/config"
	"github.com/parley-dev/parley/internal/conversation"
	"github.com/parley-dev/parley/internal/delivery"
	"github.com/parley-dev/parley/internal/offline"
	"github.com/parley-dev/parley/internal/secrets"
	"github.com/parley-dev/parley/internal/server"
	"github.com/parley-dev/parley/internal/store"
	_ "github.com/parley-dev/parley/internal/store/sqlite" // register sqlite backend
	parleyerr "github.com/parley-dev/parley/pkg/errors"
)

// Engine holds all wired subsystems and manages their lifecycle.
type Engine struct {
	Server     *server.Server
	Sessions   *store.SessionStore
	Client     *delivery.Client
	Controller *conversation.Controller
	Offline    *offline.Manager
	Prober     *offline.Prober
	Queue      store.PendingQueue
	KV         store.KV

	reapInterval time.Duration
	idleTTL      time.Duration
}

// WireEngine creates all subsystems and wires them together. The dataDir is
// the root directory for all persistent state.
func WireEngine(ctx context.Context, cfg *config.Config, dataDir string) (*Engine, error) {
	storeCfg := &store.StorageConfig{Backend: cfg.Storage.Backend}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, parleyerr.Errorf(parleyerr.CodeCLISetupFailure, "creating data directory: %w", err)
	}

	// 1. Durable storage: offline queue plus the KV holding session
	// snapshots across restarts.
	queue, err := store.NewPendingQueue(storeCfg, dataDir)
	if err != nil {
		return nil, parleyerr.Errorf(parleyerr.CodeCLISetupFailure, "creating pending queue: %w", err)
	}

	kv, err := store.NewKV(storeCfg, dataDir)
	if err != nil {
		_ = queue.Close()
		return nil, parleyerr.Errorf(parleyerr.CodeCLISetupFailure, "creating key-value store: %w", err)
	}

	// 2. Session store, restored from the last snapshot when one exists.
	sessions := store.NewSessionStore()
	if err := sessions.LoadSnapshot(ctx, kv); err != nil {
		slog.Warn("could not restore session snapshot, starting fresh", "error", err)
	}

	// 3. Delivery client. Webhook headers may reference keyring:// URIs;
	// resolve them here so raw secrets never live in the config file.
	headers := resolveHeaders(cfg.Webhooks.Headers)

	client, err := delivery.NewClient(delivery.Config{
		Endpoints:   cfg.Endpoints(),
		Timeout:     cfg.Delivery.Timeout,
		Headers:     headers,
		MaxAttempts: cfg.Delivery.MaxAttempts,
	}, slog.Default())
	if err != nil {
		_ = kv.Close()
		_ = queue.Close()
		return nil, parleyerr.Errorf(parleyerr.CodeCLISetupFailure, "creating delivery client: %w", err)
	}

	// 4. Conversation controller.
	controller, err := conversation.NewController(conversation.Config{
		Store:  sessions,
		Client: client,
		Logger: slog.Default(),
		Typing: conversation.TypingDelay{
			PerRune: cfg.Typing.PerRune,
			Min:     cfg.Typing.Min,
			Max:     cfg.Typing.Max,
		},
		RetryDelay: cfg.Delivery.RetryDelay,
	})
	if err != nil {
		_ = kv.Close()
		_ = queue.Close()
		return nil, parleyerr.Errorf(parleyerr.CodeCLISetupFailure, "creating controller: %w", err)
	}

	// 5. Offline resilience: connectivity prober plus the queue-backed
	// manager that answers locally while the webhook is unreachable.
	prober := offline.NewProber(client, store.SessionKindPublic, cfg.Offline.ProbeInterval, slog.Default())

	manager, err := offline.NewManager(offline.Config{
		Store:      sessions,
		Controller: controller,
		Queue:      queue,
		Signal:     prober,
		AutoSync:   cfg.Offline.AutoSync,
		Logger:     slog.Default(),
	})
	if err != nil {
		_ = kv.Close()
		_ = queue.Close()
		return nil, parleyerr.Errorf(parleyerr.CodeCLISetupFailure, "creating offline manager: %w", err)
	}

	// 6. HTTP server.
	srv, err := server.New(server.Config{
		ListenAddr: cfg.Server.Listen,
	})
	if err != nil {
		manager.Close()
		_ = kv.Close()
		_ = queue.Close()
		return nil, parleyerr.Errorf(parleyerr.CodeCLISetupFailure, "creating server: %w", err)
	}

	srv.RegisterEngine(&server.Engine{
		Store:      sessions,
		Client:     client,
		Controller: controller,
		Offline:    manager,
		Hub:        server.NewEventHub(),
	})

	return &Engine{
		Server:       srv,
		Sessions:     sessions,
		Client:       client,
		Controller:   controller,
		Offline:      manager,
		Prober:       prober,
		Queue:        queue,
		KV:           kv,
		reapInterval: cfg.Sessions.ReapInterval,
		idleTTL:      cfg.Sessions.IdleTTL,
	}, nil
}

// resolveHeaders returns a copy of headers with keyring:// values resolved.
// Resolution failures keep the original URI and are logged; the delivery
// client will then send the literal value, which the webhook rejects, which
// is a clearer failure than silently dropping the header.
func resolveHeaders(headers map[string]string) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	keyring := secrets.NewKeyringStore()
	out := make(map[string]string, len(headers))
	for name, value := range headers {
		if !secrets.IsKeyringURI(value) {
			out[name] = value
			continue
		}
		resolved, err := secrets.ResolveKeyringURI(keyring, value)
		if err != nil {
			slog.Warn("failed to resolve keyring URI for webhook header",
				"header", name, "error", err)
			out[name] = value
			continue
		}
		out[name] = resolved
	}
	return out
}

// Start runs the connectivity prober, the idle-session reaper, and the HTTP
// server. It blocks until the context is cancelled, then snapshots sessions
// before returning.
func (e *Engine) Start(ctx context.Context) error {
	e.Prober.Start(ctx)
	go e.reapLoop(ctx)

	err := e.Server.Start(ctx)

	// Snapshot with a fresh context: the serve context is already done.
	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if snapErr := e.Sessions.SaveSnapshot(saveCtx, e.KV); snapErr != nil {
		slog.Warn("failed to save session snapshot on shutdown", "error", snapErr)
	}

	return err
}

// reapLoop ends sessions that have been idle past the configured TTL.
func (e *Engine) reapLoop(ctx context.Context) {
	if e.reapInterval <= 0 || e.idleTTL <= 0 {
		return
	}
	ticker := time.NewTicker(e.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := e.Sessions.CleanupExpiredSessions(e.idleTTL); n > 0 {
				slog.Info("reaped idle sessions", "count", n)
			}
		}
	}
}

// Close releases all resources held by the engine.
func (e *Engine) Close() error {
	e.Offline.Close()
	e.Prober.Stop()

	var errs []error
	if err := e.KV.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.Queue.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
