// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Parley Contributors

// Package server exposes the chat engine's caller-facing API over HTTP:
// session lifecycle, message delivery, offline queue management, and an SSE
// stream of per-session progress events.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/parley-dev/parley/internal/conversation"
	"github.com/parley-dev/parley/internal/delivery"
	"github.com/parley-dev/parley/internal/offline"
	"github.com/parley-dev/parley/internal/store"
	parleyerr "github.com/parley-dev/parley/pkg/errors"
)

// Config holds HTTP server configuration.
type Config struct {
	ListenAddr   string
	CORSOrigins  []string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Engine bundles the chat subsystems the API fronts.
type Engine struct {
	Store      *store.SessionStore
	Client     *delivery.Client
	Controller *conversation.Controller
	Offline    *offline.Manager
	Hub        *EventHub
}

// Server wraps a chi router with a huma API and the engine dependencies.
type Server struct {
	router chi.Router
	api    huma.API
	cfg    Config
	engine *Engine
}

// New creates a Server with chi router, huma API, health endpoint, and CORS.
func New(cfg Config) (*Server, error) {
	if cfg.ListenAddr == "" {
		return nil, parleyerr.New(parleyerr.CodeConfigValidateInvalidValue,
			"listen address is required")
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 60 * time.Second
	}

	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(corsMiddleware(cfg.CORSOrigins))

	humaConfig := huma.DefaultConfig("Parley", "0.1.0")
	humaConfig.Info.Description = "Chat session and message delivery engine API"
	api := humachi.New(r, humaConfig)

	srv := &Server{
		router: r,
		api:    api,
		cfg:    cfg,
	}

	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Tags:        []string{"system"},
	}, srv.handleHealth)

	// SSE route returns 503 until an engine is registered.
	srv.registerEventsRoute()

	return srv, nil
}

// RegisterEngine sets the engine dependencies and registers REST routes.
func (s *Server) RegisterEngine(engine *Engine) {
	s.engine = engine
	s.registerRoutes()
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.router
}

// API returns the huma API for registering additional operations.
func (s *Server) API() huma.API {
	return s.api
}

// Start runs the HTTP server and blocks until the context is cancelled,
// then performs graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return parleyerr.Wrapf(err, parleyerr.CodeServerStartFailure,
			"listening on %s", s.cfg.ListenAddr)
	}

	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return parleyerr.Wrap(err, parleyerr.CodeServerShutdownFailure, "shutting down")
	}

	return <-errCh
}

// HealthBody is the JSON body of the health endpoint response.
type HealthBody struct {
	Status  string         `json:"status" example:"ok" doc:"Service status"`
	Webhook *WebhookHealth `json:"webhook,omitempty" doc:"Webhook endpoint health, when the engine is running"`
}

// WebhookHealth summarises the delivery client's endpoint health tracker.
type WebhookHealth struct {
	Available    bool   `json:"available"`
	FailureCount int64  `json:"failure_count"`
	LastFailure  string `json:"last_failure,omitempty"`
}

// HealthResponse wraps the health check response.
type HealthResponse struct {
	Body HealthBody
}

func (s *Server) handleHealth(_ context.Context, _ *struct{}) (*HealthResponse, error) {
	resp := &HealthResponse{Body: HealthBody{Status: "ok"}}

	if s.engine != nil && s.engine.Client != nil {
		m := s.engine.Client.Health().Metrics()
		wh := &WebhookHealth{
			Available:    m.Available,
			FailureCount: m.FailureCount,
		}
		if m.LastFailureAt != nil {
			wh.LastFailure = m.LastFailureAt.UTC().Format(time.RFC3339)
		}
		resp.Body.Webhook = wh
	}

	return resp, nil
}

func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173"}
	}

	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	})
}
