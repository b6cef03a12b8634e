// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Parley Contributors

package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"sync"
	"time"

	"github.com/parley-dev/parley/internal/store"
	parleyerr "github.com/parley-dev/parley/pkg/errors"
)

// maxResponseBytes bounds how much of the webhook response body is read.
const maxResponseBytes = 1 << 20

// defaultTimeout applies when no per-call timeout is configured.
const defaultTimeout = 30 * time.Second

// errCallCancelled is the cancellation cause distinguishing an explicit
// Cancel() from a timeout or parent-context cancellation.
var errCallCancelled = errors.New("delivery call cancelled")

// Config holds the Delivery Client's hot-swappable settings. Changes apply
// to subsequent calls only.
type Config struct {
	// Endpoints maps session kinds to their webhook URLs.
	Endpoints map[store.SessionKind]string
	Timeout   time.Duration
	Headers   map[string]string
	// MaxAttempts is the total attempt ceiling the controller applies to
	// retryable failures (first try included).
	MaxAttempts int
}

// Partial carries optional overrides for UpdateConfig. Nil fields are left
// unchanged.
type Partial struct {
	Timeout     *time.Duration
	Headers     map[string]string
	MaxAttempts *int
	Endpoints   map[store.SessionKind]string
}

// SendOptions carries per-call options for Send.
type SendOptions struct {
	// EndpointOverride replaces the configured endpoint for this call only.
	EndpointOverride string
	// OnReceiving fires once response headers begin arriving.
	OnReceiving func()
}

// Client is a stateless request/response wrapper around the external
// conversation-processing webhook. It knows nothing about sessions beyond
// the IDs it forwards; every failure is normalized to a coded error at this
// boundary, never leaked as a raw transport error.
type Client struct {
	mu  sync.RWMutex
	cfg Config

	httpClient *http.Client
	health     *HealthTracker
	logger     *slog.Logger

	// In-flight cancellation registry. Cancellation is per-call, not
	// sticky: subsequent sends are unaffected.
	inflightMu sync.Mutex
	inflight   map[int]context.CancelCauseFunc
	nextCallID int
}

// NewClient creates a Client. A zero timeout falls back to 30s.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, parleyerr.New(parleyerr.CodeConfigValidateInvalidValue,
			"delivery client requires at least one webhook endpoint")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if logger == nil {
		logger = slog.Default()
	}

	tracker, err := NewHealthTracker(DefaultHealthCooldown)
	if err != nil {
		return nil, err
	}

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		health:     tracker,
		logger:     logger,
		inflight:   make(map[int]context.CancelCauseFunc),
	}, nil
}

// Config returns a snapshot of the current configuration.
func (c *Client) Config() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cfg := c.cfg
	cfg.Headers = maps.Clone(c.cfg.Headers)
	cfg.Endpoints = maps.Clone(c.cfg.Endpoints)
	return cfg
}

// UpdateConfig hot-swaps timeout, headers, attempt ceiling, and endpoints
// for subsequent calls only. In-flight calls keep the settings they started
// with.
func (c *Client) UpdateConfig(p Partial) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p.Timeout != nil && *p.Timeout > 0 {
		c.cfg.Timeout = *p.Timeout
	}
	if p.Headers != nil {
		c.cfg.Headers = maps.Clone(p.Headers)
	}
	if p.MaxAttempts != nil && *p.MaxAttempts > 0 {
		c.cfg.MaxAttempts = *p.MaxAttempts
	}
	for kind, endpoint := range p.Endpoints {
		if c.cfg.Endpoints == nil {
			c.cfg.Endpoints = make(map[store.SessionKind]string)
		}
		c.cfg.Endpoints[kind] = endpoint
	}
}

// Health returns the endpoint health tracker.
func (c *Client) Health() *HealthTracker {
	return c.health
}

// Send performs one webhook call and normalizes the result. It never
// retries; the retry loop lives in the conversation controller where the
// attempt count is explicit.
func (c *Client) Send(ctx context.Context, req Request, opts SendOptions) (*Response, error) {
	cfg := c.Config()

	endpoint := opts.EndpointOverride
	if endpoint == "" {
		endpoint = cfg.Endpoints[req.UserType]
	}
	if endpoint == "" {
		return nil, parleyerr.New(parleyerr.CodeDeliveryRequestInvalid,
			"no webhook endpoint configured",
			parleyerr.FieldSessionID(req.SessionID),
			parleyerr.Field("user_type", string(req.UserType)))
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, parleyerr.Wrap(err, parleyerr.CodeDeliveryRequestInvalid,
			"encoding delivery request", parleyerr.FieldSessionID(req.SessionID))
	}

	callCtx, cancel := context.WithCancelCause(ctx)
	callID := c.registerCall(cancel)
	defer c.unregisterCall(callID)
	defer cancel(nil)

	timeoutCtx, cancelTimeout := context.WithTimeout(callCtx, cfg.Timeout)
	defer cancelTimeout()

	httpReq, err := http.NewRequestWithContext(timeoutCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, parleyerr.Wrap(err, parleyerr.CodeDeliveryRequestInvalid,
			"building delivery request", parleyerr.FieldEndpoint(endpoint))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, c.classifyTransportError(callCtx, err, req.SessionID, endpoint)
	}
	defer httpResp.Body.Close()

	if opts.OnReceiving != nil {
		opts.OnReceiving()
	}

	resp, err := c.decodeResponse(httpResp, req.SessionID, endpoint)
	if err != nil {
		return nil, err
	}
	resp.Elapsed = time.Since(start)

	c.health.RecordSuccess()
	return resp, nil
}

// Cancel aborts every call currently in flight. Calls started afterwards
// are unaffected.
func (c *Client) Cancel() {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	for _, cancel := range c.inflight {
		cancel(errCallCancelled)
	}
}

// TestConnection probes the webhook endpoint for the given session kind.
// It never returns an error; any failure to obtain an HTTP response reads
// as unreachable.
func (c *Client) TestConnection(ctx context.Context, kind store.SessionKind) bool {
	cfg := c.Config()
	endpoint := cfg.Endpoints[kind]
	if endpoint == "" {
		return false
	}

	probe := Request{
		SessionID: "connection-test",
		Message:   "ping",
		UserType:  kind,
		Timestamp: time.Now(),
		Metadata:  map[string]string{"connection_test": "true"},
	}

	body, err := json.Marshal(probe)
	if err != nil {
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(probeCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return false
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.health.RecordFailure()
		c.logger.Debug("connection probe failed", "endpoint", endpoint, "error", err)
		return false
	}
	defer httpResp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(httpResp.Body, maxResponseBytes))

	// Any HTTP response counts as reachable, even an application error.
	c.health.RecordSuccess()
	return true
}

func (c *Client) registerCall(cancel context.CancelCauseFunc) int {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	c.nextCallID++
	id := c.nextCallID
	c.inflight[id] = cancel
	return id
}

func (c *Client) unregisterCall(id int) {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	delete(c.inflight, id)
}
