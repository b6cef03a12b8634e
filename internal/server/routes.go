// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Parley Contributors

package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/parley-dev/parley/internal/conversation"
	"github.com/parley-dev/parley/internal/delivery"
	"github.com/parley-dev/parley/internal/offline"
	"github.com/parley-dev/parley/internal/store"
	parleyerr "github.com/parley-dev/parley/pkg/errors"
)

func (s *Server) registerRoutes() {
	// Session endpoints
	huma.Register(s.api, huma.Operation{
		OperationID: "create-session",
		Method:      http.MethodPost,
		Path:        "/api/v1/sessions",
		Summary:     "Create a session",
		Tags:        []string{"sessions"},
	}, s.handleCreateSession)

	huma.Register(s.api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/api/v1/sessions",
		Summary:     "List sessions",
		Tags:        []string{"sessions"},
	}, s.handleListSessions)

	huma.Register(s.api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/api/v1/sessions/{id}",
		Summary:     "Get session with transcript",
		Tags:        []string{"sessions"},
	}, s.handleGetSession)

	huma.Register(s.api, huma.Operation{
		OperationID: "end-session",
		Method:      http.MethodDelete,
		Path:        "/api/v1/sessions/{id}",
		Summary:     "End a session",
		Tags:        []string{"sessions"},
	}, s.handleEndSession)

	// Message endpoints
	huma.Register(s.api, huma.Operation{
		OperationID: "send-message",
		Method:      http.MethodPost,
		Path:        "/api/v1/sessions/{id}/messages",
		Summary:     "Send a message",
		Tags:        []string{"messages"},
	}, s.handleSendMessage)

	huma.Register(s.api, huma.Operation{
		OperationID: "retry-last-message",
		Method:      http.MethodPost,
		Path:        "/api/v1/sessions/{id}/retry",
		Summary:     "Retry the last message",
		Tags:        []string{"messages"},
	}, s.handleRetryLastMessage)

	huma.Register(s.api, huma.Operation{
		OperationID: "cancel-request",
		Method:      http.MethodPost,
		Path:        "/api/v1/sessions/{id}/cancel",
		Summary:     "Cancel the in-flight delivery",
		Tags:        []string{"messages"},
	}, s.handleCancelRequest)

	huma.Register(s.api, huma.Operation{
		OperationID: "clear-error",
		Method:      http.MethodPost,
		Path:        "/api/v1/sessions/{id}/clear-error",
		Summary:     "Clear the last error without retrying",
		Tags:        []string{"messages"},
	}, s.handleClearError)

	// Offline queue endpoints
	huma.Register(s.api, huma.Operation{
		OperationID: "list-pending",
		Method:      http.MethodGet,
		Path:        "/api/v1/offline/pending",
		Summary:     "List pending offline messages",
		Tags:        []string{"offline"},
	}, s.handleListPending)

	huma.Register(s.api, huma.Operation{
		OperationID: "remove-pending",
		Method:      http.MethodDelete,
		Path:        "/api/v1/offline/pending/{id}",
		Summary:     "Discard one pending offline message",
		Tags:        []string{"offline"},
	}, s.handleRemovePending)

	huma.Register(s.api, huma.Operation{
		OperationID: "clear-pending",
		Method:      http.MethodDelete,
		Path:        "/api/v1/offline/pending",
		Summary:     "Discard all pending offline messages",
		Tags:        []string{"offline"},
	}, s.handleClearPending)

	huma.Register(s.api, huma.Operation{
		OperationID: "sync",
		Method:      http.MethodPost,
		Path:        "/api/v1/offline/sync",
		Summary:     "Replay the pending offline queue",
		Tags:        []string{"offline"},
	}, s.handleSync)

	huma.Register(s.api, huma.Operation{
		OperationID: "offline-status",
		Method:      http.MethodGet,
		Path:        "/api/v1/offline/status",
		Summary:     "Connectivity, queue depth, and sync history",
		Tags:        []string{"offline"},
	}, s.handleOfflineStatus)

	// Webhook endpoints
	huma.Register(s.api, huma.Operation{
		OperationID: "test-webhook",
		Method:      http.MethodGet,
		Path:        "/api/v1/webhook/test",
		Summary:     "Probe webhook reachability",
		Tags:        []string{"webhook"},
	}, s.handleTestWebhook)

	huma.Register(s.api, huma.Operation{
		OperationID: "update-delivery-config",
		Method:      http.MethodPatch,
		Path:        "/api/v1/config/delivery",
		Summary:     "Hot-swap delivery settings",
		Description: "Applies to subsequent webhook calls only; in-flight calls keep the settings they started with.",
		Tags:        []string{"webhook"},
	}, s.handleUpdateDeliveryConfig)
}

// --- View types ---

// SessionSummary is the list representation of a session.
type SessionSummary struct {
	ID             string    `json:"id"`
	Kind           string    `json:"kind"`
	Active         bool      `json:"active"`
	Blocked        bool      `json:"blocked"`
	Typing         bool      `json:"typing"`
	MessageCount   int       `json:"message_count"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// MessageView is one transcript entry.
type MessageView struct {
	ID        string              `json:"id"`
	Content   string              `json:"content"`
	Sender    string              `json:"sender"`
	Status    string              `json:"status"`
	Local     bool                `json:"local,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
	Error     *store.MessageError `json:"error,omitempty"`
}

// SessionDetail is a session with its full transcript.
type SessionDetail struct {
	SessionSummary
	Messages []MessageView     `json:"messages"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ReplyView is the delivered reply returned from send and retry.
type ReplyView struct {
	Reply        string            `json:"reply"`
	Actions      []delivery.Action `json:"actions,omitempty"`
	SessionEnded bool              `json:"session_ended,omitempty"`
	ElapsedMS    int64             `json:"elapsed_ms"`
}

// PendingView is one durable offline queue entry.
type PendingView struct {
	ID        string            `json:"id"`
	SessionID string            `json:"session_id"`
	Content   string            `json:"content"`
	CreatedAt time.Time         `json:"created_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func sessionSummary(sess *store.Session) SessionSummary {
	return SessionSummary{
		ID:             sess.ID,
		Kind:           string(sess.Kind),
		Active:         sess.IsActive,
		Blocked:        sess.Blocked,
		Typing:         sess.IsTyping,
		MessageCount:   len(sess.Messages),
		CreatedAt:      sess.CreatedAt,
		LastActivityAt: sess.LastActivityAt,
	}
}

func sessionDetail(sess *store.Session) SessionDetail {
	detail := SessionDetail{
		SessionSummary: sessionSummary(sess),
		Messages:       make([]MessageView, 0, len(sess.Messages)),
		Metadata:       sess.Metadata,
	}
	for _, msg := range sess.Messages {
		detail.Messages = append(detail.Messages, MessageView{
			ID:        msg.ID,
			Content:   msg.Content,
			Sender:    string(msg.Sender),
			Status:    string(msg.Status),
			Local:     msg.Local,
			CreatedAt: msg.CreatedAt,
			Error:     msg.Error,
		})
	}
	return detail
}

func replyView(resp *delivery.Response) ReplyView {
	return ReplyView{
		Reply:        resp.ReplyText,
		Actions:      resp.Actions,
		SessionEnded: resp.SessionShouldEnd,
		ElapsedMS:    resp.Elapsed.Milliseconds(),
	}
}

// apiError converts a coded engine error into a huma status error, keeping
// the short user-facing message and can-retry flag.
func apiError(err error) error {
	status := parleyerr.HTTPStatus(err)
	switch {
	case parleyerr.HasCode(err, parleyerr.CodeStoreSessionEnded):
		status = http.StatusConflict
	case parleyerr.IsCancelled(err):
		status = http.StatusConflict
	}

	msg, canRetry := parleyerr.UserFacing(err)
	if canRetry {
		// The retry hint travels in the detail so presentation layers can
		// render a retry action.
		return huma.NewError(status, msg, &huma.ErrorDetail{
			Message:  "retryable",
			Location: "delivery",
		})
	}
	return huma.NewError(status, msg)
}

// --- Request/Response types ---

type createSessionInput struct {
	Body struct {
		Kind     string `json:"kind,omitempty" enum:"public,admin" doc:"Session kind, defaults to public"`
		Endpoint string `json:"endpoint,omitempty" doc:"Per-session webhook endpoint override"`
	}
}
type createSessionOutput struct {
	Body SessionSummary
}

type listSessionsOutput struct {
	Body struct {
		Sessions []SessionSummary `json:"sessions"`
	}
}

type sessionIDInput struct {
	ID string `path:"id"`
}
type getSessionOutput struct {
	Body SessionDetail
}

type statusOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

type sendMessageInput struct {
	ID   string `path:"id"`
	Body struct {
		Content   string            `json:"content" minLength:"1" doc:"Message content"`
		AutoRetry bool              `json:"auto_retry,omitempty" doc:"Retry retryable failures transparently"`
		Metadata  map[string]string `json:"metadata,omitempty" doc:"Forwarded to the webhook unchanged"`
	}
}
type sendMessageOutput struct {
	Body ReplyView
}

type retryOutput struct {
	Body struct {
		Retried bool       `json:"retried"`
		Reply   *ReplyView `json:"reply,omitempty"`
	}
}

type listPendingOutput struct {
	Body struct {
		Pending []PendingView `json:"pending"`
	}
}

type syncOutput struct {
	Body offline.SyncResult
}

type offlineStatusOutput struct {
	Body offline.Status
}

type testWebhookInput struct {
	Kind string `query:"kind" enum:"public,admin" default:"public" doc:"Session kind whose endpoint to probe"`
}
type testWebhookOutput struct {
	Body struct {
		Reachable bool `json:"reachable"`
	}
}

type updateDeliveryConfigInput struct {
	Body struct {
		Timeout     string            `json:"timeout,omitempty" doc:"Per-call timeout, e.g. \"30s\""`
		MaxAttempts *int              `json:"max_attempts,omitempty" minimum:"1"`
		Headers     map[string]string `json:"headers,omitempty"`
	}
}

// --- Handlers ---

func (s *Server) handleCreateSession(_ context.Context, input *createSessionInput) (*createSessionOutput, error) {
	kind := store.SessionKind(input.Body.Kind)
	if kind == "" {
		kind = store.SessionKindPublic
	}

	sess := s.engine.Store.CreateSession(kind, input.Body.Endpoint)
	return &createSessionOutput{Body: sessionSummary(sess)}, nil
}

func (s *Server) handleListSessions(_ context.Context, _ *struct{}) (*listSessionsOutput, error) {
	out := &listSessionsOutput{}
	out.Body.Sessions = make([]SessionSummary, 0)
	for _, sess := range s.engine.Store.ListSessions() {
		out.Body.Sessions = append(out.Body.Sessions, sessionSummary(sess))
	}
	return out, nil
}

func (s *Server) handleGetSession(_ context.Context, input *sessionIDInput) (*getSessionOutput, error) {
	sess, err := s.engine.Store.GetSession(input.ID)
	if err != nil {
		return nil, apiError(err)
	}
	return &getSessionOutput{Body: sessionDetail(sess)}, nil
}

func (s *Server) handleEndSession(_ context.Context, input *sessionIDInput) (*statusOutput, error) {
	if err := s.engine.Controller.EndSession(input.ID); err != nil {
		return nil, apiError(err)
	}
	out := &statusOutput{}
	out.Body.Status = "ended"
	return out, nil
}

func (s *Server) handleSendMessage(ctx context.Context, input *sendMessageInput) (*sendMessageOutput, error) {
	resp, err := s.engine.Offline.SendMessage(ctx, input.ID, input.Body.Content, conversation.SendOptions{
		AutoRetry: input.Body.AutoRetry,
		Metadata:  input.Body.Metadata,
		Sink:      s.engine.Hub,
	})
	if err != nil {
		return nil, apiError(err)
	}
	return &sendMessageOutput{Body: replyView(resp)}, nil
}

func (s *Server) handleRetryLastMessage(ctx context.Context, input *sessionIDInput) (*retryOutput, error) {
	resp, err := s.engine.Controller.RetryLastMessage(ctx, input.ID, conversation.SendOptions{
		Sink: s.engine.Hub,
	})
	if err != nil {
		return nil, apiError(err)
	}

	out := &retryOutput{}
	if resp == nil {
		// Nothing to retry is not an error.
		return out, nil
	}
	out.Body.Retried = true
	view := replyView(resp)
	out.Body.Reply = &view
	return out, nil
}

func (s *Server) handleCancelRequest(_ context.Context, input *sessionIDInput) (*statusOutput, error) {
	if _, err := s.engine.Store.GetSession(input.ID); err != nil {
		return nil, apiError(err)
	}

	s.engine.Controller.CancelRequest(input.ID)
	out := &statusOutput{}
	out.Body.Status = "cancelled"
	return out, nil
}

func (s *Server) handleClearError(_ context.Context, input *sessionIDInput) (*statusOutput, error) {
	if _, err := s.engine.Store.GetSession(input.ID); err != nil {
		return nil, apiError(err)
	}

	s.engine.Controller.ClearError(input.ID)
	out := &statusOutput{}
	out.Body.Status = "cleared"
	return out, nil
}

func (s *Server) handleListPending(ctx context.Context, _ *struct{}) (*listPendingOutput, error) {
	pending, err := s.engine.Offline.PendingMessages(ctx)
	if err != nil {
		return nil, apiError(err)
	}

	out := &listPendingOutput{}
	out.Body.Pending = make([]PendingView, 0, len(pending))
	for _, msg := range pending {
		out.Body.Pending = append(out.Body.Pending, PendingView{
			ID:        msg.ID,
			SessionID: msg.SessionID,
			Content:   msg.Content,
			CreatedAt: msg.CreatedAt,
			Metadata:  msg.Metadata,
		})
	}
	return out, nil
}

func (s *Server) handleRemovePending(ctx context.Context, input *sessionIDInput) (*statusOutput, error) {
	if err := s.engine.Offline.RemovePendingMessage(ctx, input.ID); err != nil {
		return nil, apiError(err)
	}
	out := &statusOutput{}
	out.Body.Status = "removed"
	return out, nil
}

func (s *Server) handleClearPending(ctx context.Context, _ *struct{}) (*statusOutput, error) {
	if err := s.engine.Offline.ClearPendingMessages(ctx); err != nil {
		return nil, apiError(err)
	}
	out := &statusOutput{}
	out.Body.Status = "cleared"
	return out, nil
}

func (s *Server) handleSync(ctx context.Context, _ *struct{}) (*syncOutput, error) {
	result, err := s.engine.Offline.Sync(ctx)
	if err != nil {
		return nil, apiError(err)
	}
	return &syncOutput{Body: *result}, nil
}

func (s *Server) handleOfflineStatus(ctx context.Context, _ *struct{}) (*offlineStatusOutput, error) {
	status, err := s.engine.Offline.Status(ctx)
	if err != nil {
		return nil, apiError(err)
	}
	return &offlineStatusOutput{Body: *status}, nil
}

func (s *Server) handleTestWebhook(ctx context.Context, input *testWebhookInput) (*testWebhookOutput, error) {
	out := &testWebhookOutput{}
	out.Body.Reachable = s.engine.Client.TestConnection(ctx, store.SessionKind(input.Kind))
	return out, nil
}

func (s *Server) handleUpdateDeliveryConfig(_ context.Context, input *updateDeliveryConfigInput) (*statusOutput, error) {
	var partial delivery.Partial

	if input.Body.Timeout != "" {
		timeout, err := time.ParseDuration(input.Body.Timeout)
		if err != nil || timeout <= 0 {
			return nil, huma.Error400BadRequest("timeout must be a positive duration")
		}
		partial.Timeout = &timeout
	}
	partial.MaxAttempts = input.Body.MaxAttempts
	partial.Headers = input.Body.Headers

	s.engine.Client.UpdateConfig(partial)
	out := &statusOutput{}
	out.Body.Status = "updated"
	return out, nil
}
