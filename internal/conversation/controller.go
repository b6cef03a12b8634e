// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Parley Contributors

package conversation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/parley-dev/parley/internal/delivery"
	"github.com/parley-dev/parley/internal/store"
	parleyerr "github.com/parley-dev/parley/pkg/errors"
)

const (
	defaultPerRuneDelay   = 30 * time.Millisecond
	defaultMinTypingDelay = 500 * time.Millisecond
	defaultMaxTypingDelay = 3 * time.Second
	defaultRetryDelay     = time.Second
)

// errSendCancelled is the cancellation cause used by CancelRequest.
var errSendCancelled = errors.New("send cancelled")

// TypingDelay controls the artificial pause before a reply is surfaced,
// mimicking human pacing. The delay scales with reply length and is clamped
// to [Min, Max].
type TypingDelay struct {
	PerRune time.Duration
	Min     time.Duration
	Max     time.Duration
}

// For computes the delay for a given reply. An empty reply gets no delay.
func (t TypingDelay) For(reply string) time.Duration {
	if reply == "" {
		return 0
	}

	per, min, max := t.PerRune, t.Min, t.Max
	if per <= 0 {
		per = defaultPerRuneDelay
	}
	if min <= 0 {
		min = defaultMinTypingDelay
	}
	if max <= 0 {
		max = defaultMaxTypingDelay
	}

	d := per * time.Duration(utf8.RuneCountInString(reply))
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}

// SendOptions carries per-call options for SendMessage and RetryLastMessage.
type SendOptions struct {
	// AutoRetry enables transparent re-attempts for retryable failures, up
	// to the client's configured attempt ceiling.
	AutoRetry bool
	// Metadata is forwarded to the webhook unchanged.
	Metadata map[string]string
	// ReplayMessageID names an existing queued transcript entry to carry
	// through this delivery instead of appending a new user message.
	// Offline sync replays set it so the transcript never duplicates.
	ReplayMessageID string
	// Sink receives progress events for this call.
	Sink EventSink
	// OnError fires once per terminal failure, after the error has been
	// attached to the triggering message.
	OnError func(error)
}

// Config holds dependencies for the Controller.
type Config struct {
	Store      *store.SessionStore
	Client     *delivery.Client
	Logger     *slog.Logger
	Typing     TypingDelay
	RetryDelay time.Duration
	// SleepFunc overrides the cancellable sleep used for retry backoff and
	// typing delays (for testing).
	SleepFunc func(ctx context.Context, d time.Duration) error
}

// Controller turns raw user input into a delivered or failed message. It
// enforces the per-session serialization that gives the engine its ordering
// guarantee: at most one delivery is in flight per session, and later sends
// wait for earlier ones to settle.
type Controller struct {
	store      *store.SessionStore
	client     *delivery.Client
	logger     *slog.Logger
	typing     TypingDelay
	retryDelay time.Duration
	sleep      func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	states map[string]*sessionState
}

// sessionState is the controller's per-session bookkeeping. The gate
// serializes sends; the inner mutex guards the rest.
type sessionState struct {
	gate sync.Mutex

	mu            sync.Mutex
	cancel        context.CancelCauseFunc
	inFlight      bool
	lastRequest   *delivery.Request
	lastMessageID string
	lastErr       error
}

// NewController creates a Controller.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Store == nil || cfg.Client == nil {
		return nil, parleyerr.New(parleyerr.CodeConfigValidateInvalidValue,
			"controller requires a session store and a delivery client")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	sleep := cfg.SleepFunc
	if sleep == nil {
		sleep = sleepCtx
	}

	return &Controller{
		store:      cfg.Store,
		client:     cfg.Client,
		logger:     cfg.Logger,
		typing:     cfg.Typing,
		retryDelay: cfg.RetryDelay,
		sleep:      sleep,
		states:     make(map[string]*sessionState),
	}, nil
}

// SendMessage validates content, appends it to the session, and delivers it
// to the webhook, serialized against any other send on the same session.
func (c *Controller) SendMessage(ctx context.Context, sessionID, content string, opts SendOptions) (*delivery.Response, error) {
	st := c.state(sessionID)
	st.gate.Lock()
	defer st.gate.Unlock()

	sess, err := c.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}

	cleaned, verr := SanitizeContent(content)
	if verr != nil {
		c.recordRejection(sessionID, content, verr, opts)
		return nil, verr
	}

	if sess.Blocked {
		berr := parleyerr.New(parleyerr.CodeConversationSessionBlocked,
			"session is blocked", parleyerr.FieldSessionID(sessionID))
		c.recordRejection(sessionID, cleaned, berr, opts)
		return nil, berr
	}

	// A replay re-sends a transcript entry the offline path already
	// appended; appending again would duplicate the user message. An
	// unknown ID falls back to a fresh append.
	var msgID string
	if opts.ReplayMessageID != "" {
		for _, msg := range sess.Messages {
			if msg.ID == opts.ReplayMessageID {
				msgID = msg.ID
				break
			}
		}
	}
	if msgID == "" {
		var aerr error
		msgID, aerr = c.store.AddMessage(sessionID, &store.Message{
			Content: cleaned,
			Sender:  store.SenderUser,
			Status:  store.StatusQueued,
		})
		if aerr != nil {
			return nil, aerr
		}
	}

	req := delivery.Request{
		SessionID: sessionID,
		Message:   cleaned,
		UserType:  sess.Kind,
		Timestamp: time.Now(),
		Metadata:  opts.Metadata,
	}

	st.mu.Lock()
	st.lastRequest = &req
	st.lastMessageID = msgID
	st.mu.Unlock()

	return c.deliver(ctx, st, sess, req, msgID, opts)
}

// RetryLastMessage re-issues the most recent failed or requeued request on
// the session. It returns (nil, nil) when there is nothing to retry; that is
// not an error. A request that already succeeded is never re-issued, since
// that would deliver it twice remotely.
func (c *Controller) RetryLastMessage(ctx context.Context, sessionID string, opts SendOptions) (*delivery.Response, error) {
	st := c.state(sessionID)
	st.gate.Lock()
	defer st.gate.Unlock()

	st.mu.Lock()
	req := st.lastRequest
	msgID := st.lastMessageID
	st.mu.Unlock()
	if req == nil {
		return nil, nil
	}

	sess, err := c.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}

	// Error means the last delivery failed; queued means it was cancelled
	// and put back. Anything further along has already been sent.
	var last *store.Message
	for _, msg := range sess.Messages {
		if msg.ID == msgID {
			last = msg
			break
		}
	}
	if last == nil || (last.Status != store.StatusError && last.Status != store.StatusQueued) {
		return nil, nil
	}

	if sess.Blocked {
		return nil, parleyerr.New(parleyerr.CodeConversationSessionBlocked,
			"session is blocked", parleyerr.FieldSessionID(sessionID))
	}

	retry := *req
	retry.Timestamp = time.Now()
	return c.deliver(ctx, st, sess, retry, msgID, opts)
}

// CancelRequest aborts any in-flight delivery on the session and clears the
// typing flag. Cancelling with nothing in flight is a no-op; cancellation is
// never recorded as an error.
func (c *Controller) CancelRequest(sessionID string) {
	c.mu.Lock()
	st := c.states[sessionID]
	c.mu.Unlock()

	if st != nil {
		st.mu.Lock()
		cancel := st.cancel
		st.mu.Unlock()
		if cancel != nil {
			cancel(errSendCancelled)
		}
	}

	c.store.SetTyping(sessionID, false)
}

// ClearError resets the session's retry bookkeeping and clears the error on
// the last message without retrying it.
func (c *Controller) ClearError(sessionID string) {
	c.mu.Lock()
	st := c.states[sessionID]
	c.mu.Unlock()
	if st == nil {
		return
	}

	st.mu.Lock()
	st.lastErr = nil
	msgID := st.lastMessageID
	st.mu.Unlock()
	if msgID == "" {
		return
	}

	sess, err := c.store.GetSession(sessionID)
	if err != nil {
		return
	}
	for _, msg := range sess.Messages {
		if msg.ID == msgID && msg.Status == store.StatusError {
			c.store.UpdateMessageStatus(sessionID, msgID, store.StatusQueued, nil)
			return
		}
	}
}

// EndSession cancels any in-flight delivery, marks the session inactive, and
// releases the controller's per-session state.
func (c *Controller) EndSession(sessionID string) error {
	c.CancelRequest(sessionID)

	if err := c.store.EndSession(sessionID); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.states, sessionID)
	c.mu.Unlock()
	return nil
}

// InFlight reports whether a delivery is currently active on the session.
func (c *Controller) InFlight(sessionID string) bool {
	c.mu.Lock()
	st := c.states[sessionID]
	c.mu.Unlock()
	if st == nil {
		return false
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	return st.inFlight
}

// LastError returns the most recent terminal error on the session, or nil.
func (c *Controller) LastError(sessionID string) error {
	c.mu.Lock()
	st := c.states[sessionID]
	c.mu.Unlock()
	if st == nil {
		return nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	return st.lastErr
}

// deliver runs the delivery loop for one request. The caller must hold the
// session gate.
func (c *Controller) deliver(ctx context.Context, st *sessionState, sess *store.Session, req delivery.Request, msgID string, opts SendOptions) (*delivery.Response, error) {
	sessionID := sess.ID

	callCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	st.mu.Lock()
	st.cancel = cancel
	st.inFlight = true
	st.mu.Unlock()

	c.store.SetTyping(sessionID, true)

	// Flags are cleared on every exit path so the UI never gets stuck
	// disabled, including cancellation and panic-free error returns.
	defer func() {
		c.store.SetTyping(sessionID, false)
		st.mu.Lock()
		st.cancel = nil
		st.inFlight = false
		st.mu.Unlock()
	}()

	emit(opts.Sink, EventSending, EventPayload{SessionID: sessionID, MessageID: msgID})
	c.store.UpdateMessageStatus(sessionID, msgID, store.StatusSending, nil)

	maxAttempts := 1
	if opts.AutoRetry {
		if n := c.client.Config().MaxAttempts; n > 1 {
			maxAttempts = n
		}
	}

	start := time.Now()
	resp, err := c.attemptLoop(callCtx, req, sess.WebhookEndpoint, msgID, maxAttempts, opts)
	if err != nil {
		return nil, c.recordOutcome(st, sessionID, msgID, err, opts)
	}

	c.store.UpdateMessageStatus(sessionID, msgID, store.StatusSent, nil)
	emit(opts.Sink, EventMessageSent, EventPayload{SessionID: sessionID, MessageID: msgID})

	// Pause to mimic human typing before surfacing the reply.
	if d := c.typing.For(resp.ReplyText); d > 0 {
		if serr := c.sleep(callCtx, d); serr != nil {
			return nil, parleyerr.New(parleyerr.CodeDeliveryCancelled,
				"delivery cancelled", parleyerr.FieldSessionID(sessionID))
		}
	}

	c.store.UpdateMessageStatus(sessionID, msgID, store.StatusDelivered, nil)
	if resp.ReplyText != "" {
		if _, aerr := c.store.AddMessage(sessionID, &store.Message{
			Content: resp.ReplyText,
			Sender:  store.SenderAgent,
			Status:  store.StatusDelivered,
		}); aerr != nil {
			c.logger.Warn("failed to append agent reply", "session_id", sessionID, "error", aerr)
		}
	}

	st.mu.Lock()
	st.lastErr = nil
	st.mu.Unlock()

	emit(opts.Sink, EventResponseReceived, EventPayload{
		SessionID:      sessionID,
		MessageID:      msgID,
		ResponseTimeMS: time.Since(start).Milliseconds(),
	})

	if resp.SessionShouldEnd {
		if eerr := c.store.EndSession(sessionID); eerr != nil {
			c.logger.Warn("failed to end session", "session_id", sessionID, "error", eerr)
		}
	} else {
		c.store.Touch(sessionID)
	}

	return resp, nil
}

// attemptLoop performs up to maxAttempts webhook calls with a fixed delay
// between retryable failures. The attempt count is explicit so retryability
// stays a property lookup, never control flow derived from exceptions.
func (c *Controller) attemptLoop(ctx context.Context, req delivery.Request, endpoint, msgID string, maxAttempts int, opts SendOptions) (*delivery.Response, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		emit(opts.Sink, EventProcessing, EventPayload{
			SessionID: req.SessionID, MessageID: msgID, Attempt: attempt,
		})

		resp, err := c.client.Send(ctx, req, delivery.SendOptions{
			EndpointOverride: endpoint,
			OnReceiving: func() {
				emit(opts.Sink, EventReceiving, EventPayload{
					SessionID: req.SessionID, MessageID: msgID, Attempt: attempt,
				})
			},
		})
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if parleyerr.IsCancelled(err) || !parleyerr.Retryable(err) || attempt == maxAttempts {
			return nil, err
		}

		c.logger.Warn("delivery attempt failed, retrying",
			"session_id", req.SessionID,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"error", err,
		)

		if serr := c.sleep(ctx, c.retryDelay); serr != nil {
			return nil, parleyerr.New(parleyerr.CodeDeliveryCancelled,
				"delivery cancelled", parleyerr.FieldSessionID(req.SessionID))
		}
	}
	return nil, lastErr
}

// recordOutcome attaches a terminal failure to the triggering message, or
// requeues it on cancellation so a manual retry can re-send.
func (c *Controller) recordOutcome(st *sessionState, sessionID, msgID string, err error, opts SendOptions) error {
	if parleyerr.IsCancelled(err) {
		c.store.UpdateMessageStatus(sessionID, msgID, store.StatusQueued, nil)
		return err
	}

	short, canRetry := parleyerr.UserFacing(err)
	c.store.UpdateMessageStatus(sessionID, msgID, store.StatusError, &store.MessageError{
		Kind:      string(parleyerr.KindOf(err)),
		Message:   short,
		Retryable: canRetry,
	})

	st.mu.Lock()
	st.lastErr = err
	st.mu.Unlock()

	if opts.OnError != nil {
		opts.OnError(err)
	}
	return err
}

// recordRejection appends the rejected input and attaches the validation or
// policy error to it, so the failure is visible in the conversation. The
// recorded content is sanitized and truncated; the raw input is never stored.
func (c *Controller) recordRejection(sessionID, content string, cause error, opts SendOptions) {
	msgID, err := c.store.AddMessage(sessionID, &store.Message{
		Content: sanitizeForDisplay(content),
		Sender:  store.SenderUser,
		Status:  store.StatusQueued,
	})
	if err == nil {
		short, canRetry := parleyerr.UserFacing(cause)
		c.store.UpdateMessageStatus(sessionID, msgID, store.StatusError, &store.MessageError{
			Kind:      string(parleyerr.KindOf(cause)),
			Message:   short,
			Retryable: canRetry,
		})
	}

	if opts.OnError != nil {
		opts.OnError(cause)
	}
}

func (c *Controller) state(sessionID string) *sessionState {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.states[sessionID]
	if !ok {
		st = &sessionState{}
		c.states[sessionID] = st
	}
	return st
}

// sleepCtx is a cancellable sleep.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-timer.C:
		return nil
	}
}
