// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Parley Contributors

package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	parleyerr "github.com/parley-dev/parley/pkg/errors"
)

// classifyTransportError maps a failed http.Client.Do into the error
// taxonomy: explicit Cancel → cancelled, deadline → timeout, anything else
// (connection refused, DNS, TLS) → network.
func (c *Client) classifyTransportError(callCtx context.Context, err error, sessionID, endpoint string) error {
	if context.Cause(callCtx) == errCallCancelled {
		return parleyerr.New(parleyerr.CodeDeliveryCancelled, "delivery cancelled",
			parleyerr.FieldSessionID(sessionID))
	}

	if errors.Is(err, context.Canceled) {
		// The caller's context went away; treat as cancellation, not failure.
		return parleyerr.Wrap(err, parleyerr.CodeDeliveryCancelled, "delivery cancelled",
			parleyerr.FieldSessionID(sessionID))
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		c.health.RecordFailure()
		return parleyerr.Wrap(err, parleyerr.CodeDeliveryTimeout, "delivery timed out",
			parleyerr.FieldSessionID(sessionID), parleyerr.FieldEndpoint(endpoint))
	}

	c.health.RecordFailure()
	return parleyerr.Wrap(err, parleyerr.CodeDeliveryNetworkFailure, "webhook unreachable",
		parleyerr.FieldSessionID(sessionID), parleyerr.FieldEndpoint(endpoint))
}

// decodeResponse classifies the HTTP status and parses the webhook's JSON
// into a Response. 4xx maps to validation or session-blocked depending on
// the payload; 5xx and malformed bodies map to retryable server failures.
func (c *Client) decodeResponse(httpResp *http.Response, sessionID, endpoint string) (*Response, error) {
	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		c.health.RecordFailure()
		return nil, parleyerr.Wrap(err, parleyerr.CodeDeliveryNetworkFailure,
			"reading webhook response", parleyerr.FieldSessionID(sessionID))
	}

	switch {
	case httpResp.StatusCode >= 500:
		c.health.RecordFailure()
		return nil, parleyerr.Errorf(parleyerr.CodeDeliveryServerFailure,
			"webhook returned status %d", httpResp.StatusCode)

	case httpResp.StatusCode >= 400:
		// Reachable but rejecting; not an availability problem.
		if isBlockedPayload(httpResp.StatusCode, body) {
			return nil, parleyerr.New(parleyerr.CodeConversationSessionBlocked,
				"session blocked by remote policy", parleyerr.FieldSessionID(sessionID))
		}
		return nil, parleyerr.Errorf(parleyerr.CodeDeliveryRequestInvalid,
			"webhook rejected request with status %d", httpResp.StatusCode)
	}

	var wire wireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		c.health.RecordFailure()
		return nil, parleyerr.Wrap(err, parleyerr.CodeDeliveryResponseInvalid,
			"malformed webhook response", parleyerr.FieldEndpoint(endpoint))
	}

	if !wire.Success || wire.Data == nil {
		c.health.RecordFailure()
		msg := wire.Error
		if msg == "" {
			msg = "webhook reported failure without detail"
		}
		return nil, parleyerr.New(parleyerr.CodeDeliveryServerFailure, msg,
			parleyerr.FieldSessionID(sessionID))
	}

	return &Response{
		ReplyText:        wire.Data.Response,
		Actions:          wire.Data.Actions,
		SessionShouldEnd: wire.Data.SessionComplete,
	}, nil
}

// isBlockedPayload reports whether a 4xx response indicates a policy block
// rather than a malformed request. 403 always reads as blocked; otherwise
// the payload's error text decides.
func isBlockedPayload(status int, body []byte) bool {
	if status == http.StatusForbidden {
		return true
	}

	var wire wireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(wire.Error), "blocked")
}
