// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Parley Contributors

package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/samber/oops"
)

// Code is the machine-readable identifier for an error.
type Code string

const (
	CodeStoreSessionNotFound    Code = "store.session.get.not_found"
	CodeStoreSessionEnded       Code = "store.session.status.ended"
	CodeStoreMessageInvalid     Code = "store.message.append.invalid_input"
	CodeStoreQueueFailure       Code = "store.queue.failure"
	CodeStoreSnapshotFailure    Code = "store.snapshot.failure"
	CodeStoreBackendUnsupported Code = "store.backend.unsupported"
	CodeStoreDatabaseFailure    Code = "store.database.failure"

	CodeConfigLoadReadFailure      Code = "config.load.read.failure"
	CodeConfigParseInvalidFormat   Code = "config.parse.invalid_format"
	CodeConfigValidateInvalidValue Code = "config.validate.invalid_value"

	CodeDeliveryNetworkFailure  Code = "delivery.send.network_failure"
	CodeDeliveryTimeout         Code = "delivery.send.timeout"
	CodeDeliveryCancelled       Code = "delivery.send.cancelled"
	CodeDeliveryServerFailure   Code = "delivery.send.server_failure"
	CodeDeliveryResponseInvalid Code = "delivery.response.invalid"
	CodeDeliveryRequestInvalid  Code = "delivery.request.invalid"

	CodeConversationInputInvalid   Code = "conversation.input.invalid"
	CodeConversationSessionBlocked Code = "conversation.session.blocked"
	CodeConversationRemoteRejected Code = "conversation.remote.rejected"

	CodeOfflineSyncFailure   Code = "offline.sync.failure"
	CodeOfflineQueueNotFound Code = "offline.queue.entry.not_found"

	CodeSecretNotFound       Code = "secret.get.not_found"
	CodeSecretStoreFailure   Code = "secret.store.failure"
	CodeSecretDeleteFailure  Code = "secret.delete.failure"
	CodeSecretListFailure    Code = "secret.list.failure"
	CodeSecretResolveFailure Code = "secret.resolve.failure"
	CodeSecretInvalidInput   Code = "secret.invalid_input"

	CodeServerRequestInvalid  Code = "server.request.invalid"
	CodeServerEntityNotFound  Code = "server.entity.not_found"
	CodeServerInternalFailure Code = "server.internal.failure"
	CodeServerStartFailure    Code = "server.start.failure"
	CodeServerShutdownFailure Code = "server.shutdown.failure"

	CodeCLIInputInvalid   Code = "cli.input.invalid"
	CodeCLIRequestFailure Code = "cli.request.failure"
	CodeCLISetupFailure   Code = "cli.setup.failure"
)

// Kind is the coarse failure class presented to presentation layers.
// Retryability is a pure function of Kind.
type Kind string

const (
	KindNetwork        Kind = "network"
	KindTimeout        Kind = "timeout"
	KindValidation     Kind = "validation"
	KindSessionBlocked Kind = "session_blocked"
	KindServer         Kind = "server"
)

// Retryable reports whether an error of this kind is eligible for
// automatic re-attempt. Validation and policy rejections never are.
func (k Kind) Retryable() bool {
	switch k {
	case KindNetwork, KindTimeout, KindServer:
		return true
	default:
		return false
	}
}

// kindByCode maps delivery/conversation codes onto the caller-facing Kind.
var kindByCode = map[Code]Kind{
	CodeDeliveryNetworkFailure:     KindNetwork,
	CodeDeliveryTimeout:            KindTimeout,
	CodeDeliveryServerFailure:      KindServer,
	CodeDeliveryResponseInvalid:    KindServer,
	CodeDeliveryRequestInvalid:     KindValidation,
	CodeConversationInputInvalid:   KindValidation,
	CodeConversationSessionBlocked: KindSessionBlocked,
	CodeConversationRemoteRejected: KindValidation,
}

// KindOf returns the failure class of err, or "" for errors outside the
// delivery taxonomy (store failures, config errors, ...).
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return kindByCode[CodeOf(err)]
}

// Retryable reports whether err is classified as transient. Errors outside
// the taxonomy are never retryable.
func Retryable(err error) bool {
	return KindOf(err).Retryable()
}

// Attr is a structured key/value context attached to an error.
type Attr struct {
	Key   string
	Value any
}

// Field creates a structured error field.
func Field(key string, value any) Attr {
	return Attr{Key: key, Value: value}
}

func FieldSessionID(value string) Attr {
	return Field("session_id", value)
}

func FieldMessageID(value string) Attr {
	return Field("message_id", value)
}

func FieldEndpoint(value string) Attr {
	return Field("endpoint", value)
}

func FieldAttempt(value int) Attr {
	return Field("attempt", value)
}

func New(code Code, msg string, fields ...Attr) error {
	return oops.Code(code).With(flatten(fields)...).New(msg)
}

func Errorf(code Code, format string, args ...any) error {
	return oops.Code(code).Errorf(format, args...)
}

func Wrap(err error, code Code, msg string, fields ...Attr) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).With(flatten(fields)...).Wrapf(err, "%s", msg)
}

func Wrapf(err error, code Code, format string, args ...any) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).Wrapf(err, format, args...)
}

// With adds structured fields to an existing error chain.
func With(err error, fields ...Attr) error {
	if err == nil {
		return nil
	}

	code := CodeOf(err)
	if code == "" {
		code = CodeServerInternalFailure
	}

	return oops.Code(code).With(flatten(fields)...).Wrap(err)
}

func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}

	if code, ok := oopsErr.Code().(Code); ok {
		return code
	}

	if code, ok := oopsErr.Code().(string); ok {
		return Code(code)
	}

	return Code(fmt.Sprintf("%v", oopsErr.Code()))
}

func FieldsOf(err error) map[string]any {
	if err == nil {
		return nil
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}

	return oopsErr.Context()
}

func HasCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

func IsNotFound(err error) bool {
	return reason(CodeOf(err)) == "not_found"
}

func IsInvalidInput(err error) bool {
	r := reason(CodeOf(err))
	return r == "invalid" || r == "invalid_input" || r == "invalid_value" || r == "invalid_format"
}

// IsCancelled reports whether err represents a cooperative cancellation.
// Cancellation is neither a success nor a failure and is never retried.
func IsCancelled(err error) bool {
	return HasCode(err, CodeDeliveryCancelled)
}

func IsTimeout(err error) bool {
	return reason(CodeOf(err)) == "timeout"
}

func HTTPStatus(err error) int {
	switch {
	case IsNotFound(err):
		return http.StatusNotFound
	case HasCode(err, CodeConversationSessionBlocked):
		return http.StatusForbidden
	case IsInvalidInput(err):
		return http.StatusBadRequest
	case IsTimeout(err):
		return http.StatusGatewayTimeout
	case KindOf(err) == KindNetwork || KindOf(err) == KindServer:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func Join(errs ...error) error {
	return oops.Code(CodeServerInternalFailure).Wrap(stderrors.Join(errs...))
}

// UserFacing reduces an error to the short message plus can-retry flag that
// presentation layers render. Only the outermost wrap message is kept.
func UserFacing(err error) (msg string, canRetry bool) {
	if err == nil {
		return "", false
	}

	msg = err.Error()
	if idx := strings.Index(msg, ": "); idx > 0 {
		msg = msg[:idx]
	}
	return msg, Retryable(err)
}

func flatten(fields []Attr) []any {
	pairs := make([]any, 0, len(fields)*2)
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		pairs = append(pairs, field.Key, field.Value)
	}
	return pairs
}

func reason(code Code) string {
	if code == "" {
		return ""
	}

	raw := string(code)
	idx := strings.LastIndex(raw, ".")
	if idx == -1 || idx == len(raw)-1 {
		return raw
	}
	return raw[idx+1:]
}
