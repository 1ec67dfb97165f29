package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Error codes. Input and policy errors are terminal for the request;
// transient codes mark conditions a client may retry.
const (
	CodeInvalidFrame           = "invalid_frame"
	CodeFrameTooLarge          = "frame_too_large"
	CodeInvalidEnvelope        = "invalid_envelope"
	CodeInvalidSpec            = "invalid_spec"
	CodeHandshakeRequired      = "handshake_required"
	CodeUnsupportedVersion     = "unsupported_version"
	CodeUnknownType            = "unknown_type"
	CodeUnknownAgent           = "unknown_agent"
	CodeUnknownTarget          = "unknown_target"
	CodeAgentExists            = "agent_exists"
	CodeMissingCorrelationID   = "missing_correlation_id"
	CodeDuplicateCorrelationID = "duplicate_correlation_id"

	CodeACLDenied            = "acl_denied"
	CodeQueueFull            = "queue_full"
	CodeNotSupported         = "not_supported"
	CodeUnsupportedOperation = "unsupported_operation"

	CodeAckTimeout      = "ack_timeout"
	CodeSpawnFailed     = "spawn_failed"
	CodeInjectionFailed = "injection_failed"
	CodeRequestTimeout  = "request_timeout"

	CodeBrokerShuttingDown = "broker_shutting_down"
	CodeInternalError      = "internal_error"
	CodeConnectionClosed   = "connection_closed"
)

var retryableCodes = map[string]bool{
	CodeQueueFull:       true,
	CodeAckTimeout:      true,
	CodeSpawnFailed:     true,
	CodeInjectionFailed: true,
	CodeRequestTimeout:  true,
}

// Error is the wire error shape. It satisfies the error interface so broker
// internals can return it directly and the dispatcher can serialize it
// without translation.
type Error struct {
	Code      string          `json:"code"`
	Message   string          `json:"message"`
	Retryable bool            `json:"retryable"`
	Data      json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// NewError builds an Error with retryability derived from the code.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: retryableCodes[code]}
}

// NewErrorf is NewError with formatting.
func NewErrorf(code, format string, args ...any) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// WithData attaches structured context to the error. Unencodable data is
// dropped rather than failing the error path itself.
func (e *Error) WithData(v any) *Error {
	if raw, err := json.Marshal(v); err == nil {
		e.Data = raw
	}
	return e
}

// AsError coerces any error into a wire Error, wrapping unknown errors as
// internal_error so clients always see the taxonomy.
func AsError(err error) *Error {
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	return NewError(CodeInternalError, err.Error())
}
