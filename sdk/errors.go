package voxhall

import (
	"fmt"
	"net/url"
)

// ErrorType classifies widget errors by the subsystem they originate from.
type ErrorType string

const (
	ErrAuth       ErrorType = "auth"
	ErrConnection ErrorType = "connection"
	ErrSend       ErrorType = "send"
	ErrRecording  ErrorType = "recording"
	ErrProtocol   ErrorType = "protocol"
)

// Error codes within each type.
const (
	CodeInvalidSiteToken  = "invalid_site_token"
	CodeAuthFailed        = "auth_failed"
	CodeAuthNetwork       = "auth_network_error"
	CodeConnectionTimeout = "connection_timeout"
	CodeConnectionFailed  = "connection_failed"
	CodeUnauthorized      = "unauthorized"
	CodeRetriesExhausted  = "retries_exhausted"
	CodeNotConnected      = "not_connected"
	CodePermissionDenied  = "permission_denied"
	CodeDeviceNotFound    = "device_not_found"
	CodeDeviceBusy        = "device_busy"
	CodeDeviceFailed      = "device_failed"
	CodeMalformedFrame    = "malformed_frame"
)

// Error is the canonical widget error value.
type Error struct {
	Type    ErrorType
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Err != nil:
		return fmt.Sprintf("%s (%s/%s): %v", e.Message, e.Type, e.Code, e.Err)
	default:
		return fmt.Sprintf("%s (%s/%s)", e.Message, e.Type, e.Code)
	}
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Recoverable reports whether the widget retries automatically after this
// error. A bad site token and an exhausted reconnect budget are terminal;
// recording errors need user action (e.g. granting microphone access) and
// are not retried automatically either.
func (e *Error) Recoverable() bool {
	if e == nil {
		return false
	}
	switch e.Code {
	case CodeInvalidSiteToken, CodeRetriesExhausted:
		return false
	}
	return e.Type != ErrRecording
}

func newAuthError(code, message string, err error) *Error {
	return &Error{Type: ErrAuth, Code: code, Message: message, Err: err}
}

func newConnectionError(code, message string, err error) *Error {
	return &Error{Type: ErrConnection, Code: code, Message: message, Err: err}
}

func newSendError(message string) *Error {
	return &Error{Type: ErrSend, Code: CodeNotConnected, Message: message}
}

func newRecordingError(code, message string, err error) *Error {
	return &Error{Type: ErrRecording, Code: code, Message: message, Err: err}
}

// TransportError represents HTTP/websocket transport-level failures (DNS,
// timeouts, connection reset, TLS handshake) while talking to the backend.
//
// Use errors.As(err, &transportErr) to distinguish transport failures from
// canonical widget errors (*Error).
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Op != "" && e.URL != "":
		return fmt.Sprintf("transport error during %s %s: %v", e.Op, redactURLQuery(e.URL), e.Err)
	case e.Op != "":
		return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("transport error: %v", e.Err)
	}
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// redactURLQuery drops query parameters from logged URLs; the session URL
// carries the credential as a query parameter.
func redactURLQuery(raw string) string {
	if raw == "" {
		return raw
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed == nil {
		return raw
	}
	parsed.RawQuery = ""
	parsed.User = nil
	return parsed.String()
}
