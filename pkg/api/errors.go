package api

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure. Kinds are stable strings used on the wire
// and in persisted message metadata.
type ErrorKind string

const (
	KindBackendUnreachable ErrorKind = "backend_unreachable"
	KindBackendRejected    ErrorKind = "backend_rejected"
	KindStreamInterrupted  ErrorKind = "stream_interrupted"
	KindMalformedFrame     ErrorKind = "malformed_frame"
	KindSessionBusy        ErrorKind = "session_busy"
	KindSessionNotFound    ErrorKind = "session_not_found"
	KindStoreUnavailable   ErrorKind = "store_unavailable"
	KindTimeout            ErrorKind = "timeout"
	KindCancelled          ErrorKind = "cancelled"
	KindInvalidRequest     ErrorKind = "invalid_request"
	KindInternal           ErrorKind = "internal"
	KindUnauthorized       ErrorKind = "unauthorized"
	KindRateLimited        ErrorKind = "rate_limited"
)

// Error is a classified failure. StatusCode and Body are set when the error
// originates from a backend HTTP response.
type Error struct {
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
	StatusCode int       `json:"status_code,omitempty"`
	Body       string    `json:"body,omitempty"`
	Param      string    `json:"param,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: %s (status %d)", e.Kind, e.Message, e.StatusCode)
	case e.Param != "":
		return fmt.Sprintf("%s: %s (param: %s)", e.Kind, e.Message, e.Param)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

// Is reports whether target is an *Error of the same kind, so that
// errors.Is(err, api.ErrSessionBusy) matches any busy error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrBackendUnreachable = &Error{Kind: KindBackendUnreachable, Message: "backend unreachable"}
	ErrBackendRejected    = &Error{Kind: KindBackendRejected, Message: "backend rejected the request"}
	ErrStreamInterrupted  = &Error{Kind: KindStreamInterrupted, Message: "stream interrupted"}
	ErrSessionBusy        = &Error{Kind: KindSessionBusy, Message: "an exchange is already in flight for this session"}
	ErrSessionNotFound    = &Error{Kind: KindSessionNotFound, Message: "session not found"}
	ErrStoreUnavailable   = &Error{Kind: KindStoreUnavailable, Message: "conversation store unavailable"}
	ErrTimeout            = &Error{Kind: KindTimeout, Message: "exchange timed out"}
	ErrCancelled          = &Error{Kind: KindCancelled, Message: "exchange cancelled"}
)

// ErrorResponse wraps an Error for JSON serialization as the top-level error body.
type ErrorResponse struct {
	Error *Error `json:"error"`
}

// NewError creates an Error of the given kind.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NewInvalidRequestError creates an Error for an invalid request parameter.
func NewInvalidRequestError(param, message string) *Error {
	return &Error{Kind: KindInvalidRequest, Param: param, Message: message}
}

// NewSessionNotFoundError creates an Error for an unknown session id.
func NewSessionNotFoundError(id string) *Error {
	return &Error{Kind: KindSessionNotFound, Message: fmt.Sprintf("session %q not found", id)}
}

// NewSessionBusyError creates an Error for a session with an exchange in flight.
func NewSessionBusyError(id string) *Error {
	return &Error{Kind: KindSessionBusy, Message: fmt.Sprintf("session %q already has an exchange in flight", id)}
}

// NewBackendStatusError classifies a non-2xx backend response. Gateway
// failures (502, 503, 504) mean the model server itself is not reachable
// behind its proxy; every other status is a rejection of the request.
func NewBackendStatusError(statusCode int, message, body string) *Error {
	kind := KindBackendRejected
	switch statusCode {
	case 502, 503, 504:
		kind = KindBackendUnreachable
	}
	if message == "" {
		message = fmt.Sprintf("backend returned HTTP %d", statusCode)
	}
	return &Error{Kind: kind, Message: message, StatusCode: statusCode, Body: body}
}

// NewInternalError creates an Error for unexpected failures.
func NewInternalError(message string) *Error {
	return &Error{Kind: KindInternal, Message: message}
}

// AsError extracts an *Error from err. Errors that carry no classification
// are wrapped as KindInternal. A nil err returns nil.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindInternal, Message: err.Error()}
}

// KindOf returns the kind of err, or the empty kind for nil.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	return AsError(err).Kind
}
