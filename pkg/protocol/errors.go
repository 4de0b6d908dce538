package protocol

import (
	"errors"
	"fmt"
)

// Error codes returned in error replies. Codes are stable; messages are not.
const (
	CodePreconditionFailed  = "precondition-failed"
	CodeBadRequest          = "bad-request"
	CodeConflict            = "conflict"
	CodeNotFound            = "not-found"
	CodeEngineUnavailable   = "engine-unavailable"
	CodeConnectError        = "connect-error"
	CodeProduceError        = "produce-error"
	CodeConsumeError        = "consume-error"
	CodeRecorderStartFailed = "recorder-start-failed"
	CodeForbidden           = "forbidden"
	CodeInternal            = "internal"
)

// Error is a typed error with a stable code and a human-readable message.
// It is the error shape carried on the wire in error replies.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Is reports whether target is a protocol error with the same code, so
// errors.Is(err, ErrNotFound) matches any not-found error regardless of
// message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Common errors returned by the signaling layer and its collaborators.
// Use errors.Is to check for a specific code.
var (
	// ErrPreconditionFailed indicates the protocol was used out of order.
	ErrPreconditionFailed = &Error{Code: CodePreconditionFailed, Message: "protocol used out of order"}

	// ErrBadRequest indicates a malformed or incomplete request payload.
	ErrBadRequest = &Error{Code: CodeBadRequest, Message: "malformed request"}

	// ErrConflict indicates an attempt to replace a live resource without
	// releasing it first.
	ErrConflict = &Error{Code: CodeConflict, Message: "resource already exists"}

	// ErrNotFound indicates an unknown transport, producer, consumer or
	// stream key.
	ErrNotFound = &Error{Code: CodeNotFound, Message: "not found"}

	// ErrEngineUnavailable indicates the media engine has no routing
	// context yet.
	ErrEngineUnavailable = &Error{Code: CodeEngineUnavailable, Message: "media engine not available"}

	// ErrConnectError indicates a transport connect failure reported by
	// the engine.
	ErrConnectError = &Error{Code: CodeConnectError, Message: "transport connect failed"}

	// ErrProduceError indicates a produce failure reported by the engine.
	ErrProduceError = &Error{Code: CodeProduceError, Message: "produce failed"}

	// ErrConsumeError indicates a consume failure, including capability
	// mismatches.
	ErrConsumeError = &Error{Code: CodeConsumeError, Message: "consume failed"}

	// ErrRecorderStartFailed indicates the recording bridge could not be
	// brought up.
	ErrRecorderStartFailed = &Error{Code: CodeRecorderStartFailed, Message: "recorder start failed"}

	// ErrForbidden indicates a playback request outside the output root.
	ErrForbidden = &Error{Code: CodeForbidden, Message: "forbidden"}
)

// Errorf builds a typed error with a formatted message.
func Errorf(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// FromError converts any error into the wire error shape. Typed errors
// (including wrapped ones) keep their code; everything else maps to the
// internal code.
func FromError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Code: CodeInternal, Message: err.Error()}
}
