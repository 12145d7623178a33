package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for the wire envelope and for handler logic.
type Kind string

const (
	KindBadRequest         Kind = "BadRequest"
	KindNotFound           Kind = "NotFound"
	KindPermissionDenied   Kind = "PermissionDenied"
	KindPreconditionFailed Kind = "PreconditionFailed"
	KindUnavailable        Kind = "Unavailable"
	KindInternal           Kind = "Internal"
)

// Stable numeric codes carried in error envelopes. Clients match on these.
const (
	CodeBadRequest         = 1001
	CodeNotFound           = 1002
	CodePermissionDenied   = 1003
	CodePreconditionFailed = 1004
	CodeUnavailable        = 1005
	CodeInternal           = 1006
)

var kindCodes = map[Kind]int{
	KindBadRequest:         CodeBadRequest,
	KindNotFound:           CodeNotFound,
	KindPermissionDenied:   CodePermissionDenied,
	KindPreconditionFailed: CodePreconditionFailed,
	KindUnavailable:        CodeUnavailable,
	KindInternal:           CodeInternal,
}

// Error is a classified failure. It may wrap an underlying cause and carry
// structured data for the response envelope.
type Error struct {
	Kind    Kind
	Message string
	Data    map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.cause
}

// Code returns the stable numeric code for the error's kind.
func (e *Error) Code() int {
	if code, ok := kindCodes[e.Kind]; ok {
		return code
	}
	return CodeInternal
}

// WithData attaches structured detail to the error envelope.
func (e *Error) WithData(key string, value any) *Error {
	if e.Data == nil {
		e.Data = make(map[string]any)
	}
	e.Data[key] = value
	return e
}

// New creates a classified error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error without losing the cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// BadRequest reports malformed or schema-violating input.
func BadRequest(format string, args ...any) *Error {
	return New(KindBadRequest, format, args...)
}

// NotFound reports a missing task, project, path, or operation.
func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, format, args...)
}

// PermissionDenied reports an unreadable path or forbidden action.
func PermissionDenied(format string, args ...any) *Error {
	return New(KindPermissionDenied, format, args...)
}

// PreconditionFailed reports a state conflict such as an invalid transition
// or a dependency cycle.
func PreconditionFailed(format string, args ...any) *Error {
	return New(KindPreconditionFailed, format, args...)
}

// Unavailable reports that the coding agent binary cannot be located while
// mock mode is off.
func Unavailable(format string, args ...any) *Error {
	return New(KindUnavailable, format, args...)
}

// Internal reports a bug or an unclassified failure.
func Internal(format string, args ...any) *Error {
	return New(KindInternal, format, args...)
}

// KindOf extracts the classification of err, defaulting to Internal for
// plain errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf extracts the stable numeric code of err, defaulting to Internal.
func CodeOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Code()
	}
	return CodeInternal
}

// IsKind reports whether err carries the given classification.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// AsError converts any error into a classified one, wrapping plain errors
// as Internal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(KindInternal, err, "internal error")
}
