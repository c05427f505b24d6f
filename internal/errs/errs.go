// Package errs defines the structured error kinds surfaced by taskbot.
// Callers match kinds with errors.Is against the exported sentinels.
package errs

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Code identifies the kind of failure.
type Code string

const (
	CodeValidation        Code = "VALIDATION"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeNotFound          Code = "NOT_FOUND"
	CodeConflict          Code = "CONFLICT"
	CodeStoreUnavailable  Code = "STORE_UNAVAILABLE"
)

// Retryable reports whether an operation failing with this code may
// succeed when repeated.
func (c Code) Retryable() bool {
	switch c {
	case CodeConflict, CodeStoreUnavailable:
		return true
	default:
		return false
	}
}

// Sentinels for errors.Is matching.
var (
	ErrValidation        = &Error{code: CodeValidation, message: "validation failed"}
	ErrInvalidTransition = &Error{code: CodeInvalidTransition, message: "invalid transition"}
	ErrNotFound          = &Error{code: CodeNotFound, message: "not found"}
	ErrConflict          = &Error{code: CodeConflict, message: "concurrent modification"}
	ErrStoreUnavailable  = &Error{code: CodeStoreUnavailable, message: "store unavailable"}
)

// Error is a coded error with optional cause and metadata.
type Error struct {
	code     Code
	message  string
	cause    error
	metadata map[string]string
}

// Option configures an Error.
type Option func(*Error)

// WithCause sets the underlying cause.
func WithCause(cause error) Option {
	return func(e *Error) {
		e.cause = cause
	}
}

// WithMetadata adds a key-value pair of context.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// New creates an Error with the given code and message.
func New(code Code, message string, opts ...Option) *Error {
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Validation returns a VALIDATION error.
func Validation(format string, args ...any) *Error {
	return Newf(CodeValidation, format, args...)
}

// NotFound returns a NOT_FOUND error.
func NotFound(format string, args ...any) *Error {
	return Newf(CodeNotFound, format, args...)
}

// Error implements error.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.message)
	if len(e.metadata) > 0 {
		keys := make([]string, 0, len(e.metadata))
		for k := range e.metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(k)
			b.WriteString("=")
			b.WriteString(e.metadata[k])
		}
		b.WriteString(")")
	}
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

// Code returns the error code.
func (e *Error) Code() Code {
	return e.code
}

// Retryable reports whether the failed operation may succeed on retry.
func (e *Error) Retryable() bool {
	return e.code.Retryable()
}

// Metadata returns a copy of the error metadata.
func (e *Error) Metadata() map[string]string {
	result := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		result[k] = v
	}
	return result
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.code == e.code
}

// CodeOf extracts the code of err, or "" when err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.code
	}
	return ""
}

// IsRetryable reports whether err is a retryable coded error.
func IsRetryable(err error) bool {
	return CodeOf(err).Retryable()
}
