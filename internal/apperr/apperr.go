// Package apperr defines the error records surfaced to callers of the
// production services. Validation errors carry the valid options and a
// suggestion so an agent-style caller can self-correct without a schema
// round trip.
package apperr

import (
	"errors"
	"fmt"
)

// Type categorizes an error for the boundary layer.
type Type string

const (
	TypeValidation       Type = "validation"
	TypeNotFound         Type = "not_found"
	TypeResourceNotFound Type = "resource_not_found"
	TypeState            Type = "state"
	TypeAPI              Type = "api"
	TypeSystem           Type = "system"
	TypeInvalidOperation Type = "invalid_operation"
)

// APIClass sub-classifies provider failures.
type APIClass string

const (
	APIValidation    APIClass = "validation"
	APIAuth          APIClass = "authentication"
	APIRateLimit     APIClass = "rate_limit"
	APITimeout       APIClass = "timeout"
	APIContentPolicy APIClass = "content_policy"
	APIExhausted     APIClass = "resource_exhausted"
	APITransient     APIClass = "downstream_transient"
	APIPermanent     APIClass = "downstream_permanent"
	APIUnknown       APIClass = "unknown"
)

// Error is the uniform error record. ValidOptions, Suggestion and Example
// are part of the validation contract and must be set by every validator.
type Error struct {
	Type         Type           `json:"type"`
	Message      string         `json:"message"`
	Details      map[string]any `json:"details,omitempty"`
	ValidOptions []string       `json:"valid_options,omitempty"`
	Suggestion   string         `json:"suggestion,omitempty"`
	Example      string         `json:"example,omitempty"`

	// Set only for TypeAPI.
	Class     APIClass `json:"class,omitempty"`
	Retryable bool     `json:"retryable,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e.Type == TypeAPI && e.Class != "" {
		return fmt.Sprintf("%s (%s): %s", e.Type, e.Class, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// WithDetail attaches a key/value detail and returns the error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause records the underlying error for errors.Is/As chains.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// Validation builds a validation error. The options, suggestion and example
// are mandatory for boundary validators.
func Validation(message string, validOptions []string, suggestion, example string) *Error {
	return &Error{
		Type:         TypeValidation,
		Message:      message,
		ValidOptions: validOptions,
		Suggestion:   suggestion,
		Example:      example,
	}
}

// NotFound reports a missing entity by kind and id.
func NotFound(kind, id string) *Error {
	return &Error{
		Type:    TypeNotFound,
		Message: fmt.Sprintf("%s %q not found", kind, id),
		Details: map[string]any{"kind": kind, "id": id},
	}
}

// State reports an operation attempted in an incompatible state.
func State(message, suggestion string) *Error {
	return &Error{Type: TypeState, Message: message, Suggestion: suggestion}
}

// InvalidOperation reports an operation the current configuration forbids.
func InvalidOperation(message string) *Error {
	return &Error{Type: TypeInvalidOperation, Message: message}
}

// System wraps a local failure (disk, spawn).
func System(message string, err error) *Error {
	return &Error{Type: TypeSystem, Message: message, cause: err}
}

// API builds a provider error with its sub-class and retryability.
func API(class APIClass, message string, retryable bool) *Error {
	return &Error{Type: TypeAPI, Class: class, Message: message, Retryable: retryable}
}

// As extracts an *Error from an error chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable reports whether err is a provider error worth retrying.
func IsRetryable(err error) bool {
	if e, ok := As(err); ok {
		return e.Type == TypeAPI && e.Retryable
	}
	return false
}
