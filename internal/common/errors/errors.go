// Package errors defines the structured error type returned across component
// boundaries and on the control API, plus the stable error codes relayd
// reports to callers.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Stable error codes. These are part of the external contract: control-plane
// responses, task events, and the doctor report all reference them.
const (
	CodeMissingEngineCommand     = "missing_engine_command"
	CodeSlackMissingSecrets      = "slack_missing_secrets"
	CodeIdempotencyKeyRequired   = "outbox_idempotency_key_required"
	CodeNoRepoRegistered         = "no_repo_registered"
	CodeSocketPathTooLong        = "socket_path_too_long"
	CodeNoPreviousRelease        = "no_previous_release"
	CodeCancelTimeout            = "cancel_timeout"
	CodeInvalidTransition        = "invalid_transition"
	CodeValidation               = "validation_error"
	CodeNotFound                 = "not_found"
	CodeConflict                 = "conflict"
	CodeInternal                 = "internal_error"
)

// AppError is the JSON error object surfaced to callers.
type AppError struct {
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Details    map[string]string `json:"details,omitempty"`
	HTTPStatus int               `json:"-"`

	cause error
}

func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause to errors.Is / errors.As.
func (e *AppError) Unwrap() error {
	return e.cause
}

// WithDetail attaches a key/value detail and returns the error for chaining.
func (e *AppError) WithDetail(key, value string) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New creates an AppError with an explicit code and HTTP status.
func New(code, message string, status int) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status}
}

// ValidationError reports invalid caller input for a named field.
func ValidationError(field, message string) *AppError {
	e := New(CodeValidation, message, http.StatusBadRequest)
	return e.WithDetail("field", field)
}

// BadRequest reports a malformed request.
func BadRequest(message string) *AppError {
	return New(CodeValidation, message, http.StatusBadRequest)
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *AppError {
	e := New(CodeNotFound, fmt.Sprintf("%s not found: %s", resource, id), http.StatusNotFound)
	return e.WithDetail("resource", resource)
}

// Conflict reports a state conflict (duplicate registration, illegal transition).
func Conflict(code, message string) *AppError {
	return New(code, message, http.StatusConflict)
}

// Internal reports an unexpected failure.
func Internal(message string) *AppError {
	return New(CodeInternal, message, http.StatusInternalServerError)
}

// Wrap converts err into an AppError, preserving an existing AppError's code
// and status and prefixing its message.
func Wrap(err error, message string) *AppError {
	var app *AppError
	if errors.As(err, &app) {
		return &AppError{
			Code:       app.Code,
			Message:    message + ": " + app.Message,
			Details:    app.Details,
			HTTPStatus: app.HTTPStatus,
			cause:      err,
		}
	}
	return &AppError{
		Code:       CodeInternal,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		cause:      err,
	}
}

// CodeOf returns the AppError code carried by err, or CodeInternal when err
// is not an AppError.
func CodeOf(err error) string {
	var app *AppError
	if errors.As(err, &app) {
		return app.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}
