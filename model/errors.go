package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest         = "BAD_REQUEST"
	ErrUnauthorized       = "UNAUTHORIZED"
	ErrForbidden          = "FORBIDDEN"
	ErrNotFound           = "NOT_FOUND"
	ErrConflict           = "CONFLICT"
	ErrValidationError    = "VALIDATION_ERROR"
	ErrInternalError      = "INTERNAL_ERROR"
	ErrBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrBackendTimeout     = "BACKEND_TIMEOUT"
)

// Edit-session error codes.
const (
	ErrSessionNotFound = "SESSION_NOT_FOUND"
	ErrSaveInProgress  = "SAVE_IN_PROGRESS"
	ErrUnknownField    = "UNKNOWN_FIELD"
)

// ErrorEnvelope is the error body returned to the UI. It implements error so
// every layer can return it unchanged.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id"`
}

func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a problem with one field.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorCode returns the envelope code carried by err, or "" when err is not
// an envelope.
func ErrorCode(err error) string {
	var env *ErrorEnvelope
	if errors.As(err, &env) {
		return env.Code
	}
	return ""
}

func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewRejectedError wraps a validation failure reported by a backend. The
// backend's message is passed through verbatim.
func NewRejectedError(msg string, details []FieldError) *ErrorEnvelope {
	if msg == "" {
		msg = "The request was rejected by the backend"
	}
	return &ErrorEnvelope{Code: ErrValidationError, Message: msg, Details: details}
}

func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

func NewBackendUnavailableError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrBackendUnavailable,
		Message: "The backend service is temporarily unavailable",
	}
}

func NewBackendTimeoutError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrBackendTimeout,
		Message: "The backend service did not respond in time",
	}
}

func NewSessionNotFoundError(id string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrSessionNotFound,
		Message: fmt.Sprintf("edit session %q not found or expired", id),
	}
}

func NewSaveInProgressError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrSaveInProgress,
		Message: "A save for this session is already in progress",
	}
}

// NewUnknownFieldError lists keys that are not editable on the entity.
func NewUnknownFieldError(keys []string) *ErrorEnvelope {
	details := make([]FieldError, 0, len(keys))
	for _, k := range keys {
		details = append(details, FieldError{Field: k, Code: ErrUnknownField, Message: "field is not editable"})
	}
	return &ErrorEnvelope{
		Code:    ErrUnknownField,
		Message: "One or more fields are not editable",
		Details: details,
	}
}
