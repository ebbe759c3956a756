// Package transport contains the HTTP router, middleware chain, and request
// handlers for the edit-session API.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/pitabwire/dealdesk/internal/observability"
	"github.com/pitabwire/dealdesk/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:         http.StatusBadRequest,
	model.ErrUnauthorized:       http.StatusUnauthorized,
	model.ErrForbidden:          http.StatusForbidden,
	model.ErrNotFound:           http.StatusNotFound,
	model.ErrConflict:           http.StatusConflict,
	model.ErrValidationError:    http.StatusUnprocessableEntity,
	model.ErrInternalError:      http.StatusInternalServerError,
	model.ErrBackendUnavailable: http.StatusBadGateway,
	model.ErrBackendTimeout:     http.StatusGatewayTimeout,
	model.ErrSessionNotFound:    http.StatusNotFound,
	model.ErrSaveInProgress:     http.StatusConflict,
	model.ErrUnknownField:       http.StatusUnprocessableEntity,
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes an ErrorEnvelope as a JSON response with the correct
// HTTP status code. Errors that are not envelopes become a generic 500.
func WriteError(w http.ResponseWriter, err error) {
	ee := envelopeFor(err)
	WriteJSON(w, statusFor(ee), errorResponse{Error: ee})
}

// writeRequestError is WriteError for handlers: the envelope carries the
// request's trace ID, and internal failures are logged.
func writeRequestError(w http.ResponseWriter, r *http.Request, err error) {
	ee := envelopeFor(err)
	ee.TraceID = observability.TraceIDFromContext(r.Context())
	status := statusFor(ee)
	if status >= http.StatusInternalServerError {
		observability.RequestLogger(r.Context(), zap.NewNop()).Error("request failed",
			zap.String("code", ee.Code),
			zap.Error(err),
		)
	}
	WriteJSON(w, status, errorResponse{Error: ee})
}

// envelopeFor returns a copy of the envelope carried by err.
func envelopeFor(err error) *model.ErrorEnvelope {
	var env *model.ErrorEnvelope
	if !errors.As(err, &env) {
		return model.NewInternalError()
	}
	out := *env
	return &out
}

func statusFor(ee *model.ErrorEnvelope) int {
	if status, ok := statusForCode[ee.Code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewNotFoundError(msg))
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewForbiddenError(msg))
}

// WriteValidationError writes a 422 error response with field-level details.
func WriteValidationError(w http.ResponseWriter, details []model.FieldError) {
	WriteError(w, model.NewValidationError(details))
}
