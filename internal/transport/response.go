// Package transport contains the HTTP router, middleware chain, and request
// handlers for the portal API.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/pitabwire/careportal/internal/observability"
	"github.com/pitabwire/careportal/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:         http.StatusBadRequest,
	model.ErrUnauthorized:       http.StatusUnauthorized,
	model.ErrForbidden:          http.StatusForbidden,
	model.ErrNotFound:           http.StatusNotFound,
	model.ErrConflict:           http.StatusConflict,
	model.ErrValidationError:    http.StatusUnprocessableEntity,
	model.ErrInvalidTransition:  http.StatusUnprocessableEntity,
	model.ErrInternalError:      http.StatusInternalServerError,
	model.ErrBackendUnavailable: http.StatusBadGateway,
	model.ErrBackendTimeout:     http.StatusGatewayTimeout,
	model.ErrWorkflowNotActive:  http.StatusConflict,
	model.ErrSubmissionFailed:   http.StatusBadGateway,
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
		json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes err as an error envelope with the matching HTTP status.
// Errors that are not (and do not wrap) an *ErrorEnvelope become a generic
// 500 so internal detail never reaches the client.
func WriteError(w http.ResponseWriter, err error) {
	writeEnvelope(w, envelopeFor(err, ""))
}

// respondError is WriteError with the request's trace ID filled in.
// Internal errors are logged with the request-scoped logger before the
// generic envelope goes out.
func respondError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	ctx := r.Context()
	env := envelopeFor(err, observability.TraceIDFromContext(ctx))
	if env.Code == model.ErrInternalError {
		observability.RequestLogger(ctx, logger).Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeEnvelope(w, env)
}

// envelopeFor returns a copy of the envelope carried by err so the shared
// value is never mutated.
func envelopeFor(err error, traceID string) *model.ErrorEnvelope {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}
	out := *ee
	if traceID != "" {
		out.TraceID = traceID
	}
	return &out
}

func writeEnvelope(w http.ResponseWriter, ee *model.ErrorEnvelope) {
	status := statusForCode[ee.Code]
	if status == 0 {
		status = http.StatusInternalServerError
	}
	WriteJSON(w, status, errorResponse{Error: ee})
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
