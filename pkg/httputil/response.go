package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/platinummonkey/fleetwise/pkg/apperr"
	"github.com/platinummonkey/fleetwise/pkg/observability"
)

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Error   string            `json:"error"`
	Message string            `json:"message,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// ListResponse wraps collection payloads.
type ListResponse struct {
	Data   interface{} `json:"data"`
	Limit  int         `json:"limit,omitempty"`
	Offset int         `json:"offset,omitempty"`
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteErrorMessage writes a JSON error response with a code and message
func WriteErrorMessage(w http.ResponseWriter, status int, code, message string) {
	_ = WriteJSON(w, status, ErrorResponse{Error: code, Message: message})
}

// WriteAppError maps err onto the apperr taxonomy and writes it. Internal
// errors are logged with the request logger and answered with a generic body.
func WriteAppError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		appErr = apperr.Internal(err)
	}

	if appErr.Kind == apperr.KindInternal {
		observability.FromContext(r.Context()).
			WithError(err).
			WithField("path", r.URL.Path).
			Error("request failed")
	}

	_ = WriteJSON(w, appErr.Kind.HTTPStatus(), ErrorResponse{
		Error:   appErr.Kind.String(),
		Message: appErr.Message,
		Details: appErr.Fields,
	})
}

// WriteUnauthorized writes an unauthorized error (401)
func WriteUnauthorized(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusUnauthorized, apperr.KindUnauthorized.String(), message)
}

// WriteForbidden writes a forbidden error (403)
func WriteForbidden(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusForbidden, apperr.KindForbidden.String(), message)
}

// WriteBadRequest writes a bad request error (400)
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusBadRequest, "bad_request", message)
}

// WriteCreated writes a successful creation response (201 Created) with JSON data
func WriteCreated(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusCreated, data)
}

// WriteSuccess writes a successful response (200 OK) with JSON data
func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, data)
}

// WriteList writes a paginated collection.
func WriteList(w http.ResponseWriter, data interface{}, page Page) error {
	return WriteJSON(w, http.StatusOK, ListResponse{Data: data, Limit: page.Limit, Offset: page.Offset})
}

// WriteNoContent writes a successful response with no content (204 No Content)
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}
