package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/fleetwise/pkg/apperr"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()

	err := WriteJSON(w, http.StatusOK, map[string]string{"message": "success"})

	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "success")
}

func TestWriteAppError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		code    string
		message string
	}{
		{"unauthorized", apperr.Unauthorized(""), http.StatusUnauthorized, "unauthorized", "authentication required"},
		{"forbidden", apperr.Forbidden(""), http.StatusForbidden, "forbidden", "insufficient permissions"},
		{"not found", fmt.Errorf("wrapped: %w", apperr.NotFound("vehicle")), http.StatusNotFound, "not_found", "vehicle not found"},
		{"conflict", apperr.Conflict("email already registered"), http.StatusConflict, "conflict", "email already registered"},
		{"internal hides cause", errors.New("pq: connection refused"), http.StatusInternalServerError, "internal_error", "internal server error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteAppError(w, httptest.NewRequest(http.MethodGet, "/api/x", nil), tt.err)

			assert.Equal(t, tt.status, w.Code)
			var body ErrorResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
			assert.Equal(t, tt.code, body.Error)
			assert.Equal(t, tt.message, body.Message)
			assert.NotContains(t, w.Body.String(), "pq:")
		})
	}
}

func TestWriteAppError_ValidationDetails(t *testing.T) {
	w := httptest.NewRecorder()
	WriteAppError(w, httptest.NewRequest(http.MethodPost, "/api/vehicles", nil),
		apperr.Validation("", map[string]string{"vin": "is required"}))

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	var body ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "is required", body.Details["vin"])
}

func TestWriteList(t *testing.T) {
	w := httptest.NewRecorder()
	require.NoError(t, WriteList(w, []int{1, 2}, Page{Limit: 10, Offset: 20}))

	assert.JSONEq(t, `{"data":[1,2],"limit":10,"offset":20}`, w.Body.String())
}

func TestWriteNoContent(t *testing.T) {
	w := httptest.NewRecorder()
	WriteNoContent(w)
	assert.Equal(t, http.StatusNoContent, w.Code)
}
