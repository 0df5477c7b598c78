package httputil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/fleetwise/pkg/contextkeys"
	"github.com/platinummonkey/fleetwise/pkg/observability"
)

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = contextkeys.GetRequestID(r.Context())
	}))

	t.Run("generates id", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.NotEmpty(t, seen)
		assert.Equal(t, seen, w.Header().Get("X-Request-ID"))
	})

	t.Run("propagates incoming id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Request-ID", "abc-123")
		h.ServeHTTP(httptest.NewRecorder(), req)
		assert.Equal(t, "abc-123", seen)
	})
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLogger(observability.InfoLevel, &buf)

	h := Chain(RequestIDMiddleware, LoggingMiddleware(logger))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotSame(t, observability.Default(), observability.GetLogger(r.Context()))
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/vehicles", nil))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, float64(http.StatusTeapot), entry["status"])
	assert.Equal(t, "/api/vehicles", entry["path"])
	assert.NotEmpty(t, entry["request_id"])
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "boom")
}

func TestCORSMiddleware(t *testing.T) {
	h := CORSMiddleware([]string{"https://portal.example.com"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/vehicles", nil)
	req.Header.Set("Origin", "https://portal.example.com")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://portal.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/vehicles", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}
