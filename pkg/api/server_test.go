package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/fleetwise/pkg/apperr"
	"github.com/platinummonkey/fleetwise/pkg/auth"
	"github.com/platinummonkey/fleetwise/pkg/httputil"
	"github.com/platinummonkey/fleetwise/pkg/middleware"
	"github.com/platinummonkey/fleetwise/pkg/observability"
	"github.com/platinummonkey/fleetwise/pkg/rbac"
	"github.com/platinummonkey/fleetwise/pkg/tenancy"
	"github.com/platinummonkey/fleetwise/pkg/testutil"
)

type tokenTable map[string]*auth.Principal

func (t tokenTable) Authenticate(_ context.Context, token string) (*auth.Principal, error) {
	if p, ok := t[token]; ok {
		return p, nil
	}
	return nil, apperr.Unauthorized("invalid or expired token")
}

func principal(id, tenant int64) *auth.Principal {
	return &auth.Principal{User: &auth.User{Record: tenancy.Record{ID: id, TenantID: tenant}}}
}

// routeFunc adapts a registration closure to Routes and PublicRoutes.
type routeFunc func(router *mux.Router)

func (f routeFunc) RegisterRoutes(router *mux.Router)       { f(router) }
func (f routeFunc) RegisterPublicRoutes(router *mux.Router) { f(router) }

// echoSubject answers with the authenticated user id, or 413 when the body
// could not be read.
func echoSubject(w http.ResponseWriter, r *http.Request) {
	if _, err := io.ReadAll(r.Body); err != nil {
		httputil.WriteErrorMessage(w, http.StatusRequestEntityTooLarge, "too_large", err.Error())
		return
	}
	subject, ok := rbac.SubjectFromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "no subject")
		return
	}
	_ = httputil.WriteSuccess(w, map[string]int64{"user_id": subject.SubjectID()})
}

type serverFixture struct {
	server   *Server
	registry *prometheus.Registry
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	db := testutil.SQLite(t, testutil.RBACSchema)
	roles := testutil.SeedRoles(t, db)
	roles.Grant(t, 1, 1, rbac.RoleAdmin)
	roles.Grant(t, 2, 1, rbac.RoleTechnician)

	registry := prometheus.NewRegistry()
	var logs bytes.Buffer

	server := NewServer(Options{
		Logger:       observability.NewLogger(observability.ErrorLevel, &logs),
		Metrics:      observability.NewMetrics(registry),
		Registry:     registry,
		Health:       observability.NewHealthChecker(nil, nil, "test"),
		Tokens:       tokenTable{"admin-token": principal(1, 1), "tech-token": principal(2, 1)},
		Checker:      roles.Checker,
		LoginLimiter: middleware.NewRateLimiter(&middleware.RateLimitConfig{RequestsPerWindow: 2, WindowDuration: time.Minute}),
		CORSOrigins:  []string{"https://portal.example"},
		MaxBodyBytes: 64,
		Login: routeFunc(func(router *mux.Router) {
			router.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
				_ = httputil.WriteSuccess(w, map[string]string{"token": "admin-token"})
			}).Methods(http.MethodPost)
		}),
		Routes: []Routes{routeFunc(func(router *mux.Router) {
			router.HandleFunc("/vehicles", echoSubject).Methods(http.MethodGet, http.MethodPost)
		})},
		Uploads: []Routes{routeFunc(func(router *mux.Router) {
			router.HandleFunc("/documents", echoSubject).Methods(http.MethodPost)
		})},
		Audit: routeFunc(func(router *mux.Router) {
			router.HandleFunc("/audit/events", echoSubject).Methods(http.MethodGet)
		}),
	})
	return &serverFixture{server: server, registry: registry}
}

func (f *serverFixture) do(method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.server.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body httputil.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Error
}

func TestServer_Authentication(t *testing.T) {
	f := newServerFixture(t)

	tests := []struct {
		name   string
		token  string
		status int
	}{
		{"missing token", "", http.StatusUnauthorized},
		{"unknown token", "stolen", http.StatusUnauthorized},
		{"valid token", "tech-token", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(http.MethodGet, "/api/vehicles", tt.token, "")
			assert.Equal(t, tt.status, w.Code)
		})
	}

	w := f.do(http.MethodGet, "/api/vehicles", "tech-token", "")
	assert.JSONEq(t, `{"user_id":2}`, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestServer_PublicEndpoints(t *testing.T) {
	f := newServerFixture(t)

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/healthz", "", "").Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/readyz", "", "").Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/login", "", "{}").Code)
}

func TestServer_LoginRateLimit(t *testing.T) {
	f := newServerFixture(t)

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/login", "", "{}").Code)
	}

	w := f.do(http.MethodPost, "/api/login", "", "{}")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	// Authenticated routes do not share the login budget.
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/vehicles", "tech-token", "").Code)
}

func TestServer_AuditRequiresPermission(t *testing.T) {
	f := newServerFixture(t)

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/api/audit/events", "", "").Code)

	w := f.do(http.MethodGet, "/api/audit/events", "tech-token", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, apperr.KindForbidden.String(), errorCode(t, w))

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/audit/events", "admin-token", "").Code)
}

func TestServer_BodyLimit(t *testing.T) {
	f := newServerFixture(t)
	large := strings.Repeat("x", 1024)

	assert.Equal(t, http.StatusRequestEntityTooLarge, f.do(http.MethodPost, "/api/vehicles", "tech-token", large).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/vehicles", "tech-token", "small").Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/documents", "tech-token", large).Code)
}

func TestServer_NotFoundAndMethod(t *testing.T) {
	f := newServerFixture(t)

	w := f.do(http.MethodGet, "/api/nowhere", "tech-token", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", errorCode(t, w))

	w = f.do(http.MethodDelete, "/api/vehicles", "tech-token", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, "method_not_allowed", errorCode(t, w))

	w = f.do(http.MethodDelete, "/api/audit/events", "admin-token", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	w = f.do(http.MethodGet, "/api/login", "", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestServer_CORSPreflight(t *testing.T) {
	f := newServerFixture(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/vehicles", nil)
	req.Header.Set("Origin", "https://portal.example")
	w := httptest.NewRecorder()
	f.server.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://portal.example", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_Metrics(t *testing.T) {
	f := newServerFixture(t)
	f.do(http.MethodGet, "/api/vehicles", "tech-token", "")

	w := f.do(http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `fleetwise_http_requests_total{method="GET",path="/api/vehicles",status="200"} 1`)
}

func TestServer_Routes(t *testing.T) {
	f := newServerFixture(t)

	var templates []string
	err := f.server.Router().Walk(func(route *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		if tpl, err := route.GetPathTemplate(); err == nil && route.GetHandler() != nil {
			templates = append(templates, tpl)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Subset(t, templates, []string{"/healthz", "/metrics", "/api/login", "/api/vehicles", "/api/documents", "/api/audit/events"})
}
