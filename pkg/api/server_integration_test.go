//go:build integration

package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"golang.org/x/crypto/bcrypt"

	"github.com/platinummonkey/fleetwise/pkg/async"
	"github.com/platinummonkey/fleetwise/pkg/audit"
	"github.com/platinummonkey/fleetwise/pkg/auth"
	"github.com/platinummonkey/fleetwise/pkg/cli"
	"github.com/platinummonkey/fleetwise/pkg/database"
	"github.com/platinummonkey/fleetwise/pkg/fleet"
	"github.com/platinummonkey/fleetwise/pkg/notifications"
	"github.com/platinummonkey/fleetwise/pkg/observability"
	"github.com/platinummonkey/fleetwise/pkg/rbac"
	"github.com/platinummonkey/fleetwise/pkg/realtime"
)

// setupPostgres starts a disposable PostgreSQL container, or skips when no
// container runtime is available.
func setupPostgres(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	provider, err := testcontainers.ProviderDocker.GetProvider()
	if err != nil {
		t.Skip("Docker/Podman not available, skipping integration tests")
	}
	provider.Close()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("fleetwise_test"),
		postgres.WithUsername("fleetwise"),
		postgres.WithPassword("fleetwise_test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Errorf("Failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := database.Open(ctx, database.Config{URL: connStr})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func provision(t *testing.T, db *sql.DB, args ...string) {
	t.Helper()
	env := &cli.Env{
		Out:        &bytes.Buffer{},
		Logger:     observability.NewLogger(observability.ErrorLevel, &bytes.Buffer{}),
		BcryptCost: bcrypt.MinCost,
		Connect:    func(context.Context) (*sql.DB, error) { return db, nil },
	}
	require.NoError(t, cli.NewRootCommand().Execute(context.Background(), env, args))
}

func TestIntegration_TenantIsolation(t *testing.T) {
	db := setupPostgres(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger := observability.NewLogger(observability.ErrorLevel, &bytes.Buffer{})

	provision(t, db, "migrate")
	provision(t, db, "migrate") // idempotent
	provision(t, db, "create-tenant", "--name", "Acme Fleet")
	provision(t, db, "create-tenant", "--name", "Globex")
	provision(t, db, "create-user", "--tenant", "acme-fleet", "--email", "admin@acme.test",
		"--name", "Acme Admin", "--password", "correct-horse", "--role", "admin")
	provision(t, db, "create-user", "--tenant", "globex", "--email", "admin@globex.test",
		"--name", "Globex Admin", "--password", "correct-horse", "--role", "admin")

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	auditLogger, err := audit.NewDBLogger(db)
	require.NoError(t, err)

	roles := rbac.NewStore(db)
	checker := rbac.NewChecker(roles, rbac.WithAudit(auditLogger))
	users := auth.NewUserStore(db)
	authService := auth.NewService(users, auth.NewSessionStore(db), auth.ServiceConfig{
		SessionTTL: time.Hour,
		BcryptCost: bcrypt.MinCost,
	}, auditLogger, metrics)
	authHandlers := auth.NewHandlers(authService, users, roles, checker, auditLogger, false)

	hub := realtime.NewHub(0)
	broadcaster := realtime.NewBroadcaster(hub, metrics)
	notificationStore := notifications.NewStore(db)
	dispatcher := notifications.NewDispatcher(notificationStore, users, broadcaster, metrics)
	queue := notifications.NewMemoryQueue(ctx, dispatcher.Handle, async.PoolConfig{Workers: 1, QueueSize: 16}, logger)
	defer queue.Close(context.Background())

	server := NewServer(Options{
		Logger:   logger,
		Metrics:  metrics,
		Registry: registry,
		Health:   observability.NewHealthChecker(db, nil, "integration"),
		Tokens:   authService,
		Checker:  checker,
		Login:    authHandlers,
		Routes: []Routes{
			authHandlers,
			fleet.NewHandlers(fleet.NewStores(db), users, checker, broadcaster, queue),
		},
		Audit: audit.NewHandlers(auditLogger),
	})

	do := func(method, path, token, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		w := httptest.NewRecorder()
		server.ServeHTTP(w, req)
		return w
	}
	login := func(email string) string {
		w := do(http.MethodPost, "/api/login", "", `{"email":"`+email+`","password":"correct-horse"}`)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var res auth.LoginResult
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
		return res.Token
	}

	assert.Equal(t, http.StatusOK, do(http.MethodGet, "/readyz", "", "").Code)

	acme := login("admin@acme.test")
	globex := login("admin@globex.test")

	vehicle := `{"vin":"1HGCM82633A004352","make":"Honda","model":"Accord","year":2021}`
	w := do(http.MethodPost, "/api/vehicles", acme, vehicle)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created fleet.Vehicle
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = do(http.MethodPost, "/api/vehicles", acme, vehicle)
	assert.Equal(t, http.StatusConflict, w.Code, "VINs are unique within a tenant")

	w = do(http.MethodPost, "/api/vehicles", globex, vehicle)
	assert.Equal(t, http.StatusCreated, w.Code, "the same VIN may exist in another tenant")

	path := "/api/vehicles/" + strconv.FormatInt(created.ID, 10)
	assert.Equal(t, http.StatusOK, do(http.MethodGet, path, acme, "").Code)
	assert.Equal(t, http.StatusNotFound, do(http.MethodGet, path, globex, "").Code)
	assert.Equal(t, http.StatusNotFound, do(http.MethodDelete, path, globex, "").Code)
	assert.Equal(t, http.StatusOK, do(http.MethodGet, path, acme, "").Code, "a foreign delete leaves the row")

	assert.Equal(t, http.StatusOK, do(http.MethodGet, "/api/audit/events", acme, "").Code)

	assert.Equal(t, http.StatusNoContent, do(http.MethodPost, "/api/logout", acme, "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(http.MethodGet, "/api/vehicles", acme, "").Code)
}
