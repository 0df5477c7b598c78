package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
)

// Probe reports whether one dependency is reachable.
type Probe func(ctx context.Context) error

type namedProbe struct {
	name  string
	probe Probe
}

// HealthChecker serves liveness and readiness. The database is the only
// critical dependency; every other probe can at most degrade readiness.
type HealthChecker struct {
	db      *sql.DB
	version string
	probes  []namedProbe
}

// NewHealthChecker creates a new health checker. redis may be nil when no
// Redis-backed driver is configured.
func NewHealthChecker(db *sql.DB, redis *redis.Client, version string) *HealthChecker {
	h := &HealthChecker{db: db, version: version}
	if redis != nil {
		h.AddCheck("redis", func(ctx context.Context) error { return redis.Ping(ctx).Err() })
	}
	return h
}

// AddCheck registers a non-critical probe reported under name.
func (h *HealthChecker) AddCheck(name string, probe Probe) {
	h.probes = append(h.probes, namedProbe{name: name, probe: probe})
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status       string                      `json:"status"`
	Timestamp    time.Time                   `json:"timestamp"`
	Version      string                      `json:"version,omitempty"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// DependencyStatus represents the health of a single dependency
type DependencyStatus struct {
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	LatencyMS int64     `json:"latency_ms"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Liveness returns 200 while the process is serving.
func (h *HealthChecker) Liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    StatusHealthy,
		"timestamp": time.Now().UTC(),
	})
}

// Readiness checks dependencies; 503 only when the database is unreachable.
func (h *HealthChecker) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)

	w.Header().Set("Content-Type", "application/json")
	if status.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(status)
}

// Check performs a comprehensive health check
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:       StatusHealthy,
		Timestamp:    time.Now().UTC(),
		Version:      h.version,
		Dependencies: make(map[string]DependencyStatus),
	}

	if h.db != nil {
		dbStatus := h.checkDatabase(ctx)
		status.Dependencies["database"] = dbStatus
		if dbStatus.Status != StatusHealthy {
			status.Status = dbStatus.Status
		}
	}

	for _, p := range h.probes {
		dep := runProbe(ctx, p.probe)
		status.Dependencies[p.name] = dep
		if dep.Status != StatusHealthy && status.Status == StatusHealthy {
			status.Status = StatusDegraded
		}
	}

	return status
}

func (h *HealthChecker) checkDatabase(ctx context.Context) DependencyStatus {
	start := time.Now()
	status := DependencyStatus{Status: StatusHealthy, Timestamp: start.UTC()}

	var one int
	err := h.db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
	status.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		status.Status = StatusUnhealthy
		status.Message = err.Error()
		return status
	}

	stats := h.db.Stats()
	if stats.MaxOpenConnections > 0 && stats.InUse >= stats.MaxOpenConnections {
		status.Status = StatusDegraded
		status.Message = "connection pool exhausted"
	}

	return status
}

func runProbe(ctx context.Context, probe Probe) DependencyStatus {
	start := time.Now()
	status := DependencyStatus{Status: StatusHealthy, Timestamp: start.UTC()}

	err := probe(ctx)
	status.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		status.Status = StatusUnhealthy
		status.Message = err.Error()
	}

	return status
}

// RegisterRoutes registers the probe endpoints.
func (h *HealthChecker) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/healthz", h.Liveness).Methods(http.MethodGet)
	router.HandleFunc("/readyz", h.Readiness).Methods(http.MethodGet)
}
