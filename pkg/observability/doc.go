// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing, health probes and graceful shutdown.
//
// # Structured Logging
//
// Logger wraps logrus with a JSON formatter:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("tenant_id", 7).Info("vehicle created")
//
// Request handlers get a request-scoped logger from the context:
//
//	observability.FromContext(r.Context()).WithError(err).Error("list failed")
//
// # Prometheus Metrics
//
// NewMetrics registers the fleetwise_* collectors on a registry; Handler
// serves them on /metrics.
//
// # Health Checks
//
// HealthChecker serves /healthz (liveness) and /readyz (database and Redis).
//
// # Shutdown
//
// ShutdownManager stops the HTTP server and then runs registered hooks in
// reverse order.
package observability
