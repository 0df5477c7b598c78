package observability

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Authorization metrics
	AuthzDecisionsTotal *prometheus.CounterVec
	LoginAttemptsTotal  *prometheus.CounterVec

	// Notification metrics
	NotificationsTotal *prometheus.CounterVec
	QueueDepth         prometheus.Gauge

	// Realtime metrics
	BroadcastsTotal     *prometheus.CounterVec
	ChannelAuthTotal    *prometheus.CounterVec
	SocketSubscriptions prometheus.Gauge

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleetwise_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fleetwise_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		AuthzDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleetwise_authz_decisions_total",
				Help: "Authorization decisions by outcome",
			},
			[]string{"decision"},
		),
		LoginAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleetwise_login_attempts_total",
				Help: "Login attempts by outcome",
			},
			[]string{"outcome"},
		),
		NotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleetwise_notifications_total",
				Help: "Notifications processed by channel and final status",
			},
			[]string{"channel", "status"},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "fleetwise_notification_queue_depth",
				Help: "Pending notification jobs",
			},
		),
		BroadcastsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleetwise_broadcasts_total",
				Help: "Realtime events published by event name and outcome",
			},
			[]string{"event", "status"},
		),
		ChannelAuthTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleetwise_channel_auth_total",
				Help: "Realtime channel authorization decisions by channel kind",
			},
			[]string{"kind", "decision"},
		),
		SocketSubscriptions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "fleetwise_socket_subscriptions",
				Help: "Open websocket subscriptions",
			},
		),
		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "fleetwise_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "fleetwise_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.AuthzDecisionsTotal,
		m.LoginAttemptsTotal,
		m.NotificationsTotal,
		m.QueueDepth,
		m.BroadcastsTotal,
		m.ChannelAuthTotal,
		m.SocketSubscriptions,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
	)

	return m
}

// RecordAuthz counts one authorization decision.
func (m *Metrics) RecordAuthz(allowed bool) {
	if m == nil {
		return
	}
	m.AuthzDecisionsTotal.WithLabelValues(decisionLabel(allowed)).Inc()
}

// RecordChannelAuth counts one realtime channel decision.
func (m *Metrics) RecordChannelAuth(kind string, allowed bool) {
	if m == nil {
		return
	}
	m.ChannelAuthTotal.WithLabelValues(kind, decisionLabel(allowed)).Inc()
}

// RecordNotification counts a notification reaching a terminal status.
func (m *Metrics) RecordNotification(channel, status string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(channel, status).Inc()
}

// RecordBroadcast counts one publish attempt.
func (m *Metrics) RecordBroadcast(event string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.BroadcastsTotal.WithLabelValues(event, status).Inc()
}

// RecordLogin counts a login attempt.
func (m *Metrics) RecordLogin(outcome string) {
	if m == nil {
		return
	}
	m.LoginAttemptsTotal.WithLabelValues(outcome).Inc()
}

func decisionLabel(allowed bool) string {
	if allowed {
		return "allow"
	}
	return "deny"
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController and the websocket upgrader reach the
// underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Hijack supports websocket upgrades through the wrapper.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

// HTTPMiddleware records request counts and durations keyed by the matched
// route template so that ids do not explode label cardinality.
func (m *Metrics) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				path = tpl
			}
		}

		m.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// UpdateDBStats copies pool statistics into the gauges.
func (m *Metrics) UpdateDBStats(active, idle int) {
	m.DBConnectionsActive.Set(float64(active))
	m.DBConnectionsIdle.Set(float64(idle))
}

// Handler returns the Prometheus metrics handler
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
