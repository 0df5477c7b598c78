package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/fleetwise/pkg/httputil"
	"github.com/platinummonkey/fleetwise/pkg/middleware"
	"github.com/platinummonkey/fleetwise/pkg/observability"
	"github.com/platinummonkey/fleetwise/pkg/rbac"
)

// Routes is implemented by each feature's handler set.
type Routes interface {
	RegisterRoutes(router *mux.Router)
}

// PublicRoutes registers endpoints reachable without a session.
type PublicRoutes interface {
	RegisterPublicRoutes(router *mux.Router)
}

// Options wires the server. Logger, Tokens and Checker are required.
type Options struct {
	Logger   *observability.Logger
	Metrics  *observability.Metrics
	Registry *prometheus.Registry
	Health   *observability.HealthChecker

	Tokens       middleware.TokenAuthenticator
	Checker      *rbac.Checker
	LoginLimiter middleware.Limiter
	TrustProxy   bool

	CORSOrigins  []string
	MaxBodyBytes int64

	// Login is mounted under /api without authentication.
	Login PublicRoutes
	// Routes are mounted under /api behind authentication and the body cap.
	Routes []Routes
	// Uploads are authenticated but enforce their own body limit.
	Uploads []Routes
	// Audit is mounted behind the view_audit_logs permission.
	Audit Routes
}

// Server is the fleetwise HTTP API.
type Server struct {
	router  *mux.Router
	handler http.Handler
}

// NewServer builds the router and middleware chain.
func NewServer(opts Options) *Server {
	router := mux.NewRouter()
	router.NotFoundHandler = http.HandlerFunc(notFound)
	router.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)

	if opts.Metrics != nil {
		router.Use(opts.Metrics.HTTPMiddleware)
	}
	if opts.Health != nil {
		opts.Health.RegisterRoutes(router)
	}
	if opts.Registry != nil {
		router.Handle("/metrics", observability.Handler(opts.Registry)).Methods(http.MethodGet)
	}

	api := router.PathPrefix("/api").Subrouter()

	if opts.Login != nil {
		public := subrouter(api.NewRoute())
		public.Use(bodyLimit(opts.MaxBodyBytes))
		if opts.LoginLimiter != nil {
			public.Use(middleware.RateLimit(opts.LoginLimiter, middleware.ClientIPKey(opts.TrustProxy)))
		}
		opts.Login.RegisterPublicRoutes(public)
	}

	authenticated := subrouter(api.NewRoute())
	authenticated.Use(middleware.NewAuthenticator(opts.Tokens).Handler)

	for _, routes := range opts.Uploads {
		routes.RegisterRoutes(authenticated)
	}

	capped := subrouter(authenticated.NewRoute())
	capped.Use(bodyLimit(opts.MaxBodyBytes))

	// A sibling subrouter that misses resets the match error to not-found,
	// so the audit subrouter is matched before the plain routes.
	if opts.Audit != nil {
		audited := subrouter(capped.NewRoute())
		audited.Use(rbac.NewPermissionMiddleware(opts.Checker).Require(rbac.PermViewAuditLogs))
		opts.Audit.RegisterRoutes(audited)
	}

	for _, routes := range opts.Routes {
		routes.RegisterRoutes(capped)
	}

	chain := httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(opts.Logger),
		httputil.RecoveryMiddleware,
		httputil.CORSMiddleware(opts.CORSOrigins),
	)

	return &Server{
		router:  router,
		handler: otelhttp.NewHandler(chain(router), "fleetwise"),
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Router exposes the underlying router, mainly for route listing.
func (s *Server) Router() *mux.Router {
	return s.router
}

// subrouter creates a subrouter that answers method mismatches itself;
// mux does not inherit MethodNotAllowedHandler from the parent.
func subrouter(route *mux.Route) *mux.Router {
	sub := route.Subrouter()
	sub.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)
	return sub
}

func bodyLimit(n int64) mux.MiddlewareFunc {
	if n <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httputil.MaxBytesMiddleware(n)
}

func notFound(w http.ResponseWriter, r *http.Request) {
	httputil.WriteErrorMessage(w, http.StatusNotFound, "not_found", "Route not found")
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	httputil.WriteErrorMessage(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
}
