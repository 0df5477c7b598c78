package reports

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/fleetwise/pkg/httputil"
	"github.com/platinummonkey/fleetwise/pkg/rbac"
	"github.com/platinummonkey/fleetwise/pkg/tenancy"
)

// Handlers serves the report endpoints.
type Handlers struct {
	service *Service
	guard   *rbac.PermissionMiddleware
}

// NewHandlers creates report handlers.
func NewHandlers(service *Service, checker *rbac.Checker) *Handlers {
	return &Handlers{service: service, guard: rbac.NewPermissionMiddleware(checker)}
}

// RegisterRoutes registers the report routes.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.Handle("/reports/dashboard", h.guard.Require(rbac.PermViewDashboard)(http.HandlerFunc(h.Dashboard))).Methods(http.MethodGet)
	router.Handle("/reports/fleet", h.guard.Require(rbac.PermViewReports)(http.HandlerFunc(h.Fleet))).Methods(http.MethodGet)
	router.Handle("/reports/maintenance", h.guard.Require(rbac.PermViewReports)(http.HandlerFunc(h.Maintenance))).Methods(http.MethodGet)
}

// Dashboard handles GET /reports/dashboard
func (h *Handlers) Dashboard(w http.ResponseWriter, r *http.Request) {
	serve(w, r, h.service.Dashboard)
}

// Fleet handles GET /reports/fleet
func (h *Handlers) Fleet(w http.ResponseWriter, r *http.Request) {
	serve(w, r, h.service.Fleet)
}

// Maintenance handles GET /reports/maintenance
func (h *Handlers) Maintenance(w http.ResponseWriter, r *http.Request) {
	serve(w, r, h.service.Maintenance)
}

func serve[T any](w http.ResponseWriter, r *http.Request, compute func(context.Context, tenancy.Scope) (*T, error)) {
	scope, err := tenancy.FromContext(r.Context())
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	report, err := compute(r.Context(), scope)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, report)
}
