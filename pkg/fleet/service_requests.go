package fleet

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/fleetwise/pkg/httputil"
	"github.com/platinummonkey/fleetwise/pkg/rbac"
	"github.com/platinummonkey/fleetwise/pkg/tenancy"
)

func (h *Handlers) registerServiceRequests(router *mux.Router) {
	h.handle(router, http.MethodGet, "/service-requests", h.ListServiceRequests, rbac.PermViewServiceRequests)
	h.handle(router, http.MethodPost, "/service-requests", h.CreateServiceRequest,
		rbac.PermCreateServiceRequests, rbac.PermManageServiceRequests)
	h.handle(router, http.MethodGet, "/service-requests/{id}", h.GetServiceRequest, rbac.PermViewServiceRequests)
	h.handle(router, http.MethodPut, "/service-requests/{id}", h.UpdateServiceRequest, rbac.PermManageServiceRequests)
	h.handle(router, http.MethodDelete, "/service-requests/{id}", h.DeleteServiceRequest, rbac.PermManageServiceRequests)
}

type createServiceRequestRequest struct {
	VehicleID   int64  `json:"vehicle_id" validate:"required,gt=0"`
	Title       string `json:"title" validate:"required,max=255"`
	Description string `json:"description" validate:"max=5000"`
	Priority    string `json:"priority" validate:"omitempty,oneof=low medium high critical"`
}

type updateServiceRequestRequest struct {
	Title       string `json:"title" validate:"required,max=255"`
	Description string `json:"description" validate:"max=5000"`
	Priority    string `json:"priority" validate:"required,oneof=low medium high critical"`
	Status      string `json:"status" validate:"required,oneof=open quoted approved in_progress closed cancelled"`
}

// ListServiceRequests handles GET /service-requests?status=&priority=&vehicle_id=
func (h *Handlers) ListServiceRequests(w http.ResponseWriter, r *http.Request) {
	writeList(w, r, h.stores.ServiceRequests.List, []string{"status", "priority"}, []string{"vehicle_id"})
}

// GetServiceRequest handles GET /service-requests/{id}
func (h *Handlers) GetServiceRequest(w http.ResponseWriter, r *http.Request) {
	writeOne(w, r, h.stores.ServiceRequests.Get)
}

// CreateServiceRequest handles POST /service-requests. The caller becomes the
// requester and the tenant is told through service-request.created.
func (h *Handlers) CreateServiceRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	scope, err := tenancy.FromContext(ctx)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	var req createServiceRequestRequest
	if err := httputil.DecodeAndValidate(r, &req); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	if err := requireRef(ctx, h.stores.Vehicles.Exists, scope, req.VehicleID, "vehicle_id"); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	sr := &ServiceRequest{
		VehicleID:   req.VehicleID,
		RequestedBy: callerID(ctx),
		Title:       req.Title,
		Description: req.Description,
		Priority:    req.Priority,
		Status:      RequestOpen,
	}
	if sr.Priority == "" {
		sr.Priority = PriorityMedium
	}
	if err := h.stores.ServiceRequests.Create(ctx, scope, sr); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	h.publisher.Broadcast(ctx, serviceRequestEvent(sr))
	_ = httputil.WriteCreated(w, sr)
}

// UpdateServiceRequest handles PUT /service-requests/{id}
func (h *Handlers) UpdateServiceRequest(w http.ResponseWriter, r *http.Request) {
	scope, id, err := scopeAndID(r)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	var req updateServiceRequestRequest
	if err := httputil.DecodeAndValidate(r, &req); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	sr, err := h.stores.ServiceRequests.Get(r.Context(), scope, id)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	read := sr.Status
	sr.Title = req.Title
	sr.Description = req.Description
	sr.Priority = req.Priority
	sr.Status = req.Status
	ok, err := h.stores.ServiceRequests.UpdateColumns(r.Context(), scope, sr,
		[]string{"title", "description", "priority", "status"}, tenancy.Eq("status", read))
	if err := editApplied(ok, err, "service request"); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, sr)
}

// DeleteServiceRequest handles DELETE /service-requests/{id}
func (h *Handlers) DeleteServiceRequest(w http.ResponseWriter, r *http.Request) {
	deleteOne(w, r, h.stores.ServiceRequests.Delete)
}
