package fleet

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/fleetwise/pkg/apperr"
	"github.com/platinummonkey/fleetwise/pkg/httputil"
	"github.com/platinummonkey/fleetwise/pkg/rbac"
	"github.com/platinummonkey/fleetwise/pkg/tenancy"
)

func (h *Handlers) registerVehicles(router *mux.Router) {
	h.handle(router, http.MethodGet, "/vehicles", h.ListVehicles, rbac.PermViewVehicles)
	h.handle(router, http.MethodPost, "/vehicles", h.CreateVehicle, rbac.PermManageVehicles)
	h.handle(router, http.MethodGet, "/vehicles/{id}", h.GetVehicle, rbac.PermViewVehicles)
	h.handle(router, http.MethodPut, "/vehicles/{id}", h.UpdateVehicle, rbac.PermManageVehicles)
	h.handle(router, http.MethodDelete, "/vehicles/{id}", h.DeleteVehicle, rbac.PermManageVehicles)
	h.handle(router, http.MethodPatch, "/vehicles/{id}/status", h.UpdateVehicleStatus, rbac.PermManageVehicles)
}

type vehicleRequest struct {
	VIN         string `json:"vin" validate:"required,len=17,alphanum"`
	PlateNumber string `json:"plate_number" validate:"max=32"`
	Make        string `json:"make" validate:"required,max=100"`
	Model       string `json:"model" validate:"required,max=100"`
	Year        int    `json:"year" validate:"required,gte=1900,lte=2100"`
	Mileage     int64  `json:"mileage" validate:"gte=0"`
	Status      string `json:"status" validate:"omitempty,oneof=active in_service out_of_service retired"`
}

func (req *vehicleRequest) apply(v *Vehicle) {
	v.VIN = strings.ToUpper(req.VIN)
	v.PlateNumber = req.PlateNumber
	v.Make = req.Make
	v.Model = req.Model
	v.Year = req.Year
	v.Mileage = req.Mileage
	if req.Status != "" {
		v.Status = req.Status
	}
}

// ListVehicles handles GET /vehicles?status=
func (h *Handlers) ListVehicles(w http.ResponseWriter, r *http.Request) {
	writeList(w, r, h.stores.Vehicles.List, []string{"status"}, nil)
}

// GetVehicle handles GET /vehicles/{id}
func (h *Handlers) GetVehicle(w http.ResponseWriter, r *http.Request) {
	writeOne(w, r, h.stores.Vehicles.Get)
}

// CreateVehicle handles POST /vehicles
func (h *Handlers) CreateVehicle(w http.ResponseWriter, r *http.Request) {
	scope, err := tenancy.FromContext(r.Context())
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	var req vehicleRequest
	if err := httputil.DecodeAndValidate(r, &req); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	v := &Vehicle{Status: VehicleActive}
	req.apply(v)
	if err := h.stores.Vehicles.Create(r.Context(), scope, v); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	_ = httputil.WriteCreated(w, v)
}

// UpdateVehicle handles PUT /vehicles/{id}. A status change made here is
// broadcast like one made through the status endpoint.
func (h *Handlers) UpdateVehicle(w http.ResponseWriter, r *http.Request) {
	scope, id, err := scopeAndID(r)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	var req vehicleRequest
	if err := httputil.DecodeAndValidate(r, &req); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	v, err := h.stores.Vehicles.Get(r.Context(), scope, id)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	previous := v.Status
	req.apply(v)
	columns := []string{"vin", "plate_number", "make", "model", "year", "mileage"}
	if req.Status != "" {
		columns = append(columns, "status")
	}
	ok, err := h.stores.Vehicles.UpdateColumns(r.Context(), scope, v, columns, tenancy.Eq("status", previous))
	if err := editApplied(ok, err, "vehicle"); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	if v.Status != previous {
		h.publisher.Broadcast(r.Context(), vehicleStatusEvent(v, previous))
	}
	_ = httputil.WriteSuccess(w, v)
}

// DeleteVehicle handles DELETE /vehicles/{id}
func (h *Handlers) DeleteVehicle(w http.ResponseWriter, r *http.Request) {
	deleteOne(w, r, h.stores.Vehicles.Delete)
}

type statusRequest struct {
	Status string `json:"status" validate:"required,max=32"`
}

// UpdateVehicleStatus handles PATCH /vehicles/{id}/status and broadcasts
// vehicle.status-updated.
func (h *Handlers) UpdateVehicleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	scope, id, err := scopeAndID(r)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	var req statusRequest
	if err := httputil.DecodeAndValidate(r, &req); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	switch req.Status {
	case VehicleActive, VehicleInService, VehicleOutOfService, VehicleRetired:
	default:
		httputil.WriteAppError(w, r, apperr.FieldError("status", "must be one of: active in_service out_of_service retired"))
		return
	}

	v, err := h.stores.Vehicles.Get(ctx, scope, id)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	if v.Status == req.Status {
		_ = httputil.WriteSuccess(w, v)
		return
	}

	previous := v.Status
	ok, err := h.stores.Vehicles.UpdateWhere(ctx, scope, id,
		[]tenancy.Cond{tenancy.Eq("status", req.Status)},
		tenancy.Eq("status", previous))
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	if !ok {
		httputil.WriteAppError(w, r, apperr.Conflict("vehicle status changed concurrently"))
		return
	}

	v, err = h.stores.Vehicles.Get(ctx, scope, id)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	h.publisher.Broadcast(ctx, vehicleStatusEvent(v, previous))
	_ = httputil.WriteSuccess(w, v)
}
