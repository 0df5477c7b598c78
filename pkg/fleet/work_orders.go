package fleet

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/fleetwise/pkg/apperr"
	"github.com/platinummonkey/fleetwise/pkg/httputil"
	"github.com/platinummonkey/fleetwise/pkg/notifications"
	"github.com/platinummonkey/fleetwise/pkg/rbac"
	"github.com/platinummonkey/fleetwise/pkg/tenancy"
)

func (h *Handlers) registerWorkOrders(router *mux.Router) {
	h.handle(router, http.MethodGet, "/work-orders", h.ListWorkOrders, rbac.PermViewWorkOrders)
	h.handle(router, http.MethodPost, "/work-orders", h.CreateWorkOrder, rbac.PermManageWorkOrders)
	h.handle(router, http.MethodGet, "/work-orders/{id}", h.GetWorkOrder, rbac.PermViewWorkOrders)
	h.handle(router, http.MethodPut, "/work-orders/{id}", h.UpdateWorkOrder, rbac.PermManageWorkOrders)
	h.handle(router, http.MethodDelete, "/work-orders/{id}", h.DeleteWorkOrder, rbac.PermManageWorkOrders)
	h.handle(router, http.MethodPatch, "/work-orders/{id}/status", h.UpdateWorkOrderStatus,
		rbac.PermUpdateWorkOrderStatus, rbac.PermManageWorkOrders)
}

type workOrderRequest struct {
	VehicleID        int64      `json:"vehicle_id" validate:"required,gt=0"`
	ServiceRequestID *int64     `json:"service_request_id" validate:"omitempty,gt=0"`
	QuoteID          *int64     `json:"quote_id" validate:"omitempty,gt=0"`
	AssignedTo       *int64     `json:"assigned_to" validate:"omitempty,gt=0"`
	Title            string     `json:"title" validate:"required,max=255"`
	Description      string     `json:"description" validate:"max=5000"`
	ScheduledFor     *time.Time `json:"scheduled_for"`
}

// checkWorkOrderRefs verifies every reference resolves within the scope.
func (h *Handlers) checkWorkOrderRefs(ctx context.Context, scope tenancy.Scope, req *workOrderRequest) error {
	if err := requireRef(ctx, h.stores.Vehicles.Exists, scope, req.VehicleID, "vehicle_id"); err != nil {
		return err
	}
	if err := optionalRef(ctx, h.stores.ServiceRequests.Exists, scope, req.ServiceRequestID, "service_request_id"); err != nil {
		return err
	}
	if err := optionalRef(ctx, h.stores.Quotes.Exists, scope, req.QuoteID, "quote_id"); err != nil {
		return err
	}
	return optionalRef(ctx, h.members.Exists, scope, req.AssignedTo, "assigned_to")
}

// workOrderEditColumns are the columns PUT owns; status and completed_at
// belong to the status endpoint.
var workOrderEditColumns = []string{
	"vehicle_id", "service_request_id", "quote_id", "assigned_to", "title", "description", "scheduled_for",
}

func (req *workOrderRequest) apply(wo *WorkOrder) {
	wo.VehicleID = req.VehicleID
	wo.ServiceRequestID = req.ServiceRequestID
	wo.QuoteID = req.QuoteID
	wo.AssignedTo = req.AssignedTo
	wo.Title = req.Title
	wo.Description = req.Description
	wo.ScheduledFor = req.ScheduledFor
}

// ListWorkOrders handles GET /work-orders?status=&vehicle_id=&assigned_to=
func (h *Handlers) ListWorkOrders(w http.ResponseWriter, r *http.Request) {
	writeList(w, r, h.stores.WorkOrders.List, []string{"status"}, []string{"vehicle_id", "assigned_to"})
}

// GetWorkOrder handles GET /work-orders/{id}
func (h *Handlers) GetWorkOrder(w http.ResponseWriter, r *http.Request) {
	writeOne(w, r, h.stores.WorkOrders.Get)
}

// CreateWorkOrder handles POST /work-orders. The assignee, if any, is
// notified.
func (h *Handlers) CreateWorkOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	scope, err := tenancy.FromContext(ctx)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	var req workOrderRequest
	if err := httputil.DecodeAndValidate(r, &req); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	if err := h.checkWorkOrderRefs(ctx, scope, &req); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	wo := &WorkOrder{Status: WorkOrderOpen}
	req.apply(wo)
	if err := h.stores.WorkOrders.Create(ctx, scope, wo); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	if wo.AssignedTo != nil {
		h.notifyAssignee(ctx, wo)
	}
	_ = httputil.WriteCreated(w, wo)
}

// UpdateWorkOrder handles PUT /work-orders/{id}. Status changes go through
// the status endpoint.
func (h *Handlers) UpdateWorkOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	scope, id, err := scopeAndID(r)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	var req workOrderRequest
	if err := httputil.DecodeAndValidate(r, &req); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	wo, err := h.stores.WorkOrders.Get(ctx, scope, id)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	if err := h.checkWorkOrderRefs(ctx, scope, &req); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	previousAssignee := wo.AssignedTo
	req.apply(wo)
	ok, err := h.stores.WorkOrders.UpdateColumns(ctx, scope, wo, workOrderEditColumns, tenancy.Eq("status", wo.Status))
	if err := editApplied(ok, err, "work order"); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	if wo.AssignedTo != nil && (previousAssignee == nil || *previousAssignee != *wo.AssignedTo) {
		h.notifyAssignee(ctx, wo)
	}
	_ = httputil.WriteSuccess(w, wo)
}

// DeleteWorkOrder handles DELETE /work-orders/{id}
func (h *Handlers) DeleteWorkOrder(w http.ResponseWriter, r *http.Request) {
	deleteOne(w, r, h.stores.WorkOrders.Delete)
}

// UpdateWorkOrderStatus handles PATCH /work-orders/{id}/status and
// broadcasts work-order.status-changed. Completing a work order stamps
// completed_at.
func (h *Handlers) UpdateWorkOrderStatus(w http.ResponseWriter, r *http.Request) {
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
	case WorkOrderOpen, WorkOrderInProgress, WorkOrderOnHold, WorkOrderCompleted, WorkOrderCancelled:
	default:
		httputil.WriteAppError(w, r, apperr.FieldError("status", "must be one of: open in_progress on_hold completed cancelled"))
		return
	}

	wo, err := h.stores.WorkOrders.Get(ctx, scope, id)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	previous := wo.Status
	if !CanMoveWorkOrder(previous, req.Status) {
		httputil.WriteAppError(w, r, apperr.Conflict("work order cannot move from "+previous+" to "+req.Status))
		return
	}

	set := []tenancy.Cond{tenancy.Eq("status", req.Status)}
	if req.Status == WorkOrderCompleted {
		set = append(set, tenancy.Eq("completed_at", h.now()))
	}
	moved, err := h.stores.WorkOrders.UpdateWhere(ctx, scope, id, set, tenancy.Eq("status", previous))
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	if !moved {
		httputil.WriteAppError(w, r, apperr.Conflict("work order status changed concurrently"))
		return
	}

	wo, err = h.stores.WorkOrders.Get(ctx, scope, id)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	h.publisher.Broadcast(ctx, workOrderStatusEvent(wo, previous))
	_ = httputil.WriteSuccess(w, wo)
}

func (h *Handlers) notifyAssignee(ctx context.Context, wo *WorkOrder) {
	h.notify(ctx, wo.TenantID, *wo.AssignedTo, "work_order.assigned", notifications.Payload{
		"work_order_id": wo.ID,
		"vehicle_id":    wo.VehicleID,
		"title":         wo.Title,
	})
}
