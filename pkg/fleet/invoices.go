package fleet

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/fleetwise/pkg/apperr"
	"github.com/platinummonkey/fleetwise/pkg/httputil"
	"github.com/platinummonkey/fleetwise/pkg/rbac"
	"github.com/platinummonkey/fleetwise/pkg/tenancy"
)

func (h *Handlers) registerInvoices(router *mux.Router) {
	h.handle(router, http.MethodGet, "/invoices", h.ListInvoices, rbac.PermViewInvoices)
	h.handle(router, http.MethodPost, "/invoices", h.CreateInvoice, rbac.PermManageInvoices)
	h.handle(router, http.MethodGet, "/invoices/{id}", h.GetInvoice, rbac.PermViewInvoices)
	h.handle(router, http.MethodPut, "/invoices/{id}", h.UpdateInvoice, rbac.PermManageInvoices)
	h.handle(router, http.MethodDelete, "/invoices/{id}", h.DeleteInvoice, rbac.PermManageInvoices)
}

type createInvoiceRequest struct {
	WorkOrderID int64      `json:"work_order_id" validate:"required,gt=0"`
	Number      string     `json:"number" validate:"required,max=64"`
	AmountCents int64      `json:"amount_cents" validate:"required,gt=0"`
	Currency    string     `json:"currency" validate:"omitempty,len=3,alpha"`
	DueDate     *time.Time `json:"due_date"`
}

type updateInvoiceRequest struct {
	Number      string     `json:"number" validate:"required,max=64"`
	AmountCents int64      `json:"amount_cents" validate:"required,gt=0"`
	Currency    string     `json:"currency" validate:"omitempty,len=3,alpha"`
	Status      string     `json:"status" validate:"required,oneof=draft issued paid void"`
	DueDate     *time.Time `json:"due_date"`
}

// ListInvoices handles GET /invoices?status=&work_order_id=
func (h *Handlers) ListInvoices(w http.ResponseWriter, r *http.Request) {
	writeList(w, r, h.stores.Invoices.List, []string{"status"}, []string{"work_order_id"})
}

// GetInvoice handles GET /invoices/{id}
func (h *Handlers) GetInvoice(w http.ResponseWriter, r *http.Request) {
	writeOne(w, r, h.stores.Invoices.Get)
}

// CreateInvoice handles POST /invoices. New invoices start as drafts.
func (h *Handlers) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	scope, err := tenancy.FromContext(ctx)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	var req createInvoiceRequest
	if err := httputil.DecodeAndValidate(r, &req); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	if err := requireRef(ctx, h.stores.WorkOrders.Exists, scope, req.WorkOrderID, "work_order_id"); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	inv := &Invoice{
		WorkOrderID: req.WorkOrderID,
		Number:      req.Number,
		AmountCents: req.AmountCents,
		Currency:    normalizeCurrency(req.Currency),
		Status:      InvoiceDraft,
		DueDate:     req.DueDate,
	}
	if err := h.stores.Invoices.Create(ctx, scope, inv); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	_ = httputil.WriteCreated(w, inv)
}

// UpdateInvoice handles PUT /invoices/{id}. Paid and void invoices are
// final; issuing and paying stamp issued_at and paid_at.
func (h *Handlers) UpdateInvoice(w http.ResponseWriter, r *http.Request) {
	scope, id, err := scopeAndID(r)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	var req updateInvoiceRequest
	if err := httputil.DecodeAndValidate(r, &req); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	inv, err := h.stores.Invoices.Get(r.Context(), scope, id)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	if inv.Status == InvoicePaid || inv.Status == InvoiceVoid {
		httputil.WriteAppError(w, r, apperr.Conflict("invoice is "+inv.Status))
		return
	}
	if req.Status != inv.Status && !CanMoveInvoice(inv.Status, req.Status) {
		httputil.WriteAppError(w, r, apperr.Conflict("invoice cannot move from "+inv.Status+" to "+req.Status))
		return
	}

	read := inv.Status
	now := h.now()
	switch {
	case req.Status == InvoiceIssued && inv.IssuedAt == nil:
		inv.IssuedAt = &now
	case req.Status == InvoicePaid:
		inv.PaidAt = &now
	}
	inv.Number = req.Number
	inv.AmountCents = req.AmountCents
	inv.Currency = normalizeCurrency(req.Currency)
	inv.Status = req.Status
	inv.DueDate = req.DueDate
	ok, err := h.stores.Invoices.UpdateColumns(r.Context(), scope, inv,
		[]string{"number", "amount_cents", "currency", "status", "due_date", "issued_at", "paid_at"},
		tenancy.Eq("status", read))
	if err := editApplied(ok, err, "invoice"); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, inv)
}

// DeleteInvoice handles DELETE /invoices/{id}
func (h *Handlers) DeleteInvoice(w http.ResponseWriter, r *http.Request) {
	deleteOne(w, r, h.stores.Invoices.Delete)
}
