package fleet

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/fleetwise/pkg/apperr"
	"github.com/platinummonkey/fleetwise/pkg/httputil"
	"github.com/platinummonkey/fleetwise/pkg/notifications"
	"github.com/platinummonkey/fleetwise/pkg/observability"
	"github.com/platinummonkey/fleetwise/pkg/rbac"
	"github.com/platinummonkey/fleetwise/pkg/tenancy"
)

func (h *Handlers) registerQuotes(router *mux.Router) {
	h.handle(router, http.MethodGet, "/quotes", h.ListQuotes, rbac.PermViewQuotes)
	h.handle(router, http.MethodPost, "/quotes", h.CreateQuote, rbac.PermManageQuotes)
	h.handle(router, http.MethodGet, "/quotes/{id}", h.GetQuote, rbac.PermViewQuotes)
	h.handle(router, http.MethodPut, "/quotes/{id}", h.UpdateQuote, rbac.PermManageQuotes)
	h.handle(router, http.MethodDelete, "/quotes/{id}", h.DeleteQuote, rbac.PermManageQuotes)
	h.handle(router, http.MethodPost, "/quotes/{id}/approve", h.ApproveQuote, rbac.PermApproveQuotes)
	h.handle(router, http.MethodPost, "/quotes/{id}/reject", h.RejectQuote, rbac.PermApproveQuotes)
}

type createQuoteRequest struct {
	ServiceRequestID int64  `json:"service_request_id" validate:"required,gt=0"`
	AmountCents      int64  `json:"amount_cents" validate:"required,gt=0"`
	Currency         string `json:"currency" validate:"omitempty,len=3,alpha"`
	Notes            string `json:"notes" validate:"max=5000"`
	Status           string `json:"status" validate:"omitempty,oneof=draft sent"`
}

type updateQuoteRequest struct {
	AmountCents int64  `json:"amount_cents" validate:"required,gt=0"`
	Currency    string `json:"currency" validate:"omitempty,len=3,alpha"`
	Notes       string `json:"notes" validate:"max=5000"`
	Status      string `json:"status" validate:"required,oneof=draft sent"`
}

// ListQuotes handles GET /quotes?status=&service_request_id=
func (h *Handlers) ListQuotes(w http.ResponseWriter, r *http.Request) {
	writeList(w, r, h.stores.Quotes.List, []string{"status"}, []string{"service_request_id"})
}

// GetQuote handles GET /quotes/{id}
func (h *Handlers) GetQuote(w http.ResponseWriter, r *http.Request) {
	writeOne(w, r, h.stores.Quotes.Get)
}

// CreateQuote handles POST /quotes. A sent quote moves its service request
// to quoted.
func (h *Handlers) CreateQuote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	scope, err := tenancy.FromContext(ctx)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	var req createQuoteRequest
	if err := httputil.DecodeAndValidate(r, &req); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	if err := requireRef(ctx, h.stores.ServiceRequests.Exists, scope, req.ServiceRequestID, "service_request_id"); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	q := &Quote{
		ServiceRequestID: req.ServiceRequestID,
		AmountCents:      req.AmountCents,
		Currency:         normalizeCurrency(req.Currency),
		Notes:            req.Notes,
		Status:           req.Status,
	}
	if q.Status == "" {
		q.Status = QuoteDraft
	}
	if err := h.stores.Quotes.Create(ctx, scope, q); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	if q.Status == QuoteSent {
		h.markRequest(r, scope, q.ServiceRequestID, RequestQuoted)
	}
	_ = httputil.WriteCreated(w, q)
}

// UpdateQuote handles PUT /quotes/{id}. Decided quotes are immutable.
func (h *Handlers) UpdateQuote(w http.ResponseWriter, r *http.Request) {
	scope, id, err := scopeAndID(r)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	var req updateQuoteRequest
	if err := httputil.DecodeAndValidate(r, &req); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	q, err := h.stores.Quotes.Get(r.Context(), scope, id)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	if !q.Pending() {
		httputil.WriteAppError(w, r, apperr.Conflict("quote has already been "+q.Status))
		return
	}
	read := q.Status
	wasSent := read == QuoteSent
	q.AmountCents = req.AmountCents
	q.Currency = normalizeCurrency(req.Currency)
	q.Notes = req.Notes
	q.Status = req.Status
	ok, err := h.stores.Quotes.UpdateColumns(r.Context(), scope, q,
		[]string{"amount_cents", "currency", "notes", "status"}, tenancy.Eq("status", read))
	if err := editApplied(ok, err, "quote"); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	if !wasSent && q.Status == QuoteSent {
		h.markRequest(r, scope, q.ServiceRequestID, RequestQuoted)
	}
	_ = httputil.WriteSuccess(w, q)
}

// DeleteQuote handles DELETE /quotes/{id}
func (h *Handlers) DeleteQuote(w http.ResponseWriter, r *http.Request) {
	deleteOne(w, r, h.stores.Quotes.Delete)
}

// ApproveQuote handles POST /quotes/{id}/approve. The service request moves
// to approved, quote.approved is broadcast and the requester is notified.
func (h *Handlers) ApproveQuote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q, ok := h.decide(w, r, QuoteApproved)
	if !ok {
		return
	}
	scope := tenancy.ForTenant(q.TenantID)
	h.markRequest(r, scope, q.ServiceRequestID, RequestApproved)
	h.publisher.Broadcast(ctx, quoteApprovedEvent(q))

	if sr, err := h.stores.ServiceRequests.Get(ctx, scope, q.ServiceRequestID); err == nil {
		h.notify(ctx, q.TenantID, sr.RequestedBy, "quote.approved", notifications.Payload{
			"quote_id":           q.ID,
			"service_request_id": q.ServiceRequestID,
			"amount_cents":       q.AmountCents,
			"currency":           q.Currency,
		})
	} else {
		observability.FromContext(ctx).WithError(err).Warn("failed to load service request for notification")
	}
	_ = httputil.WriteSuccess(w, q)
}

// RejectQuote handles POST /quotes/{id}/reject
func (h *Handlers) RejectQuote(w http.ResponseWriter, r *http.Request) {
	q, ok := h.decide(w, r, QuoteRejected)
	if !ok {
		return
	}
	_ = httputil.WriteSuccess(w, q)
}

// decide moves a pending quote to approved or rejected. Only one decision
// can win: the update is guarded on the status that was read.
func (h *Handlers) decide(w http.ResponseWriter, r *http.Request, to string) (*Quote, bool) {
	ctx := r.Context()
	scope, id, err := scopeAndID(r)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return nil, false
	}
	q, err := h.stores.Quotes.Get(ctx, scope, id)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return nil, false
	}
	if !q.Pending() {
		httputil.WriteAppError(w, r, apperr.Conflict("quote has already been "+q.Status))
		return nil, false
	}

	set := []tenancy.Cond{tenancy.Eq("status", to)}
	if to == QuoteApproved {
		set = append(set, tenancy.Eq("approved_by", callerID(ctx)), tenancy.Eq("approved_at", h.now()))
	}
	moved, err := h.stores.Quotes.UpdateWhere(ctx, scope, id, set, tenancy.Eq("status", q.Status))
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return nil, false
	}
	if !moved {
		httputil.WriteAppError(w, r, apperr.Conflict("quote was decided concurrently"))
		return nil, false
	}

	q, err = h.stores.Quotes.Get(ctx, scope, id)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return nil, false
	}
	return q, true
}

// markRequest sets a service request's status as a side effect of a quote
// change. Failures are logged; the quote change stands.
func (h *Handlers) markRequest(r *http.Request, scope tenancy.Scope, id int64, status string) {
	_, err := h.stores.ServiceRequests.UpdateWhere(r.Context(), scope, id, []tenancy.Cond{tenancy.Eq("status", status)})
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).WithField("service_request_id", id).
			Warn("failed to update service request status")
	}
}
