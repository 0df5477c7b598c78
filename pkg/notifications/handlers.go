package notifications

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/fleetwise/pkg/apperr"
	"github.com/platinummonkey/fleetwise/pkg/httputil"
	"github.com/platinummonkey/fleetwise/pkg/rbac"
	"github.com/platinummonkey/fleetwise/pkg/tenancy"
)

// Handlers serves /notifications.
type Handlers struct {
	store      *Store
	queue      Queue
	recipients Recipients
	guard      *rbac.PermissionMiddleware
	now        func() time.Time
}

// NewHandlers creates notification handlers.
func NewHandlers(store *Store, queue Queue, recipients Recipients, checker *rbac.Checker) *Handlers {
	return &Handlers{
		store:      store,
		queue:      queue,
		recipients: recipients,
		guard:      rbac.NewPermissionMiddleware(checker),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// RegisterRoutes registers the notification routes.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	view := h.guard.Require(rbac.PermViewNotifications)
	send := h.guard.Require(rbac.PermSendNotifications)

	router.Handle("/notifications", view(http.HandlerFunc(h.List))).Methods(http.MethodGet)
	router.Handle("/notifications", send(http.HandlerFunc(h.Enqueue))).Methods(http.MethodPost)
	router.Handle("/notifications/{id}", view(http.HandlerFunc(h.Get))).Methods(http.MethodGet)
	router.Handle("/notifications/{id}/read", view(http.HandlerFunc(h.MarkRead))).Methods(http.MethodPatch)
	router.Handle("/notifications/{id}", view(http.HandlerFunc(h.Delete))).Methods(http.MethodDelete)
}

// caller returns the scope and the caller's user id.
func caller(r *http.Request) (tenancy.Scope, int64, error) {
	subject, ok := rbac.SubjectFromContext(r.Context())
	if !ok {
		return tenancy.Scope{}, 0, apperr.Unauthorized("")
	}
	scope, err := tenancy.FromContext(r.Context())
	if err != nil {
		return tenancy.Scope{}, 0, err
	}
	return scope, subject.SubjectID(), nil
}

// List handles GET /notifications. Only the caller's own notifications are
// returned.
func (h *Handlers) List(w http.ResponseWriter, r *http.Request) {
	scope, userID, err := caller(r)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	page, err := httputil.ParsePage(r)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	filter := ListFilter{Status: Status(r.URL.Query().Get("status")), Limit: page.Limit, Offset: page.Offset}
	switch filter.Status {
	case "", StatusPending, StatusSent, StatusFailed:
	default:
		httputil.WriteAppError(w, r, apperr.FieldError("status", "must be one of: pending sent failed"))
		return
	}

	items, err := h.store.ListForRecipient(r.Context(), scope, userID, filter)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	_ = httputil.WriteList(w, items, page)
}

// Get handles GET /notifications/{id}
func (h *Handlers) Get(w http.ResponseWriter, r *http.Request) {
	scope, userID, err := caller(r)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	id, err := httputil.ParsePathInt64(r, "id")
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	n, err := h.store.Get(r.Context(), scope, userID, id)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, n)
}

// MarkRead handles PATCH /notifications/{id}/read
func (h *Handlers) MarkRead(w http.ResponseWriter, r *http.Request) {
	scope, userID, err := caller(r)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	id, err := httputil.ParsePathInt64(r, "id")
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	if err := h.store.MarkRead(r.Context(), scope, userID, id, h.now()); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	n, err := h.store.Get(r.Context(), scope, userID, id)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, n)
}

// Delete handles DELETE /notifications/{id}
func (h *Handlers) Delete(w http.ResponseWriter, r *http.Request) {
	scope, userID, err := caller(r)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	id, err := httputil.ParsePathInt64(r, "id")
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	if err := h.store.Delete(r.Context(), scope, userID, id); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

type enqueueRequest struct {
	RecipientID int64   `json:"recipient_id" validate:"required,gt=0"`
	Template    string  `json:"template" validate:"required,max=100"`
	Channel     string  `json:"channel" validate:"required,max=32"`
	Payload     Payload `json:"payload"`
}

type enqueueResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// Enqueue handles POST /notifications. Delivery happens in the background
// for the caller's tenant; the response only acknowledges the job.
func (h *Handlers) Enqueue(w http.ResponseWriter, r *http.Request) {
	scope, _, err := caller(r)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	var req enqueueRequest
	if err := httputil.DecodeAndValidate(r, &req); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	ok, err := h.recipients.Exists(r.Context(), scope, req.RecipientID)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	if !ok {
		httputil.WriteAppError(w, r, apperr.FieldError("recipient_id", "unknown recipient"))
		return
	}

	job, err := h.queue.Enqueue(r.Context(), Job{
		TenantID:    scope.TenantID(),
		RecipientID: req.RecipientID,
		Template:    req.Template,
		Payload:     req.Payload,
		Channel:     req.Channel,
	})
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	_ = httputil.WriteJSON(w, http.StatusAccepted, enqueueResponse{JobID: job.ID, Status: "queued"})
}
