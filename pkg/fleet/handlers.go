package fleet

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/fleetwise/pkg/apperr"
	"github.com/platinummonkey/fleetwise/pkg/httputil"
	"github.com/platinummonkey/fleetwise/pkg/notifications"
	"github.com/platinummonkey/fleetwise/pkg/observability"
	"github.com/platinummonkey/fleetwise/pkg/rbac"
	"github.com/platinummonkey/fleetwise/pkg/realtime"
	"github.com/platinummonkey/fleetwise/pkg/tenancy"
)

// Members reports whether a user belongs to a tenant.
type Members interface {
	Exists(ctx context.Context, scope tenancy.Scope, id int64) (bool, error)
}

// Notifier queues notifications for background delivery.
type Notifier interface {
	Enqueue(ctx context.Context, job notifications.Job) (notifications.Job, error)
}

// Handlers serves the fleet resources: vehicles, service requests, quotes,
// work orders and invoices.
type Handlers struct {
	stores    *Stores
	members   Members
	guard     *rbac.PermissionMiddleware
	publisher realtime.Publisher
	notifier  Notifier
	now       func() time.Time
}

// NewHandlers creates fleet handlers. publisher and notifier may be nil.
func NewHandlers(stores *Stores, members Members, checker *rbac.Checker, publisher realtime.Publisher, notifier Notifier) *Handlers {
	if publisher == nil {
		publisher = nopPublisher{}
	}
	return &Handlers{
		stores:    stores,
		members:   members,
		guard:     rbac.NewPermissionMiddleware(checker),
		publisher: publisher,
		notifier:  notifier,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// RegisterRoutes registers every fleet route.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	h.registerVehicles(router)
	h.registerServiceRequests(router)
	h.registerQuotes(router)
	h.registerWorkOrders(router)
	h.registerInvoices(router)
}

func (h *Handlers) handle(router *mux.Router, method, path string, fn http.HandlerFunc, perms ...rbac.Permission) {
	router.Handle(path, h.guard.Require(perms...)(fn)).Methods(method)
}

// scopeAndID resolves the caller's scope and the {id} path parameter.
func scopeAndID(r *http.Request) (tenancy.Scope, int64, error) {
	scope, err := tenancy.FromContext(r.Context())
	if err != nil {
		return scope, 0, err
	}
	id, err := httputil.ParsePathInt64(r, "id")
	return scope, id, err
}

func callerID(ctx context.Context) int64 {
	if s, ok := rbac.SubjectFromContext(ctx); ok {
		return s.SubjectID()
	}
	return 0
}

// requireRef checks that a referenced entity exists in the scope, reporting
// a missing one as a validation error on field.
func requireRef(ctx context.Context, exists func(context.Context, tenancy.Scope, int64) (bool, error), scope tenancy.Scope, id int64, field string) error {
	ok, err := exists(ctx, scope, id)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.FieldError(field, "does not exist")
	}
	return nil
}

// optionalRef is requireRef for nullable references.
func optionalRef(ctx context.Context, exists func(context.Context, tenancy.Scope, int64) (bool, error), scope tenancy.Scope, id *int64, field string) error {
	if id == nil {
		return nil
	}
	return requireRef(ctx, exists, scope, *id, field)
}

// conds builds list filters from query parameters. Integer parameters must
// parse.
func conds(r *http.Request, strs []string, ints []string) ([]tenancy.Cond, error) {
	var out []tenancy.Cond
	q := r.URL.Query()
	for _, name := range strs {
		if v := q.Get(name); v != "" {
			out = append(out, tenancy.Eq(name, v))
		}
	}
	for _, name := range ints {
		v, err := httputil.ParseQueryInt64(r, name)
		if err != nil {
			return nil, err
		}
		if v != 0 {
			out = append(out, tenancy.Eq(name, v))
		}
	}
	return out, nil
}

func normalizeCurrency(c string) string {
	if c == "" {
		return "USD"
	}
	return strings.ToUpper(c)
}

func (h *Handlers) notify(ctx context.Context, tenantID, recipientID int64, template string, payload notifications.Payload) {
	if h.notifier == nil || recipientID == 0 {
		return
	}
	_, err := h.notifier.Enqueue(ctx, notifications.Job{
		TenantID:    tenantID,
		RecipientID: recipientID,
		Template:    template,
		Channel:     notifications.ChannelInApp,
		Payload:     payload,
	})
	if err != nil {
		observability.FromContext(ctx).WithError(err).WithField("template", template).Warn("failed to queue notification")
	}
}

func writeList[T any](w http.ResponseWriter, r *http.Request, list func(context.Context, tenancy.Scope, tenancy.ListOptions) ([]*T, error), strs, ints []string) {
	scope, err := tenancy.FromContext(r.Context())
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	page, err := httputil.ParsePage(r)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	filters, err := conds(r, strs, ints)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	items, err := list(r.Context(), scope, tenancy.ListOptions{Conds: filters, Limit: page.Limit, Offset: page.Offset})
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	_ = httputil.WriteList(w, items, page)
}

func writeOne[T any](w http.ResponseWriter, r *http.Request, get func(context.Context, tenancy.Scope, int64) (*T, error)) {
	scope, id, err := scopeAndID(r)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	item, err := get(r.Context(), scope, id)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, item)
}

func deleteOne(w http.ResponseWriter, r *http.Request, del func(context.Context, tenancy.Scope, int64) error) {
	scope, id, err := scopeAndID(r)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	if err := del(r.Context(), scope, id); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}
