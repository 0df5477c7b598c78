package audit

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/fleetwise/pkg/apperr"
	"github.com/platinummonkey/fleetwise/pkg/httputil"
	"github.com/platinummonkey/fleetwise/pkg/tenancy"
)

// Searcher reads a tenant's audit trail.
type Searcher interface {
	Search(ctx context.Context, tenantID int64, filter SearchFilter) ([]*Event, error)
}

// Handlers provides HTTP handlers for the audit log API. Callers mount them
// behind the permission guard.
type Handlers struct {
	store Searcher
}

// NewHandlers creates new audit handlers
func NewHandlers(store Searcher) *Handlers {
	return &Handlers{store: store}
}

// RegisterRoutes registers audit log routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/audit/events", h.listEvents).Methods(http.MethodGet)
	router.HandleFunc("/audit/export", h.exportEvents).Methods(http.MethodGet)
}

func (h *Handlers) listEvents(w http.ResponseWriter, r *http.Request) {
	scope, err := tenancy.FromContext(r.Context())
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	filter, page, err := parseFilter(r)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	events, err := h.store.Search(r.Context(), scope.TenantID(), filter)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	_ = httputil.WriteList(w, events, page)
}

func (h *Handlers) exportEvents(w http.ResponseWriter, r *http.Request) {
	scope, err := tenancy.FromContext(r.Context())
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	filter, _, err := parseFilter(r)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	format := ExportFormat(r.URL.Query().Get("format"))
	switch format {
	case "":
		format = ExportFormatJSON
	case ExportFormatJSON, ExportFormatCSV, ExportFormatNDJSON:
	default:
		httputil.WriteAppError(w, r, apperr.FieldError("format", "must be one of json, csv, ndjson"))
		return
	}

	events, err := h.store.Search(r.Context(), scope.TenantID(), filter)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	data, err := Export(events, format)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	switch format {
	case ExportFormatCSV:
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", "attachment; filename=audit-logs.csv")
	case ExportFormatNDJSON:
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Header().Set("Content-Disposition", "attachment; filename=audit-logs.ndjson")
	default:
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", "attachment; filename=audit-logs.json")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func parseFilter(r *http.Request) (SearchFilter, httputil.Page, error) {
	page, err := httputil.ParsePage(r)
	if err != nil {
		return SearchFilter{}, page, err
	}
	filter := SearchFilter{Limit: page.Limit, Offset: page.Offset}
	q := r.URL.Query()

	for _, key := range []string{"start_time", "end_time"} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, page, apperr.FieldError(key, "must be an RFC3339 timestamp")
		}
		if key == "start_time" {
			filter.StartTime = &t
		} else {
			filter.EndTime = &t
		}
	}

	userID, err := httputil.ParseQueryInt64(r, "user_id")
	if err != nil {
		return filter, page, err
	}
	if userID > 0 {
		filter.UserID = &userID
	}

	if types := q.Get("event_type"); types != "" {
		for _, t := range strings.Split(types, ",") {
			filter.EventTypes = append(filter.EventTypes, EventType(strings.TrimSpace(t)))
		}
	}
	filter.Status = EventStatus(q.Get("status"))
	filter.ResourceType = ResourceType(q.Get("resource_type"))
	filter.ResourceID = q.Get("resource_id")

	return filter, page, nil
}
