package documents

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/platinummonkey/fleetwise/pkg/apperr"
	"github.com/platinummonkey/fleetwise/pkg/httputil"
	"github.com/platinummonkey/fleetwise/pkg/observability"
	"github.com/platinummonkey/fleetwise/pkg/rbac"
	"github.com/platinummonkey/fleetwise/pkg/storage"
	"github.com/platinummonkey/fleetwise/pkg/tenancy"
)

const defaultMaxUpload = 10 << 20

// Entities reports whether an entity of one type exists in a scope.
type Entities interface {
	Exists(ctx context.Context, scope tenancy.Scope, id int64) (bool, error)
}

// Handlers serves document upload, metadata and download.
type Handlers struct {
	store     *Store
	blobs     storage.Blobs
	entities  map[string]Entities
	guard     *rbac.PermissionMiddleware
	maxUpload int64
	newKey    func(tenantID int64) string
}

// NewHandlers creates document handlers. entities maps each attachable
// entity type to its store; maxUpload <= 0 selects 10 MiB.
func NewHandlers(store *Store, blobs storage.Blobs, entities map[string]Entities, checker *rbac.Checker, maxUpload int64) *Handlers {
	if maxUpload <= 0 {
		maxUpload = defaultMaxUpload
	}
	return &Handlers{
		store:     store,
		blobs:     blobs,
		entities:  entities,
		guard:     rbac.NewPermissionMiddleware(checker),
		maxUpload: maxUpload,
		newKey: func(tenantID int64) string {
			return fmt.Sprintf("tenants/%d/documents/%s", tenantID, uuid.NewString())
		},
	}
}

// RegisterRoutes registers the document routes.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	view := h.guard.Require(rbac.PermViewDocuments)
	manage := h.guard.Require(rbac.PermManageDocuments)

	router.Handle("/documents", view(http.HandlerFunc(h.List))).Methods(http.MethodGet)
	router.Handle("/documents", manage(http.HandlerFunc(h.Upload))).Methods(http.MethodPost)
	router.Handle("/documents/{id}", view(http.HandlerFunc(h.Get))).Methods(http.MethodGet)
	router.Handle("/documents/{id}/download", view(http.HandlerFunc(h.Download))).Methods(http.MethodGet)
	router.Handle("/documents/{id}", manage(http.HandlerFunc(h.Delete))).Methods(http.MethodDelete)
}

// List handles GET /documents?entity_type=&entity_id=
func (h *Handlers) List(w http.ResponseWriter, r *http.Request) {
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

	var conds []tenancy.Cond
	if t := r.URL.Query().Get("entity_type"); t != "" {
		if _, ok := h.entities[t]; !ok {
			httputil.WriteAppError(w, r, apperr.FieldError("entity_type", "unknown entity type"))
			return
		}
		conds = append(conds, tenancy.Eq("entity_type", t))
	}
	entityID, err := httputil.ParseQueryInt64(r, "entity_id")
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	if entityID != 0 {
		conds = append(conds, tenancy.Eq("entity_id", entityID))
	}

	docs, err := h.store.List(r.Context(), scope, tenancy.ListOptions{Conds: conds, Limit: page.Limit, Offset: page.Offset})
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	_ = httputil.WriteList(w, docs, page)
}

// Upload handles POST /documents as multipart/form-data with fields
// entity_type, entity_id and file.
func (h *Handlers) Upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	scope, err := tenancy.FromContext(ctx)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+(1<<20))
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.WriteAppError(w, r, apperr.FieldError("file", "exceeds the maximum upload size"))
			return
		}
		httputil.WriteAppError(w, r, apperr.FieldError("file", "request must be multipart/form-data"))
		return
	}
	defer r.MultipartForm.RemoveAll()

	entityType := r.FormValue("entity_type")
	entities, ok := h.entities[entityType]
	if !ok {
		httputil.WriteAppError(w, r, apperr.FieldError("entity_type", "unknown entity type"))
		return
	}
	entityID, err := strconv.ParseInt(r.FormValue("entity_id"), 10, 64)
	if err != nil || entityID <= 0 {
		httputil.WriteAppError(w, r, apperr.FieldError("entity_id", "must be a positive integer"))
		return
	}
	exists, err := entities.Exists(ctx, scope, entityID)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	if !exists {
		httputil.WriteAppError(w, r, apperr.FieldError("entity_id", "does not exist"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		httputil.WriteAppError(w, r, apperr.FieldError("file", "is required"))
		return
	}
	defer file.Close()
	if header.Size > h.maxUpload {
		httputil.WriteAppError(w, r, apperr.FieldError("file", "exceeds the maximum upload size"))
		return
	}

	doc := &Document{
		EntityType:  entityType,
		EntityID:    entityID,
		Filename:    cleanFilename(header.Filename),
		ContentType: contentType(header.Header.Get("Content-Type"), header.Filename),
		SizeBytes:   header.Size,
		StorageKey:  h.newKey(scope.TenantID()),
	}
	if s, ok := rbac.SubjectFromContext(ctx); ok {
		id := s.SubjectID()
		doc.UploadedBy = &id
	}

	if err := h.blobs.Put(ctx, doc.StorageKey, file, doc.SizeBytes, doc.ContentType); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	if err := h.store.Create(ctx, scope, doc); err != nil {
		h.discard(ctx, doc.StorageKey)
		httputil.WriteAppError(w, r, err)
		return
	}
	_ = httputil.WriteCreated(w, doc)
}

// Get handles GET /documents/{id}
func (h *Handlers) Get(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.load(w, r)
	if !ok {
		return
	}
	_ = httputil.WriteSuccess(w, doc)
}

// Download handles GET /documents/{id}/download and streams the content.
func (h *Handlers) Download(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.load(w, r)
	if !ok {
		return
	}
	rc, err := h.blobs.Get(r.Context(), doc.StorageKey)
	if errors.Is(err, storage.ErrNotFound) {
		observability.FromContext(r.Context()).WithField("document_id", doc.ID).Error("document content is missing")
		httputil.WriteAppError(w, r, apperr.NotFound("document content"))
		return
	}
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", doc.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(doc.SizeBytes, 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": doc.Filename}))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		observability.FromContext(r.Context()).WithError(err).Warn("document download interrupted")
	}
}

// Delete handles DELETE /documents/{id}. The row goes first; a blob that
// cannot be removed is only logged.
func (h *Handlers) Delete(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.load(w, r)
	if !ok {
		return
	}
	if err := h.store.Delete(r.Context(), tenancy.ForTenant(doc.TenantID), doc.ID); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	h.discard(r.Context(), doc.StorageKey)
	httputil.WriteNoContent(w)
}

func (h *Handlers) load(w http.ResponseWriter, r *http.Request) (*Document, bool) {
	scope, err := tenancy.FromContext(r.Context())
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return nil, false
	}
	id, err := httputil.ParsePathInt64(r, "id")
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return nil, false
	}
	doc, err := h.store.Get(r.Context(), scope, id)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return nil, false
	}
	return doc, true
}

func (h *Handlers) discard(ctx context.Context, key string) {
	if err := h.blobs.Delete(ctx, key); err != nil {
		observability.FromContext(ctx).WithError(err).WithField("storage_key", key).Warn("failed to delete document content")
	}
}

func cleanFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "upload"
	}
	if len(name) > 255 {
		name = name[len(name)-255:]
	}
	return name
}

func contentType(declared, filename string) string {
	if declared != "" {
		if mt, _, err := mime.ParseMediaType(declared); err == nil {
			return mt
		}
	}
	if byExt := mime.TypeByExtension(filepath.Ext(filename)); byExt != "" {
		if mt, _, err := mime.ParseMediaType(byExt); err == nil {
			return mt
		}
	}
	return "application/octet-stream"
}
