package documents

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/fleetwise/pkg/rbac"
	"github.com/platinummonkey/fleetwise/pkg/storage"
	"github.com/platinummonkey/fleetwise/pkg/tenancy"
	fwtest "github.com/platinummonkey/fleetwise/pkg/testutil"
)

const documentsSchema = `
	CREATE TABLE documents (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tenant_id INTEGER NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id INTEGER NOT NULL,
		filename TEXT NOT NULL,
		content_type TEXT NOT NULL,
		size_bytes INTEGER NOT NULL,
		storage_key TEXT NOT NULL UNIQUE,
		uploaded_by INTEGER,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
`

// owned maps entity id to tenant id.
type owned map[int64]int64

func (o owned) Exists(ctx context.Context, scope tenancy.Scope, id int64) (bool, error) {
	tenant, ok := o[id]
	return ok && tenant == scope.TenantID(), nil
}

type failingBlobs struct{ storage.Blobs }

func (failingBlobs) Put(ctx context.Context, key string, content io.Reader, size int64, contentType string) error {
	return errors.New("disk full")
}

type fixture struct {
	store   *Store
	blobs   *storage.FileSystem
	handler *Handlers
	router  *mux.Router
	keys    int
	manager *fwtest.Principal
	client  *fwtest.Principal
	foreign *fwtest.Principal
}

// Vehicle 10 belongs to tenant 1 and vehicle 20 to tenant 2.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := fwtest.SQLite(t, fwtest.RBACSchema, documentsSchema)
	roles := fwtest.SeedRoles(t, db)
	blobs, err := storage.NewFileSystem(t.TempDir())
	require.NoError(t, err)

	f := &fixture{
		store:   NewStore(db),
		blobs:   blobs,
		router:  mux.NewRouter(),
		manager: roles.Grant(t, 1, 1, rbac.RoleManager),
		client:  roles.Grant(t, 2, 1, rbac.RoleClient),
		foreign: roles.Grant(t, 3, 2, rbac.RoleAdmin),
	}
	f.store.SetClock(fwtest.Clock)
	f.handler = NewHandlers(f.store, blobs, map[string]Entities{
		EntityVehicle:   owned{10: 1, 20: 2},
		EntityWorkOrder: owned{},
	}, roles.Checker, 64)
	f.handler.newKey = func(tenantID int64) string {
		f.keys++
		return fmt.Sprintf("tenants/%d/documents/%d", tenantID, f.keys)
	}
	f.handler.RegisterRoutes(f.router)
	return f
}

func upload(t *testing.T, fields map[string]string, filename, contentType string, content []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if filename != "" {
		h := textproto.MIMEHeader{}
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, filename))
		if contentType != "" {
			h.Set("Content-Type", contentType)
		}
		part, err := mw.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/documents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func (f *fixture) serve(req *http.Request, p *fwtest.Principal) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, fwtest.As(req, p))
	return rec
}

func (f *fixture) get(p *fwtest.Principal, path string) *httptest.ResponseRecorder {
	return f.serve(httptest.NewRequest(http.MethodGet, path, nil), p)
}

func TestUploadAndDownload(t *testing.T) {
	f := newFixture(t)
	content := []byte("brake inspection notes")

	rec := f.serve(upload(t, map[string]string{"entity_type": "vehicle", "entity_id": "10"},
		"inspection.txt", "text/plain; charset=utf-8", content), f.manager)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var doc Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "inspection.txt", doc.Filename)
	assert.Equal(t, "text/plain", doc.ContentType)
	assert.Equal(t, int64(len(content)), doc.SizeBytes)
	require.NotNil(t, doc.UploadedBy)
	assert.Equal(t, f.manager.ID, *doc.UploadedBy)
	assert.NotContains(t, rec.Body.String(), "storage_key")

	rec = f.get(f.client, fmt.Sprintf("/documents/%d/download", doc.ID))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, content, rec.Body.Bytes())
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename=inspection.txt`, rec.Header().Get("Content-Disposition"))

	assert.Equal(t, http.StatusNotFound, f.get(f.foreign, fmt.Sprintf("/documents/%d/download", doc.ID)).Code)
	assert.Equal(t, http.StatusNotFound, f.get(f.foreign, fmt.Sprintf("/documents/%d", doc.ID)).Code)

	rec = f.get(f.client, "/documents?entity_type=vehicle&entity_id=10")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Data []Document `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list.Data, 1)
	assert.Equal(t, http.StatusUnprocessableEntity, f.get(f.client, "/documents?entity_type=planet").Code)
}

func TestUploadValidation(t *testing.T) {
	f := newFixture(t)
	data := []byte("x")

	tests := []struct {
		name   string
		fields map[string]string
		file   string
		body   []byte
		want   string
	}{
		{"unknown entity type", map[string]string{"entity_type": "planet", "entity_id": "10"}, "a.txt", data, "entity_type"},
		{"bad entity id", map[string]string{"entity_type": "vehicle", "entity_id": "ten"}, "a.txt", data, "entity_id"},
		{"foreign entity", map[string]string{"entity_type": "vehicle", "entity_id": "20"}, "a.txt", data, "entity_id"},
		{"missing file", map[string]string{"entity_type": "vehicle", "entity_id": "10"}, "", nil, "file"},
		{"too large", map[string]string{"entity_type": "vehicle", "entity_id": "10"}, "big.bin", bytes.Repeat([]byte("a"), 65), "file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.serve(upload(t, tt.fields, tt.file, "", tt.body), f.manager)
			assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.want)
		})
	}

	rec := f.serve(upload(t, map[string]string{"entity_type": "vehicle", "entity_id": "10"}, "a.txt", "", data), f.client)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	n, err := f.store.Count(context.Background(), tenancy.ForTenant(1))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUploadBlobFailureStoresNothing(t *testing.T) {
	f := newFixture(t)
	f.handler.blobs = failingBlobs{f.blobs}

	rec := f.serve(upload(t, map[string]string{"entity_type": "vehicle", "entity_id": "10"}, "a.pdf", "", []byte("%PDF")), f.manager)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	n, err := f.store.Count(context.Background(), tenancy.ForTenant(1))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDeleteRemovesContent(t *testing.T) {
	f := newFixture(t)
	rec := f.serve(upload(t, map[string]string{"entity_type": "vehicle", "entity_id": "10"}, "photo.png", "", []byte("png")), f.manager)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var doc Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "image/png", doc.ContentType)

	path := fmt.Sprintf("/documents/%d", doc.ID)
	assert.Equal(t, http.StatusForbidden, f.serve(httptest.NewRequest(http.MethodDelete, path, nil), f.client).Code)
	assert.Equal(t, http.StatusNotFound, f.serve(httptest.NewRequest(http.MethodDelete, path, nil), f.foreign).Code)
	assert.Equal(t, http.StatusNoContent, f.serve(httptest.NewRequest(http.MethodDelete, path, nil), f.manager).Code)

	_, err := f.blobs.Get(context.Background(), "tenants/1/documents/1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, http.StatusNotFound, f.get(f.manager, path).Code)
}

func TestCleanFilename(t *testing.T) {
	assert.Equal(t, "report.pdf", cleanFilename("../../etc/report.pdf"))
	assert.Equal(t, "scan.jpg", cleanFilename(`C:\Users\me\scan.jpg`))
	assert.Equal(t, "upload", cleanFilename(""))
	assert.Equal(t, "application/octet-stream", contentType("", "noext"))
	assert.Equal(t, "application/pdf", contentType("application/pdf", "x"))
}
