package documents

import (
	"github.com/platinummonkey/fleetwise/pkg/tenancy"
)

// Entity types a document can be attached to.
const (
	EntityVehicle        = "vehicle"
	EntityServiceRequest = "service_request"
	EntityQuote          = "quote"
	EntityWorkOrder      = "work_order"
	EntityInvoice        = "invoice"
)

// Document is the metadata of an uploaded file. The content lives in blob
// storage under StorageKey.
type Document struct {
	tenancy.Record
	EntityType  string `json:"entity_type"`
	EntityID    int64  `json:"entity_id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
	StorageKey  string `json:"-"`
	UploadedBy  *int64 `json:"uploaded_by,omitempty"`
}

type documentMapper struct{}

func (documentMapper) Table() string { return "documents" }
func (documentMapper) Columns() []string {
	return []string{"entity_type", "entity_id", "filename", "content_type", "size_bytes", "storage_key", "uploaded_by"}
}
func (documentMapper) Record(d *Document) *tenancy.Record { return &d.Record }
func (documentMapper) Fields(d *Document) []interface{} {
	return []interface{}{&d.EntityType, &d.EntityID, &d.Filename, &d.ContentType, &d.SizeBytes, &d.StorageKey, &d.UploadedBy}
}

// Store persists document metadata.
type Store struct {
	*tenancy.Repository[Document]
}

// NewStore creates a document store on db.
func NewStore(db tenancy.DBTX) *Store {
	return &Store{tenancy.NewRepository[Document](db, documentMapper{}, "document")}
}
