package fleet

import (
	"context"
	"time"

	"github.com/platinummonkey/fleetwise/pkg/apperr"
	"github.com/platinummonkey/fleetwise/pkg/database"
	"github.com/platinummonkey/fleetwise/pkg/tenancy"
)

type vehicleMapper struct{}

func (vehicleMapper) Table() string { return "vehicles" }
func (vehicleMapper) Columns() []string {
	return []string{"vin", "plate_number", "make", "model", "year", "mileage", "status"}
}
func (vehicleMapper) Record(v *Vehicle) *tenancy.Record { return &v.Record }
func (vehicleMapper) Fields(v *Vehicle) []interface{} {
	return []interface{}{&v.VIN, &v.PlateNumber, &v.Make, &v.Model, &v.Year, &v.Mileage, &v.Status}
}

type serviceRequestMapper struct{}

func (serviceRequestMapper) Table() string { return "service_requests" }
func (serviceRequestMapper) Columns() []string {
	return []string{"vehicle_id", "requested_by", "title", "description", "priority", "status"}
}
func (serviceRequestMapper) Record(s *ServiceRequest) *tenancy.Record { return &s.Record }
func (serviceRequestMapper) Fields(s *ServiceRequest) []interface{} {
	return []interface{}{&s.VehicleID, &s.RequestedBy, &s.Title, &s.Description, &s.Priority, &s.Status}
}

type quoteMapper struct{}

func (quoteMapper) Table() string { return "quotes" }
func (quoteMapper) Columns() []string {
	return []string{"service_request_id", "amount_cents", "currency", "notes", "status", "approved_by", "approved_at"}
}
func (quoteMapper) Record(q *Quote) *tenancy.Record { return &q.Record }
func (quoteMapper) Fields(q *Quote) []interface{} {
	return []interface{}{&q.ServiceRequestID, &q.AmountCents, &q.Currency, &q.Notes, &q.Status, &q.ApprovedBy, &q.ApprovedAt}
}

type workOrderMapper struct{}

func (workOrderMapper) Table() string { return "work_orders" }
func (workOrderMapper) Columns() []string {
	return []string{"vehicle_id", "service_request_id", "quote_id", "assigned_to", "title", "description",
		"status", "scheduled_for", "completed_at"}
}
func (workOrderMapper) Record(w *WorkOrder) *tenancy.Record { return &w.Record }
func (workOrderMapper) Fields(w *WorkOrder) []interface{} {
	return []interface{}{&w.VehicleID, &w.ServiceRequestID, &w.QuoteID, &w.AssignedTo, &w.Title, &w.Description,
		&w.Status, &w.ScheduledFor, &w.CompletedAt}
}

type invoiceMapper struct{}

func (invoiceMapper) Table() string { return "invoices" }
func (invoiceMapper) Columns() []string {
	return []string{"work_order_id", "number", "amount_cents", "currency", "status", "due_date", "issued_at", "paid_at"}
}
func (invoiceMapper) Record(i *Invoice) *tenancy.Record { return &i.Record }
func (invoiceMapper) Fields(i *Invoice) []interface{} {
	return []interface{}{&i.WorkOrderID, &i.Number, &i.AmountCents, &i.Currency, &i.Status, &i.DueDate, &i.IssuedAt, &i.PaidAt}
}

// VehicleStore persists vehicles. VINs are unique per tenant.
type VehicleStore struct {
	*tenancy.Repository[Vehicle]
}

// Create inserts a vehicle, reporting a duplicate VIN as a Conflict.
func (s *VehicleStore) Create(ctx context.Context, scope tenancy.Scope, v *Vehicle) error {
	return conflictOnDuplicate(s.Repository.Create(ctx, scope, v), "a vehicle with this VIN already exists")
}

// ServiceRequestStore persists service requests.
type ServiceRequestStore struct {
	*tenancy.Repository[ServiceRequest]
}

// QuoteStore persists quotes.
type QuoteStore struct {
	*tenancy.Repository[Quote]
}

// WorkOrderStore persists work orders.
type WorkOrderStore struct {
	*tenancy.Repository[WorkOrder]
}

// InvoiceStore persists invoices. Numbers are unique per tenant.
type InvoiceStore struct {
	*tenancy.Repository[Invoice]
}

// Create inserts an invoice, reporting a duplicate number as a Conflict.
func (s *InvoiceStore) Create(ctx context.Context, scope tenancy.Scope, i *Invoice) error {
	return conflictOnDuplicate(s.Repository.Create(ctx, scope, i), "an invoice with this number already exists")
}

// UpdateColumns writes the named vehicle columns while the guards hold,
// reporting a duplicate VIN as a Conflict.
func (s *VehicleStore) UpdateColumns(ctx context.Context, scope tenancy.Scope, v *Vehicle, columns []string, guards ...tenancy.Cond) (bool, error) {
	ok, err := s.Repository.UpdateColumns(ctx, scope, v, columns, guards...)
	return ok, conflictOnDuplicate(err, "a vehicle with this VIN already exists")
}

// UpdateColumns writes the named invoice columns while the guards hold,
// reporting a duplicate number as a Conflict.
func (s *InvoiceStore) UpdateColumns(ctx context.Context, scope tenancy.Scope, i *Invoice, columns []string, guards ...tenancy.Cond) (bool, error) {
	ok, err := s.Repository.UpdateColumns(ctx, scope, i, columns, guards...)
	return ok, conflictOnDuplicate(err, "an invoice with this number already exists")
}

// editApplied turns a guarded edit that lost its guard into a Conflict.
func editApplied(ok bool, err error, resource string) error {
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Conflict(resource + " was changed concurrently")
	}
	return nil
}

func conflictOnDuplicate(err error, message string) error {
	if database.IsUniqueViolation(err) {
		return apperr.Conflict(message)
	}
	return err
}

// Stores groups the fleet repositories.
type Stores struct {
	Vehicles        *VehicleStore
	ServiceRequests *ServiceRequestStore
	Quotes          *QuoteStore
	WorkOrders      *WorkOrderStore
	Invoices        *InvoiceStore
}

// NewStores creates the fleet stores on db.
func NewStores(db tenancy.DBTX) *Stores {
	return &Stores{
		Vehicles:        &VehicleStore{tenancy.NewRepository[Vehicle](db, vehicleMapper{}, "vehicle")},
		ServiceRequests: &ServiceRequestStore{tenancy.NewRepository[ServiceRequest](db, serviceRequestMapper{}, "service request")},
		Quotes:          &QuoteStore{tenancy.NewRepository[Quote](db, quoteMapper{}, "quote")},
		WorkOrders:      &WorkOrderStore{tenancy.NewRepository[WorkOrder](db, workOrderMapper{}, "work order")},
		Invoices:        &InvoiceStore{tenancy.NewRepository[Invoice](db, invoiceMapper{}, "invoice")},
	}
}

// SetClock overrides the timestamp source of every store.
func (s *Stores) SetClock(now func() time.Time) {
	s.Vehicles.SetClock(now)
	s.ServiceRequests.SetClock(now)
	s.Quotes.SetClock(now)
	s.WorkOrders.SetClock(now)
	s.Invoices.SetClock(now)
}
