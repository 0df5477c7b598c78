package fleet

import (
	"time"

	"github.com/platinummonkey/fleetwise/pkg/tenancy"
)

// Vehicle statuses.
const (
	VehicleActive       = "active"
	VehicleInService    = "in_service"
	VehicleOutOfService = "out_of_service"
	VehicleRetired      = "retired"
)

// Service request priorities and statuses.
const (
	PriorityLow      = "low"
	PriorityMedium   = "medium"
	PriorityHigh     = "high"
	PriorityCritical = "critical"

	RequestOpen       = "open"
	RequestQuoted     = "quoted"
	RequestApproved   = "approved"
	RequestInProgress = "in_progress"
	RequestClosed     = "closed"
	RequestCancelled  = "cancelled"
)

// Quote statuses.
const (
	QuoteDraft    = "draft"
	QuoteSent     = "sent"
	QuoteApproved = "approved"
	QuoteRejected = "rejected"
)

// Work order statuses.
const (
	WorkOrderOpen       = "open"
	WorkOrderInProgress = "in_progress"
	WorkOrderOnHold     = "on_hold"
	WorkOrderCompleted  = "completed"
	WorkOrderCancelled  = "cancelled"
)

// Invoice statuses.
const (
	InvoiceDraft  = "draft"
	InvoiceIssued = "issued"
	InvoicePaid   = "paid"
	InvoiceVoid   = "void"
)

var workOrderTransitions = map[string][]string{
	WorkOrderOpen:       {WorkOrderInProgress, WorkOrderOnHold, WorkOrderCancelled},
	WorkOrderInProgress: {WorkOrderOnHold, WorkOrderCompleted, WorkOrderCancelled},
	WorkOrderOnHold:     {WorkOrderInProgress, WorkOrderCancelled},
}

var invoiceTransitions = map[string][]string{
	InvoiceDraft:  {InvoiceIssued, InvoiceVoid},
	InvoiceIssued: {InvoicePaid, InvoiceVoid},
}

func canMove(transitions map[string][]string, from, to string) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanMoveWorkOrder reports whether a work order may go from one status to
// another. completed and cancelled are final.
func CanMoveWorkOrder(from, to string) bool { return canMove(workOrderTransitions, from, to) }

// CanMoveInvoice reports whether an invoice may go from one status to
// another. paid and void are final.
func CanMoveInvoice(from, to string) bool { return canMove(invoiceTransitions, from, to) }

// Vehicle is a fleet asset.
type Vehicle struct {
	tenancy.Record
	VIN         string `json:"vin"`
	PlateNumber string `json:"plate_number"`
	Make        string `json:"make"`
	Model       string `json:"model"`
	Year        int    `json:"year"`
	Mileage     int64  `json:"mileage"`
	Status      string `json:"status"`
}

// ServiceRequest is a client's request for maintenance on a vehicle.
type ServiceRequest struct {
	tenancy.Record
	VehicleID   int64  `json:"vehicle_id"`
	RequestedBy int64  `json:"requested_by"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Priority    string `json:"priority"`
	Status      string `json:"status"`
}

// Quote prices a service request.
type Quote struct {
	tenancy.Record
	ServiceRequestID int64      `json:"service_request_id"`
	AmountCents      int64      `json:"amount_cents"`
	Currency         string     `json:"currency"`
	Notes            string     `json:"notes"`
	Status           string     `json:"status"`
	ApprovedBy       *int64     `json:"approved_by,omitempty"`
	ApprovedAt       *time.Time `json:"approved_at,omitempty"`
}

// Pending reports whether the quote still awaits a decision.
func (q *Quote) Pending() bool {
	return q.Status == QuoteDraft || q.Status == QuoteSent
}

// WorkOrder is scheduled maintenance work on a vehicle.
type WorkOrder struct {
	tenancy.Record
	VehicleID        int64      `json:"vehicle_id"`
	ServiceRequestID *int64     `json:"service_request_id,omitempty"`
	QuoteID          *int64     `json:"quote_id,omitempty"`
	AssignedTo       *int64     `json:"assigned_to,omitempty"`
	Title            string     `json:"title"`
	Description      string     `json:"description"`
	Status           string     `json:"status"`
	ScheduledFor     *time.Time `json:"scheduled_for,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// Invoice bills a work order.
type Invoice struct {
	tenancy.Record
	WorkOrderID int64      `json:"work_order_id"`
	Number      string     `json:"number"`
	AmountCents int64      `json:"amount_cents"`
	Currency    string     `json:"currency"`
	Status      string     `json:"status"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	IssuedAt    *time.Time `json:"issued_at,omitempty"`
	PaidAt      *time.Time `json:"paid_at,omitempty"`
}
