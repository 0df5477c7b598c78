package reports

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/fleetwise/pkg/fleet"
	"github.com/platinummonkey/fleetwise/pkg/tenancy"
)

// Counter counts a tenant's rows grouped by a column.
type Counter interface {
	CountBy(ctx context.Context, scope tenancy.Scope, column string, conds ...tenancy.Cond) (map[string]int64, error)
}

// Breakdown maps a column value to the number of rows holding it.
type Breakdown map[string]int64

// Total sums every bucket.
func (b Breakdown) Total() int64 {
	var n int64
	for _, v := range b {
		n += v
	}
	return n
}

// Dashboard holds the headline numbers shown on the portal landing page.
type Dashboard struct {
	Vehicles            int64     `json:"vehicles"`
	VehiclesByStatus    Breakdown `json:"vehicles_by_status"`
	OpenServiceRequests int64     `json:"open_service_requests"`
	PendingQuotes       int64     `json:"pending_quotes"`
	ActiveWorkOrders    int64     `json:"active_work_orders"`
	UnpaidInvoices      int64     `json:"unpaid_invoices"`
}

// FleetReport breaks the fleet down by vehicle state and workload.
type FleetReport struct {
	VehiclesByStatus        Breakdown `json:"vehicles_by_status"`
	WorkOrdersByStatus      Breakdown `json:"work_orders_by_status"`
	ServiceRequestsPriority Breakdown `json:"service_requests_by_priority"`
}

// MaintenanceReport follows work through the request, quote, work order and
// invoice pipeline.
type MaintenanceReport struct {
	ServiceRequestsByStatus Breakdown `json:"service_requests_by_status"`
	QuotesByStatus          Breakdown `json:"quotes_by_status"`
	WorkOrdersByStatus      Breakdown `json:"work_orders_by_status"`
	InvoicesByStatus        Breakdown `json:"invoices_by_status"`
}

// Sources are the tables a report reads.
type Sources struct {
	Vehicles        Counter
	ServiceRequests Counter
	Quotes          Counter
	WorkOrders      Counter
	Invoices        Counter
}

// SourcesFrom adapts the fleet stores.
func SourcesFrom(s *fleet.Stores) Sources {
	return Sources{
		Vehicles:        s.Vehicles,
		ServiceRequests: s.ServiceRequests,
		Quotes:          s.Quotes,
		WorkOrders:      s.WorkOrders,
		Invoices:        s.Invoices,
	}
}

// Service computes reports. Each report's queries run concurrently.
type Service struct {
	src Sources
}

// NewService creates a report service.
func NewService(src Sources) *Service {
	return &Service{src: src}
}

type query struct {
	counter Counter
	column  string
	into    *Breakdown
}

// collect runs every query in parallel and fails if any fails.
func collect(ctx context.Context, scope tenancy.Scope, queries ...query) error {
	eg, ctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	for _, q := range queries {
		q := q
		eg.Go(func() error {
			counts, err := q.counter.CountBy(ctx, scope, q.column)
			if err != nil {
				return fmt.Errorf("failed to count by %s: %w", q.column, err)
			}
			mu.Lock()
			*q.into = Breakdown(counts)
			mu.Unlock()
			return nil
		})
	}
	return eg.Wait()
}

// Dashboard computes the landing page counts for the scope.
func (s *Service) Dashboard(ctx context.Context, scope tenancy.Scope) (*Dashboard, error) {
	var vehicles, requests, quotes, workOrders, invoices Breakdown
	err := collect(ctx, scope,
		query{s.src.Vehicles, "status", &vehicles},
		query{s.src.ServiceRequests, "status", &requests},
		query{s.src.Quotes, "status", &quotes},
		query{s.src.WorkOrders, "status", &workOrders},
		query{s.src.Invoices, "status", &invoices},
	)
	if err != nil {
		return nil, err
	}

	return &Dashboard{
		Vehicles:            vehicles.Total(),
		VehiclesByStatus:    vehicles,
		OpenServiceRequests: requests[fleet.RequestOpen] + requests[fleet.RequestQuoted] + requests[fleet.RequestApproved] + requests[fleet.RequestInProgress],
		PendingQuotes:       quotes[fleet.QuoteDraft] + quotes[fleet.QuoteSent],
		ActiveWorkOrders:    workOrders[fleet.WorkOrderOpen] + workOrders[fleet.WorkOrderInProgress] + workOrders[fleet.WorkOrderOnHold],
		UnpaidInvoices:      invoices[fleet.InvoiceIssued],
	}, nil
}

// Fleet computes the fleet report for the scope.
func (s *Service) Fleet(ctx context.Context, scope tenancy.Scope) (*FleetReport, error) {
	var r FleetReport
	err := collect(ctx, scope,
		query{s.src.Vehicles, "status", &r.VehiclesByStatus},
		query{s.src.WorkOrders, "status", &r.WorkOrdersByStatus},
		query{s.src.ServiceRequests, "priority", &r.ServiceRequestsPriority},
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Maintenance computes the maintenance pipeline report for the scope.
func (s *Service) Maintenance(ctx context.Context, scope tenancy.Scope) (*MaintenanceReport, error) {
	var r MaintenanceReport
	err := collect(ctx, scope,
		query{s.src.ServiceRequests, "status", &r.ServiceRequestsByStatus},
		query{s.src.Quotes, "status", &r.QuotesByStatus},
		query{s.src.WorkOrders, "status", &r.WorkOrdersByStatus},
		query{s.src.Invoices, "status", &r.InvoicesByStatus},
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}
