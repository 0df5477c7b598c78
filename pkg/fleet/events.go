package fleet

import (
	"context"
	"time"

	"github.com/platinummonkey/fleetwise/pkg/realtime"
)

type vehicleStatusUpdated struct {
	ID             int64     `json:"id"`
	Status         string    `json:"status"`
	PreviousStatus string    `json:"previous_status"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type workOrderStatusChanged struct {
	ID             int64     `json:"id"`
	VehicleID      int64     `json:"vehicle_id"`
	Status         string    `json:"status"`
	PreviousStatus string    `json:"previous_status"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type serviceRequestCreated struct {
	ID        int64     `json:"id"`
	VehicleID int64     `json:"vehicle_id"`
	Title     string    `json:"title"`
	Priority  string    `json:"priority"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

type quoteApproved struct {
	ID               int64      `json:"id"`
	ServiceRequestID int64      `json:"service_request_id"`
	AmountCents      int64      `json:"amount_cents"`
	Currency         string     `json:"currency"`
	ApprovedBy       *int64     `json:"approved_by"`
	ApprovedAt       *time.Time `json:"approved_at"`
}

func vehicleStatusEvent(v *Vehicle, previous string) realtime.Event {
	return realtime.Event{
		Name:     realtime.EventVehicleStatusUpdated,
		Channels: []string{realtime.TenantChannel(v.TenantID), realtime.VehicleChannel(v.ID)},
		Data:     vehicleStatusUpdated{ID: v.ID, Status: v.Status, PreviousStatus: previous, UpdatedAt: v.UpdatedAt},
	}
}

func workOrderStatusEvent(w *WorkOrder, previous string) realtime.Event {
	return realtime.Event{
		Name:     realtime.EventWorkOrderStatusChanged,
		Channels: []string{realtime.TenantChannel(w.TenantID), realtime.VehicleChannel(w.VehicleID)},
		Data: workOrderStatusChanged{
			ID:             w.ID,
			VehicleID:      w.VehicleID,
			Status:         w.Status,
			PreviousStatus: previous,
			UpdatedAt:      w.UpdatedAt,
		},
	}
}

func serviceRequestEvent(s *ServiceRequest) realtime.Event {
	return realtime.Event{
		Name:     realtime.EventServiceRequestCreated,
		Channels: []string{realtime.TenantChannel(s.TenantID)},
		Data: serviceRequestCreated{
			ID:        s.ID,
			VehicleID: s.VehicleID,
			Title:     s.Title,
			Priority:  s.Priority,
			Status:    s.Status,
			CreatedAt: s.CreatedAt,
		},
	}
}

func quoteApprovedEvent(q *Quote) realtime.Event {
	return realtime.Event{
		Name:     realtime.EventQuoteApproved,
		Channels: []string{realtime.TenantChannel(q.TenantID), realtime.ServiceRequestChannel(q.ServiceRequestID)},
		Data: quoteApproved{
			ID:               q.ID,
			ServiceRequestID: q.ServiceRequestID,
			AmountCents:      q.AmountCents,
			Currency:         q.Currency,
			ApprovedBy:       q.ApprovedBy,
			ApprovedAt:       q.ApprovedAt,
		},
	}
}

type nopPublisher struct{}

func (nopPublisher) Broadcast(context.Context, realtime.Event) {}
