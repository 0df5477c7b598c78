package realtime

import (
	"encoding/json"
	"fmt"
)

// Broadcast event names.
const (
	EventNotificationSent       = "notification.sent"
	EventVehicleStatusUpdated   = "vehicle.status-updated"
	EventWorkOrderStatusChanged = "work-order.status-changed"
	EventServiceRequestCreated  = "service-request.created"
	EventQuoteApproved          = "quote.approved"
)

// Event is one domain event published to one or more channels.
type Event struct {
	Name     string
	Channels []string
	Data     interface{}
}

// Message is the wire form delivered to subscribers: one per channel.
type Message struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// Messages expands the event into its per-channel wire messages.
func (e Event) Messages() ([]Message, error) {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", e.Name, err)
	}
	out := make([]Message, 0, len(e.Channels))
	for _, ch := range e.Channels {
		out = append(out, Message{Event: e.Name, Channel: ch, Data: data})
	}
	return out, nil
}

// UserChannel is the private channel of one user.
func UserChannel(userID int64) string { return fmt.Sprintf("%s.%d", KindUser, userID) }

// TenantChannel carries events for every member of a tenant.
func TenantChannel(tenantID int64) string { return fmt.Sprintf("%s.%d", KindTenant, tenantID) }

// VehicleChannel carries events about one vehicle.
func VehicleChannel(vehicleID int64) string { return fmt.Sprintf("%s.%d", KindVehicle, vehicleID) }

// ServiceRequestChannel carries events about one service request.
func ServiceRequestChannel(id int64) string { return fmt.Sprintf("%s.%d", KindServiceRequest, id) }
