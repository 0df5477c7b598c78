package notifications

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/platinummonkey/fleetwise/pkg/tenancy"
)

// Delivery channels.
const (
	ChannelInApp = "in_app"
	ChannelEmail = "email"
)

// Status is a notification's delivery state. The only transitions are
// pending to sent and pending to failed.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Deliverable reports whether channel is one the dispatcher can deliver on.
func Deliverable(channel string) bool {
	return channel == ChannelInApp || channel == ChannelEmail
}

// Payload is an opaque JSON object attached to a notification.
type Payload map[string]interface{}

// Value stores the payload as JSON text.
func (p Payload) Value() (driver.Value, error) {
	if p == nil {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return string(b), nil
}

// Scan reads a JSON object column.
func (p *Payload) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*p = Payload{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into payload", src)
	}
	out := Payload{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}
	*p = out
	return nil
}

// Notification is one message addressed to one user.
type Notification struct {
	tenancy.Record
	RecipientID int64      `json:"recipient_id"`
	Channel     string     `json:"channel"`
	Template    string     `json:"template"`
	Payload     Payload    `json:"payload"`
	Status      Status     `json:"status"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
}

// Broadcast is the projection published with notification.sent.
type Broadcast struct {
	ID       int64      `json:"id"`
	Channel  string     `json:"channel"`
	Template string     `json:"template"`
	Payload  Payload    `json:"payload"`
	Status   Status     `json:"status"`
	SentAt   *time.Time `json:"sent_at"`
}

// Projection returns the realtime payload for n.
func (n *Notification) Projection() Broadcast {
	return Broadcast{
		ID:       n.ID,
		Channel:  n.Channel,
		Template: n.Template,
		Payload:  n.Payload,
		Status:   n.Status,
		SentAt:   n.SentAt,
	}
}

// Job is a queued Send request.
type Job struct {
	ID          string    `json:"id"`
	TenantID    int64     `json:"tenant_id"`
	RecipientID int64     `json:"recipient_id"`
	Template    string    `json:"template"`
	Payload     Payload   `json:"payload"`
	Channel     string    `json:"channel"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}
