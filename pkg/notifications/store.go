package notifications

import (
	"context"
	"time"

	"github.com/platinummonkey/fleetwise/pkg/apperr"
	"github.com/platinummonkey/fleetwise/pkg/tenancy"
)

type notificationMapper struct{}

func (notificationMapper) Table() string { return "notifications" }

func (notificationMapper) Columns() []string {
	return []string{"recipient_id", "channel", "template", "payload", "status", "sent_at", "read_at"}
}

func (notificationMapper) Record(n *Notification) *tenancy.Record { return &n.Record }

func (notificationMapper) Fields(n *Notification) []interface{} {
	return []interface{}{&n.RecipientID, &n.Channel, &n.Template, &n.Payload, &n.Status, &n.SentAt, &n.ReadAt}
}

// Store persists notifications.
type Store struct {
	repo *tenancy.Repository[Notification]
}

// NewStore creates a notification store.
func NewStore(db tenancy.DBTX) *Store {
	return &Store{repo: tenancy.NewRepository[Notification](db, notificationMapper{}, "notification")}
}

// SetClock overrides the timestamp source.
func (s *Store) SetClock(now func() time.Time) {
	s.repo.SetClock(now)
}

// Create inserts n as pending.
func (s *Store) Create(ctx context.Context, scope tenancy.Scope, n *Notification) error {
	n.Status = StatusPending
	n.SentAt = nil
	n.ReadAt = nil
	if n.Payload == nil {
		n.Payload = Payload{}
	}
	return s.repo.Create(ctx, scope, n)
}

// Get loads a notification addressed to recipientID. Other users'
// notifications are reported as not found.
func (s *Store) Get(ctx context.Context, scope tenancy.Scope, recipientID, id int64) (*Notification, error) {
	n, err := s.repo.Get(ctx, scope, id)
	if err != nil {
		return nil, err
	}
	if n.RecipientID != recipientID {
		return nil, apperr.NotFound("notification")
	}
	return n, nil
}

// ListFilter narrows ListForRecipient.
type ListFilter struct {
	Status Status
	Limit  int
	Offset int
}

// ListForRecipient returns recipientID's notifications, newest first.
func (s *Store) ListForRecipient(ctx context.Context, scope tenancy.Scope, recipientID int64, f ListFilter) ([]*Notification, error) {
	conds := []tenancy.Cond{tenancy.Eq("recipient_id", recipientID)}
	if f.Status != "" {
		conds = append(conds, tenancy.Eq("status", f.Status))
	}
	return s.repo.List(ctx, scope, tenancy.ListOptions{Conds: conds, Limit: f.Limit, Offset: f.Offset})
}

// CountByStatus counts the tenant's notifications per status.
func (s *Store) CountByStatus(ctx context.Context, scope tenancy.Scope) (map[string]int64, error) {
	return s.repo.CountBy(ctx, scope, "status")
}

// Finish moves a pending notification to sent or failed. It returns false
// when the notification had already left pending.
func (s *Store) Finish(ctx context.Context, scope tenancy.Scope, n *Notification, to Status, at time.Time) (bool, error) {
	set := []tenancy.Cond{tenancy.Eq("status", to)}
	if to == StatusSent {
		set = append(set, tenancy.Eq("sent_at", at))
	}
	ok, err := s.repo.UpdateWhere(ctx, scope, n.ID, set, tenancy.Eq("status", StatusPending))
	if err != nil || !ok {
		return ok, err
	}
	n.Status = to
	if to == StatusSent {
		n.SentAt = &at
	}
	return true, nil
}

// MarkRead stamps read_at on a notification addressed to recipientID.
func (s *Store) MarkRead(ctx context.Context, scope tenancy.Scope, recipientID, id int64, at time.Time) error {
	ok, err := s.repo.UpdateWhere(ctx, scope, id,
		[]tenancy.Cond{tenancy.Eq("read_at", at)},
		tenancy.Eq("recipient_id", recipientID))
	if err != nil {
		return err
	}
	if !ok {
		return apperr.NotFound("notification")
	}
	return nil
}

// Delete removes a notification addressed to recipientID.
func (s *Store) Delete(ctx context.Context, scope tenancy.Scope, recipientID, id int64) error {
	if _, err := s.Get(ctx, scope, recipientID, id); err != nil {
		return err
	}
	return s.repo.Delete(ctx, scope, id)
}
