package notifications

import (
	"context"
	"time"

	"github.com/platinummonkey/fleetwise/pkg/observability"
	"github.com/platinummonkey/fleetwise/pkg/realtime"
	"github.com/platinummonkey/fleetwise/pkg/tenancy"
)

// Recipients reports whether a user belongs to a tenant.
type Recipients interface {
	Exists(ctx context.Context, scope tenancy.Scope, id int64) (bool, error)
}

// Dispatcher records notifications and delivers them.
type Dispatcher struct {
	store      *Store
	recipients Recipients
	publisher  realtime.Publisher
	metrics    *observability.Metrics
	now        func() time.Time
}

// NewDispatcher creates a dispatcher. publisher and metrics may be nil.
func NewDispatcher(store *Store, recipients Recipients, publisher realtime.Publisher, metrics *observability.Metrics) *Dispatcher {
	return &Dispatcher{
		store:      store,
		recipients: recipients,
		publisher:  publisher,
		metrics:    metrics,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the timestamp source.
func (d *Dispatcher) SetClock(now func() time.Time) {
	d.now = now
}

// Send records a notification for recipientID and delivers it on channel.
//
// A recipient outside tenantID, or one that does not exist, is logged and
// ignored: nothing is stored and nothing is broadcast, and Send returns
// (nil, nil). Deliverable channels end in sent and publish notification.sent
// on the recipient's user channel; any other channel ends in failed.
func (d *Dispatcher) Send(ctx context.Context, tenantID, recipientID int64, template string, payload Payload, channel string) (*Notification, error) {
	logger := observability.FromContext(ctx).WithFields(map[string]interface{}{
		"tenant_id":    tenantID,
		"recipient_id": recipientID,
		"template":     template,
		"channel":      channel,
	})

	scope := tenancy.ForTenant(tenantID)
	if !scope.Valid() {
		logger.Warn("notification skipped: no tenant")
		return nil, nil
	}
	ok, err := d.recipients.Exists(ctx, scope, recipientID)
	if err != nil {
		return nil, err
	}
	if !ok {
		logger.Warn("notification skipped: recipient is not a member of the tenant")
		return nil, nil
	}

	n := &Notification{RecipientID: recipientID, Channel: channel, Template: template, Payload: payload}
	if err := d.store.Create(ctx, scope, n); err != nil {
		return nil, err
	}

	to := StatusFailed
	if Deliverable(channel) {
		to = StatusSent
	}
	moved, err := d.store.Finish(ctx, scope, n, to, d.now())
	if err != nil {
		return n, err
	}
	if !moved {
		logger.WithField("notification_id", n.ID).Info("notification already finished")
		return n, nil
	}
	d.metrics.RecordNotification(channel, string(n.Status))

	if n.Status != StatusSent {
		logger.WithField("notification_id", n.ID).Warn("notification failed: unsupported channel")
		return n, nil
	}
	if d.publisher != nil {
		d.publisher.Broadcast(ctx, realtime.Event{
			Name:     realtime.EventNotificationSent,
			Channels: []string{realtime.UserChannel(recipientID)},
			Data:     n.Projection(),
		})
	}
	return n, nil
}

// Handle processes a queued job.
func (d *Dispatcher) Handle(ctx context.Context, job Job) error {
	ctx = observability.WithLogger(ctx, observability.FromContext(ctx).WithField("job_id", job.ID))
	_, err := d.Send(ctx, job.TenantID, job.RecipientID, job.Template, job.Payload, job.Channel)
	return err
}
