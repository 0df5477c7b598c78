package realtime

import (
	"context"
	"time"

	"github.com/platinummonkey/fleetwise/pkg/async"
	"github.com/platinummonkey/fleetwise/pkg/observability"
)

// Publisher broadcasts domain events. Broadcast is fire-and-forget: it never
// fails the caller.
type Publisher interface {
	Broadcast(ctx context.Context, event Event)
}

// Broadcaster publishes events on a Transport.
type Broadcaster struct {
	transport Transport
	metrics   *observability.Metrics
	timeout   time.Duration
}

// NewBroadcaster creates a broadcaster. metrics may be nil.
func NewBroadcaster(transport Transport, metrics *observability.Metrics) *Broadcaster {
	return &Broadcaster{transport: transport, metrics: metrics, timeout: 5 * time.Second}
}

// Publish sends event synchronously.
func (b *Broadcaster) Publish(ctx context.Context, event Event) error {
	msgs, err := event.Messages()
	if err == nil {
		err = b.transport.Publish(ctx, msgs...)
	}
	b.metrics.RecordBroadcast(event.Name, err)
	return err
}

// Broadcast publishes in the background; failures are logged.
func (b *Broadcaster) Broadcast(ctx context.Context, event Event) {
	if len(event.Channels) == 0 {
		return
	}
	async.SafeGo(ctx, b.timeout, "broadcast "+event.Name, func(ctx context.Context) error {
		return b.Publish(ctx, event)
	})
}

// Transport returns the underlying transport, used by the socket endpoint.
func (b *Broadcaster) Transport() Transport { return b.transport }
