package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/fleetwise/pkg/observability"
)

// RedisTransport publishes through Redis pub/sub. Each instance holds one
// pattern subscription and fans received messages out to its local Hub.
type RedisTransport struct {
	client *redis.Client
	prefix string
	hub    *Hub
	pubsub *redis.PubSub
	logger *observability.Logger
	done   chan struct{}
}

// NewRedisTransport subscribes to prefix* and starts relaying. It returns
// once the subscription is confirmed by the server.
func NewRedisTransport(ctx context.Context, client *redis.Client, prefix string, logger *observability.Logger) (*RedisTransport, error) {
	if prefix == "" {
		prefix = "fleetwise:broadcast:"
	}
	if logger == nil {
		logger = observability.Default()
	}

	pubsub := client.PSubscribe(ctx, prefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to broadcasts: %w", err)
	}

	t := &RedisTransport{
		client: client,
		prefix: prefix,
		hub:    NewHub(0),
		pubsub: pubsub,
		logger: logger.WithField("transport", "redis"),
		done:   make(chan struct{}),
	}
	go t.relay()
	return t, nil
}

func (t *RedisTransport) relay() {
	defer close(t.done)
	for msg := range t.pubsub.Channel() {
		var m Message
		if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
			t.logger.WithError(err).WithField("channel", msg.Channel).Warn("dropping malformed broadcast")
			continue
		}
		if m.Channel == "" {
			m.Channel = strings.TrimPrefix(msg.Channel, t.prefix)
		}
		_ = t.hub.Publish(context.Background(), m)
	}
}

// Publish sends msgs to every instance.
func (t *RedisTransport) Publish(ctx context.Context, msgs ...Message) error {
	pipe := t.client.Pipeline()
	for _, m := range msgs {
		payload, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("failed to encode broadcast: %w", err)
		}
		pipe.Publish(ctx, t.prefix+m.Channel, payload)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish broadcast: %w", err)
	}
	return nil
}

// Subscribe registers a local subscription.
func (t *RedisTransport) Subscribe(ctx context.Context, channels ...string) (*Subscription, error) {
	return t.hub.Subscribe(ctx, channels...)
}

// Close stops relaying and ends local subscriptions.
func (t *RedisTransport) Close() error {
	err := t.pubsub.Close()
	<-t.done
	_ = t.hub.Close()
	return err
}
