package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisTransport(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	// two transports on one broker stand in for two instances
	a, err := NewRedisTransport(ctx, client, "test:bc:", nil)
	require.NoError(t, err)
	defer a.Close()
	b, err := NewRedisTransport(ctx, client, "test:bc:", nil)
	require.NoError(t, err)
	defer b.Close()

	sub, err := b.Subscribe(ctx, "tenant.1")
	require.NoError(t, err)
	other, err := b.Subscribe(ctx, "tenant.2")
	require.NoError(t, err)

	msgs, err := Event{Name: EventServiceRequestCreated, Channels: []string{"tenant.1"}, Data: map[string]int{"id": 5}}.Messages()
	require.NoError(t, err)
	require.NoError(t, a.Publish(ctx, msgs...))

	m := receive(t, sub)
	assert.Equal(t, EventServiceRequestCreated, m.Event)
	assert.Equal(t, "tenant.1", m.Channel)
	assert.JSONEq(t, `{"id":5}`, string(m.Data))

	select {
	case m := <-other.C():
		t.Fatalf("unexpected delivery %v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRedisTransport_CloseEndsSubscriptions(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	tr, err := NewRedisTransport(context.Background(), client, "", nil)
	require.NoError(t, err)
	sub, err := tr.Subscribe(context.Background(), "user.1")
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	_, open := <-sub.C()
	assert.False(t, open)
}

func TestRedisTransport_SubscribeFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := NewRedisTransport(ctx, client, "", nil)
	assert.Error(t, err)
}

// loopback is an in-memory topic shared by a fake writer and reader.
type loopback struct {
	mu      sync.Mutex
	written []kafka.Message
	ch      chan kafka.Message
	closed  int
}

func newLoopback() *loopback {
	return &loopback{ch: make(chan kafka.Message, 16)}
}

func (l *loopback) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	l.mu.Lock()
	l.written = append(l.written, msgs...)
	l.mu.Unlock()
	for _, m := range msgs {
		l.ch <- m
	}
	return nil
}

func (l *loopback) ReadMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-l.ch:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (l *loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed++
	return nil
}

func TestKafkaTransport(t *testing.T) {
	topic := newLoopback()
	tr := newKafkaTransport(topic, topic, nil)
	ctx := context.Background()

	sub, err := tr.Subscribe(ctx, "vehicle.4")
	require.NoError(t, err)

	// garbage on the topic is skipped
	topic.ch <- kafka.Message{Value: []byte("not json")}

	msgs, err := Event{Name: EventVehicleStatusUpdated, Channels: []string{"vehicle.4"}, Data: map[string]string{"status": "retired"}}.Messages()
	require.NoError(t, err)
	require.NoError(t, tr.Publish(ctx, msgs...))

	m := receive(t, sub)
	assert.Equal(t, EventVehicleStatusUpdated, m.Event)
	assert.JSONEq(t, `{"status":"retired"}`, string(m.Data))

	topic.mu.Lock()
	require.Len(t, topic.written, 1)
	assert.Equal(t, "vehicle.4", string(topic.written[0].Key))
	topic.mu.Unlock()

	require.NoError(t, tr.Close())
	assert.Equal(t, 2, topic.closed)
	_, open := <-sub.C()
	assert.False(t, open)
}

func TestNewKafkaTransport_RequiresBrokers(t *testing.T) {
	_, err := NewKafkaTransport(KafkaConfig{Topic: "broadcasts"}, nil)
	assert.Error(t, err)
	_, err = NewKafkaTransport(KafkaConfig{Brokers: []string{"localhost:9092"}}, nil)
	assert.Error(t, err)
}
