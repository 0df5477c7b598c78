package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/platinummonkey/fleetwise/pkg/observability"
)

// MessageWriter is the producing half of a kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MessageReader is the consuming half of a kafka.Reader.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaConfig configures the Kafka transport.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	// GroupID defaults to a per-process group so that every instance
	// consumes every broadcast.
	GroupID string
}

// KafkaTransport publishes broadcasts to a topic keyed by channel and relays
// consumed messages to its local Hub.
type KafkaTransport struct {
	writer MessageWriter
	reader MessageReader
	hub    *Hub
	logger *observability.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// NewKafkaTransport connects a writer and a reader for cfg.Topic.
func NewKafkaTransport(cfg KafkaConfig, logger *observability.Logger) (*KafkaTransport, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("kafka brokers and topic are required")
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "fleetwise-realtime-" + uuid.NewString()
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		StartOffset:    kafka.LastOffset,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
	})
	return newKafkaTransport(writer, reader, logger), nil
}

func newKafkaTransport(writer MessageWriter, reader MessageReader, logger *observability.Logger) *KafkaTransport {
	if logger == nil {
		logger = observability.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &KafkaTransport{
		writer: writer,
		reader: reader,
		hub:    NewHub(0),
		logger: logger.WithField("transport", "kafka"),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go t.consume(ctx)
	return t
}

func (t *KafkaTransport) consume(ctx context.Context) {
	defer close(t.done)
	for {
		km, err := t.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			t.logger.WithError(err).Warn("failed to read broadcast")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		var m Message
		if err := json.Unmarshal(km.Value, &m); err != nil {
			t.logger.WithError(err).Warn("dropping malformed broadcast")
			continue
		}
		_ = t.hub.Publish(ctx, m)
	}
}

// Publish writes msgs keyed by channel so that one channel's events stay
// ordered within a partition.
func (t *KafkaTransport) Publish(ctx context.Context, msgs ...Message) error {
	out := make([]kafka.Message, 0, len(msgs))
	for _, m := range msgs {
		payload, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("failed to encode broadcast: %w", err)
		}
		out = append(out, kafka.Message{Key: []byte(m.Channel), Value: payload})
	}
	if err := t.writer.WriteMessages(ctx, out...); err != nil {
		return fmt.Errorf("failed to publish broadcast: %w", err)
	}
	return nil
}

// Subscribe registers a local subscription.
func (t *KafkaTransport) Subscribe(ctx context.Context, channels ...string) (*Subscription, error) {
	return t.hub.Subscribe(ctx, channels...)
}

// Close stops consuming and closes both Kafka clients.
func (t *KafkaTransport) Close() error {
	t.cancel()
	<-t.done
	_ = t.hub.Close()
	return errors.Join(t.writer.Close(), t.reader.Close())
}
