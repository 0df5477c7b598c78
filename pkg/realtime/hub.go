package realtime

import (
	"context"
	"sync"
	"sync/atomic"
)

const defaultSubscriptionBuffer = 64

// Transport moves messages from publishers to subscribers. The memory Hub
// serves a single process; the Redis and Kafka transports relay through a
// broker so that subscribers on every instance receive every message.
type Transport interface {
	Publish(ctx context.Context, msgs ...Message) error
	Subscribe(ctx context.Context, channels ...string) (*Subscription, error)
	Close() error
}

// Subscription receives messages for a fixed set of channels until closed.
type Subscription struct {
	ch       chan Message
	channels []string
	hub      *Hub
	once     sync.Once
}

// C returns the delivery channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Message { return s.ch }

// Channels returns the subscribed channel names.
func (s *Subscription) Channels() []string { return s.channels }

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.remove(s) })
}

// Hub fans messages out to in-process subscribers. A subscriber that falls
// behind loses messages rather than blocking publishers.
type Hub struct {
	buffer int

	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	closed bool

	dropped atomic.Int64
}

// NewHub creates a hub whose subscriptions buffer up to buffer messages.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultSubscriptionBuffer
	}
	return &Hub{buffer: buffer, subs: make(map[string]map[*Subscription]struct{})}
}

// Publish delivers msgs to current subscribers.
func (h *Hub) Publish(ctx context.Context, msgs ...Message) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, m := range msgs {
		for sub := range h.subs[m.Channel] {
			select {
			case sub.ch <- m:
			default:
				h.dropped.Add(1)
			}
		}
	}
	return nil
}

// Subscribe registers a subscription for channels.
func (h *Hub) Subscribe(ctx context.Context, channels ...string) (*Subscription, error) {
	sub := &Subscription{
		ch:       make(chan Message, h.buffer),
		channels: append([]string(nil), channels...),
		hub:      h,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.ch)
		return sub, nil
	}
	for _, c := range channels {
		set, ok := h.subs[c]
		if !ok {
			set = make(map[*Subscription]struct{})
			h.subs[c] = set
		}
		set[sub] = struct{}{}
	}
	return sub, nil
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for _, c := range sub.channels {
		if set, ok := h.subs[c]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(h.subs, c)
			}
		}
	}
	close(sub.ch)
}

// Subscribers returns the number of subscriptions on channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[channel])
}

// Dropped returns how many deliveries were skipped for slow subscribers.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Close ends every subscription.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true

	seen := make(map[*Subscription]struct{})
	for _, set := range h.subs {
		for sub := range set {
			if _, ok := seen[sub]; !ok {
				seen[sub] = struct{}{}
				close(sub.ch)
			}
		}
	}
	h.subs = make(map[string]map[*Subscription]struct{})
	return nil
}
