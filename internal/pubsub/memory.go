package pubsub

import (
	"context"
	"log/slog"
	"sync"
)

const subscriptionBuffer = 64

// memorySubscription is a subscription to a topic. Each subscription owns
// a buffered queue drained by a single goroutine, so a subscriber observes
// messages in publish order even though publishers never block.
type memorySubscription struct {
	ps      *MemoryPubSub
	topic   string
	handler Handler
	id      uint64
	queue   chan *Message
	done    chan struct{}
	once    sync.Once
}

func (s *memorySubscription) Unsubscribe() error {
	s.ps.unsubscribe(s.topic, s.id)
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *memorySubscription) run() {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.queue:
			s.handler(context.Background(), msg)
		}
	}
}

// MemoryPubSub implements PubSub using an in-memory map.
// Suitable for single-instance deployments and tests.
type MemoryPubSub struct {
	mu          sync.RWMutex
	subscribers map[string]map[uint64]*memorySubscription
	nextID      uint64
	closed      bool
	logger      *slog.Logger
}

// NewMemoryPubSub creates a new in-memory pub/sub instance
func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{
		subscribers: make(map[string]map[uint64]*memorySubscription),
		logger:      slog.Default().With("component", "pubsub"),
	}
}

// Publish sends a message to all subscribers of the topic. Publishing to a
// topic with no subscribers is not an error: the durable store is the
// source of truth and offline parties catch up when they subscribe.
func (ps *MemoryPubSub) Publish(ctx context.Context, topic string, msg *Message) error {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	if ps.closed {
		return ErrClosed
	}

	for _, sub := range ps.subscribers[topic] {
		select {
		case sub.queue <- msg:
		default:
			// Slow subscriber; drop rather than block the publisher.
			ps.logger.Warn("subscriber queue full, dropping message", "topic", topic, "msg_type", msg.Type)
		}
	}
	return nil
}

// Subscribe registers a handler for the given topic
func (ps *MemoryPubSub) Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.closed {
		return nil, ErrClosed
	}

	ps.nextID++
	sub := &memorySubscription{
		ps:      ps,
		topic:   topic,
		handler: handler,
		id:      ps.nextID,
		queue:   make(chan *Message, subscriptionBuffer),
		done:    make(chan struct{}),
	}

	if ps.subscribers[topic] == nil {
		ps.subscribers[topic] = make(map[uint64]*memorySubscription)
	}
	ps.subscribers[topic][sub.id] = sub

	go sub.run()

	return sub, nil
}

func (ps *MemoryPubSub) unsubscribe(topic string, id uint64) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if subs, ok := ps.subscribers[topic]; ok {
		delete(subs, id)
		if len(subs) == 0 {
			delete(ps.subscribers, topic)
		}
	}
}

// Close shuts down the pub/sub and prevents new operations
func (ps *MemoryPubSub) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.closed {
		return nil
	}
	ps.closed = true
	for _, subs := range ps.subscribers {
		for _, sub := range subs {
			sub.once.Do(func() { close(sub.done) })
		}
	}
	ps.subscribers = make(map[string]map[uint64]*memorySubscription)
	return nil
}

// SubscriberCount returns the number of subscribers for a topic (useful for testing)
func (ps *MemoryPubSub) SubscriberCount(topic string) int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.subscribers[topic])
}

// TopicCount returns the number of active topics (useful for testing)
func (ps *MemoryPubSub) TopicCount() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.subscribers)
}
