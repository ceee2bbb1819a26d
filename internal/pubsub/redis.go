package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// RedisPubSub implements PubSub using Redis pub/sub for horizontal scaling.
// A notice published by one relay instance reaches the receiver even when
// their WebSocket is held by a different instance.
type RedisPubSub struct {
	client        *redis.Client
	mu            sync.RWMutex
	subscriptions map[uint64]*redisSubscription
	nextID        atomic.Uint64
	closed        bool
	logger        *slog.Logger
}

// redisSubscription manages a single subscription to a Redis channel
type redisSubscription struct {
	ps      *RedisPubSub
	id      uint64
	topic   string
	pubsub  *redis.PubSub
	cancel  context.CancelFunc
	handler Handler
}

func (s *redisSubscription) Unsubscribe() error {
	s.cancel()
	if s.pubsub != nil {
		s.pubsub.Close()
	}
	s.ps.removeSub(s.id)
	return nil
}

// NewRedisPubSub creates a new Redis-backed pub/sub instance.
// url should be in the format: redis://host:port or redis://:password@host:port
func NewRedisPubSub(url string) (*RedisPubSub, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger := slog.Default().With("component", "pubsub", "backend", "redis")
	logger.Info("connected to Redis", "addr", opts.Addr)

	return &RedisPubSub{
		client:        client,
		subscriptions: make(map[uint64]*redisSubscription),
		logger:        logger,
	}, nil
}

// Publish sends a message to all subscribers of the topic across all instances.
func (ps *RedisPubSub) Publish(ctx context.Context, topic string, msg *Message) error {
	ps.mu.RLock()
	if ps.closed {
		ps.mu.RUnlock()
		return ErrClosed
	}
	ps.mu.RUnlock()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := ps.client.Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to redis: %w", err)
	}
	return nil
}

// Subscribe registers a handler for messages on the given topic.
// The subscription spans all instances - messages from any publisher will be received.
func (ps *RedisPubSub) Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error) {
	ps.mu.Lock()
	if ps.closed {
		ps.mu.Unlock()
		return nil, ErrClosed
	}

	redisPubSub := ps.client.Subscribe(ctx, topic)

	// Wait for subscription to be ready
	if _, err := redisPubSub.Receive(ctx); err != nil {
		ps.mu.Unlock()
		redisPubSub.Close()
		return nil, fmt.Errorf("failed to subscribe to redis channel: %w", err)
	}

	subCtx, cancel := context.WithCancel(context.Background())

	id := ps.nextID.Add(1)
	sub := &redisSubscription{
		ps:      ps,
		id:      id,
		topic:   topic,
		pubsub:  redisPubSub,
		cancel:  cancel,
		handler: handler,
	}

	ps.subscriptions[id] = sub
	ps.mu.Unlock()

	go ps.receiveMessages(subCtx, sub)

	return sub, nil
}

// receiveMessages listens for messages on the Redis channel and dispatches
// to the handler. Dispatch is inline so each subscriber observes messages
// in channel order.
func (ps *RedisPubSub) receiveMessages(ctx context.Context, sub *redisSubscription) {
	ch := sub.pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return
		case redisMsg, ok := <-ch:
			if !ok {
				return
			}

			var msg Message
			if err := json.Unmarshal([]byte(redisMsg.Payload), &msg); err != nil {
				ps.logger.Error("failed to unmarshal message", "error", err, "topic", sub.topic)
				continue
			}

			sub.handler(ctx, &msg)
		}
	}
}

func (ps *RedisPubSub) removeSub(id uint64) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	delete(ps.subscriptions, id)
}

// Close shuts down the pub/sub and all subscriptions
func (ps *RedisPubSub) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.closed {
		return nil
	}
	ps.closed = true

	for _, sub := range ps.subscriptions {
		sub.cancel()
		if sub.pubsub != nil {
			sub.pubsub.Close()
		}
	}
	ps.subscriptions = make(map[uint64]*redisSubscription)

	if err := ps.client.Close(); err != nil {
		return fmt.Errorf("failed to close redis client: %w", err)
	}
	return nil
}
