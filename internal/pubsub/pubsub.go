// Package pubsub provides an interface-driven pub/sub system used as the
// live-subscription half of the signaling store. A single-instance
// deployment uses the in-memory implementation; Redis enables running
// multiple relay instances behind a load balancer.
package pubsub

import (
	"context"
	"encoding/json"
)

// Message represents a pub/sub message with typed payload
type Message struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Handler is a callback for processing messages
type Handler func(ctx context.Context, msg *Message)

// Subscription represents an active subscription that can be closed
type Subscription interface {
	// Unsubscribe removes the subscription
	Unsubscribe() error
}

// PubSub defines the interface for publish/subscribe operations.
// All implementations must be safe for concurrent use.
type PubSub interface {
	// Publish sends a message to all subscribers of the given topic.
	// Returns error if the message could not be published.
	Publish(ctx context.Context, topic string, msg *Message) error

	// Subscribe registers a handler for messages on the given topic.
	// The handler is called for each message published to the topic.
	// Returns a Subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error)

	// Close shuts down the pub/sub system and releases resources.
	Close() error
}

// TopicBuilder helps construct consistent topic names
type TopicBuilder struct{}

// User returns the topic carrying a user's incoming-call notices and
// call lifecycle events (answer arrived, call ended).
func (t TopicBuilder) User(userID string) string {
	return "user:" + userID
}

// Call returns the topic carrying a call's chat frames
func (t TopicBuilder) Call(callID string) string {
	return "call:" + callID
}

// Topics is a helper for building topic names
var Topics = TopicBuilder{}
