package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/duetapp/duet/internal/domain"
	"github.com/duetapp/duet/internal/pubsub"
)

// StoreChannel implements Channel over a Store for durability and a PubSub
// for live delivery. The store is the source of truth: subscription
// callbacks that need history re-read it rather than trusting message
// arrival order.
type StoreChannel struct {
	store  Store
	ps     pubsub.PubSub
	logger *slog.Logger
}

// NewStoreChannel creates a store-backed signaling channel
func NewStoreChannel(store Store, ps pubsub.PubSub, logger *slog.Logger) *StoreChannel {
	return &StoreChannel{
		store:  store,
		ps:     ps,
		logger: logger.With("component", "signaling"),
	}
}

func (c *StoreChannel) publish(ctx context.Context, topic, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error("marshal event", "type", eventType, "error", err)
		return
	}
	msg := &pubsub.Message{Topic: topic, Type: eventType, Payload: data}
	if err := c.ps.Publish(ctx, topic, msg); err != nil {
		c.logger.Error("publish event", "type", eventType, "topic", topic, "error", err)
	}
}

// PublishOffer implements Channel
func (c *StoreChannel) PublishOffer(ctx context.Context, callID uuid.UUID, from Identity, toID uuid.UUID, payload json.RawMessage) error {
	call := &domain.CallSession{
		ID:          callID,
		InitiatorID: from.ID,
		ReceiverID:  toID,
		Status:      domain.CallStatusRinging,
		CreatedAt:   time.Now(),
	}
	notice := &domain.IncomingCallNotice{
		CallID:          callID,
		From:            from.ID,
		FromDisplayName: from.DisplayName,
		Signal:          payload,
		CreatedAt:       time.Now(),
	}

	if err := c.store.CreateCallWithNotice(ctx, call, notice); err != nil {
		return fmt.Errorf("place call: %w", err)
	}

	c.publish(ctx, pubsub.Topics.User(toID.String()), EventTypeCallIncoming, notice)
	return nil
}

// PublishAnswer implements Channel
func (c *StoreChannel) PublishAnswer(ctx context.Context, callID uuid.UUID, from Identity, payload json.RawMessage) error {
	if err := c.store.AppendAnswer(ctx, callID, from.ID, payload); err != nil {
		return fmt.Errorf("append answer: %w", err)
	}

	call, err := c.store.GetCall(ctx, callID)
	if err != nil {
		return fmt.Errorf("load call after answer: %w", err)
	}

	event := CallEvent{
		Type:    EventTypeCallAnswered,
		CallID:  callID,
		FromID:  from.ID,
		Payload: payload,
	}
	c.publish(ctx, pubsub.Topics.User(call.InitiatorID.String()), EventTypeCallAnswered, event)
	return nil
}

// SubscribeIncoming implements Channel
func (c *StoreChannel) SubscribeIncoming(ctx context.Context, selfID uuid.UUID, fn func(domain.IncomingCallNotice)) (pubsub.Subscription, error) {
	sub, err := c.ps.Subscribe(ctx, pubsub.Topics.User(selfID.String()), func(ctx context.Context, msg *pubsub.Message) {
		if msg.Type != EventTypeCallIncoming {
			return
		}
		var notice domain.IncomingCallNotice
		if err := json.Unmarshal(msg.Payload, &notice); err != nil {
			c.logger.Error("unmarshal notice", "error", err)
			return
		}
		fn(notice)
	})
	if err != nil {
		return nil, err
	}

	// Replay a notice that arrived while the party was offline. The store
	// is authoritative, so a notice cleared before this point never fires.
	if notice, err := c.store.GetNotice(ctx, selfID); err != nil {
		c.logger.Error("fetch pending notice", "user_id", selfID, "error", err)
	} else if notice != nil {
		fn(*notice)
	}

	return sub, nil
}

// SubscribeCallEvents implements Channel
func (c *StoreChannel) SubscribeCallEvents(ctx context.Context, selfID uuid.UUID, fn func(CallEvent)) (pubsub.Subscription, error) {
	return c.ps.Subscribe(ctx, pubsub.Topics.User(selfID.String()), func(ctx context.Context, msg *pubsub.Message) {
		if msg.Type != EventTypeCallAnswered && msg.Type != EventTypeCallEnded {
			return
		}
		var event CallEvent
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			c.logger.Error("unmarshal call event", "error", err)
			return
		}
		fn(event)
	})
}

// SendChatFrame implements Channel
func (c *StoreChannel) SendChatFrame(ctx context.Context, frame domain.ChatFrame) error {
	if err := c.store.InsertChatFrame(ctx, &frame); err != nil {
		return fmt.Errorf("insert chat frame: %w", err)
	}
	c.publish(ctx, pubsub.Topics.Call(frame.CallID.String()), EventTypeChatFrame, frame)
	return nil
}

// SubscribeChatFrames implements Channel
func (c *StoreChannel) SubscribeChatFrames(ctx context.Context, callID uuid.UUID, fn func([]domain.ChatFrame)) (pubsub.Subscription, error) {
	deliver := func(ctx context.Context) {
		frames, err := c.store.ListChatFrames(ctx, callID)
		if err != nil {
			c.logger.Error("list chat frames", "call_id", callID, "error", err)
			return
		}
		fn(frames)
	}

	sub, err := c.ps.Subscribe(ctx, pubsub.Topics.Call(callID.String()), func(ctx context.Context, msg *pubsub.Message) {
		if msg.Type != EventTypeChatFrame {
			return
		}
		// Re-read the ordered history instead of appending the delivered
		// frame, so display order never depends on network arrival order.
		deliver(ctx)
	})
	if err != nil {
		return nil, err
	}

	deliver(ctx)
	return sub, nil
}

// Call implements Channel
func (c *StoreChannel) Call(ctx context.Context, callID uuid.UUID) (*domain.CallSession, error) {
	return c.store.GetCall(ctx, callID)
}

// MarkCallEnded implements Channel
func (c *StoreChannel) MarkCallEnded(ctx context.Context, callID uuid.UUID, status domain.CallStatus) error {
	call, err := c.store.GetCall(ctx, callID)
	if err != nil {
		return fmt.Errorf("load call: %w", err)
	}

	if err := c.store.MarkEnded(ctx, callID, status); err != nil {
		return fmt.Errorf("mark ended: %w", err)
	}

	// An unanswered invitation must not be replayed after the call is over
	if err := c.store.ClearNotice(ctx, call.ReceiverID, callID); err != nil {
		c.logger.Error("clear notice on call end", "call_id", callID, "error", err)
	}

	event := CallEvent{Type: EventTypeCallEnded, CallID: callID, Status: status}
	c.publish(ctx, pubsub.Topics.User(call.InitiatorID.String()), EventTypeCallEnded, event)
	c.publish(ctx, pubsub.Topics.User(call.ReceiverID.String()), EventTypeCallEnded, event)
	return nil
}

// ClearNotice implements Channel
func (c *StoreChannel) ClearNotice(ctx context.Context, userID, callID uuid.UUID) error {
	return c.store.ClearNotice(ctx, userID, callID)
}

// Notice implements Channel
func (c *StoreChannel) Notice(ctx context.Context, userID uuid.UUID) (*domain.IncomingCallNotice, error) {
	return c.store.GetNotice(ctx, userID)
}
