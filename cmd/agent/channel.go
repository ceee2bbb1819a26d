package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	gws "github.com/gorilla/websocket"
	"github.com/google/uuid"

	"github.com/duetapp/duet/internal/domain"
	"github.com/duetapp/duet/internal/pubsub"
	"github.com/duetapp/duet/internal/signaling"
	"github.com/duetapp/duet/internal/websocket"
)

// gatewayChannel implements signaling.Channel over a gateway WebSocket
// connection. The gateway assigns call IDs on invite, so outbound calls
// carry a local-to-gateway ID mapping; inbound calls use the gateway's ID
// directly and need none.
type gatewayChannel struct {
	conn   *gws.Conn
	logger *slog.Logger

	writeMu sync.Mutex // serializes writes to conn

	mu         sync.Mutex
	localID    uuid.UUID // outbound call ID chosen by the coordinator
	gatewayID  uuid.UUID // the gateway's ID for the same call
	placed     chan placedResult
	onIncoming func(domain.IncomingCallNotice)
	onEvent    func(signaling.CallEvent)
	chatCallID uuid.UUID // gateway-side ID of the watched chat feed
	onChat     func([]domain.ChatFrame)

	authResult chan authResult
	config     chan websocket.CallConfigPayload
}

type placedResult struct {
	callID uuid.UUID
	err    error
}

type authResult struct {
	payload websocket.AuthSuccessPayload
	err     error
}

func newGatewayChannel(conn *gws.Conn, logger *slog.Logger) *gatewayChannel {
	return &gatewayChannel{
		conn:       conn,
		logger:     logger.With("component", "gateway_channel"),
		authResult: make(chan authResult, 1),
		config:     make(chan websocket.CallConfigPayload, 1),
	}
}

// authenticate sends the auth event and waits for the gateway to confirm
// and hand back the ICE configuration.
func (c *gatewayChannel) authenticate(ctx context.Context, token string) (websocket.AuthSuccessPayload, websocket.CallConfigPayload, error) {
	if err := c.send(websocket.EventTypeAuth, websocket.AuthPayload{Token: token}); err != nil {
		return websocket.AuthSuccessPayload{}, websocket.CallConfigPayload{}, err
	}

	var auth websocket.AuthSuccessPayload
	select {
	case res := <-c.authResult:
		if res.err != nil {
			return websocket.AuthSuccessPayload{}, websocket.CallConfigPayload{}, res.err
		}
		auth = res.payload
	case <-ctx.Done():
		return websocket.AuthSuccessPayload{}, websocket.CallConfigPayload{}, ctx.Err()
	}

	select {
	case cfg := <-c.config:
		return auth, cfg, nil
	case <-ctx.Done():
		return websocket.AuthSuccessPayload{}, websocket.CallConfigPayload{}, ctx.Err()
	}
}

// readLoop pumps gateway events until the connection drops.
func (c *gatewayChannel) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.logger.Info("gateway connection closed", "error", err)
			return
		}
		var msg websocket.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("malformed gateway message", "error", err)
			continue
		}
		c.dispatch(&msg)
	}
}

func (c *gatewayChannel) dispatch(msg *websocket.Message) {
	switch msg.Type {
	case websocket.EventTypeAuthSuccess:
		var p websocket.AuthSuccessPayload
		if err := json.Unmarshal(msg.Payload, &p); err == nil {
			select {
			case c.authResult <- authResult{payload: p}:
			default:
			}
		}

	case websocket.EventTypeCallConfig:
		var p websocket.CallConfigPayload
		if err := json.Unmarshal(msg.Payload, &p); err == nil {
			select {
			case c.config <- p:
			default:
			}
		}

	case websocket.EventTypeCallPlaced:
		var p websocket.CallPlacedPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		c.mu.Lock()
		waiter := c.placed
		c.placed = nil
		c.mu.Unlock()
		if waiter != nil {
			waiter <- placedResult{callID: p.CallID}
		}

	case websocket.EventTypeCallIncoming:
		var n domain.IncomingCallNotice
		if err := json.Unmarshal(msg.Payload, &n); err != nil {
			return
		}
		c.mu.Lock()
		fn := c.onIncoming
		c.mu.Unlock()
		if fn != nil {
			fn(n)
		}

	case websocket.EventTypeCallAnswered, websocket.EventTypeCallEnded:
		var e signaling.CallEvent
		if err := json.Unmarshal(msg.Payload, &e); err != nil {
			return
		}
		c.mu.Lock()
		if e.CallID == c.gatewayID && c.localID != uuid.Nil {
			e.CallID = c.localID
		}
		fn := c.onEvent
		c.mu.Unlock()
		if fn != nil {
			fn(e)
		}

	case websocket.EventTypeChatSnapshot:
		var p websocket.ChatSnapshotPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		c.mu.Lock()
		fn := c.onChat
		watched := c.chatCallID
		c.mu.Unlock()
		if fn != nil && p.CallID == watched {
			fn(p.Frames)
		}

	case websocket.EventTypeError:
		var p websocket.ErrorPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		c.mu.Lock()
		waiter := c.placed
		c.placed = nil
		c.mu.Unlock()
		if waiter != nil {
			waiter <- placedResult{err: fmt.Errorf("gateway rejected invite: %s (%s)", p.Message, p.Code)}
			return
		}
		select {
		case c.authResult <- authResult{err: fmt.Errorf("gateway error: %s (%s)", p.Message, p.Code)}:
		default:
			c.logger.Warn("gateway error", "code", p.Code, "message", p.Message)
		}

	default:
		c.logger.Debug("unhandled gateway event", "type", msg.Type)
	}
}

func (c *gatewayChannel) send(eventType string, payload interface{}) error {
	msg, err := websocket.NewMessage(eventType, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(msg)
}

// toGateway maps the coordinator's call ID to the gateway's where the two
// differ (outbound calls only).
func (c *gatewayChannel) toGateway(callID uuid.UUID) uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if callID == c.localID && c.gatewayID != uuid.Nil {
		return c.gatewayID
	}
	return callID
}

// PublishOffer sends the invite and blocks until the gateway assigns a call
// ID or rejects it.
func (c *gatewayChannel) PublishOffer(ctx context.Context, callID uuid.UUID, from signaling.Identity, toID uuid.UUID, payload json.RawMessage) error {
	waiter := make(chan placedResult, 1)
	c.mu.Lock()
	c.placed = waiter
	c.localID = callID
	c.gatewayID = uuid.Nil
	c.mu.Unlock()

	if err := c.send(websocket.EventTypeCallInvite, websocket.CallInvitePayload{
		To:     toID.String(),
		Signal: payload,
	}); err != nil {
		return fmt.Errorf("send invite: %w", err)
	}

	select {
	case res := <-waiter:
		if res.err != nil {
			return res.err
		}
		c.mu.Lock()
		c.gatewayID = res.callID
		c.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *gatewayChannel) PublishAnswer(ctx context.Context, callID uuid.UUID, from signaling.Identity, payload json.RawMessage) error {
	return c.send(websocket.EventTypeCallAnswer, websocket.CallAnswerPayload{
		CallID: c.toGateway(callID).String(),
		Signal: payload,
	})
}

func (c *gatewayChannel) SubscribeIncoming(ctx context.Context, selfID uuid.UUID, fn func(domain.IncomingCallNotice)) (pubsub.Subscription, error) {
	c.mu.Lock()
	c.onIncoming = fn
	c.mu.Unlock()
	return funcSubscription(func() {
		c.mu.Lock()
		c.onIncoming = nil
		c.mu.Unlock()
	}), nil
}

func (c *gatewayChannel) SubscribeCallEvents(ctx context.Context, selfID uuid.UUID, fn func(signaling.CallEvent)) (pubsub.Subscription, error) {
	c.mu.Lock()
	c.onEvent = fn
	c.mu.Unlock()
	return funcSubscription(func() {
		c.mu.Lock()
		c.onEvent = nil
		c.mu.Unlock()
	}), nil
}

func (c *gatewayChannel) SendChatFrame(ctx context.Context, frame domain.ChatFrame) error {
	return c.send(websocket.EventTypeChatSend, websocket.ChatSendPayload{
		CallID: c.toGateway(frame.CallID).String(),
		Text:   frame.Text,
	})
}

func (c *gatewayChannel) SubscribeChatFrames(ctx context.Context, callID uuid.UUID, fn func([]domain.ChatFrame)) (pubsub.Subscription, error) {
	gatewayID := c.toGateway(callID)
	c.mu.Lock()
	c.onChat = fn
	c.chatCallID = gatewayID
	c.mu.Unlock()

	// The gateway replies with the current snapshot and pushes a fresh one
	// after every append.
	if err := c.send(websocket.EventTypeChatHistory, websocket.ChatHistoryPayload{
		CallID: gatewayID.String(),
	}); err != nil {
		return nil, fmt.Errorf("request chat history: %w", err)
	}

	return funcSubscription(func() {
		c.mu.Lock()
		if c.chatCallID == gatewayID {
			c.onChat = nil
			c.chatCallID = uuid.Nil
		}
		c.mu.Unlock()
	}), nil
}

func (c *gatewayChannel) MarkCallEnded(ctx context.Context, callID uuid.UUID, status domain.CallStatus) error {
	id := c.toGateway(callID).String()
	if status == domain.CallStatusDeclined {
		return c.send(websocket.EventTypeCallDecline, websocket.CallDeclinePayload{CallID: id})
	}
	return c.send(websocket.EventTypeCallLeave, websocket.CallLeavePayload{CallID: id})
}

// Call is unsupported client-side: the gateway owns the call directory and
// performs its own participant checks.
func (c *gatewayChannel) Call(ctx context.Context, callID uuid.UUID) (*domain.CallSession, error) {
	return nil, domain.ErrCallNotFound
}

// ClearNotice is a no-op: the gateway clears stored notices itself when a
// call is answered, declined, or ended.
func (c *gatewayChannel) ClearNotice(ctx context.Context, userID, callID uuid.UUID) error {
	return nil
}

// Notice always reports none pending: the gateway replays any stored notice
// as a call.incoming event right after authentication.
func (c *gatewayChannel) Notice(ctx context.Context, userID uuid.UUID) (*domain.IncomingCallNotice, error) {
	return nil, nil
}

type funcSubscription func()

func (f funcSubscription) Unsubscribe() error {
	f()
	return nil
}
