package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/duetapp/duet/internal/pubsub"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer (signaling blobs are a few KB)
	maxMessageSize = 65536
)

// Client represents a connected WebSocket client
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	userID      uuid.UUID
	username    string
	displayName string

	// Live subscriptions owned by this connection, torn down on unregister
	incomingSub pubsub.Subscription
	eventsSub   pubsub.Subscription
	chatSub     pubsub.Subscription
	chatCallID  uuid.UUID

	mu     sync.RWMutex
	closed bool
	logger *slog.Logger
	cancel context.CancelFunc
}

// NewClient creates a new client
func NewClient(hub *Hub, conn *websocket.Conn, logger *slog.Logger) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, 256),
		logger: logger,
	}
}

// SetCancelFunc sets the context cancel function for cleanup
func (c *Client) SetCancelFunc(cancel context.CancelFunc) {
	c.cancel = cancel
}

// SetUser sets the authenticated user info
func (c *Client) SetUser(userID uuid.UUID, username, displayName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
	c.username = username
	c.displayName = displayName
}

// UserID returns the client's user ID
func (c *Client) UserID() uuid.UUID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// Username returns the client's username
func (c *Client) Username() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.username
}

// DisplayName returns the name shown to the far side of a call
func (c *Client) DisplayName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.displayName != "" {
		return c.displayName
	}
	return c.username
}

// IsAuthenticated returns true if the client has authenticated
func (c *Client) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID != uuid.Nil
}

func (c *Client) setUserSubs(incoming, events pubsub.Subscription) {
	c.mu.Lock()
	c.incomingSub = incoming
	c.eventsSub = events
	c.mu.Unlock()
}

// setChatSub swaps the chat subscription, returning the previous one so
// the caller can unsubscribe it.
func (c *Client) setChatSub(callID uuid.UUID, sub pubsub.Subscription) pubsub.Subscription {
	c.mu.Lock()
	prev := c.chatSub
	c.chatSub = sub
	c.chatCallID = callID
	c.mu.Unlock()
	return prev
}

func (c *Client) chatSubFor(callID uuid.UUID) pubsub.Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.chatCallID == callID {
		return c.chatSub
	}
	return nil
}

// dropSubs detaches every live subscription this connection owns
func (c *Client) dropSubs() {
	c.mu.Lock()
	subs := []pubsub.Subscription{c.incomingSub, c.eventsSub, c.chatSub}
	c.incomingSub, c.eventsSub, c.chatSub = nil, nil, nil
	c.chatCallID = uuid.Nil
	c.mu.Unlock()

	for _, sub := range subs {
		if sub != nil {
			sub.Unsubscribe()
		}
	}
}

// ReadPump pumps messages from the WebSocket connection to the hub
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, message, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					c.logger.Warn("websocket read error", "error", err, "user_id", c.UserID())
				}
				return
			}

			var msg Message
			if err := json.Unmarshal(message, &msg); err != nil {
				c.sendError("invalid_message", "Failed to parse message")
				continue
			}

			c.hub.HandleMessage(c, &msg)
		}
	}
}

// WritePump pumps messages from the hub to the WebSocket connection
func (c *Client) WritePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			// Add queued messages to the current websocket message
			n := len(c.send)
			for i := 0; i < n; i++ {
				_, _ = w.Write([]byte{'\n'})
				_, _ = w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// closeSend closes the outbound queue exactly once. Send calls racing the
// close observe the flag under the same lock and drop their message.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// Send sends a message to the client
func (c *Client) Send(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil
	}

	select {
	case c.send <- data:
	default:
		// Buffer full, drop message
		c.logger.Warn("client send buffer full, dropping message", "user_id", c.userID)
	}
	return nil
}

// sendError sends an error message to the client
func (c *Client) sendError(code, message string) {
	msg, _ := NewMessage(EventTypeError, ErrorPayload{
		Code:    code,
		Message: message,
	})
	_ = c.Send(msg)
}

func (c *Client) sendEvent(eventType string, payload interface{}) {
	msg, err := NewMessage(eventType, payload)
	if err != nil {
		c.logger.Error("marshal event", "type", eventType, "error", err)
		return
	}
	_ = c.Send(msg)
}
