// Package websocket is the gateway between browser clients and the
// signaling channel: an authenticated connection per user that relays call
// invitations, negotiation blobs, lifecycle events, and in-call chat.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/duetapp/duet/internal/auth"
	"github.com/duetapp/duet/internal/database"
	"github.com/duetapp/duet/internal/domain"
	"github.com/duetapp/duet/internal/signaling"
)

const maxChatTextLen = 10000

// UserDirectory resolves user records for display names and partner
// restriction checks. *database.UserRepository implements it.
type UserDirectory interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error)
}

// Hub maintains the set of active clients and routes call traffic between
// them and the signaling channel.
type Hub struct {
	// Registered clients by user ID (one user can have multiple connections)
	clients map[uuid.UUID]map[*Client]bool

	register   chan *Client
	unregister chan *Client

	mu sync.RWMutex

	authService *auth.Service
	users       UserDirectory
	channel     signaling.Channel
	iceServers  []ICEServer
	logger      *slog.Logger
}

// NewHub creates a new Hub
func NewHub(authService *auth.Service, users UserDirectory, channel signaling.Channel, iceServers []ICEServer, logger *slog.Logger) *Hub {
	return &Hub{
		clients:     make(map[uuid.UUID]map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		authService: authService,
		users:       users,
		channel:     channel,
		iceServers:  iceServers,
		logger:      logger,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.register:
			h.handleRegister(client)
		case client := <-h.unregister:
			h.handleUnregister(client)
		}
	}
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

func (h *Hub) handleRegister(client *Client) {
	// Client not authenticated yet, just track it
	h.logger.Debug("client connected", "remote_addr", client.conn.RemoteAddr())
}

func (h *Hub) handleUnregister(client *Client) {
	client.dropSubs()

	h.mu.Lock()
	userID := client.UserID()
	if userID != uuid.Nil {
		if clients, ok := h.clients[userID]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.clients, userID)
			}
		}
	}
	h.mu.Unlock()

	// Pubsub handlers may still be mid-delivery for this client; closeSend
	// flags the queue so their Send calls drop instead of panicking.
	client.closeSend()

	h.logger.Debug("client disconnected", "user_id", userID)
}

// HandleMessage processes incoming WebSocket messages
func (h *Hub) HandleMessage(client *Client, msg *Message) {
	switch msg.Type {
	case EventTypeAuth:
		h.handleAuth(client, msg.Payload)
	case EventTypeCallInvite:
		h.handleCallInvite(client, msg.Payload)
	case EventTypeCallAnswer:
		h.handleCallAnswer(client, msg.Payload)
	case EventTypeCallDecline:
		h.handleCallDecline(client, msg.Payload)
	case EventTypeCallLeave:
		h.handleCallLeave(client, msg.Payload)
	case EventTypeChatSend:
		h.handleChatSend(client, msg.Payload)
	case EventTypeChatHistory:
		h.handleChatHistory(client, msg.Payload)
	default:
		client.sendError("unknown_event", "Unknown event type: "+msg.Type)
	}
}

func (h *Hub) handleAuth(client *Client, payload json.RawMessage) {
	var p AuthPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		client.sendError("invalid_payload", "Invalid auth payload")
		return
	}

	claims, err := h.authService.ValidateToken(p.Token)
	if err != nil {
		client.sendError("auth_failed", "Invalid or expired token")
		return
	}

	ctx := context.Background()
	user, err := h.users.GetByID(ctx, claims.UserID)
	if err != nil {
		client.sendError("auth_failed", "Unknown user")
		return
	}

	client.SetUser(user.ID, user.Username, user.DisplayName)

	h.mu.Lock()
	if h.clients[user.ID] == nil {
		h.clients[user.ID] = make(map[*Client]bool)
	}
	h.clients[user.ID][client] = true
	h.mu.Unlock()

	client.sendEvent(EventTypeAuthSuccess, AuthSuccessPayload{
		UserID:      user.ID,
		Username:    user.Username,
		DisplayName: user.Name(),
		PartnerID:   user.PartnerID,
	})
	client.sendEvent(EventTypeCallConfig, CallConfigPayload{ICEServers: h.iceServers})

	// Live call traffic for this user flows through the signaling channel;
	// SubscribeIncoming also replays any invitation that arrived while the
	// user was offline.
	incomingSub, err := h.channel.SubscribeIncoming(ctx, user.ID, func(n domain.IncomingCallNotice) {
		client.sendEvent(EventTypeCallIncoming, n)
	})
	if err != nil {
		h.logger.Error("subscribe incoming", "user_id", user.ID, "error", err)
		client.sendError("subscribe_failed", "Could not subscribe to call events")
		return
	}
	eventsSub, err := h.channel.SubscribeCallEvents(ctx, user.ID, func(e signaling.CallEvent) {
		h.forwardCallEvent(client, e)
	})
	if err != nil {
		incomingSub.Unsubscribe()
		h.logger.Error("subscribe call events", "user_id", user.ID, "error", err)
		client.sendError("subscribe_failed", "Could not subscribe to call events")
		return
	}
	client.setUserSubs(incomingSub, eventsSub)

	h.logger.Info("client authenticated", "user_id", user.ID, "username", user.Username)
}

func (h *Hub) forwardCallEvent(client *Client, e signaling.CallEvent) {
	switch e.Type {
	case signaling.EventTypeCallAnswered:
		client.sendEvent(EventTypeCallAnswered, e)
	case signaling.EventTypeCallEnded:
		client.sendEvent(EventTypeCallEnded, e)
		// The call is over; its chat feed is no longer live
		if sub := client.chatSubFor(e.CallID); sub != nil {
			client.setChatSub(uuid.Nil, nil)
			sub.Unsubscribe()
		}
	}
}

func (h *Hub) handleCallInvite(client *Client, payload json.RawMessage) {
	if !client.IsAuthenticated() {
		client.sendError("not_authenticated", "Must authenticate first")
		return
	}

	var p CallInvitePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		client.sendError("invalid_payload", "Invalid invite payload")
		return
	}

	toID, err := uuid.Parse(p.To)
	if err != nil || toID == client.UserID() {
		client.sendError("invalid_receiver", "Invalid receiver ID")
		return
	}
	if len(p.Signal) == 0 {
		client.sendError("missing_signal", "Invite requires an offer signal")
		return
	}

	ctx := context.Background()
	user, err := h.users.GetByID(ctx, client.UserID())
	if err != nil {
		client.sendError("invite_failed", "Could not load user")
		return
	}
	if user.PartnerID != nil && *user.PartnerID != toID {
		client.sendError("not_partner", "Calls are restricted to your linked partner")
		return
	}

	callID := uuid.New()
	from := signaling.Identity{ID: user.ID, DisplayName: user.Name()}
	if err := h.channel.PublishOffer(ctx, callID, from, toID, p.Signal); err != nil {
		h.logger.Error("publish offer", "call_id", callID, "error", err)
		client.sendError("invite_failed", "Could not place call")
		return
	}

	// An offline receiver still gets the stored notice replayed when they
	// next connect.
	h.logger.Info("call placed",
		"call_id", callID,
		"from", user.ID,
		"to", toID,
		"receiver_online", h.IsUserOnline(toID),
	)

	client.sendEvent(EventTypeCallPlaced, CallPlacedPayload{CallID: callID})
	h.subscribeChat(client, callID)
}

func (h *Hub) handleCallAnswer(client *Client, payload json.RawMessage) {
	if !client.IsAuthenticated() {
		client.sendError("not_authenticated", "Must authenticate first")
		return
	}

	var p CallAnswerPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		client.sendError("invalid_payload", "Invalid answer payload")
		return
	}
	callID, err := uuid.Parse(p.CallID)
	if err != nil {
		client.sendError("invalid_call", "Invalid call ID")
		return
	}
	if len(p.Signal) == 0 {
		client.sendError("missing_signal", "Answer requires a signal")
		return
	}

	ctx := context.Background()
	from := signaling.Identity{ID: client.UserID(), DisplayName: client.DisplayName()}
	if err := h.channel.PublishAnswer(ctx, callID, from, p.Signal); err != nil {
		switch {
		case errors.Is(err, database.ErrNotFound):
			client.sendError("call_not_found", "No such call")
		case errors.Is(err, domain.ErrCallNotLive):
			client.sendError("call_not_live", "Call already ended")
		case errors.Is(err, domain.ErrNotParticipant):
			client.sendError("not_participant", "Not the receiver of this call")
		default:
			h.logger.Error("publish answer", "call_id", callID, "error", err)
			client.sendError("answer_failed", "Could not answer call")
		}
		return
	}

	if err := h.channel.ClearNotice(ctx, client.UserID(), callID); err != nil {
		h.logger.Error("clear notice", "call_id", callID, "error", err)
	}
	h.subscribeChat(client, callID)
}

// authorizeParticipant loads the call and verifies the client is one of
// its two parties. On failure it reports the error to the client and
// returns false.
func (h *Hub) authorizeParticipant(ctx context.Context, client *Client, callID uuid.UUID) bool {
	call, err := h.channel.Call(ctx, callID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			client.sendError("call_not_found", "No such call")
		} else {
			h.logger.Error("load call", "call_id", callID, "error", err)
			client.sendError("call_lookup_failed", "Could not load call")
		}
		return false
	}
	if userID := client.UserID(); call.InitiatorID != userID && call.ReceiverID != userID {
		client.sendError("not_participant", "Not a participant of this call")
		return false
	}
	return true
}

func (h *Hub) handleCallDecline(client *Client, payload json.RawMessage) {
	if !client.IsAuthenticated() {
		client.sendError("not_authenticated", "Must authenticate first")
		return
	}

	var p CallDeclinePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		client.sendError("invalid_payload", "Invalid decline payload")
		return
	}
	callID, err := uuid.Parse(p.CallID)
	if err != nil {
		client.sendError("invalid_call", "Invalid call ID")
		return
	}

	ctx := context.Background()
	if !h.authorizeParticipant(ctx, client, callID) {
		return
	}
	if err := h.channel.MarkCallEnded(ctx, callID, domain.CallStatusDeclined); err != nil {
		h.logger.Error("decline call", "call_id", callID, "error", err)
	}
	if err := h.channel.ClearNotice(ctx, client.UserID(), callID); err != nil {
		h.logger.Error("clear notice", "call_id", callID, "error", err)
	}
}

func (h *Hub) handleCallLeave(client *Client, payload json.RawMessage) {
	if !client.IsAuthenticated() {
		client.sendError("not_authenticated", "Must authenticate first")
		return
	}

	var p CallLeavePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		client.sendError("invalid_payload", "Invalid leave payload")
		return
	}
	callID, err := uuid.Parse(p.CallID)
	if err != nil {
		client.sendError("invalid_call", "Invalid call ID")
		return
	}

	ctx := context.Background()
	if !h.authorizeParticipant(ctx, client, callID) {
		return
	}

	// Best-effort: the leaving party's local state is already authoritative
	if err := h.channel.MarkCallEnded(ctx, callID, domain.CallStatusEnded); err != nil {
		h.logger.Error("leave call", "call_id", callID, "error", err)
	}
}

func (h *Hub) handleChatSend(client *Client, payload json.RawMessage) {
	if !client.IsAuthenticated() {
		client.sendError("not_authenticated", "Must authenticate first")
		return
	}

	var p ChatSendPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		client.sendError("invalid_payload", "Invalid chat payload")
		return
	}
	callID, err := uuid.Parse(p.CallID)
	if err != nil {
		client.sendError("invalid_call", "Invalid call ID")
		return
	}

	text := strings.TrimSpace(p.Text)
	if text == "" {
		client.sendError("empty_message", "Message cannot be empty")
		return
	}
	if len(text) > maxChatTextLen {
		client.sendError("message_too_long", "Message exceeds 10000 characters")
		return
	}

	ctx := context.Background()
	if !h.authorizeParticipant(ctx, client, callID) {
		return
	}

	frame := domain.ChatFrame{
		ID:                uuid.New(),
		CallID:            callID,
		SenderID:          client.UserID(),
		SenderDisplayName: client.DisplayName(),
		Text:              text,
		CreatedAt:         time.Now(),
	}
	if err := h.channel.SendChatFrame(ctx, frame); err != nil {
		h.logger.Error("send chat frame", "call_id", callID, "error", err)
		client.sendError("send_failed", "Failed to send message")
	}
}

func (h *Hub) handleChatHistory(client *Client, payload json.RawMessage) {
	if !client.IsAuthenticated() {
		client.sendError("not_authenticated", "Must authenticate first")
		return
	}

	var p ChatHistoryPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		client.sendError("invalid_payload", "Invalid history payload")
		return
	}
	callID, err := uuid.Parse(p.CallID)
	if err != nil {
		client.sendError("invalid_call", "Invalid call ID")
		return
	}

	if !h.authorizeParticipant(context.Background(), client, callID) {
		return
	}

	// Subscribing delivers the full ordered history immediately and keeps
	// the snapshot feed live afterwards.
	h.subscribeChat(client, callID)
}

// subscribeChat attaches the client to the call's frame feed, replacing
// any previous call's feed. The initial snapshot arrives as part of the
// subscription.
func (h *Hub) subscribeChat(client *Client, callID uuid.UUID) {
	sub, err := h.channel.SubscribeChatFrames(context.Background(), callID, func(frames []domain.ChatFrame) {
		client.sendEvent(EventTypeChatSnapshot, ChatSnapshotPayload{CallID: callID, Frames: frames})
	})
	if err != nil {
		h.logger.Error("subscribe chat frames", "call_id", callID, "error", err)
		client.sendError("subscribe_failed", "Could not subscribe to chat")
		return
	}

	if prev := client.setChatSub(callID, sub); prev != nil {
		prev.Unsubscribe()
	}
}

// IsUserOnline checks if a user has any active connections
func (h *Hub) IsUserOnline(userID uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	clients, ok := h.clients[userID]
	return ok && len(clients) > 0
}
