package websocket

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/duetapp/duet/internal/domain"
)

// Event types for client -> server
const (
	EventTypeAuth        = "auth"
	EventTypeCallInvite  = "call.invite"
	EventTypeCallAnswer  = "call.answer"
	EventTypeCallDecline = "call.decline"
	EventTypeCallLeave   = "call.leave"
	EventTypeChatSend    = "chat.send"
	EventTypeChatHistory = "chat.history"
)

// Event types for server -> client
const (
	EventTypeError        = "error"
	EventTypeAuthSuccess  = "auth.success"
	EventTypeCallConfig   = "call.config"
	EventTypeCallPlaced   = "call.placed"
	EventTypeCallIncoming = "call.incoming"
	EventTypeCallAnswered = "call.answered"
	EventTypeCallEnded    = "call.ended"
	EventTypeChatSnapshot = "chat.snapshot"
)

// Message is the base WebSocket message envelope
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
}

// NewMessage creates a message with the current timestamp
func NewMessage(eventType string, payload interface{}) (*Message, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:      eventType,
		Payload:   payloadBytes,
		Timestamp: time.Now(),
	}, nil
}

// ============================================================================
// Client -> Server Payloads
// ============================================================================

// AuthPayload for authenticating the WebSocket connection
type AuthPayload struct {
	Token string `json:"token"` // JWT access token
}

// CallInvitePayload places a call. Signal carries the initiator's opaque
// offer blob; the relay never inspects it.
type CallInvitePayload struct {
	To     string          `json:"to"` // receiver user ID
	Signal json.RawMessage `json:"signal"`
}

// CallAnswerPayload accepts a ringing call with the receiver's answer blob
type CallAnswerPayload struct {
	CallID string          `json:"call_id"`
	Signal json.RawMessage `json:"signal"`
}

// CallDeclinePayload rejects a ringing call
type CallDeclinePayload struct {
	CallID string `json:"call_id"`
}

// CallLeavePayload hangs up a call the client is part of
type CallLeavePayload struct {
	CallID string `json:"call_id"`
}

// ChatSendPayload appends a chat frame to the call
type ChatSendPayload struct {
	CallID string `json:"call_id"`
	Text   string `json:"text"`
}

// ChatHistoryPayload requests the call's full ordered frame list
type ChatHistoryPayload struct {
	CallID string `json:"call_id"`
}

// ============================================================================
// Server -> Client Payloads
// ============================================================================

// ErrorPayload for error responses
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AuthSuccessPayload confirms successful authentication
type AuthSuccessPayload struct {
	UserID      uuid.UUID  `json:"user_id"`
	Username    string     `json:"username"`
	DisplayName string     `json:"display_name"`
	PartnerID   *uuid.UUID `json:"partner_id,omitempty"`
}

// ICEServer is one STUN/TURN endpoint handed to the media engine
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// CallConfigPayload carries the ICE servers clients negotiate through
type CallConfigPayload struct {
	ICEServers []ICEServer `json:"ice_servers"`
}

// CallPlacedPayload echoes the generated call ID back to the initiator
type CallPlacedPayload struct {
	CallID uuid.UUID `json:"call_id"`
}

// ChatSnapshotPayload is the call's full frame list, oldest first. Sent on
// subscribe and again after every append so display order never depends on
// delivery order.
type ChatSnapshotPayload struct {
	CallID uuid.UUID          `json:"call_id"`
	Frames []domain.ChatFrame `json:"frames"`
}
