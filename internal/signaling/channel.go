// Package signaling implements the durable relay that carries call
// invitations, negotiation envelopes, and in-call chat frames between two
// parties who are not directly reachable. Persistence makes delivery
// survive one party being briefly offline; pub/sub makes it live.
package signaling

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/duetapp/duet/internal/domain"
	"github.com/duetapp/duet/internal/pubsub"
)

// Event types carried over pub/sub topics
const (
	EventTypeCallIncoming = "call.incoming"
	EventTypeCallAnswered = "call.answered"
	EventTypeCallEnded    = "call.ended"
	EventTypeChatFrame    = "chat.frame"
)

// Identity names one party of a call
type Identity struct {
	ID          uuid.UUID `json:"id"`
	DisplayName string    `json:"display_name"`
}

// CallEvent notifies a party that the far side answered or that the call
// reached a terminal status.
type CallEvent struct {
	Type    string            `json:"type"` // EventTypeCallAnswered or EventTypeCallEnded
	CallID  uuid.UUID         `json:"call_id"`
	FromID  uuid.UUID         `json:"from_id"`
	Status  domain.CallStatus `json:"status,omitempty"`
	Payload json.RawMessage   `json:"payload,omitempty"` // answer blob, opaque
}

// Channel is the signaling boundary consumed by the gateway and the call
// coordinator. Implementations must treat negotiation payloads as opaque.
type Channel interface {
	// PublishOffer atomically creates the call record and the receiver's
	// incoming-call notice, then notifies any live subscriber of the
	// receiver. The payload is the initiator's offer blob.
	PublishOffer(ctx context.Context, callID uuid.UUID, from Identity, toID uuid.UUID, payload json.RawMessage) error

	// PublishAnswer appends the answer envelope, marks the call active, and
	// notifies the initiator.
	PublishAnswer(ctx context.Context, callID uuid.UUID, from Identity, payload json.RawMessage) error

	// SubscribeIncoming delivers the party's pending notice (if any) and
	// every future one. Cleared notices are never replayed.
	SubscribeIncoming(ctx context.Context, selfID uuid.UUID, fn func(domain.IncomingCallNotice)) (pubsub.Subscription, error)

	// SubscribeCallEvents delivers answer/ended events addressed to the party.
	SubscribeCallEvents(ctx context.Context, selfID uuid.UUID, fn func(CallEvent)) (pubsub.Subscription, error)

	// SendChatFrame appends one chat frame to the call's history.
	SendChatFrame(ctx context.Context, frame domain.ChatFrame) error

	// SubscribeChatFrames delivers the call's full ordered frame list on
	// subscribe and again after every append, oldest first.
	SubscribeChatFrames(ctx context.Context, callID uuid.UUID, fn func([]domain.ChatFrame)) (pubsub.Subscription, error)

	// Call looks up the call record. Gateways use it to verify that a
	// party belongs to the call before acting on its behalf.
	Call(ctx context.Context, callID uuid.UUID) (*domain.CallSession, error)

	// MarkCallEnded finalizes the call record with a terminal status and
	// notifies both parties. Best-effort: callers must not block local
	// teardown on its result.
	MarkCallEnded(ctx context.Context, callID uuid.UUID, status domain.CallStatus) error

	// ClearNotice removes the user's notice if it still points at callID.
	ClearNotice(ctx context.Context, userID, callID uuid.UUID) error

	// Notice fetches the user's pending notice, nil when there is none.
	Notice(ctx context.Context, userID uuid.UUID) (*domain.IncomingCallNotice, error)
}

// Store is the persistence half of the channel. *database.CallRepository
// implements it against Postgres; MemoryStore backs the tests.
type Store interface {
	CreateCallWithNotice(ctx context.Context, call *domain.CallSession, notice *domain.IncomingCallNotice) error
	AppendAnswer(ctx context.Context, callID, fromID uuid.UUID, payload json.RawMessage) error
	GetCall(ctx context.Context, callID uuid.UUID) (*domain.CallSession, error)
	GetSignal(ctx context.Context, callID uuid.UUID, kind domain.SignalKind) (*domain.SignalingEnvelope, error)
	MarkEnded(ctx context.Context, callID uuid.UUID, status domain.CallStatus) error
	GetNotice(ctx context.Context, userID uuid.UUID) (*domain.IncomingCallNotice, error)
	ClearNotice(ctx context.Context, userID, callID uuid.UUID) error
	InsertChatFrame(ctx context.Context, frame *domain.ChatFrame) error
	ListChatFrames(ctx context.Context, callID uuid.UUID) ([]domain.ChatFrame, error)
}
