package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// CallStatus represents the lifecycle status of a call record
type CallStatus string

const (
	CallStatusRinging  CallStatus = "ringing"
	CallStatusActive   CallStatus = "active"
	CallStatusEnded    CallStatus = "ended"
	CallStatusMissed   CallStatus = "missed"
	CallStatusDeclined CallStatus = "declined"
)

// SignalKind distinguishes the two halves of a negotiation handshake
type SignalKind string

const (
	SignalKindOffer  SignalKind = "offer"
	SignalKindAnswer SignalKind = "answer"
)

// CallSession is one call attempt between two users. Rows are append-only:
// a call is never deleted, only marked ended/missed/declined.
type CallSession struct {
	ID              uuid.UUID  `json:"id"`
	InitiatorID     uuid.UUID  `json:"initiator_id"`
	ReceiverID      uuid.UUID  `json:"receiver_id"`
	Status          CallStatus `json:"status"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds int        `json:"duration_seconds"`
	CreatedAt       time.Time  `json:"created_at"`

	// Populated from joins
	InitiatorName string `json:"initiator_name,omitempty"`
	ReceiverName  string `json:"receiver_name,omitempty"`
}

// IsLive reports whether the call can still be joined or answered
func (c *CallSession) IsLive() bool {
	return c.Status == CallStatusRinging || c.Status == CallStatusActive
}

// SignalingEnvelope carries one negotiation message between the two parties.
// The payload is an opaque session-description blob produced and consumed
// only by the peer transport; the server never inspects it.
type SignalingEnvelope struct {
	CallID    uuid.UUID       `json:"call_id"`
	FromID    uuid.UUID       `json:"from_id"`
	ToID      uuid.UUID       `json:"to_id"`
	Kind      SignalKind      `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// IncomingCallNotice is the side-channel record attached to the receiver's
// identity so their client can discover an invitation without knowing the
// call ID in advance. Cleared on accept/decline/cancel/timeout.
type IncomingCallNotice struct {
	CallID          uuid.UUID       `json:"call_id"`
	From            uuid.UUID       `json:"from"`
	FromDisplayName string          `json:"from_display_name"`
	Signal          json.RawMessage `json:"signal"`
	CreatedAt       time.Time       `json:"created_at"`
}

// ChatFrame is one message exchanged during a call, scoped to the call's
// lifetime. The ID is the de-duplication key: replayed frames upsert.
type ChatFrame struct {
	ID                uuid.UUID `json:"id"`
	CallID            uuid.UUID `json:"call_id"`
	SenderID          uuid.UUID `json:"sender_id"`
	SenderDisplayName string    `json:"sender_display_name"`
	Text              string    `json:"text"`
	CreatedAt         time.Time `json:"created_at"`
}
