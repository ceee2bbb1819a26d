// Package peer owns the peer-to-peer transport for one call: an
// offer/answer handshake driven by opaque signaling payloads, local media
// attachment, remote stream delivery, and an optional data channel used as
// a chat fast path. The signaling store remains the chat source of truth.
package peer

import (
	"encoding/json"
	"errors"

	"github.com/duetapp/duet/internal/media"
)

var (
	// ErrDestroyed is returned by operations on a destroyed session
	ErrDestroyed = errors.New("peer: session destroyed")

	// ErrNoDataChannel is returned by SendData before the chat channel opens
	ErrNoDataChannel = errors.New("peer: data channel not open")
)

// RemoteTrack is one far-end media track delivered after negotiation
type RemoteTrack struct {
	Kind     media.TrackKind
	StreamID string
	Track    any // transport-specific remote track
}

// Callbacks wires a session's asynchronous events. A destroyed session
// stops invoking them; continuations pending at destroy time become no-ops.
type Callbacks struct {
	// OnSignal delivers the locally produced negotiation payload (offer for
	// outbound sessions, answer for inbound ones). The payload is opaque to
	// everything above this package.
	OnSignal func(payload json.RawMessage)

	// OnRemoteTrack fires once per far-end track after negotiation completes
	OnRemoteTrack func(track RemoteTrack)

	// OnData delivers a chat text received over the data channel
	OnData func(text string)

	// OnClosed fires at most once when the connection fails or closes
	// without a local Destroy.
	OnClosed func(err error)
}

// Session is one live peer connection
type Session interface {
	// AcceptRemoteSignal feeds the far end's answer into an outbound
	// session. Replays after the first valid answer are ignored.
	AcceptRemoteSignal(payload json.RawMessage) error

	// SendData sends a chat text over the data channel if it is open
	SendData(text string) error

	// Destroy tears down transport state and releases native resources.
	// Idempotent and safe to call before negotiation completes.
	Destroy()
}

// Engine constructs sessions. The coordinator depends on this interface so
// tests can substitute a fake transport.
type Engine interface {
	// Outbound creates a session in the initiator role; OnSignal fires with
	// the offer payload once gathering completes.
	Outbound(handle *media.Handle, cb Callbacks) (Session, error)

	// Inbound creates a session in the responder role, immediately consumes
	// the offer, and produces its answer via OnSignal.
	Inbound(handle *media.Handle, offer json.RawMessage, cb Callbacks) (Session, error)
}
