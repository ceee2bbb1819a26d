package peer

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v3"

	"github.com/duetapp/duet/internal/media"
)

// PionEngine builds sessions over pion/webrtc. Negotiation is non-trickle:
// OnSignal fires once ICE gathering completes, with the full local
// description marshaled as the opaque payload.
type PionEngine struct {
	iceServers []webrtc.ICEServer
	logger     *slog.Logger
}

// NewPionEngine creates a pion-backed engine
func NewPionEngine(iceServers []webrtc.ICEServer, logger *slog.Logger) *PionEngine {
	return &PionEngine{
		iceServers: iceServers,
		logger:     logger.With("component", "peer"),
	}
}

// ICEServersFromConfig converts STUN/TURN settings into pion's form
func ICEServersFromConfig(stunURLs, turnURLs []string, turnUser, turnPass string) []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, 2)
	if len(stunURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: stunURLs})
	}
	if len(turnURLs) > 0 && turnUser != "" {
		servers = append(servers, webrtc.ICEServer{
			URLs:       turnURLs,
			Username:   turnUser,
			Credential: turnPass,
		})
	}
	return servers
}

type pionSession struct {
	pc        *webrtc.PeerConnection
	cb        Callbacks
	logger    *slog.Logger
	destroyed atomic.Bool
	closeOnce sync.Once

	mu   sync.Mutex
	chat *webrtc.DataChannel

	answerMu       sync.Mutex
	answerAccepted bool
}

// Outbound implements Engine
func (e *PionEngine) Outbound(handle *media.Handle, cb Callbacks) (Session, error) {
	s, err := e.newSession(handle, cb)
	if err != nil {
		return nil, err
	}

	// The initiator opens the chat data channel
	chat, err := s.pc.CreateDataChannel("chat", nil)
	if err != nil {
		s.Destroy()
		return nil, fmt.Errorf("create data channel: %w", err)
	}
	s.attachChat(chat)

	go func() {
		offer, err := s.pc.CreateOffer(nil)
		if err != nil {
			s.fail(fmt.Errorf("create offer: %w", err))
			return
		}
		s.completeNegotiation(offer)
	}()

	return s, nil
}

// Inbound implements Engine
func (e *PionEngine) Inbound(handle *media.Handle, offer json.RawMessage, cb Callbacks) (Session, error) {
	s, err := e.newSession(handle, cb)
	if err != nil {
		return nil, err
	}

	s.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() == "chat" {
			s.attachChat(dc)
		}
	})

	var remote webrtc.SessionDescription
	if err := json.Unmarshal(offer, &remote); err != nil {
		s.Destroy()
		return nil, fmt.Errorf("decode offer: %w", err)
	}
	if err := s.pc.SetRemoteDescription(remote); err != nil {
		s.Destroy()
		return nil, fmt.Errorf("apply offer: %w", err)
	}

	go func() {
		answer, err := s.pc.CreateAnswer(nil)
		if err != nil {
			s.fail(fmt.Errorf("create answer: %w", err))
			return
		}
		s.completeNegotiation(answer)
	}()

	return s, nil
}

func (e *PionEngine) newSession(handle *media.Handle, cb Callbacks) (*pionSession, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: e.iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	s := &pionSession{pc: pc, cb: cb, logger: e.logger}

	for _, t := range handle.Tracks() {
		local, ok := t.Local().(webrtc.TrackLocal)
		if !ok {
			continue
		}
		if _, err := pc.AddTrack(local); err != nil {
			pc.Close()
			return nil, fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
	}

	pc.OnTrack(func(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if s.destroyed.Load() || s.cb.OnRemoteTrack == nil {
			return
		}
		kind := media.TrackKindAudio
		if remote.Kind() == webrtc.RTPCodecTypeVideo {
			kind = media.TrackKindVideo
		}
		s.cb.OnRemoteTrack(RemoteTrack{
			Kind:     kind,
			StreamID: remote.StreamID(),
			Track:    remote,
		})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed:
			s.fail(fmt.Errorf("peer connection failed"))
		case webrtc.PeerConnectionStateClosed:
			s.fail(nil)
		}
	})

	return s, nil
}

// completeNegotiation sets the local description, waits for gathering, and
// emits the payload. A destroy racing the wait turns the emit into a no-op.
func (s *pionSession) completeNegotiation(desc webrtc.SessionDescription) {
	gathered := webrtc.GatheringCompletePromise(s.pc)
	if err := s.pc.SetLocalDescription(desc); err != nil {
		s.fail(fmt.Errorf("set local description: %w", err))
		return
	}
	<-gathered

	if s.destroyed.Load() || s.cb.OnSignal == nil {
		return
	}
	local := s.pc.LocalDescription()
	if local == nil {
		return
	}
	payload, err := json.Marshal(local)
	if err != nil {
		s.fail(fmt.Errorf("encode local description: %w", err))
		return
	}
	s.cb.OnSignal(payload)
}

func (s *pionSession) attachChat(dc *webrtc.DataChannel) {
	s.mu.Lock()
	s.chat = dc
	s.mu.Unlock()

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if s.destroyed.Load() || s.cb.OnData == nil || !msg.IsString {
			return
		}
		s.cb.OnData(string(msg.Data))
	})
}

func (s *pionSession) fail(err error) {
	if s.destroyed.Load() {
		return
	}
	s.closeOnce.Do(func() {
		if s.cb.OnClosed != nil {
			s.cb.OnClosed(err)
		}
	})
}

// AcceptRemoteSignal implements Session
func (s *pionSession) AcceptRemoteSignal(payload json.RawMessage) error {
	if s.destroyed.Load() {
		return ErrDestroyed
	}

	s.answerMu.Lock()
	defer s.answerMu.Unlock()
	if s.answerAccepted {
		// Replayed answer; the first valid one won
		return nil
	}

	var remote webrtc.SessionDescription
	if err := json.Unmarshal(payload, &remote); err != nil {
		return fmt.Errorf("decode answer: %w", err)
	}
	if err := s.pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("apply answer: %w", err)
	}
	s.answerAccepted = true
	return nil
}

// SendData implements Session
func (s *pionSession) SendData(text string) error {
	if s.destroyed.Load() {
		return ErrDestroyed
	}
	s.mu.Lock()
	chat := s.chat
	s.mu.Unlock()

	if chat == nil || chat.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrNoDataChannel
	}
	return chat.SendText(text)
}

// Destroy implements Session
func (s *pionSession) Destroy() {
	if !s.destroyed.CompareAndSwap(false, true) {
		return
	}
	// Suppress OnClosed for the Close below; destroy is a local decision
	s.closeOnce.Do(func() {})
	if err := s.pc.Close(); err != nil {
		s.logger.Warn("close peer connection", "error", err)
	}
}
