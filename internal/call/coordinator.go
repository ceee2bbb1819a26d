// Package call implements the lifecycle coordinator for a two-party call:
// an explicit state machine that mediates between incoming-call notices,
// user actions, and the peer transport. The coordinator is the single
// writer of call state; everything else observes it through Snapshot and
// Subscribe.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/duetapp/duet/internal/domain"
	"github.com/duetapp/duet/internal/media"
	"github.com/duetapp/duet/internal/peer"
	"github.com/duetapp/duet/internal/pubsub"
	"github.com/duetapp/duet/internal/signaling"
)

// State is the coordinator's position in the call lifecycle
type State string

const (
	StateIdle            State = "idle"
	StateRingingOutbound State = "ringing_outbound"
	StateRingingInbound  State = "ringing_inbound"
	StateConnecting      State = "connecting"
	StateActive          State = "active"
)

// DefaultRingTimeout is the ring bound callers use when nothing else is
// configured
const DefaultRingTimeout = 45 * time.Second

// ErrClosed is returned by operations on a closed coordinator
var ErrClosed = errors.New("call: coordinator closed")

// Snapshot is an immutable view of the coordinator for presentation
// surfaces. Frames is ordered oldest first and resets when a new call
// starts.
type Snapshot struct {
	State        State
	SelfName     string
	CallID       uuid.UUID
	PeerID       uuid.UUID
	PeerName     string
	Notice       *domain.IncomingCallNotice
	RemoteTracks []peer.RemoteTrack
	Frames       []domain.ChatFrame
	Minimized    bool
	LastErr      error
}

// Options configures a Coordinator
type Options struct {
	Self        signaling.Identity
	Channel     signaling.Channel
	Engine      peer.Engine
	Media       media.Source
	RingTimeout time.Duration // how long an outbound call rings unanswered; 0 disables
	Logger      *slog.Logger
}

// Coordinator owns the call state machine for one local identity. All
// transitions happen under one mutex; every asynchronous continuation
// captures the generation counter at dispatch time and becomes a no-op if
// the call it belongs to has since been torn down.
type Coordinator struct {
	self        signaling.Identity
	channel     signaling.Channel
	engine      peer.Engine
	source      media.Source
	ringTimeout time.Duration
	logger      *slog.Logger

	mu     sync.Mutex
	gen    uint64
	closed bool

	state        State
	callID       uuid.UUID
	peerID       uuid.UUID
	peerName     string
	notice       *domain.IncomingCallNotice
	session      peer.Session
	handle       *media.Handle
	remoteTracks []peer.RemoteTrack
	frames       []domain.ChatFrame
	minimized    bool
	lastErr      error

	ringTimer *time.Timer
	chatSub   pubsub.Subscription

	ctx         context.Context
	cancel      context.CancelFunc
	incomingSub pubsub.Subscription
	eventsSub   pubsub.Subscription

	observerSeq int
	observers   map[int]func(Snapshot)
}

// NewCoordinator creates a coordinator; call Start before use
func NewCoordinator(opts Options) *Coordinator {
	timeout := opts.RingTimeout
	if timeout < 0 {
		timeout = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		self:        opts.Self,
		channel:     opts.Channel,
		engine:      opts.Engine,
		source:      opts.Media,
		ringTimeout: timeout,
		logger:      logger.With("component", "call", "user_id", opts.Self.ID),
		state:       StateIdle,
		observers:   make(map[int]func(Snapshot)),
	}
}

// Start subscribes to the signaling channel and pre-acquires local media so
// the preview is warm before the first call. A media failure here is not
// fatal: PlaceCall retries acquisition and surfaces the error.
func (c *Coordinator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	incomingSub, err := c.channel.SubscribeIncoming(ctx, c.self.ID, c.handleNotice)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe incoming: %w", err)
	}
	eventsSub, err := c.channel.SubscribeCallEvents(ctx, c.self.ID, c.handleCallEvent)
	if err != nil {
		incomingSub.Unsubscribe()
		cancel()
		return fmt.Errorf("subscribe call events: %w", err)
	}

	c.mu.Lock()
	c.ctx = ctx
	c.cancel = cancel
	c.incomingSub = incomingSub
	c.eventsSub = eventsSub
	c.mu.Unlock()

	if handle, err := c.source.Acquire(ctx); err != nil {
		c.logger.Warn("media warmup failed", "error", err)
	} else {
		c.mu.Lock()
		c.handle = handle
		c.mu.Unlock()
	}
	return nil
}

// Close tears down any live call and detaches from the channel
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.teardownLocked()
	if c.handle != nil {
		c.handle.Release()
		c.handle = nil
	}
	incomingSub, eventsSub, cancel := c.incomingSub, c.eventsSub, c.cancel
	c.incomingSub, c.eventsSub, c.cancel = nil, nil, nil
	c.mu.Unlock()

	if incomingSub != nil {
		incomingSub.Unsubscribe()
	}
	if eventsSub != nil {
		eventsSub.Unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
}

// Snapshot returns the current observable state
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Subscribe registers an observer invoked after every state change with a
// fresh snapshot. The returned function removes the observer.
func (c *Coordinator) Subscribe(fn func(Snapshot)) func() {
	c.mu.Lock()
	id := c.observerSeq
	c.observerSeq++
	c.observers[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.observers, id)
		c.mu.Unlock()
	}
}

// PlaceCall invites receiverID to a call. Valid only while idle; returns
// ErrAlreadyInCall otherwise. A media-permission failure leaves the
// coordinator idle with no call record created.
func (c *Coordinator) PlaceCall(ctx context.Context, receiverID uuid.UUID, receiverName string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateIdle {
		c.mu.Unlock()
		return domain.ErrAlreadyInCall
	}
	gen := c.nextGenLocked()
	callID := uuid.New()
	// Reserve the machine, but observers only learn about the call once
	// media is in hand: a permission failure never shows a ringing flash.
	c.state = StateRingingOutbound
	c.callID = callID
	c.peerID = receiverID
	c.peerName = receiverName
	c.notice = nil
	c.remoteTracks = nil
	c.frames = nil
	c.minimized = false
	c.lastErr = nil
	handle := c.handle
	c.mu.Unlock()

	handle, err := c.ensureMedia(ctx, gen, handle)
	if err != nil {
		return err
	}
	if handle == nil {
		return nil // torn down while acquiring
	}

	session, err := c.engine.Outbound(handle, c.sessionCallbacks(gen, callID, receiverID))
	if err != nil {
		err = fmt.Errorf("create outbound session: %w", err)
		c.fail(gen, err, false)
		return err
	}
	c.attachSession(gen, session)
	c.notifyObservers()
	return nil
}

// AnswerCall accepts the pending inbound call. Valid only while ringing
// inbound; returns ErrNoPendingNotice otherwise.
func (c *Coordinator) AnswerCall(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateRingingInbound || c.notice == nil {
		c.mu.Unlock()
		return domain.ErrNoPendingNotice
	}
	gen := c.gen
	callID := c.callID
	peerID := c.peerID
	offer := c.notice.Signal
	c.state = StateConnecting
	c.stopRingTimerLocked()
	handle := c.handle
	c.mu.Unlock()
	c.notifyObservers()

	// The invitation is resolved regardless of how negotiation goes
	if err := c.channel.ClearNotice(ctx, c.self.ID, callID); err != nil {
		c.logger.Error("clear notice", "call_id", callID, "error", err)
	}

	handle, err := c.ensureMedia(ctx, gen, handle)
	if err != nil {
		return err
	}
	if handle == nil {
		return nil
	}

	session, err := c.engine.Inbound(handle, offer, c.sessionCallbacks(gen, callID, peerID))
	if err != nil {
		err = fmt.Errorf("create inbound session: %w", err)
		c.fail(gen, err, true)
		return err
	}
	c.attachSession(gen, session)
	c.watchChat(gen, callID)
	return nil
}

// DeclineCall rejects the pending inbound call. A no-op while not ringing
// inbound.
func (c *Coordinator) DeclineCall(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateRingingInbound {
		c.mu.Unlock()
		return nil
	}
	callID := c.callID
	c.teardownLocked()
	c.mu.Unlock()
	c.notifyObservers()

	c.finalizeRemote(callID, domain.CallStatusDeclined)
	return nil
}

// LeaveCall ends whatever call state exists, partial or live. Idempotent:
// while idle it is a no-op.
func (c *Coordinator) LeaveCall(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return nil
	}
	callID := c.callID
	status := domain.CallStatusEnded
	if c.state == StateRingingOutbound || c.state == StateRingingInbound {
		status = domain.CallStatusMissed
	}
	c.teardownLocked()
	c.mu.Unlock()
	c.notifyObservers()

	c.finalizeRemote(callID, status)
	return nil
}

// SendMessage appends a chat frame to the current call. Blank text and
// sends outside a connecting/active call are silent no-ops.
func (c *Coordinator) SendMessage(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	c.mu.Lock()
	if c.state != StateConnecting && c.state != StateActive {
		c.mu.Unlock()
		return nil
	}
	callID := c.callID
	session := c.session
	senderName := c.self.DisplayName
	c.mu.Unlock()

	frame := domain.ChatFrame{
		ID:                uuid.New(),
		CallID:            callID,
		SenderID:          c.self.ID,
		SenderDisplayName: senderName,
		Text:              text,
		CreatedAt:         time.Now(),
	}
	if err := c.channel.SendChatFrame(ctx, frame); err != nil {
		return fmt.Errorf("send chat frame: %w", err)
	}

	// Data-channel fast path; the store remains the source of truth
	if session != nil {
		if err := session.SendData(text); err != nil {
			c.logger.Debug("data channel send skipped", "error", err)
		}
	}
	return nil
}

// SetDisplayName changes the name shown to the far side of future calls.
// Calls already ringing or live keep the name they were placed with.
func (c *Coordinator) SetDisplayName(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	c.mu.Lock()
	if c.self.DisplayName == name {
		c.mu.Unlock()
		return
	}
	c.self.DisplayName = name
	c.mu.Unlock()
	c.notifyObservers()
}

// SetMinimized flips the presentation flag without touching call state
func (c *Coordinator) SetMinimized(min bool) {
	c.mu.Lock()
	if c.minimized == min {
		c.mu.Unlock()
		return
	}
	c.minimized = min
	c.mu.Unlock()
	c.notifyObservers()
}

// handleNotice reacts to an incoming-call invitation. An invitation that
// arrives while any call state exists is left pending in the store rather
// than interrupting the current call.
func (c *Coordinator) handleNotice(n domain.IncomingCallNotice) {
	c.mu.Lock()
	if c.closed || c.state != StateIdle {
		c.mu.Unlock()
		c.logger.Info("leaving invitation pending", "call_id", n.CallID)
		return
	}
	notice := n
	c.nextGenLocked()
	c.state = StateRingingInbound
	c.callID = n.CallID
	c.peerID = n.From
	c.peerName = n.FromDisplayName
	c.notice = &notice
	c.remoteTracks = nil
	c.frames = nil
	c.minimized = false
	c.lastErr = nil
	c.startRingTimerLocked(c.gen)
	c.mu.Unlock()
	c.notifyObservers()
}

// handleCallEvent consumes answered/ended events addressed to this party.
// Events for a call the coordinator is no longer in are discarded.
func (c *Coordinator) handleCallEvent(e signaling.CallEvent) {
	switch e.Type {
	case signaling.EventTypeCallAnswered:
		c.handleAnswered(e)
	case signaling.EventTypeCallEnded:
		c.handleRemoteEnded(e)
	}
}

func (c *Coordinator) handleAnswered(e signaling.CallEvent) {
	c.mu.Lock()
	if c.state != StateRingingOutbound || e.CallID != c.callID {
		c.mu.Unlock()
		c.logger.Info("discarding stale answer", "call_id", e.CallID)
		return
	}
	gen := c.gen
	callID := c.callID
	session := c.session
	c.state = StateConnecting
	c.stopRingTimerLocked()
	c.mu.Unlock()
	c.notifyObservers()

	if session == nil {
		// Answer raced ahead of our own session construction
		c.fail(gen, fmt.Errorf("answer before outbound session was ready"), true)
		return
	}
	if err := session.AcceptRemoteSignal(e.Payload); err != nil {
		c.fail(gen, fmt.Errorf("accept answer: %w", err), true)
		return
	}
	c.watchChat(gen, callID)
}

func (c *Coordinator) handleRemoteEnded(e signaling.CallEvent) {
	c.mu.Lock()
	if c.state == StateIdle || e.CallID != c.callID {
		c.mu.Unlock()
		return
	}
	// The far side already finalized the record; tear down locally only
	c.teardownLocked()
	c.mu.Unlock()
	c.notifyObservers()
	c.logger.Info("call ended by far side", "call_id", e.CallID, "status", e.Status)
}

func (c *Coordinator) sessionCallbacks(gen uint64, callID, peerID uuid.UUID) peer.Callbacks {
	return peer.Callbacks{
		OnSignal: func(payload json.RawMessage) {
			c.mu.Lock()
			if c.gen != gen {
				c.mu.Unlock()
				return
			}
			outbound := c.state == StateRingingOutbound
			self := c.self
			c.mu.Unlock()

			ctx := c.baseContext()
			if outbound {
				if err := c.channel.PublishOffer(ctx, callID, self, peerID, payload); err != nil {
					c.fail(gen, fmt.Errorf("publish offer: %w", err), false)
					return
				}
				c.mu.Lock()
				if c.gen == gen {
					c.startRingTimerLocked(gen)
				}
				c.mu.Unlock()
				return
			}
			if err := c.channel.PublishAnswer(ctx, callID, self, payload); err != nil {
				c.fail(gen, fmt.Errorf("publish answer: %w", err), true)
			}
		},
		OnRemoteTrack: func(track peer.RemoteTrack) {
			c.mu.Lock()
			if c.gen != gen {
				c.mu.Unlock()
				return
			}
			c.remoteTracks = append(c.remoteTracks, track)
			if c.state == StateConnecting {
				c.state = StateActive
			}
			c.mu.Unlock()
			c.notifyObservers()
		},
		OnData: func(text string) {
			// Chat frames render from the store-backed subscription; the
			// data channel is latency sugar only.
			c.logger.Debug("data channel frame", "call_id", callID, "len", len(text))
		},
		OnClosed: func(err error) {
			c.mu.Lock()
			if c.gen != gen {
				c.mu.Unlock()
				return
			}
			if err != nil {
				c.lastErr = err
				c.logger.Warn("peer connection lost", "call_id", callID, "error", err)
			}
			c.teardownLocked()
			c.mu.Unlock()
			c.notifyObservers()
			c.finalizeRemote(callID, domain.CallStatusEnded)
		},
	}
}

// ensureMedia returns a live handle for the call identified by gen,
// acquiring one if the warm handle is missing. Returns (nil, nil) when the
// call was torn down mid-acquisition; the freshly acquired handle is
// released rather than leaked.
func (c *Coordinator) ensureMedia(ctx context.Context, gen uint64, handle *media.Handle) (*media.Handle, error) {
	if handle != nil && !handle.Released() {
		return handle, nil
	}

	fresh, err := c.source.Acquire(ctx)
	if err != nil {
		err = fmt.Errorf("acquire local media: %w", err)
		c.fail(gen, err, false)
		return nil, err
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		fresh.Release()
		return nil, nil
	}
	c.handle = fresh
	c.mu.Unlock()
	return fresh, nil
}

// attachSession stores the session unless the call was torn down while it
// was being constructed, in which case the session is destroyed.
func (c *Coordinator) attachSession(gen uint64, session peer.Session) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		session.Destroy()
		return
	}
	c.session = session
	c.mu.Unlock()
}

// watchChat subscribes to the call's ordered frame list
func (c *Coordinator) watchChat(gen uint64, callID uuid.UUID) {
	sub, err := c.channel.SubscribeChatFrames(c.baseContext(), callID, func(frames []domain.ChatFrame) {
		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return
		}
		c.frames = frames
		c.mu.Unlock()
		c.notifyObservers()
	})
	if err != nil {
		c.logger.Error("subscribe chat frames", "call_id", callID, "error", err)
		return
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		sub.Unsubscribe()
		return
	}
	c.chatSub = sub
	c.mu.Unlock()
}

// fail aborts the call identified by gen. finalize controls whether a call
// record exists that should be marked ended; continuations belonging to an
// older generation fall through without effect.
func (c *Coordinator) fail(gen uint64, err error, finalize bool) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	callID := c.callID
	c.lastErr = err
	c.teardownLocked()
	c.mu.Unlock()
	c.notifyObservers()

	c.logger.Error("call failed", "call_id", callID, "error", err)
	if finalize && callID != uuid.Nil {
		c.finalizeRemote(callID, domain.CallStatusEnded)
	}
}

// teardownLocked returns the machine to idle: destroys the session, stops
// the ring timer, drops the chat subscription, and releases media for warm
// re-acquisition. Safe to call from any state, including idle. The
// surfaced error survives into idle until the next call resets it. Caller
// holds c.mu.
func (c *Coordinator) teardownLocked() {
	c.nextGenLocked()
	gen := c.gen

	c.stopRingTimerLocked()

	if c.session != nil {
		session := c.session
		c.session = nil
		// Destroy outside the lock; transport close can invoke callbacks
		go session.Destroy()
	}
	if c.chatSub != nil {
		sub := c.chatSub
		c.chatSub = nil
		go sub.Unsubscribe()
	}
	if c.handle != nil {
		c.handle.Release()
		c.handle = nil
		if !c.closed {
			go c.reacquireMedia(gen)
		}
	}

	c.state = StateIdle
	c.callID = uuid.Nil
	c.peerID = uuid.Nil
	c.peerName = ""
	c.notice = nil
	c.remoteTracks = nil
	c.minimized = false
}

// finalizeRemote writes the terminal status and clears any stale notice.
// Best-effort: the local transition already happened and is authoritative
// for this party.
func (c *Coordinator) finalizeRemote(callID uuid.UUID, status domain.CallStatus) {
	ctx := c.baseContext()
	if err := c.channel.MarkCallEnded(ctx, callID, status); err != nil {
		c.logger.Error("mark call ended", "call_id", callID, "status", status, "error", err)
	}
	if err := c.channel.ClearNotice(ctx, c.self.ID, callID); err != nil {
		c.logger.Error("clear notice", "call_id", callID, "error", err)
	}
}

// reacquireMedia keeps the local preview warm for the next call. Skipped
// if another call started (or the handle came back) in the meantime.
func (c *Coordinator) reacquireMedia(gen uint64) {
	handle, err := c.source.Acquire(c.baseContext())
	if err != nil {
		c.logger.Warn("media reacquisition failed", "error", err)
		return
	}

	c.mu.Lock()
	if c.closed || c.gen != gen || c.handle != nil {
		c.mu.Unlock()
		handle.Release()
		return
	}
	c.handle = handle
	c.mu.Unlock()
}

func (c *Coordinator) startRingTimerLocked(gen uint64) {
	if c.ringTimeout <= 0 {
		return
	}
	c.stopRingTimerLocked()
	c.ringTimer = time.AfterFunc(c.ringTimeout, func() { c.ringExpired(gen) })
}

func (c *Coordinator) stopRingTimerLocked() {
	if c.ringTimer != nil {
		c.ringTimer.Stop()
		c.ringTimer = nil
	}
}

// ringExpired abandons a call that rang for the full timeout unanswered
func (c *Coordinator) ringExpired(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || (c.state != StateRingingOutbound && c.state != StateRingingInbound) {
		c.mu.Unlock()
		return
	}
	callID := c.callID
	outbound := c.state == StateRingingOutbound
	c.teardownLocked()
	c.mu.Unlock()
	c.notifyObservers()

	c.logger.Info("ring timeout", "call_id", callID)
	if outbound {
		// The initiator owns the missed-call record and the stale notice
		c.finalizeRemote(callID, domain.CallStatusMissed)
	} else if err := c.channel.ClearNotice(c.baseContext(), c.self.ID, callID); err != nil {
		c.logger.Error("clear notice", "call_id", callID, "error", err)
	}
}

func (c *Coordinator) nextGenLocked() uint64 {
	c.gen++
	return c.gen
}

func (c *Coordinator) baseContext() context.Context {
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx
}

func (c *Coordinator) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:     c.state,
		SelfName:  c.self.DisplayName,
		CallID:    c.callID,
		PeerID:    c.peerID,
		PeerName:  c.peerName,
		Minimized: c.minimized,
		LastErr:   c.lastErr,
	}
	if c.notice != nil {
		notice := *c.notice
		snap.Notice = &notice
	}
	snap.RemoteTracks = append(snap.RemoteTracks, c.remoteTracks...)
	snap.Frames = append(snap.Frames, c.frames...)
	return snap
}

func (c *Coordinator) notifyObservers() {
	c.mu.Lock()
	snap := c.snapshotLocked()
	observers := make([]func(Snapshot), 0, len(c.observers))
	for _, fn := range c.observers {
		observers = append(observers, fn)
	}
	c.mu.Unlock()

	for _, fn := range observers {
		fn(snap)
	}
}
