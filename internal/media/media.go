// Package media models the local capture handle a call coordinator owns
// for the duration of a call: a bundle of local tracks whose enabled flags
// can be flipped in place, so mute/camera-off never triggers renegotiation.
package media

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrPermissionDenied models capture being refused by the platform.
// A coordinator surfaces it to the caller and stays idle.
var ErrPermissionDenied = errors.New("media: capture permission denied")

// TrackKind distinguishes audio from video tracks
type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

// Track is one local capture track. Attachment to a peer connection is the
// transport's job; Track only owns identity and the enabled flag.
type Track struct {
	kind    TrackKind
	local   any // transport-specific local track (e.g. webrtc.TrackLocal)
	enabled atomic.Bool
}

// NewTrack wraps a transport-local track. Tracks start enabled.
func NewTrack(kind TrackKind, local any) *Track {
	t := &Track{kind: kind, local: local}
	t.enabled.Store(true)
	return t
}

// Kind returns the track kind
func (t *Track) Kind() TrackKind { return t.kind }

// Local returns the underlying transport track
func (t *Track) Local() any { return t.local }

// Enabled reports whether the track is currently live
func (t *Track) Enabled() bool { return t.enabled.Load() }

// SetEnabled flips the track in place without renegotiating
func (t *Track) SetEnabled(on bool) { t.enabled.Store(on) }

// Handle is the in-process capture of the local camera and microphone,
// exclusively owned by the coordinator while a call is connecting or
// active, and released synchronously on teardown.
type Handle struct {
	mu       sync.Mutex
	tracks   []*Track
	released bool
	onClose  func()
}

// NewHandle builds a handle over the given tracks. onClose, if non-nil,
// runs exactly once when the handle is released.
func NewHandle(tracks []*Track, onClose func()) *Handle {
	return &Handle{tracks: tracks, onClose: onClose}
}

// Tracks returns the handle's tracks
func (h *Handle) Tracks() []*Track {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*Track(nil), h.tracks...)
}

func (h *Handle) track(kind TrackKind) *Track {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, t := range h.tracks {
		if t.kind == kind {
			return t
		}
	}
	return nil
}

// SetAudioEnabled toggles the microphone track in place
func (h *Handle) SetAudioEnabled(on bool) {
	if t := h.track(TrackKindAudio); t != nil {
		t.SetEnabled(on)
	}
}

// SetVideoEnabled toggles the camera track in place
func (h *Handle) SetVideoEnabled(on bool) {
	if t := h.track(TrackKindVideo); t != nil {
		t.SetEnabled(on)
	}
}

// Release stops every track and runs the close hook. Safe to call more
// than once; only the first call has any effect.
func (h *Handle) Release() {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	h.released = true
	for _, t := range h.tracks {
		t.SetEnabled(false)
	}
	onClose := h.onClose
	h.mu.Unlock()

	if onClose != nil {
		onClose()
	}
}

// Released reports whether the handle has been released
func (h *Handle) Released() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

// Source acquires local media. Acquisition is asynchronous on real
// platforms (permission prompts), hence the context.
type Source interface {
	Acquire(ctx context.Context) (*Handle, error)
}

// SourceFunc adapts a function to the Source interface
type SourceFunc func(ctx context.Context) (*Handle, error)

// Acquire implements Source
func (f SourceFunc) Acquire(ctx context.Context) (*Handle, error) { return f(ctx) }
