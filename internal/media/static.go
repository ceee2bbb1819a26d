package media

import (
	"context"

	"github.com/pion/webrtc/v3"
)

// StaticSource produces pion sample tracks for headless endpoints: the
// agent has no camera, but the far side still negotiates real audio/video
// m-lines against these tracks.
type StaticSource struct {
	StreamID string
}

// NewStaticSource creates a source whose tracks share the given stream ID
func NewStaticSource(streamID string) *StaticSource {
	return &StaticSource{StreamID: streamID}
}

// Acquire implements Source
func (s *StaticSource) Acquire(ctx context.Context) (*Handle, error) {
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", s.StreamID,
	)
	if err != nil {
		return nil, err
	}

	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video", s.StreamID,
	)
	if err != nil {
		return nil, err
	}

	tracks := []*Track{
		NewTrack(TrackKindAudio, audio),
		NewTrack(TrackKindVideo, video),
	}
	return NewHandle(tracks, nil), nil
}
