package rtc

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/dkeye/livecall/internal/call"
)

// LocalTrack wraps a static sample track. The enabled flag is modelled
// at the source: WriteSample drops frames while the track is muted,
// which is what a browser's track.enabled=false does on the wire.
type LocalTrack struct {
	kind  call.TrackKind
	track *webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	enabled bool
	stopped bool
	onEnded func()
}

func newLocalTrack(kind call.TrackKind, caps webrtc.RTPCodecCapability, streamID string) (*LocalTrack, error) {
	t, err := webrtc.NewTrackLocalStaticSample(caps, string(kind)+"-"+uuid.NewString(), streamID)
	if err != nil {
		return nil, err
	}
	return &LocalTrack{kind: kind, track: t, enabled: true}, nil
}

func (t *LocalTrack) Kind() call.TrackKind { return t.kind }

func (t *LocalTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *LocalTrack) SetEnabled(v bool) {
	t.mu.Lock()
	t.enabled = v
	t.mu.Unlock()
}

func (t *LocalTrack) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	fn := t.onEnded
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (t *LocalTrack) OnEnded(fn func()) {
	t.mu.Lock()
	t.onEnded = fn
	t.mu.Unlock()
}

func (t *LocalTrack) RTPTrack() webrtc.TrackLocal { return t.track }

// WriteSample feeds one encoded media sample into the track. Frames are
// dropped silently while the track is muted or stopped.
func (t *LocalTrack) WriteSample(s media.Sample) error {
	t.mu.Lock()
	ok := t.enabled && !t.stopped
	t.mu.Unlock()
	if !ok {
		return nil
	}
	return t.track.WriteSample(s)
}

// Stream is a pair of local tracks from one acquisition.
type Stream struct {
	audio *LocalTrack
	video *LocalTrack
}

func (s *Stream) AudioTrack() call.Track {
	if s.audio == nil {
		return nil
	}
	return s.audio
}

func (s *Stream) VideoTrack() call.Track {
	if s.video == nil {
		return nil
	}
	return s.video
}

func (s *Stream) Stop() {
	if s.audio != nil {
		s.audio.Stop()
	}
	if s.video != nil {
		s.video.Stop()
	}
}

// Devices implements call.MediaDevices with pion sample tracks. The
// capture pipeline feeding WriteSample lives in the embedding app; here
// only the track plumbing matters.
type Devices struct{}

func NewDevices() *Devices { return &Devices{} }

func (d *Devices) AcquireUserMedia(ctx context.Context) (call.MediaStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	streamID := "camera-" + uuid.NewString()
	audio, err := newLocalTrack(call.TrackAudio, webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, streamID)
	if err != nil {
		return nil, err
	}
	video, err := newLocalTrack(call.TrackVideo, webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, streamID)
	if err != nil {
		return nil, err
	}
	return &Stream{audio: audio, video: video}, nil
}

func (d *Devices) AcquireDisplayMedia(ctx context.Context) (call.MediaStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	streamID := "screen-" + uuid.NewString()
	video, err := newLocalTrack(call.TrackVideo, webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, streamID)
	if err != nil {
		return nil, err
	}
	return &Stream{video: video}, nil
}
