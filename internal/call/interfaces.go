package call

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dkeye/livecall/internal/protocol"
)

// TrackKind distinguishes the two local media tracks.
type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// Track is one local media track. Mute toggles flip the enabled flag
// only; Stop releases the underlying device.
type Track interface {
	Kind() TrackKind
	Enabled() bool
	SetEnabled(bool)
	Stop()
	// OnEnded fires when the source goes away on its own, e.g. the user
	// stops a screen share from the browser chrome.
	OnEnded(func())
}

// MediaStream groups the tracks of one acquisition.
type MediaStream interface {
	AudioTrack() Track
	VideoTrack() Track
	Stop()
}

// MediaDevices acquires local media. Acquisition may block on a user
// permission prompt, so both calls take a context.
type MediaDevices interface {
	AcquireUserMedia(ctx context.Context) (MediaStream, error)
	AcquireDisplayMedia(ctx context.Context) (MediaStream, error)
}

// SignalChannel is the controller's connection to the relay.
// Recv's channel closes when the relay drops the connection.
type SignalChannel interface {
	Send(protocol.Envelope) error
	Recv() <-chan protocol.Envelope
	Close() error
}

// Stats is one raw reading from the peer connection.
type Stats struct {
	BandwidthBps  float64
	LatencyMs     float64
	PacketLossPct float64
}

// PeerHandlers are the continuation points of the negotiation: exactly
// one of connected/error fires per underlying event.
type PeerHandlers struct {
	OnConnected func()
	OnError     func(error)
}

// Peer wraps one peer-to-peer connection attempt.
type Peer interface {
	SetHandlers(PeerHandlers)
	AttachStream(MediaStream) error
	// CreateOffer produces the opaque payload the host relays to the guest.
	CreateOffer() (json.RawMessage, error)
	// HandleSignal applies a relayed payload. For an inbound offer the
	// returned answer is non-nil and must be relayed back.
	HandleSignal(payload json.RawMessage) (json.RawMessage, error)
	// ReplaceVideoTrack swaps the outgoing video track without renegotiating.
	ReplaceVideoTrack(Track) error
	Stats() (Stats, error)
	Close() error
}

// PeerFactory builds a fresh Peer when negotiation starts.
type PeerFactory func() (Peer, error)

// Clock abstracts wall time so tests can drive virtual time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }
