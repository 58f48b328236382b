package call

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/livecall/internal/domain"
	"github.com/dkeye/livecall/internal/protocol"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type fakeTrack struct {
	kind    TrackKind
	enabled bool
	stopped bool
	onEnded func()
}

func (t *fakeTrack) Kind() TrackKind   { return t.kind }
func (t *fakeTrack) Enabled() bool     { return t.enabled }
func (t *fakeTrack) SetEnabled(v bool) { t.enabled = v }
func (t *fakeTrack) Stop()             { t.stopped = true }
func (t *fakeTrack) OnEnded(fn func()) { t.onEnded = fn }

type fakeStream struct {
	audio *fakeTrack
	video *fakeTrack
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		audio: &fakeTrack{kind: TrackAudio, enabled: true},
		video: &fakeTrack{kind: TrackVideo, enabled: true},
	}
}

func (s *fakeStream) AudioTrack() Track {
	if s.audio == nil {
		return nil
	}
	return s.audio
}

func (s *fakeStream) VideoTrack() Track { return s.video }

func (s *fakeStream) Stop() {
	if s.audio != nil {
		s.audio.Stop()
	}
	if s.video != nil {
		s.video.Stop()
	}
}

type fakeMedia struct {
	userErr    error
	displayErr error
	camera     *fakeStream
	screens    []*fakeStream
}

func (m *fakeMedia) AcquireUserMedia(context.Context) (MediaStream, error) {
	if m.userErr != nil {
		return nil, m.userErr
	}
	m.camera = newFakeStream()
	return m.camera, nil
}

func (m *fakeMedia) AcquireDisplayMedia(context.Context) (MediaStream, error) {
	if m.displayErr != nil {
		return nil, m.displayErr
	}
	s := &fakeStream{video: &fakeTrack{kind: TrackVideo, enabled: true}}
	m.screens = append(m.screens, s)
	return s, nil
}

type fakeSignal struct {
	sent    []protocol.Envelope
	sendErr error
	recv    chan protocol.Envelope
	closed  bool
}

func newFakeSignal() *fakeSignal {
	return &fakeSignal{recv: make(chan protocol.Envelope, 16)}
}

func (s *fakeSignal) Send(env protocol.Envelope) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, env)
	return nil
}

func (s *fakeSignal) Recv() <-chan protocol.Envelope { return s.recv }
func (s *fakeSignal) Close() error                   { s.closed = true; return nil }

type fakePeer struct {
	h          PeerHandlers
	offers     int
	handled    []string
	replaced   int
	stats      Stats
	statsErr   error
	signalErr  error
	closed     bool
	attachedTo MediaStream
}

func (p *fakePeer) SetHandlers(h PeerHandlers) { p.h = h }

func (p *fakePeer) AttachStream(ms MediaStream) error { p.attachedTo = ms; return nil }

func (p *fakePeer) CreateOffer() (json.RawMessage, error) {
	p.offers++
	return json.RawMessage(`"offer-payload"`), nil
}

func (p *fakePeer) HandleSignal(payload json.RawMessage) (json.RawMessage, error) {
	p.handled = append(p.handled, string(payload))
	if p.signalErr != nil {
		return nil, p.signalErr
	}
	var answer json.RawMessage
	if string(payload) == `"offer-payload"` {
		answer = json.RawMessage(`"answer-payload"`)
	}
	if p.h.OnConnected != nil {
		p.h.OnConnected()
	}
	return answer, nil
}

func (p *fakePeer) ReplaceVideoTrack(Track) error { p.replaced++; return nil }
func (p *fakePeer) Stats() (Stats, error)         { return p.stats, p.statsErr }
func (p *fakePeer) Close() error                  { p.closed = true; return nil }

type harness struct {
	ctrl      *Controller
	media     *fakeMedia
	sig       *fakeSignal
	peer      *fakePeer
	peerCalls int
	clock     *fakeClock
	summaries []domain.SessionSummary
	warnings  []int
}

func newHarness(t *testing.T, isHost bool) *harness {
	t.Helper()
	h := &harness{
		media: &fakeMedia{},
		sig:   newFakeSignal(),
		peer:  &fakePeer{},
		clock: &fakeClock{now: time.Unix(1_700_000_000, 0)},
	}
	cfg := Config{
		SessionID:          "sess-1",
		Key:                domain.SessionKey{TenantID: "t1", SessionToken: "s1"},
		HostParticipantID:  "mentor-1",
		GuestParticipantID: "mentee-1",
		IsHost:             isHost,
		MaxDuration:        300 * time.Second,
		WarnAt:             60 * time.Second,
		OnCallEnd:          func(s domain.SessionSummary) { h.summaries = append(h.summaries, s) },
		OnWarning:          func(r int) { h.warnings = append(h.warnings, r) },
	}
	h.ctrl = NewController(cfg, Deps{
		Media:  h.media,
		Signal: h.sig,
		NewPeer: func() (Peer, error) {
			h.peerCalls++
			return h.peer, nil
		},
		Clock: h.clock,
	})
	return h
}

// tickN advances virtual time and the countdown in lockstep.
func (h *harness) tickN(n int) bool {
	ended := false
	for i := 0; i < n; i++ {
		h.clock.Advance(time.Second)
		ended = h.ctrl.Tick()
	}
	return ended
}

func (h *harness) toActive(t *testing.T) {
	t.Helper()
	require.NoError(t, h.ctrl.Start(context.Background()))
	if h.ctrl.cfg.IsHost {
		h.ctrl.HandleEnvelope(protocol.PeerJoined())
		h.ctrl.HandleEnvelope(protocol.Envelope{
			Type:   protocol.TypeCallSignal,
			Signal: json.RawMessage(`"answer-payload"`),
		})
	} else {
		h.ctrl.HandleEnvelope(protocol.Envelope{
			Type:   protocol.TypeCallSignal,
			Signal: json.RawMessage(`"offer-payload"`),
		})
	}
	require.Equal(t, StateActive, h.ctrl.State())
}

func TestMediaFailureEndsWithZeroDuration(t *testing.T) {
	h := newHarness(t, true)
	h.media.userErr = errors.New("permission denied")

	err := h.ctrl.Start(context.Background())
	require.ErrorIs(t, err, ErrMediaAcquisition)

	assert.Equal(t, StateEnded, h.ctrl.State())
	require.Len(t, h.summaries, 1)
	assert.Equal(t, 0, h.summaries[0].DurationSeconds)
	assert.Equal(t, 0, h.peerCalls)
}

func TestHostInitiatesOnPeerJoined(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, h.ctrl.Start(context.Background()))
	assert.Equal(t, StateWaitingForPeer, h.ctrl.State())

	h.ctrl.HandleEnvelope(protocol.PeerJoined())
	assert.Equal(t, StateNegotiating, h.ctrl.State())
	assert.Equal(t, 1, h.peer.offers)

	require.Len(t, h.sig.sent, 1)
	assert.Equal(t, protocol.TypeCallSignal, h.sig.sent[0].Type)
	assert.Equal(t, `"offer-payload"`, string(h.sig.sent[0].Signal))
	assert.Equal(t, "mentee-1", h.sig.sent[0].To)
}

func TestGuestIgnoresPeerJoined(t *testing.T) {
	h := newHarness(t, false)
	require.NoError(t, h.ctrl.Start(context.Background()))

	h.ctrl.HandleEnvelope(protocol.PeerJoined())
	assert.Equal(t, StateWaitingForPeer, h.ctrl.State())
	assert.Equal(t, 0, h.peerCalls)
}

func TestGuestAnswersInboundOffer(t *testing.T) {
	h := newHarness(t, false)
	require.NoError(t, h.ctrl.Start(context.Background()))

	h.ctrl.HandleEnvelope(protocol.Envelope{
		Type:   protocol.TypeCallSignal,
		Signal: json.RawMessage(`"offer-payload"`),
	})

	assert.Equal(t, StateActive, h.ctrl.State())
	require.Len(t, h.sig.sent, 1)
	assert.Equal(t, `"answer-payload"`, string(h.sig.sent[0].Signal))
	assert.Equal(t, "mentor-1", h.sig.sent[0].To)
}

func TestScenarioNoGuestTimesOut(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, h.ctrl.Start(context.Background()))

	ended := h.tickN(300)

	assert.True(t, ended)
	assert.Equal(t, StateEnded, h.ctrl.State())
	require.Len(t, h.summaries, 1)
	assert.Equal(t, 300, h.summaries[0].DurationSeconds)
	assert.Equal(t, 0, h.peerCalls, "no peer connection was ever attempted")
	assert.Equal(t, []int{60}, h.warnings)
}

func TestScenarioBothSidesReachActive(t *testing.T) {
	host := newHarness(t, true)
	guest := newHarness(t, false)

	require.NoError(t, host.ctrl.Start(context.Background()))
	require.NoError(t, guest.ctrl.Start(context.Background()))

	// Relay tells the host its peer arrived; host emits an offer.
	host.ctrl.HandleEnvelope(protocol.PeerJoined())
	require.Len(t, host.sig.sent, 1)

	// Shuttle the offer to the guest, the answer back to the host.
	guest.ctrl.HandleEnvelope(host.sig.sent[0])
	require.Len(t, guest.sig.sent, 1)
	host.ctrl.HandleEnvelope(guest.sig.sent[0])

	assert.Equal(t, StateActive, host.ctrl.State())
	assert.Equal(t, StateActive, guest.ctrl.State())
	assert.Equal(t, domain.StatusConnected, host.ctrl.Status())
	assert.Equal(t, domain.StatusConnected, guest.ctrl.Status())
}

func TestScenarioScreenShareStaysActive(t *testing.T) {
	h := newHarness(t, true)
	h.toActive(t)
	ctx := context.Background()

	require.NoError(t, h.ctrl.ToggleScreenShare(ctx))
	assert.True(t, h.ctrl.IsScreenSharing())
	assert.Equal(t, StateActive, h.ctrl.State())

	require.NoError(t, h.ctrl.ToggleScreenShare(ctx))
	assert.False(t, h.ctrl.IsScreenSharing())
	assert.Equal(t, StateActive, h.ctrl.State())

	// Two track replacements, zero renegotiations.
	assert.Equal(t, 2, h.peer.replaced)
	assert.Equal(t, 1, h.peer.offers)
	require.Len(t, h.media.screens, 1)
	assert.True(t, h.media.screens[0].video.stopped)
}

func TestScreenShareRevertsWhenTrackEnds(t *testing.T) {
	h := newHarness(t, true)
	h.toActive(t)

	require.NoError(t, h.ctrl.ToggleScreenShare(context.Background()))
	screen := h.media.screens[0]
	require.NotNil(t, screen.video.onEnded)

	// The browser-side "stop sharing" ends the track.
	screen.video.onEnded()

	assert.False(t, h.ctrl.IsScreenSharing())
	assert.Equal(t, 2, h.peer.replaced)
}

func TestScreenShareRequiresActive(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, h.ctrl.Start(context.Background()))

	err := h.ctrl.ToggleScreenShare(context.Background())
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestScenarioHangUpDuration(t *testing.T) {
	h := newHarness(t, true)
	h.toActive(t)

	h.tickN(180)
	assert.Equal(t, 120, h.ctrl.TimeRemaining())

	h.ctrl.End()

	require.Len(t, h.summaries, 1)
	assert.Equal(t, 180, h.summaries[0].DurationSeconds)
	assert.Equal(t, StateEnded, h.ctrl.State())
	assert.True(t, h.sig.closed)
	assert.True(t, h.peer.closed)
	assert.True(t, h.media.camera.video.stopped)
	assert.True(t, h.media.camera.audio.stopped)
}

func TestEndIsIdempotent(t *testing.T) {
	h := newHarness(t, true)
	h.toActive(t)

	h.ctrl.End()
	h.ctrl.End()
	assert.True(t, h.tickN(5), "ticks after Ended just report ended")

	assert.Len(t, h.summaries, 1)
}

func TestCountdownExpiryEndsMidNegotiation(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, h.ctrl.Start(context.Background()))
	h.ctrl.HandleEnvelope(protocol.PeerJoined())
	require.Equal(t, StateNegotiating, h.ctrl.State())

	ended := h.tickN(300)

	assert.True(t, ended)
	assert.Equal(t, StateEnded, h.ctrl.State())
	assert.True(t, h.peer.closed, "teardown runs even mid-negotiation")
	require.Len(t, h.summaries, 1)
}

func TestPeerErrorDegradesButDoesNotEnd(t *testing.T) {
	h := newHarness(t, true)
	h.toActive(t)

	h.peer.h.OnError(errors.New("ice failed"))

	assert.Equal(t, domain.StatusPoor, h.ctrl.Status())
	assert.Equal(t, StateActive, h.ctrl.State())
	assert.Empty(t, h.summaries)
}

func TestSignalDownDegradesButCountdownStillEnds(t *testing.T) {
	h := newHarness(t, true)
	h.toActive(t)

	h.ctrl.MarkSignalDown()
	assert.Equal(t, domain.StatusDisconnected, h.ctrl.Status())
	assert.Equal(t, StateActive, h.ctrl.State())

	ended := h.tickN(300)
	assert.True(t, ended)
	require.Len(t, h.summaries, 1)
}

func TestQualitySamplingOnlyWhileActive(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, h.ctrl.Start(context.Background()))

	h.peer.stats = Stats{BandwidthBps: 600_000, LatencyMs: 100, PacketLossPct: 0.5}
	h.ctrl.SampleQuality()
	assert.Equal(t, domain.QualitySample{}, h.ctrl.Quality(), "no sampling before Active")

	h.ctrl.HandleEnvelope(protocol.PeerJoined())
	h.ctrl.HandleEnvelope(protocol.Envelope{Type: protocol.TypeCallSignal, Signal: json.RawMessage(`"answer-payload"`)})
	h.ctrl.SampleQuality()

	q := h.ctrl.Quality()
	assert.Equal(t, domain.QualityHigh, q.Video)
	assert.Equal(t, domain.StatusConnected, h.ctrl.Status())

	h.peer.stats = Stats{LatencyMs: 600, PacketLossPct: 2}
	h.ctrl.SampleQuality()
	assert.Equal(t, domain.StatusPoor, h.ctrl.Status())
}

func TestMuteTogglesAreLocalOnly(t *testing.T) {
	h := newHarness(t, true)
	h.toActive(t)

	assert.False(t, h.ctrl.ToggleVideo())
	assert.False(t, h.media.camera.video.enabled)
	assert.True(t, h.ctrl.ToggleVideo())

	assert.False(t, h.ctrl.ToggleAudio())
	assert.False(t, h.media.camera.audio.enabled)

	assert.Equal(t, 0, h.peer.replaced, "mute never touches the peer connection")
	assert.Equal(t, 1, h.peer.offers)
}

func TestRatingAttachedToSummary(t *testing.T) {
	h := newHarness(t, true)
	h.toActive(t)

	assert.ErrorIs(t, h.ctrl.Rate(0, ""), domain.ErrInvalidRating)
	require.NoError(t, h.ctrl.Rate(5, "great session"))
	h.ctrl.End()

	require.Len(t, h.summaries, 1)
	assert.Equal(t, 5, h.summaries[0].Rating)
	assert.Equal(t, "great session", h.summaries[0].Feedback)

	assert.ErrorIs(t, h.ctrl.Rate(4, ""), ErrEnded)
}

func TestChatTranscript(t *testing.T) {
	h := newHarness(t, true)
	h.toActive(t)

	require.NoError(t, h.ctrl.SendChat("hello"))
	h.ctrl.HandleEnvelope(protocol.Envelope{
		Type:      protocol.TypeChatMessage,
		Sender:    "mentee-1",
		Message:   "hi back",
		Timestamp: h.clock.Now().UTC().Format(time.RFC3339),
	})

	chat := h.ctrl.Chat()
	require.Len(t, chat, 2)
	assert.Equal(t, "mentor-1", chat[0].Sender)
	assert.Equal(t, "hello", chat[0].Text)
	assert.Equal(t, "hi back", chat[1].Text)

	// The outbound message went through the relay.
	var sentChat int
	for _, env := range h.sig.sent {
		if env.Type == protocol.TypeChatMessage {
			sentChat++
		}
	}
	assert.Equal(t, 1, sentChat)
}

func TestSendChatFailureMarksDisconnected(t *testing.T) {
	h := newHarness(t, true)
	h.toActive(t)

	h.sig.sendErr = errors.New("broken pipe")
	err := h.ctrl.SendChat("anyone there?")
	assert.ErrorIs(t, err, ErrSignalingChannel)
	assert.Equal(t, domain.StatusDisconnected, h.ctrl.Status())
	assert.Equal(t, StateActive, h.ctrl.State())
}

func TestSignalBeforeNegotiationIgnoredByHost(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, h.ctrl.Start(context.Background()))

	// A stray signal without peer-joined must not create a peer for the host.
	h.ctrl.HandleEnvelope(protocol.Envelope{Type: protocol.TypeCallSignal, Signal: json.RawMessage(`"x"`)})
	assert.Equal(t, 0, h.peerCalls)
	assert.Equal(t, StateWaitingForPeer, h.ctrl.State())
}
