// Package call implements the client-side session controller: local
// media lifecycle, peer negotiation through the relay, screen-share
// track swaps, quality sampling and the hard session time limit.
package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/livecall/internal/domain"
	"github.com/dkeye/livecall/internal/protocol"
)

// State is the controller's lifecycle position. Ended is terminal; a
// controller instance is not reusable.
type State string

const (
	StateIdle           State = "idle"
	StateAcquiring      State = "acquiring"
	StateWaitingForPeer State = "waiting_for_peer"
	StateNegotiating    State = "negotiating"
	StateActive         State = "active"
	StateEnding         State = "ending"
	StateEnded          State = "ended"
)

const (
	DefaultMaxDuration = 5 * time.Minute
	DefaultWarnAt      = time.Minute
)

// Config is supplied by the booking layer; nothing here is internal state.
type Config struct {
	SessionID          string
	Key                domain.SessionKey
	HostParticipantID  string
	GuestParticipantID string
	IsHost             bool
	MaxDuration        time.Duration
	WarnAt             time.Duration

	// OnCallEnd receives the session summary exactly once.
	OnCallEnd func(domain.SessionSummary)
	// OnWarning is advisory, fired once when the countdown crosses WarnAt.
	OnWarning func(remainingSeconds int)
}

// Deps are the controller's collaborators, injected for testability.
type Deps struct {
	Media   MediaDevices
	Signal  SignalChannel
	NewPeer PeerFactory
	Clock   Clock
}

type Controller struct {
	cfg   Config
	media MediaDevices
	sig   SignalChannel
	peerF PeerFactory
	clock Clock

	mu        sync.Mutex
	state     State
	status    domain.ConnectionStatus
	countdown *Countdown
	startedAt time.Time

	localStream  MediaStream
	screenStream MediaStream
	peer         Peer

	videoEnabled  bool
	audioEnabled  bool
	screenSharing bool

	quality domain.QualitySample
	chat    []domain.ChatMessage

	rating   int
	feedback string
}

func NewController(cfg Config, deps Deps) *Controller {
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = DefaultMaxDuration
	}
	if cfg.WarnAt <= 0 {
		cfg.WarnAt = DefaultWarnAt
	}
	clock := deps.Clock
	if clock == nil {
		clock = systemClock{}
	}
	return &Controller{
		cfg:    cfg,
		media:  deps.Media,
		sig:    deps.Signal,
		peerF:  deps.NewPeer,
		clock:  clock,
		state:  StateIdle,
		status: domain.StatusConnecting,
	}
}

// Start acquires local media and enters WaitingForPeer. Acquisition
// failure is the one terminal error: the controller ends immediately
// with a zero-duration summary.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return fmt.Errorf("start from state %s", c.state)
	}
	c.state = StateAcquiring
	c.mu.Unlock()

	stream, err := c.media.AcquireUserMedia(ctx)
	if err != nil {
		log.Error().Err(err).Str("module", "call").Str("session", c.cfg.SessionID).Msg("media acquisition failed")
		c.End()
		return fmt.Errorf("%w: %v", ErrMediaAcquisition, err)
	}

	c.mu.Lock()
	c.localStream = stream
	c.videoEnabled = true
	c.audioEnabled = true
	// Billable time starts here, whether or not a peer ever shows up.
	c.startedAt = c.clock.Now()
	c.countdown = NewCountdown(int(c.cfg.MaxDuration.Seconds()), int(c.cfg.WarnAt.Seconds()))
	c.state = StateWaitingForPeer
	c.mu.Unlock()

	log.Info().Str("module", "call").Str("session", c.cfg.SessionID).Bool("host", c.cfg.IsHost).
		Msg("waiting for peer")
	return nil
}

// HandleEnvelope feeds one relayed message into the state machine.
func (c *Controller) HandleEnvelope(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypePeerJoined:
		if c.cfg.IsHost {
			c.beginNegotiation(true, nil)
		}
	case protocol.TypeCallSignal:
		c.handleCallSignal(env)
	case protocol.TypeChatMessage:
		c.appendChat(env.Sender, env.Message, env.Timestamp)
	case protocol.TypeConnection, protocol.TypePong, protocol.TypeTyping, protocol.TypeStopTyping:
		// Informational; surfaced to the UI elsewhere.
	case protocol.TypeError:
		log.Warn().Str("module", "call").Str("session", c.cfg.SessionID).Str("error", env.Error).
			Msg("relay error envelope")
	default:
		log.Warn().Str("module", "call").Str("session", c.cfg.SessionID).Msg("unknown envelope type")
	}
}

// beginNegotiation creates the peer connection. The host initiates with
// an offer; the guest applies the inbound offer it was created for.
func (c *Controller) beginNegotiation(initiator bool, env *protocol.Envelope) {
	c.mu.Lock()
	if c.state != StateWaitingForPeer {
		c.mu.Unlock()
		return
	}

	peer, err := c.peerF()
	if err != nil {
		c.status = domain.StatusPoor
		c.mu.Unlock()
		log.Error().Err(err).Str("module", "call").Str("session", c.cfg.SessionID).Msg("peer create failed")
		return
	}
	peer.SetHandlers(PeerHandlers{
		OnConnected: c.onPeerConnected,
		OnError:     c.onPeerError,
	})
	if err := peer.AttachStream(c.localStream); err != nil {
		c.status = domain.StatusPoor
		c.mu.Unlock()
		log.Error().Err(err).Str("module", "call").Str("session", c.cfg.SessionID).Msg("attach stream failed")
		return
	}
	c.peer = peer
	c.state = StateNegotiating
	c.mu.Unlock()

	if initiator {
		offer, err := peer.CreateOffer()
		if err != nil {
			c.onPeerError(fmt.Errorf("%w: %v", ErrPeerConnection, err))
			return
		}
		c.sendSignal(offer)
		return
	}
	if env != nil {
		c.applySignal(*env)
	}
}

func (c *Controller) handleCallSignal(env protocol.Envelope) {
	c.mu.Lock()
	state := c.state
	hasPeer := c.peer != nil
	c.mu.Unlock()

	// Guest side: the first inbound signal is the host's offer and is
	// what kicks off negotiation.
	if state == StateWaitingForPeer && !hasPeer && !c.cfg.IsHost {
		c.beginNegotiation(false, &env)
		return
	}
	if !hasPeer {
		// Signaling before peer-joined is dropped by protocol design.
		return
	}
	c.applySignal(env)
}

func (c *Controller) applySignal(env protocol.Envelope) {
	c.mu.Lock()
	peer := c.peer
	c.mu.Unlock()
	if peer == nil {
		return
	}

	answer, err := peer.HandleSignal(env.Signal)
	if err != nil {
		c.onPeerError(fmt.Errorf("%w: %v", ErrPeerConnection, err))
		return
	}
	if answer != nil {
		c.sendSignal(answer)
	}
}

func (c *Controller) sendSignal(payload []byte) {
	env := protocol.Envelope{
		Type:   protocol.TypeCallSignal,
		Signal: payload,
		To:     c.otherParticipantID(),
		Sender: c.participantID(),
	}
	if err := c.sig.Send(env); err != nil {
		log.Error().Err(err).Str("module", "call").Str("session", c.cfg.SessionID).Msg("signal send failed")
		c.markDisconnected()
	}
}

func (c *Controller) onPeerConnected() {
	c.mu.Lock()
	if c.state == StateNegotiating {
		c.state = StateActive
		c.status = domain.StatusConnected
	}
	c.mu.Unlock()
	log.Info().Str("module", "call").Str("session", c.cfg.SessionID).Msg("peer connected")
}

// onPeerError degrades the status but never ends the call; the
// countdown remains the backstop.
func (c *Controller) onPeerError(err error) {
	c.mu.Lock()
	if c.state != StateEnding && c.state != StateEnded {
		c.status = domain.StatusPoor
	}
	c.mu.Unlock()
	log.Warn().Err(err).Str("module", "call").Str("session", c.cfg.SessionID).Msg("peer error")
}

// MarkSignalDown records a dropped relay connection. Non-fatal.
func (c *Controller) MarkSignalDown() {
	c.markDisconnected()
	log.Warn().Str("module", "call").Str("session", c.cfg.SessionID).Msg("signaling channel down")
}

func (c *Controller) markDisconnected() {
	c.mu.Lock()
	if c.state != StateEnding && c.state != StateEnded {
		c.status = domain.StatusDisconnected
	}
	c.mu.Unlock()
}

// Tick advances the countdown by one second. Returns true once the
// controller has reached Ended.
func (c *Controller) Tick() bool {
	c.mu.Lock()
	if c.state == StateEnded {
		c.mu.Unlock()
		return true
	}
	if c.countdown == nil {
		c.mu.Unlock()
		return false
	}
	res := c.countdown.Tick()
	warn := c.cfg.OnWarning
	c.mu.Unlock()

	if res.Warning && warn != nil {
		warn(res.Remaining)
	}
	if res.Expired {
		log.Info().Str("module", "call").Str("session", c.cfg.SessionID).Msg("session budget exhausted")
		c.End()
		return true
	}
	return false
}

// SampleQuality takes one stats reading while Active and refreshes the
// advisory quality sample and connection status.
func (c *Controller) SampleQuality() {
	c.mu.Lock()
	if c.state != StateActive || c.peer == nil {
		c.mu.Unlock()
		return
	}
	peer := c.peer
	c.mu.Unlock()

	stats, err := peer.Stats()
	if err != nil {
		c.onPeerError(fmt.Errorf("%w: %v", ErrPeerConnection, err))
		return
	}

	c.mu.Lock()
	if c.state == StateActive {
		c.quality = GradeSample(stats)
		c.status = DeriveStatus(c.status, stats)
	}
	c.mu.Unlock()
}

// ToggleVideo flips the camera track's enabled flag. Local only, no
// renegotiation.
func (c *Controller) ToggleVideo() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.localStream == nil {
		return false
	}
	t := c.localStream.VideoTrack()
	t.SetEnabled(!t.Enabled())
	c.videoEnabled = t.Enabled()
	return c.videoEnabled
}

// ToggleAudio flips the microphone track's enabled flag.
func (c *Controller) ToggleAudio() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.localStream == nil {
		return false
	}
	t := c.localStream.AudioTrack()
	t.SetEnabled(!t.Enabled())
	c.audioEnabled = t.Enabled()
	return c.audioEnabled
}

// ToggleScreenShare swaps the outgoing video track for a display
// capture, or back to the camera. The connection stays Active; the swap
// never renegotiates.
func (c *Controller) ToggleScreenShare(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return ErrNotActive
	}
	sharing := c.screenSharing
	c.mu.Unlock()

	if sharing {
		return c.StopScreenShare()
	}

	screen, err := c.media.AcquireDisplayMedia(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMediaAcquisition, err)
	}

	c.mu.Lock()
	peer := c.peer
	if c.state != StateActive || peer == nil {
		c.mu.Unlock()
		screen.Stop()
		return ErrNotActive
	}
	track := screen.VideoTrack()
	if err := peer.ReplaceVideoTrack(track); err != nil {
		c.mu.Unlock()
		screen.Stop()
		return fmt.Errorf("%w: %v", ErrPeerConnection, err)
	}
	c.screenStream = screen
	c.screenSharing = true
	c.mu.Unlock()

	// Revert when the user ends the share from the browser chrome.
	track.OnEnded(func() { _ = c.StopScreenShare() })

	log.Info().Str("module", "call").Str("session", c.cfg.SessionID).Msg("screen share started")
	return nil
}

// StopScreenShare restores the camera track as the outgoing video.
func (c *Controller) StopScreenShare() error {
	c.mu.Lock()
	if !c.screenSharing {
		c.mu.Unlock()
		return nil
	}
	peer := c.peer
	screen := c.screenStream
	camera := c.localStream.VideoTrack()
	c.screenStream = nil
	c.screenSharing = false
	c.mu.Unlock()

	if screen != nil {
		screen.Stop()
	}
	if peer != nil {
		if err := peer.ReplaceVideoTrack(camera); err != nil {
			return fmt.Errorf("%w: %v", ErrPeerConnection, err)
		}
	}
	log.Info().Str("module", "call").Str("session", c.cfg.SessionID).Msg("screen share stopped")
	return nil
}

// SendChat pushes a side-channel message through the relay and records
// it in the local transcript.
func (c *Controller) SendChat(text string) error {
	now := c.clock.Now()
	env := protocol.Envelope{
		Type:      protocol.TypeChatMessage,
		Sender:    c.participantID(),
		Message:   text,
		Timestamp: now.UTC().Format(time.RFC3339),
	}
	if err := c.sig.Send(env); err != nil {
		c.markDisconnected()
		return fmt.Errorf("%w: %v", ErrSignalingChannel, err)
	}
	c.mu.Lock()
	c.chat = append(c.chat, domain.ChatMessage{
		Key:       c.cfg.Key,
		Sender:    c.participantID(),
		Text:      text,
		Timestamp: now,
	})
	c.mu.Unlock()
	return nil
}

func (c *Controller) appendChat(sender, text, ts string) {
	when, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		when = c.clock.Now()
	}
	c.mu.Lock()
	c.chat = append(c.chat, domain.ChatMessage{
		Key:       c.cfg.Key,
		Sender:    sender,
		Text:      text,
		Timestamp: when,
	})
	c.mu.Unlock()
}

// Rate attaches the participant's rating before the summary is built.
func (c *Controller) Rate(rating int, feedback string) error {
	if rating < 1 || rating > 5 {
		return domain.ErrInvalidRating
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateEnded {
		return ErrEnded
	}
	c.rating = rating
	c.feedback = feedback
	return nil
}

// End terminates the call: releases tracks, closes the peer and the
// relay connection, and delivers the summary exactly once. Safe to call
// from any state; a second call is a no-op.
func (c *Controller) End() {
	c.mu.Lock()
	if c.state == StateEnding || c.state == StateEnded {
		c.mu.Unlock()
		return
	}
	c.state = StateEnding

	if c.screenStream != nil {
		c.screenStream.Stop()
		c.screenStream = nil
	}
	if c.localStream != nil {
		c.localStream.Stop()
	}
	if c.peer != nil {
		_ = c.peer.Close()
		c.peer = nil
	}
	if c.sig != nil {
		_ = c.sig.Close()
	}

	duration := 0
	if !c.startedAt.IsZero() {
		duration = int(c.clock.Now().Sub(c.startedAt).Seconds())
	}
	summary := domain.SessionSummary{
		DurationSeconds: duration,
		Rating:          c.rating,
		Feedback:        c.feedback,
	}
	c.state = StateEnded
	cb := c.cfg.OnCallEnd
	c.mu.Unlock()

	log.Info().Str("module", "call").Str("session", c.cfg.SessionID).Int("duration_s", duration).
		Msg("call ended")
	if cb != nil {
		cb(summary)
	}
}

// Run drives the controller with real time: a one-second countdown
// tick, a two-second quality sample and the relay receive loop. It
// returns once the call has ended.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}

	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	sample := time.NewTicker(2 * time.Second)
	defer sample.Stop()

	recv := c.sig.Recv()
	for {
		select {
		case <-ctx.Done():
			c.End()
			return ctx.Err()
		case env, ok := <-recv:
			if !ok {
				recv = nil
				c.MarkSignalDown()
				continue
			}
			c.HandleEnvelope(env)
		case <-tick.C:
			if c.Tick() {
				return nil
			}
		case <-sample.C:
			c.SampleQuality()
		}
	}
}

func (c *Controller) participantID() string {
	if c.cfg.IsHost {
		return c.cfg.HostParticipantID
	}
	return c.cfg.GuestParticipantID
}

func (c *Controller) otherParticipantID() string {
	if c.cfg.IsHost {
		return c.cfg.GuestParticipantID
	}
	return c.cfg.HostParticipantID
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Status() domain.ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Controller) Quality() domain.QualitySample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quality
}

func (c *Controller) TimeRemaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.countdown == nil {
		return int(c.cfg.MaxDuration.Seconds())
	}
	return c.countdown.Remaining()
}

func (c *Controller) IsScreenSharing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.screenSharing
}

func (c *Controller) IsVideoEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.videoEnabled
}

func (c *Controller) IsAudioEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audioEnabled
}

// Chat returns a copy of the transcript so far.
func (c *Controller) Chat() []domain.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.ChatMessage, len(c.chat))
	copy(out, c.chat)
	return out
}
