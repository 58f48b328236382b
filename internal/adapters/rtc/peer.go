// Package rtc adapts pion/webrtc to the call package's Peer interface.
// Signaling is non-trickle: offers and answers carry the full SDP after
// ICE gathering completes, so the relay sees one payload per direction.
package rtc

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/livecall/internal/call"
)

func DefaultConfig(stunServers []string) webrtc.Configuration {
	if len(stunServers) == 0 {
		stunServers = []string{"stun:stun.l.google.com:19302"}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: stunServers},
		},
	}
}

// trackProvider is what rtc-native tracks expose so the peer can attach
// them to the underlying PeerConnection.
type trackProvider interface {
	RTPTrack() webrtc.TrackLocal
}

// Peer implements call.Peer on top of a pion PeerConnection.
type Peer struct {
	pc       *webrtc.PeerConnection
	sid      string
	handlers call.PeerHandlers

	mu          sync.Mutex
	videoSender *webrtc.RTPSender

	lastBytes uint64
	lastAt    time.Time
}

func NewPeer(cfg webrtc.Configuration, sessionID string) (*Peer, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	p := &Peer{pc: pc, sid: sessionID}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("sid", p.sid).Str("peer_connection_state", s.String()).Msg("Peer state")
		switch s {
		case webrtc.PeerConnectionStateConnected:
			if p.handlers.OnConnected != nil {
				p.handlers.OnConnected()
			}
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			if p.handlers.OnError != nil {
				p.handlers.OnError(fmt.Errorf("peer connection %s", s))
			}
		}
	})
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Str("sid", p.sid).Str("ice_state", s.String()).Msg("ICE state")
	})

	return p, nil
}

func (p *Peer) SetHandlers(h call.PeerHandlers) {
	p.handlers = h
}

func (p *Peer) AttachStream(ms call.MediaStream) error {
	for _, t := range []call.Track{ms.AudioTrack(), ms.VideoTrack()} {
		if t == nil {
			continue
		}
		prov, ok := t.(trackProvider)
		if !ok {
			return fmt.Errorf("track %s is not rtc-backed", t.Kind())
		}
		sender, err := p.pc.AddTrack(prov.RTPTrack())
		if err != nil {
			return err
		}
		if t.Kind() == call.TrackVideo {
			p.mu.Lock()
			p.videoSender = sender
			p.mu.Unlock()
		}
	}
	return nil
}

// sdpPayload is the shape simple-peer style clients exchange.
type sdpPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func (p *Peer) CreateOffer() (json.RawMessage, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	<-gatherComplete

	local := p.pc.LocalDescription()
	return json.Marshal(sdpPayload{Type: local.Type.String(), SDP: local.SDP})
}

func (p *Peer) HandleSignal(payload json.RawMessage) (json.RawMessage, error) {
	var sp sdpPayload
	if err := json.Unmarshal(payload, &sp); err != nil {
		return nil, fmt.Errorf("bad signal payload: %w", err)
	}

	switch sp.Type {
	case webrtc.SDPTypeOffer.String():
		offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sp.SDP}
		if err := p.pc.SetRemoteDescription(offer); err != nil {
			return nil, err
		}
		answer, err := p.pc.CreateAnswer(nil)
		if err != nil {
			return nil, err
		}
		gatherComplete := webrtc.GatheringCompletePromise(p.pc)
		if err := p.pc.SetLocalDescription(answer); err != nil {
			return nil, err
		}
		<-gatherComplete
		local := p.pc.LocalDescription()
		return json.Marshal(sdpPayload{Type: local.Type.String(), SDP: local.SDP})
	case webrtc.SDPTypeAnswer.String():
		answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sp.SDP}
		return nil, p.pc.SetRemoteDescription(answer)
	}
	return nil, fmt.Errorf("unexpected signal type %q", sp.Type)
}

func (p *Peer) ReplaceVideoTrack(t call.Track) error {
	prov, ok := t.(trackProvider)
	if !ok {
		return fmt.Errorf("track is not rtc-backed")
	}
	p.mu.Lock()
	sender := p.videoSender
	p.mu.Unlock()
	if sender == nil {
		return fmt.Errorf("no video sender")
	}
	return sender.ReplaceTrack(prov.RTPTrack())
}

// Stats reads the inbound video byte counter, packet loss and the
// candidate-pair round trip from pion's stats report.
func (p *Peer) Stats() (call.Stats, error) {
	report := p.pc.GetStats()

	var s call.Stats
	var bytesReceived uint64
	var packetsLost, packetsReceived float64

	for _, raw := range report {
		switch st := raw.(type) {
		case webrtc.InboundRTPStreamStats:
			bytesReceived += st.BytesReceived
			packetsLost += float64(st.PacketsLost)
			packetsReceived += float64(st.PacketsReceived)
		case webrtc.ICECandidatePairStats:
			if st.State == webrtc.StatsICECandidatePairStateSucceeded {
				s.LatencyMs = st.CurrentRoundTripTime * 1000
			}
		}
	}

	if total := packetsLost + packetsReceived; total > 0 {
		s.PacketLossPct = packetsLost / total * 100
	}

	now := time.Now()
	p.mu.Lock()
	if !p.lastAt.IsZero() && bytesReceived >= p.lastBytes {
		elapsed := now.Sub(p.lastAt).Seconds()
		if elapsed > 0 {
			s.BandwidthBps = float64(bytesReceived-p.lastBytes) / elapsed
		}
	}
	p.lastBytes = bytesReceived
	p.lastAt = now
	p.mu.Unlock()

	return s, nil
}

func (p *Peer) Close() error {
	err := p.pc.Close()
	if err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("sid", p.sid).Msg("close error")
	} else {
		log.Info().Str("module", "rtc").Str("sid", p.sid).Msg("closed")
	}
	return err
}
