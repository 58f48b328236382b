// Package relay routes opaque signaling and chat payloads between the
// two registered connections of a call session. It never inspects
// signal payloads and never buffers: a message with no peer to receive
// it is dropped, the protocol expects the host to wait for peer-joined.
package relay

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/livecall/internal/domain"
	"github.com/dkeye/livecall/internal/protocol"
)

type Service struct {
	registry *Registry
}

func NewService(registry *Registry) *Service {
	return &Service{registry: registry}
}

func (s *Service) Registry() *Registry { return s.registry }

// Register stores the connection, closes any connection it displaced and
// acks the newcomer. If the other participant is already present, that
// earlier connection gets the peer-joined cue to start signaling.
func (s *Service) Register(key domain.SessionKey, role domain.Role, ch Channel) {
	res := s.registry.Register(key, role, ch)

	if res.Displaced != nil {
		res.Displaced.Terminate()
	}
	if err := ch.TrySend(protocol.Connection("Connected to call server")); err != nil {
		log.Error().Err(err).Str("module", "relay").Str("key", key.String()).Msg("connection ack failed")
	}
	if res.Peer != nil {
		if err := res.Peer.TrySend(protocol.PeerJoined()); err != nil {
			log.Error().Err(err).Str("module", "relay").Str("key", key.String()).Msg("peer-joined notify failed")
		}
	}
}

func (s *Service) Deregister(key domain.SessionKey, role domain.Role, ch Channel) {
	s.registry.Deregister(key, role, ch)
}

// HandleFrame dispatches one inbound frame from a registered connection.
func (s *Service) HandleFrame(key domain.SessionKey, role domain.Role, sender Channel, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Str("key", key.String()).Msg("invalid frame")
		_ = sender.TrySend(protocol.Err("Invalid message format"))
		return
	}

	switch env.Type {
	case protocol.TypePing:
		_ = sender.TrySend(protocol.Pong())
	case protocol.TypeCallSignal, protocol.TypeChatMessage:
		s.forward(key, role, env)
	case protocol.TypeTyping, protocol.TypeStopTyping:
		if env.Timestamp == "" {
			env.Timestamp = time.Now().UTC().Format(time.RFC3339)
		}
		s.forward(key, role, env)
	default:
		log.Warn().Str("module", "relay").Str("key", key.String()).Msg("unknown message type")
		_ = sender.TrySend(protocol.Err("Unknown message type"))
	}
}

// forward delivers the envelope to the other participant, if present and
// open. No peer means the message is dropped without error.
func (s *Service) forward(key domain.SessionKey, from domain.Role, env protocol.Envelope) {
	peer, ok := s.registry.Peer(key, from)
	if !ok {
		log.Debug().Str("module", "relay").Str("key", key.String()).Str("type", string(env.Type)).
			Msg("no peer, dropping")
		return
	}
	if err := peer.TrySend(env); err != nil {
		log.Warn().Err(err).Str("module", "relay").Str("key", key.String()).Str("type", string(env.Type)).
			Msg("forward failed")
	}
}

// RunHeartbeat sweeps the registry on a fixed interval until ctx ends.
func (s *Service) RunHeartbeat(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.registry.Sweep()
		}
	}
}
