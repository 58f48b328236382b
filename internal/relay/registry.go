package relay

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/livecall/internal/domain"
	"github.com/dkeye/livecall/internal/protocol"
)

// Channel is the transport half of a registered connection. The adapter
// owns the underlying socket; the registry only sends, pings and
// terminates through this interface.
type Channel interface {
	TrySend(protocol.Envelope) error
	Ping() error
	Terminate()
}

type entry struct {
	role  domain.Role
	ch    Channel
	alive bool
}

// Registry holds at most one live connection per (sessionKey, role).
// Registering under an occupied slot replaces the previous connection.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]map[domain.Role]*entry
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]map[domain.Role]*entry)}
}

// RegisterResult reports what Register found under the key: the peer
// channel already present (cue for peer-joined) and any displaced
// connection the caller must close.
type RegisterResult struct {
	Peer      Channel
	Displaced Channel
}

func (r *Registry) Register(key domain.SessionKey, role domain.Role, ch Channel) RegisterResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key.String()
	slots, ok := r.sessions[k]
	if !ok {
		slots = make(map[domain.Role]*entry, 2)
		r.sessions[k] = slots
	}

	var res RegisterResult
	if prev, ok := slots[role]; ok {
		res.Displaced = prev.ch
	}
	if peer, ok := slots[role.Other()]; ok {
		res.Peer = peer.ch
	}
	slots[role] = &entry{role: role, ch: ch, alive: true}

	log.Info().Str("module", "relay.registry").Str("key", k).Str("role", string(role)).
		Bool("replaced", res.Displaced != nil).Bool("peer_present", res.Peer != nil).
		Msg("registered connection")
	return res
}

// Deregister removes the connection only when it is still the one
// occupying the slot. A replaced connection's deferred cleanup must not
// evict its replacement.
func (r *Registry) Deregister(key domain.SessionKey, role domain.Role, ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key.String()
	slots, ok := r.sessions[k]
	if !ok {
		return
	}
	if e, ok := slots[role]; !ok || e.ch != ch {
		return
	}
	delete(slots, role)
	if len(slots) == 0 {
		delete(r.sessions, k)
	}
	log.Info().Str("module", "relay.registry").Str("key", k).Str("role", string(role)).Msg("deregistered connection")
}

// Peer returns the other participant's channel under the same key, if any.
func (r *Registry) Peer(key domain.SessionKey, from domain.Role) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	slots, ok := r.sessions[key.String()]
	if !ok {
		return nil, false
	}
	e, ok := slots[from.Other()]
	if !ok {
		return nil, false
	}
	return e.ch, true
}

// MarkAlive refreshes the liveness flag, normally from a pong handler.
func (r *Registry) MarkAlive(key domain.SessionKey, role domain.Role) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if slots, ok := r.sessions[key.String()]; ok {
		if e, ok := slots[role]; ok {
			e.alive = true
		}
	}
}

// Sweep runs one heartbeat cycle over every registered connection:
// terminate anything that missed the previous ping, otherwise clear the
// flag and ping again. Pings and terminations happen outside the lock
// so a slow socket cannot stall relay traffic for other sessions.
func (r *Registry) Sweep() {
	var dead, live []Channel

	r.mu.Lock()
	for k, slots := range r.sessions {
		for role, e := range slots {
			if !e.alive {
				dead = append(dead, e.ch)
				delete(slots, role)
				log.Warn().Str("module", "relay.registry").Str("key", k).Str("role", string(role)).
					Msg("evicting dead connection")
				continue
			}
			e.alive = false
			live = append(live, e.ch)
		}
		if len(slots) == 0 {
			delete(r.sessions, k)
		}
	}
	r.mu.Unlock()

	for _, ch := range dead {
		ch.Terminate()
	}
	for _, ch := range live {
		if err := ch.Ping(); err != nil {
			log.Error().Err(err).Str("module", "relay.registry").Msg("ping failed")
		}
	}
}

// Len reports the number of registered connections across all sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, slots := range r.sessions {
		n += len(slots)
	}
	return n
}
