// Package protocol defines the wire envelope spoken on the signaling
// channel. Every message, both directions, is a JSON object with a
// "type" discriminant; fields beyond the discriminant depend on the type.
package protocol

import (
	"encoding/json"
	"time"
)

// Type is the closed set of message discriminants. Anything else decodes
// to TypeUnknown so new client versions cannot crash an old relay.
type Type string

const (
	TypeConnection  Type = "connection"
	TypePing        Type = "ping"
	TypePong        Type = "pong"
	TypeCallSignal  Type = "call-signal"
	TypeChatMessage Type = "chat-message"
	TypeTyping      Type = "typing"
	TypeStopTyping  Type = "stop_typing"
	TypePeerJoined  Type = "peer-joined"
	TypeError       Type = "error"
	TypeUnknown     Type = ""
)

// ParseType maps a raw discriminant onto the closed set.
func ParseType(s string) Type {
	switch t := Type(s); t {
	case TypeConnection, TypePing, TypePong, TypeCallSignal,
		TypeChatMessage, TypeTyping, TypeStopTyping, TypePeerJoined, TypeError:
		return t
	}
	return TypeUnknown
}

// Envelope is the union of all message variants. Unused fields stay
// empty and are omitted on the wire.
type Envelope struct {
	Type Type `json:"type"`

	// call-signal: opaque SDP/ICE payload, relayed verbatim.
	Signal json.RawMessage `json:"signal,omitempty"`
	To     string          `json:"to,omitempty"`

	// chat-message / typing / stop_typing.
	Sender  string `json:"sender,omitempty"`
	Message string `json:"message,omitempty"`

	Timestamp string `json:"timestamp,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a raw frame. The type discriminant is normalized through
// ParseType; a syntactically valid frame with an unrecognized type comes
// back as TypeUnknown, not an error.
func Decode(data []byte) (Envelope, error) {
	var raw struct {
		Type      string          `json:"type"`
		Signal    json.RawMessage `json:"signal"`
		To        string          `json:"to"`
		Sender    string          `json:"sender"`
		Message   string          `json:"message"`
		Timestamp string          `json:"timestamp"`
		Error     string          `json:"error"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Type:      ParseType(raw.Type),
		Signal:    raw.Signal,
		To:        raw.To,
		Sender:    raw.Sender,
		Message:   raw.Message,
		Timestamp: raw.Timestamp,
		Error:     raw.Error,
	}, nil
}

func Connection(msg string) Envelope {
	return Envelope{Type: TypeConnection, Message: msg, Timestamp: now()}
}

func Pong() Envelope {
	return Envelope{Type: TypePong, Timestamp: now()}
}

func PeerJoined() Envelope {
	return Envelope{Type: TypePeerJoined, Timestamp: now()}
}

func Err(msg string) Envelope {
	return Envelope{Type: TypeError, Error: msg}
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
