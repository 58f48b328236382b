package domain

import "time"

// ChatMessage is an ephemeral side-channel message. It only lives while
// being relayed; nothing in this core persists it.
type ChatMessage struct {
	Key       SessionKey
	Sender    string
	Text      string
	Timestamp time.Time
}
