package signal

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/livecall/internal/domain"
	"github.com/dkeye/livecall/internal/protocol"
)

func (ctl *CallWSController) writePump(c *WsCallConn) {
	for data := range c.send {
		if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
			return
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
			return
		}
	}
}

func (ctl *CallWSController) readPump(key domain.SessionKey, role domain.Role, c *WsCallConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("key", key.String()).Str("role", string(role)).
			Msg("readPump closing")
		ctl.Relay.Deregister(key, role, c)
		c.Terminate()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			log.Info().Err(err).Str("module", "signal").Str("key", key.String()).Msg("readPump read error")
			return
		}
		if ctl.chatThrottled(key, role, data) {
			continue
		}
		ctl.Relay.HandleFrame(key, role, c, data)
	}
}

// chatThrottled drops chat and typing frames from a participant that
// exceeds the side-channel rate limit. Signaling is never throttled.
func (ctl *CallWSController) chatThrottled(key domain.SessionKey, role domain.Role, data []byte) bool {
	if ctl.ChatLimit == nil {
		return false
	}
	env, err := protocol.Decode(data)
	if err != nil {
		return false
	}
	switch env.Type {
	case protocol.TypeChatMessage, protocol.TypeTyping, protocol.TypeStopTyping:
		if !ctl.ChatLimit.Allow(key, role) {
			log.Warn().Str("module", "signal").Str("key", key.String()).Str("role", string(role)).
				Msg("chat rate limit hit, dropping frame")
			return true
		}
	}
	return false
}
