// Package signal owns the WebSocket endpoint of the relay: upgrading,
// the send/receive pumps and the liveness plumbing. Routing decisions
// stay in the relay package.
package signal

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/livecall/internal/domain"
	"github.com/dkeye/livecall/internal/protocol"
	"github.com/dkeye/livecall/internal/relay"
)

var ErrBackpressure = errors.New("backpressure")

const writeWait = 5 * time.Second

// ClosePolicyViolation mirrors RFC 6455 close code 1008.
const ClosePolicyViolation = websocket.ClosePolicyViolation

type CallWSController struct {
	Relay     *relay.Service
	ReadLimit int64
	ChatLimit *ChatRateLimiter
}

func NewCallWSController(svc *relay.Service, readLimit int64) *CallWSController {
	return &CallWSController{
		Relay:     svc,
		ReadLimit: readLimit,
		ChatLimit: NewChatRateLimiter(20, 10*time.Second),
	}
}

// WsCallConn adapts a gorilla connection to relay.Channel.
type WsCallConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func newWsCallConn(ws *websocket.Conn, buffer int) *WsCallConn {
	return &WsCallConn{conn: ws, send: make(chan []byte, buffer)}
}

func (c *WsCallConn) TrySend(env protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}

// Ping writes a control frame directly; gorilla allows WriteControl
// concurrently with the write pump.
func (c *WsCallConn) Ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *WsCallConn) Terminate() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleCall upgrades the connection and registers it under the session
// key from the query string. A missing tenantId or sessionToken refuses
// the connection with a policy-violation close, nothing is registered.
func (ctl *CallWSController) HandleCall(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	key, err := domain.NewSessionKey(c.Query("tenantId"), c.Query("sessionToken"))
	if err != nil {
		log.Warn().Str("module", "signal").Msg("refusing connection: missing session key")
		msg := websocket.FormatCloseMessage(ClosePolicyViolation, "Missing tenantId or sessionToken")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = ws.Close()
		return
	}

	role := domain.RoleHost
	if r, err := domain.ParseRole(c.Query("role")); err == nil {
		role = r
	}

	log.Info().Str("module", "signal").Str("key", key.String()).Str("role", string(role)).
		Msg("new WS connection")

	conn := newWsCallConn(ws, 32)
	if ctl.ReadLimit > 0 {
		ws.SetReadLimit(ctl.ReadLimit)
	}
	ws.SetPongHandler(func(string) error {
		ctl.Relay.Registry().MarkAlive(key, role)
		return nil
	})

	ctl.Relay.Register(key, role, conn)

	go ctl.writePump(conn)
	go ctl.readPump(key, role, conn)
}
