// Package relayws is the controller-side client of the signaling relay:
// a gorilla WebSocket connection with the same send-channel/pump shape
// as the server side.
package relayws

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/livecall/internal/domain"
	"github.com/dkeye/livecall/internal/protocol"
)

var ErrBackpressure = errors.New("backpressure")

const writeWait = 5 * time.Second

// Client implements call.SignalChannel.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	recv chan protocol.Envelope

	mu     sync.Mutex
	closed bool
}

// Dial connects to the relay's call endpoint. The session key rides on
// the query string; the relay refuses the connection without it.
func Dial(ctx context.Context, baseURL string, key domain.SessionKey, role domain.Role) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	u.Path = "/api/ws/call"
	q := u.Query()
	q.Set("tenantId", string(key.TenantID))
	q.Set("sessionToken", string(key.SessionToken))
	q.Set("role", string(role))
	u.RawQuery = q.Encode()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}

	c := &Client{
		conn: ws,
		send: make(chan []byte, 32),
		recv: make(chan protocol.Envelope, 32),
	}
	go c.writePump()
	go c.readPump()

	log.Info().Str("module", "relayws").Str("key", key.String()).Str("role", string(role)).Msg("dialed relay")
	return c, nil
}

func (c *Client) Send(env protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
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

func (c *Client) Recv() <-chan protocol.Envelope { return c.recv }

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()
	return c.conn.Close()
}

func (c *Client) writePump() {
	for data := range c.send {
		if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			log.Error().Err(err).Str("module", "relayws").Msg("writePump set deadline")
			return
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Error().Err(err).Str("module", "relayws").Msg("writePump write error")
			return
		}
	}
}

// readPump decodes inbound frames onto the recv channel; the channel
// closes when the connection drops, which the controller surfaces as a
// disconnected status.
func (c *Client) readPump() {
	defer close(c.recv)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			log.Info().Err(err).Str("module", "relayws").Msg("readPump read error")
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "relayws").Msg("bad frame from relay")
			continue
		}
		select {
		case c.recv <- env:
		default:
			log.Warn().Str("module", "relayws").Msg("recv buffer full, dropping frame")
		}
	}
}
