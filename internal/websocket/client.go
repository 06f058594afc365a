package websocket

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// writeWait bounds a single wire write; a stalled client is closed
	// instead of blocking the writePump.
	writeWait = 10 * time.Second

	// pongWait is how long to wait for a pong after sending a ping.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait so the client has time
	// to reply.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize caps inbound frames; clients only send control frames.
	maxMessageSize = 512

	// sendBufferSize is the per-client outbound buffer. A full buffer marks
	// the client too slow and Publish disconnects it.
	sendBufferSize = 32
)

// upgrader performs the HTTP → WebSocket protocol upgrade. CheckOrigin
// always accepts; the dashboard is served same-origin behind the reverse
// proxy, which owns origin policy.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is a single connected WebSocket peer. Each client runs two
// goroutines: readPump (detects disconnection, handles pong frames) and
// writePump (serialises outgoing messages onto the wire).
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	// send is the handoff between Hub.Publish and the writePump. The hub
	// closes it on unregister, which drains and exits the writePump.
	send chan Message

	// topics is fixed at connection time from query parameters.
	// Read-only afterwards.
	topics []string

	logger *zap.Logger
}

// NewClient upgrades the HTTP connection and wraps it in a Client
// subscribed to topics. Returns an error when the handshake is not a valid
// WebSocket upgrade.
func NewClient(hub *Hub, w http.ResponseWriter, r *http.Request, topics []string, logger *zap.Logger) (*Client, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	c := &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan Message, sendBufferSize),
		topics: topics,
		logger: logger.With(zap.String("remote_addr", r.RemoteAddr)),
	}
	return c, nil
}

// Run registers the client with the hub and starts both pumps. It blocks
// until the connection closes, which is fine inside the HTTP handler that
// just completed the upgrade.
func (c *Client) Run() {
	c.hub.Subscribe(c)

	// writePump gets its own goroutine; gorilla connections allow exactly
	// one concurrent writer.
	go c.writePump()
	c.readPump()
}

// readPump consumes inbound frames. Its job is disconnect detection and
// resetting the read deadline on each pong. The protocol is server-push
// only, so application frames from the client are discarded.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unsubscribe(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)

	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("ws: failed to set read deadline", zap.Error(err))
		return
	}

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Warn("ws: unexpected close", zap.Error(err))
			}
			return
		}
	}
}

// writePump forwards messages from the send channel to the wire and sends
// periodic pings so readPump can detect stale connections.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("ws: failed to set write deadline", zap.Error(err))
				return
			}

			if !ok {
				// The hub closed the channel; say goodbye properly.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Warn("ws: write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("ws: failed to set write deadline", zap.Error(err))
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn("ws: ping error", zap.Error(err))
				return
			}
		}
	}
}
