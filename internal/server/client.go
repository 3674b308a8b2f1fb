package server

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	sendBufferSize = 256
)

var (
	errClientClosed = errors.New("client closed")
	errBufferFull   = errors.New("send buffer full")
)

// Client is one WebSocket connection, either a worker or a dashboard. It
// satisfies session.Conn and broadcast.Subscriber.
type Client struct {
	id   string
	kind string // "worker" or "dashboard"
	conn *websocket.Conn
	send chan []byte
	log  zerolog.Logger

	// Safe close handling - prevents send-on-closed-channel panics
	closeOnce sync.Once
	closed    atomic.Bool
}

func newClient(conn *websocket.Conn, kind string, log zerolog.Logger) *Client {
	id := uuid.New().String()
	return &Client{
		id:   id,
		kind: kind,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		log:  log.With().Str("conn_id", id).Str("client", kind).Logger(),
	}
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// Send queues data for the write pump.
func (c *Client) Send(data []byte) error {
	if c.closed.Load() {
		return errClientClosed
	}
	if !c.SafeSend(data) {
		if c.closed.Load() {
			return errClientClosed
		}
		return errBufferFull
	}
	return nil
}

// SafeSend sends data to the client without panicking on closed channel.
// Returns true if sent successfully, false if channel closed or buffer full.
func (c *Client) SafeSend(data []byte) (sent bool) {
	// Close can run between the closed check and the send
	defer func() {
		if r := recover(); r != nil {
			sent = false
		}
	}()

	if c.closed.Load() {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Close stops the write pump, which sends a close frame and tears down the
// connection. Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.send)
	})
	return nil
}

// IsOpen reports whether Close has not been called and the read side has
// not failed.
func (c *Client) IsOpen() bool { return !c.closed.Load() }

// readPump reads frames until the connection fails, handing each to
// onMessage. onClose runs once when the loop exits.
func (c *Client) readPump(maxMessageSize int64, onMessage func([]byte), onClose func()) {
	defer func() {
		_ = c.Close()
		_ = c.conn.Close()
		onClose()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	c.conn.SetPingHandler(func(appData string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return c.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("read error")
			}
			return
		}

		// Reset read deadline on any received message
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		onMessage(data)
	}
}

// writePump pumps messages to the WebSocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Close was called
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Debug().Err(err).Msg("write failed")
				_ = c.Close()
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.Close()
				return
			}
		}
	}
}
