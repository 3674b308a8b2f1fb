package worker

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/DevSkoll/drone-fleet-manager/internal/config"
	"github.com/DevSkoll/drone-fleet-manager/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ConnectionHandler is called on connection events.
type ConnectionHandler interface {
	OnConnected()
	OnDisconnected()
}

// Connection parameters
const (
	pingInterval     = 30 * time.Second
	pongWait         = 90 * time.Second
	writeWait        = 10 * time.Second
	maxBackoff       = 60 * time.Second
	initialBackoff   = 1 * time.Second
	closeGracePeriod = 5 * time.Second
)

// WebSocketClient manages the connection to the fleet server and
// reconnects with exponential backoff.
type WebSocketClient struct {
	cfg     *config.Worker
	log     zerolog.Logger
	handler ConnectionHandler

	conn     *websocket.Conn
	mu       sync.Mutex
	messages chan *protocol.Envelope

	connected bool
	backoff   time.Duration
}

// NewWebSocketClient creates a new WebSocket client.
func NewWebSocketClient(cfg *config.Worker, log zerolog.Logger, handler ConnectionHandler) *WebSocketClient {
	return &WebSocketClient{
		cfg:      cfg,
		log:      log.With().Str("component", "websocket").Logger(),
		handler:  handler,
		messages: make(chan *protocol.Envelope, 100),
		backoff:  initialBackoff,
	}
}

// Run connects to the server and maintains the connection.
// It blocks until the context is cancelled.
func (c *WebSocketClient) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.log.Debug().Msg("context cancelled, stopping")
			return
		default:
		}

		if err := c.connect(ctx); err != nil {
			c.log.Error().Err(err).Dur("backoff", c.backoff).Msg("connection failed, retrying")
			c.waitBackoff(ctx)
			continue
		}

		// Connected - reset backoff
		c.backoff = initialBackoff

		c.readLoop(ctx)

		c.waitBackoff(ctx)
	}
}

func (c *WebSocketClient) connect(ctx context.Context) error {
	c.log.Debug().Str("url", c.cfg.URL).Msg("connecting")

	header := http.Header{}
	if c.cfg.Key != "" {
		header.Set("X-Worker-Key", c.cfg.Key)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			c.log.Error().Msg("authentication failed: 401 Unauthorized")
		}
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go c.pingLoop(ctx, conn)

	c.handler.OnConnected()
	return nil
}

func (c *WebSocketClient) readLoop(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		c.connected = false
		if c.conn != nil {
			_ = c.conn.Close()
			c.conn = nil
		}
		c.mu.Unlock()
		c.handler.OnDisconnected()
	}()

	// unblock ReadMessage on shutdown
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.mu.Unlock()
	})
	defer stop()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Error().Err(err).Msg("read error")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		env, err := protocol.Decode(data)
		if err != nil {
			c.log.Warn().Str("data", string(data)).Msg("server sent non-envelope frame")
			continue
		}

		c.log.Debug().Str("type", string(env.Type)).Msg("received message")

		select {
		case c.messages <- env:
		default:
			c.log.Warn().Msg("message queue full, dropping message")
		}
	}
}

func (c *WebSocketClient) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			current := c.conn
			c.mu.Unlock()
			if current != conn {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

// nextBackoff doubles d up to maxBackoff.
func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

func (c *WebSocketClient) waitBackoff(ctx context.Context) {
	timer := time.NewTimer(c.backoff)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}

	c.backoff = nextBackoff(c.backoff)
}

// Send writes an envelope to the server.
func (c *WebSocketClient) Send(env *protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return websocket.ErrCloseSent
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// SendMessage builds and writes an envelope.
func (c *WebSocketClient) SendMessage(msgType protocol.MessageType, payload any) error {
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	return c.Send(env)
}

// Messages returns the channel for incoming envelopes.
func (c *WebSocketClient) Messages() <-chan *protocol.Envelope {
	return c.messages
}

// Close closes the connection gracefully.
func (c *WebSocketClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	err := c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
		time.Now().Add(closeGracePeriod),
	)
	if err != nil {
		_ = c.conn.Close()
		return err
	}
	return nil
}

// IsConnected returns whether the client is connected.
func (c *WebSocketClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}
