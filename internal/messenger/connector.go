package messenger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// dialTimeout bounds each connection attempt.
	dialTimeout = 5 * time.Second

	// maxReconnectAttempts caps automatic reconnects after an established
	// connection drops. Past the cap the session stays Disconnected until
	// the embedding application calls Connect again.
	maxReconnectAttempts = 3

	reconnectDelay = time.Second
)

// ErrReconnectExhausted is reported through the error callback when every
// automatic reconnect attempt has failed.
var ErrReconnectExhausted = errors.New("messenger: reconnect attempts exhausted")

// Connector maintains the live websocket connection: dialing, the read loop,
// serialized writes, and bounded reconnection. It feeds inbound events to
// the Session and implements Transport for outbound ones.
type Connector struct {
	wsURL   string
	token   string
	session *Session
	log     *slog.Logger

	// onError, when set, receives terminal connection failures.
	onError func(error)

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// NewConnector prepares a connector for the given server. wsURL is the
// websocket endpoint (ws:// or wss://, path /ws/messenger); the token is
// passed as a query parameter during the handshake.
func NewConnector(wsURL, token string, session *Session, logger *slog.Logger) *Connector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connector{
		wsURL:   wsURL,
		token:   token,
		session: session,
		log:     logger,
	}
}

// OnError registers a callback for terminal connection failures. Must be set
// before Connect.
func (c *Connector) OnError(fn func(error)) { c.onError = fn }

// Emit sends one event over the live connection. Writes are serialized; a
// missing connection is an immediate error so the caller can roll back
// optimistic state.
func (c *Connector) Emit(ev OutboundEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errors.New("messenger: not connected")
	}
	return c.conn.WriteJSON(ev)
}

// Connect dials the server and starts the read loop. It returns once the
// initial connection is established or the context expires; the read loop
// and any reconnects run in the background until Close.
func (c *Connector) Connect(ctx context.Context) error {
	c.session.SetConnState(Connecting)
	conn, err := c.dial(ctx)
	if err != nil {
		c.session.SetConnState(Disconnected)
		return err
	}
	c.setConn(conn)
	c.session.SetConnState(Connected)
	go c.readLoop(ctx, conn)
	return nil
}

// Close tears down the connection and disables reconnection.
func (c *Connector) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.session.SetConnState(Disconnected)
	if conn == nil {
		return nil
	}
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return conn.Close()
}

func (c *Connector) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.wsURL)
	if err != nil {
		return nil, fmt.Errorf("parse websocket url: %w", err)
	}
	q := u.Query()
	q.Set("token", c.token)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(dctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.wsURL, err)
	}
	return conn, nil
}

func (c *Connector) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

// readLoop decodes server pushes until the connection drops, then hands off
// to the bounded reconnect.
func (c *Connector) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var ev InboundEvent
		if err := conn.ReadJSON(&ev); err != nil {
			c.mu.Lock()
			closed := c.closed
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()

			conn.Close()
			if closed || ctx.Err() != nil {
				return
			}
			c.log.Warn("connection lost", slog.String("error", err.Error()))
			c.reconnect(ctx)
			return
		}
		c.session.HandleEvent(ev)
	}
}

// reconnect retries the dial a bounded number of times. Presence, room
// membership and typing state are rebuilt by the session on the
// connected-state transition; message history is authoritative on the
// server, so nothing is replayed.
func (c *Connector) reconnect(ctx context.Context) {
	c.session.SetConnState(Connecting)

	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			c.session.SetConnState(Disconnected)
			return
		case <-time.After(reconnectDelay):
		}

		conn, err := c.dial(ctx)
		if err != nil {
			c.log.Warn("reconnect failed",
				slog.Int("attempt", attempt), slog.String("error", err.Error()))
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		c.mu.Unlock()

		c.log.Info("reconnected", slog.Int("attempt", attempt))
		c.session.SetConnState(Connected)
		go c.readLoop(ctx, conn)
		return
	}

	c.session.SetConnState(Disconnected)
	if c.onError != nil {
		c.onError(ErrReconnectExhausted)
	}
}
