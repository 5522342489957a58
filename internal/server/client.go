// Package server manages individual WebSocket clients, handling read/write
// pumps, rate limiting, and lifecycle state for each connection.
package server

import (
	"errors"
	"io"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/presencehub/internal/config"
	"github.com/Tyrowin/presencehub/internal/metrics"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
)

type connState int

const (
	stateConnecting connState = iota
	stateActive
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateActive:
		return "active"
	default:
		return "closed"
	}
}

// Handshake is the metadata a transport extracted while accepting a
// connection.
type Handshake struct {
	IdentityKey string
}

// ClientSettings are the per-connection limits shared by every client of a hub.
type ClientSettings struct {
	MaxMessageSize int64
	SendBuffer     int
	RateLimit      config.RateLimitConfig
}

func (s ClientSettings) sanitize() ClientSettings {
	if s.MaxMessageSize <= 0 {
		s.MaxMessageSize = 4096
	}
	if s.SendBuffer <= 0 {
		s.SendBuffer = 256
	}
	if s.RateLimit.Burst <= 0 {
		s.RateLimit.Burst = 5
	}
	if s.RateLimit.RefillInterval <= 0 {
		s.RateLimit.RefillInterval = time.Second
	}
	return s
}

// Client is one connection to the hub. Its state, identity and send channel
// are owned by the hub loop; the pumps only read from the socket and drain
// send.
type Client struct {
	conn        *websocket.Conn
	send        chan []byte
	hub         *Hub
	id          string
	addr        string
	handshake   Handshake
	identity    string
	state       connState
	settings    ClientSettings
	rateLimiter *rateLimiter
	log         *zap.Logger
}

// NewClient creates a Client in the connecting state. conn may be nil for a
// client whose frames are read straight from GetSendChan.
func NewClient(conn *websocket.Conn, hub *Hub, id, addr string, hs Handshake) *Client {
	settings := hub.settings
	if conn != nil {
		conn.SetReadLimit(settings.MaxMessageSize)
	}

	return &Client{
		conn:        conn,
		send:        make(chan []byte, settings.SendBuffer),
		hub:         hub,
		id:          id,
		addr:        addr,
		handshake:   hs,
		state:       stateConnecting,
		settings:    settings,
		rateLimiter: newRateLimiter(settings.RateLimit.Burst, settings.RateLimit.RefillInterval, time.Now),
		log:         hub.log.With(zap.String("conn_id", id), zap.String("remote_addr", addr)),
	}
}

// ID returns the transport-assigned connection id.
func (c *Client) ID() string {
	return c.id
}

// GetSendChan returns the client's outbound frames. It is closed when the
// hub closes the client.
func (c *Client) GetSendChan() <-chan []byte {
	return c.send
}

func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Warn("set initial read deadline", zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.log.Warn("set read deadline in pong handler", zap.Error(err))
		}
		return nil
	})
}

// logReadError classifies the error that ended the read loop.
func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn("frame exceeded maximum size", zap.Int64("max_bytes", c.settings.MaxMessageSize))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.log.Info("client closed connection", zap.Error(err))
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.log.Info("connection closed", zap.Error(err))
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.log.Warn("unexpected websocket close", zap.Error(err))
	default:
		c.log.Warn("websocket read error", zap.Error(err))
	}
}

// checkRateLimit reports whether the frame may be processed.
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.allow() {
		metrics.DroppedEvents.WithLabelValues("rate_limited").Inc()
		c.log.Warn("rate limit exceeded; discarding frame",
			zap.Int("burst", c.settings.RateLimit.Burst),
			zap.Duration("interval", c.settings.RateLimit.RefillInterval))
		return false
	}
	return true
}

// processMessage validates one raw frame and hands the resulting event to
// the hub. Malformed frames are logged and dropped.
func (c *Client) processMessage(raw []byte) bool {
	ev, err := DecodeInbound(raw)
	if err != nil {
		reason := "malformed_payload"
		switch {
		case errors.Is(err, ErrUnknownEvent):
			reason = "unknown_event"
		case errors.Is(err, ErrEmptyContent):
			reason = "empty_content"
		}
		metrics.DroppedEvents.WithLabelValues(reason).Inc()
		c.log.Warn("dropping inbound frame", zap.Error(err))
		return false
	}

	c.hub.Submit(c, ev)
	return true
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.closeConnection()
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}

		if !c.checkRateLimit() {
			continue
		}

		c.processMessage(raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when
// the pump should stop.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case frame, ok := <-c.send:
		return c.handleFrame(frame, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

func (c *Client) closeConnection() {
	if c.conn == nil {
		return
	}
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.Warn("close connection", zap.Error(err))
	}
}

// handleFrame writes one outbound frame, or a close frame once the hub has
// closed the send channel.
func (c *Client) handleFrame(frame []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Warn("set write deadline", zap.Error(err))
		return false
	}

	if !ok {
		if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
			c.log.Warn("write close frame", zap.Error(err))
		}
		return false
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		metrics.SendFailures.Inc()
		c.log.Warn("write frame", zap.Error(ErrSendFailure), zap.NamedError("cause", err))
		return false
	}
	return true
}

func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Warn("set write deadline for ping", zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.log.Warn("write ping", zap.Error(err))
		return false
	}
	return true
}
