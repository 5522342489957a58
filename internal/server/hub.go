// Package server coordinates connection lifecycle, presence reconciliation and
// event fan-out for the chat room via the Hub type.
package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/presencehub/internal/metrics"
	"github.com/Tyrowin/presencehub/internal/presence"
)

var (
	// ErrMalformedHandshake marks a connection that arrived without a
	// transport connection id. Only that connection is closed.
	ErrMalformedHandshake = errors.New("malformed handshake: missing connection id")
	// ErrUnknownConnection marks a disconnect or event from a connection that
	// is not in the active set.
	ErrUnknownConnection = errors.New("unknown connection")
	// ErrSendFailure marks a delivery skipped because the recipient queue was
	// full or already closed.
	ErrSendFailure = errors.New("transport send failure")
)

// PresenceObserver is told about every presence change the hub commits.
// Notify is called from the hub loop and must not block.
type PresenceObserver interface {
	Notify(rec presence.Record)
}

// Stats is a point-in-time count of hub state.
type Stats struct {
	ActiveConnections int `json:"activeConnections"`
	KnownIdentities   int `json:"knownIdentities"`
}

type inboundMessage struct {
	client *Client
	event  InboundEvent
}

// Hub owns the set of live connections and the presence registry. All
// lifecycle and application events are applied by the single Run goroutine,
// so registry mutations and connection-set changes are serialized.
type Hub struct {
	registry *presence.Registry
	// conns is the connection set: live connection id to client. Writes
	// happen only on the Run goroutine; the mutex lets Stats read it.
	conns      map[string]*Client
	register   chan *Client
	unregister chan *Client
	inbound    chan inboundMessage
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}

	log       *zap.Logger
	now       func() time.Time
	settings  ClientSettings
	identity  IdentityPolicy
	retention time.Duration
	observers []PresenceObserver
}

// HubOption customizes a Hub at construction.
type HubOption func(*Hub)

// WithLogger sets the hub logger.
func WithLogger(log *zap.Logger) HubOption {
	return func(h *Hub) {
		if log != nil {
			h.log = log
		}
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) HubOption {
	return func(h *Hub) {
		if now != nil {
			h.now = now
		}
	}
}

// WithClientSettings sets per-connection limits.
func WithClientSettings(s ClientSettings) HubOption {
	return func(h *Hub) { h.settings = s.sanitize() }
}

// WithIdentityPolicy controls the fallback identity for anonymous handshakes.
func WithIdentityPolicy(p IdentityPolicy) HubOption {
	return func(h *Hub) { h.identity = p.sanitize() }
}

// WithRetention prunes identities that have been offline longer than d.
func WithRetention(d time.Duration) HubOption {
	return func(h *Hub) { h.retention = d }
}

// WithObserver registers a presence observer.
func WithObserver(o PresenceObserver) HubOption {
	return func(h *Hub) {
		if o != nil {
			h.observers = append(h.observers, o)
		}
	}
}

// NewHub creates a Hub around registry. A nil registry gets a fresh one.
func NewHub(registry *presence.Registry, opts ...HubOption) *Hub {
	if registry == nil {
		registry = presence.NewRegistry()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		registry:   registry,
		conns:      make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inboundMessage),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		log:        zap.NewNop(),
		now:        time.Now,
		settings:   ClientSettings{}.sanitize(),
		identity:   IdentityPolicy{}.sanitize(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Registry returns the presence registry owned by the hub.
func (h *Hub) Registry() *presence.Registry {
	return h.registry
}

// Register hands a connecting client to the hub. It returns false once the
// hub has shut down.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// Unregister reports that the transport closed c.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.ctx.Done():
	}
}

// Submit queues an application event from c. Events from one client are
// applied in the order they were submitted.
func (h *Hub) Submit(c *Client, ev InboundEvent) {
	select {
	case h.inbound <- inboundMessage{client: c, event: ev}:
	case <-h.ctx.Done():
	}
}

// Serve registers c and starts its read and write pumps.
func (h *Hub) Serve(c *Client) {
	if !h.Register(c) {
		c.closeConnection()
		return
	}
	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		c.writePump()
	}()
	go func() {
		defer h.wg.Done()
		c.readPump()
	}()
}

// Snapshot returns the current registry contents.
func (h *Hub) Snapshot() []presence.Record {
	return h.registry.Snapshot()
}

// Stats returns the number of active connections and known identities.
func (h *Hub) Stats() Stats {
	h.mutex.RLock()
	n := len(h.conns)
	h.mutex.RUnlock()
	return Stats{ActiveConnections: n, KnownIdentities: h.registry.Len()}
}

// Run starts the hub's main event loop. It should be called in a separate
// goroutine and returns after Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	var prune <-chan time.Time
	if h.retention > 0 {
		ticker := time.NewTicker(pruneInterval(h.retention))
		defer ticker.Stop()
		prune = ticker.C
	}

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			h.handleConnect(client)

		case client := <-h.unregister:
			h.handleDisconnect(client)

		case msg := <-h.inbound:
			h.handleInbound(msg)

		case <-prune:
			h.pruneRegistry()
		}
	}
}

func pruneInterval(retention time.Duration) time.Duration {
	if retention < time.Minute {
		return retention
	}
	return time.Minute
}

// handleConnect moves a client from connecting to active and tells every
// active connection about the new presence state.
func (h *Hub) handleConnect(c *Client) {
	if c == nil {
		h.log.Warn("received nil client registration; skipping")
		return
	}
	if c.id == "" {
		h.log.Warn("closing connection", zap.Error(ErrMalformedHandshake), zap.String("remote_addr", c.addr))
		metrics.DroppedEvents.WithLabelValues("malformed_handshake").Inc()
		c.state = stateClosed
		close(c.send)
		return
	}
	if _, exists := h.conns[c.id]; exists {
		h.log.Warn("duplicate connection id; closing newcomer", zap.String("conn_id", c.id))
		c.state = stateClosed
		close(c.send)
		return
	}

	identity, degraded := h.identity.resolve(c.handshake.IdentityKey, c.id)
	if degraded {
		h.log.Warn("handshake carried no identity; using sentinel",
			zap.String("conn_id", c.id),
			zap.String("identity", identity),
			zap.String("remote_addr", c.addr))
	}

	h.mutex.Lock()
	c.identity = identity
	c.state = stateActive
	h.conns[c.id] = c
	active := len(h.conns)
	h.mutex.Unlock()

	rec := h.registry.UpsertOnConnect(identity, c.id, h.now())
	metrics.ActiveConnections.Set(float64(active))
	metrics.KnownIdentities.Set(float64(h.registry.Len()))
	h.log.Info("client connected",
		zap.String("conn_id", c.id),
		zap.String("identity", identity),
		zap.String("remote_addr", c.addr),
		zap.Int("active", active))

	h.notify(rec)
	h.broadcastSnapshot()
}

// handleDisconnect closes an active client. A disconnect for a client that
// is not in the connection set, or whose identity has since reconnected
// elsewhere, changes nothing and broadcasts nothing.
func (h *Hub) handleDisconnect(c *Client) {
	if c == nil {
		return
	}

	h.mutex.Lock()
	current, ok := h.conns[c.id]
	if !ok || current != c {
		h.mutex.Unlock()
		h.log.Debug("ignoring disconnect", zap.Error(ErrUnknownConnection),
			zap.String("conn_id", c.id), zap.Stringer("state", c.state))
		metrics.DroppedEvents.WithLabelValues("unknown_connection").Inc()
		return
	}
	delete(h.conns, c.id)
	c.state = stateClosed
	active := len(h.conns)
	h.mutex.Unlock()

	close(c.send)
	metrics.ActiveConnections.Set(float64(active))

	rec, err := h.registry.MarkDisconnected(c.id, h.now())
	if errors.Is(err, presence.ErrNotFound) {
		h.log.Info("client disconnected; identity already rebound",
			zap.String("conn_id", c.id),
			zap.String("identity", c.identity),
			zap.Int("active", active))
		return
	}

	h.log.Info("client disconnected",
		zap.String("conn_id", c.id),
		zap.String("identity", rec.IdentityKey),
		zap.Int("active", active))

	h.notify(rec)
	h.broadcastSnapshot()
}

func (h *Hub) handleInbound(msg inboundMessage) {
	c := msg.client
	if c == nil || msg.event == nil {
		return
	}

	h.mutex.RLock()
	current, ok := h.conns[c.id]
	h.mutex.RUnlock()
	if !ok || current != c {
		h.log.Debug("dropping event", zap.Error(ErrUnknownConnection),
			zap.String("conn_id", c.id), zap.String("event", string(msg.event.Name())))
		metrics.DroppedEvents.WithLabelValues("unknown_connection").Inc()
		return
	}

	metrics.InboundEvents.WithLabelValues(string(msg.event.Name())).Inc()

	switch ev := msg.event.(type) {
	case ChatSend:
		h.broadcast(EventChatRelay, encodeRelay(ev.Payload))
	case LikeToggle:
		frame, err := encodeEnvelope(EventLikeNotify, nil)
		if err != nil {
			h.log.Error("encode like-notify", zap.Error(err))
			return
		}
		h.broadcast(EventLikeNotify, frame)
	case PresenceQuery:
		frame, err := encodeSnapshot(h.registry.Snapshot())
		if err != nil {
			h.log.Error("encode snapshot", zap.Error(err))
			return
		}
		h.sendTo(c, frame)
	default:
		h.log.Warn("unhandled event", zap.String("conn_id", c.id), zap.String("event", string(ev.Name())))
	}
}

func (h *Hub) broadcastSnapshot() {
	frame, err := encodeSnapshot(h.registry.Snapshot())
	if err != nil {
		h.log.Error("encode snapshot", zap.Error(err))
		return
	}
	h.broadcast(EventPresenceSnapshot, frame)
}

// broadcast queues frame for every active client. A recipient whose queue is
// full is skipped; the rest still receive the frame.
func (h *Hub) broadcast(name EventName, frame []byte) {
	clients := h.getClientSnapshot()
	metrics.Broadcasts.WithLabelValues(string(name)).Inc()
	h.log.Debug("broadcasting", zap.String("event", string(name)), zap.Int("recipients", len(clients)))

	for _, client := range clients {
		h.sendTo(client, frame)
	}
}

func (h *Hub) sendTo(c *Client, frame []byte) bool {
	if c.state != stateActive {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		metrics.SendFailures.Inc()
		h.log.Warn("skipping recipient", zap.Error(ErrSendFailure),
			zap.String("conn_id", c.id), zap.String("identity", c.identity))
		return false
	}
}

// getClientSnapshot returns the active clients at this instant.
func (h *Hub) getClientSnapshot() []*Client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	clients := make([]*Client, 0, len(h.conns))
	for _, client := range h.conns {
		clients = append(clients, client)
	}
	return clients
}

func (h *Hub) notify(rec presence.Record) {
	for _, o := range h.observers {
		o.Notify(rec)
	}
}

func (h *Hub) pruneRegistry() {
	if n := h.registry.Prune(h.now().Add(-h.retention)); n > 0 {
		metrics.KnownIdentities.Set(float64(h.registry.Len()))
		h.log.Info("pruned offline identities", zap.Int("removed", n))
	}
}

// shutdownClients closes every active connection. The registry keeps its
// records; they are not mutated during shutdown.
func (h *Hub) shutdownClients() {
	h.log.Info("shutting down all client connections")

	h.mutex.Lock()
	clients := make([]*Client, 0, len(h.conns))
	for id, client := range h.conns {
		clients = append(clients, client)
		client.state = stateClosed
		delete(h.conns, id)
	}
	h.mutex.Unlock()

	for _, client := range clients {
		close(client.send)
		client.closeConnection()
	}
	metrics.ActiveConnections.Set(0)

	h.log.Info("closed client connections", zap.Int("count", len(clients)))
}

// Shutdown stops the hub and waits for all client goroutines to finish, or
// until timeout elapses.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info("initiating hub shutdown")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.log.Warn("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
