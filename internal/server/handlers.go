// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks, presence views, the message API and the built-in test page.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/presencehub/internal/presence"
	"github.com/Tyrowin/presencehub/internal/store"
)

// Server bundles the hub with the HTTP surface around it.
type Server struct {
	hub      *Hub
	messages store.Store
	identity IdentityPolicy
	origins  *originPolicy
	upgrader websocket.Upgrader
	log      *zap.Logger
}

// ServerOptions configures NewServer.
type ServerOptions struct {
	AllowedOrigins []string
	Identity       IdentityPolicy
	Logger         *zap.Logger
}

// NewServer wires hub and messages behind HTTP handlers. messages may be nil,
// in which case the message API answers 503.
func NewServer(hub *Hub, messages store.Store, opts ServerOptions) *Server {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		hub:      hub,
		messages: messages,
		identity: opts.Identity.sanitize(),
		origins:  newOriginPolicy(opts.AllowedOrigins, log),
		log:      log,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.check,
	}
	return s
}

// WebSocketHandler upgrades the request, assigns a connection id and hands
// the new client to the hub.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	hs := s.identity.Handshake(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err), zap.String("remote_addr", r.RemoteAddr))
		return
	}

	client := NewClient(conn, s.hub, uuid.NewString(), r.RemoteAddr, hs)
	s.hub.Serve(client)
}

// HealthHandler reports that the process is up.
func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "presence hub is running!")
}

// PresenceHandler returns the registry snapshot in first-connect order.
func (s *Server) PresenceHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.Snapshot())
}

// SortedPresenceHandler returns the snapshot split into online and offline
// identities, ordered for display.
func (s *Server) SortedPresenceHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, presence.Partition(s.hub.Snapshot()))
}

// StatsHandler returns connection and identity counts.
func (s *Server) StatsHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.Stats())
}

// ListMessagesHandler serves GET /api/messages.
func (s *Server) ListMessagesHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	msgs, err := s.messages.ListMessages(r.Context())
	if err != nil {
		s.storeError(w, "list messages", err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

type createMessageRequest struct {
	Author  string `json:"author"`
	Content string `json:"content"`
}

// CreateMessageHandler serves POST /api/messages.
func (s *Server) CreateMessageHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	var req createMessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	msg, err := s.messages.CreateMessage(r.Context(), req.Author, req.Content)
	if err != nil {
		s.storeError(w, "create message", err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

type toggleLikeRequest struct {
	IdentityKey string `json:"identityKey"`
}

// ToggleLikeHandler serves POST /api/messages/{id}/like.
func (s *Server) ToggleLikeHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid message id", http.StatusBadRequest)
		return
	}
	var req toggleLikeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<12)).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	msg, err := s.messages.ToggleLike(r.Context(), id, req.IdentityKey)
	if err != nil {
		s.storeError(w, "toggle like", err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) requireStore(w http.ResponseWriter) bool {
	if s.messages == nil {
		http.Error(w, "message store not configured", http.StatusServiceUnavailable)
		return false
	}
	return true
}

func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, store.ErrInvalidArgument):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		s.log.Error("message store failure", zap.String("op", op), zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// TestPageHandler serves an HTML page for exercising the websocket endpoint
// by hand: connect with an identity, chat, like and watch presence.
func (s *Server) TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprint(w, testPageHTML)
}

const testPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>Presence Hub Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #log, #presence { border: 1px solid #ccc; height: 240px; padding: 10px; overflow-y: scroll; margin: 10px 0; background-color: #f9f9f9; }
        .online { color: #155724; }
        .offline { color: #721c24; }
    </style>
</head>
<body>
    <h1>Presence Hub Test</h1>
    <div>
        <input type="text" id="identity" placeholder="email" value="me@example.com">
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>
    <div>
        <input type="text" id="messageInput" placeholder="Type a message..." disabled>
        <button id="sendButton" onclick="sendMessage()" disabled>Send</button>
        <button id="likeButton" onclick="send('like-toggle')" disabled>Like</button>
        <button id="queryButton" onclick="send('presence-query')" disabled>Who is here?</button>
    </div>
    <div id="presence"></div>
    <div id="log"></div>

    <script>
        let ws = null;
        const logDiv = document.getElementById('log');
        const presenceDiv = document.getElementById('presence');
        const controls = ['messageInput', 'sendButton', 'likeButton', 'queryButton'].map(id => document.getElementById(id));

        function log(text) {
            const el = document.createElement('div');
            el.textContent = text;
            logDiv.appendChild(el);
            logDiv.scrollTop = logDiv.scrollHeight;
        }

        function renderPresence(records) {
            presenceDiv.innerHTML = '';
            records.forEach(r => {
                const el = document.createElement('div');
                el.className = r.connected ? 'online' : 'offline';
                el.textContent = r.identityKey + (r.connected ? ' (online since ' + r.lastConnectedAt + ')' : ' (left ' + r.lastDisconnectedAt + ')');
                presenceDiv.appendChild(el);
            });
        }

        function setConnected(connected) {
            controls.forEach(c => c.disabled = !connected);
            document.getElementById('connectButton').textContent = connected ? 'Disconnect' : 'Connect';
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.close();
                return;
            }
            const identity = encodeURIComponent(document.getElementById('identity').value);
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws?email=' + identity);
            ws.onopen = () => { log('connected'); setConnected(true); };
            ws.onclose = () => { log('connection closed'); setConnected(false); ws = null; };
            ws.onmessage = (event) => {
                const frame = JSON.parse(event.data);
                if (frame.event === 'presence-snapshot') {
                    renderPresence(frame.data);
                } else if (frame.event === 'chat-relay') {
                    log('chat: ' + frame.data.content);
                } else {
                    log(frame.event);
                }
            };
        }

        function send(event, data) {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.send(JSON.stringify({event: event, data: data}));
            }
        }

        function sendMessage() {
            const input = document.getElementById('messageInput');
            const content = input.value.trim();
            if (content) {
                send('chat-send', {content: content});
                input.value = '';
            }
        }
    </script>
</body>
</html>`
