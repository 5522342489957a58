package server_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/presencehub/internal/config"
	"github.com/Tyrowin/presencehub/internal/presence"
	"github.com/Tyrowin/presencehub/internal/server"
	"github.com/Tyrowin/presencehub/internal/testhelpers"
)

const wsWait = 2 * time.Second

func startServer(t *testing.T, opts ...server.HubOption) (*httptest.Server, *server.Hub) {
	t.Helper()
	hub := server.NewHub(presence.NewRegistry(), opts...)
	go hub.Run()

	srv := server.NewServer(hub, nil, server.ServerOptions{
		AllowedOrigins: []string{testhelpers.DefaultOrigin},
	})
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(func() {
		ts.Close()
		_ = hub.Shutdown(time.Second)
	})
	return ts, hub
}

func dial(t *testing.T, ts *httptest.Server, identity string) *websocket.Conn {
	t.Helper()
	conn, err := testhelpers.ConnectWebSocket(testhelpers.WebSocketURL(t, ts.URL, identity))
	if err != nil {
		t.Fatalf("dial %s: %v", identity, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func snapshotOf(t *testing.T, env testhelpers.Envelope) []presence.Record {
	t.Helper()
	var records []presence.Record
	if err := json.Unmarshal(env.Data, &records); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	return records
}

// awaitSnapshot reads snapshots until one satisfies ok.
func awaitSnapshot(t *testing.T, conn *websocket.Conn, ok func([]presence.Record) bool) []presence.Record {
	t.Helper()
	deadline := time.Now().Add(wsWait)
	for time.Now().Before(deadline) {
		env := testhelpers.ReceiveEvent(t, conn, "presence-snapshot", time.Until(deadline))
		if records := snapshotOf(t, env); ok(records) {
			return records
		}
	}
	t.Fatal("expected snapshot never arrived")
	return nil
}

func identityState(records []presence.Record, key string) (connected, present bool) {
	for _, r := range records {
		if r.IdentityKey == key {
			return r.Connected, true
		}
	}
	return false, false
}

// TestReconnectOverWebSocket drives the reconnect scenario through real
// sockets: connect, drop, reconnect with a new connection id.
func TestReconnectOverWebSocket(t *testing.T) {
	ts, hub := startServer(t)
	watcher := dial(t, ts, "watcher@x.com")
	awaitSnapshot(t, watcher, func(r []presence.Record) bool { return len(r) == 1 })

	first := dial(t, ts, "a@x.com")
	records := awaitSnapshot(t, watcher, func(r []presence.Record) bool {
		online, _ := identityState(r, "a@x.com")
		return online
	})
	firstID := records[1].ConnectionID

	if err := testhelpers.CloseWebSocket(first); err != nil {
		t.Fatalf("close: %v", err)
	}
	awaitSnapshot(t, watcher, func(r []presence.Record) bool {
		online, present := identityState(r, "a@x.com")
		return present && !online
	})

	dial(t, ts, "a@x.com")
	records = awaitSnapshot(t, watcher, func(r []presence.Record) bool {
		online, _ := identityState(r, "a@x.com")
		return online
	})
	if len(records) != 2 {
		t.Fatalf("reconnect created a second record: %+v", records)
	}
	if records[1].ConnectionID == firstID || records[1].LastDisconnectedAt != nil {
		t.Errorf("record not rebound to the new connection: %+v", records[1])
	}
	if hub.Registry().Len() != 2 {
		t.Errorf("registry holds %d identities", hub.Registry().Len())
	}
}

func TestChatRelayOverWebSocket(t *testing.T) {
	ts, _ := startServer(t)
	a := dial(t, ts, "a@x.com")
	awaitSnapshot(t, a, func(r []presence.Record) bool { return len(r) == 1 })
	b := dial(t, ts, "b@x.com")
	awaitSnapshot(t, a, func(r []presence.Record) bool { return len(r) == 2 })
	awaitSnapshot(t, b, func(r []presence.Record) bool { return len(r) == 2 })

	payload := json.RawMessage(`{"content":"hello room","author":"a@x.com"}`)
	if err := testhelpers.SendEvent(a, "chat-send", payload); err != nil {
		t.Fatalf("send: %v", err)
	}
	for name, conn := range map[string]*websocket.Conn{"sender": a, "peer": b} {
		env := testhelpers.ReceiveEvent(t, conn, "chat-relay", wsWait)
		if string(env.Data) != string(payload) {
			t.Errorf("%s got %s", name, env.Data)
		}
	}

	// The legacy client names map onto the same events.
	if err := testhelpers.SendEvent(b, "likeMessageFromFront", nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	testhelpers.ReceiveEvent(t, a, "like-notify", wsWait)
	testhelpers.ReceiveEvent(t, b, "like-notify", wsWait)
}

func TestPresenceQueryOverWebSocket(t *testing.T) {
	ts, _ := startServer(t)
	a := dial(t, ts, "a@x.com")
	awaitSnapshot(t, a, func(r []presence.Record) bool { return len(r) == 1 })
	b := dial(t, ts, "b@x.com")
	awaitSnapshot(t, a, func(r []presence.Record) bool { return len(r) == 2 })
	awaitSnapshot(t, b, func(r []presence.Record) bool { return len(r) == 2 })

	if err := testhelpers.SendEvent(b, "presence-query", nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	if records := snapshotOf(t, testhelpers.ReceiveEvent(t, b, "presence-snapshot", wsWait)); len(records) != 2 {
		t.Errorf("query reply: %+v", records)
	}
	testhelpers.ExpectSilence(t, a, 200*time.Millisecond)
}

// TestInvalidFramesKeepConnection sends frames the hub must drop and checks
// the connection still works afterwards.
func TestInvalidFramesKeepConnection(t *testing.T) {
	ts, _ := startServer(t)
	a := dial(t, ts, "a@x.com")
	awaitSnapshot(t, a, func(r []presence.Record) bool { return len(r) == 1 })

	for _, raw := range []string{`not json`, `{"event":"nope"}`, `{"event":"chat-send","data":{"content":""}}`} {
		if err := a.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
			t.Fatalf("write %q: %v", raw, err)
		}
	}
	if err := testhelpers.SendEvent(a, "presence-query", nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	env, err := testhelpers.ReceiveEnvelope(a, wsWait)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if env.Event != "presence-snapshot" {
		t.Errorf("first frame after invalid input was %q", env.Event)
	}
}

func TestRateLimitDropsExcessFrames(t *testing.T) {
	ts, _ := startServer(t, server.WithClientSettings(server.ClientSettings{
		RateLimit: config.RateLimitConfig{Burst: 2, RefillInterval: time.Minute},
	}))
	a := dial(t, ts, "a@x.com")
	awaitSnapshot(t, a, func(r []presence.Record) bool { return len(r) == 1 })

	for i := 0; i < 5; i++ {
		if err := testhelpers.SendEvent(a, "like-toggle", nil); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	testhelpers.ReceiveEvent(t, a, "like-notify", wsWait)
	testhelpers.ReceiveEvent(t, a, "like-notify", wsWait)
	testhelpers.ExpectSilence(t, a, 300*time.Millisecond)
}

func TestAnonymousConnectionUsesSentinel(t *testing.T) {
	ts, _ := startServer(t)
	a := dial(t, ts, "")
	records := awaitSnapshot(t, a, func(r []presence.Record) bool { return len(r) == 1 })
	if records[0].IdentityKey != "unknown@example.com" {
		t.Errorf("identity = %q", records[0].IdentityKey)
	}
}

func TestIdentityHeader(t *testing.T) {
	ts, _ := startServer(t)
	header := http.Header{}
	header.Set("X-Identity", "header@x.com")
	conn, err := testhelpers.ConnectWebSocketWithHeader(testhelpers.WebSocketURL(t, ts.URL, ""), header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()

	records := awaitSnapshot(t, conn, func(r []presence.Record) bool { return len(r) == 1 })
	if records[0].IdentityKey != "header@x.com" {
		t.Errorf("identity = %q", records[0].IdentityKey)
	}
}

func TestDisallowedOriginRejected(t *testing.T) {
	ts, hub := startServer(t)

	for _, origin := range []string{"http://evil.example", ""} {
		header := http.Header{}
		header.Set("Origin", origin)
		conn, resp, err := websocket.DefaultDialer.Dial(testhelpers.WebSocketURL(t, ts.URL, "a@x.com"), header)
		if err == nil {
			_ = conn.Close()
			t.Fatalf("origin %q was accepted", origin)
		}
		if resp == nil {
			t.Fatalf("origin %q: no HTTP response: %v", origin, err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("origin %q: status %d, want %d", origin, resp.StatusCode, http.StatusForbidden)
		}
	}
	if hub.Registry().Len() != 0 {
		t.Error("rejected upgrade reached the registry")
	}
}

func TestShutdownClosesSockets(t *testing.T) {
	hub := server.NewHub(presence.NewRegistry())
	go hub.Run()
	srv := server.NewServer(hub, nil, server.ServerOptions{AllowedOrigins: []string{testhelpers.DefaultOrigin}})
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	conn := dial(t, ts, "a@x.com")
	awaitSnapshot(t, conn, func(r []presence.Record) bool { return len(r) == 1 })

	if err := hub.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := conn.SetReadDeadline(time.Now().Add(wsWait)); err != nil {
		t.Fatal(err)
	}
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("socket still open after hub shutdown")
	}
}

func TestHTTPSurfaceOverLiveServer(t *testing.T) {
	ts, _ := startServer(t)
	a := dial(t, ts, "a@x.com")
	awaitSnapshot(t, a, func(r []presence.Record) bool { return len(r) == 1 })

	resp := testhelpers.MakeRequest(t, "GET", ts.URL+"/healthz", "")
	testhelpers.AssertStatusCode(t, resp, http.StatusOK)
	testhelpers.AssertContentType(t, resp, "text/plain")
	_ = resp.Body.Close()

	resp = testhelpers.MakeRequest(t, "GET", ts.URL+"/api/stats", "")
	testhelpers.AssertContentType(t, resp, "application/json")
	var stats server.Stats
	testhelpers.DecodeJSON(t, resp, &stats)
	if stats.ActiveConnections != 1 || stats.KnownIdentities != 1 {
		t.Errorf("stats = %+v", stats)
	}

	resp = testhelpers.MakeRequest(t, "POST", ts.URL+"/api/messages", `{"author":"a","content":"b"}`)
	testhelpers.AssertStatusCode(t, resp, http.StatusServiceUnavailable)
	_ = resp.Body.Close()

	resp = testhelpers.MakeRequest(t, "GET", ts.URL+"/metrics", "")
	testhelpers.AssertStatusCode(t, resp, http.StatusOK)
	_ = resp.Body.Close()
}
