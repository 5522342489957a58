// Package testhelpers provides utilities shared by the HTTP and websocket
// tests of the presence hub: request helpers, websocket dialing and envelope
// framing.
package testhelpers

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultOrigin is the Origin header sent by ConnectWebSocket.
const DefaultOrigin = "http://localhost:8080"

// Envelope mirrors the wire frame: {"event": ..., "data": ...}.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// AssertStatusCode checks if the HTTP response has the expected status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// AssertContentType checks if the HTTP response has the expected Content-Type header.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	if contentType != expected {
		t.Errorf("Expected content type %s, got %s", expected, contentType)
	}
}

// MakeRequest creates and executes an HTTP request with a 5-second timeout.
// body may be empty.
func MakeRequest(t *testing.T, method, target, body string) *http.Response {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	var req *http.Request
	var err error
	if body == "" {
		req, err = http.NewRequest(method, target, http.NoBody)
	} else {
		req, err = http.NewRequest(method, target, strings.NewReader(body))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	return resp
}

// DecodeJSON decodes the response body into v and closes it.
func DecodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode response body: %v", err)
	}
}

// WebSocketURL turns an httptest server URL into the /ws endpoint URL,
// adding identity as the email query parameter when it is non-empty.
func WebSocketURL(t *testing.T, serverURL, identity string) string {
	t.Helper()
	u, err := url.Parse(serverURL)
	if err != nil {
		t.Fatalf("Failed to parse server URL: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"
	if identity != "" {
		q := u.Query()
		q.Set("email", identity)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// ConnectWebSocket dials url with DefaultOrigin.
func ConnectWebSocket(target string) (*websocket.Conn, error) {
	return ConnectWebSocketWithHeader(target, nil)
}

// ConnectWebSocketWithHeader dials url with extra headers. DefaultOrigin is
// used unless header already carries an Origin.
func ConnectWebSocketWithHeader(target string, header http.Header) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	for k, v := range header {
		headers[k] = v
	}
	if _, ok := headers["Origin"]; !ok {
		headers.Set("Origin", DefaultOrigin)
	}

	conn, resp, err := dialer.Dial(target, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// SendEvent writes one envelope. data is marshaled unless it is already a
// json.RawMessage; nil omits the data field.
func SendEvent(conn *websocket.Conn, event string, data any) error {
	env := Envelope{Event: event}
	switch d := data.(type) {
	case nil:
	case json.RawMessage:
		env.Data = d
	default:
		raw, err := json.Marshal(d)
		if err != nil {
			return err
		}
		env.Data = raw
	}
	return conn.WriteJSON(env)
}

// ReceiveEnvelope reads one frame, waiting at most timeout.
func ReceiveEnvelope(conn *websocket.Conn, timeout time.Duration) (Envelope, error) {
	var env Envelope
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return env, err
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return env, err
	}
	err = json.Unmarshal(raw, &env)
	return env, err
}

// ReceiveEvent reads frames until one named event arrives, failing the test
// if none does within timeout.
func ReceiveEvent(t *testing.T, conn *websocket.Conn, event string, timeout time.Duration) Envelope {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			t.Fatalf("Timed out waiting for %s", event)
		}
		env, err := ReceiveEnvelope(conn, remaining)
		if err != nil {
			t.Fatalf("Failed waiting for %s: %v", event, err)
		}
		if env.Event == event {
			return env
		}
	}
}

// ExpectSilence fails the test if any frame arrives within wait. The read
// deadline leaves conn unusable for further reads, so call it last.
func ExpectSilence(t *testing.T, conn *websocket.Conn, wait time.Duration) {
	t.Helper()
	env, err := ReceiveEnvelope(conn, wait)
	if err == nil {
		t.Fatalf("Expected no frame, got %s: %s", env.Event, env.Data)
	}
}

// CloseWebSocket gracefully closes a WebSocket connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}
