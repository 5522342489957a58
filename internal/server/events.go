// Package server defines the tagged event variants exchanged over the wire
// and the helpers that validate and encode them at the connection boundary.
package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Tyrowin/presencehub/internal/presence"
)

// EventName identifies an inbound or outbound event.
type EventName string

// Inbound events.
const (
	EventChatSend      EventName = "chat-send"
	EventLikeToggle    EventName = "like-toggle"
	EventPresenceQuery EventName = "presence-query"
)

// Outbound events.
const (
	EventPresenceSnapshot EventName = "presence-snapshot"
	EventChatRelay        EventName = "chat-relay"
	EventLikeNotify       EventName = "like-notify"
)

// Names used by the first generation of web clients.
var inboundAliases = map[string]EventName{
	"sendMessageFromFront": EventChatSend,
	"likeMessageFromFront": EventLikeToggle,
	"getConnectedUsers":    EventPresenceQuery,
}

var (
	// ErrUnknownEvent is returned for an event name the hub does not handle.
	ErrUnknownEvent = errors.New("unknown event")
	// ErrMalformedPayload is returned when a frame or its data is not the
	// expected JSON shape.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrEmptyContent is returned for a chat-send without content.
	ErrEmptyContent = errors.New("chat-send requires non-empty content")
)

// Envelope is the JSON frame carried by every websocket message.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// InboundEvent is one of ChatSend, LikeToggle or PresenceQuery.
type InboundEvent interface {
	Name() EventName
}

// ChatSend carries a chat payload to be relayed verbatim.
type ChatSend struct {
	// Payload is the data object exactly as the sender encoded it.
	Payload json.RawMessage
	Content string
}

// LikeToggle asks every client to refetch like counts.
type LikeToggle struct{}

// PresenceQuery asks for the current snapshot, sent to the caller only.
type PresenceQuery struct{}

func (ChatSend) Name() EventName      { return EventChatSend }
func (LikeToggle) Name() EventName    { return EventLikeToggle }
func (PresenceQuery) Name() EventName { return EventPresenceQuery }

// DecodeInbound parses one websocket frame into its event variant.
func DecodeInbound(raw []byte) (InboundEvent, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	name := EventName(env.Event)
	if alias, ok := inboundAliases[env.Event]; ok {
		name = alias
	}

	switch name {
	case EventChatSend:
		return decodeChatSend(env.Data)
	case EventLikeToggle:
		return LikeToggle{}, nil
	case EventPresenceQuery:
		return PresenceQuery{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
}

func decodeChatSend(data json.RawMessage) (ChatSend, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return ChatSend{}, fmt.Errorf("%w: chat-send data must be an object", ErrMalformedPayload)
	}

	var body struct {
		Content *string `json:"content"`
	}
	if err := json.Unmarshal(trimmed, &body); err != nil {
		return ChatSend{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if body.Content == nil || strings.TrimSpace(*body.Content) == "" {
		return ChatSend{}, ErrEmptyContent
	}

	payload := make(json.RawMessage, len(data))
	copy(payload, data)
	return ChatSend{Payload: payload, Content: *body.Content}, nil
}

func encodeEnvelope(name EventName, data json.RawMessage) ([]byte, error) {
	return json.Marshal(Envelope{Event: string(name), Data: data})
}

// encodeRelay splices the sender's bytes into the frame untouched;
// json.Marshal would compact and re-escape them.
func encodeRelay(payload json.RawMessage) []byte {
	prefix := `{"event":"` + string(EventChatRelay) + `","data":`
	frame := make([]byte, 0, len(prefix)+len(payload)+1)
	frame = append(frame, prefix...)
	frame = append(frame, payload...)
	return append(frame, '}')
}

func encodeSnapshot(records []presence.Record) ([]byte, error) {
	if records == nil {
		records = []presence.Record{}
	}
	data, err := json.Marshal(records)
	if err != nil {
		return nil, err
	}
	return encodeEnvelope(EventPresenceSnapshot, data)
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
