package server

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Tyrowin/presencehub/internal/presence"
)

func TestDecodeInbound(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    EventName
		wantErr error
	}{
		{"chat send", `{"event":"chat-send","data":{"content":"hello"}}`, EventChatSend, nil},
		{"chat send alias", `{"event":"sendMessageFromFront","data":{"content":"hello"}}`, EventChatSend, nil},
		{"like toggle", `{"event":"like-toggle"}`, EventLikeToggle, nil},
		{"like toggle alias ignores data", `{"event":"likeMessageFromFront","data":{"id":3}}`, EventLikeToggle, nil},
		{"presence query", `{"event":"presence-query"}`, EventPresenceQuery, nil},
		{"presence query alias", `{"event":"getConnectedUsers"}`, EventPresenceQuery, nil},
		{"unknown event", `{"event":"delete-everything"}`, "", ErrUnknownEvent},
		{"outbound name is not inbound", `{"event":"chat-relay","data":{}}`, "", ErrUnknownEvent},
		{"not json", `hello`, "", ErrMalformedPayload},
		{"chat data not object", `{"event":"chat-send","data":"hello"}`, "", ErrMalformedPayload},
		{"chat data missing", `{"event":"chat-send"}`, "", ErrMalformedPayload},
		{"chat content wrong type", `{"event":"chat-send","data":{"content":7}}`, "", ErrMalformedPayload},
		{"chat content missing", `{"event":"chat-send","data":{"author":"a"}}`, "", ErrEmptyContent},
		{"chat content blank", `{"event":"chat-send","data":{"content":"   "}}`, "", ErrEmptyContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := DecodeInbound([]byte(tt.raw))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ev.Name() != tt.want {
				t.Errorf("Name() = %s, want %s", ev.Name(), tt.want)
			}
		})
	}
}

func TestDecodeChatSendKeepsPayload(t *testing.T) {
	payload := `{ "content":"héllo <", "meta": {"n": 1.50} }`
	ev, err := DecodeInbound([]byte(`{"event":"chat-send","data":` + payload + `}`))
	if err != nil {
		t.Fatalf("DecodeInbound: %v", err)
	}
	chat := ev.(ChatSend)
	if string(chat.Payload) != payload {
		t.Errorf("payload = %s, want %s", chat.Payload, payload)
	}
	if chat.Content != "héllo <" {
		t.Errorf("content = %q", chat.Content)
	}
}

func TestEncodeRelayIsVerbatim(t *testing.T) {
	payload := json.RawMessage(`{"content":"<b>&amp;</b>",  "likes": [ ]}`)
	frame := encodeRelay(payload)

	want := `{"event":"chat-relay","data":{"content":"<b>&amp;</b>",  "likes": [ ]}}`
	if string(frame) != want {
		t.Fatalf("frame = %s\nwant    %s", frame, want)
	}

	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		t.Fatalf("relay frame is not valid JSON: %v", err)
	}
}

func TestEncodeSnapshot(t *testing.T) {
	t.Run("empty registry encodes an empty list", func(t *testing.T) {
		frame, err := encodeSnapshot(nil)
		if err != nil {
			t.Fatalf("encodeSnapshot: %v", err)
		}
		if string(frame) != `{"event":"presence-snapshot","data":[]}` {
			t.Errorf("frame = %s", frame)
		}
	})

	t.Run("record fields", func(t *testing.T) {
		at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
		frame, err := encodeSnapshot([]presence.Record{
			{ConnectionID: "c1", IdentityKey: "a@x.com", Connected: true, LastConnectedAt: at},
		})
		if err != nil {
			t.Fatalf("encodeSnapshot: %v", err)
		}
		want := `{"event":"presence-snapshot","data":[{"connectionId":"c1","identityKey":"a@x.com","connected":true,"lastConnectedAt":"2024-01-02T03:04:05Z"}]}`
		if string(frame) != want {
			t.Errorf("frame = %s\nwant    %s", frame, want)
		}
	})
}

func TestEncodeLikeNotifyHasNoData(t *testing.T) {
	frame, err := encodeEnvelope(EventLikeNotify, nil)
	if err != nil {
		t.Fatalf("encodeEnvelope: %v", err)
	}
	if string(frame) != `{"event":"like-notify"}` {
		t.Errorf("frame = %s", frame)
	}
}
