package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestDecodeClientVariants(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
		check   func(t *testing.T, f *ClientFrame)
	}{
		{
			name: "chat.send inline",
			raw:  `{"type":"chat.send","conversation_id":"abc","message":"hello","tags":["x"]}`,
			check: func(t *testing.T, f *ClientFrame) {
				m := f.Msg.(*ChatSend)
				if m.ConversationID != "abc" || m.Message != "hello" || len(m.Tags) != 1 {
					t.Fatalf("%+v", m)
				}
			},
		},
		{
			name: "chat.send nested payload",
			raw:  `{"type":"chat.send","payload":{"message":"hi"}}`,
			check: func(t *testing.T, f *ClientFrame) {
				if f.Msg.(*ChatSend).Message != "hi" {
					t.Fatal("nested payload not decoded")
				}
			},
		},
		{
			name:    "chat.send missing message",
			raw:     `{"type":"chat.send","conversation_id":"abc"}`,
			wantErr: true,
		},
		{
			name: "chat.new",
			raw:  `{"type":"chat.new","channel":"web","topic":"t"}`,
			check: func(t *testing.T, f *ClientFrame) {
				if f.Msg.(*ChatNew).Channel != "web" {
					t.Fatal("channel lost")
				}
			},
		},
		{
			name:    "chat.new missing channel",
			raw:     `{"type":"chat.new"}`,
			wantErr: true,
		},
		{
			name: "chat.resume with after_seq",
			raw:  `{"type":"chat.resume","conversation_id":"abc","after_seq":17}`,
			check: func(t *testing.T, f *ClientFrame) {
				if f.Msg.(*ChatResume).AfterSeq != 17 {
					t.Fatal("after_seq lost")
				}
			},
		},
		{
			name:    "chat.stop missing id",
			raw:     `{"type":"chat.stop"}`,
			wantErr: true,
		},
		{
			name: "ping has no payload",
			raw:  `{"type":"ping"}`,
			check: func(t *testing.T, f *ClientFrame) {
				if f.Msg != nil {
					t.Fatal("ping should carry no payload")
				}
			},
		},
		{
			name:    "unknown type",
			raw:     `{"type":"nope"}`,
			wantErr: true,
		},
		{
			name:    "missing type",
			raw:     `{"message":"hi"}`,
			wantErr: true,
		},
		{
			name:    "malformed json",
			raw:     `{`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := DecodeClient([]byte(tt.raw))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", f)
				}
				return
			}
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if tt.check != nil {
				tt.check(t, f)
			}
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	data, err := EncodeClient(ClientChatSend, &ChatSend{ConversationID: "c1", Message: "hello"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	f, err := DecodeClient(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	m := f.Msg.(*ChatSend)
	if m.ConversationID != "c1" || m.Message != "hello" {
		t.Fatalf("round trip lost data: %+v", m)
	}
}

func TestServerMessageEncoding(t *testing.T) {
	msg := NewServerMessage(ServerToolUse, "conv-1", &ToolUsePayload{
		ToolUseID: "tu_1", Name: "gitea", Input: map[string]any{"action": "list_repos"},
	}).WithSeq(7)

	data, err := msg.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var out map[string]any
	json.Unmarshal(data, &out)

	if out["type"] != ServerToolUse || out["conversation_id"] != "conv-1" {
		t.Fatalf("envelope: %s", data)
	}
	if out["seq"].(float64) != 7 {
		t.Fatalf("seq lost: %s", data)
	}
	if out["ts"].(float64) <= 0 {
		t.Fatal("ts missing")
	}
	if !strings.Contains(string(data), "list_repos") {
		t.Fatalf("payload lost: %s", data)
	}
}
