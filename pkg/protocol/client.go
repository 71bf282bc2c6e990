package protocol

import (
	"encoding/json"
	"fmt"
)

// Client→server message types carried in the "type" field.
const (
	ClientChatSend     = "chat.send"
	ClientChatNew      = "chat.new"
	ClientChatResume   = "chat.resume"
	ClientChatStop     = "chat.stop"
	ClientViewNavigate = "view.navigate"
	ClientTitleUpdate  = "title.update"
	ClientPing         = "ping"
	ClientPong         = "pong"
)

// ChatSend starts or continues a turn on a thread. With no ConversationID a
// new thread is created on the sender's channel.
type ChatSend struct {
	ConversationID string   `json:"conversation_id,omitempty"`
	Message        string   `json:"message"`
	Tags           []string `json:"tags,omitempty"`
	Repo           string   `json:"repo,omitempty"`
}

// ChatNew creates a thread without sending a message.
type ChatNew struct {
	Channel string   `json:"channel"`
	Topic   string   `json:"topic,omitempty"`
	Tags    []string `json:"tags,omitempty"`
}

// ChatResume subscribes the socket to a thread's live event stream.
type ChatResume struct {
	ConversationID string `json:"conversation_id"`
	// AfterSeq asks for a history snapshot of events after this sequence
	// number before live delivery begins (used to resync after Lagged).
	AfterSeq int64 `json:"after_seq,omitempty"`
}

// ChatStop requests cooperative cancellation of the running turn.
type ChatStop struct {
	ConversationID string `json:"conversation_id"`
}

// ViewNavigate is a UI hint mirrored to the user's other clients.
type ViewNavigate struct {
	Target string `json:"target"`
	ID     string `json:"id,omitempty"`
}

// TitleUpdate renames a thread.
type TitleUpdate struct {
	ConversationID string `json:"conversation_id"`
	Topic          string `json:"topic"`
}

type clientEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ClientFrame is a decoded client message: Type names the variant and Msg
// holds the corresponding struct (nil for ping/pong).
type ClientFrame struct {
	Type string
	Msg  any
}

// DecodeClient parses and validates one client frame. The payload may be
// nested under "payload" or inlined next to "type"; both shapes decode.
func DecodeClient(data []byte) (*ClientFrame, error) {
	var env clientEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	raw := env.Payload
	if len(raw) == 0 {
		raw = data
	}

	frame := &ClientFrame{Type: env.Type}
	switch env.Type {
	case ClientChatSend:
		var m ChatSend
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("%s: %w", env.Type, err)
		}
		if m.Message == "" {
			return nil, fmt.Errorf("%s: message is required", env.Type)
		}
		frame.Msg = &m
	case ClientChatNew:
		var m ChatNew
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("%s: %w", env.Type, err)
		}
		if m.Channel == "" {
			return nil, fmt.Errorf("%s: channel is required", env.Type)
		}
		frame.Msg = &m
	case ClientChatResume:
		var m ChatResume
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("%s: %w", env.Type, err)
		}
		if m.ConversationID == "" {
			return nil, fmt.Errorf("%s: conversation_id is required", env.Type)
		}
		frame.Msg = &m
	case ClientChatStop:
		var m ChatStop
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("%s: %w", env.Type, err)
		}
		if m.ConversationID == "" {
			return nil, fmt.Errorf("%s: conversation_id is required", env.Type)
		}
		frame.Msg = &m
	case ClientViewNavigate:
		var m ViewNavigate
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("%s: %w", env.Type, err)
		}
		if m.Target == "" {
			return nil, fmt.Errorf("%s: target is required", env.Type)
		}
		frame.Msg = &m
	case ClientTitleUpdate:
		var m TitleUpdate
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("%s: %w", env.Type, err)
		}
		if m.ConversationID == "" || m.Topic == "" {
			return nil, fmt.Errorf("%s: conversation_id and topic are required", env.Type)
		}
		frame.Msg = &m
	case ClientPing, ClientPong:
		// no payload
	case "":
		return nil, fmt.Errorf("frame has no type")
	default:
		return nil, fmt.Errorf("unknown client message type %q", env.Type)
	}
	return frame, nil
}

// EncodeClient wraps a typed client message for the wire. Used by the
// terminal client; the SPA builds the same shape.
func EncodeClient(msgType string, msg any) ([]byte, error) {
	m := map[string]any{"type": msgType}
	if msg != nil {
		b, err := json.Marshal(msg)
		if err != nil {
			return nil, err
		}
		var fields map[string]any
		if err := json.Unmarshal(b, &fields); err != nil {
			return nil, err
		}
		for k, v := range fields {
			m[k] = v
		}
	}
	return json.Marshal(m)
}
