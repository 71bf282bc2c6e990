package protocol

import (
	"encoding/json"
	"time"
)

// ProtocolVersion is bumped when the wire shapes change incompatibly.
const ProtocolVersion = 1

// Server→client message types carried in the "type" field.
const (
	ServerAgentStart         = "agent_start"
	ServerTextChunk          = "text_chunk"
	ServerToolUse            = "tool_use"
	ServerToolProgress       = "tool_progress"
	ServerToolResult         = "tool_result"
	ServerAskUser            = "ask_user"
	ServerAgentDone          = "agent_done"
	ServerAgentError         = "agent_error"
	ServerAgentStopped       = "agent_stopped"
	ServerConversationUpdate = "conversation_update"
	ServerTitleUpdate        = "title_update"
	ServerViewCommand        = "view_command"
	ServerConversationList   = "conversation_list"
	ServerMessageHistory     = "message_history"
	ServerLagged             = "lagged"
	ServerError              = "error"
	ServerPong               = "pong"
)

// ServerMessage is the envelope for every server→client frame. Seq is set
// for frames backed by a persisted event; Ts is the server's wall-clock
// time in unix milliseconds.
type ServerMessage struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
	Seq            int64  `json:"seq,omitempty"`
	Ts             int64  `json:"ts"`
	Payload        any    `json:"payload,omitempty"`
}

// NewServerMessage stamps a frame with the current server time.
func NewServerMessage(msgType, conversationID string, payload any) *ServerMessage {
	return &ServerMessage{
		Type:           msgType,
		ConversationID: conversationID,
		Ts:             time.Now().UnixMilli(),
		Payload:        payload,
	}
}

// WithSeq attaches the persisted event sequence number.
func (m *ServerMessage) WithSeq(seq int64) *ServerMessage {
	m.Seq = seq
	return m
}

func (m *ServerMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// TextChunkPayload carries partial assistant text; chunks concatenate
// within the current text span.
type TextChunkPayload struct {
	Content string `json:"content"`
}

// ToolUsePayload announces a requested tool invocation.
type ToolUsePayload struct {
	ToolUseID string `json:"tool_use_id"`
	Name      string `json:"name"`
	Input     any    `json:"input,omitempty"`
}

// ToolProgressPayload is emitted by long-running tools that publish progress.
type ToolProgressPayload struct {
	ToolUseID string `json:"tool_use_id"`
	Message   string `json:"message"`
}

// ToolResultPayload reports a terminated tool invocation.
type ToolResultPayload struct {
	ToolUseID string `json:"tool_use_id"`
	Name      string `json:"name"`
	Output    string `json:"output,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// AskUserPayload suspends the turn on a user question.
type AskUserPayload struct {
	QuestionID string   `json:"question_id"`
	Question   string   `json:"question"`
	Options    []string `json:"options,omitempty"`
}

// AgentDonePayload closes a turn with its usage totals.
type AgentDonePayload struct {
	RunID string     `json:"run_id"`
	Usage *UsageInfo `json:"usage,omitempty"`
}

// AgentErrorPayload closes a turn with a failure reason.
type AgentErrorPayload struct {
	RunID  string `json:"run_id"`
	Reason string `json:"reason"`
}

// UsageInfo mirrors the usage aggregate attached to events and threads.
type UsageInfo struct {
	InputTokens      int64   `json:"input_tokens"`
	OutputTokens     int64   `json:"output_tokens"`
	CacheReadTokens  int64   `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int64   `json:"cache_write_tokens,omitempty"`
	CostUSD          float64 `json:"cost_usd"`
	DurationMs       int64   `json:"duration_ms,omitempty"`
}

// ConversationUpdatePayload notifies clients of thread metadata changes.
type ConversationUpdatePayload struct {
	Status       string   `json:"status,omitempty"`
	Topic        string   `json:"topic,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	AgentRunning *bool    `json:"agent_running,omitempty"`
}

// ViewCommandPayload mirrors a view.navigate hint to other clients.
type ViewCommandPayload struct {
	Target string `json:"target"`
	ID     string `json:"id,omitempty"`
}

// ErrorPayload reports a request-level failure on the socket.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}
