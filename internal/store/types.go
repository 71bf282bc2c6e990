package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ThreadStatus is the lifecycle state of a thread.
type ThreadStatus string

const (
	StatusActive   ThreadStatus = "active"
	StatusPaused   ThreadStatus = "paused"
	StatusStopped  ThreadStatus = "stopped"
	StatusArchived ThreadStatus = "archived"
)

// Direction distinguishes user-originated from agent-originated events.
type Direction string

const (
	DirInbound  Direction = "inbound"
	DirOutbound Direction = "outbound"
)

// Channel names the surface an event arrived on or was emitted to.
const (
	ChannelWeb         = "web"
	ChannelTelegram    = "telegram"
	ChannelWebhook     = "webhook"
	ChannelGiteaComment = "gitea_comment"
	ChannelGiteaReview  = "gitea_review"
	ChannelSystem      = "system"
)

// MessageType is the kind of content an event carries.
type MessageType string

const (
	TypeText         MessageType = "text"
	TypeToolUse      MessageType = "tool_use"
	TypeToolResult   MessageType = "tool_result"
	TypeStatusChange MessageType = "status_change"
	TypeSummary      MessageType = "summary"
)

// Usage aggregates token counts and monetary cost.
type Usage struct {
	InputTokens      int64   `json:"input_tokens"`
	OutputTokens     int64   `json:"output_tokens"`
	CacheReadTokens  int64   `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int64   `json:"cache_write_tokens,omitempty"`
	CostUSD          float64 `json:"cost_usd"`
	DurationMs       int64   `json:"duration_ms,omitempty"`
}

// Add accumulates another usage sample into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheReadTokens += other.CacheReadTokens
	u.CacheWriteTokens += other.CacheWriteTokens
	u.CostUSD += other.CostUSD
	u.DurationMs += other.DurationMs
}

// Thread is a durable conversation. "Thread" and "conversation" are the
// same entity; threads created by forking carry lineage pointers.
type Thread struct {
	ID           uuid.UUID    `json:"id"`
	Topic        string       `json:"topic"`
	Channel      string       `json:"channel"` // primary channel of origin
	Status       ThreadStatus `json:"status"`
	ParentID     *uuid.UUID   `json:"parent_id,omitempty"`
	ForkEventID  *uuid.UUID   `json:"fork_event_id,omitempty"`
	Usage        Usage        `json:"usage"`
	AgentRunning bool         `json:"agent_running"`
	Repo         string       `json:"repo,omitempty"`
	Tags         []string     `json:"tags,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Block is one element of interleaved assistant output: either a text span
// or a tool invocation request.
type Block struct {
	Type      string          `json:"type"` // "text" or "tool_use"
	Text      string          `json:"text,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
}

// StatusPayload records a lifecycle transition as event content.
type StatusPayload struct {
	From string `json:"from"`
	To   string `json:"to"`
	By   string `json:"by,omitempty"`
}

// SummaryPayload is the content of a summary event produced by compaction.
// ThreadID names the thread whose prefix the summary covers, which differs
// from the owning thread for fork prefaces.
type SummaryPayload struct {
	ThreadID uuid.UUID `json:"thread_id"`
	FromSeq  int64     `json:"from_seq"`
	ToSeq    int64     `json:"to_seq"`
	Text     string    `json:"text"`
}

// Content is the structured body of an event: exactly one of Text, Blocks,
// Status, or Summary is populated, matching the event's MessageType.
type Content struct {
	Text    string          `json:"text,omitempty"`
	Blocks  []Block         `json:"blocks,omitempty"`
	Status  *StatusPayload  `json:"status,omitempty"`
	Summary *SummaryPayload `json:"summary,omitempty"`
}

// Event is the unit of conversation history. Seq is dense and strictly
// increasing within a thread, starting at 1.
type Event struct {
	ID        uuid.UUID   `json:"id"`
	ThreadID  uuid.UUID   `json:"thread_id"`
	Seq       int64       `json:"seq"`
	CreatedAt time.Time   `json:"created_at"`
	Direction Direction   `json:"direction"`
	Actor     string      `json:"actor"` // "gigi", "user", "forge:<login>", ...
	Channel   string      `json:"channel"`
	Type      MessageType `json:"type"`
	Content   Content     `json:"content"`
	// Metadata holds tool outputs keyed by tool_use id.
	Metadata  map[string]string `json:"metadata,omitempty"`
	Usage     *Usage            `json:"usage,omitempty"`
	Compacted bool              `json:"compacted"`
}

// RefType classifies an external forge artifact.
type RefType string

const (
	RefIssue  RefType = "issue"
	RefPR     RefType = "pr"
	RefCommit RefType = "commit"
	RefBranch RefType = "branch"
)

// RefStatus tracks the artifact's lifecycle as seen from webhooks.
type RefStatus string

const (
	RefOpen    RefStatus = "open"
	RefClosed  RefStatus = "closed"
	RefMerged  RefStatus = "merged"
	RefUnknown RefStatus = "unknown"
)

// Reference links a thread to a forge artifact. (Thread, Type, Repo, Number)
// is unique; Number carries the sha for commit/branch refs.
type Reference struct {
	ThreadID  uuid.UUID `json:"thread_id"`
	Type      RefType   `json:"type"`
	Repo      string    `json:"repo"`
	Number    string    `json:"number"` // numeric id or sha/branch name
	Status    RefStatus `json:"status"`
	URL       string    `json:"url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ActionRecord logs an outbound write the agent performed against the
// forge or a chat channel. Used to drop webhook echoes of our own writes.
type ActionRecord struct {
	ID        uuid.UUID `json:"id"`
	Kind      string    `json:"kind"` // "create_pr", "comment", "close_issue", "telegram_send", ...
	Repo      string    `json:"repo,omitempty"`
	TargetID  string    `json:"target_id,omitempty"` // issue/PR number, branch, chat id
	Digest    string    `json:"digest,omitempty"`    // sha256 of the written content
	CreatedAt time.Time `json:"created_at"`
}

// QuestionStatus is the lifecycle of a pending ask_user question.
type QuestionStatus string

const (
	QuestionPending   QuestionStatus = "pending"
	QuestionAnswered  QuestionStatus = "answered"
	QuestionCancelled QuestionStatus = "cancelled"
	QuestionExpired   QuestionStatus = "expired"
)

// PendingQuestion persists an ask_user suspension so a restart does not
// lose the parked turn's question.
type PendingQuestion struct {
	ID        uuid.UUID      `json:"id"`
	ThreadID  uuid.UUID      `json:"thread_id"`
	Question  string         `json:"question"`
	Options   []string       `json:"options,omitempty"`
	Status    QuestionStatus `json:"status"`
	Answer    string         `json:"answer,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// TaskState is the completion-enforcement milestone chain.
type TaskState string

const (
	TaskInitial  TaskState = "initial"
	TaskChanged  TaskState = "changed"
	TaskPushed   TaskState = "pushed"
	TaskPROpened TaskState = "pr_opened"
	TaskNotified TaskState = "notified"
	TaskDone     TaskState = "done"
)

// TaskContext tracks completion enforcement for one (thread, repo, issue).
type TaskContext struct {
	ThreadID    uuid.UUID `json:"thread_id"`
	Repo        string    `json:"repo"`
	IssueNumber int64     `json:"issue_number"`
	State       TaskState `json:"state"`
	Cycles      int       `json:"cycles"` // enforcement injections so far
	Fingerprint string    `json:"fingerprint"` // workspace snapshot at turn start
	Surfaced    bool      `json:"surfaced"`    // stale-task notification sent
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// DayUsage is one day's rollup for the stats endpoint.
type DayUsage struct {
	Day   string `json:"day"` // YYYY-MM-DD (UTC)
	Usage Usage  `json:"usage"`
}
