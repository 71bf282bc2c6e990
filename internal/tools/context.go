package tools

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey int

const (
	keyThreadID ctxKey = iota
	keyChannel
	keyChatID
	keyWorkspace
	keyRepo
	keyProgress
)

// WithThreadID tags tool execution with the owning thread.
func WithThreadID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, keyThreadID, id)
}

func ThreadIDFromContext(ctx context.Context) uuid.UUID {
	if v, ok := ctx.Value(keyThreadID).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}

// WithChannel records the channel the triggering intent arrived on.
func WithChannel(ctx context.Context, channel string) context.Context {
	return context.WithValue(ctx, keyChannel, channel)
}

func ChannelFromContext(ctx context.Context) string {
	v, _ := ctx.Value(keyChannel).(string)
	return v
}

// WithChatID records the chat the triggering intent arrived from.
func WithChatID(ctx context.Context, chatID string) context.Context {
	return context.WithValue(ctx, keyChatID, chatID)
}

func ChatIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(keyChatID).(string)
	return v
}

// WithWorkspace scopes filesystem tools to a directory.
func WithWorkspace(ctx context.Context, dir string) context.Context {
	return context.WithValue(ctx, keyWorkspace, dir)
}

func WorkspaceFromContext(ctx context.Context) string {
	v, _ := ctx.Value(keyWorkspace).(string)
	return v
}

// WithRepo records the repo tag of the thread, when set.
func WithRepo(ctx context.Context, repo string) context.Context {
	return context.WithValue(ctx, keyRepo, repo)
}

func RepoFromContext(ctx context.Context) string {
	v, _ := ctx.Value(keyRepo).(string)
	return v
}

// ProgressFunc publishes a tool_progress segment for the running call.
type ProgressFunc func(message string)

// WithProgress lets long-running tools report progress to subscribers.
func WithProgress(ctx context.Context, fn ProgressFunc) context.Context {
	return context.WithValue(ctx, keyProgress, fn)
}

// ReportProgress is a no-op when no progress sink is attached.
func ReportProgress(ctx context.Context, message string) {
	if fn, ok := ctx.Value(keyProgress).(ProgressFunc); ok && fn != nil {
		fn(message)
	}
}
