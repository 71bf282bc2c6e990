package tools

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrQuestionDismissed is returned when a chat.stop dismisses the parked
// question before the user answers.
var ErrQuestionDismissed = errors.New("question dismissed")

// AskFunc parks the turn until the user answers (on any channel bound to
// the thread) or the wait times out. The agent runtime supplies it: it
// persists the pending question, publishes the ask_user segment, and
// resolves the park. Any answer string is accepted even when options were
// offered; options only shape the UI.
type AskFunc func(ctx context.Context, threadID uuid.UUID, question string, options []string) (string, error)

// AskUserTool is the only user-mediated suspension point in a turn.
type AskUserTool struct {
	ask AskFunc
}

func NewAskUserTool(ask AskFunc) *AskUserTool {
	return &AskUserTool{ask: ask}
}

func (t *AskUserTool) Name() string { return "ask_user" }

func (t *AskUserTool) Description() string {
	return "Ask the user a question and wait for their answer. Optionally offer a fixed set of choices; the user may still answer free-form."
}

func (t *AskUserTool) ExecContext() ExecContext { return ExecWorker }

func (t *AskUserTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"question": map[string]any{
				"type":        "string",
				"description": "The question to put to the user.",
			},
			"options": map[string]any{
				"type":        "array",
				"description": "Optional choices rendered as buttons.",
				"items":       map[string]any{"type": "string"},
			},
		},
		"required": []any{"question"},
	}
}

func (t *AskUserTool) Execute(ctx context.Context, args map[string]any) *Result {
	question, _ := args["question"].(string)
	var options []string
	if raw, ok := args["options"].([]any); ok {
		for _, o := range raw {
			if s, ok := o.(string); ok {
				options = append(options, s)
			}
		}
	}

	threadID := ThreadIDFromContext(ctx)
	if threadID == uuid.Nil {
		return ErrorResult("Error: ask_user outside a thread")
	}

	answer, err := t.ask(ctx, threadID, question, options)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrorResult("Error: timeout").WithError(err)
		}
		if errors.Is(err, ErrQuestionDismissed) {
			return ErrorResult("Error: cancelled").WithError(err)
		}
		return ErrorResult("Error: " + err.Error()).WithError(err)
	}
	return NewResult(answer)
}
