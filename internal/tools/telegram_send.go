package tools

import (
	"context"
	"strings"
)

// NotifyFunc delivers a message to the operator's chat. The Telegram
// channel supplies it; tests stub it.
type NotifyFunc func(ctx context.Context, text string) error

// TelegramSendTool notifies the operator out-of-band. The enforcement
// "notified" detector and webhook echo dedup read its action-log records.
type TelegramSendTool struct {
	notify NotifyFunc
}

func NewTelegramSendTool(notify NotifyFunc) *TelegramSendTool {
	return &TelegramSendTool{notify: notify}
}

func (t *TelegramSendTool) Name() string { return "telegram_send" }

func (t *TelegramSendTool) Description() string {
	return "Send a Telegram message to the operator. Use to report completed work or surface problems that need attention."
}

func (t *TelegramSendTool) Permission() string { return PermNotify }

func (t *TelegramSendTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text": map[string]any{
				"type":        "string",
				"description": "Message text.",
			},
		},
		"required": []any{"text"},
	}
}

func (t *TelegramSendTool) Execute(ctx context.Context, args map[string]any) *Result {
	text, _ := args["text"].(string)
	if strings.TrimSpace(text) == "" {
		return ErrorResult("Error: empty message")
	}
	if t.notify == nil {
		return ErrorResult("Error: telegram channel not configured")
	}
	if err := t.notify(ctx, text); err != nil {
		return ErrorResult("Error: " + err.Error()).WithError(err)
	}
	return NewResult("Message sent.")
}
