package agent

import (
	"encoding/json"
	"fmt"

	"github.com/M3kH/gigi/internal/providers"
	"github.com/M3kH/gigi/internal/store"
)

const systemPrompt = `You are Gigi, a self-hosted development assistant with access to the operator's Gitea forge, a workspace checkout, a shell, and the web.

Work autonomously: read issues, change code, push branches, open pull requests, and notify the operator when work is ready. Use ask_user only when a decision genuinely requires the operator. Keep answers short; this is a working channel, not a chat toy.

When you work on an issue, finish the job: code changed, branch pushed, PR opened, operator notified.`

// buildMessages renders a thread's visible event tail (non-compacted
// events plus summaries) as provider messages.
func buildMessages(events []*store.Event, extraSystem string) []providers.Message {
	msgs := []providers.Message{{Role: "system", Content: systemPrompt}}
	if extraSystem != "" {
		msgs = append(msgs, providers.Message{Role: "system", Content: extraSystem})
	}

	for _, ev := range events {
		switch ev.Type {
		case store.TypeSummary:
			if ev.Content.Summary != nil {
				msgs = append(msgs, providers.Message{
					Role:    "system",
					Content: "Summary of earlier conversation:\n" + ev.Content.Summary.Text,
				})
			}

		case store.TypeText:
			role := "user"
			if ev.Direction == store.DirOutbound {
				role = "assistant"
			}
			content := ev.Content.Text
			if ev.Direction == store.DirInbound && ev.Actor != "user" {
				// Webhook and forge events carry their origin inline so the
				// model can tell operator intents from forge notifications.
				content = fmt.Sprintf("[%s via %s] %s", ev.Actor, ev.Channel, content)
			}
			msgs = append(msgs, providers.Message{Role: role, Content: content})

		case store.TypeToolUse:
			m := providers.Message{Role: "assistant"}
			for _, b := range ev.Content.Blocks {
				switch b.Type {
				case "text":
					m.Content += b.Text
				case "tool_use":
					args := make(map[string]any)
					if len(b.Input) > 0 {
						json.Unmarshal(b.Input, &args)
					}
					m.ToolCalls = append(m.ToolCalls, providers.ToolCall{
						ID:        b.ToolUseID,
						Name:      b.Name,
						Arguments: args,
					})
				}
			}
			msgs = append(msgs, m)

		case store.TypeToolResult:
			msgs = append(msgs, providers.Message{
				Role:       "tool",
				Content:    ev.Content.Text,
				ToolCallID: ev.Metadata["tool_use_id"],
				IsError:    ev.Metadata["is_error"] == "true",
			})

		case store.TypeStatusChange:
			// Lifecycle noise; not part of the prompt.
		}
	}
	return msgs
}
