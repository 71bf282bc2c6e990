package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/M3kH/gigi/internal/router"
	"github.com/M3kH/gigi/internal/store"
)

// handleCommand implements the operator's slash commands.
func (c *Channel) handleCommand(ctx context.Context, chatID, text string) {
	cmd, args, _ := strings.Cut(strings.TrimSpace(text), " ")
	args = strings.TrimSpace(args)

	switch cmd {
	case "/start", "/help":
		c.sendText(ctx, chatID, strings.Join([]string{
			"gigi — your development workspace.",
			"",
			"/new [topic] — start a fresh thread",
			"/threads — list recent threads",
			"/use <n> — switch to thread n from the list",
			"/status — current thread status",
			"/stop — cancel the running turn",
			"/done — mark the current thread stopped",
			"",
			"Anything else is sent to the current thread.",
		}, "\n"))

	case "/new":
		th, err := c.router.CreateThread(ctx, store.ChannelTelegram, args, nil)
		if err != nil {
			c.sendText(ctx, chatID, "⚠️ "+err.Error())
			return
		}
		c.bind(chatID, th.ID)
		topic := th.Topic
		if topic == "" {
			topic = "(untitled)"
		}
		c.sendText(ctx, chatID, "🧵 new thread: "+topic)

	case "/threads":
		threads, err := c.stores.Threads.List(ctx, store.ThreadFilter{Limit: 10})
		if err != nil {
			c.sendText(ctx, chatID, "⚠️ "+err.Error())
			return
		}
		if len(threads) == 0 {
			c.sendText(ctx, chatID, "no threads yet — /new to start one")
			return
		}
		var sb strings.Builder
		current, _ := c.binding(chatID)
		for i, th := range threads {
			marker := "  "
			if th.ID == current {
				marker = "▸ "
			}
			fmt.Fprintf(&sb, "%s%d. [%s] %s\n", marker, i+1, th.Status, th.Topic)
		}
		sb.WriteString("\n/use <n> to switch")
		c.sendText(ctx, chatID, sb.String())

	case "/use":
		n, err := strconv.Atoi(args)
		if err != nil || n < 1 {
			c.sendText(ctx, chatID, "usage: /use <n> (from /threads)")
			return
		}
		threads, err := c.stores.Threads.List(ctx, store.ThreadFilter{Limit: 10})
		if err != nil || n > len(threads) {
			c.sendText(ctx, chatID, "no such thread")
			return
		}
		th := threads[n-1]
		c.bind(chatID, th.ID)
		c.sendText(ctx, chatID, "▸ switched to: "+th.Topic)

	case "/status":
		threadID, ok := c.binding(chatID)
		if !ok {
			c.sendText(ctx, chatID, "no thread bound — /new or just send a message")
			return
		}
		th, err := c.stores.Threads.Get(ctx, threadID)
		if err != nil {
			c.sendText(ctx, chatID, "⚠️ "+err.Error())
			return
		}
		c.sendText(ctx, chatID, fmt.Sprintf(
			"🧵 %s\nstatus: %s\nagent running: %v\ncost: $%.4f (in %d / out %d tokens)",
			th.Topic, th.Status, th.AgentRunning,
			th.Usage.CostUSD, th.Usage.InputTokens, th.Usage.OutputTokens))

	case "/stop":
		threadID, ok := c.binding(chatID)
		if !ok {
			c.sendText(ctx, chatID, "nothing to stop")
			return
		}
		if c.router.Stop(threadID) {
			c.sendText(ctx, chatID, "⏳ stopping…")
		} else {
			c.sendText(ctx, chatID, "no turn is running")
		}

	case "/done":
		threadID, ok := c.binding(chatID)
		if !ok {
			c.sendText(ctx, chatID, "no thread bound")
			return
		}
		if _, err := c.router.Dispatch(ctx, router.Inbound{
			ThreadID: threadID,
			Channel:  store.ChannelSystem,
			Actor:    "user",
			Message:  "thread marked done by operator",
		}); err == nil {
			c.stores.Threads.UpdateStatus(ctx, threadID, store.StatusStopped)
		}
		c.sendText(ctx, chatID, "✅ thread stopped")

	default:
		c.sendText(ctx, chatID, "unknown command — /help")
	}
}
