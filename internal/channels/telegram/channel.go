// Package telegram connects the operator's Telegram chat to the router
// via the Bot API with long polling.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/M3kH/gigi/internal/bus"
	"github.com/M3kH/gigi/internal/config"
	"github.com/M3kH/gigi/internal/router"
	"github.com/M3kH/gigi/internal/store"
	"github.com/M3kH/gigi/pkg/protocol"
)

const maxMessageLen = 4096 // Telegram hard limit

// Channel is the Telegram transport: inbound messages dispatch to the
// bound thread; outbound agent text is accumulated from text_chunk
// segments and flushed on agent_done.
type Channel struct {
	bot    *telego.Bot
	cfg    config.TelegramConfig
	router *router.Router
	stores *store.Stores
	bus    *bus.Bus

	// chat binding: one active thread per chat, switchable via commands
	bindings sync.Map // chatID string → uuid.UUID
	inverse  sync.Map // threadID uuid.UUID → chatID string

	// streaming accumulation per thread
	drafts sync.Map // threadID uuid.UUID → *strings.Builder

	pollCancel context.CancelFunc
	pollDone   chan struct{}
	sub        *bus.Subscription
}

func New(cfg config.TelegramConfig, rt *router.Router, stores *store.Stores, b *bus.Bus) (*Channel, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Channel{
		bot:    bot,
		cfg:    cfg,
		router: rt,
		stores: stores,
		bus:    b,
	}, nil
}

func (c *Channel) Name() string { return store.ChannelTelegram }

// Start begins long polling and the outbound fan-in loop.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting telegram bot (polling mode)")

	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message", "callback_query"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("telegram long polling: %w", err)
	}

	c.sub = c.bus.SubscribeGlobal()
	go c.outboundLoop(pollCtx)

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				c.handleUpdate(pollCtx, update)
			}
		}
	}()
	return nil
}

func (c *Channel) Stop() {
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.sub != nil {
		c.sub.Close()
	}
	if c.pollDone != nil {
		<-c.pollDone
	}
}

// Send delivers a message to the configured operator chat; the
// telegram_send tool runs through this.
func (c *Channel) Send(ctx context.Context, text string) error {
	chatID := c.cfg.ChatID
	if v, err := c.stores.Config.Get(ctx, store.ConfigTelegramChatID); err == nil && v != "" {
		chatID = v
	}
	if chatID == "" {
		return fmt.Errorf("no telegram chat configured")
	}
	return c.sendText(ctx, chatID, text)
}

func (c *Channel) handleUpdate(ctx context.Context, update telego.Update) {
	// Option buttons answer pending ask_user questions.
	if update.CallbackQuery != nil {
		c.handleCallback(ctx, update.CallbackQuery)
		return
	}
	msg := update.Message
	if msg == nil || msg.Text == "" {
		return
	}
	chatID := fmt.Sprintf("%d", msg.Chat.ID)
	if !c.allowed(ctx, chatID) {
		slog.Warn("telegram message from unbound chat dropped", "chat", chatID)
		return
	}

	if strings.HasPrefix(msg.Text, "/") {
		c.handleCommand(ctx, chatID, msg.Text)
		return
	}

	threadID, _ := c.binding(chatID)
	tid, err := c.router.Dispatch(ctx, router.Inbound{
		ThreadID: threadID,
		Channel:  store.ChannelTelegram,
		ChatID:   chatID,
		Actor:    "user",
		Message:  msg.Text,
	})
	if err != nil {
		c.sendText(ctx, chatID, "⚠️ "+err.Error())
		return
	}
	c.bind(chatID, tid)
}

func (c *Channel) handleCallback(ctx context.Context, cq *telego.CallbackQuery) {
	chatID := ""
	if cq.Message != nil {
		chatID = fmt.Sprintf("%d", cq.Message.GetChat().ID)
	}
	c.bot.AnswerCallbackQuery(ctx, &telego.AnswerCallbackQueryParams{CallbackQueryID: cq.ID})
	if chatID == "" || cq.Data == "" {
		return
	}
	threadID, ok := c.binding(chatID)
	if !ok {
		return
	}
	if _, err := c.router.Dispatch(ctx, router.Inbound{
		ThreadID: threadID,
		Channel:  store.ChannelTelegram,
		ChatID:   chatID,
		Actor:    "user",
		Message:  cq.Data,
	}); err != nil {
		slog.Warn("callback dispatch failed", "error", err)
	}
}

// allowed restricts the bot to the configured operator chat. An empty
// configuration accepts the first chat that talks to it (onboarding).
func (c *Channel) allowed(ctx context.Context, chatID string) bool {
	configured := c.cfg.ChatID
	if v, err := c.stores.Config.Get(ctx, store.ConfigTelegramChatID); err == nil && v != "" {
		configured = v
	}
	if configured == "" {
		c.stores.Config.Set(ctx, store.ConfigTelegramChatID, chatID)
		slog.Info("telegram chat bound", "chat", chatID)
		return true
	}
	return configured == chatID
}

// outboundLoop mirrors the live stream into Telegram: chunks accumulate
// per thread, agent_done flushes, ask_user renders option buttons.
func (c *Channel) outboundLoop(ctx context.Context) {
	for msg := range c.sub.C() {
		threadID, err := uuid.Parse(msg.ConversationID)
		if err != nil {
			continue
		}
		chatID, bound := c.chatFor(threadID)
		if !bound {
			continue
		}

		switch msg.Type {
		case protocol.ServerTextChunk:
			if p, ok := msg.Payload.(*protocol.TextChunkPayload); ok {
				b, _ := c.drafts.LoadOrStore(threadID, &strings.Builder{})
				b.(*strings.Builder).WriteString(p.Content)
			}

		case protocol.ServerAgentDone:
			if b, ok := c.drafts.LoadAndDelete(threadID); ok {
				text := strings.TrimSpace(b.(*strings.Builder).String())
				if text != "" {
					c.sendText(ctx, chatID, text)
				}
			}

		case protocol.ServerAgentError:
			c.drafts.Delete(threadID)
			if p, ok := msg.Payload.(*protocol.AgentErrorPayload); ok {
				c.sendText(ctx, chatID, "❌ agent error: "+p.Reason)
			}

		case protocol.ServerAgentStopped:
			c.drafts.Delete(threadID)
			c.sendText(ctx, chatID, "⏹ stopped")

		case protocol.ServerAskUser:
			if p, ok := msg.Payload.(*protocol.AskUserPayload); ok {
				c.sendQuestion(ctx, chatID, p)
			}
		}
	}
}

func (c *Channel) sendQuestion(ctx context.Context, chatID string, p *protocol.AskUserPayload) {
	params := tu.Message(tu.ID(mustChatID(chatID)), "❓ "+p.Question)
	if len(p.Options) > 0 {
		rows := make([][]telego.InlineKeyboardButton, 0, len(p.Options))
		for _, opt := range p.Options {
			rows = append(rows, tu.InlineKeyboardRow(
				tu.InlineKeyboardButton(opt).WithCallbackData(opt),
			))
		}
		params = params.WithReplyMarkup(tu.InlineKeyboard(rows...))
	}
	if _, err := c.bot.SendMessage(ctx, params); err != nil {
		slog.Warn("telegram question send failed", "error", err)
	}
}

func (c *Channel) sendText(ctx context.Context, chatID, text string) error {
	for _, part := range splitMessage(text, maxMessageLen) {
		if _, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(mustChatID(chatID)), part)); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}

func (c *Channel) bind(chatID string, threadID uuid.UUID) {
	if old, ok := c.bindings.Load(chatID); ok {
		c.inverse.Delete(old.(uuid.UUID))
	}
	c.bindings.Store(chatID, threadID)
	c.inverse.Store(threadID, chatID)
}

func (c *Channel) binding(chatID string) (uuid.UUID, bool) {
	if v, ok := c.bindings.Load(chatID); ok {
		return v.(uuid.UUID), true
	}
	return uuid.Nil, false
}

func (c *Channel) chatFor(threadID uuid.UUID) (string, bool) {
	if v, ok := c.inverse.Load(threadID); ok {
		return v.(string), true
	}
	return "", false
}

func mustChatID(s string) int64 {
	var id int64
	fmt.Sscanf(s, "%d", &id)
	return id
}

// splitMessage cuts text at the Telegram length limit, preferring line
// boundaries.
func splitMessage(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}
	var parts []string
	for len(text) > limit {
		cut := strings.LastIndexByte(text[:limit], '\n')
		if cut < limit/2 {
			cut = limit
		}
		parts = append(parts, text[:cut])
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text != "" {
		parts = append(parts, text)
	}
	return parts
}
