// Package router turns inbound intents from heterogeneous sources (WS
// client, Telegram, webhooks) into a single linearized sequence per
// thread and dispatches agent work.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/M3kH/gigi/internal/agent"
	"github.com/M3kH/gigi/internal/bus"
	"github.com/M3kH/gigi/internal/store"
	"github.com/M3kH/gigi/pkg/protocol"
)

// Inbound is one normalized user intent.
type Inbound struct {
	ThreadID uuid.UUID // uuid.Nil = create a thread
	Channel  string
	ChatID   string
	Actor    string
	Message  string
	Tags     []string
	Repo     string
}

// Router binds intents to threads and applies the channel policy for
// running the agent. Per-thread turn serialization lives in the runner;
// the router's job is normalization and policy.
type Router struct {
	stores *store.Stores
	runner *agent.Runner
	bus    *bus.Bus
}

func New(stores *store.Stores, runner *agent.Runner, b *bus.Bus) *Router {
	return &Router{stores: stores, runner: runner, bus: b}
}

var issueRefRe = regexp.MustCompile(`(?i)issue\s+#?(\d+)`)

// Dispatch appends the intent to its thread and, per policy, starts agent
// work. Returns the thread id. Budget exhaustion surfaces synchronously
// as store.ErrBudgetExceeded so transports can answer 429.
func (rt *Router) Dispatch(ctx context.Context, in Inbound) (uuid.UUID, error) {
	if strings.TrimSpace(in.Message) == "" {
		return uuid.Nil, fmt.Errorf("%w: empty message", store.ErrInvalidInput)
	}
	if in.Actor == "" {
		in.Actor = "user"
	}

	// An answer to a parked ask_user question resolves the park instead of
	// starting a new turn; it still lands in history as an inbound event.
	if in.ThreadID != uuid.Nil && rt.runner.Broker().Waiting(in.ThreadID) {
		if _, err := rt.appendInbound(ctx, in.ThreadID, in); err != nil {
			return uuid.Nil, err
		}
		rt.runner.Broker().Answer(in.ThreadID, in.Message)
		return in.ThreadID, nil
	}

	thread, err := rt.resolveThread(ctx, in)
	if err != nil {
		return uuid.Nil, err
	}
	if thread.Topic == "" {
		// Topic is auto-generated from the first message when absent.
		if err := rt.stores.Threads.UpdateTopic(ctx, thread.ID, autoTopic(in.Message)); err == nil {
			thread.Topic = autoTopic(in.Message)
		}
	}

	switch thread.Status {
	case store.StatusArchived:
		return uuid.Nil, fmt.Errorf("%w: thread is archived", store.ErrInvalidInput)
	case store.StatusStopped:
		// Sending to a stopped thread reopens it.
		if err := rt.stores.Threads.UpdateStatus(ctx, thread.ID, store.StatusPaused); err != nil {
			return uuid.Nil, err
		}
	}

	// Refuse before appending when the budget is spent and this intent
	// would start a turn: the caller gets a clean 429 and no half-work.
	if rt.shouldRunAgent(in) {
		if err := rt.runner.CheckBudget(ctx); err != nil {
			return uuid.Nil, err
		}
	}

	if _, err := rt.appendInbound(ctx, thread.ID, in); err != nil {
		return uuid.Nil, err
	}

	if rt.shouldRunAgent(in) {
		rt.startTurn(thread, in)
	}
	return thread.ID, nil
}

// CreateThread makes an empty thread (chat.new).
func (rt *Router) CreateThread(ctx context.Context, channel, topic string, tags []string) (*store.Thread, error) {
	if channel == "" {
		return nil, fmt.Errorf("%w: channel is required", store.ErrInvalidInput)
	}
	return rt.stores.Threads.Create(ctx, store.ThreadSpec{Channel: channel, Topic: topic, Tags: tags})
}

// Stop raises cooperative cancellation on the thread's turn.
func (rt *Router) Stop(threadID uuid.UUID) bool {
	return rt.runner.Stop(threadID)
}

// TriggerFromWebhook starts agent work for an actionable forge event; the
// webhook ingester calls it after binding the event.
func (rt *Router) TriggerFromWebhook(threadID uuid.UUID, repo string, issue int64) {
	if err := rt.runner.CheckBudget(context.Background()); err != nil {
		slog.Warn("webhook turn refused by budget", "thread", threadID, "error", err)
		return
	}
	go func() {
		err := rt.runner.Run(context.Background(), agent.TurnRequest{
			ThreadID:    threadID,
			Channel:     store.ChannelWebhook,
			Repo:        repo,
			IssueNumber: issue,
		})
		if err != nil {
			slog.Warn("webhook turn failed", "thread", threadID, "error", err)
		}
	}()
}

func (rt *Router) resolveThread(ctx context.Context, in Inbound) (*store.Thread, error) {
	if in.ThreadID != uuid.Nil {
		return rt.stores.Threads.Get(ctx, in.ThreadID)
	}
	t, err := rt.stores.Threads.Create(ctx, store.ThreadSpec{
		Channel: in.Channel,
		Topic:   autoTopic(in.Message),
		Repo:    in.Repo,
		Tags:    in.Tags,
	})
	if err != nil {
		return nil, err
	}
	rt.bus.Publish(t.ID, protocol.NewServerMessage(protocol.ServerConversationUpdate, t.ID.String(),
		&protocol.ConversationUpdatePayload{Topic: t.Topic, Status: string(t.Status)}))
	return t, nil
}

func (rt *Router) appendInbound(ctx context.Context, threadID uuid.UUID, in Inbound) (*store.Event, error) {
	ev, err := rt.stores.Events.Append(ctx, &store.Event{
		ThreadID:  threadID,
		Direction: store.DirInbound,
		Actor:     in.Actor,
		Channel:   in.Channel,
		Type:      store.TypeText,
		Content:   store.Content{Text: in.Message},
	})
	if err != nil {
		return nil, err
	}
	rt.bus.Publish(threadID, protocol.NewServerMessage(protocol.ServerMessageHistory, threadID.String(),
		[]*store.Event{ev}).WithSeq(ev.Seq))
	return ev, nil
}

// shouldRunAgent is the channel policy: user channels run the agent,
// system events never do, webhook events go through TriggerFromWebhook.
func (rt *Router) shouldRunAgent(in Inbound) bool {
	switch in.Channel {
	case store.ChannelSystem, store.ChannelWebhook:
		return false
	default:
		return true
	}
}

// startTurn launches the agent asynchronously; the live stream goes out
// on the bus, so callers don't wait on the turn.
func (rt *Router) startTurn(thread *store.Thread, in Inbound) {
	repo, issue := rt.taskTarget(thread, in)
	go func() {
		err := rt.runner.Run(context.Background(), agent.TurnRequest{
			ThreadID:    thread.ID,
			Channel:     in.Channel,
			ChatID:      in.ChatID,
			Repo:        repo,
			IssueNumber: issue,
		})
		if err != nil {
			slog.Warn("turn failed", "thread", thread.ID, "error", err)
		}
	}()
}

// taskTarget resolves the (repo, issue) pair for completion enforcement:
// an issue reference bound to the thread wins, then an explicit "issue
// #N" in the message combined with the thread's repo tag.
func (rt *Router) taskTarget(thread *store.Thread, in Inbound) (string, int64) {
	refs, err := rt.stores.Refs.ListByThread(context.Background(), thread.ID)
	if err == nil {
		for _, ref := range refs {
			if ref.Type == store.RefIssue && ref.Status == store.RefOpen {
				if n, err := strconv.ParseInt(ref.Number, 10, 64); err == nil {
					return ref.Repo, n
				}
			}
		}
	}

	repo := in.Repo
	if repo == "" {
		repo = thread.Repo
	}
	if repo == "" {
		return "", 0
	}
	if m := issueRefRe.FindStringSubmatch(in.Message); m != nil {
		if n, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			return repo, n
		}
	}
	return "", 0
}

func autoTopic(message string) string {
	topic := strings.TrimSpace(message)
	if i := strings.IndexByte(topic, '\n'); i > 0 {
		topic = topic[:i]
	}
	if len(topic) > 48 {
		topic = strings.TrimSpace(topic[:48]) + "…"
	}
	return topic
}
