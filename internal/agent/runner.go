package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/M3kH/gigi/internal/bus"
	"github.com/M3kH/gigi/internal/providers"
	"github.com/M3kH/gigi/internal/store"
	"github.com/M3kH/gigi/internal/tools"
	"github.com/M3kH/gigi/pkg/protocol"
)

const (
	defaultMaxIterations = 20
	defaultTurnTimeout   = 10 * time.Minute
	actorAgent           = "gigi"
)

var tracer = otel.Tracer("gigi/agent")

// Config wires a Runner.
type Config struct {
	Stores    *store.Stores
	Bus       *bus.Bus
	Provider  providers.Provider
	Registry  *tools.Registry
	Broker    *QuestionBroker
	Budget    *Budget
	Enforcer  *Enforcer
	Workspace string
	Model     string

	MaxIterations int
	TurnTimeout   time.Duration
}

// Runner executes agent turns: one streaming LLM session per turn plus the
// tool calls it makes, with retry accounting, completion enforcement, cost
// metering, and cooperative cancellation. One turn per thread at a time.
type Runner struct {
	stores    *store.Stores
	bus       *bus.Bus
	provider  providers.Provider
	registry  *tools.Registry
	broker    *QuestionBroker
	budget    *Budget
	enforcer  *Enforcer
	workspace string
	model     string

	maxIterations int
	turnTimeout   time.Duration

	mu      sync.Mutex
	running map[uuid.UUID]context.CancelFunc
	stops   map[uuid.UUID]bool
	// pending holds the follow-up turn queued while a turn was live; the
	// inbound events are already durable, so requests coalesce and the
	// drained turn reads the whole unprocessed tail.
	pending map[uuid.UUID]TurnRequest
}

func NewRunner(cfg Config) *Runner {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = defaultTurnTimeout
	}
	return &Runner{
		stores:        cfg.Stores,
		bus:           cfg.Bus,
		provider:      cfg.Provider,
		registry:      cfg.Registry,
		broker:        cfg.Broker,
		budget:        cfg.Budget,
		enforcer:      cfg.Enforcer,
		workspace:     cfg.Workspace,
		model:         cfg.Model,
		maxIterations: cfg.MaxIterations,
		turnTimeout:   cfg.TurnTimeout,
	}
}

// TurnRequest starts agent work on a thread whose inbound event is
// already appended.
type TurnRequest struct {
	ThreadID uuid.UUID
	Channel  string
	ChatID   string
	RunID    string

	// Task enforcement: set when the intent names a forge issue.
	Repo        string
	IssueNumber int64
}

// Broker exposes the question broker so the router can resolve parked
// ask_user waits with inbound answers.
func (r *Runner) Broker() *QuestionBroker { return r.broker }

// CheckBudget lets transports refuse a turn synchronously (HTTP 429)
// before any work is queued.
func (r *Runner) CheckBudget(ctx context.Context) error { return r.budget.Check(ctx) }

// Running reports whether a turn is live on the thread.
func (r *Runner) Running(threadID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[threadID]
	return ok
}

// Stop raises cooperative cancellation on the thread's live turn. A turn
// parked in ask_user is dismissed first so the question clears.
func (r *Runner) Stop(threadID uuid.UUID) bool {
	r.broker.Dismiss(threadID)

	r.mu.Lock()
	cancel, ok := r.running[threadID]
	if ok {
		// Also halts the enforcement loop if the turn finishes before the
		// cancellation lands.
		if r.stops == nil {
			r.stops = make(map[uuid.UUID]bool)
		}
		r.stops[threadID] = true
	}
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// stopRequested consumes a pending stop flag for the thread.
func (r *Runner) stopRequested(threadID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stops[threadID] {
		delete(r.stops, threadID)
		return true
	}
	return false
}

// Run executes one turn, then any enforcement follow-up turns the task's
// completion policy injects (at most one injection per turn, capped per
// task). A request arriving while a turn is live on the thread is queued
// as the next turn's input (latest wins; the inbound event is already
// appended, so the drained turn sees every interleaved message) and Run
// returns immediately. Otherwise it blocks until the agent settles.
func (r *Runner) Run(ctx context.Context, req TurnRequest) error {
	if err := r.budget.Check(ctx); err != nil {
		return err
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}

	if !r.admit(req) {
		// The live turn drains the queue before giving up the thread.
		return nil
	}

	for {
		err := r.runThread(ctx, req)
		if err != nil {
			r.release(req.ThreadID)
			return err
		}
		next, ok := r.next(req.ThreadID)
		if !ok {
			return nil
		}
		// Queued turns meter like any other; refuse when the budget ran
		// out mid-stream.
		if err := r.budget.Check(ctx); err != nil {
			slog.Warn("queued turn refused by budget", "thread", req.ThreadID, "error", err)
			r.release(req.ThreadID)
			return nil
		}
		req = next
		if req.RunID == "" {
			req.RunID = uuid.NewString()
		}
	}
}

// runThread owns one admitted activation: status flip, enforcement
// begin, and the turn/injection loop.
func (r *Runner) runThread(ctx context.Context, req TurnRequest) error {
	if err := r.setRunning(ctx, req.ThreadID, true); err != nil {
		return err
	}
	// active ⇔ running: the thread always leaves the turn paused or
	// stopped, never active.
	defer r.setRunning(context.WithoutCancel(ctx), req.ThreadID, false)

	if req.Repo != "" && req.IssueNumber > 0 {
		if err := r.enforcer.Begin(ctx, req.ThreadID, req.Repo, req.IssueNumber, r.workspace); err != nil {
			slog.Warn("enforcement begin failed", "error", err)
		}
	}

	for {
		st, err := r.runTurn(ctx, req)
		if err != nil {
			return err
		}
		if st == turnStopped || r.stopRequested(req.ThreadID) {
			return nil
		}

		if req.Repo == "" || req.IssueNumber == 0 {
			return nil
		}
		hint, err := r.enforcer.Evaluate(ctx, req.ThreadID, req.Repo, req.IssueNumber)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			slog.Warn("enforcement evaluate failed", "error", err)
			return nil
		}
		if hint == "" {
			return nil
		}
		// Enforcement cycles are normal turns: they meter usage and stop
		// when the budget runs out.
		if err := r.budget.Check(ctx); err != nil {
			slog.Warn("enforcement halted by budget", "error", err)
			return nil
		}
		if _, err := r.appendEvent(ctx, &store.Event{
			ThreadID:  req.ThreadID,
			Direction: store.DirInbound,
			Actor:     "system",
			Channel:   store.ChannelSystem,
			Type:      store.TypeText,
			Content:   store.Content{Text: hint},
		}); err != nil {
			return err
		}
		req.RunID = uuid.NewString()
	}
}

type turnState int

const (
	turnDone turnState = iota
	turnStopped
)

func (r *Runner) runTurn(ctx context.Context, req TurnRequest) (turnState, error) {
	turnCtx, cancel := context.WithTimeout(ctx, r.turnTimeout)
	defer cancel()
	r.mu.Lock()
	r.running[req.ThreadID] = cancel
	r.mu.Unlock()

	turnCtx, span := tracer.Start(turnCtx, "agent.turn", trace.WithAttributes(
		attribute.String("thread.id", req.ThreadID.String()),
		attribute.String("run.id", req.RunID),
	))
	defer span.End()

	turnCtx = r.toolContext(turnCtx, req)
	turnCtx = providers.WithRetryHook(turnCtx, func(attempt, max int, err error) {
		slog.Warn("llm retry", "thread", req.ThreadID, "attempt", attempt, "max", max, "error", err)
	})

	r.publish(req.ThreadID, protocol.NewServerMessage(protocol.ServerAgentStart, req.ThreadID.String(),
		map[string]string{"run_id": req.RunID}))

	events, err := r.stores.Events.List(turnCtx, req.ThreadID, store.EventListOpts{})
	if err != nil {
		return turnDone, err
	}
	messages := buildMessages(events, "")

	account := newRetryAccount()
	var totalUsage store.Usage
	turnStart := time.Now()

	for iteration := 1; iteration <= r.maxIterations; iteration++ {
		slog.Debug("agent iteration", "thread", req.ThreadID, "iteration", iteration, "messages", len(messages))

		resp, err := r.provider.ChatStream(turnCtx, providers.ChatRequest{
			Messages: messages,
			Tools:    r.registry.Defs(),
			Model:    r.model,
		}, func(chunk providers.StreamChunk) {
			if chunk.Content != "" {
				r.publish(req.ThreadID, protocol.NewServerMessage(protocol.ServerTextChunk, req.ThreadID.String(),
					&protocol.TextChunkPayload{Content: chunk.Content}))
			}
		})

		if err != nil {
			if turnCtx.Err() != nil {
				return r.finishStopped(ctx, req)
			}
			return turnDone, r.finishError(ctx, req, err)
		}

		var respUsage store.Usage
		if resp.Usage != nil {
			respUsage = store.Usage{
				InputTokens:      resp.Usage.InputTokens,
				OutputTokens:     resp.Usage.OutputTokens,
				CacheReadTokens:  resp.Usage.CacheReadTokens,
				CacheWriteTokens: resp.Usage.CacheWriteTokens,
				CostUSD:          resp.Usage.CostUSD,
			}
			totalUsage.Add(respUsage)
		}

		if len(resp.ToolCalls) == 0 {
			// Final assistant text: the turn's last block.
			if _, err := r.appendEvent(turnCtx, &store.Event{
				ThreadID:  req.ThreadID,
				Direction: store.DirOutbound,
				Actor:     actorAgent,
				Channel:   req.Channel,
				Type:      store.TypeText,
				Content:   store.Content{Text: resp.Content},
				Usage:     &respUsage,
			}); err != nil {
				return turnDone, err
			}
			break
		}

		// Assistant block with interleaved text and tool_use requests:
		// persisted before any segment is published.
		blocks := make([]store.Block, 0, len(resp.ToolCalls)+1)
		if resp.Content != "" {
			blocks = append(blocks, store.Block{Type: "text", Text: resp.Content})
		}
		for _, tc := range resp.ToolCalls {
			input, _ := json.Marshal(tc.Arguments)
			blocks = append(blocks, store.Block{
				Type:      "tool_use",
				ToolUseID: tc.ID,
				Name:      tc.Name,
				Input:     input,
			})
		}
		toolUseEv, err := r.appendEvent(turnCtx, &store.Event{
			ThreadID:  req.ThreadID,
			Direction: store.DirOutbound,
			Actor:     actorAgent,
			Channel:   req.Channel,
			Type:      store.TypeToolUse,
			Content:   store.Content{Blocks: blocks},
			Usage:     &respUsage,
		})
		if err != nil {
			return turnDone, err
		}
		for _, tc := range resp.ToolCalls {
			r.publish(req.ThreadID, protocol.NewServerMessage(protocol.ServerToolUse, req.ThreadID.String(),
				&protocol.ToolUsePayload{ToolUseID: tc.ID, Name: tc.Name, Input: tc.Arguments}).WithSeq(toolUseEv.Seq))
		}

		messages = append(messages, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		// Tool invocations within one turn run sequentially in the order
		// the LLM emitted them.
		for _, tc := range resp.ToolCalls {
			if turnCtx.Err() != nil {
				// Never orphan a tool_use: a cancelled turn appends a
				// synthetic failure result first.
				r.appendToolResult(ctx, req, tc, "Error: cancelled", true)
				return r.finishStopped(ctx, req)
			}

			output, isErr := r.invokeTool(turnCtx, req, account, tc)

			resultEv, err := r.appendToolResult(turnCtx, req, tc, output, isErr)
			if err != nil {
				return turnDone, err
			}
			r.publish(req.ThreadID, protocol.NewServerMessage(protocol.ServerToolResult, req.ThreadID.String(),
				&protocol.ToolResultPayload{ToolUseID: tc.ID, Name: tc.Name, Output: output, IsError: isErr}).WithSeq(resultEv.Seq))

			messages = append(messages, providers.Message{
				Role:       "tool",
				Content:    output,
				ToolCallID: tc.ID,
				IsError:    isErr,
			})
		}
	}

	totalUsage.DurationMs = time.Since(turnStart).Milliseconds()
	r.meterUsage(ctx, req.ThreadID, totalUsage)

	span.SetAttributes(
		attribute.Int64("usage.input_tokens", totalUsage.InputTokens),
		attribute.Int64("usage.output_tokens", totalUsage.OutputTokens),
		attribute.Float64("usage.cost_usd", totalUsage.CostUSD),
	)

	r.publish(req.ThreadID, protocol.NewServerMessage(protocol.ServerAgentDone, req.ThreadID.String(),
		&protocol.AgentDonePayload{RunID: req.RunID, Usage: &protocol.UsageInfo{
			InputTokens:      totalUsage.InputTokens,
			OutputTokens:     totalUsage.OutputTokens,
			CacheReadTokens:  totalUsage.CacheReadTokens,
			CacheWriteTokens: totalUsage.CacheWriteTokens,
			CostUSD:          totalUsage.CostUSD,
			DurationMs:       totalUsage.DurationMs,
		}}))

	return turnDone, nil
}

// invokeTool dispatches one tool call with retry accounting. The returned
// output is what feeds back to the LLM: raw output on success, a recovery
// hint below the failure ceiling, the escalation directive at it.
func (r *Runner) invokeTool(ctx context.Context, req TurnRequest, account *retryAccount, tc providers.ToolCall) (string, bool) {
	// Attempt 3 already failed with the escalation directive; a repeated
	// identical call is refused without re-invoking the tool.
	if account.attempts(tc.Name, tc.Arguments) >= maxToolAttempts {
		return escalationHint(tc.Name, "repeated identical call refused"), true
	}

	ctx, span := tracer.Start(ctx, "tool."+tc.Name)
	defer span.End()

	slog.Info("tool call", "thread", req.ThreadID, "tool", tc.Name, "id", tc.ID)

	res, err := r.registry.Invoke(ctx, tc.Name, tc.Arguments)
	if err != nil {
		// Dispatch failures (unknown tool, invalid input, policy) count
		// toward the same retry ceiling as handler failures.
		res = tools.ErrorResult("Error: " + err.Error())
	}

	if !res.IsError {
		return res.ForLLM, false
	}

	attempt := account.recordFailure(tc.Name, tc.Arguments)
	slog.Warn("tool failed", "thread", req.ThreadID, "tool", tc.Name, "attempt", attempt, "error", truncate(res.ForLLM, 200))
	if attempt < maxToolAttempts {
		return recoveryHint(tc.Name, res.ForLLM, attempt), true
	}
	return escalationHint(tc.Name, res.ForLLM), true
}

// Ask implements the ask_user suspension: persist the pending question,
// publish the segment, park until answered. Plugged into the registry as
// the ask_user tool's AskFunc.
func (r *Runner) Ask(ctx context.Context, threadID uuid.UUID, question string, options []string) (string, error) {
	q := &store.PendingQuestion{
		ID:       uuid.Must(uuid.NewV7()),
		ThreadID: threadID,
		Question: question,
		Options:  options,
	}

	// Park persists the question and registers the waiter on its own
	// goroutine; the segment below is published without waiting for it.
	type parkResult struct {
		answer string
		err    error
	}
	done := make(chan parkResult, 1)
	go func() {
		answer, err := r.broker.Park(ctx, q)
		done <- parkResult{answer, err}
	}()

	r.publish(threadID, protocol.NewServerMessage(protocol.ServerAskUser, threadID.String(),
		&protocol.AskUserPayload{QuestionID: q.ID.String(), Question: question, Options: options}))

	res := <-done
	return res.answer, res.err
}

func (r *Runner) appendToolResult(ctx context.Context, req TurnRequest, tc providers.ToolCall, output string, isErr bool) (*store.Event, error) {
	return r.appendEvent(ctx, &store.Event{
		ThreadID:  req.ThreadID,
		Direction: store.DirOutbound,
		Actor:     actorAgent,
		Channel:   req.Channel,
		Type:      store.TypeToolResult,
		Content:   store.Content{Text: output},
		Metadata: map[string]string{
			"tool_use_id": tc.ID,
			"tool_name":   tc.Name,
			"is_error":    fmt.Sprintf("%t", isErr),
		},
	})
}

// finishStopped persists the cooperative-cancellation outcome and leaves
// the thread paused.
func (r *Runner) finishStopped(ctx context.Context, req TurnRequest) (turnState, error) {
	ctx = context.WithoutCancel(ctx)
	ev, err := r.appendEvent(ctx, &store.Event{
		ThreadID:  req.ThreadID,
		Direction: store.DirOutbound,
		Actor:     actorAgent,
		Channel:   req.Channel,
		Type:      store.TypeStatusChange,
		Content:   store.Content{Status: &store.StatusPayload{From: string(store.StatusActive), To: string(store.StatusPaused), By: "stop"}},
	})
	if err != nil {
		return turnStopped, err
	}
	r.publish(req.ThreadID, protocol.NewServerMessage(protocol.ServerAgentStopped, req.ThreadID.String(),
		map[string]string{"run_id": req.RunID}).WithSeq(ev.Seq))
	slog.Info("agent stopped", "thread", req.ThreadID, "run", req.RunID)
	return turnStopped, nil
}

// finishError persists the failure, publishes agent_error, pauses the
// thread, and propagates the error. Restart after crash reproduces the
// same user-visible history because the event is durable first.
func (r *Runner) finishError(ctx context.Context, req TurnRequest, cause error) error {
	ctx = context.WithoutCancel(ctx)
	ev, err := r.appendEvent(ctx, &store.Event{
		ThreadID:  req.ThreadID,
		Direction: store.DirOutbound,
		Actor:     actorAgent,
		Channel:   req.Channel,
		Type:      store.TypeStatusChange,
		Content:   store.Content{Status: &store.StatusPayload{From: string(store.StatusActive), To: string(store.StatusPaused), By: "error: " + cause.Error()}},
	})
	if err != nil {
		slog.Error("persist agent error failed", "thread", req.ThreadID, "error", err)
	}
	msg := protocol.NewServerMessage(protocol.ServerAgentError, req.ThreadID.String(),
		&protocol.AgentErrorPayload{RunID: req.RunID, Reason: cause.Error()})
	if ev != nil {
		msg.WithSeq(ev.Seq)
	}
	r.publish(req.ThreadID, msg)
	return cause
}

func (r *Runner) appendEvent(ctx context.Context, ev *store.Event) (*store.Event, error) {
	out, err := r.stores.Events.Append(ctx, ev)
	if errors.Is(err, store.ErrConflict) {
		// Another writer raced the tail; the lock makes this rare, retry
		// once with the fresh tail.
		out, err = r.stores.Events.Append(ctx, ev)
	}
	return out, err
}

func (r *Runner) meterUsage(ctx context.Context, threadID uuid.UUID, u store.Usage) {
	ctx = context.WithoutCancel(ctx)
	if err := r.stores.Threads.AddUsage(ctx, threadID, u); err != nil {
		slog.Warn("thread usage update failed", "thread", threadID, "error", err)
	}
	day := time.Now().UTC().Format("2006-01-02")
	if err := r.stores.Usage.Add(ctx, day, u); err != nil {
		slog.Warn("usage rollup update failed", "day", day, "error", err)
	}
}

func (r *Runner) setRunning(ctx context.Context, threadID uuid.UUID, running bool) error {
	status := store.StatusPaused
	if running {
		status = store.StatusActive
	} else {
		// A stop command may have moved the thread to stopped mid-turn;
		// do not resurrect it.
		if t, err := r.stores.Threads.Get(ctx, threadID); err == nil && t.Status == store.StatusStopped {
			status = store.StatusStopped
		}
	}
	if err := r.stores.Threads.UpdateStatus(ctx, threadID, status); err != nil {
		return err
	}
	if err := r.stores.Threads.SetRunning(ctx, threadID, running); err != nil {
		return err
	}
	runningCopy := running
	r.publish(threadID, protocol.NewServerMessage(protocol.ServerConversationUpdate, threadID.String(),
		&protocol.ConversationUpdatePayload{Status: string(status), AgentRunning: &runningCopy}))
	return nil
}

func (r *Runner) toolContext(ctx context.Context, req TurnRequest) context.Context {
	ctx = tools.WithThreadID(ctx, req.ThreadID)
	ctx = tools.WithChannel(ctx, req.Channel)
	ctx = tools.WithChatID(ctx, req.ChatID)
	ctx = tools.WithWorkspace(ctx, r.workspace)
	if req.Repo != "" {
		ctx = tools.WithRepo(ctx, req.Repo)
	}
	ctx = tools.WithProgress(ctx, func(message string) {
		r.publish(req.ThreadID, protocol.NewServerMessage(protocol.ServerToolProgress, req.ThreadID.String(),
			&protocol.ToolProgressPayload{Message: message}))
	})
	return ctx
}

// admit takes the thread's run slot, or queues the request behind the
// live turn (coalescing: latest request wins).
func (r *Runner) admit(req TurnRequest) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running == nil {
		r.running = make(map[uuid.UUID]context.CancelFunc)
	}
	if _, ok := r.running[req.ThreadID]; ok {
		if r.pending == nil {
			r.pending = make(map[uuid.UUID]TurnRequest)
		}
		r.pending[req.ThreadID] = req
		return false
	}
	r.running[req.ThreadID] = func() {}
	return true
}

// next pops the queued follow-up while still holding the run slot, or
// releases the slot when the queue is empty. Atomic with admit so no
// request can fall between a finishing turn and its drain.
func (r *Runner) next(threadID uuid.UUID) (TurnRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if req, ok := r.pending[threadID]; ok {
		delete(r.pending, threadID)
		return req, true
	}
	delete(r.running, threadID)
	delete(r.stops, threadID)
	return TurnRequest{}, false
}

func (r *Runner) release(threadID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, threadID)
	delete(r.stops, threadID)
	delete(r.pending, threadID)
}

func (r *Runner) publish(threadID uuid.UUID, msg *protocol.ServerMessage) {
	r.bus.Publish(threadID, msg)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
