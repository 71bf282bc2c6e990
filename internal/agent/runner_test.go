package agent

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/M3kH/gigi/internal/bus"
	"github.com/M3kH/gigi/internal/providers"
	"github.com/M3kH/gigi/internal/store"
	"github.com/M3kH/gigi/internal/store/sqlite"
	"github.com/M3kH/gigi/internal/tools"
	"github.com/M3kH/gigi/pkg/protocol"
)

// scriptedProvider replays canned responses in order; the last response
// repeats if the loop asks for more.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*providers.ChatResponse
	calls     int
	blockCh   chan struct{} // when set, ChatStream waits for it (or ctx)
}

func (p *scriptedProvider) Name() string         { return "scripted" }
func (p *scriptedProvider) DefaultModel() string { return "test-model" }

func (p *scriptedProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	return p.ChatStream(ctx, req, nil)
}

func (p *scriptedProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	p.mu.Lock()
	idx := p.calls
	p.calls++
	block := p.blockCh
	p.mu.Unlock()

	if block != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-block:
		}
	}

	if len(p.responses) == 0 {
		return nil, errors.New("no scripted responses")
	}
	if idx >= len(p.responses) {
		idx = len(p.responses) - 1
	}
	resp := p.responses[idx]
	if onChunk != nil && resp.Content != "" {
		onChunk(providers.StreamChunk{Content: resp.Content})
		onChunk(providers.StreamChunk{Done: true})
	}
	return resp, nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func textResponse(text string) *providers.ChatResponse {
	return &providers.ChatResponse{
		Content:      text,
		FinishReason: "stop",
		Usage:        &providers.Usage{InputTokens: 100, OutputTokens: 20, CostUSD: 0.002},
	}
}

func toolResponse(name string, args map[string]any) *providers.ChatResponse {
	return &providers.ChatResponse{
		ToolCalls:    []providers.ToolCall{{ID: "tu_" + name, Name: name, Arguments: args}},
		FinishReason: "tool_calls",
		Usage:        &providers.Usage{InputTokens: 100, OutputTokens: 10, CostUSD: 0.001},
	}
}

type countingTool struct {
	name    string
	mu      sync.Mutex
	calls   int
	execute func(ctx context.Context, args map[string]any) *tools.Result
}

func (c *countingTool) Name() string        { return c.name }
func (c *countingTool) Description() string { return "test tool" }
func (c *countingTool) Parameters() map[string]any {
	return map[string]any{"type": "object"}
}
func (c *countingTool) Execute(ctx context.Context, args map[string]any) *tools.Result {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	if c.execute != nil {
		return c.execute(ctx, args)
	}
	return tools.NewResult("tool ok")
}
func (c *countingTool) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type testEnv struct {
	stores   *store.Stores
	bus      *bus.Bus
	runner   *Runner
	provider *scriptedProvider
	thread   *store.Thread
}

func newTestEnv(t *testing.T, p *scriptedProvider, reg *tools.Registry, detectors Detectors) *testEnv {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "gigi.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := sqlite.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	stores := sqlite.NewStores(db)

	if reg == nil {
		reg = tools.NewRegistry()
	}
	reg.Seal()

	b := bus.New()
	broker := NewQuestionBroker(stores.Questions, time.Second)
	runner := NewRunner(Config{
		Stores:   stores,
		Bus:      b,
		Provider: p,
		Registry: reg,
		Broker:   broker,
		Budget:   NewBudget(stores.Config, stores.Usage),
		Enforcer: NewEnforcer(stores.Tasks, stores.Actions, detectors),
		Model:    "test-model",
	})

	th, err := stores.Threads.Create(context.Background(), store.ThreadSpec{Channel: store.ChannelWeb, Topic: "t"})
	if err != nil {
		t.Fatalf("thread: %v", err)
	}
	return &testEnv{stores: stores, bus: b, runner: runner, provider: p, thread: th}
}

func (e *testEnv) sendUser(t *testing.T, text string) {
	t.Helper()
	_, err := e.stores.Events.Append(context.Background(), &store.Event{
		ThreadID:  e.thread.ID,
		Direction: store.DirInbound,
		Actor:     "user",
		Channel:   store.ChannelWeb,
		Type:      store.TypeText,
		Content:   store.Content{Text: text},
	})
	if err != nil {
		t.Fatalf("append user event: %v", err)
	}
}

func collect(sub *bus.Subscription, until string, timeout time.Duration) []*protocol.ServerMessage {
	var got []*protocol.ServerMessage
	deadline := time.After(timeout)
	for {
		select {
		case msg, ok := <-sub.C():
			if !ok {
				return got
			}
			got = append(got, msg)
			if msg.Type == until {
				return got
			}
		case <-deadline:
			return got
		}
	}
}

func typesOf(msgs []*protocol.ServerMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Type
	}
	return out
}

func TestSimpleTurn(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{textResponse("hello there")}}
	env := newTestEnv(t, p, nil, Detectors{})
	env.sendUser(t, "hello")

	sub := env.bus.Subscribe(env.thread.ID)
	defer sub.Close()

	done := make(chan error, 1)
	go func() { done <- env.runner.Run(context.Background(), TurnRequest{ThreadID: env.thread.ID, Channel: store.ChannelWeb}) }()

	msgs := collect(sub, protocol.ServerAgentDone, 5*time.Second)
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	seen := typesOf(msgs)
	wantOrder := []string{protocol.ServerAgentStart, protocol.ServerTextChunk}
	for i, w := range wantOrder {
		found := false
		for _, s := range seen[i:] {
			if s == w {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("segment order missing %s in %v", w, seen)
		}
	}
	last := msgs[len(msgs)-1]
	if last.Type != protocol.ServerAgentDone {
		t.Fatalf("last segment %s", last.Type)
	}
	if last.Payload.(*protocol.AgentDonePayload).Usage.CostUSD <= 0 {
		t.Fatal("agent_done should carry usage cost")
	}

	events, _ := env.stores.Events.List(context.Background(), env.thread.ID, store.EventListOpts{})
	if len(events) != 2 || events[0].Seq != 1 || events[1].Seq != 2 {
		t.Fatalf("events: %d", len(events))
	}
	if events[1].Type != store.TypeText || events[1].Actor != "gigi" {
		t.Fatalf("assistant event: %+v", events[1])
	}

	th, _ := env.stores.Threads.Get(context.Background(), env.thread.ID)
	if th.Usage.CostUSD <= 0 {
		t.Fatal("thread usage not aggregated")
	}
	if th.Status != store.StatusPaused || th.AgentRunning {
		t.Fatalf("thread should settle paused, got %s running=%v", th.Status, th.AgentRunning)
	}
}

func TestToolCallTurn(t *testing.T) {
	tool := &countingTool{name: "gitea_list", execute: func(context.Context, map[string]any) *tools.Result {
		return tools.NewResult("repo-a\nrepo-b")
	}}
	reg := tools.NewRegistry()
	reg.Register(tool)

	p := &scriptedProvider{responses: []*providers.ChatResponse{
		toolResponse("gitea_list", map[string]any{}),
		textResponse("You have 2 repos."),
	}}
	env := newTestEnv(t, p, reg, Detectors{})
	env.sendUser(t, "list my repos")

	sub := env.bus.Subscribe(env.thread.ID)
	defer sub.Close()

	go env.runner.Run(context.Background(), TurnRequest{ThreadID: env.thread.ID, Channel: store.ChannelWeb})
	msgs := collect(sub, protocol.ServerAgentDone, 5*time.Second)

	var order []string
	for _, m := range msgs {
		if m.Type == protocol.ServerToolUse || m.Type == protocol.ServerToolResult {
			order = append(order, m.Type)
		}
	}
	if len(order) != 2 || order[0] != protocol.ServerToolUse || order[1] != protocol.ServerToolResult {
		t.Fatalf("tool segments: %v", order)
	}
	if tool.callCount() != 1 {
		t.Fatalf("tool ran %d times", tool.callCount())
	}

	events, _ := env.stores.Events.List(context.Background(), env.thread.ID, store.EventListOpts{})
	// user, tool_use, tool_result, final text
	if len(events) != 4 {
		t.Fatalf("got %d events", len(events))
	}
	if events[1].Type != store.TypeToolUse || events[2].Type != store.TypeToolResult || events[3].Type != store.TypeText {
		t.Fatalf("event types: %s %s %s", events[1].Type, events[2].Type, events[3].Type)
	}
	if events[2].Metadata["tool_use_id"] != "tu_gitea_list" {
		t.Fatalf("tool result metadata: %+v", events[2].Metadata)
	}
}

func TestRetryExhaustionEscalates(t *testing.T) {
	tool := &countingTool{name: "bash", execute: func(context.Context, map[string]any) *tools.Result {
		return tools.ErrorResult("Error: no such file")
	}}
	reg := tools.NewRegistry()
	reg.Register(tool)

	sameCall := map[string]any{"command": "cat missing.txt"}
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		toolResponse("bash", sameCall),
		toolResponse("bash", sameCall),
		toolResponse("bash", sameCall),
		textResponse("I could not read the file; operator guidance needed."),
	}}
	env := newTestEnv(t, p, reg, Detectors{})
	env.sendUser(t, "read missing.txt")

	if err := env.runner.Run(context.Background(), TurnRequest{ThreadID: env.thread.ID, Channel: store.ChannelWeb}); err != nil {
		t.Fatalf("run: %v", err)
	}

	if tool.callCount() != 3 {
		t.Fatalf("tool executed %d times, want 3 (no 4th attempt)", tool.callCount())
	}

	events, _ := env.stores.Events.List(context.Background(), env.thread.ID, store.EventListOpts{})
	var results []*store.Event
	for _, ev := range events {
		if ev.Type == store.TypeToolResult {
			results = append(results, ev)
		}
	}
	if len(results) != 3 {
		t.Fatalf("got %d tool_result events, want 3", len(results))
	}
	for _, ev := range results[:2] {
		if !strings.Contains(ev.Content.Text, "Try a different approach") {
			t.Fatalf("recovery hint missing: %q", ev.Content.Text)
		}
	}
	if !strings.Contains(results[2].Content.Text, "ask for guidance") {
		t.Fatalf("third result should escalate: %q", results[2].Content.Text)
	}
}

func TestRetryCounterKeyedByInput(t *testing.T) {
	tool := &countingTool{name: "bash", execute: func(context.Context, map[string]any) *tools.Result {
		return tools.ErrorResult("Error: boom")
	}}
	reg := tools.NewRegistry()
	reg.Register(tool)

	// Two different inputs each fail once: neither escalates.
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		toolResponse("bash", map[string]any{"command": "a"}),
		toolResponse("bash", map[string]any{"command": "b"}),
		textResponse("done"),
	}}
	env := newTestEnv(t, p, reg, Detectors{})
	env.sendUser(t, "go")

	env.runner.Run(context.Background(), TurnRequest{ThreadID: env.thread.ID, Channel: store.ChannelWeb})

	events, _ := env.stores.Events.List(context.Background(), env.thread.ID, store.EventListOpts{})
	for _, ev := range events {
		if ev.Type == store.TypeToolResult && strings.Contains(ev.Content.Text, "ask for guidance") {
			t.Fatal("distinct inputs must not share a retry counter")
		}
	}
}

func TestBudgetRefusesNewTurns(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{textResponse("hi")}}
	env := newTestEnv(t, p, nil, Detectors{})
	ctx := context.Background()

	env.stores.Config.Set(ctx, store.ConfigBudgetCeilingUSD, "0.01")
	env.stores.Usage.Add(ctx, time.Now().UTC().Format("2006-01-02"), store.Usage{CostUSD: 0.02})

	env.sendUser(t, "hello")
	err := env.runner.Run(ctx, TurnRequest{ThreadID: env.thread.ID, Channel: store.ChannelWeb})
	if !errors.Is(err, store.ErrBudgetExceeded) {
		t.Fatalf("want ErrBudgetExceeded, got %v", err)
	}
	if p.callCount() != 0 {
		t.Fatal("provider must not be called once the budget is spent")
	}
}

func TestAskUserAnswerFlows(t *testing.T) {
	var runner *Runner
	reg := tools.NewRegistry()
	reg.Register(tools.NewAskUserTool(func(ctx context.Context, threadID uuid.UUID, q string, opts []string) (string, error) {
		return runner.Ask(ctx, threadID, q, opts)
	}))

	p := &scriptedProvider{responses: []*providers.ChatResponse{
		toolResponse("ask_user", map[string]any{"question": "deploy to prod?", "options": []any{"yes", "no"}}),
		textResponse("Deploying."),
	}}
	env := newTestEnv(t, p, reg, Detectors{})
	runner = env.runner
	env.sendUser(t, "ship it")

	sub := env.bus.Subscribe(env.thread.ID)
	defer sub.Close()

	done := make(chan error, 1)
	go func() { done <- env.runner.Run(context.Background(), TurnRequest{ThreadID: env.thread.ID, Channel: store.ChannelWeb}) }()

	// Wait for the ask_user segment, then answer like the router would.
	var sawAsk bool
	deadline := time.After(5 * time.Second)
	for !sawAsk {
		select {
		case msg := <-sub.C():
			if msg.Type == protocol.ServerAskUser {
				payload := msg.Payload.(*protocol.AskUserPayload)
				if payload.Question != "deploy to prod?" || len(payload.Options) != 2 {
					t.Fatalf("ask payload: %+v", payload)
				}
				sawAsk = true
			}
		case <-deadline:
			t.Fatal("no ask_user segment")
		}
	}
	for !env.runner.Broker().Waiting(env.thread.ID) {
		time.Sleep(5 * time.Millisecond)
	}
	if !env.runner.Broker().Answer(env.thread.ID, "yes") {
		t.Fatal("no park to answer")
	}

	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	events, _ := env.stores.Events.List(context.Background(), env.thread.ID, store.EventListOpts{})
	var answer string
	for _, ev := range events {
		if ev.Type == store.TypeToolResult {
			answer = ev.Content.Text
		}
	}
	if answer != "yes" {
		t.Fatalf("tool result should carry the answer, got %q", answer)
	}

	q, err := env.stores.Questions.PendingForThread(context.Background(), env.thread.ID)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("question should be resolved, got %+v %v", q, err)
	}
}

func TestStopDuringStream(t *testing.T) {
	p := &scriptedProvider{
		responses: []*providers.ChatResponse{textResponse("never")},
		blockCh:   make(chan struct{}),
	}
	env := newTestEnv(t, p, nil, Detectors{})
	env.sendUser(t, "long task")

	done := make(chan error, 1)
	go func() { done <- env.runner.Run(context.Background(), TurnRequest{ThreadID: env.thread.ID, Channel: store.ChannelWeb}) }()

	for !env.runner.Running(env.thread.ID) {
		time.Sleep(5 * time.Millisecond)
	}
	// Give the turn a moment to enter the stream.
	time.Sleep(20 * time.Millisecond)
	if !env.runner.Stop(env.thread.ID) {
		t.Fatal("stop found no running turn")
	}

	if err := <-done; err != nil {
		t.Fatalf("stopped run should not error: %v", err)
	}

	events, _ := env.stores.Events.List(context.Background(), env.thread.ID, store.EventListOpts{})
	last := events[len(events)-1]
	if last.Type != store.TypeStatusChange || last.Content.Status.By != "stop" {
		t.Fatalf("want agent_stopped status event, got %+v", last)
	}

	th, _ := env.stores.Threads.Get(context.Background(), env.thread.ID)
	if th.Status != store.StatusPaused {
		t.Fatalf("thread status %s, want paused", th.Status)
	}
}

func TestEnforcementInjectsFollowUps(t *testing.T) {
	var fired atomic.Bool
	detectors := Detectors{
		WorkspaceChanged: func(context.Context, *store.TaskContext) bool { return true },
		BranchPushed:     func(context.Context, *store.TaskContext) bool { return fired.Load() },
		PROpened:         func(context.Context, *store.TaskContext) bool { return fired.Load() },
		OperatorNotified: func(context.Context, *store.TaskContext) bool { return fired.Load() },
	}
	p := &scriptedProvider{responses: []*providers.ChatResponse{textResponse("working on it")}}
	env := newTestEnv(t, p, nil, detectors)
	env.sendUser(t, "work on issue 7")

	go func() {
		// Second turn onward: everything is done.
		time.Sleep(50 * time.Millisecond)
		fired.Store(true)
	}()

	err := env.runner.Run(context.Background(), TurnRequest{
		ThreadID: env.thread.ID, Channel: store.ChannelWeb, Repo: "gigi", IssueNumber: 7,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	events, _ := env.stores.Events.List(context.Background(), env.thread.ID, store.EventListOpts{})
	var synthetic int
	for _, ev := range events {
		if ev.Actor == "system" && ev.Direction == store.DirInbound {
			synthetic++
		}
	}
	if synthetic == 0 {
		t.Fatal("no enforcement injection happened")
	}
	if synthetic > maxEnforcementCycles {
		t.Fatalf("%d injections exceed the cap", synthetic)
	}
}

func TestEnforcementCapAtEight(t *testing.T) {
	// Detectors never fire: the task can never finish.
	detectors := Detectors{
		WorkspaceChanged: func(context.Context, *store.TaskContext) bool { return false },
		BranchPushed:     func(context.Context, *store.TaskContext) bool { return false },
		PROpened:         func(context.Context, *store.TaskContext) bool { return false },
		OperatorNotified: func(context.Context, *store.TaskContext) bool { return false },
	}
	p := &scriptedProvider{responses: []*providers.ChatResponse{textResponse("hmm")}}
	env := newTestEnv(t, p, nil, detectors)
	env.sendUser(t, "work on issue 9")

	err := env.runner.Run(context.Background(), TurnRequest{
		ThreadID: env.thread.ID, Channel: store.ChannelWeb, Repo: "gigi", IssueNumber: 9,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	tc, err := env.stores.Tasks.Get(context.Background(), env.thread.ID, "gigi", 9)
	if err != nil {
		t.Fatalf("task: %v", err)
	}
	if tc.Cycles != maxEnforcementCycles {
		t.Fatalf("cycles = %d, want %d", tc.Cycles, maxEnforcementCycles)
	}

	events, _ := env.stores.Events.List(context.Background(), env.thread.ID, store.EventListOpts{})
	var synthetic int
	for _, ev := range events {
		if ev.Actor == "system" && ev.Direction == store.DirInbound {
			synthetic++
		}
	}
	if synthetic != maxEnforcementCycles {
		t.Fatalf("synthetic events = %d, want %d", synthetic, maxEnforcementCycles)
	}
}

func TestSendDuringTurnQueuesFollowUp(t *testing.T) {
	p := &scriptedProvider{
		responses: []*providers.ChatResponse{textResponse("reply")},
		blockCh:   make(chan struct{}),
	}
	env := newTestEnv(t, p, nil, Detectors{})
	env.sendUser(t, "first")

	done := make(chan error, 1)
	go func() { done <- env.runner.Run(context.Background(), TurnRequest{ThreadID: env.thread.ID, Channel: store.ChannelWeb}) }()
	for !env.runner.Running(env.thread.ID) {
		time.Sleep(5 * time.Millisecond)
	}

	// A second send while the turn streams: appended durably, queued as
	// the next turn's input, and the call returns without blocking.
	env.sendUser(t, "second")
	if err := env.runner.Run(context.Background(), TurnRequest{ThreadID: env.thread.ID, Channel: store.ChannelWeb}); err != nil {
		t.Fatalf("queued run should not error: %v", err)
	}

	close(p.blockCh)
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	// The first Run drains the queue before returning: two provider
	// turns, two assistant replies.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if p.callCount() == 2 && !env.runner.Running(env.thread.ID) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if p.callCount() != 2 {
		t.Fatalf("provider ran %d times, want 2 (queued follow-up)", p.callCount())
	}

	events, _ := env.stores.Events.List(context.Background(), env.thread.ID, store.EventListOpts{})
	var outbound int
	for _, ev := range events {
		if ev.Direction == store.DirOutbound && ev.Type == store.TypeText {
			outbound++
		}
	}
	if outbound != 2 {
		t.Fatalf("assistant replies = %d, want 2", outbound)
	}
	if events[len(events)-1].Direction != store.DirOutbound {
		t.Fatal("queued message left unanswered")
	}
}

func TestAskUserTimeout(t *testing.T) {
	var runner *Runner
	reg := tools.NewRegistry()
	reg.Register(tools.NewAskUserTool(func(ctx context.Context, threadID uuid.UUID, q string, opts []string) (string, error) {
		return runner.Ask(ctx, threadID, q, opts)
	}))

	p := &scriptedProvider{responses: []*providers.ChatResponse{
		toolResponse("ask_user", map[string]any{"question": "anyone?"}),
		textResponse("No answer; moving on."),
	}}
	env := newTestEnv(t, p, reg, Detectors{})
	runner = env.runner
	env.sendUser(t, "ask something")

	if err := env.runner.Run(context.Background(), TurnRequest{ThreadID: env.thread.ID, Channel: store.ChannelWeb}); err != nil {
		t.Fatalf("run: %v", err)
	}

	events, _ := env.stores.Events.List(context.Background(), env.thread.ID, store.EventListOpts{})
	var sawTimeout bool
	for _, ev := range events {
		if ev.Type == store.TypeToolResult && strings.Contains(ev.Content.Text, "timeout") {
			sawTimeout = true
		}
	}
	if !sawTimeout {
		t.Fatal("ask_user timeout should surface as a failed tool result")
	}
}
