package router

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/M3kH/gigi/internal/agent"
	"github.com/M3kH/gigi/internal/bus"
	"github.com/M3kH/gigi/internal/providers"
	"github.com/M3kH/gigi/internal/store"
	"github.com/M3kH/gigi/internal/store/sqlite"
	"github.com/M3kH/gigi/internal/tools"
)

type stubProvider struct {
	mu    sync.Mutex
	calls int
}

func (p *stubProvider) Name() string         { return "stub" }
func (p *stubProvider) DefaultModel() string { return "test" }
func (p *stubProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	return p.ChatStream(ctx, req, nil)
}
func (p *stubProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	return &providers.ChatResponse{Content: "ok", Usage: &providers.Usage{InputTokens: 10, OutputTokens: 5, CostUSD: 0.001}}, nil
}
func (p *stubProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func newRouter(t *testing.T) (*Router, *store.Stores, *stubProvider) {
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
	b := bus.New()
	p := &stubProvider{}

	reg := tools.NewRegistry()
	reg.Seal()
	runner := agent.NewRunner(agent.Config{
		Stores:   stores,
		Bus:      b,
		Provider: p,
		Registry: reg,
		Broker:   agent.NewQuestionBroker(stores.Questions, time.Second),
		Budget:   agent.NewBudget(stores.Config, stores.Usage),
		Enforcer: agent.NewEnforcer(stores.Tasks, stores.Actions, agent.Detectors{}),
	})
	return New(stores, runner, b), stores, p
}

func waitForEvents(t *testing.T, stores *store.Stores, threadID uuid.UUID, n int) []*store.Event {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		events, _ := stores.Events.List(context.Background(), threadID, store.EventListOpts{})
		if len(events) >= n {
			return events
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("thread never reached %d events", n)
	return nil
}

func TestDispatchCreatesThreadAndRunsAgent(t *testing.T) {
	rt, stores, p := newRouter(t)

	tid, err := rt.Dispatch(context.Background(), Inbound{
		Channel: store.ChannelWeb,
		Message: "hello there, what repos do I have?",
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	events := waitForEvents(t, stores, tid, 2)
	if events[0].Direction != store.DirInbound || events[1].Direction != store.DirOutbound {
		t.Fatalf("event directions: %+v", events)
	}
	if p.callCount() == 0 {
		t.Fatal("agent never ran")
	}

	th, _ := stores.Threads.Get(context.Background(), tid)
	if th.Topic == "" {
		t.Fatal("auto topic missing")
	}
}

func TestDispatchEmptyMessageRejected(t *testing.T) {
	rt, _, _ := newRouter(t)
	_, err := rt.Dispatch(context.Background(), Inbound{Channel: store.ChannelWeb, Message: "   "})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("want ErrInvalidInput, got %v", err)
	}
}

func TestDispatchToArchivedThreadRejected(t *testing.T) {
	rt, stores, _ := newRouter(t)
	ctx := context.Background()

	th, _ := stores.Threads.Create(ctx, store.ThreadSpec{Channel: store.ChannelWeb})
	stores.Threads.UpdateStatus(ctx, th.ID, store.StatusArchived)

	_, err := rt.Dispatch(ctx, Inbound{ThreadID: th.ID, Channel: store.ChannelWeb, Message: "hi"})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("want ErrInvalidInput, got %v", err)
	}
}

func TestDispatchReopensStoppedThread(t *testing.T) {
	rt, stores, _ := newRouter(t)
	ctx := context.Background()

	th, _ := stores.Threads.Create(ctx, store.ThreadSpec{Channel: store.ChannelWeb})
	stores.Threads.UpdateStatus(ctx, th.ID, store.StatusStopped)

	tid, err := rt.Dispatch(ctx, Inbound{ThreadID: th.ID, Channel: store.ChannelWeb, Message: "more work"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	waitForEvents(t, stores, tid, 2)
}

func TestBudgetRefusalIsSynchronous(t *testing.T) {
	rt, stores, p := newRouter(t)
	ctx := context.Background()

	stores.Config.Set(ctx, store.ConfigBudgetCeilingUSD, "0.01")
	stores.Usage.Add(ctx, time.Now().UTC().Format("2006-01-02"), store.Usage{CostUSD: 0.05})

	_, err := rt.Dispatch(ctx, Inbound{Channel: store.ChannelWeb, Message: "hi"})
	if !errors.Is(err, store.ErrBudgetExceeded) {
		t.Fatalf("want ErrBudgetExceeded, got %v", err)
	}
	if p.callCount() != 0 {
		t.Fatal("provider called despite budget refusal")
	}
}

func TestSystemChannelNeverRunsAgent(t *testing.T) {
	rt, stores, p := newRouter(t)

	tid, err := rt.Dispatch(context.Background(), Inbound{
		Channel: store.ChannelSystem,
		Actor:   "system",
		Message: "housekeeping note",
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	events, _ := stores.Events.List(context.Background(), tid, store.EventListOpts{})
	if len(events) != 1 {
		t.Fatalf("system event should not trigger a turn, got %d events", len(events))
	}
	if p.callCount() != 0 {
		t.Fatal("agent ran for a system event")
	}
}

func TestTaskTargetFromMessage(t *testing.T) {
	rt, stores, _ := newRouter(t)
	ctx := context.Background()
	th, _ := stores.Threads.Create(ctx, store.ThreadSpec{Channel: store.ChannelWeb, Repo: "m3kh/gigi"})

	repo, issue := rt.taskTarget(mustGet(t, stores, th.ID), Inbound{Message: "please work on issue #42 today"})
	if repo != "m3kh/gigi" || issue != 42 {
		t.Fatalf("got %s #%d", repo, issue)
	}

	// Bound issue ref wins over message text.
	stores.Refs.Upsert(ctx, &store.Reference{ThreadID: th.ID, Type: store.RefIssue, Repo: "m3kh/other", Number: "7", Status: store.RefOpen})
	repo, issue = rt.taskTarget(mustGet(t, stores, th.ID), Inbound{Message: "work on issue #42"})
	if repo != "m3kh/other" || issue != 7 {
		t.Fatalf("ref should win: %s #%d", repo, issue)
	}
}

func mustGet(t *testing.T, stores *store.Stores, id uuid.UUID) *store.Thread {
	t.Helper()
	th, err := stores.Threads.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return th
}
