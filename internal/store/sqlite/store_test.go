package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/M3kH/gigi/internal/store"
)

func testStores(t *testing.T) *store.Stores {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "gigi.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewStores(db)
}

func mkThread(t *testing.T, s *store.Stores) *store.Thread {
	t.Helper()
	th, err := s.Threads.Create(context.Background(), store.ThreadSpec{Channel: store.ChannelWeb, Topic: "test"})
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	return th
}

func appendText(t *testing.T, s *store.Stores, th uuid.UUID, text string) *store.Event {
	t.Helper()
	ev, err := s.Events.Append(context.Background(), &store.Event{
		ThreadID:  th,
		Direction: store.DirInbound,
		Actor:     "user",
		Channel:   store.ChannelWeb,
		Type:      store.TypeText,
		Content:   store.Content{Text: text},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	return ev
}

func TestAppendAssignsDenseSeq(t *testing.T) {
	s := testStores(t)
	th := mkThread(t, s)

	for i := 1; i <= 5; i++ {
		ev := appendText(t, s, th.ID, "msg")
		if ev.Seq != int64(i) {
			t.Fatalf("event %d got seq %d", i, ev.Seq)
		}
	}

	events, err := s.Events.List(context.Background(), th.ID, store.EventListOpts{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("got %d events, want 5", len(events))
	}
	for i, ev := range events {
		if ev.Seq != int64(i+1) {
			t.Errorf("position %d has seq %d", i, ev.Seq)
		}
	}
}

func TestAppendListRoundTrip(t *testing.T) {
	s := testStores(t)
	th := mkThread(t, s)

	in := &store.Event{
		ThreadID:  th.ID,
		Direction: store.DirOutbound,
		Actor:     "gigi",
		Channel:   store.ChannelWeb,
		Type:      store.TypeToolUse,
		Content: store.Content{Blocks: []store.Block{
			{Type: "text", Text: "let me check"},
			{Type: "tool_use", ToolUseID: "tu_1", Name: "gitea", Input: []byte(`{"action":"list_repos"}`)},
		}},
		Metadata: map[string]string{"tu_1": "ok"},
		Usage:    &store.Usage{InputTokens: 10, OutputTokens: 5, CostUSD: 0.001},
	}
	if _, err := s.Events.Append(context.Background(), in); err != nil {
		t.Fatalf("append: %v", err)
	}

	events, err := s.Events.List(context.Background(), th.ID, store.EventListOpts{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	got := events[0]
	if got.Actor != "gigi" || got.Type != store.TypeToolUse {
		t.Fatalf("lost fields: %+v", got)
	}
	if len(got.Content.Blocks) != 2 || got.Content.Blocks[1].Name != "gitea" {
		t.Fatalf("lost blocks: %+v", got.Content.Blocks)
	}
	if got.Metadata["tu_1"] != "ok" {
		t.Fatalf("lost metadata: %+v", got.Metadata)
	}
	if got.Usage == nil || got.Usage.InputTokens != 10 {
		t.Fatalf("lost usage: %+v", got.Usage)
	}
}

func TestConcurrentAppendsStayDense(t *testing.T) {
	s := testStores(t)
	th := mkThread(t, s)

	const n = 20
	done := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := s.Events.Append(context.Background(), &store.Event{
				ThreadID:  th.ID,
				Direction: store.DirInbound,
				Actor:     "user",
				Channel:   store.ChannelWeb,
				Type:      store.TypeText,
				Content:   store.Content{Text: "x"},
			})
			done <- err
		}()
	}
	for i := 0; i < n; i++ {
		if err := <-done; err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	events, _ := s.Events.List(context.Background(), th.ID, store.EventListOpts{})
	if len(events) != n {
		t.Fatalf("got %d events, want %d", len(events), n)
	}
	for i, ev := range events {
		if ev.Seq != int64(i+1) {
			t.Fatalf("seq gap at %d: %d", i, ev.Seq)
		}
	}
}

func TestForkPointMustBelongToParent(t *testing.T) {
	s := testStores(t)
	parent := mkThread(t, s)
	other := mkThread(t, s)
	evOther := appendText(t, s, other.ID, "hi")

	_, err := s.Threads.Create(context.Background(), store.ThreadSpec{
		Channel:     store.ChannelWeb,
		ParentID:    &parent.ID,
		ForkEventID: &evOther.ID,
	})
	if !errors.Is(err, store.ErrInvariant) {
		t.Fatalf("want ErrInvariant, got %v", err)
	}

	evParent := appendText(t, s, parent.ID, "hi")
	child, err := s.Threads.Create(context.Background(), store.ThreadSpec{
		Channel:     store.ChannelWeb,
		ParentID:    &parent.ID,
		ForkEventID: &evParent.ID,
	})
	if err != nil {
		t.Fatalf("fork: %v", err)
	}

	kids, err := s.Threads.Children(context.Background(), parent.ID)
	if err != nil || len(kids) != 1 || kids[0].ID != child.ID {
		t.Fatalf("children lookup: %v %v", kids, err)
	}
}

func TestDeleteRequiresArchived(t *testing.T) {
	s := testStores(t)
	th := mkThread(t, s)
	ctx := context.Background()

	if err := s.Threads.Delete(ctx, th.ID); !errors.Is(err, store.ErrInvariant) {
		t.Fatalf("want ErrInvariant, got %v", err)
	}
	if err := s.Threads.UpdateStatus(ctx, th.ID, store.StatusArchived); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if err := s.Threads.Delete(ctx, th.ID); err != nil {
		t.Fatalf("delete archived: %v", err)
	}
	if _, err := s.Threads.Get(ctx, th.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("want ErrNotFound after delete, got %v", err)
	}
}

func TestCompactedFiltering(t *testing.T) {
	s := testStores(t)
	th := mkThread(t, s)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		appendText(t, s, th.ID, "old")
	}
	if err := s.Events.MarkCompacted(ctx, th.ID, 3); err != nil {
		t.Fatalf("mark: %v", err)
	}
	// The summary event that covers seq 1..3.
	_, err := s.Events.Append(ctx, &store.Event{
		ThreadID:  th.ID,
		Direction: store.DirOutbound,
		Actor:     "gigi",
		Channel:   store.ChannelSystem,
		Type:      store.TypeSummary,
		Content:   store.Content{Summary: &store.SummaryPayload{ThreadID: th.ID, FromSeq: 1, ToSeq: 3, Text: "earlier chatter"}},
	})
	if err != nil {
		t.Fatalf("append summary: %v", err)
	}

	all, _ := s.Events.List(ctx, th.ID, store.EventListOpts{IncludeCompacted: true})
	if len(all) != 5 {
		t.Fatalf("include_compacted: got %d, want 5", len(all))
	}
	visible, _ := s.Events.List(ctx, th.ID, store.EventListOpts{})
	if len(visible) != 2 { // seq 4 + summary
		t.Fatalf("visible: got %d, want 2", len(visible))
	}
	if visible[1].Type != store.TypeSummary {
		t.Fatalf("last visible should be summary, got %s", visible[1].Type)
	}
}

func TestRefUpsertAndLookup(t *testing.T) {
	s := testStores(t)
	th := mkThread(t, s)
	ctx := context.Background()

	ref := &store.Reference{ThreadID: th.ID, Type: store.RefIssue, Repo: "gigi", Number: "42", Status: store.RefOpen}
	if err := s.Refs.Upsert(ctx, ref); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	// Upsert again with a new status must not duplicate.
	ref.Status = store.RefClosed
	if err := s.Refs.Upsert(ctx, ref); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}

	refs, _ := s.Refs.ListByThread(ctx, th.ID)
	if len(refs) != 1 || refs[0].Status != store.RefClosed {
		t.Fatalf("got %+v", refs)
	}

	tid, err := s.Refs.FindThread(ctx, "gigi", store.RefIssue, "42")
	if err != nil || tid != th.ID {
		t.Fatalf("find: %v %v", tid, err)
	}
	if _, err := s.Refs.FindThread(ctx, "gigi", store.RefIssue, "99"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestUsageRollup(t *testing.T) {
	s := testStores(t)
	ctx := context.Background()
	day := time.Now().UTC().Format("2006-01-02")

	s.Usage.Add(ctx, day, store.Usage{InputTokens: 100, CostUSD: 0.01})
	s.Usage.Add(ctx, day, store.Usage{OutputTokens: 50, CostUSD: 0.02})

	cost, err := s.Usage.CostSince(ctx, time.Now().UTC().AddDate(0, 0, -1))
	if err != nil {
		t.Fatalf("cost: %v", err)
	}
	if cost < 0.029 || cost > 0.031 {
		t.Fatalf("cost = %f, want 0.03", cost)
	}

	stats, _ := s.Usage.Stats(ctx, 7)
	if len(stats) != 1 || stats[0].Usage.InputTokens != 100 || stats[0].Usage.OutputTokens != 50 {
		t.Fatalf("stats: %+v", stats)
	}
}

func TestActionLogEchoWindow(t *testing.T) {
	s := testStores(t)
	ctx := context.Background()

	s.Actions.Record(ctx, &store.ActionRecord{Kind: "comment", Repo: "gigi", TargetID: "42", Digest: "abc"})

	ok, _ := s.Actions.RecentMatch(ctx, "", "", "", "abc", 30*time.Second)
	if !ok {
		t.Fatal("digest match within window should hit")
	}
	ok, _ = s.Actions.RecentMatch(ctx, "", "", "", "zzz", 30*time.Second)
	if ok {
		t.Fatal("unknown digest should miss")
	}
	ok, _ = s.Actions.RecentMatch(ctx, "comment", "gigi", "42", "", 30*time.Second)
	if !ok {
		t.Fatal("key match within window should hit")
	}

	has, _ := s.Actions.HasAction(ctx, "comment", "gigi", "42")
	if !has {
		t.Fatal("HasAction should find the record")
	}
}

func TestDeliveryIdempotence(t *testing.T) {
	s := testStores(t)
	ctx := context.Background()

	fresh, err := s.Actions.MarkDelivery(ctx, "d-1")
	if err != nil || !fresh {
		t.Fatalf("first delivery: %v %v", fresh, err)
	}
	fresh, err = s.Actions.MarkDelivery(ctx, "d-1")
	if err != nil || fresh {
		t.Fatalf("duplicate delivery should not be fresh: %v %v", fresh, err)
	}
}

func TestPendingQuestions(t *testing.T) {
	s := testStores(t)
	th := mkThread(t, s)
	ctx := context.Background()

	q := &store.PendingQuestion{ThreadID: th.ID, Question: "deploy?", Options: []string{"yes", "no"}}
	if err := s.Questions.Create(ctx, q); err != nil {
		t.Fatalf("create: %v", err)
	}

	open, err := s.Questions.PendingForThread(ctx, th.ID)
	if err != nil || open.Question != "deploy?" || len(open.Options) != 2 {
		t.Fatalf("pending: %+v %v", open, err)
	}

	if err := s.Questions.Resolve(ctx, q.ID, "yes"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	// Resolving twice must fail: the question left pending state.
	if err := s.Questions.Resolve(ctx, q.ID, "no"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("double resolve: %v", err)
	}
	if _, err := s.Questions.PendingForThread(ctx, th.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("should have no pending question: %v", err)
	}
}

func TestTaskContexts(t *testing.T) {
	s := testStores(t)
	th := mkThread(t, s)
	ctx := context.Background()

	tc := &store.TaskContext{ThreadID: th.ID, Repo: "gigi", IssueNumber: 7, State: store.TaskInitial}
	if err := s.Tasks.Put(ctx, tc); err != nil {
		t.Fatalf("put: %v", err)
	}
	tc.State = store.TaskChanged
	tc.Cycles = 2
	if err := s.Tasks.Put(ctx, tc); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.Tasks.Get(ctx, th.ID, "gigi", 7)
	if err != nil || got.State != store.TaskChanged || got.Cycles != 2 {
		t.Fatalf("get: %+v %v", got, err)
	}

	stale, _ := s.Tasks.ListStale(ctx, time.Now().UTC().Add(time.Minute))
	if len(stale) != 1 {
		t.Fatalf("stale: %d, want 1", len(stale))
	}
}

func TestEventSearch(t *testing.T) {
	s := testStores(t)
	th := mkThread(t, s)
	ctx := context.Background()

	appendText(t, s, th.ID, "the deploy failed on staging")
	appendText(t, s, th.ID, "unrelated")

	hits, err := s.Events.Search(ctx, "deploy", 10)
	if err != nil || len(hits) != 1 {
		t.Fatalf("search: %v %v", hits, err)
	}
	if hits[0].Content.Text != "the deploy failed on staging" {
		t.Fatalf("wrong hit: %+v", hits[0])
	}
}
