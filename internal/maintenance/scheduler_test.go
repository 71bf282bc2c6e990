package maintenance

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/M3kH/gigi/internal/store"
	"github.com/M3kH/gigi/internal/store/sqlite"
)

func testStores(t *testing.T) *store.Stores {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "gigi.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := sqlite.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return sqlite.NewStores(db)
}

func TestAddRejectsBadCron(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("bad cron should panic at wiring time")
		}
	}()
	NewScheduler().Add(Job{Name: "x", Expr: "not a cron"})
}

func TestStaleTaskSweepSurfacesOnce(t *testing.T) {
	stores := testStores(t)
	ctx := context.Background()

	th, _ := stores.Threads.Create(ctx, store.ThreadSpec{Channel: store.ChannelWeb})
	// Created two hours ago, never progressed past "changed".
	tc := &store.TaskContext{
		ThreadID: th.ID, Repo: "gigi", IssueNumber: 3,
		State: store.TaskChanged, CreatedAt: time.Now().Add(-2 * time.Hour),
	}
	stores.Tasks.Put(ctx, tc)

	var notifications []string
	job := StaleTaskSweep(stores, func(_ context.Context, text string) error {
		notifications = append(notifications, text)
		return nil
	})

	if err := job.Run(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(notifications) != 1 {
		t.Fatalf("notifications: %d, want 1", len(notifications))
	}

	// A second sweep must not re-notify.
	if err := job.Run(ctx); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if len(notifications) != 1 {
		t.Fatalf("stale task notified twice")
	}
}

func TestQuestionExpirySweep(t *testing.T) {
	stores := testStores(t)
	ctx := context.Background()

	th, _ := stores.Threads.Create(ctx, store.ThreadSpec{Channel: store.ChannelWeb})
	q := &store.PendingQuestion{ThreadID: th.ID, Question: "still there?", CreatedAt: time.Now().Add(-time.Hour)}
	stores.Questions.Create(ctx, q)

	if err := QuestionExpirySweep(stores).Run(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	got, _ := stores.Questions.Get(ctx, q.ID)
	if got.Status != store.QuestionExpired {
		t.Fatalf("status %s, want expired", got.Status)
	}
}
