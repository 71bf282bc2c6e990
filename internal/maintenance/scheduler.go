// Package maintenance runs the background sweeps: stale task contexts,
// compaction recommendations, and pending-question expiry.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/M3kH/gigi/internal/store"
	"github.com/M3kH/gigi/internal/thread"
)

// Job is one scheduled sweep with a cron expression.
type Job struct {
	Name string
	Expr string
	Run  func(ctx context.Context) error
}

// Scheduler ticks once a minute and fires due jobs, gronx-matched.
type Scheduler struct {
	jobs []Job
	gron *gronx.Gronx
}

func NewScheduler() *Scheduler {
	return &Scheduler{gron: gronx.New()}
}

// Add registers a job; a bad cron expression is a wiring bug and panics
// at startup.
func (s *Scheduler) Add(job Job) {
	if !s.gron.IsValid(job.Expr) {
		panic(fmt.Sprintf("maintenance: invalid cron %q for %s", job.Expr, job.Name))
	}
	s.jobs = append(s.jobs, job)
}

// Start blocks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, job := range s.jobs {
				due, err := s.gron.IsDue(job.Expr, time.Now())
				if err != nil || !due {
					continue
				}
				jobCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
				if err := job.Run(jobCtx); err != nil {
					slog.Warn("maintenance job failed", "job", job.Name, "error", err)
				}
				cancel()
			}
		}
	}
}

// Notify delivers an operator notification (the Telegram channel in
// production, a logger in tests).
type Notify func(ctx context.Context, text string) error

// StaleTaskSweep surfaces task contexts older than an hour that never
// reached done, once each.
func StaleTaskSweep(stores *store.Stores, notify Notify) Job {
	return Job{
		Name: "stale-tasks",
		Expr: "*/10 * * * *",
		Run: func(ctx context.Context) error {
			stale, err := stores.Tasks.ListStale(ctx, time.Now().Add(-time.Hour))
			if err != nil {
				return err
			}
			for _, tc := range stale {
				text := fmt.Sprintf("⏰ task stuck at %q for over an hour: %s#%d (%d enforcement cycles)",
					tc.State, tc.Repo, tc.IssueNumber, tc.Cycles)
				if notify != nil {
					if err := notify(ctx, text); err != nil {
						slog.Warn("stale task notification failed", "error", err)
						continue
					}
				}
				tc.Surfaced = true
				if err := stores.Tasks.Put(ctx, tc); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// CompactionSweep recommends (and performs) compaction on oversized
// paused threads; threads with a turn in progress are skipped.
func CompactionSweep(stores *store.Stores, threads *thread.Service) Job {
	return Job{
		Name: "compaction",
		Expr: "*/30 * * * *",
		Run: func(ctx context.Context) error {
			list, err := stores.Threads.List(ctx, store.ThreadFilter{Status: store.StatusPaused})
			if err != nil {
				return err
			}
			for _, t := range list {
				rec, err := threads.RecommendCompaction(ctx, t.ID)
				if err != nil || !rec {
					continue
				}
				if err := threads.Compact(ctx, t.ID); err != nil {
					slog.Warn("auto compaction failed", "thread", t.ID, "error", err)
				}
			}
			return nil
		},
	}
}

// QuestionExpirySweep expires pending questions the broker lost track of
// (e.g. across a restart).
func QuestionExpirySweep(stores *store.Stores) Job {
	return Job{
		Name: "question-expiry",
		Expr: "*/5 * * * *",
		Run: func(ctx context.Context) error {
			n, err := stores.Questions.ExpireOlderThan(ctx, time.Now().Add(-10*time.Minute))
			if err != nil {
				return err
			}
			if n > 0 {
				slog.Info("expired pending questions", "count", n)
			}
			return nil
		},
	}
}
