package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/M3kH/gigi/internal/store"
)

// Enforcement caps and windows.
const (
	maxEnforcementCycles = 8
	staleTaskAge         = time.Hour
)

// Detectors observe external evidence for each milestone transition.
// Production wiring reads the workspace fingerprint, the forge, and the
// action log; tests stub individual detectors.
type Detectors struct {
	// WorkspaceChanged: the checkout differs from the fingerprint taken at
	// task start.
	WorkspaceChanged func(ctx context.Context, tc *store.TaskContext) bool
	// BranchPushed: a work branch for the issue exists on the forge.
	BranchPushed func(ctx context.Context, tc *store.TaskContext) bool
	// PROpened: the action log has a create_pr entry for the repo.
	PROpened func(ctx context.Context, tc *store.TaskContext) bool
	// OperatorNotified: the action log has a telegram_send entry from the
	// last hour. The entry is not matched to the task or to the PR's time.
	OperatorNotified func(ctx context.Context, tc *store.TaskContext) bool
}

// Enforcer is the completion state machine: a declared task ("work on
// issue X") must progress initial → changed → pushed → pr_opened →
// notified → done, and incomplete turns get a synthetic follow-up intent.
type Enforcer struct {
	tasks     store.TaskStore
	actions   store.ActionStore
	detectors Detectors
}

func NewEnforcer(tasks store.TaskStore, actions store.ActionStore, d Detectors) *Enforcer {
	e := &Enforcer{tasks: tasks, actions: actions, detectors: d}
	if e.detectors.PROpened == nil {
		e.detectors.PROpened = e.prOpenedFromActionLog
	}
	if e.detectors.OperatorNotified == nil {
		e.detectors.OperatorNotified = e.notifiedFromActionLog
	}
	return e
}

func (e *Enforcer) prOpenedFromActionLog(ctx context.Context, tc *store.TaskContext) bool {
	ok, err := e.actions.HasAction(ctx, "create_pr", tc.Repo, "")
	if err != nil {
		slog.Warn("enforcement: pr detector failed", "error", err)
		return false
	}
	if ok {
		return true
	}
	// PRs opened against the issue branch log under their own number too.
	ok, _ = e.actions.HasAction(ctx, "create_pr", tc.Repo, strconv.FormatInt(tc.IssueNumber, 10))
	return ok
}

func (e *Enforcer) notifiedFromActionLog(ctx context.Context, tc *store.TaskContext) bool {
	ok, err := e.actions.RecentMatch(ctx, "telegram_send", "", "", "", staleTaskAge)
	if err != nil {
		slog.Warn("enforcement: notify detector failed", "error", err)
		return false
	}
	return ok
}

// Begin opens (or refreshes) the task context for a "work on issue"
// intent and snapshots the workspace fingerprint.
func (e *Enforcer) Begin(ctx context.Context, threadID uuid.UUID, repo string, issue int64, workspace string) error {
	tc, err := e.tasks.Get(ctx, threadID, repo, issue)
	if err != nil {
		tc = &store.TaskContext{
			ThreadID:    threadID,
			Repo:        repo,
			IssueNumber: issue,
			State:       store.TaskInitial,
		}
	}
	if tc.State == store.TaskInitial {
		tc.Fingerprint = FingerprintWorkspace(workspace)
	}
	return e.tasks.Put(ctx, tc)
}

// Evaluate advances the task's milestones from detector evidence and
// returns the follow-up intent to inject when the task is incomplete.
// Empty hint means either done or the enforcement cap was reached (the
// 9th cycle is a no-op).
func (e *Enforcer) Evaluate(ctx context.Context, tID uuid.UUID, repo string, issue int64) (hint string, err error) {
	tc, err := e.tasks.Get(ctx, tID, repo, issue)
	if err != nil {
		return "", err
	}

	e.advance(ctx, tc)

	if tc.State == store.TaskDone {
		return "", e.tasks.Put(ctx, tc)
	}
	if tc.Cycles >= maxEnforcementCycles {
		slog.Warn("enforcement cap reached", "repo", tc.Repo, "issue", tc.IssueNumber, "state", tc.State)
		return "", e.tasks.Put(ctx, tc)
	}

	tc.Cycles++
	if err := e.tasks.Put(ctx, tc); err != nil {
		return "", err
	}
	return enforcementHint(tc), nil
}

// advance fires transitions while their detectors return true.
func (e *Enforcer) advance(ctx context.Context, tc *store.TaskContext) {
	for {
		var fired bool
		switch tc.State {
		case store.TaskInitial:
			if e.detectors.WorkspaceChanged != nil && e.detectors.WorkspaceChanged(ctx, tc) {
				tc.State = store.TaskChanged
				fired = true
			}
		case store.TaskChanged:
			if e.detectors.BranchPushed != nil && e.detectors.BranchPushed(ctx, tc) {
				tc.State = store.TaskPushed
				fired = true
			}
		case store.TaskPushed:
			if e.detectors.PROpened(ctx, tc) {
				tc.State = store.TaskPROpened
				fired = true
			}
		case store.TaskPROpened:
			if e.detectors.OperatorNotified(ctx, tc) {
				tc.State = store.TaskNotified
				fired = true
			}
		case store.TaskNotified:
			tc.State = store.TaskDone
			fired = true
		}
		if !fired {
			return
		}
	}
}

// enforcementHint phrases the synthetic inbound intent for the next
// incomplete milestone.
func enforcementHint(tc *store.TaskContext) string {
	switch tc.State {
	case store.TaskInitial:
		return fmt.Sprintf("You have not started on issue #%d in %s yet. Read the issue and make the required code changes.", tc.IssueNumber, tc.Repo)
	case store.TaskChanged:
		return fmt.Sprintf("You changed code for issue #%d but no branch is pushed. Commit your work and push a branch.", tc.IssueNumber)
	case store.TaskPushed:
		return fmt.Sprintf("The branch for issue #%d is pushed but no pull request exists. Open a PR referencing the issue.", tc.IssueNumber)
	case store.TaskPROpened:
		return fmt.Sprintf("The PR for issue #%d is open. Notify the operator with telegram_send, including the PR link.", tc.IssueNumber)
	default:
		return ""
	}
}

// FingerprintWorkspace hashes the checkout's file metadata (path, size,
// mtime). Cheap enough to run at turn boundaries; content hashing is not
// needed to detect "something changed".
func FingerprintWorkspace(dir string) string {
	if dir == "" {
		return ""
	}
	h := sha256.New()
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		fmt.Fprintf(h, "%s|%d|%d\n", path, info.Size(), info.ModTime().UnixNano())
		return nil
	})
	return hex.EncodeToString(h.Sum(nil))
}

// DefaultWorkspaceChangedDetector compares the stored fingerprint with a
// fresh snapshot of the same workspace.
func DefaultWorkspaceChangedDetector(workspace string) func(ctx context.Context, tc *store.TaskContext) bool {
	return func(_ context.Context, tc *store.TaskContext) bool {
		if tc.Fingerprint == "" {
			return false
		}
		return FingerprintWorkspace(workspace) != tc.Fingerprint
	}
}
