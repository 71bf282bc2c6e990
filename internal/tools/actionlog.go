package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/M3kH/gigi/internal/store"
)

// forgeWriteActions maps gitea tool actions to action-log kinds. Reads are
// not logged; only writes can echo back as webhooks.
var forgeWriteActions = map[string]string{
	"comment":       "comment",
	"close_issue":   "close_issue",
	"create_pr":     "create_pr",
	"create_branch": "create_branch",
}

// ActionLog is the interceptor that records outbound writes after they
// succeed. The webhook ingester matches inbound payloads against these
// records (by content digest, 30 s window) to drop self-echoes; the
// enforcement detectors query them for milestone evidence.
func ActionLog(actions store.ActionStore) Interceptor {
	return func(next Invoker) Invoker {
		return func(ctx context.Context, inv *Invocation) *Result {
			res := next(ctx, inv)
			if res == nil || res.IsError {
				return res
			}

			rec := recordFor(inv)
			if rec == nil {
				return res
			}
			if err := actions.Record(ctx, rec); err != nil {
				slog.Warn("action log write failed", "tool", inv.Name, "kind", rec.Kind, "error", err)
			}
			return res
		}
	}
}

func recordFor(inv *Invocation) *store.ActionRecord {
	switch inv.Name {
	case "gitea":
		action, _ := inv.Args["action"].(string)
		kind, isWrite := forgeWriteActions[action]
		if !isWrite {
			return nil
		}
		repo, _ := inv.Args["repo"].(string)
		target := fmt.Sprintf("%d", intArg(inv.Args, "number"))
		switch action {
		case "create_branch":
			target, _ = inv.Args["branch"].(string)
		case "create_pr":
			// PRs key on the head branch: the webhook echo carries it, the
			// PR number does not exist until the forge assigns it.
			target, _ = inv.Args["head"].(string)
		}
		body, _ := inv.Args["body"].(string)
		return &store.ActionRecord{
			Kind:     kind,
			Repo:     repo,
			TargetID: target,
			Digest:   ContentDigest(body),
		}

	case "telegram_send":
		text, _ := inv.Args["text"].(string)
		return &store.ActionRecord{
			Kind:   "telegram_send",
			Digest: ContentDigest(text),
		}
	}
	return nil
}

// ContentDigest is the canonical content hash shared by the action log and
// the webhook ingester: both sides must hash the same way for echo
// detection to work.
func ContentDigest(content string) string {
	if content == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
