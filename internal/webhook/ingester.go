// Package webhook ingests signed forge events, binds them to threads, and
// emits normalized inbound events.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/M3kH/gigi/internal/bus"
	"github.com/M3kH/gigi/internal/store"
	"github.com/M3kH/gigi/internal/tools"
	"github.com/M3kH/gigi/pkg/protocol"
)

const (
	// echoWindow is how long after a self-authored write a matching
	// inbound webhook is treated as an echo and dropped.
	echoWindow = 30 * time.Second

	handlerTimeout = 10 * time.Second
	maxBodyBytes   = 1 << 20
)

var tracer = otel.Tracer("gigi/webhook")

// SecretFunc supplies the webhook HMAC secret (config table first, the
// environment as fallback).
type SecretFunc func(ctx context.Context) string

// TriggerFunc asks the router to run the agent on a thread bound to a
// fresh actionable webhook event.
type TriggerFunc func(threadID uuid.UUID, repo string, issue int64)

// Ingester is the POST /api/webhooks/forge handler.
type Ingester struct {
	stores *store.Stores
	bus    *bus.Bus
	secret SecretFunc

	// Trigger is optional; when set, actionable events (issue opened,
	// comment created by someone else) start agent work.
	Trigger TriggerFunc
}

func NewIngester(stores *store.Stores, b *bus.Bus, secret SecretFunc) *Ingester {
	return &Ingester{stores: stores, bus: b, secret: secret}
}

func (in *Ingester) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), handlerTimeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "webhook.ingest")
	defer span.End()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	if !in.verify(ctx, body, r.Header.Get("X-Gitea-Signature")) {
		slog.Warn("webhook signature rejected", "remote", r.RemoteAddr)
		http.Error(w, "bad signature", http.StatusUnauthorized)
		return
	}

	// Idempotency on the forge's delivery id.
	if delivery := r.Header.Get("X-Gitea-Delivery"); delivery != "" {
		fresh, err := in.stores.Actions.MarkDelivery(ctx, delivery)
		if err != nil {
			http.Error(w, "internal", http.StatusInternalServerError)
			return
		}
		if !fresh {
			http.Error(w, "duplicate delivery", http.StatusConflict)
			return
		}
	}

	kind := r.Header.Get("X-Gitea-Event")
	n, err := Parse(kind, body)
	if err != nil {
		slog.Debug("webhook ignored", "kind", kind, "error", err)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := in.route(ctx, n); err != nil {
		slog.Error("webhook routing failed", "kind", kind, "repo", n.Repo, "error", err)
		http.Error(w, "internal", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// verify checks the hex HMAC-SHA256 of the raw body.
func (in *Ingester) verify(ctx context.Context, body []byte, signature string) bool {
	secret := in.secret(ctx)
	if secret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(signature))
}

// route binds the normalized event to a thread, creating or stopping
// threads as the lifecycle dictates. Echoes of self-authored writes are
// dropped silently.
func (in *Ingester) route(ctx context.Context, n *Normalized) error {
	if in.isEcho(ctx, n) {
		slog.Debug("webhook echo dropped", "kind", n.Kind, "repo", n.Repo, "number", n.Number)
		return nil
	}

	threadID, err := in.stores.Refs.FindThread(ctx, n.Repo, n.RefType, n.NumberKey())
	switch {
	case err == nil:
		// existing binding
	case errors.Is(err, store.ErrNotFound):
		if n.Action != "opened" || (n.RefType != store.RefIssue && n.RefType != store.RefPR) {
			// No thread and nothing to open: ignore.
			return nil
		}
		threadID, err = in.openThread(ctx, n)
		if err != nil {
			return err
		}
	default:
		return err
	}

	ev, err := in.stores.Events.Append(ctx, &store.Event{
		ThreadID:  threadID,
		Direction: store.DirInbound,
		Actor:     "forge:" + n.Actor,
		Channel:   store.ChannelWebhook,
		Type:      store.TypeText,
		Content:   store.Content{Text: n.Summary},
	})
	if err != nil {
		return err
	}
	in.bus.Publish(threadID, protocol.NewServerMessage(protocol.ServerMessageHistory, threadID.String(),
		[]*store.Event{ev}).WithSeq(ev.Seq))

	if err := in.syncStatus(ctx, threadID, n); err != nil {
		return err
	}

	if in.Trigger != nil && in.actionable(n) {
		in.Trigger(threadID, n.Repo, n.Number)
	}
	return nil
}

// isEcho matches the inbound event against recent self-authored writes:
// by content digest when the payload carries content, by action key
// otherwise.
func (in *Ingester) isEcho(ctx context.Context, n *Normalized) bool {
	if n.Body != "" {
		hit, err := in.stores.Actions.RecentMatch(ctx, "", "", "", tools.ContentDigest(n.Body), echoWindow)
		if err == nil && hit {
			return true
		}
	}
	var kind, target string
	switch n.Kind + ":" + n.Action {
	case "issues:closed":
		kind, target = "close_issue", n.NumberKey()
	case "pull_request:opened":
		// The action log keys PRs on the head branch; the PR number does
		// not exist until the forge assigns it.
		kind, target = "create_pr", n.Head
	case "push:pushed":
		kind, target = "create_branch", n.Title
	default:
		return false
	}
	hit, err := in.stores.Actions.RecentMatch(ctx, kind, n.Repo, target, "", echoWindow)
	return err == nil && hit
}

func (in *Ingester) openThread(ctx context.Context, n *Normalized) (uuid.UUID, error) {
	label := "Issue"
	if n.RefType == store.RefPR {
		label = "PR"
	}
	th, err := in.stores.Threads.Create(ctx, store.ThreadSpec{
		Channel: store.ChannelWebhook,
		Topic:   fmt.Sprintf("%s #%d: %s", label, n.Number, n.Title),
		Repo:    n.Repo,
	})
	if err != nil {
		return uuid.Nil, err
	}
	if err := in.stores.Refs.Upsert(ctx, &store.Reference{
		ThreadID: th.ID,
		Type:     n.RefType,
		Repo:     n.Repo,
		Number:   n.NumberKey(),
		Status:   store.RefOpen,
		URL:      n.URL,
	}); err != nil {
		return uuid.Nil, err
	}
	slog.Info("thread opened from webhook", "thread", th.ID, "topic", th.Topic)
	return th.ID, nil
}

// syncStatus mirrors issue/PR lifecycle onto the reference and thread.
func (in *Ingester) syncStatus(ctx context.Context, threadID uuid.UUID, n *Normalized) error {
	if n.RefType != store.RefIssue && n.RefType != store.RefPR {
		return nil
	}

	switch n.Action {
	case "closed":
		status := store.RefClosed
		if n.Merged {
			status = store.RefMerged
		}
		if err := in.stores.Refs.UpdateStatus(ctx, n.Repo, n.RefType, n.NumberKey(), status); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		t, err := in.stores.Threads.Get(ctx, threadID)
		if err != nil {
			return err
		}
		if t.Status != store.StatusStopped {
			if err := in.stores.Threads.UpdateStatus(ctx, threadID, store.StatusStopped); err != nil {
				return err
			}
			in.bus.Publish(threadID, protocol.NewServerMessage(protocol.ServerConversationUpdate, threadID.String(),
				&protocol.ConversationUpdatePayload{Status: string(store.StatusStopped)}))
		}

	case "reopened":
		if err := in.stores.Refs.UpdateStatus(ctx, n.Repo, n.RefType, n.NumberKey(), store.RefOpen); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}
	return nil
}

// actionable reports whether the event should start agent work: fresh
// issues and comments from humans, not lifecycle noise.
func (in *Ingester) actionable(n *Normalized) bool {
	switch {
	case n.Kind == "issues" && n.Action == "opened":
		return true
	case n.Kind == "issue_comment" && n.Action == "created":
		return true
	}
	return false
}
