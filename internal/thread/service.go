// Package thread implements the thread lifecycle: forking, compaction,
// lineage, status transitions, and search.
package thread

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/M3kH/gigi/internal/bus"
	"github.com/M3kH/gigi/internal/providers"
	"github.com/M3kH/gigi/internal/store"
	"github.com/M3kH/gigi/pkg/protocol"
)

const (
	// DefaultKeepLive is how many live events compaction leaves in place.
	DefaultKeepLive = 8
	// DefaultRecommendAfter is the event count past which compaction is
	// recommended.
	DefaultRecommendAfter = 50
	// defaultTokenCeiling approximates the visible-tail input-token count
	// past which compaction is recommended (chars/4 heuristic).
	defaultTokenCeiling = 100_000

	minSearchQuery = 2
)

// Service coordinates thread operations over the store. Compaction and
// fork prefaces invoke the LLM for summaries.
type Service struct {
	stores   *store.Stores
	provider providers.Provider
	bus      *bus.Bus

	KeepLive       int
	RecommendAfter int
}

func NewService(stores *store.Stores, provider providers.Provider, b *bus.Bus) *Service {
	return &Service{
		stores:         stores,
		provider:       provider,
		bus:            b,
		KeepLive:       DefaultKeepLive,
		RecommendAfter: DefaultRecommendAfter,
	}
}

// Lineage is a thread's family: parent, children, and the fork point.
type Lineage struct {
	Parent    *store.Thread   `json:"parent,omitempty"`
	Children  []*store.Thread `json:"children"`
	ForkPoint *store.Event    `json:"fork_point,omitempty"`
}

// Fork branches a child thread off the parent at forkEvent (defaulting to
// the parent's last event). The parent remains independently runnable.
// With compactParent set, the child opens with a summary of the parent's
// history up to the fork point.
func (s *Service) Fork(ctx context.Context, parentID uuid.UUID, forkEventID *uuid.UUID, topic string, compactParent bool) (*store.Thread, error) {
	parent, err := s.stores.Threads.Get(ctx, parentID)
	if err != nil {
		return nil, err
	}

	var forkEvent *store.Event
	if forkEventID != nil {
		forkEvent, err = s.stores.Events.Get(ctx, *forkEventID)
		if err != nil {
			return nil, err
		}
		if forkEvent.ThreadID != parentID {
			return nil, fmt.Errorf("%w: fork point does not belong to parent", store.ErrInvariant)
		}
	} else {
		events, err := s.stores.Events.List(ctx, parentID, store.EventListOpts{IncludeCompacted: true})
		if err != nil {
			return nil, err
		}
		if len(events) == 0 {
			return nil, fmt.Errorf("%w: cannot fork an empty thread", store.ErrInvalidInput)
		}
		forkEvent = events[len(events)-1]
	}

	if topic == "" {
		topic = parent.Topic + " (fork)"
	}

	child, err := s.stores.Threads.Create(ctx, store.ThreadSpec{
		Channel:     parent.Channel,
		Topic:       topic,
		Repo:        parent.Repo,
		Tags:        parent.Tags,
		ParentID:    &parentID,
		ForkEventID: &forkEvent.ID,
	})
	if err != nil {
		return nil, err
	}

	if compactParent {
		prefix, err := s.stores.Events.List(ctx, parentID, store.EventListOpts{
			BeforeSeq: forkEvent.Seq + 1,
		})
		if err != nil {
			return nil, err
		}
		text, err := s.summarize(ctx, prefix)
		if err != nil {
			slog.Warn("fork preface summary failed", "parent", parentID, "error", err)
			text = "(summary unavailable)"
		}
		// The preface summary covers the PARENT's prefix and is marked with
		// the parent's id; a later compaction of the child appends its own
		// summary after it.
		_, err = s.stores.Events.Append(ctx, &store.Event{
			ThreadID:  child.ID,
			Direction: store.DirOutbound,
			Actor:     "gigi",
			Channel:   store.ChannelSystem,
			Type:      store.TypeSummary,
			Content: store.Content{Summary: &store.SummaryPayload{
				ThreadID: parentID,
				FromSeq:  1,
				ToSeq:    forkEvent.Seq,
				Text:     text,
			}},
		})
		if err != nil {
			return nil, err
		}
	}

	s.publishUpdate(child.ID, &protocol.ConversationUpdatePayload{Topic: child.Topic, Status: string(child.Status)})
	return child, nil
}

// Compact replaces all but the last KeepLive live events with one summary
// event. Compacted events are hidden, not deleted; the UI can expand them.
func (s *Service) Compact(ctx context.Context, threadID uuid.UUID) error {
	live, err := s.liveEvents(ctx, threadID)
	if err != nil {
		return err
	}
	if len(live) <= s.KeepLive {
		return nil // nothing worth compacting
	}

	prefix := live[:len(live)-s.KeepLive]
	text, err := s.summarize(ctx, prefix)
	if err != nil {
		return fmt.Errorf("compaction summary: %w", err)
	}

	throughSeq := prefix[len(prefix)-1].Seq
	if err := s.stores.Events.MarkCompacted(ctx, threadID, throughSeq); err != nil {
		return err
	}
	_, err = s.stores.Events.Append(ctx, &store.Event{
		ThreadID:  threadID,
		Direction: store.DirOutbound,
		Actor:     "gigi",
		Channel:   store.ChannelSystem,
		Type:      store.TypeSummary,
		Content: store.Content{Summary: &store.SummaryPayload{
			ThreadID: threadID,
			FromSeq:  prefix[0].Seq,
			ToSeq:    throughSeq,
			Text:     text,
		}},
	})
	if err != nil {
		return err
	}

	slog.Info("thread compacted", "thread", threadID, "through_seq", throughSeq, "live_kept", s.KeepLive)
	return nil
}

// RecommendCompaction reports whether the thread's visible tail is big
// enough (by count or token estimate) to be worth compacting.
func (s *Service) RecommendCompaction(ctx context.Context, threadID uuid.UUID) (bool, error) {
	live, err := s.liveEvents(ctx, threadID)
	if err != nil {
		return false, err
	}
	if len(live) > s.RecommendAfter {
		return true, nil
	}
	var chars int
	for _, ev := range live {
		chars += len(ev.Content.Text)
		for _, b := range ev.Content.Blocks {
			chars += len(b.Text) + len(b.Input)
		}
	}
	return chars/4 > defaultTokenCeiling, nil
}

// liveEvents is the non-compacted, non-summary slice of a thread.
func (s *Service) liveEvents(ctx context.Context, threadID uuid.UUID) ([]*store.Event, error) {
	visible, err := s.stores.Events.List(ctx, threadID, store.EventListOpts{})
	if err != nil {
		return nil, err
	}
	live := visible[:0:0]
	for _, ev := range visible {
		if ev.Type != store.TypeSummary {
			live = append(live, ev)
		}
	}
	return live, nil
}

// Lineage resolves a thread's parent, children, and fork point.
func (s *Service) Lineage(ctx context.Context, threadID uuid.UUID) (*Lineage, error) {
	t, err := s.stores.Threads.Get(ctx, threadID)
	if err != nil {
		return nil, err
	}
	out := &Lineage{}
	if t.ParentID != nil {
		if parent, err := s.stores.Threads.Get(ctx, *t.ParentID); err == nil {
			out.Parent = parent
		}
	}
	if t.ForkEventID != nil {
		if ev, err := s.stores.Events.Get(ctx, *t.ForkEventID); err == nil {
			out.ForkPoint = ev
		}
	}
	children, err := s.stores.Threads.Children(ctx, threadID)
	if err != nil {
		return nil, err
	}
	out.Children = children
	if out.Children == nil {
		out.Children = []*store.Thread{}
	}
	return out, nil
}

// Stop marks a thread done ("any → stopped").
func (s *Service) Stop(ctx context.Context, threadID uuid.UUID) error {
	return s.transition(ctx, threadID, store.StatusStopped)
}

// Archive shelves a thread ("any → archived").
func (s *Service) Archive(ctx context.Context, threadID uuid.UUID) error {
	return s.transition(ctx, threadID, store.StatusArchived)
}

// Reopen returns a stopped or archived thread to paused.
func (s *Service) Reopen(ctx context.Context, threadID uuid.UUID) error {
	t, err := s.stores.Threads.Get(ctx, threadID)
	if err != nil {
		return err
	}
	if t.Status != store.StatusStopped && t.Status != store.StatusArchived {
		return fmt.Errorf("%w: reopen from %s", store.ErrInvalidInput, t.Status)
	}
	return s.transition(ctx, threadID, store.StatusPaused)
}

// Delete removes an archived thread; the store refuses other statuses.
func (s *Service) Delete(ctx context.Context, threadID uuid.UUID) error {
	return s.stores.Threads.Delete(ctx, threadID)
}

func (s *Service) transition(ctx context.Context, threadID uuid.UUID, to store.ThreadStatus) error {
	t, err := s.stores.Threads.Get(ctx, threadID)
	if err != nil {
		return err
	}
	if t.Status == to {
		return nil
	}
	if err := s.stores.Threads.UpdateStatus(ctx, threadID, to); err != nil {
		return err
	}
	_, err = s.stores.Events.Append(ctx, &store.Event{
		ThreadID:  threadID,
		Direction: store.DirInbound,
		Actor:     "user",
		Channel:   store.ChannelSystem,
		Type:      store.TypeStatusChange,
		Content:   store.Content{Status: &store.StatusPayload{From: string(t.Status), To: string(to)}},
	})
	if err != nil {
		return err
	}
	s.publishUpdate(threadID, &protocol.ConversationUpdatePayload{Status: string(to)})
	return nil
}

// SearchResult is one search hit; topic matches rank above message
// matches, recency breaks ties.
type SearchResult struct {
	Thread  *store.Thread `json:"thread"`
	Matched string        `json:"matched"` // "topic" or "message"
	Snippet string        `json:"snippet,omitempty"`
}

// Search matches thread topics and event text content.
func (s *Service) Search(ctx context.Context, query string, limit int) ([]*SearchResult, error) {
	query = strings.TrimSpace(query)
	if len(query) < minSearchQuery {
		return nil, fmt.Errorf("%w: query must be at least %d characters", store.ErrInvalidInput, minSearchQuery)
	}
	if limit <= 0 {
		limit = 20
	}

	var results []*SearchResult
	seen := make(map[uuid.UUID]bool)

	threads, err := s.stores.Threads.List(ctx, store.ThreadFilter{})
	if err != nil {
		return nil, err
	}
	lower := strings.ToLower(query)
	for _, t := range threads {
		if strings.Contains(strings.ToLower(t.Topic), lower) {
			results = append(results, &SearchResult{Thread: t, Matched: "topic"})
			seen[t.ID] = true
			if len(results) >= limit {
				return results, nil
			}
		}
	}

	hits, err := s.stores.Events.Search(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	for _, ev := range hits {
		if seen[ev.ThreadID] {
			continue
		}
		t, err := s.stores.Threads.Get(ctx, ev.ThreadID)
		if err != nil {
			continue
		}
		seen[ev.ThreadID] = true
		results = append(results, &SearchResult{Thread: t, Matched: "message", Snippet: snippet(ev.Content.Text, query)})
		if len(results) >= limit {
			break
		}
	}
	return results, nil
}

func snippet(text, query string) string {
	idx := strings.Index(strings.ToLower(text), strings.ToLower(query))
	if idx < 0 {
		return truncate(text, 80)
	}
	start := idx - 30
	if start < 0 {
		start = 0
	}
	return truncate(text[start:], 80)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

// summarize asks the LLM for a compact summary of an event slice.
func (s *Service) summarize(ctx context.Context, events []*store.Event) (string, error) {
	var sb strings.Builder
	for _, ev := range events {
		switch ev.Type {
		case store.TypeText:
			fmt.Fprintf(&sb, "%s: %s\n", ev.Actor, truncate(ev.Content.Text, 500))
		case store.TypeToolUse:
			for _, b := range ev.Content.Blocks {
				if b.Type == "tool_use" {
					fmt.Fprintf(&sb, "%s called %s\n", ev.Actor, b.Name)
				}
			}
		case store.TypeToolResult:
			fmt.Fprintf(&sb, "tool result: %s\n", truncate(ev.Content.Text, 200))
		}
	}

	resp, err := s.provider.Chat(ctx, providers.ChatRequest{
		Messages: []providers.Message{
			{Role: "system", Content: "Summarize the conversation below in a dense paragraph. Keep decisions, open questions, file names, issue/PR numbers, and any constraints. Drop pleasantries."},
			{Role: "user", Content: sb.String()},
		},
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

func (s *Service) publishUpdate(threadID uuid.UUID, payload *protocol.ConversationUpdatePayload) {
	if s.bus != nil {
		s.bus.Publish(threadID, protocol.NewServerMessage(protocol.ServerConversationUpdate, threadID.String(), payload))
	}
}
