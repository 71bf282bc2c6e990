package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ThreadSpec is the input for creating a thread.
type ThreadSpec struct {
	Channel     string
	Topic       string
	Repo        string
	Tags        []string
	ParentID    *uuid.UUID
	ForkEventID *uuid.UUID
}

// ThreadFilter narrows thread listings.
type ThreadFilter struct {
	Status ThreadStatus
	Repo   string
	Tag    string
	Limit  int
	Offset int
}

// ThreadStore manages thread records.
type ThreadStore interface {
	// Create validates lineage: when ParentID is set, ForkEventID must name
	// an event of the parent (ErrInvariant otherwise).
	Create(ctx context.Context, spec ThreadSpec) (*Thread, error)
	Get(ctx context.Context, id uuid.UUID) (*Thread, error)
	List(ctx context.Context, f ThreadFilter) ([]*Thread, error)
	Children(ctx context.Context, parentID uuid.UUID) ([]*Thread, error)

	UpdateStatus(ctx context.Context, id uuid.UUID, status ThreadStatus) error
	UpdateTopic(ctx context.Context, id uuid.UUID, topic string) error
	UpdateTags(ctx context.Context, id uuid.UUID, tags []string) error
	SetRunning(ctx context.Context, id uuid.UUID, running bool) error
	AddUsage(ctx context.Context, id uuid.UUID, u Usage) error
	Touch(ctx context.Context, id uuid.UUID) error

	// Delete is permitted only from archived status (ErrInvariant otherwise).
	Delete(ctx context.Context, id uuid.UUID) error
}

// EventListOpts pages through a thread's history.
type EventListOpts struct {
	BeforeSeq        int64 // 0 = no bound
	AfterSeq         int64 // 0 = no bound
	Limit            int   // 0 = no limit
	IncludeCompacted bool
}

// EventStore appends and reads conversation events.
type EventStore interface {
	// Append assigns the next dense seq under the thread's writer lock and
	// commits before returning. A racing writer surfaces as ErrConflict.
	Append(ctx context.Context, ev *Event) (*Event, error)
	Get(ctx context.Context, id uuid.UUID) (*Event, error)
	List(ctx context.Context, threadID uuid.UUID, opts EventListOpts) ([]*Event, error)
	// LastSeq returns 0 for a thread with no events.
	LastSeq(ctx context.Context, threadID uuid.UUID) (int64, error)
	// MarkCompacted flags events of the thread with seq <= throughSeq;
	// summary events are left unflagged.
	MarkCompacted(ctx context.Context, threadID uuid.UUID, throughSeq int64) error
	// Search matches text content and returns events newest-first.
	Search(ctx context.Context, query string, limit int) ([]*Event, error)
}

// RefStore manages thread↔forge artifact links.
type RefStore interface {
	Upsert(ctx context.Context, ref *Reference) error
	ListByThread(ctx context.Context, threadID uuid.UUID) ([]*Reference, error)
	// FindThread resolves (repo, type, number) to its bound thread.
	FindThread(ctx context.Context, repo string, refType RefType, number string) (uuid.UUID, error)
	UpdateStatus(ctx context.Context, repo string, refType RefType, number string, status RefStatus) error
}

// UsageStore maintains per-period rollups so budget checks are O(1).
type UsageStore interface {
	// Add folds a usage sample into the given day's rollup (YYYY-MM-DD, UTC).
	Add(ctx context.Context, day string, u Usage) error
	// CostSince sums cost over rollups with day >= since.
	CostSince(ctx context.Context, since time.Time) (float64, error)
	Stats(ctx context.Context, days int) ([]DayUsage, error)
}

// ActionStore is the self-authored action log used for webhook echo
// detection and enforcement milestone detectors.
type ActionStore interface {
	Record(ctx context.Context, a *ActionRecord) error
	// RecentMatch reports whether an action with this digest (or, when the
	// digest is empty, kind+repo+target) was recorded within the window.
	RecentMatch(ctx context.Context, kind, repo, targetID, digest string, window time.Duration) (bool, error)
	// HasAction reports whether any action of the kind against the target
	// exists at all (enforcement detectors).
	HasAction(ctx context.Context, kind, repo, targetID string) (bool, error)
	// MarkDelivery records a webhook delivery id; reports false when the id
	// was already seen (idempotent re-delivery).
	MarkDelivery(ctx context.Context, deliveryID string) (bool, error)
}

// ConfigStore is the process-wide key/value configuration table. Values are
// opaque strings stored as given; secret values such as the webhook secret
// are written and read as plain text.
type ConfigStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	All(ctx context.Context) (map[string]string, error)
}

// QuestionStore persists ask_user suspensions.
type QuestionStore interface {
	Create(ctx context.Context, q *PendingQuestion) error
	Get(ctx context.Context, id uuid.UUID) (*PendingQuestion, error)
	// PendingForThread returns the open question on a thread, if any.
	PendingForThread(ctx context.Context, threadID uuid.UUID) (*PendingQuestion, error)
	Resolve(ctx context.Context, id uuid.UUID, answer string) error
	Cancel(ctx context.Context, id uuid.UUID) error
	ExpireOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// TaskStore persists completion-enforcement contexts.
type TaskStore interface {
	Get(ctx context.Context, threadID uuid.UUID, repo string, issue int64) (*TaskContext, error)
	Put(ctx context.Context, tc *TaskContext) error
	ListStale(ctx context.Context, cutoff time.Time) ([]*TaskContext, error)
}

// Stores is the top-level container for all storage backends.
type Stores struct {
	Threads   ThreadStore
	Events    EventStore
	Refs      RefStore
	Usage     UsageStore
	Actions   ActionStore
	Config    ConfigStore
	Questions QuestionStore
	Tasks     TaskStore
}

// Config keys persisted in the config table.
const (
	ConfigBudgetCeilingUSD = "budget_ceiling_usd"
	ConfigBudgetPeriodDays = "budget_period_days"
	ConfigWebhookSecret    = "webhook_secret"
	ConfigTelegramChatID   = "telegram_chat_id"
	ConfigForgeBaseURL     = "forge_base_url"
	ConfigForgeToken       = "forge_token"
)
