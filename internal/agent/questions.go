package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/M3kH/gigi/internal/store"
	"github.com/M3kH/gigi/internal/tools"
)

// DefaultAskTimeout bounds an ask_user park.
const DefaultAskTimeout = 5 * time.Minute

// QuestionBroker parks turns waiting on ask_user answers and resolves the
// parks when an answer (or dismissal) arrives on any bound channel.
type QuestionBroker struct {
	mu      sync.Mutex
	waiters map[uuid.UUID]chan resolution // by thread id; one park per thread
	store   store.QuestionStore
	timeout time.Duration
}

type resolution struct {
	answer    string
	dismissed bool
}

func NewQuestionBroker(qs store.QuestionStore, timeout time.Duration) *QuestionBroker {
	if timeout <= 0 {
		timeout = DefaultAskTimeout
	}
	return &QuestionBroker{
		waiters: make(map[uuid.UUID]chan resolution),
		store:   qs,
		timeout: timeout,
	}
}

// Park persists the pending question and blocks until an answer, a
// dismissal, the timeout, or context cancellation.
func (b *QuestionBroker) Park(ctx context.Context, q *store.PendingQuestion) (string, error) {
	if err := b.store.Create(ctx, q); err != nil {
		return "", fmt.Errorf("persist question: %w", err)
	}

	ch := make(chan resolution, 1)
	b.mu.Lock()
	b.waiters[q.ThreadID] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		if b.waiters[q.ThreadID] == ch {
			delete(b.waiters, q.ThreadID)
		}
		b.mu.Unlock()
	}()

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.dismissed {
			b.store.Cancel(context.WithoutCancel(ctx), q.ID)
			return "", tools.ErrQuestionDismissed
		}
		b.store.Resolve(context.WithoutCancel(ctx), q.ID, res.answer)
		return res.answer, nil
	case <-timer.C:
		b.store.Cancel(context.WithoutCancel(ctx), q.ID)
		return "", context.DeadlineExceeded
	case <-ctx.Done():
		b.store.Cancel(context.WithoutCancel(ctx), q.ID)
		return "", ctx.Err()
	}
}

// Answer resolves the park on a thread. Reports whether a park was
// waiting; when false the caller treats the message as a normal intent.
func (b *QuestionBroker) Answer(threadID uuid.UUID, answer string) bool {
	b.mu.Lock()
	ch, ok := b.waiters[threadID]
	if ok {
		delete(b.waiters, threadID)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	ch <- resolution{answer: answer}
	return true
}

// Dismiss clears the park on a thread (chat.stop while parked). The
// pending question is marked cancelled so the UI clears the prompt.
func (b *QuestionBroker) Dismiss(threadID uuid.UUID) bool {
	b.mu.Lock()
	ch, ok := b.waiters[threadID]
	if ok {
		delete(b.waiters, threadID)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	ch <- resolution{dismissed: true}
	return true
}

// Waiting reports whether a turn is parked on the thread.
func (b *QuestionBroker) Waiting(threadID uuid.UUID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.waiters[threadID]
	return ok
}
