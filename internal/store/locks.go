package store

import (
	"sync"

	"github.com/google/uuid"
)

// ThreadLocks serializes event writers per thread so sequence numbers
// stay dense. Locks are created lazily and never reaped; the set of live
// threads is small. (Single-turn-per-thread admission is the agent
// runner's concern, not this lock's.)
type ThreadLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func NewThreadLocks() *ThreadLocks {
	return &ThreadLocks{locks: make(map[uuid.UUID]*sync.Mutex)}
}

// Lock acquires the thread's writer lock and returns the unlock func.
func (tl *ThreadLocks) Lock(threadID uuid.UUID) func() {
	tl.mu.Lock()
	m, ok := tl.locks[threadID]
	if !ok {
		m = &sync.Mutex{}
		tl.locks[threadID] = m
	}
	tl.mu.Unlock()

	m.Lock()
	return m.Unlock
}
