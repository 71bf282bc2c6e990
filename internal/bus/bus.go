// Package bus is the in-process pub/sub fabric: one logical channel per
// thread plus one global channel. It has no persistence; a restart loses
// only in-flight fan-out.
package bus

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/M3kH/gigi/pkg/protocol"
)

// QueueSize bounds each subscriber's pending queue. A subscriber that
// falls further behind is disconnected with ErrLagged and must resync by
// requesting history by seq.
const QueueSize = 256

// ErrLagged signals that a subscriber overran its queue.
var ErrLagged = errors.New("subscriber lagged")

// Bus fans server messages out to per-thread and global subscribers.
// Delivery is in publish order per subscriber.
type Bus struct {
	mu       sync.Mutex
	nextID   uint64
	byThread map[uuid.UUID]map[uint64]*Subscription
	global   map[uint64]*Subscription
}

func New() *Bus {
	return &Bus{
		byThread: make(map[uuid.UUID]map[uint64]*Subscription),
		global:   make(map[uint64]*Subscription),
	}
}

// Subscription is one subscriber's bounded stream.
type Subscription struct {
	id       uint64
	threadID uuid.UUID // uuid.Nil for global
	ch       chan *protocol.ServerMessage
	done     chan struct{}
	closeOnce sync.Once
	err      error
	bus      *Bus
}

// C yields messages in publish order. The channel is closed after Done.
func (s *Subscription) C() <-chan *protocol.ServerMessage { return s.ch }

// Done is closed when the subscription ends (Close or Lagged).
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err reports why the subscription ended; ErrLagged after queue overflow,
// nil after a clean Close.
func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close detaches the subscriber.
func (s *Subscription) Close() {
	s.bus.remove(s, nil)
}

func (s *Subscription) terminate(err error) {
	s.closeOnce.Do(func() {
		s.err = err
		close(s.done)
		close(s.ch)
	})
}

// Subscribe attaches to one thread's stream.
func (b *Bus) Subscribe(threadID uuid.UUID) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := b.newSub(threadID)
	m, ok := b.byThread[threadID]
	if !ok {
		m = make(map[uint64]*Subscription)
		b.byThread[threadID] = m
	}
	m[sub.id] = sub
	return sub
}

// SubscribeGlobal attaches to every thread's stream plus thread-less
// messages (conversation lists, view commands).
func (b *Bus) SubscribeGlobal() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := b.newSub(uuid.Nil)
	b.global[sub.id] = sub
	return sub
}

func (b *Bus) newSub(threadID uuid.UUID) *Subscription {
	b.nextID++
	return &Subscription{
		id:       b.nextID,
		threadID: threadID,
		ch:       make(chan *protocol.ServerMessage, QueueSize),
		done:     make(chan struct{}),
		bus:      b,
	}
}

// Publish delivers msg to the thread's subscribers and all global
// subscribers. A full queue disconnects that subscriber with ErrLagged;
// other subscribers are unaffected.
func (b *Bus) Publish(threadID uuid.UUID, msg *protocol.ServerMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if threadID != uuid.Nil {
		for _, sub := range b.byThread[threadID] {
			b.deliverLocked(sub, msg)
		}
	}
	for _, sub := range b.global {
		b.deliverLocked(sub, msg)
	}
}

func (b *Bus) deliverLocked(sub *Subscription, msg *protocol.ServerMessage) {
	select {
	case sub.ch <- msg:
	default:
		b.detachLocked(sub)
		sub.terminate(ErrLagged)
	}
}

func (b *Bus) remove(sub *Subscription, err error) {
	b.mu.Lock()
	b.detachLocked(sub)
	b.mu.Unlock()
	sub.terminate(err)
}

func (b *Bus) detachLocked(sub *Subscription) {
	if sub.threadID != uuid.Nil {
		if m, ok := b.byThread[sub.threadID]; ok {
			delete(m, sub.id)
			if len(m) == 0 {
				delete(b.byThread, sub.threadID)
			}
		}
	} else {
		delete(b.global, sub.id)
	}
}

// SubscriberCount reports live subscribers for a thread (tests, health).
func (b *Bus) SubscriberCount(threadID uuid.UUID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.byThread[threadID]) + len(b.global)
}
