package bus

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/M3kH/gigi/pkg/protocol"
)

func TestPublishOrderPreserved(t *testing.T) {
	b := New()
	tid := uuid.New()
	sub := b.Subscribe(tid)
	defer sub.Close()

	for i := 0; i < 10; i++ {
		b.Publish(tid, protocol.NewServerMessage(protocol.ServerTextChunk, tid.String(),
			&protocol.TextChunkPayload{Content: fmt.Sprintf("%d", i)}))
	}

	for i := 0; i < 10; i++ {
		select {
		case msg := <-sub.C():
			got := msg.Payload.(*protocol.TextChunkPayload).Content
			if got != fmt.Sprintf("%d", i) {
				t.Fatalf("position %d got %q", i, got)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for message")
		}
	}
}

func TestThreadIsolation(t *testing.T) {
	b := New()
	a, c := uuid.New(), uuid.New()
	subA := b.Subscribe(a)
	defer subA.Close()

	b.Publish(c, protocol.NewServerMessage(protocol.ServerTextChunk, c.String(), nil))

	select {
	case <-subA.C():
		t.Fatal("subscriber of thread A received thread C's message")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestGlobalReceivesAll(t *testing.T) {
	b := New()
	g := b.SubscribeGlobal()
	defer g.Close()

	b.Publish(uuid.New(), protocol.NewServerMessage(protocol.ServerAgentStart, "x", nil))
	b.Publish(uuid.Nil, protocol.NewServerMessage(protocol.ServerConversationList, "", nil))

	for i := 0; i < 2; i++ {
		select {
		case <-g.C():
		case <-time.After(time.Second):
			t.Fatal("global subscriber missed a message")
		}
	}
}

func TestOverflowDisconnectsWithLagged(t *testing.T) {
	b := New()
	tid := uuid.New()
	sub := b.Subscribe(tid)

	// Fill the queue without draining, then one more to overflow.
	for i := 0; i < QueueSize+1; i++ {
		b.Publish(tid, protocol.NewServerMessage(protocol.ServerTextChunk, tid.String(), nil))
	}

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscriber was not disconnected")
	}
	if !errors.Is(sub.Err(), ErrLagged) {
		t.Fatalf("want ErrLagged, got %v", sub.Err())
	}
	if b.SubscriberCount(tid) != 0 {
		t.Fatal("lagged subscriber still attached")
	}

	// A healthy subscriber on the same thread keeps working.
	fresh := b.Subscribe(tid)
	defer fresh.Close()
	b.Publish(tid, protocol.NewServerMessage(protocol.ServerTextChunk, tid.String(), nil))
	select {
	case <-fresh.C():
	case <-time.After(time.Second):
		t.Fatal("fresh subscriber got nothing")
	}
}

func TestCloseIsClean(t *testing.T) {
	b := New()
	tid := uuid.New()
	sub := b.Subscribe(tid)
	sub.Close()

	if sub.Err() != nil {
		t.Fatalf("clean close should have nil err, got %v", sub.Err())
	}
	// Publishing after close must not panic.
	b.Publish(tid, protocol.NewServerMessage(protocol.ServerTextChunk, tid.String(), nil))
}
