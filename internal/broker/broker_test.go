package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nanobot-run/nanobot/internal/eventstore"
)

func TestEnqueueDispatchesInFIFOOrderWithinRoom(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := eventstore.OpenInMemory(ctx)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	var mu sync.Mutex
	var order []string
	done := make(chan struct{}, 3)

	handler := func(ctx context.Context, roomID string, evt *eventstore.Event) error {
		mu.Lock()
		order = append(order, evt.Content)
		mu.Unlock()
		done <- struct{}{}
		return nil
	}

	b := New(store, handler, nil)
	b.Run(ctx)

	for _, content := range []string{"A", "B", "C"} {
		if _, err := b.Enqueue(ctx, "room1", &eventstore.Event{
			SessionKey: "room1", Direction: eventstore.DirectionInbound, Type: eventstore.TypeMessage, Content: content,
		}); err != nil {
			t.Fatalf("enqueue %s: %v", content, err)
		}
	}

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for dispatch")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "A" || order[1] != "B" || order[2] != "C" {
		t.Fatalf("expected FIFO order [A B C], got %v", order)
	}
}

func TestEnqueueRejectsAboveHighWaterMark(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := eventstore.OpenInMemory(ctx)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	blocker := make(chan struct{})
	handler := func(ctx context.Context, roomID string, evt *eventstore.Event) error {
		<-blocker // keep the single worker busy so the queue backs up
		return nil
	}

	b := New(store, handler, nil)
	b.highWaterMark = 2
	b.Run(ctx)
	defer close(blocker)

	if _, err := b.Enqueue(ctx, "room1", &eventstore.Event{SessionKey: "room1", Direction: eventstore.DirectionInbound, Type: eventstore.TypeMessage, Content: "1"}); err != nil {
		t.Fatalf("enqueue 1: %v", err)
	}
	if _, err := b.Enqueue(ctx, "room1", &eventstore.Event{SessionKey: "room1", Direction: eventstore.DirectionInbound, Type: eventstore.TypeMessage, Content: "2"}); err != nil {
		t.Fatalf("enqueue 2: %v", err)
	}

	time.Sleep(50 * time.Millisecond) // let the first event reach the worker and block it

	if _, err := b.Enqueue(ctx, "room1", &eventstore.Event{SessionKey: "room1", Direction: eventstore.DirectionInbound, Type: eventstore.TypeMessage, Content: "3"}); err != ErrBusy {
		t.Fatalf("expected ErrBusy above high-water mark, got %v", err)
	}
}

func TestCancelClearsPendingQueue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := eventstore.OpenInMemory(ctx)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	block := make(chan struct{})
	release := make(chan struct{})
	first := true
	var mu sync.Mutex
	handler := func(ctx context.Context, roomID string, evt *eventstore.Event) error {
		mu.Lock()
		isFirst := first
		first = false
		mu.Unlock()
		if isFirst {
			close(block)
			<-release
		}
		return nil
	}

	b := New(store, handler, nil)
	b.Run(ctx)

	if _, err := b.Enqueue(ctx, "room1", &eventstore.Event{SessionKey: "room1", Direction: eventstore.DirectionInbound, Type: eventstore.TypeMessage, Content: "1"}); err != nil {
		t.Fatalf("enqueue 1: %v", err)
	}
	<-block // first event now in-flight and blocked

	if _, err := b.Enqueue(ctx, "room1", &eventstore.Event{SessionKey: "room1", Direction: eventstore.DirectionInbound, Type: eventstore.TypeMessage, Content: "2"}); err != nil {
		t.Fatalf("enqueue 2: %v", err)
	}

	b.Cancel("room1")
	close(release)

	time.Sleep(50 * time.Millisecond)
	if depth := b.Depth("room1"); depth != 0 {
		t.Errorf("expected cleared queue after cancel, depth = %d", depth)
	}
}
