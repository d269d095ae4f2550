package background

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestEnqueueDedupesByTypeAndArgs(t *testing.T) {
	m := NewManager(1, 10, nil, nil)
	t1 := &Task{Type: "extraction", Args: map[string]string{"room": "1"}, Function: func(ctx context.Context, args map[string]string) error { return nil }}
	t2 := &Task{Type: "extraction", Args: map[string]string{"room": "1"}, Function: func(ctx context.Context, args map[string]string) error { return nil }}

	if !m.Enqueue(t1) {
		t.Fatal("expected first enqueue to succeed")
	}
	if m.Enqueue(t2) {
		t.Fatal("expected duplicate (type,args) enqueue to be dropped")
	}
}

func TestWorkerLoopRunsHighPriorityBeforeLow(t *testing.T) {
	m := NewManager(1, 10, nil, nil)
	var order []string
	mk := func(name string, p Priority) *Task {
		return &Task{Type: name, Priority: p, Function: func(ctx context.Context, args map[string]string) error {
			order = append(order, name)
			return nil
		}}
	}
	m.Enqueue(mk("low", PriorityLow))
	m.Enqueue(mk("high", PriorityHigh))
	m.Enqueue(mk("medium", PriorityMedium))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = m.Run(ctx)

	if len(order) != 3 {
		t.Fatalf("expected 3 tasks to run, got %d: %v", len(order), order)
	}
	if order[0] != "high" {
		t.Errorf("first task run = %q, want %q", order[0], "high")
	}
}

func TestRequiresQuietSkipsWhileUserActive(t *testing.T) {
	m := NewManager(1, 10, nil, nil)
	m.Activity.Pulse() // user just became active

	var ran int32
	m.Enqueue(&Task{
		Type: "summary_refresh", RequiresQuiet: true,
		Function: func(ctx context.Context, args map[string]string) error {
			atomic.AddInt32(&ran, 1)
			return nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_ = m.Run(ctx)

	if atomic.LoadInt32(&ran) != 0 {
		t.Error("task requiring quiet ran while user was active")
	}
}

func TestRetryableFailureIsRetried(t *testing.T) {
	m := NewManager(1, 10, nil, nil)
	var attempts int32
	m.Enqueue(&Task{
		Type: "flaky", MaxRetries: 1, TimeoutSeconds: 1,
		Function: func(ctx context.Context, args map[string]string) error {
			atomic.AddInt32(&attempts, 1)
			return errors.New("transient")
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = m.Run(ctx)

	if got := atomic.LoadInt32(&attempts); got < 2 {
		t.Errorf("expected at least an initial attempt plus one retry, got %d", got)
	}
}
