package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestParseMentionsResolvesSynonymsAndDedupes(t *testing.T) {
	mentions := ParseMentions("hey @coordinator can you ask @Coder and @leader to help?")
	want := map[string]bool{"leader": true, "Coder": true}
	if len(mentions) != 2 {
		t.Fatalf("expected 2 distinct mentions (leader deduped), got %v", mentions)
	}
	for _, m := range mentions {
		if !want[m] {
			t.Errorf("unexpected mention %q", m)
		}
	}
}

func TestResolveRouteModes(t *testing.T) {
	if r := ResolveRoute("what's the weather?", "leader"); r.Mode != RouteLeader || r.Bots[0] != "leader" {
		t.Fatalf("expected RouteLeader to leader, got %+v", r)
	}
	if r := ResolveRoute("@coder fix this bug", "leader"); r.Mode != RouteSingle || r.Bots[0] != "coder" {
		t.Fatalf("expected RouteSingle to coder, got %+v", r)
	}
	if r := ResolveRoute("@coder and @researcher look into this", "leader"); r.Mode != RouteMulti || len(r.Bots) != 2 {
		t.Fatalf("expected RouteMulti with 2 bots, got %+v", r)
	}
}

func TestInvokeRespectsMaxConcurrentTasks(t *testing.T) {
	release := make(chan struct{})
	invoke := func(ctx context.Context, req InvokeRequest) (string, error) {
		<-release
		return "done:" + req.Task, nil
	}
	d := New(invoke)
	d.SetMaxConcurrent("coder", 2)

	ctx := context.Background()
	if err := d.Invoke(ctx, InvokeRequest{Bot: "coder", Task: "t1"}, nil); err != nil {
		t.Fatalf("invoke 1: %v", err)
	}
	if err := d.Invoke(ctx, InvokeRequest{Bot: "coder", Task: "t2"}, nil); err != nil {
		t.Fatalf("invoke 2: %v", err)
	}
	if err := d.Invoke(ctx, InvokeRequest{Bot: "coder", Task: "t3"}, nil); err == nil {
		t.Fatal("expected ErrAtCapacity on third concurrent invocation")
	}
	close(release)
}

func TestInvokeDeliversResultToCallbackAndFreesSlot(t *testing.T) {
	invoke := func(ctx context.Context, req InvokeRequest) (string, error) {
		return "ok:" + req.Task, nil
	}
	d := New(invoke)

	var mu sync.Mutex
	var got *InvokeResult
	done := make(chan struct{})

	cb := func(r *InvokeResult) {
		mu.Lock()
		got = r
		mu.Unlock()
		close(done)
	}

	if err := d.Invoke(context.Background(), InvokeRequest{Bot: "coder", Task: "build"}, cb); err != nil {
		t.Fatalf("invoke: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for callback")
	}

	mu.Lock()
	defer mu.Unlock()
	if got == nil || got.Content != "ok:build" || got.Err != nil {
		t.Fatalf("unexpected result: %+v", got)
	}
	if d.ActiveCount("coder") != 0 {
		t.Errorf("expected active count to drop to 0 after completion, got %d", d.ActiveCount("coder"))
	}
}

func TestInvokeRouteMultiInvokesAllMentionedBots(t *testing.T) {
	var mu sync.Mutex
	invoked := make(map[string]bool)
	invoke := func(ctx context.Context, req InvokeRequest) (string, error) {
		mu.Lock()
		invoked[req.Bot] = true
		mu.Unlock()
		return "ok", nil
	}
	d := New(invoke)

	route := ResolveRoute("@coder and @researcher please help", "leader")
	var wg sync.WaitGroup
	wg.Add(len(route.Bots))
	cb := func(r *InvokeResult) { wg.Done() }

	if errs := d.InvokeRoute(context.Background(), route, "investigate", "room1", cb); len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if !invoked["coder"] || !invoked["researcher"] {
		t.Fatalf("expected both bots invoked, got %v", invoked)
	}
}
