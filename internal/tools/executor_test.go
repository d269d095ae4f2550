package tools

import (
	"context"
	"testing"
	"time"

	"github.com/nanobot-run/nanobot/internal/eventstore"
)

type fakeTool struct {
	name    string
	result  *Result
	delay   time.Duration
}

func (f *fakeTool) Name() string                       { return f.name }
func (f *fakeTool) Description() string                { return "fake" }
func (f *fakeTool) Parameters() map[string]interface{} { return map[string]interface{}{} }
func (f *fakeTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ErrorResult("canceled")
		}
	}
	return f.result
}

func newTestExecutor(t *testing.T, reg *Registry) (*Executor, *eventstore.Store) {
	t.Helper()
	ctx := context.Background()
	store, err := eventstore.OpenInMemory(ctx)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	exec := NewExecutor(reg, nil, store)
	return exec, store
}

func TestExecuteRecordsToolCallAndToolResultEvents(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeTool{name: "echo", result: NewResult("hello")})
	exec, store := newTestExecutor(t, reg)

	ctx := context.Background()
	res, err := exec.Execute(ctx, "echo", map[string]interface{}{"x": 1}, "bot1", "room1", "sess1", nil, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != StatusSuccess || res.Value != "hello" {
		t.Fatalf("unexpected result: %+v", res)
	}

	events, err := store.ListBySession(ctx, "sess1", 0, 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events (tool_call, tool_result), got %d", len(events))
	}
	if events[0].Type != eventstore.TypeToolCall {
		t.Errorf("events[0].Type = %v, want tool_call", events[0].Type)
	}
	if events[1].Type != eventstore.TypeToolResult {
		t.Errorf("events[1].Type = %v, want tool_result", events[1].Type)
	}
	if events[1].ParentID == nil || *events[1].ParentID != events[0].ID {
		t.Errorf("tool_result.parent = %v, want %d", events[1].ParentID, events[0].ID)
	}
}

func TestExecuteRecordsToolResultEventOnFailure(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeTool{name: "boom", result: ErrorResult("kaboom")})
	exec, store := newTestExecutor(t, reg)

	ctx := context.Background()
	res, err := exec.Execute(ctx, "boom", nil, "bot1", "room1", "sess2", nil, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != StatusError {
		t.Fatalf("expected StatusError, got %v", res.Status)
	}

	events, err := store.ListBySession(ctx, "sess2", 0, 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected tool_call + tool_result recorded even on failure, got %d events", len(events))
	}
}

func TestExecuteDeniesToolOutsidePermissionMask(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeTool{name: "secret", result: NewResult("ok")})
	exec, _ := newTestExecutor(t, reg)

	_, err := exec.Execute(context.Background(), "secret", nil, "bot1", "room1", "sess3", map[string]bool{"other": true}, nil)
	var permErr *PermissionError
	if err == nil {
		t.Fatal("expected PermissionError")
	}
	if !asPermissionError(err, &permErr) {
		t.Fatalf("expected *PermissionError, got %T: %v", err, err)
	}
}

func asPermissionError(err error, target **PermissionError) bool {
	pe, ok := err.(*PermissionError)
	if ok {
		*target = pe
	}
	return ok
}

func TestExecuteMarksPartialWhenExpectedOutputsMissing(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&fakeTool{name: "plain", result: NewResult("just text, not json")})
	exec, _ := newTestExecutor(t, reg)

	res, err := exec.Execute(context.Background(), "plain", nil, "bot1", "room1", "sess4", nil, []string{"summary"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != StatusPartial {
		t.Fatalf("expected StatusPartial when expected_outputs unmet, got %v", res.Status)
	}
}

func TestIsDestructiveClassifiesExecAndDelete(t *testing.T) {
	if !IsDestructive("exec") {
		t.Error("exec should be destructive")
	}
	if !IsDestructive("delete_file") {
		t.Error("delete_file should be destructive")
	}
	if IsDestructive("web_search") {
		t.Error("web_search should not be destructive")
	}
}
