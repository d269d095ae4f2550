package sidekick

import (
	"context"
	"errors"
	"testing"
)

func TestBatchRejectsOverMaxPerBot(t *testing.T) {
	run := func(ctx context.Context, p ContextPacket, allowed map[string]bool) (string, error) {
		return "ok", nil
	}
	m := New(run)
	m.SetLimits(2, 6)

	packets := []ContextPacket{{Goal: "a"}, {Goal: "b"}, {Goal: "c"}}
	if _, err := m.Batch(context.Background(), "room1", "coder", packets, nil); err == nil {
		t.Fatal("expected error exceeding max_sidekicks_per_bot")
	}
}

func TestBatchMergesResultsDeterministicallyByIndex(t *testing.T) {
	run := func(ctx context.Context, p ContextPacket, allowed map[string]bool) (string, error) {
		return "result for " + p.Goal, nil
	}
	m := New(run)

	packets := []ContextPacket{{Goal: "alpha"}, {Goal: "beta"}, {Goal: "gamma"}}
	results, err := m.Batch(context.Background(), "room1", "coder", packets, nil)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	merged := Merge(results)
	wantOrder := []string{"alpha", "beta", "gamma"}
	lastIdx := -1
	for _, g := range wantOrder {
		idx := indexOf(merged, "result for "+g)
		if idx < lastIdx {
			t.Fatalf("expected merge to preserve spawn order, got %q", merged)
		}
		lastIdx = idx
	}
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

func TestBatchReturnsErrAllFailedForFallbackToSolo(t *testing.T) {
	run := func(ctx context.Context, p ContextPacket, allowed map[string]bool) (string, error) {
		return "", errors.New("boom")
	}
	m := New(run)

	results, err := m.Batch(context.Background(), "room1", "coder", []ContextPacket{{Goal: "a"}, {Goal: "b"}}, nil)
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("expected ErrAllFailed, got %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected partial results still returned, got %d", len(results))
	}
}

func TestMergeAnnotatesPartialFailure(t *testing.T) {
	results := []*Result{
		{SpawnIndex: 0, Goal: "a", Content: "ok a"},
		{SpawnIndex: 1, Goal: "b", Err: errors.New("timed out")},
	}
	merged := Merge(results)
	if indexOf(merged, "ok a") < 0 {
		t.Error("expected successful result content present")
	}
	if indexOf(merged, "sidekick 1 failed") < 0 {
		t.Errorf("expected partial-failure annotation, got %q", merged)
	}
}

func TestSlotsFreedAfterBatchCompletes(t *testing.T) {
	run := func(ctx context.Context, p ContextPacket, allowed map[string]bool) (string, error) {
		return "ok", nil
	}
	m := New(run)
	m.SetLimits(1, 6)

	if _, err := m.Batch(context.Background(), "room1", "coder", []ContextPacket{{Goal: "a"}}, nil); err != nil {
		t.Fatalf("first batch: %v", err)
	}
	// Slot should be freed after Batch returns, so a second single-sidekick
	// batch against the same bot must succeed even with maxPerBot=1.
	if _, err := m.Batch(context.Background(), "room1", "coder", []ContextPacket{{Goal: "b"}}, nil); err != nil {
		t.Fatalf("second batch after slot freed: %v", err)
	}
}

func TestContextPacketPromptIncludesPacketFields(t *testing.T) {
	p := ContextPacket{Goal: "summarize", Inputs: []string{"doc1"}, OutputFormat: "bullet list"}
	prompt := p.Prompt()
	if indexOf(prompt, "summarize") < 0 || indexOf(prompt, "doc1") < 0 || indexOf(prompt, "bullet list") < 0 {
		t.Fatalf("prompt missing expected fields: %q", prompt)
	}
}
