package eventstore

import (
	"context"
	"testing"
)

func TestAppendOrderingAndFIFO(t *testing.T) {
	ctx := context.Background()
	s, err := OpenInMemory(ctx)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	ids := make([]int64, 0, 3)
	for _, content := range []string{"A", "B", "C"} {
		id, err := s.Append(ctx, &Event{
			SessionKey: "cli:#general",
			Direction:  DirectionInbound,
			Type:       TypeMessage,
			Content:    content,
		})
		if err != nil {
			t.Fatalf("append %s: %v", content, err)
		}
		ids = append(ids, id)
	}

	events, err := s.ListBySession(ctx, "cli:#general", 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i, want := range []string{"A", "B", "C"} {
		if events[i].Content != want {
			t.Errorf("events[%d].Content = %q, want %q", i, events[i].Content, want)
		}
		if events[i].Seq != int64(i+1) {
			t.Errorf("events[%d].Seq = %d, want %d", i, events[i].Seq, i+1)
		}
	}

	// Append-only: original content survives a re-fetch by id.
	got, err := s.Get(ctx, ids[0])
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Content != "A" {
		t.Errorf("Get(%d).Content = %q, want %q", ids[0], got.Content, "A")
	}
}

func TestToolCallResultPairing(t *testing.T) {
	ctx := context.Background()
	s, err := OpenInMemory(ctx)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	callID, err := s.Append(ctx, &Event{
		SessionKey: "s1", Direction: DirectionOutbound, Type: TypeToolCall, ToolName: "web_search",
	})
	if err != nil {
		t.Fatalf("append tool_call: %v", err)
	}

	if _, err := s.Append(ctx, &Event{
		SessionKey: "s1", Direction: DirectionInternal, Type: TypeToolResult, ToolName: "web_search",
	}); err == nil {
		t.Fatal("expected error for tool_result without parent")
	}

	parent := callID
	resultID, err := s.Append(ctx, &Event{
		SessionKey: "s1", Direction: DirectionInternal, Type: TypeToolResult, ToolName: "web_search", ParentID: &parent,
	})
	if err != nil {
		t.Fatalf("append tool_result: %v", err)
	}
	got, err := s.Get(ctx, resultID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ParentID == nil || *got.ParentID != callID {
		t.Errorf("tool_result parent = %v, want %d", got.ParentID, callID)
	}
}

func TestSemanticSearchScopedByProviderAndDim(t *testing.T) {
	ctx := context.Background()
	s, err := OpenInMemory(ctx)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	mk := func(content string, vals []float32, providerID string, dim int) {
		if _, err := s.Append(ctx, &Event{
			SessionKey: "s1", Direction: DirectionInbound, Type: TypeMessage, Content: content,
			Embedding: &Vector{ProviderID: providerID, Dim: dim, Values: vals},
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	mk("alpha", []float32{1, 0, 0}, "openai", 3)
	mk("beta", []float32{0.9, 0.1, 0}, "openai", 3)
	mk("gamma-wrong-provider", []float32{1, 0, 0}, "gemini", 3)

	results, err := s.SemanticSearch(ctx, Vector{ProviderID: "openai", Dim: 3, Values: []float32{1, 0, 0}}, 5, SearchFilter{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results scoped to (openai,3), got %d", len(results))
	}
	if results[0].Event.Content != "alpha" {
		t.Errorf("top result = %q, want %q", results[0].Event.Content, "alpha")
	}
}

func TestDoctorReportsPendingExtraction(t *testing.T) {
	ctx := context.Background()
	s, err := OpenInMemory(ctx)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	id, err := s.Append(ctx, &Event{SessionKey: "s1", Direction: DirectionInbound, Type: TypeMessage, Content: "hi"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	report, err := s.Doctor(ctx)
	if err != nil {
		t.Fatalf("doctor: %v", err)
	}
	if report.TotalEvents != 1 || report.PendingExtraction != 1 {
		t.Fatalf("unexpected doctor report: %+v", report)
	}

	if err := s.MarkExtraction(ctx, id, ExtractionComplete); err != nil {
		t.Fatalf("mark: %v", err)
	}
	report, err = s.Doctor(ctx)
	if err != nil {
		t.Fatalf("doctor: %v", err)
	}
	if report.PendingExtraction != 0 {
		t.Errorf("PendingExtraction = %d, want 0", report.PendingExtraction)
	}
}
