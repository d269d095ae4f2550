package embedding

import (
	"context"
	"errors"
	"testing"
)

type fakeEmbedder struct {
	id  string
	dim int
	err error
}

func (f *fakeEmbedder) ProviderID() string { return f.id }
func (f *fakeEmbedder) Dim() int           { return f.dim }
func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, f.dim)
		out[i][0] = 1
	}
	return out, nil
}

func TestIndexUpsertAndSearchScopedByCollection(t *testing.T) {
	ctx := context.Background()
	idx, err := NewIndex("")
	if err != nil {
		t.Fatalf("new index: %v", err)
	}

	if err := idx.Upsert(ctx, "openai", 3, Record{ID: "e1", Content: "alpha", Vector: []float32{1, 0, 0}}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := idx.Upsert(ctx, "openai", 3, Record{ID: "e2", Content: "beta", Vector: []float32{0, 1, 0}}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	// Different provider/dim: must not pollute the openai:3 collection.
	if err := idx.Upsert(ctx, "gemini", 768, Record{ID: "e3", Content: "gamma", Vector: make([]float32, 768)}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	results, err := idx.Search(ctx, "openai", 3, []float32{1, 0, 0}, 5, nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results in openai:3 collection, got %d", len(results))
	}
	if results[0].ID != "e1" {
		t.Errorf("top hit = %q, want e1", results[0].ID)
	}
}

func TestFallbackEmbedderDegradesOnPrimaryFailure(t *testing.T) {
	primary := &fakeEmbedder{id: "primary", dim: 4, err: errors.New("boom")}
	fallback := &fakeEmbedder{id: "fallback", dim: 4}

	fe := &FallbackEmbedder{Primary: primary, Fallback: fallback, AllowFallback: true}
	vecs, err := fe.Embed(context.Background(), []string{"hello"})
	if err != nil {
		t.Fatalf("expected fallback to succeed, got %v", err)
	}
	if len(vecs) != 1 {
		t.Fatalf("expected 1 vector, got %d", len(vecs))
	}

	fe.AllowFallback = false
	if _, err := fe.Embed(context.Background(), []string{"hello"}); err == nil {
		t.Fatal("expected error when fallback disabled and primary fails")
	}
}
