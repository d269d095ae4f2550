// Package embedding implements C2: the Embedder capability boundary and the
// cosine top-k vector index backing semantic_search across events (C1),
// entities (C3), and learnings (C5). Embedding model execution itself is a
// host-supplied capability (spec §1 Out of scope); this package only
// defines the interface and the index that consumes its output.
package embedding

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/philippgille/chromem-go"

	"github.com/nanobot-run/nanobot/internal/eventstore"
)

// Embedder is the capability boundary (spec §6 "Embedder capability"):
// embed(texts) -> [Vector[d]] with fixed d and stable provider_id.
type Embedder interface {
	ProviderID() string
	Dim() int
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Record is one item stored in the vector index: a vector plus enough
// metadata to re-hydrate the originating event/entity/learning from its
// owning store (spec §4.2).
type Record struct {
	ID         string
	Collection string
	Content    string
	Vector     []float32
	Metadata   map[string]string
}

// Result is a scored hit from Search.
type Result struct {
	ID       string
	Score    float64
	Content  string
	Metadata map[string]string
}

// Index is a chromem-go backed vector store, one collection per
// (provider_id, d) pair (spec §4.2, §9 "Embedding dimension variance") so
// queries never accidentally compare vectors from different embedding
// spaces. Embeddings are always pre-computed by an Embedder and passed in,
// so the chromem embeddingFunc is an identity stub that is never called.
type Index struct {
	db *chromem.DB

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
}

// NewIndex returns an in-memory chromem-go index. persistPath, if non-empty,
// enables gzip-compressed file persistence (matching chromem-go's own
// NewPersistentDB contract).
func NewIndex(persistPath string) (*Index, error) {
	var db *chromem.DB
	var err error
	if persistPath != "" {
		db, err = chromem.NewPersistentDB(persistPath, true)
		if err != nil {
			return nil, fmt.Errorf("embedding: open persistent db: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}
	return &Index{db: db, collections: make(map[string]*chromem.Collection)}, nil
}

func collectionName(providerID string, dim int) string {
	return fmt.Sprintf("%s:%d", providerID, dim)
}

func identityEmbeddingFunc(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("embedding: index requires pre-computed vectors, got bare text %q", text)
}

func (idx *Index) collection(name string) (*chromem.Collection, error) {
	idx.mu.RLock()
	if c, ok := idx.collections[name]; ok {
		idx.mu.RUnlock()
		return c, nil
	}
	idx.mu.RUnlock()

	idx.mu.Lock()
	defer idx.mu.Unlock()
	if c, ok := idx.collections[name]; ok {
		return c, nil
	}
	c, err := idx.db.GetOrCreateCollection(name, nil, identityEmbeddingFunc)
	if err != nil {
		return nil, err
	}
	idx.collections[name] = c
	return c, nil
}

// Upsert stores rec in the collection named after its (provider_id, d).
func (idx *Index) Upsert(ctx context.Context, providerID string, dim int, rec Record) error {
	c, err := idx.collection(collectionName(providerID, dim))
	if err != nil {
		return err
	}
	doc := chromem.Document{
		ID:        rec.ID,
		Content:   rec.Content,
		Metadata:  rec.Metadata,
		Embedding: rec.Vector,
	}
	return c.AddDocuments(ctx, []chromem.Document{doc}, runtime.NumCPU())
}

// Search performs cosine top-k over the (provider_id, d) collection that
// queryVec belongs to, optionally filtered by exact-match metadata.
func (idx *Index) Search(ctx context.Context, providerID string, dim int, queryVec []float32, k int, filter map[string]string) ([]Result, error) {
	c, err := idx.collection(collectionName(providerID, dim))
	if err != nil {
		return nil, err
	}
	if n := c.Count(); k > n {
		k = n // chromem rejects a request for more results than the collection holds
	}
	if k <= 0 {
		return nil, nil
	}
	raw, err := c.QueryEmbedding(ctx, queryVec, k, filter, nil)
	if err != nil {
		return nil, err
	}
	out := make([]Result, 0, len(raw))
	for _, r := range raw {
		out = append(out, Result{ID: r.ID, Score: float64(r.Similarity), Content: r.Content, Metadata: r.Metadata})
	}
	return out, nil
}

// Delete removes a single record by id from the (provider_id, d) collection.
func (idx *Index) Delete(ctx context.Context, providerID string, dim int, id string) error {
	c, err := idx.collection(collectionName(providerID, dim))
	if err != nil {
		return err
	}
	return c.Delete(ctx, nil, nil, id)
}

// ToEventVector converts an embedding.Embedder result into the eventstore's
// on-row Vector representation, the seam between C2 and C1.
func ToEventVector(providerID string, values []float32) eventstore.Vector {
	return eventstore.Vector{ProviderID: providerID, Dim: len(values), Values: values}
}

// FallbackEmbedder wraps a primary Embedder and a remote fallback, matching
// spec §4.2's cold-start policy: "on provider failure with api_fallback=true,
// degrade to a remote capability; else the event's vector field is left null".
type FallbackEmbedder struct {
	Primary     Embedder
	Fallback    Embedder // nil disables fallback
	AllowFallback bool
}

func (f *FallbackEmbedder) ProviderID() string { return f.Primary.ProviderID() }
func (f *FallbackEmbedder) Dim() int            { return f.Primary.Dim() }

// Embed tries Primary first; on error, if AllowFallback and Fallback is set,
// retries against Fallback. Otherwise the caller is expected to leave the
// event's embedding field null and continue (event remains readable by
// id/session, just excluded from semantic search).
func (f *FallbackEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := f.Primary.Embed(ctx, texts)
	if err == nil {
		return vecs, nil
	}
	if f.AllowFallback && f.Fallback != nil {
		return f.Fallback.Embed(ctx, texts)
	}
	return nil, err
}
