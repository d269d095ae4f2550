package graph

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.SetMaxOpenConns(1)
	if err := EnsureSchema(context.Background(), db); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return db
}

func TestResolveEntityExactMatchMergesAlias(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	g := New(db, nil)

	e1, err := g.ResolveEntity(ctx, Mention{SurfaceForm: "Alice", Type: EntityPerson, EventID: 1})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	e2, err := g.ResolveEntity(ctx, Mention{SurfaceForm: "alice", Type: EntityPerson, EventID: 2})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if e1.ID != e2.ID {
		t.Fatalf("expected same entity for case-insensitive exact match, got %s vs %s", e1.ID, e2.ID)
	}
	if e2.EventCount != 2 {
		t.Errorf("EventCount = %d, want 2", e2.EventCount)
	}
}

func TestUpsertEdgeStrengthIncrementsAndCaps(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	g := New(db, nil)

	a, _ := g.ResolveEntity(ctx, Mention{SurfaceForm: "alpha", Type: EntityConcept, EventID: 1})
	b, _ := g.ResolveEntity(ctx, Mention{SurfaceForm: "beta", Type: EntityConcept, EventID: 2})

	edge, err := g.UpsertEdge(ctx, a.ID, "relates_to", b.ID, 1)
	if err != nil {
		t.Fatalf("upsert edge: %v", err)
	}
	if edge.Strength != 0.5 {
		t.Fatalf("initial strength = %v, want 0.5", edge.Strength)
	}
	for i := 0; i < 10; i++ {
		edge, err = g.UpsertEdge(ctx, a.ID, "relates_to", b.ID, int64(i+2))
		if err != nil {
			t.Fatalf("upsert edge: %v", err)
		}
	}
	if edge.Strength > 1.0001 {
		t.Errorf("strength exceeded cap: %v", edge.Strength)
	}
}

func TestUpsertFactContradictionSupersedes(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	g := New(db, nil)

	subj, _ := g.ResolveEntity(ctx, Mention{SurfaceForm: "bob", Type: EntityPerson, EventID: 1})

	old, err := g.UpsertFact(ctx, Fact{SubjectID: subj.ID, Predicate: "likes_color", ObjectText: "blue", Type: FactPreference, Confidence: 0.6}, false)
	if err != nil {
		t.Fatalf("upsert fact: %v", err)
	}

	newer, err := g.UpsertFact(ctx, Fact{SubjectID: subj.ID, Predicate: "likes_color", ObjectText: "green", Type: FactPreference, Confidence: 0.8}, false)
	if err != nil {
		t.Fatalf("upsert fact: %v", err)
	}
	if newer.ID == old.ID {
		t.Fatal("expected a new fact row for a confident contradiction")
	}

	var supersededBy string
	if err := db.QueryRowContext(ctx, `SELECT superseded_by FROM facts WHERE id = ?`, old.ID).Scan(&supersededBy); err != nil {
		t.Fatalf("query: %v", err)
	}
	if supersededBy != newer.ID {
		t.Errorf("old fact superseded_by = %q, want %q", supersededBy, newer.ID)
	}
}

func TestDecayIsMonotonicNonIncreasing(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	g := New(db, nil)

	a, _ := g.ResolveEntity(ctx, Mention{SurfaceForm: "x", Type: EntityTopic, EventID: 1})
	b, _ := g.ResolveEntity(ctx, Mention{SurfaceForm: "y", Type: EntityTopic, EventID: 2})
	edge, err := g.UpsertEdge(ctx, a.ID, "relates_to", b.ID, 1)
	if err != nil {
		t.Fatalf("upsert edge: %v", err)
	}
	before := edge.Strength

	if err := g.DecayEdgesAndFacts(ctx, time.Now().Add(60*24*time.Hour)); err != nil {
		t.Fatalf("decay: %v", err)
	}
	var after float64
	if err := db.QueryRowContext(ctx, `SELECT strength FROM edges WHERE id = ?`, edge.ID).Scan(&after); err != nil {
		t.Fatalf("query: %v", err)
	}
	if after > before {
		t.Errorf("strength increased after decay: before=%v after=%v", before, after)
	}
	if after >= before*0.3 {
		t.Errorf("expected substantial decay after 60 days (half-life 30), before=%v after=%v", before, after)
	}
}
