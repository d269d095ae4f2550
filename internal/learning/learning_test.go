package learning

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

func TestCrossPollinationPromotesTopNAndLedgers(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	s := New(db)
	now := time.Now()

	confidences := []float64{0.92, 0.88, 0.80, 0.70, 0.95}
	for i, c := range confidences {
		l, err := s.Record(ctx, Learning{
			Content: "learning", Source: SourceSelfEvaluation, Sentiment: "positive",
			Confidence: c, BotID: "researcher", IsPrivate: true,
		})
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		// Backdate updated_at uniformly so recency weighting doesn't reorder ties.
		if _, err := db.ExecContext(ctx, `UPDATE learnings SET updated_at = ? WHERE id = ?`, now, l.ID); err != nil {
			t.Fatalf("backdate: %v", err)
		}
	}

	promoted, err := s.CrossPollinate(ctx, []string{"researcher"}, 0.75, 3, now)
	if err != nil {
		t.Fatalf("cross pollinate: %v", err)
	}
	if promoted != 3 {
		t.Fatalf("promoted = %d, want 3", promoted)
	}

	shared, err := s.SharedPool(ctx, 10)
	if err != nil {
		t.Fatalf("shared pool: %v", err)
	}
	if len(shared) != 3 {
		t.Fatalf("shared pool size = %d, want 3", len(shared))
	}

	var ledgerCount int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bot_memory_ledger WHERE bot_id = ?`, "researcher").Scan(&ledgerCount); err != nil {
		t.Fatalf("count ledger: %v", err)
	}
	if ledgerCount != 3 {
		t.Fatalf("ledger entries = %d, want 3", ledgerCount)
	}

	// Re-running promotes only the remaining eligible learning (0.80); the
	// three already promoted are not promoted again.
	promotedAgain, err := s.CrossPollinate(ctx, []string{"researcher"}, 0.75, 3, now)
	if err != nil {
		t.Fatalf("second cross pollinate: %v", err)
	}
	if promotedAgain != 1 {
		t.Errorf("second cycle promoted %d entries, want 1 (the 0.80 learning)", promotedAgain)
	}
}

func TestContradictionSupersedesOlderOppositeSentiment(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	s := New(db)

	vec := []float32{1, 0, 0, 0}
	old, err := s.Record(ctx, Learning{
		Content: "user likes terse replies", Source: SourceUserFeedback, Sentiment: "positive",
		Confidence: 0.8, BotID: "leader", IsPrivate: true, Embedding: vec,
	})
	if err != nil {
		t.Fatalf("record old: %v", err)
	}

	_, err = s.Record(ctx, Learning{
		Content: "user dislikes terse replies", Source: SourceUserFeedback, Sentiment: "negative",
		Confidence: 0.85, BotID: "leader", IsPrivate: true, Embedding: vec,
	})
	if err != nil {
		t.Fatalf("record new: %v", err)
	}

	var supersededBy string
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(superseded_by,'') FROM learnings WHERE id = ?`, old.ID).Scan(&supersededBy); err != nil {
		t.Fatalf("query: %v", err)
	}
	if supersededBy == "" {
		t.Error("expected old learning to be superseded by the contradicting one")
	}
}

func TestBestBotForDomainUsesLaplaceSmoothingAndTiebreak(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	s := New(db)

	if err := s.RecordInteraction(ctx, "researcher", "research", true); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := s.RecordInteraction(ctx, "researcher", "research", true); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := s.RecordInteraction(ctx, "coder", "research", false); err != nil {
		t.Fatalf("record: %v", err)
	}

	best, score, err := s.BestBotForDomain(ctx, "research", []string{"researcher", "coder"}, map[string]time.Time{})
	if err != nil {
		t.Fatalf("best bot: %v", err)
	}
	if best != "researcher" {
		t.Errorf("best bot = %q, want %q (score %v)", best, "researcher", score)
	}
}

func TestRelevanceDecaysWithAgeAndTouchReboosts(t *testing.T) {
	l := &Learning{Confidence: 0.8, UpdatedAt: time.Now().Add(-14 * 24 * time.Hour)}
	decayed := Relevance(l, time.Now(), 14)
	if decayed >= 0.5 {
		t.Errorf("expected roughly half confidence after one half-life, got %v", decayed)
	}

	fresh := &Learning{Confidence: 0.8, UpdatedAt: time.Now()}
	if Relevance(fresh, time.Now(), 14) <= decayed {
		t.Error("expected fresh learning to have higher relevance than decayed one")
	}
}
