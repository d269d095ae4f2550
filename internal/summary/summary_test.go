package summary

import (
	"context"
	"database/sql"
	"testing"

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

func TestBootstrapCreatesRootAndPreferencesOnce(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	tree := New(db, nil, "")

	if err := tree.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if err := tree.Bootstrap(ctx); err != nil {
		t.Fatalf("second bootstrap: %v", err)
	}

	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM summary_nodes WHERE type = 'root'`).Scan(&count); err != nil {
		t.Fatalf("count roots: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one root node, got %d", count)
	}
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM summary_nodes WHERE type = 'preferences'`).Scan(&count); err != nil {
		t.Fatalf("count prefs: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one user_preferences node, got %d", count)
	}
}

func TestTouchAncestorsPropagatesToRoot(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	tree := New(db, nil, "")
	if err := tree.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	leaf, err := tree.EnsureEntityPath(ctx, "telegram", "person", "entity-1")
	if err != nil {
		t.Fatalf("ensure entity path: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := tree.TouchAncestors(ctx, leaf.ID); err != nil {
			t.Fatalf("touch: %v", err)
		}
	}

	got, err := tree.getByID(ctx, leaf.ID)
	if err != nil {
		t.Fatalf("get leaf: %v", err)
	}
	if got.EventsSinceUpdate != 3 {
		t.Errorf("leaf EventsSinceUpdate = %d, want 3", got.EventsSinceUpdate)
	}

	root, err := tree.getByKey(ctx, rootKey)
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	if root.EventsSinceUpdate != 3 {
		t.Errorf("root EventsSinceUpdate = %d, want 3 (ancestor propagation)", root.EventsSinceUpdate)
	}
}

func TestRefreshCycleResetsLeafCounterAndWritesSummary(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	tree := New(db, nil, "")
	if err := tree.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	leaf, err := tree.EnsureEntityPath(ctx, "telegram", "person", "entity-1")
	if err != nil {
		t.Fatalf("ensure entity path: %v", err)
	}
	for i := 0; i < defaultStalenessThreshold; i++ {
		if err := tree.TouchAncestors(ctx, leaf.ID); err != nil {
			t.Fatalf("touch: %v", err)
		}
	}

	refreshed, err := tree.RefreshCycle(ctx, func(key string, n int) ([]string, error) {
		return []string{"alice said hi", "alice asked about pricing"}, nil
	})
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if refreshed == 0 {
		t.Fatal("expected at least the leaf to refresh")
	}

	got, err := tree.getByID(ctx, leaf.ID)
	if err != nil {
		t.Fatalf("get leaf: %v", err)
	}
	if got.EventsSinceUpdate != 0 {
		t.Errorf("leaf EventsSinceUpdate after refresh = %d, want 0", got.EventsSinceUpdate)
	}
	if got.SummaryText == "" {
		t.Error("expected leaf summary text to be populated after refresh")
	}
}

func TestAssembleContextIsPureLookup(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	tree := New(db, nil, "")
	if err := tree.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if _, err := tree.EnsureChannelPath(ctx, "telegram"); err != nil {
		t.Fatalf("ensure channel: %v", err)
	}

	b1, err := tree.AssembleContext(ctx, "telegram", "", nil)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	b2, err := tree.AssembleContext(ctx, "telegram", "", nil)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if b1.Root != b2.Root || b1.Channel != b2.Channel || b1.Entity != b2.Entity || b1.UserPreferences != b2.UserPreferences {
		t.Errorf("identical state produced different context bundles: %+v vs %+v", b1, b2)
	}
}
