package coordinator

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
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	if err := EnsureSchema(context.Background(), db); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return db
}

func TestCreateBatchRejectsDependencyCycle(t *testing.T) {
	db := openTestDB(t)
	s := New(db)
	tasks := []*Task{
		{ID: "a", RoomID: "r1", Description: "a", Dependencies: []string{"b"}},
		{ID: "b", RoomID: "r1", Description: "b", Dependencies: []string{"a"}},
	}
	if err := s.CreateBatch(context.Background(), tasks); err == nil {
		t.Fatal("expected cycle detection error")
	}
}

func TestReadySetRequiresAllDependenciesCompleted(t *testing.T) {
	db := openTestDB(t)
	s := New(db)
	ctx := context.Background()
	tasks := []*Task{
		{ID: "t1", RoomID: "r1", Description: "fetch data", Priority: 1},
		{ID: "t2", RoomID: "r1", Description: "analyze data", Dependencies: []string{"t1"}, Priority: 5},
	}
	if err := s.CreateBatch(ctx, tasks); err != nil {
		t.Fatalf("create batch: %v", err)
	}

	ready, err := s.ReadySet(ctx, "r1")
	if err != nil {
		t.Fatalf("ready set: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != "t1" {
		t.Fatalf("expected only t1 ready, got %+v", ready)
	}

	if err := s.Transition(ctx, "t1", TaskAssigned, "", ""); err != nil {
		t.Fatalf("transition to assigned: %v", err)
	}
	if err := s.Transition(ctx, "t1", TaskInProgress, "", ""); err != nil {
		t.Fatalf("transition to in_progress: %v", err)
	}
	if err := s.Transition(ctx, "t1", TaskCompleted, "fetched", ""); err != nil {
		t.Fatalf("transition to completed: %v", err)
	}

	ready, err = s.ReadySet(ctx, "r1")
	if err != nil {
		t.Fatalf("ready set 2: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != "t2" {
		t.Fatalf("expected t2 ready after t1 completed, got %+v", ready)
	}
}

func TestInvalidTaskTransitionRejected(t *testing.T) {
	db := openTestDB(t)
	s := New(db)
	ctx := context.Background()
	if err := s.CreateBatch(ctx, []*Task{{ID: "t1", RoomID: "r1", Description: "x"}}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Transition(ctx, "t1", TaskCompleted, "", ""); err == nil {
		t.Fatal("expected error transitioning PENDING directly to COMPLETED")
	}
}

func TestPropagateBlockedCascadesToTransitiveSuccessors(t *testing.T) {
	db := openTestDB(t)
	s := New(db)
	ctx := context.Background()
	tasks := []*Task{
		{ID: "t1", RoomID: "r1", Description: "step1"},
		{ID: "t2", RoomID: "r1", Description: "step2", Dependencies: []string{"t1"}},
		{ID: "t3", RoomID: "r1", Description: "step3", Dependencies: []string{"t2"}},
	}
	if err := s.CreateBatch(ctx, tasks); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Transition(ctx, "t1", TaskAssigned, "", ""); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := s.Transition(ctx, "t1", TaskInProgress, "", ""); err != nil {
		t.Fatalf("in_progress: %v", err)
	}
	if err := s.Transition(ctx, "t1", TaskFailed, "", "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := s.PropagateBlocked(ctx, "r1", "t1"); err != nil {
		t.Fatalf("propagate: %v", err)
	}

	t2, err := s.Get(ctx, "t2")
	if err != nil {
		t.Fatalf("get t2: %v", err)
	}
	if t2.Status != TaskBlocked {
		t.Errorf("t2 status = %v, want blocked", t2.Status)
	}
	t3, err := s.Get(ctx, "t3")
	if err != nil {
		t.Fatalf("get t3: %v", err)
	}
	if t3.Status != TaskBlocked {
		t.Errorf("t3 status = %v, want blocked (transitive)", t3.Status)
	}
}

func TestRetryBackoffIsExponential(t *testing.T) {
	if RetryBackoff(0) != 1*time.Second {
		t.Errorf("RetryBackoff(0) = %v, want 1s", RetryBackoff(0))
	}
	if RetryBackoff(3) != 8*time.Second {
		t.Errorf("RetryBackoff(3) = %v, want 8s", RetryBackoff(3))
	}
}

func TestShouldEscalateOnLowConfidenceOrDisagreementOrDestructive(t *testing.T) {
	th := EscalationThreshold{MinConfidence: 0.7}
	if !ShouldEscalate(0.5, th, false, false, false) {
		t.Error("expected escalation on low confidence")
	}
	if ShouldEscalate(0.9, th, false, false, false) {
		t.Error("expected no escalation for high confidence and no flags")
	}
	if !ShouldEscalate(0.9, th, true, false, false) {
		t.Error("expected escalation on bot disagreement")
	}
	if !ShouldEscalate(0.9, th, false, true, false) {
		t.Error("expected escalation on destructive tool")
	}
}

func TestOrchestratorRejectsInvalidStateTransition(t *testing.T) {
	o := NewOrchestrator("r1")
	if err := o.Advance(StateDelegating); err == nil {
		t.Fatal("expected error jumping IDLE -> DELEGATING directly")
	}
	if err := o.Advance(StateAnalyzing); err != nil {
		t.Fatalf("IDLE -> ANALYZING: %v", err)
	}
	if err := o.Advance(StateTaskDecomposition); err != nil {
		t.Fatalf("ANALYZING -> TASK_DECOMPOSITION: %v", err)
	}
	if err := o.Advance(StateDelegating); err != nil {
		t.Fatalf("TASK_DECOMPOSITION -> DELEGATING: %v", err)
	}
	if o.State() != StateDelegating {
		t.Errorf("state = %v, want DELEGATING", o.State())
	}
}
