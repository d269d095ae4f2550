// Package coordinator implements C12: the coordinator state machine and
// task DAG orchestrator that decomposes a room's work into dependent
// tasks, dispatches ready tasks to bots via the C11 dispatcher, and
// escalates or retries on failure (spec §4.12).
package coordinator

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"time"
)

// State is the coordinator's own state machine (spec §4.12):
// IDLE -> ANALYZING -> {ROUTE_TO_BOT|TASK_DECOMPOSITION} -> DELEGATING ->
// MONITORING -> {ASSEMBLING_RESULTS|ERROR_HANDLING|ESCALATING} -> ... -> IDLE
type State string

const (
	StateIdle               State = "IDLE"
	StateAnalyzing          State = "ANALYZING"
	StateRouteToBot         State = "ROUTE_TO_BOT"
	StateTaskDecomposition  State = "TASK_DECOMPOSITION"
	StateDelegating         State = "DELEGATING"
	StateMonitoring         State = "MONITORING"
	StateAssemblingResults  State = "ASSEMBLING_RESULTS"
	StateErrorHandling      State = "ERROR_HANDLING"
	StateEscalating         State = "ESCALATING"
)

// validTransitions enumerates the coordinator state machine's edges.
var validTransitions = map[State][]State{
	StateIdle:              {StateAnalyzing},
	StateAnalyzing:         {StateRouteToBot, StateTaskDecomposition},
	StateRouteToBot:        {StateDelegating},
	StateTaskDecomposition: {StateDelegating},
	StateDelegating:        {StateMonitoring},
	StateMonitoring:        {StateAssemblingResults, StateErrorHandling, StateEscalating},
	StateAssemblingResults: {StateIdle},
	StateErrorHandling:     {StateDelegating, StateEscalating, StateIdle},
	StateEscalating:        {StateIdle},
}

// TaskStatus is a Task's own status state machine (spec §3 Task, §4.12):
// PENDING -> ASSIGNED -> IN_PROGRESS -> {COMPLETED|FAILED|CANCELLED}, with
// BLOCKED as a side-state entered/exited independent of forward progress.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
	TaskBlocked    TaskStatus = "blocked"
)

var validTaskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:    {TaskAssigned, TaskBlocked, TaskCancelled},
	TaskAssigned:   {TaskInProgress, TaskBlocked, TaskCancelled},
	TaskInProgress: {TaskCompleted, TaskFailed, TaskBlocked, TaskCancelled},
	TaskBlocked:    {TaskPending, TaskAssigned, TaskCancelled},
	TaskCompleted:  {},
	TaskFailed:     {},
	TaskCancelled:  {},
}

// Task mirrors spec §3 Task.
type Task struct {
	ID           string
	RoomID       string
	Description  string
	Status       TaskStatus
	AssignedBot  string
	Dependencies []string // task IDs that must COMPLETE first
	Priority     int
	Result       string
	Error        string
	RetryCount   int
	MaxRetries   int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

const defaultMaxRetries = 3

func EnsureSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	room_id TEXT NOT NULL,
	description TEXT NOT NULL,
	status TEXT NOT NULL,
	assigned_bot TEXT NOT NULL DEFAULT '',
	dependencies TEXT NOT NULL DEFAULT '',
	priority INTEGER NOT NULL DEFAULT 0,
	result TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 3,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_room ON tasks(room_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(room_id, status);
`)
	return err
}

// Store persists Task rows and enforces the task status state machine and
// the dependency DAG's no-cycles invariant.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store { return &Store{db: db} }

// CreateBatch inserts a set of tasks as a single DAG, rejecting the whole
// batch if any dependency cycle exists (spec §4.12: "cycle = construction
// time error"). Tasks may reference each other's IDs in Dependencies as
// long as every referenced ID is present in the batch or already stored.
func (s *Store) CreateBatch(ctx context.Context, tasks []*Task) error {
	if err := detectCycle(tasks); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now()
	for _, t := range tasks {
		if t.Status == "" {
			t.Status = TaskPending
		}
		if t.MaxRetries <= 0 {
			t.MaxRetries = defaultMaxRetries
		}
		t.CreatedAt, t.UpdatedAt = now, now
		if _, err := tx.ExecContext(ctx, `
INSERT INTO tasks (id, room_id, description, status, assigned_bot, dependencies, priority, result, error, retry_count, max_retries, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.RoomID, t.Description, string(t.Status), t.AssignedBot,
			encodeDeps(t.Dependencies), t.Priority, t.Result, t.Error,
			t.RetryCount, t.MaxRetries, t.CreatedAt, t.UpdatedAt,
		); err != nil {
			return fmt.Errorf("coordinator: insert task %s: %w", t.ID, err)
		}
	}
	return tx.Commit()
}

// detectCycle runs a DFS over the in-batch dependency edges (spec §4.12:
// dependency DAG scheduling, cycle is a construction-time error).
func detectCycle(tasks []*Task) error {
	byID := make(map[string]*Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int)
	var visit func(id string, path []string) error
	visit = func(id string, path []string) error {
		switch color[id] {
		case black:
			return nil
		case gray:
			return fmt.Errorf("coordinator: dependency cycle detected: %v -> %s", path, id)
		}
		color[id] = gray
		if t, ok := byID[id]; ok {
			for _, dep := range t.Dependencies {
				if err := visit(dep, append(path, id)); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}
	for _, t := range tasks {
		if err := visit(t.ID, nil); err != nil {
			return err
		}
	}
	return nil
}

func encodeDeps(deps []string) string {
	out := ""
	for i, d := range deps {
		if i > 0 {
			out += ","
		}
		out += d
	}
	return out
}

func decodeDeps(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return out
}

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	var t Task
	var status, deps string
	if err := row.Scan(&t.ID, &t.RoomID, &t.Description, &status, &t.AssignedBot, &deps,
		&t.Priority, &t.Result, &t.Error, &t.RetryCount, &t.MaxRetries, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Status = TaskStatus(status)
	t.Dependencies = decodeDeps(deps)
	return &t, nil
}

const taskColumns = `id, room_id, description, status, assigned_bot, dependencies, priority, result, error, retry_count, max_retries, created_at, updated_at`

// Get returns a task by ID.
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// ListByRoom returns every task for a room, most recently created last.
func (s *Store) ListByRoom(ctx context.Context, roomID string) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE room_id = ? ORDER BY created_at ASC`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Transition applies a task status change, rejecting edges not present in
// validTaskTransitions.
func (s *Store) Transition(ctx context.Context, id string, next TaskStatus, result, errMsg string) error {
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !allowedTransition(t.Status, next) {
		return fmt.Errorf("coordinator: task %s: invalid transition %s -> %s", id, t.Status, next)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE tasks SET status = ?, result = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(next), result, errMsg, time.Now(), id)
	return err
}

func allowedTransition(from, to TaskStatus) bool {
	for _, s := range validTaskTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ReadySet returns tasks in room_id that are PENDING or ASSIGNED with every
// dependency COMPLETED, highest priority first (spec §4.12: "ready set =
// PENDING/ASSIGNED with all deps COMPLETED").
func (s *Store) ReadySet(ctx context.Context, roomID string) ([]*Task, error) {
	all, err := s.ListByRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*Task, len(all))
	for _, t := range all {
		byID[t.ID] = t
	}

	var ready []*Task
	for _, t := range all {
		if t.Status != TaskPending && t.Status != TaskAssigned {
			continue
		}
		depsOK := true
		for _, dep := range t.Dependencies {
			d, ok := byID[dep]
			if !ok || d.Status != TaskCompleted {
				depsOK = false
				break
			}
		}
		if depsOK {
			ready = append(ready, t)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool { return ready[i].Priority > ready[j].Priority })
	return ready, nil
}

// PropagateBlocked marks every direct and transitive successor of a failed
// task BLOCKED (spec §4.12 failure semantics: "propagates BLOCKED to
// successors").
func (s *Store) PropagateBlocked(ctx context.Context, roomID, failedTaskID string) error {
	all, err := s.ListByRoom(ctx, roomID)
	if err != nil {
		return err
	}
	dependents := make(map[string][]string) // task -> tasks that depend on it
	for _, t := range all {
		for _, dep := range t.Dependencies {
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	queue := []string{failedTaskID}
	seen := map[string]bool{}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, dep := range dependents[id] {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			if err := s.Transition(ctx, dep, TaskBlocked, "", fmt.Sprintf("upstream task %s failed", failedTaskID)); err != nil {
				return err
			}
			queue = append(queue, dep)
		}
	}
	return nil
}

// RetryBackoff returns the exponential backoff delay for a task's next
// retry attempt (spec §4.7/§4.12 pattern: 2^retry_count seconds).
func RetryBackoff(retryCount int) time.Duration {
	return time.Duration(math.Pow(2, float64(retryCount))) * time.Second
}

// EscalationThreshold mirrors spec §4.12's escalation policy inputs.
type EscalationThreshold struct {
	MinConfidence float64
}

// ShouldEscalate implements spec §4.12's escalation policy: confidence
// below threshold, bot disagreement, a destructive tool call, or a
// matching user-defined rule all trigger escalation.
func ShouldEscalate(confidence float64, threshold EscalationThreshold, botDisagreement, destructiveTool, userRuleMatch bool) bool {
	if confidence < threshold.MinConfidence {
		return true
	}
	return botDisagreement || destructiveTool || userRuleMatch
}

// Orchestrator drives the coordinator's own state machine for one room at
// a time; callers invoke Advance to move between states, validating the
// requested edge against validTransitions.
type Orchestrator struct {
	RoomID string
	state  State
}

func NewOrchestrator(roomID string) *Orchestrator {
	return &Orchestrator{RoomID: roomID, state: StateIdle}
}

func (o *Orchestrator) State() State { return o.state }

// Advance transitions the coordinator to next, rejecting edges not present
// in the spec §4.12 state machine.
func (o *Orchestrator) Advance(next State) error {
	for _, s := range validTransitions[o.state] {
		if s == next {
			o.state = next
			return nil
		}
	}
	return fmt.Errorf("coordinator: invalid state transition %s -> %s", o.state, next)
}
