package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/odgrim/abathur-swarm-sub017/internal/task"
)

// testStore creates an in-memory store for testing and registers cleanup.
func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func newTask(id string, status task.Status) *task.Task {
	now := time.Now().UTC()
	return &task.Task{
		ID:           id,
		Summary:      "task " + id,
		WorkerType:   "general",
		Source:       task.SourceHuman,
		BasePriority: 5,
		Status:       status,
		MaxRetries:   3,
		SubmittedAt:  now,
		UpdatedAt:    now,
	}
}

func mustInsert(t *testing.T, s *SQLiteStore, tk *task.Task) {
	t.Helper()
	if err := s.InsertTask(context.Background(), tk); err != nil {
		t.Fatalf("failed to insert %s: %v", tk.ID, err)
	}
}

func TestInsertAndGetTask(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	dep := newTask("dep-1", task.StatusCompleted)
	mustInsert(t, store, dep)

	tk := newTask("task-1", task.StatusBlocked)
	tk.Description = "do the thing"
	tk.Branch = "feature-x"
	tk.Deadline = time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	tk.DependsOn = []task.Edge{
		{DependentID: "task-1", PrerequisiteID: "dep-1", Kind: task.EdgeSequential},
	}
	mustInsert(t, store, tk)

	got, err := store.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Summary != tk.Summary || got.Description != tk.Description {
		t.Errorf("summary/description mismatch: %+v", got)
	}
	if got.Branch != "feature-x" {
		t.Errorf("branch = %q, want feature-x", got.Branch)
	}
	if got.Status != task.StatusBlocked {
		t.Errorf("status = %s, want blocked", got.Status)
	}
	if got.Deadline.IsZero() {
		t.Error("deadline lost on round trip")
	}
	if len(got.DependsOn) != 1 || got.DependsOn[0].PrerequisiteID != "dep-1" {
		t.Errorf("edges = %+v", got.DependsOn)
	}
	if got.DependsOn[0].Kind != task.EdgeSequential {
		t.Errorf("edge kind = %s, want sequential", got.DependsOn[0].Kind)
	}
}

func TestInsertDuplicateID(t *testing.T) {
	store := testStore(t)
	mustInsert(t, store, newTask("dup", task.StatusReady))

	err := store.InsertTask(context.Background(), newTask("dup", task.StatusReady))
	if !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("err = %v, want ErrDuplicateID", err)
	}
}

func TestInsertMissingPrerequisite(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	tk := newTask("orphan", task.StatusBlocked)
	tk.DependsOn = []task.Edge{
		{DependentID: "orphan", PrerequisiteID: "ghost", Kind: task.EdgeSequential},
	}
	err := store.InsertTask(ctx, tk)
	if !errors.Is(err, ErrMissingPrerequisite) {
		t.Fatalf("err = %v, want ErrMissingPrerequisite", err)
	}

	// The failed insert must leave nothing behind.
	if _, err := store.GetTask(ctx, "orphan"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("task row leaked from failed insert: %v", err)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	store := testStore(t)
	_, err := store.GetTask(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListTasksFilter(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	a := newTask("a", task.StatusReady)
	b := newTask("b", task.StatusCompleted)
	c := newTask("c", task.StatusReady)
	c.Branch = "experiments"
	mustInsert(t, store, a)
	mustInsert(t, store, b)
	mustInsert(t, store, c)

	ready, err := store.ListTasks(ctx, ListFilter{Status: task.StatusReady})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(ready) != 2 {
		t.Fatalf("ready count = %d, want 2", len(ready))
	}

	branch, err := store.ListTasks(ctx, ListFilter{Branch: "experiments"})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(branch) != 1 || branch[0].ID != "c" {
		t.Fatalf("branch filter = %+v", branch)
	}
}

func TestTransitionCAS(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	tk := newTask("t", task.StatusReady)
	mustInsert(t, store, tk)

	tk.UpdatedAt = time.Now().UTC()
	if err := store.Transition(ctx, tk, task.StatusReady, task.StatusCancelled, "test"); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	// Stale expected status must be rejected.
	err := store.Transition(ctx, tk, task.StatusReady, task.StatusCancelled, "again")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestClaimNextOrdering(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	low := newTask("low", task.StatusReady)
	low.ComputedPriority = 1
	high := newTask("high", task.StatusReady)
	high.ComputedPriority = 9
	mustInsert(t, store, low)
	mustInsert(t, store, high)

	got, err := store.ClaimNext(ctx, now)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if got.ID != "high" {
		t.Errorf("claimed %s, want high", got.ID)
	}
	if got.Status != task.StatusRunning {
		t.Errorf("status = %s, want running", got.Status)
	}
}

func TestClaimNextRespectsNotBefore(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	parked := newTask("parked", task.StatusReady)
	parked.NotBefore = now.Add(time.Hour)
	mustInsert(t, store, parked)

	if _, err := store.ClaimNext(ctx, now); !errors.Is(err, ErrNoReadyTask) {
		t.Fatalf("err = %v, want ErrNoReadyTask", err)
	}

	// Once the window passes the task is claimable.
	got, err := store.ClaimNext(ctx, now.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("ClaimNext after window: %v", err)
	}
	if got.ID != "parked" {
		t.Errorf("claimed %s, want parked", got.ID)
	}
}

func TestClaimNextEmpty(t *testing.T) {
	store := testStore(t)
	_, err := store.ClaimNext(context.Background(), time.Now().UTC())
	if !errors.Is(err, ErrNoReadyTask) {
		t.Fatalf("err = %v, want ErrNoReadyTask", err)
	}
}

func TestConcurrentClaimExactlyOnce(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	const m = 4 // ready tasks
	const n = 8 // racing claimers
	for i := 0; i < m; i++ {
		mustInsert(t, store, newTask(fmt.Sprintf("t-%d", i), task.StatusReady))
	}

	var mu sync.Mutex
	claimed := make(map[string]int)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tk, err := store.ClaimNext(ctx, time.Now().UTC())
			if err != nil {
				if errors.Is(err, ErrNoReadyTask) {
					return
				}
				t.Errorf("ClaimNext: %v", err)
				return
			}
			mu.Lock()
			claimed[tk.ID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(claimed) != m {
		t.Fatalf("claimed %d distinct tasks, want %d (map: %v)", len(claimed), m, claimed)
	}
	for id, count := range claimed {
		if count != 1 {
			t.Errorf("task %s claimed %d times", id, count)
		}
	}
}

func TestCompletePromotesReadyDependents(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	a := newTask("a", task.StatusRunning)
	b := newTask("b", task.StatusRunning)
	mustInsert(t, store, a)
	mustInsert(t, store, b)

	c := newTask("c", task.StatusBlocked)
	c.DependsOn = []task.Edge{
		{DependentID: "c", PrerequisiteID: "a", Kind: task.EdgeParallelJoin},
		{DependentID: "c", PrerequisiteID: "b", Kind: task.EdgeParallelJoin},
	}
	mustInsert(t, store, c)

	// Completing only A leaves C blocked.
	promoted, err := store.Complete(ctx, "a", "done", now)
	if err != nil {
		t.Fatalf("Complete(a): %v", err)
	}
	if len(promoted) != 0 {
		t.Fatalf("promoted = %v, want none", promoted)
	}
	got, _ := store.GetTask(ctx, "c")
	if got.Status != task.StatusBlocked {
		t.Fatalf("c status = %s, want blocked", got.Status)
	}

	// Completing B satisfies the join and promotes C.
	promoted, err = store.Complete(ctx, "b", "done", now)
	if err != nil {
		t.Fatalf("Complete(b): %v", err)
	}
	if len(promoted) != 1 || promoted[0] != "c" {
		t.Fatalf("promoted = %v, want [c]", promoted)
	}
	got, _ = store.GetTask(ctx, "c")
	if got.Status != task.StatusReady {
		t.Fatalf("c status = %s, want ready", got.Status)
	}
}

func TestCompleteRequiresRunning(t *testing.T) {
	store := testStore(t)
	mustInsert(t, store, newTask("r", task.StatusReady))

	_, err := store.Complete(context.Background(), "r", "done", time.Now().UTC())
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestCancelCascade(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	a := newTask("a", task.StatusReady)
	done := newTask("done", task.StatusCompleted)
	running := newTask("running", task.StatusRunning)
	mustInsert(t, store, a)
	mustInsert(t, store, done)
	mustInsert(t, store, running)

	cancelled, err := store.CancelCascade(ctx, []string{"a", "done", "running"}, time.Now().UTC())
	if err != nil {
		t.Fatalf("CancelCascade: %v", err)
	}
	// Terminal task skipped, the others cancelled.
	if len(cancelled) != 2 {
		t.Fatalf("cancelled = %v, want 2 entries", cancelled)
	}
	for _, id := range []string{"a", "running"} {
		got, _ := store.GetTask(ctx, id)
		if got.Status != task.StatusCancelled {
			t.Errorf("%s status = %s, want cancelled", id, got.Status)
		}
	}
	got, _ := store.GetTask(ctx, "done")
	if got.Status != task.StatusCompleted {
		t.Errorf("terminal task mutated to %s", got.Status)
	}
}

func TestAuditTrail(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	tk := newTask("t", task.StatusReady)
	mustInsert(t, store, tk)

	if _, err := store.ClaimNext(ctx, time.Now().UTC()); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if _, err := store.Complete(ctx, "t", "ok", time.Now().UTC()); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	entries, err := store.GetAudit(ctx, "t")
	if err != nil {
		t.Fatalf("GetAudit: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("audit entries = %d, want 3 (submit, claim, complete)", len(entries))
	}
	if entries[0].To != task.StatusReady || entries[1].To != task.StatusRunning || entries[2].To != task.StatusCompleted {
		t.Errorf("audit sequence wrong: %+v", entries)
	}
}

func TestCountByStatus(t *testing.T) {
	store := testStore(t)
	mustInsert(t, store, newTask("a", task.StatusReady))
	mustInsert(t, store, newTask("b", task.StatusReady))
	mustInsert(t, store, newTask("c", task.StatusCompleted))

	counts, err := store.CountByStatus(context.Background())
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if counts[task.StatusReady] != 2 || counts[task.StatusCompleted] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestRecoverRunning(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	mustInsert(t, store, newTask("stuck", task.StatusRunning))
	mustInsert(t, store, newTask("fine", task.StatusCompleted))

	n, err := store.RecoverRunning(ctx)
	if err != nil {
		t.Fatalf("RecoverRunning: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered = %d, want 1", n)
	}
	got, _ := store.GetTask(ctx, "stuck")
	if got.Status != task.StatusReady {
		t.Errorf("stuck status = %s, want ready", got.Status)
	}
	if !got.StartedAt.IsZero() {
		t.Errorf("started_at should be cleared, got %v", got.StartedAt)
	}
}

func TestRunCheckpoints(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := store.StartRun(ctx, "run-1", now); err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if err := store.FinalizeRun(ctx, "run-1", 5, 2, now.Add(time.Minute)); err != nil {
		t.Fatalf("FinalizeRun: %v", err)
	}
	// Checkpointing twice is idempotent.
	if err := store.FinalizeRun(ctx, "run-1", 5, 2, now.Add(time.Minute)); err != nil {
		t.Fatalf("FinalizeRun again: %v", err)
	}
	if err := store.FinalizeRun(ctx, "no-such-run", 0, 0, now); err == nil {
		t.Fatal("expected error for unknown run")
	}
}
