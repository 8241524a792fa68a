package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/odgrim/abathur-swarm-sub017/internal/task"
)

var (
	// ErrNotFound is returned when a task id has no row.
	ErrNotFound = errors.New("task not found")
	// ErrDuplicateID is returned when inserting an id that already exists.
	ErrDuplicateID = errors.New("task id already exists")
	// ErrMissingPrerequisite is returned when an edge references an
	// unknown task. Nothing is persisted.
	ErrMissingPrerequisite = errors.New("prerequisite does not exist")
	// ErrConflict is returned when a transition's expected prior status
	// no longer matches the stored row.
	ErrConflict = errors.New("task status changed concurrently")
	// ErrNoReadyTask is returned by ClaimNext when nothing is claimable.
	ErrNoReadyTask = errors.New("no ready task")
)

const taskColumns = `id, summary, description, worker_type, source,
	COALESCE(parent_id, ''), branch, base_priority, computed_priority, status,
	retry_count, max_retries, deadline, not_before, submitted_at, started_at,
	completed_at, updated_at, result, last_error`

// InsertTask inserts a task and its prerequisite edges as one atomic unit.
// A missing prerequisite or duplicate id rolls everything back.
func (s *SQLiteStore) InsertTask(ctx context.Context, t *task.Task) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, t.ID).Scan(&exists)
	if err == nil {
		return fmt.Errorf("%w: %s", ErrDuplicateID, t.ID)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to check task existence: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, summary, description, worker_type, source,
			parent_id, branch, base_priority, computed_priority, status,
			retry_count, max_retries, deadline, not_before, submitted_at,
			started_at, completed_at, updated_at, result, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Summary, t.Description, t.WorkerType, t.Source,
		nullString(t.ParentID), t.Branch, t.BasePriority, t.ComputedPriority, t.Status,
		t.RetryCount, t.MaxRetries, nullTime(t.Deadline), nullTime(t.NotBefore), t.SubmittedAt,
		nullTime(t.StartedAt), nullTime(t.CompletedAt), t.UpdatedAt, t.Result, t.LastError)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}

	for _, e := range t.DependsOn {
		var depExists int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, e.PrerequisiteID).Scan(&depExists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrMissingPrerequisite, e.PrerequisiteID)
		}
		if err != nil {
			return fmt.Errorf("failed to check prerequisite existence: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO task_dependencies (task_id, depends_on_id, kind)
			VALUES (?, ?, ?)
		`, t.ID, e.PrerequisiteID, e.Kind)
		if err != nil {
			return fmt.Errorf("failed to insert edge %s -> %s: %w", t.ID, e.PrerequisiteID, err)
		}
	}

	if err := appendAudit(ctx, tx, t.ID, "", t.Status, "submitted", t.SubmittedAt); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetTask retrieves a task by id, including its prerequisite edges.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}

	if t.DependsOn, err = s.edgesFor(ctx, s.db, taskID); err != nil {
		return nil, err
	}
	return t, nil
}

// ListTasks returns tasks matching the filter, with edges, ordered by
// submission time.
func (s *SQLiteStore) ListTasks(ctx context.Context, f ListFilter) ([]*task.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var conds []string
	var args []interface{}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if f.Branch != "" {
		conds = append(conds, "branch = ?")
		args = append(args, f.Branch)
	}
	if f.ParentID != "" {
		conds = append(conds, "parent_id = ?")
		args = append(args, f.ParentID)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY submitted_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	// Second connection loads edges; rows above are already drained.
	for _, t := range tasks {
		if t.DependsOn, err = s.edgesFor(ctx, s.db, t.ID); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

// Transition applies from -> to with a compare-and-set guard on the prior
// status and records the move in the audit trail, atomically. The task's
// retry, timing, result, and error fields are written as given.
func (s *SQLiteStore) Transition(ctx context.Context, t *task.Task, from, to task.Status, detail string) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, retry_count = ?, not_before = ?, started_at = ?,
			completed_at = ?, result = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, to, t.RetryCount, nullTime(t.NotBefore), nullTime(t.StartedAt),
		nullTime(t.CompletedAt), t.Result, t.LastError, t.UpdatedAt, t.ID, from)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		// Either the id is unknown or another writer moved it first.
		return s.conflictFor(ctx, tx, t.ID, from)
	}

	if err := appendAudit(ctx, tx, t.ID, from, to, detail, t.UpdatedAt); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	t.Status = to
	return nil
}

// ClaimNext atomically selects the highest-priority claimable Ready task,
// moves it to Running, and returns it. Concurrent callers are serialized by
// the write transaction; the CAS guard makes a double claim impossible even
// if the select raced.
func (s *SQLiteStore) ClaimNext(ctx context.Context, now time.Time) (*task.Task, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status = ? AND (not_before IS NULL OR not_before <= ?)
		ORDER BY computed_priority DESC, submitted_at ASC, id ASC
		LIMIT 1
	`, task.StatusReady, now)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoReadyTask
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select ready task: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, started_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, task.StatusRunning, now, now, t.ID, task.StatusReady)
	if err != nil {
		return nil, fmt.Errorf("failed to mark task running: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return nil, ErrNoReadyTask
	}

	if err := appendAudit(ctx, tx, t.ID, task.StatusReady, task.StatusRunning, "claimed", now); err != nil {
		return nil, err
	}

	if t.DependsOn, err = s.edgesFor(ctx, tx, t.ID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	t.Status = task.StatusRunning
	t.StartedAt = now
	t.UpdatedAt = now
	return t, nil
}

// SetComputedPriority persists a recomputed score. The stored value is an
// ordering hint for ClaimNext, never an input to later recomputation.
func (s *SQLiteStore) SetComputedPriority(ctx context.Context, taskID string, score float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET computed_priority = ? WHERE id = ?
	`, score, taskID)
	if err != nil {
		return fmt.Errorf("failed to update computed priority: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	return nil
}

// LoadEdges returns every prerequisite edge in the store, for rebuilding
// the resolver graph on startup.
func (s *SQLiteStore) LoadEdges(ctx context.Context) ([]task.Edge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, depends_on_id, kind FROM task_dependencies
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query edges: %w", err)
	}
	defer rows.Close()

	var edges []task.Edge
	for rows.Next() {
		var e task.Edge
		if err := rows.Scan(&e.DependentID, &e.PrerequisiteID, &e.Kind); err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating edges: %w", err)
	}
	return edges, nil
}

// UnmetPrerequisites returns how many of taskID's prerequisites are not in
// terminal success. This is the live readiness join: it never consults any
// cache.
func (s *SQLiteStore) UnmetPrerequisites(ctx context.Context, taskID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM task_dependencies d
		JOIN tasks p ON p.id = d.depends_on_id
		WHERE d.task_id = ? AND p.status != ?
	`, taskID, task.StatusCompleted).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count unmet prerequisites: %w", err)
	}
	return n, nil
}

// queryer lets edgesFor run against either the pool or a transaction.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func (s *SQLiteStore) edgesFor(ctx context.Context, q queryer, taskID string) ([]task.Edge, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT task_id, depends_on_id, kind
		FROM task_dependencies
		WHERE task_id = ?
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer rows.Close()

	var edges []task.Edge
	for rows.Next() {
		var e task.Edge
		if err := rows.Scan(&e.DependentID, &e.PrerequisiteID, &e.Kind); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}
	return edges, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(sc scanner) (*task.Task, error) {
	t := &task.Task{}
	var deadline, notBefore, startedAt, completedAt sql.NullTime
	err := sc.Scan(&t.ID, &t.Summary, &t.Description, &t.WorkerType, &t.Source,
		&t.ParentID, &t.Branch, &t.BasePriority, &t.ComputedPriority, &t.Status,
		&t.RetryCount, &t.MaxRetries, &deadline, &notBefore, &t.SubmittedAt,
		&startedAt, &completedAt, &t.UpdatedAt, &t.Result, &t.LastError)
	if err != nil {
		return nil, err
	}
	t.Deadline = deadline.Time
	t.NotBefore = notBefore.Time
	t.StartedAt = startedAt.Time
	t.CompletedAt = completedAt.Time
	return t, nil
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
