package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/odgrim/abathur-swarm-sub017/internal/task"
)

// execer lets appendAudit run inside any transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// appendAudit records one status transition in the append-only trail.
// Always called inside the transaction that applies the transition, so the
// trail can never disagree with the task row.
func appendAudit(ctx context.Context, e execer, taskID string, from, to task.Status, detail string, at time.Time) error {
	_, err := e.ExecContext(ctx, `
		INSERT INTO task_audit (task_id, from_status, to_status, detail, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, taskID, from, to, detail, at)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// GetAudit returns the status-transition history of a task in order.
func (s *SQLiteStore) GetAudit(ctx context.Context, taskID string) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, from_status, to_status, detail, created_at
		FROM task_audit
		WHERE task_id = ?
		ORDER BY id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit trail: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.TaskID, &e.From, &e.To, &e.Detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit trail: %w", err)
	}
	return entries, nil
}

// CountByStatus returns a snapshot of task counts per status.
func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[task.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM tasks GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[task.Status]int)
	for rows.Next() {
		var st task.Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[st] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating status counts: %w", err)
	}
	return counts, nil
}

// StartRun records the start of an orchestrator run.
func (s *SQLiteStore) StartRun(ctx context.Context, runID string, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, started_at) VALUES (?, ?)
	`, runID, startedAt)
	if err != nil {
		return fmt.Errorf("failed to record run start: %w", err)
	}
	return nil
}

// FinalizeRun is the orchestrator's shutdown checkpoint: it stamps the run
// with its outcome counts and finish time. Idempotent per run id.
func (s *SQLiteStore) FinalizeRun(ctx context.Context, runID string, completed, failed int, finishedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET completed = ?, failed = ?, finished_at = ?
		WHERE id = ?
	`, completed, failed, finishedAt, runID)
	if err != nil {
		return fmt.Errorf("failed to finalize run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("run not found: %s", runID)
	}
	return nil
}

// RecoverRunning demotes tasks left Running by a dead process back to
// Ready so a restarted orchestrator neither drops nor duplicates work.
// Returns the number of recovered tasks.
func (s *SQLiteStore) RecoverRunning(ctx context.Context) (int, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	rows, err := tx.QueryContext(ctx, `SELECT id FROM tasks WHERE status = ?`, task.StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to query running tasks: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan running task: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("error iterating running tasks: %w", err)
	}

	for _, id := range ids {
		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, started_at = NULL, updated_at = ?
			WHERE id = ?
		`, task.StatusReady, now, id)
		if err != nil {
			return 0, fmt.Errorf("failed to recover task %s: %w", id, err)
		}
		if err := appendAudit(ctx, tx, id, task.StatusRunning, task.StatusReady, "recovered after restart", now); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit recovery: %w", err)
	}
	return len(ids), nil
}
