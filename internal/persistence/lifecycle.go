package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/odgrim/abathur-swarm-sub017/internal/task"
)

// Complete moves a Running task to Completed, records the result, and in
// the same transaction promotes every direct dependent whose prerequisites
// are now all satisfied from Blocked to Ready. Returns the promoted ids.
//
// The readiness check is the live edge + status join: O(out-degree) work at
// completion time, no full-graph scan, no cache involved.
func (s *SQLiteStore) Complete(ctx context.Context, taskID, result string, at time.Time) ([]string, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, result = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, task.StatusCompleted, result, at, at, taskID, task.StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("failed to complete task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return nil, s.conflictFor(ctx, tx, taskID, task.StatusRunning)
	}
	if err := appendAudit(ctx, tx, taskID, task.StatusRunning, task.StatusCompleted, "completed", at); err != nil {
		return nil, err
	}

	// Direct dependents only; each check is one aggregate over its edges.
	depRows, err := tx.QueryContext(ctx, `
		SELECT task_id FROM task_dependencies WHERE depends_on_id = ?
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependents: %w", err)
	}
	var dependents []string
	for depRows.Next() {
		var id string
		if err := depRows.Scan(&id); err != nil {
			depRows.Close()
			return nil, fmt.Errorf("failed to scan dependent: %w", err)
		}
		dependents = append(dependents, id)
	}
	depRows.Close()
	if err := depRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependents: %w", err)
	}

	var promoted []string
	for _, depID := range dependents {
		var unmet int
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*)
			FROM task_dependencies d
			JOIN tasks p ON p.id = d.depends_on_id
			WHERE d.task_id = ? AND p.status != ?
		`, depID, task.StatusCompleted).Scan(&unmet)
		if err != nil {
			return nil, fmt.Errorf("failed to check readiness of %s: %w", depID, err)
		}
		if unmet > 0 {
			continue
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, updated_at = ?
			WHERE id = ? AND status = ?
		`, task.StatusReady, at, depID, task.StatusBlocked)
		if err != nil {
			return nil, fmt.Errorf("failed to promote %s: %w", depID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to get rows affected: %w", err)
		}
		if n == 0 {
			// Dependent was not Blocked (e.g. cancelled meanwhile); leave it.
			continue
		}
		if err := appendAudit(ctx, tx, depID, task.StatusBlocked, task.StatusReady, "unblocked by "+taskID, at); err != nil {
			return nil, err
		}
		promoted = append(promoted, depID)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit completion: %w", err)
	}
	return promoted, nil
}

// CancelCascade cancels every listed task that is not already terminal, as
// one atomic unit. Running tasks are included: the cancelled row is the
// cooperative-cancellation intent the orchestrator observes. Returns the
// ids actually cancelled.
func (s *SQLiteStore) CancelCascade(ctx context.Context, taskIDs []string, at time.Time) ([]string, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var cancelled []string
	for _, id := range taskIDs {
		var cur task.Status
		err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&cur)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read status of %s: %w", id, err)
		}
		if cur.IsTerminal() {
			continue
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?
		`, task.StatusCancelled, at, id)
		if err != nil {
			return nil, fmt.Errorf("failed to cancel %s: %w", id, err)
		}
		if err := appendAudit(ctx, tx, id, cur, task.StatusCancelled, "cancelled", at); err != nil {
			return nil, err
		}
		cancelled = append(cancelled, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit cancellation: %w", err)
	}
	return cancelled, nil
}

// conflictFor builds the ErrConflict / ErrNotFound error for a failed CAS.
func (s *SQLiteStore) conflictFor(ctx context.Context, tx *sql.Tx, taskID string, expected task.Status) error {
	var cur task.Status
	err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, taskID).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if err != nil {
		return fmt.Errorf("failed to read current status: %w", err)
	}
	return fmt.Errorf("%w: %s expected %s, found %s", ErrConflict, taskID, expected, cur)
}
