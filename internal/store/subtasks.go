package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const subtaskColumns = `id, parent_session_id, workflow_id, session_id, task_def, findings, error_message, status, created_at, updated_at`

// InsertSubtask persists a new subtask.
func (q *Queries) InsertSubtask(ctx context.Context, s *Subtask) error {
	_, err := q.x.ExecContext(ctx, `
		INSERT INTO subtasks (`+subtaskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.ParentSessionID, s.WorkflowID, s.SessionID, s.TaskDef, s.Findings, s.ErrorMessage,
		string(s.Status), toMillis(s.CreatedAt), toMillis(s.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert subtask: %w", err)
	}
	return nil
}

// GetSubtask fetches a subtask by ID. Returns ErrNotFound when absent.
func (q *Queries) GetSubtask(ctx context.Context, id string) (*Subtask, error) {
	row := q.x.QueryRowContext(ctx, `SELECT `+subtaskColumns+` FROM subtasks WHERE id = ?`, id)
	s, err := scanSubtask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subtask: %w", err)
	}
	return s, nil
}

// GetSubtaskBySession returns the subtask run by the given session, or
// ErrNotFound.
func (q *Queries) GetSubtaskBySession(ctx context.Context, sessionID string) (*Subtask, error) {
	row := q.x.QueryRowContext(ctx, `SELECT `+subtaskColumns+` FROM subtasks WHERE session_id = ?`, sessionID)
	s, err := scanSubtask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subtask by session: %w", err)
	}
	return s, nil
}

// StartSubtask moves a pending subtask to running and binds its session.
// Returns ErrConflict when the subtask is not pending.
func (q *Queries) StartSubtask(ctx context.Context, id, sessionID string, at time.Time) error {
	res, err := q.x.ExecContext(ctx, `
		UPDATE subtasks SET status = ?, session_id = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(SubtaskRunning), sessionID, toMillis(at), id, string(SubtaskPending))
	if err != nil {
		return fmt.Errorf("start subtask: %w", err)
	}
	return q.expectOne(ctx, res, id)
}

// FinishSubtask sets a terminal status exactly once. A subtask that is
// already completed or failed is left untouched and ErrConflict is
// returned.
func (q *Queries) FinishSubtask(ctx context.Context, id string, status SubtaskStatus, findings []byte, errMsg string, at time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("finish subtask: %q is not terminal", status)
	}
	res, err := q.x.ExecContext(ctx, `
		UPDATE subtasks SET status = ?, findings = ?, error_message = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?)
	`, string(status), findings, errMsg, toMillis(at), id, string(SubtaskCompleted), string(SubtaskFailed))
	if err != nil {
		return fmt.Errorf("finish subtask: %w", err)
	}
	return q.expectOne(ctx, res, id)
}

func (q *Queries) expectOne(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}
	if _, err := q.GetSubtask(ctx, id); err != nil {
		return err
	}
	return ErrConflict
}

// CountOpenSiblings counts subtasks under a parent that are not yet
// completed or failed.
func (q *Queries) CountOpenSiblings(ctx context.Context, parentSessionID string) (int, error) {
	var n int
	err := q.x.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM subtasks
		WHERE parent_session_id = ? AND status NOT IN (?, ?)
	`, parentSessionID, string(SubtaskCompleted), string(SubtaskFailed)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count open siblings: %w", err)
	}
	return n, nil
}

// ListSubtasks returns the subtasks of a parent session in creation order.
func (q *Queries) ListSubtasks(ctx context.Context, parentSessionID string) ([]*Subtask, error) {
	rows, err := q.x.QueryContext(ctx, `
		SELECT `+subtaskColumns+` FROM subtasks WHERE parent_session_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, parentSessionID)
	if err != nil {
		return nil, fmt.Errorf("list subtasks: %w", err)
	}
	defer rows.Close()

	var out []*Subtask
	for rows.Next() {
		s, err := scanSubtask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subtask: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanSubtask(r rowScanner) (*Subtask, error) {
	var (
		s                    Subtask
		status               string
		createdAt, updatedAt int64
	)
	if err := r.Scan(&s.ID, &s.ParentSessionID, &s.WorkflowID, &s.SessionID, &s.TaskDef, &s.Findings,
		&s.ErrorMessage, &status, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	s.Status = SubtaskStatus(status)
	s.CreatedAt = fromMillis(createdAt)
	s.UpdatedAt = fromMillis(updatedAt)
	return &s, nil
}
