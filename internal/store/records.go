package store

import (
	"context"
	"fmt"
)

// InsertErrorRecord persists an analytics record for a background failure.
func (q *Queries) InsertErrorRecord(ctx context.Context, r *ErrorRecord) error {
	_, err := q.x.ExecContext(ctx, `
		INSERT INTO error_records (id, kind, workflow_id, session_id, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.ID, r.Kind, r.WorkflowID, r.SessionID, r.Message, toMillis(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert error record: %w", err)
	}
	return nil
}

// ListErrorRecords returns error records of a workflow, oldest first. An
// empty workflowID lists every record.
func (q *Queries) ListErrorRecords(ctx context.Context, workflowID string) ([]*ErrorRecord, error) {
	query := `SELECT id, kind, workflow_id, session_id, message, created_at FROM error_records`
	var args []any
	if workflowID != "" {
		query += ` WHERE workflow_id = ?`
		args = append(args, workflowID)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := q.x.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list error records: %w", err)
	}
	defer rows.Close()

	var out []*ErrorRecord
	for rows.Next() {
		var (
			r         ErrorRecord
			createdAt int64
		)
		if err := rows.Scan(&r.ID, &r.Kind, &r.WorkflowID, &r.SessionID, &r.Message, &createdAt); err != nil {
			return nil, fmt.Errorf("scan error record: %w", err)
		}
		r.CreatedAt = fromMillis(createdAt)
		out = append(out, &r)
	}
	return out, rows.Err()
}
