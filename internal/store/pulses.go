package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const pulseColumns = `id, workflow_id, sequence, description, status, checkpoint_ref, rejection_count, summary, created_at, updated_at`

// InsertPulse persists a new pulse.
func (q *Queries) InsertPulse(ctx context.Context, p *Pulse) error {
	_, err := q.x.ExecContext(ctx, `
		INSERT INTO pulses (`+pulseColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.WorkflowID, p.Sequence, p.Description, string(p.Status), p.CheckpointRef,
		p.RejectionCount, p.Summary, toMillis(p.CreatedAt), toMillis(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert pulse: %w", err)
	}
	return nil
}

// GetPulse fetches a pulse by ID. Returns ErrNotFound when absent.
func (q *Queries) GetPulse(ctx context.Context, id string) (*Pulse, error) {
	row := q.x.QueryRowContext(ctx, `SELECT `+pulseColumns+` FROM pulses WHERE id = ?`, id)
	p, err := scanPulse(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pulse: %w", err)
	}
	return p, nil
}

// LatestPulse returns the highest-sequence pulse of a workflow, or ErrNotFound.
func (q *Queries) LatestPulse(ctx context.Context, workflowID string) (*Pulse, error) {
	row := q.x.QueryRowContext(ctx, `
		SELECT `+pulseColumns+` FROM pulses WHERE workflow_id = ?
		ORDER BY sequence DESC LIMIT 1
	`, workflowID)
	p, err := scanPulse(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest pulse: %w", err)
	}
	return p, nil
}

// UpdatePulse writes the mutable pulse columns.
func (q *Queries) UpdatePulse(ctx context.Context, p *Pulse) error {
	res, err := q.x.ExecContext(ctx, `
		UPDATE pulses SET description = ?, status = ?, checkpoint_ref = ?, rejection_count = ?, summary = ?, updated_at = ?
		WHERE id = ?
	`, p.Description, string(p.Status), p.CheckpointRef, p.RejectionCount, p.Summary, toMillis(p.UpdatedAt), p.ID)
	if err != nil {
		return fmt.Errorf("update pulse: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPulses returns a workflow's pulses in sequence order.
func (q *Queries) ListPulses(ctx context.Context, workflowID string) ([]*Pulse, error) {
	rows, err := q.x.QueryContext(ctx, `
		SELECT `+pulseColumns+` FROM pulses WHERE workflow_id = ? ORDER BY sequence ASC
	`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list pulses: %w", err)
	}
	defer rows.Close()

	var out []*Pulse
	for rows.Next() {
		p, err := scanPulse(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pulse: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeletePulses removes every pulse of a workflow.
func (q *Queries) DeletePulses(ctx context.Context, workflowID string) (int64, error) {
	res, err := q.x.ExecContext(ctx, `DELETE FROM pulses WHERE workflow_id = ?`, workflowID)
	if err != nil {
		return 0, fmt.Errorf("delete pulses: %w", err)
	}
	return res.RowsAffected()
}

func scanPulse(r rowScanner) (*Pulse, error) {
	var (
		p                    Pulse
		status               string
		createdAt, updatedAt int64
	)
	if err := r.Scan(&p.ID, &p.WorkflowID, &p.Sequence, &p.Description, &status, &p.CheckpointRef,
		&p.RejectionCount, &p.Summary, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	p.Status = PulseStatus(status)
	p.CreatedAt = fromMillis(createdAt)
	p.UpdatedAt = fromMillis(updatedAt)
	return &p, nil
}
