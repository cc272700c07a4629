package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const workflowColumns = `id, title, task, stage, awaiting_approval, pending_artifact_type, current_session_id,
	base_branch, merge_strategy, commit_message, created_at, updated_at`

// InsertWorkflow persists a new workflow.
func (q *Queries) InsertWorkflow(ctx context.Context, w *Workflow) error {
	_, err := q.x.ExecContext(ctx, `
		INSERT INTO workflows (`+workflowColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, w.ID, w.Title, w.Task, string(w.Stage), boolInt(w.AwaitingApproval), w.PendingArtifactType,
		w.CurrentSessionID, w.BaseBranch, w.MergeStrategy, w.CommitMessage,
		toMillis(w.CreatedAt), toMillis(w.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}
	return nil
}

// GetWorkflow fetches a workflow by ID. Returns ErrNotFound when absent.
func (q *Queries) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	row := q.x.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	w, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	return w, nil
}

// UpdateWorkflow writes every mutable workflow column.
func (q *Queries) UpdateWorkflow(ctx context.Context, w *Workflow) error {
	res, err := q.x.ExecContext(ctx, `
		UPDATE workflows SET stage = ?, awaiting_approval = ?, pending_artifact_type = ?,
			current_session_id = ?, merge_strategy = ?, commit_message = ?, updated_at = ?
		WHERE id = ?
	`, string(w.Stage), boolInt(w.AwaitingApproval), w.PendingArtifactType, w.CurrentSessionID,
		w.MergeStrategy, w.CommitMessage, toMillis(w.UpdatedAt), w.ID)
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListWorkflows returns all workflows, newest first.
func (q *Queries) ListWorkflows(ctx context.Context, limit int) ([]*Workflow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.x.QueryContext(ctx, `
		SELECT `+workflowColumns+` FROM workflows ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var out []*Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func scanWorkflow(r rowScanner) (*Workflow, error) {
	var (
		w                    Workflow
		stage                string
		awaiting             int
		createdAt, updatedAt int64
	)
	if err := r.Scan(&w.ID, &w.Title, &w.Task, &stage, &awaiting, &w.PendingArtifactType,
		&w.CurrentSessionID, &w.BaseBranch, &w.MergeStrategy, &w.CommitMessage,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}
	w.Stage = Stage(stage)
	w.AwaitingApproval = awaiting != 0
	w.CreatedAt = fromMillis(createdAt)
	w.UpdatedAt = fromMillis(updatedAt)
	return &w, nil
}

// UpsertArtifact stores the artifact for a workflow stage, replacing any
// previous revision.
func (q *Queries) UpsertArtifact(ctx context.Context, a *Artifact) error {
	_, err := q.x.ExecContext(ctx, `
		INSERT INTO artifacts (workflow_id, stage, artifact_type, content, approved, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(workflow_id, stage) DO UPDATE SET
			artifact_type = excluded.artifact_type,
			content = excluded.content,
			approved = excluded.approved,
			created_at = excluded.created_at
	`, a.WorkflowID, string(a.Stage), a.ArtifactType, a.Content, boolInt(a.Approved), toMillis(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("upsert artifact: %w", err)
	}
	return nil
}

// ApproveArtifact marks the stage artifact approved.
func (q *Queries) ApproveArtifact(ctx context.Context, workflowID string, stage Stage) error {
	_, err := q.x.ExecContext(ctx, `
		UPDATE artifacts SET approved = 1 WHERE workflow_id = ? AND stage = ?
	`, workflowID, string(stage))
	if err != nil {
		return fmt.Errorf("approve artifact: %w", err)
	}
	return nil
}

// ListArtifacts returns every artifact of a workflow.
func (q *Queries) ListArtifacts(ctx context.Context, workflowID string) ([]*Artifact, error) {
	rows, err := q.x.QueryContext(ctx, `
		SELECT workflow_id, stage, artifact_type, content, approved, created_at
		FROM artifacts WHERE workflow_id = ? ORDER BY created_at ASC
	`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var out []*Artifact
	for rows.Next() {
		var (
			a         Artifact
			stage     string
			approved  int
			createdAt int64
		)
		if err := rows.Scan(&a.WorkflowID, &stage, &a.ArtifactType, &a.Content, &approved, &createdAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		a.Stage = Stage(stage)
		a.Approved = approved != 0
		a.CreatedAt = fromMillis(createdAt)
		out = append(out, &a)
	}
	return out, rows.Err()
}

// DeleteArtifacts removes the artifacts of the given stages.
func (q *Queries) DeleteArtifacts(ctx context.Context, workflowID string, stages []Stage) (int64, error) {
	if len(stages) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(stages)+1)
	args = append(args, workflowID)
	for _, s := range stages {
		args = append(args, string(s))
	}
	res, err := q.x.ExecContext(ctx, `
		DELETE FROM artifacts WHERE workflow_id = ? AND stage IN (`+placeholders(len(stages))+`)
	`, args...)
	if err != nil {
		return 0, fmt.Errorf("delete artifacts: %w", err)
	}
	return res.RowsAffected()
}

// InsertBaseline records a preflight baseline.
func (q *Queries) InsertBaseline(ctx context.Context, b *Baseline) error {
	_, err := q.x.ExecContext(ctx, `
		INSERT INTO baselines (id, workflow_id, pulse_id, checkpoint_ref, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, b.ID, b.WorkflowID, b.PulseID, b.CheckpointRef, toMillis(b.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert baseline: %w", err)
	}
	return nil
}

// CountBaselines returns the number of baselines recorded for a workflow.
func (q *Queries) CountBaselines(ctx context.Context, workflowID string) (int, error) {
	var n int
	err := q.x.QueryRowContext(ctx, `SELECT COUNT(*) FROM baselines WHERE workflow_id = ?`, workflowID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count baselines: %w", err)
	}
	return n, nil
}

// DeleteBaselines removes every baseline of a workflow.
func (q *Queries) DeleteBaselines(ctx context.Context, workflowID string) (int64, error) {
	res, err := q.x.ExecContext(ctx, `DELETE FROM baselines WHERE workflow_id = ?`, workflowID)
	if err != nil {
		return 0, fmt.Errorf("delete baselines: %w", err)
	}
	return res.RowsAffected()
}

// InsertReviewComment stores a review comment.
func (q *Queries) InsertReviewComment(ctx context.Context, c *ReviewComment) error {
	_, err := q.x.ExecContext(ctx, `
		INSERT INTO review_comments (id, workflow_id, path, line, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, c.ID, c.WorkflowID, c.Path, c.Line, c.Body, toMillis(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert review comment: %w", err)
	}
	return nil
}

// GetReviewComments returns the requested comments of a workflow in
// creation order. Unknown ids are skipped.
func (q *Queries) GetReviewComments(ctx context.Context, workflowID string, ids []string) ([]*ReviewComment, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, workflowID)
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := q.x.QueryContext(ctx, `
		SELECT id, workflow_id, path, line, body, created_at FROM review_comments
		WHERE workflow_id = ? AND id IN (`+placeholders(len(ids))+`)
		ORDER BY created_at ASC, id ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("get review comments: %w", err)
	}
	defer rows.Close()

	var out []*ReviewComment
	for rows.Next() {
		var (
			c         ReviewComment
			createdAt int64
		)
		if err := rows.Scan(&c.ID, &c.WorkflowID, &c.Path, &c.Line, &c.Body, &createdAt); err != nil {
			return nil, fmt.Errorf("scan review comment: %w", err)
		}
		c.CreatedAt = fromMillis(createdAt)
		out = append(out, &c)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
