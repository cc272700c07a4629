package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductord/internal/events"
	"github.com/fyrsmithlabs/conductord/internal/store"
)

// RewindPayload is the payload of workflow:rewound events.
type RewindPayload struct {
	From             store.Stage `json:"from"`
	To               store.Stage `json:"to"`
	DeletedPulses    int64       `json:"deleted_pulses"`
	DeletedBaselines int64       `json:"deleted_baselines"`
	DeletedArtifacts int64       `json:"deleted_artifacts"`
}

// RewindToStage moves a workflow back to target, discarding the work of
// target and every later stage in one transaction. A failed transaction
// leaves the workflow unchanged.
func (m *Machine) RewindToStage(ctx context.Context, workflowID string, target store.Stage) (*store.Workflow, error) {
	ctx, span := m.tracer.Start(ctx, "workflow.rewind")
	defer span.End()
	span.SetAttributes(
		attribute.String("workflow_id", workflowID),
		attribute.String("target", string(target)),
	)

	if !rewindable(target) {
		return nil, fmt.Errorf("%w: cannot rewind to %s", ErrInvalidTransition, target)
	}

	unlock := m.locks.Lock(workflowID)
	defer unlock()

	wf, err := m.load(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.Stage == store.StageMerge || wf.Stage == store.StageDone {
		return nil, fmt.Errorf("%w: workflow is already in %s", ErrInvalidTransition, wf.Stage)
	}
	if target.Index() > wf.Stage.Index() {
		return nil, fmt.Errorf("%w: %s is ahead of %s", ErrInvalidTransition, target, wf.Stage)
	}

	from := wf.Stage
	updated := *wf
	payload := RewindPayload{From: from, To: target}
	err = m.store.WithTx(ctx, func(q *store.Queries) error {
		if target.Index() <= store.StagePulseLoop.Index() {
			n, err := q.DeletePulses(ctx, wf.ID)
			if err != nil {
				return err
			}
			payload.DeletedPulses = n
			if n, err = q.DeleteBaselines(ctx, wf.ID); err != nil {
				return err
			}
			payload.DeletedBaselines = n
		}
		n, err := q.DeleteArtifacts(ctx, wf.ID, stagesFrom(target))
		if err != nil {
			return err
		}
		payload.DeletedArtifacts = n

		updated.Stage = target
		updated.AwaitingApproval = false
		updated.PendingArtifactType = ""
		updated.UpdatedAt = time.Now().UTC()
		return q.UpdateWorkflow(ctx, &updated)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("rewind workflow %s: %w", wf.ID, err)
	}
	wf = &updated

	m.logger.Info("workflow rewound",
		zap.String("workflow_id", wf.ID),
		zap.String("from", string(from)),
		zap.String("to", string(target)),
		zap.Int64("deleted_pulses", payload.DeletedPulses),
		zap.Int64("deleted_artifacts", payload.DeletedArtifacts))

	instruction := fmt.Sprintf("The workflow was rewound to %s. Redo this stage.", target)
	if target == store.StagePulseLoop {
		instruction = "The workflow was rewound to the start of the pulse loop. Propose the first pulse of the approved plan."
	}
	launchErr := m.switchSession(ctx, wf, stageRole(target), m.briefing(ctx, wf, instruction), store.SessionStopped)
	m.events.Broadcast(events.New(events.WorkflowRewound, wf.CurrentSessionID, wf.ID, payload))
	if launchErr != nil {
		return wf, launchErr
	}
	return wf, nil
}

// AddReviewComment records a reviewer remark for a later RequestFixes.
func (m *Machine) AddReviewComment(ctx context.Context, workflowID, path string, line int, body string) (*store.ReviewComment, error) {
	if strings.TrimSpace(body) == "" {
		return nil, fmt.Errorf("%w: comment body is required", ErrInvalidInput)
	}
	if _, err := m.load(ctx, workflowID); err != nil {
		return nil, err
	}
	c := &store.ReviewComment{
		ID:         uuid.New().String(),
		WorkflowID: workflowID,
		Path:       path,
		Line:       line,
		Body:       body,
		CreatedAt:  time.Now().UTC(),
	}
	if err := m.store.InsertReviewComment(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// RequestFixes starts a new review session instructed to fix the selected
// comments. The workflow must be in review.
func (m *Machine) RequestFixes(ctx context.Context, workflowID string, commentIDs []string, summary string) (*store.Workflow, error) {
	ctx, span := m.tracer.Start(ctx, "workflow.request_fixes")
	defer span.End()
	span.SetAttributes(
		attribute.String("workflow_id", workflowID),
		attribute.Int("comments", len(commentIDs)),
	)

	unlock := m.locks.Lock(workflowID)
	defer unlock()

	wf, err := m.load(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.Stage != store.StageReview {
		return nil, fmt.Errorf("%w: fixes can only be requested in review, workflow is in %s", ErrInvalidTransition, wf.Stage)
	}

	comments, err := m.store.GetReviewComments(ctx, wf.ID, commentIDs)
	if err != nil {
		return nil, err
	}
	instruction := FixInstruction(summary, comments)
	if instruction == "" {
		return nil, fmt.Errorf("%w: a summary or at least one review comment is required", ErrInvalidInput)
	}

	if wf.AwaitingApproval {
		wf.AwaitingApproval = false
		wf.PendingArtifactType = ""
		wf.UpdatedAt = time.Now().UTC()
		if err := m.store.UpdateWorkflow(ctx, wf); err != nil {
			return nil, err
		}
	}

	m.transitioned(ctx, wf, wf.Stage, wf.Stage, "fixes_requested")
	if err := m.switchSession(ctx, wf, RoleReviewer, m.briefing(ctx, wf, instruction), store.SessionStopped); err != nil {
		return wf, err
	}
	return wf, nil
}

// FixInstruction renders the resume instruction for a fix request: the
// summary followed by one "path:line: body" line per comment.
func FixInstruction(summary string, comments []*store.ReviewComment) string {
	summary = strings.TrimSpace(summary)
	if summary == "" && len(comments) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Fix the following review findings, then submit an updated review report.\n")
	if summary != "" {
		fmt.Fprintf(&b, "\n%s\n", summary)
	}
	if len(comments) > 0 {
		b.WriteString("\n")
		for _, c := range comments {
			fmt.Fprintf(&b, "%s:%d: %s\n", c.Path, c.Line, c.Body)
		}
	}
	return b.String()
}
