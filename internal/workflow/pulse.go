package workflow

import (
	"context"
	"errors"
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

// PulseOutcome reports how a running pulse ended.
type PulseOutcome struct {
	Succeeded bool `json:"succeeded"`
	// PlanExhausted moves the workflow to review once the pulse ends.
	PlanExhausted bool   `json:"plan_exhausted"`
	Summary       string `json:"summary"`
}

// ProposePulse records the next pulse proposal and waits for approval.
// A rejected proposal that is still pending is revised in place.
func (m *Machine) ProposePulse(ctx context.Context, workflowID, description string) (*store.Pulse, error) {
	ctx, span := m.tracer.Start(ctx, "workflow.propose_pulse")
	defer span.End()
	span.SetAttributes(attribute.String("workflow_id", workflowID))

	description = strings.TrimSpace(description)
	if description == "" {
		return nil, fmt.Errorf("%w: pulse description is required", ErrInvalidInput)
	}

	unlock := m.locks.Lock(workflowID)
	defer unlock()

	wf, err := m.load(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.Stage != store.StagePulseLoop {
		return nil, fmt.Errorf("%w: pulses can only be proposed in %s, workflow is in %s",
			ErrInvalidTransition, store.StagePulseLoop, wf.Stage)
	}
	if wf.AwaitingApproval {
		return nil, fmt.Errorf("%w: a pulse proposal is already awaiting approval", ErrInvalidTransition)
	}

	var pulse *store.Pulse
	now := time.Now().UTC()
	err = m.store.WithTx(ctx, func(q *store.Queries) error {
		latest, err := q.LatestPulse(ctx, wf.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			latest = nil
		case err != nil:
			return err
		}

		switch {
		case latest != nil && latest.Status == store.PulseRunning:
			return fmt.Errorf("%w: pulse %d is still running", ErrInvalidTransition, latest.Sequence)
		case latest != nil && latest.Status == store.PulseProposed:
			latest.Description = description
			latest.UpdatedAt = now
			if err := q.UpdatePulse(ctx, latest); err != nil {
				return err
			}
			pulse = latest
		default:
			seq := 1
			if latest != nil {
				seq = latest.Sequence + 1
			}
			pulse = &store.Pulse{
				ID:          uuid.New().String(),
				WorkflowID:  wf.ID,
				Sequence:    seq,
				Description: description,
				Status:      store.PulseProposed,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := q.InsertPulse(ctx, pulse); err != nil {
				return err
			}
		}

		wf.AwaitingApproval = true
		wf.PendingArtifactType = ArtifactPulseProposal
		wf.UpdatedAt = now
		return q.UpdateWorkflow(ctx, wf)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	m.logger.Info("pulse proposed",
		zap.String("workflow_id", wf.ID),
		zap.String("pulse_id", pulse.ID),
		zap.Int("sequence", pulse.Sequence),
		zap.Int("rejections", pulse.RejectionCount))
	m.events.Broadcast(events.New(events.WorkflowPulseUpdated, wf.CurrentSessionID, wf.ID, pulse))
	m.events.Broadcast(events.New(events.WorkflowAwaitingApproval, wf.CurrentSessionID, wf.ID, ApprovalPayload{
		Stage:        wf.Stage,
		ArtifactType: ArtifactPulseProposal,
		PulseID:      pulse.ID,
	}))
	return pulse, nil
}

// startProposedPulse runs the approved proposal with an implementer session.
func (m *Machine) startProposedPulse(ctx context.Context, wf *store.Workflow) (*store.Workflow, error) {
	var pulse *store.Pulse
	err := m.store.WithTx(ctx, func(q *store.Queries) error {
		p, err := q.LatestPulse(ctx, wf.ID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: no pulse has been proposed", ErrInvalidTransition)
		}
		if err != nil {
			return err
		}
		if p.Status != store.PulseProposed {
			return fmt.Errorf("%w: pulse %d is %s, not proposed", ErrInvalidTransition, p.Sequence, p.Status)
		}
		p.Status = store.PulseRunning
		p.UpdatedAt = time.Now().UTC()
		if err := q.UpdatePulse(ctx, p); err != nil {
			return err
		}
		pulse = p

		wf.AwaitingApproval = false
		wf.PendingArtifactType = ""
		wf.UpdatedAt = p.UpdatedAt
		return q.UpdateWorkflow(ctx, wf)
	})
	if err != nil {
		return nil, err
	}

	m.events.Broadcast(events.New(events.WorkflowPulseUpdated, wf.CurrentSessionID, wf.ID, pulse))
	m.transitioned(ctx, wf, wf.Stage, wf.Stage, "pulse_started")

	instruction := fmt.Sprintf("Implement pulse %d and verify it.\n\n%s", pulse.Sequence, pulse.Description)
	if err := m.switchSession(ctx, wf, RoleImplementer, m.briefing(ctx, wf, instruction), store.SessionCompleted); err != nil {
		return wf, err
	}
	return wf, nil
}

// RecordBaseline stores the checkpoint a running pulse started from.
func (m *Machine) RecordBaseline(ctx context.Context, pulseID, checkpointRef string) (*store.Baseline, error) {
	ctx, span := m.tracer.Start(ctx, "workflow.record_baseline")
	defer span.End()

	if strings.TrimSpace(checkpointRef) == "" {
		return nil, fmt.Errorf("%w: checkpoint ref is required", ErrInvalidInput)
	}
	wfID, err := m.pulseWorkflow(ctx, pulseID)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("workflow_id", wfID))

	unlock := m.locks.Lock(wfID)
	defer unlock()

	var baseline *store.Baseline
	err = m.store.WithTx(ctx, func(q *store.Queries) error {
		p, err := q.GetPulse(ctx, pulseID)
		if err != nil {
			return err
		}
		if p.Status != store.PulseRunning {
			return fmt.Errorf("%w: pulse %d is %s, not running", ErrInvalidTransition, p.Sequence, p.Status)
		}
		now := time.Now().UTC()
		baseline = &store.Baseline{
			ID:            uuid.New().String(),
			WorkflowID:    p.WorkflowID,
			PulseID:       p.ID,
			CheckpointRef: checkpointRef,
			CreatedAt:     now,
		}
		if err := q.InsertBaseline(ctx, baseline); err != nil {
			return err
		}
		p.CheckpointRef = checkpointRef
		p.UpdatedAt = now
		return q.UpdatePulse(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	return baseline, nil
}

// CompletePulse ends a running pulse. When the plan is exhausted the
// workflow moves to review; otherwise a new planning session proposes
// the next pulse.
func (m *Machine) CompletePulse(ctx context.Context, pulseID string, outcome PulseOutcome) (*store.Pulse, error) {
	ctx, span := m.tracer.Start(ctx, "workflow.complete_pulse")
	defer span.End()

	wfID, err := m.pulseWorkflow(ctx, pulseID)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("workflow_id", wfID))

	unlock := m.locks.Lock(wfID)
	defer unlock()

	wf, err := m.load(ctx, wfID)
	if err != nil {
		return nil, err
	}

	var pulse *store.Pulse
	err = m.store.WithTx(ctx, func(q *store.Queries) error {
		p, err := q.GetPulse(ctx, pulseID)
		if err != nil {
			return err
		}
		if p.Status != store.PulseRunning {
			return fmt.Errorf("%w: pulse %d is %s, not running", ErrInvalidTransition, p.Sequence, p.Status)
		}
		p.Status = store.PulseFailed
		if outcome.Succeeded {
			p.Status = store.PulseSucceeded
		}
		p.Summary = outcome.Summary
		p.UpdatedAt = time.Now().UTC()
		if err := q.UpdatePulse(ctx, p); err != nil {
			return err
		}
		pulse = p

		if outcome.PlanExhausted {
			wf.Stage = store.StageReview
			wf.AwaitingApproval = false
			wf.PendingArtifactType = ""
			wf.UpdatedAt = p.UpdatedAt
			return q.UpdateWorkflow(ctx, wf)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	m.events.Broadcast(events.New(events.WorkflowPulseUpdated, wf.CurrentSessionID, wf.ID, pulse))
	if outcome.PlanExhausted {
		m.transitioned(ctx, wf, store.StagePulseLoop, store.StageReview, "plan_exhausted")
		err = m.switchSession(ctx, wf, RoleReviewer, m.briefing(ctx, wf, m.reviewInstruction(ctx, wf)), store.SessionCompleted)
	} else {
		instruction := fmt.Sprintf("Pulse %d %s: %s\n\nPropose the next pulse, or finish the pulse loop if the plan is complete.",
			pulse.Sequence, pulse.Status, outcome.Summary)
		err = m.switchSession(ctx, wf, RolePulsePlanner, m.briefing(ctx, wf, instruction), store.SessionCompleted)
	}
	if err != nil {
		return pulse, err
	}
	return pulse, nil
}

// FinishPulseLoop moves a workflow from the pulse loop to review when no
// pulse is running or awaiting approval.
func (m *Machine) FinishPulseLoop(ctx context.Context, workflowID string) (*store.Workflow, error) {
	ctx, span := m.tracer.Start(ctx, "workflow.finish_pulse_loop")
	defer span.End()
	span.SetAttributes(attribute.String("workflow_id", workflowID))

	unlock := m.locks.Lock(workflowID)
	defer unlock()

	wf, err := m.load(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.Stage != store.StagePulseLoop {
		return nil, fmt.Errorf("%w: workflow is in %s", ErrInvalidTransition, wf.Stage)
	}

	err = m.store.WithTx(ctx, func(q *store.Queries) error {
		latest, err := q.LatestPulse(ctx, wf.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if latest != nil && (latest.Status == store.PulseRunning || latest.Status == store.PulseProposed) {
			return fmt.Errorf("%w: pulse %d is %s", ErrInvalidTransition, latest.Sequence, latest.Status)
		}
		wf.Stage = store.StageReview
		wf.AwaitingApproval = false
		wf.PendingArtifactType = ""
		wf.UpdatedAt = time.Now().UTC()
		return q.UpdateWorkflow(ctx, wf)
	})
	if err != nil {
		return nil, err
	}

	m.transitioned(ctx, wf, store.StagePulseLoop, store.StageReview, "plan_exhausted")
	if err := m.switchSession(ctx, wf, RoleReviewer, m.briefing(ctx, wf, m.reviewInstruction(ctx, wf)), store.SessionCompleted); err != nil {
		return wf, err
	}
	return wf, nil
}

// StopPulse stops a proposed or running pulse and ends the workflow's
// current session. The workflow stays in the pulse loop.
func (m *Machine) StopPulse(ctx context.Context, pulseID string) (*store.Pulse, error) {
	ctx, span := m.tracer.Start(ctx, "workflow.stop_pulse")
	defer span.End()

	wfID, err := m.pulseWorkflow(ctx, pulseID)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("workflow_id", wfID))

	unlock := m.locks.Lock(wfID)
	defer unlock()

	wf, err := m.load(ctx, wfID)
	if err != nil {
		return nil, err
	}

	var pulse *store.Pulse
	err = m.store.WithTx(ctx, func(q *store.Queries) error {
		p, err := q.GetPulse(ctx, pulseID)
		if err != nil {
			return err
		}
		if p.Status != store.PulseProposed && p.Status != store.PulseRunning {
			return fmt.Errorf("%w: pulse %d is already %s", ErrInvalidTransition, p.Sequence, p.Status)
		}
		p.Status = store.PulseStopped
		p.UpdatedAt = time.Now().UTC()
		if err := q.UpdatePulse(ctx, p); err != nil {
			return err
		}
		pulse = p

		if wf.PendingArtifactType == ArtifactPulseProposal {
			wf.AwaitingApproval = false
			wf.PendingArtifactType = ""
		}
		wf.UpdatedAt = p.UpdatedAt
		return q.UpdateWorkflow(ctx, wf)
	})
	if err != nil {
		return nil, err
	}

	m.stopCurrent(ctx, wf, store.SessionStopped)
	wf.CurrentSessionID = ""
	if err := m.store.UpdateWorkflow(ctx, wf); err != nil {
		return pulse, fmt.Errorf("clear current session: %w", err)
	}

	m.logger.Info("pulse stopped", zap.String("workflow_id", wf.ID), zap.String("pulse_id", pulse.ID))
	m.events.Broadcast(events.New(events.WorkflowPulseUpdated, "", wf.ID, pulse))
	return pulse, nil
}

// ListPulses returns a workflow's pulses in sequence order.
func (m *Machine) ListPulses(ctx context.Context, workflowID string) ([]*store.Pulse, error) {
	if _, err := m.load(ctx, workflowID); err != nil {
		return nil, err
	}
	return m.store.ListPulses(ctx, workflowID)
}

func (m *Machine) pulseWorkflow(ctx context.Context, pulseID string) (string, error) {
	p, err := m.store.GetPulse(ctx, pulseID)
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrPulseNotFound, pulseID)
	}
	if err != nil {
		return "", err
	}
	return p.WorkflowID, nil
}

func (m *Machine) reviewInstruction(ctx context.Context, wf *store.Workflow) string {
	var b strings.Builder
	b.WriteString("Review the completed implementation and write a review report.\n\nPulses:\n")
	pulses, err := m.store.ListPulses(ctx, wf.ID)
	if err != nil {
		m.logger.Warn("failed to load pulses for review", zap.String("workflow_id", wf.ID), zap.Error(err))
	}
	for _, p := range pulses {
		fmt.Fprintf(&b, "- %d (%s): %s\n", p.Sequence, p.Status, p.Description)
		if p.Summary != "" {
			fmt.Fprintf(&b, "  %s\n", p.Summary)
		}
	}
	return b.String()
}
