// Package subtask coordinates delegated work fanned out from a parent
// session.
//
// Each terminal transition (complete or fail) runs in one serializable
// store transaction together with the count of siblings that are still
// open, so exactly one caller per parent observes that every subtask is
// done and resumes the coordinator.
package subtask

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductord/internal/events"
	"github.com/fyrsmithlabs/conductord/internal/store"
)

const instrumentationName = "github.com/fyrsmithlabs/conductord/internal/subtask"

// Errors for coordinator operations.
var (
	ErrNotFound          = errors.New("subtask not found")
	ErrAlreadyTerminal   = errors.New("subtask already completed or failed")
	ErrInvalidTransition = errors.New("invalid subtask transition")
)

// Store is the persistence the coordinator needs. *store.DB satisfies it.
type Store interface {
	WithTx(ctx context.Context, fn func(q *store.Queries) error) error
	InsertSubtask(ctx context.Context, s *store.Subtask) error
	GetSubtask(ctx context.Context, id string) (*store.Subtask, error)
	GetSubtaskBySession(ctx context.Context, sessionID string) (*store.Subtask, error)
	StartSubtask(ctx context.Context, id, sessionID string, at time.Time) error
	ListSubtasks(ctx context.Context, parentSessionID string) ([]*store.Subtask, error)
}

// Subtask is a stored subtask with its payloads decoded.
type Subtask struct {
	ID              string              `json:"id"`
	ParentSessionID string              `json:"parent_session_id"`
	WorkflowID      string              `json:"workflow_id,omitempty"`
	SessionID       string              `json:"session_id,omitempty"`
	Task            TaskDef             `json:"task"`
	Findings        *Findings           `json:"findings,omitempty"`
	Error           string              `json:"error,omitempty"`
	Status          store.SubtaskStatus `json:"status"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// CheckResult is the outcome of a terminal transition.
type CheckResult struct {
	Subtask                 *Subtask `json:"subtask"`
	Remaining               int      `json:"remaining"`
	AllDone                 bool     `json:"all_done"`
	ShouldResumeCoordinator bool     `json:"should_resume_coordinator"`
}

// UpdatePayload is the payload of subtask:updated events.
type UpdatePayload struct {
	ID              string              `json:"id"`
	ParentSessionID string              `json:"parent_session_id"`
	Label           string              `json:"label"`
	Status          store.SubtaskStatus `json:"status"`
	Error           string              `json:"error,omitempty"`
	AllDone         bool                `json:"all_done"`
}

// Coordinator manages subtask lifecycles.
type Coordinator struct {
	store  Store
	events events.Broadcaster
	logger *zap.Logger

	tracer          trace.Tracer
	terminalCounter metric.Int64Counter
	resumeCounter   metric.Int64Counter
}

// NewCoordinator creates a coordinator.
func NewCoordinator(st Store, bc events.Broadcaster, logger *zap.Logger) (*Coordinator, error) {
	if st == nil {
		return nil, errors.New("subtask store is required")
	}
	if bc == nil {
		bc = events.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		store:  st,
		events: bc,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
	}

	meter := otel.Meter(instrumentationName)
	var err error
	c.terminalCounter, err = meter.Int64Counter(
		"conductord.subtask.terminal_total",
		metric.WithDescription("Total number of subtasks reaching a terminal status"),
		metric.WithUnit("{subtask}"),
	)
	if err != nil {
		logger.Warn("failed to create terminal counter", zap.Error(err))
	}
	c.resumeCounter, err = meter.Int64Counter(
		"conductord.subtask.coordinator_resumes_total",
		metric.WithDescription("Total number of coordinator resumes signalled"),
		metric.WithUnit("{resume}"),
	)
	if err != nil {
		logger.Warn("failed to create resume counter", zap.Error(err))
	}
	return c, nil
}

// Create stores a pending subtask under the parent session.
func (c *Coordinator) Create(ctx context.Context, parentSessionID, workflowID string, task TaskDef) (*Subtask, error) {
	ctx, span := c.tracer.Start(ctx, "subtask.create")
	defer span.End()
	span.SetAttributes(
		attribute.String("parent_session_id", parentSessionID),
		attribute.String("kind", string(task.Kind)),
	)

	if parentSessionID == "" {
		return nil, errors.New("parent session id is required")
	}
	if err := task.Validate(); err != nil {
		return nil, err
	}
	data, err := encodeTaskDef(task)
	if err != nil {
		return nil, fmt.Errorf("encode task definition: %w", err)
	}

	now := time.Now().UTC()
	rec := &store.Subtask{
		ID:              uuid.New().String(),
		ParentSessionID: parentSessionID,
		WorkflowID:      workflowID,
		TaskDef:         data,
		Status:          store.SubtaskPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := c.store.InsertSubtask(ctx, rec); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	st := &Subtask{
		ID:              rec.ID,
		ParentSessionID: rec.ParentSessionID,
		WorkflowID:      rec.WorkflowID,
		Task:            task,
		Status:          rec.Status,
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
	}
	c.broadcast(st, false)
	return st, nil
}

// Start moves a pending subtask to running under the given session.
func (c *Coordinator) Start(ctx context.Context, id, sessionID string) (*Subtask, error) {
	ctx, span := c.tracer.Start(ctx, "subtask.start")
	defer span.End()
	span.SetAttributes(attribute.String("subtask_id", id))

	err := c.store.StartSubtask(ctx, id, sessionID, time.Now().UTC())
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	case errors.Is(err, store.ErrConflict):
		return nil, fmt.Errorf("%w: %s is not pending", ErrInvalidTransition, id)
	case err != nil:
		span.RecordError(err)
		return nil, err
	}

	st, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	c.broadcast(st, false)
	return st, nil
}

// CompleteAndCheckDone records findings for the subtask and reports
// whether it was the last open sibling under its parent.
func (c *Coordinator) CompleteAndCheckDone(ctx context.Context, id string, findings Findings) (*CheckResult, error) {
	return c.finish(ctx, id, store.SubtaskCompleted, &findings, "")
}

// FailAndCheckDone records the failure reason and reports whether the
// subtask was the last open sibling under its parent.
func (c *Coordinator) FailAndCheckDone(ctx context.Context, id, reason string) (*CheckResult, error) {
	if reason == "" {
		reason = "subtask failed"
	}
	return c.finish(ctx, id, store.SubtaskFailed, nil, reason)
}

func (c *Coordinator) finish(ctx context.Context, id string, status store.SubtaskStatus, findings *Findings, reason string) (*CheckResult, error) {
	ctx, span := c.tracer.Start(ctx, "subtask.finish")
	defer span.End()
	span.SetAttributes(
		attribute.String("subtask_id", id),
		attribute.String("status", string(status)),
	)

	var (
		result CheckResult
		st     *Subtask
	)
	err := c.store.WithTx(ctx, func(q *store.Queries) error {
		rec, err := q.GetSubtask(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		if rec.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, id, rec.Status)
		}
		task, err := decodeTaskDef(rec.TaskDef)
		if err != nil {
			return fmt.Errorf("subtask %s: %w", id, err)
		}

		var data []byte
		if findings != nil {
			if err := findings.ValidateFor(task.Kind); err != nil {
				return err
			}
			if data, err = json.Marshal(findings); err != nil {
				return fmt.Errorf("encode findings: %w", err)
			}
		}

		now := time.Now().UTC()
		err = q.FinishSubtask(ctx, id, status, data, reason, now)
		if errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("%w: %s", ErrAlreadyTerminal, id)
		}
		if err != nil {
			return err
		}

		remaining, err := q.CountOpenSiblings(ctx, rec.ParentSessionID)
		if err != nil {
			return err
		}

		st = fromRecord(rec, task)
		st.Status = status
		st.Findings = findings
		st.Error = reason
		st.UpdatedAt = now
		result = CheckResult{
			Subtask:                 st,
			Remaining:               remaining,
			AllDone:                 remaining == 0,
			ShouldResumeCoordinator: remaining == 0,
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrAlreadyTerminal) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return nil, err
	}

	if c.terminalCounter != nil {
		c.terminalCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
	}
	if result.ShouldResumeCoordinator && c.resumeCounter != nil {
		c.resumeCounter.Add(ctx, 1)
	}
	c.logger.Info("subtask finished",
		zap.String("subtask_id", id),
		zap.String("parent_session_id", st.ParentSessionID),
		zap.String("status", string(status)),
		zap.Int("remaining", result.Remaining))

	c.broadcast(st, result.AllDone)
	return &result, nil
}

// Get returns a subtask by id.
func (c *Coordinator) Get(ctx context.Context, id string) (*Subtask, error) {
	rec, err := c.store.GetSubtask(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return decode(rec)
}

// GetBySession returns the subtask run by a session, or nil when the
// session is not a subtask session.
func (c *Coordinator) GetBySession(ctx context.Context, sessionID string) (*Subtask, error) {
	rec, err := c.store.GetSubtaskBySession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decode(rec)
}

// List returns the subtasks of a parent session in creation order.
func (c *Coordinator) List(ctx context.Context, parentSessionID string) ([]*Subtask, error) {
	recs, err := c.store.ListSubtasks(ctx, parentSessionID)
	if err != nil {
		return nil, err
	}
	out := make([]*Subtask, 0, len(recs))
	for _, rec := range recs {
		st, err := decode(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// CompletedResult is one completed subtask in merged results.
type CompletedResult struct {
	SubtaskID string   `json:"subtask_id"`
	Label     string   `json:"label"`
	Findings  Findings `json:"findings"`
}

// FailedResult is one failed subtask in merged results.
type FailedResult struct {
	SubtaskID string `json:"subtask_id"`
	Label     string `json:"label"`
	Reason    string `json:"reason"`
}

// MergedResults aggregates the outcomes of a parent's subtasks.
type MergedResults struct {
	ParentSessionID string            `json:"parent_session_id"`
	Completed       []CompletedResult `json:"completed"`
	Failed          []FailedResult    `json:"failed"`
	Open            int               `json:"open"`
}

// GetMergedResults collects completed findings and failure reasons of a
// parent's subtasks in creation order.
func (c *Coordinator) GetMergedResults(ctx context.Context, parentSessionID string) (*MergedResults, error) {
	subtasks, err := c.List(ctx, parentSessionID)
	if err != nil {
		return nil, err
	}
	m := &MergedResults{ParentSessionID: parentSessionID}
	for _, st := range subtasks {
		label := st.Task.DisplayLabel()
		switch st.Status {
		case store.SubtaskCompleted:
			var f Findings
			if st.Findings != nil {
				f = *st.Findings
			}
			m.Completed = append(m.Completed, CompletedResult{SubtaskID: st.ID, Label: label, Findings: f})
		case store.SubtaskFailed:
			m.Failed = append(m.Failed, FailedResult{SubtaskID: st.ID, Label: label, Reason: st.Error})
		default:
			m.Open++
		}
	}
	return m, nil
}

// ResumeMessage renders the merged results as the input that resumes the
// coordinating session.
func (m *MergedResults) ResumeMessage() string {
	var b strings.Builder
	total := len(m.Completed) + len(m.Failed)
	fmt.Fprintf(&b, "All %d delegated subtasks have finished (%d completed, %d failed).\n",
		total, len(m.Completed), len(m.Failed))

	if len(m.Completed) > 0 {
		b.WriteString("\n## Completed\n")
		for _, r := range m.Completed {
			fmt.Fprintf(&b, "\n### %s\n%s\n", r.Label, r.Findings.Render())
		}
	}
	if len(m.Failed) > 0 {
		b.WriteString("\n## Failed\n")
		for _, r := range m.Failed {
			fmt.Fprintf(&b, "\n### %s\nReason: %s\n", r.Label, r.Reason)
		}
	}
	return b.String()
}

func (c *Coordinator) broadcast(st *Subtask, allDone bool) {
	c.events.Broadcast(events.New(events.SubtaskUpdated, st.ParentSessionID, st.WorkflowID, UpdatePayload{
		ID:              st.ID,
		ParentSessionID: st.ParentSessionID,
		Label:           st.Task.DisplayLabel(),
		Status:          st.Status,
		Error:           st.Error,
		AllDone:         allDone,
	}))
}

func decode(rec *store.Subtask) (*Subtask, error) {
	task, err := decodeTaskDef(rec.TaskDef)
	if err != nil {
		return nil, fmt.Errorf("subtask %s: %w", rec.ID, err)
	}
	st := fromRecord(rec, task)
	if st.Findings, err = decodeFindings(rec.Findings); err != nil {
		return nil, fmt.Errorf("subtask %s: %w", rec.ID, err)
	}
	return st, nil
}

func fromRecord(rec *store.Subtask, task TaskDef) *Subtask {
	return &Subtask{
		ID:              rec.ID,
		ParentSessionID: rec.ParentSessionID,
		WorkflowID:      rec.WorkflowID,
		SessionID:       rec.SessionID,
		Task:            task,
		Error:           rec.ErrorMessage,
		Status:          rec.Status,
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
	}
}
