// Package workflow drives coding workflows through their stages:
//
//	scope → research → plan → pulse_loop → review → merge → done
//
// Artifact stages (scope, research, plan, review) stop awaiting human
// approval before they advance. The pulse loop repeats propose → approve
// → run → complete until the plan is exhausted. Every transition runs
// under a per-workflow mutex inside one store transaction; events are
// broadcast and sessions are started only after the transaction commits.
package workflow

import (
	"context"
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
	"github.com/fyrsmithlabs/conductord/internal/session"
	"github.com/fyrsmithlabs/conductord/internal/store"
)

const instrumentationName = "github.com/fyrsmithlabs/conductord/internal/workflow"

// Errors for workflow operations.
var (
	ErrNotFound            = errors.New("workflow not found")
	ErrPulseNotFound       = errors.New("pulse not found")
	ErrInvalidTransition   = errors.New("invalid workflow transition")
	ErrNotAwaitingApproval = errors.New("workflow is not awaiting approval")
	ErrGateFailed          = errors.New("approval gate failed")
	ErrSessionLaunch       = errors.New("failed to launch stage session")
	ErrInvalidInput        = errors.New("invalid input")
)

// Store is the persistence the machine needs. *store.DB satisfies it.
type Store interface {
	WithTx(ctx context.Context, fn func(q *store.Queries) error) error
	GetWorkflow(ctx context.Context, id string) (*store.Workflow, error)
	UpdateWorkflow(ctx context.Context, w *store.Workflow) error
	ListWorkflows(ctx context.Context, limit int) ([]*store.Workflow, error)
	GetPulse(ctx context.Context, id string) (*store.Pulse, error)
	ListPulses(ctx context.Context, workflowID string) ([]*store.Pulse, error)
	ListArtifacts(ctx context.Context, workflowID string) ([]*store.Artifact, error)
	InsertReviewComment(ctx context.Context, c *store.ReviewComment) error
	GetReviewComments(ctx context.Context, workflowID string, ids []string) ([]*store.ReviewComment, error)
	InsertErrorRecord(ctx context.Context, r *store.ErrorRecord) error
}

// Launcher starts and stops the sessions that work each stage.
type Launcher interface {
	Launch(ctx context.Context, req session.StartRequest, input string) (*store.Session, error)
	Stop(ctx context.Context, sessionID string, final store.SessionStatus) error
}

// Merger integrates a reviewed workflow into its base branch using the
// workflow's MergeStrategy and CommitMessage.
type Merger interface {
	Merge(ctx context.Context, wf *store.Workflow) error
}

// MergerFunc adapts a function to Merger.
type MergerFunc func(ctx context.Context, wf *store.Workflow) error

// Merge implements Merger.
func (f MergerFunc) Merge(ctx context.Context, wf *store.Workflow) error {
	return f(ctx, wf)
}

// CompletionHook runs after a workflow reaches done.
type CompletionHook func(ctx context.Context, wf *store.Workflow)

// CreateRequest describes a new workflow.
type CreateRequest struct {
	Title      string `json:"title"`
	Task       string `json:"task"`
	BaseBranch string `json:"base_branch"`
}

// ApproveOptions carries the inputs of the review gate.
type ApproveOptions struct {
	MergeStrategy string `json:"merge_strategy,omitempty"`
	CommitMessage string `json:"commit_message,omitempty"`
}

// StagePayload is the payload of workflow:stage_changed events.
type StagePayload struct {
	From   store.Stage `json:"from,omitempty"`
	To     store.Stage `json:"to"`
	Reason string      `json:"reason,omitempty"`
}

// ApprovalPayload is the payload of workflow:awaiting_approval events.
type ApprovalPayload struct {
	Stage        store.Stage `json:"stage"`
	ArtifactType string      `json:"artifact_type"`
	PulseID      string      `json:"pulse_id,omitempty"`
}

// ErrorPayload is the payload of workflow:error events.
type ErrorPayload struct {
	Operation string `json:"operation"`
	Message   string `json:"message"`
}

// Detail is a workflow with its pulses and artifacts.
type Detail struct {
	*store.Workflow
	Pulses    []*store.Pulse    `json:"pulses"`
	Artifacts []*store.Artifact `json:"artifacts"`
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the machine logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMerger sets the merge collaborator used when review is approved.
func WithMerger(mg Merger) Option {
	return func(m *Machine) {
		m.merger = mg
	}
}

// WithCompletionHook adds a hook run when a workflow completes.
func WithCompletionHook(h CompletionHook) Option {
	return func(m *Machine) {
		m.hooks = append(m.hooks, h)
	}
}

// WithGates replaces the approval gates.
func WithGates(gates ...Gate) Option {
	return func(m *Machine) {
		m.gates = gates
	}
}

// Machine is the workflow state machine.
type Machine struct {
	store    Store
	launcher Launcher
	merger   Merger
	gates    []Gate
	hooks    []CompletionHook
	events   events.Broadcaster
	logger   *zap.Logger
	locks    *keyedMutex

	tracer             trace.Tracer
	transitionsCounter metric.Int64Counter
}

// NewMachine creates a workflow state machine.
func NewMachine(st Store, launcher Launcher, bc events.Broadcaster, opts ...Option) (*Machine, error) {
	if st == nil {
		return nil, errors.New("workflow store is required")
	}
	if launcher == nil {
		return nil, errors.New("session launcher is required")
	}
	if bc == nil {
		bc = events.Discard
	}
	m := &Machine{
		store:    st,
		launcher: launcher,
		gates:    DefaultGates(),
		events:   bc,
		logger:   zap.NewNop(),
		locks:    newKeyedMutex(),
		tracer:   otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(m)
	}

	var err error
	m.transitionsCounter, err = otel.Meter(instrumentationName).Int64Counter(
		"conductord.workflow.transitions_total",
		metric.WithDescription("Total number of workflow transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		m.logger.Warn("failed to create transitions counter", zap.Error(err))
	}
	return m, nil
}

// Create stores a workflow at the scope stage and starts its scope session.
func (m *Machine) Create(ctx context.Context, req CreateRequest) (*store.Workflow, error) {
	ctx, span := m.tracer.Start(ctx, "workflow.create")
	defer span.End()

	task := strings.TrimSpace(req.Task)
	if task == "" {
		return nil, fmt.Errorf("%w: task is required", ErrInvalidInput)
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title, _, _ = strings.Cut(task, "\n")
		title = truncate(title, 80)
	}
	base := req.BaseBranch
	if base == "" {
		base = "main"
	}

	now := time.Now().UTC()
	wf := &store.Workflow{
		ID:         uuid.New().String(),
		Title:      title,
		Task:       task,
		Stage:      store.StageScope,
		BaseBranch: base,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	span.SetAttributes(attribute.String("workflow_id", wf.ID))

	unlock := m.locks.Lock(wf.ID)
	defer unlock()

	if err := m.store.WithTx(ctx, func(q *store.Queries) error {
		return q.InsertWorkflow(ctx, wf)
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	m.transitioned(ctx, wf, "", store.StageScope, "created")
	if err := m.switchSession(ctx, wf, RoleScoper, m.briefing(ctx, wf, "Write a scope document for this task."), store.SessionCompleted); err != nil {
		return wf, err
	}
	return wf, nil
}

// SubmitArtifact stores the current stage's artifact and waits for
// approval. Submitting again while awaiting approval replaces it.
func (m *Machine) SubmitArtifact(ctx context.Context, workflowID, content string) (*store.Workflow, error) {
	ctx, span := m.tracer.Start(ctx, "workflow.submit_artifact")
	defer span.End()
	span.SetAttributes(attribute.String("workflow_id", workflowID))

	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: artifact content is required", ErrInvalidInput)
	}

	unlock := m.locks.Lock(workflowID)
	defer unlock()

	wf, err := m.load(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	artifactType := ArtifactType(wf.Stage)
	if artifactType == "" {
		return nil, fmt.Errorf("%w: stage %s does not produce an artifact", ErrInvalidTransition, wf.Stage)
	}

	now := time.Now().UTC()
	err = m.store.WithTx(ctx, func(q *store.Queries) error {
		if err := q.UpsertArtifact(ctx, &store.Artifact{
			WorkflowID:   wf.ID,
			Stage:        wf.Stage,
			ArtifactType: artifactType,
			Content:      content,
			CreatedAt:    now,
		}); err != nil {
			return err
		}
		wf.AwaitingApproval = true
		wf.PendingArtifactType = artifactType
		wf.UpdatedAt = now
		return q.UpdateWorkflow(ctx, wf)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	m.logger.Info("artifact submitted",
		zap.String("workflow_id", wf.ID),
		zap.String("stage", string(wf.Stage)),
		zap.String("artifact_type", artifactType))
	m.events.Broadcast(events.New(events.WorkflowAwaitingApproval, wf.CurrentSessionID, wf.ID, ApprovalPayload{
		Stage:        wf.Stage,
		ArtifactType: artifactType,
	}))
	return wf, nil
}

// Approve passes the approval gates and advances the workflow. In the
// pulse loop it starts the proposed pulse; in review it merges.
func (m *Machine) Approve(ctx context.Context, workflowID string, opts ApproveOptions) (*store.Workflow, error) {
	ctx, span := m.tracer.Start(ctx, "workflow.approve")
	defer span.End()
	span.SetAttributes(attribute.String("workflow_id", workflowID))

	unlock := m.locks.Lock(workflowID)
	defer unlock()

	wf, err := m.load(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if err := checkGates(m.gates, wf, opts); err != nil {
		if !wf.AwaitingApproval {
			return nil, fmt.Errorf("%w: %w", ErrNotAwaitingApproval, err)
		}
		return nil, err
	}

	switch wf.Stage {
	case store.StageScope, store.StageResearch, store.StagePlan:
		return m.advanceArtifactStage(ctx, wf)
	case store.StagePulseLoop:
		return m.startProposedPulse(ctx, wf)
	case store.StageReview:
		return m.approveReview(ctx, wf, opts)
	}
	return nil, fmt.Errorf("%w: cannot approve in stage %s", ErrInvalidTransition, wf.Stage)
}

func (m *Machine) advanceArtifactStage(ctx context.Context, wf *store.Workflow) (*store.Workflow, error) {
	from := wf.Stage
	to := next(from)
	err := m.store.WithTx(ctx, func(q *store.Queries) error {
		if err := q.ApproveArtifact(ctx, wf.ID, from); err != nil {
			return err
		}
		wf.Stage = to
		wf.AwaitingApproval = false
		wf.PendingArtifactType = ""
		wf.UpdatedAt = time.Now().UTC()
		return q.UpdateWorkflow(ctx, wf)
	})
	if err != nil {
		return nil, err
	}

	m.transitioned(ctx, wf, from, to, "approved")
	var instruction string
	switch to {
	case store.StageResearch:
		instruction = "Research the codebase for the approved scope and write a research document."
	case store.StagePlan:
		instruction = "Write an implementation plan broken into small, verifiable pulses."
	case store.StagePulseLoop:
		instruction = "Propose the first pulse of the approved plan."
	}
	if err := m.switchSession(ctx, wf, stageRole(to), m.briefing(ctx, wf, instruction), store.SessionCompleted); err != nil {
		return wf, err
	}
	return wf, nil
}

func (m *Machine) approveReview(ctx context.Context, wf *store.Workflow, opts ApproveOptions) (*store.Workflow, error) {
	err := m.store.WithTx(ctx, func(q *store.Queries) error {
		if err := q.ApproveArtifact(ctx, wf.ID, store.StageReview); err != nil {
			return err
		}
		wf.Stage = store.StageMerge
		wf.AwaitingApproval = false
		wf.PendingArtifactType = ""
		wf.MergeStrategy = opts.MergeStrategy
		wf.CommitMessage = opts.CommitMessage
		wf.UpdatedAt = time.Now().UTC()
		return q.UpdateWorkflow(ctx, wf)
	})
	if err != nil {
		return nil, err
	}
	m.transitioned(ctx, wf, store.StageReview, store.StageMerge, "approved")
	m.stopCurrent(ctx, wf, store.SessionCompleted)

	if m.merger != nil {
		if err := m.merger.Merge(ctx, wf); err != nil {
			m.reportError(ctx, wf, "merge", err)
			return wf, fmt.Errorf("merge workflow %s: %w", wf.ID, err)
		}
	}

	err = m.store.WithTx(ctx, func(q *store.Queries) error {
		wf.Stage = store.StageDone
		wf.CurrentSessionID = ""
		wf.UpdatedAt = time.Now().UTC()
		return q.UpdateWorkflow(ctx, wf)
	})
	if err != nil {
		return nil, err
	}
	m.transitioned(ctx, wf, store.StageMerge, store.StageDone, "merged")
	m.events.Broadcast(events.New(events.WorkflowCompleted, "", wf.ID, wf))

	for _, h := range m.hooks {
		h(ctx, wf)
	}
	return wf, nil
}

// RequestChanges rejects the pending artifact or pulse proposal and
// starts a new session in the same stage with the feedback.
func (m *Machine) RequestChanges(ctx context.Context, workflowID, feedback string) (*store.Workflow, error) {
	ctx, span := m.tracer.Start(ctx, "workflow.request_changes")
	defer span.End()
	span.SetAttributes(attribute.String("workflow_id", workflowID))

	feedback = strings.TrimSpace(feedback)
	if feedback == "" {
		return nil, fmt.Errorf("%w: feedback is required", ErrInvalidInput)
	}

	unlock := m.locks.Lock(workflowID)
	defer unlock()

	wf, err := m.load(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if !wf.AwaitingApproval {
		return nil, fmt.Errorf("%w: stage %s", ErrNotAwaitingApproval, wf.Stage)
	}

	var rejected *store.Pulse
	err = m.store.WithTx(ctx, func(q *store.Queries) error {
		if wf.Stage == store.StagePulseLoop {
			p, err := q.LatestPulse(ctx, wf.ID)
			if err != nil {
				return fmt.Errorf("load proposed pulse: %w", err)
			}
			if p.Status == store.PulseProposed {
				p.RejectionCount++
				p.UpdatedAt = time.Now().UTC()
				if err := q.UpdatePulse(ctx, p); err != nil {
					return err
				}
				rejected = p
			}
		}
		wf.AwaitingApproval = false
		wf.PendingArtifactType = ""
		wf.UpdatedAt = time.Now().UTC()
		return q.UpdateWorkflow(ctx, wf)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if rejected != nil {
		m.events.Broadcast(events.New(events.WorkflowPulseUpdated, wf.CurrentSessionID, wf.ID, rejected))
	}
	m.transitioned(ctx, wf, wf.Stage, wf.Stage, "changes_requested")

	instruction := "Changes were requested. Revise your work and submit it again.\n\nFeedback:\n" + feedback
	if wf.Stage == store.StagePulseLoop {
		instruction = "The proposed pulse was rejected. Propose a revised pulse.\n\nFeedback:\n" + feedback
	}
	if err := m.switchSession(ctx, wf, stageRole(wf.Stage), m.briefing(ctx, wf, instruction), store.SessionStopped); err != nil {
		return wf, err
	}
	return wf, nil
}

// Get returns a workflow.
func (m *Machine) Get(ctx context.Context, id string) (*store.Workflow, error) {
	return m.load(ctx, id)
}

// Detail returns a workflow with its pulses and artifacts.
func (m *Machine) Detail(ctx context.Context, id string) (*Detail, error) {
	wf, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	pulses, err := m.store.ListPulses(ctx, id)
	if err != nil {
		return nil, err
	}
	artifacts, err := m.store.ListArtifacts(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Detail{Workflow: wf, Pulses: pulses, Artifacts: artifacts}, nil
}

// List returns workflows, newest first.
func (m *Machine) List(ctx context.Context, limit int) ([]*store.Workflow, error) {
	return m.store.ListWorkflows(ctx, limit)
}

func (m *Machine) load(ctx context.Context, id string) (*store.Workflow, error) {
	wf, err := m.store.GetWorkflow(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return wf, err
}

// switchSession ends the workflow's current session and starts the next
// one. It must be called with the workflow lock held and after the
// transition has committed. A launch failure leaves the workflow without
// a current session and is reported as a workflow error.
func (m *Machine) switchSession(ctx context.Context, wf *store.Workflow, role, input string, prevStatus store.SessionStatus) error {
	m.stopCurrent(ctx, wf, prevStatus)

	sess, launchErr := m.launcher.Launch(ctx, session.StartRequest{
		ContextType: store.ContextWorkflow,
		ContextID:   wf.ID,
		AgentRole:   role,
	}, input)
	if launchErr == nil {
		wf.CurrentSessionID = sess.ID
	} else {
		wf.CurrentSessionID = ""
	}
	wf.UpdatedAt = time.Now().UTC()
	if err := m.store.UpdateWorkflow(ctx, wf); err != nil {
		return fmt.Errorf("record current session: %w", err)
	}

	if launchErr != nil {
		m.reportError(ctx, wf, "launch_session", launchErr)
		return fmt.Errorf("%w: %w", ErrSessionLaunch, launchErr)
	}
	return nil
}

func (m *Machine) stopCurrent(ctx context.Context, wf *store.Workflow, status store.SessionStatus) {
	if wf.CurrentSessionID == "" {
		return
	}
	err := m.launcher.Stop(ctx, wf.CurrentSessionID, status)
	if err != nil && !errors.Is(err, session.ErrNotActive) && !errors.Is(err, session.ErrNotFound) {
		m.logger.Warn("failed to stop stage session",
			zap.String("workflow_id", wf.ID),
			zap.String("session_id", wf.CurrentSessionID),
			zap.Error(err))
	}
}

// briefing renders the input of a stage session: the task, every
// approved artifact so far, and the instruction.
func (m *Machine) briefing(ctx context.Context, wf *store.Workflow, instruction string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n%s\n", wf.Title, wf.Task)

	artifacts, err := m.store.ListArtifacts(ctx, wf.ID)
	if err != nil {
		m.logger.Warn("failed to load artifacts for briefing", zap.String("workflow_id", wf.ID), zap.Error(err))
	}
	for _, st := range store.Stages() {
		for _, a := range artifacts {
			if a.Stage == st && a.Approved {
				fmt.Fprintf(&b, "\n## Approved %s\n\n%s\n", strings.ReplaceAll(a.ArtifactType, "_", " "), a.Content)
			}
		}
	}
	if instruction != "" {
		fmt.Fprintf(&b, "\n%s\n", instruction)
	}
	return b.String()
}

func (m *Machine) transitioned(ctx context.Context, wf *store.Workflow, from, to store.Stage, reason string) {
	if m.transitionsCounter != nil {
		m.transitionsCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("to", string(to)),
			attribute.String("reason", reason),
		))
	}
	m.logger.Info("workflow transition",
		zap.String("workflow_id", wf.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason))
	m.events.Broadcast(events.New(events.WorkflowStageChanged, wf.CurrentSessionID, wf.ID, StagePayload{
		From:   from,
		To:     to,
		Reason: reason,
	}))
}

// reportError broadcasts a workflow:error event and persists an error
// record. It never fails.
func (m *Machine) reportError(ctx context.Context, wf *store.Workflow, op string, cause error) {
	m.logger.Error("workflow operation failed",
		zap.String("workflow_id", wf.ID),
		zap.String("operation", op),
		zap.Error(cause))
	m.events.Broadcast(events.New(events.WorkflowError, wf.CurrentSessionID, wf.ID, ErrorPayload{
		Operation: op,
		Message:   cause.Error(),
	}))
	if err := m.store.InsertErrorRecord(context.WithoutCancel(ctx), &store.ErrorRecord{
		ID:         uuid.New().String(),
		Kind:       "workflow_" + op,
		WorkflowID: wf.ID,
		SessionID:  wf.CurrentSessionID,
		Message:    cause.Error(),
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		m.logger.Error("failed to persist error record", zap.String("workflow_id", wf.ID), zap.Error(err))
	}
}

func truncate(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n-3]) + "..."
}
