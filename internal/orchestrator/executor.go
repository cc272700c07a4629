package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
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
	"github.com/fyrsmithlabs/conductord/internal/subtask"
)

const instrumentationName = "github.com/fyrsmithlabs/conductord/internal/orchestrator"

// Sessions is the session lifecycle the executor drives.
// *session.Registry satisfies it.
type Sessions interface {
	Start(ctx context.Context, req session.StartRequest) (*store.Session, error)
	Get(ctx context.Context, id string) (*store.Session, error)
	Restore(ctx context.Context, id string) (*store.Session, error)
	Stop(ctx context.Context, id string, final store.SessionStatus) error
	MarkError(ctx context.Context, id, message string) error
}

// Subtasks is the fan-out/fan-in bookkeeping the executor needs.
// *subtask.Coordinator satisfies it.
type Subtasks interface {
	Create(ctx context.Context, parentSessionID, workflowID string, task subtask.TaskDef) (*subtask.Subtask, error)
	Start(ctx context.Context, id, sessionID string) (*subtask.Subtask, error)
	CompleteAndCheckDone(ctx context.Context, id string, findings subtask.Findings) (*subtask.CheckResult, error)
	FailAndCheckDone(ctx context.Context, id, reason string) (*subtask.CheckResult, error)
	GetBySession(ctx context.Context, sessionID string) (*subtask.Subtask, error)
	GetMergedResults(ctx context.Context, parentSessionID string) (*subtask.MergedResults, error)
}

// ErrorRecorder persists analytics records for background failures.
type ErrorRecorder interface {
	InsertErrorRecord(ctx context.Context, r *store.ErrorRecord) error
}

// ResumeErrorPayload is the payload of workflow:error events raised by a
// failed coordinator resume.
type ResumeErrorPayload struct {
	Operation       string `json:"operation"`
	ParentSessionID string `json:"parent_session_id"`
	Message         string `json:"message"`
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the executor logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithEvents sets the broadcaster for coordination failures.
func WithEvents(bc events.Broadcaster) Option {
	return func(e *Executor) {
		if bc != nil {
			e.events = bc
		}
	}
}

// WithErrorRecorder sets where coordination failures are persisted.
func WithErrorRecorder(r ErrorRecorder) Option {
	return func(e *Executor) {
		e.records = r
	}
}

// TurnEnv returns extra environment for a turn of sess.
type TurnEnv func(ctx context.Context, sess *store.Session, workflowID string) ([]string, error)

// WithTurnEnv sets the environment attached to every dispatched turn.
func WithTurnEnv(f TurnEnv) Option {
	return func(e *Executor) {
		e.turnEnv = f
	}
}

// Executor launches sessions, dispatches their turns and routes outcomes.
type Executor struct {
	sessions Sessions
	subtasks Subtasks
	runner   Runner
	records  ErrorRecorder
	turnEnv  TurnEnv
	events   events.Broadcaster
	logger   *zap.Logger

	wg sync.WaitGroup

	// inflight counts dispatched turns per session that have not reported
	// an outcome. A resume is counted when it is scheduled, before its
	// turn is dispatched.
	mu       sync.Mutex
	inflight map[string]int

	tracer         trace.Tracer
	turnsCounter   metric.Int64Counter
	resumesCounter metric.Int64Counter
}

// NewExecutor creates an executor.
func NewExecutor(sessions Sessions, subtasks Subtasks, runner Runner, opts ...Option) (*Executor, error) {
	if sessions == nil {
		return nil, errors.New("session registry is required")
	}
	if subtasks == nil {
		return nil, errors.New("subtask coordinator is required")
	}
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	e := &Executor{
		sessions: sessions,
		subtasks: subtasks,
		runner:   runner,
		events:   events.Discard,
		logger:   zap.NewNop(),
		inflight: make(map[string]int),
		tracer:   otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(e)
	}

	meter := otel.Meter(instrumentationName)
	var err error
	e.turnsCounter, err = meter.Int64Counter(
		"conductord.orchestrator.turns_total",
		metric.WithDescription("Total number of dispatched agent turns"),
		metric.WithUnit("{turn}"),
	)
	if err != nil {
		e.logger.Warn("failed to create turns counter", zap.Error(err))
	}
	e.resumesCounter, err = meter.Int64Counter(
		"conductord.orchestrator.resumes_total",
		metric.WithDescription("Total number of coordinator resumes by result"),
		metric.WithUnit("{resume}"),
	)
	if err != nil {
		e.logger.Warn("failed to create resumes counter", zap.Error(err))
	}
	return e, nil
}

// Launch starts or reuses a session and dispatches a turn with input. A
// dispatch failure marks the session as errored.
func (e *Executor) Launch(ctx context.Context, req session.StartRequest, input string) (*store.Session, error) {
	ctx, span := e.tracer.Start(ctx, "orchestrator.launch")
	defer span.End()

	sess, err := e.sessions.Start(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("session_id", sess.ID), attribute.String("role", sess.AgentRole))

	wfID := ""
	if sess.ContextType == store.ContextWorkflow {
		wfID = sess.ContextID
	}
	if err := e.dispatch(ctx, sess, wfID, input, false); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return sess, nil
}

// Stop ends a session with a final status.
func (e *Executor) Stop(ctx context.Context, sessionID string, final store.SessionStatus) error {
	e.forget(sessionID)
	return e.sessions.Stop(ctx, sessionID, final)
}

// HandleOutcome routes the outcome of a turn. Errors mark the session as
// errored. Subtask sessions finish their subtask and may resume the
// coordinating parent. Other sessions complete unless they are still
// waiting on delegated subtasks or on another turn, such as a scheduled
// resume.
func (e *Executor) HandleOutcome(ctx context.Context, out Outcome) error {
	ctx, span := e.tracer.Start(ctx, "orchestrator.handle_outcome")
	defer span.End()
	span.SetAttributes(
		attribute.String("session_id", out.SessionID),
		attribute.String("status", string(out.Status)),
	)

	sess, err := e.sessions.Get(ctx, out.SessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSession, out.SessionID)
	}

	if sess.ContextType == store.ContextSubtask {
		return e.handleSubtaskOutcome(ctx, sess, out)
	}

	remaining := e.turnFinished(sess.ID)
	if out.Status == OutcomeError {
		return e.endSession(ctx, sess.ID, out)
	}
	if remaining > 0 {
		e.logger.Debug("session has turns in flight",
			zap.String("session_id", sess.ID),
			zap.Int("turns", remaining))
		return nil
	}

	merged, err := e.subtasks.GetMergedResults(ctx, sess.ID)
	if err != nil {
		return err
	}
	if merged.Open > 0 {
		e.logger.Debug("session waits on delegated subtasks",
			zap.String("session_id", sess.ID),
			zap.Int("open", merged.Open))
		return nil
	}
	return e.endSession(ctx, sess.ID, out)
}

func (e *Executor) handleSubtaskOutcome(ctx context.Context, sess *store.Session, out Outcome) error {
	st, err := e.subtasks.GetBySession(ctx, sess.ID)
	if err != nil {
		return err
	}
	if st == nil {
		return fmt.Errorf("%w: session %s runs no subtask", ErrUnknownSession, sess.ID)
	}

	var res *subtask.CheckResult
	switch {
	case out.Status == OutcomeError:
		res, err = e.subtasks.FailAndCheckDone(ctx, st.ID, reasonOr(out.Error, "subtask session failed"))
	case out.Findings == nil:
		out.Status, out.Error = OutcomeError, "subtask finished without findings"
		res, err = e.subtasks.FailAndCheckDone(ctx, st.ID, out.Error)
	default:
		res, err = e.subtasks.CompleteAndCheckDone(ctx, st.ID, *out.Findings)
		if errors.Is(err, subtask.ErrInvalidFindings) {
			out.Status, out.Error = OutcomeError, err.Error()
			res, err = e.subtasks.FailAndCheckDone(ctx, st.ID, out.Error)
		}
	}
	if errors.Is(err, subtask.ErrAlreadyTerminal) {
		e.logger.Warn("outcome for finished subtask ignored",
			zap.String("subtask_id", st.ID),
			zap.String("session_id", sess.ID))
		return e.endSession(ctx, sess.ID, out)
	}
	if err != nil {
		return err
	}

	if err := e.endSession(ctx, sess.ID, out); err != nil {
		e.logger.Warn("failed to end subtask session", zap.String("session_id", sess.ID), zap.Error(err))
	}
	if res.ShouldResumeCoordinator {
		e.resumeAsync(ctx, st.ParentSessionID, st.WorkflowID)
	}
	return nil
}

// Delegate creates one subtask per task under the parent session and
// starts a session for each. All tasks are validated and created before
// any starts, so an early finisher cannot observe an incomplete sibling
// set. Start failures fail their subtask and are joined into the error.
func (e *Executor) Delegate(ctx context.Context, parentSessionID, workflowID string, tasks []subtask.TaskDef) ([]*subtask.Subtask, error) {
	ctx, span := e.tracer.Start(ctx, "orchestrator.delegate")
	defer span.End()
	span.SetAttributes(
		attribute.String("parent_session_id", parentSessionID),
		attribute.Int("tasks", len(tasks)),
	)

	if len(tasks) == 0 {
		return nil, ErrNoTasks
	}
	parent, err := e.sessions.Get(ctx, parentSessionID)
	if err != nil {
		return nil, err
	}
	if parent == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, parentSessionID)
	}
	if parent.Status != store.SessionActive {
		return nil, fmt.Errorf("%w: parent %s is %s", session.ErrNotActive, parent.ID, parent.Status)
	}
	for i, t := range tasks {
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("task %d: %w", i, err)
		}
	}

	created := make([]*subtask.Subtask, 0, len(tasks))
	for _, t := range tasks {
		st, err := e.subtasks.Create(ctx, parentSessionID, workflowID, t)
		if err != nil {
			return created, err
		}
		created = append(created, st)
	}

	var errs []error
	for i, st := range created {
		started, err := e.startSubtask(ctx, st)
		if err != nil {
			errs = append(errs, fmt.Errorf("start subtask %s: %w", st.ID, err))
			e.failUnstarted(ctx, st, err)
			continue
		}
		created[i] = started
	}
	return created, errors.Join(errs...)
}

func (e *Executor) startSubtask(ctx context.Context, st *subtask.Subtask) (*subtask.Subtask, error) {
	sess, err := e.sessions.Start(ctx, session.StartRequest{
		ContextType: store.ContextSubtask,
		ContextID:   st.ID,
		AgentRole:   "subtask-" + string(st.Task.Kind),
	})
	if err != nil {
		return nil, err
	}
	started, err := e.subtasks.Start(ctx, st.ID, sess.ID)
	if err != nil {
		_ = e.sessions.MarkError(ctx, sess.ID, err.Error())
		return nil, err
	}
	if err := e.dispatch(ctx, sess, st.WorkflowID, st.Task.Prompt(), false); err != nil {
		return started, err
	}
	return started, nil
}

func (e *Executor) failUnstarted(ctx context.Context, st *subtask.Subtask, cause error) {
	res, err := e.subtasks.FailAndCheckDone(ctx, st.ID, "failed to start: "+cause.Error())
	if err != nil {
		e.logger.Error("failed to fail unstarted subtask", zap.String("subtask_id", st.ID), zap.Error(err))
		return
	}
	if res.ShouldResumeCoordinator {
		e.resumeAsync(ctx, st.ParentSessionID, st.WorkflowID)
	}
}

// Wait blocks until every background resume has finished.
func (e *Executor) Wait() {
	e.wg.Wait()
}

func (e *Executor) dispatch(ctx context.Context, sess *store.Session, workflowID, input string, resume bool) error {
	turn := Turn{
		SessionID:   sess.ID,
		ContextType: sess.ContextType,
		ContextID:   sess.ContextID,
		WorkflowID:  workflowID,
		AgentRole:   sess.AgentRole,
		Input:       input,
		Resume:      resume,
	}
	if e.turnEnv != nil {
		env, err := e.turnEnv(ctx, sess, workflowID)
		if err != nil {
			e.logger.Warn("turn dispatched without extra environment",
				zap.String("session_id", sess.ID), zap.Error(err))
		}
		turn.Env = env
	}
	if !resume {
		e.turnStarted(sess.ID)
	}
	if err := e.runner.Start(ctx, turn); err != nil {
		if !resume {
			e.turnFinished(sess.ID)
		}
		if markErr := e.sessions.MarkError(ctx, sess.ID, "dispatch failed: "+err.Error()); markErr != nil && !errors.Is(markErr, session.ErrNotActive) {
			e.logger.Warn("failed to mark session error", zap.String("session_id", sess.ID), zap.Error(markErr))
		}
		return fmt.Errorf("dispatch turn for session %s: %w", sess.ID, err)
	}
	if e.turnsCounter != nil {
		e.turnsCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("role", sess.AgentRole),
			attribute.Bool("resume", resume),
		))
	}
	return nil
}

func (e *Executor) endSession(ctx context.Context, id string, out Outcome) error {
	e.forget(id)
	var err error
	if out.Status == OutcomeError {
		err = e.sessions.MarkError(ctx, id, reasonOr(out.Error, "agent turn failed"))
	} else {
		err = e.sessions.Stop(ctx, id, store.SessionCompleted)
	}
	if errors.Is(err, session.ErrNotActive) {
		e.logger.Debug("outcome for inactive session", zap.String("session_id", id))
		return nil
	}
	return err
}

func (e *Executor) turnStarted(sessionID string) {
	e.mu.Lock()
	e.inflight[sessionID]++
	e.mu.Unlock()
}

// turnFinished records the end of one turn and returns how many are
// still in flight for the session.
func (e *Executor) turnFinished(sessionID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := e.inflight[sessionID] - 1
	if n <= 0 {
		delete(e.inflight, sessionID)
		return 0
	}
	e.inflight[sessionID] = n
	return n
}

func (e *Executor) forget(sessionID string) {
	e.mu.Lock()
	delete(e.inflight, sessionID)
	e.mu.Unlock()
}

func (e *Executor) resumeAsync(ctx context.Context, parentSessionID, workflowID string) {
	ctx = context.WithoutCancel(ctx)
	e.turnStarted(parentSessionID)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		err := e.resume(ctx, parentSessionID, workflowID)
		result := "ok"
		if err != nil {
			result = "failed"
			e.turnFinished(parentSessionID)
			e.reportCoordination(ctx, parentSessionID, workflowID, err)
		}
		if e.resumesCounter != nil {
			e.resumesCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
		}
	}()
}

func (e *Executor) resume(ctx context.Context, parentSessionID, workflowID string) (err error) {
	ctx, span := e.tracer.Start(ctx, "orchestrator.resume")
	defer span.End()
	span.SetAttributes(attribute.String("parent_session_id", parentSessionID))

	wrap := func(cause error) error {
		span.RecordError(cause)
		span.SetStatus(codes.Error, cause.Error())
		return &CoordinationError{ParentSessionID: parentSessionID, WorkflowID: workflowID, Err: cause}
	}
	defer func() {
		if r := recover(); r != nil {
			err = wrap(fmt.Errorf("panic: %v", r))
		}
	}()

	parent, err := e.sessions.Restore(ctx, parentSessionID)
	if err != nil {
		return wrap(err)
	}
	if parent.Status != store.SessionActive {
		return wrap(fmt.Errorf("%w: parent is %s", session.ErrNotActive, parent.Status))
	}
	merged, err := e.subtasks.GetMergedResults(ctx, parentSessionID)
	if err != nil {
		return wrap(err)
	}
	if workflowID == "" && parent.ContextType == store.ContextWorkflow {
		workflowID = parent.ContextID
	}
	if err := e.dispatch(ctx, parent, workflowID, merged.ResumeMessage(), true); err != nil {
		return wrap(err)
	}

	e.logger.Info("coordinator resumed",
		zap.String("parent_session_id", parentSessionID),
		zap.Int("completed", len(merged.Completed)),
		zap.Int("failed", len(merged.Failed)))
	return nil
}

func (e *Executor) reportCoordination(ctx context.Context, parentSessionID, workflowID string, err error) {
	e.logger.Error("coordinator resume failed",
		zap.String("parent_session_id", parentSessionID),
		zap.String("workflow_id", workflowID),
		zap.Error(err))

	e.events.Broadcast(events.New(events.WorkflowError, parentSessionID, workflowID, ResumeErrorPayload{
		Operation:       "coordinator_resume",
		ParentSessionID: parentSessionID,
		Message:         err.Error(),
	}))

	if e.records == nil {
		return
	}
	if recErr := e.records.InsertErrorRecord(ctx, &store.ErrorRecord{
		ID:         uuid.New().String(),
		Kind:       "coordination_failure",
		WorkflowID: workflowID,
		SessionID:  parentSessionID,
		Message:    err.Error(),
		CreatedAt:  time.Now().UTC(),
	}); recErr != nil {
		e.logger.Error("failed to persist coordination failure", zap.Error(recErr))
	}
}

func reasonOr(reason, fallback string) string {
	if strings.TrimSpace(reason) == "" {
		return fallback
	}
	return reason
}
