package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/conductord/internal/approval"
	"github.com/fyrsmithlabs/conductord/internal/events"
	"github.com/fyrsmithlabs/conductord/internal/session"
	"github.com/fyrsmithlabs/conductord/internal/store"
	"github.com/fyrsmithlabs/conductord/internal/subtask"
)

// MockRunner is a mock implementation of Runner
type MockRunner struct {
	mock.Mock
}

func (m *MockRunner) Start(ctx context.Context, turn Turn) error {
	args := m.Called(ctx, turn)
	return args.Error(0)
}

func (m *MockRunner) turns() []Turn {
	var out []Turn
	for _, c := range m.Calls {
		out = append(out, c.Arguments.Get(1).(Turn))
	}
	return out
}

func isResume(t Turn) bool { return t.Resume }

func notResume(t Turn) bool { return !t.Resume }

type harness struct {
	exec   *Executor
	db     *store.DB
	reg    *session.Registry
	coord  *subtask.Coordinator
	runner *MockRunner
	rec    *events.Recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "orchestrator.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	rec := events.NewRecorder()
	logger := zaptest.NewLogger(t)
	reg, err := session.NewRegistry(db, rec, session.WithLogger(logger))
	require.NoError(t, err)
	coord, err := subtask.NewCoordinator(db, rec, logger)
	require.NoError(t, err)

	runner := &MockRunner{}
	exec, err := NewExecutor(reg, coord, runner,
		WithLogger(logger),
		WithEvents(rec),
		WithErrorRecorder(db),
	)
	require.NoError(t, err)
	return &harness{exec: exec, db: db, reg: reg, coord: coord, runner: runner, rec: rec}
}

func researchTask(q string) subtask.TaskDef {
	return subtask.TaskDef{Kind: subtask.KindResearch, Research: &subtask.ResearchTask{Question: q}}
}

func findings(summary string) *subtask.Findings {
	return &subtask.Findings{Kind: subtask.KindResearch, Research: &subtask.ResearchFindings{Summary: summary}}
}

func (h *harness) coordinator(t *testing.T) *store.Session {
	t.Helper()
	h.runner.On("Start", mock.Anything, mock.MatchedBy(notResume)).Return(nil)
	s, err := h.exec.Launch(context.Background(), session.StartRequest{
		ContextType: store.ContextWorkflow,
		ContextID:   "wf-1",
		AgentRole:   "planner",
	}, "plan the work")
	require.NoError(t, err)
	return s
}

func TestNewExecutor_RequiresCollaborators(t *testing.T) {
	_, err := NewExecutor(nil, nil, nil)
	assert.Error(t, err)
}

func TestLaunch_DispatchesTurn(t *testing.T) {
	h := newHarness(t)
	s := h.coordinator(t)

	turns := h.runner.turns()
	require.Len(t, turns, 1)
	assert.Equal(t, s.ID, turns[0].SessionID)
	assert.Equal(t, "wf-1", turns[0].WorkflowID)
	assert.Equal(t, "plan the work", turns[0].Input)
	assert.False(t, turns[0].Resume)
}

func TestLaunch_DispatchFailureMarksError(t *testing.T) {
	h := newHarness(t)
	h.runner.On("Start", mock.Anything, mock.Anything).Return(errors.New("no workers"))

	_, err := h.exec.Launch(context.Background(), session.StartRequest{
		ContextType: store.ContextChannel,
		ContextID:   "general",
		AgentRole:   "assistant",
	}, "hello")
	require.Error(t, err)

	errs := h.rec.OfKind(events.SessionError)
	require.Len(t, errs, 1)
	got, err := h.reg.Get(context.Background(), errs[0].SessionID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionError, got.Status)
	assert.Contains(t, got.ErrorMessage, "no workers")
}

func TestHandleOutcome_ErrorMarksSession(t *testing.T) {
	h := newHarness(t)
	s := h.coordinator(t)

	require.NoError(t, h.exec.HandleOutcome(context.Background(), Outcome{
		SessionID: s.ID,
		Status:    OutcomeError,
		Error:     "tool crashed",
	}))
	got, err := h.reg.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionError, got.Status)
	assert.Len(t, h.rec.OfKind(events.SessionError), 1)
}

func TestHandleOutcome_CompletesSession(t *testing.T) {
	h := newHarness(t)
	s := h.coordinator(t)

	require.NoError(t, h.exec.HandleOutcome(context.Background(), Outcome{SessionID: s.ID, Status: OutcomeCompleted}))
	got, err := h.reg.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionCompleted, got.Status)

	// A late duplicate outcome is harmless.
	require.NoError(t, h.exec.HandleOutcome(context.Background(), Outcome{SessionID: s.ID, Status: OutcomeCompleted}))
}

func TestHandleOutcome_UnknownSession(t *testing.T) {
	h := newHarness(t)
	err := h.exec.HandleOutcome(context.Background(), Outcome{SessionID: "nope", Status: OutcomeCompleted})
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestDelegate_ResumesParentExactlyOnce(t *testing.T) {
	h := newHarness(t)
	parent := h.coordinator(t)
	h.runner.On("Start", mock.Anything, mock.MatchedBy(isResume)).Return(nil)
	ctx := context.Background()

	subs, err := h.exec.Delegate(ctx, parent.ID, "wf-1", []subtask.TaskDef{
		researchTask("where is auth?"),
		researchTask("where is billing?"),
		researchTask("where is search?"),
	})
	require.NoError(t, err)
	require.Len(t, subs, 3)
	for _, st := range subs {
		assert.Equal(t, store.SubtaskRunning, st.Status)
		assert.NotEmpty(t, st.SessionID)
	}

	// The parent's own turn ends while subtasks are open; it stays active.
	require.NoError(t, h.exec.HandleOutcome(ctx, Outcome{SessionID: parent.ID, Status: OutcomeCompleted}))
	got, err := h.reg.Get(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionActive, got.Status)

	var wg sync.WaitGroup
	for i, st := range subs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out := Outcome{SessionID: st.SessionID, Status: OutcomeCompleted, Findings: findings("found it")}
			if i == 1 {
				out = Outcome{SessionID: st.SessionID, Status: OutcomeError, Error: "timed out"}
			}
			assert.NoError(t, h.exec.HandleOutcome(ctx, out))
		}()
	}
	wg.Wait()
	h.exec.Wait()

	var resumes []Turn
	for _, turn := range h.runner.turns() {
		if turn.Resume {
			resumes = append(resumes, turn)
		}
	}
	require.Len(t, resumes, 1)
	assert.Equal(t, parent.ID, resumes[0].SessionID)
	assert.Equal(t, "wf-1", resumes[0].WorkflowID)
	assert.Contains(t, resumes[0].Input, "All 3 delegated subtasks have finished (2 completed, 1 failed).")
	assert.Contains(t, resumes[0].Input, "timed out")
	assert.Empty(t, h.rec.OfKind(events.WorkflowError))
}

func TestHandleOutcome_ParentWaitsForScheduledResume(t *testing.T) {
	h := newHarness(t)
	h.runner.On("Start", mock.Anything, mock.MatchedBy(func(turn Turn) bool {
		return turn.ContextType == store.ContextSubtask
	})).Return(errors.New("no worker for subtasks"))
	release := make(chan struct{})
	h.runner.On("Start", mock.Anything, mock.MatchedBy(isResume)).Run(func(mock.Arguments) {
		<-release
	}).Return(nil)
	parent := h.coordinator(t)
	ctx := context.Background()

	// Every subtask fails to start, so the resume is scheduled while the
	// delegating turn is still running.
	_, err := h.exec.Delegate(ctx, parent.ID, "wf-1", []subtask.TaskDef{researchTask("q")})
	require.Error(t, err)

	require.NoError(t, h.exec.HandleOutcome(ctx, Outcome{SessionID: parent.ID, Status: OutcomeCompleted}))
	got, err := h.reg.Get(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionActive, got.Status)

	close(release)
	h.exec.Wait()
	got, err = h.reg.Get(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionActive, got.Status, "resume turn still running")

	require.NoError(t, h.exec.HandleOutcome(ctx, Outcome{SessionID: parent.ID, Status: OutcomeCompleted}))
	got, err = h.reg.Get(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionCompleted, got.Status)
	assert.Empty(t, h.rec.OfKind(events.WorkflowError))
}

func TestHandleOutcome_FailedResumeReleasesParent(t *testing.T) {
	h := newHarness(t)
	h.runner.On("Start", mock.Anything, mock.MatchedBy(isResume)).Return(errors.New("runner offline"))
	parent := h.coordinator(t)
	ctx := context.Background()

	subs, err := h.exec.Delegate(ctx, parent.ID, "wf-1", []subtask.TaskDef{researchTask("q")})
	require.NoError(t, err)
	require.NoError(t, h.exec.HandleOutcome(ctx, Outcome{SessionID: subs[0].SessionID, Status: OutcomeCompleted, Findings: findings("done")}))
	h.exec.Wait()
	require.Len(t, h.rec.OfKind(events.WorkflowError), 1)

	// The resume never ran, so the delegating turn's outcome ends the parent.
	require.NoError(t, h.exec.HandleOutcome(ctx, Outcome{SessionID: parent.ID, Status: OutcomeCompleted}))
	got, err := h.reg.Get(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionCompleted, got.Status)
}

func TestDelegate_Validation(t *testing.T) {
	h := newHarness(t)
	parent := h.coordinator(t)
	ctx := context.Background()

	_, err := h.exec.Delegate(ctx, parent.ID, "wf-1", nil)
	assert.ErrorIs(t, err, ErrNoTasks)

	_, err = h.exec.Delegate(ctx, "missing", "wf-1", []subtask.TaskDef{researchTask("q")})
	assert.ErrorIs(t, err, ErrUnknownSession)

	_, err = h.exec.Delegate(ctx, parent.ID, "wf-1", []subtask.TaskDef{researchTask("q"), {Kind: subtask.KindVerify}})
	assert.ErrorIs(t, err, subtask.ErrInvalidTaskDef)
	list, err := h.coord.List(ctx, parent.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestHandleOutcome_MissingFindingsFailsSubtask(t *testing.T) {
	h := newHarness(t)
	parent := h.coordinator(t)
	h.runner.On("Start", mock.Anything, mock.MatchedBy(isResume)).Return(nil)
	ctx := context.Background()

	subs, err := h.exec.Delegate(ctx, parent.ID, "wf-1", []subtask.TaskDef{researchTask("q")})
	require.NoError(t, err)

	require.NoError(t, h.exec.HandleOutcome(ctx, Outcome{SessionID: subs[0].SessionID, Status: OutcomeCompleted}))
	h.exec.Wait()

	st, err := h.coord.Get(ctx, subs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, store.SubtaskFailed, st.Status)
	assert.Equal(t, "subtask finished without findings", st.Error)

	sess, err := h.reg.Get(ctx, subs[0].SessionID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionError, sess.Status)
}

func TestResume_ParentGoneReportsCoordinationFailure(t *testing.T) {
	h := newHarness(t)
	parent := h.coordinator(t)
	ctx := context.Background()

	subs, err := h.exec.Delegate(ctx, parent.ID, "wf-1", []subtask.TaskDef{researchTask("q")})
	require.NoError(t, err)
	require.NoError(t, h.reg.Stop(ctx, parent.ID, store.SessionStopped))

	require.NoError(t, h.exec.HandleOutcome(ctx, Outcome{
		SessionID: subs[0].SessionID,
		Status:    OutcomeCompleted,
		Findings:  findings("done"),
	}))
	h.exec.Wait()

	errs := h.rec.OfKind(events.WorkflowError)
	require.Len(t, errs, 1)
	payload := errs[0].Payload.(ResumeErrorPayload)
	assert.Equal(t, "coordinator_resume", payload.Operation)
	assert.Equal(t, parent.ID, payload.ParentSessionID)
	assert.Equal(t, "wf-1", errs[0].WorkflowID)

	recs, err := h.db.ListErrorRecords(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "coordination_failure", recs[0].Kind)
}

func TestResume_PanicIsContained(t *testing.T) {
	h := newHarness(t)
	parent := h.coordinator(t)
	h.runner.On("Start", mock.Anything, mock.MatchedBy(isResume)).Run(func(mock.Arguments) {
		panic("runner exploded")
	})
	ctx := context.Background()

	subs, err := h.exec.Delegate(ctx, parent.ID, "wf-1", []subtask.TaskDef{researchTask("q")})
	require.NoError(t, err)
	require.NoError(t, h.exec.HandleOutcome(ctx, Outcome{
		SessionID: subs[0].SessionID,
		Status:    OutcomeCompleted,
		Findings:  findings("done"),
	}))
	h.exec.Wait()

	errs := h.rec.OfKind(events.WorkflowError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Payload.(ResumeErrorPayload).Message, "runner exploded")
}

func TestCoordinationError_Unwrap(t *testing.T) {
	err := &CoordinationError{ParentSessionID: "p", Err: session.ErrNotFound}
	assert.ErrorIs(t, err, session.ErrNotFound)
	assert.Contains(t, err.Error(), "resume coordinator session p")
}

func TestRunnerFunc(t *testing.T) {
	var got Turn
	r := RunnerFunc(func(_ context.Context, turn Turn) error {
		got = turn
		return nil
	})
	require.NoError(t, r.Start(context.Background(), Turn{SessionID: "s"}))
	assert.Equal(t, "s", got.SessionID)
}

func TestLaunch_AttachesTurnEnv(t *testing.T) {
	h := newHarness(t)
	creds := approval.NewCredentialService(approval.CredentialConfig{
		ServerURL:  "http://127.0.0.1:7420",
		Executable: "/usr/local/bin/conductord",
	}, h.rec, nil, nil)
	dir := t.TempDir()

	runner := &MockRunner{}
	runner.On("Start", mock.Anything, mock.Anything).Return(nil)
	exec, err := NewExecutor(h.reg, h.coord, runner,
		WithTurnEnv(func(_ context.Context, sess *store.Session, workflowID string) ([]string, error) {
			path, err := creds.PrepareHelper(dir, sess.ID, workflowID)
			if err != nil {
				return nil, err
			}
			return approval.HelperEnv(path), nil
		}),
	)
	require.NoError(t, err)

	_, err = exec.Launch(context.Background(), session.StartRequest{
		ContextType: store.ContextWorkflow,
		ContextID:   "wf-env",
		AgentRole:   "implementer",
	}, "build it")
	require.NoError(t, err)

	turns := runner.turns()
	require.Len(t, turns, 1)
	assert.Contains(t, turns[0].Env, "GIT_TERMINAL_PROMPT=0")

	var askpass string
	for _, kv := range turns[0].Env {
		if v, ok := strings.CutPrefix(kv, "GIT_ASKPASS="); ok {
			askpass = v
		}
	}
	require.NotEmpty(t, askpass)
	assert.Equal(t, dir, filepath.Dir(askpass))
}

func TestLaunch_TurnEnvFailureStillDispatches(t *testing.T) {
	h := newHarness(t)
	runner := &MockRunner{}
	runner.On("Start", mock.Anything, mock.Anything).Return(nil)
	exec, err := NewExecutor(h.reg, h.coord, runner,
		WithTurnEnv(func(context.Context, *store.Session, string) ([]string, error) {
			return nil, errors.New("helper dir missing")
		}),
	)
	require.NoError(t, err)

	_, err = exec.Launch(context.Background(), session.StartRequest{
		ContextType: store.ContextChannel,
		ContextID:   "general",
		AgentRole:   "assistant",
	}, "hi")
	require.NoError(t, err)
	require.Len(t, runner.turns(), 1)
	assert.Empty(t, runner.turns()[0].Env)
}
