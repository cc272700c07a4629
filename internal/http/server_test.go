package http

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/conductord/internal/approval"
	"github.com/fyrsmithlabs/conductord/internal/events"
	"github.com/fyrsmithlabs/conductord/internal/logging"
	"github.com/fyrsmithlabs/conductord/internal/orchestrator"
	"github.com/fyrsmithlabs/conductord/internal/session"
	"github.com/fyrsmithlabs/conductord/internal/store"
	"github.com/fyrsmithlabs/conductord/internal/subtask"
	"github.com/fyrsmithlabs/conductord/internal/workflow"
)

type testEnv struct {
	srv   *Server
	hub   *events.Hub
	reg   *session.Registry
	shell *approval.ShellService
	creds *approval.CredentialService

	mu    sync.Mutex
	turns []orchestrator.Turn
}

func newTestEnv(t *testing.T, cfg *Config) *testEnv {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "http.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	zl := zaptest.NewLogger(t)
	promReg := prometheus.NewRegistry()
	env := &testEnv{}

	env.hub = events.NewHub(events.WithLogger(zl), events.WithMetrics(events.NewMetrics(promReg)))
	approvalMetrics := approval.NewMetrics(promReg)
	env.shell = approval.NewShellService(env.hub, approvalMetrics, zl)
	env.creds = approval.NewCredentialService(approval.CredentialConfig{
		Timeout:   5 * time.Second,
		ServerURL: "http://127.0.0.1:7420",
	}, env.hub, approvalMetrics, zl)
	env.hub.AddReplaySource(env.shell)
	env.hub.AddReplaySource(env.creds)

	env.reg, err = session.NewRegistry(db, env.hub, session.WithLogger(zl))
	require.NoError(t, err)
	coord, err := subtask.NewCoordinator(db, env.hub, zl)
	require.NoError(t, err)

	runner := orchestrator.RunnerFunc(func(_ context.Context, turn orchestrator.Turn) error {
		env.mu.Lock()
		env.turns = append(env.turns, turn)
		env.mu.Unlock()
		return nil
	})
	exec, err := orchestrator.NewExecutor(env.reg, coord, runner,
		orchestrator.WithLogger(zl),
		orchestrator.WithEvents(env.hub),
	)
	require.NoError(t, err)

	machine, err := workflow.NewMachine(db, exec, env.hub, workflow.WithLogger(zl))
	require.NoError(t, err)

	env.srv, err = NewServer(cfg, Deps{
		Hub:         env.hub,
		Sessions:    env.reg,
		Executor:    exec,
		Subtasks:    coord,
		Workflows:   machine,
		Shell:       env.shell,
		Credentials: env.creds,
		Gatherer:    promReg,
		Logger:      logging.Wrap(zl),
	})
	require.NoError(t, err)
	return env
}

func (e *testEnv) do(method, path, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" && strings.HasPrefix(body, "{") {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	e.srv.Echo().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) lastTurn(t *testing.T) orchestrator.Turn {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	require.NotEmpty(t, e.turns)
	return e.turns[len(e.turns)-1]
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (e *testEnv) waitCredentialPrompt(t *testing.T) approval.Entry[approval.CredentialPrompt] {
	t.Helper()
	require.Eventually(t, func() bool { return len(e.creds.Pending()) == 1 }, 2*time.Second, 5*time.Millisecond)
	return e.creds.Pending()[0]
}

func (e *testEnv) waitShellApproval(t *testing.T) approval.Entry[approval.ShellRequest] {
	t.Helper()
	require.Eventually(t, func() bool { return len(e.shell.Pending()) == 1 }, 2*time.Second, 5*time.Millisecond)
	return e.shell.Pending()[0]
}

func TestNewServer_RequiresDeps(t *testing.T) {
	_, err := NewServer(nil, Deps{})
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 0, resp.Observers)
	assert.Nil(t, resp.Telemetry)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestCredentialPrompt_RawRoundTrip(t *testing.T) {
	env := newTestEnv(t, nil)
	nonce := env.creds.MintNonce("sess-1", "wf-1")

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- env.do(http.MethodPost, "/credential-prompt", "Password for 'https://git@example.com': \n", NonceHeader, nonce)
	}()

	pending := env.waitCredentialPrompt(t)
	assert.Equal(t, "Password for 'https://git@example.com':", pending.Params.Prompt)
	assert.Equal(t, "sess-1", pending.Params.SessionID)
	assert.Equal(t, "wf-1", pending.Params.WorkflowID)

	rec := env.do(http.MethodPost, "/credential-prompt/"+pending.ID+"/respond", `{"credential":"hunter2"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	got := <-done
	assert.Equal(t, http.StatusOK, got.Code)
	assert.Equal(t, "hunter2", got.Body.String())
}

func TestCredentialPrompt_JSONKeepsCancelledApart(t *testing.T) {
	tests := []struct {
		name    string
		respond string
		want    *string
	}{
		{name: "cancelled", respond: `{"credential":null}`, want: nil},
		{name: "empty", respond: `{"credential":""}`, want: ptr("")},
		{name: "value", respond: `{"credential":"tok"}`, want: ptr("tok")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			nonce := env.creds.MintNonce("sess-1", "")

			done := make(chan *httptest.ResponseRecorder, 1)
			go func() {
				done <- env.do(http.MethodPost, "/credential-prompt", `{"prompt":"Username:"}`, NonceHeader, nonce)
			}()
			pending := env.waitCredentialPrompt(t)
			require.Equal(t, http.StatusOK, env.do(http.MethodPost, "/credential-prompt/"+pending.ID+"/respond", tt.respond).Code)

			got := <-done
			require.Equal(t, http.StatusOK, got.Code)
			resp := decode[CredentialResponse](t, got)
			assert.Equal(t, tt.want, resp.Credential)
		})
	}
}

func ptr(s string) *string { return &s }

func TestCredentialPrompt_EmptyPromptGetsDefault(t *testing.T) {
	env := newTestEnv(t, nil)
	nonce := env.creds.MintNonce("sess-1", "")

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- env.do(http.MethodPost, "/credential-prompt", "", NonceHeader, nonce)
	}()
	pending := env.waitCredentialPrompt(t)
	assert.Equal(t, "Credential required", pending.Params.Prompt)

	require.True(t, env.creds.Respond(pending.ID, nil))
	got := <-done
	assert.Equal(t, http.StatusOK, got.Code)
	assert.Empty(t, got.Body.String())
}

func TestCredentialPrompt_RejectsBadNonce(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodPost, "/credential-prompt", "Password:")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(http.MethodPost, "/credential-prompt", "Password:", NonceHeader, "not-a-nonce")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, env.creds.Pending())
}

func TestCredentialPrompt_NonceIsSingleUse(t *testing.T) {
	env := newTestEnv(t, nil)
	nonce := env.creds.MintNonce("sess-1", "")

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- env.do(http.MethodPost, "/credential-prompt", "Password:", NonceHeader, nonce)
	}()
	pending := env.waitCredentialPrompt(t)
	require.True(t, env.creds.Respond(pending.ID, ptr("x")))
	<-done

	rec := env.do(http.MethodPost, "/credential-prompt", "Password:", NonceHeader, nonce)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCredentialRespond_UnknownID(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(http.MethodPost, "/credential-prompt/nope/respond", `{"credential":"x"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "credential prompt not pending", decode[ErrorResponse](t, rec).Error)
}

func TestCredentialPrompt_RateLimited(t *testing.T) {
	env := newTestEnv(t, &Config{CredentialRate: 0.001, CredentialBurst: 1})

	assert.Equal(t, http.StatusForbidden, env.do(http.MethodPost, "/credential-prompt", "x").Code)
	assert.Equal(t, http.StatusTooManyRequests, env.do(http.MethodPost, "/credential-prompt", "x").Code)
}

func TestShellApproval_ApproveAndRemember(t *testing.T) {
	env := newTestEnv(t, nil)
	body := `{"session_id":"sess-1","workflow_id":"wf-1","command":"go test ./..."}`

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() { done <- env.do(http.MethodPost, "/api/v1/shell-approval", body) }()

	pending := env.waitShellApproval(t)
	assert.Equal(t, "go test ./...", pending.Params.Command)

	list := decode[PendingApprovals](t, env.do(http.MethodGet, "/api/v1/approvals", ""))
	require.Len(t, list.Shell, 1)
	assert.Empty(t, list.Credentials)

	rec := env.do(http.MethodPost, "/shell-approval/"+pending.ID+"/approve", `{"remember":true}`)
	require.Equal(t, http.StatusOK, rec.Code)

	got := <-done
	require.Equal(t, http.StatusOK, got.Code)
	dec := decode[approval.ShellDecision](t, got)
	assert.True(t, dec.Approved)
	assert.True(t, dec.Remember)

	// The same command in the same workflow no longer waits.
	again := env.do(http.MethodPost, "/api/v1/shell-approval", body)
	require.Equal(t, http.StatusOK, again.Code)
	assert.True(t, decode[approval.ShellDecision](t, again).Approved)
	assert.Empty(t, env.shell.Pending())
}

func TestShellApproval_Deny(t *testing.T) {
	env := newTestEnv(t, nil)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- env.do(http.MethodPost, "/api/v1/shell-approval", `{"session_id":"sess-1","command":"rm -rf build"}`)
	}()
	pending := env.waitShellApproval(t)

	require.Equal(t, http.StatusOK, env.do(http.MethodPost, "/shell-approval/"+pending.ID+"/deny", `{"reason":"use make clean"}`).Code)

	dec := decode[approval.ShellDecision](t, <-done)
	assert.False(t, dec.Approved)
	assert.Equal(t, "use make clean", dec.DenyReason)
}

func TestShellApproval_Validation(t *testing.T) {
	env := newTestEnv(t, nil)

	assert.Equal(t, http.StatusNotFound, env.do(http.MethodPost, "/shell-approval/nope/approve", "").Code)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodPost, "/shell-approval/nope/deny", "").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPost, "/api/v1/shell-approval", `{"command":"ls"}`).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPost, "/api/v1/shell-approval", `{not json`).Code)
}

func TestEvents_ReplaysPendingApprovals(t *testing.T) {
	env := newTestEnv(t, &Config{Heartbeat: time.Hour})

	reqCtx, cancelReq := context.WithCancel(context.Background())
	defer cancelReq()
	go func() {
		_, _ = env.shell.RequestApproval(reqCtx, approval.ShellRequest{SessionID: "sess-1", Command: "make deploy"})
	}()
	pending := env.waitShellApproval(t)

	ts := httptest.NewServer(env.srv.Echo())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events", nil)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	sc := bufio.NewScanner(resp.Body)
	var kind, data string
	for sc.Scan() {
		line := sc.Text()
		if v, ok := strings.CutPrefix(line, "event: "); ok {
			kind = v
		}
		if v, ok := strings.CutPrefix(line, "data: "); ok {
			data = v
			break
		}
	}
	require.Equal(t, string(events.ShellApprovalNeeded), kind)

	var ev struct {
		Kind    string                        `json:"kind"`
		Payload approval.ShellApprovalPayload `json:"payload"`
	}
	require.NoError(t, json.Unmarshal([]byte(data), &ev))
	assert.Equal(t, pending.ID, ev.Payload.ID)
	assert.Equal(t, "make deploy", ev.Payload.Command)
	assert.Eventually(t, func() bool { return env.hub.Count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSessions_CreateGetStop(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodPost, "/api/v1/sessions", `{"context_type":"channel","context_id":"general","agent_role":"assistant","input":"hello"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sess := decode[store.Session](t, rec)
	assert.Equal(t, store.SessionActive, sess.Status)

	turn := env.lastTurn(t)
	assert.Equal(t, sess.ID, turn.SessionID)
	assert.Equal(t, "hello", turn.Input)

	rec = env.do(http.MethodGet, "/api/v1/sessions/"+sess.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "assistant", decode[store.Session](t, rec).AgentRole)

	require.Equal(t, http.StatusOK, env.do(http.MethodPost, "/api/v1/sessions/"+sess.ID+"/stop", "").Code)
	got, err := env.reg.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionStopped, got.Status)

	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/api/v1/sessions/missing", "").Code)
}

func TestSessions_InvalidContextType(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(http.MethodPost, "/api/v1/sessions", `{"context_type":"galaxy","context_id":"x","agent_role":"assistant"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestSessions_DelegateAndOutcome(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodPost, "/api/v1/sessions", `{"context_type":"workflow","context_id":"wf-1","agent_role":"planner","input":"plan"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	parent := decode[store.Session](t, rec)

	rec = env.do(http.MethodPost, "/api/v1/sessions/"+parent.ID+"/delegate",
		`{"workflow_id":"wf-1","tasks":[{"kind":"research","research":{"question":"Where is retry configured?"}}]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[[]subtask.Subtask](t, rec)
	require.Len(t, created, 1)
	require.NotEmpty(t, created[0].SessionID)

	child := env.lastTurn(t)
	assert.Equal(t, created[0].SessionID, child.SessionID)
	assert.Contains(t, child.Input, "Where is retry configured?")

	list := decode[[]subtask.Subtask](t, env.do(http.MethodGet, "/api/v1/sessions/"+parent.ID+"/subtasks", ""))
	require.Len(t, list, 1)

	rec = env.do(http.MethodPost, "/api/v1/sessions/"+child.SessionID+"/outcome",
		`{"status":"completed","findings":{"kind":"research","research":{"summary":"in config.yaml"}}}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	list = decode[[]subtask.Subtask](t, env.do(http.MethodGet, "/api/v1/sessions/"+parent.ID+"/subtasks", ""))
	require.Len(t, list, 1)
	assert.Equal(t, store.SubtaskCompleted, list[0].Status)

	resumed := env.lastTurn(t)
	assert.Equal(t, parent.ID, resumed.SessionID)
	assert.True(t, resumed.Resume)
	assert.Contains(t, resumed.Input, "in config.yaml")
}

func TestSessions_DelegateValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodPost, "/api/v1/sessions", `{"context_type":"workflow","context_id":"wf-1","agent_role":"planner"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	parent := decode[store.Session](t, rec)

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"no tasks", parent.ID, `{"tasks":[]}`, http.StatusUnprocessableEntity},
		{"invalid task", parent.ID, `{"tasks":[{"kind":"research"}]}`, http.StatusUnprocessableEntity},
		{"unknown parent", "missing", `{"tasks":[{"kind":"verify","verify":{"command":"make test"}}]}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(http.MethodPost, "/api/v1/sessions/"+tt.path+"/delegate", tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}

	rec = env.do(http.MethodPost, "/api/v1/sessions/"+parent.ID+"/outcome", `{"status":"finished"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWorkflows_ScopeApproval(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodPost, "/api/v1/workflows", `{"task":"Add retries to the uploader"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	wf := decode[store.Workflow](t, rec)
	assert.Equal(t, store.StageScope, wf.Stage)
	assert.Equal(t, "main", wf.BaseBranch)
	assert.Equal(t, wf.ID, env.lastTurn(t).WorkflowID)

	rec = env.do(http.MethodPost, "/api/v1/workflows/"+wf.ID+"/approve", "")
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	rec = env.do(http.MethodPost, "/api/v1/workflows/"+wf.ID+"/artifact", `{"content":"# Scope\nRetry failed uploads."}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[store.Workflow](t, rec).AwaitingApproval)

	status := decode[StatusResponse](t, env.do(http.MethodGet, "/api/v1/status", ""))
	assert.Equal(t, 1, status.Counts.WorkflowsInProgress)

	rec = env.do(http.MethodPost, "/api/v1/workflows/"+wf.ID+"/approve", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, store.StageResearch, decode[store.Workflow](t, rec).Stage)

	rec = env.do(http.MethodGet, "/api/v1/workflows/"+wf.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decode[workflow.Detail](t, rec)
	require.Len(t, detail.Artifacts, 1)
	assert.True(t, detail.Artifacts[0].Approved)

	list := decode[[]store.Workflow](t, env.do(http.MethodGet, "/api/v1/workflows?limit=10", ""))
	assert.Len(t, list, 1)
}

func TestWorkflows_Errors(t *testing.T) {
	env := newTestEnv(t, nil)

	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPost, "/api/v1/workflows", `{"task":"  "}`).Code)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/api/v1/workflows/missing", "").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/api/v1/workflows?limit=-1", "").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPost, "/api/v1/workflows/x/rewind", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPost, "/api/v1/pulses/x/baseline", `{}`).Code)
}

func TestErrorHandler_GateViolations(t *testing.T) {
	env := newTestEnv(t, nil)
	e := env.srv.Echo()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/workflows/wf/approve", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	errorHandler(logging.Nop())(&workflow.GateError{Violations: []workflow.Violation{
		{Gate: "merge-options", Description: "merge strategy is required"},
	}}, c)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	require.Len(t, resp.Violations, 1)
	assert.Equal(t, "merge-options", resp.Violations[0].Gate)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.hub.Broadcast(events.New(events.SessionStarted, "s", "", nil))

	rec := env.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "conductord_events_broadcasts_total")
	assert.Contains(t, rec.Body.String(), "conductord_events_observers")
}
