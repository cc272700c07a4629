package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/conductord/internal/approval"
	"github.com/fyrsmithlabs/conductord/internal/config"
	httpapi "github.com/fyrsmithlabs/conductord/internal/http"
	"github.com/fyrsmithlabs/conductord/internal/logging"
	"github.com/fyrsmithlabs/conductord/internal/orchestrator"
	"github.com/fyrsmithlabs/conductord/internal/session"
	"github.com/fyrsmithlabs/conductord/internal/store"
	"github.com/fyrsmithlabs/conductord/internal/workflow"
)

type recordedRequest struct {
	Path   string
	Header http.Header
	Body   string
}

// stubServer records requests and answers with the handler's reply.
type stubServer struct {
	*httptest.Server
	mu   sync.Mutex
	reqs []recordedRequest
}

func newStubServer(t *testing.T, reply func(w http.ResponseWriter, r *http.Request)) *stubServer {
	t.Helper()
	s := &stubServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.reqs = append(s.reqs, recordedRequest{Path: r.URL.Path, Header: r.Header.Clone(), Body: string(body)})
		s.mu.Unlock()
		reply(w, r)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *stubServer) last(t *testing.T) recordedRequest {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.reqs)
	return s.reqs[len(s.reqs)-1]
}

func ok(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Version:    dev")
	assert.Contains(t, out, "Commit:")
}

func TestApproveCmd(t *testing.T) {
	srv := newStubServer(t, ok)

	out, err := execute(t, "", "--server", srv.URL, "approve", "ap-1", "--remember")
	require.NoError(t, err)
	assert.Equal(t, "Approved ap-1\n", out)

	req := srv.last(t)
	assert.Equal(t, "/shell-approval/ap-1/approve", req.Path)
	assert.JSONEq(t, `{"remember":true}`, req.Body)
}

func TestDenyCmd(t *testing.T) {
	srv := newStubServer(t, ok)

	_, err := execute(t, "", "--server", srv.URL, "deny", "ap-2", "--reason", "too broad")
	require.NoError(t, err)

	req := srv.last(t)
	assert.Equal(t, "/shell-approval/ap-2/deny", req.Path)
	assert.JSONEq(t, `{"reason":"too broad"}`, req.Body)
}

func TestDenyCmd_ReportsServerError(t *testing.T) {
	srv := newStubServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"shell approval not pending"}`))
	})

	_, err := execute(t, "", "--server", srv.URL, "deny", "gone")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "shell approval not pending")
}

func TestRespondCmd(t *testing.T) {
	tests := []struct {
		name  string
		stdin string
		args  []string
		want  string
	}{
		{name: "argument", args: []string{"p-1", "hunter2"}, want: `{"credential":"hunter2"}`},
		{name: "stdin", stdin: "from-stdin\nignored\n", args: []string{"p-1"}, want: `{"credential":"from-stdin"}`},
		{name: "cancel", args: []string{"p-1", "--cancel"}, want: `{"credential":null}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newStubServer(t, ok)
			args := append([]string{"--server", srv.URL, "respond"}, tt.args...)
			_, err := execute(t, tt.stdin, args...)
			require.NoError(t, err)

			req := srv.last(t)
			assert.Equal(t, "/credential-prompt/p-1/respond", req.Path)
			assert.JSONEq(t, tt.want, req.Body)
		})
	}
}

func credentialReply(body string) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}
}

func TestAskpassCmd(t *testing.T) {
	srv := newStubServer(t, credentialReply(`{"credential":"s3cret"}`))

	out, err := execute(t, "", "askpass", "--url", srv.URL, "--nonce", "abc", "Password", "for", "'https://example.com':")
	require.NoError(t, err)
	assert.Equal(t, "s3cret\n", out)

	req := srv.last(t)
	assert.Equal(t, "/credential-prompt", req.Path)
	assert.Equal(t, "abc", req.Header.Get(httpapi.NonceHeader))
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
	assert.JSONEq(t, `{"prompt":"Password for 'https://example.com':"}`, req.Body)
}

func TestAskpassCmd_EmptyCredential(t *testing.T) {
	srv := newStubServer(t, credentialReply(`{"credential":""}`))

	out, err := execute(t, "", "askpass", "--url", srv.URL, "--nonce", "abc", "Passphrase:")
	require.NoError(t, err)
	assert.Equal(t, "\n", out)
}

func TestAskpassCmd_Failures(t *testing.T) {
	cancelled := newStubServer(t, credentialReply(`{"credential":null}`))
	_, err := execute(t, "", "askpass", "--url", cancelled.URL, "--nonce", "abc", "Password:")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cancelled")

	garbled := newStubServer(t, ok)
	_, err = execute(t, "", "askpass", "--url", garbled.URL, "--nonce", "abc", "Password:")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode")

	forbidden := newStubServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	_, err = execute(t, "", "askpass", "--url", forbidden.URL, "--nonce", "used", "Password:")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")

	_, err = execute(t, "", "askpass", "--url", forbidden.URL, "Password:")
	require.Error(t, err)
}

func TestNATSErrorHandler_LogsSlowConsumer(t *testing.T) {
	tl := logging.NewTestLogger()
	handle := natsErrorHandler(tl.Underlying())

	handle(nil, nil, nats.ErrSlowConsumer)
	tl.AssertLogged(t, zapcore.WarnLevel, "NATS slow consumer")

	handle(nil, nil, nats.ErrMaxPayload)
	tl.AssertLogged(t, zapcore.ErrorLevel, "NATS async error")
}

func TestNewApp_WiresNATSRunner(t *testing.T) {
	cfg := config.Default()
	dir := t.TempDir()
	cfg.Store.Path = filepath.Join(dir, "conductord.db")
	cfg.Approval.HelperDir = filepath.Join(dir, "helpers")
	cfg.NATS.Enabled = true
	cfg.NATS.Embedded = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg)
	require.NoError(t, err)
	defer a.close()
	require.NotNil(t, a.runner)

	turns := make(chan *nats.Msg, 4)
	sub, err := a.nats.ChanSubscribe("conductord.turns.>", turns)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, a.nats.Flush())

	wf, err := a.machine.Create(ctx, workflow.CreateRequest{Task: "Add retries to the uploader"})
	require.NoError(t, err)

	select {
	case msg := <-turns:
		var turn orchestrator.Turn
		require.NoError(t, json.Unmarshal(msg.Data, &turn))
		assert.Equal(t, wf.ID, turn.WorkflowID)
		assert.Equal(t, "conductord.turns."+turn.AgentRole, msg.Subject)

		var askpass string
		for _, kv := range turn.Env {
			if v, found := strings.CutPrefix(kv, "GIT_ASKPASS="); found {
				askpass = v
			}
		}
		require.NotEmpty(t, askpass, "turn carries an askpass helper")
		assert.Equal(t, cfg.Approval.HelperDir, filepath.Dir(askpass))
	case <-time.After(5 * time.Second):
		t.Fatal("turn not published")
	}
}

func TestNewApp_WithoutNATSBroadcastsTurns(t *testing.T) {
	cfg := config.Default()
	dir := t.TempDir()
	cfg.Store.Path = filepath.Join(dir, "conductord.db")
	cfg.Approval.HelperDir = filepath.Join(dir, "helpers")

	a, err := newApp(context.Background(), cfg)
	require.NoError(t, err)
	defer a.close()
	assert.Nil(t, a.runner)
	assert.Nil(t, a.nats)

	conn := a.hub.Connect()
	defer a.hub.Disconnect(conn)

	_, err = a.machine.Create(context.Background(), workflow.CreateRequest{Task: "Document the API"})
	require.NoError(t, err)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-conn.Events():
			if ev.Kind == orchestrator.TurnKind {
				return
			}
		case <-deadline:
			t.Fatal("turn not broadcast")
		}
	}
}

func TestNewApp_ShellRequestAfterSessionEnds(t *testing.T) {
	cfg := config.Default()
	dir := t.TempDir()
	cfg.Store.Path = filepath.Join(dir, "conductord.db")
	cfg.Approval.HelperDir = filepath.Join(dir, "helpers")

	ctx := context.Background()
	a, err := newApp(ctx, cfg)
	require.NoError(t, err)
	defer a.close()

	sess, err := a.sessions.Start(ctx, session.StartRequest{ContextType: store.ContextChannel, ContextID: "general"})
	require.NoError(t, err)
	require.NoError(t, a.sessions.Stop(ctx, sess.ID, store.SessionStopped))

	done := make(chan approval.ShellDecision, 1)
	go func() {
		d, _ := a.shell.RequestApproval(ctx, approval.ShellRequest{SessionID: sess.ID, Command: "ls"})
		done <- d
	}()

	select {
	case d := <-done:
		assert.False(t, d.Approved)
		assert.Equal(t, approval.SessionEndedReason, d.DenyReason)
	case <-time.After(5 * time.Second):
		t.Fatal("shell request for an ended session blocked")
	}
	assert.Empty(t, a.shell.Pending())
}
