package approval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/conductord/internal/events"
	"github.com/fyrsmithlabs/conductord/internal/logging"
)

func requestAsync(s *ShellService, req ShellRequest) <-chan ShellDecision {
	out := make(chan ShellDecision, 1)
	go func() {
		d, _ := s.RequestApproval(context.Background(), req)
		out <- d
	}()
	return out
}

func awaitDecision(t *testing.T, ch <-chan ShellDecision) ShellDecision {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("caller was not released")
		return ShellDecision{}
	}
}

func TestShell_ApproveReleasesCaller(t *testing.T) {
	rec := events.NewRecorder()
	s := NewShellService(rec, nil, zaptest.NewLogger(t))

	ch := requestAsync(s, ShellRequest{SessionID: "s1", WorkflowID: "w1", Command: "go test ./..."})
	waitPending(t, func() int { return len(s.Pending()) }, 1)

	id := s.Pending()[0].ID
	require.True(t, s.Approve(id, false))
	assert.False(t, s.Deny(id, "too late"))

	d := awaitDecision(t, ch)
	assert.True(t, d.Approved)
	assert.False(t, s.IsRemembered("w1", "go test ./..."))
	assert.Equal(t, []events.Kind{events.ShellApprovalNeeded, events.ShellApprovalResolved}, rec.Kinds())
}

func TestShell_CommandNotLogged(t *testing.T) {
	tl := logging.NewTestLogger()
	s := NewShellService(nil, nil, tl.Underlying())
	const cmd = "psql postgres://admin:hunter2@db/prod"

	ch := requestAsync(s, ShellRequest{SessionID: "s1", WorkflowID: "w1", Command: cmd})
	waitPending(t, func() int { return len(s.Pending()) }, 1)
	require.True(t, s.Approve(s.Pending()[0].ID, true))
	awaitDecision(t, ch)

	_, err := s.RequestApproval(context.Background(), ShellRequest{SessionID: "s1", WorkflowID: "w1", Command: cmd})
	require.NoError(t, err)

	tl.AssertField(t, "shell approval needed", "command", "[REDACTED:37]")
	tl.AssertField(t, "shell command auto-approved", "command", "[REDACTED:37]")
	for _, e := range tl.All() {
		if v, ok := e.ContextMap()["command"]; ok {
			assert.NotContains(t, v, "hunter2")
		}
	}
}

func TestShell_DenyDefaultsReason(t *testing.T) {
	s := NewShellService(nil, nil, nil)
	ch := requestAsync(s, ShellRequest{SessionID: "s1", Command: "rm -rf build"})
	waitPending(t, func() int { return len(s.Pending()) }, 1)

	require.True(t, s.Deny(s.Pending()[0].ID, ""))
	d := awaitDecision(t, ch)
	assert.False(t, d.Approved)
	assert.Equal(t, "Denied by user", d.DenyReason)
}

func TestShell_RememberIsScopedToWorkflow(t *testing.T) {
	rec := events.NewRecorder()
	s := NewShellService(rec, nil, nil)
	const cmd = "make lint"

	ch := requestAsync(s, ShellRequest{SessionID: "s1", WorkflowID: "W", Command: cmd})
	waitPending(t, func() int { return len(s.Pending()) }, 1)
	require.True(t, s.Approve(s.Pending()[0].ID, true))
	assert.True(t, awaitDecision(t, ch).Approved)

	// Same command in W: approved without a pending entry.
	d, err := s.RequestApproval(context.Background(), ShellRequest{SessionID: "s2", WorkflowID: "W", Command: cmd})
	require.NoError(t, err)
	assert.True(t, d.Approved)
	assert.Len(t, rec.OfKind(events.ShellApprovalNeeded), 1)

	// Same command in W2: needs approval.
	ch2 := requestAsync(s, ShellRequest{SessionID: "s3", WorkflowID: "W2", Command: cmd})
	waitPending(t, func() int { return len(s.Pending()) }, 1)
	assert.Len(t, rec.OfKind(events.ShellApprovalNeeded), 2)
	s.Deny(s.Pending()[0].ID, "no")
	awaitDecision(t, ch2)

	s.CleanupWorkflow("W")
	assert.False(t, s.IsRemembered("W", cmd))
}

func TestShell_RememberedBeforeRelease(t *testing.T) {
	s := NewShellService(nil, nil, nil)
	const cmd = "npm ci"

	ch := make(chan bool, 1)
	go func() {
		d, _ := s.RequestApproval(context.Background(), ShellRequest{SessionID: "s", WorkflowID: "W", Command: cmd})
		// By the time the caller wakes up the command must be remembered.
		ch <- d.Approved && s.IsRemembered("W", cmd)
	}()
	waitPending(t, func() int { return len(s.Pending()) }, 1)
	s.Approve(s.Pending()[0].ID, true)

	select {
	case ok := <-ch:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("caller was not released")
	}
}

func TestShell_CleanupSessionDeniesPending(t *testing.T) {
	rec := events.NewRecorder()
	s := NewShellService(rec, nil, nil)

	ended := requestAsync(s, ShellRequest{SessionID: "ended", WorkflowID: "W", Command: "git push"})
	alive := requestAsync(s, ShellRequest{SessionID: "alive", WorkflowID: "W", Command: "git status"})
	waitPending(t, func() int { return len(s.Pending()) }, 2)

	assert.Equal(t, 1, s.CleanupSession("ended"))

	d := awaitDecision(t, ended)
	assert.Equal(t, ShellDecision{Approved: false, Remember: false, DenyReason: SessionEndedReason}, d)

	require.Len(t, s.Pending(), 1)
	assert.Equal(t, "alive", s.Pending()[0].Params.SessionID)
	s.Reset()
	assert.False(t, awaitDecision(t, alive).Approved)
}

type sessionSet struct {
	mu     sync.Mutex
	active map[string]bool
	err    error
}

func (s *sessionSet) IsActive(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[id], s.err
}

func TestShell_EndedSessionDeniedAtOnce(t *testing.T) {
	rec := events.NewRecorder()
	sessions := &sessionSet{active: map[string]bool{"live": true}}
	s := NewShellService(rec, nil, zaptest.NewLogger(t), WithSessionChecker(sessions))

	d, err := s.RequestApproval(context.Background(), ShellRequest{SessionID: "gone", WorkflowID: "W", Command: "ls"})
	require.NoError(t, err)
	assert.Equal(t, ShellDecision{DenyReason: SessionEndedReason}, d)
	assert.Empty(t, s.Pending())
	assert.Equal(t, []events.Kind{events.ShellApprovalNeeded, events.ShellApprovalResolved}, rec.Kinds())

	ch := requestAsync(s, ShellRequest{SessionID: "live", WorkflowID: "W", Command: "ls"})
	waitPending(t, func() int { return len(s.Pending()) }, 1)
	require.True(t, s.Approve(s.Pending()[0].ID, false))
	assert.True(t, awaitDecision(t, ch).Approved)
}

func TestShell_SessionCheckFailureKeepsRequestPending(t *testing.T) {
	sessions := &sessionSet{err: errors.New("database is locked")}
	s := NewShellService(nil, nil, zaptest.NewLogger(t), WithSessionChecker(sessions))

	ch := requestAsync(s, ShellRequest{SessionID: "s1", Command: "make"})
	waitPending(t, func() int { return len(s.Pending()) }, 1)
	assert.Equal(t, 1, s.CleanupSession("s1"))
	assert.Equal(t, SessionEndedReason, awaitDecision(t, ch).DenyReason)
}

func TestShell_PendingEventsForReplay(t *testing.T) {
	s := NewShellService(nil, nil, nil)
	hub := events.NewHub()
	hub.AddReplaySource(s)

	requestAsync(s, ShellRequest{SessionID: "s1", WorkflowID: "W", Command: "ls"})
	waitPending(t, func() int { return len(s.Pending()) }, 1)

	c := hub.Connect()
	defer hub.Disconnect(c)

	select {
	case ev := <-c.Events():
		assert.Equal(t, events.ShellApprovalNeeded, ev.Kind)
		payload, ok := ev.Payload.(ShellApprovalPayload)
		require.True(t, ok)
		assert.Equal(t, "ls", payload.Command)
		assert.Equal(t, s.Pending()[0].ID, payload.ID)
	case <-time.After(time.Second):
		t.Fatal("no replayed event")
	}
	s.Reset()
}

func TestShell_RequestValidation(t *testing.T) {
	s := NewShellService(nil, nil, nil)
	_, err := s.RequestApproval(context.Background(), ShellRequest{Command: "ls"})
	assert.Error(t, err)
	_, err = s.RequestApproval(context.Background(), ShellRequest{SessionID: "s"})
	assert.Error(t, err)
}
