package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/conductord/internal/events"
	"github.com/fyrsmithlabs/conductord/internal/store"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	opts := &natsserver.Options{
		Host:           "127.0.0.1",
		Port:           -1,
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 2048,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

type outcomeSink struct {
	mu   sync.Mutex
	outs []Outcome
}

func (s *outcomeSink) HandleOutcome(_ context.Context, out Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outs = append(s.outs, out)
	return nil
}

func (s *outcomeSink) all() []Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Outcome(nil), s.outs...)
}

func TestNATSRunner_Subjects(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	_, err = NewNATSRunner(nil, "", nil)
	require.Error(t, err)

	r, err := NewNATSRunner(nc, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "conductord.turns.planner", r.TurnSubject("planner"))
	assert.Equal(t, "conductord.turns.subtask-research", r.TurnSubject("subtask-research"))
	assert.Equal(t, "conductord.turns.a_b_c", r.TurnSubject("a.b:c"))
	assert.Equal(t, "conductord.turns.default", r.TurnSubject(""))
	assert.Equal(t, "conductord.outcomes", r.OutcomeSubject())
}

func TestNATSRunner_StartPublishesTurn(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	r, err := NewNATSRunner(nc, "test", zaptest.NewLogger(t))
	require.NoError(t, err)

	msgs := make(chan *nats.Msg, 1)
	sub, err := nc.ChanSubscribe("test.turns.>", msgs)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, nc.Flush())

	require.NoError(t, r.Start(context.Background(), Turn{SessionID: "s1", AgentRole: "reviewer", Input: "review it"}))

	select {
	case msg := <-msgs:
		assert.Equal(t, "test.turns.reviewer", msg.Subject)
		var turn Turn
		require.NoError(t, json.Unmarshal(msg.Data, &turn))
		assert.Equal(t, "s1", turn.SessionID)
		assert.Equal(t, "review it", turn.Input)
	case <-time.After(5 * time.Second):
		t.Fatal("turn not published")
	}
}

func TestNATSRunner_ListenRoutesOutcomesAndEvents(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	r, err := NewNATSRunner(nc, "test", zaptest.NewLogger(t))
	require.NoError(t, err)

	sink := &outcomeSink{}
	rec := events.NewRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Listen(ctx, sink, rec) }()

	worker, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer worker.Close()

	out, _ := json.Marshal(Outcome{SessionID: "s1", Status: OutcomeError, Error: "boom"})
	ev, _ := json.Marshal(events.Event{Kind: "token", SessionID: "s1", Payload: "hel"})

	// Listen subscribes asynchronously; publish until the first message lands.
	require.Eventually(t, func() bool {
		_ = worker.Publish("test.outcomes", out)
		_ = worker.Publish("test.runner.events", ev)
		_ = worker.Publish("test.outcomes", []byte("not json"))
		_ = worker.Flush()
		return len(sink.all()) > 0 && len(rec.Events()) > 0
	}, 5*time.Second, 50*time.Millisecond)

	got := sink.all()[0]
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, OutcomeError, got.Status)
	assert.Equal(t, "boom", got.Error)

	first := rec.Events()[0]
	assert.Equal(t, events.Kind("runner:token"), first.Kind)
	assert.False(t, first.Timestamp.IsZero())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Listen did not return after cancel")
	}
}

// gatedSink holds every outcome except "ready" until gate is closed.
type gatedSink struct {
	outcomeSink
	gate chan struct{}
}

func (s *gatedSink) HandleOutcome(ctx context.Context, out Outcome) error {
	if out.SessionID != "ready" {
		<-s.gate
	}
	return s.outcomeSink.HandleOutcome(ctx, out)
}

func TestNATSRunner_ListenKeepsBacklogWhileHandlerIsSlow(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	r, err := NewNATSRunner(nc, "test", zaptest.NewLogger(t))
	require.NoError(t, err)

	sink := &gatedSink{gate: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Listen(ctx, sink, nil) }()

	worker, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer worker.Close()

	ready, _ := json.Marshal(Outcome{SessionID: "ready", Status: OutcomeCompleted})
	require.Eventually(t, func() bool {
		_ = worker.Publish("test.outcomes", ready)
		_ = worker.Flush()
		return len(sink.all()) > 0
	}, 5*time.Second, 50*time.Millisecond)

	const burst = 500
	for i := 0; i < burst; i++ {
		out, _ := json.Marshal(Outcome{SessionID: fmt.Sprintf("s-%d", i), Status: OutcomeCompleted})
		require.NoError(t, worker.Publish("test.outcomes", out))
	}
	require.NoError(t, worker.Flush())
	close(sink.gate)

	handled := func() []string {
		var ids []string
		for _, out := range sink.all() {
			if out.SessionID != "ready" {
				ids = append(ids, out.SessionID)
			}
		}
		return ids
	}
	require.Eventually(t, func() bool { return len(handled()) == burst }, 10*time.Second, 20*time.Millisecond)
	ids := handled()
	assert.Equal(t, "s-0", ids[0])
	assert.Equal(t, fmt.Sprintf("s-%d", burst-1), ids[burst-1])

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Listen did not return after cancel")
	}
}

type maskRedactor struct{}

func (maskRedactor) Event(ev events.Event) (events.Event, int) {
	if s, ok := ev.Payload.(string); ok && s == "hunter2" {
		ev.Payload = "[REDACTED:test]"
		return ev, 1
	}
	return ev, 0
}

func TestNATSRunner_ListenRedactsEvents(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	r, err := NewNATSRunner(nc, "test", zaptest.NewLogger(t), WithEventRedactor(maskRedactor{}))
	require.NoError(t, err)

	rec := events.NewRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Listen(ctx, &outcomeSink{}, rec) }()

	worker, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer worker.Close()

	ev, _ := json.Marshal(events.Event{Kind: "output", SessionID: "s1", Payload: "hunter2"})
	require.Eventually(t, func() bool {
		_ = worker.Publish("test.runner.events", ev)
		_ = worker.Flush()
		return len(rec.Events()) > 0
	}, 5*time.Second, 50*time.Millisecond)

	got := rec.Events()[0]
	assert.Equal(t, events.Kind("runner:output"), got.Kind)
	assert.Equal(t, "[REDACTED:test]", got.Payload)
}

func TestNATSRunner_Merge(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	r, err := NewNATSRunner(nc, "test", zaptest.NewLogger(t))
	require.NoError(t, err)

	worker, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer worker.Close()

	var mu sync.Mutex
	var got []MergeRequest
	sub, err := worker.Subscribe(r.MergeSubject(), func(msg *nats.Msg) {
		var req MergeRequest
		_ = json.Unmarshal(msg.Data, &req)
		mu.Lock()
		got = append(got, req)
		mu.Unlock()
		reply := MergeReply{}
		if req.WorkflowID == "wf-conflict" {
			reply.Error = "merge conflict in main.go"
		}
		data, _ := json.Marshal(reply)
		_ = msg.Respond(data)
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, worker.Flush())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, r.Merge(ctx, &store.Workflow{
		ID: "wf-1", BaseBranch: "main", MergeStrategy: "squash", CommitMessage: "Add retries",
	}))
	mu.Lock()
	require.Len(t, got, 1)
	assert.Equal(t, "squash", got[0].Strategy)
	assert.Equal(t, "Add retries", got[0].CommitMessage)
	mu.Unlock()

	err = r.Merge(ctx, &store.Workflow{ID: "wf-conflict", MergeStrategy: "merge", CommitMessage: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "merge conflict in main.go")
}

func TestNATSRunner_MergeWithoutWorker(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	r, err := NewNATSRunner(nc, "test", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Error(t, r.Merge(ctx, &store.Workflow{ID: "wf-1"}))
}

func TestBroadcastRunner_PublishesTurn(t *testing.T) {
	rec := events.NewRecorder()
	r := BroadcastRunner{Events: rec}

	require.NoError(t, r.Start(context.Background(), Turn{SessionID: "s1", WorkflowID: "wf-1", AgentRole: "scoper", Input: "scope it"}))

	evs := rec.OfKind(TurnKind)
	require.Len(t, evs, 1)
	assert.Equal(t, "s1", evs[0].SessionID)
	assert.Equal(t, "wf-1", evs[0].WorkflowID)
	turn, ok := evs[0].Payload.(Turn)
	require.True(t, ok)
	assert.Equal(t, "scope it", turn.Input)

	assert.Error(t, BroadcastRunner{}.Start(context.Background(), Turn{}))
}
