package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductord/internal/events"
	"github.com/fyrsmithlabs/conductord/internal/store"
)

// DefaultRunnerPrefix is the subject prefix of the NATS runner.
const DefaultRunnerPrefix = "conductord"

// DefaultMergeTimeout bounds a merge request without its own deadline.
const DefaultMergeTimeout = 2 * time.Minute

// NATSRunner dispatches turns to agent workers over NATS.
//
// Subjects, for prefix P:
//
//	P.turns.<role>   turns published by Start, one JSON Turn per message
//	P.outcomes       JSON Outcome messages from workers
//	P.runner.events  JSON events from workers, forwarded as runner:* kinds
//	P.merge          merge requests, answered with a MergeReply
type NATSRunner struct {
	nc       *nats.Conn
	prefix   string
	logger   *zap.Logger
	redactor EventRedactor
}

// EventRedactor scrubs secrets from runner events before they are
// broadcast.
type EventRedactor interface {
	Event(ev events.Event) (events.Event, int)
}

// NATSOption configures a NATSRunner.
type NATSOption func(*NATSRunner)

// WithEventRedactor scrubs every runner event received by Listen.
func WithEventRedactor(r EventRedactor) NATSOption {
	return func(n *NATSRunner) {
		n.redactor = r
	}
}

// NewNATSRunner creates a runner on an established connection.
func NewNATSRunner(nc *nats.Conn, prefix string, logger *zap.Logger, opts ...NATSOption) (*NATSRunner, error) {
	if nc == nil {
		return nil, errors.New("nats connection is required")
	}
	if prefix == "" {
		prefix = DefaultRunnerPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &NATSRunner{nc: nc, prefix: prefix, logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// TurnSubject returns the subject turns for role are published on.
func (r *NATSRunner) TurnSubject(role string) string {
	role = strings.Map(func(c rune) rune {
		switch c {
		case '.', '*', '>', ' ', ':':
			return '_'
		}
		return c
	}, role)
	if role == "" {
		role = "default"
	}
	return r.prefix + ".turns." + role
}

// OutcomeSubject returns the subject workers report outcomes on.
func (r *NATSRunner) OutcomeSubject() string {
	return r.prefix + ".outcomes"
}

// EventSubject returns the subject workers stream runner events on.
func (r *NATSRunner) EventSubject() string {
	return r.prefix + ".runner.events"
}

// MergeSubject returns the subject merge requests are sent on.
func (r *NATSRunner) MergeSubject() string {
	return r.prefix + ".merge"
}

// MergeRequest asks a worker to merge a workflow branch.
type MergeRequest struct {
	WorkflowID    string `json:"workflow_id"`
	BaseBranch    string `json:"base_branch"`
	Strategy      string `json:"merge_strategy"`
	CommitMessage string `json:"commit_message"`
}

// MergeReply is a worker's answer to a MergeRequest. A non-empty Error
// means the merge failed.
type MergeReply struct {
	Error string `json:"error,omitempty"`
}

// Merge sends a merge request and waits for the reply. Without a
// deadline on ctx it waits at most DefaultMergeTimeout.
func (r *NATSRunner) Merge(ctx context.Context, wf *store.Workflow) error {
	data, err := json.Marshal(MergeRequest{
		WorkflowID:    wf.ID,
		BaseBranch:    wf.BaseBranch,
		Strategy:      wf.MergeStrategy,
		CommitMessage: wf.CommitMessage,
	})
	if err != nil {
		return fmt.Errorf("marshal merge request: %w", err)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultMergeTimeout)
		defer cancel()
	}
	msg, err := r.nc.RequestWithContext(ctx, r.MergeSubject(), data)
	if err != nil {
		return fmt.Errorf("merge request: %w", err)
	}
	var reply MergeReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return fmt.Errorf("decode merge reply: %w", err)
	}
	if reply.Error != "" {
		return fmt.Errorf("merge failed: %s", reply.Error)
	}
	r.logger.Info("workflow merged", zap.String("workflow_id", wf.ID), zap.String("strategy", wf.MergeStrategy))
	return nil
}

// Start implements Runner. It returns once the turn is handed to NATS.
func (r *NATSRunner) Start(_ context.Context, turn Turn) error {
	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}
	if err := r.nc.Publish(r.TurnSubject(turn.AgentRole), data); err != nil {
		return fmt.Errorf("publish turn: %w", err)
	}
	return nil
}

// Pending limits of the outcome subscription. Outcomes are handled one at
// a time and a dropped outcome strands its session, so the backlog is
// allowed to grow well past the client defaults.
const (
	outcomePendingMsgs  = 64 * 1024
	outcomePendingBytes = 256 << 20
)

// Listen consumes outcomes and runner events until ctx is done. Outcomes
// go to h; runner events are broadcast on bc with the runner: prefix.
// Each subject is delivered in order on its own goroutine, and no handler
// runs once Listen has returned.
func (r *NATSRunner) Listen(ctx context.Context, h OutcomeHandler, bc events.Broadcaster) error {
	if h == nil {
		return errors.New("outcome handler is required")
	}
	if bc == nil {
		bc = events.Discard
	}

	var outGate, evGate listenGate
	outSub, err := r.nc.Subscribe(r.OutcomeSubject(), func(msg *nats.Msg) {
		outGate.run(func() { r.handleOutcomeMsg(ctx, h, msg) })
	})
	if err != nil {
		return fmt.Errorf("subscribe outcomes: %w", err)
	}
	defer r.closeSub(outSub, &outGate)
	if err := outSub.SetPendingLimits(outcomePendingMsgs, outcomePendingBytes); err != nil {
		return fmt.Errorf("set outcome pending limits: %w", err)
	}

	evSub, err := r.nc.Subscribe(r.EventSubject(), func(msg *nats.Msg) {
		evGate.run(func() { r.handleEventMsg(bc, msg) })
	})
	if err != nil {
		return fmt.Errorf("subscribe runner events: %w", err)
	}
	defer r.closeSub(evSub, &evGate)

	if err := r.nc.Flush(); err != nil {
		return fmt.Errorf("flush subscriptions: %w", err)
	}

	<-ctx.Done()
	return nil
}

func (r *NATSRunner) handleOutcomeMsg(ctx context.Context, h OutcomeHandler, msg *nats.Msg) {
	var out Outcome
	if err := json.Unmarshal(msg.Data, &out); err != nil {
		r.logger.Warn("dropping malformed outcome", zap.Error(err))
		return
	}
	if err := h.HandleOutcome(ctx, out); err != nil {
		r.logger.Error("failed to handle outcome",
			zap.String("session_id", out.SessionID),
			zap.Error(err))
	}
}

func (r *NATSRunner) handleEventMsg(bc events.Broadcaster, msg *nats.Msg) {
	var ev events.Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		r.logger.Warn("dropping malformed runner event", zap.Error(err))
		return
	}
	if !strings.HasPrefix(string(ev.Kind), events.RunnerPrefix) {
		ev.Kind = events.RunnerPrefix + ev.Kind
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if r.redactor != nil {
		var n int
		if ev, n = r.redactor.Event(ev); n > 0 {
			r.logger.Warn("redacted secrets from runner event",
				zap.String("kind", string(ev.Kind)),
				zap.String("session_id", ev.SessionID),
				zap.Int("count", n))
		}
	}
	bc.Broadcast(ev)
}

// closeSub unsubscribes, waits out a running handler and reports any
// messages the client dropped as a slow consumer.
func (r *NATSRunner) closeSub(sub *nats.Subscription, g *listenGate) {
	if dropped, err := sub.Dropped(); err == nil && dropped > 0 {
		r.logger.Warn("subscription dropped messages",
			zap.String("subject", sub.Subject),
			zap.Int("dropped", dropped))
	}
	_ = sub.Unsubscribe()
	g.close()
}

// listenGate stops a subscription callback from running after its
// listener has returned.
type listenGate struct {
	mu     sync.Mutex
	closed bool
}

func (g *listenGate) run(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.closed {
		fn()
	}
}

func (g *listenGate) close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}
