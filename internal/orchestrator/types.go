package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/conductord/internal/events"
	"github.com/fyrsmithlabs/conductord/internal/store"
	"github.com/fyrsmithlabs/conductord/internal/subtask"
)

// Errors for orchestration.
var (
	ErrUnknownSession = errors.New("unknown session")
	ErrNoTasks        = errors.New("no tasks to delegate")
)

// Turn is one unit of agent work dispatched to a Runner.
type Turn struct {
	SessionID   string            `json:"session_id"`
	ContextType store.ContextType `json:"context_type"`
	ContextID   string            `json:"context_id"`
	WorkflowID  string            `json:"workflow_id,omitempty"`
	AgentRole   string            `json:"agent_role"`
	Input       string            `json:"input"`
	// Resume marks a turn that continues a coordinating session with the
	// merged results of its subtasks.
	Resume bool `json:"resume,omitempty"`
	// Env is extra environment for the agent's subprocesses.
	Env []string `json:"env,omitempty"`
}

// OutcomeStatus is how an agent turn ended.
type OutcomeStatus string

const (
	OutcomeCompleted OutcomeStatus = "completed"
	OutcomeError     OutcomeStatus = "error"
)

// Outcome reports the end of a turn.
type Outcome struct {
	SessionID string        `json:"session_id"`
	Status    OutcomeStatus `json:"status"`
	Error     string        `json:"error,omitempty"`
	// Findings carries the result of a subtask session.
	Findings *subtask.Findings `json:"findings,omitempty"`
}

// Runner executes agent turns. Start must return once the turn is
// accepted; the outcome is reported later through HandleOutcome.
type Runner interface {
	Start(ctx context.Context, turn Turn) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, turn Turn) error

// Start implements Runner.
func (f RunnerFunc) Start(ctx context.Context, turn Turn) error {
	return f(ctx, turn)
}

// TurnKind is the event kind BroadcastRunner publishes turns under.
const TurnKind = events.RunnerPrefix + "turn"

// BroadcastRunner hands turns to workers listening on the event stream.
// Workers report back through the HTTP outcome endpoint.
type BroadcastRunner struct {
	Events events.Broadcaster
}

// Start implements Runner.
func (r BroadcastRunner) Start(_ context.Context, turn Turn) error {
	if r.Events == nil {
		return errors.New("no event broadcaster for turns")
	}
	r.Events.Broadcast(events.New(TurnKind, turn.SessionID, turn.WorkflowID, turn))
	return nil
}

// OutcomeHandler accepts turn outcomes. *Executor implements it.
type OutcomeHandler interface {
	HandleOutcome(ctx context.Context, out Outcome) error
}

// CoordinationError reports a failed coordinator resume.
type CoordinationError struct {
	ParentSessionID string
	WorkflowID      string
	Err             error
}

func (e *CoordinationError) Error() string {
	return fmt.Sprintf("resume coordinator session %s: %v", e.ParentSessionID, e.Err)
}

func (e *CoordinationError) Unwrap() error {
	return e.Err
}
