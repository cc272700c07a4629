// Package events fans state-change events out to connected observers.
//
// The Hub keeps one buffered channel per observer. Delivery is
// fire-and-forget and at-most-once per connection: an observer whose
// buffer is full misses the event. New connections first receive one
// synthesized "needed" event for every decision that is still pending,
// so a client that connects late can still render and resolve it.
package events

import (
	"strings"
	"time"
)

// Kind names an event type. Kinds are written as "<domain>:<action>".
type Kind string

const (
	SessionStarted   Kind = "session:started"
	SessionCompleted Kind = "session:completed"
	SessionStopped   Kind = "session:stopped"
	SessionError     Kind = "session:error"

	SubtaskUpdated Kind = "subtask:updated"

	ShellApprovalNeeded   Kind = "shell:approval_needed"
	ShellApprovalResolved Kind = "shell:approval_resolved"

	CredentialPromptNeeded   Kind = "credential:prompt_needed"
	CredentialPromptResolved Kind = "credential:prompt_resolved"

	WorkflowStageChanged     Kind = "workflow:stage_changed"
	WorkflowAwaitingApproval Kind = "workflow:awaiting_approval"
	WorkflowPulseUpdated     Kind = "workflow:pulse_updated"
	WorkflowRewound          Kind = "workflow:rewound"
	WorkflowCompleted        Kind = "workflow:completed"
	WorkflowError            Kind = "workflow:error"
)

// RunnerPrefix marks events that originate from an agent runner.
const RunnerPrefix = "runner:"

// Domain returns the part of the kind before the colon.
func (k Kind) Domain() string {
	d, _, _ := strings.Cut(string(k), ":")
	return d
}

// Event is a single state change pushed to observers.
type Event struct {
	Kind       Kind      `json:"kind"`
	SessionID  string    `json:"session_id,omitempty"`
	WorkflowID string    `json:"workflow_id,omitempty"`
	Payload    any       `json:"payload,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// New builds an event stamped with the current time.
func New(kind Kind, sessionID, workflowID string, payload any) Event {
	return Event{
		Kind:       kind,
		SessionID:  sessionID,
		WorkflowID: workflowID,
		Payload:    payload,
		Timestamp:  time.Now().UTC(),
	}
}

// Broadcaster is implemented by anything that accepts events for fan-out.
type Broadcaster interface {
	Broadcast(Event)
}

// Discard is a Broadcaster that drops every event.
var Discard Broadcaster = discard{}

type discard struct{}

func (discard) Broadcast(Event) {}
