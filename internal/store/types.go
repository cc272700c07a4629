package store

import (
	"errors"
	"time"
)

// Errors returned by store operations.
var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record state conflict")
)

// ContextType identifies what an agent session is attached to.
type ContextType string

const (
	ContextChannel  ContextType = "channel"
	ContextWorkflow ContextType = "workflow"
	ContextRoadmap  ContextType = "roadmap"
	ContextPersona  ContextType = "persona"
	ContextSubtask  ContextType = "subtask"
)

// Valid reports whether t is a known context type.
func (t ContextType) Valid() bool {
	switch t {
	case ContextChannel, ContextWorkflow, ContextRoadmap, ContextPersona, ContextSubtask:
		return true
	}
	return false
}

// Interactive reports whether at most one active session may exist per context id.
func (t ContextType) Interactive() bool {
	return t != ContextSubtask
}

// SessionStatus is the lifecycle status of a session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionError     SessionStatus = "error"
	SessionStopped   SessionStatus = "stopped"
)

// Session is one bounded unit of agent execution tied to a context.
type Session struct {
	ID           string        `json:"id"`
	ContextType  ContextType   `json:"context_type"`
	ContextID    string        `json:"context_id"`
	AgentRole    string        `json:"agent_role"`
	Status       SessionStatus `json:"status"`
	ErrorMessage string        `json:"error_message,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	EndedAt      *time.Time    `json:"ended_at,omitempty"`
}

// Stage is a workflow stage.
type Stage string

const (
	StageScope     Stage = "scope"
	StageResearch  Stage = "research"
	StagePlan      Stage = "plan"
	StagePulseLoop Stage = "pulse_loop"
	StageReview    Stage = "review"
	StageMerge     Stage = "merge"
	StageDone      Stage = "done"
)

// Stages returns every stage in progression order.
func Stages() []Stage {
	return []Stage{StageScope, StageResearch, StagePlan, StagePulseLoop, StageReview, StageMerge, StageDone}
}

// Index returns the position of s in the progression, or -1.
func (s Stage) Index() int {
	for i, st := range Stages() {
		if st == s {
			return i
		}
	}
	return -1
}

// Workflow is a multi-stage coding task.
type Workflow struct {
	ID                  string    `json:"id"`
	Title               string    `json:"title"`
	Task                string    `json:"task"`
	Stage               Stage     `json:"stage"`
	AwaitingApproval    bool      `json:"awaiting_approval"`
	PendingArtifactType string    `json:"pending_artifact_type,omitempty"`
	CurrentSessionID    string    `json:"current_session_id,omitempty"`
	BaseBranch          string    `json:"base_branch"`
	MergeStrategy       string    `json:"merge_strategy,omitempty"`
	CommitMessage       string    `json:"commit_message,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// PulseStatus is the status of one pulse.
type PulseStatus string

const (
	PulseProposed  PulseStatus = "proposed"
	PulseRunning   PulseStatus = "running"
	PulseSucceeded PulseStatus = "succeeded"
	PulseFailed    PulseStatus = "failed"
	PulseStopped   PulseStatus = "stopped"
)

// Pulse is one code-change-and-verify iteration of a workflow.
type Pulse struct {
	ID             string      `json:"id"`
	WorkflowID     string      `json:"workflow_id"`
	Sequence       int         `json:"sequence"`
	Description    string      `json:"description"`
	Status         PulseStatus `json:"status"`
	CheckpointRef  string      `json:"checkpoint_ref,omitempty"`
	RejectionCount int         `json:"rejection_count"`
	Summary        string      `json:"summary,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Artifact is the document a stage produced for approval.
type Artifact struct {
	WorkflowID   string    `json:"workflow_id"`
	Stage        Stage     `json:"stage"`
	ArtifactType string    `json:"artifact_type"`
	Content      string    `json:"content"`
	Approved     bool      `json:"approved"`
	CreatedAt    time.Time `json:"created_at"`
}

// Baseline records the checkpoint a pulse started from.
type Baseline struct {
	ID            string    `json:"id"`
	WorkflowID    string    `json:"workflow_id"`
	PulseID       string    `json:"pulse_id"`
	CheckpointRef string    `json:"checkpoint_ref"`
	CreatedAt     time.Time `json:"created_at"`
}

// ReviewComment is a reviewer remark on the workflow's diff.
type ReviewComment struct {
	ID         string    `json:"id"`
	WorkflowID string    `json:"workflow_id"`
	Path       string    `json:"path"`
	Line       int       `json:"line"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"created_at"`
}

// SubtaskStatus is the status of a delegated subtask.
type SubtaskStatus string

const (
	SubtaskPending   SubtaskStatus = "pending"
	SubtaskRunning   SubtaskStatus = "running"
	SubtaskCompleted SubtaskStatus = "completed"
	SubtaskFailed    SubtaskStatus = "failed"
)

// Terminal reports whether the status can no longer change.
func (s SubtaskStatus) Terminal() bool {
	return s == SubtaskCompleted || s == SubtaskFailed
}

// Subtask is delegated work spawned by a coordinating session. TaskDef and
// Findings hold encoded payloads; the subtask package owns their schema.
type Subtask struct {
	ID              string        `json:"id"`
	ParentSessionID string        `json:"parent_session_id"`
	WorkflowID      string        `json:"workflow_id,omitempty"`
	SessionID       string        `json:"session_id,omitempty"`
	TaskDef         []byte        `json:"task_def"`
	Findings        []byte        `json:"findings,omitempty"`
	ErrorMessage    string        `json:"error_message,omitempty"`
	Status          SubtaskStatus `json:"status"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// ErrorRecord is a persisted analytics record for a background failure.
type ErrorRecord struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	WorkflowID string    `json:"workflow_id,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"created_at"`
}
