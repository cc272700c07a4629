package approval

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductord/internal/events"
	"github.com/fyrsmithlabs/conductord/internal/logging"
)

// SessionEndedReason is the deny reason used when the owning session ends
// before a decision is made.
const SessionEndedReason = "Session ended"

// ShellRequest describes a command an agent wants to run.
type ShellRequest struct {
	SessionID  string `json:"session_id"`
	WorkflowID string `json:"workflow_id,omitempty"`
	Command    string `json:"command"`
	Cwd        string `json:"cwd,omitempty"`
}

// ShellDecision is the outcome of a shell approval.
type ShellDecision struct {
	Approved   bool   `json:"approved"`
	Remember   bool   `json:"remember"`
	DenyReason string `json:"deny_reason,omitempty"`
}

// SessionChecker reports whether a session is still active.
type SessionChecker interface {
	IsActive(ctx context.Context, sessionID string) (bool, error)
}

// ShellOption configures a ShellService.
type ShellOption func(*ShellService)

// WithSessionChecker denies requests whose session is no longer active.
func WithSessionChecker(c SessionChecker) ShellOption {
	return func(s *ShellService) {
		s.sessions = c
	}
}

// ShellService gates shell commands on human approval and remembers
// commands approved with remember=true per workflow.
type ShellService struct {
	broker   *Broker[ShellRequest, ShellDecision]
	events   events.Broadcaster
	logger   *zap.Logger
	sessions SessionChecker

	mu         sync.RWMutex
	remembered map[string]map[string]struct{}
}

// NewShellService creates a shell approval service.
func NewShellService(bc events.Broadcaster, metrics *Metrics, logger *zap.Logger, opts ...ShellOption) *ShellService {
	if bc == nil {
		bc = events.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &ShellService{
		events:     bc,
		logger:     logger,
		remembered: make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.broker = NewBroker("shell", Hooks[ShellRequest, ShellDecision]{
		OnNeeded:   s.onNeeded,
		OnResolved: s.onResolved,
	}, metrics)
	return s
}

// RequestApproval blocks until the command is approved or denied. A
// command remembered for the workflow is approved without a pending
// entry. If ctx ends first the request is denied, and a request from a
// session that is no longer active is denied at once.
func (s *ShellService) RequestApproval(ctx context.Context, req ShellRequest) (ShellDecision, error) {
	if req.SessionID == "" {
		return ShellDecision{}, errors.New("session id is required")
	}
	if req.Command == "" {
		return ShellDecision{}, errors.New("command is required")
	}
	if s.IsRemembered(req.WorkflowID, req.Command) {
		s.logger.Debug("shell command auto-approved",
			zap.String("workflow_id", req.WorkflowID),
			logging.RedactedString("command", req.Command))
		return ShellDecision{Approved: true, Remember: true}, nil
	}

	// Register before checking: a session ending after the check is
	// caught by CleanupSession, one ending before it is caught here.
	t := s.broker.Register(req, 0, ShellDecision{DenyReason: "Request cancelled"})
	if s.sessions != nil {
		active, err := s.sessions.IsActive(ctx, req.SessionID)
		switch {
		case err != nil:
			s.logger.Warn("failed to check session status",
				zap.String("session_id", req.SessionID),
				zap.Error(err))
		case !active:
			s.broker.Resolve(t.ID, ShellDecision{DenyReason: SessionEndedReason})
		}
	}
	return s.broker.Await(ctx, t), nil
}

// Approve resolves a pending approval. With remember set the command is
// recorded for its workflow before the caller is released.
func (s *ShellService) Approve(id string, remember bool) bool {
	return s.broker.ResolveFunc(id, ShellDecision{Approved: true, Remember: remember}, func(e Entry[ShellRequest]) {
		if remember && e.Params.WorkflowID != "" {
			s.remember(e.Params.WorkflowID, e.Params.Command)
		}
	})
}

// Deny resolves a pending approval as denied.
func (s *ShellService) Deny(id, reason string) bool {
	if reason == "" {
		reason = "Denied by user"
	}
	return s.broker.Resolve(id, ShellDecision{DenyReason: reason})
}

// IsRemembered reports whether command was approved with remember=true
// in the workflow.
func (s *ShellService) IsRemembered(workflowID, command string) bool {
	if workflowID == "" {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.remembered[workflowID][command]
	return ok
}

func (s *ShellService) remember(workflowID, command string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.remembered[workflowID]
	if !ok {
		set = make(map[string]struct{})
		s.remembered[workflowID] = set
	}
	set[command] = struct{}{}
}

// CleanupSession denies every pending approval of an ended session and
// returns how many were resolved.
func (s *ShellService) CleanupSession(sessionID string) int {
	n := s.broker.ResolveWhere(func(r ShellRequest) bool {
		return r.SessionID == sessionID
	}, ShellDecision{DenyReason: SessionEndedReason})
	if n > 0 {
		s.logger.Info("denied shell approvals of ended session",
			zap.String("session_id", sessionID),
			zap.Int("count", n))
	}
	return n
}

// CleanupWorkflow forgets the remembered commands of a workflow.
func (s *ShellService) CleanupWorkflow(workflowID string) {
	s.mu.Lock()
	delete(s.remembered, workflowID)
	s.mu.Unlock()
}

// Pending returns the pending shell approvals.
func (s *ShellService) Pending() []Entry[ShellRequest] {
	return s.broker.Pending()
}

// Reset denies every pending approval and forgets all remembered commands.
func (s *ShellService) Reset() {
	s.broker.Reset()
	s.mu.Lock()
	s.remembered = make(map[string]map[string]struct{})
	s.mu.Unlock()
}

// PendingEvents implements events.ReplaySource.
func (s *ShellService) PendingEvents() []events.Event {
	pending := s.broker.Pending()
	out := make([]events.Event, 0, len(pending))
	for _, e := range pending {
		out = append(out, neededShellEvent(e))
	}
	return out
}

// ShellApprovalPayload is the payload of shell approval events.
type ShellApprovalPayload struct {
	ID          string         `json:"id"`
	Command     string         `json:"command"`
	Cwd         string         `json:"cwd,omitempty"`
	Decision    *ShellDecision `json:"decision,omitempty"`
	Reason      Reason         `json:"reason,omitempty"`
	RequestedAt time.Time      `json:"requested_at"`
}

func neededShellEvent(e Entry[ShellRequest]) events.Event {
	return events.New(events.ShellApprovalNeeded, e.Params.SessionID, e.Params.WorkflowID, ShellApprovalPayload{
		ID:          e.ID,
		Command:     e.Params.Command,
		Cwd:         e.Params.Cwd,
		RequestedAt: e.CreatedAt,
	})
}

func (s *ShellService) onNeeded(e Entry[ShellRequest]) {
	s.logger.Info("shell approval needed",
		zap.String("approval_id", e.ID),
		zap.String("session_id", e.Params.SessionID),
		zap.String("workflow_id", e.Params.WorkflowID),
		logging.RedactedString("command", e.Params.Command))
	s.events.Broadcast(neededShellEvent(e))
}

func (s *ShellService) onResolved(e Entry[ShellRequest], d ShellDecision, reason Reason) {
	s.logger.Info("shell approval resolved",
		zap.String("approval_id", e.ID),
		zap.Bool("approved", d.Approved),
		zap.String("reason", string(reason)))
	s.events.Broadcast(events.New(events.ShellApprovalResolved, e.Params.SessionID, e.Params.WorkflowID, ShellApprovalPayload{
		ID:          e.ID,
		Command:     e.Params.Command,
		Cwd:         e.Params.Cwd,
		Decision:    &d,
		Reason:      reason,
		RequestedAt: e.CreatedAt,
	}))
}
