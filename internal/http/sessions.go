package http

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/conductord/internal/logging"
	"github.com/fyrsmithlabs/conductord/internal/orchestrator"
	"github.com/fyrsmithlabs/conductord/internal/session"
	"github.com/fyrsmithlabs/conductord/internal/store"
	"github.com/fyrsmithlabs/conductord/internal/subtask"
)

// Sessions reads and starts sessions.
type Sessions interface {
	Start(ctx context.Context, req session.StartRequest) (*store.Session, error)
	Get(ctx context.Context, id string) (*store.Session, error)
}

// Executor launches agent turns and consumes their outcomes.
type Executor interface {
	Launch(ctx context.Context, req session.StartRequest, input string) (*store.Session, error)
	Stop(ctx context.Context, sessionID string, final store.SessionStatus) error
	HandleOutcome(ctx context.Context, out orchestrator.Outcome) error
	Delegate(ctx context.Context, parentSessionID, workflowID string, tasks []subtask.TaskDef) ([]*subtask.Subtask, error)
}

// Subtasks lists the subtasks of a coordinating session.
type Subtasks interface {
	List(ctx context.Context, parentSessionID string) ([]*subtask.Subtask, error)
}

// CreateSessionRequest starts a session. A non-empty Input also
// dispatches the first turn.
type CreateSessionRequest struct {
	session.StartRequest
	Input string `json:"input,omitempty"`
}

// StopSessionRequest ends a session as completed or stopped.
type StopSessionRequest struct {
	Status store.SessionStatus `json:"status"`
}

// DelegateRequest fans work out to subtasks of a session.
type DelegateRequest struct {
	WorkflowID string            `json:"workflow_id"`
	Tasks      []subtask.TaskDef `json:"tasks"`
}

func (s *Server) handleCreateSession(c echo.Context) error {
	var req CreateSessionRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()

	var (
		sess *store.Session
		err  error
	)
	if req.Input != "" {
		sess, err = s.deps.Executor.Launch(ctx, req.StartRequest, req.Input)
	} else {
		sess, err = s.deps.Sessions.Start(ctx, req.StartRequest)
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, sess)
}

func (s *Server) handleGetSession(c echo.Context) error {
	sess, err := s.deps.Sessions.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	if sess == nil {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) handleStopSession(c echo.Context) error {
	req := StopSessionRequest{Status: store.SessionStopped}
	if err := bind(c, &req); err != nil {
		return err
	}
	id := c.Param("id")
	ctx := logging.WithSessionID(c.Request().Context(), id)
	if err := s.deps.Executor.Stop(ctx, id, req.Status); err != nil {
		return err
	}
	return c.NoContent(http.StatusOK)
}

func (s *Server) handleListSubtasks(c echo.Context) error {
	list, err := s.deps.Subtasks.List(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	if list == nil {
		list = []*subtask.Subtask{}
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) handleDelegate(c echo.Context) error {
	var req DelegateRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	id := c.Param("id")
	ctx := logging.WithSessionID(c.Request().Context(), id)
	created, err := s.deps.Executor.Delegate(ctx, id, req.WorkflowID, req.Tasks)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, created)
}

// handleOutcome lets HTTP-based runners report the end of a turn.
func (s *Server) handleOutcome(c echo.Context) error {
	var out orchestrator.Outcome
	if err := bind(c, &out); err != nil {
		return err
	}
	out.SessionID = c.Param("id")
	switch out.Status {
	case orchestrator.OutcomeCompleted, orchestrator.OutcomeError:
	default:
		return badRequest("status must be completed or error")
	}
	ctx := logging.WithSessionID(c.Request().Context(), out.SessionID)
	if err := s.deps.Executor.HandleOutcome(ctx, out); err != nil {
		return err
	}
	return c.NoContent(http.StatusAccepted)
}
