package http

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/conductord/internal/logging"
	"github.com/fyrsmithlabs/conductord/internal/store"
	"github.com/fyrsmithlabs/conductord/internal/workflow"
)

// Workflows drives the workflow state machine.
type Workflows interface {
	Create(ctx context.Context, req workflow.CreateRequest) (*store.Workflow, error)
	Detail(ctx context.Context, id string) (*workflow.Detail, error)
	List(ctx context.Context, limit int) ([]*store.Workflow, error)
	SubmitArtifact(ctx context.Context, workflowID, content string) (*store.Workflow, error)
	Approve(ctx context.Context, workflowID string, opts workflow.ApproveOptions) (*store.Workflow, error)
	RequestChanges(ctx context.Context, workflowID, feedback string) (*store.Workflow, error)
	RewindToStage(ctx context.Context, workflowID string, target store.Stage) (*store.Workflow, error)
	RequestFixes(ctx context.Context, workflowID string, commentIDs []string, summary string) (*store.Workflow, error)
	AddReviewComment(ctx context.Context, workflowID, path string, line int, body string) (*store.ReviewComment, error)
	ProposePulse(ctx context.Context, workflowID, description string) (*store.Pulse, error)
	ListPulses(ctx context.Context, workflowID string) ([]*store.Pulse, error)
	FinishPulseLoop(ctx context.Context, workflowID string) (*store.Workflow, error)
	RecordBaseline(ctx context.Context, pulseID, checkpointRef string) (*store.Baseline, error)
	CompletePulse(ctx context.Context, pulseID string, outcome workflow.PulseOutcome) (*store.Pulse, error)
	StopPulse(ctx context.Context, pulseID string) (*store.Pulse, error)
}

// ArtifactRequest submits a stage artifact.
type ArtifactRequest struct {
	Content string `json:"content"`
}

// FeedbackRequest carries request-changes feedback.
type FeedbackRequest struct {
	Feedback string `json:"feedback"`
}

// RewindRequest names the stage to rewind to.
type RewindRequest struct {
	Stage store.Stage `json:"stage"`
}

// RequestFixesRequest selects review comments to fix.
type RequestFixesRequest struct {
	CommentIDs []string `json:"comment_ids"`
	Summary    string   `json:"summary"`
}

// CommentRequest adds a review comment.
type CommentRequest struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Body string `json:"body"`
}

// ProposePulseRequest proposes the next pulse.
type ProposePulseRequest struct {
	Description string `json:"description"`
}

// BaselineRequest records a preflight checkpoint.
type BaselineRequest struct {
	CheckpointRef string `json:"checkpoint_ref"`
}

func wfContext(c echo.Context) (context.Context, string) {
	id := c.Param("id")
	return logging.WithWorkflowID(c.Request().Context(), id), id
}

func (s *Server) handleCreateWorkflow(c echo.Context) error {
	var req workflow.CreateRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	wf, err := s.deps.Workflows.Create(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, wf)
}

func (s *Server) handleListWorkflows(c echo.Context) error {
	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return badRequest("limit must be a non-negative integer")
		}
		limit = n
	}
	list, err := s.deps.Workflows.List(c.Request().Context(), limit)
	if err != nil {
		return err
	}
	if list == nil {
		list = []*store.Workflow{}
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) handleGetWorkflow(c echo.Context) error {
	ctx, id := wfContext(c)
	d, err := s.deps.Workflows.Detail(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, d)
}

func (s *Server) handleSubmitArtifact(c echo.Context) error {
	var req ArtifactRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx, id := wfContext(c)
	return s.workflowReply(c, http.StatusOK)(s.deps.Workflows.SubmitArtifact(ctx, id, req.Content))
}

func (s *Server) handleApprove(c echo.Context) error {
	var req workflow.ApproveOptions
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx, id := wfContext(c)
	return s.workflowReply(c, http.StatusOK)(s.deps.Workflows.Approve(ctx, id, req))
}

func (s *Server) handleRequestChanges(c echo.Context) error {
	var req FeedbackRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx, id := wfContext(c)
	return s.workflowReply(c, http.StatusOK)(s.deps.Workflows.RequestChanges(ctx, id, req.Feedback))
}

func (s *Server) handleRewind(c echo.Context) error {
	var req RewindRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if req.Stage == "" {
		return badRequest("stage is required")
	}
	ctx, id := wfContext(c)
	return s.workflowReply(c, http.StatusOK)(s.deps.Workflows.RewindToStage(ctx, id, req.Stage))
}

func (s *Server) handleRequestFixes(c echo.Context) error {
	var req RequestFixesRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx, id := wfContext(c)
	return s.workflowReply(c, http.StatusOK)(s.deps.Workflows.RequestFixes(ctx, id, req.CommentIDs, req.Summary))
}

func (s *Server) handleFinishPulseLoop(c echo.Context) error {
	ctx, id := wfContext(c)
	return s.workflowReply(c, http.StatusOK)(s.deps.Workflows.FinishPulseLoop(ctx, id))
}

func (s *Server) workflowReply(c echo.Context, code int) func(*store.Workflow, error) error {
	return func(wf *store.Workflow, err error) error {
		if err != nil {
			return err
		}
		return c.JSON(code, wf)
	}
}

func (s *Server) handleAddComment(c echo.Context) error {
	var req CommentRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if req.Path == "" || req.Body == "" || req.Line < 0 {
		return badRequest("path, body and a non-negative line are required")
	}
	ctx, id := wfContext(c)
	rc, err := s.deps.Workflows.AddReviewComment(ctx, id, req.Path, req.Line, req.Body)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, rc)
}

func (s *Server) handleListPulses(c echo.Context) error {
	ctx, id := wfContext(c)
	pulses, err := s.deps.Workflows.ListPulses(ctx, id)
	if err != nil {
		return err
	}
	if pulses == nil {
		pulses = []*store.Pulse{}
	}
	return c.JSON(http.StatusOK, pulses)
}

func (s *Server) handleProposePulse(c echo.Context) error {
	var req ProposePulseRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	ctx, id := wfContext(c)
	p, err := s.deps.Workflows.ProposePulse(ctx, id, req.Description)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, p)
}

func (s *Server) handleRecordBaseline(c echo.Context) error {
	var req BaselineRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if req.CheckpointRef == "" {
		return badRequest("checkpoint_ref is required")
	}
	b, err := s.deps.Workflows.RecordBaseline(c.Request().Context(), c.Param("id"), req.CheckpointRef)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, b)
}

func (s *Server) handleCompletePulse(c echo.Context) error {
	var req workflow.PulseOutcome
	if err := bind(c, &req); err != nil {
		return err
	}
	p, err := s.deps.Workflows.CompletePulse(c.Request().Context(), c.Param("id"), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) handleStopPulse(c echo.Context) error {
	p, err := s.deps.Workflows.StopPulse(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}
