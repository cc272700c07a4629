package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductord/internal/approval"
	"github.com/fyrsmithlabs/conductord/internal/logging"
	"github.com/fyrsmithlabs/conductord/internal/orchestrator"
	"github.com/fyrsmithlabs/conductord/internal/session"
	"github.com/fyrsmithlabs/conductord/internal/store"
	"github.com/fyrsmithlabs/conductord/internal/subtask"
	"github.com/fyrsmithlabs/conductord/internal/workflow"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error      string               `json:"error"`
	Violations []workflow.Violation `json:"violations,omitempty"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, approval.ErrInvalidNonce):
		return http.StatusForbidden
	case errors.Is(err, workflow.ErrNotFound),
		errors.Is(err, workflow.ErrPulseNotFound),
		errors.Is(err, session.ErrNotFound),
		errors.Is(err, subtask.ErrNotFound),
		errors.Is(err, orchestrator.ErrUnknownSession),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, workflow.ErrInvalidTransition),
		errors.Is(err, workflow.ErrNotAwaitingApproval),
		errors.Is(err, subtask.ErrAlreadyTerminal),
		errors.Is(err, subtask.ErrInvalidTransition),
		errors.Is(err, session.ErrNotActive),
		errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, workflow.ErrInvalidInput),
		errors.Is(err, session.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, workflow.ErrGateFailed),
		errors.Is(err, subtask.ErrInvalidTaskDef),
		errors.Is(err, subtask.ErrInvalidFindings),
		errors.Is(err, session.ErrInvalidContextType),
		errors.Is(err, session.ErrInvalidStatus),
		errors.Is(err, orchestrator.ErrNoTasks):
		return http.StatusUnprocessableEntity
	case errors.Is(err, workflow.ErrSessionLaunch):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// errorHandler renders domain errors and echo.HTTPErrors as ErrorResponse.
// Internal errors are logged and reported without detail.
func errorHandler(log *logging.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		ctx := c.Request().Context()

		var he *echo.HTTPError
		if errors.As(err, &he) {
			msg, ok := he.Message.(string)
			if !ok {
				msg = http.StatusText(he.Code)
			}
			writeError(c, he.Code, ErrorResponse{Error: msg})
			return
		}

		code := statusFor(err)
		resp := ErrorResponse{Error: err.Error()}
		var ge *workflow.GateError
		if errors.As(err, &ge) {
			resp.Violations = ge.Violations
		}
		if code == http.StatusInternalServerError {
			log.Error(ctx, "request failed", zap.String("route", c.Path()), zap.Error(err))
			resp = ErrorResponse{Error: "internal error"}
		}
		writeError(c, code, resp)
	}
}

func writeError(c echo.Context, code int, resp ErrorResponse) {
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	_ = c.JSON(code, resp)
}

func badRequest(msg string) error {
	return echo.NewHTTPError(http.StatusBadRequest, msg)
}

// bind decodes the JSON body into v. An empty body leaves v unchanged.
func bind(c echo.Context, v any) error {
	if c.Request().ContentLength == 0 {
		return nil
	}
	if err := (&echo.DefaultBinder{}).BindBody(c, v); err != nil {
		return badRequest("invalid request body")
	}
	return nil
}
