package http

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductord/internal/approval"
)

// NonceHeader carries the askpass nonce on /credential-prompt.
const NonceHeader = "X-Askpass-Nonce"

const maxPromptBytes = 64 << 10

// CredentialPromptRequest is the JSON form of a credential prompt.
type CredentialPromptRequest struct {
	Prompt string `json:"prompt"`
}

// CredentialResponse carries a credential; null means cancelled.
type CredentialResponse struct {
	Credential *string `json:"credential"`
}

func isJSON(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get(echo.HeaderContentType))
	return err == nil && mt == echo.MIMEApplicationJSON
}

// handleCredentialPrompt is called by the askpass helper. It long-polls
// until a human answers or the prompt times out. Raw requests get the
// credential as text, empty when cancelled; JSON requests keep cancelled
// and empty apart.
func (s *Server) handleCredentialPrompt(c echo.Context) error {
	req := c.Request()
	nonce := req.Header.Get(NonceHeader)
	if nonce == "" {
		return echo.NewHTTPError(http.StatusForbidden, "missing askpass nonce")
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, maxPromptBytes+1))
	if err != nil {
		return badRequest("failed to read prompt")
	}
	if len(body) > maxPromptBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "prompt too large")
	}

	asJSON := isJSON(req)
	prompt := strings.TrimSpace(string(body))
	if asJSON {
		var p CredentialPromptRequest
		if err := json.Unmarshal(body, &p); err != nil {
			return badRequest("invalid request body")
		}
		prompt = strings.TrimSpace(p.Prompt)
	}
	if prompt == "" {
		prompt = "Credential required"
	}

	cred, err := s.deps.Credentials.Request(req.Context(), nonce, prompt)
	if errors.Is(err, approval.ErrInvalidNonce) {
		s.log.Warn(req.Context(), "credential prompt rejected", zap.String("remote", c.RealIP()))
		return err
	}
	if err != nil {
		return err
	}

	if asJSON {
		return c.JSON(http.StatusOK, CredentialResponse{Credential: cred})
	}
	if cred == nil {
		return c.String(http.StatusOK, "")
	}
	return c.String(http.StatusOK, *cred)
}

func (s *Server) handleCredentialRespond(c echo.Context) error {
	var body CredentialResponse
	if err := bind(c, &body); err != nil {
		return err
	}
	if !s.deps.Credentials.Respond(c.Param("id"), body.Credential) {
		return echo.NewHTTPError(http.StatusNotFound, "credential prompt not pending")
	}
	return c.NoContent(http.StatusOK)
}

// ShellApproveRequest is the body of /shell-approval/:id/approve.
type ShellApproveRequest struct {
	Remember bool `json:"remember"`
}

// ShellDenyRequest is the body of /shell-approval/:id/deny.
type ShellDenyRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleShellApprove(c echo.Context) error {
	var body ShellApproveRequest
	if err := bind(c, &body); err != nil {
		return err
	}
	if !s.deps.Shell.Approve(c.Param("id"), body.Remember) {
		return echo.NewHTTPError(http.StatusNotFound, "shell approval not pending")
	}
	return c.NoContent(http.StatusOK)
}

func (s *Server) handleShellDeny(c echo.Context) error {
	var body ShellDenyRequest
	if err := bind(c, &body); err != nil {
		return err
	}
	if !s.deps.Shell.Deny(c.Param("id"), body.Reason) {
		return echo.NewHTTPError(http.StatusNotFound, "shell approval not pending")
	}
	return c.NoContent(http.StatusOK)
}

// handleShellRequest blocks an agent tool call until its command is
// approved or denied.
func (s *Server) handleShellRequest(c echo.Context) error {
	var req approval.ShellRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if req.SessionID == "" || strings.TrimSpace(req.Command) == "" {
		return badRequest("session_id and command are required")
	}
	dec, err := s.deps.Shell.RequestApproval(c.Request().Context(), req)
	if err != nil {
		return badRequest(err.Error())
	}
	return c.JSON(http.StatusOK, dec)
}

// PendingApprovals is the body of GET /api/v1/approvals.
type PendingApprovals struct {
	Shell       []approval.Entry[approval.ShellRequest]     `json:"shell"`
	Credentials []approval.Entry[approval.CredentialPrompt] `json:"credentials"`
}

func (s *Server) handleListApprovals(c echo.Context) error {
	return c.JSON(http.StatusOK, PendingApprovals{
		Shell:       s.deps.Shell.Pending(),
		Credentials: s.deps.Credentials.Pending(),
	})
}
