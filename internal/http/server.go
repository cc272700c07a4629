// Package http exposes conductord over HTTP: the askpass credential
// endpoint, approval decisions, session and workflow control, the SSE
// event stream and Prometheus metrics.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/conductord/internal/approval"
	"github.com/fyrsmithlabs/conductord/internal/events"
	"github.com/fyrsmithlabs/conductord/internal/logging"
	"github.com/fyrsmithlabs/conductord/internal/store"
	"github.com/fyrsmithlabs/conductord/internal/telemetry"
)

// Config holds HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	// Heartbeat is the SSE keep-alive interval.
	Heartbeat time.Duration
	// CredentialRate and CredentialBurst limit /credential-prompt per client.
	CredentialRate  float64
	CredentialBurst int
	Version         string
}

func (c *Config) withDefaults() *Config {
	out := Config{Host: "127.0.0.1", Port: 7420}
	if c != nil {
		out = *c
	}
	if out.ShutdownTimeout <= 0 {
		out.ShutdownTimeout = 10 * time.Second
	}
	if out.Heartbeat <= 0 {
		out.Heartbeat = 30 * time.Second
	}
	if out.CredentialRate <= 0 {
		out.CredentialRate = 5
	}
	if out.CredentialBurst <= 0 {
		out.CredentialBurst = 10
	}
	return &out
}

// Deps are the services the server routes to.
type Deps struct {
	Hub         *events.Hub
	Sessions    Sessions
	Executor    Executor
	Subtasks    Subtasks
	Workflows   Workflows
	Shell       *approval.ShellService
	Credentials *approval.CredentialService
	// Gatherer backs GET /metrics. Nil uses the default registry.
	Gatherer  prometheus.Gatherer
	Telemetry *telemetry.Telemetry
	Logger    *logging.Logger
}

func (d Deps) validate() error {
	switch {
	case d.Hub == nil:
		return errors.New("event hub is required")
	case d.Sessions == nil || d.Executor == nil || d.Subtasks == nil:
		return errors.New("session services are required")
	case d.Workflows == nil:
		return errors.New("workflow machine is required")
	case d.Shell == nil || d.Credentials == nil:
		return errors.New("approval services are required")
	}
	return nil
}

// Server provides the conductord HTTP API.
type Server struct {
	echo    *echo.Echo
	deps    Deps
	log     *logging.Logger
	config  *Config
	metrics *HTTPMetrics
}

// NewServer builds the echo instance and registers every route.
func NewServer(cfg *Config, deps Deps) (*Server, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(deps.Logger)

	s := &Server{
		echo:    e,
		deps:    deps,
		log:     deps.Logger,
		config:  cfg.withDefaults(),
		metrics: NewHTTPMetrics(deps.Logger.Underlying()),
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		RequestIDHandler: func(c echo.Context, id string) {
			c.SetRequest(c.Request().WithContext(logging.WithRequestID(c.Request().Context(), id)))
		},
	}))
	e.Use(s.requestLogger())
	e.Use(s.metrics.MetricsMiddleware())

	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/events", s.handleEvents)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))

	limiter := middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(s.config.CredentialRate),
			Burst:     s.config.CredentialBurst,
			ExpiresIn: 3 * time.Minute,
		}),
	})
	s.echo.POST("/credential-prompt", s.handleCredentialPrompt, limiter)
	s.echo.POST("/credential-prompt/:id/respond", s.handleCredentialRespond)
	s.echo.POST("/shell-approval/:id/approve", s.handleShellApprove)
	s.echo.POST("/shell-approval/:id/deny", s.handleShellDeny)

	v1 := s.echo.Group("/api/v1")
	v1.GET("/status", s.handleStatus)
	v1.GET("/approvals", s.handleListApprovals)
	v1.POST("/shell-approval", s.handleShellRequest)

	sessions := v1.Group("/sessions")
	sessions.POST("", s.handleCreateSession)
	sessions.GET("/:id", s.handleGetSession)
	sessions.POST("/:id/stop", s.handleStopSession)
	sessions.GET("/:id/subtasks", s.handleListSubtasks)
	sessions.POST("/:id/delegate", s.handleDelegate)
	sessions.POST("/:id/outcome", s.handleOutcome)

	wf := v1.Group("/workflows")
	wf.POST("", s.handleCreateWorkflow)
	wf.GET("", s.handleListWorkflows)
	wf.GET("/:id", s.handleGetWorkflow)
	wf.POST("/:id/artifact", s.handleSubmitArtifact)
	wf.POST("/:id/approve", s.handleApprove)
	wf.POST("/:id/request-changes", s.handleRequestChanges)
	wf.POST("/:id/rewind", s.handleRewind)
	wf.POST("/:id/request-fixes", s.handleRequestFixes)
	wf.POST("/:id/comments", s.handleAddComment)
	wf.GET("/:id/pulses", s.handleListPulses)
	wf.POST("/:id/pulses", s.handleProposePulse)
	wf.POST("/:id/finish-pulse-loop", s.handleFinishPulseLoop)

	pulses := v1.Group("/pulses")
	pulses.POST("/:id/baseline", s.handleRecordBaseline)
	pulses.POST("/:id/complete", s.handleCompletePulse)
	pulses.POST("/:id/stop", s.handleStopPulse)
}

func (s *Server) requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				// Let the error handler set the final status before logging.
				c.Error(err)
			}
			if c.Path() == "/events" || c.Path() == "/metrics" {
				return nil
			}
			s.log.Info(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("route", c.Path()),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)
			return nil
		}
	}
}

// Echo returns the underlying echo instance.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info(ctx, "starting http server", zap.String("addr", s.Addr()))
		if err := s.echo.Start(s.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string                  `json:"status"`
	Observers int                     `json:"observers"`
	Telemetry *telemetry.HealthStatus `json:"telemetry,omitempty"`
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{Status: "ok", Observers: s.deps.Hub.Count()}
	if s.deps.Telemetry != nil {
		h := s.deps.Telemetry.Health()
		resp.Telemetry = &h
	}
	return c.JSON(http.StatusOK, resp)
}

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	Status  string       `json:"status"`
	Version string       `json:"version,omitempty"`
	Counts  StatusCounts `json:"counts"`
}

// StatusCounts counts in-memory state. WorkflowsInProgress only looks at
// the most recent workflows.
type StatusCounts struct {
	Observers           int `json:"observers"`
	PendingShell        int `json:"pending_shell_approvals"`
	PendingCredentials  int `json:"pending_credential_prompts"`
	WorkflowsInProgress int `json:"workflows_in_progress"`
}

func (s *Server) handleStatus(c echo.Context) error {
	wfs, err := s.deps.Workflows.List(c.Request().Context(), 0)
	if err != nil {
		return err
	}
	inProgress := 0
	for _, wf := range wfs {
		if wf.Stage != store.StageDone {
			inProgress++
		}
	}
	return c.JSON(http.StatusOK, StatusResponse{
		Status:  "ok",
		Version: s.config.Version,
		Counts: StatusCounts{
			Observers:           s.deps.Hub.Count(),
			PendingShell:        len(s.deps.Shell.Pending()),
			PendingCredentials:  len(s.deps.Credentials.Pending()),
			WorkflowsInProgress: inProgress,
		},
	})
}
