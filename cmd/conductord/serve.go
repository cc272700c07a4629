package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductord/internal/approval"
	"github.com/fyrsmithlabs/conductord/internal/config"
	"github.com/fyrsmithlabs/conductord/internal/events"
	httpapi "github.com/fyrsmithlabs/conductord/internal/http"
	"github.com/fyrsmithlabs/conductord/internal/logging"
	"github.com/fyrsmithlabs/conductord/internal/orchestrator"
	"github.com/fyrsmithlabs/conductord/internal/redact"
	"github.com/fyrsmithlabs/conductord/internal/session"
	"github.com/fyrsmithlabs/conductord/internal/store"
	"github.com/fyrsmithlabs/conductord/internal/subtask"
	"github.com/fyrsmithlabs/conductord/internal/telemetry"
	"github.com/fyrsmithlabs/conductord/internal/workflow"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the conductord daemon",
		Long: `Run the conductord daemon: the HTTP API, the SSE event stream and,
when enabled, the NATS runner transport.

Configuration is read from ~/.config/conductord/config.yaml and
CONDUCTORD_* environment variables.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadWithFile(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "config file (default ~/.config/conductord/config.yaml)")
	return cmd
}

// app holds every wired component of a running daemon.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	db        *store.DB
	nats      *natsConn

	hub      *events.Hub
	shell    *approval.ShellService
	creds    *approval.CredentialService
	sessions *session.Registry
	subtasks *subtask.Coordinator
	executor *orchestrator.Executor
	runner   *orchestrator.NATSRunner
	machine  *workflow.Machine
	server   *httpapi.Server
}

// run starts the daemon and blocks until ctx is cancelled.
//
// Startup order:
//  1. Logging and telemetry
//  2. SQLite store
//  3. NATS (optional), event hub, approval services
//  4. Session registry, subtask coordinator, executor, workflow machine
//  5. HTTP server
func run(ctx context.Context, cfg *config.Config) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	a.logger.Info(ctx, "starting conductord",
		zap.String("version", version),
		zap.String("addr", cfg.Addr()),
		zap.String("store", cfg.Store.Path),
		zap.Bool("nats", a.nats != nil))

	if a.runner != nil {
		go func() {
			if err := a.runner.Listen(ctx, a.executor, a.hub); err != nil {
				a.logger.Error(ctx, "runner listener stopped", zap.Error(err))
			}
		}()
	}

	err = a.server.Start(ctx)
	a.executor.Wait()
	a.logger.Info(context.Background(), "conductord stopped")
	return err
}

func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	logCfg, err := logging.FromConfig(cfg)
	if err != nil {
		return nil, err
	}
	boot, err := logging.NewLogger(logCfg, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	telCfg, err := telemetry.FromConfig(cfg, version)
	if err != nil {
		return nil, err
	}
	a.telemetry, err = telemetry.New(ctx, telCfg, telemetry.WithLogger(boot.Underlying()))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a.logger = boot
	if lp := a.telemetry.LoggerProvider(); lp != nil {
		if a.logger, err = logging.NewLogger(logCfg, lp); err != nil {
			return nil, fmt.Errorf("failed to initialize logger: %w", err)
		}
	}
	zl := a.logger.Underlying()

	a.db, err = store.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	hubOpts := []events.HubOption{
		events.WithLogger(zl.Named("events")),
		events.WithMetrics(events.NewMetrics(reg)),
		events.WithBufferSize(cfg.Events.BufferSize),
	}
	if cfg.NATS.Enabled {
		a.nats, err = connectNATS(cfg.NATS, zl.Named("nats"))
		if err != nil {
			return nil, err
		}
		mirror, err := events.NewNATSMirror(a.nats.Conn, cfg.NATS.EventPrefix)
		if err != nil {
			return nil, err
		}
		hubOpts = append(hubOpts, events.WithMirror(mirror))
	}
	a.hub = events.NewHub(hubOpts...)

	a.sessions, err = session.NewRegistry(a.db, a.hub,
		session.WithLogger(zl.Named("session")),
		session.WithEndHook(func(_ context.Context, s *store.Session) {
			a.shell.CleanupSession(s.ID)
		}),
	)
	if err != nil {
		return nil, err
	}

	approvalMetrics := approval.NewMetrics(reg)
	a.shell = approval.NewShellService(a.hub, approvalMetrics, zl.Named("shell"),
		approval.WithSessionChecker(a.sessions))
	a.creds = approval.NewCredentialService(approval.CredentialConfig{
		Timeout:   cfg.Credential.Timeout.Duration(),
		NonceTTL:  cfg.Credential.NonceTTL.Duration(),
		ServerURL: cfg.BaseURL(),
	}, a.hub, approvalMetrics, zl.Named("credential"))
	a.hub.AddReplaySource(a.shell)
	a.hub.AddReplaySource(a.creds)

	a.subtasks, err = subtask.NewCoordinator(a.db, a.hub, zl.Named("subtask"))
	if err != nil {
		return nil, err
	}

	var runner orchestrator.Runner = orchestrator.BroadcastRunner{Events: a.hub}
	if a.nats != nil {
		var natsOpts []orchestrator.NATSOption
		if !cfg.NATS.KeepSecrets {
			r, err := redact.New()
			if err != nil {
				return nil, err
			}
			natsOpts = append(natsOpts, orchestrator.WithEventRedactor(r))
		}
		a.runner, err = orchestrator.NewNATSRunner(a.nats.Conn, cfg.NATS.RunnerPrefix, zl.Named("runner"), natsOpts...)
		if err != nil {
			return nil, err
		}
		runner = a.runner
	}

	if err := os.MkdirAll(cfg.Approval.HelperDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create helper dir: %w", err)
	}
	a.executor, err = orchestrator.NewExecutor(a.sessions, a.subtasks, runner,
		orchestrator.WithLogger(zl.Named("orchestrator")),
		orchestrator.WithEvents(a.hub),
		orchestrator.WithErrorRecorder(a.db),
		orchestrator.WithTurnEnv(a.askpassEnv),
	)
	if err != nil {
		return nil, err
	}

	a.machine, err = workflow.NewMachine(a.db, a.executor, a.hub,
		workflow.WithLogger(zl.Named("workflow")),
		workflow.WithMerger(a.merger()),
		workflow.WithCompletionHook(func(_ context.Context, wf *store.Workflow) {
			a.shell.CleanupWorkflow(wf.ID)
		}),
	)
	if err != nil {
		return nil, err
	}

	a.server, err = httpapi.NewServer(&httpapi.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ShutdownTimeout: cfg.Server.ShutdownTimeout.Duration(),
		Heartbeat:       cfg.Events.Heartbeat.Duration(),
		CredentialRate:  cfg.Server.CredentialRate,
		CredentialBurst: cfg.Server.CredentialBurst,
		Version:         version,
	}, httpapi.Deps{
		Hub:         a.hub,
		Sessions:    a.sessions,
		Executor:    a.executor,
		Subtasks:    a.subtasks,
		Workflows:   a.machine,
		Shell:       a.shell,
		Credentials: a.creds,
		Gatherer:    reg,
		Telemetry:   a.telemetry,
		Logger:      a.logger,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// askpassEnv writes a credential helper for every turn so git and ssh
// prompts inside the agent's subprocesses reach a human.
func (a *app) askpassEnv(_ context.Context, sess *store.Session, workflowID string) ([]string, error) {
	path, err := a.creds.PrepareHelper(a.cfg.Approval.HelperDir, sess.ID, workflowID)
	if err != nil {
		return nil, err
	}
	return approval.HelperEnv(path), nil
}

// merger sends review merges to NATS workers. Without NATS the merge is
// left to the human who approved the review.
func (a *app) merger() workflow.Merger {
	if a.runner != nil {
		return a.runner
	}
	return workflow.MergerFunc(func(ctx context.Context, wf *store.Workflow) error {
		a.logger.Info(ctx, "no merge worker configured; merge manually",
			zap.String("workflow_id", wf.ID),
			zap.String("base_branch", wf.BaseBranch),
			zap.String("strategy", wf.MergeStrategy))
		return nil
	})
}

// close releases resources in reverse start order.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error
	if a.shell != nil {
		a.shell.Reset()
	}
	if a.creds != nil {
		a.creds.Reset()
	}
	if a.nats != nil {
		a.nats.Close()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown telemetry: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil && a.logger != nil {
		a.logger.Warn(ctx, "shutdown incomplete", zap.Error(err))
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}
