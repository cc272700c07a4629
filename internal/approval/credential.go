package approval

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductord/internal/events"
)

// DefaultCredentialTimeout bounds how long a credential prompt waits.
const DefaultCredentialTimeout = 60 * time.Second

// ErrInvalidNonce is returned for a credential request whose nonce was
// never minted, was already used or has expired.
var ErrInvalidNonce = errors.New("invalid or expired askpass nonce")

// CredentialPrompt is one credential need raised by a VCS subprocess.
type CredentialPrompt struct {
	SessionID  string `json:"session_id"`
	WorkflowID string `json:"workflow_id,omitempty"`
	Prompt     string `json:"prompt"`
}

// CredentialConfig configures the credential service.
type CredentialConfig struct {
	// Timeout is the hard deadline of every prompt (default 60s).
	Timeout time.Duration
	// NonceTTL expires unused nonces (default 1h).
	NonceTTL time.Duration
	// ServerURL is the base URL the askpass helper posts to.
	ServerURL string
	// Executable is the binary the helper script execs. Defaults to the
	// running executable.
	Executable string
}

type nonceEntry struct {
	sessionID  string
	workflowID string
	expires    time.Time
}

// CredentialService brokers credential prompts between askpass helpers
// and a human. A nil credential means the prompt was cancelled.
type CredentialService struct {
	cfg    CredentialConfig
	broker *Broker[CredentialPrompt, *string]
	events events.Broadcaster
	logger *zap.Logger

	mu     sync.Mutex
	nonces map[string]nonceEntry
}

// NewCredentialService creates a credential prompt service.
func NewCredentialService(cfg CredentialConfig, bc events.Broadcaster, metrics *Metrics, logger *zap.Logger) *CredentialService {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultCredentialTimeout
	}
	if cfg.NonceTTL <= 0 {
		cfg.NonceTTL = time.Hour
	}
	if bc == nil {
		bc = events.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &CredentialService{
		cfg:    cfg,
		events: bc,
		logger: logger,
		nonces: make(map[string]nonceEntry),
	}
	s.broker = NewBroker("credential", Hooks[CredentialPrompt, *string]{
		OnNeeded:   s.onNeeded,
		OnResolved: s.onResolved,
	}, metrics)
	return s
}

// Timeout returns the prompt deadline.
func (s *CredentialService) Timeout() time.Duration {
	return s.cfg.Timeout
}

// MintNonce issues a single-use nonce bound to a session.
func (s *CredentialService) MintNonce(sessionID, workflowID string) string {
	nonce := strings.ReplaceAll(uuid.New().String()+uuid.New().String(), "-", "")
	now := time.Now()

	s.mu.Lock()
	for k, v := range s.nonces {
		if now.After(v.expires) {
			delete(s.nonces, k)
		}
	}
	s.nonces[nonce] = nonceEntry{
		sessionID:  sessionID,
		workflowID: workflowID,
		expires:    now.Add(s.cfg.NonceTTL),
	}
	s.mu.Unlock()
	return nonce
}

func (s *CredentialService) consume(nonce string) (nonceEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.nonces[nonce]
	if !ok {
		return nonceEntry{}, false
	}
	delete(s.nonces, nonce)
	if time.Now().After(e.expires) {
		return nonceEntry{}, false
	}
	return e, true
}

// Request consumes the nonce and waits for a human to answer the prompt.
// An unknown nonce fails with ErrInvalidNonce before anything is
// registered. The prompt resolves to nil at the deadline or when ctx ends.
func (s *CredentialService) Request(ctx context.Context, nonce, prompt string) (*string, error) {
	n, ok := s.consume(nonce)
	if !ok {
		return nil, ErrInvalidNonce
	}
	return s.broker.Request(ctx, CredentialPrompt{
		SessionID:  n.sessionID,
		WorkflowID: n.workflowID,
		Prompt:     prompt,
	}, s.cfg.Timeout, nil), nil
}

// Respond answers a pending prompt. A nil credential cancels it.
func (s *CredentialService) Respond(id string, credential *string) bool {
	return s.broker.Resolve(id, credential)
}

// Pending returns the pending prompts.
func (s *CredentialService) Pending() []Entry[CredentialPrompt] {
	return s.broker.Pending()
}

// Reset cancels every pending prompt and drops all nonces.
func (s *CredentialService) Reset() {
	s.broker.Reset()
	s.mu.Lock()
	s.nonces = make(map[string]nonceEntry)
	s.mu.Unlock()
}

// PrepareHelper mints a nonce and writes an executable askpass script into
// dir. The script runs "conductord askpass" against the server with that
// nonce and forwards the prompt argument.
func (s *CredentialService) PrepareHelper(dir, sessionID, workflowID string) (string, error) {
	if s.cfg.ServerURL == "" {
		return "", errors.New("credential server url is not configured")
	}
	exe := s.cfg.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return "", fmt.Errorf("resolve executable: %w", err)
		}
	}

	f, err := os.CreateTemp(dir, "conductord-askpass-*.sh")
	if err != nil {
		return "", fmt.Errorf("create askpass helper: %w", err)
	}
	nonce := s.MintNonce(sessionID, workflowID)
	script := fmt.Sprintf("#!/bin/sh\nexec %s askpass --url %s --nonce %s \"$@\"\n",
		shellQuote(exe), shellQuote(s.cfg.ServerURL), shellQuote(nonce))

	if _, err := f.WriteString(script); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write askpass helper: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("close askpass helper: %w", err)
	}
	if err := os.Chmod(f.Name(), 0o700); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("chmod askpass helper: %w", err)
	}
	return f.Name(), nil
}

// HelperEnv returns the environment that routes VCS credential prompts to
// the helper at path.
func HelperEnv(path string) []string {
	return []string{
		"GIT_ASKPASS=" + path,
		"SSH_ASKPASS=" + path,
		"SSH_ASKPASS_REQUIRE=force",
		"GIT_TERMINAL_PROMPT=0",
	}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// PendingEvents implements events.ReplaySource.
func (s *CredentialService) PendingEvents() []events.Event {
	pending := s.broker.Pending()
	out := make([]events.Event, 0, len(pending))
	for _, e := range pending {
		out = append(out, s.neededEvent(e))
	}
	return out
}

// CredentialPromptPayload is the payload of credential prompt events. It
// never carries the credential itself.
type CredentialPromptPayload struct {
	ID          string    `json:"id"`
	Prompt      string    `json:"prompt"`
	RequestedAt time.Time `json:"requested_at"`
	Deadline    time.Time `json:"deadline"`
	Cancelled   *bool     `json:"cancelled,omitempty"`
	Reason      Reason    `json:"reason,omitempty"`
}

func (s *CredentialService) neededEvent(e Entry[CredentialPrompt]) events.Event {
	return events.New(events.CredentialPromptNeeded, e.Params.SessionID, e.Params.WorkflowID, CredentialPromptPayload{
		ID:          e.ID,
		Prompt:      e.Params.Prompt,
		RequestedAt: e.CreatedAt,
		Deadline:    e.CreatedAt.Add(s.cfg.Timeout),
	})
}

func (s *CredentialService) onNeeded(e Entry[CredentialPrompt]) {
	s.logger.Info("credential prompt needed",
		zap.String("prompt_id", e.ID),
		zap.String("session_id", e.Params.SessionID),
		zap.String("workflow_id", e.Params.WorkflowID))
	s.events.Broadcast(s.neededEvent(e))
}

func (s *CredentialService) onResolved(e Entry[CredentialPrompt], d *string, reason Reason) {
	cancelled := d == nil
	s.logger.Info("credential prompt resolved",
		zap.String("prompt_id", e.ID),
		zap.Bool("cancelled", cancelled),
		zap.String("reason", string(reason)))
	s.events.Broadcast(events.New(events.CredentialPromptResolved, e.Params.SessionID, e.Params.WorkflowID, CredentialPromptPayload{
		ID:          e.ID,
		Prompt:      e.Params.Prompt,
		RequestedAt: e.CreatedAt,
		Deadline:    e.CreatedAt.Add(s.cfg.Timeout),
		Cancelled:   &cancelled,
		Reason:      reason,
	}))
}
