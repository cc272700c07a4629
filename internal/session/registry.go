// Package session tracks agent sessions and their lifecycle.
//
// A session is one bounded unit of agent execution tied to a context
// (channel, workflow, roadmap, persona or subtask). Interactive contexts
// hold at most one active session per context id; subtask contexts get a
// fresh session every time. Sessions are persisted on every transition
// and never deleted.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductord/internal/events"
	"github.com/fyrsmithlabs/conductord/internal/store"
)

const instrumentationName = "github.com/fyrsmithlabs/conductord/internal/session"

// Errors for registry operations.
var (
	ErrNotFound           = errors.New("session not found")
	ErrNotActive          = errors.New("session is not active")
	ErrInvalidContextType = errors.New("invalid context type")
	ErrInvalidStatus      = errors.New("invalid final status")
	ErrInvalidInput       = errors.New("invalid input")
)

// Store is the persistence the registry needs.
type Store interface {
	InsertSession(ctx context.Context, s *store.Session) error
	GetSession(ctx context.Context, id string) (*store.Session, error)
	FindActiveSession(ctx context.Context, contextType store.ContextType, contextID string) (*store.Session, error)
	FinishSession(ctx context.Context, id string, status store.SessionStatus, errMsg string, at time.Time) error
}

// EndHook runs after a session reaches a final status.
type EndHook func(ctx context.Context, s *store.Session)

// StartRequest identifies the context a session runs in.
type StartRequest struct {
	ContextType store.ContextType `json:"context_type"`
	ContextID   string            `json:"context_id"`
	AgentRole   string            `json:"agent_role"`
}

type contextKey struct {
	typ store.ContextType
	id  string
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithEndHook adds a hook run after Stop or MarkError.
func WithEndHook(h EndHook) Option {
	return func(r *Registry) {
		r.endHooks = append(r.endHooks, h)
	}
}

// Registry is the in-memory index of active sessions backed by the store.
type Registry struct {
	store  Store
	events events.Broadcaster
	logger *zap.Logger

	tracer             trace.Tracer
	transitionsCounter metric.Int64Counter

	mu        sync.Mutex
	active    map[string]*store.Session
	byContext map[contextKey]string

	hooksMu  sync.RWMutex
	endHooks []EndHook
}

// NewRegistry creates a registry.
func NewRegistry(st Store, bc events.Broadcaster, opts ...Option) (*Registry, error) {
	if st == nil {
		return nil, errors.New("session store is required")
	}
	if bc == nil {
		bc = events.Discard
	}
	r := &Registry{
		store:     st,
		events:    bc,
		logger:    zap.NewNop(),
		tracer:    otel.Tracer(instrumentationName),
		active:    make(map[string]*store.Session),
		byContext: make(map[contextKey]string),
	}
	for _, opt := range opts {
		opt(r)
	}

	var err error
	r.transitionsCounter, err = otel.Meter(instrumentationName).Int64Counter(
		"conductord.session.transitions_total",
		metric.WithDescription("Total number of session status transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		r.logger.Warn("failed to create transitions counter", zap.Error(err))
	}
	return r, nil
}

// AddEndHook registers a hook after construction.
func (r *Registry) AddEndHook(h EndHook) {
	r.hooksMu.Lock()
	r.endHooks = append(r.endHooks, h)
	r.hooksMu.Unlock()
}

// Start returns the active session of an interactive context when one
// exists, otherwise it creates and persists a new one. session:started
// is broadcast only for new sessions.
func (r *Registry) Start(ctx context.Context, req StartRequest) (*store.Session, error) {
	ctx, span := r.tracer.Start(ctx, "session.start")
	defer span.End()
	span.SetAttributes(
		attribute.String("context_type", string(req.ContextType)),
		attribute.String("context_id", req.ContextID),
	)

	if !req.ContextType.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidContextType, req.ContextType)
	}
	if req.ContextID == "" {
		return nil, fmt.Errorf("%w: context id is required", ErrInvalidInput)
	}

	r.mu.Lock()
	key := contextKey{req.ContextType, req.ContextID}
	if req.ContextType.Interactive() {
		if id, ok := r.byContext[key]; ok {
			s := clone(r.active[id])
			r.mu.Unlock()
			return s, nil
		}
		existing, err := r.store.FindActiveSession(ctx, req.ContextType, req.ContextID)
		if err == nil {
			r.track(existing)
			r.mu.Unlock()
			return clone(existing), nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			r.mu.Unlock()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("find active session: %w", err)
		}
	}

	now := time.Now().UTC()
	s := &store.Session{
		ID:          uuid.New().String(),
		ContextType: req.ContextType,
		ContextID:   req.ContextID,
		AgentRole:   req.AgentRole,
		Status:      store.SessionActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.store.InsertSession(ctx, s); err != nil {
		r.mu.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	r.track(s)
	r.mu.Unlock()

	r.count(ctx, store.SessionActive)
	r.logger.Info("session started",
		zap.String("session_id", s.ID),
		zap.String("context_type", string(s.ContextType)),
		zap.String("context_id", s.ContextID),
		zap.String("agent_role", s.AgentRole))
	r.events.Broadcast(events.New(events.SessionStarted, s.ID, workflowID(s), clone(s)))
	return clone(s), nil
}

// Get returns the session with the given id, or nil when it does not exist.
func (r *Registry) Get(ctx context.Context, id string) (*store.Session, error) {
	r.mu.Lock()
	if s, ok := r.active[id]; ok {
		s = clone(s)
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	s, err := r.store.GetSession(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// IsActive reports whether the session exists and is still active.
func (r *Registry) IsActive(ctx context.Context, id string) (bool, error) {
	s, err := r.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return s != nil && s.Status == store.SessionActive, nil
}

// GetByContext returns the active session of a context, or nil.
func (r *Registry) GetByContext(ctx context.Context, contextType store.ContextType, contextID string) (*store.Session, error) {
	r.mu.Lock()
	if id, ok := r.byContext[contextKey{contextType, contextID}]; ok {
		s := clone(r.active[id])
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	s, err := r.store.FindActiveSession(ctx, contextType, contextID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Restore returns the session, reloading it from the store when it is not
// held in memory. Active sessions re-enter the in-memory index. A session
// that never existed yields ErrNotFound; store failures are returned as is.
func (r *Registry) Restore(ctx context.Context, id string) (*store.Session, error) {
	ctx, span := r.tracer.Start(ctx, "session.restore")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", id))

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.active[id]; ok {
		return clone(s), nil
	}

	s, err := r.store.GetSession(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("restore session %s: %w", id, err)
	}
	if s.Status == store.SessionActive {
		if _, taken := r.byContext[contextKey{s.ContextType, s.ContextID}]; !taken || !s.ContextType.Interactive() {
			r.track(s)
		}
	}
	return clone(s), nil
}

// Stop ends a session as completed or stopped.
func (r *Registry) Stop(ctx context.Context, id string, final store.SessionStatus) error {
	kind := events.SessionCompleted
	switch final {
	case store.SessionCompleted:
	case store.SessionStopped:
		kind = events.SessionStopped
	default:
		return fmt.Errorf("%w: %q", ErrInvalidStatus, final)
	}
	return r.finish(ctx, id, final, "", kind)
}

// MarkError ends a session with an error.
func (r *Registry) MarkError(ctx context.Context, id, message string) error {
	return r.finish(ctx, id, store.SessionError, message, events.SessionError)
}

func (r *Registry) finish(ctx context.Context, id string, status store.SessionStatus, msg string, kind events.Kind) error {
	ctx, span := r.tracer.Start(ctx, "session.finish")
	defer span.End()
	span.SetAttributes(
		attribute.String("session_id", id),
		attribute.String("status", string(status)),
	)

	r.mu.Lock()
	now := time.Now().UTC()
	err := r.store.FinishSession(ctx, id, status, msg, now)
	switch {
	case errors.Is(err, store.ErrNotFound):
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	case errors.Is(err, store.ErrConflict):
		r.untrack(id)
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotActive, id)
	case err != nil:
		r.mu.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	r.untrack(id)
	r.mu.Unlock()

	s, err := r.store.GetSession(ctx, id)
	if err != nil {
		return fmt.Errorf("reload session: %w", err)
	}

	r.count(ctx, status)
	if status == store.SessionError {
		r.logger.Warn("session failed", zap.String("session_id", id), zap.String("error", msg))
	} else {
		r.logger.Info("session ended", zap.String("session_id", id), zap.String("status", string(status)))
	}
	r.events.Broadcast(events.New(kind, s.ID, workflowID(s), s))

	r.hooksMu.RLock()
	hooks := append([]EndHook(nil), r.endHooks...)
	r.hooksMu.RUnlock()
	for _, h := range hooks {
		h(ctx, clone(s))
	}
	return nil
}

// track and untrack must be called with r.mu held.
func (r *Registry) track(s *store.Session) {
	r.active[s.ID] = clone(s)
	if s.ContextType.Interactive() {
		r.byContext[contextKey{s.ContextType, s.ContextID}] = s.ID
	}
}

func (r *Registry) untrack(id string) {
	s, ok := r.active[id]
	if !ok {
		return
	}
	delete(r.active, id)
	key := contextKey{s.ContextType, s.ContextID}
	if r.byContext[key] == id {
		delete(r.byContext, key)
	}
}

func (r *Registry) count(ctx context.Context, status store.SessionStatus) {
	if r.transitionsCounter != nil {
		r.transitionsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
	}
}

func workflowID(s *store.Session) string {
	if s.ContextType == store.ContextWorkflow {
		return s.ContextID
	}
	return ""
}

func clone(s *store.Session) *store.Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}
