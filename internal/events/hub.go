package events

import (
	"sync"

	"go.uber.org/zap"
)

const defaultBufferSize = 64

// ReplaySource reports events describing decisions still waiting on a
// human. The hub replays them to every new connection.
type ReplaySource interface {
	PendingEvents() []Event
}

// Mirror receives a copy of every broadcast event, typically to forward
// it over an external transport.
type Mirror interface {
	Publish(Event) error
}

// Conn is one connected observer.
type Conn struct {
	id uint64
	ch chan Event
}

// Events returns the channel the observer reads from. It is closed on
// Disconnect.
func (c *Conn) Events() <-chan Event {
	return c.ch
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithBufferSize sets the per-connection buffer.
func WithBufferSize(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.bufferSize = n
		}
	}
}

// WithLogger sets the hub logger.
func WithLogger(l *zap.Logger) HubOption {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithMetrics attaches prometheus collectors.
func WithMetrics(m *Metrics) HubOption {
	return func(h *Hub) {
		h.metrics = m
	}
}

// WithMirror forwards every broadcast to m.
func WithMirror(m Mirror) HubOption {
	return func(h *Hub) {
		h.mirrors = append(h.mirrors, m)
	}
}

// Hub tracks connected observers and fans events out to them.
type Hub struct {
	mu     sync.RWMutex
	conns  map[uint64]*Conn
	nextID uint64

	sourcesMu sync.RWMutex
	sources   []ReplaySource

	mirrors    []Mirror
	bufferSize int
	metrics    *Metrics
	logger     *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		conns:      make(map[uint64]*Conn),
		bufferSize: defaultBufferSize,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// AddReplaySource registers a source of pending decisions.
func (h *Hub) AddReplaySource(src ReplaySource) {
	h.sourcesMu.Lock()
	h.sources = append(h.sources, src)
	h.sourcesMu.Unlock()
}

// Connect registers a new observer and enqueues one event per pending
// decision before returning. Replay events beyond the buffer are dropped.
//
// The hub lock is held from registration through replay, so a broadcast
// racing the connect lands after the replayed events. Replay sources must
// not broadcast while holding their own locks.
func (h *Hub) Connect() *Conn {
	h.sourcesMu.RLock()
	sources := append([]ReplaySource(nil), h.sources...)
	h.sourcesMu.RUnlock()

	h.mu.Lock()
	h.nextID++
	c := &Conn{id: h.nextID, ch: make(chan Event, h.bufferSize)}
	h.conns[c.id] = c
	n := len(h.conns)
	for _, src := range sources {
		for _, ev := range src.PendingEvents() {
			h.deliver(c, ev)
		}
	}
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.Observers.Set(float64(n))
	}
	h.logger.Debug("observer connected", zap.Uint64("conn_id", c.id), zap.Int("observers", n))
	return c
}

// Disconnect removes the observer and closes its channel. Calling it
// twice is a no-op.
func (h *Hub) Disconnect(c *Conn) {
	h.mu.Lock()
	if _, ok := h.conns[c.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c.id)
	close(c.ch)
	n := len(h.conns)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.Observers.Set(float64(n))
	}
	h.logger.Debug("observer disconnected", zap.Uint64("conn_id", c.id), zap.Int("observers", n))
}

// Count returns the number of connected observers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Broadcast enqueues ev on every connection without blocking and hands
// it to each mirror. With no connections it only mirrors.
func (h *Hub) Broadcast(ev Event) {
	h.mu.RLock()
	for _, c := range h.conns {
		h.deliver(c, ev)
	}
	h.mu.RUnlock()

	if h.metrics != nil {
		h.metrics.Broadcasts.WithLabelValues(ev.Kind.Domain()).Inc()
	}

	for _, m := range h.mirrors {
		if err := m.Publish(ev); err != nil {
			h.logger.Warn("event mirror publish failed",
				zap.String("kind", string(ev.Kind)),
				zap.Error(err))
		}
	}
}

// deliver must be called with h.mu held.
func (h *Hub) deliver(c *Conn, ev Event) {
	select {
	case c.ch <- ev:
	default:
		if h.metrics != nil {
			h.metrics.Dropped.Inc()
		}
		h.logger.Debug("observer buffer full, event dropped",
			zap.Uint64("conn_id", c.id),
			zap.String("kind", string(ev.Kind)))
	}
}
