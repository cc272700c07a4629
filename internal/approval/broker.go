// Package approval implements blocking human-in-the-loop decisions.
//
// A Broker parks a caller on a pending entry until another flow resolves
// it by id, or until its deadline passes. Each entry is resolved exactly
// once: explicit resolution, timeout and caller cancellation all go
// through the same path, so the "resolved" hook fires once per entry.
//
// ShellService and CredentialService specialize the broker for shell
// command approval and source-control credential prompts.
package approval

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Reason records how a pending entry was resolved.
type Reason string

const (
	ReasonResolved  Reason = "resolved"
	ReasonTimeout   Reason = "timeout"
	ReasonCancelled Reason = "cancelled"
)

// Entry is a snapshot of one pending request.
type Entry[P any] struct {
	ID        string    `json:"id"`
	Params    P         `json:"params"`
	CreatedAt time.Time `json:"created_at"`
}

// Hooks observe the broker lifecycle. Both run outside the broker lock.
type Hooks[P, D any] struct {
	OnNeeded   func(e Entry[P])
	OnResolved func(e Entry[P], d D, reason Reason)
}

// Ticket identifies a registered request and carries its result.
type Ticket[D any] struct {
	ID     string
	result <-chan D
}

type pendingEntry[P, D any] struct {
	entry    Entry[P]
	ch       chan D
	fallback D
	timer    *time.Timer
}

// Broker holds pending requests of params P awaiting decisions D.
type Broker[P, D any] struct {
	name    string
	hooks   Hooks[P, D]
	metrics *Metrics

	mu      sync.Mutex
	pending map[string]*pendingEntry[P, D]
}

// NewBroker creates a broker. name labels its metrics.
func NewBroker[P, D any](name string, hooks Hooks[P, D], metrics *Metrics) *Broker[P, D] {
	return &Broker[P, D]{
		name:    name,
		hooks:   hooks,
		metrics: metrics,
		pending: make(map[string]*pendingEntry[P, D]),
	}
}

// Register adds a pending entry under a fresh id and fires OnNeeded.
// With a positive timeout the entry resolves to fallback at the deadline.
// fallback is also the value a cancelled Await resolves with.
func (b *Broker[P, D]) Register(params P, timeout time.Duration, fallback D) Ticket[D] {
	p := &pendingEntry[P, D]{
		entry: Entry[P]{
			ID:        uuid.New().String(),
			Params:    params,
			CreatedAt: time.Now().UTC(),
		},
		ch:       make(chan D, 1),
		fallback: fallback,
	}

	b.mu.Lock()
	b.pending[p.entry.ID] = p
	if timeout > 0 {
		id := p.entry.ID
		p.timer = time.AfterFunc(timeout, func() {
			b.resolve(id, fallback, ReasonTimeout, nil)
		})
	}
	n := len(b.pending)
	b.mu.Unlock()

	b.metrics.setPending(b.name, n)
	if b.hooks.OnNeeded != nil {
		b.hooks.OnNeeded(p.entry)
	}
	return Ticket[D]{ID: p.entry.ID, result: p.ch}
}

// Await blocks until the ticket is resolved. If ctx ends first the entry
// is resolved with its fallback value, which is then returned.
func (b *Broker[P, D]) Await(ctx context.Context, t Ticket[D]) D {
	select {
	case d := <-t.result:
		return d
	case <-ctx.Done():
	}

	b.mu.Lock()
	p, ok := b.pending[t.ID]
	b.mu.Unlock()
	if ok {
		b.resolve(t.ID, p.fallback, ReasonCancelled, nil)
	}
	// Either this call or a concurrent resolution filled the channel.
	return <-t.result
}

// Request registers params and waits for the decision.
func (b *Broker[P, D]) Request(ctx context.Context, params P, timeout time.Duration, fallback D) D {
	return b.Await(ctx, b.Register(params, timeout, fallback))
}

// Resolve delivers d to the waiting caller. It returns false when id is
// unknown or already resolved.
func (b *Broker[P, D]) Resolve(id string, d D) bool {
	return b.resolve(id, d, ReasonResolved, nil)
}

// ResolveFunc is Resolve with a callback that runs after the entry is
// claimed and before the caller is released. It only runs for the winning
// resolution.
func (b *Broker[P, D]) ResolveFunc(id string, d D, before func(Entry[P])) bool {
	return b.resolve(id, d, ReasonResolved, before)
}

func (b *Broker[P, D]) resolve(id string, d D, reason Reason, before func(Entry[P])) bool {
	b.mu.Lock()
	p, ok := b.pending[id]
	if !ok {
		b.mu.Unlock()
		return false
	}
	delete(b.pending, id)
	if p.timer != nil {
		p.timer.Stop()
	}
	n := len(b.pending)
	b.mu.Unlock()

	if before != nil {
		before(p.entry)
	}
	p.ch <- d

	b.metrics.setPending(b.name, n)
	b.metrics.resolved(b.name, reason)
	if b.hooks.OnResolved != nil {
		b.hooks.OnResolved(p.entry, d, reason)
	}
	return true
}

// Get returns the pending entry with the given id.
func (b *Broker[P, D]) Get(id string) (Entry[P], bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[id]
	if !ok {
		return Entry[P]{}, false
	}
	return p.entry, true
}

// Pending returns a snapshot of pending entries, oldest first.
func (b *Broker[P, D]) Pending() []Entry[P] {
	b.mu.Lock()
	out := make([]Entry[P], 0, len(b.pending))
	for _, p := range b.pending {
		out = append(out, p.entry)
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ResolveWhere resolves every pending entry whose params match with d and
// returns how many were resolved.
func (b *Broker[P, D]) ResolveWhere(match func(P) bool, d D) int {
	var n int
	for _, e := range b.Pending() {
		if match(e.Params) && b.resolve(e.ID, d, ReasonCancelled, nil) {
			n++
		}
	}
	return n
}

// Reset resolves every pending entry with its fallback. Intended for
// shutdown and tests.
func (b *Broker[P, D]) Reset() {
	for _, e := range b.Pending() {
		b.mu.Lock()
		p, ok := b.pending[e.ID]
		b.mu.Unlock()
		if ok {
			b.resolve(e.ID, p.fallback, ReasonCancelled, nil)
		}
	}
}
