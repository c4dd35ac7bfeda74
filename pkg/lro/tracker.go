// © 2025 Platform Engineering Labs Inc.
//
// SPDX-License-Identifier: FSL-1.1-ALv2

// Package lro tracks long-running operations (copies and jobs) for the
// engines. Entries are keyed by owning session and operation id. Work is
// started by the caller in its own goroutine and reported back through
// Update; waiters block on change notifications instead of polling.
package lro

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

type key struct {
	owner string
	id    string
}

type entry struct {
	op     *Operation
	cancel context.CancelFunc
	// settled is set once the terminal hooks of op have run.
	settled bool
}

// Tracker is safe for concurrent use by any number of sessions.
type Tracker struct {
	mu      sync.RWMutex
	entries map[key]*entry
	// changed is closed and replaced on every mutation.
	changed chan struct{}

	metrics    *metrics
	onTerminal []func(*Operation)
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithRegisterer registers the tracker metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(t *Tracker) {
		t.metrics.register(reg)
	}
}

// WithTerminalHook calls fn with a snapshot each time an operation reaches
// a terminal state. Hooks run outside the tracker lock, before waiters
// blocked on the operation wake up.
func WithTerminalHook(fn func(*Operation)) Option {
	return func(t *Tracker) {
		t.onTerminal = append(t.onTerminal, fn)
	}
}

// NewTracker returns an empty tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		entries: make(map[key]*entry),
		changed: make(chan struct{}),
		metrics: newMetrics(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// notify wakes every waiter. Callers hold t.mu.
func (t *Tracker) notify() {
	close(t.changed)
	t.changed = make(chan struct{})
}

// Start registers a new PENDING operation. An empty id is replaced by a
// random one. cancel, if not nil, is invoked by Cancel and RemoveOwner.
func (t *Tracker) Start(owner string, kind Kind, id string, cancel context.CancelFunc) (*Operation, error) {
	if id == "" {
		id = uuid.New().String()
	}
	op := &Operation{
		ID:        id,
		Owner:     owner,
		Kind:      kind,
		State:     StatePending,
		StartedAt: time.Now(),
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	k := key{owner, id}
	if _, exists := t.entries[k]; exists {
		return nil, fmt.Errorf("operation %s already tracked for %s", id, owner)
	}
	t.entries[k] = &entry{op: op, cancel: cancel}
	t.metrics.started(kind)
	t.notify()
	return op.Copy(), nil
}

// Update applies fn to the operation and returns the new snapshot. fn runs
// under the tracker lock and must not block. Updates to an operation that
// is already terminal are rejected with ErrFinished.
func (t *Tracker) Update(owner, id string, fn func(*Operation)) (*Operation, error) {
	t.mu.Lock()
	e, ok := t.entries[key{owner, id}]
	if !ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.op.State.Terminal() {
		snap := e.op.Copy()
		t.mu.Unlock()
		return snap, ErrFinished
	}

	fn(e.op)
	finished := e.op.State.Terminal()
	if finished {
		if e.op.CompletedAt.IsZero() {
			e.op.CompletedAt = time.Now()
		}
		t.metrics.finished(e.op.Kind, e.op.State)
	}
	snap := e.op.Copy()
	if !finished {
		t.notify()
		t.mu.Unlock()
		return snap, nil
	}
	t.mu.Unlock()

	// Hooks see the terminal snapshot before any waiter wakes up.
	for _, hook := range t.onTerminal {
		hook(snap.Copy())
	}
	t.mu.Lock()
	e.settled = true
	t.notify()
	t.mu.Unlock()
	return snap, nil
}

// Get returns a snapshot of the operation.
func (t *Tracker) Get(owner, id string) (*Operation, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[key{owner, id}]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.op.Copy(), nil
}

// Wait blocks until until reports true for the operation, the operation
// becomes terminal, the timeout elapses or ctx is done. A timeout of zero
// waits without limit. When the timeout elapses the last snapshot is
// returned with a nil error; callers inspect its state.
func (t *Tracker) Wait(ctx context.Context, owner, id string, timeout time.Duration, until func(*Operation) bool) (*Operation, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		t.mu.RLock()
		e, ok := t.entries[key{owner, id}]
		var snap *Operation
		settled := false
		if ok {
			snap = e.op.Copy()
			settled = e.settled
		}
		changed := t.changed
		t.mu.RUnlock()

		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if (snap.State.Terminal() && settled) || (until != nil && until(snap)) {
			return snap, nil
		}

		select {
		case <-changed:
		case <-deadline:
			return snap, nil
		case <-ctx.Done():
			return snap, ctx.Err()
		}
	}
}

// Cancel invokes the cancel function registered with the operation and
// returns the current snapshot. The state changes once the worker observes
// the cancellation.
func (t *Tracker) Cancel(owner, id string) (*Operation, error) {
	t.mu.RLock()
	e, ok := t.entries[key{owner, id}]
	var cancel context.CancelFunc
	var snap *Operation
	if ok {
		cancel = e.cancel
		snap = e.op.Copy()
	}
	t.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if cancel != nil && !snap.State.Terminal() {
		cancel()
	}
	return snap, nil
}

// Remove drops the operation, cancelling it if it is still running.
func (t *Tracker) Remove(owner, id string) error {
	t.mu.Lock()
	k := key{owner, id}
	e, ok := t.entries[k]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(t.entries, k)
	t.drop(e)
	t.notify()
	t.mu.Unlock()

	if e.cancel != nil {
		e.cancel()
	}
	return nil
}

// RemoveOwner drops every operation owned by owner and returns how many
// were removed. Running operations are cancelled.
func (t *Tracker) RemoveOwner(owner string) int {
	var cancels []context.CancelFunc

	t.mu.Lock()
	n := 0
	for k, e := range t.entries {
		if k.owner != owner {
			continue
		}
		delete(t.entries, k)
		t.drop(e)
		if e.cancel != nil {
			cancels = append(cancels, e.cancel)
		}
		n++
	}
	if n > 0 {
		t.notify()
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return n
}

// drop keeps the in-flight gauge right for entries removed before they
// finished. Callers hold t.mu.
func (t *Tracker) drop(e *entry) {
	if !e.op.State.Terminal() {
		t.metrics.abandoned(e.op.Kind)
	}
}

// List returns snapshots of the operations owned by owner, oldest first.
// An empty owner lists every operation.
func (t *Tracker) List(owner string) []*Operation {
	t.mu.RLock()
	out := make([]*Operation, 0, len(t.entries))
	for k, e := range t.entries {
		if owner == "" || k.owner == owner {
			out = append(out, e.op.Copy())
		}
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}
