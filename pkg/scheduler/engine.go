// © 2025 Platform Engineering Labs Inc.
//
// SPDX-License-Identifier: FSL-1.1-ALv2

// Package scheduler is the job engine: it opens scheduler sessions through
// the adaptor registry, submits batch and interactive jobs, and follows
// every submitted job in the operation tracker until it is terminal.
package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/platform-engineering-labs/xenon-go/internal/log"
	"github.com/platform-engineering-labs/xenon-go/pkg/adaptor"
	"github.com/platform-engineering-labs/xenon-go/pkg/credential"
	"github.com/platform-engineering-labs/xenon-go/pkg/errdefs"
	"github.com/platform-engineering-labs/xenon-go/pkg/filesystem"
	"github.com/platform-engineering-labs/xenon-go/pkg/lro"
)

const tracerName = "github.com/platform-engineering-labs/xenon-go/pkg/scheduler"

// Engine opens scheduler sessions and keeps track of the open ones.
type Engine struct {
	registry *adaptor.Registry
	tracker  *lro.Tracker
	files    *filesystem.Engine
	logger   *slog.Logger
	tracer   trace.Tracer

	mu       sync.Mutex
	sessions map[string]*Scheduler
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithFileSystems lets sessions open the file system their jobs see
// through files.
func WithFileSystems(files *filesystem.Engine) Option {
	return func(e *Engine) { e.files = files }
}

// NewEngine returns an engine resolving adaptors in registry and tracking
// jobs in tracker.
func NewEngine(registry *adaptor.Registry, tracker *lro.Tracker, opts ...Option) *Engine {
	e := &Engine{
		registry: registry,
		tracker:  tracker,
		tracer:   otel.Tracer(tracerName),
		sessions: make(map[string]*Scheduler),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = log.WithComponent("scheduler")
	}
	return e
}

// Create opens a scheduler session. Properties are validated against the
// adaptor's schema before anything is contacted.
func (e *Engine) Create(ctx context.Context, adaptorName, location string, cred credential.Credential, props map[string]string) (*Scheduler, error) {
	a, err := e.registry.ResolveScheduler(adaptorName, location)
	if err != nil {
		return nil, err
	}
	desc := a.Description()
	validated, err := adaptor.ValidateProperties(desc, props)
	if err != nil {
		return nil, err
	}
	if err := adaptor.ValidateCredential(desc, cred); err != nil {
		return nil, err
	}

	driver, err := a.OpenScheduler(ctx, location, credential.For(cred, location), validated)
	if err != nil {
		return nil, errdefs.FromTransport("create "+adaptorName+" scheduler", err)
	}

	id := uuid.New().String()
	s := &Scheduler{
		engine:  e,
		id:      id,
		adaptor: adaptorName,
		loc:     location,
		desc:    desc,
		props:   validated,
		driver:  driver,
		logger:  log.WithSession(e.logger, adaptorName, id),
		open:    true,
	}

	e.mu.Lock()
	e.sessions[id] = s
	e.mu.Unlock()

	s.logger.Info("scheduler opened", slog.String("location", location))
	return s, nil
}

// Sessions returns the open sessions ordered by id.
func (e *Engine) Sessions() []*Scheduler {
	e.mu.Lock()
	out := make([]*Scheduler, 0, len(e.sessions))
	for _, s := range e.sessions {
		out = append(out, s)
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// CloseAll closes every open session and returns the first error.
func (e *Engine) CloseAll() error {
	var first error
	for _, s := range e.Sessions() {
		if err := s.Close(); err != nil && first == nil && !errdefs.Is(err, errdefs.SchedulerClosed) {
			first = err
		}
	}
	return first
}

func (e *Engine) forget(id string) {
	e.mu.Lock()
	delete(e.sessions, id)
	e.mu.Unlock()
}
