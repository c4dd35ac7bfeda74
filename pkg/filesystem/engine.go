// © 2025 Platform Engineering Labs Inc.
//
// SPDX-License-Identifier: FSL-1.1-ALv2

// Package filesystem is the file system engine: it opens sessions through
// the adaptor registry, runs path operations against the session's driver
// and runs copies as tracked long-running operations.
package filesystem

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
	"github.com/platform-engineering-labs/xenon-go/pkg/lro"
)

const tracerName = "github.com/platform-engineering-labs/xenon-go/pkg/filesystem"

// Engine opens file system sessions and keeps track of the open ones.
type Engine struct {
	registry *adaptor.Registry
	tracker  *lro.Tracker
	logger   *slog.Logger
	tracer   trace.Tracer

	copyWorkers int

	mu       sync.Mutex
	sessions map[string]*FileSystem
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithCopyWorkers bounds how many files of one recursive copy are
// transferred at the same time.
func WithCopyWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.copyWorkers = n
		}
	}
}

// NewEngine returns an engine resolving adaptors in registry and tracking
// copies in tracker.
func NewEngine(registry *adaptor.Registry, tracker *lro.Tracker, opts ...Option) *Engine {
	e := &Engine{
		registry:    registry,
		tracker:     tracker,
		tracer:      otel.Tracer(tracerName),
		copyWorkers: 4,
		sessions:    make(map[string]*FileSystem),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = log.WithComponent("filesystem")
	}
	return e
}

// Create opens a file system session. Properties are validated against the
// adaptor's schema before anything is contacted.
func (e *Engine) Create(ctx context.Context, adaptorName, location string, cred credential.Credential, props map[string]string) (*FileSystem, error) {
	a, err := e.registry.ResolveFileSystem(adaptorName, location)
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

	driver, err := a.OpenFileSystem(ctx, location, credential.For(cred, location), validated)
	if err != nil {
		return nil, errdefs.FromTransport("create "+adaptorName+" file system", err)
	}

	id := uuid.New().String()
	fs := &FileSystem{
		engine:  e,
		id:      id,
		adaptor: adaptorName,
		loc:     location,
		desc:    desc,
		props:   validated,
		driver:  driver,
		logger:  log.WithSession(e.logger, adaptorName, id),
		open:    true,
		wd:      normalize(driver.WorkingDirectory(), driver.Separator()),
	}

	e.mu.Lock()
	e.sessions[id] = fs
	e.mu.Unlock()

	fs.logger.Info("file system opened", slog.String("location", location), slog.String("working_directory", fs.wd))
	return fs, nil
}

// Sessions returns the open sessions ordered by id.
func (e *Engine) Sessions() []*FileSystem {
	e.mu.Lock()
	out := make([]*FileSystem, 0, len(e.sessions))
	for _, fs := range e.sessions {
		out = append(out, fs)
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// CloseAll closes every open session and returns the first error.
func (e *Engine) CloseAll() error {
	var first error
	for _, fs := range e.Sessions() {
		if err := fs.Close(); err != nil && first == nil && !errdefs.Is(err, errdefs.FileSystemClosed) {
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
