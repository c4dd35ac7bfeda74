// © 2025 Platform Engineering Labs Inc.
//
// SPDX-License-Identifier: FSL-1.1-ALv2

// Package xenon is the entry point of the library: a Client bundles the
// adaptor registry, the operation tracker and both engines, and closes
// every session it opened when it is closed.
package xenon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/platform-engineering-labs/xenon-go/internal/log"
	"github.com/platform-engineering-labs/xenon-go/pkg/adaptor"
	"github.com/platform-engineering-labs/xenon-go/pkg/adaptors"
	"github.com/platform-engineering-labs/xenon-go/pkg/credential"
	"github.com/platform-engineering-labs/xenon-go/pkg/filesystem"
	"github.com/platform-engineering-labs/xenon-go/pkg/history"
	"github.com/platform-engineering-labs/xenon-go/pkg/lro"
	"github.com/platform-engineering-labs/xenon-go/pkg/scheduler"
)

// ErrClosed is returned by a Client after Close.
var ErrClosed = errors.New("xenon: client closed")

type options struct {
	registry    *adaptor.Registry
	registerer  prometheus.Registerer
	history     *history.Store
	logger      *slog.Logger
	copyWorkers int
	properties  map[string]map[string]string
}

// Option configures a Client.
type Option func(*options)

// WithRegistry replaces the built-in adaptors.
func WithRegistry(reg *adaptor.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithRegisterer exposes the operation metrics through reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithHistory records every finished copy and job in store. The caller
// keeps ownership of store.
func WithHistory(store *history.Store) Option {
	return func(o *options) { o.history = store }
}

// WithLogger sets the logger of the client and its engines.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithCopyWorkers bounds the files of one recursive copy moved at once.
func WithCopyWorkers(n int) Option {
	return func(o *options) { o.copyWorkers = n }
}

// WithAdaptorProperties sets default properties per adaptor name. They
// apply to every session of that adaptor unless overridden at creation.
func WithAdaptorProperties(props map[string]map[string]string) Option {
	return func(o *options) { o.properties = props }
}

// Client is a handle on the engines. Sessions created through it are
// closed by Close.
type Client struct {
	registry   *adaptor.Registry
	tracker    *lro.Tracker
	files      *filesystem.Engine
	schedulers *scheduler.Engine
	logger     *slog.Logger
	properties map[string]map[string]string

	mu     sync.RWMutex
	closed bool
}

// New builds a client. Default properties are validated against the
// schemas of their adaptors.
func New(opts ...Option) (*Client, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = adaptors.Default()
	}
	if o.logger == nil {
		o.logger = log.Get()
	}
	for name, props := range o.properties {
		desc, err := o.registry.Describe(name)
		if err != nil {
			return nil, fmt.Errorf("default properties of %s: %w", name, err)
		}
		if _, err := adaptor.ValidateProperties(desc, props); err != nil {
			return nil, fmt.Errorf("default properties of %s: %w", name, err)
		}
	}

	var trackerOpts []lro.Option
	if o.registerer != nil {
		trackerOpts = append(trackerOpts, lro.WithRegisterer(o.registerer))
	}
	if o.history != nil {
		trackerOpts = append(trackerOpts, lro.WithTerminalHook(o.history.Hook(o.logger.With(slog.String("component", "history")))))
	}
	tracker := lro.NewTracker(trackerOpts...)

	files := filesystem.NewEngine(o.registry, tracker,
		filesystem.WithLogger(o.logger.With(slog.String("component", "filesystem"))),
		filesystem.WithCopyWorkers(o.copyWorkers))
	schedulers := scheduler.NewEngine(o.registry, tracker,
		scheduler.WithLogger(o.logger.With(slog.String("component", "scheduler"))),
		scheduler.WithFileSystems(files))

	return &Client{
		registry:   o.registry,
		tracker:    tracker,
		files:      files,
		schedulers: schedulers,
		logger:     o.logger,
		properties: o.properties,
	}, nil
}

func (c *Client) merged(adaptorName string, explicit map[string]string) map[string]string {
	out := make(map[string]string, len(c.properties[adaptorName])+len(explicit))
	for k, v := range c.properties[adaptorName] {
		out[k] = v
	}
	for k, v := range explicit {
		out[k] = v
	}
	return out
}

// CreateFileSystem opens a file system session.
func (c *Client) CreateFileSystem(ctx context.Context, adaptorName, location string, cred credential.Credential, props map[string]string) (*filesystem.FileSystem, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}
	return c.files.Create(ctx, adaptorName, location, cred, c.merged(adaptorName, props))
}

// CreateScheduler opens a scheduler session.
func (c *Client) CreateScheduler(ctx context.Context, adaptorName, location string, cred credential.Credential, props map[string]string) (*scheduler.Scheduler, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}
	return c.schedulers.Create(ctx, adaptorName, location, cred, c.merged(adaptorName, props))
}

// Adaptors describes every registered adaptor, sorted by name.
func (c *Client) Adaptors() []adaptor.Description { return c.registry.List() }

// FileSystemAdaptors describes the file system adaptors.
func (c *Client) FileSystemAdaptors() []adaptor.Description { return c.registry.FileSystemAdaptors() }

// SchedulerAdaptors describes the scheduler adaptors.
func (c *Client) SchedulerAdaptors() []adaptor.Description { return c.registry.SchedulerAdaptors() }

// DescribeAdaptor describes one adaptor.
func (c *Client) DescribeAdaptor(name string) (adaptor.Description, error) {
	return c.registry.Describe(name)
}

// FileSystems returns the open file system sessions.
func (c *Client) FileSystems() []*filesystem.FileSystem { return c.files.Sessions() }

// Schedulers returns the open scheduler sessions.
func (c *Client) Schedulers() []*scheduler.Scheduler { return c.schedulers.Sessions() }

// Operations returns snapshots of every tracked copy and job.
func (c *Client) Operations() []*lro.Operation { return c.tracker.List("") }

// Close closes every open session, schedulers first. Later calls return
// nil.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := errors.Join(c.schedulers.CloseAll(), c.files.CloseAll())
	if err != nil {
		c.logger.Warn("client closed with errors", slog.String("error", err.Error()))
	} else {
		c.logger.Debug("client closed")
	}
	return err
}
