// © 2025 Platform Engineering Labs Inc.
//
// SPDX-License-Identifier: FSL-1.1-ALv2

package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/platform-engineering-labs/xenon-go/pkg/adaptor"
	"github.com/platform-engineering-labs/xenon-go/pkg/errdefs"
	"github.com/platform-engineering-labs/xenon-go/pkg/filesystem"
)

// Scheduler is one open session on a scheduler adaptor.
//
// Operations hold the session read lock for their synchronous part; Close
// takes the write lock, so it never overlaps an operation of the same
// session.
type Scheduler struct {
	engine  *Engine
	id      string
	adaptor string
	loc     string
	desc    adaptor.Description
	props   adaptor.Properties
	driver  adaptor.SchedulerDriver
	logger  *slog.Logger

	// monitors counts job monitors, pumps the interactive stream pumps.
	monitors sync.WaitGroup
	pumps    sync.WaitGroup

	mu   sync.RWMutex
	open bool
}

// ID returns the session id.
func (s *Scheduler) ID() string { return s.id }

// AdaptorName returns the name of the adaptor serving the session.
func (s *Scheduler) AdaptorName() string { return s.adaptor }

// Location returns the location the session was opened on.
func (s *Scheduler) Location() string { return s.loc }

// Properties returns the explicitly set properties.
func (s *Scheduler) Properties() map[string]string { return s.props.Map() }

// Description returns the capabilities of the adaptor.
func (s *Scheduler) Description() adaptor.Description { return s.desc.Clone() }

// IsOpen reports whether Close has not been called yet.
func (s *Scheduler) IsOpen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.open
}

func (s *Scheduler) closedError(op string) error {
	return errdefs.E(errdefs.SchedulerClosed, op, "scheduler "+s.id+" is closed")
}

func (s *Scheduler) acquire(op string) (func(), error) {
	s.mu.RLock()
	if !s.open {
		s.mu.RUnlock()
		return nil, s.closedError(op)
	}
	return s.mu.RUnlock, nil
}

func (s *Scheduler) mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errdefs.Is(err, errdefs.SchedulerClosed) {
		return s.closedError(op)
	}
	return errdefs.FromTransport(op, err)
}

// GetQueueNames returns the queues of the scheduler.
func (s *Scheduler) GetQueueNames(ctx context.Context) ([]string, error) {
	const op = "get queue names"
	release, err := s.acquire(op)
	if err != nil {
		return nil, err
	}
	defer release()
	queues, err := s.driver.Queues(ctx)
	return queues, s.mapErr(op, err)
}

// GetDefaultQueueName returns the queue jobs without a queue name go to.
func (s *Scheduler) GetDefaultQueueName(ctx context.Context) (string, error) {
	const op = "get default queue name"
	release, err := s.acquire(op)
	if err != nil {
		return "", err
	}
	defer release()
	name, err := s.driver.DefaultQueue(ctx)
	return name, s.mapErr(op, err)
}

// checkQueue fails with NoSuchQueue unless name is empty or one of the
// scheduler's queues. Callers hold the read lock.
func (s *Scheduler) checkQueue(ctx context.Context, op, name string) error {
	if name == "" {
		return nil
	}
	queues, err := s.driver.Queues(ctx)
	if err != nil {
		return s.mapErr(op, err)
	}
	if !slices.Contains(queues, name) {
		return errdefs.E(errdefs.NoSuchQueue, op, "no queue "+name+" (queues: "+strings.Join(queues, ", ")+")")
	}
	return nil
}

// GetQueueStatus returns the status of one queue. An empty name means the
// default queue.
func (s *Scheduler) GetQueueStatus(ctx context.Context, queue string) (QueueStatus, error) {
	const op = "get queue status"
	release, err := s.acquire(op)
	if err != nil {
		return QueueStatus{}, err
	}
	defer release()
	if queue == "" {
		if queue, err = s.driver.DefaultQueue(ctx); err != nil {
			return QueueStatus{}, s.mapErr(op, err)
		}
	}
	info, err := s.driver.QueueStatus(ctx, queue)
	if err != nil {
		return QueueStatus{}, s.mapErr(op, err)
	}
	return QueueStatus{SchedulerID: s.id, QueueName: queue, SchedulerSpecificInformation: info}, nil
}

// GetQueueStatuses returns the status of every named queue, or of all
// queues when none are named. Failures are reported per queue.
func (s *Scheduler) GetQueueStatuses(ctx context.Context, queues ...string) ([]QueueStatus, error) {
	const op = "get queue statuses"
	release, err := s.acquire(op)
	if err != nil {
		return nil, err
	}
	defer release()
	if len(queues) == 0 {
		if queues, err = s.driver.Queues(ctx); err != nil {
			return nil, s.mapErr(op, err)
		}
	}
	out := make([]QueueStatus, 0, len(queues))
	for _, queue := range queues {
		status := QueueStatus{SchedulerID: s.id, QueueName: queue}
		info, err := s.driver.QueueStatus(ctx, queue)
		if err != nil {
			err = s.mapErr(op, err)
			status.ErrorType = errdefs.KindOf(err)
			status.ErrorMessage = errdefs.Message(err)
		} else {
			status.SchedulerSpecificInformation = info
		}
		out = append(out, status)
	}
	return out, nil
}

// GetJobs returns the ids of the jobs in the named queues, or in all
// queues when none are named.
func (s *Scheduler) GetJobs(ctx context.Context, queues ...string) ([]string, error) {
	const op = "get jobs"
	release, err := s.acquire(op)
	if err != nil {
		return nil, err
	}
	defer release()
	ids, err := s.driver.Jobs(ctx, queues...)
	return ids, s.mapErr(op, err)
}

// GetFileSystem opens a session on the file system the scheduler's jobs
// see: the local file system for local schedulers, sftp on the same host
// for remote ones. The caller owns the returned session.
func (s *Scheduler) GetFileSystem(ctx context.Context) (*filesystem.FileSystem, error) {
	const op = "get file system"
	release, err := s.acquire(op)
	if err != nil {
		return nil, err
	}
	defer release()

	provider, ok := s.driver.(adaptor.FileSystemProvider)
	if !ok || !s.desc.UsesFileSystem {
		return nil, errdefs.E(errdefs.UnsupportedOperation, op, s.adaptor+" has no file system")
	}
	if s.engine.files == nil {
		return nil, errdefs.E(errdefs.UnsupportedOperation, op, "no file system engine configured")
	}
	name, location, cred := provider.FileSystem()
	return s.engine.files.Create(ctx, name, location, cred, s.fileSystemProperties(name))
}

// fileSystemProperties carries over scheduler properties the file system
// adaptor declares under the same suffix, such as the host key settings
// of ssh and sftp.
func (s *Scheduler) fileSystemProperties(fsAdaptor string) map[string]string {
	fsDesc, err := s.engine.registry.Describe(fsAdaptor)
	if err != nil {
		return nil
	}
	prefix := "xenon.adaptors.schedulers." + s.adaptor + "."
	out := make(map[string]string)
	for k, v := range s.props.Map() {
		suffix, ok := strings.CutPrefix(k, prefix)
		if !ok {
			continue
		}
		name := "xenon.adaptors.filesystems." + fsAdaptor + "." + suffix
		if _, declared := fsDesc.Property(name); declared {
			out[name] = v
		}
	}
	return out
}

// Close closes the session. Job monitors stop, tracker entries are
// removed and the driver is closed, which stops jobs the driver runs
// itself. Closing twice fails with SchedulerClosed.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return s.closedError("close")
	}
	s.open = false
	s.mu.Unlock()

	removed := s.engine.tracker.RemoveOwner(s.id)
	s.monitors.Wait()
	s.engine.forget(s.id)

	err := s.driver.Close()
	s.pumps.Wait()
	s.logger.Info("scheduler closed", slog.Int("jobs_removed", removed))
	if err != nil && !errdefs.Is(err, errdefs.SchedulerClosed) {
		return errdefs.FromTransport("close", err)
	}
	return nil
}

type wireScheduler struct {
	ID         string            `json:"id"`
	Adaptor    string            `json:"adaptor"`
	Location   string            `json:"location"`
	Properties map[string]string `json:"properties,omitempty"`
	Open       bool              `json:"open"`
}

// MarshalJSON renders the wire form of the session.
func (s *Scheduler) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireScheduler{
		ID:         s.id,
		Adaptor:    s.adaptor,
		Location:   s.loc,
		Properties: s.props.Map(),
		Open:       s.IsOpen(),
	})
}
