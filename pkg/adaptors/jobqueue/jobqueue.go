// © 2025 Platform Engineering Labs Inc.
//
// SPDX-License-Identifier: FSL-1.1-ALv2

// Package jobqueue is an in-memory scheduler back-end. Jobs wait in one of
// three queues (single, multi, unlimited) for a slot and then run through a
// Launcher, which decides where processes actually execute.
package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/platform-engineering-labs/xenon-go/pkg/adaptor"
	"github.com/platform-engineering-labs/xenon-go/pkg/errdefs"
)

// Queue names.
const (
	QueueSingle    = "single"
	QueueMulti     = "multi"
	QueueUnlimited = "unlimited"
)

// Launcher starts processes.
type Launcher interface {
	// Start runs desc. With interactive set the returned process exposes
	// live streams; otherwise the launcher applies the stdin, stdout and
	// stderr redirections of desc.
	Start(ctx context.Context, desc adaptor.JobDescription, interactive bool) (Process, error)
	Close() error
}

// Process is a started process.
type Process interface {
	// Streams returns the live streams of an interactive process, nil for
	// batch processes.
	Streams() *adaptor.Streams
	// Wait blocks until the process exits and returns its exit code.
	Wait() (int, error)
	// Terminate asks the process to stop, forcing it after grace.
	Terminate(grace time.Duration) error
}

// Config configures a Scheduler.
type Config struct {
	// Prefix is prepended to job ids ("local" gives "local-0").
	Prefix string
	// MultiSlots is the number of jobs the multi queue runs at once.
	MultiSlots int
	// PollInterval is reported to the engine.
	PollInterval time.Duration
	// KillGrace is how long a cancelled process gets before it is killed.
	KillGrace time.Duration
	Logger    *slog.Logger
}

type queue struct {
	name string
	// limit is 0 for the unlimited queue.
	limit int

	mu      sync.Mutex
	running int
	// waiting holds the tickets of pending jobs in submission order.
	waiting []chan struct{}
}

// enqueue returns a ticket that is closed once the job holds a slot. Slots
// are granted in the order enqueue is called.
func (q *queue) enqueue() chan struct{} {
	ticket := make(chan struct{})
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.limit == 0 || (q.running < q.limit && len(q.waiting) == 0) {
		q.running++
		close(ticket)
		return ticket
	}
	q.waiting = append(q.waiting, ticket)
	return ticket
}

// release hands the slot to the oldest waiting job, or frees it.
func (q *queue) release() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.waiting) > 0 {
		next := q.waiting[0]
		q.waiting = q.waiting[1:]
		close(next)
		return
	}
	q.running--
}

// abandon withdraws a ticket, giving its slot away if it was granted.
func (q *queue) abandon(ticket chan struct{}) {
	q.mu.Lock()
	for i, t := range q.waiting {
		if t == ticket {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			q.mu.Unlock()
			return
		}
	}
	q.mu.Unlock()
	q.release()
}

type job struct {
	id    string
	desc  adaptor.JobDescription
	queue string

	mu        sync.Mutex
	state     adaptor.JobState
	exitCode  *int
	err       error
	cancelled bool
	proc      Process
	cancel    context.CancelFunc
	submitted time.Time
	started   time.Time
}

func (j *job) info() adaptor.JobInfo {
	j.mu.Lock()
	defer j.mu.Unlock()
	info := adaptor.JobInfo{
		ID:    j.id,
		Name:  j.desc.Name,
		Queue: j.queue,
		State: j.state,
		Err:   j.err,
		Info: map[string]string{
			"submitted": j.submitted.UTC().Format(time.RFC3339Nano),
		},
	}
	if j.exitCode != nil {
		code := *j.exitCode
		info.ExitCode = &code
	}
	if !j.started.IsZero() {
		info.Info["started"] = j.started.UTC().Format(time.RFC3339Nano)
	}
	return info
}

// Scheduler implements adaptor.SchedulerDriver on top of a Launcher.
type Scheduler struct {
	launcher Launcher
	cfg      Config
	logger   *slog.Logger
	counter  atomic.Int64
	queues   map[string]*queue

	mu     sync.Mutex
	jobs   map[string]*job
	closed bool
	wg     sync.WaitGroup
}

// New returns a scheduler running jobs through launcher.
func New(launcher Launcher, cfg Config) *Scheduler {
	if cfg.Prefix == "" {
		cfg.Prefix = "job"
	}
	if cfg.MultiSlots <= 0 {
		cfg.MultiSlots = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Scheduler{
		launcher: launcher,
		cfg:      cfg,
		logger:   logger,
		queues: map[string]*queue{
			QueueSingle:    {name: QueueSingle, limit: 1},
			QueueMulti:     {name: QueueMulti, limit: cfg.MultiSlots},
			QueueUnlimited: {name: QueueUnlimited},
		},
		jobs: make(map[string]*job),
	}
}

func (s *Scheduler) Queues(context.Context) ([]string, error) {
	return []string{QueueSingle, QueueMulti, QueueUnlimited}, nil
}

func (s *Scheduler) DefaultQueue(context.Context) (string, error) {
	return QueueSingle, nil
}

func (s *Scheduler) PollInterval() time.Duration { return s.cfg.PollInterval }

func (s *Scheduler) queueFor(name string) (*queue, error) {
	if name == "" {
		name = QueueSingle
	}
	q, ok := s.queues[name]
	if !ok {
		return nil, errdefs.Errorf(errdefs.NoSuchQueue, "no queue %q", name)
	}
	return q, nil
}

func (s *Scheduler) validate(desc adaptor.JobDescription) error {
	if desc.Tasks > 1 || desc.TasksPerNode > 1 {
		return errdefs.E(errdefs.InvalidJobDescription, "jobs run a single task on this scheduler")
	}
	if len(desc.SchedulerArguments) > 0 {
		return errdefs.E(errdefs.UnsupportedJobDescription, "scheduler arguments are not supported")
	}
	return nil
}

func (s *Scheduler) register(desc adaptor.JobDescription, queueName string, state adaptor.JobState) (*job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errdefs.E(errdefs.SchedulerClosed, "scheduler is closed")
	}
	j := &job{
		id:        s.cfg.Prefix + "-" + strconv.FormatInt(s.counter.Add(1)-1, 10),
		desc:      desc.Clone(),
		queue:     queueName,
		state:     state,
		submitted: time.Now(),
	}
	s.jobs[j.id] = j
	s.wg.Add(1)
	return j, nil
}

// Submit queues a batch job.
func (s *Scheduler) Submit(ctx context.Context, desc adaptor.JobDescription) (string, error) {
	q, err := s.queueFor(desc.QueueName)
	if err != nil {
		return "", err
	}
	if err := s.validate(desc); err != nil {
		return "", err
	}
	j, err := s.register(desc, q.name, adaptor.JobPending)
	if err != nil {
		return "", err
	}

	runCtx, cancel := runContext(ctx, desc)
	j.mu.Lock()
	j.cancel = cancel
	j.mu.Unlock()

	ticket := q.enqueue()
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.run(runCtx, q, j, ticket)
	}()
	s.logger.Debug("job queued", slog.String("job_id", j.id), slog.String("queue", q.name))
	return j.id, nil
}

// runContext outlives the submitting call and ends after the job's
// maximum runtime, if it has one.
func runContext(ctx context.Context, desc adaptor.JobDescription) (context.Context, context.CancelFunc) {
	if desc.MaxRuntime > 0 {
		return context.WithTimeout(context.WithoutCancel(ctx), time.Duration(desc.MaxRuntime)*time.Minute)
	}
	return context.WithCancel(context.WithoutCancel(ctx))
}

func (s *Scheduler) run(ctx context.Context, q *queue, j *job, ticket chan struct{}) {
	select {
	case <-ticket:
		defer q.release()
	case <-ctx.Done():
		q.abandon(ticket)
		s.finish(j, nil, s.stopReason(ctx, j))
		return
	}

	j.mu.Lock()
	if j.cancelled {
		j.mu.Unlock()
		s.finish(j, nil, s.stopReason(ctx, j))
		return
	}
	proc, err := s.launcher.Start(ctx, j.desc, false)
	if err != nil {
		j.mu.Unlock()
		s.finish(j, nil, errdefs.FromTransport("start "+j.id, err))
		return
	}
	j.proc = proc
	j.state = adaptor.JobRunning
	j.started = time.Now()
	j.mu.Unlock()
	s.logger.Debug("job started", slog.String("job_id", j.id))

	s.await(ctx, j, proc)
}

// await waits for proc, terminating it when ctx ends first.
func (s *Scheduler) await(ctx context.Context, j *job, proc Process) {
	type result struct {
		code int
		err  error
	}
	exited := make(chan result, 1)
	go func() {
		code, err := proc.Wait()
		exited <- result{code, err}
	}()

	var res result
	select {
	case res = <-exited:
	case <-ctx.Done():
		_ = proc.Terminate(s.cfg.KillGrace)
		res = <-exited
		s.finish(j, &res.code, s.stopReason(ctx, j))
		return
	}

	j.mu.Lock()
	cancelled := j.cancelled
	j.mu.Unlock()
	if cancelled {
		s.finish(j, &res.code, s.stopReason(ctx, j))
		return
	}
	if res.err != nil {
		s.finish(j, nil, errdefs.FromTransport("wait "+j.id, res.err))
		return
	}
	s.finish(j, &res.code, nil)
}

func (s *Scheduler) stopReason(ctx context.Context, j *job) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errdefs.Errorf(errdefs.JobCanceled, "job %s exceeded its maximum runtime of %d minutes", j.id, j.desc.MaxRuntime)
	}
	return errdefs.Errorf(errdefs.JobCanceled, "job %s cancelled", j.id)
}

func (s *Scheduler) finish(j *job, exitCode *int, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return
	}
	j.exitCode = exitCode
	j.err = err
	if err != nil {
		j.state = adaptor.JobError
	} else {
		j.state = adaptor.JobDone
	}
	s.logger.Debug("job finished", slog.String("job_id", j.id), slog.String("state", string(j.state)))
}

// SubmitInteractive starts a job at once, outside the queues.
func (s *Scheduler) SubmitInteractive(ctx context.Context, desc adaptor.JobDescription) (string, *adaptor.Streams, error) {
	if _, err := s.queueFor(desc.QueueName); err != nil {
		return "", nil, err
	}
	if err := s.validate(desc); err != nil {
		return "", nil, err
	}
	j, err := s.register(desc, QueueUnlimited, adaptor.JobPending)
	if err != nil {
		return "", nil, err
	}

	runCtx, cancel := runContext(ctx, desc)
	j.mu.Lock()
	j.cancel = cancel
	j.mu.Unlock()

	proc, err := s.launcher.Start(runCtx, j.desc, true)
	if err != nil {
		cancel()
		s.finish(j, nil, errdefs.FromTransport("start "+j.id, err))
		s.wg.Done()
		return "", nil, errdefs.FromTransport("start interactive job", err)
	}
	j.mu.Lock()
	j.proc = proc
	j.state = adaptor.JobRunning
	j.started = time.Now()
	j.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer cancel()
		s.await(runCtx, j, proc)
	}()
	return j.id, proc.Streams(), nil
}

func (s *Scheduler) lookup(id string) (*job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, errdefs.Errorf(errdefs.NoSuchJob, "no job %q", id)
	}
	return j, nil
}

func (s *Scheduler) JobStatus(_ context.Context, id string) (adaptor.JobInfo, error) {
	j, err := s.lookup(id)
	if err != nil {
		return adaptor.JobInfo{}, err
	}
	return j.info(), nil
}

func (s *Scheduler) Jobs(_ context.Context, queues ...string) ([]string, error) {
	wanted := make(map[string]bool, len(queues))
	for _, name := range queues {
		if _, err := s.queueFor(name); err != nil {
			return nil, err
		}
		wanted[name] = true
	}

	s.mu.Lock()
	out := make([]string, 0, len(s.jobs))
	for id, j := range s.jobs {
		if len(wanted) == 0 || wanted[j.queue] {
			out = append(out, id)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, k int) bool { return jobNumber(out[i]) < jobNumber(out[k]) })
	return out, nil
}

func jobNumber(id string) int64 {
	for i := len(id) - 1; i >= 0; i-- {
		if id[i] == '-' {
			n, _ := strconv.ParseInt(id[i+1:], 10, 64)
			return n
		}
	}
	return 0
}

// Cancel marks the job cancelled and stops it. The job reaches ERROR with
// JobCanceled once the process is gone.
func (s *Scheduler) Cancel(_ context.Context, id string) error {
	j, err := s.lookup(id)
	if err != nil {
		return err
	}
	j.mu.Lock()
	if j.state.Terminal() {
		j.mu.Unlock()
		return nil
	}
	j.cancelled = true
	cancel := j.cancel
	j.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.logger.Debug("job cancel requested", slog.String("job_id", id))
	return nil
}

// Forget removes a job. Running jobs are cancelled first.
func (s *Scheduler) Forget(ctx context.Context, id string) error {
	if err := s.Cancel(ctx, id); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.jobs, id)
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) QueueStatus(_ context.Context, name string) (map[string]string, error) {
	q, err := s.queueFor(name)
	if err != nil {
		return nil, err
	}
	var pending, running int
	s.mu.Lock()
	for _, j := range s.jobs {
		if j.queue != q.name {
			continue
		}
		switch j.info().State {
		case adaptor.JobPending:
			pending++
		case adaptor.JobRunning:
			running++
		}
	}
	s.mu.Unlock()

	slots := "unlimited"
	if q.limit > 0 {
		slots = strconv.Itoa(q.limit)
	}
	return map[string]string{
		"name":    q.name,
		"slots":   slots,
		"pending": strconv.Itoa(pending),
		"running": strconv.Itoa(running),
	}, nil
}

// Close cancels every job, waits for them to stop and closes the launcher.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errdefs.E(errdefs.SchedulerClosed, "scheduler already closed")
	}
	s.closed = true
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		_ = s.Cancel(context.Background(), id)
	}
	s.wg.Wait()
	if err := s.launcher.Close(); err != nil {
		return fmt.Errorf("close launcher: %w", err)
	}
	return nil
}
