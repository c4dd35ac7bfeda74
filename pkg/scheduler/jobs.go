// © 2025 Platform Engineering Labs Inc.
//
// SPDX-License-Identifier: FSL-1.1-ALv2

package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platform-engineering-labs/xenon-go/internal/log"
	"github.com/platform-engineering-labs/xenon-go/pkg/adaptor"
	"github.com/platform-engineering-labs/xenon-go/pkg/errdefs"
	"github.com/platform-engineering-labs/xenon-go/pkg/lro"
)

// DefaultPollInterval is used for drivers that report no poll interval.
const DefaultPollInterval = time.Second

// maxStatusFailures is how many status polls in a row may fail before a
// job is marked as failed.
const maxStatusFailures = 5

// Job identifies a submitted job.
type Job struct {
	ID          string                 `json:"id"`
	SchedulerID string                 `json:"schedulerId"`
	Description adaptor.JobDescription `json:"description"`
}

// JobStatus is a snapshot of a job taken when it was requested.
type JobStatus struct {
	JobID        string           `json:"jobId"`
	Name         string           `json:"name,omitempty"`
	State        adaptor.JobState `json:"state"`
	Running      bool             `json:"running"`
	Done         bool             `json:"done"`
	ExitCode     *int             `json:"exitCode,omitempty"`
	ErrorType    errdefs.Kind     `json:"errorType"`
	ErrorMessage string           `json:"errorMessage,omitempty"`

	SchedulerSpecificInformation map[string]string `json:"schedulerSpecificInformation,omitempty"`
}

// Err returns the failure recorded in the status, or nil.
func (s JobStatus) Err() error {
	if s.ErrorType == errdefs.None {
		return nil
	}
	return errdefs.E(s.ErrorType, "job "+s.JobID, s.ErrorMessage)
}

// QueueStatus is a snapshot of one queue.
type QueueStatus struct {
	SchedulerID  string       `json:"schedulerId"`
	QueueName    string       `json:"queueName"`
	ErrorType    errdefs.Kind `json:"errorType"`
	ErrorMessage string       `json:"errorMessage,omitempty"`

	SchedulerSpecificInformation map[string]string `json:"schedulerSpecificInformation,omitempty"`
}

func statusFromOp(op *lro.Operation) JobStatus {
	return JobStatus{
		JobID:                        op.ID,
		Name:                         op.Info["name"],
		State:                        adaptor.JobState(op.State),
		Running:                      op.State == lro.StateRunning,
		Done:                         op.State.Terminal(),
		ExitCode:                     op.ExitCode,
		ErrorType:                    op.ErrorType,
		ErrorMessage:                 op.ErrorMessage,
		SchedulerSpecificInformation: op.Info,
	}
}

func statusFromInfo(info adaptor.JobInfo) JobStatus {
	status := JobStatus{
		JobID:                        info.ID,
		Name:                         info.Name,
		State:                        info.State,
		Running:                      info.State == adaptor.JobRunning,
		Done:                         info.State.Terminal(),
		ExitCode:                     info.ExitCode,
		SchedulerSpecificInformation: info.Info,
	}
	if info.State == adaptor.JobError {
		err := jobError(info)
		status.ErrorType = errdefs.KindOf(err)
		status.ErrorMessage = errdefs.Message(err)
	}
	return status
}

func jobError(info adaptor.JobInfo) error {
	if info.Err != nil {
		return info.Err
	}
	return errdefs.Errorf(errdefs.UnknownTransportFailure, "job %s failed", info.ID)
}

// applyInfo folds a driver report into the tracked operation. A job never
// goes back from RUNNING to PENDING.
func applyInfo(o *lro.Operation, info adaptor.JobInfo) {
	switch info.State {
	case adaptor.JobPending:
	case adaptor.JobRunning:
		o.State = lro.StateRunning
	case adaptor.JobDone:
		o.State = lro.StateDone
	case adaptor.JobError:
		o.Fail(jobError(info))
	}
	if info.ExitCode != nil {
		code := *info.ExitCode
		o.ExitCode = &code
	}
	if o.Info == nil {
		o.Info = make(map[string]string, len(info.Info)+2)
	}
	for k, v := range info.Info {
		o.Info[k] = v
	}
	if info.Name != "" {
		o.Info["name"] = info.Name
	}
	if info.Queue != "" {
		o.Info["queue"] = info.Queue
	}
}

// validateDescription checks what every adaptor needs from a description.
func validateDescription(op string, desc adaptor.JobDescription, interactive bool) error {
	if desc.Executable == "" {
		return errdefs.E(errdefs.IncompleteJobDescription, op, "executable missing")
	}
	if desc.Interactive && !interactive {
		return errdefs.E(errdefs.InvalidJobDescription, op, "interactive description submitted as a batch job")
	}
	if interactive && (desc.Stdin != "" || desc.Stdout != "" || desc.Stderr != "") {
		return errdefs.E(errdefs.InvalidJobDescription, op, "interactive jobs cannot redirect stdin, stdout or stderr")
	}
	if desc.MaxRuntime < 0 || desc.Tasks < 0 || desc.CoresPerTask < 0 || desc.TasksPerNode < 0 ||
		desc.MaxMemory < 0 || desc.TempSpace < 0 {
		return errdefs.E(errdefs.InvalidJobDescription, op, "resource requests must not be negative")
	}
	return nil
}

// SubmitBatchJob hands desc to the scheduler and returns as soon as the
// scheduler accepted it. Failures of the job itself show up in its status.
func (s *Scheduler) SubmitBatchJob(ctx context.Context, desc adaptor.JobDescription) (Job, error) {
	const op = "submit batch job"
	release, err := s.acquire(op)
	if err != nil {
		return Job{}, err
	}
	defer release()
	if !s.desc.SupportsBatch {
		return Job{}, errdefs.E(errdefs.UnsupportedOperation, op, s.adaptor+" does not run batch jobs")
	}
	if err := validateDescription(op, desc, false); err != nil {
		return Job{}, err
	}
	if err := s.checkQueue(ctx, op, desc.QueueName); err != nil {
		return Job{}, err
	}

	ctx, span := s.engine.tracer.Start(ctx, "scheduler.submit_batch_job", trace.WithAttributes(
		attribute.String("xenon.scheduler.adaptor", s.adaptor),
		attribute.String("xenon.job.executable", desc.Executable),
		attribute.String("xenon.job.queue", desc.QueueName),
	))
	defer span.End()

	desc = desc.Clone()
	id, err := s.driver.Submit(ctx, desc)
	if err != nil {
		err = s.mapErr(op, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Job{}, err
	}
	span.SetAttributes(attribute.String("xenon.job.id", id))
	if _, err := s.track(ctx, id, desc); err != nil {
		return Job{}, err
	}

	s.logger.Info("job submitted",
		slog.String("job_id", id),
		slog.String("executable", desc.Executable),
		slog.String("queue", desc.QueueName))
	return Job{ID: id, SchedulerID: s.id, Description: desc}, nil
}

// track registers id in the tracker and starts its monitor. The returned
// context ends when the entry is removed. Callers hold the read lock.
func (s *Scheduler) track(ctx context.Context, id string, desc adaptor.JobDescription) (context.Context, error) {
	monitorCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if _, err := s.engine.tracker.Start(s.id, lro.KindJob, id, cancel); err != nil {
		cancel()
		return nil, errdefs.E(errdefs.UnknownTransportFailure, "track job", err.Error())
	}
	_, _ = s.engine.tracker.Update(s.id, id, func(o *lro.Operation) {
		o.Info = map[string]string{"executable": desc.Executable}
		if desc.Name != "" {
			o.Info["name"] = desc.Name
		}
		if desc.QueueName != "" {
			o.Info["queue"] = desc.QueueName
		}
	})

	s.monitors.Add(1)
	go s.monitor(monitorCtx, id, log.WithJob(s.logger, id))
	return monitorCtx, nil
}

func (s *Scheduler) record(id string, info adaptor.JobInfo) (*lro.Operation, error) {
	return s.engine.tracker.Update(s.id, id, func(o *lro.Operation) { applyInfo(o, info) })
}

// monitor polls the driver until the job is terminal or its tracker
// entry is removed.
func (s *Scheduler) monitor(ctx context.Context, id string, logger *slog.Logger) {
	defer s.monitors.Done()

	interval := s.driver.PollInterval()
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		info, err := s.driver.JobStatus(ctx, id)
		switch {
		case ctx.Err() != nil:
			return
		case err == nil:
			failures = 0
			snap, updateErr := s.record(id, info)
			if updateErr != nil {
				return
			}
			if snap.Done() {
				attrs := []any{slog.String("state", string(snap.State))}
				if snap.ExitCode != nil {
					attrs = append(attrs, slog.Int("exit_code", *snap.ExitCode))
				}
				if snap.ErrorType != errdefs.None {
					attrs = append(attrs, slog.String("error_type", snap.ErrorType.String()))
				}
				logger.Info("job finished", attrs...)
				return
			}
		case errdefs.Is(err, errdefs.SchedulerClosed):
			return
		default:
			failures++
			if errdefs.Is(err, errdefs.NoSuchJob) || failures >= maxStatusFailures {
				err = s.mapErr("job status", err)
				_, _ = s.engine.tracker.Update(s.id, id, func(o *lro.Operation) { o.Fail(err) })
				logger.Warn("job lost", slog.String("error", err.Error()))
				return
			}
			logger.Debug("job status poll failed", slog.String("error", err.Error()), slog.Int("failures", failures))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// GetJobStatus asks the scheduler for the state of a job. Jobs submitted
// through this session keep their last known status after the scheduler
// itself has forgotten them.
func (s *Scheduler) GetJobStatus(ctx context.Context, jobID string) (JobStatus, error) {
	const op = "get job status"
	release, err := s.acquire(op)
	if err != nil {
		return JobStatus{}, err
	}
	defer release()
	return s.jobStatus(ctx, op, jobID)
}

func (s *Scheduler) jobStatus(ctx context.Context, op, id string) (JobStatus, error) {
	info, err := s.driver.JobStatus(ctx, id)
	snap, getErr := s.engine.tracker.Get(s.id, id)
	if getErr == nil {
		switch {
		case err == nil:
			if updated, _ := s.record(id, info); updated != nil {
				snap = updated
			}
		case !errdefs.Is(err, errdefs.NoSuchJob):
			return JobStatus{}, s.mapErr(op, err)
		}
		return statusFromOp(snap), nil
	}
	if err != nil {
		return JobStatus{}, s.mapErr(op, err)
	}
	return statusFromInfo(info), nil
}

// GetJobStatuses returns the status of every job. Failures are reported
// per job in the ErrorType of its status.
func (s *Scheduler) GetJobStatuses(ctx context.Context, jobIDs ...string) ([]JobStatus, error) {
	const op = "get job statuses"
	release, err := s.acquire(op)
	if err != nil {
		return nil, err
	}
	defer release()

	out := make([]JobStatus, 0, len(jobIDs))
	for _, id := range jobIDs {
		status, err := s.jobStatus(ctx, op, id)
		if err != nil {
			status = JobStatus{
				JobID:        id,
				ErrorType:    errdefs.KindOf(err),
				ErrorMessage: errdefs.Message(err),
			}
		}
		out = append(out, status)
	}
	return out, nil
}

// WaitUntilRunning blocks until the job left PENDING or timeout elapses.
// A timeout of zero waits without limit. When the timeout elapses first
// the returned status is the last one observed.
func (s *Scheduler) WaitUntilRunning(ctx context.Context, jobID string, timeout time.Duration) (JobStatus, error) {
	return s.wait(ctx, "wait until running", jobID, timeout, func(o *lro.Operation) bool {
		return o.State != lro.StatePending
	})
}

// WaitUntilDone blocks until the job is terminal or timeout elapses. A
// timeout of zero waits without limit. When the timeout elapses first the
// returned status has Done == false.
func (s *Scheduler) WaitUntilDone(ctx context.Context, jobID string, timeout time.Duration) (JobStatus, error) {
	return s.wait(ctx, "wait until done", jobID, timeout, nil)
}

func (s *Scheduler) wait(ctx context.Context, op, id string, timeout time.Duration, until func(*lro.Operation) bool) (JobStatus, error) {
	if timeout < 0 {
		return JobStatus{}, errdefs.E(errdefs.InvalidOptions, op, "timeout must not be negative")
	}
	release, err := s.acquire(op)
	if err != nil {
		return JobStatus{}, err
	}
	if _, err := s.engine.tracker.Get(s.id, id); errors.Is(err, lro.ErrNotFound) {
		// Jobs not submitted through this session are followed from now on.
		info, err := s.driver.JobStatus(ctx, id)
		if err == nil {
			_, err = s.track(ctx, id, adaptor.JobDescription{Name: info.Name, QueueName: info.Queue})
		}
		if err != nil {
			release()
			return JobStatus{}, s.mapErr(op, err)
		}
		_, _ = s.record(id, info)
	}
	release()

	snap, err := s.engine.tracker.Wait(ctx, s.id, id, timeout, until)
	if errors.Is(err, lro.ErrNotFound) {
		if !s.IsOpen() {
			return JobStatus{}, s.closedError(op)
		}
		return JobStatus{}, errdefs.E(errdefs.NoSuchJob, op, "job "+id+" was deleted")
	}
	if err != nil {
		if snap != nil {
			return statusFromOp(snap), err
		}
		return JobStatus{}, err
	}
	return statusFromOp(snap), nil
}

// CancelJob asks the scheduler to stop a job and returns the status at the
// time of the request. The job reaches ERROR with JobCanceled once the
// scheduler confirms.
func (s *Scheduler) CancelJob(ctx context.Context, jobID string) (JobStatus, error) {
	const op = "cancel job"
	release, err := s.acquire(op)
	if err != nil {
		return JobStatus{}, err
	}
	defer release()
	if err := s.driver.Cancel(ctx, jobID); err != nil {
		return JobStatus{}, s.mapErr(op, err)
	}
	s.logger.Info("job cancel requested", slog.String("job_id", jobID))
	return s.jobStatus(ctx, op, jobID)
}

// DeleteJob releases what the session and the scheduler keep for a job.
// A job that is still running is cancelled first.
func (s *Scheduler) DeleteJob(ctx context.Context, jobID string) error {
	const op = "delete job"
	release, err := s.acquire(op)
	if err != nil {
		return err
	}
	defer release()

	forgetErr := s.driver.Forget(ctx, jobID)
	removeErr := s.engine.tracker.Remove(s.id, jobID)
	if forgetErr == nil || (errdefs.Is(forgetErr, errdefs.NoSuchJob) && removeErr == nil) {
		s.logger.Debug("job deleted", slog.String("job_id", jobID))
		return nil
	}
	return s.mapErr(op, forgetErr)
}
