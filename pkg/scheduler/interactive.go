// © 2025 Platform Engineering Labs Inc.
//
// SPDX-License-Identifier: FSL-1.1-ALv2

package scheduler

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/platform-engineering-labs/xenon-go/internal/log"
	"github.com/platform-engineering-labs/xenon-go/pkg/adaptor"
	"github.com/platform-engineering-labs/xenon-go/pkg/errdefs"
	"github.com/platform-engineering-labs/xenon-go/pkg/stream"
)

const (
	// OutputCapacity is how many output records are buffered before the
	// job's output pumps wait for the consumer.
	OutputCapacity = 16

	outputChunkSize = 32 * 1024
)

// Output is one record of the output sequence of an interactive job.
type Output struct {
	// Job is set on the first record only.
	Job    *Job
	Stdout []byte
	Stderr []byte
}

// InteractiveJob is a job whose standard streams are live.
type InteractiveJob struct {
	Job Job

	output chan Output
	err    error
}

// Output returns the output records in arrival order. The first record
// carries the job; the channel is closed when both stdout and stderr of
// the process reached end of file.
func (j *InteractiveJob) Output() <-chan Output { return j.output }

// Err returns the first failure reading the output streams. It is only
// meaningful after the output channel was closed.
func (j *InteractiveJob) Err() error { return j.err }

// Records returns the output as a lazy sequence. A read failure, if any,
// is the last element.
func (j *InteractiveJob) Records() iter.Seq2[Output, error] {
	return func(yield func(Output, error) bool) {
		for rec := range j.output {
			if !yield(rec, nil) {
				return
			}
		}
		if j.err != nil {
			yield(Output{}, j.err)
		}
	}
}

// SubmitInteractiveJob starts desc with live streams. Every chunk sent to
// stdin is written to the process in order; closing stdin closes the
// process's standard input without stopping the job. A nil stdin gives
// the process an empty standard input.
func (s *Scheduler) SubmitInteractiveJob(ctx context.Context, desc adaptor.JobDescription, stdin *stream.Producer) (*InteractiveJob, error) {
	const op = "submit interactive job"
	release, err := s.acquire(op)
	if err != nil {
		return nil, err
	}
	defer release()
	if !s.desc.SupportsInteractive {
		return nil, errdefs.E(errdefs.UnsupportedOperation, op, s.adaptor+" does not run interactive jobs")
	}
	desc = desc.Clone()
	desc.Interactive = true
	if err := validateDescription(op, desc, true); err != nil {
		return nil, err
	}
	if err := s.checkQueue(ctx, op, desc.QueueName); err != nil {
		return nil, err
	}

	ctx, span := s.engine.tracer.Start(ctx, "scheduler.submit_interactive_job", trace.WithAttributes(
		attribute.String("xenon.scheduler.adaptor", s.adaptor),
		attribute.String("xenon.job.executable", desc.Executable),
	))
	defer span.End()

	id, streams, err := s.driver.SubmitInteractive(ctx, desc)
	if err != nil {
		err = s.mapErr(op, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("xenon.job.id", id))
	runCtx, err := s.track(ctx, id, desc)
	if err != nil {
		return nil, err
	}

	job := Job{ID: id, SchedulerID: s.id, Description: desc}
	ij := &InteractiveJob{Job: job, output: make(chan Output, OutputCapacity)}
	ij.output <- Output{Job: &job}

	logger := log.WithJob(s.logger, id)
	s.pumps.Add(2)
	go func() {
		defer s.pumps.Done()
		pumpStdin(runCtx, streams.Stdin, stdin, logger)
	}()
	go func() {
		defer s.pumps.Done()
		ij.pump(runCtx, streams)
	}()

	logger.Info("interactive job started", slog.String("executable", desc.Executable))
	return ij, nil
}

// pumpStdin writes the producer's chunks to w and closes w when the
// producer is closed. If the process stops reading, the rest of the input
// is discarded so the producer never blocks.
func pumpStdin(ctx context.Context, w io.WriteCloser, p *stream.Producer, logger *slog.Logger) {
	if w == nil {
		if p != nil {
			discard(p)
		}
		return
	}
	defer func() { _ = w.Close() }()
	if p == nil {
		return
	}
	for {
		select {
		case chunk, ok := <-p.Chunks():
			if !ok {
				return
			}
			if _, err := w.Write(chunk); err != nil {
				logger.Debug("job stdin closed", slog.String("error", err.Error()))
				discard(p)
				return
			}
		case <-ctx.Done():
			discard(p)
			return
		}
	}
}

func discard(p *stream.Producer) {
	p.Close()
	for range p.Chunks() {
	}
}

// pump forwards stdout and stderr until both reached end of file, then
// closes the output channel.
func (j *InteractiveJob) pump(ctx context.Context, streams *adaptor.Streams) {
	var g errgroup.Group
	g.Go(func() error {
		return j.forward(ctx, streams.Stdout, func(b []byte) Output { return Output{Stdout: b} })
	})
	g.Go(func() error {
		return j.forward(ctx, streams.Stderr, func(b []byte) Output { return Output{Stderr: b} })
	})
	j.err = g.Wait()
	close(j.output)
}

func (j *InteractiveJob) forward(ctx context.Context, r io.Reader, wrap func([]byte) Output) error {
	if r == nil {
		return nil
	}
	buf := make([]byte, outputChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			select {
			case j.output <- wrap(append([]byte(nil), buf[:n]...)):
			case <-ctx.Done():
				return nil
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errdefs.FromTransport("read job "+j.Job.ID+" output", err)
		}
	}
}
