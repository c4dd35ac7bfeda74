// © 2025 Platform Engineering Labs Inc.
//
// SPDX-License-Identifier: FSL-1.1-ALv2

package jobqueue

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platform-engineering-labs/xenon-go/pkg/adaptor"
	"github.com/platform-engineering-labs/xenon-go/pkg/errdefs"
)

// fakeLauncher starts processes that exit when released or terminated.
type fakeLauncher struct {
	mu       sync.Mutex
	procs    []*fakeProcess
	startErr error
	closed   atomic.Bool
}

type fakeProcess struct {
	desc       adaptor.JobDescription
	exit       chan int
	terminated atomic.Bool
}

func (l *fakeLauncher) Start(_ context.Context, desc adaptor.JobDescription, _ bool) (Process, error) {
	if l.startErr != nil {
		return nil, l.startErr
	}
	p := &fakeProcess{desc: desc, exit: make(chan int, 1)}
	l.mu.Lock()
	l.procs = append(l.procs, p)
	l.mu.Unlock()
	return p, nil
}

func (l *fakeLauncher) Close() error {
	l.closed.Store(true)
	return nil
}

func (l *fakeLauncher) started() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

func (l *fakeLauncher) proc(i int) *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[i]
}

func (p *fakeProcess) Streams() *adaptor.Streams { return nil }

func (p *fakeProcess) Wait() (int, error) { return <-p.exit, nil }

func (p *fakeProcess) Terminate(time.Duration) error {
	if p.terminated.CompareAndSwap(false, true) {
		p.exit <- 143
	}
	return nil
}

func state(t *testing.T, s *Scheduler, id string) adaptor.JobState {
	t.Helper()
	info, err := s.JobStatus(context.Background(), id)
	require.NoError(t, err)
	return info.State
}

func TestSingleQueueRunsOneJobAtATime(t *testing.T) {
	l := &fakeLauncher{}
	s := New(l, Config{Prefix: "local"})
	ctx := context.Background()

	first, err := s.Submit(ctx, adaptor.JobDescription{Executable: "a"})
	require.NoError(t, err)
	second, err := s.Submit(ctx, adaptor.JobDescription{Executable: "b"})
	require.NoError(t, err)
	assert.Equal(t, "local-0", first)
	assert.Equal(t, "local-1", second)

	require.Eventually(t, func() bool { return l.started() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, adaptor.JobRunning, state(t, s, first))
	assert.Equal(t, adaptor.JobPending, state(t, s, second))

	l.proc(0).exit <- 0
	require.Eventually(t, func() bool { return l.started() == 2 }, time.Second, 5*time.Millisecond)

	info, err := s.JobStatus(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, adaptor.JobDone, info.State)
	require.NotNil(t, info.ExitCode)
	assert.Equal(t, 0, *info.ExitCode)

	l.proc(1).exit <- 3
	require.Eventually(t, func() bool { return state(t, s, second) == adaptor.JobDone }, time.Second, 5*time.Millisecond)
	info, err = s.JobStatus(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, 3, *info.ExitCode)
	assert.NoError(t, info.Err)
}

func TestSingleQueueStartsInSubmissionOrder(t *testing.T) {
	l := &fakeLauncher{}
	s := New(l, Config{})
	ctx := context.Background()

	const n = 10
	for i := 0; i < n; i++ {
		_, err := s.Submit(ctx, adaptor.JobDescription{Executable: strconv.Itoa(i)})
		require.NoError(t, err)
	}
	for i := 0; i < n; i++ {
		require.Eventually(t, func() bool { return l.started() == i+1 }, time.Second, time.Millisecond)
		assert.Equal(t, strconv.Itoa(i), l.proc(i).desc.Executable)
		l.proc(i).exit <- 0
	}
	require.NoError(t, s.Close())
}

func TestCancelledPendingJobKeepsQueueOrder(t *testing.T) {
	l := &fakeLauncher{}
	s := New(l, Config{})
	ctx := context.Background()

	var ids []string
	for _, exe := range []string{"a", "b", "c"} {
		id, err := s.Submit(ctx, adaptor.JobDescription{Executable: exe})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.Eventually(t, func() bool { return l.started() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Cancel(ctx, ids[1]))
	require.Eventually(t, func() bool { return state(t, s, ids[1]) == adaptor.JobError }, time.Second, 5*time.Millisecond)

	l.proc(0).exit <- 0
	require.Eventually(t, func() bool { return l.started() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "c", l.proc(1).desc.Executable)

	status, err := s.QueueStatus(ctx, QueueSingle)
	require.NoError(t, err)
	assert.Equal(t, "1", status["running"])
	assert.Equal(t, "0", status["pending"])
	require.NoError(t, s.Close())
}

func TestMultiQueueHonoursSlots(t *testing.T) {
	l := &fakeLauncher{}
	s := New(l, Config{MultiSlots: 2})
	for i := 0; i < 3; i++ {
		_, err := s.Submit(context.Background(), adaptor.JobDescription{Executable: "x", QueueName: QueueMulti})
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return l.started() == 2 }, time.Second, 5*time.Millisecond)

	status, err := s.QueueStatus(context.Background(), QueueMulti)
	require.NoError(t, err)
	assert.Equal(t, "2", status["slots"])
	assert.Equal(t, "2", status["running"])
	assert.Equal(t, "1", status["pending"])

	require.NoError(t, s.Close())
}

func TestUnlimitedQueue(t *testing.T) {
	l := &fakeLauncher{}
	s := New(l, Config{})
	for i := 0; i < 10; i++ {
		_, err := s.Submit(context.Background(), adaptor.JobDescription{Executable: "x", QueueName: QueueUnlimited})
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return l.started() == 10 }, time.Second, 5*time.Millisecond)

	status, err := s.QueueStatus(context.Background(), QueueUnlimited)
	require.NoError(t, err)
	assert.Equal(t, "unlimited", status["slots"])
	require.NoError(t, s.Close())
}

func TestValidation(t *testing.T) {
	s := New(&fakeLauncher{}, Config{})
	ctx := context.Background()

	_, err := s.Submit(ctx, adaptor.JobDescription{Executable: "x", QueueName: "express"})
	assert.True(t, errdefs.Is(err, errdefs.NoSuchQueue))

	_, err = s.Submit(ctx, adaptor.JobDescription{Executable: "x", Tasks: 4})
	assert.True(t, errdefs.Is(err, errdefs.InvalidJobDescription))

	_, err = s.Submit(ctx, adaptor.JobDescription{Executable: "x", SchedulerArguments: []string{"--exclusive"}})
	assert.True(t, errdefs.Is(err, errdefs.UnsupportedJobDescription))

	_, err = s.JobStatus(ctx, "local-99")
	assert.True(t, errdefs.Is(err, errdefs.NoSuchJob))

	_, err = s.Jobs(ctx, "express")
	assert.True(t, errdefs.Is(err, errdefs.NoSuchQueue))
}

func TestCancelPendingAndRunning(t *testing.T) {
	l := &fakeLauncher{}
	s := New(l, Config{})
	ctx := context.Background()

	running, err := s.Submit(ctx, adaptor.JobDescription{Executable: "a"})
	require.NoError(t, err)
	pending, err := s.Submit(ctx, adaptor.JobDescription{Executable: "b"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return l.started() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "a", l.proc(0).desc.Executable)

	require.NoError(t, s.Cancel(ctx, pending))
	require.Eventually(t, func() bool { return state(t, s, pending) == adaptor.JobError }, time.Second, 5*time.Millisecond)
	info, err := s.JobStatus(ctx, pending)
	require.NoError(t, err)
	assert.True(t, errdefs.Is(info.Err, errdefs.JobCanceled))

	require.NoError(t, s.Cancel(ctx, running))
	require.Eventually(t, func() bool { return state(t, s, running) == adaptor.JobError }, time.Second, 5*time.Millisecond)
	assert.True(t, l.proc(0).terminated.Load())
	info, err = s.JobStatus(ctx, running)
	require.NoError(t, err)
	assert.True(t, errdefs.Is(info.Err, errdefs.JobCanceled))
	require.NotNil(t, info.ExitCode)
	assert.Equal(t, 143, *info.ExitCode)

	// Cancelling a terminal job changes nothing.
	require.NoError(t, s.Cancel(ctx, running))
	assert.Equal(t, adaptor.JobError, state(t, s, running))
	assert.Equal(t, 1, l.started())
}

func TestStartFailureIsReportedInStatus(t *testing.T) {
	l := &fakeLauncher{startErr: errors.New("exec: \"nope\": executable file not found in $PATH")}
	s := New(l, Config{})

	id, err := s.Submit(context.Background(), adaptor.JobDescription{Executable: "nope"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return state(t, s, id) == adaptor.JobError }, time.Second, 5*time.Millisecond)

	_, _, err = s.SubmitInteractive(context.Background(), adaptor.JobDescription{Executable: "nope"})
	assert.Error(t, err)
}

func TestForgetAndJobs(t *testing.T) {
	l := &fakeLauncher{}
	s := New(l, Config{})
	ctx := context.Background()

	a, err := s.Submit(ctx, adaptor.JobDescription{Executable: "a"})
	require.NoError(t, err)
	b, err := s.Submit(ctx, adaptor.JobDescription{Executable: "b", QueueName: QueueUnlimited})
	require.NoError(t, err)

	ids, err := s.Jobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{a, b}, ids)

	ids, err = s.Jobs(ctx, QueueUnlimited)
	require.NoError(t, err)
	assert.Equal(t, []string{b}, ids)

	require.NoError(t, s.Forget(ctx, a))
	_, err = s.JobStatus(ctx, a)
	assert.True(t, errdefs.Is(err, errdefs.NoSuchJob))
	require.NoError(t, s.Close())
}

func TestClose(t *testing.T) {
	l := &fakeLauncher{}
	s := New(l, Config{})
	_, err := s.Submit(context.Background(), adaptor.JobDescription{Executable: "a"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return l.started() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Close())
	assert.True(t, l.closed.Load())
	assert.True(t, l.proc(0).terminated.Load())

	_, err = s.Submit(context.Background(), adaptor.JobDescription{Executable: "a"})
	assert.True(t, errdefs.Is(err, errdefs.SchedulerClosed))
	assert.True(t, errdefs.Is(s.Close(), errdefs.SchedulerClosed))
}
