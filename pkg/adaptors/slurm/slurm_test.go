// © 2025 Platform Engineering Labs Inc.
//
// SPDX-License-Identifier: FSL-1.1-ALv2

package slurm

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platform-engineering-labs/xenon-go/internal/log"
	"github.com/platform-engineering-labs/xenon-go/pkg/adaptor"
	"github.com/platform-engineering-labs/xenon-go/pkg/adaptors/sshconn"
	"github.com/platform-engineering-labs/xenon-go/pkg/credential"
	"github.com/platform-engineering-labs/xenon-go/pkg/errdefs"
)

// fakeExecutor answers commands by prefix.
type fakeExecutor struct {
	mu       sync.Mutex
	answers  map[string]sshconn.Result
	commands []string
	stdin    []string
	closed   bool
}

func newFake() *fakeExecutor {
	return &fakeExecutor{answers: map[string]sshconn.Result{
		"sinfo --noheader --format=%P": {Stdout: []byte("debug\nbatch*\nbatch*\n")},
	}}
}

func (f *fakeExecutor) answer(prefix, stdout string, code int, stderr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers[prefix] = sshconn.Result{Stdout: []byte(stdout), Stderr: []byte(stderr), ExitCode: code}
}

func (f *fakeExecutor) Exec(_ context.Context, command string, stdin io.Reader) (sshconn.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, command)
	if stdin != nil {
		b, _ := io.ReadAll(stdin)
		f.stdin = append(f.stdin, string(b))
	}
	best := ""
	for prefix := range f.answers {
		if strings.HasPrefix(command, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return sshconn.Result{ExitCode: 1, Stderr: []byte("command not found")}, nil
	}
	return f.answers[best], nil
}

func (f *fakeExecutor) Close() error {
	f.closed = true
	return nil
}

func newScheduler(f *fakeExecutor) *Scheduler {
	return NewScheduler(f, Config{Logger: log.Discard()})
}

func TestQueues(t *testing.T) {
	s := newScheduler(newFake())
	ctx := context.Background()

	queues, err := s.Queues(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"debug", "batch"}, queues)

	def, err := s.DefaultQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "batch", def)
}

func TestSubmitWritesScript(t *testing.T) {
	f := newFake()
	f.answer("sbatch --parsable", "4242;cluster\n", 0, "")
	s := newScheduler(f)

	id, err := s.Submit(context.Background(), adaptor.JobDescription{
		Name:             "sim",
		Executable:       "/usr/bin/sim",
		Arguments:        []string{"--steps", "10 000"},
		WorkingDirectory: "/scratch/run",
		QueueName:        "debug",
		Tasks:            4,
		MaxRuntime:       30,
		MaxMemory:        2048,
		Stdout:           "out.log",
		Environment:      map[string]string{"OMP_NUM_THREADS": "2"},
		StartPerTask:     true,
	})
	require.NoError(t, err)
	assert.Equal(t, "4242", id)

	require.Len(t, f.stdin, 1)
	script := f.stdin[0]
	assert.True(t, strings.HasPrefix(script, "#!/bin/sh\n"))
	for _, want := range []string{
		"#SBATCH --job-name=sim\n",
		"#SBATCH --chdir=/scratch/run\n",
		"#SBATCH --partition=debug\n",
		"#SBATCH --ntasks=4\n",
		"#SBATCH --time=30\n",
		"#SBATCH --mem=2048M\n",
		"#SBATCH --output=out.log\n",
		"#SBATCH --error=/dev/null\n",
		"export OMP_NUM_THREADS=2\n",
		"srun /usr/bin/sim --steps '10 000'\n",
	} {
		assert.Contains(t, script, want)
	}
}

func TestSubmitValidation(t *testing.T) {
	f := newFake()
	f.answer("sbatch --parsable", "", 1, "sbatch: error: Batch job submission failed: Requested node configuration is not available")
	s := newScheduler(f)
	ctx := context.Background()

	_, err := s.Submit(ctx, adaptor.JobDescription{Executable: "x", QueueName: "gpu"})
	assert.True(t, errdefs.Is(err, errdefs.NoSuchQueue))

	_, err = s.Submit(ctx, adaptor.JobDescription{Executable: "x", Interactive: true})
	assert.True(t, errdefs.Is(err, errdefs.UnsupportedJobDescription))

	_, err = s.Submit(ctx, adaptor.JobDescription{Executable: "x", SchedulerArguments: []string{"exclusive"}})
	assert.True(t, errdefs.Is(err, errdefs.InvalidJobDescription))

	_, err = s.Submit(ctx, adaptor.JobDescription{Executable: "x"})
	assert.True(t, errdefs.Is(err, errdefs.InvalidJobDescription))
	assert.Contains(t, errdefs.Message(err), "node configuration")

	_, _, err = s.SubmitInteractive(ctx, adaptor.JobDescription{Executable: "x"})
	assert.True(t, errdefs.Is(err, errdefs.UnsupportedOperation))
}

func TestJobStatusFromSqueue(t *testing.T) {
	f := newFake()
	f.answer("squeue --noheader --format='%i|%j|%P|%T' --jobs=7", "7|sim|batch|PENDING\n", 0, "")
	f.answer("squeue --noheader --format='%i|%j|%P|%T' --jobs=8", "8|sim|batch|RUNNING\n", 0, "")
	s := newScheduler(f)

	info, err := s.JobStatus(context.Background(), "7")
	require.NoError(t, err)
	assert.Equal(t, adaptor.JobPending, info.State)
	assert.Equal(t, "batch", info.Queue)

	info, err = s.JobStatus(context.Background(), "8")
	require.NoError(t, err)
	assert.Equal(t, adaptor.JobRunning, info.State)
	assert.Equal(t, "RUNNING", info.Info["state"])
}

func TestJobStatusFromSacct(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		state    adaptor.JobState
		exitCode *int
		kind     errdefs.Kind
	}{
		{"completed", "9|sim|batch|COMPLETED|0:0", adaptor.JobDone, intPtr(0), errdefs.None},
		{"failed", "9|sim|batch|FAILED|3:0", adaptor.JobDone, intPtr(3), errdefs.None},
		{"cancelled", "9|sim|batch|CANCELLED by 1000|0:15", adaptor.JobError, intPtr(143), errdefs.JobCanceled},
		{"timeout", "9|sim|batch|TIMEOUT|0:0", adaptor.JobError, intPtr(0), errdefs.JobCanceled},
		{"node failure", "9|sim|batch|NODE_FAIL|0:0", adaptor.JobError, nil, errdefs.UnknownTransportFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFake()
			f.answer("squeue", "", 1, "slurm_load_jobs error: Invalid job id specified")
			f.answer("sacct", tt.line+"\n", 0, "")
			s := newScheduler(f)

			info, err := s.JobStatus(context.Background(), "9")
			require.NoError(t, err)
			assert.Equal(t, tt.state, info.State)
			assert.Equal(t, tt.exitCode, info.ExitCode)
			assert.Equal(t, tt.kind, errdefs.KindOf(info.Err))
		})
	}
}

func intPtr(n int) *int { return &n }

func TestJobStatusUnknown(t *testing.T) {
	f := newFake()
	f.answer("squeue", "", 0, "")
	f.answer("sacct", "", 0, "")
	f.answer("sbatch --parsable", "11\n", 0, "")
	s := newScheduler(f)
	ctx := context.Background()

	_, err := s.JobStatus(ctx, "10")
	assert.True(t, errdefs.Is(err, errdefs.NoSuchJob))
	_, err = s.JobStatus(ctx, "not-a-number")
	assert.True(t, errdefs.Is(err, errdefs.NoSuchJob))

	// A job this session submitted that vanished without accounting is done.
	id, err := s.Submit(ctx, adaptor.JobDescription{Executable: "x"})
	require.NoError(t, err)
	info, err := s.JobStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, adaptor.JobDone, info.State)
	assert.Nil(t, info.ExitCode)

	require.NoError(t, s.Forget(ctx, id))
	_, err = s.JobStatus(ctx, id)
	assert.True(t, errdefs.Is(err, errdefs.NoSuchJob))
}

func TestJobsAndCancel(t *testing.T) {
	f := newFake()
	f.answer("squeue --noheader --format=%i", "12\n3\n", 0, "")
	f.answer("scancel 3", "", 0, "")
	f.answer("scancel 99", "", 1, "scancel: error: Kill job error on job id 99: Invalid job id specified")
	s := newScheduler(f)
	ctx := context.Background()

	ids, err := s.Jobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"3", "12"}, ids)

	_, err = s.Jobs(ctx, "gpu")
	assert.True(t, errdefs.Is(err, errdefs.NoSuchQueue))

	_, err = s.Jobs(ctx, "debug")
	require.NoError(t, err)
	assert.Contains(t, f.commands[len(f.commands)-1], "--partition=debug")

	require.NoError(t, s.Cancel(ctx, "3"))
	assert.True(t, errdefs.Is(s.Cancel(ctx, "99"), errdefs.NoSuchJob))
}

func TestQueueStatus(t *testing.T) {
	f := newFake()
	f.answer("sinfo --noheader --format='%P|%a|%l|%D|%T'", "batch*|up|1-00:00:00|3|idle\nbatch*|up|1-00:00:00|2|allocated\n", 0, "")
	s := newScheduler(f)

	status, err := s.QueueStatus(context.Background(), "batch")
	require.NoError(t, err)
	assert.Equal(t, "batch", status["name"])
	assert.Equal(t, "up", status["availability"])
	assert.Equal(t, "5", status["nodes"])
	assert.Equal(t, "3", status["nodes.idle"])

	_, err = s.QueueStatus(context.Background(), "gpu")
	assert.True(t, errdefs.Is(err, errdefs.NoSuchQueue))
}

func TestClose(t *testing.T) {
	f := newFake()
	s := newScheduler(f)
	require.NoError(t, s.Close())
	assert.True(t, f.closed)

	_, err := s.Queues(context.Background())
	assert.True(t, errdefs.Is(err, errdefs.SchedulerClosed))
	assert.True(t, errdefs.Is(s.Close(), errdefs.SchedulerClosed))
}

func TestLocationsAndFileSystem(t *testing.T) {
	a := New()
	for _, loc := range []string{"", "local://", "ssh://head.example.org", "ssh://head.example.org:2222"} {
		assert.NoError(t, a.ValidateLocation(loc), loc)
	}
	for _, loc := range []string{"head.example.org", "sftp://head.example.org", "ssh://"} {
		assert.True(t, errdefs.Is(a.ValidateLocation(loc), errdefs.InvalidLocation), loc)
	}

	s := NewScheduler(newFake(), Config{Logger: log.Discard()})
	name, loc, _ := s.FileSystem()
	assert.Equal(t, "file", name)
	assert.Empty(t, loc)

	remote := NewScheduler(newFake(), Config{
		Logger:     log.Discard(),
		Remote:     &sshconn.Target{Host: "head.example.org", Port: "22"},
		Credential: credential.Password{Username: "u", Password: "p"},
	})
	name, loc, cred := remote.FileSystem()
	assert.Equal(t, "sftp", name)
	assert.Equal(t, "head.example.org:22", loc)
	assert.Equal(t, credential.TypePassword, cred.Type())
}
