// © 2025 Platform Engineering Labs Inc.
//
// SPDX-License-Identifier: FSL-1.1-ALv2

// Package slurm is the "slurm" scheduler adaptor. It drives sbatch, squeue,
// sacct, scancel and sinfo on the machine that hosts the controller, either
// locally or over SSH.
package slurm

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/platform-engineering-labs/xenon-go/internal/log"
	"github.com/platform-engineering-labs/xenon-go/pkg/adaptor"
	"github.com/platform-engineering-labs/xenon-go/pkg/adaptors/localfs"
	"github.com/platform-engineering-labs/xenon-go/pkg/adaptors/sftpfs"
	"github.com/platform-engineering-labs/xenon-go/pkg/adaptors/sshconn"
	"github.com/platform-engineering-labs/xenon-go/pkg/credential"
	"github.com/platform-engineering-labs/xenon-go/pkg/errdefs"
)

// Name is the registered adaptor name.
const Name = "slurm"

const (
	PropertyPrefix = "xenon.adaptors.schedulers.slurm"
	PropPollDelay  = PropertyPrefix + ".poll.delay"
)

// Adaptor opens slurm scheduler sessions.
type Adaptor struct{}

// New returns the slurm adaptor.
func New() *Adaptor { return &Adaptor{} }

func (*Adaptor) Description() adaptor.Description {
	props := append(sshconn.PropertyDescriptions(PropertyPrefix), adaptor.PropertyDescription{
		Name:        PropPollDelay,
		Type:        adaptor.TypeDuration,
		Default:     "1s",
		Description: "How often job state is polled.",
	})
	return adaptor.Description{
		Name:        Name,
		Kind:        adaptor.KindScheduler,
		Description: "The Slurm adaptor submits batch jobs to a Slurm cluster, on this machine or over SSH.",
		SupportedLocations: []string{
			"(empty string)",
			"local://",
			"ssh://host[:port]",
		},
		SupportedCredentials: []credential.Type{
			credential.TypeDefault,
			credential.TypePassword,
			credential.TypeCertificate,
			credential.TypeMap,
		},
		SupportedProperties: props,
		SupportsBatch:       true,
		UsesFileSystem:      true,
		FileSystemAdaptor:   sftpfs.Name,
	}
}

func (*Adaptor) ValidateLocation(location string) error {
	if adaptor.IsLocalLocation(location, "local") {
		return nil
	}
	if !strings.HasPrefix(location, "ssh://") {
		return errdefs.Errorf(errdefs.InvalidLocation, "slurm location must be local or ssh://host[:port], got %q", location)
	}
	_, err := sshconn.ParseTarget(location, "ssh")
	return err
}

func (a *Adaptor) OpenScheduler(ctx context.Context, location string, cred credential.Credential, props adaptor.Properties) (adaptor.SchedulerDriver, error) {
	if err := a.ValidateLocation(location); err != nil {
		return nil, err
	}
	cfg := Config{PollInterval: props.Duration(PropPollDelay)}
	if adaptor.IsLocalLocation(location, "local") {
		return NewScheduler(localExecutor{}, cfg), nil
	}

	target, err := sshconn.ParseTarget(location, "ssh")
	if err != nil {
		return nil, err
	}
	client, err := sshconn.Dial(ctx, target, cred, sshconn.OptionsFrom(props, PropertyPrefix))
	if err != nil {
		return nil, err
	}
	cfg.Remote = &target
	cfg.Credential = cred
	s := NewScheduler(&sshExecutor{client: client}, cfg)
	if _, err := s.Queues(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Config configures a Scheduler.
type Config struct {
	PollInterval time.Duration
	// Remote is set when the controller is reached over SSH.
	Remote     *sshconn.Target
	Credential credential.Credential
	Logger     *slog.Logger
}

// Scheduler is one slurm session.
type Scheduler struct {
	exec   Executor
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	submitted map[string]bool
	closed    bool
}

// NewScheduler returns a session that runs slurm commands through exec.
func NewScheduler(exec Executor, cfg Config) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.WithComponent("slurm")
	}
	return &Scheduler{
		exec:      exec,
		cfg:       cfg,
		logger:    logger,
		submitted: make(map[string]bool),
	}
}

func (s *Scheduler) PollInterval() time.Duration { return s.cfg.PollInterval }

// FileSystem reports the file system of the controller machine.
func (s *Scheduler) FileSystem() (string, string, credential.Credential) {
	if s.cfg.Remote == nil {
		return localfs.Name, "", credential.Default{}
	}
	return sftpfs.Name, s.cfg.Remote.Address(), s.cfg.Credential
}

// run executes a command and fails on a non-zero exit status.
func (s *Scheduler) run(ctx context.Context, command, stdin string) (string, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return "", errdefs.E(errdefs.SchedulerClosed, "scheduler is closed")
	}

	var in io.Reader
	if stdin != "" {
		in = strings.NewReader(stdin)
	}
	res, err := s.exec.Exec(ctx, command, in)
	if err != nil {
		return "", errdefs.FromTransport(firstWord(command), err)
	}
	if res.ExitCode != 0 {
		return string(res.Stdout), &commandError{command: firstWord(command), code: res.ExitCode, stderr: strings.TrimSpace(string(res.Stderr))}
	}
	return string(res.Stdout), nil
}

type commandError struct {
	command string
	code    int
	stderr  string
}

func (e *commandError) Error() string {
	return e.command + " exited with status " + strconv.Itoa(e.code) + ": " + e.stderr
}

func firstWord(command string) string {
	if i := strings.IndexByte(command, ' '); i > 0 {
		return command[:i]
	}
	return command
}

// partitions lists the partitions and the default one, which sinfo marks
// with a trailing '*'.
func (s *Scheduler) partitions(ctx context.Context) ([]string, string, error) {
	out, err := s.run(ctx, "sinfo --noheader --format=%P", "")
	if err != nil {
		return nil, "", err
	}
	var names []string
	var def string
	seen := make(map[string]bool)
	for _, line := range strings.Split(out, "\n") {
		name := strings.TrimSpace(line)
		if name == "" {
			continue
		}
		if strings.HasSuffix(name, "*") {
			name = strings.TrimSuffix(name, "*")
			def = name
		}
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	if def == "" && len(names) > 0 {
		def = names[0]
	}
	return names, def, nil
}

func (s *Scheduler) Queues(ctx context.Context) ([]string, error) {
	names, _, err := s.partitions(ctx)
	return names, err
}

func (s *Scheduler) DefaultQueue(ctx context.Context) (string, error) {
	_, def, err := s.partitions(ctx)
	return def, err
}

func (s *Scheduler) checkQueues(ctx context.Context, queues ...string) error {
	if len(queues) == 0 {
		return nil
	}
	names, _, err := s.partitions(ctx)
	if err != nil {
		return err
	}
	for _, q := range queues {
		if !contains(names, q) {
			return errdefs.Errorf(errdefs.NoSuchQueue, "no partition %q", q)
		}
	}
	return nil
}

// Submit hands a generated batch script to sbatch.
func (s *Scheduler) Submit(ctx context.Context, desc adaptor.JobDescription) (string, error) {
	if err := validate(desc); err != nil {
		return "", err
	}
	if desc.QueueName != "" {
		if err := s.checkQueues(ctx, desc.QueueName); err != nil {
			return "", err
		}
	}
	out, err := s.run(ctx, "sbatch --parsable", batchScript(desc))
	if err != nil {
		if ce, ok := err.(*commandError); ok {
			if strings.Contains(strings.ToLower(ce.stderr), "invalid partition") {
				return "", errdefs.E(errdefs.NoSuchQueue, "sbatch", ce.stderr, ce)
			}
			return "", errdefs.E(errdefs.InvalidJobDescription, "sbatch", ce.stderr, ce)
		}
		return "", err
	}
	// --parsable prints "id" or "id;cluster".
	id, _, _ := strings.Cut(strings.TrimSpace(out), ";")
	if _, err := strconv.ParseUint(id, 10, 64); err != nil {
		return "", errdefs.Errorf(errdefs.UnknownTransportFailure, "unexpected sbatch output %q", out)
	}

	s.mu.Lock()
	s.submitted[id] = true
	s.mu.Unlock()
	s.logger.Debug("job submitted", slog.String("job_id", id))
	return id, nil
}

func (s *Scheduler) SubmitInteractive(context.Context, adaptor.JobDescription) (string, *adaptor.Streams, error) {
	return "", nil, errdefs.E(errdefs.UnsupportedOperation, "slurm does not run interactive jobs")
}

func validJobID(id string) bool {
	if id == "" {
		return false
	}
	_, err := strconv.ParseUint(id, 10, 64)
	return err == nil
}

// JobStatus asks squeue first and falls back to sacct once the job has left
// the queue.
func (s *Scheduler) JobStatus(ctx context.Context, id string) (adaptor.JobInfo, error) {
	if !validJobID(id) {
		return adaptor.JobInfo{}, errdefs.Errorf(errdefs.NoSuchJob, "no job %q", id)
	}

	out, err := s.run(ctx, "squeue --noheader --format='%i|%j|%P|%T' --jobs="+id, "")
	if err == nil {
		if info, ok := parseSqueue(out, id); ok {
			return info, nil
		}
	} else if _, ok := err.(*commandError); !ok {
		return adaptor.JobInfo{}, err
	}

	out, err = s.run(ctx, "sacct -X --noheader --parsable2 --format=JobID,JobName,Partition,State,ExitCode --jobs="+id, "")
	if err == nil {
		if info, ok := parseSacct(out, id); ok {
			return info, nil
		}
	} else if _, ok := err.(*commandError); !ok {
		return adaptor.JobInfo{}, err
	}

	s.mu.Lock()
	ours := s.submitted[id]
	s.mu.Unlock()
	if ours {
		// Left the queue and accounting is unavailable.
		return adaptor.JobInfo{
			ID:    id,
			State: adaptor.JobDone,
			Info:  map[string]string{"state": "UNKNOWN"},
		}, nil
	}
	return adaptor.JobInfo{}, errdefs.Errorf(errdefs.NoSuchJob, "no job %q", id)
}

func parseSqueue(out, id string) (adaptor.JobInfo, bool) {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Split(strings.TrimSpace(line), "|")
		if len(fields) != 4 || fields[0] != id {
			continue
		}
		state := fields[3]
		info := adaptor.JobInfo{
			ID:    id,
			Name:  fields[1],
			Queue: fields[2],
			State: adaptor.JobRunning,
			Info:  map[string]string{"state": state},
		}
		switch state {
		case "PENDING", "CONFIGURING", "REQUEUED", "REQUEUE_HOLD", "RESV_DEL_HOLD":
			info.State = adaptor.JobPending
		case "RUNNING", "COMPLETING", "SUSPENDED", "STOPPED", "SIGNALING", "STAGE_OUT":
			info.State = adaptor.JobRunning
		default:
			// Terminal states linger in squeue briefly; sacct has the exit code.
			return adaptor.JobInfo{}, false
		}
		return info, true
	}
	return adaptor.JobInfo{}, false
}

func parseSacct(out, id string) (adaptor.JobInfo, bool) {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Split(strings.TrimSpace(line), "|")
		if len(fields) != 5 || fields[0] != id {
			continue
		}
		// "CANCELLED by 1000" carries the uid of whoever cancelled.
		state, _, _ := strings.Cut(fields[3], " ")
		info := adaptor.JobInfo{
			ID:    id,
			Name:  fields[1],
			Queue: fields[2],
			Info:  map[string]string{"state": fields[3], "exitCode": fields[4]},
		}
		code, hasCode := parseExitCode(fields[4])
		switch state {
		case "PENDING", "REQUEUED":
			info.State = adaptor.JobPending
		case "RUNNING", "SUSPENDED", "COMPLETING":
			info.State = adaptor.JobRunning
		case "COMPLETED", "FAILED":
			info.State = adaptor.JobDone
			if hasCode {
				info.ExitCode = &code
			}
		case "CANCELLED", "TIMEOUT", "PREEMPTED", "DEADLINE":
			info.State = adaptor.JobError
			info.Err = errdefs.Errorf(errdefs.JobCanceled, "job %s ended as %s", id, fields[3])
			if hasCode {
				info.ExitCode = &code
			}
		default:
			info.State = adaptor.JobError
			info.Err = errdefs.Errorf(errdefs.UnknownTransportFailure, "job %s ended as %s", id, fields[3])
		}
		return info, true
	}
	return adaptor.JobInfo{}, false
}

// parseExitCode reads sacct's "code:signal" pair. Killed jobs report
// 128+signal.
func parseExitCode(s string) (int, bool) {
	codeText, sigText, _ := strings.Cut(s, ":")
	code, err := strconv.Atoi(codeText)
	if err != nil {
		return 0, false
	}
	if sig, err := strconv.Atoi(sigText); err == nil && sig > 0 && code == 0 {
		return 128 + sig, true
	}
	return code, true
}

func (s *Scheduler) Jobs(ctx context.Context, queues ...string) ([]string, error) {
	if err := s.checkQueues(ctx, queues...); err != nil {
		return nil, err
	}
	command := "squeue --noheader --format=%i"
	if len(queues) > 0 {
		command += " --partition=" + sshconn.Quote(strings.Join(queues, ","))
	}
	out, err := s.run(ctx, command, "")
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, line := range strings.Split(out, "\n") {
		if id := strings.TrimSpace(line); id != "" {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		a, _ := strconv.ParseUint(ids[i], 10, 64)
		b, _ := strconv.ParseUint(ids[j], 10, 64)
		return a < b
	})
	return ids, nil
}

func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	if !validJobID(id) {
		return errdefs.Errorf(errdefs.NoSuchJob, "no job %q", id)
	}
	_, err := s.run(ctx, "scancel "+id, "")
	if ce, ok := err.(*commandError); ok {
		if strings.Contains(ce.stderr, "Invalid job id") {
			return errdefs.E(errdefs.NoSuchJob, "scancel", ce.stderr, ce)
		}
		// Already finished jobs make scancel complain; the state stays.
		if strings.Contains(ce.stderr, "already completing or completed") {
			return nil
		}
	}
	return err
}

func (s *Scheduler) Forget(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.submitted, id)
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) QueueStatus(ctx context.Context, queue string) (map[string]string, error) {
	if err := s.checkQueues(ctx, queue); err != nil {
		return nil, err
	}
	out, err := s.run(ctx, "sinfo --noheader --format='%P|%a|%l|%D|%T' --partition="+sshconn.Quote(queue), "")
	if err != nil {
		return nil, err
	}
	status := map[string]string{"name": queue}
	states := make(map[string]int)
	nodes := 0
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Split(strings.TrimSpace(line), "|")
		if len(fields) != 5 {
			continue
		}
		status["availability"] = fields[1]
		status["timeLimit"] = fields[2]
		n, _ := strconv.Atoi(fields[3])
		nodes += n
		states[fields[4]] += n
	}
	status["nodes"] = strconv.Itoa(nodes)
	for state, n := range states {
		status["nodes."+state] = strconv.Itoa(n)
	}
	return status, nil
}

// Close releases the connection to the controller.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errdefs.E(errdefs.SchedulerClosed, "scheduler already closed")
	}
	s.closed = true
	s.mu.Unlock()
	return s.exec.Close()
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
