// © 2025 Platform Engineering Labs Inc.
//
// SPDX-License-Identifier: FSL-1.1-ALv2

package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/platform-engineering-labs/xenon-go/pkg/adaptor"
	"github.com/platform-engineering-labs/xenon-go/pkg/adaptors/jobqueue"
)

// launcher starts jobs as child processes of this process.
type launcher struct {
	logger *slog.Logger
}

func (l *launcher) Close() error { return nil }

func (l *launcher) Start(_ context.Context, desc adaptor.JobDescription, interactive bool) (jobqueue.Process, error) {
	dir, err := workingDirectory(desc.WorkingDirectory)
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(desc.Executable, desc.Arguments...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), desc.SortedEnvironment()...)
	setProcessGroup(cmd)

	p := &process{cmd: cmd, done: make(chan struct{}), logger: l.logger}
	if interactive {
		err = p.pipe()
	} else {
		err = p.redirect(desc, dir)
	}
	if err != nil {
		p.closeParentEnds()
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		p.closeParentEnds()
		p.closeChildEnds()
		return nil, fmt.Errorf("start %s: %w", desc.Executable, err)
	}
	// The child holds its own copies now.
	p.closeChildEnds()

	go p.wait()
	return p, nil
}

func workingDirectory(dir string) (string, error) {
	if dir == "" {
		return os.Getwd()
	}
	if filepath.IsAbs(dir) {
		return dir, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, dir), nil
}

func resolve(dir, name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(dir, name)
}

type process struct {
	cmd    *exec.Cmd
	logger *slog.Logger

	streams *adaptor.Streams
	// child ends are closed once the child has started, parent ends when
	// start fails.
	childEnds  []*os.File
	parentEnds []io.Closer

	done chan struct{}
	code int
	err  error
}

// redirect connects the batch redirections of desc to files.
func (p *process) redirect(desc adaptor.JobDescription, dir string) error {
	if desc.Stdin != "" {
		f, err := os.Open(resolve(dir, desc.Stdin))
		if err != nil {
			return err
		}
		p.childEnds = append(p.childEnds, f)
		p.cmd.Stdin = f
	}
	if desc.Stdout != "" {
		f, err := os.Create(resolve(dir, desc.Stdout))
		if err != nil {
			p.closeChildEnds()
			return err
		}
		p.childEnds = append(p.childEnds, f)
		p.cmd.Stdout = f
	}
	if desc.Stderr != "" {
		f, err := os.Create(resolve(dir, desc.Stderr))
		if err != nil {
			p.closeChildEnds()
			return err
		}
		p.childEnds = append(p.childEnds, f)
		p.cmd.Stderr = f
	}
	return nil
}

// pipe gives the process live streams. Stdout and stderr use os.Pipe rather
// than cmd.StdoutPipe so that Wait does not close them before the reader has
// drained them.
func (p *process) pipe() error {
	stdin, err := p.cmd.StdinPipe()
	if err != nil {
		return err
	}
	p.parentEnds = append(p.parentEnds, stdin)

	outR, outW, err := os.Pipe()
	if err != nil {
		return err
	}
	p.parentEnds = append(p.parentEnds, outR)
	p.childEnds = append(p.childEnds, outW)

	errR, errW, err := os.Pipe()
	if err != nil {
		p.closeChildEnds()
		return err
	}
	p.parentEnds = append(p.parentEnds, errR)
	p.childEnds = append(p.childEnds, errW)

	p.cmd.Stdout = outW
	p.cmd.Stderr = errW
	p.streams = &adaptor.Streams{
		Stdin:  stdin,
		Stdout: &closingReader{f: outR},
		Stderr: &closingReader{f: errR},
	}
	return nil
}

func (p *process) closeChildEnds() {
	for _, f := range p.childEnds {
		_ = f.Close()
	}
	p.childEnds = nil
}

func (p *process) closeParentEnds() {
	for _, c := range p.parentEnds {
		_ = c.Close()
	}
	p.parentEnds = nil
}

func (p *process) wait() {
	err := p.cmd.Wait()
	switch {
	case err == nil:
		p.code = 0
	case isExitError(err):
		p.code = exitCodeForError(err)
	default:
		p.code = -1
		p.err = err
	}
	close(p.done)
}

func (p *process) Streams() *adaptor.Streams { return p.streams }

func (p *process) Wait() (int, error) {
	<-p.done
	return p.code, p.err
}

// Terminate sends SIGTERM to the process group, then SIGKILL once grace has
// passed.
func (p *process) Terminate(grace time.Duration) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := terminate(p.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logger.Warn("failed to send SIGTERM", slog.Int("pid", p.cmd.Process.Pid), slog.String("error", err.Error()))
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
	}
	p.logger.Warn("process did not exit after SIGTERM, killing", slog.Int("pid", p.cmd.Process.Pid))
	if err := kill(p.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill %d: %w", p.cmd.Process.Pid, err)
	}
	return nil
}

func isExitError(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr)
}

// closingReader closes the pipe once the writer side is gone.
type closingReader struct {
	mu  sync.Mutex
	f   *os.File
	eof bool
}

func (r *closingReader) Read(b []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.eof {
		return 0, io.EOF
	}
	n, err := r.f.Read(b)
	if err == io.EOF {
		r.eof = true
		_ = r.f.Close()
	}
	return n, err
}
