// © 2025 Platform Engineering Labs Inc.
//
// SPDX-License-Identifier: FSL-1.1-ALv2

package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	xssh "golang.org/x/crypto/ssh"

	"github.com/platform-engineering-labs/xenon-go/pkg/adaptor"
	"github.com/platform-engineering-labs/xenon-go/pkg/adaptors/jobqueue"
	"github.com/platform-engineering-labs/xenon-go/pkg/adaptors/sshconn"
)

// launcher runs every job in its own session on one shared connection.
type launcher struct {
	client *xssh.Client
	logger *slog.Logger
}

func (l *launcher) Close() error {
	if err := l.client.Close(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (l *launcher) Start(_ context.Context, desc adaptor.JobDescription, interactive bool) (jobqueue.Process, error) {
	session, err := l.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	p := &process{session: session, logger: l.logger, done: make(chan struct{})}

	if interactive {
		stdin, err := session.StdinPipe()
		if err != nil {
			_ = session.Close()
			return nil, err
		}
		stdout, err := session.StdoutPipe()
		if err != nil {
			_ = session.Close()
			return nil, err
		}
		stderr, err := session.StderrPipe()
		if err != nil {
			_ = session.Close()
			return nil, err
		}
		p.streams = &adaptor.Streams{Stdin: stdin, Stdout: stdout, Stderr: stderr}
	}

	if err := session.Start(remoteCommand(desc, interactive)); err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("start %s: %w", desc.Executable, err)
	}
	go p.wait()
	return p, nil
}

// remoteCommand renders desc as a POSIX shell command line.
func remoteCommand(desc adaptor.JobDescription, interactive bool) string {
	var b strings.Builder
	if desc.WorkingDirectory != "" {
		b.WriteString("cd " + sshconn.Quote(desc.WorkingDirectory) + " && ")
	}
	b.WriteString("exec ")
	if env := desc.SortedEnvironment(); len(env) > 0 {
		b.WriteString("env " + sshconn.Join(env...) + " ")
	}
	b.WriteString(sshconn.Join(append([]string{desc.Executable}, desc.Arguments...)...))
	if interactive {
		return b.String()
	}
	if desc.Stdin != "" {
		b.WriteString(" < " + sshconn.Quote(desc.Stdin))
	} else {
		b.WriteString(" < /dev/null")
	}
	if desc.Stdout != "" {
		b.WriteString(" > " + sshconn.Quote(desc.Stdout))
	}
	if desc.Stderr != "" {
		b.WriteString(" 2> " + sshconn.Quote(desc.Stderr))
	}
	return b.String()
}

type process struct {
	session *xssh.Session
	logger  *slog.Logger
	streams *adaptor.Streams

	once sync.Once
	done chan struct{}
	code int
	err  error
}

func (p *process) wait() {
	err := p.session.Wait()
	p.code, p.err = exitCode(err)
	_ = p.session.Close()
	close(p.done)
}

// exitCode follows the shell convention of 128+signal for remote processes
// killed by a signal.
func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *xssh.ExitError
	if errors.As(err, &exitErr) {
		if sig := exitErr.Signal(); sig != "" {
			return 128 + signalNumber(sig), nil
		}
		return exitErr.ExitStatus(), nil
	}
	return -1, err
}

func signalNumber(sig string) int {
	switch xssh.Signal(sig) {
	case xssh.SIGHUP:
		return 1
	case xssh.SIGINT:
		return 2
	case xssh.SIGQUIT:
		return 3
	case xssh.SIGABRT:
		return 6
	case xssh.SIGKILL:
		return 9
	case xssh.SIGSEGV:
		return 11
	case xssh.SIGPIPE:
		return 13
	case xssh.SIGALRM:
		return 14
	case xssh.SIGTERM:
		return 15
	}
	return 0
}

func (p *process) Streams() *adaptor.Streams { return p.streams }

func (p *process) Wait() (int, error) {
	<-p.done
	return p.code, p.err
}

// Terminate signals the remote process. Servers are free to ignore signal
// requests, so after grace the session is closed, which ends the wait.
func (p *process) Terminate(grace time.Duration) error {
	p.once.Do(func() {
		if err := p.session.Signal(xssh.SIGTERM); err != nil {
			p.logger.Debug("ssh signal request failed", slog.String("error", err.Error()))
		}
	})
	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
	}
	_ = p.session.Signal(xssh.SIGKILL)
	if err := p.session.Close(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
