// © 2025 Platform Engineering Labs Inc.
//
// SPDX-License-Identifier: FSL-1.1-ALv2

package slurm

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"

	xssh "golang.org/x/crypto/ssh"

	"github.com/platform-engineering-labs/xenon-go/pkg/adaptors/sshconn"
)

// Executor runs Slurm command lines on the machine that hosts the
// controller.
type Executor interface {
	Exec(ctx context.Context, command string, stdin io.Reader) (sshconn.Result, error)
	Close() error
}

// localExecutor runs commands through /bin/sh on this machine.
type localExecutor struct{}

func (localExecutor) Exec(ctx context.Context, command string, stdin io.Reader) (sshconn.Result, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdin = stdin
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := sshconn.Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr) && ctx.Err() == nil:
		res.ExitCode = exitErr.ExitCode()
	default:
		return res, err
	}
	return res, nil
}

func (localExecutor) Close() error { return nil }

// sshExecutor runs commands in sessions on one connection.
type sshExecutor struct {
	client *xssh.Client
}

func (e *sshExecutor) Exec(ctx context.Context, command string, stdin io.Reader) (sshconn.Result, error) {
	return sshconn.Run(ctx, e.client, command, stdin)
}

func (e *sshExecutor) Close() error {
	if err := e.client.Close(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
