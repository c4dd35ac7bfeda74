// © 2025 Platform Engineering Labs Inc.
//
// SPDX-License-Identifier: FSL-1.1-ALv2

package slurm

import (
	"fmt"
	"strings"

	"github.com/platform-engineering-labs/xenon-go/pkg/adaptor"
	"github.com/platform-engineering-labs/xenon-go/pkg/adaptors/sshconn"
	"github.com/platform-engineering-labs/xenon-go/pkg/errdefs"
)

// defaultJobName is used when the description has no name.
const defaultJobName = "xenon"

// batchScript renders desc as an sbatch script. Output goes to /dev/null
// unless the description names files.
func batchScript(desc adaptor.JobDescription) string {
	var b strings.Builder
	directive := func(format string, args ...any) {
		b.WriteString("#SBATCH ")
		fmt.Fprintf(&b, format, args...)
		b.WriteByte('\n')
	}

	b.WriteString("#!/bin/sh\n")
	name := desc.Name
	if name == "" {
		name = defaultJobName
	}
	directive("--job-name=%s", sshconn.Quote(name))
	if desc.WorkingDirectory != "" {
		directive("--chdir=%s", sshconn.Quote(desc.WorkingDirectory))
	}
	if desc.QueueName != "" {
		directive("--partition=%s", desc.QueueName)
	}
	if desc.Tasks > 0 {
		directive("--ntasks=%d", desc.Tasks)
	}
	if desc.CoresPerTask > 0 {
		directive("--cpus-per-task=%d", desc.CoresPerTask)
	}
	if desc.TasksPerNode > 0 {
		directive("--ntasks-per-node=%d", desc.TasksPerNode)
	}
	if desc.MaxRuntime > 0 {
		directive("--time=%d", desc.MaxRuntime)
	}
	if desc.MaxMemory > 0 {
		directive("--mem=%dM", desc.MaxMemory)
	}
	if desc.TempSpace > 0 {
		directive("--tmp=%dM", desc.TempSpace)
	}
	if desc.Stdin != "" {
		directive("--input=%s", sshconn.Quote(desc.Stdin))
	}
	directive("--output=%s", redirect(desc.Stdout))
	directive("--error=%s", redirect(desc.Stderr))
	for _, arg := range desc.SchedulerArguments {
		directive("%s", arg)
	}

	b.WriteByte('\n')
	for _, kv := range desc.SortedEnvironment() {
		b.WriteString("export " + sshconn.Quote(kv) + "\n")
	}

	command := sshconn.Join(append([]string{desc.Executable}, desc.Arguments...)...)
	if desc.StartPerTask {
		command = "srun " + command
	}
	b.WriteString(command + "\n")
	return b.String()
}

func redirect(name string) string {
	if name == "" {
		return "/dev/null"
	}
	return sshconn.Quote(name)
}

// validate rejects what the script cannot express.
func validate(desc adaptor.JobDescription) error {
	if desc.Interactive {
		return errdefs.E(errdefs.UnsupportedJobDescription, "slurm jobs are batch only")
	}
	for _, arg := range desc.SchedulerArguments {
		if !strings.HasPrefix(arg, "-") || strings.ContainsAny(arg, "\n\r") {
			return errdefs.Errorf(errdefs.InvalidJobDescription, "scheduler argument %q is not an sbatch option", arg)
		}
	}
	if desc.Tasks < 0 || desc.CoresPerTask < 0 || desc.TasksPerNode < 0 || desc.MaxRuntime < 0 ||
		desc.MaxMemory < 0 || desc.TempSpace < 0 {
		return errdefs.E(errdefs.InvalidJobDescription, "resource requests must not be negative")
	}
	if strings.ContainsAny(desc.QueueName, " \t\n'\"") {
		return errdefs.Errorf(errdefs.NoSuchQueue, "no partition %q", desc.QueueName)
	}
	return nil
}
