// © 2025 Platform Engineering Labs Inc.
//
// SPDX-License-Identifier: FSL-1.1-ALv2

//go:build unix

package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecBatchJob(t *testing.T) {
	cfg := writeTestConfig(t, filepath.Join(t.TempDir(), "history.db"))
	out := filepath.Join(t.TempDir(), "out.txt")

	res := runWith(t, cfg, "", "exec", "-stdout", out, "--", "/bin/sh", "-c", "echo batch")
	require.Equal(t, exitOK, res.code, res.stderr)
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "batch\n", string(data))

	res = runWith(t, cfg, "", "exec", "-json", "--", "/bin/sh", "-c", "exit 3")
	assert.Equal(t, 3, res.code)
	var status struct {
		Done     bool `json:"done"`
		ExitCode *int `json:"exitCode"`
	}
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &status))
	assert.True(t, status.Done)
	require.NotNil(t, status.ExitCode)
	assert.Equal(t, 3, *status.ExitCode)

	res = runWith(t, cfg, "", "history", "-json")
	require.Equal(t, exitOK, res.code, res.stderr)
	var entries []struct {
		Kind string `json:"kind"`
	}
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &entries))
	assert.Len(t, entries, 2)
}

func TestExecDetachRejectsSessionBoundScheduler(t *testing.T) {
	cfg := writeTestConfig(t, "")
	marker := filepath.Join(t.TempDir(), "ran")
	res := runWith(t, cfg, "", "exec", "-detach", "--", "/bin/sh", "-c", "touch "+marker)
	assert.Equal(t, exitUsage, res.code)
	assert.Contains(t, res.stderr, "-detach is not supported by the local scheduler")
	assert.Empty(t, strings.TrimSpace(res.stdout))
	_, err := os.Stat(marker)
	assert.True(t, os.IsNotExist(err), "no job is submitted")
}

func TestExecInteractiveJob(t *testing.T) {
	cfg := writeTestConfig(t, "")
	res := runWith(t, cfg, "one\ntwo\n", "exec", "-interactive", "--", "/bin/cat")
	require.Equal(t, exitOK, res.code, res.stderr)
	assert.Equal(t, "one\ntwo\n", res.stdout)
}

func TestExecUnknownQueue(t *testing.T) {
	cfg := writeTestConfig(t, "")
	res := runWith(t, cfg, "", "exec", "-queue", "gpu", "--", "/bin/true")
	assert.Equal(t, exitError, res.code)
	assert.Contains(t, res.stderr, "NoSuchQueue")
}
