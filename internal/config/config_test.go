// © 2025 Platform Engineering Labs Inc.
//
// SPDX-License-Identifier: FSL-1.1-ALv2

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platform-engineering-labs/xenon-go/pkg/adaptors"
	"github.com/platform-engineering-labs/xenon-go/pkg/adaptors/sftpfs"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadEmptyPathGivesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 4, cfg.Copy.Workers)
	assert.Empty(t, cfg.Metrics.Address)
	assert.NotNil(t, cfg.Adaptors)
}

func TestLoadOverridesDefaults(t *testing.T) {
	t.Setenv("XENON_TEST_HISTORY", "/var/lib/xenon/history.db")
	path := writeConfig(t, `
log:
  level: debug
history:
  path: ${XENON_TEST_HISTORY}
metrics:
  address: 127.0.0.1:9464
adaptors:
  sftp:
    xenon.adaptors.filesystems.sftp.strictHostKeyChecking: "false"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "/var/lib/xenon/history.db", cfg.History.Path)
	assert.Equal(t, "127.0.0.1:9464", cfg.Metrics.Address)
	assert.Equal(t, 4, cfg.Copy.Workers, "unset fields keep their defaults")
	require.NoError(t, cfg.ValidateAdaptors(adaptors.Default()))
	assert.Equal(t, "false", cfg.Adaptors[sftpfs.Name][sftpfs.PropertyPrefix+".strictHostKeyChecking"])
}

func TestLoadRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown field", "logging:\n  level: debug\n"},
		{"bad level", "log:\n  level: loud\n"},
		{"negative workers", "copy:\n  workers: -1\n"},
		{"bad metrics address", "metrics:\n  address: nowhere\n"},
		{"not yaml", "log: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidateAdaptors(t *testing.T) {
	reg := adaptors.Default()

	cfg := Defaults()
	cfg.Adaptors["gridftp"] = map[string]string{}
	assert.Error(t, cfg.ValidateAdaptors(reg))

	cfg = Defaults()
	cfg.Adaptors["sftp"] = map[string]string{sftpfs.PropertyPrefix + ".strictHostKeyChecking": "maybe"}
	assert.Error(t, cfg.ValidateAdaptors(reg))
}

func TestEmptyFileKeepsDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestDiscoverPrefersEnvironment(t *testing.T) {
	t.Setenv(EnvPath, "/etc/xenon/config.yaml")
	assert.Equal(t, "/etc/xenon/config.yaml", Discover())
}
