// © 2025 Platform Engineering Labs Inc.
//
// SPDX-License-Identifier: FSL-1.1-ALv2

package sshconn

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platform-engineering-labs/xenon-go/pkg/adaptor"
	"github.com/platform-engineering-labs/xenon-go/pkg/credential"
	"github.com/platform-engineering-labs/xenon-go/pkg/errdefs"
)

func TestParseTarget(t *testing.T) {
	tests := []struct {
		name     string
		location string
		wantHost string
		wantPort string
		wantErr  bool
	}{
		{"host only", "example.com", "example.com", "22", false},
		{"host and port", "example.com:2222", "example.com", "2222", false},
		{"scheme", "ssh://example.com", "example.com", "22", false},
		{"scheme and port", "sftp://example.com:2022", "example.com", "2022", false},
		{"wrong scheme", "http://example.com", "", "", true},
		{"empty", "", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target, err := ParseTarget(tt.location, "ssh", "sftp")
			if tt.wantErr {
				assert.True(t, errdefs.Is(err, errdefs.InvalidLocation))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, target.Host)
			assert.Equal(t, tt.wantPort, target.Port)
		})
	}
}

func TestOptionsFromProperties(t *testing.T) {
	const prefix = "xenon.adaptors.filesystems.sftp"
	d := adaptor.Description{Name: "sftp", SupportedProperties: PropertyDescriptions(prefix)}

	props, err := adaptor.ValidateProperties(d, nil)
	require.NoError(t, err)
	opts := OptionsFrom(props, prefix)
	assert.True(t, opts.StrictHostKeyChecking)
	assert.True(t, opts.LoadKnownHosts)
	assert.Equal(t, 10*time.Second, opts.Timeout)

	props, err = adaptor.ValidateProperties(d, map[string]string{
		prefix + ".strictHostKeyChecking": "false",
		prefix + ".connection.timeout":    "2s",
	})
	require.NoError(t, err)
	opts = OptionsFrom(props, prefix)
	assert.False(t, opts.StrictHostKeyChecking)
	assert.Equal(t, 2*time.Second, opts.Timeout)

	_, err = adaptor.ValidateProperties(d, map[string]string{prefix + ".loadKnownHosts": "maybe"})
	assert.True(t, errdefs.Is(err, errdefs.PropertyType))
}

func TestAuthMethods(t *testing.T) {
	methods, release, err := authMethods(credential.Password{Username: "u", Password: "p"})
	require.NoError(t, err)
	release()
	assert.Len(t, methods, 2)

	_, _, err = authMethods(credential.Keytab{Principal: "u@REALM", KeytabFile: "/etc/krb5.keytab"})
	assert.True(t, errdefs.Is(err, errdefs.InvalidCredential))

	_, _, err = authMethods(credential.Certificate{Username: "u", CertificateFile: filepath.Join(t.TempDir(), "missing")})
	assert.True(t, errdefs.Is(err, errdefs.InvalidCredential))
}

func TestHostKeyCallback(t *testing.T) {
	_, err := hostKeyCallback(Options{StrictHostKeyChecking: true})
	assert.True(t, errdefs.Is(err, errdefs.InvalidProperty))

	cb, err := hostKeyCallback(Options{})
	require.NoError(t, err)
	assert.NotNil(t, cb)

	missing := filepath.Join(t.TempDir(), "known_hosts")
	_, err = hostKeyCallback(Options{LoadKnownHosts: true, StrictHostKeyChecking: true, KnownHostsFile: missing})
	assert.Error(t, err)

	cb, err = hostKeyCallback(Options{LoadKnownHosts: true, KnownHostsFile: missing})
	require.NoError(t, err)
	assert.NotNil(t, cb)

	require.NoError(t, os.WriteFile(missing, nil, 0o600))
	cb, err = hostKeyCallback(Options{LoadKnownHosts: true, StrictHostKeyChecking: true, KnownHostsFile: missing})
	require.NoError(t, err)
	assert.NotNil(t, cb)
}

func TestDialRefused(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Port 1 on loopback is closed on any sane test machine.
	_, err := Dial(ctx, Target{Host: "127.0.0.1", Port: "1"}, credential.Password{Username: "u", Password: "p"}, Options{Timeout: time.Second})
	require.Error(t, err)
	assert.True(t, errdefs.Is(err, errdefs.NotConnected))
}

func TestQuote(t *testing.T) {
	assert.Equal(t, "''", Quote(""))
	assert.Equal(t, "/bin/echo", Quote("/bin/echo"))
	assert.Equal(t, "'hello world'", Quote("hello world"))
	assert.Equal(t, `'it'"'"'s'`, Quote("it's"))
	assert.Equal(t, "'$HOME'", Quote("$HOME"))
	assert.Equal(t, "echo 'a b' c", Join("echo", "a b", "c"))
}
