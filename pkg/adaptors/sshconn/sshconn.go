// © 2025 Platform Engineering Labs Inc.
//
// SPDX-License-Identifier: FSL-1.1-ALv2

// Package sshconn dials SSH connections for the adaptors that reach remote
// machines: it parses locations, turns credentials into auth methods and
// checks host keys.
package sshconn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/platform-engineering-labs/xenon-go/pkg/adaptor"
	"github.com/platform-engineering-labs/xenon-go/pkg/credential"
	"github.com/platform-engineering-labs/xenon-go/pkg/errdefs"
)

// DefaultPort is used when a location names no port.
const DefaultPort = "22"

// Property name suffixes, appended to an adaptor specific prefix.
const (
	suffixStrictHostKeyChecking = ".strictHostKeyChecking"
	suffixLoadKnownHosts        = ".loadKnownHosts"
	suffixConnectionTimeout     = ".connection.timeout"
)

// Options control how a connection is made.
type Options struct {
	// StrictHostKeyChecking rejects hosts that are not in known_hosts.
	StrictHostKeyChecking bool
	// LoadKnownHosts reads ~/.ssh/known_hosts. Without it every host key is
	// accepted.
	LoadKnownHosts bool
	Timeout        time.Duration
	// KnownHostsFile overrides ~/.ssh/known_hosts.
	KnownHostsFile string
}

// PropertyDescriptions declares the connection properties under prefix, for
// example "xenon.adaptors.filesystems.sftp".
func PropertyDescriptions(prefix string) []adaptor.PropertyDescription {
	return []adaptor.PropertyDescription{
		{
			Name:        prefix + suffixStrictHostKeyChecking,
			Type:        adaptor.TypeBoolean,
			Default:     "true",
			Description: "Reject hosts whose key is not in known_hosts.",
		},
		{
			Name:        prefix + suffixLoadKnownHosts,
			Type:        adaptor.TypeBoolean,
			Default:     "true",
			Description: "Load ~/.ssh/known_hosts to verify host keys.",
		},
		{
			Name:        prefix + suffixConnectionTimeout,
			Type:        adaptor.TypeDuration,
			Default:     "10s",
			Description: "Timeout for establishing the connection.",
		},
	}
}

// OptionsFrom reads the properties declared by PropertyDescriptions.
func OptionsFrom(props adaptor.Properties, prefix string) Options {
	return Options{
		StrictHostKeyChecking: props.Bool(prefix + suffixStrictHostKeyChecking),
		LoadKnownHosts:        props.Bool(prefix + suffixLoadKnownHosts),
		Timeout:               props.Duration(prefix + suffixConnectionTimeout),
	}
}

// Target is a parsed remote location.
type Target struct {
	Host string
	Port string
}

// Address returns host:port.
func (t Target) Address() string { return adaptor.HostAddress(t.Host, t.Port) }

// ParseTarget parses host, host:port or scheme://host[:port].
func ParseTarget(location string, schemes ...string) (Target, error) {
	host, port, err := adaptor.ParseHostLocation(location, DefaultPort, schemes...)
	if err != nil {
		return Target{}, err
	}
	return Target{Host: host, Port: port}, nil
}

// Dial connects to target and authenticates with cred.
func Dial(ctx context.Context, target Target, cred credential.Credential, opts Options) (*ssh.Client, error) {
	auth, closeAuth, err := authMethods(cred)
	if err != nil {
		return nil, err
	}
	defer closeAuth()

	hostKeys, err := hostKeyCallback(opts)
	if err != nil {
		return nil, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cfg := &ssh.ClientConfig{
		User:            userName(cred),
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         timeout,
	}

	addr := target.Address()
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errdefs.FromTransport("dial "+addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, handshakeError(addr, err)
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

func handshakeError(addr string, err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "unable to authenticate"):
		return errdefs.E(errdefs.InvalidCredential, "ssh "+addr, err)
	case strings.Contains(msg, "knownhosts:"), strings.Contains(msg, "host key"):
		return errdefs.E(errdefs.NotConnected, "ssh "+addr, "host key verification failed", err)
	}
	return errdefs.E(errdefs.NotConnected, "ssh "+addr, err)
}

func userName(cred credential.Credential) string {
	if cred != nil && cred.User() != "" {
		return cred.User()
	}
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return os.Getenv("USER")
}

// authMethods converts cred. The returned func releases the agent
// connection, if one was opened.
func authMethods(cred credential.Credential) ([]ssh.AuthMethod, func(), error) {
	noop := func() {}
	switch c := cred.(type) {
	case nil, credential.Default:
		return defaultAuth()
	case credential.Password:
		return []ssh.AuthMethod{
			ssh.Password(c.Password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = c.Password
				}
				return answers, nil
			}),
		}, noop, nil
	case credential.Certificate:
		signer, err := loadKey(c.CertificateFile, c.Passphrase)
		if err != nil {
			return nil, noop, errdefs.E(errdefs.InvalidCredential, "load "+c.CertificateFile, err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, noop, nil
	}
	return nil, noop, errdefs.Errorf(errdefs.InvalidCredential, "%s credentials cannot authenticate ssh connections", cred.Type())
}

// defaultAuth uses the ssh agent when SSH_AUTH_SOCK is set and the
// unencrypted default keys in ~/.ssh.
func defaultAuth() ([]ssh.AuthMethod, func(), error) {
	var methods []ssh.AuthMethod
	release := func() {}

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
			release = func() { _ = conn.Close() }
		}
	}

	home, err := os.UserHomeDir()
	if err == nil {
		var signers []ssh.Signer
		for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
			signer, err := loadKey(filepath.Join(home, ".ssh", name), "")
			if err == nil {
				signers = append(signers, signer)
			}
		}
		if len(signers) > 0 {
			methods = append(methods, ssh.PublicKeys(signers...))
		}
	}

	if len(methods) == 0 {
		return nil, release, errdefs.E(errdefs.InvalidCredential, "no ssh agent and no usable key in ~/.ssh")
	}
	return methods, release, nil
}

func loadKey(path, passphrase string) (ssh.Signer, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if passphrase != "" {
		return ssh.ParsePrivateKeyWithPassphrase(pem, []byte(passphrase))
	}
	return ssh.ParsePrivateKey(pem)
}

func hostKeyCallback(opts Options) (ssh.HostKeyCallback, error) {
	if !opts.LoadKnownHosts {
		if opts.StrictHostKeyChecking {
			return nil, errdefs.E(errdefs.InvalidProperty, "strict host key checking needs known hosts")
		}
		return ssh.InsecureIgnoreHostKey(), nil
	}

	path := opts.KnownHostsFile
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("locate known hosts: %w", err)
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	if _, err := os.Stat(path); err != nil {
		if opts.StrictHostKeyChecking {
			return nil, errdefs.E(errdefs.NotConnected, "strict host key checking without "+path, err)
		}
		return ssh.InsecureIgnoreHostKey(), nil
	}
	check, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if opts.StrictHostKeyChecking {
		return check, nil
	}
	// Unknown hosts are accepted, changed keys are not.
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := check(hostname, remote, key)
		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) && len(keyErr.Want) == 0 {
			return nil
		}
		return err
	}, nil
}
