// © 2025 Platform Engineering Labs Inc.
//
// SPDX-License-Identifier: FSL-1.1-ALv2

// Package sftpfs is the "sftp" adaptor: remote file systems over SFTP using
// the pkg/sftp library.
package sftpfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/platform-engineering-labs/xenon-go/pkg/adaptor"
	"github.com/platform-engineering-labs/xenon-go/pkg/adaptors/sshconn"
	"github.com/platform-engineering-labs/xenon-go/pkg/credential"
	"github.com/platform-engineering-labs/xenon-go/pkg/errdefs"
)

// Name is the registered adaptor name.
const Name = "sftp"

// PropertyPrefix prefixes the connection properties of this adaptor.
const PropertyPrefix = "xenon.adaptors.filesystems.sftp"

// Adaptor opens SFTP sessions.
type Adaptor struct{}

// New returns the sftp adaptor.
func New() *Adaptor { return &Adaptor{} }

func (*Adaptor) Description() adaptor.Description {
	return adaptor.Description{
		Name:        Name,
		Kind:        adaptor.KindFileSystem,
		Description: "The SFTP adaptor implements file access on remote servers using SFTP.",
		SupportedLocations: []string{
			"host[:port]",
			"sftp://host[:port]",
		},
		SupportedCredentials: []credential.Type{
			credential.TypeDefault,
			credential.TypePassword,
			credential.TypeCertificate,
			credential.TypeMap,
		},
		SupportedProperties:         sshconn.PropertyDescriptions(PropertyPrefix),
		CanCreateSymbolicLinks:      true,
		CanReadSymbolicLinks:        true,
		SupportsSetPosixPermissions: true,
		SupportsRename:              true,
		CanAppend:                   true,
		AppendCreates:               false,
	}
}

func (*Adaptor) ValidateLocation(location string) error {
	_, err := sshconn.ParseTarget(location, Name)
	return err
}

// OpenFileSystem dials the server and starts the sftp subsystem.
func (a *Adaptor) OpenFileSystem(ctx context.Context, location string, cred credential.Credential, props adaptor.Properties) (adaptor.FileSystemDriver, error) {
	target, err := sshconn.ParseTarget(location, Name)
	if err != nil {
		return nil, err
	}
	client, err := sshconn.Dial(ctx, target, cred, sshconn.OptionsFrom(props, PropertyPrefix))
	if err != nil {
		return nil, err
	}
	d, err := NewDriver(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return d, nil
}

// Driver is one SFTP session. It owns the ssh connection underneath.
type Driver struct {
	sftpClient *sftp.Client
	sshClient  *ssh.Client
	wd         string
	posix      bool
}

// NewDriver starts the sftp subsystem on an established connection.
func NewDriver(sshClient *ssh.Client) (*Driver, error) {
	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, errdefs.E(errdefs.NotConnected, "start sftp subsystem", err)
	}
	return newDriver(sftpClient, sshClient)
}

func newDriver(sftpClient *sftp.Client, sshClient *ssh.Client) (*Driver, error) {
	wd, err := sftpClient.Getwd()
	if err != nil {
		_ = sftpClient.Close()
		return nil, mapError("getwd", err)
	}
	_, posix := sftpClient.HasExtension("posix-rename@openssh.com")
	return &Driver{
		sftpClient: sftpClient,
		sshClient:  sshClient,
		wd:         wd,
		posix:      posix,
	}, nil
}

// SSHClient exposes the connection so that schedulers can share it.
func (d *Driver) SSHClient() *ssh.Client { return d.sshClient }

func (d *Driver) Separator() string        { return "/" }
func (d *Driver) WorkingDirectory() string { return d.wd }

func (d *Driver) Stat(p string) (adaptor.PathAttributes, error) {
	info, err := d.sftpClient.Lstat(p)
	if err != nil {
		return adaptor.PathAttributes{}, mapError("stat "+p, err)
	}
	return attributes(p, info), nil
}

func attributes(p string, info os.FileInfo) adaptor.PathAttributes {
	attrs := adaptor.AttributesFromInfo(p, info)
	if st, ok := info.Sys().(*sftp.FileStat); ok {
		attrs.Owner = strconv.FormatUint(uint64(st.UID), 10)
		attrs.Group = strconv.FormatUint(uint64(st.GID), 10)
	}
	return attrs
}

func (d *Driver) CreateFile(p string) error {
	f, err := d.sftpClient.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL)
	if err != nil {
		return d.createError("create "+p, p, err)
	}
	return mapError("close "+p, f.Close())
}

func (d *Driver) CreateDirectory(p string) error {
	return d.createError("mkdir "+p, p, d.sftpClient.Mkdir(p))
}

func (d *Driver) CreateSymbolicLink(link, target string) error {
	return d.createError("symlink "+link, link, d.sftpClient.Symlink(target, link))
}

// createError maps a failed create. Servers answer an existing path with
// the generic SSH_FX_FAILURE, so the path is looked up again.
func (d *Driver) createError(op, p string, err error) error {
	if err == nil {
		return nil
	}
	if _, statErr := d.sftpClient.Lstat(p); statErr == nil {
		return &errdefs.Error{Kind: errdefs.PathAlreadyExists, Op: op, Message: p + " already exists", Err: err}
	}
	return mapError(op, err)
}

func (d *Driver) ReadSymbolicLink(p string) (string, error) {
	target, err := d.sftpClient.ReadLink(p)
	if err != nil {
		return "", mapError("readlink "+p, err)
	}
	return target, nil
}

func (d *Driver) Rename(source, target string) error {
	if d.posix {
		return mapError("rename "+source, d.sftpClient.PosixRename(source, target))
	}
	return mapError("rename "+source, d.sftpClient.Rename(source, target))
}

func (d *Driver) Delete(p string) error {
	info, err := d.sftpClient.Lstat(p)
	if err != nil {
		return mapError("delete "+p, err)
	}
	if info.IsDir() {
		return mapError("rmdir "+p, d.sftpClient.RemoveDirectory(p))
	}
	return mapError("remove "+p, d.sftpClient.Remove(p))
}

func (d *Driver) List(dir string) ([]adaptor.PathAttributes, error) {
	entries, err := d.sftpClient.ReadDir(dir)
	if err != nil {
		return nil, mapError("readdir "+dir, err)
	}
	out := make([]adaptor.PathAttributes, 0, len(entries))
	for _, entry := range entries {
		out = append(out, attributes(path.Join(dir, entry.Name()), entry))
	}
	return out, nil
}

func (d *Driver) Open(p string) (io.ReadCloser, error) {
	f, err := d.sftpClient.Open(p)
	if err != nil {
		return nil, mapError("open "+p, err)
	}
	return f, nil
}

func (d *Driver) Create(p string) (io.WriteCloser, error) {
	f, err := d.sftpClient.Create(p)
	if err != nil {
		return nil, mapError("create "+p, err)
	}
	return f, nil
}

// Append opens an existing file for writing at its end. Not every server
// honours the append flag, so the offset is moved explicitly as well.
func (d *Driver) Append(p string) (io.WriteCloser, error) {
	f, err := d.sftpClient.OpenFile(p, os.O_WRONLY|os.O_APPEND)
	if err != nil {
		return nil, mapError("append "+p, err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		_ = f.Close()
		return nil, mapError("append "+p, err)
	}
	return f, nil
}

func (d *Driver) SetPermissions(p string, perms adaptor.Permissions) error {
	return mapError("chmod "+p, d.sftpClient.Chmod(p, perms.Mode()))
}

// Close closes the SFTP and SSH connections.
func (d *Driver) Close() error {
	var errs []error
	if d.sftpClient != nil {
		if err := d.sftpClient.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if d.sshClient != nil {
		if err := d.sshClient.Close(); err != nil && !errors.Is(err, io.EOF) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close sftp session: %w", errors.Join(errs...))
	}
	return nil
}

// SFTP status codes (draft-ietf-secsh-filexfer-02, section 7).
const (
	fxNoSuchFile     = 2
	fxNoConnection   = 6
	fxConnectionLost = 7
	fxOpUnsupported  = 8
)

// mapError classifies sftp status errors that the generic transport
// mapping cannot see through.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var status *sftp.StatusError
	if errors.As(err, &status) {
		switch status.Code {
		case fxNoSuchFile:
			return &errdefs.Error{Kind: errdefs.NoSuchPath, Op: op, Err: err}
		case fxNoConnection, fxConnectionLost:
			return &errdefs.Error{Kind: errdefs.NotConnected, Op: op, Err: err}
		case fxOpUnsupported:
			return &errdefs.Error{Kind: errdefs.UnsupportedOperation, Op: op, Err: err}
		}
	}
	return errdefs.FromTransport(op, err)
}
