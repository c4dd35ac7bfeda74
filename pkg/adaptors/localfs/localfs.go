// © 2025 Platform Engineering Labs Inc.
//
// SPDX-License-Identifier: FSL-1.1-ALv2

// Package localfs is the "file" adaptor: the local file system through the
// os package.
package localfs

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/platform-engineering-labs/xenon-go/pkg/adaptor"
	"github.com/platform-engineering-labs/xenon-go/pkg/credential"
	"github.com/platform-engineering-labs/xenon-go/pkg/errdefs"
)

// Name is the registered adaptor name.
const Name = "file"

// Adaptor opens local file system sessions.
type Adaptor struct{}

// New returns the file adaptor.
func New() *Adaptor { return &Adaptor{} }

// Description implements adaptor.Adaptor.
func (*Adaptor) Description() adaptor.Description {
	return adaptor.Description{
		Name:                        Name,
		Kind:                        adaptor.KindFileSystem,
		Description:                 "The file adaptor implements file access to the local file system.",
		SupportedLocations:          []string{"(empty string)", "/", "file://"},
		SupportedCredentials:        []credential.Type{credential.TypeDefault},
		IsConnectionless:            true,
		CanCreateSymbolicLinks:      true,
		CanReadSymbolicLinks:        true,
		SupportsSetPosixPermissions: true,
		SupportsRename:              true,
		CanAppend:                   true,
		AppendCreates:               false,
	}
}

// ValidateLocation implements adaptor.Adaptor.
func (*Adaptor) ValidateLocation(location string) error {
	if adaptor.IsLocalLocation(location, "file") {
		return nil
	}
	return errdefs.Errorf(errdefs.InvalidLocation, "file adaptor only accepts local locations, got %q", location)
}

// OpenFileSystem implements adaptor.FileSystemAdaptor. The working
// directory starts at the process working directory.
func (a *Adaptor) OpenFileSystem(_ context.Context, location string, _ credential.Credential, _ adaptor.Properties) (adaptor.FileSystemDriver, error) {
	if err := a.ValidateLocation(location); err != nil {
		return nil, err
	}
	wd, err := os.Getwd()
	if err != nil {
		wd = "/"
	}
	return &Driver{wd: filepath.ToSlash(wd)}, nil
}

// Driver is a local file system session.
type Driver struct {
	wd string
}

// NewDriver returns a driver whose working directory is wd.
func NewDriver(wd string) *Driver { return &Driver{wd: wd} }

func (d *Driver) Separator() string        { return "/" }
func (d *Driver) WorkingDirectory() string { return d.wd }

func (d *Driver) Stat(path string) (adaptor.PathAttributes, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return adaptor.PathAttributes{}, err
	}
	return attributes(path, info), nil
}

func (d *Driver) CreateFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

func (d *Driver) CreateDirectory(path string) error {
	return os.Mkdir(path, 0o755)
}

func (d *Driver) CreateSymbolicLink(link, target string) error {
	return os.Symlink(target, link)
}

func (d *Driver) ReadSymbolicLink(path string) (string, error) {
	return os.Readlink(path)
}

func (d *Driver) Rename(source, target string) error {
	return os.Rename(source, target)
}

func (d *Driver) Delete(path string) error {
	return os.Remove(path)
}

func (d *Driver) List(dir string) ([]adaptor.PathAttributes, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make([]adaptor.PathAttributes, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		out = append(out, attributes(join(dir, e.Name()), info))
	}
	return out, nil
}

func (d *Driver) Open(path string) (io.ReadCloser, error) {
	return os.Open(path)
}

func (d *Driver) Create(path string) (io.WriteCloser, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
}

// Append fails with fs.ErrNotExist when path is missing.
func (d *Driver) Append(path string) (io.WriteCloser, error) {
	return os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
}

func (d *Driver) SetPermissions(path string, perms adaptor.Permissions) error {
	return os.Chmod(path, perms.Mode())
}

func (d *Driver) Close() error { return nil }

func join(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}

func attributes(path string, info os.FileInfo) adaptor.PathAttributes {
	attrs := adaptor.AttributesFromInfo(path, info)
	fillOwnership(&attrs, info)
	return attrs
}
