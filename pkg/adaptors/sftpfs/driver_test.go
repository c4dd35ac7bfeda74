// © 2025 Platform Engineering Labs Inc.
//
// SPDX-License-Identifier: FSL-1.1-ALv2

package sftpfs

import (
	"io"
	"path"
	"strings"
	"testing"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platform-engineering-labs/xenon-go/pkg/adaptor"
	"github.com/platform-engineering-labs/xenon-go/pkg/errdefs"
)

// openPipeDriver serves the local file system over an in-process SFTP
// server and returns a driver talking to it.
func openPipeDriver(t *testing.T) *Driver {
	t.Helper()
	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()

	server, err := sftp.NewServer(struct {
		io.Reader
		io.WriteCloser
	}{serverReader, serverWriter})
	require.NoError(t, err)
	go func() { _ = server.Serve() }()

	client, err := sftp.NewClientPipe(clientReader, clientWriter)
	require.NoError(t, err)
	d, err := newDriver(client, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = server.Close()
		_ = d.Close()
	})
	return d
}

func TestCreateOnExistingPath(t *testing.T) {
	d := openPipeDriver(t)
	dir := t.TempDir()

	sub := path.Join(dir, "sub")
	require.NoError(t, d.CreateDirectory(sub))
	err := d.CreateDirectory(sub)
	assert.True(t, errdefs.Is(err, errdefs.PathAlreadyExists), "mkdir twice: %v", err)

	file := path.Join(dir, "file")
	require.NoError(t, d.CreateFile(file))
	err = d.CreateFile(file)
	assert.True(t, errdefs.Is(err, errdefs.PathAlreadyExists), "create twice: %v", err)
	err = d.CreateFile(sub)
	assert.True(t, errdefs.Is(err, errdefs.PathAlreadyExists), "create over a directory: %v", err)

	err = d.CreateSymbolicLink(file, sub)
	assert.True(t, errdefs.Is(err, errdefs.PathAlreadyExists), "symlink over a file: %v", err)

	err = d.CreateDirectory(path.Join(dir, "missing", "child"))
	assert.True(t, errdefs.Is(err, errdefs.NoSuchPath), "mkdir without parent: %v", err)
	assert.Equal(t, errdefs.Execution, errdefs.CategoryOf(errdefs.KindOf(d.CreateFile(file))))
}

func TestDriverFileOperations(t *testing.T) {
	d := openPipeDriver(t)
	dir := t.TempDir()
	file := path.Join(dir, "data.txt")

	w, err := d.Create(file)
	require.NoError(t, err)
	_, err = io.Copy(w, strings.NewReader("hello"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	w, err = d.Append(file)
	require.NoError(t, err)
	_, err = io.WriteString(w, " xenon")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = d.Append(path.Join(dir, "absent.txt"))
	assert.True(t, errdefs.Is(err, errdefs.NoSuchPath))

	r, err := d.Open(file)
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "hello xenon", string(data))

	attrs, err := d.Stat(file)
	require.NoError(t, err)
	assert.True(t, attrs.IsRegular)
	assert.Equal(t, int64(len("hello xenon")), attrs.Size)

	moved := path.Join(dir, "moved.txt")
	require.NoError(t, d.Rename(file, moved))
	_, err = d.Stat(file)
	assert.True(t, errdefs.Is(err, errdefs.NoSuchPath))

	require.NoError(t, d.CreateSymbolicLink(path.Join(dir, "link"), moved))
	target, err := d.ReadSymbolicLink(path.Join(dir, "link"))
	require.NoError(t, err)
	assert.Equal(t, moved, target)

	require.NoError(t, d.SetPermissions(moved, adaptor.PermissionsFromMode(0o640)))
	attrs, err = d.Stat(moved)
	require.NoError(t, err)
	assert.Equal(t, adaptor.PermissionsFromMode(0o640), attrs.Permissions)

	entries, err := d.List(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, path.Base(e.Path))
	}
	assert.ElementsMatch(t, []string{"moved.txt", "link"}, names)

	require.NoError(t, d.Delete(path.Join(dir, "link")))
	require.NoError(t, d.Delete(moved))
	entries, err = d.List(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
