// © 2025 Platform Engineering Labs Inc.
//
// SPDX-License-Identifier: FSL-1.1-ALv2

package localfs

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platform-engineering-labs/xenon-go/pkg/adaptor"
	"github.com/platform-engineering-labs/xenon-go/pkg/errdefs"
)

func TestValidateLocation(t *testing.T) {
	a := New()
	for _, loc := range []string{"", "/", "file://"} {
		assert.NoError(t, a.ValidateLocation(loc), loc)
	}
	for _, loc := range []string{"example.com", "sftp://example.com"} {
		assert.True(t, errdefs.Is(a.ValidateLocation(loc), errdefs.InvalidLocation), loc)
	}
}

func TestOpenStartsInProcessWorkingDirectory(t *testing.T) {
	d, err := New().OpenFileSystem(context.Background(), "", nil, adaptor.Properties{})
	require.NoError(t, err)
	defer d.Close()

	wd, err := os.Getwd()
	require.NoError(t, err)
	assert.Equal(t, filepath.ToSlash(wd), d.WorkingDirectory())
	assert.Equal(t, "/", d.Separator())

	_, err = New().OpenFileSystem(context.Background(), "example.com", nil, adaptor.Properties{})
	assert.True(t, errdefs.Is(err, errdefs.InvalidLocation))
}

func TestCreateSemantics(t *testing.T) {
	d := NewDriver("/")
	dir := filepath.ToSlash(t.TempDir())

	sub := dir + "/sub"
	require.NoError(t, d.CreateDirectory(sub))
	assert.True(t, errdefs.Is(errdefs.FromTransport("mkdir", d.CreateDirectory(sub)), errdefs.PathAlreadyExists))

	file := dir + "/file"
	require.NoError(t, d.CreateFile(file))
	assert.True(t, errdefs.Is(errdefs.FromTransport("create", d.CreateFile(file)), errdefs.PathAlreadyExists))

	err := d.CreateFile(dir + "/missing/file")
	assert.True(t, errdefs.Is(errdefs.FromTransport("create", err), errdefs.NoSuchPath))

	_, err = d.Append(dir + "/absent")
	assert.True(t, errdefs.Is(errdefs.FromTransport("append", err), errdefs.NoSuchPath))
}

func TestDriverFileOperations(t *testing.T) {
	d := NewDriver("/")
	dir := filepath.ToSlash(t.TempDir())
	file := dir + "/data.txt"

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

	r, err := d.Open(file)
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "hello xenon", string(data))

	attrs, err := d.Stat(file)
	require.NoError(t, err)
	assert.True(t, attrs.IsRegular)
	assert.Equal(t, file, attrs.Path)
	assert.Equal(t, int64(len("hello xenon")), attrs.Size)

	require.NoError(t, d.SetPermissions(file, adaptor.PermissionsFromMode(0o600)))
	attrs, err = d.Stat(file)
	require.NoError(t, err)
	assert.Equal(t, adaptor.PermissionsFromMode(0o600), attrs.Permissions)

	link := dir + "/link"
	require.NoError(t, d.CreateSymbolicLink(link, file))
	target, err := d.ReadSymbolicLink(link)
	require.NoError(t, err)
	assert.Equal(t, file, target)
	attrs, err = d.Stat(link)
	require.NoError(t, err)
	assert.True(t, attrs.IsSymbolicLink)

	moved := dir + "/moved.txt"
	require.NoError(t, d.Rename(file, moved))

	entries, err := d.List(dir)
	require.NoError(t, err)
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		paths = append(paths, e.Path)
	}
	assert.ElementsMatch(t, []string{link, moved}, paths)

	require.NoError(t, d.Delete(link))
	require.NoError(t, d.Delete(moved))
	_, err = d.Stat(moved)
	assert.True(t, errdefs.Is(errdefs.FromTransport("stat", err), errdefs.NoSuchPath))
}

func TestListRoot(t *testing.T) {
	assert.Equal(t, "/etc", join("/", "etc"))
	assert.Equal(t, "/tmp/a", join("/tmp", "a"))
}
