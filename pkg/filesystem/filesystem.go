// © 2025 Platform Engineering Labs Inc.
//
// SPDX-License-Identifier: FSL-1.1-ALv2

package filesystem

import (
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/platform-engineering-labs/xenon-go/pkg/adaptor"
	"github.com/platform-engineering-labs/xenon-go/pkg/errdefs"
)

// ReadChunkSize is the size of the chunks yielded by ReadFromFile.
const ReadChunkSize = 64 * 1024

// FileSystem is one open session on a file system adaptor.
//
// Operations hold the session read lock while they run; Close and
// SetWorkingDirectory take the write lock, so they never overlap an
// operation of the same session.
type FileSystem struct {
	engine  *Engine
	id      string
	adaptor string
	loc     string
	desc    adaptor.Description
	props   adaptor.Properties
	driver  adaptor.FileSystemDriver
	logger  *slog.Logger

	// copies counts running copy workers so Close can wait for them.
	copies sync.WaitGroup

	mu   sync.RWMutex
	open bool
	wd   string
}

// ID returns the session id.
func (f *FileSystem) ID() string { return f.id }

// AdaptorName returns the name of the adaptor serving the session.
func (f *FileSystem) AdaptorName() string { return f.adaptor }

// Location returns the location the session was opened on.
func (f *FileSystem) Location() string { return f.loc }

// Properties returns the explicitly set properties.
func (f *FileSystem) Properties() map[string]string { return f.props.Map() }

// Description returns the capabilities of the adaptor.
func (f *FileSystem) Description() adaptor.Description { return f.desc.Clone() }

// PathSeparator returns the separator used by the file system.
func (f *FileSystem) PathSeparator() string { return f.driver.Separator() }

// IsOpen reports whether Close has not been called yet.
func (f *FileSystem) IsOpen() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.open
}

// Path returns text as a path of this file system.
func (f *FileSystem) Path(text string) Path {
	return newBoundPath(f.id, text, f.driver.Separator())
}

func (f *FileSystem) closedError(op string) error {
	return errdefs.E(errdefs.FileSystemClosed, op, "file system "+f.id+" is closed")
}

// acquire takes the session read lock for op after checking the session is
// open. The returned function releases the lock.
func (f *FileSystem) acquire(op string) (func(), error) {
	f.mu.RLock()
	if !f.open {
		f.mu.RUnlock()
		return nil, f.closedError(op)
	}
	return f.mu.RUnlock, nil
}

// abs resolves p against the working directory. Callers hold the read lock.
func (f *FileSystem) abs(op string, p Path) (string, error) {
	if p.fs != "" && p.fs != f.id {
		return "", errdefs.E(errdefs.InvalidPath, op, "path "+p.text+" belongs to another file system")
	}
	if p.sep != "" && p.sep != f.driver.Separator() {
		p = newBoundPath(f.id, p.text, f.driver.Separator())
	}
	return p.resolve(f.wd), nil
}

func (f *FileSystem) mapErr(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return errdefs.FromTransport(op+" "+path, err)
}

// WorkingDirectory returns the current working directory.
func (f *FileSystem) WorkingDirectory() (Path, error) {
	release, err := f.acquire("get working directory")
	if err != nil {
		return Path{}, err
	}
	defer release()
	return f.Path(f.wd), nil
}

// SetWorkingDirectory changes the directory relative paths resolve
// against. The directory must exist.
func (f *FileSystem) SetWorkingDirectory(p Path) error {
	const op = "set working directory"
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return f.closedError(op)
	}
	path, err := f.abs(op, p)
	if err != nil {
		return err
	}
	attrs, err := f.driver.Stat(path)
	if err != nil {
		return f.mapErr(op, path, err)
	}
	if !attrs.IsDirectory {
		return errdefs.E(errdefs.InvalidPath, op, path+" is not a directory")
	}
	f.wd = path
	f.logger.Debug("working directory changed", slog.String("path", path))
	return nil
}

// Exists reports whether p exists. A dangling symbolic link exists.
func (f *FileSystem) Exists(p Path) (bool, error) {
	const op = "exists"
	release, err := f.acquire(op)
	if err != nil {
		return false, err
	}
	defer release()
	path, err := f.abs(op, p)
	if err != nil {
		return false, err
	}
	_, err = f.driver.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case errdefs.KindOf(f.mapErr(op, path, err)) == errdefs.NoSuchPath:
		return false, nil
	default:
		return false, f.mapErr(op, path, err)
	}
}

// GetAttributes returns the attributes of p without following a final link.
func (f *FileSystem) GetAttributes(p Path) (adaptor.PathAttributes, error) {
	const op = "get attributes"
	release, err := f.acquire(op)
	if err != nil {
		return adaptor.PathAttributes{}, err
	}
	defer release()
	path, err := f.abs(op, p)
	if err != nil {
		return adaptor.PathAttributes{}, err
	}
	attrs, err := f.driver.Stat(path)
	if err != nil {
		return adaptor.PathAttributes{}, f.mapErr(op, path, err)
	}
	return attrs, nil
}

// CreateFile creates an empty file. It fails with PathAlreadyExists if p
// exists and with NoSuchPath if the parent is missing.
func (f *FileSystem) CreateFile(p Path) error {
	const op = "create file"
	release, err := f.acquire(op)
	if err != nil {
		return err
	}
	defer release()
	path, err := f.abs(op, p)
	if err != nil {
		return err
	}
	return f.mapErr(op, path, f.driver.CreateFile(path))
}

// CreateDirectory creates one directory. It fails with PathAlreadyExists
// if p exists.
func (f *FileSystem) CreateDirectory(p Path) error {
	const op = "create directory"
	release, err := f.acquire(op)
	if err != nil {
		return err
	}
	defer release()
	path, err := f.abs(op, p)
	if err != nil {
		return err
	}
	return f.mapErr(op, path, f.driver.CreateDirectory(path))
}

// CreateDirectories creates p and any missing parents. Existing
// directories are not an error.
func (f *FileSystem) CreateDirectories(p Path) error {
	const op = "create directories"
	release, err := f.acquire(op)
	if err != nil {
		return err
	}
	defer release()
	path, err := f.abs(op, p)
	if err != nil {
		return err
	}
	return f.mkdirAll(op, path)
}

// mkdirAll creates path and its parents. Callers hold the read lock or own
// the driver exclusively.
func (f *FileSystem) mkdirAll(op, path string) error {
	sep := f.driver.Separator()
	target := newBoundPath(f.id, path, sep)
	current := ""
	if target.IsAbsolute() {
		current = sep
	}
	for _, name := range target.Elements() {
		if current == "" || current == sep {
			current += name
		} else {
			current += sep + name
		}
		attrs, err := f.driver.Stat(current)
		if err == nil {
			if !attrs.IsDirectory {
				return errdefs.E(errdefs.PathAlreadyExists, op, current+" exists and is not a directory")
			}
			continue
		}
		if errdefs.KindOf(f.mapErr(op, current, err)) != errdefs.NoSuchPath {
			return f.mapErr(op, current, err)
		}
		if err := f.driver.CreateDirectory(current); err != nil {
			// Lost a race with another creator; fine if it made a directory.
			if attrs, statErr := f.driver.Stat(current); statErr == nil && attrs.IsDirectory {
				continue
			}
			return f.mapErr(op, current, err)
		}
	}
	return nil
}

// Delete removes p. Directories must be empty unless recursive is set, in
// which case their content is removed first. Symbolic links are removed,
// never followed.
func (f *FileSystem) Delete(p Path, recursive bool) error {
	const op = "delete"
	release, err := f.acquire(op)
	if err != nil {
		return err
	}
	defer release()
	path, err := f.abs(op, p)
	if err != nil {
		return err
	}
	return f.delete(op, path, recursive)
}

func (f *FileSystem) delete(op, path string, recursive bool) error {
	attrs, err := f.driver.Stat(path)
	if err != nil {
		return f.mapErr(op, path, err)
	}
	if attrs.IsDirectory {
		children, err := f.driver.List(path)
		if err != nil {
			return f.mapErr(op, path, err)
		}
		if len(children) > 0 && !recursive {
			return errdefs.E(errdefs.DirectoryNotEmpty, op, path+" is not empty")
		}
		for _, child := range children {
			if err := f.delete(op, child.Path, true); err != nil {
				return err
			}
		}
	}
	return f.mapErr(op, path, f.driver.Delete(path))
}

// Rename moves source to target within this file system. Renaming a path
// onto itself succeeds without touching it.
func (f *FileSystem) Rename(source, target Path) error {
	const op = "rename"
	release, err := f.acquire(op)
	if err != nil {
		return err
	}
	defer release()
	if !f.desc.SupportsRename {
		return errdefs.E(errdefs.UnsupportedOperation, op, f.adaptor+" cannot rename")
	}
	src, err := f.abs(op, source)
	if err != nil {
		return err
	}
	dst, err := f.abs(op, target)
	if err != nil {
		return err
	}
	if _, err := f.driver.Stat(src); err != nil {
		return f.mapErr(op, src, err)
	}
	if src == dst {
		return nil
	}
	if _, err := f.driver.Stat(dst); err == nil {
		return errdefs.E(errdefs.PathAlreadyExists, op, dst+" exists")
	}
	return f.mapErr(op, src, f.driver.Rename(src, dst))
}

// CreateSymbolicLink creates link pointing at target. target is stored as
// given, so relative targets stay relative.
func (f *FileSystem) CreateSymbolicLink(link, target Path) error {
	const op = "create symbolic link"
	release, err := f.acquire(op)
	if err != nil {
		return err
	}
	defer release()
	if !f.desc.CanCreateSymbolicLinks {
		return errdefs.E(errdefs.UnsupportedOperation, op, f.adaptor+" cannot create symbolic links")
	}
	path, err := f.abs(op, link)
	if err != nil {
		return err
	}
	return f.mapErr(op, path, f.driver.CreateSymbolicLink(path, target.text))
}

// ReadSymbolicLink returns the target of the link at p.
func (f *FileSystem) ReadSymbolicLink(p Path) (Path, error) {
	const op = "read symbolic link"
	release, err := f.acquire(op)
	if err != nil {
		return Path{}, err
	}
	defer release()
	if !f.desc.CanReadSymbolicLinks {
		return Path{}, errdefs.E(errdefs.UnsupportedOperation, op, f.adaptor+" cannot read symbolic links")
	}
	path, err := f.abs(op, p)
	if err != nil {
		return Path{}, err
	}
	attrs, err := f.driver.Stat(path)
	if err != nil {
		return Path{}, f.mapErr(op, path, err)
	}
	if !attrs.IsSymbolicLink {
		return Path{}, errdefs.E(errdefs.InvalidPath, op, path+" is not a symbolic link")
	}
	target, err := f.driver.ReadSymbolicLink(path)
	if err != nil {
		return Path{}, f.mapErr(op, path, err)
	}
	return f.Path(target), nil
}

// SetPosixFilePermissions replaces the permission bits of p.
func (f *FileSystem) SetPosixFilePermissions(p Path, perms adaptor.Permissions) error {
	const op = "set posix file permissions"
	release, err := f.acquire(op)
	if err != nil {
		return err
	}
	defer release()
	if !f.desc.SupportsSetPosixPermissions {
		return errdefs.E(errdefs.UnsupportedOperation, op, f.adaptor+" cannot set permissions")
	}
	if perms == nil {
		return errdefs.E(errdefs.InvalidOptions, op, "permissions must not be nil")
	}
	path, err := f.abs(op, p)
	if err != nil {
		return err
	}
	return f.mapErr(op, path, f.driver.SetPermissions(path, perms))
}

// ReadFromFile returns the content of p as a lazy sequence of chunks. The
// file is opened on the first pull, so a missing file surfaces as the
// first error of the sequence. The sequence can be consumed once.
func (f *FileSystem) ReadFromFile(p Path) iter.Seq2[[]byte, error] {
	const op = "read from file"
	var used atomic.Bool
	return func(yield func([]byte, error) bool) {
		if used.Swap(true) {
			yield(nil, errdefs.E(errdefs.InvalidOptions, op, "stream already consumed"))
			return
		}

		release, err := f.acquire(op)
		if err != nil {
			yield(nil, err)
			return
		}
		path, err := f.abs(op, p)
		if err != nil {
			release()
			yield(nil, err)
			return
		}
		attrs, err := f.driver.Stat(path)
		if err == nil && attrs.IsDirectory {
			release()
			yield(nil, errdefs.E(errdefs.InvalidPath, op, path+" is a directory"))
			return
		}
		rc, err := f.driver.Open(path)
		release()
		if err != nil {
			yield(nil, f.mapErr(op, path, err))
			return
		}
		defer func() { _ = rc.Close() }()

		buf := make([]byte, ReadChunkSize)
		for {
			if !f.IsOpen() {
				yield(nil, f.closedError(op))
				return
			}
			n, err := io.ReadFull(rc, buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				if !yield(chunk, nil) {
					return
				}
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return
			}
			if err != nil {
				yield(nil, f.mapErr(op, path, err))
				return
			}
		}
	}
}

// WriteToFile truncates or creates p and writes r to it until r is
// exhausted. It returns the number of bytes written.
func (f *FileSystem) WriteToFile(p Path, r io.Reader) (int64, error) {
	return f.write("write to file", p, r, false)
}

// AppendToFile writes r at the end of p. Whether a missing p is created
// is up to the adaptor; see Description.AppendCreates.
func (f *FileSystem) AppendToFile(p Path, r io.Reader) (int64, error) {
	return f.write("append to file", p, r, true)
}

func (f *FileSystem) write(op string, p Path, r io.Reader, appending bool) (int64, error) {
	release, err := f.acquire(op)
	if err != nil {
		return 0, err
	}
	defer release()
	if appending && !f.desc.CanAppend {
		return 0, errdefs.E(errdefs.UnsupportedOperation, op, f.adaptor+" cannot append")
	}
	path, err := f.abs(op, p)
	if err != nil {
		return 0, err
	}

	var w io.WriteCloser
	if appending {
		w, err = f.driver.Append(path)
	} else {
		w, err = f.driver.Create(path)
	}
	if err != nil {
		return 0, f.mapErr(op, path, err)
	}
	n, err := io.Copy(w, r)
	if closeErr := w.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		return n, f.mapErr(op, path, err)
	}
	return n, nil
}

// List returns the entries of dir as a lazy sequence. With recursive set
// the content of sub directories follows each directory entry; symbolic
// links to directories are not descended into.
func (f *FileSystem) List(dir Path, recursive bool) iter.Seq2[adaptor.PathAttributes, error] {
	const op = "list"
	return func(yield func(adaptor.PathAttributes, error) bool) {
		release, err := f.acquire(op)
		if err != nil {
			yield(adaptor.PathAttributes{}, err)
			return
		}
		path, err := f.abs(op, dir)
		if err == nil {
			var attrs adaptor.PathAttributes
			attrs, err = f.driver.Stat(path)
			if err != nil {
				err = f.mapErr(op, path, err)
			} else if !attrs.IsDirectory {
				err = errdefs.E(errdefs.InvalidPath, op, path+" is not a directory")
			}
		}
		release()
		if err != nil {
			yield(adaptor.PathAttributes{}, err)
			return
		}
		f.walk(op, path, recursive, yield)
	}
}

// walk yields the entries below path and reports whether to continue.
func (f *FileSystem) walk(op, path string, recursive bool, yield func(adaptor.PathAttributes, error) bool) bool {
	release, err := f.acquire(op)
	if err != nil {
		yield(adaptor.PathAttributes{}, err)
		return false
	}
	entries, err := f.driver.List(path)
	release()
	if err != nil {
		yield(adaptor.PathAttributes{}, f.mapErr(op, path, err))
		return false
	}
	for _, entry := range entries {
		if !f.IsOpen() {
			yield(adaptor.PathAttributes{}, f.closedError(op))
			return false
		}
		if !yield(entry, nil) {
			return false
		}
		if recursive && entry.IsDirectory && !entry.IsSymbolicLink {
			if !f.walk(op, entry.Path, true, yield) {
				return false
			}
		}
	}
	return true
}

// Close closes the session. Running copies are cancelled and their
// tracker entries removed. Closing twice fails with FileSystemClosed.
func (f *FileSystem) Close() error {
	f.mu.Lock()
	if !f.open {
		f.mu.Unlock()
		return f.closedError("close")
	}
	f.open = false
	f.mu.Unlock()

	removed := f.engine.tracker.RemoveOwner(f.id)
	f.copies.Wait()
	f.engine.forget(f.id)

	err := f.driver.Close()
	f.logger.Info("file system closed", slog.Int("copies_removed", removed))
	if err != nil {
		return errdefs.FromTransport("close", err)
	}
	return nil
}

type wireFileSystem struct {
	ID               string            `json:"id"`
	Adaptor          string            `json:"adaptor"`
	Location         string            `json:"location"`
	WorkingDirectory string            `json:"workingDirectory"`
	Separator        string            `json:"separator"`
	Properties       map[string]string `json:"properties,omitempty"`
	Open             bool              `json:"open"`
}

// MarshalJSON renders the wire form of the session.
func (f *FileSystem) MarshalJSON() ([]byte, error) {
	f.mu.RLock()
	w := wireFileSystem{
		ID:               f.id,
		Adaptor:          f.adaptor,
		Location:         f.loc,
		WorkingDirectory: f.wd,
		Separator:        f.driver.Separator(),
		Properties:       f.props.Map(),
		Open:             f.open,
	}
	f.mu.RUnlock()
	return json.Marshal(w)
}
