// © 2025 Platform Engineering Labs Inc.
//
// SPDX-License-Identifier: FSL-1.1-ALv2

package filesystem

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/platform-engineering-labs/xenon-go/internal/log"
	"github.com/platform-engineering-labs/xenon-go/pkg/adaptor"
	"github.com/platform-engineering-labs/xenon-go/pkg/errdefs"
	"github.com/platform-engineering-labs/xenon-go/pkg/lro"
)

// CopyStatus is a snapshot of a copy operation.
type CopyStatus struct {
	CopyID       string       `json:"copyId"`
	Source       string       `json:"source"`
	Destination  string       `json:"destination"`
	State        lro.State    `json:"state"`
	Running      bool         `json:"running"`
	Done         bool         `json:"done"`
	BytesCopied  int64        `json:"bytesCopied"`
	BytesToCopy  int64        `json:"bytesToCopy"`
	ErrorType    errdefs.Kind `json:"errorType"`
	ErrorMessage string       `json:"errorMessage,omitempty"`
}

// Err returns the failure recorded in the status, or nil.
func (s CopyStatus) Err() error {
	if s.ErrorType == errdefs.None {
		return nil
	}
	return errdefs.E(s.ErrorType, "copy "+s.CopyID, s.ErrorMessage)
}

func copyStatus(op *lro.Operation) CopyStatus {
	return CopyStatus{
		CopyID:       op.ID,
		Source:       op.Info["source"],
		Destination:  op.Info["destination"],
		State:        op.State,
		Running:      op.State == lro.StateRunning,
		Done:         op.State.Terminal(),
		BytesCopied:  op.BytesCopied,
		BytesToCopy:  op.BytesToCopy,
		ErrorType:    op.ErrorType,
		ErrorMessage: op.ErrorMessage,
	}
}

// Copy starts copying source on this file system to destination on dst,
// which may be this file system or one served by another adaptor. It
// returns at once with the copy id; progress and failures are reported by
// GetStatus and WaitUntilDone. Directories require recursive.
func (f *FileSystem) Copy(ctx context.Context, source Path, dst *FileSystem, destination Path, mode adaptor.CopyMode, recursive bool) (string, error) {
	const op = "copy"
	if dst == nil {
		return "", errdefs.E(errdefs.InvalidOptions, op, "destination file system is nil")
	}
	if mode != adaptor.CopyCreate && mode != adaptor.CopyReplace && mode != adaptor.CopyIgnore {
		return "", errdefs.E(errdefs.InvalidOptions, op, "unknown copy mode "+mode.String())
	}

	release, err := f.acquire(op)
	if err != nil {
		return "", err
	}
	defer release()
	src, err := f.abs(op, source)
	if err != nil {
		return "", err
	}

	var dstPath string
	if dst == f {
		dstPath, err = f.abs(op, destination)
	} else {
		dstRelease, acquireErr := dst.acquire(op)
		if acquireErr != nil {
			return "", acquireErr
		}
		dstPath, err = dst.abs(op, destination)
		dstRelease()
	}
	if err != nil {
		return "", err
	}

	workCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	started, err := f.engine.tracker.Start(f.id, lro.KindCopy, "", cancel)
	if err != nil {
		cancel()
		return "", err
	}
	_, _ = f.engine.tracker.Update(f.id, started.ID, func(o *lro.Operation) {
		o.Info = map[string]string{
			"source":      f.adaptor + ":" + src,
			"destination": dst.adaptor + ":" + dstPath,
			"mode":        mode.String(),
		}
	})

	c := &copier{
		engine:    f.engine,
		src:       f,
		dst:       dst,
		id:        started.ID,
		mode:      mode,
		recursive: recursive,
		logger:    log.WithCopy(f.logger, started.ID),
	}
	f.copies.Add(1)
	go func() {
		defer f.copies.Done()
		defer cancel()
		c.run(workCtx, src, dstPath)
	}()

	c.logger.Info("copy started",
		slog.String("source", src),
		slog.String("destination", dstPath),
		slog.String("mode", mode.String()),
		slog.Bool("recursive", recursive))
	return started.ID, nil
}

func (f *FileSystem) copyOp(op, id string) (*lro.Operation, error) {
	snap, err := f.engine.tracker.Get(f.id, id)
	if errors.Is(err, lro.ErrNotFound) {
		return nil, errdefs.E(errdefs.NoSuchCopy, op, "no copy "+id)
	}
	return snap, err
}

// GetStatus returns the current status of a copy without blocking.
func (f *FileSystem) GetStatus(copyID string) (CopyStatus, error) {
	const op = "get status"
	release, err := f.acquire(op)
	if err != nil {
		return CopyStatus{}, err
	}
	defer release()
	snap, err := f.copyOp(op, copyID)
	if err != nil {
		return CopyStatus{}, err
	}
	return copyStatus(snap), nil
}

// WaitUntilDone blocks until the copy is terminal or timeout elapses. A
// timeout of zero waits without limit. When the timeout elapses first the
// returned status has Done == false.
func (f *FileSystem) WaitUntilDone(ctx context.Context, copyID string, timeout time.Duration) (CopyStatus, error) {
	const op = "wait until done"
	if timeout < 0 {
		return CopyStatus{}, errdefs.E(errdefs.InvalidOptions, op, "timeout must not be negative")
	}
	if !f.IsOpen() {
		return CopyStatus{}, f.closedError(op)
	}
	snap, err := f.engine.tracker.Wait(ctx, f.id, copyID, timeout, nil)
	if errors.Is(err, lro.ErrNotFound) {
		if !f.IsOpen() {
			return CopyStatus{}, f.closedError(op)
		}
		return CopyStatus{}, errdefs.E(errdefs.NoSuchCopy, op, "no copy "+copyID)
	}
	if err != nil {
		if snap != nil {
			return copyStatus(snap), err
		}
		return CopyStatus{}, err
	}
	return copyStatus(snap), nil
}

// Cancel requests cancellation of a copy and returns the status at the
// time of the request. The copy reaches CANCELLED once the worker stops.
func (f *FileSystem) Cancel(copyID string) (CopyStatus, error) {
	const op = "cancel"
	release, err := f.acquire(op)
	if err != nil {
		return CopyStatus{}, err
	}
	defer release()
	snap, err := f.engine.tracker.Cancel(f.id, copyID)
	if errors.Is(err, lro.ErrNotFound) {
		return CopyStatus{}, errdefs.E(errdefs.NoSuchCopy, op, "no copy "+copyID)
	}
	if err != nil {
		return CopyStatus{}, err
	}
	f.logger.Info("copy cancel requested", slog.String("copy_id", copyID))
	return copyStatus(snap), nil
}

// copier runs one copy operation.
type copier struct {
	engine    *Engine
	src, dst  *FileSystem
	id        string
	mode      adaptor.CopyMode
	recursive bool
	logger    *slog.Logger
}

// file is one regular file of a copy plan.
type file struct {
	src, dst string
	size     int64
}

// link is a symbolic link of a copy plan, recreated with the same target.
type link struct {
	dst, target string
}

func (c *copier) update(fn func(*lro.Operation)) {
	_, _ = c.engine.tracker.Update(c.src.id, c.id, fn)
}

func (c *copier) run(ctx context.Context, src, dst string) {
	ctx, span := c.engine.tracer.Start(ctx, "filesystem.copy", trace.WithAttributes(
		attribute.String("xenon.copy.id", c.id),
		attribute.String("xenon.copy.source", c.src.adaptor+":"+src),
		attribute.String("xenon.copy.destination", c.dst.adaptor+":"+dst),
		attribute.String("xenon.copy.mode", c.mode.String()),
	))
	defer span.End()

	c.update(func(o *lro.Operation) { o.State = lro.StateRunning })

	err := c.copy(ctx, src, dst)
	switch {
	case err == nil:
		c.update(func(o *lro.Operation) { o.State = lro.StateDone })
		c.logger.Info("copy done")
	case ctx.Err() != nil || errdefs.Is(err, errdefs.CopyCancelled):
		c.update(func(o *lro.Operation) {
			o.State = lro.StateCancelled
			o.ErrorType = errdefs.CopyCancelled
			o.ErrorMessage = "copy " + c.id + " cancelled"
		})
		span.SetStatus(codes.Error, "cancelled")
		c.logger.Info("copy cancelled")
	default:
		err = errdefs.FromTransport("copy", err)
		c.update(func(o *lro.Operation) { o.Fail(err) })
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("copy failed", slog.String("error", err.Error()))
	}
}

func (c *copier) copy(ctx context.Context, src, dst string) error {
	if !c.dst.IsOpen() {
		return c.dst.closedError("copy")
	}
	attrs, err := c.src.driver.Stat(src)
	if err != nil {
		return c.src.mapErr("copy", src, err)
	}

	if c.src == c.dst && src == dst {
		if c.mode == adaptor.CopyCreate {
			return errdefs.E(errdefs.PathAlreadyExists, "copy", dst+" is the source")
		}
		return nil
	}

	if !attrs.IsDirectory {
		proceed, err := c.checkDestination(dst, false)
		if err != nil || !proceed {
			return err
		}
		c.update(func(o *lro.Operation) { o.BytesToCopy = attrs.Size })
		return c.copyFile(ctx, file{src: src, dst: dst, size: attrs.Size})
	}

	if !c.recursive {
		return errdefs.E(errdefs.InvalidOptions, "copy", src+" is a directory and recursive is not set")
	}
	proceed, err := c.checkDestination(dst, true)
	if err != nil || !proceed {
		return err
	}

	dirs, files, links, err := c.plan(ctx, src, dst)
	if err != nil {
		return err
	}
	var total int64
	for _, fl := range files {
		total += fl.size
	}
	c.update(func(o *lro.Operation) { o.BytesToCopy = total })

	for _, d := range dirs {
		if err := ctx.Err(); err != nil {
			return errdefs.E(errdefs.CopyCancelled, err)
		}
		if err := c.dst.mkdirAll("copy", d); err != nil {
			return err
		}
	}
	for _, l := range links {
		if err := c.copyLink(l); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.engine.copyWorkers)
	for _, fl := range files {
		g.Go(func() error {
			proceed, err := c.checkDestination(fl.dst, false)
			if err != nil || !proceed {
				return err
			}
			return c.copyFile(gctx, fl)
		})
	}
	return g.Wait()
}

// checkDestination applies the copy mode to an existing destination and
// reports whether the copy should go ahead.
func (c *copier) checkDestination(dst string, dir bool) (bool, error) {
	attrs, err := c.dst.driver.Stat(dst)
	if err != nil {
		if errdefs.KindOf(c.dst.mapErr("copy", dst, err)) == errdefs.NoSuchPath {
			return true, nil
		}
		return false, c.dst.mapErr("copy", dst, err)
	}
	switch c.mode {
	case adaptor.CopyCreate:
		return false, errdefs.E(errdefs.PathAlreadyExists, "copy", "destination "+dst+" already exists")
	case adaptor.CopyIgnore:
		// An existing directory is merged into; existing files are kept.
		return dir && attrs.IsDirectory, nil
	}
	if dir != attrs.IsDirectory {
		return false, errdefs.E(errdefs.InvalidPath, "copy", "cannot replace "+dst+" with a different kind of path")
	}
	return true, nil
}

// plan walks the source tree and lists the directories to create (parents
// first), the files to copy and the symbolic links to recreate. Links are
// never followed; they are dropped when the destination cannot create them.
func (c *copier) plan(ctx context.Context, src, dst string) ([]string, []file, []link, error) {
	dirs := []string{dst}
	var files []file
	var links []link
	sep := c.dst.driver.Separator()

	var walk func(from, to string) error
	walk = func(from, to string) error {
		if err := ctx.Err(); err != nil {
			return errdefs.E(errdefs.CopyCancelled, err)
		}
		entries, err := c.src.driver.List(from)
		if err != nil {
			return c.src.mapErr("copy", from, err)
		}
		for _, e := range entries {
			name := newBoundPath("", e.Path, c.src.driver.Separator()).Base()
			target := to + sep + name
			switch {
			case e.IsSymbolicLink:
				if !c.dst.desc.CanCreateSymbolicLinks {
					c.logger.Debug("skipping symbolic link", slog.String("path", e.Path))
					continue
				}
				linkTarget, err := c.src.driver.ReadSymbolicLink(e.Path)
				if err != nil {
					return c.src.mapErr("copy", e.Path, err)
				}
				links = append(links, link{dst: target, target: linkTarget})
			case e.IsDirectory:
				dirs = append(dirs, target)
				if err := walk(e.Path, target); err != nil {
					return err
				}
			case e.IsRegular:
				files = append(files, file{src: e.Path, dst: target, size: e.Size})
			}
		}
		return nil
	}
	if err := walk(src, dst); err != nil {
		return nil, nil, nil, err
	}
	return dirs, files, links, nil
}

// copyLink creates l on the destination, honouring the copy mode.
func (c *copier) copyLink(l link) error {
	attrs, err := c.dst.driver.Stat(l.dst)
	exists := err == nil
	if err != nil && errdefs.KindOf(c.dst.mapErr("copy", l.dst, err)) != errdefs.NoSuchPath {
		return c.dst.mapErr("copy", l.dst, err)
	}
	if exists {
		switch {
		case c.mode == adaptor.CopyCreate:
			return errdefs.E(errdefs.PathAlreadyExists, "copy", "destination "+l.dst+" already exists")
		case c.mode == adaptor.CopyIgnore:
			return nil
		case attrs.IsDirectory:
			return errdefs.E(errdefs.InvalidPath, "copy", "cannot replace "+l.dst+" with a different kind of path")
		}
		if err := c.dst.driver.Delete(l.dst); err != nil {
			return c.dst.mapErr("copy", l.dst, err)
		}
	}
	if err := c.dst.driver.CreateSymbolicLink(l.dst, l.target); err != nil {
		return c.dst.mapErr("copy", l.dst, err)
	}
	return nil
}

func (c *copier) copyFile(ctx context.Context, fl file) error {
	r, err := c.src.driver.Open(fl.src)
	if err != nil {
		return c.src.mapErr("copy", fl.src, err)
	}
	defer func() { _ = r.Close() }()

	w, err := c.dst.driver.Create(fl.dst)
	if err != nil {
		return c.dst.mapErr("copy", fl.dst, err)
	}
	_, err = io.Copy(&progressWriter{ctx: ctx, w: w, c: c}, r)
	if closeErr := w.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		if ctx.Err() != nil {
			return errdefs.E(errdefs.CopyCancelled, ctx.Err())
		}
		return c.dst.mapErr("copy", fl.dst, err)
	}
	return nil
}

// progressWriter reports bytes to the tracker and stops on cancellation.
type progressWriter struct {
	ctx context.Context
	w   io.Writer
	c   *copier
}

func (p *progressWriter) Write(b []byte) (int, error) {
	if err := p.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := p.w.Write(b)
	if n > 0 {
		p.c.update(func(o *lro.Operation) { o.BytesCopied += int64(n) })
	}
	return n, err
}
