// © 2025 Platform Engineering Labs Inc.
//
// SPDX-License-Identifier: FSL-1.1-ALv2

package errdefs

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net"
	"strings"
	"syscall"
)

// FromTransport maps an error raised below the engine (an adaptor, an SSH
// connection, the local file system) to the closest kind of the taxonomy.
// Errors that already carry a kind are returned unchanged; anything that
// cannot be classified becomes UnknownTransportFailure, never nil.
func FromTransport(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: classify(err), Op: op, Err: err}
}

func classify(err error) Kind {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return NoSuchPath
	case errors.Is(err, fs.ErrExist):
		return PathAlreadyExists
	case errors.Is(err, syscall.ENOTEMPTY):
		return DirectoryNotEmpty
	case errors.Is(err, syscall.ENOTDIR), errors.Is(err, syscall.EISDIR), errors.Is(err, syscall.ENAMETOOLONG):
		return InvalidPath
	case errors.Is(err, fs.ErrClosed), errors.Is(err, net.ErrClosed),
		errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.EPIPE):
		return NotConnected
	case errors.Is(err, context.Canceled):
		return UnknownTransportFailure
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return NotConnected
	}
	if k, ok := kindFromDetail(err.Error()); ok {
		return k
	}
	return UnknownTransportFailure
}

// kindFromDetail recognizes details of the form
// "some.package.NoSuchPathException: message", the format remote Xenon
// services use to name the failure.
func kindFromDetail(detail string) (Kind, bool) {
	i := strings.Index(detail, ":")
	if i <= 0 {
		return None, false
	}
	name := detail[:i]
	if strings.ContainsAny(name, " \t") {
		return None, false
	}
	if j := strings.LastIndex(name, "."); j >= 0 {
		name = name[j+1:]
	}
	if !strings.HasSuffix(name, "Exception") {
		return None, false
	}
	k, ok := ParseKind(name)
	if !ok || k == None {
		return None, false
	}
	return k, true
}
