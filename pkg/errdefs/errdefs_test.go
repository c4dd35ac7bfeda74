// © 2025 Platform Engineering Labs Inc.
//
// SPDX-License-Identifier: FSL-1.1-ALv2

package errdefs

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEBuildsKindOpAndMessage(t *testing.T) {
	err := E(NoSuchPath, "get_attributes", "/tmp/missing")

	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, NoSuchPath, e.Kind)
	assert.Equal(t, "get_attributes", e.Op)
	assert.Equal(t, "/tmp/missing", e.Message)
	assert.Equal(t, "get_attributes: NoSuchPath: /tmp/missing", err.Error())
}

func TestIsMatchesByKind(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", E(PathAlreadyExists, "create_directory", "/a"))

	assert.True(t, errors.Is(err, Sentinel(PathAlreadyExists)))
	assert.False(t, errors.Is(err, Sentinel(NoSuchPath)))
	assert.True(t, Is(err, PathAlreadyExists))
	assert.Equal(t, PathAlreadyExists, KindOf(err))
}

func TestKindOfForeignErrorIsTransport(t *testing.T) {
	assert.Equal(t, None, KindOf(nil))
	assert.Equal(t, UnknownTransportFailure, KindOf(errors.New("boom")))
	assert.Equal(t, Transport, CategoryOf(KindOf(errors.New("boom"))))
}

func TestCategories(t *testing.T) {
	assert.Equal(t, Validation, CategoryOf(UnknownAdaptor))
	assert.Equal(t, Validation, CategoryOf(FileSystemClosed))
	assert.Equal(t, Validation, CategoryOf(IncompleteJobDescription))
	assert.Equal(t, Execution, CategoryOf(NoSuchPath))
	assert.Equal(t, Execution, CategoryOf(CopyCancelled))
	assert.Equal(t, Transport, CategoryOf(NotConnected))
}

func TestFromTransport(t *testing.T) {
	_, statErr := os.Stat("/definitely/not/here")
	require.Error(t, statErr)

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"not exist", statErr, NoSuchPath},
		{"exist", &fs.PathError{Op: "mkdir", Path: "/x", Err: fs.ErrExist}, PathAlreadyExists},
		{"closed", fs.ErrClosed, NotConnected},
		{"detail prefix", errors.New("nl.esciencecenter.xenon.filesystems.NoSuchPathException: sftp: /x"), NoSuchPath},
		{"bare detail prefix", errors.New("NoSuchQueueException: queue foo"), NoSuchQueue},
		{"not an exception", errors.New("dial tcp: refused"), UnknownTransportFailure},
		{"unknown exception", errors.New("FooBarException: what"), UnknownTransportFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromTransport("op", tt.err)
			assert.Equal(t, tt.want, KindOf(got))
			assert.ErrorIs(t, got, tt.err)
		})
	}
	assert.NoError(t, FromTransport("op", nil))
}

func TestFromTransportKeepsClassifiedErrors(t *testing.T) {
	orig := E(NoSuchJob, "get_job_status", "local-7")
	assert.Same(t, orig, FromTransport("other", orig))
}

func TestKindJSON(t *testing.T) {
	b, err := json.Marshal(struct{ Kind Kind }{NoSuchCopy})
	require.NoError(t, err)
	assert.JSONEq(t, `{"Kind":"NoSuchCopy"}`, string(b))

	var out struct{ Kind Kind }
	require.NoError(t, json.Unmarshal([]byte(`{"Kind":"NONE"}`), &out))
	assert.Equal(t, None, out.Kind)
	assert.Error(t, json.Unmarshal([]byte(`{"Kind":"Nope"}`), &out))
}

func TestMessage(t *testing.T) {
	assert.Equal(t, "", Message(nil))
	assert.Equal(t, "queue foo", Message(E(NoSuchQueue, "get_queue_status", "queue foo")))
	assert.Equal(t, "plain", Message(errors.New("plain")))
}
