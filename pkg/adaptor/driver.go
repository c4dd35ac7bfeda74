// © 2025 Platform Engineering Labs Inc.
//
// SPDX-License-Identifier: FSL-1.1-ALv2

package adaptor

import (
	"context"
	"io"
	"time"

	"github.com/platform-engineering-labs/xenon-go/pkg/credential"
)

// Adaptor is implemented by every back-end driver factory.
type Adaptor interface {
	Description() Description
	// ValidateLocation fails with InvalidLocation when location does not
	// match one of the supported location patterns.
	ValidateLocation(location string) error
}

// FileSystemAdaptor opens file system sessions.
type FileSystemAdaptor interface {
	Adaptor
	OpenFileSystem(ctx context.Context, location string, cred credential.Credential, props Properties) (FileSystemDriver, error)
}

// SchedulerAdaptor opens scheduler sessions.
type SchedulerAdaptor interface {
	Adaptor
	OpenScheduler(ctx context.Context, location string, cred credential.Credential, props Properties) (SchedulerDriver, error)
}

// FileSystemDriver is one open connection to a file system. Paths passed in
// are absolute and use the driver's separator. Errors are classified with
// errdefs kinds; unclassified errors are mapped by the engine.
type FileSystemDriver interface {
	Separator() string
	// WorkingDirectory is the initial working directory of the session.
	WorkingDirectory() string

	// Stat does not follow a final symbolic link.
	Stat(path string) (PathAttributes, error)
	// CreateFile creates an empty file, failing if path exists.
	CreateFile(path string) error
	// CreateDirectory creates a single directory, failing if path exists.
	CreateDirectory(path string) error
	CreateSymbolicLink(link, target string) error
	ReadSymbolicLink(path string) (string, error)
	Rename(source, target string) error
	// Delete removes a file, a link or an empty directory.
	Delete(path string) error
	List(dir string) ([]PathAttributes, error)

	Open(path string) (io.ReadCloser, error)
	// Create truncates or creates path for writing.
	Create(path string) (io.WriteCloser, error)
	Append(path string) (io.WriteCloser, error)
	SetPermissions(path string, perms Permissions) error

	Close() error
}

// SchedulerDriver is one open connection to a scheduler back-end.
type SchedulerDriver interface {
	Queues(ctx context.Context) ([]string, error)
	DefaultQueue(ctx context.Context) (string, error)

	// Submit accepts a batch job and returns its back-end id.
	Submit(ctx context.Context, desc JobDescription) (string, error)
	// SubmitInteractive starts a job whose standard streams are live.
	SubmitInteractive(ctx context.Context, desc JobDescription) (string, *Streams, error)

	// JobStatus fails with NoSuchJob for ids the back-end does not know.
	JobStatus(ctx context.Context, id string) (JobInfo, error)
	Jobs(ctx context.Context, queues ...string) ([]string, error)
	// Cancel requests termination; the job reaches a terminal state later.
	Cancel(ctx context.Context, id string) error
	// Forget releases what the back-end keeps for a job. The job queue
	// back-ends cancel a job that is still running.
	Forget(ctx context.Context, id string) error

	QueueStatus(ctx context.Context, queue string) (map[string]string, error)

	// PollInterval is how often the engine asks for job state.
	PollInterval() time.Duration

	Close() error
}

// FileSystemProvider is implemented by scheduler drivers that know which
// file system reaches the machine their jobs run on.
type FileSystemProvider interface {
	FileSystem() (adaptorName, location string, cred credential.Credential)
}
