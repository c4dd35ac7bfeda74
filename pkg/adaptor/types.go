// © 2025 Platform Engineering Labs Inc.
//
// SPDX-License-Identifier: FSL-1.1-ALv2

package adaptor

import (
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"sort"
	"strings"
	"time"
)

// =============================================================================
// File system values
// =============================================================================

// PosixFilePermission is a single permission bit.
type PosixFilePermission string

const (
	OwnerRead     PosixFilePermission = "OWNER_READ"
	OwnerWrite    PosixFilePermission = "OWNER_WRITE"
	OwnerExecute  PosixFilePermission = "OWNER_EXECUTE"
	GroupRead     PosixFilePermission = "GROUP_READ"
	GroupWrite    PosixFilePermission = "GROUP_WRITE"
	GroupExecute  PosixFilePermission = "GROUP_EXECUTE"
	OthersRead    PosixFilePermission = "OTHERS_READ"
	OthersWrite   PosixFilePermission = "OTHERS_WRITE"
	OthersExecute PosixFilePermission = "OTHERS_EXECUTE"
)

var permissionBits = []struct {
	perm PosixFilePermission
	bit  fs.FileMode
}{
	{OwnerRead, 0o400}, {OwnerWrite, 0o200}, {OwnerExecute, 0o100},
	{GroupRead, 0o040}, {GroupWrite, 0o020}, {GroupExecute, 0o010},
	{OthersRead, 0o004}, {OthersWrite, 0o002}, {OthersExecute, 0o001},
}

// Permissions is a set of permission bits.
type Permissions map[PosixFilePermission]struct{}

// NewPermissions builds a set from individual bits.
func NewPermissions(perms ...PosixFilePermission) Permissions {
	p := make(Permissions, len(perms))
	for _, perm := range perms {
		p[perm] = struct{}{}
	}
	return p
}

// PermissionsFromMode converts the permission bits of mode.
func PermissionsFromMode(mode fs.FileMode) Permissions {
	p := make(Permissions)
	for _, pb := range permissionBits {
		if mode&pb.bit != 0 {
			p[pb.perm] = struct{}{}
		}
	}
	return p
}

// Has reports whether perm is in the set.
func (p Permissions) Has(perm PosixFilePermission) bool {
	_, ok := p[perm]
	return ok
}

// Mode converts the set to permission bits.
func (p Permissions) Mode() fs.FileMode {
	var mode fs.FileMode
	for _, pb := range permissionBits {
		if p.Has(pb.perm) {
			mode |= pb.bit
		}
	}
	return mode
}

// Sorted lists the set in owner/group/others order.
func (p Permissions) Sorted() []PosixFilePermission {
	out := make([]PosixFilePermission, 0, len(p))
	for _, pb := range permissionBits {
		if p.Has(pb.perm) {
			out = append(out, pb.perm)
		}
	}
	return out
}

func (p Permissions) String() string {
	return fmt.Sprintf("%04o", p.Mode())
}

// MarshalJSON renders the set as a sorted list of names.
func (p Permissions) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Sorted())
}

// UnmarshalJSON accepts a list of names.
func (p *Permissions) UnmarshalJSON(b []byte) error {
	var names []PosixFilePermission
	if err := json.Unmarshal(b, &names); err != nil {
		return err
	}
	*p = NewPermissions(names...)
	return nil
}

// ParsePermissions accepts an octal string such as "0644".
func ParsePermissions(s string) (Permissions, error) {
	var mode uint32
	if _, err := fmt.Sscanf(s, "%o", &mode); err != nil {
		return nil, fmt.Errorf("invalid permissions %q: %w", s, err)
	}
	if mode > 0o777 {
		return nil, fmt.Errorf("invalid permissions %q: out of range", s)
	}
	return PermissionsFromMode(fs.FileMode(mode)), nil
}

// PathAttributes describes a single path as reported by an adaptor. Path is
// absolute within the file system.
type PathAttributes struct {
	Path             string      `json:"path"`
	IsDirectory      bool        `json:"isDirectory"`
	IsRegular        bool        `json:"isRegular"`
	IsSymbolicLink   bool        `json:"isSymbolicLink"`
	IsOther          bool        `json:"isOther"`
	IsHidden         bool        `json:"isHidden"`
	IsReadable       bool        `json:"isReadable"`
	IsWritable       bool        `json:"isWritable"`
	IsExecutable     bool        `json:"isExecutable"`
	Size             int64       `json:"size"`
	CreationTime     time.Time   `json:"creationTime"`
	LastModifiedTime time.Time   `json:"lastModifiedTime"`
	LastAccessTime   time.Time   `json:"lastAccessTime"`
	Owner            string      `json:"owner,omitempty"`
	Group            string      `json:"group,omitempty"`
	Permissions      Permissions `json:"permissions,omitempty"`
}

// AttributesFromInfo fills the type, size, time and permission fields from
// an fs.FileInfo, which both the os package and pkg/sftp produce.
func AttributesFromInfo(path string, info fs.FileInfo) PathAttributes {
	mode := info.Mode()
	perm := mode.Perm()
	name := info.Name()
	return PathAttributes{
		Path:             path,
		IsDirectory:      mode.IsDir(),
		IsRegular:        mode.IsRegular(),
		IsSymbolicLink:   mode&fs.ModeSymlink != 0,
		IsOther:          !mode.IsDir() && !mode.IsRegular() && mode&fs.ModeSymlink == 0,
		IsHidden:         strings.HasPrefix(name, ".") && name != "." && name != "..",
		IsReadable:       perm&0o444 != 0,
		IsWritable:       perm&0o222 != 0,
		IsExecutable:     perm&0o111 != 0,
		Size:             info.Size(),
		CreationTime:     info.ModTime(),
		LastModifiedTime: info.ModTime(),
		LastAccessTime:   info.ModTime(),
		Permissions:      PermissionsFromMode(perm),
	}
}

// CopyMode decides what a copy does when the destination exists.
type CopyMode int

const (
	// CopyCreate fails when the destination exists.
	CopyCreate CopyMode = iota
	// CopyReplace overwrites the destination.
	CopyReplace
	// CopyIgnore leaves an existing destination untouched and succeeds.
	CopyIgnore
)

func (m CopyMode) String() string {
	switch m {
	case CopyCreate:
		return "CREATE"
	case CopyReplace:
		return "REPLACE"
	case CopyIgnore:
		return "IGNORE"
	}
	return fmt.Sprintf("CopyMode(%d)", int(m))
}

// ParseCopyMode parses CREATE, REPLACE or IGNORE (case-insensitive).
func ParseCopyMode(s string) (CopyMode, error) {
	switch strings.ToUpper(s) {
	case "CREATE":
		return CopyCreate, nil
	case "REPLACE":
		return CopyReplace, nil
	case "IGNORE":
		return CopyIgnore, nil
	}
	return CopyCreate, fmt.Errorf("unknown copy mode %q", s)
}

// =============================================================================
// Scheduler values
// =============================================================================

// JobDescription says what to run and how. Paths for Stdin, Stdout and
// Stderr are relative to WorkingDirectory unless absolute.
type JobDescription struct {
	Name               string            `json:"name,omitempty"`
	Executable         string            `json:"executable"`
	Arguments          []string          `json:"arguments,omitempty"`
	Environment        map[string]string `json:"environment,omitempty"`
	WorkingDirectory   string            `json:"workingDirectory,omitempty"`
	Stdin              string            `json:"stdin,omitempty"`
	Stdout             string            `json:"stdout,omitempty"`
	Stderr             string            `json:"stderr,omitempty"`
	QueueName          string            `json:"queueName,omitempty"`
	MaxRuntime         int               `json:"maxRuntime,omitempty"` // minutes
	Tasks              int               `json:"tasks,omitempty"`
	CoresPerTask       int               `json:"coresPerTask,omitempty"`
	TasksPerNode       int               `json:"tasksPerNode,omitempty"`
	MaxMemory          int               `json:"maxMemory,omitempty"` // MB
	TempSpace          int               `json:"tempSpace,omitempty"` // MB
	StartPerTask       bool              `json:"startPerTask,omitempty"`
	SchedulerArguments []string          `json:"schedulerArguments,omitempty"`
	Interactive        bool              `json:"interactive,omitempty"`
}

// Clone returns a deep copy.
func (d JobDescription) Clone() JobDescription {
	c := d
	c.Arguments = append([]string(nil), d.Arguments...)
	c.SchedulerArguments = append([]string(nil), d.SchedulerArguments...)
	if d.Environment != nil {
		c.Environment = make(map[string]string, len(d.Environment))
		for k, v := range d.Environment {
			c.Environment[k] = v
		}
	}
	return c
}

// SortedEnvironment returns KEY=VALUE pairs in key order.
func (d JobDescription) SortedEnvironment() []string {
	keys := make([]string, 0, len(d.Environment))
	for k := range d.Environment {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+d.Environment[k])
	}
	return out
}

// JobState is the back-end view of a job.
type JobState string

const (
	JobPending JobState = "PENDING"
	JobRunning JobState = "RUNNING"
	JobDone    JobState = "DONE"
	JobError   JobState = "ERROR"
)

// Terminal reports whether no further transition can happen.
func (s JobState) Terminal() bool { return s == JobDone || s == JobError }

// JobInfo is what a driver reports about one job.
type JobInfo struct {
	ID       string
	Name     string
	Queue    string
	State    JobState
	ExitCode *int
	// Err explains an ERROR state. Its kind becomes the status error type.
	Err  error
	Info map[string]string
}

// Streams are the live process pipes of an interactive job.
type Streams struct {
	Stdin  io.WriteCloser
	Stdout io.Reader
	Stderr io.Reader
}
