// © 2025 Platform Engineering Labs Inc.
//
// SPDX-License-Identifier: FSL-1.1-ALv2

package adaptor

import (
	"github.com/platform-engineering-labs/xenon-go/pkg/credential"
)

// Kind tells file system adaptors and scheduler adaptors apart.
type Kind string

const (
	KindFileSystem Kind = "filesystem"
	KindScheduler  Kind = "scheduler"
)

// Description is the capability descriptor of one adaptor. It is created
// once when the adaptor is registered and never mutated afterwards.
type Description struct {
	Name                 string                `json:"name"`
	Kind                 Kind                  `json:"kind"`
	Description          string                `json:"description"`
	SupportedLocations   []string              `json:"supportedLocations"`
	SupportedCredentials []credential.Type     `json:"supportedCredentials"`
	SupportedProperties  []PropertyDescription `json:"supportedProperties"`

	// Scheduler capabilities.
	IsEmbedded          bool `json:"isEmbedded,omitempty"`
	SupportsBatch       bool `json:"supportsBatch,omitempty"`
	SupportsInteractive bool `json:"supportsInteractive,omitempty"`
	UsesFileSystem      bool `json:"usesFileSystem,omitempty"`
	// FileSystemAdaptor names the file system adaptor that reaches the
	// machine the scheduler runs jobs on.
	FileSystemAdaptor string `json:"fileSystemAdaptor,omitempty"`

	// File system capabilities.
	SupportsThirdPartyCopy      bool `json:"supportsThirdPartyCopy,omitempty"`
	CanCreateSymbolicLinks      bool `json:"canCreateSymbolicLinks,omitempty"`
	CanReadSymbolicLinks        bool `json:"canReadSymbolicLinks,omitempty"`
	IsConnectionless            bool `json:"isConnectionless,omitempty"`
	SupportsSetPosixPermissions bool `json:"supportsSetPosixPermissions,omitempty"`
	SupportsRename              bool `json:"supportsRename,omitempty"`
	CanAppend                   bool `json:"canAppend,omitempty"`
	// AppendCreates tells whether appending to a missing file creates it
	// (true) or fails with NoSuchPath (false).
	AppendCreates       bool `json:"appendCreates,omitempty"`
	NeedsSizeBeforehand bool `json:"needsSizeBeforehand,omitempty"`
}

// Clone returns a deep copy so callers cannot mutate registered descriptions.
func (d Description) Clone() Description {
	c := d
	c.SupportedLocations = append([]string(nil), d.SupportedLocations...)
	c.SupportedCredentials = append([]credential.Type(nil), d.SupportedCredentials...)
	c.SupportedProperties = append([]PropertyDescription(nil), d.SupportedProperties...)
	return c
}

// SupportsCredential reports whether the adaptor accepts credentials of type t.
func (d Description) SupportsCredential(t credential.Type) bool {
	for _, s := range d.SupportedCredentials {
		if s == t {
			return true
		}
	}
	return false
}

// Property returns the declared property called name.
func (d Description) Property(name string) (PropertyDescription, bool) {
	for _, p := range d.SupportedProperties {
		if p.Name == name {
			return p, true
		}
	}
	return PropertyDescription{}, false
}
