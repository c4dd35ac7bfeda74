// © 2025 Platform Engineering Labs Inc.
//
// SPDX-License-Identifier: FSL-1.1-ALv2

// Package credential holds the opaque credential values a client passes when
// it opens a file system or scheduler. The engine never inspects them; only
// adaptors do.
package credential

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// Type names the credential variant on the wire.
type Type string

const (
	TypeDefault     Type = "default"
	TypePassword    Type = "password"
	TypeCertificate Type = "certificate"
	TypeKeytab      Type = "keytab"
	TypeMap         Type = "map"
)

// Credential is implemented by every variant. The set is closed.
type Credential interface {
	json.Marshaler
	Type() Type
	// User returns the user name the credential authenticates, which may be
	// empty for the default credential.
	User() string
	sealed()
}

// Default uses whatever the adaptor considers ambient: the current user, an
// SSH agent, keys in ~/.ssh.
type Default struct {
	Username string
}

// Password authenticates with a user name and password.
type Password struct {
	Username string
	Password string
}

// Certificate authenticates with a private key file, optionally encrypted.
type Certificate struct {
	Username        string
	CertificateFile string
	Passphrase      string
}

// Keytab authenticates a Kerberos principal with a keytab file.
type Keytab struct {
	Principal  string
	KeytabFile string
}

// Map selects a credential per location. Locations not present fall back to
// Fallback, or to Default{} when Fallback is nil.
type Map struct {
	Entries  map[string]Credential
	Fallback Credential
}

func (Default) Type() Type     { return TypeDefault }
func (Password) Type() Type    { return TypePassword }
func (Certificate) Type() Type { return TypeCertificate }
func (Keytab) Type() Type      { return TypeKeytab }
func (Map) Type() Type         { return TypeMap }

func (c Default) User() string     { return c.Username }
func (c Password) User() string    { return c.Username }
func (c Certificate) User() string { return c.Username }
func (c Keytab) User() string      { return c.Principal }
func (c Map) User() string {
	if c.Fallback != nil {
		return c.Fallback.User()
	}
	return ""
}

func (Default) sealed()     {}
func (Password) sealed()    {}
func (Certificate) sealed() {}
func (Keytab) sealed()      {}
func (Map) sealed()         {}

// For returns the credential to use for location. Non-map credentials apply
// to every location.
func For(c Credential, location string) Credential {
	if c == nil {
		return Default{}
	}
	m, ok := c.(Map)
	if !ok {
		return c
	}
	if entry, ok := m.Entries[location]; ok && entry != nil {
		return entry
	}
	if m.Fallback != nil {
		return m.Fallback
	}
	return Default{}
}

// Locations returns the locations a map has explicit entries for, sorted.
func (c Map) Locations() []string {
	out := make([]string, 0, len(c.Entries))
	for loc := range c.Entries {
		out = append(out, loc)
	}
	sort.Strings(out)
	return out
}

// FromEnv builds a credential from XENON_USERNAME, XENON_PASSWORD and
// XENON_CERTIFICATE (+ XENON_PASSPHRASE). Without any of them the default
// credential is returned.
func FromEnv() Credential {
	username := os.Getenv("XENON_USERNAME")
	if cert := os.Getenv("XENON_CERTIFICATE"); cert != "" {
		return Certificate{
			Username:        username,
			CertificateFile: cert,
			Passphrase:      os.Getenv("XENON_PASSPHRASE"),
		}
	}
	if password := os.Getenv("XENON_PASSWORD"); password != "" {
		return Password{Username: username, Password: password}
	}
	return Default{Username: username}
}

// String never prints secrets.
func (c Password) String() string {
	return fmt.Sprintf("password credential for %q", c.Username)
}

func (c Certificate) String() string {
	return fmt.Sprintf("certificate credential for %q (%s)", c.Username, c.CertificateFile)
}
