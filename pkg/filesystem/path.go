// © 2025 Platform Engineering Labs Inc.
//
// SPDX-License-Identifier: FSL-1.1-ALv2

package filesystem

import (
	"encoding/json"
	"path"
	"strings"
)

// DefaultSeparator is used by paths that are not bound to a file system.
const DefaultSeparator = "/"

// Path is a textual path, optionally bound to one file system. Paths are
// values; two paths are equal when they belong to the same file system and
// have the same text.
type Path struct {
	fs   string
	text string
	sep  string
}

// NewPath returns a path not bound to any file system. It can be used with
// every file system using the default separator.
func NewPath(text string) Path {
	return Path{text: normalize(text, DefaultSeparator), sep: DefaultSeparator}
}

func newBoundPath(fsID, text, sep string) Path {
	if sep == "" {
		sep = DefaultSeparator
	}
	return Path{fs: fsID, text: normalize(text, sep), sep: sep}
}

// normalize cleans text using sep, keeping "" as the empty relative path.
func normalize(text, sep string) string {
	if text == "" {
		return ""
	}
	slashed := text
	if sep != "/" {
		slashed = strings.ReplaceAll(text, sep, "/")
	}
	cleaned := path.Clean(slashed)
	if cleaned == "." {
		cleaned = ""
	}
	if sep != "/" {
		cleaned = strings.ReplaceAll(cleaned, "/", sep)
	}
	return cleaned
}

func (p Path) String() string { return p.text }

// FileSystemID returns the id of the owning file system, or "".
func (p Path) FileSystemID() string { return p.fs }

// Separator returns the separator the path was built with.
func (p Path) Separator() string {
	if p.sep == "" {
		return DefaultSeparator
	}
	return p.sep
}

// IsAbsolute reports whether the path starts at the root.
func (p Path) IsAbsolute() bool {
	return strings.HasPrefix(p.text, p.Separator())
}

// IsEmpty reports whether the path has no elements.
func (p Path) IsEmpty() bool { return p.text == "" }

// Equal compares file system identity and text.
func (p Path) Equal(o Path) bool {
	return p.fs == o.fs && p.text == o.text
}

// Join appends elements.
func (p Path) Join(elems ...string) Path {
	sep := p.Separator()
	parts := append([]string{p.text}, elems...)
	joined := strings.Join(parts, sep)
	if p.text == "" {
		joined = strings.Join(elems, sep)
	}
	return Path{fs: p.fs, text: normalize(joined, sep), sep: sep}
}

// Elements splits the path into its names.
func (p Path) Elements() []string {
	sep := p.Separator()
	trimmed := strings.Trim(p.text, sep)
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, sep)
}

// Base returns the last element, or "" for the root and the empty path.
func (p Path) Base() string {
	elems := p.Elements()
	if len(elems) == 0 {
		return ""
	}
	return elems[len(elems)-1]
}

// Parent returns the path without its last element. The root and the empty
// path have no parent.
func (p Path) Parent() (Path, bool) {
	elems := p.Elements()
	if len(elems) == 0 {
		return Path{}, false
	}
	sep := p.Separator()
	text := strings.Join(elems[:len(elems)-1], sep)
	if p.IsAbsolute() {
		text = sep + text
	}
	return Path{fs: p.fs, text: normalize(text, sep), sep: sep}, true
}

// resolve turns p into an absolute path against wd.
func (p Path) resolve(wd string) string {
	sep := p.Separator()
	if p.IsAbsolute() {
		return p.text
	}
	if p.text == "" {
		return wd
	}
	return normalize(wd+sep+p.text, sep)
}

type wirePath struct {
	FileSystem string `json:"filesystem,omitempty"`
	Path       string `json:"path"`
	Separator  string `json:"separator"`
}

// MarshalJSON renders the wire form of the path.
func (p Path) MarshalJSON() ([]byte, error) {
	return json.Marshal(wirePath{FileSystem: p.fs, Path: p.text, Separator: p.Separator()})
}

// UnmarshalJSON reads the wire form produced by MarshalJSON.
func (p *Path) UnmarshalJSON(b []byte) error {
	var w wirePath
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*p = newBoundPath(w.FileSystem, w.Path, w.Separator)
	return nil
}
