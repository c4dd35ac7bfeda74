// © 2025 Platform Engineering Labs Inc.
//
// SPDX-License-Identifier: FSL-1.1-ALv2

// Package errdefs defines the error taxonomy shared by the file system and
// scheduler engines. Every fallible engine call returns either nil or an
// error that carries a Kind, so callers can tell validation problems (fix
// the input), execution problems (inspect the job or copy record) and
// transport problems (retry) apart.
package errdefs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error.
type Kind int

const (
	None Kind = iota
	UnknownAdaptor
	InvalidLocation
	InvalidProperty
	UnknownProperty
	PropertyType
	InvalidCredential
	IncompleteJobDescription
	InvalidJobDescription
	UnsupportedJobDescription
	UnsupportedOperation
	NoSuchPath
	PathAlreadyExists
	DirectoryNotEmpty
	InvalidPath
	InvalidOptions
	NoSuchJob
	NoSuchQueue
	NoSuchCopy
	FileSystemClosed
	SchedulerClosed
	CopyCancelled
	JobCanceled
	NotConnected
	UnknownTransportFailure

	maxKind
)

var kindNames = map[Kind]string{
	None:                      "NONE",
	UnknownAdaptor:            "UnknownAdaptor",
	InvalidLocation:           "InvalidLocation",
	InvalidProperty:           "InvalidProperty",
	UnknownProperty:           "UnknownProperty",
	PropertyType:              "PropertyType",
	InvalidCredential:         "InvalidCredential",
	IncompleteJobDescription:  "IncompleteJobDescription",
	InvalidJobDescription:     "InvalidJobDescription",
	UnsupportedJobDescription: "UnsupportedJobDescription",
	UnsupportedOperation:      "UnsupportedOperation",
	NoSuchPath:                "NoSuchPath",
	PathAlreadyExists:         "PathAlreadyExists",
	DirectoryNotEmpty:         "DirectoryNotEmpty",
	InvalidPath:               "InvalidPath",
	InvalidOptions:            "InvalidOptions",
	NoSuchJob:                 "NoSuchJob",
	NoSuchQueue:               "NoSuchQueue",
	NoSuchCopy:                "NoSuchCopy",
	FileSystemClosed:          "FileSystemClosed",
	SchedulerClosed:           "SchedulerClosed",
	CopyCancelled:             "CopyCancelled",
	JobCanceled:               "JobCanceled",
	NotConnected:              "NotConnected",
	UnknownTransportFailure:   "UnknownTransportFailure",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// MarshalText renders the kind by name so status snapshots serialize readably.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText is the inverse of MarshalText.
func (k *Kind) UnmarshalText(b []byte) error {
	parsed, ok := ParseKind(string(b))
	if !ok {
		return fmt.Errorf("unknown error kind %q", string(b))
	}
	*k = parsed
	return nil
}

// ParseKind looks a kind up by name. Both the bare name ("NoSuchPath") and
// the exception-style name ("NoSuchPathException") are accepted.
func ParseKind(name string) (Kind, bool) {
	name = strings.TrimSuffix(strings.TrimSpace(name), "Exception")
	for k, s := range kindNames {
		if s == name {
			return k, true
		}
	}
	return None, false
}

// Category tells a caller how to react to an error.
type Category int

const (
	// Validation errors are caused by the caller's input or by using a
	// closed session; retrying unchanged will fail again.
	Validation Category = iota
	// Execution errors describe back-end outcomes of accepted requests.
	Execution
	// Transport errors come from the connection to the back-end and may be
	// retried.
	Transport
)

func (c Category) String() string {
	switch c {
	case Validation:
		return "validation"
	case Execution:
		return "execution"
	case Transport:
		return "transport"
	}
	return "unknown"
}

// CategoryOf returns the category of an error kind.
func CategoryOf(k Kind) Category {
	switch k {
	case NotConnected, UnknownTransportFailure:
		return Transport
	case NoSuchPath, PathAlreadyExists, DirectoryNotEmpty, CopyCancelled, JobCanceled:
		return Execution
	default:
		return Validation
	}
}

// Error is the concrete error type returned by the engines.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind. An *Error with
// an empty Op and Message acts as a kind sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// Sentinel returns a comparable error for the kind, for use with errors.Is.
func Sentinel(k Kind) error {
	return &Error{Kind: k}
}

// E builds an *Error. Arguments are interpreted by type: a Kind sets the
// kind, an error is wrapped, the first string sets Op when more than one
// string is given, and the remaining strings form the message.
func E(args ...any) error {
	e := &Error{}
	var strs []string
	for _, arg := range args {
		switch a := arg.(type) {
		case Kind:
			e.Kind = a
		case error:
			e.Err = a
		case string:
			strs = append(strs, a)
		default:
			strs = append(strs, fmt.Sprint(a))
		}
	}
	switch len(strs) {
	case 0:
	case 1:
		e.Message = strs[0]
	default:
		e.Op = strs[0]
		e.Message = strings.Join(strs[1:], " ")
	}
	if e.Kind == None && e.Err != nil {
		e.Kind = KindOf(e.Err)
	}
	return e
}

// Errorf builds an *Error of kind k with a formatted message.
func Errorf(k Kind, format string, args ...any) error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind carried by err, None for nil and
// UnknownTransportFailure for errors outside the taxonomy.
func KindOf(err error) Kind {
	if err == nil {
		return None
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Kind == None && e.Err != nil {
			return KindOf(e.Err)
		}
		return e.Kind
	}
	return UnknownTransportFailure
}

// Is reports whether err carries kind k.
func Is(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// Message returns the human part of err without the kind prefix.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		switch {
		case e.Message != "" && e.Err != nil:
			return e.Message + ": " + e.Err.Error()
		case e.Message != "":
			return e.Message
		case e.Err != nil:
			return e.Err.Error()
		}
		return e.Kind.String()
	}
	return err.Error()
}
