// © 2025 Platform Engineering Labs Inc.
//
// SPDX-License-Identifier: FSL-1.1-ALv2

package lro

import (
	"errors"
	"time"

	"github.com/platform-engineering-labs/xenon-go/pkg/errdefs"
)

// ErrNotFound indicates the operation is not tracked (never started,
// removed, or owned by another session).
var ErrNotFound = errors.New("operation not found")

// ErrFinished is returned by Update when the operation already reached a
// terminal state.
var ErrFinished = errors.New("operation already finished")

// State is the lifecycle state of a tracked operation.
type State string

const (
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StateDone      State = "DONE"
	StateCancelled State = "CANCELLED"
	StateError     State = "ERROR"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateDone || s == StateCancelled || s == StateError
}

// Kind says what an operation tracks.
type Kind string

const (
	KindCopy Kind = "copy"
	KindJob  Kind = "job"
)

// Operation is a tracked long-running operation. Values handed out by the
// tracker are snapshots; mutate only through Tracker.Update.
type Operation struct {
	ID           string
	Owner        string
	Kind         Kind
	State        State
	ErrorType    errdefs.Kind
	ErrorMessage string
	ExitCode     *int
	BytesCopied  int64
	BytesToCopy  int64
	Info         map[string]string
	StartedAt    time.Time
	CompletedAt  time.Time
}

// Copy returns an independent snapshot.
func (o *Operation) Copy() *Operation {
	if o == nil {
		return nil
	}
	c := *o
	if o.ExitCode != nil {
		code := *o.ExitCode
		c.ExitCode = &code
	}
	if o.Info != nil {
		c.Info = make(map[string]string, len(o.Info))
		for k, v := range o.Info {
			c.Info[k] = v
		}
	}
	return &c
}

// Done reports whether the operation is terminal.
func (o *Operation) Done() bool { return o.State.Terminal() }

// Fail moves the operation to ERROR with the kind and message of err.
func (o *Operation) Fail(err error) {
	o.State = StateError
	o.ErrorType = errdefs.KindOf(err)
	o.ErrorMessage = errdefs.Message(err)
}
