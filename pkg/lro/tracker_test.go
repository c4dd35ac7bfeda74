// © 2025 Platform Engineering Labs Inc.
//
// SPDX-License-Identifier: FSL-1.1-ALv2

package lro

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platform-engineering-labs/xenon-go/pkg/errdefs"
)

func TestStartAssignsIDAndSnapshots(t *testing.T) {
	tr := NewTracker()

	op, err := tr.Start("fs-1", KindCopy, "", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, op.ID)
	assert.Equal(t, StatePending, op.State)

	op.State = StateDone
	got, err := tr.Get("fs-1", op.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, got.State, "snapshots must not alias tracker state")

	_, err = tr.Start("fs-1", KindCopy, op.ID, nil)
	assert.Error(t, err)
}

func TestEntriesAreScopedByOwner(t *testing.T) {
	tr := NewTracker()
	_, err := tr.Start("fs-1", KindCopy, "op", nil)
	require.NoError(t, err)
	_, err = tr.Start("fs-2", KindCopy, "op", nil)
	require.NoError(t, err)

	_, err = tr.Get("fs-3", "op")
	assert.True(t, errors.Is(err, ErrNotFound))

	assert.Equal(t, 1, tr.RemoveOwner("fs-1"))
	_, err = tr.Get("fs-1", "op")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = tr.Get("fs-2", "op")
	assert.NoError(t, err)
}

func TestUpdateRejectsLeavingTerminalState(t *testing.T) {
	tr := NewTracker()
	_, err := tr.Start("s", KindJob, "j", nil)
	require.NoError(t, err)

	done, err := tr.Update("s", "j", func(op *Operation) {
		code := 0
		op.State = StateDone
		op.ExitCode = &code
	})
	require.NoError(t, err)
	assert.False(t, done.CompletedAt.IsZero())

	snap, err := tr.Update("s", "j", func(op *Operation) { op.State = StateRunning })
	assert.ErrorIs(t, err, ErrFinished)
	assert.Equal(t, StateDone, snap.State)
}

func TestFailRecordsKindAndMessage(t *testing.T) {
	tr := NewTracker()
	_, err := tr.Start("s", KindCopy, "c", nil)
	require.NoError(t, err)

	op, err := tr.Update("s", "c", func(op *Operation) {
		op.Fail(errdefs.E(errdefs.PathAlreadyExists, "/tmp/x exists"))
	})
	require.NoError(t, err)
	assert.Equal(t, StateError, op.State)
	assert.Equal(t, errdefs.PathAlreadyExists, op.ErrorType)
	assert.Equal(t, "/tmp/x exists", op.ErrorMessage)
}

func TestWaitWithoutTimeoutBlocksUntilTerminal(t *testing.T) {
	tr := NewTracker()
	_, err := tr.Start("s", KindCopy, "c", nil)
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_, _ = tr.Update("s", "c", func(op *Operation) { op.State = StateRunning })
		time.Sleep(30 * time.Millisecond)
		_, _ = tr.Update("s", "c", func(op *Operation) { op.State = StateDone })
	}()

	op, err := tr.Wait(context.Background(), "s", "c", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, StateDone, op.State)
}

func TestWaitReturnsSnapshotAtDeadline(t *testing.T) {
	tr := NewTracker()
	_, err := tr.Start("s", KindJob, "j", nil)
	require.NoError(t, err)

	start := time.Now()
	op, err := tr.Wait(context.Background(), "s", "j", 50*time.Millisecond, nil)
	require.NoError(t, err)
	assert.Equal(t, StatePending, op.State)
	assert.False(t, op.Done())
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestWaitUntilPredicate(t *testing.T) {
	tr := NewTracker()
	_, err := tr.Start("s", KindJob, "j", nil)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = tr.Update("s", "j", func(op *Operation) { op.State = StateRunning })
	}()

	op, err := tr.Wait(context.Background(), "s", "j", 0, func(op *Operation) bool {
		return op.State == StateRunning
	})
	require.NoError(t, err)
	assert.Equal(t, StateRunning, op.State)
}

func TestWaitHonoursContext(t *testing.T) {
	tr := NewTracker()
	_, err := tr.Start("s", KindJob, "j", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = tr.Wait(ctx, "s", "j", 0, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWaitObservesRemoval(t *testing.T) {
	tr := NewTracker()
	_, err := tr.Start("s", KindCopy, "c", nil)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		tr.RemoveOwner("s")
	}()
	_, err = tr.Wait(context.Background(), "s", "c", 0, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCancelInvokesCancelFunc(t *testing.T) {
	tr := NewTracker()
	ctx, cancel := context.WithCancel(context.Background())
	_, err := tr.Start("s", KindCopy, "c", cancel)
	require.NoError(t, err)

	go func() {
		<-ctx.Done()
		_, _ = tr.Update("s", "c", func(op *Operation) { op.State = StateCancelled })
	}()

	_, err = tr.Cancel("s", "c")
	require.NoError(t, err)

	op, err := tr.Wait(context.Background(), "s", "c", time.Second, nil)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, op.State)

	_, err = tr.Cancel("s", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTerminalHookSeesEveryFinish(t *testing.T) {
	var seen atomic.Int32
	tr := NewTracker(WithTerminalHook(func(op *Operation) {
		assert.True(t, op.Done())
		seen.Add(1)
	}))

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("c%d", i)
		_, err := tr.Start("s", KindCopy, id, nil)
		require.NoError(t, err)
		_, err = tr.Update("s", id, func(op *Operation) { op.BytesCopied = 10 })
		require.NoError(t, err)
		_, err = tr.Update("s", id, func(op *Operation) { op.State = StateDone })
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), seen.Load())
}

func TestConcurrentSessions(t *testing.T) {
	tr := NewTracker()
	var wg sync.WaitGroup
	for s := 0; s < 8; s++ {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				op, err := tr.Start(owner, KindJob, "", nil)
				if !assert.NoError(t, err) {
					return
				}
				_, err = tr.Update(owner, op.ID, func(op *Operation) { op.State = StateDone })
				assert.NoError(t, err)
			}
			assert.Len(t, tr.List(owner), 50)
			assert.Equal(t, 50, tr.RemoveOwner(owner))
		}(fmt.Sprintf("sched-%d", s))
	}
	wg.Wait()
	assert.Empty(t, tr.List(""))
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	tr := NewTracker(WithRegisterer(reg))

	_, err := tr.Start("s", KindCopy, "a", nil)
	require.NoError(t, err)
	_, err = tr.Start("s", KindCopy, "b", nil)
	require.NoError(t, err)
	_, err = tr.Update("s", "a", func(op *Operation) { op.State = StateDone })
	require.NoError(t, err)

	values := gather(t, reg)
	assert.Equal(t, 2.0, values["xenon_operations_started_total"])
	assert.Equal(t, 1.0, values["xenon_operations_finished_total"])
	assert.Equal(t, 1.0, values["xenon_operations_in_flight"])

	require.NoError(t, tr.Remove("s", "b"))
	assert.Equal(t, 0.0, gather(t, reg)["xenon_operations_in_flight"])
}

// gather sums every series of each metric family.
func gather(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	out := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			if c := m.GetCounter(); c != nil {
				out[mf.GetName()] += c.GetValue()
			}
			if g := m.GetGauge(); g != nil {
				out[mf.GetName()] += g.GetValue()
			}
		}
	}
	return out
}

func TestWaitReturnsAfterTerminalHooks(t *testing.T) {
	var recorded atomic.Bool
	tr := NewTracker(WithTerminalHook(func(*Operation) {
		time.Sleep(20 * time.Millisecond)
		recorded.Store(true)
	}))
	_, err := tr.Start("s", KindJob, "j", nil)
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_, _ = tr.Update("s", "j", func(op *Operation) { op.State = StateRunning })
		_, _ = tr.Update("s", "j", func(op *Operation) { op.State = StateDone })
	}()

	op, err := tr.Wait(context.Background(), "s", "j", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, StateDone, op.State)
	assert.True(t, recorded.Load())
}
