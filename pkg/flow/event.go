// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package flow

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomlx/devflow/internal/xsync"
	"github.com/gomlx/devflow/pkg/native"
	"github.com/pkg/errors"
)

var (
	// ErrSyncTimeout is returned (wrapped) when an event synchronization exceeds the configured timeout.
	ErrSyncTimeout = errors.New("event synchronization timed out")

	// ErrDeviceFailure is matched (with errors.Is) by errors of native work reported by an event
	// synchronization. The native error is kept in the chain.
	ErrDeviceFailure = errors.New("device failure")
)

// deviceFailure wraps a native error with the lane it happened on.
type deviceFailure struct {
	laneID int
	cause  error
}

func (e *deviceFailure) Error() string {
	return fmt.Sprintf("%s on lane %d: %v", ErrDeviceFailure, e.laneID, e.cause)
}

func (e *deviceFailure) Is(target error) bool { return target == ErrDeviceFailure }

func (e *deviceFailure) Unwrap() error { return e.cause }

// Cause implements the github.com/pkg/errors causer interface.
func (e *deviceFailure) Cause() error { return e.cause }

func newDeviceFailure(laneID int, err error) error {
	if err == nil {
		return nil
	}
	return &deviceFailure{laneID: laneID, cause: err}
}

// Event wraps a native event recorded on a lane.
//
// Native events are not reentrant, Event guards them: Synchronize and Destroy can be called any
// number of times from any goroutine. After Destroy, both are no-ops returning nil.
type Event struct {
	laneID  int
	handle  native.Event
	timeout time.Duration

	// mu serializes the start of the synchronization and Destroy. The native calls run
	// outside of it, except for Destroy.
	mu        sync.Mutex
	done      atomic.Pointer[xsync.LatchWithValue[error]] // Set when the first synchronization starts.
	destroyed atomic.Bool
}

// NewEvent wraps the native event recorded on the lane. If timeout > 0, synchronizations wait at
// most timeout.
func NewEvent(laneID int, handle native.Event, timeout time.Duration) *Event {
	return &Event{laneID: laneID, handle: handle, timeout: timeout}
}

// LaneID where the event was recorded.
func (e *Event) LaneID() int { return e.laneID }

// String implements fmt.Stringer.
func (e *Event) String() string {
	return fmt.Sprintf("event(lane=%d)", e.laneID)
}

// startSynchronize returns the latch triggered when the native synchronization finishes.
// If first is true, the caller started it and must call runSynchronize.
// It must be called with e.mu locked.
func (e *Event) startSynchronize() (done *xsync.LatchWithValue[error], first bool) {
	if done = e.done.Load(); done != nil {
		return done, false
	}
	done = xsync.NewLatchWithValue[error]()
	e.done.Store(done)
	return done, true
}

// runSynchronize does the native synchronization and triggers done. Only the caller that
// started the synchronization runs it, without holding e.mu.
func (e *Event) runSynchronize(done *xsync.LatchWithValue[error]) {
	done.Trigger(newDeviceFailure(e.laneID, e.handle.Synchronize()))
}

// Synchronize blocks until the native work preceding the event completes.
//
// It returns an error matching ErrDeviceFailure if that work failed, or ErrSyncTimeout if it
// didn't finish within the configured timeout. It's a no-op after Destroy.
func (e *Event) Synchronize() error {
	e.mu.Lock()
	if e.destroyed.Load() {
		e.mu.Unlock()
		return nil
	}
	done, first := e.startSynchronize()
	e.mu.Unlock()
	if first {
		if e.timeout <= 0 {
			e.runSynchronize(done)
		} else {
			go e.runSynchronize(done)
		}
	}
	err, ok := done.WaitTimeout(e.timeout)
	if !ok {
		return errors.Wrapf(ErrSyncTimeout, "%s after %s", e, e.timeout)
	}
	return err
}

// Done returns whether the event is known to have completed: it was synchronized (successfully
// or not) or destroyed. It never blocks, not even while another goroutine synchronizes it.
func (e *Event) Done() bool {
	if e.destroyed.Load() {
		return true
	}
	done := e.done.Load()
	return done != nil && done.Test()
}

// Destroy releases the native event. It's a no-op if already destroyed.
//
// If a synchronization is still in flight, it waits for it first.
func (e *Event) Destroy() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed.Load() {
		return nil
	}
	if done := e.done.Load(); done != nil {
		done.Wait()
	}
	e.destroyed.Store(true)
	if err := e.handle.Destroy(); err != nil {
		return errors.WithMessagef(err, "destroying %s", e)
	}
	return nil
}

// Retire synchronizes and destroys the event. If the synchronization times out the event is
// kept alive, so it can be retired later.
func (e *Event) Retire() error {
	err := e.Synchronize()
	if errors.Is(err, ErrSyncTimeout) {
		return err
	}
	if destroyErr := e.Destroy(); err == nil {
		err = destroyErr
	}
	return err
}

// IsDestroyed returns whether Destroy was called.
func (e *Event) IsDestroyed() bool { return e.destroyed.Load() }
