// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simulated

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomlx/devflow/internal/xsync"
	"github.com/gomlx/devflow/pkg/native"
	"github.com/pkg/errors"
)

// streamQueueSize is the number of pieces of work that can be enqueued before enqueuing blocks.
const streamQueueSize = 1024

// Stream implements native.Stream with a goroutine that executes work in FIFO order.
//
// Like a real device context, the first failure is "sticky": later work on the stream is skipped,
// and every event and synchronization after it reports the error.
type Stream struct {
	backend *Backend
	id      int

	mu        sync.Mutex
	tasks     chan streamTask
	destroyed bool
	done      chan struct{}

	stickyErr atomic.Pointer[error]
}

// streamTask is a piece of work on a stream. Markers (events and synchronizations) run even
// after a failure, to report it.
type streamTask struct {
	run    func() error
	marker bool
}

// Compile-time check that simulated.Stream implements native.Stream.
var _ native.Stream = (*Stream)(nil)

func newStream(b *Backend, id int) *Stream {
	s := &Stream{
		backend: b,
		id:      id,
		tasks:   make(chan streamTask, streamQueueSize),
		done:    make(chan struct{}),
	}
	go s.worker()
	return s
}

// worker executes the tasks in order.
func (s *Stream) worker() {
	defer close(s.done)
	for task := range s.tasks {
		if s.backend.latency > 0 {
			time.Sleep(s.backend.latency)
		}
		if s.stickyErr.Load() != nil {
			// Work after a failure is skipped, markers still run so events get triggered.
			if task.marker {
				_ = task.run()
			}
			continue
		}
		if err := task.run(); err != nil {
			err = errors.WithMessagef(err, "%s backend: stream #%d", BackendName, s.id)
			s.stickyErr.CompareAndSwap(nil, &err)
		}
	}
}

// err returns the sticky error of the stream, if any.
func (s *Stream) err() error {
	if errPtr := s.stickyErr.Load(); errPtr != nil {
		return *errPtr
	}
	return nil
}

// enqueue work on the stream.
func (s *Stream) enqueue(task func() error) error {
	return s.enqueueTask(streamTask{run: task})
}

// enqueueMarker enqueues a task that runs even after the stream failed.
func (s *Stream) enqueueMarker(task func() error) error {
	return s.enqueueTask(streamTask{run: task, marker: true})
}

func (s *Stream) enqueueTask(task streamTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return errors.Wrapf(native.ErrFinalized, "%s backend: stream #%d already destroyed", BackendName, s.id)
	}
	s.tasks <- task
	return nil
}

// Enqueue arbitrary Go work on the stream: it runs in order with kernels and copies.
// If task returns an error, it becomes the sticky error of the stream.
func (s *Stream) Enqueue(task func() error) error {
	return s.enqueue(task)
}

// Fail makes err the sticky error of the stream, in stream order -- it simulates a device fault.
func (s *Stream) Fail(err error) error {
	return s.enqueue(func() error { return err })
}

// ID implements native.Stream.
func (s *Stream) ID() int { return s.id }

// String implements fmt.Stringer.
func (s *Stream) String() string { return fmt.Sprintf("sim-stream#%d", s.id) }

// RecordEvent implements native.Stream.
func (s *Stream) RecordEvent() (native.Event, error) {
	e := &Event{
		stream: s,
		latch:  xsync.NewLatchWithValue[error](),
	}
	err := s.enqueueMarker(func() error {
		e.latch.Trigger(s.err())
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.backend.counters.EventsRecorded.Add(1)
	return e, nil
}

// Synchronize implements native.Stream.
func (s *Stream) Synchronize() error {
	latch := xsync.NewLatchWithValue[error]()
	err := s.enqueueMarker(func() error {
		latch.Trigger(s.err())
		return nil
	})
	if err != nil {
		return err
	}
	s.backend.counters.StreamSyncs.Add(1)
	return latch.Wait()
}

// Destroy implements native.Stream. It waits for pending work to finish.
func (s *Stream) Destroy() error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return errors.Wrapf(native.ErrFinalized, "%s backend: stream #%d destroyed twice", BackendName, s.id)
	}
	s.destroyed = true
	close(s.tasks)
	s.mu.Unlock()
	<-s.done

	s.backend.mu.Lock()
	delete(s.backend.streams, s.id)
	s.backend.mu.Unlock()
	return s.err()
}

// Event implements native.Event. Like native events, it is not reentrant: Destroy twice, or
// Synchronize after Destroy, return an error.
type Event struct {
	stream    *Stream
	latch     *xsync.LatchWithValue[error]
	destroyed atomic.Bool
}

// Compile-time check that simulated.Event implements native.Event.
var _ native.Event = (*Event)(nil)

// Synchronize implements native.Event.
func (e *Event) Synchronize() error {
	if e.destroyed.Load() {
		return errors.Wrapf(native.ErrFinalized, "%s backend: Synchronize on destroyed event of stream #%d", BackendName, e.stream.id)
	}
	e.stream.backend.counters.EventSyncs.Add(1)
	return e.latch.Wait()
}

// Query implements native.Event.
func (e *Event) Query() (bool, error) {
	if e.destroyed.Load() {
		return false, errors.Wrapf(native.ErrFinalized, "%s backend: Query on destroyed event of stream #%d", BackendName, e.stream.id)
	}
	if !e.latch.Test() {
		return false, nil
	}
	return true, e.latch.Wait()
}

// Destroy implements native.Event.
func (e *Event) Destroy() error {
	if !e.destroyed.CompareAndSwap(false, true) {
		return errors.Wrapf(native.ErrFinalized, "%s backend: event of stream #%d destroyed twice", BackendName, e.stream.id)
	}
	e.stream.backend.counters.EventsDestroyed.Add(1)
	return nil
}
