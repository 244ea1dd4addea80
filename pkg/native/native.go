// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package native defines the interface to the native device runtime (a CUDA-like driver) used by
// the memory providers and the flow controller: host (pinned) and device allocations, memory
// copies, asynchronous streams, completion events and kernel launches.
//
// The kernels themselves (BLAS and friends) are opaque to this module: a Backend only needs to
// launch them in stream order. See package simulated for a pure Go implementation.
package native

import (
	"fmt"

	"github.com/pkg/errors"
)

// Pointer is an opaque address of native memory, either host or device.
// The zero Pointer is the "null" address.
type Pointer uintptr

// IsNull returns whether the pointer is the zero address.
func (p Pointer) IsNull() bool { return p == 0 }

// String implements fmt.Stringer.
func (p Pointer) String() string { return fmt.Sprintf("0x%x", uintptr(p)) }

// Location of a memory allocation.
type Location int

const (
	// Host memory, pinned by the native runtime so it can be used in asynchronous copies.
	Host Location = iota

	// Device memory.
	Device
)

// String implements fmt.Stringer.
func (l Location) String() string {
	switch l {
	case Host:
		return "host"
	case Device:
		return "device"
	default:
		return fmt.Sprintf("Location(%d)", int(l))
	}
}

var (
	// ErrOutOfMemory is returned (wrapped) when the native allocator can't satisfy a request.
	ErrOutOfMemory = errors.New("native out of memory")

	// ErrInvalidPointer is returned (wrapped) when a pointer is unknown to the backend, or
	// the range accessed falls outside its allocation.
	ErrInvalidPointer = errors.New("invalid native pointer")

	// ErrNotSupported is returned (wrapped) for capabilities the backend doesn't implement.
	ErrNotSupported = errors.New("not supported by native backend")

	// ErrFinalized is returned (wrapped) when a stream, event or backend is used after being destroyed.
	ErrFinalized = errors.New("native resource already finalized")
)

// Backend is the API a native device runtime implements.
//
// All methods must be safe to call concurrently.
type Backend interface {
	// Name returns the short name of the backend, as registered.
	Name() string

	// Description is a longer description of the Backend that can be used to pretty-print.
	Description() string

	// Capabilities reports what the backend supports.
	Capabilities() Capabilities

	// AllocateHost allocates pinned host memory. The contents are undefined.
	AllocateHost(bytes uint64) (Pointer, error)

	// FreeHost releases host memory allocated with AllocateHost.
	FreeHost(ptr Pointer) error

	// AllocateDevice allocates device memory. The contents are undefined.
	AllocateDevice(bytes uint64) (Pointer, error)

	// FreeDevice releases device memory allocated with AllocateDevice.
	FreeDevice(ptr Pointer) error

	// Memset synchronously sets bytes starting at ptr (host or device) to value.
	Memset(ptr Pointer, value byte, bytes uint64) error

	// Memcpy synchronously copies bytes from src to dst, in any direction.
	// It doesn't wait for pending stream work.
	Memcpy(dst, src Pointer, bytes uint64) error

	// MemcpyAsync enqueues a copy of bytes from src to dst on the stream.
	MemcpyAsync(dst, src Pointer, bytes uint64, stream Stream) error

	// HostBytes returns a Go view of bytes of host memory starting at ptr.
	// The view is valid until the memory is freed.
	HostBytes(ptr Pointer, bytes uint64) ([]byte, error)

	// NewStream creates a new asynchronous execution stream.
	NewStream() (Stream, error)

	// Supports returns nil if the kernel operation is implemented for the dtype of the kernel,
	// or an error wrapping ErrNotSupported otherwise.
	Supports(kernel Kernel) error

	// Launch enqueues the kernel on the stream. It returns an error wrapping ErrNotSupported
	// for unsupported kernels.
	Launch(kernel Kernel, stream Stream) error

	// Finalize releases all the associated resources immediately, and makes the backend invalid.
	Finalize()
}

// Stream is an ordered queue of native work: work enqueued on a stream executes in order.
type Stream interface {
	// ID of the stream, unique within its Backend.
	ID() int

	// RecordEvent returns an Event that completes when all the work enqueued so far on the stream completes.
	RecordEvent() (Event, error)

	// Synchronize blocks until all work enqueued on the stream completes.
	Synchronize() error

	// Destroy the stream, after waiting for pending work.
	Destroy() error
}

// Event marks a point in a Stream's work.
//
// Native events are not reentrant: calling Destroy twice, or Synchronize after Destroy, is an
// error (or worse). Callers are expected to guard them, see flow.Event.
type Event interface {
	// Synchronize blocks until the work preceding the event completes. It returns the error of
	// that work, if any failed.
	Synchronize() error

	// Query returns whether the event has completed, without blocking.
	Query() (bool, error)

	// Destroy releases the native resources of the event.
	Destroy() error
}
