// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package memory

import (
	"fmt"
	"sync/atomic"

	"github.com/gomlx/devflow/pkg/native"
	"github.com/pkg/errors"
)

// ErrDoubleRelease is returned when releasing a Buffer that is not owned (already released).
var ErrDoubleRelease = errors.New("buffer released twice")

// Buffer is a native allocation (host or device) of a given Shape.
//
// A Buffer is owned by at most one holder at a time: it is owned from the moment a Provider
// returns it until it is released back. While it sits in a cache free list it is not owned, and
// it may later be re-issued to another holder.
type Buffer struct {
	shape    Shape
	bytes    uint64
	address  native.Pointer
	location native.Location
	owned    atomic.Bool
}

func newBuffer(shape Shape, bytes uint64, address native.Pointer, location native.Location) *Buffer {
	return &Buffer{shape: shape, bytes: bytes, address: address, location: location}
}

// Shape of the buffer.
func (b *Buffer) Shape() Shape { return b.shape }

// Bytes returns the size of the buffer in bytes.
func (b *Buffer) Bytes() uint64 { return b.bytes }

// Address of the native memory.
func (b *Buffer) Address() native.Pointer { return b.address }

// Location where the memory lives.
func (b *Buffer) Location() native.Location { return b.location }

// Owned returns whether the buffer is currently handed out by its provider.
func (b *Buffer) Owned() bool { return b.owned.Load() }

// acquire marks the buffer as owned, when handing it out.
func (b *Buffer) acquire() { b.owned.Store(true) }

// disown marks the buffer as not owned, or fails with ErrDoubleRelease if it wasn't.
func (b *Buffer) disown() error {
	if !b.owned.CompareAndSwap(true, false) {
		return errors.Wrapf(ErrDoubleRelease, "buffer %s", b)
	}
	return nil
}

// String implements fmt.Stringer.
func (b *Buffer) String() string {
	if b == nil {
		return "<nil buffer>"
	}
	return fmt.Sprintf("%s buffer %s@%s", b.location, b.shape, b.address)
}
