// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package memory implements the providers of native memory used by tensors: a HostCache that
// reuses released host buffers of the same shape, and a DeviceAllocator that goes straight to the
// native device allocator. Both implement Provider.
package memory

import (
	"fmt"
	"math/bits"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// ErrShapeOverflow is returned when the number of bytes of a Shape doesn't fit 64 bits.
var ErrShapeOverflow = errors.New("allocation shape overflows 64 bits")

// Shape of an allocation: the key of the host cache free lists.
//
// Two allocations are interchangeable if and only if their shapes are equal, so Shape is
// comparable and used directly as a map key.
type Shape struct {
	ElementCount uint64
	ElementSize  uint32
	DType        dtypes.DType
}

// NewShape returns a validated Shape. It fails if elementSize is 0, or if the total number of
// bytes overflows.
func NewShape(count uint64, elementSize uint32, dtype dtypes.DType) (Shape, error) {
	s := Shape{ElementCount: count, ElementSize: elementSize, DType: dtype}
	if elementSize == 0 {
		return Shape{}, errors.Errorf("invalid shape %s: element size must be > 0", s)
	}
	if _, err := s.Bytes(); err != nil {
		return Shape{}, err
	}
	return s, nil
}

// MakeShape returns the shape of count elements of dtype. It panics if the dtype has no
// byte size or the shape overflows, see NewShape for a version that returns an error.
func MakeShape(dtype dtypes.DType, count uint64) Shape {
	size := dtype.Size()
	if size <= 0 {
		exceptions.Panicf("memory.MakeShape(%s, %d): dtype has no byte size", dtype, count)
	}
	s, err := NewShape(count, uint32(size), dtype)
	if err != nil {
		panic(err)
	}
	return s
}

// Bytes returns ElementCount * ElementSize, or an error wrapping ErrShapeOverflow.
func (s Shape) Bytes() (uint64, error) {
	hi, lo := bits.Mul64(s.ElementCount, uint64(s.ElementSize))
	if hi != 0 {
		return 0, errors.Wrapf(ErrShapeOverflow, "shape %s", s)
	}
	return lo, nil
}

// MustBytes is like Bytes, but panics on overflow. Shapes built with NewShape or MakeShape never do.
func (s Shape) MustBytes() uint64 {
	n, err := s.Bytes()
	if err != nil {
		panic(err)
	}
	return n
}

// String implements fmt.Stringer.
func (s Shape) String() string {
	return fmt.Sprintf("(%s)[%d x %dB]", s.DType, s.ElementCount, s.ElementSize)
}
