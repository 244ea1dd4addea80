// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package device

import (
	"unsafe"

	"github.com/gomlx/devflow/pkg/flow"
	"github.com/gomlx/devflow/pkg/memory"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// flatView returns the bytes as a slice of T with the number of elements of the point.
func flatView[T dtypes.Supported](point *flow.AllocationPoint, data []byte) ([]T, error) {
	count := point.Shape().ElementCount
	var zero T
	if need := count * uint64(unsafe.Sizeof(zero)); uint64(len(data)) < need {
		return nil, errors.Wrapf(ErrLengthMismatch, "%s has %d bytes, %d elements of %T need %d bytes",
			point, len(data), count, zero, need)
	}
	if count == 0 {
		return nil, nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(data))), count), nil
}

// assertDType panics if T doesn't match the dtype of the point.
func assertDType[T dtypes.Supported](funcName string, point *flow.AllocationPoint) {
	if dtype := dtypes.FromGenericsType[T](); point.Shape().DType != dtype {
		var v T
		exceptions.Panicf("%s[%T] is incompatible with %s, expected dtype %s", funcName, v, point, dtype)
	}
}

// ConstFlatData calls accessFn with the current values of the point as a flat slice, after waiting
// for pending device writes. The slice is the host buffer of the point: accessFn must not modify
// nor keep it.
//
// It panics if T doesn't match the dtype of the point.
func ConstFlatData[T dtypes.Supported](ctx *Context, point *flow.AllocationPoint, accessFn func(flat []T) error) error {
	assertDType[T]("ConstFlatData", point)
	return ctx.ReadHost(point, func(data []byte) error {
		flat, err := flatView[T](point, data)
		if err != nil {
			return err
		}
		return accessFn(flat)
	})
}

// MutableFlatData calls accessFn with the values of the point as a mutable flat slice, after
// waiting for pending device work on it. The device copy becomes stale.
//
// It panics if T doesn't match the dtype of the point.
func MutableFlatData[T dtypes.Supported](ctx *Context, point *flow.AllocationPoint, accessFn func(flat []T) error) error {
	assertDType[T]("MutableFlatData", point)
	return ctx.WriteHost(point, func(data []byte) error {
		flat, err := flatView[T](point, data)
		if err != nil {
			return err
		}
		return accessFn(flat)
	})
}

// SetFlatData copies values to the point. It fails with an error wrapping ErrLengthMismatch if
// the number of values differs from the number of elements of the point.
//
// It panics if T doesn't match the dtype of the point.
func SetFlatData[T dtypes.Supported](ctx *Context, point *flow.AllocationPoint, values []T) error {
	if count := point.Shape().ElementCount; uint64(len(values)) != count {
		var v T
		return errors.Wrapf(ErrLengthMismatch, "SetFlatData[%T]: %d values given, %s holds %d", v, len(values), point, count)
	}
	return MutableFlatData(ctx, point, func(flat []T) error {
		copy(flat, values)
		return nil
	})
}

// CopyFlatData returns a copy of the current values of the point.
//
// It panics if T doesn't match the dtype of the point.
func CopyFlatData[T dtypes.Supported](ctx *Context, point *flow.AllocationPoint) ([]T, error) {
	var values []T
	err := ConstFlatData(ctx, point, func(flat []T) error {
		values = make([]T, len(flat))
		copy(values, flat)
		return nil
	})
	return values, err
}

// FromFlatData creates a HostOnly point holding a copy of values.
func FromFlatData[T dtypes.Supported](ctx *Context, values []T) (*flow.AllocationPoint, error) {
	shape, err := memory.NewShape(uint64(len(values)), uint32(dtypes.FromGenericsType[T]().Size()), dtypes.FromGenericsType[T]())
	if err != nil {
		return nil, err
	}
	point, err := ctx.NewPoint(shape, flow.HostOnly)
	if err != nil {
		return nil, err
	}
	if err = SetFlatData(ctx, point, values); err != nil {
		_ = ctx.FreePoint(point)
		return nil, err
	}
	return point, nil
}
