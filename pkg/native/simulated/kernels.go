// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simulated

import (
	"unsafe"

	"github.com/gomlx/devflow/pkg/native"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// kernelFn executes a kernel over count elements. out and ins are byte views of the buffers.
type kernelFn func(out []byte, ins [][]byte, count uint64, scalar float64)

type dispatchKey struct {
	op    native.KernelOp
	dtype dtypes.DType
}

// dispatchTable is the single (operation, dtype) -> implementation table of the simulated device.
var (
	dispatchTable = make(map[dispatchKey]kernelFn)
	capabilities  = native.Capabilities{
		PinnedHost: true,
		AsyncCopy:  true,
		Kernels:    make(map[native.KernelOp]map[dtypes.DType]bool),
	}
)

func registerKernel(op native.KernelOp, dtype dtypes.DType, fn kernelFn) {
	dispatchTable[dispatchKey{op, dtype}] = fn
	if capabilities.Kernels[op] == nil {
		capabilities.Kernels[op] = make(map[dtypes.DType]bool)
	}
	capabilities.Kernels[op][dtype] = true
}

func init() {
	registerNumber[float32](dtypes.Float32)
	registerNumber[float64](dtypes.Float64)
	registerNumber[int32](dtypes.Int32)
	registerNumber[int64](dtypes.Int64)
	registerFloat16()
}

// lookupKernel returns the implementation of op for dtype, or an error wrapping native.ErrNotSupported.
func lookupKernel(op native.KernelOp, dtype dtypes.DType) (kernelFn, error) {
	fn, found := dispatchTable[dispatchKey{op, dtype}]
	if !found {
		return nil, errors.Wrapf(native.ErrNotSupported, "%s backend: kernel %s for dtype %s", BackendName, op, dtype)
	}
	return fn, nil
}

type number interface {
	constraints.Integer | constraints.Float
}

// flatView reinterprets the bytes as a slice of count values of T.
func flatView[T any](data []byte, count uint64) []T {
	if count == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(data))), count)
}

func registerNumber[T number](dtype dtypes.DType) {
	registerKernel(native.OpFill, dtype, func(out []byte, _ [][]byte, count uint64, scalar float64) {
		flat := flatView[T](out, count)
		value := T(scalar)
		for i := range flat {
			flat[i] = value
		}
	})
	registerKernel(native.OpCopy, dtype, func(out []byte, ins [][]byte, count uint64, _ float64) {
		copy(flatView[T](out, count), flatView[T](ins[0], count))
	})
	registerKernel(native.OpAdd, dtype, func(out []byte, ins [][]byte, count uint64, _ float64) {
		flat := flatView[T](out, count)
		// Accumulate in a temporary: out may alias one of the inputs.
		sum := make([]T, count)
		for _, in := range ins {
			for i, v := range flatView[T](in, count) {
				sum[i] += v
			}
		}
		copy(flat, sum)
	})
	registerKernel(native.OpScale, dtype, func(out []byte, ins [][]byte, count uint64, scalar float64) {
		flat, in := flatView[T](out, count), flatView[T](ins[0], count)
		for i, v := range in {
			flat[i] = T(float64(v) * scalar)
		}
	})
	registerKernel(native.OpAddScalar, dtype, func(out []byte, ins [][]byte, count uint64, scalar float64) {
		flat, in := flatView[T](out, count), flatView[T](ins[0], count)
		for i, v := range in {
			flat[i] = T(float64(v) + scalar)
		}
	})
}

// registerFloat16 kernels compute in float32.
func registerFloat16() {
	dtype := dtypes.Float16
	unary := func(fn func(v, scalar float32) float32) kernelFn {
		return func(out []byte, ins [][]byte, count uint64, scalar float64) {
			flat, in := flatView[float16.Float16](out, count), flatView[float16.Float16](ins[0], count)
			s := float32(scalar)
			for i, v := range in {
				flat[i] = float16.Fromfloat32(fn(v.Float32(), s))
			}
		}
	}
	registerKernel(native.OpFill, dtype, func(out []byte, _ [][]byte, count uint64, scalar float64) {
		flat := flatView[float16.Float16](out, count)
		value := float16.Fromfloat32(float32(scalar))
		for i := range flat {
			flat[i] = value
		}
	})
	registerKernel(native.OpCopy, dtype, func(out []byte, ins [][]byte, count uint64, _ float64) {
		copy(flatView[float16.Float16](out, count), flatView[float16.Float16](ins[0], count))
	})
	registerKernel(native.OpAdd, dtype, func(out []byte, ins [][]byte, count uint64, _ float64) {
		sum := make([]float32, count)
		for _, in := range ins {
			for i, v := range flatView[float16.Float16](in, count) {
				sum[i] += v.Float32()
			}
		}
		flat := flatView[float16.Float16](out, count)
		for i, v := range sum {
			flat[i] = float16.Fromfloat32(v)
		}
	})
	registerKernel(native.OpScale, dtype, unary(func(v, s float32) float32 { return v * s }))
	registerKernel(native.OpAddScalar, dtype, unary(func(v, s float32) float32 { return v + s }))
}
