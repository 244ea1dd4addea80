// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package native

import (
	"fmt"
	"maps"

	"github.com/gomlx/gopjrt/dtypes"
)

// KernelOp enumerates the opaque compute operations a Backend may launch.
type KernelOp int

const (
	// OpFill sets every element of Output to Scalar.
	OpFill KernelOp = iota

	// OpCopy copies Inputs[0] to Output.
	OpCopy

	// OpAdd sets Output to the element-wise sum of all Inputs.
	OpAdd

	// OpScale sets Output to Inputs[0] * Scalar.
	OpScale

	// OpAddScalar sets Output to Inputs[0] + Scalar.
	OpAddScalar
)

var kernelOpNames = map[KernelOp]string{
	OpFill:      "fill",
	OpCopy:      "copy",
	OpAdd:       "add",
	OpScale:     "scale",
	OpAddScalar: "add_scalar",
}

// String implements fmt.Stringer.
func (op KernelOp) String() string {
	if name, found := kernelOpNames[op]; found {
		return name
	}
	return fmt.Sprintf("KernelOp(%d)", int(op))
}

// NumInputs returns the number of inputs the operation takes, or -1 if it takes any number >= 1.
func (op KernelOp) NumInputs() int {
	switch op {
	case OpFill:
		return 0
	case OpAdd:
		return -1
	default:
		return 1
	}
}

// Kernel describes one launch of a compute operation over Count elements of DType.
type Kernel struct {
	Op     KernelOp
	DType  dtypes.DType
	Count  uint64
	Output Pointer
	Inputs []Pointer
	Scalar float64
}

// String implements fmt.Stringer.
func (k Kernel) String() string {
	return fmt.Sprintf("%s[%s x %d](out=%s, in=%v, scalar=%g)", k.Op, k.DType, k.Count, k.Output, k.Inputs, k.Scalar)
}

// Capabilities holds what is supported by a Backend.
type Capabilities struct {
	// PinnedHost indicates host allocations are page-locked and can be used for asynchronous copies.
	PinnedHost bool

	// AsyncCopy indicates MemcpyAsync overlaps with host execution. If false the flow controller
	// may still call it, but it behaves like Memcpy.
	AsyncCopy bool

	// Kernels maps each supported operation to the dtypes supported for it.
	// If not listed, it's assumed to be not supported.
	Kernels map[KernelOp]map[dtypes.DType]bool
}

// Supports returns whether the operation is supported for the dtype.
func (c Capabilities) Supports(op KernelOp, dtype dtypes.DType) bool {
	return c.Kernels[op][dtype]
}

// Clone makes a deep copy of the Capabilities.
func (c Capabilities) Clone() Capabilities {
	c2 := c
	c2.Kernels = make(map[KernelOp]map[dtypes.DType]bool, len(c.Kernels))
	for op, supported := range c.Kernels {
		c2.Kernels[op] = maps.Clone(supported)
	}
	return c2
}
