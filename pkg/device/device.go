// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package device wires, for one device, the native backend, the memory providers and the flow
// controller into a Context: the API tensors use to create, operate on, read, write and free their
// memory.
//
// Example:
//
//	ctx, err := device.New(config.Default(), backend)
//	x, err := device.FromFlatData(ctx, []float32{1, 2, 3})
//	y, err := ctx.NewPoint(x.Shape(), flow.DeviceOnly)
//	err = ctx.RunKernel(native.OpScale, 2.0, y, x)
//	values, err := device.CopyFlatData[float32](ctx, y)  // [2, 4, 6]
package device

import (
	"fmt"
	"sync/atomic"

	"github.com/gomlx/devflow/pkg/config"
	"github.com/gomlx/devflow/pkg/flow"
	"github.com/gomlx/devflow/pkg/memory"
	"github.com/gomlx/devflow/pkg/native"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrLengthMismatch is returned (wrapped) when flat data doesn't have the number of elements of the point.
	ErrLengthMismatch = errors.New("flat data length mismatch")

	// ErrClosed is returned (wrapped) when using a Context after Close.
	ErrClosed = errors.New("device context closed")
)

// Context of one device: configuration, native backend, host cache, device allocator and the flow
// controller ordering work on the device lanes. It is safe for concurrent use.
type Context struct {
	id      uuid.UUID
	cfg     config.Config
	backend native.Backend

	hostCache       *memory.HostCache
	deviceAllocator *memory.DeviceAllocator
	// host and device wrap the providers above with the out-of-memory policy.
	host, device memory.Provider
	controller   *flow.Controller

	numPoints atomic.Int64
	closed    atomic.Bool
}

// New creates the Context for the device of the backend.
func New(cfg config.Config, backend native.Backend) (*Context, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessage(err, "device.New")
	}
	ctx := &Context{
		id:              uuid.New(),
		cfg:             cfg,
		backend:         backend,
		hostCache:       memory.NewHostCache(backend, cfg),
		deviceAllocator: memory.NewDeviceAllocator(backend),
	}
	ctx.host = &retryingProvider{Provider: ctx.hostCache, ctx: ctx}
	ctx.device = &retryingProvider{Provider: ctx.deviceAllocator, ctx: ctx}
	var err error
	ctx.controller, err = flow.NewController(cfg, backend, ctx.host, ctx.device)
	if err != nil {
		return nil, errors.WithMessagef(err, "device.New(%s)", backend.Name())
	}
	klog.V(1).Infof("%s created: %s", ctx, backend.Description())
	return ctx, nil
}

// NewDefault creates a Context with the configuration from $DEVFLOW_CONFIG and the native
// backend from $DEVFLOW_NATIVE, see config.FromEnv and native.New.
func NewDefault() (*Context, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, err
	}
	backend, err := native.New()
	if err != nil {
		return nil, err
	}
	return New(cfg, backend)
}

// String implements fmt.Stringer.
func (ctx *Context) String() string {
	return fmt.Sprintf("device.Context[%s](%s, %d lanes)", ctx.id.String()[:8], ctx.backend.Name(), ctx.cfg.NumLanes)
}

// ID returns the unique id of the context.
func (ctx *Context) ID() uuid.UUID { return ctx.id }

// Config returns the configuration of the context.
func (ctx *Context) Config() config.Config { return ctx.cfg }

// Backend returns the native backend of the device.
func (ctx *Context) Backend() native.Backend { return ctx.backend }

// Controller returns the flow controller of the device.
func (ctx *Context) Controller() *flow.Controller { return ctx.controller }

// HostCache returns the host memory cache of the device.
func (ctx *Context) HostCache() *memory.HostCache { return ctx.hostCache }

func (ctx *Context) checkOpen() error {
	if ctx.closed.Load() {
		return errors.Wrapf(ErrClosed, "%s", ctx)
	}
	return nil
}

// NewPoint allocates the memory for a tensor of the given shape. Only residency HostOnly
// (zeroed host buffer) or DeviceOnly (device buffer with undefined contents) are accepted.
func (ctx *Context) NewPoint(shape memory.Shape, residency flow.Residency) (*flow.AllocationPoint, error) {
	if err := ctx.checkOpen(); err != nil {
		return nil, err
	}
	var point *flow.AllocationPoint
	switch residency {
	case flow.HostOnly:
		buffer, err := ctx.host.Allocate(shape)
		if err != nil {
			return nil, err
		}
		point = flow.NewAllocationPoint(shape, flow.HostOnly, buffer, nil)
	case flow.DeviceOnly:
		buffer, err := ctx.device.Allocate(shape)
		if err != nil {
			return nil, err
		}
		point = flow.NewAllocationPoint(shape, flow.DeviceOnly, nil, buffer)
	default:
		return nil, errors.Errorf("NewPoint(%s): new points must be %s or %s, got %s",
			shape, flow.HostOnly, flow.DeviceOnly, residency)
	}
	ctx.numPoints.Add(1)
	return point, nil
}

// FreePoint waits for the pending device work on the point and releases its buffers.
// Freeing a point twice is a no-op.
func (ctx *Context) FreePoint(point *flow.AllocationPoint) error {
	if point.IsFreed() {
		return nil
	}
	freed, err := ctx.controller.Free(point)
	if freed {
		ctx.numPoints.Add(-1)
	}
	if err != nil {
		return errors.WithMessagef(err, "FreePoint(%s)", point)
	}
	return nil
}

// Execute runs an operation writing result and reading operands (nil operands are ignored):
// the lane is chosen by the flow controller, and launch issues the native work on op.Stream().
// If launch fails the operation is aborted and its error returned.
func (ctx *Context) Execute(result *flow.AllocationPoint, operands []*flow.AllocationPoint, launch func(op *flow.Op) error) error {
	if err := ctx.checkOpen(); err != nil {
		return err
	}
	op, err := ctx.controller.PrepareOp(result, operands...)
	if err != nil {
		return err
	}
	if err = launch(op); err != nil {
		ctx.controller.AbortOp(op)
		return err
	}
	return ctx.controller.CommitOp(op)
}

// RunKernel executes the kernel operation over all elements of result, reading the operands.
// Unsupported operations for the dtype fail with an error wrapping native.ErrNotSupported,
// before anything is scheduled.
func (ctx *Context) RunKernel(kernelOp native.KernelOp, scalar float64, result *flow.AllocationPoint, operands ...*flow.AllocationPoint) error {
	shape := result.Shape()
	kernel := native.Kernel{Op: kernelOp, DType: shape.DType, Count: shape.ElementCount, Scalar: scalar}
	if err := ctx.backend.Supports(kernel); err != nil {
		return err
	}
	return ctx.Execute(result, operands, func(op *flow.Op) error {
		kernel.Output = op.Result.DeviceBuffer().Address()
		for _, operand := range op.Operands {
			if operand.Shape() != shape {
				return errors.Errorf("RunKernel(%s): operand %s has a different shape than the result %s", kernelOp, operand, shape)
			}
			kernel.Inputs = append(kernel.Inputs, operand.DeviceBuffer().Address())
		}
		return ctx.backend.Launch(kernel, op.Stream())
	})
}

// ReadHost calls fn with a view of the current contents of the point on the host, after
// waiting for pending device writes. fn must not modify nor keep the view.
func (ctx *Context) ReadHost(point *flow.AllocationPoint, fn func(data []byte) error) error {
	if err := ctx.checkOpen(); err != nil {
		return err
	}
	return ctx.controller.WithHostRead(point, fn)
}

// WriteHost calls fn with a mutable view of the contents of the point on the host, after waiting
// for pending device work on it. The device copy becomes stale. fn must not keep the view.
func (ctx *Context) WriteHost(point *flow.AllocationPoint, fn func(data []byte) error) error {
	if err := ctx.checkOpen(); err != nil {
		return err
	}
	return ctx.controller.WithHostWrite(point, fn)
}

// Purge frees the buffers kept by the memory providers for reuse.
func (ctx *Context) Purge() error {
	err := ctx.hostCache.Purge()
	if devErr := ctx.deviceAllocator.Purge(); err == nil {
		err = devErr
	}
	return err
}

// NumPoints returns the number of points created and not yet freed.
func (ctx *Context) NumPoints() int64 { return ctx.numPoints.Load() }

// Close retires all pending events, purges the host cache and destroys the lanes. Buffers of
// points not freed are left to the native backend. Close is idempotent.
func (ctx *Context) Close() error {
	if !ctx.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := ctx.controller.Close()
	if purgeErr := ctx.Purge(); err == nil {
		err = purgeErr
	}
	if n := ctx.NumPoints(); n > 0 {
		klog.V(1).Infof("%s closed with %d points not freed", ctx, n)
	}
	klog.V(1).Infof("%s closed: %s", ctx, ctx.Stats())
	return err
}

// retryingProvider implements the out-of-memory policy of the context: an allocation failing
// with native.ErrOutOfMemory is retried once, after purging the cached memory.
type retryingProvider struct {
	memory.Provider
	ctx *Context
}

// Allocate implements memory.Provider.
func (p *retryingProvider) Allocate(shape memory.Shape) (*memory.Buffer, error) {
	buffer, err := p.Provider.Allocate(shape)
	if err == nil || !errors.Is(err, native.ErrOutOfMemory) {
		return buffer, err
	}
	klog.V(1).Infof("%s: out of %s memory allocating %s, purging caches and retrying", p.ctx, p.Location(), shape)
	if purgeErr := p.ctx.Purge(); purgeErr != nil {
		klog.Warningf("%s: purge failed: %v", p.ctx, purgeErr)
	}
	return p.Provider.Allocate(shape)
}
