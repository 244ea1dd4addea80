// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package memory

import (
	"sync/atomic"

	"github.com/gomlx/devflow/pkg/native"
	"github.com/pkg/errors"
)

// DeviceAllocator is a Provider of device memory that delegates straight to the native device
// allocator: there is no caching, every allocation is a miss.
type DeviceAllocator struct {
	backend        native.Backend
	allocatedBytes atomic.Uint64
	misses, frees  atomic.Int64
}

// Compile-time check that DeviceAllocator implements Provider.
var _ Provider = (*DeviceAllocator)(nil)

// NewDeviceAllocator returns a DeviceAllocator for the backend.
func NewDeviceAllocator(backend native.Backend) *DeviceAllocator {
	return &DeviceAllocator{backend: backend}
}

// Location implements Provider.
func (a *DeviceAllocator) Location() native.Location { return native.Device }

// Allocate implements Provider. The contents of the buffer are undefined.
func (a *DeviceAllocator) Allocate(shape Shape) (*Buffer, error) {
	bytes, err := shape.Bytes()
	if err != nil {
		return nil, err
	}
	a.misses.Add(1)
	ptr, err := a.backend.AllocateDevice(bytes)
	if err != nil {
		return nil, errors.WithMessagef(err, "device allocator: allocating %s", shape)
	}
	a.allocatedBytes.Add(bytes)
	buffer := newBuffer(shape, bytes, ptr, native.Device)
	buffer.acquire()
	return buffer, nil
}

// Release implements Provider.
func (a *DeviceAllocator) Release(buffer *Buffer) error {
	if buffer == nil {
		return errors.New("device allocator: Release(nil)")
	}
	if buffer.location != native.Device {
		return errors.Errorf("device allocator: Release(%s) of non-device buffer", buffer)
	}
	if err := buffer.disown(); err != nil {
		return err
	}
	if err := a.backend.FreeDevice(buffer.address); err != nil {
		return errors.WithMessagef(err, "device allocator: freeing %s", buffer)
	}
	a.allocatedBytes.Add(-buffer.bytes)
	a.frees.Add(1)
	return nil
}

// Purge implements Provider. There is nothing cached, so it is a no-op.
func (a *DeviceAllocator) Purge() error { return nil }

// Stats implements Provider.
func (a *DeviceAllocator) Stats() Stats {
	return Stats{
		Location:       native.Device,
		Misses:         a.misses.Load(),
		Frees:          a.frees.Load(),
		AllocatedBytes: a.allocatedBytes.Load(),
	}
}
