// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simulated

import (
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/devflow/pkg/native"
	"github.com/pkg/errors"
)

// allocation of simulated memory.
type allocation struct {
	location native.Location
	data     []byte // Backed by a []uint64, so it is 8-bytes aligned.
}

// poisonValue fills fresh allocations when the "poison" option is set.
const poisonValue = 0xCD

func (b *Backend) allocate(location native.Location, bytes uint64) (native.Pointer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return 0, errors.Wrapf(native.ErrFinalized, "%s backend: allocate", BackendName)
	}
	if limit := b.limits[location]; limit > 0 && b.used[location]+bytes > limit {
		return 0, errors.Wrapf(native.ErrOutOfMemory, "%s backend: cannot allocate %s of %s memory, %s of %s in use",
			BackendName, humanize.IBytes(bytes), location, humanize.IBytes(b.used[location]), humanize.IBytes(limit))
	}
	words := max((bytes+7)/8, 1)
	backing := make([]uint64, words)
	data := unsafe.Slice((*byte)(unsafe.Pointer(&backing[0])), bytes)
	if b.poison {
		for i := range data {
			data[i] = poisonValue
		}
	}
	ptr := native.Pointer(b.nextAddress[location])
	b.nextAddress[location] += (max(bytes, 1) + 2*addressAlignment - 1) / addressAlignment * addressAlignment
	b.allocations[ptr] = &allocation{location: location, data: data}
	b.used[location] += bytes
	b.counters.Allocations.Add(1)
	return ptr, nil
}

func (b *Backend) free(location native.Location, ptr native.Pointer) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, found := b.allocations[ptr]
	if !found || a.location != location {
		return errors.Wrapf(native.ErrInvalidPointer, "%s backend: free of unknown %s pointer %s", BackendName, location, ptr)
	}
	delete(b.allocations, ptr)
	b.used[location] -= uint64(len(a.data))
	b.counters.Frees.Add(1)
	return nil
}

// view returns the slice of bytes of the allocation starting at ptr.
func (b *Backend) view(ptr native.Pointer, bytes uint64) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, found := b.allocations[ptr]
	if !found {
		return nil, errors.Wrapf(native.ErrInvalidPointer, "%s backend: unknown pointer %s", BackendName, ptr)
	}
	if bytes > uint64(len(a.data)) {
		return nil, errors.Wrapf(native.ErrInvalidPointer, "%s backend: access of %d bytes at %s, allocation has only %d bytes",
			BackendName, bytes, ptr, len(a.data))
	}
	return a.data[:bytes:bytes], nil
}

// location returns where ptr was allocated.
func (b *Backend) location(ptr native.Pointer) (native.Location, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, found := b.allocations[ptr]
	if !found {
		return 0, errors.Wrapf(native.ErrInvalidPointer, "%s backend: unknown pointer %s", BackendName, ptr)
	}
	return a.location, nil
}

// AllocateHost implements native.Backend.
func (b *Backend) AllocateHost(bytes uint64) (native.Pointer, error) {
	return b.allocate(native.Host, bytes)
}

// FreeHost implements native.Backend.
func (b *Backend) FreeHost(ptr native.Pointer) error {
	return b.free(native.Host, ptr)
}

// AllocateDevice implements native.Backend.
func (b *Backend) AllocateDevice(bytes uint64) (native.Pointer, error) {
	return b.allocate(native.Device, bytes)
}

// FreeDevice implements native.Backend.
func (b *Backend) FreeDevice(ptr native.Pointer) error {
	return b.free(native.Device, ptr)
}

// Memset implements native.Backend.
func (b *Backend) Memset(ptr native.Pointer, value byte, bytes uint64) error {
	data, err := b.view(ptr, bytes)
	if err != nil {
		return err
	}
	for i := range data {
		data[i] = value
	}
	return nil
}

// Memcpy implements native.Backend.
func (b *Backend) Memcpy(dst, src native.Pointer, bytes uint64) error {
	dstData, err := b.view(dst, bytes)
	if err != nil {
		return errors.WithMessage(err, "Memcpy destination")
	}
	srcData, err := b.view(src, bytes)
	if err != nil {
		return errors.WithMessage(err, "Memcpy source")
	}
	copy(dstData, srcData)
	b.counters.Copies.Add(1)
	return nil
}

// MemcpyAsync implements native.Backend.
func (b *Backend) MemcpyAsync(dst, src native.Pointer, bytes uint64, stream native.Stream) error {
	s, err := b.castStream(stream)
	if err != nil {
		return err
	}
	dstData, err := b.view(dst, bytes)
	if err != nil {
		return errors.WithMessage(err, "MemcpyAsync destination")
	}
	srcData, err := b.view(src, bytes)
	if err != nil {
		return errors.WithMessage(err, "MemcpyAsync source")
	}
	err = s.enqueue(func() error {
		copy(dstData, srcData)
		return nil
	})
	if err == nil {
		b.counters.Copies.Add(1)
	}
	return err
}

// HostBytes implements native.Backend.
func (b *Backend) HostBytes(ptr native.Pointer, bytes uint64) ([]byte, error) {
	location, err := b.location(ptr)
	if err != nil {
		return nil, err
	}
	if location != native.Host {
		return nil, errors.Wrapf(native.ErrInvalidPointer, "%s backend: HostBytes(%s) on device memory", BackendName, ptr)
	}
	return b.view(ptr, bytes)
}

// DeviceBytes returns a view of device memory. It's for tests only: reading device memory
// from Go without synchronizing the streams that write it is a data race.
func (b *Backend) DeviceBytes(ptr native.Pointer, bytes uint64) ([]byte, error) {
	return b.view(ptr, bytes)
}
