// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package memory

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/devflow/pkg/native"
)

// Provider of native memory buffers for one location.
//
// All methods are safe for concurrent use.
type Provider interface {
	// Location of the memory provided.
	Location() native.Location

	// Allocate returns a buffer of the given shape, owned by the caller.
	// A native out-of-memory failure is returned wrapping native.ErrOutOfMemory.
	Allocate(shape Shape) (*Buffer, error)

	// Release gives back a buffer returned by Allocate. It returns an error wrapping
	// ErrDoubleRelease if the buffer was already released.
	Release(buffer *Buffer) error

	// Purge frees any memory kept by the provider for reuse.
	Purge() error

	// Stats returns a snapshot of the provider counters.
	Stats() Stats
}

// Stats of a Provider.
type Stats struct {
	Location native.Location

	// Hits and Misses of allocations: a hit reuses a cached buffer, a miss goes to the native allocator.
	Hits, Misses int64

	// Frees counts buffers returned to the native allocator.
	Frees int64

	// Preallocations counts buffers allocated in the background, ahead of demand.
	Preallocations int64

	// CachedBytes and CachedBuffers currently sitting in free lists.
	CachedBytes   uint64
	CachedBuffers int64

	// AllocatedBytes of native memory currently held by the provider, including cached buffers.
	AllocatedBytes uint64
}

// HitRatio returns Hits / (Hits + Misses), or 0 if there were no allocations.
func (s Stats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// String implements fmt.Stringer.
func (s Stats) String() string {
	return fmt.Sprintf("%s memory: %s allocated, %s cached in %s buffers, %s hits / %s misses (%.1f%%), %s frees, %s pre-allocations",
		s.Location, humanize.IBytes(s.AllocatedBytes), humanize.IBytes(s.CachedBytes), humanize.Comma(s.CachedBuffers),
		humanize.Comma(s.Hits), humanize.Comma(s.Misses), 100*s.HitRatio(), humanize.Comma(s.Frees),
		humanize.Comma(s.Preallocations))
}
