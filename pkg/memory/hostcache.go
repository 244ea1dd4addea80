// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package memory

import (
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/devflow/internal/workerspool"
	"github.com/gomlx/devflow/internal/xsync"
	"github.com/gomlx/devflow/pkg/config"
	"github.com/gomlx/devflow/pkg/native"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// MaxPreallocationBytes: shapes of this size or larger are never pre-allocated.
const MaxPreallocationBytes = 16 << 20

// HostCache is a Provider of host memory that keeps released buffers in per-shape free lists,
// and hands them out again to allocations of the same shape.
//
// Buffers returned by Allocate are always zeroed.
type HostCache struct {
	backend native.Backend
	cfg     config.Config

	freeLists xsync.SyncMap[Shape, *freeList]
	muCreate  sync.Mutex // Guards creation of new free lists.

	cachedBytes, allocatedBytes atomic.Uint64
	cachedBuffers               atomic.Int64
	hits, misses, frees         atomic.Int64
	preallocations              atomic.Int64

	workers *workerspool.Pool
}

// freeList of buffers of one shape, used in LIFO order.
type freeList struct {
	mu      sync.Mutex
	buffers []*Buffer
}

func (l *freeList) push(buffer *Buffer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buffers = append(l.buffers, buffer)
}

func (l *freeList) pop() *Buffer {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.buffers)
	if n == 0 {
		return nil
	}
	buffer := l.buffers[n-1]
	l.buffers[n-1] = nil
	l.buffers = l.buffers[:n-1]
	return buffer
}

func (l *freeList) drain() []*Buffer {
	l.mu.Lock()
	defer l.mu.Unlock()
	buffers := l.buffers
	l.buffers = nil
	return buffers
}

// Compile-time check that HostCache implements Provider.
var _ Provider = (*HostCache)(nil)

// NewHostCache creates a host cache allocating from backend, configured by the caching options of cfg.
func NewHostCache(backend native.Backend, cfg config.Config) *HostCache {
	return &HostCache{
		backend: backend,
		cfg:     cfg,
		workers: workerspool.NewWithParallelism(cfg.PreallocationWorkers),
	}
}

// Location implements Provider.
func (c *HostCache) Location() native.Location { return native.Host }

// cacheable returns whether buffers of this size can ever go to a free list.
func (c *HostCache) cacheable(bytes uint64) bool {
	return c.cfg.CachingEnabled && bytes < c.cfg.MaxCacheableBytes
}

// Allocate implements Provider.
func (c *HostCache) Allocate(shape Shape) (*Buffer, error) {
	bytes, err := shape.Bytes()
	if err != nil {
		return nil, err
	}
	if !c.cacheable(bytes) {
		c.misses.Add(1)
		return c.allocateNative(shape, bytes)
	}

	list, found := c.freeLists.Load(shape)
	if found {
		if buffer := list.pop(); buffer != nil {
			c.cachedBytes.Add(-bytes)
			c.cachedBuffers.Add(-1)
			c.hits.Add(1)
			buffer.acquire()
			return buffer, nil
		}
	}
	c.misses.Add(1)
	if !found {
		var created bool
		list, created = c.getOrCreateFreeList(shape)
		if created && c.cfg.UsePreallocation && c.cachedBytes.Load() < c.cfg.MaxCachedBytes/10 &&
			bytes < MaxPreallocationBytes {
			c.schedulePreallocation(shape, bytes, list)
		}
	}
	return c.allocateNative(shape, bytes)
}

// getOrCreateFreeList returns the free list for the shape, and whether it was created by this call.
func (c *HostCache) getOrCreateFreeList(shape Shape) (list *freeList, created bool) {
	if list, found := c.freeLists.Load(shape); found {
		return list, false
	}
	c.muCreate.Lock()
	defer c.muCreate.Unlock()
	if list, found := c.freeLists.Load(shape); found {
		return list, false
	}
	list = &freeList{}
	c.freeLists.Store(shape, list)
	return list, true
}

// allocateNative allocates a new zeroed host buffer.
func (c *HostCache) allocateNative(shape Shape, bytes uint64) (*Buffer, error) {
	ptr, err := c.backend.AllocateHost(bytes)
	if err != nil {
		return nil, errors.WithMessagef(err, "host cache: allocating %s", shape)
	}
	if err = c.backend.Memset(ptr, 0, bytes); err != nil {
		_ = c.backend.FreeHost(ptr)
		return nil, errors.WithMessagef(err, "host cache: zeroing new buffer %s", shape)
	}
	c.allocatedBytes.Add(bytes)
	buffer := newBuffer(shape, bytes, ptr, native.Host)
	buffer.acquire()
	return buffer, nil
}

// schedulePreallocation fills the free list of a new shape in the background.
// If no worker is available the pre-allocation is skipped.
func (c *HostCache) schedulePreallocation(shape Shape, bytes uint64, list *freeList) {
	calls := c.cfg.PreallocationCalls
	started := c.workers.StartIfAvailable(func() {
		for range calls {
			if !c.reserve(bytes, false) {
				break
			}
			buffer, err := c.allocateNative(shape, bytes)
			if err != nil {
				c.cachedBytes.Add(-bytes)
				klog.V(2).Infof("host cache: pre-allocation of %s stopped: %v", shape, err)
				break
			}
			buffer.owned.Store(false)
			list.push(buffer)
			c.cachedBuffers.Add(1)
			c.preallocations.Add(1)
		}
	})
	if started {
		klog.V(2).Infof("host cache: pre-allocating %d buffers of %s", calls, shape)
	}
}

// WaitPreallocations blocks until every background pre-allocation scheduled so far has finished.
func (c *HostCache) WaitPreallocations() {
	c.workers.Wait()
}

// reserve adds bytes to the cached bytes counter, if it stays within the budget or forced is true.
func (c *HostCache) reserve(bytes uint64, forced bool) bool {
	for {
		current := c.cachedBytes.Load()
		if !forced && current+bytes > c.cfg.MaxCachedBytes {
			return false
		}
		if c.cachedBytes.CompareAndSwap(current, current+bytes) {
			return true
		}
	}
}

// Release implements Provider.
//
// Buffers of at most ForcedCacheThreshold bytes are always cached. Otherwise, buffers that are
// uncacheable, or that would take the cache over its budget, are freed.
func (c *HostCache) Release(buffer *Buffer) error {
	if buffer == nil {
		return errors.New("host cache: Release(nil)")
	}
	if buffer.location != native.Host {
		return errors.Errorf("host cache: Release(%s) of non-host buffer", buffer)
	}
	if err := buffer.disown(); err != nil {
		return err
	}
	bytes := buffer.bytes
	if !c.cacheable(bytes) || !c.reserve(bytes, bytes <= c.cfg.ForcedCacheThreshold) {
		return c.free(buffer)
	}
	if err := c.backend.Memset(buffer.address, 0, bytes); err != nil {
		c.cachedBytes.Add(-bytes)
		return errors.WithMessagef(err, "host cache: zeroing released buffer %s", buffer)
	}
	list, _ := c.getOrCreateFreeList(buffer.shape)
	list.push(buffer)
	c.cachedBuffers.Add(1)
	return nil
}

// free returns the buffer to the native allocator.
func (c *HostCache) free(buffer *Buffer) error {
	if err := c.backend.FreeHost(buffer.address); err != nil {
		return errors.WithMessagef(err, "host cache: freeing %s", buffer)
	}
	c.allocatedBytes.Add(-buffer.bytes)
	c.frees.Add(1)
	return nil
}

// Purge implements Provider: it frees every cached buffer.
//
// It waits for pending pre-allocations first, so they don't refill the cache afterward.
func (c *HostCache) Purge() error {
	c.WaitPreallocations()
	var firstErr error
	var numFreed int
	var bytesFreed uint64
	c.freeLists.Range(func(_ Shape, list *freeList) bool {
		for _, buffer := range list.drain() {
			c.cachedBytes.Add(-buffer.bytes)
			c.cachedBuffers.Add(-1)
			if err := c.free(buffer); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			numFreed++
			bytesFreed += buffer.bytes
		}
		return true
	})
	klog.V(1).Infof("host cache: purged %d buffers (%s)", numFreed, humanize.IBytes(bytesFreed))
	return firstErr
}

// Stats implements Provider.
func (c *HostCache) Stats() Stats {
	return Stats{
		Location:       native.Host,
		Hits:           c.hits.Load(),
		Misses:         c.misses.Load(),
		Frees:          c.frees.Load(),
		Preallocations: c.preallocations.Load(),
		CachedBytes:    c.cachedBytes.Load(),
		CachedBuffers:  c.cachedBuffers.Load(),
		AllocatedBytes: c.allocatedBytes.Load(),
	}
}

// NumShapes returns the number of distinct shapes with a free list.
func (c *HostCache) NumShapes() int {
	return c.freeLists.Len()
}
