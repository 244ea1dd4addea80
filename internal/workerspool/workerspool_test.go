// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/gomlx/devflow/internal/xsync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_StartIfAvailable(t *testing.T) {
	pool := NewWithParallelism(2)
	release := xsync.NewLatch()
	var count atomic.Int32

	for range 2 {
		require.True(t, pool.StartIfAvailable(func() {
			release.Wait()
			count.Add(1)
		}))
	}
	// Pool is full: the task is dropped.
	require.False(t, pool.StartIfAvailable(func() { count.Add(100) }))

	release.Trigger()
	pool.Wait()
	assert.Equal(t, int32(2), count.Load())

	// Workers are available again.
	require.True(t, pool.StartIfAvailable(func() { count.Add(1) }))
	pool.Wait()
	assert.Equal(t, int32(3), count.Load())
}

func TestPool_WaitToStart(t *testing.T) {
	pool := NewWithParallelism(3)
	var running, maxRunning, done atomic.Int32
	for range 20 {
		pool.WaitToStart(func() {
			n := running.Add(1)
			for {
				old := maxRunning.Load()
				if n <= old || maxRunning.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			running.Add(-1)
			done.Add(1)
		})
	}
	pool.Wait()
	assert.Equal(t, int32(20), done.Load())
	assert.LessOrEqual(t, maxRunning.Load(), int32(3))

	// No parallelism: runs inline.
	pool.SetMaxParallelism(0)
	var inline bool
	pool.WaitToStart(func() { inline = true })
	assert.True(t, inline)
	assert.False(t, pool.StartIfAvailable(func() {}))
}
