// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/gomlx/devflow/pkg/config"
	"github.com/gomlx/devflow/pkg/flow"
	"github.com/gomlx/devflow/pkg/memory"
	"github.com/gomlx/devflow/pkg/native"
	"github.com/gomlx/devflow/pkg/native/simulated"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

// newTestContext creates a Context over a new simulated backend.
func newTestContext(t *testing.T, nativeConfig, options string) (*Context, *simulated.Backend) {
	backend := must.M1(simulated.New(nativeConfig))
	ctx := must.M1(New(must.M1(config.Parse(options)), backend))
	t.Cleanup(func() {
		assert.NoError(t, ctx.Close())
		backend.Finalize()
	})
	return ctx, backend
}

func TestContext(t *testing.T) {
	ctx, backend := newTestContext(t, "", "lanes=2")
	require.Contains(t, ctx.String(), "sim, 2 lanes")
	require.Equal(t, 2, ctx.Controller().Lanes().Len())

	x := must.M1(FromFlatData(ctx, []float32{1, 2, 3}))
	require.Equal(t, flow.HostOnly, x.Residency())
	y := must.M1(ctx.NewPoint(x.Shape(), flow.DeviceOnly))
	require.NoError(t, ctx.RunKernel(native.OpScale, 2, y, x))
	require.NoError(t, ctx.RunKernel(native.OpAdd, 0, y, y, x))
	require.Equal(t, []float32{3, 6, 9}, must.M1(CopyFlatData[float32](ctx, y)))
	require.Equal(t, int64(2), ctx.NumPoints())

	// Mutate on host, then use on device.
	require.NoError(t, MutableFlatData(ctx, y, func(flat []float32) error {
		flat[0] = 100
		return nil
	}))
	require.Equal(t, flow.DeviceStaleFromHost, y.Residency())
	require.NoError(t, ctx.RunKernel(native.OpAddScalar, 1, x, y))
	require.Equal(t, []float32{101, 7, 10}, must.M1(CopyFlatData[float32](ctx, x)))

	require.NoError(t, ctx.FreePoint(x))
	require.NoError(t, ctx.FreePoint(x))
	require.NoError(t, ctx.FreePoint(y))
	require.Zero(t, ctx.NumPoints())
	require.Zero(t, backend.NumAllocations(native.Device))

	stats := ctx.Stats()
	require.Equal(t, int64(3), stats.Flow.Ops)
	require.Contains(t, stats.String(), "3 ops")
	require.Equal(t, int64(2), stats.Host.CachedBuffers)
}

func TestFlatDataErrors(t *testing.T) {
	ctx, _ := newTestContext(t, "", "")
	x := must.M1(FromFlatData(ctx, []int32{1, 2, 3}))
	require.ErrorIs(t, SetFlatData(ctx, x, []int32{1, 2}), ErrLengthMismatch)
	require.Panics(t, func() { _ = SetFlatData(ctx, x, []float32{1, 2, 3}) })
	require.Panics(t, func() { _, _ = CopyFlatData[int64](ctx, x) })
	require.Equal(t, []int32{1, 2, 3}, must.M1(CopyFlatData[int32](ctx, x)))

	_, err := ctx.NewPoint(x.Shape(), flow.Synchronized)
	require.Error(t, err)

	// Shapes must match.
	y := must.M1(FromFlatData(ctx, []int32{1, 2}))
	require.Error(t, ctx.RunKernel(native.OpCopy, 0, y, x))

	// Unsupported kernels fail before scheduling anything.
	b := must.M1(FromFlatData(ctx, []bool{true}))
	err = ctx.RunKernel(native.OpFill, 1, b)
	require.ErrorIs(t, err, native.ErrNotSupported)
	require.Equal(t, int64(1), ctx.Stats().Flow.Ops, "only the failed copy was prepared")
}

func TestFloat16(t *testing.T) {
	ctx, _ := newTestContext(t, "", "")
	x := must.M1(FromFlatData(ctx, []float16.Float16{float16.Fromfloat32(0.5), float16.Fromfloat32(1.5)}))
	require.NoError(t, ctx.RunKernel(native.OpAddScalar, 1, x, x))
	got := must.M1(CopyFlatData[float16.Float16](ctx, x))
	require.Equal(t, float32(1.5), got[0].Float32())
	require.Equal(t, float32(2.5), got[1].Float32())
}

func TestOutOfMemoryRetry(t *testing.T) {
	ctx, backend := newTestContext(t, "host_memory=4KiB", "")
	shape := memory.MakeShape(dtypes.Uint8, 1024)
	for range 3 {
		p := must.M1(ctx.NewPoint(shape, flow.HostOnly))
		require.NoError(t, ctx.FreePoint(p))
	}
	// Only one buffer was cached, since it was reused.
	require.Equal(t, int64(1), ctx.HostCache().Stats().CachedBuffers)
	var points []*flow.AllocationPoint
	for range 3 {
		points = append(points, must.M1(ctx.NewPoint(shape, flow.HostOnly)))
	}
	for _, p := range points {
		require.NoError(t, ctx.FreePoint(p))
	}
	require.Equal(t, int64(3), ctx.HostCache().Stats().CachedBuffers)
	require.Equal(t, uint64(3072), backend.MemoryInUse(native.Host))

	// 2KiB doesn't fit with the 3KiB cached: the cache is purged and the allocation retried.
	big := must.M1(ctx.NewPoint(memory.MakeShape(dtypes.Uint8, 2048), flow.HostOnly))
	require.Zero(t, ctx.HostCache().Stats().CachedBuffers)
	require.Equal(t, uint64(2048), backend.MemoryInUse(native.Host))
	require.NoError(t, ctx.FreePoint(big))

	// Still out of memory after purging: the error is returned.
	_, err := ctx.NewPoint(memory.MakeShape(dtypes.Uint8, 8192), flow.HostOnly)
	require.ErrorIs(t, err, native.ErrOutOfMemory)
}

func TestClose(t *testing.T) {
	ctx, backend := newTestContext(t, "", "")
	x := must.M1(FromFlatData(ctx, []float64{1, 2}))
	require.NoError(t, ctx.RunKernel(native.OpScale, 3, x, x))
	require.NoError(t, ctx.Close())
	require.NoError(t, ctx.Close())
	_, err := ctx.NewPoint(x.Shape(), flow.HostOnly)
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, ctx.RunKernel(native.OpScale, 3, x, x), ErrClosed)
	_, err = CopyFlatData[float64](ctx, x)
	require.ErrorIs(t, err, ErrClosed)
	require.Zero(t, backend.Counters().EventsRecorded.Load()-backend.Counters().EventsDestroyed.Load())
}

func TestConcurrentFreePoint(t *testing.T) {
	ctx, _ := newTestContext(t, "latency=1us", "lanes=2")
	const numPoints, numFreers = 20, 4
	for range numPoints {
		x := must.M1(FromFlatData(ctx, []int32{1, 2, 3}))
		require.NoError(t, ctx.RunKernel(native.OpAddScalar, 1, x, x))
		var wg sync.WaitGroup
		for range numFreers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, ctx.FreePoint(x))
			}()
		}
		wg.Wait()
		require.True(t, x.IsFreed())
	}
	require.Zero(t, ctx.NumPoints())
}

func TestNewDefault(t *testing.T) {
	t.Setenv(native.ConfigEnvVar, "sim:latency=1us")
	t.Setenv(config.EnvVar, "lanes=3,queue_depth=4")
	ctx := must.M1(NewDefault())
	defer func() {
		require.NoError(t, ctx.Close())
		ctx.Backend().Finalize()
	}()
	require.Equal(t, 3, ctx.Config().NumLanes)
	require.Equal(t, 4, ctx.Config().MaxQueueDepth)
	require.Equal(t, simulated.BackendName, ctx.Backend().Name())

	t.Setenv(config.EnvVar, "lanes=0")
	_, err := NewDefault()
	require.Error(t, err)
}

// TestNoLostWrites runs, for several tensors, a single writer issuing device operations and host
// writes in program order, while readers copy the tensors on other lanes. The final host read
// must observe the last write.
func TestNoLostWrites(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping stress test in short mode")
	}
	for _, options := range []string{"lanes=4,queue_depth=8", "lanes=3,selection=random,prealloc=true", "lanes=1"} {
		t.Run(options, func(t *testing.T) {
			ctx, _ := newTestContext(t, "latency=2us", options)
			const numTensors, numWrites, numReaders, width = 4, 100, 3, 16
			var wg sync.WaitGroup
			for tensorIdx := range numTensors {
				x := must.M1(FromFlatData(ctx, make([]int64, width)))
				var expected int64
				var tensorWG sync.WaitGroup
				tensorWG.Add(1)
				go func() {
					defer tensorWG.Done()
					for i := range int64(numWrites) {
						if i%10 == 9 {
							values := make([]int64, width)
							for j := range values {
								values[j] = i
							}
							if !assert.NoError(t, SetFlatData(ctx, x, values)) {
								return
							}
							expected = i
							continue
						}
						if !assert.NoError(t, ctx.RunKernel(native.OpAddScalar, float64(i), x, x)) {
							return
						}
						expected += i
					}
				}()
				for range numReaders {
					tensorWG.Add(1)
					go func() {
						defer tensorWG.Done()
						copied := must.M1(ctx.NewPoint(x.Shape(), flow.DeviceOnly))
						defer func() { assert.NoError(t, ctx.FreePoint(copied)) }()
						for range numWrites / 5 {
							if !assert.NoError(t, ctx.RunKernel(native.OpCopy, 0, copied, x)) {
								return
							}
							values, err := CopyFlatData[int64](ctx, copied)
							if !assert.NoError(t, err) {
								return
							}
							for _, v := range values {
								if v != values[0] {
									assert.Failf(t, "torn read", "tensor #%d: values %v", tensorIdx, values)
									return
								}
							}
						}
					}()
				}
				wg.Add(1)
				go func() {
					defer wg.Done()
					tensorWG.Wait()
					values, err := CopyFlatData[int64](ctx, x)
					if assert.NoError(t, err) {
						for _, v := range values {
							assert.Equal(t, expected, v, "tensor #%d", tensorIdx)
						}
					}
					assert.NoError(t, ctx.FreePoint(x))
				}()
			}
			wg.Wait()
			require.Zero(t, ctx.NumPoints())
			fmt.Fprintf(os.Stderr, "%s: %s\n", options, ctx.Stats())
		})
	}
}
