// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package flow

import (
	"math/rand/v2"
	"slices"
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/gomlx/devflow/pkg/config"
	"github.com/gomlx/devflow/pkg/memory"
	"github.com/gomlx/devflow/pkg/native"
	"github.com/gomlx/devflow/pkg/native/simulated"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

const testCount = 8

type testEnv struct {
	t       testing.TB
	backend *simulated.Backend
	host    *memory.HostCache
	device  *memory.DeviceAllocator
	c       *Controller
}

func newTestEnv(t testing.TB, options string) *testEnv {
	return newTestEnvWithNative(t, "latency=5us", options)
}

func newTestEnvWithNative(t testing.TB, nativeConfig, options string) *testEnv {
	backend := must.M1(simulated.New(nativeConfig))
	cfg := must.M1(config.Parse(options))
	env := &testEnv{
		t:       t,
		backend: backend,
		host:    memory.NewHostCache(backend, cfg),
		device:  memory.NewDeviceAllocator(backend),
	}
	env.c = must.M1(NewController(cfg, backend, env.host, env.device))
	t.Cleanup(func() {
		assert.NoError(t, env.c.Close())
		backend.Finalize()
	})
	return env
}

func asFloat32(data []byte) []float32 {
	return unsafe.Slice((*float32)(unsafe.Pointer(unsafe.SliceData(data))), len(data)/4)
}

var testShape = memory.MakeShape(dtypes.Float32, testCount)

// hostPoint returns a HostOnly point with all values set to value.
func (e *testEnv) hostPoint(value float32) *AllocationPoint {
	host := must.M1(e.host.Allocate(testShape))
	data := asFloat32(must.M1(e.backend.HostBytes(host.Address(), host.Bytes())))
	for i := range data {
		data[i] = value
	}
	return NewAllocationPoint(testShape, HostOnly, host, nil)
}

// devicePoint returns a DeviceOnly point with undefined contents.
func (e *testEnv) devicePoint() *AllocationPoint {
	return NewAllocationPoint(testShape, DeviceOnly, nil, must.M1(e.device.Allocate(testShape)))
}

// run a kernel writing result and reading the operands.
func (e *testEnv) run(kernelOp native.KernelOp, scalar float64, result *AllocationPoint, operands ...*AllocationPoint) *Op {
	op, err := e.c.PrepareOp(result, operands...)
	require.NoError(e.t, err)
	var inputs []native.Pointer
	for _, p := range op.Operands {
		inputs = append(inputs, p.DeviceBuffer().Address())
	}
	err = e.backend.Launch(native.Kernel{
		Op:     kernelOp,
		DType:  dtypes.Float32,
		Count:  testCount,
		Output: result.DeviceBuffer().Address(),
		Inputs: inputs,
		Scalar: scalar,
	}, op.Stream())
	if err != nil {
		e.c.AbortOp(op)
		require.NoError(e.t, err)
	}
	require.NoError(e.t, e.c.CommitOp(op))
	return op
}

// read returns the host values of the point, checking they are all equal.
func (e *testEnv) read(p *AllocationPoint) float32 {
	var value float32
	require.NoError(e.t, e.c.WithHostRead(p, func(data []byte) error {
		values := asFloat32(data)
		value = values[0]
		for i, v := range values {
			if v != value {
				return errors.Errorf("value #%d is %g, value #0 is %g", i, v, value)
			}
		}
		return nil
	}))
	return value
}

// write sets all the host values of the point.
func (e *testEnv) write(p *AllocationPoint, value float32) {
	require.NoError(e.t, e.c.WithHostWrite(p, func(data []byte) error {
		for i := range asFloat32(data) {
			asFloat32(data)[i] = value
		}
		return nil
	}))
}

func TestEventIdempotent(t *testing.T) {
	backend := must.M1(simulated.New(""))
	defer backend.Finalize()
	stream := must.M1(backend.NewStream())

	ev := NewEvent(0, must.M1(stream.RecordEvent()), 0)
	require.NoError(t, ev.Synchronize())
	require.NoError(t, ev.Synchronize())
	require.True(t, ev.Done())
	require.NoError(t, ev.Destroy())
	require.NoError(t, ev.Destroy())
	require.NoError(t, ev.Synchronize())
	require.NoError(t, ev.Retire())
	require.True(t, ev.IsDestroyed())
	require.Equal(t, int64(1), backend.Counters().EventsDestroyed.Load())
	require.Equal(t, int64(1), backend.Counters().EventSyncs.Load())

	// Destroy without synchronizing, concurrently.
	ev = NewEvent(0, must.M1(stream.RecordEvent()), 0)
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, ev.Retire())
		}()
	}
	wg.Wait()
	require.Equal(t, int64(2), backend.Counters().EventsDestroyed.Load())
}

func TestEventTimeoutAndFailure(t *testing.T) {
	backend := must.M1(simulated.New(""))
	defer backend.Finalize()
	stream := must.M1(backend.NewStream())
	s := stream.(*simulated.Stream)

	release := make(chan struct{})
	require.NoError(t, s.Enqueue(func() error {
		<-release
		return nil
	}))
	ev := NewEvent(3, must.M1(stream.RecordEvent()), 10*time.Millisecond)
	require.ErrorIs(t, ev.Synchronize(), ErrSyncTimeout)
	require.ErrorIs(t, ev.Retire(), ErrSyncTimeout)
	require.False(t, ev.IsDestroyed())
	require.False(t, ev.Done())
	close(release)
	require.Eventually(t, ev.Done, 5*time.Second, time.Millisecond)
	require.NoError(t, ev.Retire())
	require.True(t, ev.IsDestroyed())

	deviceFault := errors.New("illegal address")
	require.NoError(t, s.Fail(deviceFault))
	ev = NewEvent(3, must.M1(stream.RecordEvent()), 0)
	err := ev.Synchronize()
	require.ErrorIs(t, err, ErrDeviceFailure)
	require.ErrorIs(t, err, deviceFault)
	require.Contains(t, err.Error(), "lane 3")
	// The failure is not swallowed by later synchronizations.
	require.ErrorIs(t, ev.Synchronize(), deviceFault)
	require.ErrorIs(t, ev.Retire(), deviceFault)
	require.NoError(t, ev.Synchronize())
}

func TestEventRingBackpressure(t *testing.T) {
	backend := must.M1(simulated.New(""))
	defer backend.Finalize()
	cfg := config.Default()
	cfg.NumLanes = 2
	lanes := must.M1(NewLanePool(backend, cfg))
	defer func() { require.NoError(t, lanes.Close()) }()
	const maxDepth = 4
	ring := NewEventRing(2, maxDepth)

	record := func(lane *Lane) *Event {
		ev := NewEvent(lane.ID(), must.M1(lane.Stream().RecordEvent()), 0)
		ring.Push(lane, ev)
		return ev
	}
	first := record(lanes.Lane(1))
	var events []*Event
	for range 10 {
		events = append(events, record(lanes.Lane(0)))
	}
	require.Equal(t, 10, ring.Len(0))
	require.Equal(t, uint64(10), lanes.Lane(0).Tick())
	require.Equal(t, uint64(11), ring.Clock())

	require.NoError(t, ring.Sweep())
	require.LessOrEqual(t, ring.Len(0), maxDepth)
	for i, ev := range events {
		require.Equal(t, i < 10-maxDepth, ev.IsDestroyed(), "event #%d", i)
	}
	// Lane 1 wasn't serviced for more than maxDepth ticks of the clock.
	require.Zero(t, ring.Len(1))
	require.True(t, first.IsDestroyed())

	require.NoError(t, ring.Sweep())
	require.Equal(t, maxDepth, ring.Len(0))
	require.NoError(t, ring.DrainAll())
	require.Zero(t, ring.Len(0))
	for _, ev := range events {
		require.True(t, ev.IsDestroyed())
	}
}

func TestLanePool(t *testing.T) {
	backend := must.M1(simulated.New(""))
	defer backend.Finalize()
	cfg := must.M1(config.Parse("lanes=3"))
	pool := must.M1(NewLanePool(backend, cfg))
	var ids []int
	for range 6 {
		ids = append(ids, pool.Select().ID())
	}
	require.Equal(t, []int{0, 1, 2, 0, 1, 2}, ids)
	require.NoError(t, pool.Close())

	cfg.LaneSelection = config.Random
	pool = must.M1(NewLanePool(backend, cfg))
	for range 100 {
		id := pool.Select().ID()
		require.True(t, id >= 0 && id < 3)
	}
	require.NoError(t, pool.Close())
}

func TestCrossLaneWrite(t *testing.T) {
	env := newTestEnv(t, "lanes=2")
	T := env.devicePoint()
	X := env.devicePoint()
	U := env.devicePoint()

	w1 := env.run(native.OpFill, 1, T)
	require.Equal(t, FreePass, w1.Selection)
	require.Equal(t, 0, w1.Lane.ID())
	wx := env.run(native.OpFill, 2, X)
	require.Equal(t, 1, wx.Lane.ID())

	r1 := env.run(native.OpCopy, 0, U, T)
	require.Equal(t, SameLane, r1.Selection)
	require.Equal(t, 0, r1.Lane.ID())
	require.Empty(t, r1.Synchronized)
	require.True(t, T.HasActiveReads())

	syncsBefore := env.backend.Counters().EventSyncs.Load()
	w2 := env.run(native.OpAdd, 0, T, T, X)
	require.Equal(t, CrossLane, w2.Selection)
	require.Equal(t, 0, w2.Lane.ID())
	require.Equal(t, []int{1}, w2.Synchronized)
	require.False(t, T.HasActiveReads())
	require.Greater(t, env.backend.Counters().EventSyncs.Load(), syncsBefore)

	require.Equal(t, float32(3), env.read(T))
	require.Equal(t, float32(1), env.read(U))
	require.Equal(t, float32(2), env.read(X))

	stats := env.c.Stats()
	require.Equal(t, int64(4), stats.Ops)
	require.Equal(t, int64(3), stats.Hits)
	require.Equal(t, int64(2), stats.FreePasses)
	require.Equal(t, int64(1), stats.Misses)
	require.Equal(t, int64(1), stats.CrossLaneSyncs)
	require.Equal(t, int64(1), stats.ReadDrains)
	require.Equal(t, int64(3), stats.Downloads)
	require.InDelta(t, 0.75, env.c.HitRatio(), 1e-9)
}

func TestThreeLanes(t *testing.T) {
	env := newTestEnv(t, "lanes=3")
	a, b, c := env.devicePoint(), env.devicePoint(), env.devicePoint()
	require.Equal(t, 0, env.run(native.OpFill, 1, a).Lane.ID())
	require.Equal(t, 1, env.run(native.OpFill, 2, b).Lane.ID())
	require.Equal(t, 2, env.run(native.OpFill, 3, c).Lane.ID())

	// No pending write on the result: run on the lowest lane, synchronize the others.
	sum := env.devicePoint()
	op := env.run(native.OpAdd, 0, sum, c, b, a)
	require.Equal(t, 0, op.Lane.ID())
	require.Equal(t, []int{2, 1}, op.Synchronized)
	require.Equal(t, float32(6), env.read(sum))

	// Pending write on the result: run on its lane.
	laneB := env.run(native.OpFill, 10, b).Lane.ID()
	laneC := env.run(native.OpFill, 20, c).Lane.ID()
	require.NotEqual(t, laneB, laneC)
	op = env.run(native.OpAdd, 0, c, a, b, nil, c)
	require.Equal(t, laneC, op.Lane.ID())
	require.Contains(t, op.Synchronized, laneB)
	require.NotContains(t, op.Synchronized, laneC)
	require.Equal(t, float32(31), env.read(c))
}

func TestNilOperands(t *testing.T) {
	env := newTestEnv(t, "lanes=2")
	p := env.devicePoint()
	op := must.M1(env.c.PrepareOp(p, nil, nil))
	require.Empty(t, op.Operands)
	require.Equal(t, FreePass, op.Selection)
	env.c.AbortOp(op)
	require.Panics(t, func() { env.c.AbortOp(op) })

	_, err := env.c.PrepareOp(nil)
	require.Error(t, err)
}

func TestHostReadWrite(t *testing.T) {
	env := newTestEnv(t, "lanes=2")
	x := env.hostPoint(3)
	require.Equal(t, HostOnly, x.Residency())
	require.Equal(t, float32(3), env.read(x))

	y := env.devicePoint()
	env.run(native.OpScale, 2, y, x)
	require.Equal(t, Synchronized, x.Residency())
	require.Equal(t, DeviceOnly, y.Residency())
	require.Nil(t, y.HostBuffer())
	require.True(t, y.LastHostRead().IsZero())

	require.Equal(t, float32(6), env.read(y))
	require.Equal(t, Synchronized, y.Residency())
	require.NotNil(t, y.HostBuffer())
	require.False(t, y.LastHostRead().IsZero())

	// Modify x on host: the next operation uploads it again.
	env.write(x, 5)
	require.Equal(t, DeviceStaleFromHost, x.Residency())
	env.run(native.OpAddScalar, 1, y, x)
	require.Equal(t, HostStaleFromDevice, y.Residency())
	require.Equal(t, float32(6), env.read(y))
	require.Equal(t, int64(2), env.c.Stats().Uploads)

	// A host write makes the host copy current first.
	require.NoError(t, env.c.SynchronizeBeforeHostWrite(y))
	y.MarkHostWritten()
	require.Equal(t, DeviceStaleFromHost, y.Residency())
	require.NoError(t, env.c.SynchronizeBeforeHostRead(y))
	require.Equal(t, float32(6), env.read(y))
}

func TestFree(t *testing.T) {
	env := newTestEnv(t, "")
	x := env.hostPoint(1)
	y := env.devicePoint()
	env.run(native.OpCopy, 0, y, x)
	require.Equal(t, float32(1), env.read(y))

	require.True(t, must.M1(env.c.Free(x)))
	require.False(t, must.M1(env.c.Free(x)))
	require.True(t, x.IsFreed())
	require.Nil(t, x.HostBuffer())
	require.Nil(t, x.DeviceBuffer())
	require.Panics(t, func() { _, _ = env.c.PrepareOp(y, x) })
	require.Panics(t, func() { _ = env.c.SynchronizeBeforeHostRead(x) })
	require.True(t, must.M1(env.c.Free(y)))

	// Host buffers went back to the cache, device buffers to the native allocator.
	require.Equal(t, int64(2), env.host.Stats().CachedBuffers)
	require.Zero(t, env.backend.NumAllocations(native.Device))
}

func TestCommitTwice(t *testing.T) {
	env := newTestEnv(t, "")
	op := must.M1(env.c.PrepareOp(env.devicePoint()))
	require.NoError(t, env.c.CommitOp(op))
	require.Panics(t, func() { _ = env.c.CommitOp(op) })
}

func TestClosed(t *testing.T) {
	env := newTestEnv(t, "")
	p := env.devicePoint()
	env.run(native.OpFill, 1, p)
	require.NoError(t, env.c.Close())
	require.NoError(t, env.c.Close())
	_, err := env.c.PrepareOp(p)
	require.ErrorIs(t, err, ErrClosed)
	require.Zero(t, env.c.Ring().Len(0))
}

// TestPrepareDuringHostRead checks that lane selection doesn't wait for a host read of an
// operand synchronizing the same write event.
func TestPrepareDuringHostRead(t *testing.T) {
	env := newTestEnvWithNative(t, "latency=300ms", "lanes=2")
	x, y := env.devicePoint(), env.devicePoint()
	writeOp := env.run(native.OpFill, 1, x)
	writeEvent := x.WriteEvent()

	readErr := make(chan error, 1)
	go func() {
		readErr <- env.c.SynchronizeBeforeHostRead(x)
	}()
	require.Eventually(t, func() bool { return writeEvent.done.Load() != nil }, time.Second, time.Millisecond)
	require.False(t, writeEvent.Done())

	start := time.Now()
	op, err := env.c.PrepareOp(y, x)
	elapsed := time.Since(start)
	require.NoError(t, err)
	require.Less(t, elapsed, 150*time.Millisecond)
	require.Equal(t, SameLane, op.Selection)
	require.Equal(t, writeOp.Lane.ID(), op.Lane.ID())
	require.Empty(t, op.Synchronized)
	env.c.AbortOp(op)

	require.NoError(t, <-readErr)
	require.True(t, writeEvent.Done())
	require.Equal(t, Synchronized, x.Residency())
}

// TestReadAfterWrite runs random sequences of operations, and checks that whenever an operation
// runs on a lane other than the one of a pending write of its points, that write was synchronized.
func TestReadAfterWrite(t *testing.T) {
	env := newTestEnv(t, "lanes=3,queue_depth=10000")
	rng := rand.New(rand.NewPCG(42, 7))
	const numPoints, numOps = 6, 300
	points := make([]*AllocationPoint, numPoints)
	expected := make([]float32, numPoints)
	for i := range points {
		expected[i] = float32(i)
		points[i] = env.hostPoint(expected[i])
	}

	for range numOps {
		r := rng.IntN(numPoints)
		a, b := rng.IntN(numPoints), rng.IntN(numPoints)
		scalar := float64(rng.IntN(5) + 1)
		var kernelOp native.KernelOp
		var operands []int
		switch rng.IntN(6) {
		case 0:
			kernelOp = native.OpFill
			expected[r] = float32(scalar)
		case 1:
			kernelOp, operands = native.OpAddScalar, []int{a}
			expected[r] = float32(float64(expected[a]) + scalar)
		case 2, 3:
			kernelOp, operands = native.OpAdd, []int{a, b}
			var sum float32
			sum += expected[a]
			sum += expected[b]
			expected[r] = sum
		case 4:
			value := float32(rng.IntN(100))
			env.write(points[r], value)
			expected[r] = value
			continue
		case 5:
			require.Equal(t, expected[r], env.read(points[r]))
			continue
		}

		pointsUsed := []*AllocationPoint{points[r]}
		for _, idx := range operands {
			pointsUsed = append(pointsUsed, points[idx])
		}
		// Pending writes that are also pending reads of the result are retired when the reads
		// are drained, before the lane is selected.
		resultReads := points[r].ReadEvents()
		var pendingLanes, drainedLanes []int
		for _, p := range pointsUsed {
			ev := p.WriteEvent()
			if ev == nil || ev.Done() {
				continue
			}
			lanes := &pendingLanes
			if slices.Contains(resultReads, ev) {
				lanes = &drainedLanes
			}
			if !slices.Contains(*lanes, ev.LaneID()) {
				*lanes = append(*lanes, ev.LaneID())
			}
		}
		operandPoints := pointsUsed[1:]
		op := env.run(kernelOp, scalar, points[r], operandPoints...)
		for _, lane := range slices.Concat(pendingLanes, drainedLanes) {
			if lane != op.Lane.ID() {
				require.Contains(t, op.Synchronized, lane, "op on %s with pending writes on lanes %v (drained %v)",
					op.Lane, pendingLanes, drainedLanes)
			}
		}
		if len(pendingLanes) > 1 {
			require.Equal(t, CrossLane, op.Selection)
		}
	}
	for i, p := range points {
		require.Equal(t, expected[i], env.read(p), "point #%d", i)
	}
}

// TestNoLostWrites has one writer incrementing a point while readers copy it concurrently on
// other lanes: readers must see non-decreasing values and the final value must be the last write.
func TestNoLostWrites(t *testing.T) {
	env := newTestEnv(t, "lanes=4,queue_depth=8")
	const numWrites, numReaders = 200, 4
	counter := env.hostPoint(0)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range numWrites {
			env.run(native.OpAddScalar, 1, counter, counter)
		}
	}()
	for range numReaders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			copied := env.devicePoint()
			var last float32
			for range numWrites / 4 {
				env.run(native.OpCopy, 0, copied, counter)
				value := env.read(copied)
				assert.GreaterOrEqual(t, value, last)
				assert.LessOrEqual(t, value, float32(numWrites))
				last = value
			}
		}()
	}
	wg.Wait()
	require.Equal(t, float32(numWrites), env.read(counter))
}

// TestSharedOperand has many goroutines accumulating the same operand, which starts on the host:
// its upload is shared by concurrent operations on different lanes.
func TestSharedOperand(t *testing.T) {
	for range 5 {
		env := newTestEnv(t, "lanes=4")
		source := env.hostPoint(2)
		const numGoroutines, numOps = 6, 30
		var wg sync.WaitGroup
		for range numGoroutines {
			wg.Add(1)
			go func() {
				defer wg.Done()
				acc := env.hostPoint(0)
				for range numOps {
					env.run(native.OpAdd, 0, acc, acc, source)
				}
				assert.Equal(t, float32(2*numOps), env.read(acc))
			}()
		}
		wg.Wait()
		require.Equal(t, int64(1+numGoroutines), env.c.Stats().Uploads)
	}
}
