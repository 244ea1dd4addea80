// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package flow decides on which lane (native stream) each device operation runs, and inserts
// the synchronizations needed to keep the data dependencies between tensors.
//
// Each tensor has an AllocationPoint that tracks the most recent device write to it and the
// pending device reads of it. An operation is issued in three steps:
//
//	op, err := controller.PrepareOp(result, operands...)
//	// ... enqueue native work on op.Stream() ...
//	err = controller.CommitOp(op)  // Or controller.AbortOp(op) if the work couldn't be issued.
//
// PrepareOp picks a lane: if all pending writes of the points involved are on the same lane
// the operation simply goes after them (a hit). If they span several lanes, the destination is
// the lane of the result's pending write (or the lowest lane id) and the pending writes on every
// other lane are synchronized (a miss). With no pending writes at all, the LanePool selection
// policy picks the lane.
//
// Within a lane work runs in order; across lanes the only ordering is the one given by event
// synchronizations.
package flow

import (
	"slices"
	"sync/atomic"

	"github.com/gomlx/devflow/pkg/config"
	"github.com/gomlx/devflow/pkg/memory"
	"github.com/gomlx/devflow/pkg/native"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrClosed is returned when using a Controller after Close.
var ErrClosed = errors.New("flow controller closed")

// Selection tells how PrepareOp chose the lane of an operation.
type Selection int

const (
	// FreePass: no pending writes, the lane came from the LanePool selection policy.
	FreePass Selection = iota

	// SameLane: all pending writes were on the chosen lane.
	SameLane

	// CrossLane: pending writes on other lanes were synchronized.
	CrossLane
)

// String implements fmt.Stringer.
func (s Selection) String() string {
	switch s {
	case FreePass:
		return "free-pass"
	case SameLane:
		return "same-lane"
	case CrossLane:
		return "cross-lane"
	default:
		return "Selection(?)"
	}
}

// Op is an operation prepared by Controller.PrepareOp. It holds the operation locks of its
// points until it is committed or aborted.
type Op struct {
	// Lane chosen to run the operation.
	Lane *Lane

	// Result and the non-nil Operands of the operation.
	Result   *AllocationPoint
	Operands []*AllocationPoint

	// Selection tells how the lane was chosen.
	Selection Selection

	// Synchronized lists the lanes, other than Lane, of the events synchronized while preparing
	// the operation: pending reads of the result drained, and pending writes on other lanes.
	Synchronized []int

	locks    []pointLock
	finished bool
}

type pointLock struct {
	point     *AllocationPoint
	exclusive bool
}

// Stream where the native work of the operation must be issued.
func (op *Op) Stream() native.Stream { return op.Lane.stream }

// lock acquires the operation locks of the points in sequence order: exclusive for the result,
// shared for the operands.
func (op *Op) lock() {
	op.locks = append(op.locks, pointLock{point: op.Result, exclusive: true})
	for _, p := range op.Operands {
		if !slices.ContainsFunc(op.locks, func(l pointLock) bool { return l.point == p }) {
			op.locks = append(op.locks, pointLock{point: p})
		}
	}
	slices.SortFunc(op.locks, func(a, b pointLock) int {
		switch {
		case a.point.seq < b.point.seq:
			return -1
		case a.point.seq > b.point.seq:
			return 1
		}
		return 0
	})
	for _, l := range op.locks {
		if l.exclusive {
			l.point.opMu.Lock()
		} else {
			l.point.opMu.RLock()
		}
	}
}

func (op *Op) unlock() {
	for _, l := range slices.Backward(op.locks) {
		if l.exclusive {
			l.point.opMu.Unlock()
		} else {
			l.point.opMu.RUnlock()
		}
	}
	op.locks = nil
}

// finish marks the op as committed or aborted. It panics if it already was.
func (op *Op) finish() {
	if op.finished {
		exceptions.Panicf("operation on %s (result %s) committed or aborted twice", op.Lane, op.Result)
	}
	op.finished = true
}

// distinctOperands returns the operands without repetitions, in order.
func (op *Op) distinctOperands() []*AllocationPoint {
	distinct := make([]*AllocationPoint, 0, len(op.Operands))
	for _, p := range op.Operands {
		if !slices.Contains(distinct, p) {
			distinct = append(distinct, p)
		}
	}
	return distinct
}

// Controller orders the device operations of one device, see package documentation.
type Controller struct {
	cfg          config.Config
	backend      native.Backend
	lanes        *LanePool
	ring         *EventRing
	host, device memory.Provider
	counters     counters
	closed       atomic.Bool
}

// NewController creates the lanes of the device and the controller ordering work on them.
// Host and device buffers needed by points are allocated from the given providers.
func NewController(cfg config.Config, backend native.Backend, host, device memory.Provider) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	lanes, err := NewLanePool(backend, cfg)
	if err != nil {
		return nil, err
	}
	return &Controller{
		cfg:     cfg,
		backend: backend,
		lanes:   lanes,
		ring:    NewEventRing(cfg.NumLanes, cfg.MaxQueueDepth),
		host:    host,
		device:  device,
	}, nil
}

// Lanes returns the pool of lanes of the controller.
func (c *Controller) Lanes() *LanePool { return c.lanes }

// Ring returns the EventRing where committed events are queued.
func (c *Controller) Ring() *EventRing { return c.ring }

// Stats returns a snapshot of the controller counters.
func (c *Controller) Stats() Stats { return c.counters.snapshot() }

// HitRatio of the lane selection so far.
func (c *Controller) HitRatio() float64 { return c.Stats().HitRatio() }

// newEvent records an event on the lane.
func (c *Controller) newEvent(lane *Lane) (*Event, error) {
	handle, err := lane.stream.RecordEvent()
	if err != nil {
		return nil, errors.WithMessagef(err, "recording event on %s", lane)
	}
	return NewEvent(lane.id, handle, c.cfg.SyncTimeout), nil
}

// PrepareOp chooses the lane for an operation writing result and reading operands (nil operands
// are ignored), synchronizes what is needed, and makes the device copies of the points current.
//
// The returned Op holds the operation locks of the points: the caller must issue its native work
// on op.Stream() and then call CommitOp, or AbortOp if it failed to issue it.
func (c *Controller) PrepareOp(result *AllocationPoint, operands ...*AllocationPoint) (*Op, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if result == nil {
		return nil, errors.New("PrepareOp: result must not be nil")
	}
	if err := c.ring.Sweep(); err != nil {
		return nil, errors.WithMessage(err, "PrepareOp: sweeping event ring")
	}
	op := &Op{Result: result}
	for _, p := range operands {
		if p != nil {
			op.Operands = append(op.Operands, p)
		}
	}
	op.lock()
	for _, l := range op.locks {
		if l.point.IsFreed() {
			op.unlock()
			exceptions.Panicf("PrepareOp: %s used after it was freed", l.point)
		}
	}
	if err := c.prepareLocked(op); err != nil {
		op.unlock()
		return nil, err
	}
	return op, nil
}

func (c *Controller) prepareLocked(op *Op) error {
	c.counters.ops.Add(1)
	result := op.Result

	// The result is about to be overwritten: pending reads of it must finish first.
	// Those still pending are synchronizations too: one of them may be the write of an operand.
	var drained []*Event
	if reads := result.ReadEvents(); len(reads) > 0 {
		for _, ev := range reads {
			if !ev.Done() {
				drained = append(drained, ev)
			}
		}
		if err := result.DrainReadLanes(); err != nil {
			return errors.WithMessagef(err, "PrepareOp: draining reads of %s", result)
		}
		c.counters.readDrains.Add(int64(len(reads)))
		klog.V(2).Infof("PrepareOp: drained %d reads of %s", len(reads), result)
	}

	// Pending writes of the result and the operands.
	resultWrite := result.activeWrite()
	var pending []*Event
	if resultWrite != nil {
		pending = append(pending, resultWrite)
	}
	for _, p := range op.Operands {
		if p == result {
			continue
		}
		if ev := p.activeWrite(); ev != nil && !slices.Contains(pending, ev) {
			pending = append(pending, ev)
		}
	}

	switch {
	case len(pending) == 0:
		op.Lane = c.lanes.Select()
		op.Selection = FreePass
		c.counters.hits.Add(1)
		c.counters.freePasses.Add(1)

	case !slices.ContainsFunc(pending, func(ev *Event) bool { return ev.LaneID() != pending[0].LaneID() }):
		op.Lane = c.lanes.Lane(pending[0].LaneID())
		op.Selection = SameLane
		c.counters.hits.Add(1)

	default:
		// Destination: lane of the result's pending write, or else the lowest lane id.
		dest := NoLane
		if resultWrite != nil {
			dest = resultWrite.LaneID()
		} else {
			for _, ev := range pending {
				if dest == NoLane || ev.LaneID() < dest {
					dest = ev.LaneID()
				}
			}
		}
		op.Lane = c.lanes.Lane(dest)
		op.Selection = CrossLane
		c.counters.misses.Add(1)
		for _, ev := range pending {
			if ev.LaneID() == dest {
				continue
			}
			if err := ev.Synchronize(); err != nil {
				return errors.WithMessagef(err, "PrepareOp: synchronizing %s before running on %s", ev, op.Lane)
			}
			c.counters.crossLaneSyncs.Add(1)
			op.Synchronized = append(op.Synchronized, ev.LaneID())
		}
		klog.V(2).Infof("PrepareOp: result %s runs on %s after synchronizing lanes %v", result, op.Lane, op.Synchronized)
	}

	for _, ev := range drained {
		if ev.LaneID() != op.Lane.id {
			c.counters.crossLaneSyncs.Add(1)
			op.Synchronized = append(op.Synchronized, ev.LaneID())
		}
	}

	for _, p := range op.distinctOperands() {
		if err := c.makeDeviceCurrent(op, p); err != nil {
			return err
		}
	}
	return c.ensureDeviceBuffer(result)
}

// ensureDeviceBuffer allocates the device buffer of p if it doesn't have one.
func (c *Controller) ensureDeviceBuffer(p *AllocationPoint) error {
	if p.DeviceBuffer() != nil {
		return nil
	}
	buffer, err := c.device.Allocate(p.shape)
	if err != nil {
		return errors.WithMessagef(err, "allocating device buffer for %s", p)
	}
	p.mu.Lock()
	if p.device == nil {
		p.device = buffer
		buffer = nil
	}
	p.mu.Unlock()
	if buffer != nil {
		// Another operation reading p got there first.
		return c.device.Release(buffer)
	}
	return nil
}

// ensureHostBuffer allocates the host buffer of p if it doesn't have one.
func (c *Controller) ensureHostBuffer(p *AllocationPoint) error {
	if p.HostBuffer() != nil {
		return nil
	}
	buffer, err := c.host.Allocate(p.shape)
	if err != nil {
		return errors.WithMessagef(err, "allocating host buffer for %s", p)
	}
	p.mu.Lock()
	if p.host == nil {
		p.host = buffer
		buffer = nil
	}
	p.mu.Unlock()
	if buffer != nil {
		return c.host.Release(buffer)
	}
	return nil
}

// makeDeviceCurrent uploads the host copy of operand p if the device copy is stale.
//
// Operations reading p concurrently share its operation lock: the first one uploads it on its
// lane, and the others synchronize with that upload if they run on a different lane.
func (c *Controller) makeDeviceCurrent(op *Op, p *AllocationPoint) error {
	if err := c.ensureDeviceBuffer(p); err != nil {
		return err
	}
	p.mu.Lock()
	if !p.residency.DeviceCurrent() {
		err := c.uploadLocked(op.Lane, p)
		p.mu.Unlock()
		return err
	}
	ev := p.writeEvent
	p.mu.Unlock()
	if ev != nil && ev.LaneID() != op.Lane.id && !ev.Done() {
		if err := ev.Synchronize(); err != nil {
			return errors.WithMessagef(err, "PrepareOp: synchronizing upload of %s", p)
		}
		c.counters.crossLaneSyncs.Add(1)
		op.Synchronized = append(op.Synchronized, ev.LaneID())
	}
	return nil
}

// uploadLocked enqueues the copy of the host buffer of p to its device buffer on the lane, and
// records it as the write event of p. It must be called with p.mu locked.
func (c *Controller) uploadLocked(lane *Lane, p *AllocationPoint) error {
	bytes := p.host.Bytes()
	if err := c.backend.MemcpyAsync(p.device.Address(), p.host.Address(), bytes, lane.stream); err != nil {
		return errors.WithMessagef(err, "uploading point #%d to the device", p.seq)
	}
	ev, err := c.newEvent(lane)
	if err != nil {
		return err
	}
	p.writeEvent = ev
	p.residency = Synchronized
	c.ring.Push(lane, ev)
	c.counters.uploads.Add(1)
	return nil
}

// CommitOp records the completion event of the operation: it becomes the write event of the
// result and a read event of each operand. It releases the operation locks.
//
// It panics if the op was already committed or aborted.
func (c *Controller) CommitOp(op *Op) error {
	op.finish()
	defer op.unlock()
	ev, err := c.newEvent(op.Lane)
	if err != nil {
		return errors.WithMessage(err, "CommitOp")
	}
	result := op.Result
	result.SetWriteLane(ev)
	for _, p := range op.distinctOperands() {
		if p != result {
			p.AddReadLane(ev)
		}
	}
	c.ring.Push(op.Lane, ev)
	result.mu.Lock()
	if result.host == nil {
		result.residency = DeviceOnly
	} else {
		result.residency = HostStaleFromDevice
	}
	result.mu.Unlock()
	return nil
}

// AbortOp releases the operation locks of an op whose native work couldn't be issued.
//
// It panics if the op was already committed or aborted.
func (c *Controller) AbortOp(op *Op) {
	op.finish()
	op.unlock()
}

// SynchronizeBeforeHostRead makes the host copy of p current: it waits for the pending write
// and copies the device contents to the host, allocating a host buffer if needed.
func (c *Controller) SynchronizeBeforeHostRead(p *AllocationPoint) error {
	p.opMu.RLock()
	defer p.opMu.RUnlock()
	p.assertValid()
	return c.syncHostLocked(p)
}

// syncHostLocked implements SynchronizeBeforeHostRead. The caller must hold the operation lock of p.
func (c *Controller) syncHostLocked(p *AllocationPoint) error {
	p.mu.Lock()
	stale := !p.residency.HostCurrent()
	ev := p.writeEvent
	p.mu.Unlock()
	if stale {
		if ev != nil {
			if err := ev.Synchronize(); err != nil {
				return errors.WithMessagef(err, "synchronizing %s before host read", p)
			}
		}
		if err := c.ensureHostBuffer(p); err != nil {
			return err
		}
		p.mu.Lock()
		if !p.residency.HostCurrent() {
			err := c.backend.Memcpy(p.host.Address(), p.device.Address(), p.host.Bytes())
			if err != nil {
				p.mu.Unlock()
				return errors.WithMessagef(err, "copying point #%d to the host", p.seq)
			}
			p.residency = Synchronized
			c.counters.downloads.Add(1)
		}
		p.mu.Unlock()
	}
	p.TickHostRead()
	return nil
}

// SynchronizeBeforeHostWrite prepares p to be modified on the host: pending device reads and
// the pending write are retired, and the host copy is made current. After modifying the host
// buffer, call p.MarkHostWritten.
//
// Prefer WithHostWrite, which holds the operation lock of p while the host buffer is modified.
func (c *Controller) SynchronizeBeforeHostWrite(p *AllocationPoint) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	p.assertValid()
	return c.syncBeforeHostWriteLocked(p)
}

func (c *Controller) syncBeforeHostWriteLocked(p *AllocationPoint) error {
	if numReads := len(p.ReadEvents()); numReads > 0 {
		if err := p.DrainReadLanes(); err != nil {
			return errors.WithMessagef(err, "draining reads of %s before host write", p)
		}
		c.counters.readDrains.Add(int64(numReads))
	}
	if err := c.syncHostLocked(p); err != nil {
		return err
	}
	return p.retireWrite()
}

// hostBytes returns the Go view of the host buffer of p.
func (c *Controller) hostBytes(p *AllocationPoint) ([]byte, error) {
	host := p.HostBuffer()
	return c.backend.HostBytes(host.Address(), host.Bytes())
}

// WithHostRead makes the host copy of p current and calls fn with a view of it. No operation
// can write p while fn runs. fn must not keep the view.
func (c *Controller) WithHostRead(p *AllocationPoint, fn func(data []byte) error) error {
	p.opMu.RLock()
	defer p.opMu.RUnlock()
	p.assertValid()
	if err := c.syncHostLocked(p); err != nil {
		return err
	}
	data, err := c.hostBytes(p)
	if err != nil {
		return err
	}
	return fn(data)
}

// WithHostWrite makes the host copy of p current and calls fn with a mutable view of it,
// then marks the device copy stale. No operation can use p while fn runs. fn must not keep the view.
func (c *Controller) WithHostWrite(p *AllocationPoint, fn func(data []byte) error) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	p.assertValid()
	if err := c.syncBeforeHostWriteLocked(p); err != nil {
		return err
	}
	data, err := c.hostBytes(p)
	if err != nil {
		return err
	}
	err = fn(data)
	p.MarkHostWritten()
	return err
}

// Free retires the pending events of p and releases its buffers to the providers.
// It returns whether this call freed p: freeing a point twice is a no-op returning false.
// The point is freed even if an error is returned.
func (c *Controller) Free(p *AllocationPoint) (freed bool, err error) {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	if p.IsFreed() {
		return false, nil
	}
	err = p.DrainReadLanes()
	if writeErr := p.retireWrite(); err == nil {
		err = writeErr
	}
	p.mu.Lock()
	host, device := p.host, p.device
	p.host, p.device = nil, nil
	p.freed = true
	p.mu.Unlock()
	if host != nil {
		if releaseErr := c.host.Release(host); err == nil {
			err = releaseErr
		}
	}
	if device != nil {
		if releaseErr := c.device.Release(device); err == nil {
			err = releaseErr
		}
	}
	return true, err
}

// Close retires every outstanding event and destroys the lanes. It is idempotent.
func (c *Controller) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := c.ring.DrainAll()
	if closeErr := c.lanes.Close(); err == nil {
		err = closeErr
	}
	klog.V(1).Infof("flow controller closed: %s", c.Stats())
	return err
}
