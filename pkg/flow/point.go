// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package flow

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomlx/devflow/pkg/memory"
	"github.com/gomlx/exceptions"
)

// NoLane is returned by AllocationPoint.ActiveWriteLane when there is no pending write.
const NoLane = -1

// pointSeq numbers AllocationPoints, to acquire their operation locks in a consistent order.
var pointSeq atomic.Uint64

// AllocationPoint is the bookkeeping of one tensor's memory: its host and device buffers,
// which of them is current, and the device events still pending on it.
//
// Two locks guard it:
//
//   - opMu is held by the Controller for the whole window between PrepareOp and CommitOp (or
//     AbortOp): exclusively by the operation writing the point, shared by the ones reading it.
//     Host reads and writes also take it, shared and exclusively respectively.
//   - mu guards the fields below, and is held only briefly.
type AllocationPoint struct {
	seq   uint64
	shape memory.Shape
	opMu  sync.RWMutex

	mu           sync.Mutex
	residency    Residency
	host, device *memory.Buffer
	writeEvent   *Event
	readEvents   []*Event
	lastHostRead time.Time
	freed        bool
}

// NewAllocationPoint creates the bookkeeping for a tensor of the given shape. Either buffer may
// be nil, and residency must be consistent with the buffers given.
func NewAllocationPoint(shape memory.Shape, residency Residency, host, device *memory.Buffer) *AllocationPoint {
	p := &AllocationPoint{
		seq:       pointSeq.Add(1),
		shape:     shape,
		residency: residency,
		host:      host,
		device:    device,
	}
	if (residency.HostCurrent() && host == nil) || (residency.DeviceCurrent() && device == nil) {
		exceptions.Panicf("NewAllocationPoint(%s): residency %s is not consistent with host buffer %s and device buffer %s",
			shape, residency, host, device)
	}
	return p
}

// Seq returns the sequence number of the point, unique in the process.
func (p *AllocationPoint) Seq() uint64 { return p.seq }

// Shape of the point's buffers.
func (p *AllocationPoint) Shape() memory.Shape { return p.shape }

// String implements fmt.Stringer.
func (p *AllocationPoint) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("point#%d%s[%s]", p.seq, p.shape, p.residency)
}

// HostBuffer returns the host buffer, or nil if there isn't one.
func (p *AllocationPoint) HostBuffer() *memory.Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.host
}

// DeviceBuffer returns the device buffer, or nil if there isn't one.
func (p *AllocationPoint) DeviceBuffer() *memory.Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.device
}

// Residency returns where the current contents live.
func (p *AllocationPoint) Residency() Residency {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.residency
}

// SetResidency overrides the residency.
func (p *AllocationPoint) SetResidency(residency Residency) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.residency = residency
}

// MarkHostWritten records that the host copy was modified: the device copy, if any, becomes stale.
func (p *AllocationPoint) MarkHostWritten() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.device == nil {
		p.residency = HostOnly
	} else {
		p.residency = DeviceStaleFromHost
	}
}

// SetWriteLane records ev as the most recent write to the point. The previous write event is
// left for its lane's EventRing to retire.
func (p *AllocationPoint) SetWriteLane(ev *Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeEvent = ev
}

// AddReadLane records a pending read of the point. Read events already known to be done are
// dropped at the same time.
func (p *AllocationPoint) AddReadLane(ev *Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	live := p.readEvents[:0]
	for _, readEvent := range p.readEvents {
		if !readEvent.Done() {
			live = append(live, readEvent)
		}
	}
	clear(p.readEvents[len(live):])
	p.readEvents = append(live, ev)
}

// WriteEvent returns the most recent write event, or nil.
func (p *AllocationPoint) WriteEvent() *Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeEvent
}

// ReadEvents returns a copy of the list of pending read events.
func (p *AllocationPoint) ReadEvents() []*Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Event(nil), p.readEvents...)
}

// ActiveWriteLane returns the lane of the pending write event, or NoLane if there is none.
func (p *AllocationPoint) ActiveWriteLane() int {
	ev := p.WriteEvent()
	if ev == nil || ev.Done() {
		return NoLane
	}
	return ev.LaneID()
}

// activeWrite returns the pending write event, or nil.
func (p *AllocationPoint) activeWrite() *Event {
	ev := p.WriteEvent()
	if ev == nil || ev.Done() {
		return nil
	}
	return ev
}

// HasActiveReads returns whether any read event is still pending.
func (p *AllocationPoint) HasActiveReads() bool {
	for _, ev := range p.ReadEvents() {
		if !ev.Done() {
			return true
		}
	}
	return false
}

// DrainReadLanes retires every read event and clears the list. It returns the first error.
func (p *AllocationPoint) DrainReadLanes() error {
	p.mu.Lock()
	events := p.readEvents
	p.readEvents = nil
	p.mu.Unlock()
	var firstErr error
	for _, ev := range events {
		if err := ev.Retire(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// retireWrite retires the write event, if any, and clears it.
func (p *AllocationPoint) retireWrite() error {
	p.mu.Lock()
	ev := p.writeEvent
	p.writeEvent = nil
	p.mu.Unlock()
	if ev == nil {
		return nil
	}
	return ev.Retire()
}

// TickHostRead stamps the time of the last host read.
func (p *AllocationPoint) TickHostRead() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastHostRead = time.Now()
}

// LastHostRead returns the time of the last host read, or the zero time if never read.
func (p *AllocationPoint) LastHostRead() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastHostRead
}

// IsFreed returns whether the point's buffers were already released.
func (p *AllocationPoint) IsFreed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freed
}

// assertValid panics if the point was freed.
func (p *AllocationPoint) assertValid() {
	if p.IsFreed() {
		exceptions.Panicf("using %s after it was freed", p)
	}
}
