// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package flow

import (
	"sync"

	"k8s.io/klog/v2"
)

// EventRing keeps, per lane, the FIFO of events pushed by committed operations, and bounds how
// much unsynchronized work a lane can accumulate.
//
// Each Push advances the lane tick and a global clock. Sweep retires the oldest events of lanes
// whose queue is longer than the maximum depth, and one event of any lane that wasn't serviced
// for more than that many ticks of the global clock.
type EventRing struct {
	maxDepth int

	mu           sync.Mutex
	queues       [][]*Event
	lastServiced []uint64
	clock        uint64
}

// NewEventRing returns an EventRing for numLanes lanes.
func NewEventRing(numLanes, maxDepth int) *EventRing {
	return &EventRing{
		maxDepth:     maxDepth,
		queues:       make([][]*Event, numLanes),
		lastServiced: make([]uint64, numLanes),
	}
}

// Push appends ev to the queue of lane.
func (r *EventRing) Push(lane *Lane, ev *Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queues[lane.id] = append(r.queues[lane.id], ev)
	lane.tick.Add(1)
	r.clock++
}

// Len returns the number of events queued for the lane.
func (r *EventRing) Len(laneID int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queues[laneID])
}

// Clock returns the total number of events pushed.
func (r *EventRing) Clock() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clock
}

// popLocked removes the oldest event of the lane. It must be called with r.mu locked.
func (r *EventRing) popLocked(laneID int) *Event {
	queue := r.queues[laneID]
	ev := queue[0]
	queue[0] = nil
	r.queues[laneID] = queue[1:]
	r.lastServiced[laneID] = r.clock
	return ev
}

// Sweep retires events of lanes over the maximum depth or lagging behind the global clock.
// It returns the first error of the retired events.
func (r *EventRing) Sweep() error {
	var popped []*Event
	r.mu.Lock()
	for laneID, queue := range r.queues {
		if len(queue) == 0 {
			r.lastServiced[laneID] = r.clock
			continue
		}
		for len(r.queues[laneID]) > r.maxDepth {
			popped = append(popped, r.popLocked(laneID))
		}
		if len(r.queues[laneID]) > 0 && r.clock-r.lastServiced[laneID] > uint64(r.maxDepth) {
			popped = append(popped, r.popLocked(laneID))
		}
	}
	r.mu.Unlock()
	if len(popped) > 0 {
		klog.V(2).Infof("EventRing.Sweep(): retiring %d events", len(popped))
	}
	return retireAll(popped)
}

// DrainAll retires every queued event of every lane. It returns the first error.
func (r *EventRing) DrainAll() error {
	var popped []*Event
	r.mu.Lock()
	for laneID, queue := range r.queues {
		popped = append(popped, queue...)
		r.queues[laneID] = nil
		r.lastServiced[laneID] = r.clock
	}
	r.mu.Unlock()
	return retireAll(popped)
}

func retireAll(events []*Event) error {
	var firstErr error
	for _, ev := range events {
		if err := ev.Retire(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
