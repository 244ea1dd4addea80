// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package flow

import (
	"fmt"
	"math/rand/v2"
	"sync/atomic"

	"github.com/gomlx/devflow/pkg/config"
	"github.com/gomlx/devflow/pkg/native"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Lane is a logical execution queue backed by one native stream: work issued on a lane runs
// in order.
type Lane struct {
	id     int
	stream native.Stream
	tick   atomic.Uint64
}

// ID of the lane, from 0 to LanePool.Len()-1.
func (l *Lane) ID() int { return l.id }

// Stream where the lane's work is issued.
func (l *Lane) Stream() native.Stream { return l.stream }

// Tick returns the number of events pushed for the lane so far.
func (l *Lane) Tick() uint64 { return l.tick.Load() }

// String implements fmt.Stringer.
func (l *Lane) String() string { return fmt.Sprintf("lane#%d", l.id) }

// LanePool owns the lanes of a device and selects lanes for operations without data dependencies.
type LanePool struct {
	lanes     []*Lane
	selection config.LaneSelection
	next      atomic.Uint64
}

// NewLanePool creates cfg.NumLanes lanes, each with a new native stream.
func NewLanePool(backend native.Backend, cfg config.Config) (*LanePool, error) {
	if cfg.NumLanes <= 0 {
		return nil, errors.Errorf("NewLanePool: number of lanes must be > 0, got %d", cfg.NumLanes)
	}
	pool := &LanePool{
		lanes:     make([]*Lane, cfg.NumLanes),
		selection: cfg.LaneSelection,
	}
	for i := range pool.lanes {
		stream, err := backend.NewStream()
		if err != nil {
			_ = pool.Close()
			return nil, errors.WithMessagef(err, "NewLanePool: creating stream for lane #%d", i)
		}
		pool.lanes[i] = &Lane{id: i, stream: stream}
	}
	return pool, nil
}

// Len returns the number of lanes.
func (p *LanePool) Len() int { return len(p.lanes) }

// Lane returns the lane with the given id.
func (p *LanePool) Lane(id int) *Lane { return p.lanes[id] }

// Lanes returns all lanes, ordered by id.
func (p *LanePool) Lanes() []*Lane { return p.lanes }

// Select a lane according to the selection policy.
func (p *LanePool) Select() *Lane {
	n := uint64(len(p.lanes))
	if p.selection == config.Random {
		return p.lanes[rand.Uint64N(n)]
	}
	return p.lanes[(p.next.Add(1)-1)%n]
}

// Close destroys the lanes' streams, waiting for their pending work. It returns the first error.
func (p *LanePool) Close() error {
	var firstErr error
	for _, lane := range p.lanes {
		if lane == nil || lane.stream == nil {
			continue
		}
		if err := lane.stream.Destroy(); err != nil {
			klog.Warningf("LanePool.Close(): destroying stream of %s: %v", lane, err)
			if firstErr == nil {
				firstErr = err
			}
		}
		lane.stream = nil
	}
	return firstErr
}
