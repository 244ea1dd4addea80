// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package flow

import (
	"fmt"
	"sync/atomic"

	"github.com/dustin/go-humanize"
)

// Stats of a Controller.
type Stats struct {
	// Ops is the number of operations prepared.
	Ops int64

	// Hits are operations that ran on the lane of all their pending writes, or with no pending
	// writes at all (FreePasses). Misses needed a cross-lane synchronization.
	Hits, Misses, FreePasses int64

	// CrossLaneSyncs counts event synchronizations done to order work across lanes.
	CrossLaneSyncs int64

	// ReadDrains counts read events retired before overwriting a point.
	ReadDrains int64

	// Uploads and Downloads count host to device and device to host copies.
	Uploads, Downloads int64
}

// HitRatio returns Hits / (Hits + Misses), or 0 if no operation was prepared.
func (s Stats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// String implements fmt.Stringer.
func (s Stats) String() string {
	return fmt.Sprintf("%s ops: %s hits (%s free passes) / %s misses (%.1f%%), %s cross-lane syncs, %s read drains, %s uploads, %s downloads",
		humanize.Comma(s.Ops), humanize.Comma(s.Hits), humanize.Comma(s.FreePasses), humanize.Comma(s.Misses),
		100*s.HitRatio(), humanize.Comma(s.CrossLaneSyncs), humanize.Comma(s.ReadDrains),
		humanize.Comma(s.Uploads), humanize.Comma(s.Downloads))
}

// counters are the live version of Stats.
type counters struct {
	ops, hits, misses, freePasses atomic.Int64
	crossLaneSyncs, readDrains    atomic.Int64
	uploads, downloads            atomic.Int64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Ops:            c.ops.Load(),
		Hits:           c.hits.Load(),
		Misses:         c.misses.Load(),
		FreePasses:     c.freePasses.Load(),
		CrossLaneSyncs: c.crossLaneSyncs.Load(),
		ReadDrains:     c.readDrains.Load(),
		Uploads:        c.uploads.Load(),
		Downloads:      c.downloads.Load(),
	}
}
