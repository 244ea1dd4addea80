// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/devflow/pkg/flow"
	"github.com/gomlx/devflow/pkg/memory"
)

// Stats aggregates the counters of a Context.
type Stats struct {
	Host, Device memory.Stats
	Flow         flow.Stats
	NumPoints    int64
}

// Stats returns a snapshot of the counters of the context.
func (ctx *Context) Stats() Stats {
	return Stats{
		Host:      ctx.hostCache.Stats(),
		Device:    ctx.deviceAllocator.Stats(),
		Flow:      ctx.controller.Stats(),
		NumPoints: ctx.NumPoints(),
	}
}

// String implements fmt.Stringer.
func (s Stats) String() string {
	return fmt.Sprintf("%s points; %s; %s; %s", humanize.Comma(s.NumPoints), s.Flow, s.Host, s.Device)
}
