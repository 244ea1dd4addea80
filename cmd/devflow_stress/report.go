// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/devflow/pkg/config"
	"github.com/gomlx/devflow/pkg/device"
	"github.com/gomlx/devflow/pkg/memory"
	"github.com/gomlx/devflow/pkg/native"
	"github.com/gomlx/devflow/pkg/native/simulated"
	"golang.org/x/exp/constraints"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	redRowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "9", Dark: "9"}).
			Bold(true).
			PaddingLeft(1).PaddingRight(1)
	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 0, 4)
)

// statsTable is a two-column (name, value) table, where some rows can be highlighted in red.
type statsTable struct {
	table *lgtable.Table
	count int
	reds  map[int]bool
}

func newStatsTable() *statsTable {
	t := &statsTable{reds: make(map[int]bool)}
	t.table = lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		Headers("Statistic", "Value").
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if row < 0 {
				return headerRowStyle
			}
			switch {
			case t.reds[row]:
				s = redRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			if col == 1 {
				s = s.Align(lipgloss.Right)
			}
			return
		})
	return t
}

func (t *statsTable) row(isRed bool, name, value string) {
	if isRed {
		t.reds[t.count] = true
	}
	t.table.Row(name, value)
	t.count++
}

// report renders the statistics of a run.
func report(cfg config.Config, backend native.Backend, w *workload, stats device.Stats, elapsed time.Duration, failures []error) string {
	t := newStatsTable()
	t.row(false, "Native backend", backend.Description())
	t.row(false, "Lanes / queue depth", fmt.Sprintf("%d / %d (%s)", cfg.NumLanes, cfg.MaxQueueDepth, cfg.LaneSelection))
	t.row(false, "Tensors x readers", fmt.Sprintf("%d x %d, %s elements", w.numTensors, w.numReaders, humanizeInt(w.width)))
	t.row(false, "Elapsed", formatDuration(elapsed))

	flowStats := stats.Flow
	t.row(false, "Operations", humanizeInt(flowStats.Ops))
	if elapsed > 0 {
		t.row(false, "Operations/s", formatRate(flowStats.Ops, elapsed))
	}
	t.row(false, "Lane hits", humanizeInt(flowStats.Hits))
	t.row(false, "  of which free passes", humanizeInt(flowStats.FreePasses))
	t.row(false, "Lane misses", humanizeInt(flowStats.Misses))
	t.row(false, "Lane hit ratio", fmt.Sprintf("%.1f%%", 100*flowStats.HitRatio()))
	t.row(false, "Cross-lane syncs", humanizeInt(flowStats.CrossLaneSyncs))
	t.row(false, "Read drains", humanizeInt(flowStats.ReadDrains))
	t.row(false, "Uploads / downloads", fmt.Sprintf("%s / %s", humanizeInt(flowStats.Uploads), humanizeInt(flowStats.Downloads)))
	memoryRows(t, "Host", stats.Host)
	memoryRows(t, "Device", stats.Device)
	t.row(stats.NumPoints != 0, "Points not freed", humanizeInt(stats.NumPoints))
	if sim, ok := backend.(*simulated.Backend); ok {
		counters := sim.Counters()
		t.row(false, "Native launches / copies", fmt.Sprintf("%s / %s",
			humanizeInt(counters.Launches.Load()), humanizeInt(counters.Copies.Load())))
		t.row(false, "Native events recorded / synced", fmt.Sprintf("%s / %s",
			humanizeInt(counters.EventsRecorded.Load()), humanizeInt(counters.EventSyncs.Load())))
	}

	verification := "ok: no lost writes, no torn reads"
	if len(failures) > 0 {
		verification = fmt.Sprintf("%d failures", len(failures))
	}
	t.row(len(failures) > 0, "Verification", verification)

	var sb strings.Builder
	sb.WriteString(titleStyle.Render("devflow stress"))
	sb.WriteString("\n")
	sb.WriteString(t.table.Render())
	return sb.String()
}

func memoryRows(t *statsTable, name string, s memory.Stats) {
	t.row(false, name+" allocations", fmt.Sprintf("%s hits / %s misses (%.1f%%)",
		humanizeInt(s.Hits), humanizeInt(s.Misses), 100*s.HitRatio()))
	if s.Location == native.Host {
		t.row(false, name+" cached", fmt.Sprintf("%s in %s buffers", humanize.IBytes(s.CachedBytes), humanizeInt(s.CachedBuffers)))
		t.row(false, name+" pre-allocations", humanizeInt(s.Preallocations))
	}
	t.row(false, name+" allocated", humanize.IBytes(s.AllocatedBytes))
}

// humanizeInt formats n with "_" separating the thousands.
func humanizeInt[I constraints.Integer](nI I) string {
	str := fmt.Sprintf("%d", nI)
	sign := ""
	if str[0] == '-' {
		sign, str = "-", str[1:]
	}
	result := make([]byte, 0, len(str)+len(str)/3)
	for i := range len(str) {
		if i > 0 && (len(str)-i)%3 == 0 {
			result = append(result, '_')
		}
		result = append(result, str[i])
	}
	return sign + string(result)
}

// formatRate returns count per second, rounded and formatted like humanizeInt.
func formatRate(count int64, elapsed time.Duration) string {
	return humanizeInt(int64(math.Round(float64(count) / elapsed.Seconds())))
}

// formatDuration pretty prints the duration with at most 2 decimal places.
func formatDuration(d time.Duration) string {
	switch {
	case d >= time.Minute:
		return d.Round(time.Second).String()
	case d >= time.Second:
		return fmt.Sprintf("%.2fs", d.Seconds())
	case d >= time.Millisecond:
		return fmt.Sprintf("%.2fms", float64(d)/float64(time.Millisecond))
	default:
		return d.String()
	}
}
