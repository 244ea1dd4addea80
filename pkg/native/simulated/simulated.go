// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package simulated implements a native.Backend in pure Go: "device" memory is Go memory, each
// stream is a goroutine executing its work in FIFO order, and events are latches triggered by the
// stream when it reaches them.
//
// It behaves like an asynchronous accelerator as far as ordering goes: work on different streams
// runs concurrently and in any relative order, so missing synchronizations show up as wrong
// results (and as data races under `go test -race`).
//
// Import it to register it as the "sim" native backend:
//
//	import _ "github.com/gomlx/devflow/pkg/native/simulated"
//
// The configuration string is a comma-separated list of options:
//
//   - host_memory=<bytes>, device_memory=<bytes>: limits on allocated memory, default unlimited.
//   - latency=<duration>: delay added before each piece of stream work, e.g. "latency=200us".
//   - poison=<bool>: fill fresh allocations with 0xCD instead of zeros.
package simulated

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/devflow/pkg/native"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BackendName to be used in DEVFLOW_NATIVE to specify this backend.
const BackendName = "sim"

func init() {
	native.Register(BackendName, func(config string) (native.Backend, error) {
		return New(config)
	})
}

// Backend implements native.Backend with Go memory and goroutines.
type Backend struct {
	mu          sync.Mutex
	allocations map[native.Pointer]*allocation
	nextAddress [2]uint64 // Per native.Location.
	used        [2]uint64
	limits      [2]uint64
	streams     map[int]*Stream
	nextStream  int
	finalized   bool

	latency time.Duration
	poison  bool

	counters Counters
}

// Counters of the work done by the simulated device, for tests and reports.
type Counters struct {
	Allocations     atomic.Int64
	Frees           atomic.Int64
	Launches        atomic.Int64
	Copies          atomic.Int64
	EventsRecorded  atomic.Int64
	EventSyncs      atomic.Int64
	EventsDestroyed atomic.Int64
	StreamSyncs     atomic.Int64
}

// Compile-time check that simulated.Backend implements native.Backend.
var _ native.Backend = (*Backend)(nil)

// Base addresses: host and device allocations live in separate ranges, which makes
// addresses in logs easy to tell apart.
const (
	hostBaseAddress   = 0x1000_0000
	deviceBaseAddress = 0x7000_0000_0000
	addressAlignment  = 256
)

// New creates a simulated backend, configured by the config string -- see package documentation.
func New(config string) (*Backend, error) {
	b := &Backend{
		allocations: make(map[native.Pointer]*allocation),
		nextAddress: [2]uint64{hostBaseAddress, deviceBaseAddress},
		streams:     make(map[int]*Stream),
	}
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		if !found {
			return nil, errors.Errorf("invalid option %q for %q backend: expected \"key=value\"", part, BackendName)
		}
		var err error
		switch key {
		case "host_memory":
			b.limits[native.Host], err = humanize.ParseBytes(value)
		case "device_memory":
			b.limits[native.Device], err = humanize.ParseBytes(value)
		case "latency":
			b.latency, err = time.ParseDuration(value)
		case "poison":
			b.poison, err = strconv.ParseBool(value)
		default:
			err = errors.Errorf("unknown key %q", key)
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "option %q for %q backend", part, BackendName)
		}
	}
	return b, nil
}

// Name implements native.Backend.
func (b *Backend) Name() string { return BackendName }

// Description implements native.Backend.
func (b *Backend) Description() string {
	limit := func(l native.Location) string {
		if b.limits[l] == 0 {
			return "unlimited"
		}
		return humanize.IBytes(b.limits[l])
	}
	return fmt.Sprintf("Simulated device (host memory %s, device memory %s, latency %s)",
		limit(native.Host), limit(native.Device), b.latency)
}

// Capabilities implements native.Backend.
func (b *Backend) Capabilities() native.Capabilities {
	return capabilities.Clone()
}

// Counters returns the live counters of the backend.
func (b *Backend) Counters() *Counters { return &b.counters }

// MemoryInUse returns the number of bytes currently allocated at the given location.
func (b *Backend) MemoryInUse(location native.Location) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used[location]
}

// NumAllocations returns the number of live allocations at the given location.
func (b *Backend) NumAllocations(location native.Location) (n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, a := range b.allocations {
		if a.location == location {
			n++
		}
	}
	return
}

// Finalize destroys all streams and frees all memory.
func (b *Backend) Finalize() {
	b.mu.Lock()
	if b.finalized {
		b.mu.Unlock()
		return
	}
	b.finalized = true
	streams := make([]*Stream, 0, len(b.streams))
	for _, s := range b.streams {
		streams = append(streams, s)
	}
	b.mu.Unlock()

	for _, s := range streams {
		if err := s.Destroy(); err != nil {
			klog.Warningf("%s backend: failed to destroy stream #%d while finalizing: %v", BackendName, s.id, err)
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.allocations)
	b.used = [2]uint64{}
}

// NewStream implements native.Backend.
func (b *Backend) NewStream() (native.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return nil, errors.Wrapf(native.ErrFinalized, "%s backend: NewStream", BackendName)
	}
	s := newStream(b, b.nextStream)
	b.streams[s.id] = s
	b.nextStream++
	return s, nil
}

// Launch implements native.Backend.
func (b *Backend) Launch(kernel native.Kernel, stream native.Stream) error {
	s, err := b.castStream(stream)
	if err != nil {
		return err
	}
	fn, err := lookupKernel(kernel.Op, kernel.DType)
	if err != nil {
		return err
	}
	if want := kernel.Op.NumInputs(); (want >= 0 && len(kernel.Inputs) != want) || (want < 0 && len(kernel.Inputs) == 0) {
		return errors.Errorf("kernel %s takes %d inputs, %d given", kernel.Op, want, len(kernel.Inputs))
	}
	bytes := kernel.Count * uint64(kernel.DType.Size())
	out, err := b.view(kernel.Output, bytes)
	if err != nil {
		return errors.WithMessagef(err, "kernel %s output", kernel)
	}
	ins := make([][]byte, len(kernel.Inputs))
	for i, ptr := range kernel.Inputs {
		ins[i], err = b.view(ptr, bytes)
		if err != nil {
			return errors.WithMessagef(err, "kernel %s input #%d", kernel, i)
		}
	}
	count, scalar := kernel.Count, kernel.Scalar
	err = s.enqueue(func() error {
		fn(out, ins, count, scalar)
		return nil
	})
	if err == nil {
		b.counters.Launches.Add(1)
	}
	return err
}

// Supports implements native.Backend.
func (b *Backend) Supports(kernel native.Kernel) error {
	_, err := lookupKernel(kernel.Op, kernel.DType)
	return err
}

func (b *Backend) castStream(stream native.Stream) (*Stream, error) {
	s, ok := stream.(*Stream)
	if !ok || s == nil || s.backend != b {
		return nil, errors.Errorf("stream %v is not a stream of this %q backend", stream, BackendName)
	}
	return s, nil
}
