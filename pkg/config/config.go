// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config holds the configuration of a device context: number of lanes, per-lane
// event queue depth, host cache knobs and synchronization options.
//
// A Config is a plain struct built once and handed to the constructors of the lanes, caches
// and controller -- there is no process-wide configuration singleton.
//
// It can also be built from a configuration string of comma-separated "key=value" options,
// the same format accepted by the DEVFLOW_CONFIG environment variable. Example:
//
//	lanes=4,queue_depth=32,max_cacheable=1MiB,max_cached=512MiB,prealloc=true
//
// Byte sizes accept human units ("96", "64KiB", "1MB", ...).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// EnvVar is the environment variable read by FromEnv.
const EnvVar = "DEVFLOW_CONFIG"

// LaneSelection is the policy used to pick a lane for operations with no pending writes.
type LaneSelection int

const (
	// RoundRobin cycles through the lanes in order.
	RoundRobin LaneSelection = iota

	// Random picks a uniformly random lane.
	Random
)

// String implements fmt.Stringer.
func (s LaneSelection) String() string {
	switch s {
	case RoundRobin:
		return "roundrobin"
	case Random:
		return "random"
	default:
		return fmt.Sprintf("LaneSelection(%d)", int(s))
	}
}

// Config for a device context.
type Config struct {
	// NumLanes is the number of execution lanes (native streams).
	NumLanes int

	// MaxQueueDepth is the number of outstanding events a lane may accumulate before the event ring
	// forces a synchronization.
	MaxQueueDepth int

	// CachingEnabled turns the host memory cache on. If false every host allocation goes to the
	// native allocator and every release frees immediately.
	CachingEnabled bool

	// MaxCacheableBytes: allocations of this size or larger are never cached.
	MaxCacheableBytes uint64

	// MaxCachedBytes is the budget of bytes kept in the host cache free lists.
	MaxCachedBytes uint64

	// ForcedCacheThreshold: released buffers of at most this size are cached regardless of the budget.
	ForcedCacheThreshold uint64

	// UsePreallocation enables background pre-allocation of PreallocationCalls buffers when a new
	// shape misses the cache.
	UsePreallocation   bool
	PreallocationCalls int

	// PreallocationWorkers bounds the goroutines doing background pre-allocation.
	PreallocationWorkers int

	// LaneSelection policy for operations without pending writes.
	LaneSelection LaneSelection

	// SyncTimeout bounds event synchronizations. 0 means wait forever, the default.
	SyncTimeout time.Duration
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		NumLanes:             4,
		MaxQueueDepth:        32,
		CachingEnabled:       true,
		MaxCacheableBytes:    1 << 20,
		MaxCachedBytes:       512 << 20,
		ForcedCacheThreshold: 96,
		UsePreallocation:     false,
		PreallocationCalls:   8,
		PreallocationWorkers: 2,
		LaneSelection:        RoundRobin,
	}
}

// FromEnv returns the Default configuration updated with the options in $DEVFLOW_CONFIG, if set.
func FromEnv() (Config, error) {
	return Parse(os.Getenv(EnvVar))
}

// Parse returns the Default configuration updated with the comma-separated "key=value" options
// in config. An empty string returns the defaults.
func Parse(config string) (Config, error) {
	c := Default()
	if err := c.Apply(config); err != nil {
		return c, err
	}
	return c, nil
}

// Apply updates c with the comma-separated "key=value" options in config, and validates the result.
func (c *Config) Apply(config string) error {
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		if !found {
			return errors.Errorf("invalid configuration option %q: expected \"key=value\"", part)
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		if err := c.set(key, value); err != nil {
			return errors.WithMessagef(err, "configuration option %q", part)
		}
	}
	return c.Validate()
}

func (c *Config) set(key, value string) (err error) {
	switch key {
	case "lanes":
		c.NumLanes, err = strconv.Atoi(value)
	case "queue_depth":
		c.MaxQueueDepth, err = strconv.Atoi(value)
	case "caching":
		c.CachingEnabled, err = strconv.ParseBool(value)
	case "max_cacheable":
		c.MaxCacheableBytes, err = humanize.ParseBytes(value)
	case "max_cached":
		c.MaxCachedBytes, err = humanize.ParseBytes(value)
	case "forced_cache":
		c.ForcedCacheThreshold, err = humanize.ParseBytes(value)
	case "prealloc":
		c.UsePreallocation, err = strconv.ParseBool(value)
	case "prealloc_calls":
		c.PreallocationCalls, err = strconv.Atoi(value)
	case "prealloc_workers":
		c.PreallocationWorkers, err = strconv.Atoi(value)
	case "selection":
		switch strings.ToLower(value) {
		case "roundrobin", "round_robin", "rr":
			c.LaneSelection = RoundRobin
		case "random":
			c.LaneSelection = Random
		default:
			err = errors.Errorf("unknown lane selection policy %q, valid values are \"roundrobin\" or \"random\"", value)
		}
	case "sync_timeout":
		if value == "0" {
			c.SyncTimeout = 0
			return nil
		}
		c.SyncTimeout, err = time.ParseDuration(value)
	default:
		err = errors.Errorf("unknown key %q", key)
	}
	return err
}

// Validate returns an error if any of the values is not acceptable.
func (c Config) Validate() error {
	if c.NumLanes <= 0 {
		return errors.Errorf("number of lanes must be > 0, got %d", c.NumLanes)
	}
	if c.MaxQueueDepth <= 0 {
		return errors.Errorf("lane queue depth must be > 0, got %d", c.MaxQueueDepth)
	}
	if c.PreallocationCalls < 0 {
		return errors.Errorf("pre-allocation calls must be >= 0, got %d", c.PreallocationCalls)
	}
	if c.UsePreallocation && c.PreallocationWorkers == 0 {
		return errors.New("pre-allocation requires prealloc_workers != 0")
	}
	if c.ForcedCacheThreshold >= c.MaxCacheableBytes && c.MaxCacheableBytes > 0 {
		return errors.Errorf("forced cache threshold (%s) must be smaller than the max cacheable size (%s)",
			humanize.IBytes(c.ForcedCacheThreshold), humanize.IBytes(c.MaxCacheableBytes))
	}
	if c.SyncTimeout < 0 {
		return errors.Errorf("sync timeout must be >= 0, got %s", c.SyncTimeout)
	}
	return nil
}

// String returns the configuration in the same format accepted by Parse.
func (c Config) String() string {
	parts := []string{
		fmt.Sprintf("lanes=%d", c.NumLanes),
		fmt.Sprintf("queue_depth=%d", c.MaxQueueDepth),
		fmt.Sprintf("caching=%t", c.CachingEnabled),
		fmt.Sprintf("max_cacheable=%d", c.MaxCacheableBytes),
		fmt.Sprintf("max_cached=%d", c.MaxCachedBytes),
		fmt.Sprintf("forced_cache=%d", c.ForcedCacheThreshold),
		fmt.Sprintf("prealloc=%t", c.UsePreallocation),
		fmt.Sprintf("prealloc_calls=%d", c.PreallocationCalls),
		fmt.Sprintf("prealloc_workers=%d", c.PreallocationWorkers),
		fmt.Sprintf("selection=%s", c.LaneSelection),
	}
	if c.SyncTimeout > 0 {
		parts = append(parts, fmt.Sprintf("sync_timeout=%s", c.SyncTimeout))
	}
	return strings.Join(parts, ",")
}
