// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// devflow_stress runs concurrent single-writer / multi-reader workloads over a device context,
// verifies that no write is lost and prints the flow and memory statistics.
//
// Example:
//
//	devflow_stress -native="sim:latency=50us" -config="lanes=8,prealloc=true" -tensors=32 -readers=4
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/gomlx/devflow/pkg/config"
	"github.com/gomlx/devflow/pkg/device"
	"github.com/gomlx/devflow/pkg/native"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagNative = flag.String("native", "sim:latency=20us",
		fmt.Sprintf("Native backend configuration, formatted as \"<backend>:<options>\". If not set, $%s is used if defined.", native.ConfigEnvVar))
	flagConfig = flag.String("config", "",
		fmt.Sprintf("Device context options (e.g. \"lanes=8,queue_depth=16\"), applied over $%s.", config.EnvVar))
	flagTensors  = flag.Int("tensors", 16, "Number of tensors, each with one writer.")
	flagReaders  = flag.Int("readers", 3, "Number of concurrent readers per tensor.")
	flagOps      = flag.Int("ops", 200, "Number of write operations per tensor. Each reader does ops/5 reads.")
	flagWidth    = flag.Int("width", 1024, "Number of int64 elements per tensor.")
	flagWorkers  = flag.Int("workers", -1, "Maximum number of concurrent writers and readers. -1 means unlimited, 0 runs them sequentially.")
	flagProgress = flag.Bool("progress", true, "Display a progress bar while running.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagTensors <= 0 || *flagOps <= 0 || *flagWidth <= 0 || *flagReaders < 0 {
		klog.Errorf("-tensors, -ops and -width must be > 0, and -readers >= 0. See 'devflow_stress -help'.")
		os.Exit(1)
	}

	cfg := must.M1(config.FromEnv())
	if err := cfg.Apply(*flagConfig); err != nil {
		klog.Errorf("Invalid -config=%q: %+v", *flagConfig, err)
		os.Exit(1)
	}
	nativeConfig := *flagNative
	if envConfig, found := os.LookupEnv(native.ConfigEnvVar); found && !isFlagSet("native") {
		nativeConfig = envConfig
	}
	backend, err := native.NewWithConfig(nativeConfig)
	if err != nil {
		klog.Errorf("Failed to create native backend %q: %+v", nativeConfig, err)
		os.Exit(1)
	}
	defer backend.Finalize()
	ctx := must.M1(device.New(cfg, backend))
	klog.V(1).Infof("Running on %s with %s", ctx, cfg)

	w := &workload{
		ctx:        ctx,
		numTensors: *flagTensors,
		numReaders: *flagReaders,
		numOps:     *flagOps,
		width:      *flagWidth,
		workers:    *flagWorkers,
	}
	if *flagProgress {
		w.progress = newProgress(w.totalOps())
	}
	start := time.Now()
	failures := w.run()
	elapsed := time.Since(start)
	if w.progress != nil {
		w.progress.done()
	}

	stats := ctx.Stats()
	if err = ctx.Close(); err != nil {
		klog.Errorf("Failed to close %s: %+v", ctx, err)
		failures = append(failures, err)
	}
	fmt.Println(report(cfg, backend, w, stats, elapsed, failures))
	if len(failures) > 0 {
		for _, failure := range failures {
			klog.Errorf("%v", failure)
		}
		os.Exit(1)
	}
}

// isFlagSet returns whether the flag was given in the command line.
func isFlagSet(name string) (found bool) {
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return
}
