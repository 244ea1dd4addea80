// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"sync"

	"github.com/gomlx/devflow/internal/workerspool"
	"github.com/gomlx/devflow/pkg/device"
	"github.com/gomlx/devflow/pkg/flow"
	"github.com/gomlx/devflow/pkg/native"
	"github.com/pkg/errors"
)

// workload of one writer and numReaders readers per tensor.
//
// The writer mostly accumulates on device (OpAddScalar), and every 10th write overwrites the
// tensor from the host. Readers copy the tensor on device to a private point and check on host
// that the copy is not torn. At the end each tensor must hold the value the writer expects.
type workload struct {
	ctx      *device.Context
	progress *progress

	numTensors, numReaders int
	numOps, width          int
	workers                int

	muFailures sync.Mutex
	failures   []error
}

func (w *workload) totalOps() int64 {
	return int64(w.numTensors) * int64(w.numOps+w.numReaders*w.numReads())
}

func (w *workload) numReads() int {
	return max(w.numOps/5, 1)
}

func (w *workload) fail(err error) {
	w.muFailures.Lock()
	defer w.muFailures.Unlock()
	w.failures = append(w.failures, err)
}

func (w *workload) step() {
	if w.progress != nil {
		w.progress.add(1)
	}
}

// run the workload and return the failures found.
func (w *workload) run() []error {
	pool := workerspool.NewWithParallelism(w.workers)
	tensors := make([]*flow.AllocationPoint, w.numTensors)
	expected := make([]int64, w.numTensors)
	for tensorIdx := range tensors {
		x, err := device.FromFlatData(w.ctx, make([]int64, w.width))
		if err != nil {
			w.fail(errors.WithMessagef(err, "creating tensor #%d", tensorIdx))
			return w.failures
		}
		tensors[tensorIdx] = x
	}
	for tensorIdx, x := range tensors {
		pool.WaitToStart(func() {
			expected[tensorIdx] = w.write(tensorIdx, x)
		})
		for range w.numReaders {
			pool.WaitToStart(func() {
				w.read(tensorIdx, x)
			})
		}
	}
	pool.Wait()

	for tensorIdx, x := range tensors {
		values, err := device.CopyFlatData[int64](w.ctx, x)
		if err != nil {
			w.fail(errors.WithMessagef(err, "reading tensor #%d", tensorIdx))
		} else {
			for i, v := range values {
				if v != expected[tensorIdx] {
					w.fail(errors.Errorf("tensor #%d: element %d is %d, expected %d (lost write)",
						tensorIdx, i, v, expected[tensorIdx]))
					break
				}
			}
		}
		if err = w.ctx.FreePoint(x); err != nil {
			w.fail(errors.WithMessagef(err, "freeing tensor #%d", tensorIdx))
		}
	}
	return w.failures
}

// write runs the writes of one tensor and returns the expected final value.
func (w *workload) write(tensorIdx int, x *flow.AllocationPoint) (expected int64) {
	values := make([]int64, w.width)
	for i := range int64(w.numOps) {
		if i%10 == 9 {
			for j := range values {
				values[j] = i
			}
			if err := device.SetFlatData(w.ctx, x, values); err != nil {
				w.fail(errors.WithMessagef(err, "tensor #%d: host write #%d", tensorIdx, i))
				return
			}
			expected = i
		} else {
			if err := w.ctx.RunKernel(native.OpAddScalar, float64(i), x, x); err != nil {
				w.fail(errors.WithMessagef(err, "tensor #%d: device write #%d", tensorIdx, i))
				return
			}
			expected += i
		}
		w.step()
	}
	return
}

// read copies the tensor numReads times, checking that every copy holds a single value.
func (w *workload) read(tensorIdx int, x *flow.AllocationPoint) {
	copied, err := w.ctx.NewPoint(x.Shape(), flow.DeviceOnly)
	if err != nil {
		w.fail(errors.WithMessagef(err, "tensor #%d: creating reader point", tensorIdx))
		return
	}
	defer func() {
		if err := w.ctx.FreePoint(copied); err != nil {
			w.fail(errors.WithMessagef(err, "tensor #%d: freeing reader point", tensorIdx))
		}
	}()
	for readIdx := range w.numReads() {
		if err = w.ctx.RunKernel(native.OpCopy, 0, copied, x); err != nil {
			w.fail(errors.WithMessagef(err, "tensor #%d: device read #%d", tensorIdx, readIdx))
			return
		}
		err = device.ConstFlatData(w.ctx, copied, func(flat []int64) error {
			for i, v := range flat {
				if v != flat[0] {
					return errors.Errorf("element %d is %d, element 0 is %d (torn read)", i, v, flat[0])
				}
			}
			return nil
		})
		if err != nil {
			w.fail(errors.WithMessagef(err, "tensor #%d: read #%d", tensorIdx, readIdx))
			return
		}
		w.step()
	}
}
