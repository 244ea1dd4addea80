// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xsync

import (
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestLatch(t *testing.T) {
	l := NewLatch()
	require.False(t, l.Test())
	require.False(t, l.WaitTimeout(time.Millisecond))

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Wait()
		}()
	}
	l.Trigger()
	l.Trigger() // Second trigger is a no-op.
	wg.Wait()
	require.True(t, l.Test())
	require.True(t, l.WaitTimeout(time.Millisecond))
}

func TestLatchWithValue(t *testing.T) {
	l := NewLatchWithValue[error]()
	_, ok := l.WaitTimeout(time.Millisecond)
	require.False(t, ok)

	want := errors.New("kernel failed")
	go l.Trigger(want)
	require.Equal(t, want, l.Wait())

	// Only the first value is kept.
	l.Trigger(nil)
	got, ok := l.WaitTimeout(0)
	require.True(t, ok)
	require.Equal(t, want, got)
}

func TestSyncMap(t *testing.T) {
	var m SyncMap[string, int]
	v, loaded := m.LoadOrStore("a", 1)
	require.False(t, loaded)
	require.Equal(t, 1, v)
	v, loaded = m.LoadOrStore("a", 2)
	require.True(t, loaded)
	require.Equal(t, 1, v)
	m.Store("b", 3)
	require.Equal(t, 2, m.Len())

	v, loaded = m.LoadAndDelete("b")
	require.True(t, loaded)
	require.Equal(t, 3, v)
	_, ok := m.Load("b")
	require.False(t, ok)
}
