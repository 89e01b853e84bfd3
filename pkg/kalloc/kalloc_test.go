/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package kalloc

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/kernel-shm/api"
)

func newTestAllocator(t *testing.T, n int) *Allocator {
	t.Helper()
	a, err := New(context.Background(), n, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

func TestAllocExhaustAndFree(t *testing.T) {
	a := newTestAllocator(t, 8)

	var got []PA
	for {
		pa, err := a.Alloc()
		if err != nil {
			assert.True(t, errors.Is(err, api.ErrOutOfMemory))
			break
		}
		assert.Equal(t, PA(0), pa%PGSIZE)
		assert.Equal(t, 1, a.RefCount(pa))
		got = append(got, pa)
	}
	assert.Len(t, got, 8)
	assert.Equal(t, 0, a.NumFree())

	for _, pa := range got {
		assert.True(t, a.DecRef(pa))
	}
	assert.Equal(t, 8, a.NumFree())
}

func TestAllocZeroesFrame(t *testing.T) {
	a := newTestAllocator(t, 1)
	pa, err := a.Alloc()
	require.NoError(t, err)
	copy(a.Bytes(pa), "dirty")
	require.True(t, a.DecRef(pa))

	pa, err = a.Alloc()
	require.NoError(t, err)
	for _, b := range a.Bytes(pa) {
		if b != 0 {
			t.Fatalf("frame not zeroed")
		}
	}
}

func TestRefCountFreesExactlyOnce(t *testing.T) {
	a := newTestAllocator(t, 2)
	pa, err := a.Alloc()
	require.NoError(t, err)

	assert.Equal(t, 2, a.IncRef(pa))
	assert.Equal(t, 3, a.IncRef(pa))
	assert.Equal(t, 1, a.Stats().Shared)

	assert.False(t, a.DecRef(pa))
	assert.False(t, a.DecRef(pa))
	assert.Equal(t, 0, a.Stats().Shared)
	assert.Equal(t, 1, a.NumFree())
	assert.True(t, a.DecRef(pa))
	assert.Equal(t, 2, a.NumFree())

	assert.Panics(t, func() { a.DecRef(pa) })
	assert.Panics(t, func() { a.IncRef(pa) })
}

func TestBadFramePanics(t *testing.T) {
	a := newTestAllocator(t, 2)
	assert.Panics(t, func() { a.RefCount(KERNBASE + 1) })
	assert.Panics(t, func() { a.RefCount(KERNBASE - PGSIZE) })
	assert.Panics(t, func() { a.RefCount(KERNBASE + 2*PGSIZE) })
}

func TestConcurrentRefCounting(t *testing.T) {
	a := newTestAllocator(t, 4)
	pa, err := a.Alloc()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.IncRef(pa)
			a.DecRef(pa)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, a.RefCount(pa))
	assert.True(t, a.DecRef(pa))
	assert.Equal(t, 4, a.NumFree())
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	a, err := New(context.Background(), 4, Options{Registerer: reg, Heap: true})
	require.NoError(t, err)
	defer a.Close(context.Background())

	pa, err := a.Alloc()
	require.NoError(t, err)
	a.IncRef(pa)

	assert.Equal(t, float64(3), gaugeValue(a.metrics.free))
	assert.Equal(t, float64(1), gaugeValue(a.metrics.shared))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["kshm_frames_free"])
	assert.True(t, names["kshm_frame_allocs_total"])

	_, err = New(context.Background(), 4, Options{Registerer: reg, Heap: true})
	assert.Error(t, err, "duplicate registration")
}

func gaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	_ = g.Write(m)
	return m.GetGauge().GetValue()
}

func BenchmarkAllocFree(b *testing.B) {
	a, err := New(context.Background(), 64, Options{Heap: true})
	if err != nil {
		b.Fatal(err)
	}
	defer a.Close(context.Background())
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pa, err := a.Alloc()
		if err != nil {
			b.Fatal(err)
		}
		a.DecRef(pa)
	}
}
