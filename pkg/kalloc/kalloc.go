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

// Package kalloc is the physical frame allocator. Frames are fixed PGSIZE
// slices of one arena; every allocated frame carries a reference count and is
// returned to the free list exactly when that count drops to zero.
package kalloc

import (
	"context"
	"fmt"
	"sync"

	"github.com/Workiva/go-datastructures/bitarray"
	queuepkg "github.com/Workiva/go-datastructures/queue"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/kernel-shm/api"
	"github.com/srediag/kernel-shm/internal/klog"
	internalshm "github.com/srediag/kernel-shm/internal/shm"
)

// PGSIZE is the frame size in bytes.
const PGSIZE = 4096

// KERNBASE is the physical address of the first frame.
const KERNBASE = PA(0x80000000)

// PA is a physical address. A frame is identified by the PA of its first byte.
type PA uint64

var logger = klog.New("kalloc", nil)

// Allocator hands out frames from a fixed arena.
//
// The allocator lock is the frame-table lock: it guards the free list, the
// allocation bitmap and every reference count.
type Allocator struct {
	mu      sync.Mutex
	region  *internalshm.MappedRegion
	nframes int
	free    *queuepkg.Queue
	used    bitarray.BitArray
	refs    []int32
	shared  int
	metrics *metrics
}

// Options tunes New.
type Options struct {
	// Registerer receives the allocator's collectors; nil skips registration.
	Registerer prometheus.Registerer
	// Heap backs the arena with Go memory instead of an anonymous mapping.
	Heap bool
}

// New maps an arena of nframes frames and puts every frame on the free list.
func New(ctx context.Context, nframes int, opts Options) (*Allocator, error) {
	if nframes <= 0 {
		return nil, fmt.Errorf("kalloc: %d frames: %w", nframes, api.ErrInvalidArgument)
	}
	region, err := internalshm.MapRegion(ctx, internalshm.MapOptions{Size: nframes * PGSIZE, Heap: opts.Heap})
	if err != nil {
		return nil, fmt.Errorf("kalloc: map arena: %w", err)
	}
	a := &Allocator{
		region:  region,
		nframes: nframes,
		free:    queuepkg.New(int64(nframes)),
		used:    bitarray.NewBitArray(uint64(nframes)),
		refs:    make([]int32, nframes),
		metrics: newMetrics(),
	}
	for i := 0; i < nframes; i++ {
		if err := a.free.Put(i); err != nil {
			_ = internalshm.UnmapRegion(ctx, region)
			return nil, fmt.Errorf("kalloc: freerange: %w", err)
		}
	}
	if opts.Registerer != nil {
		if err := a.metrics.register(opts.Registerer); err != nil {
			_ = internalshm.UnmapRegion(ctx, region)
			return nil, err
		}
	}
	a.metrics.free.Set(float64(nframes))
	logger.Infof("kinit: %d frames [%#x, %#x)", nframes, uint64(KERNBASE), uint64(a.end()))
	return a, nil
}

// Close unmaps the arena. Frames still referenced are reported, not freed.
func (a *Allocator) Close(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n := a.nframes - int(a.free.Len()); n > 0 {
		logger.Warnf("close with %d frames still allocated", n)
	}
	a.free.Dispose()
	return internalshm.UnmapRegion(ctx, a.region)
}

func (a *Allocator) end() PA {
	return KERNBASE + PA(a.nframes)*PGSIZE
}

func (a *Allocator) index(pa PA) int {
	if pa%PGSIZE != 0 || pa < KERNBASE || pa >= a.end() {
		panic(fmt.Sprintf("kalloc: bad frame %#x", uint64(pa)))
	}
	return int((pa - KERNBASE) / PGSIZE)
}

// Alloc returns a zeroed frame with reference count 1.
func (a *Allocator) Alloc() (PA, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.free.Len() == 0 {
		a.metrics.failures.Inc()
		return 0, fmt.Errorf("kalloc: no free frames: %w", api.ErrOutOfMemory)
	}
	items, err := a.free.Get(1)
	if err != nil || len(items) == 0 {
		return 0, fmt.Errorf("kalloc: free list: %v: %w", err, api.ErrOutOfMemory)
	}
	idx := items[0].(int)
	if set, _ := a.used.GetBit(uint64(idx)); set {
		panic(fmt.Sprintf("kalloc: frame %d on free list while in use", idx))
	}
	_ = a.used.SetBit(uint64(idx))
	a.refs[idx] = 1
	clear(a.page(idx))
	a.metrics.allocs.Inc()
	a.metrics.free.Dec()
	return KERNBASE + PA(idx)*PGSIZE, nil
}

// IncRef adds a reference to an allocated frame and returns the new count.
func (a *Allocator) IncRef(pa PA) int {
	idx := a.index(pa)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.refs[idx] <= 0 {
		panic(fmt.Sprintf("kalloc: incref of free frame %#x", uint64(pa)))
	}
	a.refs[idx]++
	if a.refs[idx] == 2 {
		a.shared++
		a.metrics.shared.Inc()
	}
	return int(a.refs[idx])
}

// DecRef drops a reference and frees the frame when none remain. It reports
// whether the frame went back to the free list.
func (a *Allocator) DecRef(pa PA) bool {
	idx := a.index(pa)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.refs[idx] <= 0 {
		panic(fmt.Sprintf("kalloc: decref of free frame %#x", uint64(pa)))
	}
	a.refs[idx]--
	switch a.refs[idx] {
	case 1:
		a.shared--
		a.metrics.shared.Dec()
		return false
	case 0:
	default:
		return false
	}
	// junk fill to surface dangling references
	page := a.page(idx)
	for i := range page {
		page[i] = 1
	}
	_ = a.used.ClearBit(uint64(idx))
	if err := a.free.Put(idx); err != nil {
		panic(fmt.Sprintf("kalloc: free list: %v", err))
	}
	a.metrics.frees.Inc()
	a.metrics.free.Inc()
	return true
}

// RefCount returns the live references to pa; zero means free.
func (a *Allocator) RefCount(pa PA) int {
	idx := a.index(pa)
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.refs[idx])
}

// Bytes returns the frame's memory. The slice aliases the arena: writes are
// visible through every address space the frame is installed in.
func (a *Allocator) Bytes(pa PA) []byte {
	return a.page(a.index(pa))
}

func (a *Allocator) page(idx int) []byte {
	off := idx * PGSIZE
	return a.region.Addr[off : off+PGSIZE : off+PGSIZE]
}

// Stats is a point-in-time view of the frame table.
type Stats struct {
	Total  int
	Free   int
	Shared int
}

// Stats returns the current frame counts.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{Total: a.nframes, Free: int(a.free.Len()), Shared: a.shared}
}

// NumFree returns the number of free frames.
func (a *Allocator) NumFree() int {
	return a.Stats().Free
}
