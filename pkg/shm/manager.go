package shm

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/srediag/kernel-shm/api"
	"github.com/srediag/kernel-shm/internal/klog"
	"github.com/srediag/kernel-shm/pkg/kalloc"
	"github.com/srediag/kernel-shm/pkg/proc"
	"github.com/srediag/kernel-shm/pkg/vm"
)

const instrumentationName = "github.com/srediag/kernel-shm/pkg/shm"

var logger = klog.New("shm", nil)

// Directory resolves pids to live processes.
type Directory interface {
	Lookup(pid int) (*proc.Proc, bool)
}

// Frames adjusts frame reference counts.
type Frames interface {
	IncRef(pa kalloc.PA) int
	DecRef(pa kalloc.PA) bool
}

// Options configures telemetry. Nil fields fall back to noop providers.
type Options struct {
	Meter  metric.Meter
	Tracer trace.Tracer
}

// Manager implements map and unmap of shared pages and the exit-time
// release of borrowed frames.
type Manager struct {
	dir     Directory
	frames  Frames
	reg     *Registry
	tracer  trace.Tracer
	metrics *metrics
}

var _ api.SharedMemory = (*Manager)(nil)

// NewManager returns a manager resolving pids through dir and counting
// frame references in frames. Zero Options use noop telemetry.
func NewManager(dir Directory, frames Frames, opts Options) (*Manager, error) {
	if opts.Meter == nil {
		opts.Meter = metricnoop.NewMeterProvider().Meter(instrumentationName)
	}
	if opts.Tracer == nil {
		opts.Tracer = tracenoop.NewTracerProvider().Tracer(instrumentationName)
	}
	m, err := newMetrics(opts.Meter)
	if err != nil {
		return nil, fmt.Errorf("shm: metrics: %w", err)
	}
	return &Manager{
		dir:     dir,
		frames:  frames,
		reg:     NewRegistry(),
		tracer:  opts.Tracer,
		metrics: m,
	}, nil
}

// Registry exposes the mapping bookkeeping for diagnostics.
func (m *Manager) Registry() *Registry {
	return m.reg
}

// Map shares the pages covering [srcVA, srcVA+size) of srcPid with dstPid.
// They are appended to the destination address space and the address
// corresponding to srcVA is returned. On error nothing has changed.
func (m *Manager) Map(ctx context.Context, srcPid, dstPid int, srcVA, size uint64) (uint64, error) {
	ctx, span := m.tracer.Start(ctx, "shm.Map", trace.WithAttributes(
		attribute.Int("shm.src_pid", srcPid),
		attribute.Int("shm.dst_pid", dstPid),
		attribute.Int64("shm.size", int64(size)),
	))
	defer span.End()
	m.metrics.maps.Add(ctx, 1)

	va, npages, err := m.mapPages(srcPid, dstPid, srcVA, size)
	if err != nil {
		m.metrics.fail(ctx, "map", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, api.Kind(err))
		logger.Debugf("map %d->%d %#x+%d: %v", srcPid, dstPid, srcVA, size, err)
		return 0, err
	}
	m.metrics.pages.Add(ctx, int64(npages))
	span.SetAttributes(attribute.Int64("shm.dst_va", int64(va)))
	return va, nil
}

func (m *Manager) mapPages(srcPid, dstPid int, srcVA, size uint64) (uint64, int, error) {
	if size == 0 {
		return 0, 0, fmt.Errorf("map empty range: %w", api.ErrInvalidArgument)
	}
	start, npages, ok := vm.PageRange(srcVA, size)
	if !ok {
		return 0, 0, fmt.Errorf("map %#x+%d overflows: %w", srcVA, size, api.ErrInvalidArgument)
	}
	src, ok := m.dir.Lookup(srcPid)
	if !ok {
		return 0, 0, fmt.Errorf("map source pid %d: %w", srcPid, api.ErrNotFound)
	}
	dst, ok := m.dir.Lookup(dstPid)
	if !ok {
		return 0, 0, fmt.Errorf("map destination pid %d: %w", dstPid, api.ErrNotFound)
	}

	unlock := proc.LockPair(src, dst)
	defer unlock()
	if !src.Alive() {
		return 0, 0, fmt.Errorf("map source pid %d: %w", srcPid, api.ErrKilled)
	}
	if !dst.Alive() {
		return 0, 0, fmt.Errorf("map destination pid %d: %w", dstPid, api.ErrKilled)
	}

	if srcVA+size > src.Size() {
		return 0, 0, fmt.Errorf("map %#x+%d beyond pid %d size %#x: %w",
			srcVA, size, srcPid, src.Size(), api.ErrInvalidArgument)
	}
	spt, dpt := src.PageTable(), dst.PageTable()
	frames := make([]kalloc.PA, npages)
	perms := make([]uint64, npages)
	for i := range frames {
		a := start + uint64(i)*vm.PGSIZE
		pte, ok := spt.Lookup(a)
		if !ok || !pte.User() {
			return 0, 0, fmt.Errorf("map pid %d page %#x not resident: %w", srcPid, a, api.ErrInvalidArgument)
		}
		frames[i] = vm.PTE2PA(pte)
		perms[i] = vm.PTE_FLAGS(pte) &^ (vm.PTE_V | vm.PTE_A | vm.PTE_D | vm.PTE_S)
	}

	prev := dst.Size()
	base := vm.PGROUNDUP(prev)
	end := base + uint64(npages)*vm.PGSIZE
	if base < prev || end < base || end > dpt.Limit() {
		return 0, 0, fmt.Errorf("map %d pages into pid %d at %#x: %w", npages, dstPid, base, api.ErrOutOfMemory)
	}
	// address 0 is the failure value of the system call
	if base == 0 {
		return 0, 0, fmt.Errorf("map into pid %d with empty address space: %w", dstPid, api.ErrInvalidArgument)
	}

	for i, pa := range frames {
		m.frames.IncRef(pa)
		if err := dpt.Install(base+uint64(i)*vm.PGSIZE, pa, perms[i]|vm.PTE_S); err != nil {
			m.frames.DecRef(pa)
			m.release(dpt, base, frames[:i])
			dpt.Prune(base, i+1)
			return 0, 0, fmt.Errorf("map into pid %d: %w", dstPid, err)
		}
	}
	dst.SetSize(end)
	mp := &Mapping{
		SrcPid:      srcPid,
		SrcVA:       start,
		DstPid:      dstPid,
		DstVA:       base,
		Frames:      frames,
		PrevDstSize: prev,
	}
	m.reg.Register(mp)
	logger.Tracef("%v", mp)
	return base + (srcVA - start), npages, nil
}

// release removes the entries for frames starting at base and drops the
// references they held.
func (m *Manager) release(pt *vm.PageTable, base uint64, frames []kalloc.PA) {
	for i, pa := range frames {
		pt.Remove(base + uint64(i)*vm.PGSIZE)
		m.frames.DecRef(pa)
	}
}

// Unmap removes the mapping whose destination is pid and whose pages are
// exactly those covering [va, va+size).
func (m *Manager) Unmap(ctx context.Context, pid int, va, size uint64) error {
	ctx, span := m.tracer.Start(ctx, "shm.Unmap", trace.WithAttributes(
		attribute.Int("shm.pid", pid),
		attribute.Int64("shm.va", int64(va)),
		attribute.Int64("shm.size", int64(size)),
	))
	defer span.End()
	m.metrics.unmaps.Add(ctx, 1)

	npages, err := m.unmapPages(pid, va, size)
	if err != nil {
		m.metrics.fail(ctx, "unmap", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, api.Kind(err))
		logger.Debugf("unmap %d %#x+%d: %v", pid, va, size, err)
		return err
	}
	m.metrics.pages.Add(ctx, -int64(npages))
	return nil
}

func (m *Manager) unmapPages(pid int, va, size uint64) (int, error) {
	if size == 0 {
		return 0, fmt.Errorf("unmap empty range: %w", api.ErrInvalidArgument)
	}
	p, ok := m.dir.Lookup(pid)
	if !ok {
		return 0, fmt.Errorf("unmap pid %d: %w", pid, api.ErrNotFound)
	}
	p.Lock()
	defer p.Unlock()
	if !p.Alive() {
		return 0, fmt.Errorf("unmap pid %d: %w", pid, api.ErrKilled)
	}
	mp, ok := m.reg.FindByRange(pid, va, size)
	if !ok {
		return 0, fmt.Errorf("unmap pid %d: no shared mapping at %#x+%d: %w", pid, va, size, api.ErrInvalidArgument)
	}

	m.release(p.PageTable(), mp.DstVA, mp.Frames)
	m.reg.Remove(mp)
	// only the topmost region gives its address space back
	if mp.DstEnd() == p.Size() {
		p.SetSize(mp.PrevDstSize)
	}
	logger.Tracef("unmapped %v", mp)
	return mp.Pages(), nil
}

// MapSharedPages implements api.SharedMemory.
func (m *Manager) MapSharedPages(ctx context.Context, srcPid, dstPid int, addr, size uint64) (uint64, error) {
	return m.Map(ctx, srcPid, dstPid, addr, size)
}

// UnmapSharedPages implements api.SharedMemory.
func (m *Manager) UnmapSharedPages(ctx context.Context, pid int, addr, size uint64) error {
	return m.Unmap(ctx, pid, addr, size)
}

// ReleaseProcess is the exit hook. It runs with p locked and already
// exiting, before p's address space is destroyed. Frames p borrowed lose
// its reference; mappings p lent stay registered under their destination.
func (m *Manager) ReleaseProcess(p *proc.Proc) {
	pid := p.Pid()
	var pages int
	for _, mp := range m.reg.AllMappingsOf(pid) {
		if mp.DstPid != pid {
			continue
		}
		for _, pa := range mp.Frames {
			m.frames.DecRef(pa)
		}
		pages += mp.Pages()
		m.reg.Remove(mp)
	}
	m.reg.Forget(pid)
	if pages > 0 {
		ctx := context.Background()
		m.metrics.reclaimed.Add(ctx, int64(pages))
		m.metrics.pages.Add(ctx, -int64(pages))
		logger.Debugf("pid %d exit released %d shared pages", pid, pages)
	}
}
