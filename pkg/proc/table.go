package proc

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/kernel-shm/api"
	"github.com/srediag/kernel-shm/internal/klog"
	"github.com/srediag/kernel-shm/pkg/vm"
)

// NPROC is the default process table size.
const NPROC = 64

var logger = klog.New("proc", nil)

// Task is the body of a process. Its return value is the exit status.
type Task func(p *Proc) int

// ExitHook runs while an exiting process is locked and already marked
// ZOMBIE, before its address space is destroyed. Hooks must not block or
// take other process locks.
type ExitHook func(p *Proc)

// Config sizes a Table.
type Config struct {
	NProc      int
	UserLimit  uint64
	Tick       time.Duration
	Registerer prometheus.Registerer
}

// Table is the process directory and scheduler.
type Table struct {
	procs   cmap.ConcurrentMap[int, *Proc]
	nextpid atomic.Int64
	slots   atomic.Int32
	running atomic.Int32

	nproc  int
	limit  uint64
	tick   time.Duration
	boot   time.Time
	frames vm.Frames
	pool   *ants.Pool

	hooksMu sync.RWMutex
	hooks   []ExitHook

	// waitMu guards parent/children links and exited flags
	waitMu   sync.Mutex
	waitCond *sync.Cond

	procGauge prometheus.Gauge
}

// NewTable creates an empty directory. The worker pool has one worker per
// process slot.
func NewTable(frames vm.Frames, cfg Config) (*Table, error) {
	if cfg.NProc <= 0 {
		cfg.NProc = NPROC
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 10 * time.Millisecond
	}
	pool, err := ants.NewPool(cfg.NProc, ants.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("proc: scheduler pool: %w", err)
	}
	t := &Table{
		procs: cmap.NewWithCustomShardingFunction[int, *Proc](func(pid int) uint32 {
			return uint32(pid)
		}),
		nproc:  cfg.NProc,
		limit:  cfg.UserLimit,
		tick:   cfg.Tick,
		boot:   time.Now(),
		frames: frames,
		pool:   pool,
		procGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kshm",
			Name:      "procs",
			Help:      "Allocated process slots, zombies included.",
		}),
	}
	t.waitCond = sync.NewCond(&t.waitMu)
	if cfg.Registerer != nil {
		if err := cfg.Registerer.Register(t.procGauge); err != nil {
			pool.Release()
			return nil, err
		}
	}
	return t, nil
}

// Close stops the scheduler. Running tasks finish on their own.
func (t *Table) Close() {
	t.pool.Release()
}

// OnExit registers a hook run by every exiting process.
func (t *Table) OnExit(h ExitHook) {
	t.hooksMu.Lock()
	t.hooks = append(t.hooks, h)
	t.hooksMu.Unlock()
}

// Lookup resolves pid to a live process. Exited and unknown pids report
// false. Liveness must be re-checked under the process lock.
func (t *Table) Lookup(pid int) (*Proc, bool) {
	p, ok := t.procs.Get(pid)
	if !ok {
		return nil, false
	}
	switch p.State() {
	case UNUSED, ZOMBIE:
		return nil, false
	}
	return p, true
}

// Ticks is the number of scheduler ticks since the table was created.
func (t *Table) Ticks() uint64 {
	return uint64(time.Since(t.boot) / t.tick)
}

// Running counts processes that have not finished exiting.
func (t *Table) Running() int {
	return int(t.running.Load())
}

// Info describes a process for diagnostics.
type Info struct {
	Pid   int
	Name  string
	State string
	Size  uint64
}

// Snapshot lists every allocated process.
func (t *Table) Snapshot() []Info {
	out := make([]Info, 0, t.procs.Count())
	t.procs.IterCb(func(pid int, p *Proc) {
		p.mu.Lock()
		out = append(out, Info{Pid: pid, Name: p.name, State: p.State().String(), Size: p.sz})
		p.mu.Unlock()
	})
	return out
}

func (t *Table) alloc(name string) (*Proc, error) {
	if n := t.slots.Add(1); int(n) > t.nproc {
		t.slots.Add(-1)
		return nil, fmt.Errorf("proc: table full (%d): %w", t.nproc, api.ErrOutOfMemory)
	}
	pt, err := vm.New(t.frames, t.limit)
	if err != nil {
		t.slots.Add(-1)
		return nil, err
	}
	p := &Proc{
		pid:       int(t.nextpid.Add(1)),
		name:      name,
		pagetable: pt,
		children:  make(map[int]*Proc),
		done:      make(chan struct{}),
	}
	p.setState(USED)
	t.procs.Set(p.pid, p)
	t.procGauge.Inc()
	return p, nil
}

// free releases a process that never ran.
func (t *Table) free(p *Proc) {
	p.mu.Lock()
	if p.pagetable != nil {
		p.pagetable.Destroy()
		p.pagetable = nil
	}
	p.sz = 0
	p.setState(UNUSED)
	p.mu.Unlock()
	t.procs.Remove(p.pid)
	t.slots.Add(-1)
	t.procGauge.Dec()
	close(p.done)
}

// Spawn creates a parentless process with size bytes of zeroed memory.
func (t *Table) Spawn(name string, size uint64, fn Task) (*Proc, error) {
	p, err := t.alloc(name)
	if err != nil {
		return nil, err
	}
	sz, err := p.pagetable.Grow(0, size, vm.PTE_W)
	if err != nil {
		t.free(p)
		return nil, err
	}
	p.sz = sz
	if err := t.start(p, fn); err != nil {
		return nil, err
	}
	return p, nil
}

// Fork creates a child of parent with a private copy of its memory.
func (t *Table) Fork(parent *Proc, fn Task) (*Proc, error) {
	child, err := t.alloc(parent.name)
	if err != nil {
		return nil, err
	}
	parent.mu.Lock()
	if !parent.Alive() {
		parent.mu.Unlock()
		t.free(child)
		return nil, fmt.Errorf("fork from pid %d: %w", parent.pid, api.ErrKilled)
	}
	err = parent.pagetable.CopyTo(child.pagetable, parent.sz)
	child.sz = parent.sz
	parent.mu.Unlock()
	if err != nil {
		t.free(child)
		return nil, err
	}

	t.waitMu.Lock()
	child.parent = parent
	parent.children[child.pid] = child
	t.waitMu.Unlock()

	if err := t.start(child, fn); err != nil {
		return nil, err
	}
	return child, nil
}

func (t *Table) start(p *Proc, fn Task) error {
	p.setState(RUNNABLE)
	t.running.Add(1)
	err := t.pool.Submit(func() {
		t.exit(p, t.run(p, fn))
	})
	if err != nil {
		t.exit(p, -1)
		return fmt.Errorf("proc: schedule pid %d: %w", p.pid, err)
	}
	return nil
}

func (t *Table) run(p *Proc, fn Task) (status int) {
	defer func() {
		if r := recover(); r != nil {
			status = -1
			if _, ok := r.(killedExit); ok {
				logger.Debugf("pid %d killed", p.pid)
				return
			}
			logger.Errorf("pid %d (%s) crashed: %v\n%s", p.pid, p.name, r, debug.Stack())
		}
	}()
	p.setState(RUNNING)
	return fn(p)
}

// exit tears p down: hooks first, then the address space, then the
// wait-side bookkeeping. Parentless processes are reaped immediately.
func (t *Table) exit(p *Proc, status int) {
	p.mu.Lock()
	p.xstate = status
	p.setState(ZOMBIE)
	t.hooksMu.RLock()
	hooks := t.hooks
	t.hooksMu.RUnlock()
	for _, h := range hooks {
		h(p)
	}
	if p.pagetable != nil {
		p.pagetable.Destroy()
		p.pagetable = nil
	}
	p.sz = 0
	p.mu.Unlock()

	t.waitMu.Lock()
	p.exited = true
	for _, c := range p.children {
		c.parent = nil
		if c.exited {
			t.reapLocked(c)
		}
	}
	p.children = nil
	if p.parent == nil {
		t.reapLocked(p)
	}
	t.waitCond.Broadcast()
	t.waitMu.Unlock()

	logger.Debugf("pid %d exit %d", p.pid, status)
	t.running.Add(-1)
	close(p.done)
}

// reapLocked frees the slot of an exited process. t.waitMu must be held.
func (t *Table) reapLocked(p *Proc) {
	if p.parent != nil {
		delete(p.parent.children, p.pid)
		p.parent = nil
	}
	p.setState(UNUSED)
	t.procs.Remove(p.pid)
	t.slots.Add(-1)
	t.procGauge.Dec()
}

// Wait blocks until a child of p exits, reaps it and returns its pid and
// status.
func (t *Table) Wait(p *Proc) (pid int, status int, err error) {
	t.waitMu.Lock()
	defer t.waitMu.Unlock()
	for {
		if len(p.children) == 0 {
			return -1, 0, fmt.Errorf("wait pid %d: %w", p.pid, errNoChildren)
		}
		for pid, c := range p.children {
			if c.exited {
				// xstate was written before exited, both ordered by waitMu
				status := c.xstate
				t.reapLocked(c)
				return pid, status, nil
			}
		}
		if p.Killed() {
			return -1, 0, fmt.Errorf("wait pid %d: %w", p.pid, api.ErrKilled)
		}
		t.waitCond.Wait()
	}
}

// Kill marks pid for termination. It takes effect at the process's next
// checkpoint; an operation holding its lock completes first.
func (t *Table) Kill(pid int) error {
	p, ok := t.Lookup(pid)
	if !ok {
		return fmt.Errorf("kill pid %d: %w", pid, api.ErrNotFound)
	}
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()

	t.waitMu.Lock()
	t.waitCond.Broadcast()
	t.waitMu.Unlock()
	return nil
}

// Sleep suspends p for n ticks, returning early if p is killed.
func (t *Table) Sleep(p *Proc, n int) error {
	p.mu.Lock()
	p.setState(SLEEPING)
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.setState(RUNNING)
		p.mu.Unlock()
	}()

	ticker := time.NewTicker(t.tick)
	defer ticker.Stop()
	for i := 0; i < n; i++ {
		if p.Killed() {
			return fmt.Errorf("sleep pid %d: %w", p.pid, api.ErrKilled)
		}
		<-ticker.C
	}
	return nil
}

// Grow changes p's size by n bytes like sbrk and returns the old size.
func (t *Table) Grow(p *Proc, n int) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.Alive() {
		return 0, fmt.Errorf("grow pid %d: %w", p.pid, api.ErrKilled)
	}
	old := p.sz
	var err error
	switch {
	case n > 0:
		p.sz, err = p.pagetable.Grow(old, old+uint64(n), vm.PTE_W)
	case n < 0:
		if uint64(-n) > old {
			return old, fmt.Errorf("shrink pid %d by %d: %w", p.pid, -n, api.ErrInvalidArgument)
		}
		p.sz, err = p.pagetable.Shrink(old, old-uint64(-n))
	}
	if err != nil {
		return old, err
	}
	return old, nil
}

// IsNoChildren reports a Wait with nothing to wait for.
func IsNoChildren(err error) bool {
	return errors.Is(err, errNoChildren)
}
