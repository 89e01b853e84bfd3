// Package proc is the process directory: pid lookup returning an explicit
// optional handle, per-process locks with a fixed pair order, and the
// process lifecycle (spawn, fork, exit with hooks, wait, kill, sleep, heap
// growth) over goroutines scheduled on a bounded worker pool.
package proc

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/srediag/kernel-shm/api"
	"github.com/srediag/kernel-shm/pkg/vm"
)

// State is where a process is in its lifecycle.
type State int32

const (
	UNUSED State = iota
	USED
	SLEEPING
	RUNNABLE
	RUNNING
	ZOMBIE
)

var stateNames = [...]string{"unused", "used", "sleeping", "runnable", "running", "zombie"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int32(s))
	}
	return stateNames[s]
}

// Proc is one process.
type Proc struct {
	mu sync.Mutex

	// mu must be held when using these:
	killed    bool
	sz        uint64 // user address space high-water mark
	pagetable *vm.PageTable
	xstate    int

	// written with mu held, readable without it
	state atomic.Int32

	// immutable after allocation
	pid  int
	name string

	// Table.waitMu must be held when using these:
	parent   *Proc
	children map[int]*Proc
	exited   bool

	done chan struct{}
}

func (p *Proc) Pid() int     { return p.pid }
func (p *Proc) Name() string { return p.name }

// State returns a snapshot; it may change as soon as it is read.
func (p *Proc) State() State { return State(p.state.Load()) }

func (p *Proc) setState(s State) { p.state.Store(int32(s)) }

func (p *Proc) Lock()   { p.mu.Lock() }
func (p *Proc) Unlock() { p.mu.Unlock() }

// Alive reports whether p can still take part in an operation. p.mu must be
// held so the answer stays true until it is released.
func (p *Proc) Alive() bool {
	switch p.State() {
	case USED, SLEEPING, RUNNABLE, RUNNING:
		return !p.killed
	}
	return false
}

// Size returns the address space size. p.mu must be held.
func (p *Proc) Size() uint64 { return p.sz }

// SetSize records a new address space size. p.mu must be held.
func (p *Proc) SetSize(sz uint64) { p.sz = sz }

// PageTable returns p's address space. It is stable while p runs; other
// processes must hold p.mu.
func (p *Proc) PageTable() *vm.PageTable { return p.pagetable }

// Killed reports whether p has been marked for termination.
func (p *Proc) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// Done is closed once p has exited and its address space is gone.
func (p *Proc) Done() <-chan struct{} { return p.done }

// ExitStatus is valid after Done is closed.
func (p *Proc) ExitStatus() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.xstate
}

type killedExit struct{}

// Checkpoint ends the calling process if it has been killed. It must only be
// called from p's own task, at a point where no kernel lock is held.
func (p *Proc) Checkpoint() {
	if p.Killed() {
		panic(killedExit{})
	}
}

// LockPair locks a and b in ascending pid order and returns the matching
// unlock. The same process passed twice is locked once.
func LockPair(a, b *Proc) (unlock func()) {
	if a == b {
		a.mu.Lock()
		return a.mu.Unlock
	}
	first, second := a, b
	if b.pid < a.pid {
		first, second = b, a
	}
	first.mu.Lock()
	second.mu.Lock()
	return func() {
		second.mu.Unlock()
		first.mu.Unlock()
	}
}

var errNoChildren = fmt.Errorf("no children: %w", api.ErrNotFound)
