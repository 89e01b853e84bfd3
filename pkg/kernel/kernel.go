// Package kernel boots a simulated machine: a physical frame allocator, a
// process table, the shared memory manager and the system call layer, and
// runs user programs on it.
package kernel

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/kernel-shm/internal/klog"
	"github.com/srediag/kernel-shm/internal/syscalls"
	"github.com/srediag/kernel-shm/pkg/kalloc"
	"github.com/srediag/kernel-shm/pkg/proc"
	"github.com/srediag/kernel-shm/pkg/shm"
	"github.com/srediag/kernel-shm/pkg/vm"
)

var logger = klog.New("kernel", nil)

// Program is a user program. Its return value is the exit status.
type Program func(u *User) int

// Options wires a kernel to its surroundings. Zero values are usable.
type Options struct {
	Console io.Writer
	Meter   metric.Meter
	Tracer  trace.Tracer
}

// Kernel is one booted machine.
type Kernel struct {
	cfg      *Config
	registry *prometheus.Registry
	frames   *kalloc.Allocator
	procs    *proc.Table
	shm      *shm.Manager
	syscalls *syscalls.Dispatcher
	console  *console
	closed   atomic.Bool
}

// New boots a kernel. cfg is verified first.
func New(ctx context.Context, cfg *Config, opts Options) (*Kernel, error) {
	if err := VerifyConfig(cfg); err != nil {
		return nil, fmt.Errorf("kernel: %w", err)
	}
	if lv, err := klog.ParseLevel(cfg.LogLevel); err == nil {
		klog.SetLevel(lv)
	}
	if opts.Console == nil {
		opts.Console = os.Stdout
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	frames, err := kalloc.New(ctx, cfg.NFrames, kalloc.Options{Registerer: reg, Heap: cfg.HeapArena})
	if err != nil {
		return nil, fmt.Errorf("kernel: frames: %w", err)
	}
	procs, err := proc.NewTable(frames, proc.Config{
		NProc:      cfg.NProc,
		UserLimit:  cfg.MaxUserVA,
		Tick:       time.Duration(cfg.TickMillis) * time.Millisecond,
		Registerer: reg,
	})
	if err != nil {
		_ = frames.Close(ctx)
		return nil, fmt.Errorf("kernel: procs: %w", err)
	}
	mgr, err := shm.NewManager(procs, frames, shm.Options{Meter: opts.Meter, Tracer: opts.Tracer})
	if err != nil {
		procs.Close()
		_ = frames.Close(ctx)
		return nil, fmt.Errorf("kernel: shm: %w", err)
	}
	procs.OnExit(mgr.ReleaseProcess)
	sys, err := syscalls.New(procs, mgr, reg)
	if err != nil {
		procs.Close()
		_ = frames.Close(ctx)
		return nil, fmt.Errorf("kernel: syscalls: %w", err)
	}

	logger.Infof("booted: %d frames, %d procs, tick %dms", cfg.NFrames, cfg.NProc, cfg.TickMillis)
	return &Kernel{
		cfg:      cfg,
		registry: reg,
		frames:   frames,
		procs:    procs,
		shm:      mgr,
		syscalls: sys,
		console:  &console{w: opts.Console},
	}, nil
}

func (k *Kernel) Config() *Config                { return k.cfg }
func (k *Kernel) Frames() *kalloc.Allocator      { return k.frames }
func (k *Kernel) Procs() *proc.Table             { return k.procs }
func (k *Kernel) Shm() *shm.Manager              { return k.shm }
func (k *Kernel) Registry() *prometheus.Registry { return k.registry }

// Closed reports whether Shutdown has been called.
func (k *Kernel) Closed() bool { return k.closed.Load() }

// Spawn starts prog as a new parentless process with the configured
// initial size.
func (k *Kernel) Spawn(ctx context.Context, name string, prog Program) (*proc.Proc, error) {
	if k.closed.Load() {
		return nil, fmt.Errorf("kernel: spawn %s after shutdown", name)
	}
	size := uint64(k.cfg.InitialPages) * vm.PGSIZE
	return k.procs.Spawn(name, size, func(p *proc.Proc) int {
		return prog(newUser(ctx, k, p))
	})
}

// Run spawns prog and waits for it to exit.
func (k *Kernel) Run(ctx context.Context, name string, prog Program) (int, error) {
	p, err := k.Spawn(ctx, name, prog)
	if err != nil {
		return -1, err
	}
	select {
	case <-p.Done():
		return p.ExitStatus(), nil
	case <-ctx.Done():
		_ = k.procs.Kill(p.Pid())
		<-p.Done()
		return p.ExitStatus(), ctx.Err()
	}
}

// Shutdown waits for running processes to finish, killing them once ctx
// expires, then releases physical memory. Memory stays mapped if a process
// refuses to die.
func (k *Kernel) Shutdown(ctx context.Context) error {
	if !k.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := k.drain(ctx)
	if err != nil {
		logger.Warnf("shutdown: %v, killing %d processes", err, k.procs.Running())
		for _, info := range k.procs.Snapshot() {
			_ = k.procs.Kill(info.Pid)
		}
		killCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = k.drain(killCtx)
		cancel()
	}
	k.procs.Close()
	if err != nil {
		return fmt.Errorf("kernel: shutdown: %w", err)
	}
	return k.frames.Close(ctx)
}

func (k *Kernel) drain(ctx context.Context) error {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(time.Millisecond),
		backoff.WithMaxInterval(50*time.Millisecond),
		backoff.WithMaxElapsedTime(0),
	)
	return backoff.Retry(func() error {
		if n := k.procs.Running(); n > 0 {
			return fmt.Errorf("%d processes running", n)
		}
		return nil
	}, backoff.WithContext(b, ctx))
}
