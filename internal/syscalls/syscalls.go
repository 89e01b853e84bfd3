// Package syscalls decodes system calls from a trapframe and dispatches
// them. Rich internal errors collapse to each call's failure sentinel at
// this boundary after being logged and counted by kind.
package syscalls

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/kernel-shm/api"
	"github.com/srediag/kernel-shm/internal/klog"
	"github.com/srediag/kernel-shm/pkg/proc"
)

// System call numbers. Process creation and reaping carry Go closures and
// have no register encoding; they are not dispatched here.
const (
	SYS_kill               = 6
	SYS_getpid             = 11
	SYS_sbrk               = 12
	SYS_sleep              = 13
	SYS_uptime             = 14
	SYS_map_shared_pages   = 22
	SYS_unmap_shared_pages = 23
)

// Failure is the -1 returned by calls whose result is an integer.
const Failure = ^uint64(0)

var logger = klog.New("syscall", nil)

// Trapframe holds the user registers a system call reads and writes: the
// call number in A7, arguments in A0..A5 and the result in A0.
type Trapframe struct {
	A0, A1, A2, A3, A4, A5 uint64
	A7                     uint64
}

func (tf *Trapframe) arg(n int) uint64 {
	switch n {
	case 0:
		return tf.A0
	case 1:
		return tf.A1
	case 2:
		return tf.A2
	case 3:
		return tf.A3
	case 4:
		return tf.A4
	case 5:
		return tf.A5
	}
	panic(fmt.Sprintf("syscalls: argument %d", n))
}

// argint fetches the nth argument as a 32-bit signed integer.
func argint(tf *Trapframe, n int) int32 {
	return int32(tf.arg(n))
}

// argaddr fetches the nth argument as a user address. Validity is checked
// by whoever dereferences it.
func argaddr(tf *Trapframe, n int) uint64 {
	return tf.arg(n)
}

// Procs is the process lifecycle the dispatcher needs.
type Procs interface {
	Grow(p *proc.Proc, n int) (uint64, error)
	Kill(pid int) error
	Sleep(p *proc.Proc, n int) error
	Ticks() uint64
}

type handler struct {
	name string
	fn   func(d *Dispatcher, ctx context.Context, p *proc.Proc, tf *Trapframe) uint64
}

var handlers = map[uint64]handler{
	SYS_getpid:             {"getpid", sysGetpid},
	SYS_sbrk:               {"sbrk", sysSbrk},
	SYS_kill:               {"kill", sysKill},
	SYS_sleep:              {"sleep", sysSleep},
	SYS_uptime:             {"uptime", sysUptime},
	SYS_map_shared_pages:   {"map_shared_pages", sysMapSharedPages},
	SYS_unmap_shared_pages: {"unmap_shared_pages", sysUnmapSharedPages},
}

// Dispatcher runs system calls for processes.
type Dispatcher struct {
	procs  Procs
	shm    api.SharedMemory
	calls  *prometheus.CounterVec
	errors *prometheus.CounterVec
}

// New returns a dispatcher. A nil registerer leaves its metrics
// unregistered.
func New(procs Procs, shm api.SharedMemory, reg prometheus.Registerer) (*Dispatcher, error) {
	d := &Dispatcher{
		procs: procs,
		shm:   shm,
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kshm",
			Name:      "syscalls_total",
			Help:      "System calls by name.",
		}, []string{"syscall"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kshm",
			Name:      "syscall_errors_total",
			Help:      "Failed system calls by name and error kind.",
		}, []string{"syscall", "kind"}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{d.calls, d.errors} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return d, nil
}

// Syscall runs the call selected by tf.A7 on behalf of p and stores the
// result in tf.A0.
func (d *Dispatcher) Syscall(ctx context.Context, p *proc.Proc, tf *Trapframe) {
	h, ok := handlers[tf.A7]
	if !ok {
		logger.Warnf("%d %s: unknown sys call %d", p.Pid(), p.Name(), tf.A7)
		tf.A0 = Failure
		return
	}
	d.calls.WithLabelValues(h.name).Inc()
	tf.A0 = h.fn(d, ctx, p, tf)
}

func (d *Dispatcher) fail(p *proc.Proc, call string, err error) {
	kind := api.Kind(err)
	d.errors.WithLabelValues(call, kind).Inc()
	logger.Debugf("pid %d %s: %s: %v", p.Pid(), call, kind, err)
}

func sysGetpid(_ *Dispatcher, _ context.Context, p *proc.Proc, _ *Trapframe) uint64 {
	return uint64(p.Pid())
}

func sysSbrk(d *Dispatcher, _ context.Context, p *proc.Proc, tf *Trapframe) uint64 {
	old, err := d.procs.Grow(p, int(argint(tf, 0)))
	if err != nil {
		d.fail(p, "sbrk", err)
		return Failure
	}
	return old
}

func sysKill(d *Dispatcher, _ context.Context, p *proc.Proc, tf *Trapframe) uint64 {
	if err := d.procs.Kill(int(argint(tf, 0))); err != nil {
		d.fail(p, "kill", err)
		return Failure
	}
	return 0
}

func sysSleep(d *Dispatcher, _ context.Context, p *proc.Proc, tf *Trapframe) uint64 {
	n := argint(tf, 0)
	if n < 0 {
		n = 0
	}
	if err := d.procs.Sleep(p, int(n)); err != nil {
		d.fail(p, "sleep", err)
		return Failure
	}
	return 0
}

func sysUptime(d *Dispatcher, _ context.Context, _ *proc.Proc, _ *Trapframe) uint64 {
	return d.procs.Ticks()
}

// sysMapSharedPages returns the destination address, or 0 on failure.
func sysMapSharedPages(d *Dispatcher, ctx context.Context, p *proc.Proc, tf *Trapframe) uint64 {
	src, dst := argint(tf, 0), argint(tf, 1)
	addr := argaddr(tf, 2)
	size := argint(tf, 3)
	if size < 0 {
		d.fail(p, "map_shared_pages", fmt.Errorf("negative size %d: %w", size, api.ErrInvalidArgument))
		return 0
	}
	va, err := d.shm.MapSharedPages(ctx, int(src), int(dst), addr, uint64(size))
	if err != nil {
		d.fail(p, "map_shared_pages", err)
		return 0
	}
	return va
}

// sysUnmapSharedPages returns 0, or -1 on failure.
func sysUnmapSharedPages(d *Dispatcher, ctx context.Context, p *proc.Proc, tf *Trapframe) uint64 {
	pid := argint(tf, 0)
	addr := argaddr(tf, 1)
	size := argint(tf, 2)
	if size < 0 {
		d.fail(p, "unmap_shared_pages", fmt.Errorf("negative size %d: %w", size, api.ErrInvalidArgument))
		return Failure
	}
	if err := d.shm.UnmapSharedPages(ctx, int(pid), addr, uint64(size)); err != nil {
		d.fail(p, "unmap_shared_pages", err)
		return Failure
	}
	return 0
}
