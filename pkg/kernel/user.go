package kernel

import (
	"context"
	"errors"
	"fmt"

	"github.com/valyala/bytebufferpool"

	"github.com/srediag/kernel-shm/internal/syscalls"
	"github.com/srediag/kernel-shm/pkg/proc"
	"github.com/srediag/kernel-shm/pkg/vm"
)

// ErrSyscall is returned by the user library when a system call reports
// failure. The kernel's reason is not visible to user code.
var ErrSyscall = errors.New("system call failed")

// User is the user-space library of one process. Every system call returns
// through a kill checkpoint, so a killed process never resumes its program.
type User struct {
	ctx  context.Context
	k    *Kernel
	p    *proc.Proc
	heap heap
}

func newUser(ctx context.Context, k *Kernel, p *proc.Proc) *User {
	return &User{ctx: ctx, k: k, p: p}
}

func (u *User) syscall(num uint64, args ...uint64) uint64 {
	tf := syscalls.Trapframe{A7: num}
	regs := [...]*uint64{&tf.A0, &tf.A1, &tf.A2, &tf.A3, &tf.A4, &tf.A5}
	for i, a := range args {
		*regs[i] = a
	}
	u.k.syscalls.Syscall(u.ctx, u.p, &tf)
	u.p.Checkpoint()
	return tf.A0
}

// Getpid returns the caller's pid.
func (u *User) Getpid() int {
	return int(u.syscall(syscalls.SYS_getpid))
}

// Sbrk grows or shrinks the process by n bytes and returns the old size.
func (u *User) Sbrk(n int) (uint64, error) {
	old := u.syscall(syscalls.SYS_sbrk, uint64(int64(n)))
	if old == syscalls.Failure {
		return 0, fmt.Errorf("sbrk(%d): %w", n, ErrSyscall)
	}
	return old, nil
}

// Size is sbrk(0).
func (u *User) Size() uint64 {
	sz, _ := u.Sbrk(0)
	return sz
}

// Kill marks pid killed. It dies at its next return from a system call.
func (u *User) Kill(pid int) error {
	if u.syscall(syscalls.SYS_kill, uint64(pid)) != 0 {
		return fmt.Errorf("kill(%d): %w", pid, ErrSyscall)
	}
	return nil
}

// Sleep pauses for ticks scheduler ticks, failing early if killed.
func (u *User) Sleep(ticks int) error {
	if u.syscall(syscalls.SYS_sleep, uint64(ticks)) != 0 {
		return fmt.Errorf("sleep(%d): %w", ticks, ErrSyscall)
	}
	return nil
}

// Uptime returns ticks since boot.
func (u *User) Uptime() uint64 {
	return u.syscall(syscalls.SYS_uptime)
}

// MapSharedPages maps size bytes at addr of srcPid into dstPid and returns
// where they landed in dstPid.
func (u *User) MapSharedPages(srcPid, dstPid int, addr, size uint64) (uint64, error) {
	va := u.syscall(syscalls.SYS_map_shared_pages, uint64(srcPid), uint64(dstPid), addr, size)
	if va == 0 {
		return 0, fmt.Errorf("map_shared_pages(%d, %d, %#x, %d): %w", srcPid, dstPid, addr, size, ErrSyscall)
	}
	return va, nil
}

// UnmapSharedPages removes the shared mapping of pid covering exactly
// [addr, addr+size).
func (u *User) UnmapSharedPages(pid int, addr, size uint64) error {
	if u.syscall(syscalls.SYS_unmap_shared_pages, uint64(pid), addr, size) != 0 {
		return fmt.Errorf("unmap_shared_pages(%d, %#x, %d): %w", pid, addr, size, ErrSyscall)
	}
	return nil
}

// Fork starts child in a copy of this process and returns its pid. The
// child's library state, heap included, is a copy of the parent's.
func (u *User) Fork(child Program) (int, error) {
	heap := u.heap
	p, err := u.k.procs.Fork(u.p, func(cp *proc.Proc) int {
		cu := newUser(u.ctx, u.k, cp)
		cu.heap = heap
		return child(cu)
	})
	u.p.Checkpoint()
	if err != nil {
		logger.Debugf("pid %d fork: %v", u.p.Pid(), err)
		return -1, fmt.Errorf("fork: %w", ErrSyscall)
	}
	return p.Pid(), nil
}

// Wait reaps one exited child.
func (u *User) Wait() (pid, status int, err error) {
	pid, status, err = u.k.procs.Wait(u.p)
	u.p.Checkpoint()
	if err != nil {
		return -1, 0, fmt.Errorf("wait: %w", ErrSyscall)
	}
	return pid, status, nil
}

// Write copies b to user address va.
func (u *User) Write(va uint64, b []byte) error {
	return u.p.PageTable().CopyOut(va, b)
}

// Read copies n bytes from user address va.
func (u *User) Read(va uint64, n int) ([]byte, error) {
	b := make([]byte, n)
	if err := u.p.PageTable().CopyIn(b, va); err != nil {
		return nil, err
	}
	return b, nil
}

// Strcpy writes s and a terminating NUL at va.
func (u *User) Strcpy(va uint64, s string) error {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return u.Write(va, b)
}

// ReadString reads a NUL-terminated string of at most max bytes.
func (u *User) ReadString(va uint64, max int) (string, error) {
	return u.p.PageTable().CopyInString(va, max)
}

// Memset fills n bytes at va with c.
func (u *User) Memset(va uint64, c byte, n int) error {
	b := make([]byte, n)
	if c != 0 {
		for i := range b {
			b[i] = c
		}
	}
	return u.Write(va, b)
}

// PageBytes returns the memory of the page holding va. Writes through it
// are seen by every process the page is shared with.
func (u *User) PageBytes(va uint64) ([]byte, error) {
	b, err := u.p.PageTable().PageBytes(va)
	if err != nil {
		return nil, err
	}
	return b[va-vm.PGROUNDDOWN(va):], nil
}

// Printf writes to the console. Each call is written whole.
func (u *User) Printf(format string, a ...interface{}) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	_, _ = fmt.Fprintf(buf, format, a...)
	_, _ = u.k.console.Write(buf.B)
}
