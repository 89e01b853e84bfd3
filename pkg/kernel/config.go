package kernel

import (
	"errors"
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/srediag/kernel-shm/internal/klog"
	"github.com/srediag/kernel-shm/pkg/proc"
	"github.com/srediag/kernel-shm/pkg/vm"
)

const (
	// 128 MiB of physical memory, as on the reference board
	defaultNFrames      = 32768
	defaultInitialPages = 4
	defaultTickMillis   = 10
	maxNProc            = 1024
)

// Config sizes a kernel.
type Config struct {
	// NFrames is the number of physical frames.
	NFrames int `toml:"nframes"`
	// NProc bounds live processes, zombies included.
	NProc int `toml:"nproc"`
	// MaxUserVA is one beyond the highest user address.
	MaxUserVA uint64 `toml:"max_user_va"`
	// InitialPages is the size of a spawned process.
	InitialPages int `toml:"initial_pages"`
	// TickMillis is the scheduler tick used by sleep and uptime.
	TickMillis int `toml:"tick_ms"`
	// LogLevel is a klog level name.
	LogLevel string `toml:"log_level"`
	// HeapArena backs physical memory with the Go heap instead of mmap.
	HeapArena bool `toml:"heap_arena"`
	// AdminAddr is where the admin HTTP surface listens; empty disables it.
	AdminAddr string `toml:"admin_addr"`
}

// DefaultConfig returns the default config.
func DefaultConfig() *Config {
	return &Config{
		NFrames:      defaultNFrames,
		NProc:        proc.NPROC,
		MaxUserVA:    vm.MAXVA,
		InitialPages: defaultInitialPages,
		TickMillis:   defaultTickMillis,
		LogLevel:     "warn",
	}
}

// VerifyConfig checks c for values the kernel cannot boot with.
func VerifyConfig(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.NFrames <= 0 {
		return fmt.Errorf("nframes must be positive, got %d", c.NFrames)
	}
	if c.NProc <= 0 || c.NProc > maxNProc {
		return fmt.Errorf("nproc must be in [1, %d], got %d", maxNProc, c.NProc)
	}
	if c.MaxUserVA < vm.PGSIZE || c.MaxUserVA > vm.MAXVA {
		return fmt.Errorf("max_user_va must be in [%#x, %#x], got %#x", vm.PGSIZE, vm.MAXVA, c.MaxUserVA)
	}
	if c.InitialPages < 0 || uint64(c.InitialPages)*vm.PGSIZE > c.MaxUserVA {
		return fmt.Errorf("initial_pages %d does not fit below max_user_va", c.InitialPages)
	}
	if c.InitialPages > c.NFrames {
		return fmt.Errorf("initial_pages %d exceeds nframes %d", c.InitialPages, c.NFrames)
	}
	if c.TickMillis <= 0 {
		return fmt.Errorf("tick_ms must be positive, got %d", c.TickMillis)
	}
	if _, err := klog.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	need := uint64(c.NFrames) * vm.PGSIZE
	vmem, err := mem.VirtualMemory()
	if err != nil {
		logger.Warnf("cannot read host memory, skipping size check: %v", err)
		return nil
	}
	if need > vmem.Available {
		return fmt.Errorf("physical memory of %d frames needs %d bytes, host has %d available",
			c.NFrames, need, vmem.Available)
	}
	return nil
}
