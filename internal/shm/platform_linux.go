//go:build linux

package shm

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// MapRegion maps an anonymous private region (Linux implementation).
func MapRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	if opts.Size <= 0 {
		return nil, errors.New("invalid region size")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.Heap {
		return &MappedRegion{Addr: make([]byte, opts.Size)}, nil
	}
	addr, err := unix.Mmap(-1, 0, opts.Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return &MappedRegion{Addr: addr, mmapped: true}, nil
}

// UnmapRegion releases the region (Linux implementation).
func UnmapRegion(ctx context.Context, region *MappedRegion) error {
	if region == nil || region.Addr == nil {
		return nil
	}
	addr := region.Addr
	region.Addr = nil
	if !region.mmapped {
		return nil
	}
	if err := unix.Munmap(addr); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	return nil
}
