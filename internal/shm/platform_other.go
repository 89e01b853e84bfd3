//go:build !linux

package shm

import (
	"context"
	"errors"
)

// MapRegion allocates the region on the Go heap.
func MapRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	if opts.Size <= 0 {
		return nil, errors.New("invalid region size")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &MappedRegion{Addr: make([]byte, opts.Size)}, nil
}

// UnmapRegion drops the reference to the region.
func UnmapRegion(ctx context.Context, region *MappedRegion) error {
	if region != nil {
		region.Addr = nil
	}
	return nil
}
