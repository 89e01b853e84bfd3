// Package api defines public API contracts for kernel-shm.
package api

import "context"

// SharedMemory is the kernel-side contract for inter-process page sharing.
type SharedMemory interface {
	// MapSharedPages maps the pages covering [addr, addr+size) of srcPid into
	// freshly grown address space of dstPid and returns the destination
	// address of addr.
	MapSharedPages(ctx context.Context, srcPid, dstPid int, addr, size uint64) (uint64, error)
	// UnmapSharedPages removes the mapping of pid that exactly covers
	// [addr, addr+size).
	UnmapSharedPages(ctx context.Context, pid int, addr, size uint64) error
}
