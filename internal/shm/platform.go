// Package shm contains platform-specific helpers for the simulated physical
// memory: mapping the arena that backs every frame, and word-sized atomics
// over bytes that several address spaces share.
package shm

// MappedRegion is the byte arena standing in for physical RAM.
type MappedRegion struct {
	Addr []byte
	// mmapped is set when Addr came from the OS and must be unmapped.
	mmapped bool
}

// MapOptions defines options for mapping the arena.
type MapOptions struct {
	// Size in bytes; rounded up by the OS to its page size when mmapped.
	Size int
	// Heap forces a Go heap allocation even where mmap is available.
	Heap bool
}

// Function implementations are provided in platform-specific files (platform_linux.go, platform_other.go).
