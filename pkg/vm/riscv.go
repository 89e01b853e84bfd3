package vm

import "github.com/srediag/kernel-shm/pkg/kalloc"

// PGSIZE is the page size in bytes.
const PGSIZE = kalloc.PGSIZE
const PGSHIFT = 12

// MAXVA is one beyond the highest Sv39 virtual address.
const MAXVA = uint64(1) << 38

const (
	PTE_V = 1 << 0 // Valid
	PTE_R = 1 << 1 // Readable
	PTE_W = 1 << 2 // Writable
	PTE_X = 1 << 3 // Executable
	PTE_U = 1 << 4 // User
	PTE_G = 1 << 5 // Global
	PTE_A = 1 << 6 // Accessed
	PTE_D = 1 << 7 // Dirty
	PTE_S = 1 << 8 // Shared: borrowed binding, the frame is owned elsewhere (RSW bit)
)

type PTE uint64

func PA2PTE(pa kalloc.PA) PTE { return PTE((uint64(pa) >> PGSHIFT) << 10) }
func PTE2PA(pte PTE) kalloc.PA { return kalloc.PA((uint64(pte) >> 10) << PGSHIFT) }
func PTE_FLAGS(pte PTE) uint64 { return uint64(pte) & 0x3FF }

func (pte PTE) Valid() bool  { return pte&PTE_V != 0 }
func (pte PTE) User() bool   { return pte&PTE_U != 0 }
func (pte PTE) Shared() bool { return pte&PTE_S != 0 }

func PGROUNDUP(a uint64) uint64   { return (a + PGSIZE - 1) &^ (PGSIZE - 1) }
func PGROUNDDOWN(a uint64) uint64 { return a &^ (PGSIZE - 1) }

// PageRange returns the page-aligned span covering [va, va+size) and its
// page count. ok is false when the span overflows.
func PageRange(va, size uint64) (start uint64, npages int, ok bool) {
	end := va + size
	if end < va || end > MAXVA {
		return 0, 0, false
	}
	start = PGROUNDDOWN(va)
	return start, int((PGROUNDUP(end) - start) / PGSIZE), true
}
