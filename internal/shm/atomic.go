package shm

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// word returns the 32-bit word at b[off:off+4]. off must be 4-byte aligned
// relative to an aligned base; misuse is a kernel bug and panics.
func word(b []byte, off int) *uint32 {
	if off < 0 || off+4 > len(b) {
		panic(fmt.Sprintf("shm: word offset %d out of range [0,%d)", off, len(b)))
	}
	p := unsafe.Pointer(&b[off])
	if uintptr(p)%4 != 0 {
		panic(fmt.Sprintf("shm: unaligned word at offset %d", off))
	}
	return (*uint32)(p)
}

// Aligned reports whether b starts on a 4-byte boundary.
func Aligned(b []byte) bool {
	return len(b) == 0 || uintptr(unsafe.Pointer(&b[0]))%4 == 0
}

// AtomicLoadUint32 loads the word at b[off:] atomically.
func AtomicLoadUint32(b []byte, off int) uint32 {
	return atomic.LoadUint32(word(b, off))
}

// AtomicStoreUint32 stores the word at b[off:] atomically.
func AtomicStoreUint32(b []byte, off int, val uint32) {
	atomic.StoreUint32(word(b, off), val)
}

// AtomicCompareAndSwapUint32 swaps old for new at b[off:] and returns the
// value found there, which equals old exactly when the swap happened.
func AtomicCompareAndSwapUint32(b []byte, off int, old, new uint32) uint32 {
	w := word(b, off)
	for {
		if atomic.CompareAndSwapUint32(w, old, new) {
			return old
		}
		if cur := atomic.LoadUint32(w); cur != old {
			return cur
		}
	}
}
