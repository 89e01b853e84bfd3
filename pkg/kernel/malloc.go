package kernel

import (
	"encoding/binary"
	"fmt"
)

const (
	// every block starts with a header holding its size
	mallocHeader = 16
	// smallest heap extension, in bytes
	mallocMinGrow = 4096 * mallocHeader
)

// heap is a bump allocator over sbrk. The last block can be given back;
// anything else stays allocated until exit.
type heap struct {
	next, end uint64
	last      uint64
}

func roundup(n, to uint64) uint64 {
	return (n + to - 1) / to * to
}

// Malloc returns the address of n fresh bytes.
func (u *User) Malloc(n uint64) (uint64, error) {
	need := mallocHeader + roundup(n, mallocHeader)
	h := &u.heap
	if h.next == 0 || h.next+need > h.end {
		grow := max(need, mallocMinGrow)
		old, err := u.Sbrk(int(grow))
		if err != nil {
			return 0, fmt.Errorf("malloc(%d): %w", n, err)
		}
		if old != h.end {
			// the break moved under us, e.g. a shared mapping was appended
			h.next = roundup(old, mallocHeader)
		}
		h.end = old + grow
	}
	hdr := h.next
	var size [8]byte
	binary.LittleEndian.PutUint64(size[:], need)
	if err := u.Write(hdr, size[:]); err != nil {
		return 0, err
	}
	h.next += need
	h.last = hdr + mallocHeader
	return h.last, nil
}

// Free releases the block at addr when it is the most recent one.
func (u *User) Free(addr uint64) {
	h := &u.heap
	if addr == 0 || addr != h.last {
		return
	}
	h.next = addr - mallocHeader
	h.last = 0
}
