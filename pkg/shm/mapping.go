package shm

import (
	"fmt"

	"github.com/srediag/kernel-shm/pkg/kalloc"
	"github.com/srediag/kernel-shm/pkg/vm"
)

// Mapping records one successful map: Frames[i] backs both SrcVA+i*PGSIZE in
// the source and DstVA+i*PGSIZE in the destination.
type Mapping struct {
	ID     uint64
	SrcPid int
	SrcVA  uint64
	DstPid int
	DstVA  uint64
	Frames []kalloc.PA

	// destination size before the map, restored when the mapping is the
	// topmost region at unmap time
	PrevDstSize uint64
}

// Pages is the number of pages the mapping spans.
func (m *Mapping) Pages() int { return len(m.Frames) }

// DstEnd is one beyond the last destination byte.
func (m *Mapping) DstEnd() uint64 { return m.DstVA + uint64(len(m.Frames))*vm.PGSIZE }

func (m *Mapping) coversDst(start uint64, npages int) bool {
	return m.DstVA == start && len(m.Frames) == npages
}

func (m *Mapping) String() string {
	return fmt.Sprintf("mapping %d: pid %d %#x -> pid %d %#x, %d pages",
		m.ID, m.SrcPid, m.SrcVA, m.DstPid, m.DstVA, len(m.Frames))
}
