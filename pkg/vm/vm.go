// Package vm implements per-process page tables over kalloc frames: install,
// lookup and removal of user mappings, heap growth and shrink, fork copy,
// teardown and user memory access.
//
// The table is two levels deep. The root and every leaf table page are
// charged to the frame allocator, so installing a mapping can run out of
// memory just like a hardware page-table walk.
package vm

import (
	"fmt"
	"sort"
	"sync"

	"github.com/srediag/kernel-shm/api"
	"github.com/srediag/kernel-shm/pkg/kalloc"
)

const (
	leafShift   = PGSHIFT + 9
	leafEntries = 1 << 9
)

// Frames is the slice of the frame allocator a page table needs.
type Frames interface {
	Alloc() (kalloc.PA, error)
	DecRef(pa kalloc.PA) bool
	Bytes(pa kalloc.PA) []byte
}

// PageTable is one address space.
//
// mu guards the table structure only; the bytes of mapped frames are shared
// memory and are not protected by it.
type PageTable struct {
	mu     sync.RWMutex
	frames Frames
	limit  uint64
	root   kalloc.PA
	leaves map[uint64]*leaf
}

type leaf struct {
	pa    kalloc.PA
	ptes  [leafEntries]PTE
	valid int
}

// New allocates the root table page. User addresses must stay below limit.
func New(frames Frames, limit uint64) (*PageTable, error) {
	if limit == 0 || limit > MAXVA {
		limit = MAXVA
	}
	root, err := frames.Alloc()
	if err != nil {
		return nil, fmt.Errorf("vm: root table: %w", err)
	}
	return &PageTable{
		frames: frames,
		limit:  PGROUNDDOWN(limit),
		root:   root,
		leaves: make(map[uint64]*leaf),
	}, nil
}

// Limit is one beyond the highest user address.
func (pt *PageTable) Limit() uint64 {
	return pt.limit
}

// walk returns the PTE slot for va, allocating the leaf table when alloc is
// set. Callers hold pt.mu.
func (pt *PageTable) walk(va uint64, alloc bool) (*leaf, *PTE, error) {
	if va >= pt.limit {
		return nil, nil, fmt.Errorf("vm: va %#x beyond limit %#x: %w", va, pt.limit, api.ErrInvalidArgument)
	}
	l, ok := pt.leaves[va>>leafShift]
	if !ok {
		if !alloc {
			return nil, nil, nil
		}
		pa, err := pt.frames.Alloc()
		if err != nil {
			return nil, nil, fmt.Errorf("vm: leaf table for %#x: %w", va, err)
		}
		l = &leaf{pa: pa}
		pt.leaves[va>>leafShift] = l
	}
	return l, &l.ptes[(va>>PGSHIFT)&(leafEntries-1)], nil
}

// Lookup returns the valid PTE mapping va.
func (pt *PageTable) Lookup(va uint64) (PTE, bool) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	_, pte, err := pt.walk(PGROUNDDOWN(va), false)
	if err != nil || pte == nil || !pte.Valid() {
		return 0, false
	}
	return *pte, true
}

// Install binds the page at va to pa. Installing over a valid entry is a
// kernel bug and panics.
func (pt *PageTable) Install(va uint64, pa kalloc.PA, perm uint64) error {
	if va%PGSIZE != 0 {
		panic(fmt.Sprintf("vm: install unaligned va %#x", va))
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.installLocked(va, pa, perm)
}

func (pt *PageTable) installLocked(va uint64, pa kalloc.PA, perm uint64) error {
	l, pte, err := pt.walk(va, true)
	if err != nil {
		return err
	}
	if pte.Valid() {
		panic(fmt.Sprintf("vm: remap %#x", va))
	}
	*pte = PA2PTE(pa) | PTE(perm) | PTE_V
	l.valid++
	return nil
}

// Remove clears the entry for va without touching the frame and returns
// what was there.
func (pt *PageTable) Remove(va uint64) (PTE, bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.removeLocked(va)
}

func (pt *PageTable) removeLocked(va uint64) (PTE, bool) {
	l, pte, err := pt.walk(PGROUNDDOWN(va), false)
	if err != nil || pte == nil || !pte.Valid() {
		return 0, false
	}
	old := *pte
	*pte = 0
	l.valid--
	return old, true
}

// Unmap removes npages entries starting at va, skipping holes. With free
// set, each owned frame loses the reference this table held; borrowed
// (PTE_S) frames are left to whoever lent them.
func (pt *PageTable) Unmap(va uint64, npages int, free bool) {
	if va%PGSIZE != 0 {
		panic(fmt.Sprintf("vm: unmap unaligned va %#x", va))
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.unmapLocked(va, npages, free)
}

func (pt *PageTable) unmapLocked(va uint64, npages int, free bool) {
	for a := va; a < va+uint64(npages)*PGSIZE; a += PGSIZE {
		old, ok := pt.removeLocked(a)
		if ok && free && !old.Shared() {
			pt.frames.DecRef(PTE2PA(old))
		}
	}
}

// Prune frees the leaf tables covering npages from va that hold no valid
// entries.
func (pt *PageTable) Prune(va uint64, npages int) {
	if npages <= 0 {
		return
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()
	last := (va + uint64(npages-1)*PGSIZE) >> leafShift
	for idx := va >> leafShift; idx <= last; idx++ {
		if l, ok := pt.leaves[idx]; ok && l.valid == 0 {
			pt.frames.DecRef(l.pa)
			delete(pt.leaves, idx)
		}
	}
}

// Grow allocates user pages to grow the address space from oldsz to newsz
// and returns the new size. On failure everything it added is released.
func (pt *PageTable) Grow(oldsz, newsz uint64, xperm uint64) (uint64, error) {
	if newsz < oldsz {
		return oldsz, nil
	}
	if newsz > pt.limit {
		return oldsz, fmt.Errorf("vm: grow to %#x beyond limit %#x: %w", newsz, pt.limit, api.ErrOutOfMemory)
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()
	start := PGROUNDUP(oldsz)
	for a := start; a < newsz; a += PGSIZE {
		pa, err := pt.frames.Alloc()
		if err == nil {
			if err = pt.installLocked(a, pa, PTE_R|PTE_U|xperm); err != nil {
				pt.frames.DecRef(pa)
			}
		}
		if err != nil {
			pt.unmapLocked(start, int((a-start)/PGSIZE), true)
			return oldsz, fmt.Errorf("vm: grow %#x: %w", a, err)
		}
	}
	return newsz, nil
}

// Shrink releases user pages to bring the size from oldsz down to newsz and
// returns the new size. Shared pages cannot be released this way.
func (pt *PageTable) Shrink(oldsz, newsz uint64) (uint64, error) {
	if newsz >= oldsz {
		return oldsz, nil
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()
	start, end := PGROUNDUP(newsz), PGROUNDUP(oldsz)
	for a := start; a < end; a += PGSIZE {
		if _, pte, _ := pt.walk(a, false); pte != nil && pte.Valid() && pte.Shared() {
			return oldsz, fmt.Errorf("vm: shrink over shared page %#x: %w", a, api.ErrInvalidArgument)
		}
	}
	pt.unmapLocked(start, int((end-start)/PGSIZE), true)
	return newsz, nil
}

// CopyTo gives child a private copy of every page below sz. Shared pages
// become private copies too. On failure the child's copied pages are freed.
func (pt *PageTable) CopyTo(child *PageTable, sz uint64) error {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	child.mu.Lock()
	defer child.mu.Unlock()
	for a := uint64(0); a < sz; a += PGSIZE {
		_, pte, err := pt.walk(a, false)
		if err != nil {
			return err
		}
		if pte == nil || !pte.Valid() {
			continue
		}
		pa, err := pt.frames.Alloc()
		if err == nil {
			copy(pt.frames.Bytes(pa), pt.frames.Bytes(PTE2PA(*pte)))
			if err = child.installLocked(a, pa, PTE_FLAGS(*pte)&^(PTE_V|PTE_S)); err != nil {
				pt.frames.DecRef(pa)
			}
		}
		if err != nil {
			child.unmapLocked(0, int(a/PGSIZE), true)
			return fmt.Errorf("vm: fork copy %#x: %w", a, err)
		}
	}
	return nil
}

// Destroy drops every owned user page and frees the table pages. Borrowed
// pages must already have been released by their lender's bookkeeping.
func (pt *PageTable) Destroy() {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	for idx, l := range pt.leaves {
		for i, pte := range l.ptes {
			if pte.Valid() && !pte.Shared() {
				pt.frames.DecRef(PTE2PA(pte))
			}
			l.ptes[i] = 0
		}
		pt.frames.DecRef(l.pa)
		delete(pt.leaves, idx)
	}
	if pt.root != 0 {
		pt.frames.DecRef(pt.root)
		pt.root = 0
	}
}

// Mapping is one valid user entry, for diagnostics.
type Mapping struct {
	VA   uint64
	PA   kalloc.PA
	Perm uint64
}

// Mappings lists valid entries in address order.
func (pt *PageTable) Mappings() []Mapping {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	var out []Mapping
	for idx, l := range pt.leaves {
		for i, pte := range l.ptes {
			if pte.Valid() {
				out = append(out, Mapping{
					VA:   idx<<leafShift | uint64(i)<<PGSHIFT,
					PA:   PTE2PA(pte),
					Perm: PTE_FLAGS(pte),
				})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VA < out[j].VA })
	return out
}

// TablePages counts the frames holding the table itself.
func (pt *PageTable) TablePages() int {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	if pt.root == 0 {
		return 0
	}
	return 1 + len(pt.leaves)
}
