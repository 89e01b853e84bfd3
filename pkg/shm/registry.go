package shm

import (
	"sort"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/srediag/kernel-shm/pkg/vm"
)

type mappingSet = map[uint64]*Mapping

// Registry indexes mappings by every pid taking part in them.
//
// Each pid's set is replaced wholesale on every change, so a set obtained
// from the index can be read without further locking. Callers serialize
// changes to one mapping by holding its destination's process lock.
type Registry struct {
	index  cmap.ConcurrentMap[int, mappingSet]
	nextID atomic.Uint64
	live   atomic.Int64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		index: cmap.NewWithCustomShardingFunction[int, mappingSet](func(pid int) uint32 {
			return uint32(pid)
		}),
	}
}

// Register assigns m an ID and indexes it under its source and destination.
func (r *Registry) Register(m *Mapping) {
	m.ID = r.nextID.Add(1)
	r.add(m.SrcPid, m)
	if m.DstPid != m.SrcPid {
		r.add(m.DstPid, m)
	}
	r.live.Add(1)
}

func (r *Registry) add(pid int, m *Mapping) {
	r.index.Upsert(pid, nil, func(_ bool, old, _ mappingSet) mappingSet {
		next := make(mappingSet, len(old)+1)
		for id, v := range old {
			next[id] = v
		}
		next[m.ID] = m
		return next
	})
}

// Remove drops m from every index it is in.
func (r *Registry) Remove(m *Mapping) {
	r.drop(m.SrcPid, m.ID)
	if m.DstPid != m.SrcPid {
		r.drop(m.DstPid, m.ID)
	}
	r.live.Add(-1)
}

func (r *Registry) drop(pid int, id uint64) {
	r.index.Upsert(pid, nil, func(_ bool, old, _ mappingSet) mappingSet {
		next := make(mappingSet, len(old))
		for k, v := range old {
			if k != id {
				next[k] = v
			}
		}
		return next
	})
	r.index.RemoveCb(pid, func(_ int, set mappingSet, exists bool) bool {
		return exists && len(set) == 0
	})
}

// Forget drops pid's own index entry. Mappings it took part in stay
// reachable through their other participant.
func (r *Registry) Forget(pid int) {
	r.index.Remove(pid)
}

// FindByRange returns the mapping whose destination is pid and whose
// destination pages are exactly the pages covering [va, va+size).
func (r *Registry) FindByRange(pid int, va, size uint64) (*Mapping, bool) {
	start, npages, ok := vm.PageRange(va, size)
	if !ok || npages == 0 {
		return nil, false
	}
	set, _ := r.index.Get(pid)
	for _, m := range set {
		if m.DstPid == pid && m.coversDst(start, npages) {
			return m, true
		}
	}
	return nil, false
}

// AllMappingsOf lists the mappings pid takes part in, oldest first.
func (r *Registry) AllMappingsOf(pid int) []*Mapping {
	set, _ := r.index.Get(pid)
	return sorted(set)
}

// All lists every registered mapping, oldest first.
func (r *Registry) All() []*Mapping {
	all := make(mappingSet)
	r.index.IterCb(func(_ int, set mappingSet) {
		for id, m := range set {
			all[id] = m
		}
	})
	return sorted(all)
}

// Len is the number of registered mappings.
func (r *Registry) Len() int {
	return int(r.live.Load())
}

func sorted(set mappingSet) []*Mapping {
	out := make([]*Mapping, 0, len(set))
	for _, m := range set {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
