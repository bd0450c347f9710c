// Package hpa is the top-level NUMA-aware hugepage allocator: it wires
// memrange, node, alloc, pagestate, lru, cache and rmap into the single
// consumer-facing Allocator spec.md §6 describes, and owns the two-step
// init handshake (RangeSet/NodeRange, then Init) a real boot sequence
// would drive from the firmware memory map.
//
// Grounded on original_source/hpa.c's hpa_init (the top-level sequencing
// of hpa_start_nr_set -> hpa_nodes_init -> hpa_free_all_boot_hugepages)
// and hpa_wait.c's page_cache_release/hpa_clear_huge_page, recovered
// into this package per SPEC_FULL.md §6.
package hpa

import (
	"errs"
	"alloc"
	"cache"
	"lru"
	"memrange"
	"node"
	"pagestate"
	"rmap"
)

// Descriptor and PFN are re-exported so consumers only need to import
// this package for the common case.
type Descriptor = memrange.Descriptor
type PFN = memrange.PFN
type Mapping = memrange.Mapping
type VMA = memrange.VMA
type PTETable = memrange.PTETable

// Allocator is the fully wired hugepage allocator. The zero value is
// not usable; build one with RangeSet, any number of NodeRange calls,
// then Init.
type Allocator struct {
	rng   *memrange.Range
	table *node.Table
	alloc *alloc.Allocator
	cache *cache.PageCache
	rmap  rmap.Flags
}

// RangeSet reserves the managed physical range and returns a
// not-yet-initialized Allocator. Call NodeRange for every NUMA node
// spanning the range, then Init, before using the allocator.
func RangeSet(startAddr, memSize uint64) (*Allocator, error) {
	r, err := memrange.RangeSet(startAddr, memSize)
	if err != nil {
		return nil, err
	}
	return &Allocator{
		rng:   r,
		table: node.NewTable(r),
	}, nil
}

// NodeRange declares that NUMA node nid spans [start, end) pfns. Must
// be called for every node before Init.
func (a *Allocator) NodeRange(nid int, start, end uint64) error {
	return a.table.NodeRange(nid, memrange.PFN(start), memrange.PFN(end))
}

// SetHonorMlock controls whether TryToUnmap refuses to unmap
// VM_LOCKED VMAs (DESIGN.md Open Question 2). Must be called before
// Init; default is false.
func (a *Allocator) SetHonorMlock(v bool) { a.rmap.HonorMlock = v }

// Init finishes setup: builds the node/section topology, routes every
// descriptor, and seeds every section's free list. Must be called
// exactly once, after every NodeRange call.
func (a *Allocator) Init() error {
	if err := a.table.Build(); err != nil {
		return err
	}
	a.alloc = alloc.New(a.rng, a.table)
	a.cache = cache.New(a.table)
	return nil
}

// Close releases the allocator's simulated backing store.
func (a *Allocator) Close() error { return a.rng.Close() }

// PopulatedNodes returns every NUMA node id with at least one managed
// hugepage, ascending.
func (a *Allocator) PopulatedNodes() []int { return a.table.PopulatedNodes() }

// TotalPages/FreePages report allocator-wide accounting.
func (a *Allocator) TotalPages() uint64 { return a.table.TotalPages() }
func (a *Allocator) FreePages() int64   { return a.table.FreePages() }

// Alloc allocates one hugepage, preferring preferredNode, falling back
// to any other populated node. Returns (nil, false) if none are free.
func (a *Allocator) Alloc(preferredNode int) (*Descriptor, bool) {
	return a.alloc.Alloc(preferredNode)
}

// AllocOnNode allocates one hugepage strictly from node nid.
func (a *Allocator) AllocOnNode(nid int) (*Descriptor, bool) {
	return a.alloc.AllocOnNode(nid)
}

// Free drops one reference to d, returning it to its section's free
// list once the refcount reaches zero.
func (a *Allocator) Free(d *Descriptor) { a.alloc.Free(d) }

// FreeList returns every descriptor in ds to its section's free list.
// Unlike Free, it requires every descriptor already be at refcount 0
// and panics otherwise -- see alloc.Allocator.FreeList.
func (a *Allocator) FreeList(ds []*Descriptor) { a.alloc.FreeList(ds) }

// IsManagedPFN/IsManagedDescriptor/DescAddress/ClearHugepage expose the
// range-level queries and operations spec.md §6 names directly.
func (a *Allocator) IsManagedPFN(p PFN) bool               { return a.rng.IsManagedPFN(p) }
func (a *Allocator) IsManagedDescriptor(d *Descriptor) bool { return a.rng.IsManagedDescriptor(d) }
func (a *Allocator) PFNToDescriptor(p PFN) *Descriptor      { return a.rng.PFNToDescriptor(p) }
func (a *Allocator) DescriptorToPFN(d *Descriptor) PFN      { return a.rng.DescriptorToPFN(d) }
func (a *Allocator) DescAddress(d *Descriptor) uintptr      { return a.rng.DescAddress(d) }
func (a *Allocator) Bytes(d *Descriptor) []byte             { return a.rng.Bytes(d) }
func (a *Allocator) ClearHugepage(d *Descriptor)            { a.rng.ClearHugepage(d) }

// DescToNid/DescToSection report a descriptor's immutable routing.
func (a *Allocator) DescToNid(d *Descriptor) int     { return d.NodeID() }
func (a *Allocator) DescToSection(d *Descriptor) int { return d.SectionID() }

func (a *Allocator) nodeFor(d *Descriptor) (*node.Node, error) {
	n, ok := a.table.NodeByID(d.NodeID())
	if !ok {
		return nil, errs.EINVAL
	}
	return n, nil
}

// TryLock/Lock/Unlock expose pagestate's PG_locked bit, resolving the
// descriptor's owning node's wait queue internally so callers never
// need to look one up themselves.
func (a *Allocator) TryLock(d *Descriptor) bool { return pagestate.TryLock(d) }

func (a *Allocator) Lock(d *Descriptor) {
	n, err := a.nodeFor(d)
	if err != nil {
		panic(err)
	}
	pagestate.Lock(d, n.Wait)
}

func (a *Allocator) Unlock(d *Descriptor) {
	n, err := a.nodeFor(d)
	if err != nil {
		panic(err)
	}
	pagestate.Unlock(d, n.Wait)
}

// Insert/LookupAndLock/Delete/DeleteLocked expose the page cache.
func (a *Allocator) Insert(m Mapping, offset int64, d *Descriptor) error {
	return a.cache.Insert(m, offset, d)
}

func (a *Allocator) LookupAndLock(m Mapping, offset int64) (*Descriptor, bool) {
	return a.cache.LookupAndLock(m, offset)
}

func (a *Allocator) Delete(m Mapping, offset int64, d *Descriptor) error {
	return a.cache.Delete(m, offset, d)
}

func (a *Allocator) DeleteLocked(m Mapping, offset int64, d *Descriptor) error {
	return a.cache.DeleteLocked(m, offset, d)
}

// TryToUnmap/PageReferenced/RemoveRmap expose the reverse map.
func (a *Allocator) TryToUnmap(d *Descriptor) rmap.UnmapResult {
	return rmap.TryToUnmap(d, a.rng.DescriptorToPFN(d), a.rmap)
}

func (a *Allocator) PageReferenced(d *Descriptor) (int, rmap.VMFlags) {
	n, err := a.nodeFor(d)
	if err != nil {
		panic(err)
	}
	return rmap.PageReferenced(d, a.rng.DescriptorToPFN(d), n.Wait)
}

func (a *Allocator) RemoveRmap(d *Descriptor) { rmap.RemoveRmap(d) }

// AddToLRU/DelFromLRU expose the LRU engine.
func (a *Allocator) AddToLRU(d *Descriptor, which node.LRUList) error {
	n, err := a.nodeFor(d)
	if err != nil {
		return err
	}
	lru.AddToLRU(n, d, which)
	return nil
}

func (a *Allocator) DelFromLRU(d *Descriptor) error {
	n, err := a.nodeFor(d)
	if err != nil {
		return err
	}
	lru.DelFromLRU(n, d)
	return nil
}

// Stat reads one of a node's vm_stat-style counters.
func (a *Allocator) Stat(nid int, item node.StatItem) (int64, bool) {
	n, ok := a.table.NodeByID(nid)
	if !ok {
		return 0, false
	}
	return n.Stat(item), true
}

// Release evicts a cached, locked descriptor: it unmaps every live PTE
// still pointing at it, removes it from the cache (dropping the
// cache's own pin taken by Insert), and unlocks it. d must already be
// locked (e.g. via LookupAndLock).
//
// original_source/hpa.c's page_cache_release is a thin wrapper over
// hpa_put_page -- a plain refcount decrement on whichever single
// reference the caller happens to hold, nothing more. Release composes
// that with the unmap-and-remove steps a reclaimer actually needs, but
// keeps the same one-reference-per-call contract: it only retires the
// cache's pin. A reference obtained through LookupAndLock is still the
// caller's and is not dropped here -- the caller drops it with Free
// once it's done with d, same as calling page_cache_release on a page
// returned by find_get_page.
func (a *Allocator) Release(m Mapping, offset int64, d *Descriptor) error {
	if !pagestate.IsLocked(d) {
		return errs.EINVAL
	}
	switch a.TryToUnmap(d) {
	case rmap.SwapAgain:
		return errs.EAGAIN
	case rmap.SwapMlock:
		// A VM_LOCKED vma refused the unmap (Flags.HonorMlock): the page
		// must stay resident, same as mlock(2) pinning it against
		// reclaim, so Release leaves it in the cache rather than evicting
		// a page still mapped by a locked vma.
		return errs.EAGAIN
	}
	if err := a.cache.DeleteLocked(m, offset, d); err != nil {
		return err
	}
	a.Unlock(d)
	return nil
}
