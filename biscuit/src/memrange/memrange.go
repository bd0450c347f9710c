// Package memrange is the hugepage index: a flat descriptor array
// covering a dedicated, contiguous physical-memory range, plus pfn<->
// descriptor conversion. Grounded on biscuit's mem.Physmem_t (pfn
// bookkeeping, Pa_t, the Refcnt/Cpumask-style per-page record) and on
// original_source/hpa.h's struct hugepage / hpa_pfn_to_page /
// hpa_page_to_pfn.
//
// This is the "PageDescriptorArray" component of SPEC_FULL.md (spec.md
// §4.1): pure range bookkeeping and bit-packed routing. Lifecycle
// state (locked/LRU/active/dirty, refcount, mapcount) lives in the
// sibling pagestate package, which operates on *Descriptor by pointer;
// memrange only owns the array, the pfn arithmetic, and the backing
// store a real kernel would have reserved at boot.
package memrange

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// PFN is a page-frame number of a base (4 KiB) page.
type PFN uint64

const (
	// BasePageShift is the base-2 exponent of a base page (4 KiB).
	BasePageShift = 12
	// BasePageSize is the size, in bytes, of a base page.
	BasePageSize = 1 << BasePageShift
	// HugepageShift is the base-2 exponent of a hugepage (2 MiB).
	HugepageShift = 21
	// HugepageSize is the size, in bytes, of one hugepage.
	HugepageSize = 1 << HugepageShift
	// PagesPerHugepage is the number of base pages backing one
	// hugepage (512 = 2^(21-12)).
	PagesPerHugepage = 1 << (HugepageShift - BasePageShift)
)

// Mapping is the opaque (file/address-space) object a cached descriptor
// belongs to -- spec.md's "MappingHandle". Defined here, rather than in
// the cache package, so that Descriptor can hold a back-reference
// without an import cycle between memrange, cache, and rmap.
type Mapping interface {
	// IntervalQuery returns every VMA mapping the given page offset
	// (spec.md's i_mmap interval index).
	IntervalQuery(pgoff int64) []VMA
	// NRPages reports the number of descriptors currently cached by
	// this mapping.
	NRPages() int64
	// FreePage is the a_ops.freepage callback, invoked by cache.Delete
	// after a descriptor is removed from the associative container.
	// Implementations that don't care are free to make this a no-op.
	FreePage(d *Descriptor)
}

// VMA is a virtual-memory region describing how an address space maps a
// subrange of a Mapping. Locked is the VM_LOCKED flag: rmap.TryToUnmapOne
// consults it only when rmap.Flags.HonorMlock is set, while
// rmap.PageReferencedOne consults it unconditionally (spec.md §9 Open
// Question 2).
type VMA struct {
	MM                 PTETable
	Start, End         uintptr
	Pgoff              int64
	Locked             bool
	SequentialReadHint bool
}

// PTETable is the rmap hook surface: an implementer provides page-table
// lookup/mutation and TLB/MMU notification primitives. Beyond the hooks
// spec.md §9 enumerates, it also carries PTEDirty, ClearFlushYoung and
// UpdateHiwaterRSS, which rmap's unmap and young-bit paths call.
type PTETable interface {
	PTEForAddress(address uintptr) (PTEHandle, bool)
	PTEPresent(h PTEHandle) bool
	PTEDirty(h PTEHandle) bool
	PTEToPFN(h PTEHandle) PFN
	// PTEClearFlush atomically reads-and-clears the PTE, flushing the
	// TLB entry, and returns whether the cleared entry was dirty.
	PTEClearFlush(h PTEHandle) (wasDirty bool)
	ClearFlushYoung(h PTEHandle) (wasYoung bool, failed bool)
	FlushCachePage(address uintptr)
	MMUNotifyInvalidate(address uintptr)
	UpdateHiwaterRSS()
	// PageTestAndClearYoung reports, and clears, the hardware young bit
	// for the physical frame at pfn directly, independent of any single
	// PTE -- original_source's page_test_and_clear_young, the term
	// hpa_page_referenced adds after walking every vma's rmap entry.
	PageTestAndClearYoung(pfn PFN) bool
}

// PTEHandle is an opaque page-table-entry reference returned by
// PTETable.PTEForAddress; this core never dereferences it directly.
type PTEHandle interface{}

// Descriptor is one per-hugepage metadata entry (spec.md's
// HugepageDescriptor). Routing fields (node/section id) are set once
// during Range.init and never touched again; everything else is
// manipulated by pagestate/lru/cache/rmap under the locking rules
// spec.md §5 describes.
type Descriptor struct {
	mu sync.Mutex // guards Mapping/Index as a unit for cache ops

	// Flags packs PG_locked/PG_LRU/PG_active/PG_dirty/PG_private and is
	// manipulated exclusively through pagestate's atomic bit ops.
	Flags uint64

	// Mapping/Index identify the (address-space, offset) this
	// descriptor is cached at, or (nil, 0) when not cache-resident.
	Mapping Mapping
	Index   int64

	// Mapcount/Refcount are atomic counters; see pagestate.
	Mapcount int32 // -1 == unmapped
	Refcount uint32

	// Private is consumer scratch, cleared on cache insert (recovered
	// from original_source's ClearPagePrivate call in
	// hpa_add_to_page_cache -- see SPEC_FULL.md §4 Data Model).
	Private uintptr

	// Virtual, PfnOffset are opaque scratch per spec.md §3.
	Virtual   uintptr
	PfnOffset uintptr

	nodeID    int
	sectionID int
	index     int // position within the flat array
	routed    bool

	// listElem is the intrusive list node used to place this
	// descriptor on exactly one of {section free list, node active-file
	// list, node inactive-file list} -- see node.Section/node.Node and
	// the lru package.
	listElem ListElem
}

// ListElem is an intrusive doubly-linked list node embedded in
// Descriptor, avoiding allocation on every LRU/free-list move (spec.md
// §9 "Intrusive doubly-linked lists everywhere").
type ListElem struct {
	prev, next *Descriptor
	onList     *List
}

// List is an intrusive list of *Descriptor, used for section free
// lists and the two per-node LRU lists. Grounded on the shape of
// biscuit's fs.BlkList_t (a thin owning wrapper over a linked
// structure), adapted here to operate on the descriptor's own embedded
// link instead of container/list's boxed elements so descriptors never
// need a second heap allocation to be listed.
type List struct {
	head, tail *Descriptor
	length     int
}

// Len returns the number of descriptors on the list.
func (l *List) Len() int { return l.length }

// PushFront links d at the head of the list. d must not already be on
// a list.
func (l *List) PushFront(d *Descriptor) {
	if d.listElem.onList != nil {
		panic("descriptor already on a list")
	}
	d.listElem.onList = l
	d.listElem.prev = nil
	d.listElem.next = l.head
	if l.head != nil {
		l.head.listElem.prev = d
	} else {
		l.tail = d
	}
	l.head = d
	l.length++
}

// PopFront unlinks and returns the head descriptor, or nil if empty.
func (l *List) PopFront() *Descriptor {
	d := l.head
	if d == nil {
		return nil
	}
	l.Remove(d)
	return d
}

// Remove unlinks d from l. It panics if d is not on l.
func (l *List) Remove(d *Descriptor) {
	if d.listElem.onList != l {
		panic("descriptor not on this list")
	}
	if d.listElem.prev != nil {
		d.listElem.prev.listElem.next = d.listElem.next
	} else {
		l.head = d.listElem.next
	}
	if d.listElem.next != nil {
		d.listElem.next.listElem.prev = d.listElem.prev
	} else {
		l.tail = d.listElem.prev
	}
	d.listElem.prev, d.listElem.next, d.listElem.onList = nil, nil, nil
	l.length--
}

// OnList reports whether d is currently linked into any List.
func (d *Descriptor) OnList() bool { return d.listElem.onList != nil }

// cacheFieldsLock/cacheFieldsUnlock below guard the (Mapping, Index) pair as a unit for the
// cache package; they are a plain mutex, distinct from pagestate's
// PG_locked bit (which is cooperative/advisory and backed by the wait
// package). Both exist because spec.md's lock order places the
// descriptor's PG_locked bit above per-mapping tree_lock, but the cache
// package still needs a short, uncontended critical section to publish
// Mapping/Index atomically as a pair -- see cache.Insert.
func (d *Descriptor) cacheFieldsLock()   { d.mu.Lock() }
func (d *Descriptor) cacheFieldsUnlock() { d.mu.Unlock() }

// SetCacheFields atomically sets Mapping and Index together.
func (d *Descriptor) SetCacheFields(m Mapping, idx int64) {
	d.cacheFieldsLock()
	d.Mapping, d.Index = m, idx
	d.cacheFieldsUnlock()
}

// ClearCacheFields atomically clears Mapping and Index.
func (d *Descriptor) ClearCacheFields() {
	d.cacheFieldsLock()
	d.Mapping, d.Index = nil, 0
	d.cacheFieldsUnlock()
}

// CacheFields atomically reads Mapping and Index together.
func (d *Descriptor) CacheFields() (Mapping, int64) {
	d.cacheFieldsLock()
	m, idx := d.Mapping, d.Index
	d.cacheFieldsUnlock()
	return m, idx
}

// NodeID/SectionID are the immutable routing fields set once during
// Range.init (spec.md §4.1 set_node/set_section/get_node/get_section).
func (d *Descriptor) NodeID() int    { return d.nodeID }
func (d *Descriptor) SectionID() int { return d.sectionID }

// setRouting is called only during Range.init, before any descriptor is
// reachable from a list -- spec.md requires this be non-concurrent, so
// unlike Flags it is a plain, unsynchronized write. Calling it after
// init is a programming error.
func (d *Descriptor) setRouting(nodeID, sectionID int) {
	if d.routed {
		panic("memrange: descriptor routing set more than once")
	}
	d.nodeID, d.sectionID, d.routed = nodeID, sectionID, true
}

// Range is the immutable-after-init description of the managed physical
// range (spec.md's HugepageRange) together with the flat descriptor
// array (huge_mem_map) and the backing store.
type Range struct {
	StartPFN PFN
	NrPages  uint64 // number of managed hugepages
	EndPFN   PFN

	descs []Descriptor

	// backing is the simulated reserved physical range. A real port
	// would receive this from the boot-time memory reservation (out of
	// scope per spec.md §1); here it is an anonymous mmap, grounded on
	// the mmap_unix.go pattern in the pack (mjm918-tur/pkg/pager), used
	// only so ClearHugepage has real memory to zero.
	backing []byte
	inited  bool
}

// RangeSet quantizes [startAddr, startAddr+memSize) to whole hugepages
// and reserves the simulated backing store. Mirrors
// original_source/hpa.c's hpa_start_nr_set.
func RangeSet(startAddr, memSize uint64) (*Range, error) {
	startPFN := PFN(startAddr >> BasePageShift)
	nrPages := memSize >> HugepageShift
	if nrPages == 0 {
		return nil, fmt.Errorf("memrange: memSize %d too small for one hugepage", memSize)
	}
	backing, err := unix.Mmap(-1, 0, int(nrPages*HugepageSize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("memrange: reserving %d hugepages: %w", nrPages, err)
	}
	r := &Range{
		StartPFN: startPFN,
		NrPages:  nrPages,
		EndPFN:   startPFN + PFN(nrPages*PagesPerHugepage),
		backing:  backing,
	}
	return r, nil
}

// Init allocates the flat descriptor array and assigns each descriptor
// its node/section routing. Callers provide the routing function
// (computed by the node package from the NUMA topology established via
// NodeRange) since memrange itself has no notion of nodes.
//
// route must return, for hugepage index i in [0, NrPages), the owning
// node id and the section id within that node. Init calls it exactly
// once per descriptor, in ascending pfn order, before any descriptor is
// linked onto a list -- satisfying spec.md §4.1's init-only constraint.
func (r *Range) Init(route func(i int) (nodeID, sectionID int)) {
	if r.inited {
		panic("memrange: Range.Init called twice")
	}
	r.descs = make([]Descriptor, r.NrPages)
	for i := range r.descs {
		d := &r.descs[i]
		d.index = i
		nodeID, sectionID := route(i)
		d.setRouting(nodeID, sectionID)
		d.Mapcount = -1
	}
	r.inited = true
}

// IsManagedPFN reports whether pfn falls within [StartPFN, EndPFN).
func (r *Range) IsManagedPFN(p PFN) bool {
	return p >= r.StartPFN && p < r.EndPFN
}

// IsManagedDescriptor reports whether d belongs to this range's array.
func (r *Range) IsManagedDescriptor(d *Descriptor) bool {
	if d == nil || len(r.descs) == 0 {
		return false
	}
	first := unsafe.Pointer(&r.descs[0])
	last := unsafe.Pointer(&r.descs[len(r.descs)-1])
	p := unsafe.Pointer(d)
	return uintptr(p) >= uintptr(first) && uintptr(p) <= uintptr(last)
}

// PFNToDescriptor converts a managed pfn to its owning descriptor.
func (r *Range) PFNToDescriptor(p PFN) *Descriptor {
	if !r.IsManagedPFN(p) {
		panic("memrange: pfn outside managed range")
	}
	idx := (p - r.StartPFN) / PagesPerHugepage
	return &r.descs[idx]
}

// DescriptorToPFN converts a managed descriptor back to its first base
// pfn.
func (r *Range) DescriptorToPFN(d *Descriptor) PFN {
	return r.StartPFN + PFN(d.index)*PagesPerHugepage
}

// DescriptorAt returns the descriptor at hugepage index i, used by
// node/section init to walk the array in order.
func (r *Range) DescriptorAt(i int) *Descriptor { return &r.descs[i] }

// NumDescriptors returns the number of managed descriptors (== NrPages
// once Init has run).
func (r *Range) NumDescriptors() int { return len(r.descs) }

// Descriptors returns a pointer to every managed descriptor in ascending
// pfn order, for callers that need to walk the full array (e.g. the
// free-all-at-boot seeding path in node.Table.Build). Returning
// *Descriptor rather than Descriptor avoids copying the embedded mutex
// and list linkage.
func (r *Range) Descriptors() []*Descriptor {
	out := make([]*Descriptor, len(r.descs))
	for i := range r.descs {
		out[i] = &r.descs[i]
	}
	return out
}

// DescAddress returns the virtual address of the hugepage's first byte
// in the simulated backing store -- spec.md §6's desc_address.
func (r *Range) DescAddress(d *Descriptor) uintptr {
	return uintptr(unsafe.Pointer(&r.backing[r.backingOffset(d)]))
}

// backingOffset returns the byte offset of d's hugepage within backing.
func (r *Range) backingOffset(d *Descriptor) int {
	off := int(d.index) * HugepageSize
	if off < 0 || off+HugepageSize > len(r.backing) {
		panic("memrange: descriptor index out of backing-store bounds")
	}
	return off
}

// ClearHugepage zeroes the HUGEPAGE_SIZE bytes backing d. Mirrors
// original_source/hpa_wait.c's hpa_clear_huge_page (kmap/memset/kunmap);
// here it's a direct slice clear over the mmap-backed range since this
// port has no separate kernel/user address spaces to map between.
func (r *Range) ClearHugepage(d *Descriptor) {
	off := r.backingOffset(d)
	page := r.backing[off : off+HugepageSize]
	for i := range page {
		page[i] = 0
	}
}

// Bytes returns a slice over the hugepage's backing storage, for tests
// and for a_ops-style consumers that need real memory behind a
// descriptor (e.g. verifying ClearHugepage actually zeroed data).
func (r *Range) Bytes(d *Descriptor) []byte {
	off := r.backingOffset(d)
	return r.backing[off : off+HugepageSize]
}

// Close releases the simulated backing store. Not part of spec.md's
// surface (the range's lifecycle is "created once, never destroyed");
// provided for tests that create many Ranges and would otherwise leak
// mmap'd memory for the duration of the test binary.
func (r *Range) Close() error {
	if r.backing == nil {
		return nil
	}
	err := unix.Munmap(r.backing)
	r.backing = nil
	return err
}
