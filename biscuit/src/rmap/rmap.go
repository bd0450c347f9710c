// Package rmap implements spec.md §4.6 ReverseMap: walking every VMA
// that maps a cached descriptor to unmap it (TryToUnmap) or mark it
// referenced (PageReferenced), and removing the last mapping's
// reference bookkeeping (RemoveRmap).
//
// Grounded on original_source/hpa_rmap.c's hpa_try_to_unmap_one/
// hpa_try_to_unmap_file/hpa_try_to_unmap and
// hpa_page_referenced_one/hpa_page_referenced_file/hpa_page_referenced,
// translated onto the minimal memrange.PTETable/VMA hook surface
// spec.md §6 names rather than walking real x86 page tables.
package rmap

import (
	"memrange"
	"pagestate"
	"wait"
)

// Flags tunes rmap behavior the original kernel controls via
// compile-time config or mount options.
type Flags struct {
	// HonorMlock makes TryToUnmap refuse to unmap (and report failure)
	// pages mapped by a VM_LOCKED VMA, matching mlock(2) semantics. See
	// DESIGN.md Open Question 2 for why this defaults to false.
	HonorMlock bool
}

// UnmapResult reports the outcome of TryToUnmap.
type UnmapResult int

const (
	// SwapSuccess: every mapping was torn down.
	SwapSuccess UnmapResult = iota
	// SwapAgain: at least one PTE could not be cleared right now (e.g. a
	// concurrent fault); caller should retry.
	SwapAgain
	// SwapMlock: a VM_LOCKED VMA refused the unmap (Flags.HonorMlock).
	SwapMlock
)

// TryToUnmapOne clears the PTE in vma that maps d, flushing the TLB and
// the hardware cache for its address, and returns whether the cleared
// entry was dirty. It returns SwapAgain without clearing anything when
// d's offset falls outside vma or no present PTE maps d's pfn there.
// Mirrors
// original_source/hpa_rmap.c's hpa_try_to_unmap_one, minus the
// swap-specific PTE encoding (this port never backs a descriptor onto
// swap; see spec.md §1 Non-goals).
func TryToUnmapOne(d *memrange.Descriptor, vma memrange.VMA, pfn memrange.PFN, flags Flags) (UnmapResult, bool) {
	if flags.HonorMlock && vma.Locked {
		return SwapMlock, false
	}

	addr, ok := addressInVMA(vma, d)
	if !ok {
		return SwapAgain, false
	}

	h, ok := vma.MM.PTEForAddress(addr)
	if !ok || !vma.MM.PTEPresent(h) {
		return SwapAgain, false
	}
	if vma.MM.PTEToPFN(h) != pfn {
		return SwapAgain, false
	}

	vma.MM.FlushCachePage(addr)
	wasDirty := vma.MM.PTEClearFlush(h)
	vma.MM.MMUNotifyInvalidate(addr)
	vma.MM.UpdateHiwaterRSS()

	if wasDirty || vma.MM.PTEDirty(h) {
		pagestate.SetDirty(d)
	}

	if pagestate.AddMapcount(d, -1) {
		pagestate.ClearActive(d)
	}
	return SwapSuccess, wasDirty
}

// addressInVMA computes the address within vma that maps d's offset, or
// (0, false) if d's offset falls outside vma's span.
func addressInVMA(vma memrange.VMA, d *memrange.Descriptor) (uintptr, bool) {
	_, idx := d.CacheFields()
	pgoffInVMA := idx - vma.Pgoff
	if pgoffInVMA < 0 {
		return 0, false
	}
	addr := vma.Start + uintptr(pgoffInVMA)*memrange.HugepageSize
	if addr >= vma.End {
		return 0, false
	}
	return addr, true
}

// TryToUnmap walks every VMA mapping d (via its Mapping's
// IntervalQuery) and unmaps it there, mirroring
// hpa_try_to_unmap_file's "walk the i_mmap tree, unmap each vma" loop.
// Returns SwapSuccess only if every VMA was successfully unmapped.
func TryToUnmap(d *memrange.Descriptor, pfn memrange.PFN, flags Flags) UnmapResult {
	m, idx := d.CacheFields()
	if m == nil {
		return SwapSuccess
	}
	result := SwapSuccess
	for _, vma := range m.IntervalQuery(idx) {
		r, _ := TryToUnmapOne(d, vma, pfn, flags)
		if r != SwapSuccess && result == SwapSuccess {
			result = r
		}
	}
	return result
}

// VMFlags mirrors the slice of Linux's per-vma vm_flags bitmask this
// port tracks, accumulated out of PageReferenced as *vm_flags is in
// original_source.
type VMFlags uint

// VMLocked is set in a PageReferenced caller's VMFlags whenever the
// walk crosses a VM_LOCKED vma.
const VMLocked VMFlags = 1 << 0

// PageReferencedOne reports, and clears, the hardware young bit for the
// PTE in vma mapping d at pfn, mirroring original_source's
// hpa_page_referenced_one. *mapcount is decremented once per vma whose
// present PTE maps d's pfn, so the caller's loop can stop once every
// mapping has been accounted for; a vma without such a PTE leaves it
// unchanged. A VM_LOCKED vma short-circuits: it forces *mapcount to
// 0 (the caller's loop breaks immediately) and sets VMLocked in
// *vmFlags, without counting as a reference or decrementing further.
func PageReferencedOne(d *memrange.Descriptor, vma memrange.VMA, pfn memrange.PFN, mapcount *int, vmFlags *VMFlags) int {
	addr, ok := addressInVMA(vma, d)
	if !ok {
		return 0
	}
	h, ok := vma.MM.PTEForAddress(addr)
	if !ok || !vma.MM.PTEPresent(h) {
		return 0
	}
	if vma.MM.PTEToPFN(h) != pfn {
		return 0
	}

	if vma.Locked {
		*mapcount = 0
		*vmFlags |= VMLocked
		return 0
	}

	referenced := 0
	if young, failed := vma.MM.ClearFlushYoung(h); !failed && young && !vma.SequentialReadHint {
		referenced = 1
	}
	*mapcount--
	return referenced
}

// PageReferenced sums PageReferencedOne across every VMA mapping d,
// then adds the physical-frame young bit as a final term, mirroring
// hpa_page_referenced/hpa_page_referenced_file. q is d's owning node's
// wait queue, needed to release the trylock taken for the duration of
// the walk.
//
// d is walked only while hpa_page_mapped(d) && d has a mapping --
// otherwise there is nothing to walk and PageReferenced reports 0. If
// the trylock fails, the walk is skipped and PageReferenced
// conservatively reports 1, matching hpa_page_referenced's "couldn't
// get the lock" early return.
func PageReferenced(d *memrange.Descriptor, pfn memrange.PFN, q *wait.Queue) (int, VMFlags) {
	var vmFlags VMFlags
	m, idx := d.CacheFields()
	if m == nil || pagestate.Mapcount(d) < 0 {
		return 0, vmFlags
	}

	if !pagestate.TryLock(d) {
		return 1, vmFlags
	}
	defer pagestate.Unlock(d, q)

	vmas := m.IntervalQuery(idx)
	// Mapcount is -1 when unmapped and 0 after the first mapping (see
	// pagestate.AddMapcount), so the true number of live mappings is
	// Mapcount+1.
	mapcount := int(pagestate.Mapcount(d)) + 1
	referenced := 0
	for _, vma := range vmas {
		referenced += PageReferencedOne(d, vma, pfn, &mapcount, &vmFlags)
		if mapcount == 0 {
			break
		}
	}

	if len(vmas) > 0 && vmas[0].MM.PageTestAndClearYoung(pfn) {
		referenced++
	}

	return referenced, vmFlags
}

// RemoveRmap records that the last PTE mapping d has been torn down.
// Mirrors hpa_page_remove_rmap: once the map count crosses back below
// zero, d is considered fully unmapped and its PG_active bit is
// cleared.
func RemoveRmap(d *memrange.Descriptor) {
	if pagestate.AddMapcount(d, -1) {
		pagestate.ClearActive(d)
	}
}
