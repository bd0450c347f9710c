// Package alloc implements spec.md §4.2 FreeAllocator: per-node,
// per-section free-list allocation with round-robin section selection,
// and the matching free path that returns a hugepage to its section
// (unlinking it from an LRU list first if it was cache-resident).
//
// Grounded on original_source/hpa.c's hpa_alloc_section_node (the
// round-robin-over-sections allocation loop), hpa_alloc_page_node/
// hpa_alloc_page (the per-node / any-node entry points) and
// __hpa_free_page/hpa_free_page (the free path, including the LRU
// unlink original_source performs before relinking onto the free list).
package alloc

import (
	"lru"
	"memrange"
	"node"
	"pagestate"
)

// Allocator hands out and reclaims hugepages over a node.Table.
type Allocator struct {
	Range *memrange.Range
	Table *node.Table
}

// New builds an Allocator over an already-Build-completed table.
func New(r *memrange.Range, t *node.Table) *Allocator {
	return &Allocator{Range: r, Table: t}
}

// AllocOnNode allocates one free hugepage from node nid, trying every
// section starting at the node's round-robin cursor. Returns (nil,
// false) if the node has no free hugepages -- this is a normal result,
// not an error (spec.md §7).
func (a *Allocator) AllocOnNode(nid int) (*memrange.Descriptor, bool) {
	n, ok := a.Table.NodeByID(nid)
	if !ok {
		return nil, false
	}
	return allocFromNode(n)
}

// Alloc allocates one free hugepage from any populated node, trying
// nodes in ascending id order starting from the preferred node if it
// has no free pages. Returns (nil, false) if no node has a free
// hugepage.
func (a *Allocator) Alloc(preferredNode int) (*memrange.Descriptor, bool) {
	if d, ok := a.AllocOnNode(preferredNode); ok {
		return d, true
	}
	for _, nid := range a.Table.PopulatedNodes() {
		if nid == preferredNode {
			continue
		}
		if d, ok := a.AllocOnNode(nid); ok {
			return d, true
		}
	}
	return nil, false
}

// allocFromNode tries every section of n once, starting at the
// round-robin cursor, returning the first free hugepage found. See
// DESIGN.md Open Question 1 for the exact wrap-arithmetic this
// implements.
func allocFromNode(n *node.Node) (*memrange.Descriptor, bool) {
	n.LockSections()
	defer n.UnlockSections()

	nsections := len(n.Sections)
	for i := 0; i < nsections; i++ {
		s := n.NextSectionRR()
		if d := n.PopFree(s); d != nil {
			pagestate.SetRefcounted(d)
			return d, true
		}
	}
	return nil, false
}

// Free returns one reference to d; when the refcount reaches zero the
// hugepage is unlinked from any LRU list and relinked onto its
// section's free list. Mirrors original_source's hpa_free_page calling
// __hpa_free_page only once put_page_testzero succeeds.
func (a *Allocator) Free(d *memrange.Descriptor) {
	if !pagestate.PutTestzero(d) {
		return
	}
	freeOne(a.Table, d)
}

// FreeList returns every descriptor in ds directly to its section's
// free list. Unlike Free, it never touches the refcount: ds must
// already hold refcount 0 on entry (spec.md §4.2's bulk-free contract),
// and FreeList panics if it finds one that doesn't, rather than
// silently decrementing it -- see DESIGN.md Open Question 3.
func (a *Allocator) FreeList(ds []*memrange.Descriptor) {
	for _, d := range ds {
		if pagestate.Refcount(d) != 0 {
			panic("alloc: FreeList called on a descriptor with nonzero refcount")
		}
		freeOne(a.Table, d)
	}
}

func freeOne(t *node.Table, d *memrange.Descriptor) {
	n, ok := t.NodeByID(d.NodeID())
	if !ok {
		panic("alloc: descriptor routed to unknown node")
	}
	if pagestate.TestLRU(d) {
		lru.DelFromLRU(n, d)
	}
	// original_source's __hpa_free_page never resets PG_dirty itself
	// (left under a "TODO some free page prepare" in hpa_free_page) --
	// without this, a descriptor's dirty bit from its previous tenancy
	// would leak into the next allocation of the same descriptor.
	pagestate.ClearDirty(d)
	n.LockSections()
	n.PushFree(d)
	n.UnlockSections()
}
