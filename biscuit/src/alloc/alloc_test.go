package alloc

import (
	"sync"
	"testing"

	"lru"
	"memrange"
	"node"
	"pagestate"
)

func mkAllocator(t *testing.T, hugepagesPerNode uint64, nodes int) (*memrange.Range, *node.Table, *Allocator) {
	t.Helper()
	total := hugepagesPerNode * uint64(nodes)
	r, err := memrange.RangeSet(0, total*memrange.HugepageSize)
	if err != nil {
		t.Fatalf("RangeSet: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	tbl := node.NewTable(r)
	stride := memrange.PFN(hugepagesPerNode) * memrange.PagesPerHugepage
	for i := 0; i < nodes; i++ {
		start := r.StartPFN + memrange.PFN(i)*stride
		if err := tbl.NodeRange(i, start, start+stride); err != nil {
			t.Fatalf("NodeRange(%d): %v", i, err)
		}
	}
	if err := tbl.Build(); err != nil {
		t.Fatalf("Build: %v", err)
	}
	return r, tbl, New(r, tbl)
}

func TestAllocOnNodeDrainsThenReportsExhausted(t *testing.T) {
	_, _, a := mkAllocator(t, 4, 1)
	for i := 0; i < 4; i++ {
		if _, ok := a.AllocOnNode(0); !ok {
			t.Fatalf("alloc %d: expected success", i)
		}
	}
	if _, ok := a.AllocOnNode(0); ok {
		t.Fatal("expected exhaustion after draining all 4 hugepages")
	}
}

func TestAllocOnUnknownNodeFails(t *testing.T) {
	_, _, a := mkAllocator(t, 1, 1)
	if _, ok := a.AllocOnNode(99); ok {
		t.Fatal("expected failure allocating from an unpopulated node")
	}
}

func TestAllocFallsBackToOtherNodeWhenPreferredExhausted(t *testing.T) {
	_, _, a := mkAllocator(t, 1, 2)
	if _, ok := a.AllocOnNode(0); !ok {
		t.Fatal("expected node 0's one page to be allocatable")
	}
	d, ok := a.Alloc(0)
	if !ok {
		t.Fatal("expected Alloc to fall back to node 1")
	}
	if d.NodeID() != 1 {
		t.Fatalf("fallback allocation came from node %d, want 1", d.NodeID())
	}
}

func TestFreeReturnsPageToFreeList(t *testing.T) {
	_, tbl, a := mkAllocator(t, 1, 1)
	d, ok := a.AllocOnNode(0)
	if !ok {
		t.Fatal("alloc failed")
	}
	if tbl.FreePages() != 0 {
		t.Fatalf("FreePages = %d, want 0 while allocated", tbl.FreePages())
	}
	a.Free(d)
	if tbl.FreePages() != 1 {
		t.Fatalf("FreePages = %d, want 1 after Free", tbl.FreePages())
	}
}

func TestFreeClearsDirtyBit(t *testing.T) {
	_, _, a := mkAllocator(t, 1, 1)
	d, ok := a.AllocOnNode(0)
	if !ok {
		t.Fatal("alloc failed")
	}
	pagestate.SetDirty(d)
	a.Free(d)

	d2, ok := a.AllocOnNode(0)
	if !ok {
		t.Fatal("re-alloc failed")
	}
	if d2 != d {
		t.Fatalf("expected the single free descriptor back, got a different one")
	}
	if pagestate.TestDirty(d2) {
		t.Fatal("expected PG_dirty cleared by Free, not carried into the next allocation")
	}
}

func TestFreeOnlyActsOnLastReference(t *testing.T) {
	_, tbl, a := mkAllocator(t, 1, 1)
	d, _ := a.AllocOnNode(0)
	pagestate.IncRefcount(d)

	a.Free(d)
	if tbl.FreePages() != 0 {
		t.Fatal("page freed with a reference still outstanding")
	}
	a.Free(d)
	if tbl.FreePages() != 1 {
		t.Fatal("page not freed on the last reference")
	}
}

func TestFreeUnlinksFromLRUFirst(t *testing.T) {
	_, tbl, a := mkAllocator(t, 1, 1)
	n, _ := tbl.NodeByID(0)
	d, _ := a.AllocOnNode(0)
	lru.AddToLRU(n, d, node.InactiveFile)

	a.Free(d)
	if pagestate.TestLRU(d) {
		t.Fatal("expected PG_lru cleared once the page was freed")
	}
	if got := n.Stat(node.NRInactiveFile); got != 0 {
		t.Fatalf("NRInactiveFile = %d, want 0 after free", got)
	}
}

// FreeList takes descriptors whose refcount the caller has already
// driven to 0 (spec.md §4.2's bulk-free contract) and pushes them
// straight onto their section's free list -- it must not touch the
// refcount itself.
func TestFreeListFreesEveryDescriptor(t *testing.T) {
	_, tbl, a := mkAllocator(t, 4, 1)
	var ds []*memrange.Descriptor
	for i := 0; i < 4; i++ {
		d, _ := a.AllocOnNode(0)
		if pagestate.PutTestzero(d) != true {
			t.Fatalf("expected the freshly allocated refcount to reach 0")
		}
		ds = append(ds, d)
	}
	a.FreeList(ds)
	if tbl.FreePages() != 4 {
		t.Fatalf("FreePages = %d, want 4", tbl.FreePages())
	}
}

func TestFreeListPanicsOnNonzeroRefcount(t *testing.T) {
	_, _, a := mkAllocator(t, 1, 1)
	d, _ := a.AllocOnNode(0)

	defer func() {
		if recover() == nil {
			t.Fatal("expected FreeList to panic on a descriptor with an outstanding reference")
		}
	}()
	a.FreeList([]*memrange.Descriptor{d})
}

func TestConcurrentAllocFreeNeverExceedsCapacity(t *testing.T) {
	_, tbl, a := mkAllocator(t, 64, 2)
	const workers = 16
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if d, ok := a.Alloc(0); ok {
					a.Free(d)
				}
			}
		}()
	}
	wg.Wait()
	if tbl.FreePages() != int64(tbl.TotalPages()) {
		t.Fatalf("FreePages = %d, TotalPages = %d: pages leaked or double-counted",
			tbl.FreePages(), tbl.TotalPages())
	}
}
