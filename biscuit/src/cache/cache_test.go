package cache

import (
	"sync"
	"testing"

	"memrange"
	"node"
	"pagestate"
)

type fakeMapping struct{}

func (*fakeMapping) IntervalQuery(int64) []memrange.VMA { return nil }
func (*fakeMapping) NRPages() int64                     { return 0 }
func (*fakeMapping) FreePage(*memrange.Descriptor)       {}

func mkCache(t *testing.T, hugepages uint64) (*node.Table, *PageCache, []*memrange.Descriptor) {
	t.Helper()
	r, err := memrange.RangeSet(0, hugepages*memrange.HugepageSize)
	if err != nil {
		t.Fatalf("RangeSet: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	tbl := node.NewTable(r)
	if err := tbl.NodeRange(0, r.StartPFN, r.EndPFN); err != nil {
		t.Fatalf("NodeRange: %v", err)
	}
	if err := tbl.Build(); err != nil {
		t.Fatalf("Build: %v", err)
	}
	n, _ := tbl.NodeByID(0)
	n.LockSections()
	var ds []*memrange.Descriptor
	for i := 0; i < int(hugepages); i++ {
		ds = append(ds, n.PopFree(&n.Sections[0]))
	}
	n.UnlockSections()
	return tbl, New(tbl), ds
}

func TestInsertThenLookupAndLock(t *testing.T) {
	_, c, ds := mkCache(t, 1)
	m := &fakeMapping{}
	d := ds[0]
	pagestate.SetRefcounted(d)

	if err := c.Insert(m, 5, d); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if !pagestate.IsLocked(d) {
		t.Fatal("expected descriptor to remain locked after a successful Insert")
	}
	unlock(c, d)

	got, ok := c.LookupAndLock(m, 5)
	if !ok {
		t.Fatal("expected LookupAndLock to find the inserted descriptor")
	}
	if got != d {
		t.Fatalf("LookupAndLock returned %p, want %p", got, d)
	}
	if !pagestate.IsLocked(d) {
		t.Fatal("expected descriptor to be locked after LookupAndLock")
	}
}

func TestLookupAndLockMissReturnsFalse(t *testing.T) {
	_, c, _ := mkCache(t, 1)
	if _, ok := c.LookupAndLock(&fakeMapping{}, 123); ok {
		t.Fatal("expected a miss against an empty cache")
	}
}

func TestInsertDuplicateOffsetReturnsEExist(t *testing.T) {
	_, c, ds := mkCache(t, 2)
	m := &fakeMapping{}
	pagestate.SetRefcounted(ds[0])
	pagestate.SetRefcounted(ds[1])

	if err := c.Insert(m, 1, ds[0]); err != nil {
		t.Fatalf("first Insert: %v", err)
	}
	if err := c.Insert(m, 1, ds[1]); err == nil {
		t.Fatal("expected second Insert at the same offset to fail")
	}
}

func TestDeleteLockedRemovesEntry(t *testing.T) {
	_, c, ds := mkCache(t, 1)
	m := &fakeMapping{}
	d := ds[0]
	pagestate.SetRefcounted(d)
	if err := c.Insert(m, 9, d); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	unlock(c, d)

	got, ok := c.LookupAndLock(m, 9)
	if !ok {
		t.Fatal("lookup failed")
	}
	if err := c.DeleteLocked(m, 9, got); err != nil {
		t.Fatalf("DeleteLocked: %v", err)
	}
	if _, ok := c.LookupAndLock(m, 9); ok {
		t.Fatal("expected entry to be gone after DeleteLocked")
	}
}

func TestDeleteRequiresLockedDescriptor(t *testing.T) {
	_, c, ds := mkCache(t, 1)
	m := &fakeMapping{}
	d := ds[0]
	pagestate.SetRefcounted(d)
	if err := c.Insert(m, 1, d); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	unlock(c, d)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic deleting an unlocked descriptor")
		}
	}()
	c.Delete(m, 1, d)
}

func TestConcurrentLookupAndLockSerializes(t *testing.T) {
	_, c, ds := mkCache(t, 1)
	m := &fakeMapping{}
	d := ds[0]
	pagestate.SetRefcounted(d)
	if err := c.Insert(m, 1, d); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	unlock(c, d)

	var mu sync.Mutex
	order := 0
	const n = 8
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			got, ok := c.LookupAndLock(m, 1)
			if !ok {
				t.Error("lookup failed under contention")
				return
			}
			mu.Lock()
			order++
			mu.Unlock()
			// read the cache fields while holding the lock
			n0, _ := got.CacheFields()
			_ = n0
			unlock(c, got)
		}()
	}
	wg.Wait()
	if order != n {
		t.Fatalf("order = %d, want %d", order, n)
	}
}

// unlock is a tiny test helper mirroring what hpa.Allocator.Unlock does,
// since the cache package itself never exposes raw Unlock (callers go
// through the top-level allocator in production).
func unlock(c *PageCache, d *memrange.Descriptor) {
	n, ok := c.table.NodeByID(d.NodeID())
	if !ok {
		panic("test: unknown node")
	}
	pagestate.Unlock(d, n.Wait)
}
