// Package cache implements spec.md §4.5 PageCache: an associative
// (Mapping, offset) -> *Descriptor store with insert/lookup/delete, and
// the re-validate-after-lock retry rule "find a locked page" callers
// depend on.
//
// Grounded on original_source/hpa_wait.c's hpa_add_to_page_cache/
// hpa_find_lock_page/hpa_delete_from_page_cache, built over the
// adapted hashtable package (one table per Mapping, since hashtable
// keys are plain int64 offsets and are only unique within a single
// mapping's namespace).
package cache

import (
	"sync"

	"errs"
	"hashtable"
	"memrange"
	"node"
	"pagestate"
	"wait"
)

const defaultBuckets = 256

// PageCache owns one hashtable per Mapping and knows how to find each
// cached descriptor's node wait queue (needed by LookupAndLock) via the
// node.Table that produced the descriptors it stores.
type PageCache struct {
	table *node.Table

	mu     sync.RWMutex
	byMap  map[memrange.Mapping]*hashtable.Hashtable_t
}

// New creates an empty PageCache whose descriptors all come from t.
func New(t *node.Table) *PageCache {
	return &PageCache{table: t, byMap: make(map[memrange.Mapping]*hashtable.Hashtable_t)}
}

func (c *PageCache) tableFor(m memrange.Mapping, create bool) *hashtable.Hashtable_t {
	c.mu.RLock()
	ht, ok := c.byMap[m]
	c.mu.RUnlock()
	if ok || !create {
		return ht
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ht, ok := c.byMap[m]; ok {
		return ht
	}
	ht = hashtable.MkHash(defaultBuckets)
	c.byMap[m] = ht
	return ht
}

func (c *PageCache) queueFor(d *memrange.Descriptor) *wait.Queue {
	n, ok := c.table.NodeByID(d.NodeID())
	if !ok {
		panic("cache: descriptor routed to unknown node")
	}
	return n.Wait
}

// Insert publishes d into m's namespace at offset, and marks it PG_locked
// before doing so (original_source's hpa_add_page_cache_locked: "a page
// can only enter the cache locked"). d must not be PG_locked already or
// currently referenced by another mapping. On success d is left locked
// -- the caller unlocks it once it's done (e.g. after populating the
// page), matching __hpa_to_page_cache only unlocking on the error path.
// Returns errs.EEXIST if the slot is already occupied.
func (c *PageCache) Insert(m memrange.Mapping, offset int64, d *memrange.Descriptor) error {
	if pagestate.IsLocked(d) {
		panic("cache: Insert called on an already-locked descriptor")
	}
	ht := c.tableFor(m, true)

	// ClearPagePrivate-equivalent reset: a descriptor entering the cache
	// never carries over a previous occupant's scratch data.
	pagestate.ClearPrivate(d)
	d.Private = 0

	testSetLockedForInsert(d)

	d.SetCacheFields(m, offset)
	pagestate.IncRefcount(d)

	if _, inserted := ht.Set(offset, d); !inserted {
		d.ClearCacheFields()
		pagestate.PutTestzero(d)
		pagestate.Unlock(d, c.queueFor(d))
		return errs.EEXIST
	}
	return nil
}

func testSetLockedForInsert(d *memrange.Descriptor) {
	if !pagestate.TryLock(d) {
		panic("cache: Insert raced with a concurrent lock of a not-yet-published descriptor")
	}
}

// LookupAndLock finds the descriptor cached at (m, offset), takes its
// PG_locked bit (blocking if necessary), and returns it with an extra
// reference held. Returns (nil, false) if nothing is cached there.
//
// Because the lookup is lock-free and the descriptor could be deleted
// (and its Mapping/Index cleared) between Get and the lock being
// granted, LookupAndLock re-validates cache membership after locking
// and retries from the top if it changed -- spec.md §5's "find a locked
// page" loop.
func (c *PageCache) LookupAndLock(m memrange.Mapping, offset int64) (*memrange.Descriptor, bool) {
	for {
		ht := c.tableFor(m, false)
		if ht == nil {
			return nil, false
		}
		v, ok := ht.Get(offset)
		if !ok {
			return nil, false
		}
		d := v.(*memrange.Descriptor)
		pagestate.IncRefcount(d)

		pagestate.Lock(d, c.queueFor(d))

		gotMap, gotIdx := d.CacheFields()
		if gotMap == m && gotIdx == offset {
			return d, true
		}

		// Raced with a concurrent Delete; d is no longer this mapping's
		// entry at offset. Undo and retry.
		pagestate.Unlock(d, c.queueFor(d))
		if pagestate.PutTestzero(d) {
			panic("cache: descriptor freed while still cache-resident")
		}
	}
}

// Delete removes the (m, offset) entry, requiring the caller to already
// hold d PG_locked (spec.md: "delete only ever happens on a locked
// page"). Drops the cache's reference; the caller's own reference, if
// any, is unaffected.
func (c *PageCache) Delete(m memrange.Mapping, offset int64, d *memrange.Descriptor) error {
	if !pagestate.IsLocked(d) {
		panic("cache: Delete requires the descriptor be locked")
	}
	return c.DeleteLocked(m, offset, d)
}

// DeleteLocked is Delete without the IsLocked precondition check, for
// callers (hpa.Release) that already know the invariant holds and want
// to avoid a redundant atomic load.
func (c *PageCache) DeleteLocked(m memrange.Mapping, offset int64, d *memrange.Descriptor) error {
	ht := c.tableFor(m, false)
	if ht == nil {
		return errs.EINVAL
	}
	ht.Del(offset)
	d.ClearCacheFields()
	m.FreePage(d)
	if pagestate.PutTestzero(d) {
		panic("cache: DeleteLocked dropped the cache's own reference to zero unexpectedly")
	}
	return nil
}
