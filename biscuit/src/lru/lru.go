// Package lru implements spec.md §4.4 LRUEngine: moving a descriptor
// onto or off one of its node's two LRU lists (active-file/
// inactive-file), keeping PG_lru/PG_active and the node's vm_stat
// counters consistent with list membership.
//
// Grounded on original_source/hpa.c's hp_add_page_to_lru_list/
// hp_del_page_from_lru_list and hpa_wait.c's add_hpage_to_lruvec.
// Neither allocation nor cache insertion puts a page on an LRU list: a
// page is LRU-tracked only after an explicit AddToLRU call. Promotion to
// active is left to the (out-of-scope, per spec.md §1) reclaimer policy,
// which calls Activate explicitly.
package lru

import (
	"memrange"
	"node"
	"pagestate"
)

// AddToLRU links d onto n's list (active or inactive, depending on
// which), setting PG_lru. d must not already be on an LRU list.
func AddToLRU(n *node.Node, d *memrange.Descriptor, which node.LRUList) {
	n.LockLRU()
	defer n.UnlockLRU()

	if pagestate.TestLRU(d) {
		panic("lru: descriptor already on an LRU list")
	}
	pagestate.SetLRU(d)
	if which == node.ActiveFile {
		pagestate.SetActive(d)
	}
	n.PushLRU(which, d)
}

// DelFromLRU unlinks d from whichever of n's lists it is on, clearing
// PG_lru and PG_active. It is a no-op if d is not currently on an LRU
// list, matching original_source's del-if-present tolerance in
// __hpa_free_page.
func DelFromLRU(n *node.Node, d *memrange.Descriptor) {
	n.LockLRU()
	defer n.UnlockLRU()

	if !pagestate.TestLRU(d) {
		return
	}
	which := node.InactiveFile
	if pagestate.TestActive(d) {
		which = node.ActiveFile
	}
	n.RemoveLRU(which, d)
	pagestate.ClearLRU(d)
	pagestate.ClearActive(d)
}

// Activate promotes d from the inactive-file list to the active-file
// list. It is a no-op if d is not on the inactive list (already active,
// or not LRU-tracked at all).
func Activate(n *node.Node, d *memrange.Descriptor) {
	n.LockLRU()
	defer n.UnlockLRU()

	if !pagestate.TestLRU(d) || pagestate.TestActive(d) {
		return
	}
	n.RemoveLRU(node.InactiveFile, d)
	pagestate.SetActive(d)
	n.PushLRU(node.ActiveFile, d)
}
