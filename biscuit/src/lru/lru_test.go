package lru

import (
	"testing"

	"memrange"
	"node"
	"pagestate"
)

func mkNode(t *testing.T, hugepages uint64) *node.Node {
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
	return n
}

func TestAddToLRUSetsBitsAndCounters(t *testing.T) {
	n := mkNode(t, 1)
	n.LockSections()
	d := n.PopFree(&n.Sections[0])
	n.UnlockSections()

	AddToLRU(n, d, node.InactiveFile)
	if !pagestate.TestLRU(d) {
		t.Fatal("expected PG_lru set")
	}
	if pagestate.TestActive(d) {
		t.Fatal("inactive-file insertion should not set PG_active")
	}
	if got := n.Stat(node.NRInactiveFile); got != 1 {
		t.Fatalf("NRInactiveFile = %d, want 1", got)
	}
}

func TestAddToLRUTwicePanics(t *testing.T) {
	n := mkNode(t, 1)
	n.LockSections()
	d := n.PopFree(&n.Sections[0])
	n.UnlockSections()

	AddToLRU(n, d, node.InactiveFile)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic adding an already-listed descriptor")
		}
	}()
	AddToLRU(n, d, node.InactiveFile)
}

func TestDelFromLRUClearsBitsAndCounters(t *testing.T) {
	n := mkNode(t, 1)
	n.LockSections()
	d := n.PopFree(&n.Sections[0])
	n.UnlockSections()

	AddToLRU(n, d, node.ActiveFile)
	DelFromLRU(n, d)

	if pagestate.TestLRU(d) || pagestate.TestActive(d) {
		t.Fatal("expected both PG_lru and PG_active cleared")
	}
	if got := n.Stat(node.NRActiveFile); got != 0 {
		t.Fatalf("NRActiveFile = %d, want 0", got)
	}
}

func TestDelFromLRUNotListedIsNoop(t *testing.T) {
	n := mkNode(t, 1)
	n.LockSections()
	d := n.PopFree(&n.Sections[0])
	n.UnlockSections()
	DelFromLRU(n, d) // must not panic
}

func TestActivatePromotesFromInactive(t *testing.T) {
	n := mkNode(t, 1)
	n.LockSections()
	d := n.PopFree(&n.Sections[0])
	n.UnlockSections()

	AddToLRU(n, d, node.InactiveFile)
	Activate(n, d)

	if !pagestate.TestActive(d) {
		t.Fatal("expected PG_active set after Activate")
	}
	if got := n.Stat(node.NRActiveFile); got != 1 {
		t.Fatalf("NRActiveFile = %d, want 1", got)
	}
	if got := n.Stat(node.NRInactiveFile); got != 0 {
		t.Fatalf("NRInactiveFile = %d, want 0", got)
	}
}
