// Package node implements spec.md §3's Node/Section topology: the
// NUMA node table, each node's sections (free-list shards), LRU list
// heads, per-node wait queue, and vm_stat-style counters.
//
// Grounded on original_source/hpa.c's hpa_alloc_node_data,
// hpa_nodes_init, hpa_alloc_section_node, hpa_node_start_end_init and
// hpa_start_nr_set: a node spans a contiguous pfn range, is carved into
// fixed-size sections, and owns one wait queue (hpa_node_waitqueue) and
// one pair of LRU lists (active/inactive file) shared by all its
// sections.
package node

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"memrange"
	"util"
	"wait"
)

// SectionSize is the number of hugepages per section (original_source's
// HPA_SECTION_SIZE, 1<<11 == 2048 hugepages).
const SectionSize = 2048

// StatItem indexes a node's vm_stat counters.
type StatItem int

const (
	NRFreePages StatItem = iota
	NRActiveFile
	NRInactiveFile
	nrStatItems
)

// Section owns one shard of a node's free hugepages. Sections never
// share a free list; a descriptor is assigned to exactly one section at
// Range.Init and never migrates (spec.md §4.2).
type Section struct {
	id   int
	node *Node
	free memrange.List
}

// ID returns the section's index within its node.
func (s *Section) ID() int { return s.id }

// Len returns the number of free hugepages currently in this section.
func (s *Section) Len() int { return s.free.Len() }

// Node is one NUMA node's bookkeeping (spec.md §3 Node).
type Node struct {
	id       int
	startPFN memrange.PFN
	endPFN   memrange.PFN
	spanned  uint64
	present  uint64

	Wait *wait.Queue

	mu          sync.Mutex // guards Sections[*].free and nextSection
	Sections    []Section
	nextSection int

	lruMu    sync.Mutex
	Active   memrange.List
	Inactive memrange.List

	stats [nrStatItems]int64

	pagesScanned     uint64
	watermark        uint64
	allUnreclaimable bool
}

// ID returns the node's id.
func (n *Node) ID() int { return n.id }

// SpannedPages/PresentPages report the node's pfn-range size and the
// number of hugepages actually backed (equal in this port, since the
// simulated range has no boot-time holes).
func (n *Node) SpannedPages() uint64 { return n.spanned }
func (n *Node) PresentPages() uint64 { return n.present }

// Stat reads one vm_stat counter.
func (n *Node) Stat(item StatItem) int64 {
	return atomic.LoadInt64(&n.stats[item])
}

// addStat adjusts one vm_stat counter by delta.
func (n *Node) addStat(item StatItem, delta int64) {
	atomic.AddInt64(&n.stats[item], delta)
}

// Watermark returns the low watermark below which the (external)
// reclaimer should start scanning this node (spec.md §5's watermark
// check lives outside this module; node only stores the threshold).
func (n *Node) Watermark() uint64 { return n.watermark }

// PagesScanned/AllUnreclaimable expose the reclaim-loop bookkeeping
// fields a policy loop (out of scope per spec.md §1) would update.
func (n *Node) PagesScanned() uint64    { return n.pagesScanned }
func (n *Node) AllUnreclaimable() bool  { return n.allUnreclaimable }
func (n *Node) SetAllUnreclaimable(v bool) { n.allUnreclaimable = v }
func (n *Node) AddPagesScanned(delta uint64) { n.pagesScanned += delta }

// LRUList selects one of a node's two LRU lists.
type LRUList int

const (
	ActiveFile LRUList = iota
	InactiveFile
)

func (n *Node) list(which LRUList) *memrange.List {
	if which == ActiveFile {
		return &n.Active
	}
	return &n.Inactive
}

// LockLRU/UnlockLRU guard Active/Inactive list manipulation, mirroring
// the node's lru_lock (spec.md §5: "one lru_lock per node guarding both
// of its LRU lists"). Exported so the lru package -- the only intended
// caller -- can take the lock around a list move without node needing
// to know about LRU transition policy.
func (n *Node) LockLRU()   { n.lruMu.Lock() }
func (n *Node) UnlockLRU() { n.lruMu.Unlock() }

// PushLRU links d onto the given list. Caller must hold LockLRU.
func (n *Node) PushLRU(which LRUList, d *memrange.Descriptor) {
	n.list(which).PushFront(d)
	n.addStat(statFor(which), 1)
}

// RemoveLRU unlinks d from the given list. Caller must hold LockLRU.
func (n *Node) RemoveLRU(which LRUList, d *memrange.Descriptor) {
	n.list(which).Remove(d)
	n.addStat(statFor(which), -1)
}

func statFor(which LRUList) StatItem {
	if which == ActiveFile {
		return NRActiveFile
	}
	return NRInactiveFile
}

// LockSections/UnlockSections guard every Section's free list and the
// round-robin cursor together, mirroring the single per-node spinlock
// original_source/hpa.c takes around section free-list manipulation.
func (n *Node) LockSections()   { n.mu.Lock() }
func (n *Node) UnlockSections() { n.mu.Unlock() }

// NextSectionRR advances and returns the round-robin section cursor,
// wrapping modulo the node's section count. Caller must hold
// LockSections. See DESIGN.md Open Question 1 for the wrap-arithmetic
// decision this implements.
func (n *Node) NextSectionRR() *Section {
	if len(n.Sections) == 0 {
		return nil
	}
	s := &n.Sections[n.nextSection]
	n.nextSection = (n.nextSection + 1) % len(n.Sections)
	return s
}

// PushFree returns a hugepage to its section's free list. Caller must
// hold LockSections.
func (n *Node) PushFree(d *memrange.Descriptor) {
	n.Sections[d.SectionID()].free.PushFront(d)
	n.addStat(NRFreePages, 1)
}

// PopFree removes and returns a hugepage from section s's free list, or
// nil if empty. Caller must hold LockSections.
func (n *Node) PopFree(s *Section) *memrange.Descriptor {
	d := s.free.PopFront()
	if d != nil {
		n.addStat(NRFreePages, -1)
	}
	return d
}

// Table is the global NodeTable/SectionTable pair (spec.md §3).
type Table struct {
	Range *memrange.Range

	mu    sync.Mutex
	spans map[int][2]memrange.PFN
	order []int // populated node ids, build order

	nodes map[int]*Node

	built      bool
	totalPages uint64
}

// NewTable creates an empty table over r. Callers call NodeRange for
// every node before Build.
func NewTable(r *memrange.Range) *Table {
	return &Table{
		Range: r,
		spans: make(map[int][2]memrange.PFN),
		nodes: make(map[int]*Node),
	}
}

// NodeRange records that NUMA node nid spans [start, end) pfns,
// clamped to the managed range. A node whose clamped span is empty is
// not added to the populated set. Mirrors
// original_source/hpa.c's hpa_node_start_end_init.
func (t *Table) NodeRange(nid int, start, end memrange.PFN) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.built {
		return fmt.Errorf("node: NodeRange after Build")
	}
	if start < t.Range.StartPFN {
		start = t.Range.StartPFN
	}
	if end > t.Range.EndPFN {
		end = t.Range.EndPFN
	}
	if end <= start {
		return nil
	}
	if _, exists := t.spans[nid]; exists {
		return fmt.Errorf("node: duplicate NodeRange for node %d", nid)
	}
	t.spans[nid] = [2]memrange.PFN{start, end}
	t.order = append(t.order, nid)
	return nil
}

// PopulatedNodes returns every node id with a non-empty span, in
// ascending order (spec.md §3's hpnode_mask equivalent).
func (t *Table) PopulatedNodes() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := append([]int(nil), t.order...)
	sort.Ints(out)
	return out
}

// Build constructs every populated node's Section slice, assigns each
// managed descriptor's routing via Range.Init, and seeds every
// section's free list with its descriptors -- the boot-time
// hpa_free_all_boot_hugepages path collapsed into one step, since this
// port has no separate "reserve struct page" phase.
func (t *Table) Build() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.built {
		return fmt.Errorf("node: Build called twice")
	}
	if len(t.order) == 0 {
		return fmt.Errorf("node: Build with no populated nodes")
	}

	nodeOrder := append([]int(nil), t.order...)
	sort.Ints(nodeOrder)

	for _, nid := range nodeOrder {
		span := t.spans[nid]
		spannedPFNs := uint64(span[1] - span[0])
		spannedHuge := spannedPFNs / memrange.PagesPerHugepage
		nSections := int(util.DivRoundUp(spannedHuge, uint64(SectionSize)))
		if nSections == 0 {
			nSections = 1
		}
		n := &Node{
			id:       nid,
			startPFN: span[0],
			endPFN:   span[1],
			spanned:  spannedHuge,
			present:  spannedHuge,
			Wait:     wait.NewQueue(),
			Sections: make([]Section, nSections),
			watermark: 500,
		}
		for i := range n.Sections {
			n.Sections[i] = Section{id: i, node: n}
		}
		t.nodes[nid] = n
	}

	route := func(i int) (nodeID, sectionID int) {
		pfn := t.Range.StartPFN + memrange.PFN(i)*memrange.PagesPerHugepage
		for _, nid := range nodeOrder {
			span := t.spans[nid]
			if pfn >= span[0] && pfn < span[1] {
				rel := int((pfn - span[0]) / memrange.PagesPerHugepage)
				return nid, rel / SectionSize
			}
		}
		panic("node: pfn not covered by any NodeRange span")
	}
	t.Range.Init(route)

	// Descriptors start life with Refcount 0 / Mapcount -1 (set by
	// Range.Init) and go straight onto their section's free list --
	// original_source's hpa_free_all_boot_hugepages collapsed into the
	// zero value instead of a set-then-immediately-free round trip.
	for _, d := range t.Range.Descriptors() {
		n := t.nodes[d.NodeID()]
		n.PushFree(d)
		t.totalPages++
	}

	t.built = true
	return nil
}

// NodeByID returns the node for nid, or (nil, false) if unpopulated.
func (t *Table) NodeByID(nid int) (*Node, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[nid]
	return n, ok
}

// TotalPages returns the total number of managed hugepages across every
// populated node.
func (t *Table) TotalPages() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalPages
}

// FreePages sums NRFreePages across every populated node.
func (t *Table) FreePages() int64 {
	t.mu.Lock()
	nodes := make([]*Node, 0, len(t.nodes))
	for _, n := range t.nodes {
		nodes = append(nodes, n)
	}
	t.mu.Unlock()

	var total int64
	for _, n := range nodes {
		total += n.Stat(NRFreePages)
	}
	return total
}
