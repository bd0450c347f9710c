// Command hpactl exercises the hugepage allocator end to end: it
// reserves a small range, declares a couple of NUMA nodes over it,
// allocates and frees hugepages, and prints the resulting accounting.
// Useful as a smoke test and as a worked example of the init handshake
// (RangeSet/NodeRange/Init) described in SPEC_FULL.md §2.
//
// Mirrors the spirit of the small standalone tools biscuit bundles
// under src/ (e.g. kernel/chentry.go) rather than a production
// command: no flags, just a fixed scenario and log output.
package main

import (
	"log"
	"os"

	"hpa"
	"node"
)

const (
	rangeStart = 0
	rangeSize  = 64 * 1024 * 1024 // 32 hugepages worth
)

func main() {
	log.SetFlags(0)
	log.SetPrefix("hpactl: ")

	a, err := hpa.RangeSet(rangeStart, rangeSize)
	if err != nil {
		log.Fatalf("reserving range: %v", err)
	}
	defer a.Close()

	if err := a.NodeRange(0, 0, 16*hpaPagesPerNode()); err != nil {
		log.Fatalf("node 0 range: %v", err)
	}
	if err := a.NodeRange(1, 16*hpaPagesPerNode(), 32*hpaPagesPerNode()); err != nil {
		log.Fatalf("node 1 range: %v", err)
	}
	if err := a.Init(); err != nil {
		log.Fatalf("init: %v", err)
	}

	log.Printf("nodes: %v, total pages: %d, free pages: %d",
		a.PopulatedNodes(), a.TotalPages(), a.FreePages())

	var allocated []*hpa.Descriptor
	for i := 0; i < 8; i++ {
		d, ok := a.Alloc(0)
		if !ok {
			log.Printf("node 0 exhausted after %d allocations", i)
			break
		}
		allocated = append(allocated, d)
	}
	log.Printf("allocated %d hugepages from node 0, %d free pages remain",
		len(allocated), a.FreePages())

	if free, ok := a.Stat(0, node.NRFreePages); ok {
		log.Printf("node 0 NRFreePages=%d", free)
	}

	for _, d := range allocated {
		a.Free(d)
	}
	log.Printf("freed them all back, %d free pages remain", a.FreePages())

	if a.FreePages() != int64(a.TotalPages()) {
		log.Printf("warning: free page count did not return to total after freeing everything")
		os.Exit(1)
	}
}

// hpaPagesPerNode is a fixed pfn-per-hugepage stride local to this
// demo's scenario; it has nothing to do with the allocator itself.
func hpaPagesPerNode() uint64 { return 512 }
