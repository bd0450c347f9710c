package pagestate

import (
	"sync"
	"testing"
	"time"

	"memrange"
	"wait"
)

func mkDescriptor(t *testing.T) *memrange.Descriptor {
	t.Helper()
	r, err := memrange.RangeSet(0, memrange.HugepageSize)
	if err != nil {
		t.Fatalf("RangeSet: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	r.Init(func(int) (int, int) { return 0, 0 })
	return r.DescriptorAt(0)
}

func TestTryLockIsExclusive(t *testing.T) {
	d := mkDescriptor(t)
	if !TryLock(d) {
		t.Fatal("first TryLock should succeed")
	}
	if TryLock(d) {
		t.Fatal("second TryLock should fail while held")
	}
}

func TestUnlockWakesParkedLocker(t *testing.T) {
	d := mkDescriptor(t)
	q := wait.NewQueue()

	if !TryLock(d) {
		t.Fatal("TryLock failed")
	}

	acquired := make(chan struct{})
	go func() {
		Lock(d, q)
		close(acquired)
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-acquired:
		t.Fatal("Lock returned before Unlock")
	default:
	}

	Unlock(d, q)

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("Lock never returned after Unlock")
	}
}

func TestLRUAndActiveBits(t *testing.T) {
	d := mkDescriptor(t)
	if TestLRU(d) || TestActive(d) {
		t.Fatal("fresh descriptor should have neither bit set")
	}
	if SetLRU(d) {
		t.Fatal("SetLRU on a clear bit should report false (was not already set)")
	}
	if !TestLRU(d) {
		t.Fatal("TestLRU should report true after SetLRU")
	}
	SetActive(d)
	if !TestActive(d) {
		t.Fatal("TestActive should report true after SetActive")
	}
	ClearActive(d)
	if TestActive(d) {
		t.Fatal("TestActive should report false after ClearActive")
	}
	if !ClearLRU(d) {
		t.Fatal("ClearLRU should report true (bit was set)")
	}
}

func TestRefcountLifecycle(t *testing.T) {
	d := mkDescriptor(t)
	SetRefcounted(d)
	if Refcount(d) != 1 {
		t.Fatalf("Refcount = %d, want 1", Refcount(d))
	}
	IncRefcount(d)
	if Refcount(d) != 2 {
		t.Fatalf("Refcount = %d, want 2", Refcount(d))
	}
	if PutTestzero(d) {
		t.Fatal("PutTestzero should report false with one reference remaining")
	}
	if !PutTestzero(d) {
		t.Fatal("PutTestzero should report true on the last reference")
	}
}

func TestPutTestzeroUnderflowPanics(t *testing.T) {
	d := mkDescriptor(t)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on refcount underflow")
		}
	}()
	PutTestzero(d)
}

func TestAddMapcountCrossesNegative(t *testing.T) {
	d := mkDescriptor(t)
	SetMapcount(d, -1)
	if AddMapcount(d, 1) {
		t.Fatal("mapcount -1 + 1 = 0 should not report negative")
	}
	if !AddMapcount(d, -1) {
		t.Fatal("mapcount 0 - 1 = -1 should report negative")
	}
}

func TestConcurrentLockersSerialize(t *testing.T) {
	d := mkDescriptor(t)
	q := wait.NewQueue()

	var mu sync.Mutex
	counter := 0
	const n = 16
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			Lock(d, q)
			defer Unlock(d, q)
			mu.Lock()
			counter++
			mu.Unlock()
		}()
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("goroutines never finished -- possible deadlock")
	}
	if counter != n {
		t.Fatalf("counter = %d, want %d", counter, n)
	}
}
