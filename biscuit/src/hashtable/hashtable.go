// Package hashtable implements a lock-striped hash table with a
// lock-free Get, adapted from biscuit's general-purpose hashtable to
// back the hugepage page-cache's per-mapping (offset -> descriptor)
// associative container (spec.md SPEC_FULL.md [MODULE cache]).
//
// The original keyed on ustr.Ustr/string/int/int32 for filesystem
// directory entries; the page cache only ever keys on int64 page
// offsets, so the key type is narrowed accordingly and the ustr case is
// dropped rather than carried as dead code.
package hashtable

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

type elem_t struct {
	key     int64
	value   interface{}
	keyHash uint32
	next    *elem_t
}

type bucket_t struct {
	sync.RWMutex
	first *elem_t
}

func (b *bucket_t) len() int {
	b.RLock()
	defer b.RUnlock()

	l := 0
	for e := b.first; e != nil; e = e.next {
		l++
	}
	return l
}

func (b *bucket_t) elems() []Pair_t {
	b.RLock()
	defer b.RUnlock()

	p := make([]Pair_t, 0)
	for e := b.first; e != nil; e = e.next {
		p = append(p, Pair_t{Key: e.key, Value: e.value})
	}
	return p
}

// Hashtable_t maps int64 offsets to arbitrary values. Get is lock-free
// (atomic pointer load over the bucket chain); Set/Del take the
// bucket's writer lock.
type Hashtable_t struct {
	table    []*bucket_t
	capacity int
}

// MkHash allocates a new Hashtable_t with the given bucket count.
func MkHash(size int) *Hashtable_t {
	if size <= 0 {
		size = 1
	}
	ht := &Hashtable_t{}
	ht.capacity = size
	ht.table = make([]*bucket_t, size)
	for i := range ht.table {
		ht.table[i] = &bucket_t{}
	}
	return ht
}

// String returns a formatted representation of the table contents.
func (ht *Hashtable_t) String() string {
	s := ""
	for i, b := range ht.table {
		if b.first != nil {
			s += fmt.Sprintf("b %d:\n", i)
			for e := b.first; e != nil; e = loadptr(&e.next) {
				s += fmt.Sprintf("(%v, %v), ", e.keyHash, e.key)
			}
			s += "\n"
		}
	}
	return s
}

// Size returns the total number of elements stored in the table.
func (ht *Hashtable_t) Size() int {
	n := 0
	for _, b := range ht.table {
		n += b.len()
	}
	return n
}

// Pair_t represents a key/value tuple returned by Elems.
type Pair_t struct {
	Key   int64
	Value interface{}
}

// Elems returns all key/value pairs currently stored.
func (ht *Hashtable_t) Elems() []Pair_t {
	p := make([]Pair_t, 0)
	for _, b := range ht.table {
		n := b.elems()
		if n != nil {
			p = append(p, n...)
		}
	}
	return p
}

// Get looks up key and returns its value, lock-free.
func (ht *Hashtable_t) Get(key int64) (interface{}, bool) {
	kh := khash(key)
	b := ht.table[ht.hash(kh)]
	for e := loadptr(&b.first); e != nil; e = loadptr(&e.next) {
		if e.keyHash == kh && e.key == key {
			return e.value, true
		}
	}
	return nil, false
}

// Set inserts a key/value pair; returns (value, false) if key already
// existed, without overwriting it -- callers that need replace-on-exist
// semantics must Del then Set.
func (ht *Hashtable_t) Set(key int64, value interface{}) (interface{}, bool) {
	kh := khash(key)
	b := ht.table[ht.hash(kh)]
	b.Lock()
	defer b.Unlock()

	add := func(last *elem_t) {
		if last == nil {
			n := &elem_t{key: key, value: value, keyHash: kh, next: b.first}
			storeptr(&b.first, n)
		} else {
			n := &elem_t{key: key, value: value, keyHash: kh, next: last.next}
			storeptr(&last.next, n)
		}
	}

	var last *elem_t
	for e := b.first; e != nil; e = e.next {
		if e.keyHash == kh && e.key == key {
			return e.value, false
		}
		if kh < e.keyHash {
			add(last)
			return value, true
		}
		last = e
	}
	add(last)
	return value, true
}

// Del removes key from the table. It panics if the key is not present,
// matching the original's "del of non-existing key" contract -- callers
// hold the descriptor locked across delete, so this indicates a bug in
// the caller, not a race.
func (ht *Hashtable_t) Del(key int64) {
	kh := khash(key)
	b := ht.table[ht.hash(kh)]
	b.Lock()
	defer b.Unlock()

	rem := func(last *elem_t, n *elem_t) {
		if last == nil {
			storeptr(&b.first, n.next)
		} else {
			storeptr(&last.next, n.next)
		}
	}

	var last *elem_t
	for e := b.first; e != nil; e = e.next {
		if e.keyHash == kh && e.key == key {
			rem(last, e)
			return
		}
		if kh < e.keyHash {
			panic("del of non-existing key")
		}
		last = e
	}
	panic("del of non-existing key")
}

// Iter applies f to each key/value pair until f returns true.
func (ht *Hashtable_t) Iter(f func(int64, interface{}) bool) bool {
	for _, b := range ht.table {
		b.RLock()
		for e := b.first; e != nil; e = e.next {
			if f(e.key, e.value) {
				b.RUnlock()
				return true
			}
		}
		b.RUnlock()
	}
	return false
}

func (ht *Hashtable_t) hash(keyHash uint32) int {
	return int(keyHash % uint32(len(ht.table)))
}

// Without an explicit memory model, it is hard to know if this code is
// correct. LoadPointer/StorePointer don't issue a memory fence, but for
// traversing pointers in Get() and updating them in Set()/Del(), this
// might be ok on x86. The Go compiler also hopefully doesn't reorder
// loads wrt. LoadPointer.
func loadptr(e **elem_t) *elem_t {
	ptr := (*unsafe.Pointer)(unsafe.Pointer(e))
	p := atomic.LoadPointer(ptr)
	return (*elem_t)(unsafe.Pointer(p))
}

func storeptr(p **elem_t, n *elem_t) {
	ptr := (*unsafe.Pointer)(unsafe.Pointer(p))
	atomic.StorePointer(ptr, (unsafe.Pointer)(n))
}

func khash(key int64) uint32 {
	return uint32(2654435761) * uint32(key) ^ uint32(key>>32)
}
