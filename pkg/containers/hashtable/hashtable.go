// Package hashtable implements a fixed-bucket-count concurrent hash
// table with per-bucket optimistic version numbers and address-hashed
// locks (no per-bucket lock word), grounded directly on
// structures/hash/set.h.
package hashtable

import (
	"unsafe"

	"github.com/turdb/ccmap/pkg/core"
	"github.com/turdb/ccmap/pkg/core/epoch"
	"github.com/turdb/ccmap/pkg/core/lock"
	"github.com/turdb/ccmap/pkg/core/pool"
	"github.com/turdb/ccmap/pkg/core/vfield"
)

// fibMultiplier matches set.h's `k * 0x9ddfea08eb382d69ULL` bucket hash.
const fibMultiplier = 0x9ddfea08eb382d69

type node[K comparable, V any] struct {
	key   K
	value V
	next  vfield.MutableVal[*node[K, V]]
}

// slot is one hash bucket: a singly-linked chain head plus an
// optimistic version counter bumped on every structural change, so a
// reader who raced a concurrent writer can detect it and retry (set.h's
// slot).
type slot[K comparable, V any] struct {
	head       vfield.MutableVal[*node[K, V]]
	versionNum vfield.MutableVal[uint32]
}

// newSlot returns an empty slot; MutableVal's zero value already reads
// back as the type's zero value, so no explicit initialization is
// needed beyond the struct literal.
func newSlot[K comparable, V any]() slot[K, V] {
	return slot[K, V]{}
}

// HashTable is a fixed-bucket-count concurrent map.
type HashTable[K comparable, V any] struct {
	mgr    *epoch.Manager
	pool   *pool.Pool[node[K, V]]
	hashed *lock.HashedTable
	hashFn func(K) uint64
	slots  []slot[K, V]
	mask   uint64
}

// New creates a table with at least nBuckets buckets (rounded up to a
// power of two) and the given key hash function.
func New[K comparable, V any](mgr *epoch.Manager, nBuckets int, hashFn func(K) uint64) *HashTable[K, V] {
	size := 1
	for size < nBuckets {
		size <<= 1
	}
	slots := make([]slot[K, V], size)
	for i := range slots {
		slots[i] = newSlot[K, V]()
	}
	return &HashTable[K, V]{
		mgr:    mgr,
		pool:   pool.New[node[K, V]](mgr),
		hashed: lock.NewHashedTable(0),
		hashFn: hashFn,
		slots:  slots,
		mask:   uint64(size - 1),
	}
}

func (t *HashTable[K, V]) getSlot(k K) *slot[K, V] {
	idx := (t.hashFn(k) * fibMultiplier) & t.mask
	return &t.slots[idx]
}

// findInSlot returns the MutableVal cell that currently points at the
// node matching k (either the slot's head, or some node's next), and
// that node itself (nil if absent).
func (t *HashTable[K, V]) findInSlot(s *slot[K, V], k K) (cur *vfield.MutableVal[*node[K, V]], nxt *node[K, V]) {
	cur = &s.head
	nxt = cur.Load()
	for nxt != nil && nxt.key != k {
		cur = &nxt.next
		nxt = cur.Load()
	}
	return cur, nxt
}

// Find returns the value stored for k.
func (t *HashTable[K, V]) Find(k K) (V, bool) {
	s := t.getSlot(k)
	return core.WithEpoch(t.mgr, func() result[V] {
		_, nxt := t.findInSlot(s, k)
		if nxt != nil {
			return result[V]{nxt.value, true}
		}
		var zero V
		return result[V]{zero, false}
	}).unpack()
}

func (t *HashTable[K, V]) insertAt(s *slot[K, V], k K, v V) bool {
	for {
		vn := s.versionNum.Load()
		cur, nxt := t.findInSlot(s, k)
		if nxt != nil {
			return false
		}
		if t.hashed.TryLock(unsafe.Pointer(s), func() bool {
			if s.versionNum.Load() != vn {
				return false
			}
			newNode := t.pool.NewObj(func() node[K, V] { return node[K, V]{key: k, value: v} })
			cur.Store(newNode)
			s.versionNum.Store(vn + 1)
			return true
		}) {
			return true
		}
	}
}

// Insert adds k/v if absent, reporting whether it inserted.
func (t *HashTable[K, V]) Insert(k K, v V) bool {
	s := t.getSlot(k)
	return core.WithEpoch(t.mgr, func() bool { return t.insertAt(s, k, v) })
}

// Upsert calls f with the current value for k (and whether it was
// found), replacing the whole bucket entry with f's result — either a
// fresh node (not found) or a fresh node carrying the new value spliced
// in where the old one was (found), matching insertAt/removeAt's
// copy-and-CAS-the-bucket-version shape rather than mutating a node's
// value field in place.
func (t *HashTable[K, V]) Upsert(k K, f func(old V, found bool) V) bool {
	s := t.getSlot(k)
	return core.WithEpoch(t.mgr, func() bool {
		worker, _ := core.CurrentWorker(t.mgr)
		for {
			vn := s.versionNum.Load()
			cur, nxt := t.findInSlot(s, k)
			found := nxt != nil
			var newVal V
			if found {
				newVal = f(nxt.value, true)
			} else {
				newVal = f(newVal, false)
			}
			ok := t.hashed.TryLock(unsafe.Pointer(s), func() bool {
				if s.versionNum.Load() != vn {
					return false
				}
				if found {
					after := nxt.next.Load()
					replacement := t.pool.NewObj(func() node[K, V] { return node[K, V]{key: k, value: newVal} })
					replacement.next.Store(after)
					cur.Store(replacement)
					t.pool.Retire(worker, nxt)
				} else {
					newNode := t.pool.NewObj(func() node[K, V] { return node[K, V]{key: k, value: newVal} })
					cur.Store(newNode)
				}
				s.versionNum.Store(vn + 1)
				return true
			})
			if ok {
				return found
			}
		}
	})
}

func (t *HashTable[K, V]) removeAt(s *slot[K, V], k K) bool {
	worker, _ := core.CurrentWorker(t.mgr)
	for {
		vn := s.versionNum.Load()
		cur, nxt := t.findInSlot(s, k)
		if nxt == nil {
			return false
		}
		if t.hashed.TryLock(unsafe.Pointer(s), func() bool {
			if s.versionNum.Load() != vn {
				return false
			}
			cur.Store(nxt.next.Load())
			t.pool.Retire(worker, nxt)
			s.versionNum.Store(vn + 1)
			return true
		}) {
			return true
		}
	}
}

// Remove deletes k, reporting whether it was present.
func (t *HashTable[K, V]) Remove(k K) bool {
	s := t.getSlot(k)
	return core.WithEpoch(t.mgr, func() bool { return t.removeAt(s, k) })
}

// Size walks every bucket counting live entries. O(n).
func (t *HashTable[K, V]) Size() int {
	return int(t.Check())
}

// Range calls emit for every entry in the table. Bucket order has no
// relation to key order; lo/hi are accepted for interface parity but
// ignored, per treeiface.Map's contract for unordered containers.
func (t *HashTable[K, V]) Range(lo, hi K, emit func(K, V) bool) {
	core.WithEpoch(t.mgr, func() struct{} {
		for i := range t.slots {
			ptr := t.slots[i].head.Load()
			for ptr != nil {
				if !emit(ptr.key, ptr.value) {
					return struct{}{}
				}
				ptr = ptr.next.Load()
			}
		}
		return struct{}{}
	})
}

// Check walks every bucket counting entries, the Go analogue of
// check()'s parallel per-bucket count-and-reduce.
func (t *HashTable[K, V]) Check() int64 {
	var total int64
	for i := range t.slots {
		ptr := t.slots[i].head.Load()
		for ptr != nil {
			total++
			ptr = ptr.next.Load()
		}
	}
	return total
}

// Clear tears down the pool and resets every bucket to empty.
func (t *HashTable[K, V]) Clear() {
	t.pool.Clear()
	for i := range t.slots {
		t.slots[i] = newSlot[K, V]()
	}
}

// Reserve pre-faults n nodes in the underlying pool.
func (t *HashTable[K, V]) Reserve(n int) { t.pool.Reserve(n) }

// Shuffle reorders the underlying pool's free list.
func (t *HashTable[K, V]) Shuffle(n int) { t.pool.Shuffle(n) }

// Stats returns the underlying pool's diagnostics.
func (t *HashTable[K, V]) Stats() any { return t.pool.Stats() }

type result[V any] struct {
	value V
	found bool
}

func (r result[V]) unpack() (V, bool) { return r.value, r.found }
