// Package list implements a sorted singly-linked-list set/map with one
// lock per node, grounded directly on
// structures/list_onelock/set.h — the "one lock instead of two for
// remove" variant that uses wait_lock on a node's predecessor (and, for
// remove, its successor) to stay lock-free while still serializing
// conflicting in-place updates.
package list

import (
	"cmp"

	"github.com/turdb/ccmap/pkg/core"
	"github.com/turdb/ccmap/pkg/core/epoch"
	"github.com/turdb/ccmap/pkg/core/lock"
	"github.com/turdb/ccmap/pkg/core/pool"
	"github.com/turdb/ccmap/pkg/core/vfield"
)

const (
	initDelay = 200
	maxDelay  = 2000
)

type node[K cmp.Ordered, V any] struct {
	next    vfield.Ptr[*node[K, V]]
	key     K
	value   V
	isEnd   bool
	removed vfield.WriteOnce[bool]
	lck     lock.Inline
}

// List is a sorted linked list keyed by K, safe for concurrent
// find/insert/remove.
type List[K cmp.Ordered, V any] struct {
	mgr  *epoch.Manager
	pool *pool.Pool[node[K, V]]
	root *node[K, V]
}

// New creates an empty list attached to mgr for epoch-safe reclamation.
func New[K cmp.Ordered, V any](mgr *epoch.Manager) *List[K, V] {
	p := pool.New[node[K, V]](mgr)
	tail := p.NewObj(func() node[K, V] { return node[K, V]{isEnd: true} })
	head := p.NewObj(func() node[K, V] { return node[K, V]{} })
	head.next.Store(tail)
	return &List[K, V]{mgr: mgr, pool: p, root: head}
}

// findLocation returns (prev, cur, nxt) such that nxt is the first node
// whose key is >= k (or the tail), mirroring find_location's two-ahead
// walk (it reads nxt_nxt as a prefetch before deciding to advance).
func (l *List[K, V]) findLocation(k K) (prev, cur, nxt *node[K, V]) {
	cur = l.root
	nxt = cur.next.Read()
	for {
		nxtNxt := nxt.next.Read()
		if nxt.isEnd || nxt.key >= k {
			break
		}
		prev = cur
		cur = nxt
		nxt = nxtNxt
	}
	return prev, cur, nxt
}

// Find returns the value stored for k.
func (l *List[K, V]) Find(k K) (V, bool) {
	return core.WithEpoch(l.mgr, func() result[V] {
		_, _, nxt := l.findLocation(k)
		if !nxt.isEnd && nxt.key == k {
			return result[V]{nxt.value, true}
		}
		var zero V
		return result[V]{zero, false}
	}).unpack()
}

// Insert adds k/v if absent, reporting whether it inserted.
func (l *List[K, V]) Insert(k K, v V) bool {
	return core.WithEpoch(l.mgr, func() bool {
		delay := initDelay
		for {
			prev, cur, nxt := l.findLocation(k)
			if !nxt.isEnd && nxt.key == k {
				return false
			}
			if prev != nil {
				prev.lck.WaitLock()
			}
			if cur.lck.TryLock(func() bool {
				if cur.removed.Load() || cur.next.Load() != nxt {
					return false
				}
				newNode := l.pool.NewObj(func() node[K, V] { return node[K, V]{key: k, value: v} })
				newNode.next.Store(nxt)
				cur.next.Store(newNode)
				return true
			}) {
				return true
			}
			delay = spinAndGrow(delay)
		}
	})
}

// Upsert calls f with the current value for k (and whether it was
// found), storing f's result as a freshly-allocated replacement node
// spliced in under cur's lock — the same splice-and-retire shape as
// Insert/Remove, rather than mutating a live node's value in place,
// since no field here is safe for a reader to observe mid-write. Reports
// whether k was already present.
func (l *List[K, V]) Upsert(k K, f func(old V, found bool) V) bool {
	return core.WithEpoch(l.mgr, func() bool {
		delay := initDelay
		worker, _ := core.CurrentWorker(l.mgr)
		for {
			prev, cur, nxt := l.findLocation(k)
			found := !nxt.isEnd && nxt.key == k
			if prev != nil {
				prev.lck.WaitLock()
			}
			ok := cur.lck.TryLock(func() bool {
				if cur.removed.Load() || cur.next.Load() != nxt {
					return false
				}
				if found {
					if nxt.lck.IsLocked() {
						return false
					}
					nxt.removed.Store(true)
					nxt.lck.WaitLock()
					after := nxt.next.Load()
					replacement := l.pool.NewObj(func() node[K, V] { return node[K, V]{key: k, value: f(nxt.value, true)} })
					replacement.next.Store(after)
					cur.next.Store(replacement)
					l.pool.Retire(worker, nxt)
				} else {
					newNode := l.pool.NewObj(func() node[K, V] { return node[K, V]{key: k, value: f(zeroVal[V](), false)} })
					newNode.next.Store(nxt)
					cur.next.Store(newNode)
				}
				return true
			})
			if ok {
				return found
			}
			delay = spinAndGrow(delay)
		}
	})
}

func zeroVal[V any]() V {
	var z V
	return z
}

// Remove deletes k, reporting whether it was present.
func (l *List[K, V]) Remove(k K) bool {
	return core.WithEpoch(l.mgr, func() bool {
		delay := initDelay
		worker, _ := core.CurrentWorker(l.mgr)
		for {
			prev, cur, nxt := l.findLocation(k)
			if nxt.isEnd || nxt.key != k {
				return false
			}
			if prev != nil {
				prev.lck.WaitLock()
			}
			nxt.lck.WaitLock()
			if cur.lck.TryLock(func() bool {
				if cur.removed.Load() || cur.next.Load() != nxt || nxt.lck.IsLocked() {
					return false
				}
				nxt.removed.Store(true)
				nxt.lck.WaitLock()
				a := nxt.next.Load()
				cur.next.Store(a)
				l.pool.Retire(worker, nxt)
				return true
			}) {
				return true
			}
			delay = spinAndGrow(delay)
		}
	})
}

func spinAndGrow(delay int) int {
	for i := 0; i < delay; i++ {
	}
	if 2*delay < maxDelay {
		return 2 * delay
	}
	return maxDelay
}

// Size walks the list counting live entries. O(n); meant for tests and
// diagnostics, not the hot path.
func (l *List[K, V]) Size() int {
	return int(l.Check())
}

// Range calls emit for every key in [lo, hi], in ascending order.
func (l *List[K, V]) Range(lo, hi K, emit func(K, V) bool) {
	core.WithEpoch(l.mgr, func() struct{} {
		ptr := l.root.next.Load()
		for !ptr.isEnd && ptr.key < lo {
			ptr = ptr.next.Load()
		}
		for !ptr.isEnd && ptr.key <= hi {
			if !emit(ptr.key, ptr.value) {
				break
			}
			ptr = ptr.next.Load()
		}
		return struct{}{}
	})
}

// Check walks the list verifying strictly increasing keys, panicking on
// a violation (fatal invariant, mirrors check()'s abort()).
func (l *List[K, V]) Check() int64 {
	ptr := l.root.next.Load()
	if ptr.isEnd {
		return 0
	}
	k := ptr.key
	ptr = ptr.next.Load()
	var i int64 = 1
	for !ptr.isEnd {
		i++
		if ptr.key <= k {
			panic("list: bad key ordering detected during check")
		}
		k = ptr.key
		ptr = ptr.next.Load()
	}
	return i
}

// Clear tears down the pool, invalidating every node.
func (l *List[K, V]) Clear() {
	l.pool.Clear()
	tail := l.pool.NewObj(func() node[K, V] { return node[K, V]{isEnd: true} })
	head := l.pool.NewObj(func() node[K, V] { return node[K, V]{} })
	head.next.Store(tail)
	l.root = head
}

// Reserve pre-faults n nodes in the underlying pool.
func (l *List[K, V]) Reserve(n int) { l.pool.Reserve(n) }

// Shuffle reorders the underlying pool's free list.
func (l *List[K, V]) Shuffle(n int) { l.pool.Shuffle(n) }

// Stats returns the underlying pool's diagnostics.
func (l *List[K, V]) Stats() any { return l.pool.Stats() }

type result[V any] struct {
	value V
	found bool
}

func (r result[V]) unpack() (V, bool) { return r.value, r.found }
