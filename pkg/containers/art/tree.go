package art

import (
	"cmp"
	"sync/atomic"

	"github.com/turdb/ccmap/pkg/core"
	"github.com/turdb/ccmap/pkg/core/epoch"
	"github.com/turdb/ccmap/pkg/core/vfield"
)

// Tree is an adaptive radix tree keyed by a fixed-width byte encoding of
// K, safe for concurrent find/insert/remove via optimistic lock
// coupling on every inner node descended through. Find runs inside
// WithSnapshot, so a long-lived reader is guaranteed a root published
// at or before its local timestamp even if a concurrent Upsert/Remove
// replaces the root underneath (see vfield.VersionedPtr) — but that
// guarantee stops at the root. Every interior child pointer below it is
// a plain *artNode mutated in place under optimistic lock coupling,
// which validates a descent against the *current* state of each node,
// not a historical one: a Find can and does observe inserts/removes
// committed after its local timestamp as it descends. Full multi-key
// snapshot/prefix consistency (spec.md §8 scenario 3) is delivered by
// vfield.VersionedPtr itself, not by this container; see DESIGN.md.
type Tree[K cmp.Ordered, V any] struct {
	mgr   *epoch.Manager
	clock *vfield.SnapshotClock
	keyOf func(K) []byte

	root *vfield.VersionedPtr[*artNode[K, V]]
	size int64 // atomic, maintained incrementally
}

// New creates an empty tree. keyOf must produce a fixed-width byte
// encoding of K whose lexicographic byte order matches K's natural
// order (e.g. big-endian for integers) — without path compression, a
// fixed width is what lets trie depth equal key length resolve every
// lookup unambiguously.
func New[K cmp.Ordered, V any](mgr *epoch.Manager, keyOf func(K) []byte) *Tree[K, V] {
	clock := vfield.NewSnapshotClock()
	t := &Tree[K, V]{mgr: mgr, clock: clock, keyOf: keyOf}
	t.root = vfield.NewVersionedPtr[*artNode[K, V]](clock, nil)
	return t
}

type result[V any] struct {
	value V
	found bool
}

func (r result[V]) unpack() (V, bool) { return r.value, r.found }

func zeroV[V any]() V {
	var z V
	return z
}

// Find returns the value stored for k.
func (t *Tree[K, V]) Find(k K) (V, bool) {
	kb := t.keyOf(k)
	return core.WithSnapshot(t.mgr, t.clock, func(localTS int64) result[V] {
		root := t.root.ReadSnapshot(localTS)
		if root == nil {
			return result[V]{zeroV[V](), false}
		}
		return lookup(root, kb)
	}).unpack()
}

// lookup descends byte by byte using optimistic lock coupling, each
// inner node's version validated after reading its child; any
// validation failure restarts the whole descent from root.
func lookup[K cmp.Ordered, V any](root *artNode[K, V], kb []byte) result[V] {
	for {
		cur := root
		restart := false
		for depth := 0; ; depth++ {
			if cur.isLeaf() {
				if string(cur.leaf.keyBytes) == string(kb) {
					return result[V]{cur.leaf.value, true}
				}
				return result[V]{zeroV[V](), false}
			}
			version, _ := cur.readLockOrRestart()
			if depth >= len(kb) {
				return result[V]{zeroV[V](), false}
			}
			child := cur.findChild(kb[depth])
			if cur.readUnlockOrRestart(version) {
				restart = true
				break
			}
			if child == nil {
				return result[V]{zeroV[V](), false}
			}
			cur = child
		}
		if restart {
			continue
		}
	}
}

// Insert adds k/v if absent, reporting whether it inserted.
func (t *Tree[K, V]) Insert(k K, v V) bool {
	kb := t.keyOf(k)
	return core.WithEpoch(t.mgr, func() bool {
		for {
			if ok, done := t.tryInsert(kb, k, v); done {
				return ok
			}
		}
	})
}

// tryInsert attempts one optimistic-lock-coupled insert descent,
// reporting (result, true) on success or definitive failure (key
// exists), or (_, false) to ask the caller to restart.
func (t *Tree[K, V]) tryInsert(kb []byte, fullKey K, v V) (bool, bool) {
	root := t.root.Load()
	if root == nil {
		leaf := newLeaf[K, V](fullKey, kb, v)
		if !t.root.CAS(nil, leaf) {
			return false, false
		}
		t.bumpSize(1)
		return true, true
	}

	var parent *artNode[K, V]
	var parentVersion uint64
	var parentByte byte
	cur := root
	for depth := 0; ; depth++ {
		if cur.isLeaf() {
			if string(cur.leaf.keyBytes) == string(kb) {
				return false, true // already present
			}
			return t.splitLeaf(parent, parentVersion, parentByte, cur, kb, fullKey, v, depth)
		}
		version, _ := cur.readLockOrRestart()
		if depth >= len(kb) {
			return false, true
		}
		b := kb[depth]
		child := cur.findChild(b)
		if cur.readUnlockOrRestart(version) {
			return false, false
		}
		if child == nil {
			return t.insertIntoNode(cur, version, b, fullKey, kb, v)
		}
		parent, parentVersion, parentByte = cur, version, b
		cur = child
	}
}

// insertIntoNode adds a fresh leaf for b under n, growing n to the next
// size class first if it is full, matching N::insertGrow's two paths.
func (t *Tree[K, V]) insertIntoNode(n *artNode[K, V], version uint64, b byte, fullKey K, kb []byte, v V) (bool, bool) {
	leaf := newLeaf[K, V](fullKey, kb, v)
	if n.upgradeToWriteLockOrRestart(version) {
		return false, false
	}
	if n.isFull() {
		// n is full: grow it in place under its own write lock rather
		// than splicing a bigger copy back into the parent — safe
		// because n's address (and every existing pointer to it) does
		// not change. grown() returns a node with a fresh (zero, i.e.
		// unlocked) lock word; stamp it with the currently-held
		// write-locked version *before* the struct copy, never after —
		// a concurrent readLockOrRestart (node.go) only spins while
		// version is odd, so even a brief window where n.version reads
		// even during the multi-word copy would let a reader pass the
		// spin and then validate torn kind/keys/index/children fields
		// against that same stale-even value.
		g := n.grown()
		g.version = n.version
		*n = *g
	}
	n.addChild(b, leaf)
	n.writeUnlock()
	t.bumpSize(1)
	return true, true
}

// splitLeaf replaces an existing leaf at trie level depth with a chain
// of single-entry node4s, one per byte the two keys share from depth on,
// ending in a 2-entry node4 that branches on the first byte they differ
// at — every inner node at level d is indexed by key byte d, since there
// is no path compression to skip levels.
func (t *Tree[K, V]) splitLeaf(parent *artNode[K, V], parentVersion uint64, parentByte byte, oldLeaf *artNode[K, V], kb []byte, fullKey K, v V, depth int) (bool, bool) {
	oldKB := oldLeaf.leaf.keyBytes
	splitDepth := depth
	for splitDepth < len(kb) && splitDepth < len(oldKB) && kb[splitDepth] == oldKB[splitDepth] {
		splitDepth++
	}
	if splitDepth >= len(kb) || splitDepth >= len(oldKB) {
		// One key is a strict prefix of the other: not representable
		// without path compression's "leaf at an internal node" slot.
		// keyOf's fixed-width contract guarantees this cannot happen
		// for two distinct keys; guard anyway rather than corrupt the
		// tree.
		return false, true
	}
	branch := newInner[K, V](kindNode4)
	newL := newLeaf[K, V](fullKey, kb, v)
	branch.addChild(oldKB[splitDepth], oldLeaf)
	branch.addChild(kb[splitDepth], newL)
	for d := splitDepth - 1; d >= depth; d-- {
		up := newInner[K, V](kindNode4)
		up.addChild(kb[d], branch)
		branch = up
	}

	if parent == nil {
		if !t.root.CAS(oldLeaf, branch) {
			return false, false
		}
		t.bumpSize(1)
		return true, true
	}
	if parent.upgradeToWriteLockOrRestart(parentVersion) {
		return false, false
	}
	if parent.findChild(parentByte) != oldLeaf {
		parent.writeUnlock()
		return false, false
	}
	parent.removeChild(parentByte)
	parent.addChild(parentByte, branch)
	parent.writeUnlock()
	t.bumpSize(1)
	return true, true
}

func (t *Tree[K, V]) bumpSize(delta int64) { atomic.AddInt64(&t.size, delta) }

// Upsert calls f with the current value for k (and whether it was
// found), storing f's result as a freshly-allocated leaf spliced in
// where the old one was (found) or inserted fresh (not found). Reports
// whether k was already present.
func (t *Tree[K, V]) Upsert(k K, f func(old V, found bool) V) bool {
	kb := t.keyOf(k)
	return core.WithEpoch(t.mgr, func() bool {
		for {
			if found, done := t.tryUpsert(kb, k, f); done {
				return found
			}
		}
	})
}

func (t *Tree[K, V]) tryUpsert(kb []byte, fullKey K, f func(old V, found bool) V) (bool, bool) {
	root := t.root.Load()
	if root == nil {
		leaf := newLeaf[K, V](fullKey, kb, f(zeroV[V](), false))
		if !t.root.CAS(nil, leaf) {
			return false, false
		}
		t.bumpSize(1)
		return false, true
	}

	var parent *artNode[K, V]
	var parentVersion uint64
	var parentByte byte
	cur := root
	for depth := 0; ; depth++ {
		if cur.isLeaf() {
			if string(cur.leaf.keyBytes) != string(kb) {
				_, done := t.splitLeaf(parent, parentVersion, parentByte, cur, kb, fullKey, f(zeroV[V](), false), depth)
				if !done {
					return false, false
				}
				return false, true
			}
			newVal := f(cur.leaf.value, true)
			newLeafNode := newLeaf[K, V](fullKey, kb, newVal)
			if parent == nil {
				if !t.root.CAS(cur, newLeafNode) {
					return false, false
				}
				return true, true
			}
			if parent.upgradeToWriteLockOrRestart(parentVersion) {
				return false, false
			}
			if parent.findChild(parentByte) != cur {
				parent.writeUnlock()
				return false, false
			}
			parent.removeChild(parentByte)
			parent.addChild(parentByte, newLeafNode)
			parent.writeUnlock()
			return true, true
		}
		version, _ := cur.readLockOrRestart()
		if depth >= len(kb) {
			return false, true
		}
		b := kb[depth]
		child := cur.findChild(b)
		if cur.readUnlockOrRestart(version) {
			return false, false
		}
		if child == nil {
			_, done := t.insertIntoNode(cur, version, b, fullKey, kb, f(zeroV[V](), false))
			if !done {
				return false, false
			}
			return false, true
		}
		parent, parentVersion, parentByte = cur, version, b
		cur = child
	}
}

// Remove deletes k, reporting whether it was present.
func (t *Tree[K, V]) Remove(k K) bool {
	kb := t.keyOf(k)
	return core.WithEpoch(t.mgr, func() bool {
		for {
			if ok, done := t.tryRemove(kb); done {
				return ok
			}
		}
	})
}

func (t *Tree[K, V]) tryRemove(kb []byte) (bool, bool) {
	root := t.root.Load()
	if root == nil {
		return false, true
	}
	if root.isLeaf() {
		if string(root.leaf.keyBytes) != string(kb) {
			return false, true
		}
		if !t.root.CAS(root, nil) {
			return false, false
		}
		t.bumpSize(-1)
		return true, true
	}

	cur := root
	for depth := 0; ; depth++ {
		version, _ := cur.readLockOrRestart()
		if depth >= len(kb) {
			return false, true
		}
		b := kb[depth]
		child := cur.findChild(b)
		if cur.readUnlockOrRestart(version) {
			return false, false
		}
		if child == nil {
			return false, true
		}
		if child.isLeaf() {
			if string(child.leaf.keyBytes) != string(kb) {
				return false, true
			}
			if cur.upgradeToWriteLockOrRestart(version) {
				return false, false
			}
			if cur.findChild(b) != child {
				cur.writeUnlock()
				return false, false
			}
			cur.removeChild(b)
			cur.writeUnlock()
			t.bumpSize(-1)
			return true, true
		}
		cur = child
	}
}

// Size returns the maintained live-key count.
func (t *Tree[K, V]) Size() int {
	return int(atomic.LoadInt64(&t.size))
}

// Range calls emit for every key in [lo, hi] in ascending order,
// relying on keyOf's byte encoding matching K's natural order so a
// byte-order trie walk yields keys in ascending K order.
func (t *Tree[K, V]) Range(lo, hi K, emit func(K, V) bool) {
	core.WithEpoch(t.mgr, func() struct{} {
		root := t.root.Load()
		if root != nil {
			rangeWalk(root, lo, hi, emit)
		}
		return struct{}{}
	})
}

func rangeWalk[K cmp.Ordered, V any](n *artNode[K, V], lo, hi K, emit func(K, V) bool) bool {
	if n.isLeaf() {
		if n.leaf.fullKey < lo || n.leaf.fullKey > hi {
			return true
		}
		return emit(n.leaf.fullKey, n.leaf.value)
	}
	for b := 0; b < 256; b++ {
		child := n.findChild(byte(b))
		if child == nil {
			continue
		}
		if !rangeWalk(child, lo, hi, emit) {
			return false
		}
	}
	return true
}

// Check walks the tree verifying the maintained key count matches an
// exhaustive leaf count, panicking on a mismatch.
func (t *Tree[K, V]) Check() int64 {
	root := t.root.Load()
	if root == nil {
		return 0
	}
	var count int64
	checkWalk(root, &count)
	if count != atomic.LoadInt64(&t.size) {
		panic("art: Check() count diverged from maintained Size()")
	}
	return count
}

func checkWalk[K cmp.Ordered, V any](n *artNode[K, V], count *int64) {
	if n.isLeaf() {
		*count++
		return
	}
	for b := 0; b < 256; b++ {
		if child := n.findChild(byte(b)); child != nil {
			checkWalk(child, count)
		}
	}
}

// Clear removes every entry.
func (t *Tree[K, V]) Clear() {
	t.root.Store(nil)
	atomic.StoreInt64(&t.size, 0)
}

// Reserve is a no-op: this tree has no arena to pre-fault.
func (t *Tree[K, V]) Reserve(n int) {}

// Shuffle is a no-op: this tree has no free list to reorder.
func (t *Tree[K, V]) Shuffle(n int) {}

// nodeHistogram counts inner nodes by kind and the average fill ratio
// within each, a diagnostic for whether keys are driving wide fan-out
// (many node256s) or staying sparse (mostly node4s).
type nodeHistogram struct {
	Leaves                            int64
	Node4, Node16, Node48, Node256    int64
	Node4Fill, Node16Fill, Node48Fill float64
	Node256Fill                       float64
}

func histogramWalk[K cmp.Ordered, V any](n *artNode[K, V], h *nodeHistogram) {
	if n.isLeaf() {
		h.Leaves++
		return
	}
	fill := float64(n.count) / float64(n.kind.capacity())
	switch n.kind {
	case kindNode4:
		h.Node4++
		h.Node4Fill += fill
	case kindNode16:
		h.Node16++
		h.Node16Fill += fill
	case kindNode48:
		h.Node48++
		h.Node48Fill += fill
	default:
		h.Node256++
		h.Node256Fill += fill
	}
	for b := 0; b < 256; b++ {
		if child := n.findChild(byte(b)); child != nil {
			histogramWalk(child, h)
		}
	}
}

// Stats reports the live key count plus a per-node-kind histogram.
func (t *Tree[K, V]) Stats() any {
	h := nodeHistogram{}
	if root := t.root.Load(); root != nil {
		histogramWalk(root, &h)
	}
	if h.Node4 > 0 {
		h.Node4Fill /= float64(h.Node4)
	}
	if h.Node16 > 0 {
		h.Node16Fill /= float64(h.Node16)
	}
	if h.Node48 > 0 {
		h.Node48Fill /= float64(h.Node48)
	}
	if h.Node256 > 0 {
		h.Node256Fill /= float64(h.Node256)
	}
	return struct {
		Size int64
		nodeHistogram
	}{atomic.LoadInt64(&t.size), h}
}
