// Package treeiface defines the uniform client interface every
// concurrent container in pkg/containers implements, so benchmark and
// test code can run the same workload against the list, hashtable, and
// ART implementations interchangeably. Generalized from
// pkg/tree/interface.go's Tree/Cursor split, which let the original
// database swap between its page-based btree and its copy-on-write
// btree behind one interface.
package treeiface

// Map is the contract a concurrent ordered-or-unordered key/value
// container exposes to benchmark drivers and tests.
type Map[K any, V any] interface {
	// Find returns the value stored for k, or the zero value and false
	// if k is absent.
	Find(k K) (V, bool)

	// Insert adds k/v if k is absent, reporting whether it inserted.
	Insert(k K, v V) bool

	// Upsert calls f with the current value for k (and whether it was
	// found), storing f's result as the new value. Reports whether k
	// was already present.
	Upsert(k K, f func(old V, found bool) V) bool

	// Remove deletes k, reporting whether it was present.
	Remove(k K) bool

	// Size returns the current key count.
	Size() int

	// Range calls emit for every key in [lo, hi] in ascending order,
	// stopping early if emit returns false. Only meaningful for ordered
	// containers; unordered containers (e.g. the hashtable) may treat
	// lo/hi as no-ops and emit every entry in arbitrary order.
	Range(lo, hi K, emit func(K, V) bool)

	// Check walks the container verifying its structural invariants,
	// returning the key count it found (which must equal Size()).
	// Panics on a violated invariant, per the fatal error path.
	Check() int64

	// Clear removes every entry.
	Clear()

	// Reserve is a pre-fault hint for containers with arena-style
	// storage; a no-op otherwise.
	Reserve(n int)

	// Shuffle is a benchmark hook that reorders a container's internal
	// free list, used to study access-pattern sensitivity; a no-op for
	// containers with none.
	Shuffle(n int)

	// Stats returns implementation-specific diagnostics (e.g. pool
	// Stats, node-count histograms).
	Stats() any
}
