package vfield

import "sync/atomic"

// Ptr is an optimistic-read pointer field: Load/Read return the current
// value the way flock's ptr_type<T> fields do throughout
// structures/list/set.h and structures/btree/set.h ("cur->next.load()"),
// Validate re-checks that the field still holds the value a prior Load
// returned (used to confirm an optimistic traversal saw a consistent
// snapshot), and Store/CAS
// publish a new value with release/CAS semantics.
type Ptr[T comparable] struct {
	v atomic.Pointer[T]
}

// NewPtr creates a Ptr initialized to val.
func NewPtr[T comparable](val T) *Ptr[T] {
	p := &Ptr[T]{}
	p.v.Store(&val)
	return p
}

// Load reads the current value, usable anywhere (mirrors ptr_type::load).
func (p *Ptr[T]) Load() T {
	if box := p.v.Load(); box != nil {
		return *box
	}
	var zero T
	return zero
}

// Read is Load's "only safe during a journey" counterpart in the
// original; Go has no such restricted call context, so it is an alias.
func (p *Ptr[T]) Read() T {
	return p.Load()
}

// Validate re-reads the field and reports whether its value still equals
// snapshot, as captured via Load. It compares values, not stores: a
// writer that published snapshot's value again in between (A-B-A) is not
// detected.
func (p *Ptr[T]) Validate(snapshot T) bool {
	return p.Load() == snapshot
}

// Store unconditionally publishes val.
func (p *Ptr[T]) Store(val T) {
	p.v.Store(&val)
}

// CAS publishes new if the field still holds old.
func (p *Ptr[T]) CAS(old, new T) bool {
	cur := p.v.Load()
	if cur == nil || *cur != old {
		return false
	}
	return p.v.CompareAndSwap(cur, &new)
}
