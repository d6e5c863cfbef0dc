// Package vfield provides the versioned-field primitives flock's
// structures build on: a write-once cell, a plain atomic cell, an
// optimistic-read pointer, and a snapshot-versioned pointer chain.
package vfield

import "sync/atomic"

// WriteOnce holds a value that may be published exactly once. It mirrors
// include/flock/indirect_persistent.h's write_once<T> (used there for
// plink.next_version and for removed/done flags throughout
// structures/list_onelock/set.h's atomic_write_once<bool>).
//
// T is constrained to comparable so Validate can compare a prior Read
// against the current value, the same optimistic-read pair Ptr and
// MutableVal offer.
type WriteOnce[T comparable] struct {
	v    atomic.Pointer[T]
	done atomic.Bool // set by the one permitted Store
}

// NewWriteOnce creates a WriteOnce pre-seeded with val, for the
// construction-time case where the initial value is known before the
// field is ever exposed to a concurrent reader (write_once::init).
func NewWriteOnce[T comparable](val T) *WriteOnce[T] {
	w := &WriteOnce[T]{}
	w.v.Store(&val)
	return w
}

// Init seeds the field with val. Unlike Store, Init does not panic if
// the field already holds a value — it is meant for the same
// pre-exposure setup NewWriteOnce performs, just on a zero-value
// WriteOnce obtained some other way (e.g. embedded in a larger struct).
func (w *WriteOnce[T]) Init(v T) {
	w.v.Store(&v)
}

// Load reads the current value; the zero value if never written.
func (w *WriteOnce[T]) Load() T {
	if p := w.v.Load(); p != nil {
		return *p
	}
	var zero T
	return zero
}

// Read is Load's "only safe during a journey" counterpart in the
// original; Go has no such restricted call context, so it is an alias,
// matching Ptr.Read and MutableVal.Read.
func (w *WriteOnce[T]) Read() T {
	return w.Load()
}

// Validate re-reads the field and reports whether it still holds the
// same value as when snapshot was captured via Load/Read, confirming no
// writer interleaved since.
func (w *WriteOnce[T]) Validate(snapshot T) bool {
	return w.Load() == snapshot
}

// Store publishes v. Calling Store a second time panics: write_once means
// once, and a second publish almost always indicates a logic error in the
// caller rather than a value to silently overwrite.
func (w *WriteOnce[T]) Store(v T) {
	if !w.done.CompareAndSwap(false, true) {
		panic("vfield: WriteOnce written more than once")
	}
	w.v.Store(&v)
}

// IsSet reports whether Store has been called.
func (w *WriteOnce[T]) IsSet() bool {
	return w.done.Load()
}
