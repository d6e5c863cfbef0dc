// Package lock provides the fine-grained try-lock primitives writers use
// to protect an in-place update: an inline per-object lock word, and an
// address-hashed lock table that avoids needing a lock word on every
// object at the cost of tolerating (harmless, because try_lock never
// blocks) collisions between unrelated addresses.
package lock

import (
	"sync/atomic"
	"unsafe"
)

// noOwner is the unlocked sentinel for a lock word. Owner tokens come
// from selfToken, which always sets the low bit, so they are never 0 and
// 0 is safe to reserve.
const noOwner uint64 = 0

// Inline is a single try-lockable word, embedded directly in the owning
// object (include/locks/lock_type.h's non-HashLock lock_type).
type Inline struct {
	owner uint64 // atomic
}

// TryLock attempts to acquire the lock; on success it runs f and releases
// with release semantics, returning f's result. On failure it returns
// false without running f.
func (l *Inline) TryLock(f func() bool) bool {
	if !atomic.CompareAndSwapUint64(&l.owner, noOwner, selfToken()) {
		return false
	}
	ok := f()
	atomic.StoreUint64(&l.owner, noOwner)
	return ok
}

// TryLockResult is TryLock's result-carrying variant: f returns (R, bool)
// and the (R, true) pair is propagated only if the lock was acquired and
// f succeeded; otherwise the zero value and false are returned.
func TryLockResult[R any](l *Inline, f func() (R, bool)) (R, bool) {
	var zero R
	if !atomic.CompareAndSwapUint64(&l.owner, noOwner, selfToken()) {
		return zero, false
	}
	r, ok := f()
	atomic.StoreUint64(&l.owner, noOwner)
	if !ok {
		return zero, false
	}
	return r, true
}

// WaitLock spins until the lock is unlocked, without acquiring it. Used
// to serialize with a concurrent holder (e.g. the one-lock list variant
// waiting on a neighbor's lock before trying its own, §9).
func (l *Inline) WaitLock() {
	for atomic.LoadUint64(&l.owner) != noOwner {
		// busy-wait: matches the original's spin-only wait_lock, no
		// blocking primitive is introduced here.
	}
}

// IsLocked reports whether the lock is currently held by anyone.
func (l *Inline) IsLocked() bool {
	return atomic.LoadUint64(&l.owner) != noOwner
}

// selfToken returns a nonzero value identifying the calling attempt. The
// exact value only needs to be nonzero and distinguishable from noOwner;
// the address of a stack variable is cheap and unique per call.
func selfToken() uint64 {
	var x int
	return uint64(uintptr(unsafe.Pointer(&x))) | 1
}
