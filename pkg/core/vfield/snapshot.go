package vfield

import "sync/atomic"

// tbd (to-be-determined) marks a version link whose commit timestamp has
// not yet been assigned, matching indirect_persistent.h's plink ctor
// defaulting time_stamp to tbd. Store and CAS stamp a new link right after
// publishing it; a reader that meets the link while it is still tbd
// stamps it first.
const tbd int64 = -1

// zeroStamp is the timestamp of a version created before any snapshot
// could have started, matching link_pool.new_obj(zero_stamp, ...) calls
// seeding a persistent_ptr's initial version.
const zeroStamp int64 = 0

// SnapshotClock is the process-wide monotonic write-timestamp source
// (flock's global_stamp) plus the per-call local_stamp used while inside
// a snapshot. It is the vfield analogue of epoch.Manager, but for
// multi-version read consistency instead of memory reclamation.
type SnapshotClock struct {
	ts int64 // atomic, monotonically increasing write timestamp
}

// NewSnapshotClock creates a clock reading zeroStamp; its first write
// stamp is zeroStamp+1.
func NewSnapshotClock() *SnapshotClock {
	return &SnapshotClock{ts: zeroStamp}
}

// NextWriteStamp returns a fresh, strictly increasing write timestamp,
// matching global_stamp.get_write_stamp().
func (c *SnapshotClock) NextWriteStamp() int64 {
	return atomic.AddInt64(&c.ts, 1)
}

// ReadStamp returns the current write timestamp without advancing it,
// used to seed a reader's local_stamp at the start of a snapshot.
func (c *SnapshotClock) ReadStamp() int64 {
	return atomic.LoadInt64(&c.ts)
}

// versionLink is one cell of a version chain, the Go analogue of plink:
// a lazily-stamped commit time, an append-only link to the prior
// version, and the value itself.
type versionLink[T comparable] struct {
	timeStamp int64 // atomic; tbd until set_stamp forces it
	next      WriteOnce[*versionLink[T]]
	value     T
}

// VersionedPtr is a multi-version field: readers inside a snapshot see
// the version live at their local timestamp, while readers outside a
// snapshot always see the latest. This is the Go analogue of
// indirect_persistent.h's persistent_ptr<V>. T is constrained to
// comparable so CAS can compare the currently-visible value against a
// caller's expected value without risking a runtime panic.
type VersionedPtr[T comparable] struct {
	clock *SnapshotClock
	head  MutableVal[*versionLink[T]]
}

// NewVersionedPtr creates a VersionedPtr seeded with val at zeroStamp, so
// that any snapshot — however early its local timestamp — can see it.
func NewVersionedPtr[T comparable](clock *SnapshotClock, val T) *VersionedPtr[T] {
	p := &VersionedPtr[T]{clock: clock}
	p.head = *NewMutableVal(&versionLink[T]{timeStamp: zeroStamp, value: val})
	return p
}

// setStamp forces l's time stamp to a real value the first time any
// reader needs to order against it, matching persistent_ptr::set_stamp's
// lazy CAS from tbd to global_stamp.get_write_stamp().
func (p *VersionedPtr[T]) setStamp(l *versionLink[T]) *versionLink[T] {
	if atomic.LoadInt64(&l.timeStamp) == tbd {
		atomic.CompareAndSwapInt64(&l.timeStamp, tbd, p.clock.NextWriteStamp())
	}
	return l
}

// ReadSnapshot returns the version of the value visible as of localTS,
// matching persistent_ptr::read_snapshot: walk the (append-only, newest
// first) version chain until a timestamp at or before localTS is found.
func (p *VersionedPtr[T]) ReadSnapshot(localTS int64) T {
	head := p.setStamp(p.head.Load())
	for head != nil && atomic.LoadInt64(&head.timeStamp) > localTS {
		head = head.next.Load()
	}
	return head.value
}

// Load returns the latest value, with no snapshot semantics — the Go
// analogue of persistent_ptr::load() called outside a journey.
func (p *VersionedPtr[T]) Load() T {
	return p.setStamp(p.head.Load()).value
}

// Store publishes a new version, appending (never splicing) the old
// head as its predecessor, matching persistent_ptr::store.
func (p *VersionedPtr[T]) Store(val T) {
	old := p.head.Load()
	next := &versionLink[T]{timeStamp: tbd, value: val}
	next.next.Store(old)
	p.head.CAS(old, next)
	p.setStamp(next)
}

// CAS publishes new as a fresh version if the latest value currently
// visible equals old, appending rather than mutating in place like
// Store. Reports whether the swap happened.
func (p *VersionedPtr[T]) CAS(old, new T) bool {
	oldLink := p.head.Load()
	if p.setStamp(oldLink).value != old {
		return false
	}
	next := &versionLink[T]{timeStamp: tbd, value: new}
	next.next.Store(oldLink)
	if !p.head.CAS(oldLink, next) {
		return false
	}
	p.setStamp(next)
	return true
}
