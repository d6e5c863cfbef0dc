// Package pool implements a type-partitioned memory pool with epoch-safe
// deferred free (retire), corruption-checked sentinels around every
// allocation, and per-worker retire lists. Each Retire looks its
// worker's list up under a short pool-wide mutex; the list itself is
// touched only by that worker.
package pool

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/cpu"

	"github.com/turdb/ccmap/pkg/core/epoch"
)

const (
	sentinelOK     uint64 = 0xA5A5A5A5A5A5A5A5
	sentinelFreed  uint64 = 0x5555555555555555
	sentinelPadVal uint64 = 0xA5A5A5A5A5A5A5A5
)

// boxed is the checked-mode wrapper around every pooled allocation,
// mirroring memory_pool's paddedT<T> (pad/head/value/tail).
type boxed[T any] struct {
	pad   uint64
	head  uint64 // atomic
	value T
	tail  uint64 // atomic
}

// link is one cell of a per-worker retire list.
type link[T any] struct {
	next *link[T]
	skip uint32 // atomic bool; 1 cancels the retire
	box  *boxed[T]
}

// perWorker is one worker's retire-list state, cache-line padded to avoid
// false sharing between workers retiring concurrently (memory_pool's
// alignas(256) old_current).
type perWorker[T any] struct {
	old     *link[T]
	current *link[T]
	epoch   int64
	count   int64
	last    time.Time
	_       cpu.CacheLinePad
}

// Stats reports pool diagnostics (§6 stats()); purely informational.
type Stats struct {
	Live      int64 // allocated and not yet destructed
	Retired   int64 // retired but not yet freed
	Allocated int64 // total NewObj calls
	Freed     int64 // total Destruct calls (direct + swept)
}

// Pool allocates and retires objects of type T, attached to an epoch
// Manager for safe deferred reclamation.
type Pool[T any] struct {
	mgr *epoch.Manager

	mu      sync.Mutex
	workers map[int]*perWorker[T]

	allocated int64
	freed     int64
	live      int64
	retired   int64
}

// New creates a pool of T attached to mgr.
func New[T any](mgr *epoch.Manager) *Pool[T] {
	return &Pool[T]{mgr: mgr, workers: make(map[int]*perWorker[T])}
}

func (p *Pool[T]) workerState(w int) *perWorker[T] {
	p.mu.Lock()
	defer p.mu.Unlock()
	ps, ok := p.workers[w]
	if !ok {
		ps = &perWorker[T]{last: time.Now()}
		p.workers[w] = ps
	}
	return ps
}

// boxOf recovers the enclosing *boxed[T] from a *T returned by NewObj,
// mirroring memory_pool::pad_from_T's pointer arithmetic from the value
// field back to the start of the padded allocation.
func boxOf[T any](v *T) *boxed[T] {
	var zero boxed[T]
	offset := uintptr(unsafe.Pointer(&zero.value)) - uintptr(unsafe.Pointer(&zero))
	return (*boxed[T])(unsafe.Pointer(uintptr(unsafe.Pointer(v)) - offset))
}

// NewObj constructs a new T via ctor, wraps it in sentinel padding, and
// returns a pointer usable anywhere a *T is expected.
func (p *Pool[T]) NewObj(ctor func() T) *T {
	b := &boxed[T]{pad: sentinelPadVal, value: ctor()}
	atomic.StoreUint64(&b.head, sentinelOK)
	atomic.StoreUint64(&b.tail, sentinelOK)
	atomic.AddInt64(&p.allocated, 1)
	atomic.AddInt64(&p.live, 1)
	return &b.value
}

// NewInit constructs via ctor, runs init on the new object before it is
// published to any other goroutine, and returns the pointer.
func (p *Pool[T]) NewInit(ctor func() T, init func(*T)) *T {
	v := p.NewObj(ctor)
	init(v)
	return v
}

// checkNotCorrupted validates the sentinel words around v, panicking on
// mismatch (§7: fatal invariant violation, never recovered).
func (p *Pool[T]) checkNotCorrupted(v *T) {
	b := boxOf(v)
	if b.pad != sentinelPadVal {
		panic("pool: corrupted pad word")
	}
	head := atomic.LoadUint64(&b.head)
	tail := atomic.LoadUint64(&b.tail)
	if head == sentinelFreed {
		panic("pool: double free detected (head sentinel shows already freed)")
	}
	if head != sentinelOK {
		panic("pool: corrupted head sentinel")
	}
	if tail != sentinelOK {
		panic(fmt.Sprintf("pool: corrupted tail sentinel (got %#x)", tail))
	}
}

// Destruct immediately frees v. Not safe to call concurrently with any
// reader that might still be traversing to v; use Retire instead when
// other workers may be reading.
func (p *Pool[T]) Destruct(v *T) {
	p.checkNotCorrupted(v)
	b := boxOf(v)
	atomic.StoreUint64(&b.head, sentinelFreed)
	atomic.AddInt64(&p.freed, 1)
	atomic.AddInt64(&p.live, -1)
}

// Retire defers v's free until no worker's announced epoch could still
// observe it. Returns a cancel handle: setting *handle = 1 before the
// epoch advances twice undoes the retire.
func (p *Pool[T]) Retire(w int, v *T) *uint32 {
	ps := p.workerState(w)
	p.advanceEpoch(w, ps)

	l := &link[T]{next: ps.current, box: boxOf(v)}
	ps.current = l
	atomic.AddInt64(&p.retired, 1)
	return &l.skip
}

// advanceEpoch implements memory_pool::advance_epoch: sweep the old list
// if it is provably unobservable, promote current to old, and
// opportunistically call UpdateEpoch based on count/time pacing.
func (p *Pool[T]) advanceEpoch(w int, ps *perWorker[T]) {
	if ps.epoch+1 < p.mgr.Current() {
		p.clearList(ps.old)
		ps.old = ps.current
		ps.current = nil
		ps.epoch = p.mgr.Current()
	}

	ps.count++
	now := time.Now()
	if ps.count >= int64(p.mgr.UpdateThreshold()) || now.Sub(ps.last) > p.mgr.StaggerInterval(w) {
		ps.count = 0
		ps.last = now
		p.mgr.UpdateEpoch()
	}
}

// clearList destructs and frees every non-skipped cell in the list.
func (p *Pool[T]) clearList(head *link[T]) {
	for l := head; l != nil; {
		next := l.next
		if atomic.LoadUint32(&l.skip) == 0 {
			p.destructBoxed(l.box)
		}
		atomic.AddInt64(&p.retired, -1)
		l = next
	}
}

func (p *Pool[T]) destructBoxed(b *boxed[T]) {
	if b.pad != sentinelPadVal {
		panic("pool: corrupted pad word at sweep")
	}
	head := atomic.LoadUint64(&b.head)
	tail := atomic.LoadUint64(&b.tail)
	if head == sentinelFreed {
		panic("pool: double retire detected at sweep (head already freed)")
	}
	if head != sentinelOK {
		panic("pool: corrupted head sentinel at sweep")
	}
	if tail != sentinelOK {
		panic(fmt.Sprintf("pool: corrupted tail sentinel at sweep (got %#x)", tail))
	}
	atomic.StoreUint64(&b.head, sentinelFreed)
	atomic.AddInt64(&p.freed, 1)
	atomic.AddInt64(&p.live, -1)
}

// Reserve is a pre-fault hint; this pool has no pre-allocation arena, so
// it is a no-op kept for interface parity with §6.
func (p *Pool[T]) Reserve(n int) {}

// Shuffle is a benchmark hook to reorder the free list; this pool has no
// explicit free list to reorder (the Go allocator owns storage once
// destructed), so it is a no-op kept for interface parity with §6.
func (p *Pool[T]) Shuffle(n int) {}

// Stats returns a snapshot of pool diagnostics.
func (p *Pool[T]) Stats() Stats {
	return Stats{
		Live:      atomic.LoadInt64(&p.live),
		Allocated: atomic.LoadInt64(&p.allocated),
		Freed:     atomic.LoadInt64(&p.freed),
		Retired:   atomic.LoadInt64(&p.retired),
	}
}

// Clear tears down every per-worker retire list unconditionally. Only
// safe single-threaded, at shutdown.
func (p *Pool[T]) Clear() {
	p.mgr.UpdateEpoch()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ps := range p.workers {
		p.clearList(ps.old)
		p.clearList(ps.current)
		ps.old, ps.current = nil, nil
	}
}
