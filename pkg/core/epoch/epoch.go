// Package epoch implements epoch-based safe memory reclamation: a global
// monotonically non-decreasing counter, per-worker announcement slots, and
// the before/after hooks that let a typed pool sweep retired objects once
// no announced worker can still observe them.
package epoch

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/cpu"
)

// Unannounced is the sentinel announced-epoch value meaning "worker w is
// not currently inside a with_epoch/with_snapshot scope".
const Unannounced int64 = -1

// retiresPerEpochBump is the per-worker retire count that triggers an
// opportunistic UpdateEpoch call, expressed as a multiple of the worker
// count (flock_hash/epoch.h: update_threshold = 10 * workers).
const retiresPerEpochBump = 10

// millisBetweenEpochUpdates is the time-based trigger for an opportunistic
// UpdateEpoch call, staggered per worker id to avoid a convoy.
const millisBetweenEpochUpdates = 20.0

// announceSlot is one worker's announced epoch, cache-line padded so that
// concurrent announces from different workers never false-share.
type announceSlot struct {
	last int64 // atomic; Unannounced when not in an epoch
	_    cpu.CacheLinePad
}

// Manager owns the global epoch counter and the per-worker announcement
// table. The zero value is not usable; construct with New.
type Manager struct {
	globalEpoch int64 // atomic

	mu      sync.Mutex
	slots   []*announceSlot
	free    []int // released worker ids, reusable
	workers int32 // atomic, number of slots ever handed out (upper bound on active workers)

	hookMu       sync.Mutex
	beforeHooks  []func()
	afterHooks   []func()
}

// New creates an empty Manager with no announced workers.
func New() *Manager {
	return &Manager{}
}

// Announce associates the calling worker with the current epoch and
// returns a worker id to pass to Unannounce/GetMyEpoch/SetMyEpoch. It
// reads the global epoch, publishes it with a full fence, then re-reads
// and retries until the value agrees — matching flock's announce().
func (m *Manager) Announce() int {
	w := m.acquireSlot()
	slot := m.slotFor(w)
	for {
		e := atomic.LoadInt64(&m.globalEpoch)
		atomic.StoreInt64(&slot.last, e)
		if atomic.LoadInt64(&m.globalEpoch) == e {
			return w
		}
	}
}

// Unannounce releases worker w's participation in epoch reclamation and
// returns its id to the free-list for reuse by a later goroutine.
func (m *Manager) Unannounce(w int) {
	atomic.StoreInt64(&m.slotFor(w).last, Unannounced)
	m.releaseSlot(w)
}

// GetMyEpoch returns the epoch last announced by worker w, or Unannounced.
func (m *Manager) GetMyEpoch(w int) int64 {
	return atomic.LoadInt64(&m.slotFor(w).last)
}

// SetMyEpoch directly sets worker w's announced epoch, for clients that
// want finer control than Announce/Unannounce.
func (m *Manager) SetMyEpoch(w int, e int64) {
	atomic.StoreInt64(&m.slotFor(w).last, e)
}

// slotFor returns worker w's announce slot, guarding the read of m.slots'
// header against a concurrent reallocating append in acquireSlot.
func (m *Manager) slotFor(w int) *announceSlot {
	m.mu.Lock()
	s := m.slots[w]
	m.mu.Unlock()
	return s
}

// Current returns the current global epoch.
func (m *Manager) Current() int64 {
	return atomic.LoadInt64(&m.globalEpoch)
}

// RegisterBeforeHook registers a thunk run immediately before the epoch
// is incremented. Hooks must be registered before concurrent use begins.
func (m *Manager) RegisterBeforeHook(fn func()) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.beforeHooks = append(m.beforeHooks, fn)
}

// RegisterAfterHook registers a thunk run immediately after a successful
// epoch increment.
func (m *Manager) RegisterAfterHook(fn func()) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.afterHooks = append(m.afterHooks, fn)
}

// UpdateEpoch advances the global epoch by one if every announced worker
// has caught up to (or is not participating in) the current epoch. It
// advances at most once per call and never blocks.
func (m *Manager) UpdateEpoch() {
	current := atomic.LoadInt64(&m.globalEpoch)

	m.mu.Lock()
	slots := m.slots
	m.mu.Unlock()

	for _, s := range slots {
		last := atomic.LoadInt64(&s.last)
		if last != Unannounced && last < current {
			return
		}
	}

	m.hookMu.Lock()
	before := m.beforeHooks
	after := m.afterHooks
	m.hookMu.Unlock()

	for _, h := range before {
		h()
	}
	if atomic.CompareAndSwapInt64(&m.globalEpoch, current, current+1) {
		for _, h := range after {
			h()
		}
	}
}

// acquireSlot hands out a worker id, reusing a released one when possible.
func (m *Manager) acquireSlot() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := len(m.free); n > 0 {
		w := m.free[n-1]
		m.free = m.free[:n-1]
		return w
	}
	m.slots = append(m.slots, &announceSlot{last: Unannounced})
	atomic.StoreInt32(&m.workers, int32(len(m.slots)))
	return len(m.slots) - 1
}

func (m *Manager) releaseSlot(w int) {
	m.mu.Lock()
	m.free = append(m.free, w)
	m.mu.Unlock()
}

// ActiveWorkers returns the number of worker slots ever handed out, used
// by pool pacing as an estimate of worker-count P (§4.1).
func (m *Manager) ActiveWorkers() int {
	n := int(atomic.LoadInt32(&m.workers))
	if n == 0 {
		return 1
	}
	return n
}

// UpdateThreshold returns the per-worker retire count that should trigger
// an opportunistic UpdateEpoch call.
func (m *Manager) UpdateThreshold() int {
	return retiresPerEpochBump * m.ActiveWorkers()
}

// StaggerInterval returns the wall-clock interval after which worker id w
// should opportunistically call UpdateEpoch, staggered across workers to
// avoid a convoy (flock_hash/epoch.h: 20ms * (1 + i/workers)).
func (m *Manager) StaggerInterval(w int) time.Duration {
	workers := m.ActiveWorkers()
	scale := 1.0 + float64(w)/float64(workers)
	return time.Duration(millisBetweenEpochUpdates * scale * float64(time.Millisecond))
}
