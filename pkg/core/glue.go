// Package core provides the client-facing glue that ties epoch
// announcement, snapshot timestamps, and retry loops together, the Go
// analogue of flock's namespace-level with_epoch/with_snapshot/try_loop
// free functions (test/structures/flock_hash/epoch.h).
package core

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"

	"github.com/turdb/ccmap/pkg/core/epoch"
	"github.com/turdb/ccmap/pkg/core/vfield"
)

// nestState tracks with_epoch nesting per goroutine so that only the
// outermost WithEpoch call announces/unannounces, matching the
// original's NestedEpoch mode. Go has no thread-local storage, so depth
// and worker id are threaded explicitly through a registry keyed by the
// calling goroutine's stack-derived id rather than carried implicitly in
// a thread_local.
type nestState struct {
	depth  int
	worker int
}

// nestKey scopes a nesting entry to both the calling goroutine and the
// specific Manager, since one goroutine may hold independent
// announcements on two different epoch domains at once.
type nestKey struct {
	goroutine uint64
	mgr       *epoch.Manager
}

type nestRegistry struct {
	mu sync.Mutex
	m  map[nestKey]nestState
}

func (r *nestRegistry) begin(mgr *epoch.Manager, goroutine uint64) (worker int, outermost bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.m == nil {
		r.m = make(map[nestKey]nestState)
	}
	key := nestKey{goroutine: goroutine, mgr: mgr}
	if st, ok := r.m[key]; ok {
		st.depth++
		r.m[key] = st
		return st.worker, false
	}
	w := mgr.Announce()
	r.m[key] = nestState{depth: 1, worker: w}
	return w, true
}

func (r *nestRegistry) end(mgr *epoch.Manager, goroutine uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := nestKey{goroutine: goroutine, mgr: mgr}
	st := r.m[key]
	st.depth--
	if st.depth <= 0 {
		delete(r.m, key)
		mgr.Unannounce(st.worker)
		return
	}
	r.m[key] = st
}

func (r *nestRegistry) current(mgr *epoch.Manager, goroutine uint64) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.m[nestKey{goroutine: goroutine, mgr: mgr}]
	return st.worker, ok
}

var nesting nestRegistry

// CurrentWorker returns the worker id the calling goroutine announced
// with mgr via an enclosing WithEpoch/WithEpochErr/WithSnapshot call, and
// whether one is in effect. Containers that need a worker id to retire
// through pkg/core/pool (the Go analogue of the original's implicit
// thread-local announced worker) call this from inside their own
// WithEpoch closure.
func CurrentWorker(mgr *epoch.Manager) (int, bool) {
	return nesting.current(mgr, goroutineID())
}

// WithEpoch announces the calling goroutine for the duration of f,
// unannouncing before returning. A nested WithEpoch call (f itself
// calling WithEpoch again on the same Manager, on the same goroutine)
// reuses the outer announcement instead of re-announcing, matching
// with_epoch's NestedEpoch mode.
func WithEpoch[R any](mgr *epoch.Manager, f func() R) R {
	key := goroutineID()
	nesting.begin(mgr, key)
	defer nesting.end(mgr, key)
	return f()
}

// WithEpochErr is WithEpoch's error-returning variant, since Go has no
// single generic signature spanning void and value-returning closures
// the way the original's `if constexpr (is_void_v<...>)` does.
func WithEpochErr[R any](mgr *epoch.Manager, f func() (R, error)) (R, error) {
	key := goroutineID()
	nesting.begin(mgr, key)
	defer nesting.end(mgr, key)
	return f()
}

// goroutineID extracts the calling goroutine's id by parsing the
// "goroutine N [state]:" header off a stack trace, the same technique
// pkg/core/lock uses to detect nested hashed-lock acquires.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	const prefix = "goroutine "
	if i := bytes.Index(b, []byte(prefix)); i >= 0 {
		b = b[i+len(prefix):]
		if j := bytes.IndexByte(b, ' '); j >= 0 {
			if id, err := strconv.ParseUint(string(b[:j]), 10, 64); err == nil {
				return id
			}
		}
	}
	return 0
}

// WithSnapshot runs f with a localTS pinned to the clock's value as of
// entry, the Go analogue of vl::with_snapshot layering a read timestamp
// underneath an epoch announcement so retired versions the snapshot
// might still read stay alive.
func WithSnapshot[R any](mgr *epoch.Manager, clk *vfield.SnapshotClock, f func(localTS int64) R) R {
	return WithEpoch(mgr, func() R {
		localTS := clk.ReadStamp()
		return f(localTS)
	})
}

// maxTryLoopIterations bounds TryLoop's retry count before it concludes
// the caller is livelocked, matching try_loop's 1e10/(delay*max_multiplier)
// threshold.
const maxTryLoopIterations = 10000000000

// TryLoop repeatedly calls f until it reports success, doubling a
// busy-wait delay on each failure up to maxMult, and panics if it
// appears to be in an infinite retry loop — the Go analogue of
// flck::try_loop, which aborts with the same diagnostic.
func TryLoop[R any](f func() (R, bool), delay, maxMult int) R {
	multiplier := 1
	threshold := maxTryLoopIterations / int64(delay*maxMult)
	for cnt := int64(0); ; cnt++ {
		if cnt == threshold {
			panic("core: try_loop: probably in an infinite retry loop")
		}
		if r, ok := f(); ok {
			return r
		}
		if multiplier*2 < maxMult {
			multiplier *= 2
		} else {
			multiplier = maxMult
		}
		spin(delay * multiplier)
	}
}

// spin busy-waits for roughly n iterations, matching try_loop's
// volatile-counter delay loop (a scheduler-friendly spin, not a sleep,
// so the caller's own progress heuristics stay comparable across
// retries).
func spin(n int) {
	for i := 0; i < n; i++ {
		runtime.Gosched()
	}
}
