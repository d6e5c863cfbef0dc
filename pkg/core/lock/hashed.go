package lock

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
	"unsafe"
)

// fibMultiplier is the multiplicative (Fibonacci) hash constant, the Go
// analogue of structures/hash/set.h's k*0x9ddfea08eb382d69 pointer hash.
const fibMultiplier = 0x9E3779B97F4A7C15

// defaultHashedTableSize is the default number of cells in a HashedTable,
// must be a power of two.
const defaultHashedTableSize = 4096

// HashedTable is a process-wide table of L try-lockable cells, where L is
// a power of two. The lock for an address is table[hash(addr) mod L];
// two unrelated addresses may share a cell, which is only safe because
// every acquisition goes through TryLock (never a blocking acquire) —
// see spec.md §9 on hashed-lock deadlock avoidance.
type HashedTable struct {
	cells []Inline
	mask  uintptr

	// DebugNestedAcquire, when true, rejects a goroutine holding one
	// hashed cell from attempting to acquire a second one, implementing
	// spec.md §9's "reject nested hashed-lock acquires at debug time".
	DebugNestedAcquire bool

	held sync.Map // goroutine token -> held cell
}

// NewHashedTable creates a table with the given number of cells, rounded
// up to the next power of two; a size of zero or less selects the
// default of 4096 cells.
func NewHashedTable(size int) *HashedTable {
	if size <= 0 {
		size = defaultHashedTableSize
	}
	n := 1
	for n < size {
		n <<= 1
	}
	return &HashedTable{
		cells: make([]Inline, n),
		mask:  uintptr(n - 1),
	}
}

// cellFor maps an arbitrary pointer-shaped key to one of the table's
// cells via Fibonacci hashing of its address.
func (h *HashedTable) cellFor(key unsafe.Pointer) *Inline {
	a := uintptr(key)
	idx := (a * fibMultiplier) >> (64 - bitsLen(h.mask))
	return &h.cells[idx&h.mask]
}

func bitsLen(mask uintptr) uint {
	var n uint
	for m := mask; m != 0; m >>= 1 {
		n++
	}
	return n
}

// TryLock hashes key to a cell and attempts TryLock on it, exactly as
// structures/hash/set.h calls try_lock_loc(s, ...) where s is the bucket
// address.
func (h *HashedTable) TryLock(key unsafe.Pointer, f func() bool) bool {
	cell := h.cellFor(key)
	if h.DebugNestedAcquire {
		tok := goroutineToken()
		if _, already := h.held.Load(tok); already {
			panic("lock: nested hashed-lock acquire detected (forbidden outside a single try_lock, see spec.md §9)")
		}
		h.held.Store(tok, cell)
		defer h.held.Delete(tok)
	}
	return cell.TryLock(f)
}

// TryLockHashedResult is HashedTable.TryLock's result-carrying variant.
func TryLockHashedResult[R any](h *HashedTable, key unsafe.Pointer, f func() (R, bool)) (R, bool) {
	cell := h.cellFor(key)
	if h.DebugNestedAcquire {
		tok := goroutineToken()
		if _, already := h.held.Load(tok); already {
			panic("lock: nested hashed-lock acquire detected (forbidden outside a single try_lock, see spec.md §9)")
		}
		h.held.Store(tok, cell)
		defer h.held.Delete(tok)
	}
	return TryLockResult(cell, f)
}

// WaitLock waits without acquiring the cell that key hashes to.
func (h *HashedTable) WaitLock(key unsafe.Pointer) {
	h.cellFor(key).WaitLock()
}

// IsLocked reports whether key's cell is currently held by anyone
// (possibly by an unrelated colliding key).
func (h *HashedTable) IsLocked(key unsafe.Pointer) bool {
	return h.cellFor(key).IsLocked()
}

// goroutineToken extracts the current goroutine's id by parsing the
// "goroutine N [state]:" header off a stack trace. This is debug-only
// machinery (gated behind DebugNestedAcquire) so the cost of a small
// runtime.Stack call is acceptable; it exists purely to catch the
// forbidden hashed-lock nesting pattern described in spec.md §9.
func goroutineToken() uint64 {
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
