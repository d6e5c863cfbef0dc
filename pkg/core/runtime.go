package core

import (
	"github.com/turdb/ccmap/pkg/core/epoch"
	"github.com/turdb/ccmap/pkg/core/lock"
	"github.com/turdb/ccmap/pkg/core/vfield"
)

// Runtime bundles the process-wide singletons a client container needs:
// an epoch manager for reclamation, a snapshot clock for versioned
// reads, and a hashed lock table for containers with no per-node lock
// word. Containers may also embed their own epoch.Manager if they want
// an isolated reclamation domain; Runtime is a convenience for the
// common case of sharing one across a whole process.
type Runtime struct {
	Epoch    *epoch.Manager
	Snapshot *vfield.SnapshotClock
	Hashed   *lock.HashedTable
}

// NewRuntime creates a Runtime with a hashed lock table of the given
// size (rounded up to a power of two by lock.NewHashedTable).
func NewRuntime(hashedTableSize int) *Runtime {
	return &Runtime{
		Epoch:    epoch.New(),
		Snapshot: vfield.NewSnapshotClock(),
		Hashed:   lock.NewHashedTable(hashedTableSize),
	}
}

// WithEpoch runs f under this runtime's epoch manager.
func (rt *Runtime) WithEpoch(f func()) {
	WithEpoch(rt.Epoch, func() struct{} {
		f()
		return struct{}{}
	})
}

// WithSnapshot runs f under this runtime's epoch manager and snapshot
// clock, passing the pinned local timestamp.
func (rt *Runtime) WithSnapshot(f func(localTS int64)) {
	WithSnapshot(rt.Epoch, rt.Snapshot, func(localTS int64) struct{} {
		f(localTS)
		return struct{}{}
	})
}
