package pool

import (
	"sync/atomic"
	"testing"

	"github.com/turdb/ccmap/pkg/core/epoch"
)

type widget struct {
	n int
}

func TestNewObjDestructRoundTrip(t *testing.T) {
	mgr := epoch.New()
	p := New[widget](mgr)

	v := p.NewObj(func() widget { return widget{n: 7} })
	if v.n != 7 {
		t.Fatalf("got %d, want 7", v.n)
	}
	p.Destruct(v)

	stats := p.Stats()
	if stats.Live != 0 {
		t.Fatalf("expected 0 live after destruct, got %d", stats.Live)
	}
}

func TestRetireThenAdvanceEpochTwiceSweepsOldList(t *testing.T) {
	mgr := epoch.New()
	p := New[widget](mgr)
	w := mgr.Announce()
	mgr.Unannounce(w)

	// Retire paces itself with UpdateEpoch every 10 retires; a worker
	// that stays announced holds the epoch back so nothing is swept
	// during the loop.
	blocker := mgr.Announce()
	for i := 0; i < 100; i++ {
		v := p.NewObj(func() widget { return widget{n: i} })
		p.Retire(w, v)
	}
	if p.Stats().Live != 100 {
		t.Fatalf("expected 100 live before sweep, got %d", p.Stats().Live)
	}
	mgr.Unannounce(blocker)

	// The first retire after the epoch moves on promotes the retired
	// generation to the old list; the next retire after a further
	// advance of two epochs sweeps it.
	mgr.UpdateEpoch()
	mgr.UpdateEpoch()
	mgr.UpdateEpoch()
	v := p.NewObj(func() widget { return widget{n: -1} })
	p.Retire(w, v)
	mgr.UpdateEpoch()
	mgr.UpdateEpoch()
	v2 := p.NewObj(func() widget { return widget{n: -2} })
	p.Retire(w, v2)

	if p.Stats().Live > 2 {
		t.Fatalf("expected sweep to bound live allocations, got %d", p.Stats().Live)
	}
}

func TestRetireCancelHandle(t *testing.T) {
	mgr := epoch.New()
	p := New[widget](mgr)
	w := mgr.Announce()

	v := p.NewObj(func() widget { return widget{n: 1} })
	handle := p.Retire(w, v)
	atomic.StoreUint32(handle, 1) // cancel

	mgr.Unannounce(w)
	mgr.UpdateEpoch()
	mgr.UpdateEpoch()
	mgr.UpdateEpoch()

	v2 := p.NewObj(func() widget { return widget{n: 2} })
	p.Retire(w, v2) // triggers a sweep pass

	if v.n != 1 {
		t.Fatalf("cancelled retire's object was mutated/freed: %+v", v)
	}
}

func TestCorruptedTailSentinelAborts(t *testing.T) {
	mgr := epoch.New()
	p := New[widget](mgr)

	v := p.NewObj(func() widget { return widget{n: 1} })
	b := boxOf(v)
	atomic.StoreUint64(&b.tail, 0xDEADBEEF)

	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected panic on corrupted tail sentinel")
		}
	}()
	p.Destruct(v)
}

func TestDoubleDestructAborts(t *testing.T) {
	mgr := epoch.New()
	p := New[widget](mgr)

	v := p.NewObj(func() widget { return widget{n: 1} })
	p.Destruct(v)

	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected panic on double destruct")
		}
	}()
	p.Destruct(v)
}

func TestClearTearsDownAllLists(t *testing.T) {
	mgr := epoch.New()
	p := New[widget](mgr)
	w := mgr.Announce()
	mgr.Unannounce(w)

	for i := 0; i < 10; i++ {
		v := p.NewObj(func() widget { return widget{n: i} })
		p.Retire(w, v)
	}
	p.Clear()
	if p.Stats().Live != 0 {
		t.Fatalf("expected 0 live after Clear, got %d", p.Stats().Live)
	}
}
