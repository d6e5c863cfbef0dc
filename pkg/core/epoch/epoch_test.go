package epoch

import (
	"sync"
	"testing"
)

func TestAnnounceUnannounceMonotone(t *testing.T) {
	m := New()

	w := m.Announce()
	e1 := m.GetMyEpoch(w)
	if e1 != m.Current() {
		t.Fatalf("announced epoch %d, want current %d", e1, m.Current())
	}
	m.Unannounce(w)
	if m.GetMyEpoch(w) != Unannounced {
		t.Fatalf("expected Unannounced after Unannounce")
	}

	w2 := m.Announce()
	e2 := m.GetMyEpoch(w2)
	if e2 < e1 {
		t.Fatalf("epoch went backwards: %d then %d", e1, e2)
	}
	m.Unannounce(w2)
}

func TestUpdateEpochBlockedByAnnouncedWorker(t *testing.T) {
	m := New()
	w := m.Announce()
	// w announced the current epoch, so it has caught up and this one
	// advance is allowed; afterwards w lags behind the global epoch.
	m.UpdateEpoch()
	start := m.Current()

	m.UpdateEpoch()
	if m.Current() != start {
		t.Fatalf("epoch advanced despite an announced worker lagging behind: %d -> %d", start, m.Current())
	}

	m.Unannounce(w)
	m.UpdateEpoch()
	if m.Current() != start+1 {
		t.Fatalf("epoch did not advance once worker unannounced: got %d want %d", m.Current(), start+1)
	}
}

func TestUpdateEpochAdvancesAtMostOncePerCall(t *testing.T) {
	m := New()
	before := m.Current()
	m.UpdateEpoch()
	after := m.Current()
	if after != before && after != before+1 {
		t.Fatalf("UpdateEpoch advanced by more than one: %d -> %d", before, after)
	}
}

func TestHooksRunAroundIncrement(t *testing.T) {
	m := New()
	var order []string
	var mu sync.Mutex
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}
	m.RegisterBeforeHook(func() { record("before") })
	m.RegisterAfterHook(func() { record("after") })

	m.UpdateEpoch()

	if len(order) != 2 || order[0] != "before" || order[1] != "after" {
		t.Fatalf("hooks ran out of order: %v", order)
	}
}

func TestSlotReuseAfterUnannounce(t *testing.T) {
	m := New()
	w1 := m.Announce()
	m.Unannounce(w1)
	w2 := m.Announce()
	if w2 != w1 {
		t.Fatalf("expected worker id reuse, got %d then %d", w1, w2)
	}
	m.Unannounce(w2)
}

func TestConcurrentAnnounceDoesNotRace(t *testing.T) {
	m := New()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				w := m.Announce()
				if m.GetMyEpoch(w) == Unannounced {
					t.Error("announced worker observed Unannounced")
				}
				m.UpdateEpoch()
				m.Unannounce(w)
			}
		}()
	}
	wg.Wait()
}

func TestSetMyEpochDirect(t *testing.T) {
	m := New()
	w := m.Announce()
	m.SetMyEpoch(w, 42)
	if m.GetMyEpoch(w) != 42 {
		t.Fatalf("SetMyEpoch did not take effect")
	}
	m.Unannounce(w)
}
