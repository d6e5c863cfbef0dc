package hashtable

import (
	"sync"
	"testing"

	"github.com/turdb/ccmap/pkg/core/epoch"
)

func hashInt(k int) uint64 { return uint64(k) }

func TestInsertFindRemove(t *testing.T) {
	mgr := epoch.New()
	h := New[int, string](mgr, 16, hashInt)

	if !h.Insert(5, "five") {
		t.Fatalf("expected first insert of 5 to succeed")
	}
	if h.Insert(5, "also-five") {
		t.Fatalf("expected duplicate insert of 5 to fail")
	}
	v, ok := h.Find(5)
	if !ok || v != "five" {
		t.Fatalf("got (%q, %v), want (\"five\", true)", v, ok)
	}
	if !h.Remove(5) {
		t.Fatalf("expected remove of present key to succeed")
	}
	if h.Remove(5) {
		t.Fatalf("expected second remove of 5 to fail")
	}
	if _, ok := h.Find(5); ok {
		t.Fatalf("expected Find to fail after remove")
	}
}

func TestManyKeysAllFindable(t *testing.T) {
	mgr := epoch.New()
	h := New[int, int](mgr, 8, hashInt)
	for i := 0; i < 200; i++ {
		if !h.Insert(i, i*2) {
			t.Fatalf("insert(%d) failed unexpectedly", i)
		}
	}
	if got := h.Check(); got != 200 {
		t.Fatalf("Check() = %d, want 200", got)
	}
	for i := 0; i < 200; i++ {
		v, ok := h.Find(i)
		if !ok || v != i*2 {
			t.Fatalf("Find(%d) = (%d, %v), want (%d, true)", i, v, ok, i*2)
		}
	}
}

func TestUpsertInsertsWhenAbsentAndUpdatesWhenPresent(t *testing.T) {
	mgr := epoch.New()
	h := New[string, int](mgr, 16, func(k string) uint64 {
		var x uint64
		for _, c := range k {
			x = x*131 + uint64(c)
		}
		return x
	})

	wasPresent := h.Upsert("a", func(old int, found bool) int {
		if found {
			t.Fatalf("expected not found on first upsert")
		}
		return 1
	})
	if wasPresent {
		t.Fatalf("expected Upsert to report not-present on first call")
	}
	v, _ := h.Find("a")
	if v != 1 {
		t.Fatalf("got %d, want 1", v)
	}

	wasPresent = h.Upsert("a", func(old int, found bool) int {
		if !found || old != 1 {
			t.Fatalf("expected found=true old=1, got found=%v old=%d", found, old)
		}
		return old + 1
	})
	if !wasPresent {
		t.Fatalf("expected Upsert to report present on second call")
	}
	v, _ = h.Find("a")
	if v != 2 {
		t.Fatalf("got %d, want 2", v)
	}
}

func TestConcurrentInsertsAllSucceedExactlyOnce(t *testing.T) {
	mgr := epoch.New()
	h := New[int, int](mgr, 32, hashInt)

	const n = 200
	var wg sync.WaitGroup
	successes := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			successes[i] = h.Insert(i%50, i)
		}(i)
	}
	wg.Wait()

	count := 0
	for _, ok := range successes {
		if ok {
			count++
		}
	}
	if count != 50 {
		t.Fatalf("expected exactly 50 successful inserts (one per distinct key), got %d", count)
	}
	if got := h.Check(); got != 50 {
		t.Fatalf("Check() = %d, want 50", got)
	}
}

func TestRangeVisitsEveryEntry(t *testing.T) {
	mgr := epoch.New()
	h := New[int, int](mgr, 8, hashInt)
	want := map[int]int{}
	for i := 0; i < 40; i++ {
		h.Insert(i, i*3)
		want[i] = i * 3
	}
	got := map[int]int{}
	h.Range(0, 0, func(k, v int) bool {
		got[k] = v
		return true
	})
	if len(got) != len(want) {
		t.Fatalf("Range visited %d entries, want %d", len(got), len(want))
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("entry %d: got %d, want %d", k, got[k], v)
		}
	}
}

func TestClearEmptiesTable(t *testing.T) {
	mgr := epoch.New()
	h := New[int, int](mgr, 8, hashInt)
	for i := 0; i < 10; i++ {
		h.Insert(i, i)
	}
	h.Clear()
	if got := h.Check(); got != 0 {
		t.Fatalf("Check() after Clear() = %d, want 0", got)
	}
}
