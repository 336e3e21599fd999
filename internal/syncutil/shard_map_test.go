package syncutil_test

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ghettovoice/sipstack/internal/syncutil"
)

func TestShardMap_GetOrSet(t *testing.T) {
	t.Parallel()

	m := syncutil.NewShardMap[string, int](syncutil.ShardsNum(4))

	if v, loaded := m.GetOrSet("a", 1); loaded || v != 1 {
		t.Fatalf("m.GetOrSet(a, 1) = (%d, %v), want (1, false)", v, loaded)
	}
	if v, loaded := m.GetOrSet("a", 2); !loaded || v != 1 {
		t.Fatalf("m.GetOrSet(a, 2) = (%d, %v), want (1, true)", v, loaded)
	}
	if got := m.Size(); got != 1 {
		t.Fatalf("m.Size() = %d, want 1", got)
	}
}

func TestShardMap_GetOrSet_Concurrent(t *testing.T) {
	t.Parallel()

	m := syncutil.NewShardMap[string, int]()

	var (
		wg     sync.WaitGroup
		stored atomic.Int32
	)
	for i := range 64 {
		wg.Go(func() {
			if _, loaded := m.GetOrSet("key", i); !loaded {
				stored.Add(1)
			}
		})
	}
	wg.Wait()

	if got := stored.Load(); got != 1 {
		t.Fatalf("stored = %d, want exactly 1", got)
	}
}

func TestShardMap_DelFunc(t *testing.T) {
	t.Parallel()

	type val struct{ id int }

	m := syncutil.NewShardMap[string, *val]()
	v1 := &val{1}
	m.Set("a", v1)

	if m.DelFunc("a", func(v *val) bool { return v.id == 2 }) {
		t.Fatal("m.DelFunc(a, id==2) = true, want false")
	}
	if !m.Has("a") {
		t.Fatal("m.Has(a) = false after unmatched DelFunc, want true")
	}
	if !m.DelFunc("a", func(v *val) bool { return v == v1 }) {
		t.Fatal("m.DelFunc(a, v==v1) = false, want true")
	}
	if m.Has("a") {
		t.Fatal("m.Has(a) = true after DelFunc, want false")
	}
	if m.DelFunc("missing", func(*val) bool { return true }) {
		t.Fatal("m.DelFunc(missing) = true, want false")
	}
}

func TestShardMap_Items(t *testing.T) {
	t.Parallel()

	m := syncutil.NewShardMap[int, int]()
	for i := range 100 {
		m.Set(i, i*i)
	}

	seen := 0
	for k, v := range m.Items() {
		if v != k*k {
			t.Fatalf("item %d = %d, want %d", k, v, k*k)
		}
		// deleting while iterating over a snapshot must be safe
		m.Del(k)
		seen++
	}
	if seen != 100 {
		t.Fatalf("seen = %d, want 100", seen)
	}
	if got := m.Size(); got != 0 {
		t.Fatalf("m.Size() = %d, want 0", got)
	}
}
