package types_test

import (
	"sync"
	"testing"

	"github.com/ghettovoice/sipstack/internal/types"
)

func TestDeque_AppendPopFirst(t *testing.T) {
	t.Parallel()

	var d types.Deque[int]

	d.Append(1)
	d.Append(2)
	d.Append(3)

	if got := d.Len(); got != 3 {
		t.Fatalf("d.Len() = %d, want 3", got)
	}

	for want := 1; want <= 3; want++ {
		item, ok := d.PopFirst()
		if !ok {
			t.Fatalf("d.PopFirst() returned ok=false, want true for value %d", want)
		}
		if item != want {
			t.Fatalf("d.PopFirst() = %d, want %d", item, want)
		}
	}

	if !d.IsEmpty() {
		t.Fatalf("d.IsEmpty() = false, want true")
	}
	if _, ok := d.PopFirst(); ok {
		t.Fatalf("d.PopFirst() on empty queue returned ok=true, want false")
	}
}

func TestDeque_Drain(t *testing.T) {
	t.Parallel()

	var d types.Deque[string]

	if got := d.Drain(); got != nil {
		t.Fatalf("d.Drain() on empty queue = %v, want nil", got)
	}

	d.Append("a")
	d.Append("b")

	got := d.Drain()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("d.Drain() = %v, want [a b]", got)
	}
	if !d.IsEmpty() {
		t.Fatalf("d.IsEmpty() after Drain() = false, want true")
	}
}

func TestDeque_Concurrent(t *testing.T) {
	t.Parallel()

	var (
		d  types.Deque[int]
		wg sync.WaitGroup
	)
	for i := range 50 {
		wg.Go(func() { d.Append(i) })
	}
	wg.Wait()

	if got := d.Len(); got != 50 {
		t.Fatalf("d.Len() = %d, want 50", got)
	}
}
