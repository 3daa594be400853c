package irqalloc

import "testing"

func TestAllocatesIncrementingIrqs(t *testing.T) {
	a := New(32)
	got := []uint32{a.Allocate(), a.Allocate(), a.Allocate()}
	want := []uint32{32, 33, 34}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("allocation %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestPeekReturnsNext(t *testing.T) {
	a := New(10)
	if p := a.Peek(); p != 10 {
		t.Fatalf("peek before allocate = %d, want 10", p)
	}
	a.Allocate()
	if p := a.Peek(); p != 11 {
		t.Fatalf("peek after allocate = %d, want 11", p)
	}
}

func TestAllocateOverflowPanics(t *testing.T) {
	a := New(^uint32(0))
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on irq overflow")
		}
	}()
	a.Allocate()
}
