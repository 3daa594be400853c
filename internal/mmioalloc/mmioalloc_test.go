package mmioalloc

import (
	"errors"
	"testing"

	"github.com/DO-2K24-27/cloude/internal/vmmerr"
)

func TestAllocateNoOverlap(t *testing.T) {
	a := New(0x1000, 0x4000)
	r1, err := a.Allocate(0x1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r2, err := a.Allocate(0x1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r1.End != r2.Start {
		t.Fatalf("ranges overlap or have a gap: %v, %v", r1, r2)
	}
}

func TestAllocateNeverExceedsWindow(t *testing.T) {
	a := New(0, 0x2000)
	if _, err := a.Allocate(0x1000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := a.Allocate(0x1000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := a.Allocate(0x1000); !errors.Is(err, vmmerr.ErrAddressAllocation) {
		t.Fatalf("expected ErrAddressAllocation, got %v", err)
	}
}

func TestAllocateExhaustionBoundary(t *testing.T) {
	windowSize := uint64(0x10000)
	a := New(0, windowSize)
	count := windowSize/0x1000 + 1
	var lastErr error
	for i := uint64(0); i < count; i++ {
		_, lastErr = a.Allocate(0x1000)
	}
	if !errors.Is(lastErr, vmmerr.ErrAddressAllocation) {
		t.Fatalf("expected last of window_size/0x1000+1 allocations to fail, got %v", lastErr)
	}
}

func TestAllocateRoundsUpToPage(t *testing.T) {
	a := New(0, 0x4000)
	r, err := a.Allocate(1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Len() != 0x1000 {
		t.Fatalf("expected page-rounded length 0x1000, got 0x%x", r.Len())
	}
}
