// Package mmioalloc carves fixed-size, page-aligned ranges out of the
// reserved MMIO gap below 4 GiB.
//
// No crate in the retrieval pack's Go examples implements a range
// allocator (the Rust original used vm_allocator::AddressAllocator); this
// is authored fresh following the same first-fit-over-a-window shape as
// that allocator and tinyrange-cc's internal/hv AddressSpace abstraction.
package mmioalloc

import "github.com/DO-2K24-27/cloude/internal/vmmerr"

const (
	// MMIOGapEnd is the top of the 32-bit address space.
	MMIOGapEnd uint64 = 1 << 32
	// MMIOGapSize is the reserved PCI-hole-equivalent window size (768 MiB).
	MMIOGapSize uint64 = 768 << 20
	// MMIOGapStart is the first address of the reserved MMIO window.
	MMIOGapStart uint64 = MMIOGapEnd - MMIOGapSize

	pageSize uint64 = 0x1000
)

// Range is a half-open [Start, End) sub-range carved from the window.
type Range struct {
	Start uint64
	End   uint64
}

// Len reports the size of the range in bytes.
func (r Range) Len() uint64 { return r.End - r.Start }

// Allocator carves non-overlapping, page-aligned ranges out of
// [start, end) in first-fit order. It never reuses freed space across the
// VMM's lifetime: the device set is static once configure() runs.
type Allocator struct {
	start, end uint64
	next       uint64
}

// New returns an allocator over the half-open window [start, end).
func New(start, end uint64) *Allocator {
	return &Allocator{start: start, end: end, next: start}
}

// NewMMIOWindow returns an allocator scoped to the spec's standard MMIO gap.
func NewMMIOWindow() *Allocator {
	return New(MMIOGapStart, MMIOGapEnd)
}

// Allocate carves a size-byte range, rounded up to the next page, from the
// front of the remaining window. Returns vmmerr.ErrAddressAllocation if the
// window is exhausted.
func (a *Allocator) Allocate(size uint64) (Range, error) {
	aligned := alignUp(size, pageSize)
	if aligned == 0 {
		aligned = pageSize
	}
	if a.next+aligned > a.end || a.next+aligned < a.next {
		return Range{}, vmmerr.Wrap(vmmerr.ErrAddressAllocation, "mmio window exhausted", nil)
	}
	r := Range{Start: a.next, End: a.next + aligned}
	a.next += aligned
	return r, nil
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
