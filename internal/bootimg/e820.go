package bootimg

import "github.com/DO-2K24-27/cloude/internal/vmmerr"

// E820 region types, per the x86 BIOS E820 convention.
const (
	E820RAM      uint32 = 1
	E820Reserved uint32 = 2
)

// E820Entry is one [Addr, Addr+Size) region of the guest physical memory
// map, tagged with its usability.
type E820Entry struct {
	Addr uint64
	Size uint64
	Type uint32
}

// buildE820 describes guest RAM below the MMIO gap as usable, reserving
// the BIOS/MP-table region [0xF0000, 0x100000) per spec section 6's
// memory layout. Fails with E820 if memSize does not reach past the BIOS
// region, and with HIMEM_PAST_END if memSize exceeds mmioGapStart.
func buildE820(memSize, mmioGapStart uint64) ([]E820Entry, error) {
	const (
		biosRegionStart = 0xF0000
		biosRegionEnd   = 0x100000
	)
	if memSize <= biosRegionEnd {
		return nil, vmmerr.Wrap(vmmerr.ErrE820, "memory too small for BIOS region", nil)
	}
	if memSize > mmioGapStart {
		return nil, vmmerr.Wrap(vmmerr.ErrHimemPastEnd, "memory size exceeds MMIO_GAP_START", nil)
	}

	entries := []E820Entry{
		{Addr: 0, Size: biosRegionStart, Type: E820RAM},
		{Addr: biosRegionStart, Size: biosRegionEnd - biosRegionStart, Type: E820Reserved},
		{Addr: biosRegionEnd, Size: memSize - biosRegionEnd, Type: E820RAM},
	}
	if len(entries) > maxE820Entries {
		return nil, vmmerr.Wrap(vmmerr.ErrE820, "too many e820 entries", nil)
	}
	return entries, nil
}
