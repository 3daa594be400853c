package bootimg

import (
	"encoding/binary"
	"testing"
)

func TestBuildE820DescribesBiosGapAsReserved(t *testing.T) {
	const memSize = 256 << 20
	entries, err := buildE820(memSize, 3<<30)
	if err != nil {
		t.Fatalf("buildE820: %v", err)
	}
	var foundReserved bool
	for _, e := range entries {
		if e.Type == E820Reserved {
			foundReserved = true
			if e.Addr != 0xF0000 || e.Size != 0x10000 {
				t.Fatalf("unexpected reserved region %+v", e)
			}
		}
	}
	if !foundReserved {
		t.Fatal("expected a reserved BIOS/MP-table region")
	}
}

func TestBuildE820RejectsMemoryPastMMIOGap(t *testing.T) {
	if _, err := buildE820(4<<30, 3<<30); err == nil {
		t.Fatal("expected HIMEM_PAST_END-style error")
	}
}

func TestBuildZeroPageEncodesE820AndCmdlinePointer(t *testing.T) {
	header := make([]byte, offCmdlineSize+4-offSetupSects)
	e820, err := buildE820(256<<20, 3<<30)
	if err != nil {
		t.Fatalf("buildE820: %v", err)
	}
	zp, err := buildZeroPage(header, 30, "console=ttyS0", 0x0F000000, 4096, e820)
	if err != nil {
		t.Fatalf("buildZeroPage: %v", err)
	}
	if len(zp) != zeroPageSize {
		t.Fatalf("zero page size = %d, want %d", len(zp), zeroPageSize)
	}
	if zp[offE820Entries] != byte(len(e820)) {
		t.Fatalf("e820_entries = %d, want %d", zp[offE820Entries], len(e820))
	}
	if got := binary.LittleEndian.Uint32(zp[offCmdLinePtr:]); got != CmdlineAddr {
		t.Fatalf("cmd_line_ptr = %#x, want %#x", got, uint64(CmdlineAddr))
	}
	if got := binary.LittleEndian.Uint32(zp[offRamdiskImage:]); got != 0x0F000000 {
		t.Fatalf("ramdisk_image = %#x, want 0xF000000", got)
	}
	if zp[offLoadFlags]&loadFlagsLoadedHigh == 0 {
		t.Fatal("expected LOADED_HIGH flag set when an initrd is present")
	}
}

func TestBuildZeroPageRejectsTooManyE820Entries(t *testing.T) {
	header := make([]byte, offCmdlineSize+4-offSetupSects)
	entries := make([]E820Entry, maxE820Entries+1)
	if _, err := buildZeroPage(header, 1, "", 0, 0, entries); err == nil {
		t.Fatal("expected overflow error")
	}
}
