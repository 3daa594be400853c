package vmm

import (
	"encoding/binary"
	"testing"

	"github.com/DO-2K24-27/cloude/internal/kvmapi"
)

func TestEditCPUIDForVcpuStampsAPICIDAndTopology(t *testing.T) {
	entries := []kvmapi.CPUIDEntry2{
		{Function: 0x01, Ebx: 0xAABBCCDD},
		{Function: 0x0A, Eax: 0xFFFFFFFF},
		{Function: 0x0B, Ebx: 0},
	}
	editCPUIDForVcpu(entries, 4, 2)

	if got := entries[0].Ebx >> 24; got != 2 {
		t.Fatalf("leaf 0x01 APIC ID byte = %d, want 2", got)
	}
	if got := entries[0].Ebx &^ 0xFF000000; got != 0xAABBCCDD&^0xFF000000 {
		t.Fatalf("leaf 0x01 clobbered unrelated bits: %#x", got)
	}
	if entries[1].Eax != 0 {
		t.Fatalf("leaf 0x0A eax = %#x, want 0 (perfmon masked)", entries[1].Eax)
	}
	if entries[2].Ebx != 4 {
		t.Fatalf("leaf 0x0B ebx = %d, want 4 (numVCPUs)", entries[2].Ebx)
	}
}

func TestPutLE64RoundTrips(t *testing.T) {
	buf := make([]byte, 8)
	putLE64(buf, 0x0102030405060708)
	if got := binary.LittleEndian.Uint64(buf); got != 0x0102030405060708 {
		t.Fatalf("putLE64 = %#x, want %#x", got, uint64(0x0102030405060708))
	}
}

func TestWriteIdentityPageTablesMapsFirstGigabyte(t *testing.T) {
	// Exercise the page-table bit layout directly against a GuestMemory
	// built from a bare byte slice, bypassing the real KVM memslot
	// registration NewGuestMemory would otherwise require.
	backing := make([]byte, pdAddr+0x1000)
	mem := &GuestMemory{bytes: backing}
	if err := writeIdentityPageTables(mem); err != nil {
		t.Fatalf("writeIdentityPageTables: %v", err)
	}

	pml4Entry := binary.LittleEndian.Uint64(backing[pml4Addr:])
	if pml4Entry&^0xFFF != pdptAddr {
		t.Fatalf("pml4[0] points at %#x, want %#x", pml4Entry&^0xFFF, uint64(pdptAddr))
	}
	if pml4Entry&ptePresent == 0 || pml4Entry&pteWrite == 0 {
		t.Fatal("pml4[0] missing present/write bits")
	}

	pdptEntry := binary.LittleEndian.Uint64(backing[pdptAddr:])
	if pdptEntry&^0xFFF != pdAddr {
		t.Fatalf("pdpt[0] points at %#x, want %#x", pdptEntry&^0xFFF, uint64(pdAddr))
	}

	const twoMB = 1 << 21
	for _, i := range []int{0, 1, 511} {
		entry := binary.LittleEndian.Uint64(backing[pdAddr+i*8:])
		wantAddr := uint64(i) * twoMB
		if entry&^0xFFF != wantAddr {
			t.Fatalf("pd[%d] maps %#x, want %#x", i, entry&^0xFFF, wantAddr)
		}
		if entry&pdePageSize == 0 {
			t.Fatalf("pd[%d] missing page-size bit", i)
		}
	}
}
