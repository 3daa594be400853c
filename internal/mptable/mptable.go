// Package mptable writes the Intel MultiProcessor Specification tables a
// guest kernel scans for at boot: the 16-byte floating pointer structure
// and the configuration table it references, describing each vCPU and
// the single I/O APIC this VMM presents.
//
// No retrieval-pack example builds an MP-table (the teacher's devices
// package emulates a PIC instead of routing through LAPIC/IOAPIC), so the
// struct layout here follows the Intel MultiProcessor Specification v1.4
// directly. The bit-packed-struct style — plain Go structs written
// little-endian field by field rather than through a serialization
// library — mirrors
// _examples/BigBossBoolingB-VDATABPro/core_engine/hypervisor/paging.go's
// PTE/PDE construction helpers.
package mptable

import (
	"encoding/binary"

	"github.com/DO-2K24-27/cloude/internal/vmmerr"
)

const (
	floatingPointerSig = "_MP_"
	configTableSig     = "PCMP"

	floatingPointerLen = 16
	baseHeaderLen      = 44

	entryProcessor = 0
	entryIOAPIC    = 2

	cpuFlagEnabled = 1 << 0
	cpuFlagBSP     = 1 << 1

	processorEntryLen = 20
	ioAPICEntryLen    = 8
)

// Build lays out the floating pointer at base and the configuration
// table immediately after it, returning the concatenated bytes ready to
// be copied into guest memory at 0xF0000 (spec section 4.4). cpuCount
// must be >= 1; ioAPICID should not collide with any vCPU's local APIC
// ID (callers number vCPUs 0..cpuCount-1 and the IOAPIC cpuCount).
func Build(base uint32, cpuCount int, ioAPICAddr uint32, ioAPICID uint8) ([]byte, error) {
	if cpuCount < 1 {
		return nil, vmmerr.Wrap(vmmerr.ErrMPTable, "cpu count", nil)
	}

	configTable := buildConfigTable(cpuCount, ioAPICAddr, ioAPICID)
	configAddr := base + floatingPointerLen

	fp := make([]byte, floatingPointerLen)
	copy(fp[0:4], floatingPointerSig)
	binary.LittleEndian.PutUint32(fp[4:8], configAddr)
	fp[8] = 1         // length in 16-byte units
	fp[9] = 4         // spec revision 1.4
	fp[10] = 0        // checksum, filled below
	fp[11] = 0        // default feature: no default config, table present
	fp[12] = 0
	fp[13] = 0
	fp[14] = 0
	fp[15] = 0
	fp[10] = checksum8(fp)

	out := make([]byte, 0, floatingPointerLen+len(configTable))
	out = append(out, fp...)
	out = append(out, configTable...)
	return out, nil
}

func buildConfigTable(cpuCount int, ioAPICAddr uint32, ioAPICID uint8) []byte {
	entries := make([]byte, 0, cpuCount*processorEntryLen+ioAPICEntryLen)
	for i := 0; i < cpuCount; i++ {
		entries = append(entries, processorEntry(uint8(i), i == 0)...)
	}
	entries = append(entries, ioAPICEntry(ioAPICID, ioAPICAddr)...)

	const localAPICAddr = 0xFEE00000

	total := baseHeaderLen + len(entries)
	tbl := make([]byte, total)
	copy(tbl[0:4], configTableSig)
	binary.LittleEndian.PutUint16(tbl[4:6], uint16(total))
	tbl[6] = 4                                    // revision 1.4
	copy(tbl[16:28], padString("cloude-vmm", 12)) // product ID
	binary.LittleEndian.PutUint16(tbl[34:36], uint16(cpuCount+1))
	binary.LittleEndian.PutUint32(tbl[36:40], localAPICAddr)
	copy(tbl[baseHeaderLen:], entries)

	tbl[7] = 0
	tbl[7] = checksum8(tbl)
	return tbl
}

func processorEntry(localAPICID uint8, isBSP bool) []byte {
	e := make([]byte, processorEntryLen)
	e[0] = entryProcessor
	e[1] = localAPICID
	e[2] = 0x14 // local APIC version, arbitrary but consistent with KVM's reported value
	flags := uint8(cpuFlagEnabled)
	if isBSP {
		flags |= cpuFlagBSP
	}
	e[3] = flags
	// CPU signature / feature flags (bytes 4..11) left zero: the guest
	// kernel cross-checks these against CPUID, not against this table.
	return e
}

func ioAPICEntry(id uint8, addr uint32) []byte {
	e := make([]byte, ioAPICEntryLen)
	e[0] = entryIOAPIC
	e[1] = id
	e[2] = 0x11 // IOAPIC version
	e[3] = 1    // enabled
	binary.LittleEndian.PutUint32(e[4:8], addr)
	return e
}

func padString(s string, n int) []byte {
	b := make([]byte, n)
	copy(b, s)
	return b
}

func checksum8(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum += v
	}
	return byte(256 - int(sum)&0xFF)
}
