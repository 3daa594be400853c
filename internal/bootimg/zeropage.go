package bootimg

import (
	"encoding/binary"

	"github.com/DO-2K24-27/cloude/internal/vmmerr"
)

const zeroPageSize = 0x1000

// buildZeroPage assembles the boot_params structure: the raw setup_header
// bytes read from the kernel file (preserving fields we do not override),
// the loader-controlled fields per spec section 4.2, and the E820 table.
func buildZeroPage(header []byte, setupSects int, cmdline string, initrdAddr, initrdSize uint64, e820 []E820Entry) ([]byte, error) {
	if len(e820) > maxE820Entries {
		return nil, vmmerr.Wrap(vmmerr.ErrE820, "e820 table overflow", nil)
	}

	zp := make([]byte, zeroPageSize)
	copy(zp[offSetupSects:], header)

	zp[offSetupSects] = byte(setupSects)
	zp[offTypeOfLoader] = typeOfLoaderUndefined
	zp[offLoadFlags] = loadFlagsCanUseHeap | loadFlagsKeepSegments
	binary.LittleEndian.PutUint16(zp[offVidMode:], vidModeNormal)
	binary.LittleEndian.PutUint16(zp[offHeapEndPtr:], 0xFE00)
	binary.LittleEndian.PutUint32(zp[offCmdLinePtr:], CmdlineAddr)
	binary.LittleEndian.PutUint32(zp[offCmdlineSize:], uint32(len(cmdline)+1))

	if initrdSize > 0 {
		zp[offLoadFlags] |= loadFlagsLoadedHigh
		binary.LittleEndian.PutUint32(zp[offRamdiskImage:], uint32(initrdAddr))
		binary.LittleEndian.PutUint32(zp[offRamdiskSize:], uint32(initrdSize))
	}

	zp[offE820Entries] = byte(len(e820))
	for i, e := range e820 {
		off := offE820Table + i*e820EntryLen
		binary.LittleEndian.PutUint64(zp[off:], e.Addr)
		binary.LittleEndian.PutUint64(zp[off+8:], e.Size)
		binary.LittleEndian.PutUint32(zp[off+16:], e.Type)
	}

	return zp, nil
}
