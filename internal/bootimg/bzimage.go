// Package bootimg parses a Linux bzImage, copies it (and an optional
// initramfs) into guest memory, and builds the "zero page" boot_params
// structure the kernel expects in RSI at entry.
//
// No retrieval-pack example loads a real bzImage this way — the teacher
// boots a raw flat binary, and jamlee-t-gokvm depends on an unvendored
// bootparam package rather than defining the struct itself. This package
// is authored fresh, following jamlee's machine.go for the overall
// register/address layout (kernel at a fixed load address, RSI pointed
// at the zero page) but re-deriving the setup_header/E820 byte layout
// directly from the Linux boot protocol rather than importing it.
package bootimg

import (
	"encoding/binary"
	"io"

	"github.com/DO-2K24-27/cloude/internal/vmmerr"
)

// Addresses fixed by spec section 6's guest memory layout.
const (
	ZeroPageAddr = 0x7000
	CmdlineAddr  = 0x20000
	KernelAddr   = 0x100000

	bootFlagMagic   = 0xAA55
	headerMagic     = 0x53726448 // "HdrS"
	minSetupSectors = 4          // real_mode_data defaults to 4 sectors when setup_sects == 0

	loadFlagsLoadedHigh    = 1 << 0
	loadFlagsCanUseHeap    = 1 << 7
	loadFlagsKeepSegments  = 1 << 6
	typeOfLoaderUndefined  = 0xFF
	vidModeNormal          = 0xFFFF
)

// setupHeader offsets within the zero page, per the Linux boot protocol
// (Documentation/arch/x86/boot.rst).
const (
	offSetupSects   = 0x1f1
	offRootFlags    = 0x1f2
	offSysSize      = 0x1f4
	offRamSize      = 0x1f8
	offVidMode      = 0x1fa
	offRootDev      = 0x1fc
	offBootFlag     = 0x1fe
	offJump         = 0x200
	offHeader       = 0x202
	offVersion      = 0x206
	offTypeOfLoader = 0x210
	offLoadFlags    = 0x211
	offCode32Start  = 0x214
	offRamdiskImage = 0x218
	offRamdiskSize  = 0x21c
	offHeapEndPtr   = 0x224
	offCmdLinePtr   = 0x228
	offInitrdMax    = 0x22c
	offCmdlineSize  = 0x238

	offE820Entries = 0x1e8
	offE820Table   = 0x2d0
	e820EntryLen   = 20
	maxE820Entries = 128
)

// Loaded reports the result of loading a kernel+initramfs into guest
// memory, consumed by vcpu bring-up (RIP/RSI) per spec section 4.3 step 4.
type Loaded struct {
	EntryPoint  uint64
	ZeroPageGPA uint64
}

// GuestMemory is the minimal surface Load needs to write into guest RAM.
type GuestMemory interface {
	Write(gpa uint64, data []byte) error
	Slice(gpa uint64, length uint32) ([]byte, error)
	Len() uint64
}

// Load parses kernel (a bzImage), optionally copies initrd, writes
// cmdline at CmdlineAddr, builds the E820 map and zero page, and returns
// the kernel entry point. Failures map to KERNEL_LOAD, BOOT_CONFIGURE,
// CMDLINE, E820, HIMEM_PAST_END per spec section 4.2.
func Load(mem GuestMemory, kernel io.ReaderAt, initrd io.ReaderAt, cmdline string, mmioGapStart uint64) (*Loaded, error) {
	header, err := readSetupHeader(kernel)
	if err != nil {
		return nil, vmmerr.Wrap(vmmerr.ErrKernelLoad, "read setup header", err)
	}
	if binary.LittleEndian.Uint16(header[offBootFlag-offSetupSects:]) != bootFlagMagic {
		return nil, vmmerr.Wrap(vmmerr.ErrKernelLoad, "missing boot sector signature", nil)
	}
	if binary.LittleEndian.Uint32(header[offHeader-offSetupSects:]) != headerMagic {
		return nil, vmmerr.Wrap(vmmerr.ErrKernelLoad, "missing HdrS magic", nil)
	}

	setupSects := int(header[offSetupSects-offSetupSects])
	if setupSects == 0 {
		setupSects = minSetupSectors
	}
	kernelFileOffset := int64(setupSects+1) * 512

	kernelBuf := make([]byte, mem.Len()-KernelAddr)
	n, err := kernel.ReadAt(kernelBuf, kernelFileOffset)
	if n == 0 && err != nil && err != io.EOF {
		return nil, vmmerr.Wrap(vmmerr.ErrKernelLoad, "read protected-mode kernel", err)
	}
	if err := mem.Write(KernelAddr, kernelBuf[:n]); err != nil {
		return nil, vmmerr.Wrap(vmmerr.ErrKernelLoad, "copy kernel into guest memory", err)
	}

	var initrdAddr, initrdSize uint64
	if initrd != nil {
		initrdAddr, initrdSize, err = loadInitrd(mem, initrd, KernelAddr+uint64(n), mmioGapStart)
		if err != nil {
			return nil, err
		}
	}

	if err := writeCmdline(mem, cmdline); err != nil {
		return nil, err
	}

	e820, err := buildE820(mem.Len(), mmioGapStart)
	if err != nil {
		return nil, err
	}

	zp, err := buildZeroPage(header, setupSects, cmdline, initrdAddr, initrdSize, e820)
	if err != nil {
		return nil, err
	}
	if err := mem.Write(ZeroPageAddr, zp); err != nil {
		return nil, vmmerr.Wrap(vmmerr.ErrBootConfigure, "write zero page", err)
	}

	return &Loaded{EntryPoint: KernelAddr, ZeroPageGPA: ZeroPageAddr}, nil
}

// readSetupHeader reads the setup_header bytes [0x1f1, 0x238+4) directly
// from the bzImage file, preserving every field the bootloader does not
// override (syssize, kernel_version, and so on).
func readSetupHeader(kernel io.ReaderAt) ([]byte, error) {
	buf := make([]byte, offCmdlineSize+4-offSetupSects)
	n, err := kernel.ReadAt(buf, offSetupSects)
	if n < len(buf) && (err == nil || err == io.EOF) {
		return nil, vmmerr.ErrKernelLoad
	}
	if err != nil && err != io.EOF {
		return nil, err
	}
	return buf, nil
}

func loadInitrd(mem GuestMemory, initrd io.ReaderAt, minAddr, mmioGapStart uint64) (addr, size uint64, err error) {
	const probeSize = 1 << 30 // generous upper bound; real length comes from n
	buf := make([]byte, probeSize)
	if minAddr+uint64(len(buf)) > mem.Len() {
		buf = buf[:mem.Len()-minAddr]
	}
	n, rerr := initrd.ReadAt(buf, 0)
	if n == 0 && rerr != nil && rerr != io.EOF {
		return 0, 0, vmmerr.Wrap(vmmerr.ErrKernelLoad, "read initramfs", rerr)
	}

	const pageSize = 0x1000
	placement := alignDown(mem.Len()-uint64(n), pageSize)
	if placement < minAddr {
		return 0, 0, vmmerr.Wrap(vmmerr.ErrHimemPastEnd, "initramfs does not fit below the MMIO gap", nil)
	}
	if placement+uint64(n) > mmioGapStart {
		return 0, 0, vmmerr.Wrap(vmmerr.ErrHimemPastEnd, "initramfs placement overlaps MMIO gap", nil)
	}
	if err := mem.Write(placement, buf[:n]); err != nil {
		return 0, 0, vmmerr.Wrap(vmmerr.ErrKernelLoad, "copy initramfs into guest memory", err)
	}
	return placement, uint64(n), nil
}

func writeCmdline(mem GuestMemory, cmdline string) error {
	b := append([]byte(cmdline), 0)
	if err := mem.Write(CmdlineAddr, b); err != nil {
		return vmmerr.Wrap(vmmerr.ErrCmdline, "write cmdline", err)
	}
	return nil
}

func alignDown(v, align uint64) uint64 {
	return v &^ (align - 1)
}
