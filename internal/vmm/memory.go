package vmm

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/DO-2K24-27/cloude/internal/kvmapi"
	"github.com/DO-2K24-27/cloude/internal/logging"
	"github.com/DO-2K24-27/cloude/internal/mmioalloc"
	"github.com/DO-2K24-27/cloude/internal/vmmerr"
)

var memLog = logging.For("memory")

// GuestMemory is one contiguous anonymous mapping covering guest
// physical addresses [0, len(bytes)), registered as memslot 0 with KVM.
// Grounded on
// BigBossBoolingB-VDATABPro/core_engine/virtual_machine.go's mmap +
// KVM_SET_USER_MEMORY_REGION sequence, corrected to use
// unix.Mmap/unix.Madvise(MADV_MERGEABLE) per tinyrange-cc's guest-memory
// setup.
type GuestMemory struct {
	bytes []byte
}

// NewGuestMemory allocates size bytes of guest RAM and registers it as
// memslot 0. size must already be capped below mmioalloc.MMIOGapStart by
// the caller (spec section 3's MmioWindow invariant); this function does
// not itself re-derive that cap so the HIMEM_PAST_END decision stays in
// one place (capMemorySize, called from vmm.go's NewVMM).
func NewGuestMemory(vmFd int, size uint64) (*GuestMemory, error) {
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, vmmerr.Wrap(vmmerr.ErrMemory, "mmap guest memory", err)
	}
	if err := unix.Madvise(mem, unix.MADV_MERGEABLE); err != nil {
		memLog.WithError(err).Warn("madvise(MADV_MERGEABLE) failed; continuing without it")
	}

	region := &kvmapi.UserspaceMemoryRegion{
		Slot:          0,
		Flags:         0,
		GuestPhysAddr: 0,
		MemorySize:    size,
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}
	if err := kvmapi.SetUserMemoryRegion(vmFd, region); err != nil {
		_ = unix.Munmap(mem)
		return nil, vmmerr.Wrap(vmmerr.ErrKvmIoctl, "KVM_SET_USER_MEMORY_REGION", err)
	}

	return &GuestMemory{bytes: mem}, nil
}

// Len reports the mapping's size in bytes.
func (g *GuestMemory) Len() uint64 { return uint64(len(g.bytes)) }

// Slice returns a view over guest memory [gpa, gpa+length), satisfying
// virtio/net.GuestMemory. Returns vmmerr.ErrMemory if the range falls
// outside the mapping.
func (g *GuestMemory) Slice(gpa uint64, length uint32) ([]byte, error) {
	end := gpa + uint64(length)
	if length == 0 || end < gpa || end > uint64(len(g.bytes)) {
		return nil, vmmerr.Wrap(vmmerr.ErrMemory, "guest address out of range", nil)
	}
	return g.bytes[gpa:end], nil
}

// Write copies data into guest memory starting at gpa.
func (g *GuestMemory) Write(gpa uint64, data []byte) error {
	dst, err := g.Slice(gpa, uint32(len(data)))
	if err != nil {
		return err
	}
	copy(dst, data)
	return nil
}

// Close unmaps guest memory. Must only be called after every vCPU thread
// has joined (spec section 5's resource-lifetime rule): an in-flight
// memory access could otherwise reference freed memory.
func (g *GuestMemory) Close() error {
	if g.bytes == nil {
		return nil
	}
	err := unix.Munmap(g.bytes)
	g.bytes = nil
	return err
}

// capMemorySize enforces spec section 3's MmioWindow invariant: guest RAM
// never overlaps the MMIO window. Per DESIGN.md's boundary decision this
// rejects rather than silently caps.
func capMemorySize(size uint64) error {
	if size == 0 {
		return vmmerr.Wrap(vmmerr.ErrHimemPastEnd, "memory size must be non-zero", nil)
	}
	if size > mmioalloc.MMIOGapStart {
		return vmmerr.Wrap(vmmerr.ErrHimemPastEnd, "memory size exceeds MMIO_GAP_START", nil)
	}
	return nil
}
