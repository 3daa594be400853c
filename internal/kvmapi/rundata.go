package kvmapi

import "unsafe"

// RunData mirrors the head of the mmap'd struct kvm_run. Only the fields
// the VMM reads or writes are named; the exit-reason-specific union is
// decoded via the Data offsets, following the approach in
// _examples/jamlee-t-gokvm/kvm/kvm.go's RunData.IO()/MMIO helpers.
type RunData struct {
	RequestInterruptWindow uint8
	_                      [7]byte
	ExitReason             uint32
	ReadyForInterruptInjection uint8
	IfFlag                 uint8
	_                      [2]byte
	CR8                    uint64
	ApicBase               uint64
	Data                   [32]uint64
}

// IOInfo decodes the union fields for an EXIT_IO exit, matching the
// kvm_run.io struct layout (direction, size, port, count, data_offset).
// DataOffset is relative to the start of the kvm_run mmap.
type IOInfo struct {
	Direction  uint8
	Size       uint8
	Port       uint16
	Count      uint32
	DataOffset uint64
}

// IO decodes the IO exit payload out of Data[0] and Data[1] (the kernel
// ABI packs direction/size/port/count into the first 8 bytes and the
// data_offset into the following 8 bytes).
func (r *RunData) IO() IOInfo {
	raw := r.Data[0]
	return IOInfo{
		Direction:  uint8(raw & 0xFF),
		Size:       uint8((raw >> 8) & 0xFF),
		Port:       uint16((raw >> 16) & 0xFFFF),
		Count:      uint32((raw >> 32) & 0xFFFFFFFF),
		DataOffset: r.Data[1],
	}
}

// MMIOInfo decodes the union fields for an EXIT_MMIO exit.
type MMIOInfo struct {
	PhysAddr uint64
	Data     [8]byte
	Len      uint32
	IsWrite  uint8
}

// MMIO decodes the MMIO exit payload, which in the real kvm_run union
// starts at the same offset as the IO union (both occupy Data[0..]).
func (r *RunData) MMIO() *MMIOInfo {
	return (*MMIOInfo)(unsafe.Pointer(&r.Data[0]))
}

// AsRunData casts an mmap'd kvm_run page to *RunData.
func AsRunData(mmap []byte) *RunData {
	return (*RunData)(unsafe.Pointer(&mmap[0]))
}

// IOBuf returns the byte slice inside the kvm_run mmap holding IO exit
// data, located at info.DataOffset bytes from the start of the mmap.
func IOBuf(mmap []byte, info IOInfo, size int) []byte {
	off := int(info.DataOffset)
	if off < 0 || off+size > len(mmap) {
		off = len(mmap) - size
	}
	return mmap[off : off+size]
}
