package vmm

import (
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/DO-2K24-27/cloude/internal/device"
	"github.com/DO-2K24-27/cloude/internal/kvmapi"
	"github.com/DO-2K24-27/cloude/internal/logging"
	virtionet "github.com/DO-2K24-27/cloude/internal/virtio/net"
	"github.com/DO-2K24-27/cloude/internal/vmmerr"
)

var vcpuLog = logging.For("vcpu")

// Identity-mapped page table GPAs, per spec section 4.3 step 5.
const (
	pml4Addr = 0x9000
	pdptAddr = 0xA000
	pdAddr   = 0xB000

	ptePresent  = 1 << 0
	pteWrite    = 1 << 1
	pdePageSize = 1 << 7

	cr0PE = 1 << 0
	cr0PG = 1 << 31
	cr4PAE = 1 << 5
	eferLME = 1 << 8
	eferLMA = 1 << 10

	// lvtLint0/lvtLint1 offsets and delivery modes mirror kvmapi's LAPIC
	// helper; vcpu.go only needs to call SetLVTExtIntNMI.
)

// Vcpu owns one KVM vCPU's fd and mmap'd kvm_run page. It is created and
// fully initialized during Configure, then run on its own host thread.
// Grounded on
// BigBossBoolingB-VDATABPro/core_engine/vcpu.go's VCPU struct and run
// loop shape, generalized from real-mode/ticker-driven to long-mode and
// signal-driven using jamlee-t-gokvm's accurate ioctl numbers.
type Vcpu struct {
	index int
	fd    int
	run   *kvmapi.RunData
	mmap  []byte

	serial *device.Serial
	net    *virtionet.Device

	tid int32 // host TID running this vCPU, set at the top of RunLoop
}

// NewVcpu creates the vCPU fd and maps its kvm_run page.
func NewVcpu(vmFd, kvmFd, index int, serial *device.Serial, net *virtionet.Device) (*Vcpu, error) {
	fd, err := kvmapi.CreateVCPU(vmFd, index)
	if err != nil {
		return nil, vmmerr.Wrap(vmmerr.ErrVcpu, "create vcpu", err)
	}
	mmapSize, err := kvmapi.GetVCPUMmapSize(kvmFd)
	if err != nil {
		return nil, vmmerr.Wrap(vmmerr.ErrVcpu, "get vcpu mmap size", err)
	}
	mmap, err := unix.Mmap(fd, 0, mmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, vmmerr.Wrap(vmmerr.ErrVcpu, "mmap kvm_run", err)
	}
	return &Vcpu{
		index:  index,
		fd:     fd,
		run:    kvmapi.AsRunData(mmap),
		mmap:   mmap,
		serial: serial,
		net:    net,
	}, nil
}

// Configure performs the full spec section 4.3 bring-up sequence.
func (v *Vcpu) Configure(kvmFd int, numVCPUs int, mem *GuestMemory, entryPoint, zeroPageGPA uint64) error {
	if err := v.configureCPUID(kvmFd, numVCPUs); err != nil {
		return err
	}
	if err := v.configureMSRs(); err != nil {
		return err
	}
	if err := v.configureRegs(entryPoint, zeroPageGPA); err != nil {
		return err
	}
	if err := v.configureSregs(mem); err != nil {
		return err
	}
	if err := v.configureFPU(); err != nil {
		return err
	}
	if err := v.configureLAPIC(); err != nil {
		return err
	}
	return nil
}

// configureCPUID fetches the host's supported CPUID, clones it, sets the
// per-vCPU APIC ID and disables the perfmon leaf, per spec step 2.
func (v *Vcpu) configureCPUID(kvmFd, numVCPUs int) error {
	entries, err := kvmapi.GetSupportedCPUID(kvmFd)
	if err != nil {
		return vmmerr.Wrap(vmmerr.ErrVcpu, "get supported cpuid", err)
	}
	editCPUIDForVcpu(entries, numVCPUs, v.index)
	if err := kvmapi.SetCPUID2(v.fd, entries); err != nil {
		return vmmerr.Wrap(vmmerr.ErrVcpu, "set cpuid2", err)
	}
	return nil
}

// editCPUIDForVcpu stamps per-vCPU topology and APIC ID leaves onto a
// host-supported CPUID entry list, and masks the architectural
// performance-monitoring leaf this VMM does not virtualize.
func editCPUIDForVcpu(entries []kvmapi.CPUIDEntry2, numVCPUs, index int) {
	for i := range entries {
		switch entries[i].Function {
		case 0x0B, 0x1F: // topology leaves
			entries[i].Ebx = uint32(numVCPUs)
		case 0x0A: // architectural performance monitoring
			entries[i].Eax = 0
		case 0x01:
			entries[i].Ebx = (entries[i].Ebx &^ 0xFF000000) | (uint32(index) << 24)
		}
	}
}

// configureMSRs zeroes the SYSENTER MSRs and sets MISC_ENABLE's
// fast-string bit, matching Linux's boot-time expectations (step 3).
func (v *Vcpu) configureMSRs() error {
	const (
		msrIA32SysenterCS  = 0x174
		msrIA32SysenterESP = 0x175
		msrIA32SysenterEIP = 0x176
		msrIA32MiscEnable  = 0x1A0
		miscEnableFastStrings = 1 << 0
	)
	entries := []kvmapi.MSREntry{
		{Index: msrIA32SysenterCS, Data: 0},
		{Index: msrIA32SysenterESP, Data: 0},
		{Index: msrIA32SysenterEIP, Data: 0},
		{Index: msrIA32MiscEnable, Data: miscEnableFastStrings},
	}
	if err := kvmapi.SetMSRs(v.fd, entries); err != nil {
		return vmmerr.Wrap(vmmerr.ErrVcpu, "set msrs", err)
	}
	return nil
}

// configureRegs sets RIP/RSI/RFLAGS per step 4.
func (v *Vcpu) configureRegs(entryPoint, zeroPageGPA uint64) error {
	regs := &kvmapi.Regs{
		RIP:    entryPoint,
		RSI:    zeroPageGPA,
		RFLAGS: 0x2,
	}
	if err := kvmapi.SetRegs(v.fd, regs); err != nil {
		return vmmerr.Wrap(vmmerr.ErrVcpu, "set regs", err)
	}
	return nil
}

// configureSregs builds the identity-mapped PML4/PDPT/PD at a fixed low
// GPA, sets CR0/CR4/EFER for 64-bit long mode, and flattens the segment
// registers, per step 5. No in-memory GDT is written: like
// jamlee-t-gokvm's flat-segment setup, KVM's structured Segment fields
// are sufficient because the Linux 64-bit entry point reloads its own
// GDT (head_64.S) before touching guest-managed segments again.
func (v *Vcpu) configureSregs(mem *GuestMemory) error {
	if err := writeIdentityPageTables(mem); err != nil {
		return err
	}

	sregs, err := kvmapi.GetSregs(v.fd)
	if err != nil {
		return vmmerr.Wrap(vmmerr.ErrVcpu, "get sregs", err)
	}

	flat := kvmapi.Segment{Base: 0, Limit: 0xFFFFFFFF, G: 1, Present: 1, S: 1, DB: 0, L: 1}
	code := flat
	code.Type = 0xB // execute/read, accessed
	code.Selector = 0x08
	data := flat
	data.Type = 0x3 // read/write, accessed
	data.Selector = 0x10

	sregs.CS = code
	sregs.DS, sregs.ES, sregs.FS, sregs.GS, sregs.SS = data, data, data, data, data

	sregs.CR3 = pml4Addr
	sregs.CR4 |= cr4PAE
	sregs.CR0 |= cr0PE | cr0PG
	sregs.EFER |= eferLME | eferLMA

	if err := kvmapi.SetSregs(v.fd, sregs); err != nil {
		return vmmerr.Wrap(vmmerr.ErrVcpu, "set sregs", err)
	}
	return nil
}

// writeIdentityPageTables builds a single PML4 entry -> single PDPT entry
// -> 512 2 MiB PD entries, identity-mapping the first 1 GiB of guest
// physical memory, more than enough for the kernel/initramfs/zero-page
// region below the MMIO gap's own separate handling.
func writeIdentityPageTables(mem *GuestMemory) error {
	pml4, err := mem.Slice(pml4Addr, 0x1000)
	if err != nil {
		return vmmerr.Wrap(vmmerr.ErrVcpu, "identity map pml4", err)
	}
	pdpt, err := mem.Slice(pdptAddr, 0x1000)
	if err != nil {
		return vmmerr.Wrap(vmmerr.ErrVcpu, "identity map pdpt", err)
	}
	pd, err := mem.Slice(pdAddr, 0x1000)
	if err != nil {
		return vmmerr.Wrap(vmmerr.ErrVcpu, "identity map pd", err)
	}

	for i := range pml4 {
		pml4[i] = 0
	}
	for i := range pdpt {
		pdpt[i] = 0
	}
	putLE64(pml4, uint64(pdptAddr)|ptePresent|pteWrite)
	putLE64(pdpt, uint64(pdAddr)|ptePresent|pteWrite)

	const twoMB = 1 << 21
	for i := 0; i < 512; i++ {
		entry := uint64(i)*twoMB | ptePresent | pteWrite | pdePageSize
		putLE64(pd[i*8:], entry)
	}
	return nil
}

func putLE64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func (v *Vcpu) configureFPU() error {
	fpu := &kvmapi.FPU{}
	if err := kvmapi.SetFPU(v.fd, fpu); err != nil {
		return vmmerr.Wrap(vmmerr.ErrVcpu, "set fpu", err)
	}
	return nil
}

func (v *Vcpu) configureLAPIC() error {
	lapic, err := kvmapi.GetLAPIC(v.fd)
	if err != nil {
		return vmmerr.Wrap(vmmerr.ErrVcpu, "get lapic", err)
	}
	lapic.SetLVTExtIntNMI()
	if err := kvmapi.SetLAPIC(v.fd, lapic); err != nil {
		return vmmerr.Wrap(vmmerr.ErrVcpu, "set lapic", err)
	}
	return nil
}

// RunLoop issues the hypervisor run ioctl in a tight loop, dispatching
// exits by reason, until running flips false or an unrecoverable exit is
// observed, per spec section 4.9 step 3. RunLoop locks its goroutine to
// one OS thread for its whole run and records that thread's TID, since
// joinVcpus delivers SIGUSR1 to this specific thread.
func (v *Vcpu) RunLoop(running *atomic.Bool) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	atomic.StoreInt32(&v.tid, int32(unix.Gettid()))

	for running.Load() {
		err := kvmapi.Run(v.fd)
		if err != nil {
			if err == unix.EINTR || err == unix.EAGAIN {
				continue
			}
			return vmmerr.Wrap(vmmerr.ErrVcpu, "KVM_RUN", err)
		}

		switch kvmapi.ExitReason(v.run.ExitReason) {
		case kvmapi.ExitHLT:
			time.Sleep(time.Millisecond)
		case kvmapi.ExitIO:
			if err := v.handleIO(); err != nil {
				vcpuLog.WithError(err).Warn("io exit handling failed")
			}
		case kvmapi.ExitMMIO:
			if err := v.handleMMIO(); err != nil {
				vcpuLog.WithError(err).Warn("mmio exit handling failed")
			}
		case kvmapi.ExitShutdown, kvmapi.ExitFailEntry:
			running.Store(false)
			return nil
		case kvmapi.ExitIntr:
			continue
		case kvmapi.ExitInternalError:
			vcpuLog.WithField("vcpu", v.index).Error("KVM_EXIT_INTERNAL_ERROR")
			running.Store(false)
			return nil
		default:
			vcpuLog.WithField("exit_reason", v.run.ExitReason).Error("unhandled vm exit reason")
			running.Store(false)
			return nil
		}
	}
	return nil
}

func (v *Vcpu) handleIO() error {
	info := v.run.IO()
	size := int(info.Size)
	data := kvmapi.IOBuf(v.mmap, info, size)

	const (
		com1Start = device.COM1PortBase
		com1End   = device.COM1PortEnd
	)
	if info.Port >= com1Start && info.Port <= com1End {
		return v.serial.HandleIO(info.Port, info.Direction, data)
	}
	return nil // unrouted ports are ignored, matching a minimal-chipset guest profile
}

func (v *Vcpu) handleMMIO() error {
	mmio := v.run.MMIO()
	if v.net == nil {
		return nil
	}
	r := v.net.MMIORange()
	if mmio.PhysAddr < r.Start || mmio.PhysAddr >= r.End {
		return nil
	}
	data := mmio.Data[:mmio.Len]
	return v.net.HandleMMIO(mmio.PhysAddr-r.Start, data, mmio.IsWrite == 1)
}

// Close releases the vCPU's mmap and fd.
func (v *Vcpu) Close() error {
	if v.mmap != nil {
		_ = unix.Munmap(v.mmap)
		v.mmap = nil
	}
	return unix.Close(v.fd)
}

// Tid returns the host thread ID this vCPU's RunLoop is executing on, or
// 0 before RunLoop has started. joinVcpus uses it to target SIGUSR1 so KVM_RUN
// returns EINTR instead of blocking until the next guest exit (spec
// section 4.9 step 5).
func (v *Vcpu) Tid() int32 {
	return atomic.LoadInt32(&v.tid)
}
