// Package vmm wires together guest memory, vCPUs, the emulated serial
// console, and an optional virtio-net device into the VMM object spec
// section 2 describes: new -> add_net_device? -> configure -> run ->
// stop. Grounded on original_source/vmm/src/lib.rs's VMM struct and
// method set, using this module's own internal/kvmapi in place of
// kvm-ioctls and internal/eventloop in place of event-manager.
package vmm

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"os/signal"

	"golang.org/x/sys/unix"

	"github.com/DO-2K24-27/cloude/internal/bootimg"
	"github.com/DO-2K24-27/cloude/internal/device"
	"github.com/DO-2K24-27/cloude/internal/eventloop"
	"github.com/DO-2K24-27/cloude/internal/irqalloc"
	"github.com/DO-2K24-27/cloude/internal/kvmapi"
	"github.com/DO-2K24-27/cloude/internal/logging"
	"github.com/DO-2K24-27/cloude/internal/mmioalloc"
	"github.com/DO-2K24-27/cloude/internal/mptable"
	"github.com/DO-2K24-27/cloude/internal/nettap"
	virtionet "github.com/DO-2K24-27/cloude/internal/virtio/net"
	"github.com/DO-2K24-27/cloude/internal/vmmerr"
)

var vmmLog = logging.For("vmm")

// Serial IRQ and base IRQ allocator start, matching
// original_source/vmm/src/lib.rs's register_irqfd(.., 4) and
// IrqAllocator::new(5).
const (
	serialIRQ   uint32 = 4
	firstNetIRQ uint32 = 5

	// IOAPICAddr is the architectural IOAPIC MMIO base x86_64 guests
	// expect, referenced by the MP-table's IOAPIC entry.
	IOAPICAddr uint32 = 0xFEC00000

	// MPTableBase is the BIOS-reserved GPA the MP-table is written to,
	// per spec section 6's memory layout.
	MPTableBase uint32 = 0xF0000

	defaultCmdline = "console=ttyS0 quiet panic=-1"

	eventLoopTimeout = 100 * time.Millisecond
)

// fdReader is the subset of *os.File that NewVMM needs beyond
// io.ReadCloser: a raw descriptor the stdin subscriber can hand to
// epoll. Matches original_source/vmm/src/lib.rs's VMInput (Read +
// AsRawFd) trait; *os.File satisfies it, which is what cmd/cloude-vmm
// passes as stdin.
type fdReader interface {
	Fd() uintptr
}

// VMM is the hypervisor handle: one guest address space, one serial
// console, zero or one virtio-net device, and a vCPU per guest core.
type VMM struct {
	mu sync.Mutex

	kvmFd int
	vmFd  int

	mem    *GuestMemory
	serial *device.Serial
	net    *virtionet.Device

	cmdlineComponents []string

	loop      *eventloop.Loop
	mmioAlloc *mmioalloc.Allocator
	irqAlloc  *irqalloc.Allocator

	vcpus   []*Vcpu
	running atomic.Bool
	wg      sync.WaitGroup

	configured bool
}

// NewVMM opens /dev/kvm, creates a VM, allocates guest memory, and brings
// up the serial console and its stdin feed. Mirrors
// original_source/vmm/src/lib.rs's VMM::new, generalized to long mode (no
// TSS/identity-map-addr setup, since this VMM never relies on KVM's
// real-mode emulation). stdin must additionally implement Fd() uintptr
// (every *os.File does) so its readiness can be registered with the
// event loop.
func NewVMM(stdin io.ReadCloser, serialWriter io.Writer, memSize uint64) (*VMM, error) {
	if err := capMemorySize(memSize); err != nil {
		return nil, err
	}
	fr, ok := stdin.(fdReader)
	if !ok {
		return nil, vmmerr.Wrap(vmmerr.ErrStdinRead, "stdin must expose Fd() uintptr", nil)
	}

	kvmFd, err := kvmapi.OpenDevice()
	if err != nil {
		return nil, vmmerr.Wrap(vmmerr.ErrKvmIoctl, "open /dev/kvm", err)
	}
	vmFd, err := kvmapi.CreateVM(kvmFd)
	if err != nil {
		_ = unix.Close(kvmFd)
		return nil, vmmerr.Wrap(vmmerr.ErrKvmIoctl, "KVM_CREATE_VM", err)
	}

	mem, err := NewGuestMemory(vmFd, memSize)
	if err != nil {
		_ = unix.Close(vmFd)
		_ = unix.Close(kvmFd)
		return nil, err
	}

	loop, err := eventloop.New()
	if err != nil {
		_ = mem.Close()
		_ = unix.Close(vmFd)
		_ = unix.Close(kvmFd)
		return nil, err
	}

	vmm := &VMM{
		kvmFd:     kvmFd,
		vmFd:      vmFd,
		mem:       mem,
		loop:      loop,
		mmioAlloc: mmioalloc.NewMMIOWindow(),
		irqAlloc:  irqalloc.New(firstNetIRQ),
	}

	if err := vmm.configureIO(stdin, int(fr.Fd()), serialWriter); err != nil {
		_ = vmm.Close()
		return nil, err
	}

	return vmm, nil
}

// configureIO creates the in-kernel IRQ chip (must precede vCPU
// creation), brings up the serial device and its irqfd, and registers
// the stdin subscriber, per spec section 4.5/4.6.
func (v *VMM) configureIO(stdin io.Reader, stdinFd int, serialWriter io.Writer) error {
	if err := kvmapi.CreateIRQChip(v.vmFd); err != nil {
		return vmmerr.Wrap(vmmerr.ErrKvmIoctl, "KVM_CREATE_IRQCHIP", err)
	}

	serialIRQFD, err := newEventFD()
	if err != nil {
		return vmmerr.Wrap(vmmerr.ErrIrqRegister, "serial irqfd", err)
	}
	if err := kvmapi.RegisterIRQFD(v.vmFd, serialIRQFD, serialIRQ); err != nil {
		return vmmerr.Wrap(vmmerr.ErrIrqRegister, "register serial irqfd", err)
	}
	v.serial = device.NewSerial(serialWriter, serialIRQFD)

	stdinSub := device.NewStdinSubscriber(stdin, stdinFd, v.serial)
	if err := v.loop.AddSubscriber(stdinSub); err != nil {
		return err
	}
	return nil
}

// AddNetDevice reserves an MMIO window and IRQ, constructs a virtio-mmio
// network device backed by tapName, and installs the VMM itself as the
// device's Activator. The device is not activated until the guest driver
// writes DRIVER_OK (spec section 4.8).
func (v *VMM) AddNetDevice(tapName string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.configured {
		return vmmerr.Wrap(vmmerr.ErrAlreadyConfigured, "add_net_device after configure", nil)
	}

	r, err := v.mmioAlloc.Allocate(virtionet.MMIORegionSize)
	if err != nil {
		return err
	}
	irq := v.irqAlloc.Allocate()

	irqfd, err := newEventFD()
	if err != nil {
		return vmmerr.Wrap(vmmerr.ErrIrqRegister, "net irqfd", err)
	}
	if err := kvmapi.RegisterIRQFD(v.vmFd, irqfd, irq); err != nil {
		return vmmerr.Wrap(vmmerr.ErrIrqRegister, "register net irqfd", err)
	}

	dev := virtionet.New(v.mem, tapName, r, irq, irqfd)
	v.cmdlineComponents = append(v.cmdlineComponents, dev.CmdlineFragment())
	v.net = dev
	virtionet.SetActivator(v)
	return nil
}

// Configure loads the kernel and optional initramfs, builds the
// MP-table, and brings up numVCPUs vCPUs. The kernel command line is
// always defaultCmdline plus every device's CmdlineFragment(); there is
// no operator override, matching the library's external interface.
func (v *VMM) Configure(numVCPUs uint8, kernelPath, initramfsPath string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.configured {
		return vmmerr.Wrap(vmmerr.ErrAlreadyConfigured, "configure called twice", nil)
	}

	kernelFile, err := os.Open(kernelPath)
	if err != nil {
		return vmmerr.Wrap(vmmerr.ErrKernelLoad, "open kernel image", err)
	}
	defer kernelFile.Close()

	var initrdReader io.ReaderAt
	if initramfsPath != "" {
		initrdFile, err := os.Open(initramfsPath)
		if err != nil {
			return vmmerr.Wrap(vmmerr.ErrKernelLoad, "open initramfs", err)
		}
		defer initrdFile.Close()
		initrdReader = initrdFile
	}

	full := buildCmdline(defaultCmdline, v.cmdlineComponents)
	loaded, err := bootimg.Load(v.mem, kernelFile, initrdReader, full, mmioalloc.MMIOGapStart)
	if err != nil {
		return err
	}

	mpTable, err := mptable.Build(MPTableBase, int(numVCPUs), IOAPICAddr, numVCPUs)
	if err != nil {
		return err
	}
	if err := v.mem.Write(uint64(MPTableBase), mpTable); err != nil {
		return vmmerr.Wrap(vmmerr.ErrMPTable, "write mp-table", err)
	}

	for i := 0; i < int(numVCPUs); i++ {
		vc, err := NewVcpu(v.vmFd, v.kvmFd, i, v.serial, v.net)
		if err != nil {
			return err
		}
		if err := vc.Configure(v.kvmFd, int(numVCPUs), v.mem, loaded.EntryPoint, loaded.ZeroPageGPA); err != nil {
			return err
		}
		v.vcpus = append(v.vcpus, vc)
	}

	v.configured = true
	return nil
}

// buildCmdline joins the operator cmdline (or defaultCmdline) with every
// device-contributed fragment, per spec section 3's CommandLineFragments.
func buildCmdline(base string, fragments []string) string {
	if base == "" {
		base = defaultCmdline
	}
	var b strings.Builder
	b.WriteString(base)
	for _, f := range fragments {
		b.WriteString(f)
	}
	return b.String()
}

// Run installs a no-op SIGUSR1 handler (so a directed signal interrupts
// KVM_RUN with EINTR instead of terminating the process), starts one
// thread per vCPU, and services the event loop until Stop flips running
// false. Mirrors original_source/vmm/src/lib.rs's run/join_vcpus split.
func (v *VMM) Run() error {
	v.running.Store(true)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1)
	defer signal.Stop(sigCh)

	v.startVcpus()

	for v.running.Load() {
		if err := v.loop.RunWithTimeout(eventLoopTimeout); err != nil {
			vmmLog.WithError(err).Warn("event loop iteration failed")
		}
	}

	v.joinVcpus()
	return nil
}

// Stop signals every vCPU thread and the event loop to exit. Safe to call
// from any goroutine (e.g. a triple-Ctrl-A escape hatch in the CLI).
func (v *VMM) Stop() {
	v.running.Store(false)
}

func (v *VMM) startVcpus() {
	for _, vc := range v.vcpus {
		v.wg.Add(1)
		go func(vc *Vcpu) {
			defer v.wg.Done()
			if err := vc.RunLoop(&v.running); err != nil {
				vmmLog.WithError(err).Error("vcpu run loop exited with error")
				v.running.Store(false)
			}
		}(vc)
	}
}

// joinVcpus repeatedly signals every vCPU thread with SIGUSR1 until all
// of them have returned from RunLoop. The repeat is needed because a
// vCPU's TID is only known once its RunLoop goroutine has locked its OS
// thread and recorded it; a vCPU signaled before that point would
// otherwise block in KVM_RUN until its next unrelated exit.
func (v *VMM) joinVcpus() {
	done := make(chan struct{})
	go func() {
		v.wg.Wait()
		close(done)
	}()

	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			for _, vc := range v.vcpus {
				if tid := vc.Tid(); tid != 0 {
					_ = unix.Tgkill(unix.Getpid(), int(tid), syscall.SIGUSR1)
				}
			}
		}
	}
}

// Close releases every host resource: vCPU fds, guest memory, the event
// loop, and the VM/KVM fds, in that order per spec section 5's
// resource-lifetime rule (nothing may reference guest memory after it is
// unmapped).
func (v *VMM) Close() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for _, vc := range v.vcpus {
		record(vc.Close())
	}
	if v.mem != nil {
		record(v.mem.Close())
	}
	if v.loop != nil {
		record(v.loop.Close())
	}
	if v.vmFd != 0 {
		record(unix.Close(v.vmFd))
	}
	if v.kvmFd != 0 {
		record(unix.Close(v.kvmFd))
	}
	return firstErr
}

// --- virtionet.Activator ---

// OpenTap satisfies virtio/net.Activator, opening the host TAP device and
// handing back the subset of nettap.Device the virtio-net package needs.
func (v *VMM) OpenTap(name string) (virtionet.Tap, error) {
	return nettap.Open(name)
}

// NewIOEventFD satisfies virtio/net.Activator.
func (v *VMM) NewIOEventFD() (int, error) {
	return newEventFD()
}

// RegisterIOEventFD satisfies virtio/net.Activator, wiring a queue
// doorbell eventfd so KVM signals it whenever the guest writes
// queueIndex to addr, without an exit back to userspace.
func (v *VMM) RegisterIOEventFD(addr uint64, queueIndex uint32, fd int) error {
	if err := kvmapi.RegisterIOEventFD(v.vmFd, addr, uint64(queueIndex), fd); err != nil {
		return vmmerr.Wrap(vmmerr.ErrKvmIoctl, fmt.Sprintf("KVM_IOEVENTFD queue %d", queueIndex), err)
	}
	return nil
}

// RegisterHandler satisfies virtio/net.Activator, adding the freshly
// activated queue handler to the event loop. Safe to call from a vCPU
// thread: eventloop.Loop guards its subscriber map with its own mutex.
func (v *VMM) RegisterHandler(h *virtionet.Handler) error {
	return v.loop.AddSubscriber(h)
}

func newEventFD() (int, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return -1, err
	}
	return fd, nil
}
