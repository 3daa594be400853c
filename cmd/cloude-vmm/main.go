// Command cloude-vmm is the launcher binary around internal/vmm: it
// parses flags into a LaunchConfig, optionally builds an initramfs from a
// payload directory, wires up the host bridge/NAT and TAP device when
// networking is requested, drives the VMM through its new -> add_net_device?
// -> configure -> run lifecycle, and scrapes the sentinel markers out of
// the guest's serial output once it exits.
package main

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
	"golang.org/x/term"

	"github.com/DO-2K24-27/cloude/internal/initramfs"
	"github.com/DO-2K24-27/cloude/internal/ipalloc"
	"github.com/DO-2K24-27/cloude/internal/logging"
	"github.com/DO-2K24-27/cloude/internal/netsetup"
	"github.com/DO-2K24-27/cloude/internal/sentinel"
	"github.com/DO-2K24-27/cloude/internal/vmm"
)

var log = logging.For("cloude-vmm")

// runTimeout is the wall-clock budget a single invocation gets before the
// launcher force-stops the VMM, per spec.md's supervisor timeout.
const runTimeout = 30 * time.Second

// LaunchConfig is populated by go-flags from the command line. Only
// KernelPath is mandatory; everything else has a usable default or is
// conditioned on another flag being set.
type LaunchConfig struct {
	KernelPath    string `long:"kernel" short:"k" description:"path to the bzImage kernel" required:"true"`
	InitramfsPath string `long:"initramfs" short:"i" description:"path to a prebuilt initramfs cpio.gz"`
	PayloadDir    string `long:"payload-dir" description:"directory to package into an initramfs instead of --initramfs"`
	PayloadCmd    string `long:"payload-cmd" description:"command /init runs inside the guest, required with --payload-dir"`

	VCPUs    uint8  `long:"vcpus" short:"c" default:"1" description:"number of vCPUs"`
	MemoryMB uint64 `long:"memory-mb" short:"m" default:"128" description:"guest memory size in MiB"`

	Tap        string `long:"tap" description:"host TAP device name; enables the virtio-net device"`
	Bridge     string `long:"bridge" description:"host bridge to attach the TAP to"`
	BridgeCIDR string `long:"bridge-cidr" default:"10.200.0.1/24" description:"bridge address, CIDR notation"`
	VMID       string `long:"vm-id" description:"identifier used for IP pool allocation, required with --tap"`
	IPPoolFile string `long:"ip-pool-file" default:"/var/lib/cloude-vmm/ip-pool.json" description:"JSON file backing the IP allocator"`
}

func main() {
	var cfg LaunchConfig
	if _, err := flags.Parse(&cfg); err != nil {
		os.Exit(1)
	}

	exitCode, err := run(cfg)
	if err != nil {
		log.WithError(err).Error("vmm exited with error")
		os.Exit(1)
	}
	os.Exit(exitCode)
}

func run(cfg LaunchConfig) (int, error) {
	initramfsPath, cleanup, err := resolveInitramfs(cfg)
	if err != nil {
		return 0, err
	}
	if cleanup != nil {
		defer cleanup()
	}

	if cfg.Tap != "" {
		if err := setupNetworking(cfg); err != nil {
			return 0, err
		}
	}

	stdinReader, restoreTerm := rawStdin()
	defer restoreTerm()

	out, scrape := sentinelTee(os.Stdout)

	machine, err := vmm.NewVMM(stdinReader, out, cfg.MemoryMB*1024*1024)
	if err != nil {
		return 0, fmt.Errorf("cloude-vmm: create vmm: %w", err)
	}
	defer func() {
		if err := machine.Close(); err != nil {
			log.WithError(err).Warn("error releasing vmm resources")
		}
	}()
	stdinReader.onEscape = machine.Stop

	if cfg.Tap != "" {
		if err := machine.AddNetDevice(cfg.Tap); err != nil {
			return 0, fmt.Errorf("cloude-vmm: add net device: %w", err)
		}
	}

	if err := machine.Configure(cfg.VCPUs, cfg.KernelPath, initramfsPath); err != nil {
		return 0, fmt.Errorf("cloude-vmm: configure: %w", err)
	}

	timer := time.AfterFunc(runTimeout, func() {
		log.Warn("run timeout reached, stopping vmm")
		machine.Stop()
	})
	defer timer.Stop()

	if err := machine.Run(); err != nil {
		return 0, fmt.Errorf("cloude-vmm: run: %w", err)
	}
	timer.Stop()

	output, exitCode, err := scrape()
	if err != nil {
		return 0, fmt.Errorf("cloude-vmm: scan guest output: %w", err)
	}
	fmt.Println(output)
	return exitCode, nil
}

// resolveInitramfs honors --initramfs directly, or builds one from
// --payload-dir/--payload-cmd into a temp file the caller must remove.
func resolveInitramfs(cfg LaunchConfig) (path string, cleanup func(), err error) {
	if cfg.PayloadDir == "" {
		return cfg.InitramfsPath, nil, nil
	}
	if cfg.PayloadCmd == "" {
		return "", nil, fmt.Errorf("cloude-vmm: --payload-dir requires --payload-cmd")
	}

	tmp, err := os.CreateTemp("", "cloude-initramfs-*.cpio.gz")
	if err != nil {
		return "", nil, fmt.Errorf("cloude-vmm: create temp initramfs: %w", err)
	}
	cleanup = func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}

	if err := initramfs.Build(cfg.PayloadDir, initramfs.InitScript(cfg.PayloadCmd), tmp); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("cloude-vmm: build initramfs: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", nil, fmt.Errorf("cloude-vmm: close initramfs: %w", err)
	}
	return tmp.Name(), cleanup, nil
}

// setupNetworking brings the host bridge up, enables NAT for its subnet,
// and reserves a guest IP from the pool. The TAP device itself is expected
// to already be attached to the bridge by the caller's provisioning step;
// cloude-vmm only configures the shared host-side plumbing a TAP needs to
// reach the outside world.
func setupNetworking(cfg LaunchConfig) error {
	if cfg.VMID == "" {
		return fmt.Errorf("cloude-vmm: --tap requires --vm-id")
	}

	ip, ipNet, err := net.ParseCIDR(cfg.BridgeCIDR)
	if err != nil {
		return fmt.Errorf("cloude-vmm: parse --bridge-cidr: %w", err)
	}
	bridgeName := cfg.Bridge
	if bridgeName == "" {
		bridgeName = "cloude0"
	}
	prefixLen, _ := ipNet.Mask.Size()
	if err := netsetup.SetupBridge(bridgeName, ip, prefixLen); err != nil {
		return err
	}
	if err := netsetup.SetupNAT(ipNet.String()); err != nil {
		return err
	}

	poolStart := make(net.IP, len(ipNet.IP))
	copy(poolStart, ipNet.IP)
	poolStart[len(poolStart)-1] = 2
	poolEnd := make(net.IP, len(ipNet.IP))
	copy(poolEnd, ipNet.IP)
	poolEnd[len(poolEnd)-1] = 254

	pool, err := ipalloc.New(cfg.IPPoolFile, poolStart, poolEnd)
	if err != nil {
		return fmt.Errorf("cloude-vmm: open ip pool: %w", err)
	}
	addr, err := pool.Allocate(cfg.VMID)
	if err != nil {
		return fmt.Errorf("cloude-vmm: allocate guest ip: %w", err)
	}
	log.WithField("vm_id", cfg.VMID).WithField("ip", addr.String()).Info("reserved guest ip")
	return nil
}

// sentinelTee wraps w so every byte written to the guest console is both
// forwarded live to w and buffered for a post-run sentinel.Scan.
func sentinelTee(w *os.File) (tee *os.File, scrape func() (string, int, error)) {
	r, pw, err := os.Pipe()
	if err != nil {
		log.WithError(err).Warn("sentinel pipe unavailable, output will not be scraped")
		return w, func() (string, int, error) { return "", 0, nil }
	}

	captured := make(chan struct{})
	var output string
	var exitCode int
	var scanErr error
	go func() {
		defer close(captured)
		multi := &lineTee{dst: w, src: r}
		output, exitCode, scanErr = sentinel.Scan(multi)
	}()

	return pw, func() (string, int, error) {
		pw.Close()
		<-captured
		return output, exitCode, scanErr
	}
}

// lineTee forwards every Read to dst before returning it, so the serial
// console still streams live to the terminal while sentinel.Scan consumes
// the same bytes.
type lineTee struct {
	dst *os.File
	src *os.File
}

func (l *lineTee) Read(p []byte) (int, error) {
	n, err := l.src.Read(p)
	if n > 0 {
		l.dst.Write(p[:n])
	}
	return n, err
}

// rawStdin puts the terminal into raw mode (so the guest's console gets
// every keystroke, including control characters) and wraps stdin with the
// triple-Ctrl-A-x escape hatch from jamlee-t-gokvm/main.go: three
// Ctrl-A-then-x chords in a row force the VMM to stop without waiting for
// the guest to shut itself down. If stdin isn't a terminal, raw mode is
// skipped; the returned wrapper still watches for the escape chords.
func rawStdin() (r *escapeStdin, restore func()) {
	fd := int(os.Stdin.Fd())
	wrapped := &escapeStdin{File: os.Stdin}

	if !term.IsTerminal(fd) {
		return wrapped, func() {}
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		log.WithError(err).Warn("failed to set raw terminal mode")
		return wrapped, func() {}
	}
	return wrapped, func() { term.Restore(fd, state) }
}

// escapeStdin forwards reads to the embedded file while watching the byte
// stream for three consecutive Ctrl-A,'x' chords, at which point it calls
// onEscape (wired to machine.Stop in run above). The VMM's own
// stdin subscriber sees the same bytes it always would; only the escape
// chords are additionally inspected here, never stripped.
type escapeStdin struct {
	*os.File
	chords   int
	sawCtrlA bool
	onEscape func()
}

func (e *escapeStdin) Read(p []byte) (int, error) {
	n, err := e.File.Read(p)
	for i := 0; i < n; i++ {
		switch {
		case p[i] == 0x01: // Ctrl-A
			e.sawCtrlA = true
			continue
		case e.sawCtrlA && p[i] == 'x':
			e.chords++
			if e.chords >= 3 && e.onEscape != nil {
				e.onEscape()
			}
		default:
			e.chords = 0
		}
		e.sawCtrlA = false
	}
	return n, err
}
