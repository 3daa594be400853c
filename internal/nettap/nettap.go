// Package nettap opens and configures a Linux TUN/TAP device for use as
// the virtio-net backend, satisfying virtio/net.Tap.
//
// Grounded on
// _examples/BigBossBoolingB-VDATABPro/core_engine/network/tap_device.go's
// TapDevice (TUNSETIFF open sequence, non-blocking read/write semantics).
// That teacher device stops at open/read/write; spec section 4.8 also
// requires negotiating TAP-side checksum/segmentation offloads and the
// vnet header size before the device is handed to the virtqueue handler,
// so SetOffload/SetVnetHdrSize are authored fresh against the
// TUNSETOFFLOAD/TUNSETVNETHDRSZ ioctls documented in linux/if_tun.h.
package nettap

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/DO-2K24-27/cloude/internal/logging"
	"github.com/DO-2K24-27/cloude/internal/vmmerr"
)

var log = logging.For("nettap")

// Device is a host TAP interface backing one virtio-net device.
type Device struct {
	fd   int
	name string
}

type ifReq struct {
	Name  [16]byte
	Flags uint16
	_     [22]byte // pad to the kernel's struct ifreq size
}

// Open creates (or attaches to) the named TAP interface in non-blocking,
// no-packet-info mode, per spec section 4.8's "open or create" contract.
func Open(name string) (*Device, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, vmmerr.Wrap(vmmerr.ErrVirtio, "open /dev/net/tun", err)
	}

	var req ifReq
	copy(req.Name[:], name)
	req.Flags = unix.IFF_TAP | unix.IFF_NO_PI | unix.IFF_VNET_HDR

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(unix.TUNSETIFF), uintptr(unsafe.Pointer(&req))); errno != 0 {
		_ = unix.Close(fd)
		return nil, vmmerr.Wrap(vmmerr.ErrVirtio, "TUNSETIFF "+name, errno)
	}

	log.WithField("tap", name).Info("tap device attached")
	return &Device{fd: fd, name: name}, nil
}

// SetOffload negotiates the TAP-side checksum/segmentation offloads the
// device advertised to the guest, via TUNSETOFFLOAD.
func (d *Device) SetOffload(flags uint32) error {
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), uintptr(unix.TUNSETOFFLOAD), uintptr(flags)); errno != 0 {
		return vmmerr.Wrap(vmmerr.ErrVirtio, "TUNSETOFFLOAD", errno)
	}
	return nil
}

// SetVnetHdrSize tells the kernel each frame on this fd is prefixed with
// a virtio-net header of the given size, via TUNSETVNETHDRSZ.
func (d *Device) SetVnetHdrSize(size int) error {
	v := int32(size)
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), uintptr(unix.TUNSETVNETHDRSZ), uintptr(unsafe.Pointer(&v))); errno != 0 {
		return vmmerr.Wrap(vmmerr.ErrVirtio, "TUNSETVNETHDRSZ", errno)
	}
	return nil
}

// ReadFrame reads one frame (vnet header included, since IFF_VNET_HDR is
// set) from the TAP. Returns unix.EAGAIN, unwrapped, when nothing is
// pending so handler.go can distinguish "no data" from a real failure.
func (d *Device) ReadFrame(buf []byte) (int, error) {
	n, err := unix.Read(d.fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, unix.EAGAIN
		}
		return 0, vmmerr.Wrap(vmmerr.ErrVirtio, "tap read "+d.name, err)
	}
	return n, nil
}

// WriteFrame writes one frame to the TAP, retrying on EINTR.
func (d *Device) WriteFrame(buf []byte) error {
	for {
		_, err := unix.Write(d.fd, buf)
		if err == nil {
			return nil
		}
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return unix.EAGAIN
		}
		return vmmerr.Wrap(vmmerr.ErrVirtio, "tap write "+d.name, err)
	}
}

// Fd returns the raw TAP file descriptor for event-loop registration.
func (d *Device) Fd() int { return d.fd }

// Close releases the TAP fd.
func (d *Device) Close() error {
	return unix.Close(d.fd)
}
