// Package vmmerr defines the VMM's error taxonomy. Each sentinel wraps the
// underlying cause so callers can both match on kind (errors.Is) and print
// the full chain.
package vmmerr

import (
	"errors"
	"fmt"
)

var (
	ErrKvmIoctl          = errors.New("kvm ioctl failed")
	ErrMemory            = errors.New("guest memory error")
	ErrKernelLoad        = errors.New("kernel load failed")
	ErrBootConfigure     = errors.New("boot configuration failed")
	ErrCmdline           = errors.New("cmdline construction failed")
	ErrE820              = errors.New("e820 map construction failed")
	ErrHimemPastEnd      = errors.New("requested memory size exceeds MMIO gap start")
	ErrVcpu              = errors.New("vcpu configuration failed")
	ErrMPTable           = errors.New("mp-table construction failed")
	ErrSerialCreation    = errors.New("serial device creation failed")
	ErrIrqRegister       = errors.New("irq registration failed")
	ErrStdinRead         = errors.New("stdin read failed")
	ErrStdinWrite        = errors.New("stdin write failed")
	ErrVirtio            = errors.New("virtio device error")
	ErrAddressAllocation = errors.New("address allocation exhausted")
	ErrEpoll             = errors.New("event loop primitive failed")
	ErrAlreadyConfigured = errors.New("vmm already configured")
)

// Wrap attaches kind to cause, preserving both for errors.Is/errors.Unwrap.
func Wrap(kind error, context string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%w: %s", kind, context)
	}
	return fmt.Errorf("%w: %s: %v", kind, context, cause)
}
