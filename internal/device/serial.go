// Package device implements the emulated guest-visible devices: the 8250
// UART console and the host stdin subscriber that feeds it.
//
// Register layout, port offsets, and LCR/LSR/IER/IIR bit constants are
// ported from BigBossBoolingB-VDATABPro/core_engine/devices/serial.go and
// pic_constants.go. The teacher routed interrupts through an emulated
//8259 PIC (InterruptRaiser.RaiseIRQ); this version raises them via an
// eventfd wired to KVM_IRQFD, as required by spec section 4.5, and backs
// the previously-stubbed RHR read path with a real bounded FIFO fed by
// the stdin subscriber (section 4.6), matching
// original_source/vmm/src/devices/serial.rs's vm_superio-backed design.
package device

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/DO-2K24-27/cloude/internal/logging"
	"github.com/DO-2K24-27/cloude/internal/vmmerr"
)

var log = logging.For("serial")

// Port offsets from COM1PortBase, matching the teacher's pic_constants.go.
const (
	COM1PortBase uint16 = 0x3F8
	COM1PortEnd  uint16 = 0x3FF
	SerialIRQ    uint8  = 4

	offRHRTHRDLL uint16 = 0
	offIERDLH    uint16 = 1
	offIIRFCR    uint16 = 2
	offLCR       uint16 = 3
	offMCR       uint16 = 4
	offLSR       uint16 = 5
	offMSR       uint16 = 6
	offSCR       uint16 = 7
)

const (
	lcrDLAB byte = 0x80

	lsrDR   byte = 0x01
	lsrTHRE byte = 0x20
	lsrTEMT byte = 0x40

	iirNoIntPending    byte = 0x01
	iirRxDataAvailable byte = 0x04

	ierRxDataAvailable byte = 0x01

	rxFIFOCapacity = 256
)

// Serial emulates a 16550A-compatible UART at I/O ports 0x3F8-0x3FF.
type Serial struct {
	mu sync.Mutex

	out io.Writer

	thrDll byte
	ierDlh byte
	iirFcr byte
	lcr    byte
	mcr    byte
	lsr    byte
	msr    byte
	scr    byte

	dlabActive bool

	rxFIFO []byte

	irqfd int
}

// NewSerial creates a serial device writing guest TX bytes to out and
// raising guest IRQ 4 via irqfd (already registered with KVM_IRQFD by the
// caller) whenever the RX FIFO becomes non-empty and the interrupt is
// enabled.
func NewSerial(out io.Writer, irqfd int) *Serial {
	return &Serial{
		out:    out,
		lsr:    lsrTHRE | lsrTEMT,
		iirFcr: iirNoIntPending,
		irqfd:  irqfd,
	}
}

// HandleIO services a PIO exit targeting 0x3F8-0x3FF.
func (s *Serial) HandleIO(port uint16, direction uint8, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(data) != 1 {
		return vmmerr.Wrap(vmmerr.ErrSerialCreation, fmt.Sprintf("unsupported io size %d at port 0x%x", len(data), port), nil)
	}
	offset := port - COM1PortBase

	if direction == 1 /* out */ {
		return s.writeRegister(offset, data[0])
	}
	data[0] = s.readRegister(offset)
	return nil
}

func (s *Serial) writeRegister(offset uint16, val byte) error {
	switch offset {
	case offRHRTHRDLL:
		if s.dlabActive {
			s.thrDll = val
			return nil
		}
		if _, err := s.out.Write([]byte{val}); err != nil {
			return vmmerr.Wrap(vmmerr.ErrStdinWrite, "serial tx", err)
		}
		s.lsr |= lsrTHRE | lsrTEMT
	case offIERDLH:
		// DLAB selects divisor-latch-high vs IER, but this emulation keeps
		// a single byte for both since neither is read back while the
		// other is active.
		s.ierDlh = val
	case offIIRFCR:
		s.iirFcr = val
	case offLCR:
		s.lcr = val
		s.dlabActive = val&lcrDLAB != 0
	case offMCR:
		s.mcr = val
	case offSCR:
		s.scr = val
	default:
		return vmmerr.Wrap(vmmerr.ErrSerialCreation, fmt.Sprintf("unhandled OUT offset 0x%x", offset), nil)
	}
	return nil
}

func (s *Serial) readRegister(offset uint16) byte {
	switch offset {
	case offRHRTHRDLL:
		if s.dlabActive {
			return s.thrDll
		}
		return s.popRX()
	case offIERDLH:
		return s.ierDlh
	case offIIRFCR:
		v := s.iirFcr
		s.iirFcr = iirNoIntPending
		return v
	case offLCR:
		return s.lcr
	case offMCR:
		return s.mcr
	case offLSR:
		return s.lsr
	case offMSR:
		return 0x00
	case offSCR:
		return s.scr
	default:
		return 0
	}
}

// popRX removes and returns the oldest byte from the RX FIFO, clearing
// LSR.DR if the FIFO drains.
func (s *Serial) popRX() byte {
	if len(s.rxFIFO) == 0 {
		return 0
	}
	b := s.rxFIFO[0]
	s.rxFIFO = s.rxFIFO[1:]
	if len(s.rxFIFO) == 0 {
		s.lsr &^= lsrDR
	}
	return b
}

// EnqueueRX appends bytes to the RX FIFO (bounded; excess bytes are
// dropped, matching a real UART's overrun behavior) and raises the guest
// interrupt if RX-data-available is enabled in IER.
func (s *Serial) EnqueueRX(b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wasEmpty := len(s.rxFIFO) == 0
	room := rxFIFOCapacity - len(s.rxFIFO)
	if room <= 0 {
		return
	}
	if len(b) > room {
		b = b[:room]
	}
	s.rxFIFO = append(s.rxFIFO, b...)
	s.lsr |= lsrDR

	if wasEmpty && len(s.rxFIFO) > 0 && s.ierDlh&ierRxDataAvailable != 0 {
		s.iirFcr = iirRxDataAvailable
		s.raiseIRQ()
	}
}

func (s *Serial) raiseIRQ() {
	if s.irqfd < 0 {
		return
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(s.irqfd, buf[:]); err != nil {
		log.WithError(err).Warn("failed to signal serial irqfd")
	}
}
