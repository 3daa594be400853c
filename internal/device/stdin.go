package device

import (
	"io"

	"github.com/DO-2K24-27/cloude/internal/eventloop"
	"github.com/DO-2K24-27/cloude/internal/logging"
)

var stdinLog = logging.For("stdin")

// StdinSubscriber reads host input and feeds it into the serial device's
// RX FIFO. Behavior (64-byte reads, EOF deregisters, errors logged and
// the subscriber stays registered) is ported from
// original_source/vmm/src/devices/stdin.rs's MutEventSubscriber impl.
type StdinSubscriber struct {
	input  io.Reader
	fd     int
	serial *Serial
}

// NewStdinSubscriber wraps input (whose underlying fd is fd, already set
// non-blocking by the caller) to feed serial's RX FIFO.
func NewStdinSubscriber(input io.Reader, fd int, serial *Serial) *StdinSubscriber {
	return &StdinSubscriber{input: input, fd: fd, serial: serial}
}

// Init registers stdin for level-triggered readability, per spec section 4.6.
func (s *StdinSubscriber) Init(ops *eventloop.Ops) error {
	return ops.Add(s.fd, eventloop.In, s)
}

// Process drains up to 64 bytes per readiness notification and enqueues
// them into the serial RX FIFO.
func (s *StdinSubscriber) Process(events eventloop.Events, ops *eventloop.Ops) {
	if !events.Readable() {
		return
	}
	buf := make([]byte, 64)
	n, err := s.input.Read(buf)
	if n > 0 {
		s.serial.EnqueueRX(buf[:n])
	}
	if err == io.EOF || (n == 0 && err == nil) {
		ops.Remove(s.fd)
		return
	}
	if err != nil {
		stdinLog.WithError(err).Warn("stdin read failed; subscriber remains registered")
	}
}
