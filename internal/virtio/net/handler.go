package net

import (
	"golang.org/x/sys/unix"

	"github.com/DO-2K24-27/cloude/internal/eventloop"
	"github.com/DO-2K24-27/cloude/internal/logging"
)

var handlerLog = logging.For("virtio-net-handler")

const maxFrameSize = 65536

// Handler implements the TX/RX handler contract of spec section 4.8: it
// owns the rx/tx queues, the TAP fd, and the two queue-notify eventfds,
// and is the subscriber driven by the event loop on tap/rx/tx readiness.
type Handler struct {
	rx, tx         *Queue
	tap            Tap
	rxIOEvent      int
	txIOEvent      int
	device         *Device
}

// NewHandler wires a queue pair to a TAP and its doorbell eventfds.
func NewHandler(rx, tx *Queue, tap Tap, rxIOEvent, txIOEvent int, device *Device) *Handler {
	return &Handler{rx: rx, tx: tx, tap: tap, rxIOEvent: rxIOEvent, txIOEvent: txIOEvent, device: device}
}

// RxIOEventFD, TxIOEventFD, TapFD expose the raw fds for event-loop
// registration by the VMM orchestrator.
func (h *Handler) RxIOEventFD() int { return h.rxIOEvent }
func (h *Handler) TxIOEventFD() int { return h.txIOEvent }
func (h *Handler) TapFD() int       { return h.tap.Fd() }

// Init registers the rx/tx doorbells and the TAP fd with the event loop,
// each under its own adapter subscriber since eventloop dispatches
// Process per registered fd without naming which one fired.
func (h *Handler) Init(ops *eventloop.Ops) error {
	if err := ops.Add(h.txIOEvent, eventloop.In, txKickSubscriber{h}); err != nil {
		return err
	}
	if err := ops.Add(h.rxIOEvent, eventloop.In, rxKickSubscriber{h}); err != nil {
		return err
	}
	return ops.Add(h.tap.Fd(), eventloop.In, tapReadySubscriber{h})
}

// Process is never invoked: Handler registers three fd-specific adapter
// subscribers in Init rather than itself, but it still needs to satisfy
// eventloop.Subscriber so the VMM orchestrator can hand it to
// AddSubscriber directly from Activator.RegisterHandler.
func (h *Handler) Process(events eventloop.Events, ops *eventloop.Ops) {}

type txKickSubscriber struct{ h *Handler }

func (s txKickSubscriber) Init(ops *eventloop.Ops) error { return nil }
func (s txKickSubscriber) Process(events eventloop.Events, ops *eventloop.Ops) {
	if events.Readable() {
		s.h.OnTxKick()
	}
}

type rxKickSubscriber struct{ h *Handler }

func (s rxKickSubscriber) Init(ops *eventloop.Ops) error { return nil }
func (s rxKickSubscriber) Process(events eventloop.Events, ops *eventloop.Ops) {
	// The rx ioeventfd only wakes the loop when the driver replenishes
	// descriptors; the actual read happens from the TAP side, but a
	// pending TAP frame that earlier found no descriptors is retried here.
	if events.Readable() {
		drainEventFD(s.h.rxIOEvent)
		s.h.OnRxReady()
	}
}

type tapReadySubscriber struct{ h *Handler }

func (s tapReadySubscriber) Init(ops *eventloop.Ops) error { return nil }
func (s tapReadySubscriber) Process(events eventloop.Events, ops *eventloop.Ops) {
	if events.Readable() {
		s.h.OnRxReady()
	}
}

// OnTxKick drains the TX doorbell eventfd and processes newly available
// TX descriptor chains: strip the 12-byte virtio-net header, concatenate
// data buffers, and write the resulting frame to the TAP.
func (h *Handler) OnTxKick() {
	drainEventFD(h.txIOEvent)
	for {
		chain, err := h.tx.PopAvailChain()
		if err != nil {
			handlerLog.WithError(err).Warn("tx queue read failed")
			return
		}
		if chain == nil {
			return
		}
		frame := h.assembleFrame(chain)
		if len(frame) > VnetHdrSize {
			if err := h.tap.WriteFrame(frame[VnetHdrSize:]); err != nil {
				handlerLog.WithError(err).Warn("tap write failed; dropping frame")
			}
		}
		h.complete(h.tx, chain)
	}
}

func (h *Handler) assembleFrame(chain *Chain) []byte {
	var frame []byte
	for _, d := range chain.Descs {
		buf, err := h.device.mem.Slice(d.Addr, d.Len)
		if err != nil {
			handlerLog.WithError(err).Warn("descriptor buffer unmapped")
			continue
		}
		frame = append(frame, buf...)
	}
	return frame
}

// OnRxReady is called when the TAP fd is readable. While RX descriptor
// chains are available, it reads one frame at a time and prefixes it with
// a virtio-net header. If no RX descriptors are available, the TAP event
// is left pending since this loop uses level-triggered readiness, not
// edge (per spec section 4.8's handler contract).
func (h *Handler) OnRxReady() {
	for {
		chain, err := h.rx.PopAvailChain()
		if err != nil {
			handlerLog.WithError(err).Warn("rx queue read failed")
			return
		}
		if chain == nil {
			return // no RX descriptors; leave the TAP event pending
		}
		buf := make([]byte, maxFrameSize)
		n, err := h.tap.ReadFrame(buf)
		if err != nil {
			if err == unix.EAGAIN {
				// TAP has nothing to offer right now; step lastAvail
				// back so the chain PopAvailChain just consumed is
				// popped again on the next level-triggered TAP
				// readiness. The used ring was never touched for it.
				h.rx.lastAvail--
				return
			}
			handlerLog.WithError(err).Warn("tap read failed")
			h.rx.lastAvail--
			return
		}
		h.writeRxFrame(chain, buf[:n])
		h.complete(h.rx, chain)
	}
}

// vnet header: flags(1) gso_type(1) hdr_len(2) gso_size(2) csum_start(2) csum_offset(2) num_buffers(2)
func (h *Handler) writeRxFrame(chain *Chain, frame []byte) {
	hdr := make([]byte, VnetHdrSize)
	hdr[0] = 0 // flags: no checksum offload claims needed
	// num_buffers = 1 lives in the last two bytes of the modern header
	hdr[10] = 1
	hdr[11] = 0

	written := 0
	for _, d := range chain.Descs {
		if d.Flags&descFWrite == 0 {
			continue
		}
		buf, err := h.device.mem.Slice(d.Addr, d.Len)
		if err != nil {
			handlerLog.WithError(err).Warn("rx descriptor buffer unmapped")
			continue
		}
		if written < VnetHdrSize {
			n := copy(buf, hdr[written:])
			written += n
			buf = buf[n:]
		}
		if len(buf) == 0 {
			continue
		}
		payloadStart := written - VnetHdrSize
		if payloadStart < 0 {
			payloadStart = 0
		}
		if payloadStart >= len(frame) {
			continue
		}
		n := copy(buf, frame[payloadStart:])
		written += n
	}
}

func (h *Handler) complete(q *Queue, chain *Chain) {
	var total uint32
	for _, d := range chain.Descs {
		total += d.Len
	}
	needEvent, err := q.PushUsed(chain.HeadIndex, total)
	if err != nil {
		handlerLog.WithError(err).Warn("used ring update failed")
		return
	}
	if needEvent {
		h.device.RaiseInterrupt()
	}
}

func drainEventFD(fd int) {
	var buf [8]byte
	_, _ = unix.Read(fd, buf[:])
}

func writeEventFD(fd int) {
	if fd < 0 {
		return
	}
	buf := [8]byte{1}
	_, _ = unix.Write(fd, buf[:])
}
